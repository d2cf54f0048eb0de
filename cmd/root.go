// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd provides the snpmeasure CLI command abstractions.
package cmd

import (
	"io"

	"github.com/google/snp-measurement/cmd/output"
	"github.com/google/snp-measurement/storage/storagei"
	"github.com/spf13/cobra"
	"golang.org/x/net/context"
)

// AppComponents are the environment-specific parts of the snpmeasure command.
type AppComponents struct {
	// Storage reads the firmware image and base policy, and writes --out.
	Storage storagei.Client
	// Out and Err override stdout and stderr when non-nil.
	Out io.Writer
	Err io.Writer
}

// MakeRoot returns a new root cobra command for the snpmeasure CLI tool.
func MakeRoot(ctx0 context.Context, app *AppComponents) *cobra.Command {
	flags := &output.Options{Out: app.Out, Err: app.Err}
	ctx := output.NewContext(ctx0, flags)
	c := &measureCommand{app: app}
	cmd := &cobra.Command{
		Use:   "snpmeasure",
		Short: "SEV-SNP launch measurement calculator for Stage 0 firmware",
		Long: `Command line tool that computes the SEV-SNP launch MEASUREMENT of a VM booted from a
Stage 0 firmware ROM image.

The measurement replays every page the AMD Secure Processor measures during launch: the ROM, its
legacy boot shadow, the special pages the firmware requests, and one VMSA per vCPU.
`,
		Args: cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.Validate(cmd); err != nil {
				return err
			}
			return c.validate()
		},
		RunE: c.runE,
	}
	cmd.SetContext(ctx)
	flags.AddFlags(cmd)
	c.addFlags(cmd)
	return cmd
}

// Execute runs the root command and reports any error as a diagnostic. It returns the process exit
// status.
func Execute(cmd *cobra.Command) int {
	cmd.SilenceErrors = true
	if err := cmd.Execute(); err != nil {
		output.Errorf(cmd.Context(), "%v", err)
		return 1
	}
	return 0
}
