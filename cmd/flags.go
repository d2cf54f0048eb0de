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

package cmd

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/google/go-sev-guest/kds"
	sgpb "github.com/google/go-sev-guest/proto/sevsnp"
	"github.com/google/snp-measurement/sev"
	"github.com/spf13/cobra"
)

const (
	// DefaultStage0Rom is the workspace-relative path of the Stage0 ROM a release build produces.
	DefaultStage0Rom = "stage0_bin/target/x86_64-unknown-none/release/stage0_bin"
	// WorkspaceRootEnv names the environment variable that locates the workspace.
	WorkspaceRootEnv = "WORKSPACE_ROOT"
)

// defaultStage0Path returns DefaultStage0Rom under $WORKSPACE_ROOT, or relative to the working
// directory if it is unset.
func defaultStage0Path() string {
	return filepath.Join(os.Getenv(WorkspaceRootEnv), DefaultStage0Rom)
}

func addStage0RomFlag(cmd *cobra.Command, f *string) {
	cmd.PersistentFlags().StringVar(f, "stage0_rom", defaultStage0Path(),
		"The location of the Stage 0 firmware ROM image")
}

type amdProductFlag struct {
	v *sgpb.SevProduct_SevProductName
}

func (p *amdProductFlag) String() string {
	if p.v == nil {
		return "<unset>"
	}
	return kds.ProductLine(&sgpb.SevProduct{Name: *p.v})
}

func (p *amdProductFlag) Set(value string) error {
	if value != "" {
		product, err := kds.ParseProductLine(value)
		if err != nil {
			return err
		}
		*p.v = product.Name
		return nil
	}
	return nil
}

func amdProductVar(v *sgpb.SevProduct_SevProductName, name string, defaultValue sgpb.SevProduct_SevProductName, usage string) *flag.Flag {
	f := &amdProductFlag{v: v}
	*v = defaultValue
	return &flag.Flag{
		Name:     name,
		Value:    f,
		Usage:    usage,
		DefValue: kds.ProductLine(&sgpb.SevProduct{Name: defaultValue}),
	}
}

type vmmTypeFlag struct {
	v *sev.VMMType
}

func (f *vmmTypeFlag) String() string {
	if f.v == nil {
		return "<unset>"
	}
	return f.v.String()
}

func (f *vmmTypeFlag) Set(value string) error {
	t, err := sev.ParseVMMType(value)
	if err != nil {
		return err
	}
	*f.v = t
	return nil
}

func vmmTypeVar(v *sev.VMMType, name string, defaultValue sev.VMMType, usage string) *flag.Flag {
	*v = defaultValue
	return &flag.Flag{
		Name:     name,
		Value:    &vmmTypeFlag{v: v},
		Usage:    usage,
		DefValue: defaultValue.String(),
	}
}
