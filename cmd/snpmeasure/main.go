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

// Package main computes the SEV-SNP launch measurement of a Stage 0 firmware VM.
package main

import (
	"context"
	"os"

	"github.com/google/logger"
	"github.com/google/snp-measurement/cmd"
	"github.com/google/snp-measurement/storage/local"
)

func run() int {
	// Messages only reach the logger with --use_logs.
	defer logger.Init("snpmeasure", false, false, os.Stderr).Close()
	root := cmd.MakeRoot(context.Background(), &cmd.AppComponents{Storage: &local.StorageClient{}})
	return cmd.Execute(root)
}

func main() {
	os.Exit(run())
}
