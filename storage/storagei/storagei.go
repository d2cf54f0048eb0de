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

// Package storagei provides a storage interface type that firmware images and results go through.
package storagei

import (
	"io"

	"golang.org/x/net/context"
)

// Client defines the slice of storage needed to read firmware images and write results.
type Client interface {
	Reader(ctx context.Context, object string) (io.ReadCloser, error)
	Writer(ctx context.Context, object string) (io.WriteCloser, error)
	Exists(ctx context.Context, object string) (bool, error)
	IsNotExists(err error) bool
}
