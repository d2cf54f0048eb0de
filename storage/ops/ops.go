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

// Package ops provides common operations on a storagei.Client.
package ops

import (
	"fmt"
	"io"

	"github.com/google/snp-measurement/storage/storagei"
	"golang.org/x/net/context"
)

// WriteFile writes (over) contents of object name with contents. Creates the object if it doesn't
// already exist.
func WriteFile(ctx context.Context, s storagei.Client, name string, contents []byte) error {
	w, err := s.Writer(ctx, name)
	if err != nil {
		return fmt.Errorf("could not create file %q: %w", name, err)
	}
	closer := func() error {
		if err := w.Close(); err != nil {
			return fmt.Errorf("could not close file %q: %w", name, err)
		}
		return nil
	}
	n, err := w.Write(contents)
	if err == nil && n != len(contents) {
		err = io.ErrShortWrite
	}
	if err != nil {
		if cerr := closer(); cerr != nil {
			return cerr
		}
		return fmt.Errorf("could not write file %q: %w", name, err)
	}
	return closer()
}

// ReadFile returns the named object's contents.
func ReadFile(ctx context.Context, s storagei.Client, name string) ([]byte, error) {
	reader, err := s.Reader(ctx, name)
	if s.IsNotExists(err) {
		return nil, fmt.Errorf("file %q does not exist", name)
	}
	if err != nil {
		return nil, fmt.Errorf("could not read file %q: %w", name, err)
	}
	defer reader.Close()
	return io.ReadAll(reader)
}
