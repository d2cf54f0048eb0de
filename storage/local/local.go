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

// Package local provides a storagei.Client implementation for local disk files.
package local

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/snp-measurement/cmd/output"
	"golang.org/x/net/context"
)

const (
	defaultPerm    os.FileMode = 0644
	defaultDirPerm os.FileMode = 0755
)

// StorageClient provides the storagei.Client interface on local disk. Relative object paths are
// resolved against Root. An empty Root means the current working directory.
type StorageClient struct {
	Root string
}

func (s *StorageClient) localPath(object string) string {
	if filepath.IsAbs(object) {
		return object
	}
	return filepath.Join(s.Root, object)
}

// Reader returns an open ReadCloser object for reading the given object.
func (s *StorageClient) Reader(ctx context.Context, object string) (io.ReadCloser, error) {
	p := s.localPath(object)
	r, err := os.Open(p)
	if err != nil {
		return nil, err
	}
	output.Debugf(ctx, "opened reader for %s", p)
	return r, nil
}

// Writer returns an open WriteCloser object for populating the given object. Missing parent
// directories are created.
func (s *StorageClient) Writer(ctx context.Context, object string) (io.WriteCloser, error) {
	p := s.localPath(object)
	if dir := filepath.Dir(p); dir != "" {
		if err := os.MkdirAll(dir, defaultDirPerm); err != nil {
			return nil, fmt.Errorf("could not prepare directory for %s: %w", object, err)
		}
	}
	w, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultPerm)
	if err != nil {
		return nil, err
	}
	output.Debugf(ctx, "opened writer for %s", p)
	return w, nil
}

// Exists returns whether a particular object exists, or an error.
func (s *StorageClient) Exists(_ context.Context, object string) (bool, error) {
	_, err := os.Stat(s.localPath(object))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// IsNotExists returns whether an error from Client indicates the object in question does
// not exist.
func (s *StorageClient) IsNotExists(err error) bool {
	return os.IsNotExist(err)
}
