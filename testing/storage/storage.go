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

// Package storage provides a mock storagei.Client implementation.
package storage

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/net/context"
)

// Mock implements the storagei.Client interface over in-memory objects.
type Mock struct {
	Objects map[string][]byte
	// ReadErrs maps an object name to the error its Reader returns.
	ReadErrs map[string]error
	// BodyErrs maps an object name to the error its reader returns on Read.
	BodyErrs map[string]error
	// WriteErrs maps an object name to the error its Writer returns.
	WriteErrs map[string]error
}

type nopCloser struct {
	io.Reader
}

func (n *nopCloser) Close() error { return nil }

// ObjectReader is an io.ReadCloser that fails every Read with ReadErr.
type ObjectReader struct {
	ReadErr  error
	CloseErr error
}

func (r *ObjectReader) Read([]byte) (int, error) {
	return 0, r.ReadErr
}

// Close returns the canned CloseErr.
func (r *ObjectReader) Close() error { return r.CloseErr }

// Reader returns a reader of the object's contents or the canned error for the object.
func (s *Mock) Reader(_ context.Context, object string) (io.ReadCloser, error) {
	if err, ok := s.ReadErrs[object]; ok {
		return nil, err
	}
	if err, ok := s.BodyErrs[object]; ok {
		return &ObjectReader{ReadErr: err}, nil
	}
	data, ok := s.Objects[object]
	if !ok {
		return nil, os.ErrNotExist
	}
	return &nopCloser{bytes.NewReader(data)}, nil
}

// ObjectWriter is an io.WriteCloser that stores its content in the Mock on Close.
type ObjectWriter struct {
	M *Mock

	Object  string
	Content []byte
}

// Write appends b to the pending content.
func (w *ObjectWriter) Write(b []byte) (int, error) {
	w.Content = append(w.Content, b...)
	return len(b), nil
}

// Close commits the written content to the Mock.
func (w *ObjectWriter) Close() error {
	if w.M.Objects == nil {
		w.M.Objects = make(map[string][]byte)
	}
	w.M.Objects[w.Object] = w.Content
	return nil
}

// Writer returns a writer that replaces the object's contents on Close, or the canned error for
// the object.
func (s *Mock) Writer(_ context.Context, object string) (io.WriteCloser, error) {
	if err, ok := s.WriteErrs[object]; ok {
		return nil, err
	}
	return &ObjectWriter{M: s, Object: object}, nil
}

// Exists returns whether Reader would succeed for the object.
func (s *Mock) Exists(ctx context.Context, object string) (bool, error) {
	r, err := s.Reader(ctx, object)
	if err != nil {
		if s.IsNotExists(err) {
			err = nil
		}
		return false, err
	}
	return true, r.Close()
}

// IsNotExists returns whether an error returned from Mock represents the NotExists error.
func (s *Mock) IsNotExists(err error) bool {
	return os.IsNotExist(err)
}

// WithInitialContents returns a Mock holding the given objects.
func WithInitialContents(initialContents map[string][]byte) *Mock {
	objects := make(map[string][]byte, len(initialContents))
	for k, v := range initialContents {
		objects[k] = bytes.Clone(v)
	}
	return &Mock{Objects: objects}
}
