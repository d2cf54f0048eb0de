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

package local

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/net/context"
)

func TestWriteThenRead(t *testing.T) {
	ctx := context.Background()
	s := &StorageClient{Root: t.TempDir()}
	want := []byte("measurement")
	w, err := s.Writer(ctx, "out/nested/m.txt")
	if err != nil {
		t.Fatalf("Writer() = _, %v. Expected success", err)
	}
	if _, err := w.Write(want); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if ok, err := s.Exists(ctx, "out/nested/m.txt"); !ok || err != nil {
		t.Errorf("Exists() = %v, %v, want true, nil", ok, err)
	}
	r, err := s.Reader(ctx, "out/nested/m.txt")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("read %q, want %q", got, want)
	}
}

func TestAbsolutePath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "rom.bin")
	if err := os.WriteFile(p, []byte{1, 2, 3}, 0644); err != nil {
		t.Fatal(err)
	}
	s := &StorageClient{Root: "/nonexistent"}
	if ok, err := s.Exists(context.Background(), p); !ok || err != nil {
		t.Errorf("Exists(%q) = %v, %v, want true, nil", p, ok, err)
	}
}

func TestMissing(t *testing.T) {
	ctx := context.Background()
	s := &StorageClient{Root: t.TempDir()}
	if ok, err := s.Exists(ctx, "missing"); ok || err != nil {
		t.Errorf("Exists(missing) = %v, %v, want false, nil", ok, err)
	}
	_, err := s.Reader(ctx, "missing")
	if !s.IsNotExists(err) {
		t.Errorf("Reader(missing) = _, %v, want a not-exists error", err)
	}
}
