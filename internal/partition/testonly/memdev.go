// Copyright 2024 The Armored Witness authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package testonly provides support for partition tests.
package testonly

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// MemDev is a simple in-memory partition.
type MemDev struct {
	Storage []byte
}

// Size returns the size of the partition in bytes.
func (md *MemDev) Size() int64 {
	return int64(len(md.Storage))
}

// ReadAt reads len(b) bytes into b from offset off.
func (md *MemDev) ReadAt(b []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(md.Storage)) {
		return 0, io.EOF
	}
	n := copy(b, md.Storage[off:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// NewMemDev creates a new in-memory partition holding a copy of b.
func NewMemDev(t *testing.T, b []byte) *MemDev {
	t.Helper()
	return &MemDev{Storage: append([]byte{}, b...)}
}

// WriteFile stores b as a file named name in a fresh temporary directory and
// returns its path.
func WriteFile(t *testing.T, name string, b []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, b, 0o600); err != nil {
		t.Fatalf("Failed to write %q: %v", p, err)
	}
	return p
}
