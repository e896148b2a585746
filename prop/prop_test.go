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

package prop

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var secret = []byte("device unique secret")

func stores(t *testing.T) map[string]Store {
	t.Helper()
	f, err := OpenFile(filepath.Join(t.TempDir(), "props"), secret)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	return map[string]Store{
		"memory": NewMemory(),
		"file":   f,
	}
}

func TestGetSet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if got, err := s.GetBool("persist.boot.try", true); err != nil || !got {
				t.Fatalf("GetBool(unset) = %v, %v, want default", got, err)
			}
			if got, err := s.GetInt("persist.avb.rollback.0", 7); err != nil || got != 7 {
				t.Fatalf("GetInt(unset) = %v, %v, want default", got, err)
			}
			if _, ok, err := s.GetBytes("persist.avb.value.x"); err != nil || ok {
				t.Fatalf("GetBytes(unset) = %v, %v, want unset", ok, err)
			}

			if err := s.SetBool("persist.boot.try", false); err != nil {
				t.Fatalf("SetBool: %v", err)
			}
			if err := s.SetInt("persist.avb.rollback.0", -1); err != nil {
				t.Fatalf("SetInt: %v", err)
			}
			if err := s.SetBytes("persist.avb.value.x", []byte{1, 2, 3}); err != nil {
				t.Fatalf("SetBytes: %v", err)
			}

			if got, err := s.GetBool("persist.boot.try", true); err != nil || got {
				t.Fatalf("GetBool = %v, %v, want false", got, err)
			}
			if got, err := s.GetInt("persist.avb.rollback.0", 0); err != nil || got != -1 {
				t.Fatalf("GetInt = %v, %v, want -1", got, err)
			}
			got, ok, err := s.GetBytes("persist.avb.value.x")
			if err != nil || !ok {
				t.Fatalf("GetBytes = %v, %v", ok, err)
			}
			if diff := cmp.Diff(got, []byte{1, 2, 3}); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
		})
	}
}

func TestTypeMismatch(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.SetInt("k", 1); err != nil {
				t.Fatalf("SetInt: %v", err)
			}
			if _, err := s.GetBool("k", false); err == nil {
				t.Fatal("GetBool on int property succeeded")
			}
		})
	}
}

func TestFileCommit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "props")

	f, err := OpenFile(path, secret)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.SetBool("persist.boot.slot_a.active", true)
	f.SetInt("persist.avb.rollback.3", 42)
	f.SetBytes("persist.avb.value.digest", []byte("abc"))

	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, want := f.Counter(), uint64(1); got != want {
		t.Fatalf("Counter = %d, want %d", got, want)
	}

	// An unchanged store does not produce a new frame.
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, want := f.Counter(), uint64(1); got != want {
		t.Fatalf("Counter after no-op commit = %d, want %d", got, want)
	}

	g, err := OpenFile(path, secret)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if got, err := g.GetBool("persist.boot.slot_a.active", false); err != nil || !got {
		t.Fatalf("GetBool after reopen = %v, %v", got, err)
	}
	if got, err := g.GetInt("persist.avb.rollback.3", 0); err != nil || got != 42 {
		t.Fatalf("GetInt after reopen = %v, %v", got, err)
	}
	if got, _, err := g.GetBytes("persist.avb.value.digest"); err != nil || string(got) != "abc" {
		t.Fatalf("GetBytes after reopen = %q, %v", got, err)
	}
	if got, want := g.Counter(), uint64(1); got != want {
		t.Fatalf("Counter after reopen = %d, want %d", got, want)
	}
}

func TestFileUncommittedIsNotDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "props")

	f, err := OpenFile(path, secret)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	f.SetBool("persist.boot.try", true)

	g, err := OpenFile(path, secret)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if got, err := g.GetBool("persist.boot.try", false); err != nil || got {
		t.Fatalf("uncommitted value visible after reopen: %v, %v", got, err)
	}
}

func TestFileAuthentication(t *testing.T) {
	for _, test := range []struct {
		name   string
		secret []byte
		mangle func([]byte) []byte
		result uint16
	}{
		{
			name:   "wrong secret",
			secret: []byte("another device"),
			mangle: func(b []byte) []byte { return b },
			result: AuthenticationFailure,
		}, {
			name:   "flipped bit",
			secret: secret,
			mangle: func(b []byte) []byte {
				b[len(frameMagic)+3] ^= 1
				return b
			},
			result: AuthenticationFailure,
		}, {
			name:   "truncated",
			secret: secret,
			mangle: func(b []byte) []byte { return b[:len(frameMagic)+1] },
			result: ReadFailure,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "props")

			f, err := OpenFile(path, secret)
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			f.SetInt("persist.avb.rollback.0", 9)
			if err := f.Commit(); err != nil {
				t.Fatalf("Commit: %v", err)
			}

			b, err := os.ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if err := os.WriteFile(path, test.mangle(b), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}

			_, err = OpenFile(path, test.secret)
			var e *OperationError
			if !errors.As(err, &e) {
				t.Fatalf("OpenFile: got %v, want OperationError", err)
			}
			if e.Result != test.result {
				t.Fatalf("Got result %x, want %x", e.Result, test.result)
			}
		})
	}
}

func TestFileFailedCommitDiscardsPending(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "gone")
	if err := os.Mkdir(dir, 0o700); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}

	f, err := OpenFile(filepath.Join(dir, "props"), secret)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if err := os.Remove(dir); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	f.SetBool("persist.boot.try", true)
	if err := f.Commit(); err == nil {
		t.Fatal("Commit to missing directory succeeded")
	}
	if got, err := f.GetBool("persist.boot.try", false); err != nil || got {
		t.Fatalf("GetBool after failed commit = %v, %v, want false", got, err)
	}
}

func TestFileDirectorySyncFailureKeepsCommit(t *testing.T) {
	defer func(f func(string) error) { syncDir = f }(syncDir)
	syncDir = func(string) error { return errors.New("sync not supported") }

	path := filepath.Join(t.TempDir(), "props")
	f, err := OpenFile(path, secret)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}

	f.SetInt("persist.avb.rollback.0", 7)
	if err := f.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if got, err := f.GetInt("persist.avb.rollback.0", 0); err != nil || got != 7 {
		t.Fatalf("GetInt after commit = %v, %v, want 7", got, err)
	}

	g, err := OpenFile(path, secret)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if got, err := g.GetInt("persist.avb.rollback.0", 0); err != nil || got != 7 {
		t.Fatalf("GetInt after reopen = %v, %v, want 7", got, err)
	}
	if f.Counter() != g.Counter() {
		t.Fatalf("Counter = %d, stored %d", f.Counter(), g.Counter())
	}
}

func TestMemoryCommits(t *testing.T) {
	m := NewMemory()
	for i := 0; i < 3; i++ {
		m.Commit()
	}
	if got, want := m.Commits(), 3; got != want {
		t.Fatalf("Commits = %d, want %d", got, want)
	}
}
