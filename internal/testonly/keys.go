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

// Package testonly builds signed boot images and packages for tests.
package testonly

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

var (
	keysMu sync.Mutex
	keys   = map[string]*rsa.PrivateKey{}
)

// Key returns an RSA key of the given size, generated once per name and size
// for the lifetime of the test binary.
func Key(t testing.TB, name string, bits int) *rsa.PrivateKey {
	t.Helper()

	keysMu.Lock()
	defer keysMu.Unlock()

	id := fmt.Sprintf("%s/%d", name, bits)

	if k, ok := keys[id]; ok {
		return k
	}

	k, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		t.Fatalf("Failed to generate %d bit key: %v", bits, err)
	}

	keys[id] = k

	return k
}

// WriteFile stores b as a file named name in a fresh temporary directory and
// returns its path.
func WriteFile(t testing.TB, name string, b []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, b, 0o600); err != nil {
		t.Fatalf("Failed to write %q: %v", p, err)
	}
	return p
}
