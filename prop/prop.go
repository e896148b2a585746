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

// Package prop implements the persistent property store used to keep boot
// slot flags, rollback indexes and other device trust state across reboots.
//
// Values written with the Set methods are immediately visible to the Get
// methods of the same store, but only become durable once Commit returns
// successfully. All values set between two commits are made durable together,
// so a power loss can never leave part of a transaction on storage.
package prop

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
)

// Store is a typed key/value store with explicit commit.
type Store interface {
	// GetBool returns the boolean value of key, or def if it is not set.
	GetBool(key string, def bool) (bool, error)
	// SetBool sets the boolean value of key.
	SetBool(key string, v bool) error
	// GetInt returns the integer value of key, or def if it is not set.
	GetInt(key string, def int64) (int64, error)
	// SetInt sets the integer value of key.
	SetInt(key string, v int64) error
	// GetBytes returns the raw value of key, the boolean result indicates
	// whether the key is set.
	GetBytes(key string) ([]byte, bool, error)
	// SetBytes sets the raw value of key.
	SetBytes(key string, v []byte) error
	// Commit makes all values set since the previous commit durable.
	Commit() error
}

type kind byte

const (
	kindBool kind = iota + 1
	kindInt
	kindBytes
)

func (k kind) String() string {
	switch k {
	case kindBool:
		return "bool"
	case kindInt:
		return "int"
	case kindBytes:
		return "bytes"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

type value struct {
	kind kind
	b    bool
	i    int64
	raw  []byte
}

func (v value) equal(o value) bool {
	return v.kind == o.kind && v.b == o.b && v.i == o.i && bytes.Equal(v.raw, o.raw)
}

// table holds a set of typed values.
type table map[string]value

func (t table) get(key string, k kind) (value, bool, error) {
	v, ok := t[key]

	if !ok {
		return value{}, false, nil
	}

	if v.kind != k {
		return value{}, false, fmt.Errorf("property %q holds %v, not %v", key, v.kind, k)
	}

	return v, true, nil
}

func (t table) clone() table {
	c := make(table, len(t))

	for k, v := range t {
		if v.raw != nil {
			v.raw = append([]byte(nil), v.raw...)
		}
		c[k] = v
	}

	return c
}

func (t table) keys() []string {
	keys := make([]string, 0, len(t))

	for k := range t {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

func (t table) equal(o table) bool {
	if len(t) != len(o) {
		return false
	}

	for k, v := range t {
		if ov, ok := o[k]; !ok || !v.equal(ov) {
			return false
		}
	}

	return true
}

// Memory is a Store kept entirely in process memory.
type Memory struct {
	sync.Mutex

	values  table
	commits int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		values: make(table),
	}
}

func (m *Memory) GetBool(key string, def bool) (bool, error) {
	m.Lock()
	defer m.Unlock()

	v, ok, err := m.values.get(key, kindBool)

	if err != nil || !ok {
		return def, err
	}

	return v.b, nil
}

func (m *Memory) SetBool(key string, v bool) error {
	m.Lock()
	defer m.Unlock()

	m.values[key] = value{kind: kindBool, b: v}

	return nil
}

func (m *Memory) GetInt(key string, def int64) (int64, error) {
	m.Lock()
	defer m.Unlock()

	v, ok, err := m.values.get(key, kindInt)

	if err != nil || !ok {
		return def, err
	}

	return v.i, nil
}

func (m *Memory) SetInt(key string, v int64) error {
	m.Lock()
	defer m.Unlock()

	m.values[key] = value{kind: kindInt, i: v}

	return nil
}

func (m *Memory) GetBytes(key string) ([]byte, bool, error) {
	m.Lock()
	defer m.Unlock()

	v, ok, err := m.values.get(key, kindBytes)

	if err != nil || !ok {
		return nil, false, err
	}

	return append([]byte(nil), v.raw...), true, nil
}

func (m *Memory) SetBytes(key string, v []byte) error {
	m.Lock()
	defer m.Unlock()

	m.values[key] = value{kind: kindBytes, raw: append([]byte{}, v...)}

	return nil
}

// Commit only counts commits, memory is as durable as it gets.
func (m *Memory) Commit() error {
	m.Lock()
	defer m.Unlock()

	m.commits++

	return nil
}

// Commits returns the number of times Commit has been called.
func (m *Memory) Commits() int {
	m.Lock()
	defer m.Unlock()

	return m.commits
}
