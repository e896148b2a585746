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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"k8s.io/klog/v2"
)

// File is a Store persisted as a single authenticated frame on a file.
//
// Each Commit replaces the whole frame by means of a rename, and increments
// a write counter carried in the frame. The frame is read back after every
// commit, and the commit fails unless the stored counter is a single
// increment of the previous one.
type File struct {
	sync.Mutex

	path string
	key  []byte

	counter   uint64
	committed table
	pending   table
}

// OpenFile opens the store at path, authenticating its content with a key
// derived from the device unique secret. A missing file is an empty store.
func OpenFile(path string, secret []byte) (f *File, err error) {
	f = &File{
		path: path,
		key:  DeriveKey(secret),
	}

	f.counter, f.committed, err = readFrame(path, f.key)

	switch {
	case errors.Is(err, fs.ErrNotExist):
		klog.V(1).Infof("Property store %q not found, starting empty", path)
		f.counter, f.committed = 0, make(table)
	case err != nil:
		return nil, fmt.Errorf("could not open property store %q, %w", path, err)
	}

	f.pending = f.committed.clone()

	return f, nil
}

func readFrame(path string, key []byte) (uint64, table, error) {
	fi, err := os.Stat(path)

	if err != nil {
		return 0, nil, err
	}

	if fi.Size() > MaxFrameLength {
		return 0, nil, &OperationError{Result: ReadFailure, Err: fmt.Errorf("frame too large (%d > %d)", fi.Size(), MaxFrameLength)}
	}

	buf, err := os.ReadFile(path)

	if err != nil {
		return 0, nil, err
	}

	return decodeFrame(key, buf)
}

// Counter returns the write counter of the last committed frame.
func (f *File) Counter() uint64 {
	f.Lock()
	defer f.Unlock()

	return f.counter
}

func (f *File) GetBool(key string, def bool) (bool, error) {
	f.Lock()
	defer f.Unlock()

	v, ok, err := f.pending.get(key, kindBool)

	if err != nil || !ok {
		return def, err
	}

	return v.b, nil
}

func (f *File) SetBool(key string, v bool) error {
	f.Lock()
	defer f.Unlock()

	f.pending[key] = value{kind: kindBool, b: v}

	return nil
}

func (f *File) GetInt(key string, def int64) (int64, error) {
	f.Lock()
	defer f.Unlock()

	v, ok, err := f.pending.get(key, kindInt)

	if err != nil || !ok {
		return def, err
	}

	return v.i, nil
}

func (f *File) SetInt(key string, v int64) error {
	f.Lock()
	defer f.Unlock()

	f.pending[key] = value{kind: kindInt, i: v}

	return nil
}

func (f *File) GetBytes(key string) ([]byte, bool, error) {
	f.Lock()
	defer f.Unlock()

	v, ok, err := f.pending.get(key, kindBytes)

	if err != nil || !ok {
		return nil, false, err
	}

	return append([]byte(nil), v.raw...), true, nil
}

func (f *File) SetBytes(key string, v []byte) error {
	f.Lock()
	defer f.Unlock()

	f.pending[key] = value{kind: kindBytes, raw: append([]byte{}, v...)}

	return nil
}

// Commit atomically replaces the stored frame with all pending values.
//
// On failure the pending values are discarded, so that subsequent reads
// reflect what is actually stored.
func (f *File) Commit() (err error) {
	f.Lock()
	defer f.Unlock()

	if f.pending.equal(f.committed) {
		return nil
	}

	defer func() {
		if err != nil {
			f.pending = f.committed.clone()
		}
	}()

	next := f.counter + 1
	buf := encodeFrame(f.key, next, f.pending)

	if len(buf) > MaxFrameLength {
		return &OperationError{Result: WriteFailure, Err: fmt.Errorf("frame too large (%d > %d)", len(buf), MaxFrameLength)}
	}

	if err = writeAtomic(f.path, buf); err != nil {
		return &OperationError{Result: WriteFailure, Err: err}
	}

	counter, stored, err := readFrame(f.path, f.key)

	if err != nil {
		return err
	}

	if counter != next || !stored.equal(f.pending) {
		return &OperationError{Result: CounterFailure, Err: fmt.Errorf("write counter mismatch (%d != %d)", counter, next)}
	}

	klog.V(2).Infof("Committed property store %q, counter %d", f.path, next)

	f.counter = next
	f.committed = stored
	f.pending = stored.clone()

	return nil
}

// writeAtomic replaces the file at path with buf, either entirely or not at
// all.
func writeAtomic(path string, buf []byte) (err error) {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*")

	if err != nil {
		return
	}

	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(buf); err != nil {
		return
	}

	if err = tmp.Sync(); err != nil {
		return
	}

	if err = tmp.Close(); err != nil {
		return
	}

	if err = os.Rename(tmp.Name(), path); err != nil {
		return
	}

	// The new frame is in place, a lost directory entry only delays its
	// durability.
	if err := syncDir(dir); err != nil {
		klog.Warningf("Could not sync directory %q: %v", dir, err)
	}

	return nil
}

var syncDir = func(dir string) error {
	d, err := os.Open(dir)

	if err != nil {
		return err
	}

	defer d.Close()

	return d.Sync()
}
