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

// Package partition provides read access to named partitions, either block
// devices or regular files.
package partition

import (
	"fmt"
	"io"
	"os"

	"k8s.io/klog/v2"
)

// Device mostly mirrors the public API of os.File, allowing substitutions
// for testing.
type Device interface {
	io.ReaderAt
	// Size returns the size of the partition in bytes.
	Size() int64
}

// Closer is a Device which must be released after use.
type Closer interface {
	Device
	io.Closer
}

type file struct {
	*os.File
	size int64
}

func (f *file) Size() int64 {
	return f.size
}

// Open opens the named partition for reading.
func Open(path string) (Closer, error) {
	f, err := os.Open(path)

	if err != nil {
		return nil, err
	}

	// Seeking to the end works for both block devices and regular files,
	// unlike Stat which reports zero size for the former.
	size, err := f.Seek(0, io.SeekEnd)

	if err != nil {
		f.Close()
		return nil, fmt.Errorf("could not size partition %q, %v", path, err)
	}

	klog.V(2).Infof("Opened partition %q (%d bytes)", path, size)

	return &file{File: f, size: size}, nil
}

// Extent identifies a byte range of a partition.
type Extent struct {
	Dev    Device
	Offset int64
	Length int64
}

func (e Extent) check() error {
	size := e.Dev.Size()

	if e.Offset < 0 || e.Length < 0 || e.Offset > size || e.Length > size-e.Offset {
		return fmt.Errorf("extent [%d, %d+%d) out of bounds (size %d)", e.Offset, e.Offset, e.Length, size)
	}

	return nil
}

// Whole returns the extent covering all of dev.
func Whole(dev Device) Extent {
	return Extent{Dev: dev, Offset: 0, Length: dev.Size()}
}

// End returns the offset following the extent.
func (e Extent) End() int64 {
	return e.Offset + e.Length
}

// Sub returns the extent of length bytes at offset within e.
func (e Extent) Sub(offset int64, length int64) (Extent, error) {
	if offset < 0 || length < 0 || offset > e.Length || length > e.Length-offset {
		return Extent{}, fmt.Errorf("sub-extent [%d, %d+%d) out of bounds (length %d)", offset, offset, length, e.Length)
	}

	return Extent{Dev: e.Dev, Offset: e.Offset + offset, Length: length}, nil
}

// Bytes reads the whole extent, which must lie within its device.
func (e Extent) Bytes() ([]byte, error) {
	if err := e.check(); err != nil {
		return nil, err
	}

	buf := make([]byte, e.Length)

	if n, err := e.Dev.ReadAt(buf, e.Offset); n != len(buf) {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return buf, nil
}
