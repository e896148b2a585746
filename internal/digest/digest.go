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

// Package digest computes digests over byte ranges of large inputs using a
// bounded amount of memory.
package digest

import (
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math"

	"github.com/transparency-dev/armored-witness-verify/api"
)

// ChunkSize is the default chunk size.
const ChunkSize = 1 << 20

const (
	chunkPrefix = 0xa5
	topPrefix   = 0x5a
)

// Range identifies length bytes at offset off of r.
type Range struct {
	R   io.ReaderAt
	Off int64
	Len int64
}

func (r Range) chunks(chunkSize int64) int64 {
	return (r.Len + chunkSize - 1) / chunkSize
}

// Option configures a digest computation.
type Option func(*options)

type options struct {
	progress func(n int64)
}

// WithProgress sets a function invoked with the number of bytes hashed after
// every chunk.
func WithProgress(f func(n int64)) Option {
	return func(o *options) {
		o.progress = f
	}
}

func parse(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func checkRanges(ranges []Range, chunkSize int64) error {
	if chunkSize <= 0 || chunkSize > math.MaxUint32 {
		return fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	for i, r := range ranges {
		if r.Off < 0 || r.Len < 0 || r.Len > math.MaxInt64-r.Off {
			return api.Errorf(api.MalformedContainer, "invalid range %d [%d, %d+%d)", i, r.Off, r.Off, r.Len)
		}
	}

	return nil
}

// each reads every range in chunks of at most chunkSize bytes and calls f
// with each of them. Chunks never span two ranges.
func each(ranges []Range, chunkSize int64, o *options, f func(chunk []byte)) error {
	var longest int64
	for _, r := range ranges {
		longest = max(longest, r.Len)
	}

	buf := make([]byte, min(chunkSize, longest))

	for i, r := range ranges {
		for off := int64(0); off < r.Len; off += chunkSize {
			n := min(chunkSize, r.Len-off)
			chunk := buf[:n]

			if m, err := r.R.ReadAt(chunk, r.Off+off); int64(m) != n {
				if err == nil || err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				return api.Wrap(api.IOError, fmt.Errorf("could not read range %d at %d, %w", i, r.Off+off, err))
			}

			f(chunk)

			if o.progress != nil {
				o.progress(n)
			}
		}
	}

	return nil
}

// Chunked returns the two level digest of ranges: every range is split into
// chunks of chunkSize bytes (the last chunk of a range may be shorter), each
// chunk is hashed as
//
//	H(0xa5 || uint32le(len(chunk)) || chunk)
//
// and the result is
//
//	H(0x5a || uint32le(number of chunks) || chunk digests...)
func Chunked(newHash func() hash.Hash, ranges []Range, chunkSize int64, opts ...Option) ([]byte, error) {
	if err := checkRanges(ranges, chunkSize); err != nil {
		return nil, err
	}

	var count int64
	for _, r := range ranges {
		count += r.chunks(chunkSize)
	}

	if count > math.MaxUint32 {
		return nil, api.Errorf(api.OutOfMemory, "too many chunks (%d)", count)
	}

	top := newHash()
	top.Write([]byte{topPrefix})
	top.Write(binary.LittleEndian.AppendUint32(nil, uint32(count)))

	h := newHash()
	hdr := make([]byte, 5)
	sum := make([]byte, 0, h.Size())

	err := each(ranges, chunkSize, parse(opts), func(chunk []byte) {
		hdr[0] = chunkPrefix
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(chunk)))

		h.Reset()
		h.Write(hdr)
		h.Write(chunk)

		top.Write(h.Sum(sum[:0]))
	})

	if err != nil {
		return nil, err
	}

	return top.Sum(nil), nil
}

// Stream returns H(prefix || ranges...), reading the ranges in chunks of at
// most chunkSize bytes.
func Stream(h hash.Hash, prefix []byte, ranges []Range, chunkSize int64, opts ...Option) ([]byte, error) {
	if err := checkRanges(ranges, chunkSize); err != nil {
		return nil, err
	}

	h.Reset()
	h.Write(prefix)

	if err := each(ranges, chunkSize, parse(opts), func(chunk []byte) { h.Write(chunk) }); err != nil {
		return nil, err
	}

	return h.Sum(nil), nil
}

// Total returns the number of bytes covered by ranges.
func Total(ranges []Range) (n int64) {
	for _, r := range ranges {
		n += r.Len
	}
	return
}
