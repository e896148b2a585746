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

package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/bits"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-witness-verify/api"
)

// reference computes the chunked digest of whole in-memory inputs.
func reference(inputs [][]byte, chunkSize int) []byte {
	var digests [][32]byte

	for _, in := range inputs {
		for off := 0; off < len(in); off += chunkSize {
			chunk := in[off:min(off+chunkSize, len(in))]
			n := len(chunk)
			digests = append(digests, sha256.Sum256(append([]byte{0xa5, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}, chunk...)))
		}
	}

	n := len(digests)
	top := []byte{0x5a, byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
	for _, d := range digests {
		top = append(top, d[:]...)
	}

	s := sha256.Sum256(top)
	return s[:]
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed
	}
	return b
}

func ranges(inputs ...[]byte) []Range {
	var r []Range
	for _, in := range inputs {
		r = append(r, Range{R: bytes.NewReader(in), Off: 0, Len: int64(len(in))})
	}
	return r
}

// The wanted digests were computed outside Go, with Python's hashlib.
func TestChunked(t *testing.T) {
	for _, test := range []struct {
		name      string
		inputs    [][]byte
		chunkSize int
		want      string
	}{
		{
			name:      "no input",
			chunkSize: 16,
			want:      "1043190b67a6bc391c83a3770c7c1fc51f694c6326bfc07b2b5cdc2f2732c4e0",
		}, {
			name:      "empty range",
			inputs:    [][]byte{{}},
			chunkSize: 16,
			want:      "1043190b67a6bc391c83a3770c7c1fc51f694c6326bfc07b2b5cdc2f2732c4e0",
		}, {
			name:      "exact chunk",
			inputs:    [][]byte{pattern(16, 1)},
			chunkSize: 16,
			want:      "f2cd44140b55a31ac3038f20063b3401835c2252478f49e3438199062fe78a16",
		}, {
			name:      "partial last chunk",
			inputs:    [][]byte{pattern(37, 2)},
			chunkSize: 16,
			want:      "ebfad8177ae5d2fd651235a453ca45a29584a413a5ed98e6806963457e6a5388",
		}, {
			name:      "chunks do not span ranges",
			inputs:    [][]byte{pattern(20, 3), pattern(5, 4), pattern(33, 5)},
			chunkSize: 16,
			want:      "342a91181b638692b123b87f4f9eebd1435c7286b20381680678fd20984716ce",
		}, {
			name:      "default chunk size",
			inputs:    [][]byte{pattern(ChunkSize+1, 6), pattern(22, 7)},
			chunkSize: ChunkSize,
			want:      "0fc8dd1e7f68efeead2006b091a12a2b75e3b531623fe7951c71b7325365f410",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := Chunked(sha256.New, ranges(test.inputs...), int64(test.chunkSize))
			if err != nil {
				t.Fatalf("Chunked: %v", err)
			}
			if diff := cmp.Diff(reference(test.inputs, test.chunkSize), got); diff != "" {
				t.Fatalf("Got diff: %s", diff)
			}
			if got := hex.EncodeToString(got); got != test.want {
				t.Fatalf("Chunked = %s, want %s", got, test.want)
			}
		})
	}
}

func TestChunkedSubRange(t *testing.T) {
	in := pattern(100, 9)
	r := []Range{{R: bytes.NewReader(in), Off: 10, Len: 50}}

	got, err := Chunked(sha256.New, r, 16)
	if err != nil {
		t.Fatalf("Chunked: %v", err)
	}
	if diff := cmp.Diff(reference([][]byte{in[10:60]}, 16), got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
}

func TestChunkedDeterministic(t *testing.T) {
	in := pattern(1000, 3)

	a, err := Chunked(sha256.New, ranges(in), 64)
	if err != nil {
		t.Fatalf("Chunked: %v", err)
	}
	b, err := Chunked(sha256.New, ranges(append([]byte{}, in...)), 64)
	if err != nil {
		t.Fatalf("Chunked: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("Chunked not deterministic: %x != %x", a, b)
	}
}

func TestChunkedAvalanche(t *testing.T) {
	in := pattern(1000, 3)
	base, err := Chunked(sha256.New, ranges(in), 64)
	if err != nil {
		t.Fatalf("Chunked: %v", err)
	}

	for _, pos := range []int{0, 63, 64, 500, 999} {
		flipped := append([]byte{}, in...)
		flipped[pos] ^= 0x01

		got, err := Chunked(sha256.New, ranges(flipped), 64)
		if err != nil {
			t.Fatalf("Chunked: %v", err)
		}

		diff := 0
		for i := range got {
			diff += bits.OnesCount8(got[i] ^ base[i])
		}
		// A random 256 bit digest differs in 128 bits on average.
		if diff < 64 {
			t.Errorf("flipping byte %d changed only %d digest bits", pos, diff)
		}
	}
}

func TestStream(t *testing.T) {
	a, b := pattern(70, 1), pattern(3, 2)
	prefix := []byte("salt")

	var progress []int64
	got, err := Stream(sha256.New(), prefix, ranges(a, b), 32, WithProgress(func(n int64) { progress = append(progress, n) }))
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	want := sha256.Sum256(append(append(append([]byte{}, prefix...), a...), b...))
	if diff := cmp.Diff(want[:], got); diff != "" {
		t.Fatalf("Got diff: %s", diff)
	}
	if diff := cmp.Diff([]int64{32, 32, 6, 3}, progress); diff != "" {
		t.Fatalf("Got progress diff: %s", diff)
	}
}

func TestShortRead(t *testing.T) {
	in := pattern(10, 1)
	r := []Range{{R: bytes.NewReader(in), Off: 5, Len: 10}}

	if _, err := Chunked(sha256.New, r, 4); !errors.Is(err, api.IOError) {
		t.Fatalf("Chunked = %v, want IOError", err)
	}
	if _, err := Stream(sha256.New(), nil, r, 4); !errors.Is(err, api.IOError) {
		t.Fatalf("Stream = %v, want IOError", err)
	}
}

func TestInvalidRange(t *testing.T) {
	r := []Range{{R: bytes.NewReader(nil), Off: -1, Len: 10}}

	if _, err := Chunked(sha256.New, r, 4); !errors.Is(err, api.MalformedContainer) {
		t.Fatalf("Chunked = %v, want MalformedContainer", err)
	}
	if _, err := Chunked(sha256.New, nil, 0); err == nil {
		t.Fatal("Chunked with zero chunk size succeeded")
	}
}
