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

package apk

import (
	"encoding/binary"
)

// cursor reads little endian values from a byte string, every read checks
// the remaining length first and fails without consuming input.
type cursor []byte

func (c *cursor) empty() bool {
	return len(*c) == 0
}

func (c *cursor) read(n uint64) ([]byte, bool) {
	if n > uint64(len(*c)) {
		return nil, false
	}

	b := (*c)[:n]
	*c = (*c)[n:]

	return b, true
}

func (c *cursor) u32(out *uint32) bool {
	b, ok := c.read(4)

	if ok {
		*out = binary.LittleEndian.Uint32(b)
	}

	return ok
}

func (c *cursor) u64(out *uint64) bool {
	b, ok := c.read(8)

	if ok {
		*out = binary.LittleEndian.Uint64(b)
	}

	return ok
}

// prefixed reads a uint32 length prefixed value.
func (c *cursor) prefixed(out *cursor) bool {
	saved := *c

	var n uint32

	if !c.u32(&n) {
		return false
	}

	b, ok := c.read(uint64(n))

	if !ok {
		*c = saved
		return false
	}

	*out = b

	return true
}
