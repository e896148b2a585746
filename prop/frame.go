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
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	// MaxFrameLength bounds the size of a stored property frame.
	MaxFrameLength = 1 << 20

	macLength = sha256.Size

	diversifierMAC = "ArmoredWitnessPropMAC"
	iter           = 4096
)

var frameMagic = []byte("AWPS")

// Frame operation results.
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	WriteFailure
	ReadFailure
)

// OperationError reports a failed store operation.
type OperationError struct {
	Result uint16
	Err    error
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("operation failed (%x)", e.Result)
	}
	return fmt.Sprintf("operation failed (%x), %v", e.Result, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// DeriveKey returns the frame MAC key for a device unique secret.
func DeriveKey(secret []byte) []byte {
	return pbkdf2.Key(secret, []byte(diversifierMAC), iter, sha256.Size, sha256.New)
}

// Property frame wire format, protobuf encoded:
//
//	message Frame {
//	  uint64 counter = 1;
//	  repeated Entry entries = 2;
//	}
//
//	message Entry {
//	  string key = 1;
//	  oneof value {
//	    bool   bool_value  = 2;
//	    sint64 int_value   = 3;
//	    bytes  bytes_value = 4;
//	  }
//	}
//
// The encoded frame is preceded by frameMagic and followed by its
// HMAC-SHA256.
const (
	frameCounter protowire.Number = 1
	frameEntry   protowire.Number = 2

	entryKey   protowire.Number = 1
	entryBool  protowire.Number = 2
	entryInt   protowire.Number = 3
	entryBytes protowire.Number = 4
)

// encodeFrame serializes a counter and value table into an authenticated
// frame.
func encodeFrame(key []byte, counter uint64, t table) []byte {
	buf := append([]byte{}, frameMagic...)

	buf = protowire.AppendTag(buf, frameCounter, protowire.VarintType)
	buf = protowire.AppendVarint(buf, counter)

	for _, k := range t.keys() {
		v := t[k]

		var e []byte
		e = protowire.AppendTag(e, entryKey, protowire.BytesType)
		e = protowire.AppendString(e, k)

		switch v.kind {
		case kindBool:
			e = protowire.AppendTag(e, entryBool, protowire.VarintType)
			e = protowire.AppendVarint(e, protowire.EncodeBool(v.b))
		case kindInt:
			e = protowire.AppendTag(e, entryInt, protowire.VarintType)
			e = protowire.AppendVarint(e, protowire.EncodeZigZag(v.i))
		case kindBytes:
			e = protowire.AppendTag(e, entryBytes, protowire.BytesType)
			e = protowire.AppendBytes(e, v.raw)
		}

		buf = protowire.AppendTag(buf, frameEntry, protowire.BytesType)
		buf = protowire.AppendBytes(buf, e)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(buf)

	return mac.Sum(buf)
}

// decodeFrame authenticates and parses a frame.
func decodeFrame(key []byte, buf []byte) (counter uint64, t table, err error) {
	if len(buf) > MaxFrameLength {
		return 0, nil, &OperationError{Result: ReadFailure, Err: fmt.Errorf("frame too large (%d > %d)", len(buf), MaxFrameLength)}
	}

	if len(buf) < len(frameMagic)+macLength || !bytes.Equal(buf[:len(frameMagic)], frameMagic) {
		return 0, nil, &OperationError{Result: ReadFailure, Err: errors.New("invalid frame header")}
	}

	body := buf[:len(buf)-macLength]

	mac := hmac.New(sha256.New, key)
	mac.Write(body)

	if !hmac.Equal(buf[len(body):], mac.Sum(nil)) {
		return 0, nil, &OperationError{Result: AuthenticationFailure, Err: errors.New("invalid frame MAC")}
	}

	t = make(table)
	b := body[len(frameMagic):]

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, nil, frameError(n)
		}
		b = b[n:]

		switch {
		case num == frameCounter && typ == protowire.VarintType:
			counter, n = protowire.ConsumeVarint(b)
		case num == frameEntry && typ == protowire.BytesType:
			var e []byte
			if e, n = protowire.ConsumeBytes(b); n >= 0 {
				err = decodeEntry(e, t)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return 0, nil, frameError(n)
		}
		if err != nil {
			return 0, nil, &OperationError{Result: ReadFailure, Err: err}
		}

		b = b[n:]
	}

	return counter, t, nil
}

func decodeEntry(b []byte, t table) error {
	var k string
	var v value

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case num == entryKey && typ == protowire.BytesType:
			k, n = protowire.ConsumeString(b)
		case num == entryBool && typ == protowire.VarintType:
			var x uint64
			x, n = protowire.ConsumeVarint(b)
			v = value{kind: kindBool, b: protowire.DecodeBool(x)}
		case num == entryInt && typ == protowire.VarintType:
			var x uint64
			x, n = protowire.ConsumeVarint(b)
			v = value{kind: kindInt, i: protowire.DecodeZigZag(x)}
		case num == entryBytes && typ == protowire.BytesType:
			var x []byte
			x, n = protowire.ConsumeBytes(b)
			v = value{kind: kindBytes, raw: append([]byte{}, x...)}
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}

		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]
	}

	if len(k) == 0 || v.kind == 0 {
		return errors.New("incomplete property entry")
	}

	t[k] = v

	return nil
}

func frameError(n int) error {
	return &OperationError{Result: ReadFailure, Err: protowire.ParseError(n)}
}
