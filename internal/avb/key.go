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

package avb

import (
	"crypto/rsa"
	"fmt"
	"math/big"

	"github.com/transparency-dev/armored-witness-verify/api"
	"golang.org/x/crypto/cryptobyte"
)

// publicExponent is the only RSA exponent representable in the AVB public
// key format.
const publicExponent = 65537

// ParsePublicKey decodes an AVB public key:
//
//	uint32 key_num_bits
//	uint32 n0inv
//	[key_num_bits/8]byte modulus
//	[key_num_bits/8]byte rr
//
// The precomputed Montgomery values are not used.
func ParsePublicKey(b []byte) (*rsa.PublicKey, error) {
	var (
		bits, n0inv uint32
		modulus, rr []byte
	)

	s := cryptobyte.String(b)

	if !s.ReadUint32(&bits) || !s.ReadUint32(&n0inv) {
		return nil, api.Errorf(api.InvalidMetadata, "truncated public key")
	}

	if bits == 0 || bits%8 != 0 {
		return nil, api.Errorf(api.InvalidMetadata, "invalid public key size %d", bits)
	}

	if !s.ReadBytes(&modulus, int(bits/8)) || !s.ReadBytes(&rr, int(bits/8)) || !s.Empty() {
		return nil, api.Errorf(api.InvalidMetadata, "invalid public key length %d for %d bits", len(b), bits)
	}

	n := new(big.Int).SetBytes(modulus)

	if n.BitLen() != int(bits) {
		return nil, api.Errorf(api.InvalidMetadata, "public key modulus is %d bits, want %d", n.BitLen(), bits)
	}

	return &rsa.PublicKey{N: n, E: publicExponent}, nil
}

// EncodePublicKey returns the AVB encoding of k.
func EncodePublicKey(k *rsa.PublicKey) ([]byte, error) {
	if k.E != publicExponent {
		return nil, fmt.Errorf("unsupported public exponent %d", k.E)
	}

	bits := k.N.BitLen()

	if bits%8 != 0 {
		return nil, fmt.Errorf("unsupported modulus size %d", bits)
	}

	// n0inv = -1/n[0] mod 2^32
	b32 := new(big.Int).Lsh(big.NewInt(1), 32)
	n0inv := new(big.Int).ModInverse(new(big.Int).Mod(k.N, b32), b32)
	n0inv.Sub(b32, n0inv)

	// rr = (2^bits)^2 mod n
	rr := new(big.Int).Lsh(big.NewInt(1), uint(2*bits))
	rr.Mod(rr, k.N)

	b := cryptobyte.NewBuilder(nil)
	b.AddUint32(uint32(bits))
	b.AddUint32(uint32(n0inv.Uint64()))
	b.AddBytes(k.N.FillBytes(make([]byte, bits/8)))
	b.AddBytes(rr.FillBytes(make([]byte, bits/8)))

	return b.Bytes()
}
