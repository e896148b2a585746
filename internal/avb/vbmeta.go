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
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/subtle"
	"fmt"

	// hash functions referenced by algorithms
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/internal/trust"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// HeaderSize is the size of the vbmeta image header.
	HeaderSize = 256

	// MaxVBMetaSize is the largest vbmeta blob which will be loaded.
	MaxVBMetaSize = 64 * 1024

	headerMagic       = "AVB0"
	releaseStringSize = 48
	headerReserved    = 80

	// auth and aux blocks are padded to this alignment
	blockAlignment = 64
)

// LibAVBVersion is the vbmeta format version implemented by this package,
// images requiring a later minor version are rejected.
var LibAVBVersion = semver.Version{Major: 1, Minor: 3}

// Algorithm identifies the vbmeta signing algorithm.
type Algorithm uint32

const (
	AlgorithmNone Algorithm = iota
	SHA256RSA2048
	SHA256RSA4096
	SHA256RSA8192
	SHA512RSA2048
	SHA512RSA4096
	SHA512RSA8192
)

type algorithmInfo struct {
	name string
	hash crypto.Hash
	bits int
}

var algorithms = map[Algorithm]algorithmInfo{
	AlgorithmNone: {name: "NONE"},
	SHA256RSA2048: {name: "SHA256_RSA2048", hash: crypto.SHA256, bits: 2048},
	SHA256RSA4096: {name: "SHA256_RSA4096", hash: crypto.SHA256, bits: 4096},
	SHA256RSA8192: {name: "SHA256_RSA8192", hash: crypto.SHA256, bits: 8192},
	SHA512RSA2048: {name: "SHA512_RSA2048", hash: crypto.SHA512, bits: 2048},
	SHA512RSA4096: {name: "SHA512_RSA4096", hash: crypto.SHA512, bits: 4096},
	SHA512RSA8192: {name: "SHA512_RSA8192", hash: crypto.SHA512, bits: 8192},
}

func (a Algorithm) String() string {
	if info, ok := algorithms[a]; ok {
		return info.name
	}
	return fmt.Sprintf("Algorithm(%d)", uint32(a))
}

// HashSize returns the size of the vbmeta hash, zero for unsigned images.
func (a Algorithm) HashSize() int {
	if info := algorithms[a]; info.hash != 0 {
		return info.hash.Size()
	}
	return 0
}

// SignatureSize returns the size of the vbmeta signature, zero for unsigned
// images.
func (a Algorithm) SignatureSize() int {
	return algorithms[a].bits / 8
}

// Header is the fixed size vbmeta image header. Hash and signature offsets
// are relative to the authentication block, all other offsets are relative
// to the auxiliary block.
type Header struct {
	RequiredLibAVBMajor uint32
	RequiredLibAVBMinor uint32

	AuthBlockSize uint64
	AuxBlockSize  uint64

	Algorithm Algorithm

	HashOffset              uint64
	HashSize                uint64
	SignatureOffset         uint64
	SignatureSize           uint64
	PublicKeyOffset         uint64
	PublicKeySize           uint64
	PublicKeyMetadataOffset uint64
	PublicKeyMetadataSize   uint64
	DescriptorsOffset       uint64
	DescriptorsSize         uint64

	RollbackIndex         uint64
	Flags                 uint32
	RollbackIndexLocation uint32

	ReleaseString string
}

// RequiredLibAVB returns the minimum format version required by the image.
func (h *Header) RequiredLibAVB() *semver.Version {
	return &semver.Version{Major: int64(h.RequiredLibAVBMajor), Minor: int64(h.RequiredLibAVBMinor)}
}

// Marshal encodes the header.
func (h *Header) Marshal() ([]byte, error) {
	if len(h.ReleaseString) >= releaseStringSize {
		return nil, fmt.Errorf("release string too long (%d)", len(h.ReleaseString))
	}

	b := cryptobyte.NewFixedBuilder(make([]byte, 0, HeaderSize))

	b.AddBytes([]byte(headerMagic))
	b.AddUint32(h.RequiredLibAVBMajor)
	b.AddUint32(h.RequiredLibAVBMinor)
	b.AddUint64(h.AuthBlockSize)
	b.AddUint64(h.AuxBlockSize)
	b.AddUint32(uint32(h.Algorithm))

	for _, v := range []uint64{
		h.HashOffset, h.HashSize,
		h.SignatureOffset, h.SignatureSize,
		h.PublicKeyOffset, h.PublicKeySize,
		h.PublicKeyMetadataOffset, h.PublicKeyMetadataSize,
		h.DescriptorsOffset, h.DescriptorsSize,
		h.RollbackIndex,
	} {
		b.AddUint64(v)
	}

	b.AddUint32(h.Flags)
	b.AddUint32(h.RollbackIndexLocation)

	release := make([]byte, releaseStringSize)
	copy(release, h.ReleaseString)
	b.AddBytes(release)
	b.AddBytes(make([]byte, headerReserved))

	buf, err := b.Bytes()

	if err != nil {
		return nil, fmt.Errorf("could not encode vbmeta header, %v", err)
	}

	return buf, nil
}

func parseHeader(b []byte) (*Header, error) {
	var (
		h       Header
		magic   []byte
		alg     uint32
		release []byte
	)

	s := cryptobyte.String(b)

	ok := s.ReadBytes(&magic, len(headerMagic)) &&
		s.ReadUint32(&h.RequiredLibAVBMajor) &&
		s.ReadUint32(&h.RequiredLibAVBMinor) &&
		s.ReadUint64(&h.AuthBlockSize) &&
		s.ReadUint64(&h.AuxBlockSize) &&
		s.ReadUint32(&alg)

	for _, v := range []*uint64{
		&h.HashOffset, &h.HashSize,
		&h.SignatureOffset, &h.SignatureSize,
		&h.PublicKeyOffset, &h.PublicKeySize,
		&h.PublicKeyMetadataOffset, &h.PublicKeyMetadataSize,
		&h.DescriptorsOffset, &h.DescriptorsSize,
		&h.RollbackIndex,
	} {
		ok = ok && s.ReadUint64(v)
	}

	ok = ok && s.ReadUint32(&h.Flags) &&
		s.ReadUint32(&h.RollbackIndexLocation) &&
		s.ReadBytes(&release, releaseStringSize) &&
		s.Skip(headerReserved)

	if !ok {
		return nil, api.Errorf(api.InvalidMetadata, "truncated vbmeta header")
	}

	if string(magic) != headerMagic {
		return nil, api.Errorf(api.InvalidMetadata, "invalid vbmeta magic %q", magic)
	}

	if v := h.RequiredLibAVB(); v.Major != LibAVBVersion.Major || LibAVBVersion.LessThan(*v) {
		return nil, api.Errorf(api.InvalidMetadata, "unsupported required libavb version %s (have %s)", v, LibAVBVersion)
	}

	h.Algorithm = Algorithm(alg)

	if _, ok := algorithms[h.Algorithm]; !ok {
		return nil, api.Errorf(api.InvalidMetadata, "unknown algorithm %d", alg)
	}

	if h.RollbackIndexLocation >= trust.MaxRollbackLocations {
		return nil, api.Errorf(api.InvalidMetadata, "rollback index location %d out of range", h.RollbackIndexLocation)
	}

	if i := bytes.IndexByte(release, 0); i >= 0 {
		release = release[:i]
	}

	h.ReleaseString = string(release)

	return &h, nil
}

// VBMeta is a parsed vbmeta image.
type VBMeta struct {
	Header *Header

	// Raw holds the header and the authentication and auxiliary blocks.
	Raw []byte

	Hash              []byte
	Signature         []byte
	PublicKey         []byte
	PublicKeyMetadata []byte

	Descriptors []Descriptor
}

func (v *VBMeta) header() []byte {
	return v.Raw[:HeaderSize]
}

func (v *VBMeta) aux() []byte {
	off := HeaderSize + v.Header.AuthBlockSize
	return v.Raw[off : off+v.Header.AuxBlockSize]
}

// field returns the size bytes at offset of block, which must lie within
// it.
func field(block []byte, offset, size uint64, name string) ([]byte, error) {
	if offset > uint64(len(block)) || size > uint64(len(block))-offset {
		return nil, api.Errorf(api.InvalidMetadata, "%s [%d, %d+%d) out of bounds (block size %d)", name, offset, offset, size, len(block))
	}

	return block[offset : offset+size], nil
}

// ParseVBMeta decodes a vbmeta image, b may contain trailing padding.
func ParseVBMeta(b []byte) (*VBMeta, error) {
	if len(b) > MaxVBMetaSize {
		return nil, api.Errorf(api.OutOfMemory, "vbmeta size %d exceeds %d", len(b), MaxVBMetaSize)
	}

	if len(b) < HeaderSize {
		return nil, api.Errorf(api.InvalidMetadata, "vbmeta too short (%d)", len(b))
	}

	h, err := parseHeader(b[:HeaderSize])

	if err != nil {
		return nil, err
	}

	if h.AuthBlockSize%blockAlignment != 0 || h.AuxBlockSize%blockAlignment != 0 {
		return nil, api.Errorf(api.InvalidMetadata, "block sizes %d/%d not aligned", h.AuthBlockSize, h.AuxBlockSize)
	}

	rest := uint64(len(b) - HeaderSize)

	if h.AuthBlockSize > rest || h.AuxBlockSize > rest-h.AuthBlockSize {
		return nil, api.Errorf(api.InvalidMetadata, "blocks (%d+%d) exceed vbmeta size %d", h.AuthBlockSize, h.AuxBlockSize, len(b))
	}

	v := &VBMeta{
		Header: h,
		Raw:    b[:HeaderSize+h.AuthBlockSize+h.AuxBlockSize],
	}

	auth := v.Raw[HeaderSize : HeaderSize+h.AuthBlockSize]
	aux := v.aux()

	if v.Hash, err = field(auth, h.HashOffset, h.HashSize, "hash"); err != nil {
		return nil, err
	}

	if v.Signature, err = field(auth, h.SignatureOffset, h.SignatureSize, "signature"); err != nil {
		return nil, err
	}

	if v.PublicKey, err = field(aux, h.PublicKeyOffset, h.PublicKeySize, "public key"); err != nil {
		return nil, err
	}

	if v.PublicKeyMetadata, err = field(aux, h.PublicKeyMetadataOffset, h.PublicKeyMetadataSize, "public key metadata"); err != nil {
		return nil, err
	}

	descriptors, err := field(aux, h.DescriptorsOffset, h.DescriptorsSize, "descriptors")

	if err != nil {
		return nil, err
	}

	if v.Descriptors, err = parseDescriptors(descriptors); err != nil {
		return nil, err
	}

	for _, d := range v.Descriptors {
		if hd, ok := d.(*HashDescriptor); ok {
			hd.RollbackIndexLocation = h.RollbackIndexLocation
			hd.RollbackIndex = h.RollbackIndex
		}
	}

	return v, nil
}

// VerifySignature checks the vbmeta hash and signature against the embedded
// public key, it does not establish whether that key is trusted.
func (v *VBMeta) VerifySignature() error {
	h := v.Header
	info := algorithms[h.Algorithm]

	if h.Algorithm == AlgorithmNone {
		return api.Errorf(api.BadSignature, "vbmeta is not signed")
	}

	if h.HashSize != uint64(info.hash.Size()) || h.SignatureSize != uint64(info.bits/8) {
		return api.Errorf(api.InvalidMetadata, "hash/signature sizes %d/%d do not match %s", h.HashSize, h.SignatureSize, h.Algorithm)
	}

	hash := info.hash.New()
	hash.Write(v.header())
	hash.Write(v.aux())
	sum := hash.Sum(nil)

	if subtle.ConstantTimeCompare(sum, v.Hash) != 1 {
		return api.Errorf(api.BadSignature, "vbmeta hash mismatch")
	}

	key, err := ParsePublicKey(v.PublicKey)

	if err != nil {
		return err
	}

	if key.N.BitLen() != info.bits {
		return api.Errorf(api.BadSignature, "%d bit public key does not match %s", key.N.BitLen(), h.Algorithm)
	}

	if err = rsa.VerifyPKCS1v15(key, info.hash, sum, v.Signature); err != nil {
		return api.Wrap(api.BadSignature, fmt.Errorf("invalid vbmeta signature, %w", err))
	}

	return nil
}
