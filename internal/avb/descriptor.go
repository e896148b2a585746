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
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/transparency-dev/armored-witness-verify/api"
	"golang.org/x/crypto/cryptobyte"
)

// Tag identifies the descriptor type.
type Tag uint64

const (
	TagProperty Tag = iota
	TagHashtree
	TagHash
	TagKernelCmdline
	TagChainPartition
)

func (t Tag) String() string {
	switch t {
	case TagProperty:
		return "property"
	case TagHashtree:
		return "hashtree"
	case TagHash:
		return "hash"
	case TagKernelCmdline:
		return "kernel_cmdline"
	case TagChainPartition:
		return "chain_partition"
	}
	return fmt.Sprintf("Tag(%d)", uint64(t))
}

const (
	// MaxDigestSize is the largest supported descriptor digest.
	MaxDigestSize = 64

	descriptorHeaderSize = 16
	hashAlgorithmSize    = 32
	hashReserved         = 60
	// hashDescriptorSize is the fixed part of a hash descriptor, including
	// the descriptor header.
	hashDescriptorSize = descriptorHeaderSize + 8 + hashAlgorithmSize + 4*4 + hashReserved

	// descriptors are padded to this alignment
	descriptorAlignment = 8

	persistentDigestPrefix = "avb.persistent_digest."
)

// Descriptor is a vbmeta descriptor.
type Descriptor interface {
	Tag() Tag
	// Hash returns the descriptor as a hash descriptor.
	Hash() (*HashDescriptor, error)
}

// UnknownDescriptor holds a descriptor type which is not interpreted.
type UnknownDescriptor struct {
	T    Tag
	Data []byte
}

func (d *UnknownDescriptor) Tag() Tag {
	return d.T
}

func (d *UnknownDescriptor) Hash() (*HashDescriptor, error) {
	return nil, api.Errorf(api.UnsupportedDescriptor, "unsupported %s descriptor", d.T)
}

// HashDescriptor describes the digest of a partition image.
type HashDescriptor struct {
	ImageSize     uint64
	HashAlgorithm string
	PartitionName string
	Salt          []byte
	Digest        []byte
	Flags         uint32

	// Rollback index of the vbmeta image carrying the descriptor.
	RollbackIndexLocation uint32
	RollbackIndex         uint64
}

func (d *HashDescriptor) Tag() Tag {
	return TagHash
}

func (d *HashDescriptor) Hash() (*HashDescriptor, error) {
	return d, nil
}

// Persistent returns whether the expected digest is held in the trust store
// rather than in the descriptor.
func (d *HashDescriptor) Persistent() bool {
	return len(d.Digest) == 0
}

// PersistentName returns the name of the persistent value holding the
// expected digest.
func (d *HashDescriptor) PersistentName() string {
	return persistentDigestPrefix + d.PartitionName
}

// Algorithm returns the hash function used for the image digest.
func (d *HashDescriptor) Algorithm() (crypto.Hash, error) {
	switch d.HashAlgorithm {
	case "sha256":
		return crypto.SHA256, nil
	case "sha512":
		return crypto.SHA512, nil
	}
	return 0, api.Errorf(api.InvalidMetadata, "unsupported hash algorithm %q", d.HashAlgorithm)
}

// Print returns the descriptor in textual format.
func (d *HashDescriptor) Print() string {
	var status bytes.Buffer

	digest := hex.EncodeToString(d.Digest)

	if d.Persistent() {
		digest = "(persistent)"
	}

	status.WriteString("------------------------------------------------------ Hash descriptor ----\n")
	status.WriteString(fmt.Sprintf("Partition name .........: %s\n", d.PartitionName))
	status.WriteString(fmt.Sprintf("Image size .............: %d\n", d.ImageSize))
	status.WriteString(fmt.Sprintf("Hash algorithm .........: %s\n", d.HashAlgorithm))
	status.WriteString(fmt.Sprintf("Salt ...................: %x\n", d.Salt))
	status.WriteString(fmt.Sprintf("Digest .................: %s\n", digest))
	status.WriteString(fmt.Sprintf("Flags ..................: %#x\n", d.Flags))
	status.WriteString(fmt.Sprintf("Rollback index .........: %d (location %d)", d.RollbackIndex, d.RollbackIndexLocation))

	return status.String()
}

// Marshal encodes the descriptor, including its header and padding.
func (d *HashDescriptor) Marshal() ([]byte, error) {
	if len(d.HashAlgorithm) >= hashAlgorithmSize {
		return nil, fmt.Errorf("hash algorithm name too long (%d)", len(d.HashAlgorithm))
	}

	following := hashDescriptorSize - descriptorHeaderSize + len(d.PartitionName) + len(d.Salt) + len(d.Digest)
	padding := (descriptorAlignment - following%descriptorAlignment) % descriptorAlignment

	alg := make([]byte, hashAlgorithmSize)
	copy(alg, d.HashAlgorithm)

	b := cryptobyte.NewBuilder(nil)
	b.AddUint64(uint64(TagHash))
	b.AddUint64(uint64(following + padding))
	b.AddUint64(d.ImageSize)
	b.AddBytes(alg)
	b.AddUint32(uint32(len(d.PartitionName)))
	b.AddUint32(uint32(len(d.Salt)))
	b.AddUint32(uint32(len(d.Digest)))
	b.AddUint32(d.Flags)
	b.AddBytes(make([]byte, hashReserved))
	b.AddBytes([]byte(d.PartitionName))
	b.AddBytes(d.Salt)
	b.AddBytes(d.Digest)
	b.AddBytes(make([]byte, padding))

	return b.Bytes()
}

func parseHashDescriptor(body cryptobyte.String) (*HashDescriptor, error) {
	var (
		d                           HashDescriptor
		alg, name                   []byte
		nameLen, saltLen, digestLen uint32
	)

	if !body.ReadUint64(&d.ImageSize) ||
		!body.ReadBytes(&alg, hashAlgorithmSize) ||
		!body.ReadUint32(&nameLen) ||
		!body.ReadUint32(&saltLen) ||
		!body.ReadUint32(&digestLen) ||
		!body.ReadUint32(&d.Flags) ||
		!body.Skip(hashReserved) {
		return nil, api.Errorf(api.InvalidMetadata, "truncated hash descriptor")
	}

	if digestLen > MaxDigestSize {
		return nil, api.Errorf(api.InvalidMetadata, "hash descriptor digest too long (%d)", digestLen)
	}

	// The lengths are bounded by the remaining descriptor size before being
	// used for slicing.
	if uint64(nameLen)+uint64(saltLen)+uint64(digestLen) > uint64(len(body)) ||
		!body.ReadBytes(&name, int(nameLen)) ||
		!body.ReadBytes(&d.Salt, int(saltLen)) ||
		!body.ReadBytes(&d.Digest, int(digestLen)) {
		return nil, api.Errorf(api.InvalidMetadata, "hash descriptor fields exceed descriptor size")
	}

	d.HashAlgorithm = strings.TrimRight(string(alg), "\x00")
	d.PartitionName = string(name)

	return &d, nil
}

func parseDescriptors(b []byte) ([]Descriptor, error) {
	var descs []Descriptor

	s := cryptobyte.String(b)

	for !s.Empty() {
		var (
			tag, following uint64
			body           []byte
		)

		if !s.ReadUint64(&tag) || !s.ReadUint64(&following) {
			return nil, api.Errorf(api.InvalidMetadata, "truncated descriptor header")
		}

		if following%descriptorAlignment != 0 || following > uint64(len(s)) || !s.ReadBytes(&body, int(following)) {
			return nil, api.Errorf(api.InvalidMetadata, "invalid %s descriptor size %d", Tag(tag), following)
		}

		switch Tag(tag) {
		case TagHash:
			d, err := parseHashDescriptor(body)
			if err != nil {
				return nil, err
			}
			descs = append(descs, d)
		default:
			descs = append(descs, &UnknownDescriptor{T: Tag(tag), Data: body})
		}
	}

	return descs, nil
}

// FirstHashDescriptor returns the first hash descriptor of descs.
//
// Descriptors of other types are skipped, a list made only of them yields
// UnsupportedDescriptor.
func FirstHashDescriptor(descs []Descriptor) (*HashDescriptor, error) {
	var err error

	for _, d := range descs {
		var hd *HashDescriptor

		if hd, err = d.Hash(); err == nil {
			return hd, nil
		}
	}

	if err != nil {
		return nil, err
	}

	return nil, api.Errorf(api.InvalidMetadata, "no hash descriptor")
}
