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

package testonly

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/transparency-dev/armored-witness-verify/internal/avb"
)

const blockSize = 4096

func align(n, a int) int {
	return (n + a - 1) / a * a
}

// Image describes a partition image to build.
type Image struct {
	Content []byte

	// Key signs the vbmeta image, which is left unsigned when nil.
	Key       *rsa.PrivateKey
	Algorithm avb.Algorithm

	PartitionName string
	HashAlgorithm string
	Salt          []byte

	RollbackIndex         uint64
	RollbackIndexLocation uint32

	// Persistent omits the digest from the hash descriptor.
	Persistent bool

	// Descriptors, when set, replaces the encoded descriptor list.
	Descriptors []byte

	// PartitionSize, when larger than the built image, pads it with zeros
	// before the footer.
	PartitionSize int
}

func hashOf(alg avb.Algorithm) crypto.Hash {
	if alg.HashSize() == crypto.SHA512.Size() {
		return crypto.SHA512
	}
	return crypto.SHA256
}

// HashDescriptor returns the hash descriptor describing the image content.
func (img Image) HashDescriptor(t testing.TB) *avb.HashDescriptor {
	t.Helper()

	alg := img.HashAlgorithm
	if alg == "" {
		alg = "sha256"
	}

	h := crypto.SHA256
	if alg == "sha512" {
		h = crypto.SHA512
	}

	d := &avb.HashDescriptor{
		ImageSize:     uint64(len(img.Content)),
		HashAlgorithm: alg,
		PartitionName: img.PartitionName,
		Salt:          img.Salt,
	}

	if !img.Persistent {
		d.Digest = ContentDigest(img.Content, img.Salt, h)
	}

	return d
}

// ContentDigest returns H(salt || content).
func ContentDigest(content, salt []byte, h crypto.Hash) []byte {
	hash := h.New()
	hash.Write(salt)
	hash.Write(content)
	return hash.Sum(nil)
}

// VBMeta returns the vbmeta image.
func (img Image) VBMeta(t testing.TB) []byte {
	t.Helper()

	descs := img.Descriptors

	if descs == nil {
		b, err := img.HashDescriptor(t).Marshal()
		if err != nil {
			t.Fatalf("Failed to encode hash descriptor: %v", err)
		}
		descs = b
	}

	var pub []byte

	if img.Key != nil {
		b, err := avb.EncodePublicKey(&img.Key.PublicKey)
		if err != nil {
			t.Fatalf("Failed to encode public key: %v", err)
		}
		pub = b
	}

	aux := make([]byte, align(len(descs)+len(pub), 64))
	copy(aux, descs)
	copy(aux[len(descs):], pub)

	alg := img.Algorithm
	switch {
	case img.Key == nil:
		alg = avb.AlgorithmNone
	case alg == avb.AlgorithmNone && img.Key.N.BitLen() == 4096:
		alg = avb.SHA256RSA4096
	case alg == avb.AlgorithmNone:
		alg = avb.SHA256RSA2048
	}

	hashSize, sigSize := alg.HashSize(), alg.SignatureSize()

	hdr := &avb.Header{
		RequiredLibAVBMajor: 1,
		AuthBlockSize:       uint64(align(hashSize+sigSize, 64)),
		AuxBlockSize:        uint64(len(aux)),
		Algorithm:           alg,

		HashSize:                uint64(hashSize),
		SignatureOffset:         uint64(hashSize),
		SignatureSize:           uint64(sigSize),
		PublicKeyOffset:         uint64(len(descs)),
		PublicKeySize:           uint64(len(pub)),
		PublicKeyMetadataOffset: uint64(len(descs) + len(pub)),
		DescriptorsSize:         uint64(len(descs)),

		RollbackIndex:         img.RollbackIndex,
		RollbackIndexLocation: img.RollbackIndexLocation,
		ReleaseString:         "avbtool 1.3.0",
	}

	header, err := hdr.Marshal()
	if err != nil {
		t.Fatalf("Failed to encode header: %v", err)
	}

	auth := make([]byte, hdr.AuthBlockSize)

	if img.Key != nil {
		h := hashOf(alg)
		hash := h.New()
		hash.Write(header)
		hash.Write(aux)
		sum := hash.Sum(nil)

		sig, err := rsa.SignPKCS1v15(rand.Reader, img.Key, h, sum)
		if err != nil {
			t.Fatalf("Failed to sign vbmeta: %v", err)
		}

		copy(auth, sum)
		copy(auth[hashSize:], sig)
	}

	vbmeta := append(header, auth...)
	return append(vbmeta, aux...)
}

// Build returns the partition image: content, vbmeta image and footer, each
// starting on a block boundary.
func (img Image) Build(t testing.TB) []byte {
	t.Helper()

	vbmeta := img.VBMeta(t)
	vbmetaOffset := align(len(img.Content), blockSize)
	size := max(vbmetaOffset+align(len(vbmeta), blockSize)+blockSize, align(img.PartitionSize, blockSize))

	footer := &avb.Footer{
		VersionMajor:      uint32(avb.FooterVersion.Major),
		VersionMinor:      uint32(avb.FooterVersion.Minor),
		OriginalImageSize: uint64(len(img.Content)),
		VBMetaOffset:      uint64(vbmetaOffset),
		VBMetaSize:        uint64(len(vbmeta)),
	}

	f, err := footer.Marshal()
	if err != nil {
		t.Fatalf("Failed to encode footer: %v", err)
	}

	b := make([]byte, size)
	copy(b, img.Content)
	copy(b[vbmetaOffset:], vbmeta)
	copy(b[size-avb.FooterSize:], f)

	return b
}

// AVBKeyFile writes the AVB encoding of the public half of k to a temporary
// file and returns its path.
func AVBKeyFile(t testing.TB, k *rsa.PrivateKey) string {
	t.Helper()

	b, err := avb.EncodePublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("Failed to encode public key: %v", err)
	}

	return WriteFile(t, "key.avbpubkey", b)
}
