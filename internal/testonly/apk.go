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
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"math/big"
	"sort"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/transparency-dev/armored-witness-verify/internal/digest"
)

const (
	eocdSize         = 22
	sigBlockMagic    = "APK Sig Block 42"
	v2BlockID        = 0x7109871a
	paddingBlockID   = 0x42726577
	rsaPKCS1SHA256ID = 0x0103
)

// Package describes a signed package to build.
type Package struct {
	// Files holds the package entries, stored in name order.
	Files map[string][]byte
	// Comment is the ZIP archive comment.
	Comment string

	// Archive, when set, is signed as is instead of an archive built from
	// Files. Comment must then hold its archive comment.
	Archive []byte
	// Digest, when set, is the package digest to sign instead of the one
	// computed over the archive.
	Digest []byte

	Key *rsa.PrivateKey

	// DigestAlgorithm and SignatureAlgorithm default to RSA PKCS#1 v1.5
	// with SHA-256.
	DigestAlgorithm    uint32
	SignatureAlgorithm uint32

	// SignerKey, when set, is embedded as the signer public key instead of
	// the public half of Key.
	SignerKey *rsa.PublicKey

	// CorruptSignature flips a bit of the signature.
	CorruptSignature bool
}

// SignedPackage is a built package and the offsets of its sections.
type SignedPackage struct {
	Bytes []byte

	BlockOffset int
	CDOffset    int
	EOCDOffset  int
}

func le32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

// lp prefixes b with its uint32 little endian length.
func lp(b ...[]byte) []byte {
	body := bytes.Join(b, nil)
	return append(le32(nil, uint32(len(body))), body...)
}

func zipArchive(t testing.TB, files map[string][]byte, comment string) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	for _, n := range names {
		f, err := w.CreateHeader(&zip.FileHeader{Name: n, Method: zip.Store})
		if err != nil {
			t.Fatalf("Failed to create %q: %v", n, err)
		}
		if _, err := f.Write(files[n]); err != nil {
			t.Fatalf("Failed to write %q: %v", n, err)
		}
	}

	if err := w.SetComment(comment); err != nil {
		t.Fatalf("Failed to set comment: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Failed to close archive: %v", err)
	}

	return buf.Bytes()
}

// Certificate returns a self-signed certificate for k.
func Certificate(t testing.TB, k *rsa.PrivateKey) []byte {
	t.Helper()

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test signer"},
		NotBefore:    time.Unix(0, 0),
		NotAfter:     time.Unix(0, 0).AddDate(100, 0, 0),
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &k.PublicKey, k)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}

	return der
}

// Build returns the package signed with an APK v2 style signing block
// inserted before its central directory.
func (p Package) Build(t testing.TB) *SignedPackage {
	t.Helper()

	z := p.Archive
	if z == nil {
		z = zipArchive(t, p.Files, p.Comment)
	}

	eocd := len(z) - eocdSize - len(p.Comment)
	cdOff := int(binary.LittleEndian.Uint32(z[eocd+16:]))

	content, cd, end := z[:cdOff], z[cdOff:eocd], z[eocd:]

	// The signing block is inserted at cdOff, which is therefore already
	// the central directory offset the digest is computed over.
	sum := p.Digest
	if sum == nil {
		var err error
		sum, err = digest.Chunked(sha256.New, []digest.Range{
			{R: bytes.NewReader(content), Len: int64(len(content))},
			{R: bytes.NewReader(cd), Len: int64(len(cd))},
			{R: bytes.NewReader(end), Len: int64(len(end))},
		}, digest.ChunkSize)
		if err != nil {
			t.Fatalf("Failed to digest package: %v", err)
		}
	}

	digestAlg, sigAlg := p.DigestAlgorithm, p.SignatureAlgorithm
	if digestAlg == 0 {
		digestAlg = rsaPKCS1SHA256ID
	}
	if sigAlg == 0 {
		sigAlg = rsaPKCS1SHA256ID
	}

	signedData := bytes.Join([][]byte{
		lp(lp(le32(nil, digestAlg), lp(sum))),
		lp(lp(Certificate(t, p.Key))),
		lp(),
	}, nil)

	h := sha256.Sum256(signedData)
	sig, err := rsa.SignPKCS1v15(rand.Reader, p.Key, crypto.SHA256, h[:])
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if p.CorruptSignature {
		sig[len(sig)/2] ^= 0x01
	}

	signerKey := p.SignerKey
	if signerKey == nil {
		signerKey = &p.Key.PublicKey
	}
	spki, err := x509.MarshalPKIXPublicKey(signerKey)
	if err != nil {
		t.Fatalf("Failed to encode public key: %v", err)
	}

	signer := bytes.Join([][]byte{
		lp(signedData),
		lp(lp(le32(nil, sigAlg), lp(sig))),
		lp(spki),
	}, nil)
	v2 := lp(lp(signer))

	var pairs []byte
	for _, pair := range []struct {
		id    uint32
		value []byte
	}{
		{id: v2BlockID, value: v2},
		{id: paddingBlockID, value: make([]byte, 13)},
	} {
		pairs = binary.LittleEndian.AppendUint64(pairs, uint64(4+len(pair.value)))
		pairs = le32(pairs, pair.id)
		pairs = append(pairs, pair.value...)
	}

	blockSize := uint64(len(pairs) + 8 + len(sigBlockMagic))

	block := binary.LittleEndian.AppendUint64(nil, blockSize)
	block = append(block, pairs...)
	block = binary.LittleEndian.AppendUint64(block, blockSize)
	block = append(block, sigBlockMagic...)

	out := &SignedPackage{
		BlockOffset: cdOff,
		CDOffset:    cdOff + len(block),
		EOCDOffset:  eocd + len(block),
	}

	b := make([]byte, 0, len(z)+len(block))
	b = append(b, content...)
	b = append(b, block...)
	b = append(b, cd...)
	b = append(b, end...)
	binary.LittleEndian.PutUint32(b[out.EOCDOffset+16:], uint32(out.CDOffset))

	out.Bytes = b

	return out
}

// PEMKeyFile writes the PEM encoded SubjectPublicKeyInfo of k to a temporary
// file and returns its path.
func PEMKeyFile(t testing.TB, k *rsa.PublicKey) string {
	t.Helper()

	der, err := x509.MarshalPKIXPublicKey(k)
	if err != nil {
		t.Fatalf("Failed to encode public key: %v", err)
	}

	return WriteFile(t, "key.pem", pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}
