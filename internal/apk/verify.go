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

// Package apk verifies packages signed with a signing block inserted between
// the ZIP entries and the central directory, in the manner of the APK v2
// signature scheme.
package apk

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/klauspost/compress/zip"
	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/internal/digest"
	"github.com/transparency-dev/armored-witness-verify/internal/partition"
	"k8s.io/klog/v2"
)

// Option configures package verification.
type Option func(*options)

type options struct {
	progress func(done, total int64)
}

// WithProgress sets a function called while the package digest is computed.
func WithProgress(f func(done, total int64)) Option {
	return func(o *options) {
		o.progress = f
	}
}

// Result describes a verified package.
type Result struct {
	Layout *Layout
	Signer *Signer
}

// ParsePublicKey decodes an RSA public key held as PEM or DER, either as a
// SubjectPublicKeyInfo or within a certificate.
func ParsePublicKey(b []byte) (*rsa.PublicKey, error) {
	der := b

	if block, _ := pem.Decode(b); block != nil {
		der = block.Bytes
	}

	var (
		pub any
		err error
	)

	if pub, err = x509.ParsePKIXPublicKey(der); err != nil {
		cert, cerr := x509.ParseCertificate(der)

		if cerr != nil {
			return nil, fmt.Errorf("neither a public key (%v) nor a certificate (%v)", err, cerr)
		}

		pub = cert.PublicKey
	}

	k, ok := pub.(*rsa.PublicKey)

	if !ok {
		return nil, fmt.Errorf("unsupported public key type %T", pub)
	}

	return k, nil
}

func readKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)

	if err != nil {
		return nil, api.Wrap(api.IOError, fmt.Errorf("could not read public key, %w", err))
	}

	k, err := ParsePublicKey(b)

	if err != nil {
		return nil, api.Wrap(api.IOError, fmt.Errorf("could not parse public key %s, %w", path, err))
	}

	return k, nil
}

// Verify checks the package at path against the trusted RSA public key held
// in keyPath.
func Verify(path string, keyPath string, opts ...Option) (*Result, error) {
	o := &options{}

	for _, opt := range opts {
		opt(o)
	}

	key, err := readKey(keyPath)

	if err != nil {
		return nil, err
	}

	dev, err := partition.Open(path)

	if err != nil {
		return nil, api.Wrap(api.IOError, err)
	}

	defer dev.Close()

	r, err := verify(dev, key, o)

	if err != nil {
		klog.Errorf("Verification of %s failed: %v", path, err)
		return nil, err
	}

	klog.Infof("Verified %s (%s)", path, r.Layout)

	return r, nil
}

func verify(dev partition.Device, key *rsa.PublicKey, o *options) (*Result, error) {
	z, err := zip.NewReader(dev, dev.Size())

	if err != nil {
		return nil, api.Wrap(api.MalformedContainer, fmt.Errorf("invalid archive, %w", err))
	}

	layout, err := ParseLayout(dev, len(z.Comment))

	if err != nil {
		return nil, err
	}

	klog.V(1).Infof("Package layout %s, %d entries", layout, len(z.File))

	block, err := layout.SigningBlock.Bytes()

	if err != nil {
		return nil, api.Wrap(api.IOError, fmt.Errorf("could not read signing block, %w", err))
	}

	v2, err := findBlock(block, V2BlockID)

	if err != nil {
		return nil, err
	}

	signer, err := parseSigner(v2)

	if err != nil {
		return nil, err
	}

	// The signature is checked before the signed data is trusted for
	// anything, including the digest.

	h := sha256.Sum256(signer.SignedData)

	if err = rsa.VerifyPKCS1v15(key, crypto.SHA256, h[:], signer.Signature); err != nil {
		return nil, api.Wrap(api.BadSignature, fmt.Errorf("invalid signed data signature, %w", err))
	}

	embedded, err := ParsePublicKey(signer.PublicKey)

	if err != nil || !key.Equal(embedded) {
		return nil, api.Errorf(api.BadSignature, "signer public key does not match trusted key")
	}

	if err = checkDigest(layout, signer, o); err != nil {
		return nil, err
	}

	return &Result{
		Layout: layout,
		Signer: signer,
	}, nil
}

// checkDigest recomputes the chunked digest over the content, the central
// directory and the end of central directory record, the latter pointing at
// the signing block as if it were the central directory.
func checkDigest(l *Layout, s *Signer, o *options) error {
	eocd, err := l.EOCD.Bytes()

	if err != nil {
		return api.Wrap(api.IOError, fmt.Errorf("could not read end of central directory, %w", err))
	}

	binary.LittleEndian.PutUint32(eocd[eocdCDOffset:], uint32(l.SigningBlock.Offset))

	ranges := []digest.Range{
		{R: l.Content.Dev, Off: l.Content.Offset, Len: l.Content.Length},
		{R: l.CentralDirectory.Dev, Off: l.CentralDirectory.Offset, Len: l.CentralDirectory.Length},
		{R: bytes.NewReader(eocd), Off: 0, Len: int64(len(eocd))},
	}

	var opts []digest.Option

	if o.progress != nil {
		var done int64

		total := digest.Total(ranges)

		opts = append(opts, digest.WithProgress(func(n int64) {
			done += n
			o.progress(done, total)
		}))
	}

	sum, err := digest.Chunked(sha256.New, ranges, digest.ChunkSize, opts...)

	if err != nil {
		return err
	}

	if !bytes.Equal(sum, s.Digest) {
		return api.Errorf(api.DigestMismatch, "package digest %x does not match signed digest %x", sum, s.Digest)
	}

	return nil
}
