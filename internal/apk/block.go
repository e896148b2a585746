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

import "fmt"

const (
	// V2BlockID identifies the v2 signature scheme block within the
	// signing block.
	V2BlockID = 0x7109871a

	// RSAPKCS1v15SHA256 is the only supported signature algorithm.
	RSAPKCS1v15SHA256 = 0x0103
)

// Signer holds the first signer of a v2 signature scheme block.
type Signer struct {
	// SignedData is the raw signed data block, covered by Signature.
	SignedData []byte

	DigestAlgorithm uint32
	Digest          []byte
	Certificate     []byte

	SignatureAlgorithm uint32
	Signature          []byte

	// PublicKey is the DER encoded SubjectPublicKeyInfo of the signer.
	PublicKey []byte
}

// findBlock returns the value of the pair with the given id in the signing
// block b, which includes its size fields and magic.
func findBlock(b []byte, id uint32) ([]byte, error) {
	if len(b) < 8+blockTrailer {
		return nil, malformed("signing block too short (%d)", len(b))
	}

	pairs := cursor(b[8 : len(b)-blockTrailer])

	for !pairs.empty() {
		var (
			n   uint64
			pid uint32
		)

		if !pairs.u64(&n) || n < 4 || n > uint64(len(pairs)) {
			return nil, malformed("invalid signing block pair length %d", n)
		}

		pair := cursor(pairs[:n])
		pairs = pairs[n:]

		pair.u32(&pid)

		if pid == id {
			return pair, nil
		}
	}

	return nil, malformed("no block %#x in signing block", id)
}

// parseSigner decodes the first signer of a v2 signature scheme block.
func parseSigner(v2 []byte) (*Signer, error) {
	var (
		s                                  Signer
		signers, signer, signedData        cursor
		digests, digest, certs, cert       cursor
		signatures, signature, value, spki cursor
	)

	fail := func(what string) error {
		return malformed("truncated or invalid %s", what)
	}

	in := cursor(v2)

	if !in.prefixed(&signers) || !signers.prefixed(&signer) {
		return nil, fail("signer")
	}

	if !signer.prefixed(&signedData) || !signer.prefixed(&signatures) || !signer.prefixed(&spki) {
		return nil, fail("signer fields")
	}

	s.SignedData = signedData
	s.PublicKey = spki

	if !signedData.prefixed(&digests) || !signedData.prefixed(&certs) {
		return nil, fail("signed data")
	}

	if !digests.prefixed(&digest) || !digest.u32(&s.DigestAlgorithm) || !digest.prefixed(&value) {
		return nil, fail("digest record")
	}

	s.Digest = value

	if !certs.prefixed(&cert) {
		return nil, fail("certificate")
	}

	s.Certificate = cert

	if !signatures.prefixed(&signature) || !signature.u32(&s.SignatureAlgorithm) || !signature.prefixed(&value) {
		return nil, fail("signature record")
	}

	s.Signature = value

	if s.DigestAlgorithm != s.SignatureAlgorithm {
		return nil, malformed("digest algorithm %#x does not match signature algorithm %#x", s.DigestAlgorithm, s.SignatureAlgorithm)
	}

	if s.SignatureAlgorithm != RSAPKCS1v15SHA256 {
		return nil, malformed("unsupported signature algorithm %#x", s.SignatureAlgorithm)
	}

	return &s, nil
}

func (s *Signer) String() string {
	return fmt.Sprintf("signer{alg:%#x digest:%x}", s.SignatureAlgorithm, s.Digest)
}
