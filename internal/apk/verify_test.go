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
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/internal/partition/testonly"
	builder "github.com/transparency-dev/armored-witness-verify/internal/testonly"
)

func files() map[string][]byte {
	return map[string][]byte{
		"AndroidManifest.xml": []byte("<manifest/>"),
		"classes.dex":         make([]byte, 3000),
		"res/raw/blob":        make([]byte, 70000),
	}
}

func pkg(t *testing.T) builder.Package {
	return builder.Package{
		Files:   files(),
		Comment: "signed",
		Key:     builder.Key(t, "apk", 2048),
	}
}

func TestVerify(t *testing.T) {
	key := builder.PEMKeyFile(t, &builder.Key(t, "apk", 2048).PublicKey)
	other := builder.PEMKeyFile(t, &builder.Key(t, "other", 2048).PublicKey)

	for _, test := range []struct {
		name  string
		build func(t *testing.T) []byte
		key   string
		want  error
	}{
		{
			name:  "valid",
			build: func(t *testing.T) []byte { return pkg(t).Build(t).Bytes },
			key:   key,
		}, {
			name: "valid without comment",
			build: func(t *testing.T) []byte {
				p := pkg(t)
				p.Comment = ""
				return p.Build(t).Bytes
			},
			key: key,
		}, {
			name:  "wrong key",
			build: func(t *testing.T) []byte { return pkg(t).Build(t).Bytes },
			key:   other,
			want:  api.BadSignature,
		}, {
			name: "corrupted central directory",
			build: func(t *testing.T) []byte {
				sp := pkg(t).Build(t)
				// last byte of the last file name
				sp.Bytes[sp.EOCDOffset-1] ^= 0x01
				return sp.Bytes
			},
			key:  key,
			want: api.DigestMismatch,
		}, {
			name: "corrupted content",
			build: func(t *testing.T) []byte {
				sp := pkg(t).Build(t)
				sp.Bytes[sp.BlockOffset-10] ^= 0x01
				return sp.Bytes
			},
			key:  key,
			want: api.DigestMismatch,
		}, {
			name: "corrupted signature",
			build: func(t *testing.T) []byte {
				p := pkg(t)
				p.CorruptSignature = true
				return p.Build(t).Bytes
			},
			key:  key,
			want: api.BadSignature,
		}, {
			name: "signer key differs from trusted key",
			build: func(t *testing.T) []byte {
				p := pkg(t)
				p.SignerKey = &builder.Key(t, "other", 2048).PublicKey
				return p.Build(t).Bytes
			},
			key:  key,
			want: api.BadSignature,
		}, {
			name: "algorithm mismatch",
			build: func(t *testing.T) []byte {
				p := pkg(t)
				p.DigestAlgorithm = 0x0104
				return p.Build(t).Bytes
			},
			key:  key,
			want: api.MalformedContainer,
		}, {
			name: "unsupported algorithm",
			build: func(t *testing.T) []byte {
				p := pkg(t)
				p.DigestAlgorithm = 0x0201
				p.SignatureAlgorithm = 0x0201
				return p.Build(t).Bytes
			},
			key:  key,
			want: api.MalformedContainer,
		}, {
			name: "bad magic",
			build: func(t *testing.T) []byte {
				sp := pkg(t).Build(t)
				sp.Bytes[sp.CDOffset-1] ^= 0x01
				return sp.Bytes
			},
			key:  key,
			want: api.MalformedContainer,
		}, {
			name: "unsigned archive",
			build: func(t *testing.T) []byte {
				sp := pkg(t).Build(t)
				// Drop the signing block and point the EOCD back at the
				// central directory.
				b := append(append([]byte{}, sp.Bytes[:sp.BlockOffset]...), sp.Bytes[sp.CDOffset:]...)
				eocd := sp.EOCDOffset - (sp.CDOffset - sp.BlockOffset)
				binary.LittleEndian.PutUint32(b[eocd+16:], uint32(sp.BlockOffset))
				return b
			},
			key:  key,
			want: api.MalformedContainer,
		}, {
			name: "oversized signing block",
			build: func(t *testing.T) []byte {
				sp := pkg(t).Build(t)
				binary.LittleEndian.PutUint64(sp.Bytes[sp.CDOffset-24:], MaxSigningBlockSize+1)
				return sp.Bytes
			},
			key:  key,
			want: api.OutOfMemory,
		}, {
			name: "inconsistent signing block size",
			build: func(t *testing.T) []byte {
				sp := pkg(t).Build(t)
				sp.Bytes[sp.BlockOffset] ^= 0x01
				return sp.Bytes
			},
			key:  key,
			want: api.MalformedContainer,
		}, {
			name:  "not an archive",
			build: func(t *testing.T) []byte { return []byte("hello world, this is not a zip file") },
			key:   key,
			want:  api.MalformedContainer,
		}, {
			name:  "missing key",
			build: func(t *testing.T) []byte { return pkg(t).Build(t).Bytes },
			key:   "/nonexistent/key.pem",
			want:  api.IOError,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := testonly.WriteFile(t, "app.apk", test.build(t))

			_, err := Verify(p, test.key)
			if test.want == nil {
				if err != nil {
					t.Fatalf("Verify: %v", err)
				}
				return
			}
			if !errors.Is(err, test.want) {
				t.Fatalf("Verify = %v, want %v", err, test.want)
			}
		})
	}
}

func TestVerifyLayout(t *testing.T) {
	sp := pkg(t).Build(t)
	p := testonly.WriteFile(t, "app.apk", sp.Bytes)
	key := builder.PEMKeyFile(t, &builder.Key(t, "apk", 2048).PublicKey)

	var done, total int64
	r, err := Verify(p, key, WithProgress(func(d, n int64) { done, total = d, n }))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}

	l := r.Layout
	if l.SigningBlock.Offset != int64(sp.BlockOffset) || l.SigningBlock.End() != l.CentralDirectory.Offset {
		t.Errorf("signing block [%d, %d), want [%d, %d)", l.SigningBlock.Offset, l.SigningBlock.End(), sp.BlockOffset, sp.CDOffset)
	}
	if l.CentralDirectory.Offset != int64(sp.CDOffset) || l.EOCD.Offset != int64(sp.EOCDOffset) {
		t.Errorf("central directory at %d, eocd at %d, want %d, %d", l.CentralDirectory.Offset, l.EOCD.Offset, sp.CDOffset, sp.EOCDOffset)
	}
	if l.EOCD.End() != int64(len(sp.Bytes)) {
		t.Errorf("eocd ends at %d, want %d", l.EOCD.End(), len(sp.Bytes))
	}

	want := int64(len(sp.Bytes)) - l.SigningBlock.Length
	if done != want || total != want {
		t.Errorf("progress = %d/%d, want %d/%d", done, total, want, want)
	}

	if r.Signer.SignatureAlgorithm != RSAPKCS1v15SHA256 {
		t.Errorf("SignatureAlgorithm = %#x", r.Signer.SignatureAlgorithm)
	}
	if _, err := x509.ParseCertificate(r.Signer.Certificate); err != nil {
		t.Errorf("signer certificate: %v", err)
	}
}

func TestSignatureCheckedBeforeDigest(t *testing.T) {
	sp := pkg(t).Build(t)
	// Break both the signature (by trusting another key) and the digest.
	sp.Bytes[sp.BlockOffset-10] ^= 0x01
	p := testonly.WriteFile(t, "app.apk", sp.Bytes)

	other := builder.PEMKeyFile(t, &builder.Key(t, "other", 2048).PublicKey)
	if _, err := Verify(p, other); !errors.Is(err, api.BadSignature) {
		t.Fatalf("Verify = %v, want BadSignature", err)
	}
}

// knownArchive is a stored two entry ZIP archive written by Python's zipfile,
// knownDigest its package digest computed with Python's hashlib.
const (
	knownArchive = "504b0304140000000000000021586151e7ec0c0000000c00000013000000416e" +
		"64726f69644d616e69666573742e786d6c3c6d616e69666573742f3e0a504b03" +
		"0414000000000000002158b9e4fb3108000000080000000b000000636c617373" +
		"65732e6465786465780a30333500504b01021400140000000000000021586151" +
		"e7ec0c0000000c000000130000000000000000000000800100000000416e6472" +
		"6f69644d616e69666573742e786d6c504b0102140014000000000000002158b9" +
		"e4fb3108000000080000000b000000000000000000000080013d000000636c61" +
		"737365732e646578504b050600000000020002007a0000006e0000000000"
	knownDigest = "c4f1b7f14594f4a19fd37a5ab326fa46ea76a788ec364b3476b29d583eecc648"
)

func TestVerifyKnownDigest(t *testing.T) {
	archive, err := hex.DecodeString(knownArchive)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	sum, err := hex.DecodeString(knownDigest)
	if err != nil {
		t.Fatalf("DecodeString: %v", err)
	}
	key := builder.PEMKeyFile(t, &builder.Key(t, "apk", 2048).PublicKey)

	for _, test := range []struct {
		name   string
		digest func() []byte
		want   error
	}{
		{
			name:   "known digest",
			digest: func() []byte { return sum },
		}, {
			name: "other digest",
			digest: func() []byte {
				d := append([]byte{}, sum...)
				d[0] ^= 0x01
				return d
			},
			want: api.DigestMismatch,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			sp := builder.Package{
				Archive: archive,
				Digest:  test.digest(),
				Key:     builder.Key(t, "apk", 2048),
			}.Build(t)
			p := testonly.WriteFile(t, "app.apk", sp.Bytes)

			_, err := Verify(p, key)
			if test.want == nil && err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if test.want != nil && !errors.Is(err, test.want) {
				t.Fatalf("Verify = %v, want %v", err, test.want)
			}
		})
	}
}

func TestTrustedKeyFormats(t *testing.T) {
	k := builder.Key(t, "apk", 2048)
	cert := builder.Certificate(t, k)
	spki, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}

	p := testonly.WriteFile(t, "app.apk", pkg(t).Build(t).Bytes)

	for _, test := range []struct {
		name string
		key  []byte
	}{
		{name: "der public key", key: spki},
		{name: "der certificate", key: cert},
		{name: "pem certificate", key: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert})},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Verify(p, testonly.WriteFile(t, "key", test.key)); err != nil {
				t.Fatalf("Verify: %v", err)
			}
		})
	}

	if _, err := Verify(p, testonly.WriteFile(t, "key", []byte("garbage"))); !errors.Is(err, api.IOError) {
		t.Fatalf("Verify(garbage key) = %v, want IOError", err)
	}
}

func TestCursor(t *testing.T) {
	c := cursor{3, 0, 0, 0, 'a', 'b', 'c', 9, 0, 0, 0, 'x'}

	var v cursor
	if !c.prefixed(&v) || string(v) != "abc" {
		t.Fatalf("prefixed = %q", v)
	}
	// Declared length exceeds the input, nothing is consumed.
	if c.prefixed(&v) {
		t.Fatal("prefixed past end succeeded")
	}
	if len(c) != 5 {
		t.Fatalf("cursor consumed on failure, %d bytes left", len(c))
	}

	var n uint64
	if c.u64(&n) {
		t.Fatal("u64 past end succeeded")
	}
}
