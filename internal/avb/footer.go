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
	"fmt"

	"github.com/coreos/go-semver/semver"
	"github.com/transparency-dev/armored-witness-verify/api"
	"golang.org/x/crypto/cryptobyte"
)

const (
	// FooterSize is the size of the footer stored in the last bytes of a
	// partition.
	FooterSize = 64

	footerMagic    = "AVBf"
	footerReserved = 28
)

// FooterVersion is the footer format version written by this package.
var FooterVersion = semver.Version{Major: 1, Minor: 0}

// Footer locates the vbmeta blob within a partition.
type Footer struct {
	VersionMajor      uint32
	VersionMinor      uint32
	OriginalImageSize uint64
	VBMetaOffset      uint64
	VBMetaSize        uint64
}

// Version returns the footer format version.
func (f *Footer) Version() *semver.Version {
	return &semver.Version{Major: int64(f.VersionMajor), Minor: int64(f.VersionMinor)}
}

// ParseFooter decodes a footer.
func ParseFooter(b []byte) (*Footer, error) {
	if len(b) != FooterSize {
		return nil, api.Errorf(api.MalformedContainer, "invalid footer size %d", len(b))
	}

	var (
		f     Footer
		magic []byte
	)

	s := cryptobyte.String(b)

	if !s.ReadBytes(&magic, len(footerMagic)) ||
		!s.ReadUint32(&f.VersionMajor) ||
		!s.ReadUint32(&f.VersionMinor) ||
		!s.ReadUint64(&f.OriginalImageSize) ||
		!s.ReadUint64(&f.VBMetaOffset) ||
		!s.ReadUint64(&f.VBMetaSize) ||
		!s.Skip(footerReserved) ||
		!s.Empty() {
		return nil, api.Errorf(api.MalformedContainer, "truncated footer")
	}

	if string(magic) != footerMagic {
		return nil, api.Errorf(api.MalformedContainer, "invalid footer magic %q", magic)
	}

	if v := f.Version(); v.Major != FooterVersion.Major {
		return nil, api.Errorf(api.MalformedContainer, "unsupported footer version %s", v)
	}

	return &f, nil
}

// Marshal encodes the footer.
func (f *Footer) Marshal() ([]byte, error) {
	b := cryptobyte.NewFixedBuilder(make([]byte, 0, FooterSize))

	b.AddBytes([]byte(footerMagic))
	b.AddUint32(f.VersionMajor)
	b.AddUint32(f.VersionMinor)
	b.AddUint64(f.OriginalImageSize)
	b.AddUint64(f.VBMetaOffset)
	b.AddUint64(f.VBMetaSize)
	b.AddBytes(make([]byte, footerReserved))

	buf, err := b.Bytes()

	if err != nil {
		return nil, fmt.Errorf("could not encode footer, %v", err)
	}

	return buf, nil
}
