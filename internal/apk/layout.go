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
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/armored-witness-verify/api"
	"github.com/transparency-dev/armored-witness-verify/internal/partition"
)

const (
	// MaxSigningBlockSize is the largest signing block which will be
	// loaded.
	MaxSigningBlockSize = 16 << 20

	// EOCDSize is the size of the end of central directory record without
	// its comment.
	EOCDSize = 22

	eocdSignature = 0x06054b50
	eocdCDSize    = 12
	eocdCDOffset  = 16
	eocdComment   = 20

	blockMagic = "APK Sig Block 42"
	// trailer is the size field and magic ending the signing block.
	blockTrailer = 8 + len(blockMagic)
)

// Layout splits a package into its signed sections.
type Layout struct {
	Content          partition.Extent
	SigningBlock     partition.Extent
	CentralDirectory partition.Extent
	EOCD             partition.Extent
}

// String returns the section boundaries in file order.
func (l *Layout) String() string {
	return fmt.Sprintf("content:[0, %d) block:[%d, %d) cd:[%d, %d) eocd:[%d, %d)",
		l.Content.End(),
		l.SigningBlock.Offset, l.SigningBlock.End(),
		l.CentralDirectory.Offset, l.CentralDirectory.End(),
		l.EOCD.Offset, l.EOCD.End())
}

func malformed(format string, a ...any) error {
	return api.Errorf(api.MalformedContainer, format, a...)
}

// ParseLayout derives the section boundaries of the package held by dev,
// given the length of its archive comment.
func ParseLayout(dev partition.Device, commentLen int) (*Layout, error) {
	size := dev.Size()

	if commentLen < 0 || int64(commentLen) > size-EOCDSize {
		return nil, malformed("no room for end of central directory (size %d, comment %d)", size, commentLen)
	}

	whole := partition.Whole(dev)

	eocd, err := whole.Sub(size-EOCDSize-int64(commentLen), EOCDSize+int64(commentLen))

	if err != nil {
		return nil, malformed("%v", err)
	}

	head, err := eocd.Sub(0, EOCDSize)

	if err != nil {
		return nil, malformed("%v", err)
	}

	rec, err := head.Bytes()

	if err != nil {
		return nil, api.Wrap(api.IOError, fmt.Errorf("could not read end of central directory, %w", err))
	}

	if sig := binary.LittleEndian.Uint32(rec); sig != eocdSignature {
		return nil, malformed("invalid end of central directory signature %#x", sig)
	}

	if n := binary.LittleEndian.Uint16(rec[eocdComment:]); int(n) != commentLen {
		return nil, malformed("comment length %d, want %d", n, commentLen)
	}

	cdSize := int64(binary.LittleEndian.Uint32(rec[eocdCDSize:]))
	cdOff := int64(binary.LittleEndian.Uint32(rec[eocdCDOffset:]))

	if cdOff+cdSize != eocd.Offset {
		return nil, malformed("central directory [%d, %d+%d) does not end at %d", cdOff, cdOff, cdSize, eocd.Offset)
	}

	if cdOff < int64(blockTrailer) {
		return nil, malformed("no room for signing block before %d", cdOff)
	}

	ext, err := whole.Sub(cdOff-int64(blockTrailer), int64(blockTrailer))

	if err != nil {
		return nil, malformed("%v", err)
	}

	trailer, err := ext.Bytes()

	if err != nil {
		return nil, api.Wrap(api.IOError, fmt.Errorf("could not read signing block trailer, %w", err))
	}

	if magic := trailer[8:]; string(magic) != blockMagic {
		return nil, malformed("no signing block magic before central directory at %d", cdOff)
	}

	blockSize := binary.LittleEndian.Uint64(trailer)

	if blockSize > MaxSigningBlockSize {
		return nil, api.Errorf(api.OutOfMemory, "signing block size %d exceeds %d", blockSize, MaxSigningBlockSize)
	}

	// The leading size field is not counted in blockSize.
	total := int64(blockSize) + 8

	if blockSize < uint64(blockTrailer) || total > cdOff {
		return nil, malformed("invalid signing block size %d", blockSize)
	}

	block, err := whole.Sub(cdOff-total, total)

	if err != nil {
		return nil, malformed("%v", err)
	}

	if ext, err = block.Sub(0, 8); err != nil {
		return nil, malformed("%v", err)
	}

	lead, err := ext.Bytes()

	if err != nil {
		return nil, api.Wrap(api.IOError, fmt.Errorf("could not read signing block, %w", err))
	}

	if n := binary.LittleEndian.Uint64(lead); n != blockSize {
		return nil, malformed("signing block sizes differ (%d != %d)", n, blockSize)
	}

	return &Layout{
		Content:          partition.Extent{Dev: dev, Offset: 0, Length: block.Offset},
		SigningBlock:     block,
		CentralDirectory: partition.Extent{Dev: dev, Offset: cdOff, Length: cdSize},
		EOCD:             eocd,
	}, nil
}
