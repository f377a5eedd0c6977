// Copyright (c) 2025 Niema Moshiri and The Zaparoo Project.
// SPDX-License-Identifier: GPL-3.0-or-later
//
// This file is part of go-chd.
//
// go-chd is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// go-chd is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with go-chd.  If not, see <https://www.gnu.org/licenses/>.

package chd

import (
	"encoding/binary"
	"fmt"
)

// CD frame geometry.
const (
	cdMaxSectorData  = 2352
	cdMaxSubcodeData = 96
	cdFrameSize      = cdMaxSectorData + cdMaxSubcodeData
)

// cdSyncHeader is the standard CD-ROM sector sync pattern.
var cdSyncHeader = [12]byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00}

// cdCodec decompresses CD hunks: sector data and subchannel data are
// compressed as two separate streams and re-interleaved per frame.
//
// Hunk payload layout:
//
//	[0]               ECC bitmap, (frames+7)/8 bytes; set bits mark frames
//	                  whose sync header (and ECC, which we do not
//	                  regenerate) was stripped before compression
//	[eccBytes]        base stream length, 2 bytes (3 if the hunk exceeds 64K)
//	[..]              base stream (sector data)
//	[.. + baseLen]    subchannel stream
type cdCodec struct {
	base   Codec
	sub    Codec
	buffer []byte
	frames int
}

// newCDCodec wraps base and subchannel codecs for hunks of header's size.
func newCDCodec(base, sub Codec, header *Header) Codec {
	frames := int(header.HunkBytes) / cdFrameSize
	return &cdCodec{
		base:   base,
		sub:    sub,
		frames: frames,
		buffer: make([]byte, frames*cdFrameSize),
	}
}

// Decompress decompresses one CD hunk into dst.
func (c *cdCodec) Decompress(dst, src []byte) (int, error) {
	frames := c.frames
	eccBytes := (frames + 7) / 8
	compLenBytes := 2
	if len(dst) >= 65536 {
		compLenBytes = 3
	}
	headerBytes := eccBytes + compLenBytes
	if len(src) < headerBytes {
		return 0, fmt.Errorf("%w: cd: source too small for header", ErrDecompressFailed)
	}

	var baseLen int
	if compLenBytes > 2 {
		baseLen = int(readBE24(src[eccBytes : eccBytes+3]))
	} else {
		baseLen = int(binary.BigEndian.Uint16(src[eccBytes : eccBytes+2]))
	}
	if headerBytes+baseLen > len(src) {
		return 0, fmt.Errorf("%w: cd: base length %d exceeds source", ErrDecompressFailed, baseLen)
	}

	baseData := src[headerBytes : headerBytes+baseLen]
	subData := src[headerBytes+baseLen:]

	// Decompress both streams into the scratch buffer: all sector data
	// first, then all subchannel data.
	sectorBytes := frames * cdMaxSectorData
	n, err := c.base.Decompress(c.buffer[:sectorBytes], baseData)
	if err != nil {
		return 0, fmt.Errorf("cd sector data: %w", err)
	}
	if n != sectorBytes {
		return 0, fmt.Errorf("%w: cd sector data: %d of %d bytes", ErrDecompressFailed, n, sectorBytes)
	}
	subBytes := len(c.buffer) - sectorBytes
	n, err = c.sub.Decompress(c.buffer[sectorBytes:], subData)
	if err != nil {
		return 0, fmt.Errorf("cd subchannel data: %w", err)
	}
	if n != subBytes {
		return 0, fmt.Errorf("%w: cd subchannel data: %d of %d bytes", ErrDecompressFailed, n, subBytes)
	}

	// Reassemble interleaved frames.
	for i := range frames {
		frame := dst[i*cdFrameSize:]
		copy(frame[:cdMaxSectorData], c.buffer[i*cdMaxSectorData:])
		copy(frame[cdMaxSectorData:cdFrameSize], c.buffer[sectorBytes+i*cdMaxSubcodeData:])

		// Reconstitute the sync header where the compressor stripped it.
		// ECC bytes are not regenerated, so map checksums cannot be
		// applied to hunks decoded through this path.
		if src[i/8]&(1<<(i%8)) != 0 {
			copy(frame[:len(cdSyncHeader)], cdSyncHeader[:])
		}
	}
	return frames * cdFrameSize, nil
}
