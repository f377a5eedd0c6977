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
	"fmt"
	"sync"
)

// Codec tag constants (4-byte big-endian integers representing ASCII strings).
// CD-ROM specific codecs handle both sector data and subchannel compression.
const (
	// CodecNone indicates uncompressed data.
	CodecNone uint32 = 0x00000000

	// CodecZlib is the raw deflate codec ("zlib").
	CodecZlib uint32 = 0x7a6c6962

	// CodecLZMA is the LZMA codec ("lzma").
	CodecLZMA uint32 = 0x6c7a6d61

	// CodecHuff is the CHD Huffman codec ("huff").
	CodecHuff uint32 = 0x68756666

	// CodecFLAC is the FLAC audio codec ("flac").
	CodecFLAC uint32 = 0x666c6163

	// CodecZstd is the Zstandard codec ("zstd").
	CodecZstd uint32 = 0x7a737464

	// CodecCDZlib is the CD zlib codec ("cdzl").
	CodecCDZlib uint32 = 0x63647a6c

	// CodecCDLZMA is the CD LZMA codec ("cdlz").
	CodecCDLZMA uint32 = 0x63646c7a

	// CodecCDFLAC is the CD FLAC codec ("cdfl").
	CodecCDFLAC uint32 = 0x6364666c

	// CodecCDZstd is the CD Zstandard codec ("cdzs").
	CodecCDZstd uint32 = 0x63647a73
)

// Codec decompresses CHD hunk data.
//
// Each hunk is an independent stream: no dictionary or window state
// persists from one hunk to the next.
type Codec interface {
	// Decompress decompresses src into dst.
	// dst must be pre-allocated to the expected decompressed size.
	// Returns the number of bytes written to dst.
	Decompress(dst, src []byte) (int, error)
}

// codecRegistry holds registered codec factories. Factories receive the
// header because several codecs derive parameters from the hunk and unit
// sizes (LZMA window, FLAC block size, CD frame count).
var (
	codecRegistry   = make(map[uint32]func(header *Header) Codec)
	codecRegistryMu sync.RWMutex
)

// RegisterCodec registers a codec factory for the given tag.
func RegisterCodec(tag uint32, factory func(header *Header) Codec) {
	codecRegistryMu.Lock()
	defer codecRegistryMu.Unlock()
	codecRegistry[tag] = factory
}

// newCodec returns a codec instance for the given tag. Tags without a
// registered factory resolve to a stub that fails on first use, so an image
// merely declaring an exotic codec stays readable until a hunk needs it.
func newCodec(tag uint32, header *Header) Codec {
	codecRegistryMu.RLock()
	factory, ok := codecRegistry[tag]
	codecRegistryMu.RUnlock()

	if !ok {
		return &unknownCodec{tag: tag}
	}
	return factory(header)
}

// unknownCodec stands in for a declared but unimplemented compressor.
type unknownCodec struct {
	tag uint32
}

func (c *unknownCodec) Decompress(_, _ []byte) (int, error) {
	return 0, fmt.Errorf("%w: %s", ErrUnsupportedCodec, TagString(c.tag))
}

// TagString converts a codec or metadata tag to its ASCII representation.
func TagString(tag uint32) string {
	if tag == 0 {
		return "none"
	}
	tagBytes := make([]byte, 0, 4)
	for shift := 24; shift >= 0; shift -= 8 {
		b := byte(tag >> shift)
		if b < 0x20 || b > 0x7e {
			b = '?'
		}
		tagBytes = append(tagBytes, b)
	}
	return string(tagBytes)
}
