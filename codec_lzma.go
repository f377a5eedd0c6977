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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ulikunitz/xz/lzma"
)

func init() {
	RegisterCodec(CodecLZMA, func(header *Header) Codec {
		return &lzmaCodec{dictSize: lzmaDictSize(header.HunkBytes)}
	})
	RegisterCodec(CodecCDLZMA, func(header *Header) Codec {
		sectorBytes := header.HunkBytes / cdFrameSize * cdMaxSectorData
		return newCDCodec(
			&lzmaCodec{dictSize: lzmaDictSize(sectorBytes)},
			&zlibCodec{},
			header,
		)
	})
}

// lzmaCodec implements LZMA decompression for CHD hunks.
// CHD stores a raw LZMA stream with no header; the encoder parameters are
// implied, with the dictionary size derived from the hunk size.
type lzmaCodec struct {
	dictSize uint32
}

// lzmaDictSize derives the dictionary size the CHD compressor would have
// used for the given payload size: level 8 with the reduce-size
// normalization, which picks the smallest 2<<i or 3<<i covering the payload.
func lzmaDictSize(payloadBytes uint32) uint32 {
	for i := uint32(11); i <= 30; i++ {
		if payloadBytes <= 2<<i {
			return 2 << i
		}
		if payloadBytes <= 3<<i {
			return 3 << i
		}
	}
	return 1 << 26 // level 8 default
}

// Decompress decompresses a headerless LZMA stream.
func (c *lzmaCodec) Decompress(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("%w: lzma: empty source", ErrDecompressFailed)
	}

	// Reconstruct the 13-byte header the library expects:
	// properties lc=3 lp=0 pb=2 (0x5D), dictionary size, uncompressed size.
	const propsLcLpPb = 0x5D
	header := make([]byte, 13)
	header[0] = propsLcLpPb
	binary.LittleEndian.PutUint32(header[1:5], c.dictSize)
	binary.LittleEndian.PutUint64(header[5:13], uint64(len(dst)))

	fullStream := make([]byte, 13+len(src))
	copy(fullStream[0:13], header)
	copy(fullStream[13:], src)

	reader, err := lzma.NewReader(bytes.NewReader(fullStream))
	if err != nil {
		return 0, fmt.Errorf("%w: lzma init: %w", ErrDecompressFailed, err)
	}

	n, err := io.ReadFull(reader, dst)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("%w: lzma read: %w", ErrDecompressFailed, err)
	}

	return n, nil
}
