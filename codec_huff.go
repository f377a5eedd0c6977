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

import "fmt"

func init() {
	RegisterCodec(CodecHuff, func(_ *Header) Codec { return &huffCodec{} })
}

// huffCodec implements the CHD Huffman hunk codec: a 256-symbol, 16-bit
// canonical Huffman code over raw bytes, with the tree stored at the head
// of each hunk's payload.
type huffCodec struct{}

// Decompress decompresses a Huffman-coded hunk.
func (*huffCodec) Decompress(dst, src []byte) (int, error) {
	br := newBitReader(src)
	decoder := newHuffmanDecoder(256, 16)
	if err := decoder.importTreeHuffman(br); err != nil {
		return 0, fmt.Errorf("huffman hunk tree: %w", err)
	}

	for i := range dst {
		//nolint:gosec // Safe: 256-code tree yields byte symbols
		dst[i] = uint8(decoder.decode(br))
	}
	if br.overflow() {
		return 0, fmt.Errorf("%w: huffman hunk", ErrTruncatedStream)
	}
	return len(dst), nil
}
