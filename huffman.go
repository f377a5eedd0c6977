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

// huffmanDecoder decodes canonical Huffman codes as CHD V5 emits them.
//
// Codes are fully determined by their per-symbol lengths: shorter codes sort
// first, ties broken by ascending symbol value, with the starting code per
// length derived from the length histogram (MAME's canonical assignment,
// which walks lengths from longest to shortest). Decoding peeks maxBits bits
// into a flat lookup table mapping each prefix to (symbol, code length).
type huffmanDecoder struct {
	lookup   []uint32
	nodeBits []uint8
	numCodes int
	maxBits  int
}

// newHuffmanDecoder creates a Huffman decoder for numCodes symbols with
// codes no longer than maxBits.
func newHuffmanDecoder(numCodes, maxBits int) *huffmanDecoder {
	return &huffmanDecoder{
		numCodes: numCodes,
		maxBits:  maxBits,
		nodeBits: make([]uint8, numCodes),
		lookup:   make([]uint32, 1<<maxBits),
	}
}

// importTreeRLE imports a Huffman tree stored as RLE-coded code lengths.
// This is the encoding used for the hunk map tree (16 codes, 8 bits).
func (hd *huffmanDecoder) importTreeRLE(br *bitReader) error {
	// Width of each length field depends on maxBits.
	var numBits int
	switch {
	case hd.maxBits >= 16:
		numBits = 5
	case hd.maxBits >= 8:
		numBits = 4
	default:
		numBits = 3
	}

	curNode := 0
	for curNode < hd.numCodes {
		nodeBits := br.read(numBits)
		if nodeBits != 1 {
			//nolint:gosec // Safe: nodeBits is at most 5 bits wide
			hd.nodeBits[curNode] = uint8(nodeBits)
			curNode++
			continue
		}
		// One is an escape code: a second one is a literal one,
		// anything else is a value with a repeat count.
		nodeBits = br.read(numBits)
		if nodeBits == 1 {
			hd.nodeBits[curNode] = 1
			curNode++
			continue
		}
		repCount := int(br.read(numBits)) + 3
		if curNode+repCount > hd.numCodes {
			return fmt.Errorf("%w: RLE run of %d exceeds %d codes",
				ErrInvalidHuffmanTable, repCount, hd.numCodes)
		}
		for range repCount {
			//nolint:gosec // Safe: nodeBits is at most 5 bits wide
			hd.nodeBits[curNode] = uint8(nodeBits)
			curNode++
		}
	}
	if br.overflow() {
		return fmt.Errorf("%w: huffman tree", ErrTruncatedStream)
	}

	return hd.buildLookup()
}

// importTreeHuffman imports a Huffman tree whose code lengths are themselves
// Huffman-coded. This is the encoding used by the huff hunk codec
// (256 codes, 16 bits).
func (hd *huffmanDecoder) importTreeHuffman(br *bitReader) error {
	// Parse the small tree describing the length alphabet. Symbol v of the
	// small tree stands for code length v-1; symbol 0 starts an RLE run.
	small := newHuffmanDecoder(24, 6)
	//nolint:gosec // Safe: 3-bit read
	small.nodeBits[0] = uint8(br.read(3))
	start := int(br.read(3)) + 1
	count := 0
	for index := 1; index < 24; index++ {
		if index < start || count == 7 {
			small.nodeBits[index] = 0
			continue
		}
		count = int(br.read(3))
		if count == 7 {
			small.nodeBits[index] = 0
		} else {
			//nolint:gosec // Safe: 3-bit read
			small.nodeBits[index] = uint8(count)
		}
	}
	if err := small.buildLookup(); err != nil {
		return err
	}

	// Width of a full RLE count that follows a saturated 3-bit count.
	rleFullBits := 0
	for temp := hd.numCodes - 9; temp != 0; temp >>= 1 {
		rleFullBits++
	}

	last := uint8(0)
	curNode := 0
	for curNode < hd.numCodes {
		value := small.decode(br)
		if value != 0 {
			//nolint:gosec // Safe: small tree symbols are below 24
			last = uint8(value - 1)
			hd.nodeBits[curNode] = last
			curNode++
			continue
		}
		repCount := int(br.read(3)) + 3
		if repCount == 3+7 {
			repCount += int(br.read(rleFullBits))
		}
		for ; repCount != 0 && curNode < hd.numCodes; repCount-- {
			hd.nodeBits[curNode] = last
			curNode++
		}
	}
	if br.overflow() {
		return fmt.Errorf("%w: huffman tree", ErrTruncatedStream)
	}

	return hd.buildLookup()
}

// assignCanonicalCodes derives the canonical code for each symbol from the
// imported code lengths, validating that the lengths describe a prefix code.
func (hd *huffmanDecoder) assignCanonicalCodes() ([]uint32, error) {
	// Build histogram of bit lengths.
	bithisto := make([]uint32, 33)
	for i := range hd.numCodes {
		bits := hd.nodeBits[i]
		if int(bits) > hd.maxBits {
			return nil, fmt.Errorf("%w: code length %d exceeds %d bits",
				ErrInvalidHuffmanTable, bits, hd.maxBits)
		}
		bithisto[bits]++
	}

	// For each code length, determine the starting code number, walking from
	// the longest length to the shortest. A fractional carry means the
	// lengths over-subscribe some level of the code tree.
	var curstart uint32
	for codelen := 32; codelen > 0; codelen-- {
		nextstart := (curstart + bithisto[codelen]) >> 1
		if codelen != 1 && nextstart*2 != curstart+bithisto[codelen] {
			return nil, fmt.Errorf("%w: inconsistent lengths", ErrInvalidHuffmanTable)
		}
		bithisto[codelen] = curstart
		curstart = nextstart
	}

	// Assign codes in (length, symbol) order.
	codes := make([]uint32, hd.numCodes)
	for i := range hd.numCodes {
		bits := hd.nodeBits[i]
		if bits > 0 {
			codes[i] = bithisto[bits]
			bithisto[bits]++
		}
	}
	return codes, nil
}

// buildLookup assigns canonical codes and fills the flat lookup table. Each
// entry packs (symbol << 5) | codeLength for the code matching that prefix.
func (hd *huffmanDecoder) buildLookup() error {
	codes, err := hd.assignCanonicalCodes()
	if err != nil {
		return err
	}

	for i := range hd.numCodes {
		bits := int(hd.nodeBits[i])
		if bits == 0 {
			continue
		}
		//nolint:gosec // Safe: i bounded by numCodes, bits bounded by maxBits
		value := uint32((i << 5) | bits)

		// Fill every table slot sharing this code as a prefix.
		shift := hd.maxBits - bits
		base := int(codes[i]) << shift
		end := int(codes[i]+1)<<shift - 1
		if end >= len(hd.lookup) {
			return fmt.Errorf("%w: code overruns lookup table", ErrInvalidHuffmanTable)
		}
		for j := base; j <= end; j++ {
			hd.lookup[j] = value
		}
	}

	return nil
}

// decode decodes a single symbol from the bit stream.
func (hd *huffmanDecoder) decode(br *bitReader) uint32 {
	entry := hd.lookup[br.peek(hd.maxBits)]
	length := int(entry & 0x1f)
	if length == 0 {
		// Hole in an under-full code: corrupt input. Swallow the window so
		// the decode terminates; the caller's overflow or checksum pass
		// reports the failure.
		length = hd.maxBits
	}
	br.consume(length)
	return entry >> 5
}
