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

// bitReader reads bit fields from a byte slice, most-significant-bit first.
//
// Reads past the end of the data yield zero bits and are tracked; callers
// check overflow() once a decode unit completes. This matches the CHD bit
// stream contract, where a decoder may legitimately peek beyond the last
// meaningful bit but must not have consumed anything past it.
type bitReader struct {
	data   []byte
	offset int    // bit offset of the next byte to fetch
	bits   uint64 // accumulated bits
	avail  int    // bits available in accumulator
	padded int    // zero bits appended past the end of data
}

// newBitReader creates a bit reader over data. The reader holds no hidden
// global state; callers create a fresh instance per decode.
func newBitReader(data []byte) *bitReader {
	return &bitReader{data: data}
}

// fill tops up the accumulator until at least count bits are available.
func (br *bitReader) fill(count int) {
	for br.avail < count {
		byteOff := br.offset / 8
		if byteOff >= len(br.data) {
			br.bits <<= 8
			br.avail += 8
			br.padded += 8
			continue
		}
		br.bits = (br.bits << 8) | uint64(br.data[byteOff])
		br.avail += 8
		br.offset += 8
	}
}

// peek returns the next count bits (1 <= count <= 32) without advancing.
func (br *bitReader) peek(count int) uint32 {
	br.fill(count)
	//nolint:gosec // Safe: masked to count bits, count is at most 32
	return uint32((br.bits >> (br.avail - count)) & ((1 << count) - 1))
}

// consume advances the cursor by count bits previously peeked.
func (br *bitReader) consume(count int) {
	br.avail -= count
}

// read reads count bits (1 <= count <= 32) from the stream.
func (br *bitReader) read(count int) uint32 {
	result := br.peek(count)
	br.avail -= count
	return result
}

// overflow reports whether any bits beyond the end of data were consumed.
func (br *bitReader) overflow() bool {
	return br.padded > br.avail
}
