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
	"io"

	"github.com/sigurn/crc16"
)

// Hunk compression types (V5 map entry types). The pseudo-types 7-13 only
// occur inside the compressed map encoding and are folded into base types
// during decode.
const (
	compressionType0      = 0  // Compressed with compressor 0
	compressionType1      = 1  // Compressed with compressor 1
	compressionType2      = 2  // Compressed with compressor 2
	compressionType3      = 3  // Compressed with compressor 3
	compressionNone       = 4  // Uncompressed; implicit length = hunkBytes
	compressionSelf       = 5  // Same as another hunk in this CHD
	compressionParent     = 6  // Same as a hunk's worth of units in the parent
	compressionRLESmall   = 7  // Start of small RLE run (4-bit length)
	compressionRLELarge   = 8  // Start of large RLE run (8-bit length)
	compressionSelf0      = 9  // Same as the last self block
	compressionSelf1      = 10 // Same as the last self block + 1
	compressionParentSelf = 11 // Same block in the parent
	compressionParent0    = 12 // Same as the last parent block
	compressionParent1    = 13 // Same as the last parent block + 1
	compressionMini       = 14 // Short literal payload tiled to fill the hunk
)

// mapEntryBytes is the size of one expanded map entry:
//
//	[ 0] uint8  compression  // compression type
//	[ 1] uint24 complength   // compressed length
//	[ 4] uint48 offset       // file offset, self hunk index, or parent unit index
//	[10] uint16 crc          // crc-16 of the decompressed hunk
const mapEntryBytes = 12

// crc16Table is the CCITT-FALSE polynomial table used by both the map and
// per-hunk checksums.
var crc16Table = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// mapEntry describes the storage of a single hunk.
type mapEntry struct {
	offset   uint64 // file offset (codec/none/mini), hunk index (self), unit index (parent)
	length   uint32 // compressed byte length; zero for self/parent references
	crc      uint16 // CRC16 of the decompressed hunk
	compType uint8
}

// hunkMap is the per-hunk descriptor table, ordered by hunk index.
type hunkMap struct {
	entries      []mapEntry
	hasChecksums bool
}

// decodeMap materializes the hunk map for the given header.
func decodeMap(reader io.ReaderAt, header *Header, fileSize uint64) (*hunkMap, error) {
	var (
		hm  *hunkMap
		err error
	)
	if header.IsCompressed() {
		hm, err = decodeCompressedMap(reader, header)
	} else {
		hm, err = decodeUncompressedMap(reader, header)
	}
	if err != nil {
		return nil, err
	}
	if err := hm.validate(header, fileSize); err != nil {
		return nil, err
	}
	return hm, nil
}

// decodeUncompressedMap reads the raw V5 map: one 4-byte value per hunk,
// the file offset divided by the hunk size. These maps carry no checksums.
func decodeUncompressedMap(reader io.ReaderAt, header *Header) (*hunkMap, error) {
	raw := make([]byte, 4*int(header.HunkCount))
	//nolint:gosec // Safe: MapOffset validated against file size by the caller's reads
	if _, err := reader.ReadAt(raw, int64(header.MapOffset)); err != nil {
		return nil, fmt.Errorf("read uncompressed map: %w", err)
	}

	entries := make([]mapEntry, header.HunkCount)
	for i := range entries {
		offset := uint64(binary.BigEndian.Uint32(raw[4*i : 4*i+4]))
		entries[i] = mapEntry{
			compType: compressionNone,
			offset:   offset * uint64(header.HunkBytes),
			length:   header.HunkBytes,
		}
	}
	return &hunkMap{entries: entries}, nil
}

// decodeCompressedMap decompresses the Huffman+RLE coded V5 map.
// Compressed map header (16 bytes at MapOffset):
//
//	[ 0] uint32 length        // compressed map length
//	[ 4] uint48 firstoffs     // offset of the first block
//	[10] uint16 mapcrc        // crc-16 of the expanded map
//	[12] uint8  lengthbits    // bits used for complength
//	[13] uint8  hunkbits      // bits used for self-refs
//	[14] uint8  parentbits    // bits used for parent unit refs
//	[15] uint8  reserved
func decodeCompressedMap(reader io.ReaderAt, header *Header) (*hunkMap, error) {
	mapHeader := make([]byte, 16)
	//nolint:gosec // Safe: MapOffset comes from a validated header
	if _, err := reader.ReadAt(mapHeader, int64(header.MapOffset)); err != nil {
		return nil, fmt.Errorf("read map header: %w", err)
	}

	compMapLen := binary.BigEndian.Uint32(mapHeader[0:4])
	if compMapLen > MaxCompMapLen {
		return nil, fmt.Errorf("%w: compressed map too large (%d)", ErrMapCorrupt, compMapLen)
	}
	firstOffs := readBE48(mapHeader[4:10])
	mapCRC := binary.BigEndian.Uint16(mapHeader[10:12])

	lengthBits, err := fieldBits(mapHeader[12])
	if err != nil {
		return nil, err
	}
	selfBits, err := fieldBits(mapHeader[13])
	if err != nil {
		return nil, err
	}
	parentBits, err := fieldBits(mapHeader[14])
	if err != nil {
		return nil, err
	}

	compMap := make([]byte, compMapLen)
	//nolint:gosec // Safe: MapOffset comes from a validated header
	if _, err := reader.ReadAt(compMap, int64(header.MapOffset)+16); err != nil {
		return nil, fmt.Errorf("read compressed map: %w", err)
	}

	br := newBitReader(compMap)
	decoder := newHuffmanDecoder(16, 8)
	if err := decoder.importTreeRLE(br); err != nil {
		return nil, fmt.Errorf("map huffman tree: %w", err)
	}

	// First pass: compression types, with RLE runs repeating the last type.
	hunkCount := int(header.HunkCount)
	compTypes := make([]uint8, hunkCount)
	var lastComp uint8
	repCount := 0
	for hunkNum := range hunkCount {
		if repCount > 0 {
			repCount--
			compTypes[hunkNum] = lastComp
			continue
		}
		switch val := decoder.decode(br); val {
		case compressionRLESmall:
			repCount = 2 + int(decoder.decode(br))
		case compressionRLELarge:
			repCount = 2 + 16 + int(decoder.decode(br))<<4
			repCount += int(decoder.decode(br))
		default:
			if val > compressionMini {
				return nil, fmt.Errorf("%w: hunk %d compression type %d",
					ErrMapCorrupt, hunkNum, val)
			}
			//nolint:gosec // Safe: bounded by compressionMini above
			lastComp = uint8(val)
		}
		compTypes[hunkNum] = lastComp
	}

	// Second pass: per-type fields. The expanded 12-byte entries are kept in
	// wire form so the whole map can be checked against the header CRC.
	raw := make([]byte, mapEntryBytes*hunkCount)
	unitsPerHunk := uint64(header.HunkBytes) / uint64(header.UnitBytes)
	curOffset := firstOffs
	var lastSelf uint64
	var lastParent uint64

	for hunkNum := range hunkCount {
		compType := compTypes[hunkNum]
		offset := curOffset
		var length uint32
		var crc uint16

		switch compType {
		case compressionType0, compressionType1, compressionType2,
			compressionType3, compressionMini:
			length = br.read(lengthBits)
			curOffset += uint64(length)
			//nolint:gosec // Safe: 16-bit read
			crc = uint16(br.read(16))
		case compressionNone:
			length = header.HunkBytes
			curOffset += uint64(length)
			//nolint:gosec // Safe: 16-bit read
			crc = uint16(br.read(16))
		case compressionSelf:
			offset = uint64(br.read(selfBits))
			lastSelf = offset
		case compressionParent:
			offset = uint64(br.read(parentBits))
			lastParent = offset
		case compressionSelf0:
			offset = lastSelf
			compType = compressionSelf
		case compressionSelf1:
			lastSelf++
			offset = lastSelf
			compType = compressionSelf
		case compressionParentSelf:
			lastParent = uint64(hunkNum) * unitsPerHunk
			offset = lastParent
			compType = compressionParent
		case compressionParent0:
			offset = lastParent
			compType = compressionParent
		case compressionParent1:
			lastParent += unitsPerHunk
			offset = lastParent
			compType = compressionParent
		}

		entry := raw[mapEntryBytes*hunkNum:]
		entry[0] = compType
		writeBE24(entry[1:4], length)
		writeBE48(entry[4:10], offset)
		binary.BigEndian.PutUint16(entry[10:12], crc)
	}

	if br.overflow() {
		return nil, fmt.Errorf("%w: hunk map", ErrTruncatedStream)
	}
	if calc := crc16.Checksum(raw, crc16Table); calc != mapCRC {
		return nil, fmt.Errorf("%w: map crc %04x, header says %04x",
			ErrMapCorrupt, calc, mapCRC)
	}

	entries := make([]mapEntry, hunkCount)
	for i := range entries {
		e := raw[mapEntryBytes*i:]
		entries[i] = mapEntry{
			compType: e[0],
			length:   readBE24(e[1:4]),
			offset:   readBE48(e[4:10]),
			crc:      binary.BigEndian.Uint16(e[10:12]),
		}
	}
	return &hunkMap{entries: entries, hasChecksums: true}, nil
}

// validate checks every entry's target against the container and header.
func (hm *hunkMap) validate(header *Header, fileSize uint64) error {
	for i, entry := range hm.entries {
		switch entry.compType {
		case compressionType0, compressionType1, compressionType2, compressionType3:
			if header.Compressors[entry.compType] == 0 {
				return fmt.Errorf("%w: hunk %d selects codec %d",
					ErrUnknownCompressor, i, entry.compType)
			}
			if entry.offset+uint64(entry.length) > fileSize {
				return fmt.Errorf("%w: hunk %d at %d+%d, file size %d",
					ErrOutOfBounds, i, entry.offset, entry.length, fileSize)
			}
		case compressionNone:
			if entry.offset+uint64(header.HunkBytes) > fileSize {
				return fmt.Errorf("%w: hunk %d at %d, file size %d",
					ErrOutOfBounds, i, entry.offset, fileSize)
			}
		case compressionMini:
			if entry.length < 1 || entry.length >= header.HunkBytes {
				return fmt.Errorf("%w: hunk %d mini payload of %d bytes",
					ErrMapCorrupt, i, entry.length)
			}
			if entry.offset+uint64(entry.length) > fileSize {
				return fmt.Errorf("%w: hunk %d at %d+%d, file size %d",
					ErrOutOfBounds, i, entry.offset, entry.length, fileSize)
			}
		case compressionSelf:
			if entry.offset >= uint64(len(hm.entries)) {
				return fmt.Errorf("%w: hunk %d self-ref %d of %d",
					ErrMapCorrupt, i, entry.offset, len(hm.entries))
			}
		case compressionParent:
			// Parent refs are unit indexes into an image attached later;
			// they are validated lazily on first access.
		default:
			return fmt.Errorf("%w: hunk %d compression type %d",
				ErrMapCorrupt, i, entry.compType)
		}
	}
	return nil
}

// locate returns the map entry for a hunk index.
func (hm *hunkMap) locate(index uint32) mapEntry {
	return hm.entries[index]
}

// fieldBits validates a per-field bit width from the map header.
func fieldBits(val uint8) (int, error) {
	if val >= 32 {
		return 0, fmt.Errorf("%w: field width %d bits", ErrMapCorrupt, val)
	}
	return int(val), nil
}

// readBE24 reads a big-endian 24-bit value.
func readBE24(data []byte) uint32 {
	return uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
}

// writeBE24 writes a big-endian 24-bit value.
func writeBE24(data []byte, val uint32) {
	data[0] = byte(val >> 16)
	data[1] = byte(val >> 8)
	data[2] = byte(val)
}

// readBE48 reads a big-endian 48-bit value.
func readBE48(data []byte) uint64 {
	return uint64(data[0])<<40 | uint64(data[1])<<32 | uint64(data[2])<<24 |
		uint64(data[3])<<16 | uint64(data[4])<<8 | uint64(data[5])
}

// writeBE48 writes a big-endian 48-bit value.
func writeBE48(data []byte, val uint64) {
	data[0] = byte(val >> 40)
	data[1] = byte(val >> 32)
	data[2] = byte(val >> 24)
	data[3] = byte(val >> 16)
	data[4] = byte(val >> 8)
	data[5] = byte(val)
}
