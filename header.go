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
)

// CHD format magic word.
var chdMagic = [8]byte{'M', 'C', 'o', 'm', 'p', 'r', 'H', 'D'}

// headerSizeV5 is the total V5 header length in bytes.
const headerSizeV5 = 124

// Header represents a CHD V5 file header.
type Header struct {
	Version      uint32    // CHD version (must be 5)
	Compressors  [4]uint32 // Compression codec tags
	LogicalBytes uint64    // Total uncompressed size
	MapOffset    uint64    // Offset to hunk map
	MetaOffset   uint64    // Offset to first metadata entry
	HunkBytes    uint32    // Bytes per hunk
	UnitBytes    uint32    // Bytes per unit within each hunk
	HunkCount    uint32    // Total number of hunks
	RawSHA1      [20]byte  // SHA1 of raw data
	SHA1         [20]byte  // SHA1 of raw data + metadata
	ParentSHA1   [20]byte  // Parent SHA1 (zero for standalone images)
}

// parseHeader reads and parses a CHD V5 header.
// V5 header layout (124 bytes):
//
//	Offset 0x00: Magic "MComprHD" (8 bytes)
//	Offset 0x08: Header length (4 bytes)
//	Offset 0x0C: Version (4 bytes)
//	Offset 0x10: Compressors 0-3 (4 x 4 bytes)
//	Offset 0x20: Logical bytes (8 bytes)
//	Offset 0x28: Map offset (8 bytes)
//	Offset 0x30: Meta offset (8 bytes)
//	Offset 0x38: Hunk bytes (4 bytes)
//	Offset 0x3C: Unit bytes (4 bytes)
//	Offset 0x40: Raw SHA1 (20 bytes)
//	Offset 0x54: SHA1 (20 bytes)
//	Offset 0x68: Parent SHA1 (20 bytes)
func parseHeader(reader io.ReaderAt) (*Header, error) {
	buf := make([]byte, headerSizeV5)
	if _, err := reader.ReadAt(buf, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	var magic [8]byte
	copy(magic[:], buf[0:8])
	if magic != chdMagic {
		return nil, ErrInvalidMagic
	}

	headerLen := binary.BigEndian.Uint32(buf[8:12])
	version := binary.BigEndian.Uint32(buf[12:16])
	if version != 5 {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}
	if headerLen != headerSizeV5 {
		return nil, fmt.Errorf("%w: header length %d", ErrInvalidHeader, headerLen)
	}

	header := &Header{Version: version}
	header.Compressors[0] = binary.BigEndian.Uint32(buf[16:20])
	header.Compressors[1] = binary.BigEndian.Uint32(buf[20:24])
	header.Compressors[2] = binary.BigEndian.Uint32(buf[24:28])
	header.Compressors[3] = binary.BigEndian.Uint32(buf[28:32])
	header.LogicalBytes = binary.BigEndian.Uint64(buf[32:40])
	header.MapOffset = binary.BigEndian.Uint64(buf[40:48])
	header.MetaOffset = binary.BigEndian.Uint64(buf[48:56])
	header.HunkBytes = binary.BigEndian.Uint32(buf[56:60])
	header.UnitBytes = binary.BigEndian.Uint32(buf[60:64])
	copy(header.RawSHA1[:], buf[64:84])
	copy(header.SHA1[:], buf[84:104])
	copy(header.ParentSHA1[:], buf[104:124])

	if err := header.validate(); err != nil {
		return nil, err
	}
	return header, nil
}

// validate applies the V5 sanity checks and derives the hunk count.
func (h *Header) validate() error {
	if h.HunkBytes < 1 || h.HunkBytes > MaxHunkBytes {
		return fmt.Errorf("%w: hunk size %d", ErrInvalidHeader, h.HunkBytes)
	}
	if h.UnitBytes < 1 || h.HunkBytes < h.UnitBytes || h.HunkBytes%h.UnitBytes != 0 {
		return fmt.Errorf("%w: unit size %d for hunk size %d",
			ErrInvalidHeader, h.UnitBytes, h.HunkBytes)
	}

	hunkBytes := uint64(h.HunkBytes)
	hunkCount := (h.LogicalBytes + hunkBytes - 1) / hunkBytes
	if hunkCount > MaxNumHunks {
		return fmt.Errorf("%w: hunk count %d for logical size %d",
			ErrInvalidHeader, hunkCount, h.LogicalBytes)
	}
	//nolint:gosec // Safe: bounded by MaxNumHunks above
	h.HunkCount = uint32(hunkCount)
	return nil
}

// IsCompressed returns true if the CHD uses compression.
func (h *Header) IsCompressed() bool {
	return h.Compressors[0] != 0
}

// HasParent returns true if the header declares a parent SHA1.
func (h *Header) HasParent() bool {
	return h.ParentSHA1 != [20]byte{}
}
