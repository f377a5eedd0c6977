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

// Metadata tags defined by chdman.
const (
	// MetaHardDisk describes hard disk geometry ("GDDD").
	MetaHardDisk uint32 = 0x47444444

	// MetaHardDiskIdent is a hard disk identify block ("IDNT").
	MetaHardDiskIdent uint32 = 0x49444e54

	// MetaHardDiskKey is a hard disk key ("KEY ").
	MetaHardDiskKey uint32 = 0x4b455920

	// MetaPCMCIACIS is PCMCIA CIS information ("CIS ").
	MetaPCMCIACIS uint32 = 0x43495320

	// MetaCDROMOld is the obsolete binary CD-ROM track table ("CHCD").
	MetaCDROMOld uint32 = 0x43484344

	// MetaCDROMTrack describes one CD-ROM track ("CHTR").
	MetaCDROMTrack uint32 = 0x43485452

	// MetaCDROMTrack2 describes one CD-ROM track with pregap data ("CHT2").
	MetaCDROMTrack2 uint32 = 0x43485432

	// MetaGDROMOld is the obsolete GD-ROM track table ("CHGT").
	MetaGDROMOld uint32 = 0x43484754

	// MetaGDROMTrack describes one GD-ROM track ("CHGD").
	MetaGDROMTrack uint32 = 0x43484744

	// MetaAV describes audio/video parameters ("AVAV").
	MetaAV uint32 = 0x41564156

	// MetaAVLD describes laserdisc frame metadata ("AVLD").
	MetaAVLD uint32 = 0x41564c44
)

// MetadataFlagChecksum marks entries whose data participates in the
// overall SHA1.
const MetadataFlagChecksum uint8 = 0x01

// metadataHeaderBytes is the size of the on-disk entry header:
//
//	[ 0] uint32 tag
//	[ 4] uint8  flags
//	[ 5] uint24 length
//	[ 8] uint64 next   // offset of the next entry, 0 terminates
const metadataHeaderBytes = 16

// MetadataEntry is one decoded metadata chain entry.
type MetadataEntry struct {
	Data  []byte
	Tag   uint32
	Flags uint8
}

// TagString returns the entry's tag as ASCII.
func (m *MetadataEntry) TagString() string {
	return TagString(m.Tag)
}

// Metadata walks the metadata chain and returns every entry in chain order.
// Images without metadata return an empty slice.
func (c *Chd) Metadata() ([]MetadataEntry, error) {
	var entries []MetadataEntry
	offset := c.header.MetaOffset

	for offset != 0 {
		if len(entries) >= MaxMetadataEntries {
			return nil, fmt.Errorf("%w: chain exceeds %d entries",
				ErrInvalidMetadata, MaxMetadataEntries)
		}
		if offset+metadataHeaderBytes > c.fileSize {
			return nil, fmt.Errorf("%w: entry header at %d past end of file",
				ErrInvalidMetadata, offset)
		}

		raw := make([]byte, metadataHeaderBytes)
		//nolint:gosec // Safe: offset checked against the file size above
		if _, err := c.reader.ReadAt(raw, int64(offset)); err != nil {
			return nil, fmt.Errorf("read metadata header: %w", err)
		}

		tag := binary.BigEndian.Uint32(raw[0:4])
		flags := raw[4]
		length := readBE24(raw[5:8])
		next := binary.BigEndian.Uint64(raw[8:16])

		if length > MaxMetadataLen {
			return nil, fmt.Errorf("%w: entry of %d bytes", ErrInvalidMetadata, length)
		}
		if offset+metadataHeaderBytes+uint64(length) > c.fileSize {
			return nil, fmt.Errorf("%w: entry at %d+%d past end of file",
				ErrInvalidMetadata, offset, length)
		}

		data := make([]byte, length)
		//nolint:gosec // Safe: bounds checked against the file size above
		if _, err := c.reader.ReadAt(data, int64(offset+metadataHeaderBytes)); err != nil {
			return nil, fmt.Errorf("read metadata entry: %w", err)
		}

		entries = append(entries, MetadataEntry{Tag: tag, Flags: flags, Data: data})

		// Looping chains run into the entry cap above.
		offset = next
	}
	return entries, nil
}

// MetadataByTag returns every entry matching tag, in chain order.
func (c *Chd) MetadataByTag(tag uint32) ([]MetadataEntry, error) {
	entries, err := c.Metadata()
	if err != nil {
		return nil, err
	}
	matched := entries[:0:0]
	for _, entry := range entries {
		if entry.Tag == tag {
			matched = append(matched, entry)
		}
	}
	return matched, nil
}
