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
	"errors"
	"fmt"
	"io"

	"github.com/sigurn/crc16"
)

// maxRefDepth bounds self-reference and parent chains. A valid image never
// nests references this deep; hitting the bound means the map or the parent
// chain loops.
const maxRefDepth = 32

// ReadHunk reads and decompresses the hunk at the given index.
// The returned slice is HunkBytes long and owned by the caller.
func (c *Chd) ReadHunk(index uint32) ([]byte, error) {
	data, err := c.hunk(index, 0)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// hunk returns the decoded hunk at index. The returned slice may live in the
// cache and must not be modified.
func (c *Chd) hunk(index uint32, depth int) ([]byte, error) {
	if index >= c.header.HunkCount {
		return nil, fmt.Errorf("%w: %d of %d", ErrInvalidHunk, index, c.header.HunkCount)
	}
	if cached, ok := c.cache.Get(index); ok {
		return cached, nil
	}

	entry := c.hunkMap.locate(index)
	buf := make([]byte, c.header.HunkBytes)
	verify := c.hunkMap.hasChecksums

	switch entry.compType {
	case compressionNone:
		//nolint:gosec // Safe: offset validated against the file size at map decode
		if _, err := c.reader.ReadAt(buf, int64(entry.offset)); err != nil {
			return nil, fmt.Errorf("hunk %d: %w", index, err)
		}

	case compressionMini:
		payload := make([]byte, entry.length)
		//nolint:gosec // Safe: offset validated against the file size at map decode
		if _, err := c.reader.ReadAt(payload, int64(entry.offset)); err != nil {
			return nil, fmt.Errorf("hunk %d: %w", index, err)
		}
		// The payload repeats end to end across the hunk.
		for n := copy(buf, payload); n < len(buf); {
			n += copy(buf[n:], buf[:n])
		}

	case compressionType0, compressionType1, compressionType2, compressionType3:
		compressed := make([]byte, entry.length)
		//nolint:gosec // Safe: offset validated against the file size at map decode
		if _, err := c.reader.ReadAt(compressed, int64(entry.offset)); err != nil {
			return nil, fmt.Errorf("hunk %d: %w", index, err)
		}
		n, err := c.codecs[entry.compType].Decompress(buf, compressed)
		if err != nil {
			return nil, fmt.Errorf("hunk %d: %w", index, err)
		}
		if n != len(buf) {
			return nil, fmt.Errorf("%w: hunk %d produced %d of %d bytes",
				ErrDecompressFailed, index, n, len(buf))
		}
		// CD hunks come back without regenerated ECC bytes, so the stored
		// checksum no longer matches by construction.
		if c.cdCodecs[entry.compType] {
			verify = false
		}

	case compressionSelf:
		if depth >= maxRefDepth {
			return nil, fmt.Errorf("%w: hunk %d", ErrCyclicReference, index)
		}
		//nolint:gosec // Safe: self targets validated against the hunk count at map decode
		target, err := c.hunk(uint32(entry.offset), depth+1)
		if err != nil {
			return nil, fmt.Errorf("hunk %d: %w", index, err)
		}
		copy(buf, target)
		verify = false

	case compressionParent:
		if c.parent == nil {
			return nil, fmt.Errorf("%w: hunk %d", ErrMissingParent, index)
		}
		if depth >= maxRefDepth {
			return nil, fmt.Errorf("%w: hunk %d", ErrCyclicParentChain, index)
		}
		// Parent refs count units, not bytes. A ref into the parent's final
		// partial hunk reads short and the tail stays zero, but a ref landing
		// entirely past the parent's logical size is corruption.
		byteOffset := entry.offset * uint64(c.header.UnitBytes)
		//nolint:gosec // Safe: bounded by the parent's logical size check inside readAtDepth
		n, err := c.parent.readAtDepth(buf, int64(byteOffset), depth+1)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("hunk %d: parent: %w", index, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: hunk %d parent unit %d past parent size",
				ErrOutOfBounds, index, entry.offset)
		}
		verify = false

	default:
		return nil, fmt.Errorf("%w: hunk %d compression type %d",
			ErrMapCorrupt, index, entry.compType)
	}

	if verify {
		if calc := crc16.Checksum(buf, crc16Table); calc != entry.crc {
			return nil, fmt.Errorf("%w: hunk %d crc %04x, map says %04x",
				ErrChecksumMismatch, index, calc, entry.crc)
		}
	}

	c.cache.Add(index, buf)
	return buf, nil
}

// VerifyHunk decodes the hunk at index and checks it against the checksum
// stored in the map. Hunks without a stored checksum (uncompressed maps,
// parent references, and CD codec hunks) return ErrNoChecksum.
func (c *Chd) VerifyHunk(index uint32) error {
	if index >= c.header.HunkCount {
		return fmt.Errorf("%w: %d of %d", ErrInvalidHunk, index, c.header.HunkCount)
	}
	if !c.hunkMap.hasChecksums {
		return ErrNoChecksum
	}

	entry := c.hunkMap.locate(index)
	// A self hunk is bit-identical to its target, so its verdict is the
	// target's verdict. Chase the chain with the same bound the read path
	// uses; a looping map must not recurse forever.
	for depth := 0; entry.compType == compressionSelf; depth++ {
		if depth >= maxRefDepth {
			return fmt.Errorf("%w: hunk %d", ErrCyclicReference, index)
		}
		//nolint:gosec // Safe: self targets validated against the hunk count at map decode
		index = uint32(entry.offset)
		entry = c.hunkMap.locate(index)
	}
	switch entry.compType {
	case compressionParent:
		return fmt.Errorf("%w: hunk %d references the parent", ErrNoChecksum, index)
	case compressionType0, compressionType1, compressionType2, compressionType3:
		if c.cdCodecs[entry.compType] {
			return fmt.Errorf("%w: hunk %d uses a CD codec", ErrNoChecksum, index)
		}
	}

	c.cache.Remove(index)
	_, err := c.hunk(index, 0)
	return err
}

// Verify checks every hunk that carries a checksum, reporting the first
// failure. Images without checksums return ErrNoChecksum without reading
// any hunk data.
func (c *Chd) Verify() error {
	if !c.hunkMap.hasChecksums {
		return ErrNoChecksum
	}
	for index := range c.header.HunkCount {
		err := c.VerifyHunk(index)
		if err == nil || errors.Is(err, ErrNoChecksum) {
			continue
		}
		return err
	}
	return nil
}
