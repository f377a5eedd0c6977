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

// Package chd reads MAME CHD (Compressed Hunks of Data) V5 disk images.
//
// A CHD file stores a disk image as fixed-size hunks, each independently
// compressed with one of up to four codecs declared in the header. The
// package exposes the decoded image as a seekable byte stream plus direct
// hunk and metadata access. Writing is not supported.
package chd

import (
	"fmt"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultCacheHunks is the number of decoded hunks kept in memory.
const defaultCacheHunks = 16

// Chd is an open CHD V5 image.
//
// Chd implements io.Reader, io.Seeker, io.ReaderAt and io.Writer over the
// decoded contents. Reads past the logical size return io.EOF; writes are
// accepted and discarded so the stream satisfies read-write interfaces.
// Methods share internal state and must not be called concurrently.
type Chd struct {
	reader   io.ReaderAt
	closer   io.Closer
	header   *Header
	hunkMap  *hunkMap
	cache    *lru.Cache[uint32, []byte]
	parent   *Chd
	codecs   [4]Codec
	cdCodecs [4]bool
	fileSize uint64
	pos      int64
}

// Open opens the CHD file at path.
func Open(path string) (*Chd, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open chd: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat chd: %w", err)
	}
	c, err := New(file, info.Size())
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	c.closer = file
	return c, nil
}

// New reads a CHD image from reader, which must cover size bytes.
// The reader stays in use for the lifetime of the returned Chd.
func New(reader io.ReaderAt, size int64) (*Chd, error) {
	if size < headerSizeV5 {
		return nil, fmt.Errorf("%w: file of %d bytes", ErrInvalidHeader, size)
	}
	header, err := parseHeader(reader)
	if err != nil {
		return nil, err
	}

	//nolint:gosec // Safe: negative sizes rejected above
	hunkMap, err := decodeMap(reader, header, uint64(size))
	if err != nil {
		return nil, err
	}

	cache, err := lru.New[uint32, []byte](defaultCacheHunks)
	if err != nil {
		return nil, fmt.Errorf("hunk cache: %w", err)
	}

	c := &Chd{
		reader:   reader,
		header:   header,
		hunkMap:  hunkMap,
		cache:    cache,
		fileSize: uint64(size),
	}
	for i, tag := range header.Compressors {
		c.codecs[i] = newCodec(tag, header)
		switch tag {
		case CodecCDZlib, CodecCDLZMA, CodecCDFLAC, CodecCDZstd:
			c.cdCodecs[i] = true
		}
	}
	return c, nil
}

// Close releases the underlying file if the image was opened with Open.
func (c *Chd) Close() error {
	if c.closer == nil {
		return nil
	}
	err := c.closer.Close()
	c.closer = nil
	return err
}

// Header returns a copy of the parsed file header.
func (c *Chd) Header() Header { return *c.header }

// Size returns the logical (decompressed) image size in bytes.
func (c *Chd) Size() uint64 { return c.header.LogicalBytes }

// FileSize returns the size of the underlying container file.
func (c *Chd) FileSize() uint64 { return c.fileSize }

// HunkSize returns the number of bytes per hunk.
func (c *Chd) HunkSize() uint32 { return c.header.HunkBytes }

// HunkCount returns the total number of hunks.
func (c *Chd) HunkCount() uint32 { return c.header.HunkCount }

// UnitSize returns the number of bytes per unit.
func (c *Chd) UnitSize() uint32 { return c.header.UnitBytes }

// Version returns the CHD container version.
func (c *Chd) Version() uint32 { return c.header.Version }

// Parent returns the attached parent image, or nil.
func (c *Chd) Parent() *Chd { return c.parent }

// SetParent attaches a parent image for resolving parent references.
// The parent's SHA1 must match the ParentSHA1 this image declares.
func (c *Chd) SetParent(parent *Chd) error {
	if !c.header.HasParent() {
		return fmt.Errorf("%w: image declares no parent", ErrParentMismatch)
	}
	if parent == nil {
		return fmt.Errorf("%w: nil parent", ErrMissingParent)
	}
	if parent.header.SHA1 != c.header.ParentSHA1 {
		return fmt.Errorf("%w: parent sha1 %x, child wants %x",
			ErrParentMismatch, parent.header.SHA1, c.header.ParentSHA1)
	}
	c.parent = parent
	return nil
}

// Read reads from the current position, stopping at the logical size.
func (c *Chd) Read(p []byte) (int, error) {
	n, err := c.readAtDepth(p, c.pos, 0)
	c.pos += int64(n)
	return n, err
}

// ReadAt reads len(p) bytes at offset off without moving the cursor.
func (c *Chd) ReadAt(p []byte, off int64) (int, error) {
	return c.readAtDepth(p, off, 0)
}

// Seek sets the read cursor. Positions outside [0, Size] are rejected
// and leave the cursor unchanged.
func (c *Chd) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = c.pos + offset
	case io.SeekEnd:
		//nolint:gosec // Safe: logical size bounded by MaxNumHunks * MaxHunkBytes
		pos = int64(c.header.LogicalBytes) + offset
	default:
		return c.pos, fmt.Errorf("seek: invalid whence %d", whence)
	}
	//nolint:gosec // Safe: logical size bounded by MaxNumHunks * MaxHunkBytes
	if pos < 0 || pos > int64(c.header.LogicalBytes) {
		return c.pos, fmt.Errorf("%w: seek to %d", ErrOutOfBounds, pos)
	}
	c.pos = pos
	return pos, nil
}

// Write accepts and discards p. It exists so the stream can satisfy
// io.ReadWriteSeeker for consumers that demand one.
func (c *Chd) Write(p []byte) (int, error) {
	return len(p), nil
}

// Flush is a no-op companion to Write.
func (c *Chd) Flush() error { return nil }

// readAtDepth copies decoded bytes starting at off into p, crossing hunk
// boundaries as needed. depth tracks reference nesting when the read is on
// behalf of a parent hunk.
func (c *Chd) readAtDepth(p []byte, off int64, depth int) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrOutOfBounds, off)
	}
	size := c.header.LogicalBytes
	if uint64(off) >= size {
		return 0, io.EOF
	}
	clamped := false
	if remaining := size - uint64(off); uint64(len(p)) > remaining {
		p = p[:remaining]
		clamped = true
	}

	hunkBytes := uint64(c.header.HunkBytes)
	total := 0
	for total < len(p) {
		pos := uint64(off) + uint64(total)
		//nolint:gosec // Safe: pos < size implies the index fits in a uint32
		index := uint32(pos / hunkBytes)
		within := pos % hunkBytes

		data, err := c.hunk(index, depth)
		if err != nil {
			return total, err
		}
		total += copy(p[total:], data[within:])
	}
	if clamped {
		return total, io.EOF
	}
	return total, nil
}

// WriteSummary prints a human-readable description of the image to w,
// matching the layout of chdman's info output.
func (c *Chd) WriteSummary(w io.Writer) error {
	h := c.header
	compression := TagString(h.Compressors[0])
	for _, tag := range h.Compressors[1:] {
		if tag == 0 {
			break
		}
		compression += ", " + TagString(tag)
	}

	lines := []string{
		fmt.Sprintf("File Version:  %d", h.Version),
		fmt.Sprintf("Logical size:  %d bytes", h.LogicalBytes),
		fmt.Sprintf("Hunk Size:     %d bytes", h.HunkBytes),
		fmt.Sprintf("Total Hunks:   %d", h.HunkCount),
		fmt.Sprintf("Unit Size:     %d bytes", h.UnitBytes),
		fmt.Sprintf("Total Units:   %d", h.LogicalBytes/uint64(h.UnitBytes)),
		fmt.Sprintf("Compression:   %s", compression),
		fmt.Sprintf("CHD size:      %d bytes", c.fileSize),
		fmt.Sprintf("Ratio:         %.1f%%", 100*float64(c.fileSize)/float64(h.LogicalBytes)),
		fmt.Sprintf("SHA1:          %x", h.SHA1),
		fmt.Sprintf("Data SHA1:     %x", h.RawSHA1),
	}
	if h.HasParent() {
		lines = append(lines, fmt.Sprintf("Parent SHA1:   %x", h.ParentSHA1))
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
