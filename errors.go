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

import "errors"

// Allocation limits to prevent DoS from malicious CHD files.
const (
	// MaxCompMapLen is the maximum compressed map size (100MB).
	MaxCompMapLen = 100 * 1024 * 1024

	// MaxNumHunks is the maximum number of hunks (10M = ~200GB uncompressed).
	MaxNumHunks = 10_000_000

	// MaxHunkBytes is the maximum hunk size accepted by the header parser.
	MaxHunkBytes = 512 * 1024

	// MaxMetadataLen is the maximum metadata entry size (16MB, matches 24-bit limit).
	MaxMetadataLen = 16 * 1024 * 1024

	// MaxMetadataEntries is the maximum metadata chain entries (prevents loops).
	MaxMetadataEntries = 1000
)

// Common errors for CHD decoding.
var (
	// ErrInvalidMagic indicates the file does not have a valid CHD magic word.
	ErrInvalidMagic = errors.New("invalid CHD magic: expected MComprHD")

	// ErrInvalidHeader indicates the header structure is invalid.
	ErrInvalidHeader = errors.New("invalid CHD header")

	// ErrUnsupportedVersion indicates an unsupported CHD version.
	ErrUnsupportedVersion = errors.New("unsupported CHD version")

	// ErrMapCorrupt indicates the hunk map is structurally invalid.
	ErrMapCorrupt = errors.New("corrupt hunk map")

	// ErrInvalidHuffmanTable indicates Huffman code lengths do not form a valid code.
	ErrInvalidHuffmanTable = errors.New("invalid huffman table")

	// ErrTruncatedStream indicates a bit stream ended before decoding completed.
	ErrTruncatedStream = errors.New("truncated bit stream")

	// ErrUnknownCompressor indicates a map entry selects a codec the header
	// does not declare.
	ErrUnknownCompressor = errors.New("unknown compressor")

	// ErrUnsupportedCodec indicates a declared codec is not implemented.
	ErrUnsupportedCodec = errors.New("unsupported compression codec")

	// ErrChecksumMismatch indicates a hunk failed its CRC16 check.
	ErrChecksumMismatch = errors.New("hunk checksum mismatch")

	// ErrCyclicReference indicates a self-reference chain did not terminate.
	ErrCyclicReference = errors.New("cyclic hunk self-reference")

	// ErrCyclicParentChain indicates a parent chain did not terminate.
	ErrCyclicParentChain = errors.New("cyclic parent chain")

	// ErrMissingParent indicates a parent-hunk was read with no parent attached.
	ErrMissingParent = errors.New("missing parent CHD")

	// ErrParentMismatch indicates an attached parent's SHA1 does not match
	// the child's declared parent SHA1.
	ErrParentMismatch = errors.New("parent SHA1 mismatch")

	// ErrOutOfBounds indicates an offset or length outside the container.
	ErrOutOfBounds = errors.New("offset out of bounds")

	// ErrInvalidHunk indicates an invalid hunk index.
	ErrInvalidHunk = errors.New("invalid hunk index")

	// ErrDecompressFailed indicates decompression failed.
	ErrDecompressFailed = errors.New("decompression failed")

	// ErrNoChecksum indicates the hunk carries no checksum to verify.
	ErrNoChecksum = errors.New("hunk has no checksum")

	// ErrInvalidMetadata indicates invalid metadata format.
	ErrInvalidMetadata = errors.New("invalid metadata format")
)
