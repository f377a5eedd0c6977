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

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
)

func init() {
	RegisterCodec(CodecFLAC, func(header *Header) Codec {
		return &flacCodec{blockSize: flacBlockSize(header.HunkBytes, 2048)}
	})
	RegisterCodec(CodecCDFLAC, func(header *Header) Codec {
		frames := int(header.HunkBytes) / cdFrameSize
		//nolint:gosec // Safe: positive and bounded by MaxHunkBytes
		sectorBytes := uint32(frames * cdMaxSectorData)
		return &cdFLACCodec{
			blockSize: flacBlockSize(sectorBytes, cdMaxSectorData),
			frames:    frames,
		}
	})
}

// flacCodec implements FLAC decompression for CHD hunks.
//
// A FLAC hunk is one byte of sample endianness ('L' or 'B') followed by
// headerless FLAC frames holding the hunk as 16-bit stereo PCM.
type flacCodec struct {
	blockSize uint16
}

// Decompress decompresses a FLAC-coded hunk.
func (c *flacCodec) Decompress(dst, src []byte) (int, error) {
	if len(src) < 1 {
		return 0, fmt.Errorf("%w: flac: empty source", ErrDecompressFailed)
	}
	var bigEndian bool
	switch src[0] {
	case 'B':
		bigEndian = true
	case 'L':
		bigEndian = false
	default:
		return 0, fmt.Errorf("%w: flac: invalid endian marker %#02x", ErrDecompressFailed, src[0])
	}

	written, _, err := decodeFLACStream(src[1:], dst, c.blockSize, bigEndian)
	if err != nil {
		return written, err
	}
	return len(dst), nil
}

// flacBlockSize computes the block size the CHD compressor would have used:
// a quarter of the payload, halved until it is at most ceiling.
func flacBlockSize(payloadBytes uint32, ceiling uint32) uint16 {
	blockSize := payloadBytes / 4
	for blockSize > ceiling {
		blockSize /= 2
	}
	//nolint:gosec // Safe: bounded by ceiling, at most 2352
	return uint16(blockSize)
}

// flacHeaderTemplate is a minimal fLaC stream header with a STREAMINFO
// block, prepended to the headerless hunk payload so the decoder library
// accepts it. Block size, sample rate and channel fields get patched in.
var flacHeaderTemplate = []byte{
	0x66, 0x4C, 0x61, 0x43, // "fLaC" magic
	0x80, 0x00, 0x00, 0x22, // STREAMINFO block header (last=1, type=0, length=34)
	0x00, 0x00, // min block size
	0x00, 0x00, // max block size
	0x00, 0x00, 0x00, // min frame size
	0x00, 0x00, 0x00, // max frame size
	0x00, 0x00, 0x0A, 0xC4, 0x42, 0xF0, // sample rate, channels, bits per sample
	0x00, 0x00, 0x00, 0x00, // total samples (upper)
	0x00, 0x00, 0x00, 0x00, // total samples (lower)
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // MD5 signature
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

// buildFLACHeader creates a synthetic stream header for 16-bit audio.
func buildFLACHeader(sampleRate uint32, numChannels uint8, blockSize uint16) []byte {
	header := make([]byte, len(flacHeaderTemplate))
	copy(header, flacHeaderTemplate)

	// Min/max block size at 0x08/0x0A, big-endian.
	header[0x08] = byte(blockSize >> 8)
	header[0x09] = byte(blockSize)
	header[0x0A] = byte(blockSize >> 8)
	header[0x0B] = byte(blockSize)

	// Sample rate (20 bits), channels-1 (3 bits), bits-1 upper bit at 0x12.
	val := (sampleRate << 4) | (uint32(numChannels-1) << 1)
	header[0x12] = byte(val >> 16)
	header[0x13] = byte(val >> 8)
	header[0x14] = byte(val)

	return header
}

// countingReader feeds the synthetic header followed by the hunk payload,
// tracking how many payload bytes the decoder consumed. The CD FLAC codec
// needs that count to find the subchannel stream.
//
// Read hands out a single byte per call. The decoder library buffers its
// input, and a larger read would let that buffer absorb payload bytes the
// FLAC stream never parses, throwing the count off. One byte per fill keeps
// bytesFromData exact.
type countingReader struct {
	header        []byte
	data          []byte
	headerPos     int
	dataPos       int
	bytesFromData int
}

func (cr *countingReader) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	if cr.headerPos < len(cr.header) {
		buf[0] = cr.header[cr.headerPos]
		cr.headerPos++
		return 1, nil
	}

	if cr.dataPos < len(cr.data) {
		buf[0] = cr.data[cr.dataPos]
		cr.dataPos++
		cr.bytesFromData++
		return 1, nil
	}

	return 0, io.EOF
}

// decodeFLACStream decodes headerless FLAC frames from payload into dst as
// interleaved 16-bit stereo samples in the requested byte order. Returns the
// number of bytes written and the number of payload bytes consumed.
func decodeFLACStream(payload, dst []byte, blockSize uint16, bigEndian bool) (int, int, error) {
	cr := &countingReader{
		header: buildFLACHeader(44100, 2, blockSize),
		data:   payload,
	}
	stream, err := flac.New(cr)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: flac init: %w", ErrDecompressFailed, err)
	}
	defer func() { _ = stream.Close() }()

	offset := 0
	for offset < len(dst) {
		audioFrame, err := stream.ParseNext()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return offset, cr.bytesFromData, fmt.Errorf("%w: flac frame: %w", ErrDecompressFailed, err)
		}
		offset, err = writeFLACFrameSamples(audioFrame, dst, offset, bigEndian)
		if err != nil {
			return offset, cr.bytesFromData, err
		}
	}
	if offset < len(dst) {
		return offset, cr.bytesFromData,
			fmt.Errorf("%w: flac: %d of %d bytes decoded", ErrDecompressFailed, offset, len(dst))
	}
	return offset, cr.bytesFromData, nil
}

// writeFLACFrameSamples writes one frame's samples into dst at offset.
func writeFLACFrameSamples(audioFrame *frame.Frame, dst []byte, offset int, bigEndian bool) (int, error) {
	if len(audioFrame.Subframes) != 2 {
		return offset, fmt.Errorf("%w: flac: expected stereo, got %d channels",
			ErrDecompressFailed, len(audioFrame.Subframes))
	}

	for i := range audioFrame.Subframes[0].NSamples {
		for ch := range 2 {
			if offset+2 > len(dst) {
				return offset, nil
			}
			sample := audioFrame.Subframes[ch].Samples[i]
			if bigEndian {
				dst[offset] = byte(sample >> 8)
				dst[offset+1] = byte(sample)
			} else {
				dst[offset] = byte(sample)
				dst[offset+1] = byte(sample >> 8)
			}
			offset += 2
		}
	}
	return offset, nil
}

// cdFLACCodec implements CD audio decompression: FLAC frames for the sector
// data (no length prefix; the stream is self-terminating) followed by a
// deflate-compressed subchannel stream.
type cdFLACCodec struct {
	blockSize uint16
	frames    int
}

// Decompress decompresses one CD FLAC hunk.
func (c *cdFLACCodec) Decompress(dst, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, fmt.Errorf("%w: cdfl: empty source", ErrDecompressFailed)
	}

	sectorBytes := c.frames * cdMaxSectorData
	subBytes := c.frames * cdMaxSubcodeData

	sectorDst := make([]byte, sectorBytes)
	_, consumed, err := decodeFLACStream(src, sectorDst, c.blockSize, true)
	if err != nil {
		return 0, fmt.Errorf("cdfl sector data: %w", err)
	}

	if consumed >= len(src) {
		return 0, fmt.Errorf("%w: cdfl: no subchannel stream after %d FLAC bytes",
			ErrDecompressFailed, consumed)
	}
	subDst := make([]byte, subBytes)
	n, err := (&zlibCodec{}).Decompress(subDst, src[consumed:])
	if err != nil {
		return 0, fmt.Errorf("cdfl subchannel data: %w", err)
	}
	if n != subBytes {
		return 0, fmt.Errorf("%w: cdfl subchannel data: %d of %d bytes",
			ErrDecompressFailed, n, subBytes)
	}

	for i := range c.frames {
		frameOut := dst[i*cdFrameSize:]
		copy(frameOut[:cdMaxSectorData], sectorDst[i*cdMaxSectorData:])
		copy(frameOut[cdMaxSectorData:cdFrameSize], subDst[i*cdMaxSubcodeData:])
	}
	return c.frames * cdFrameSize, nil
}
