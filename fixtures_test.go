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
	"bytes"
	"compress/flate"
	"encoding/binary"
	"testing"

	"github.com/sigurn/crc16"
)

// bitWriter is the write-side mirror of bitReader, for building test streams.
type bitWriter struct {
	data []byte
	acc  uint64
	n    int
}

func (bw *bitWriter) write(val uint32, bits int) {
	bw.acc = (bw.acc << bits) | (uint64(val) & ((1 << bits) - 1))
	bw.n += bits
	for bw.n >= 8 {
		bw.n -= 8
		bw.data = append(bw.data, byte(bw.acc>>bw.n))
	}
}

func (bw *bitWriter) finish() []byte {
	if bw.n > 0 {
		bw.data = append(bw.data, byte(bw.acc<<(8-bw.n)))
		bw.n = 0
	}
	return bw.data
}

// fillPattern produces deterministic non-trivial hunk content.
func fillPattern(seed byte, n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i*7%251)
	}
	return data
}

// deflateBytes compresses data as a raw deflate stream.
func deflateBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter failed: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("flate write failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("flate close failed: %v", err)
	}
	return buf.Bytes()
}

// testHunk describes one hunk of a synthetic compressed image.
type testHunk struct {
	compType uint8
	data     []byte // decompressed hunk content (codec and none types)
	payload  []byte // bytes stored in the file (codec, none and mini types)
	ref      uint64 // self hunk index or parent unit index
}

// zlibHunk builds a codec-compressed hunk for compressor slot 0.
func zlibHunk(t *testing.T, data []byte) testHunk {
	t.Helper()
	return testHunk{
		compType: compressionType0,
		data:     data,
		payload:  deflateBytes(t, data),
	}
}

// noneHunk builds an uncompressed hunk.
func noneHunk(data []byte) testHunk {
	return testHunk{compType: compressionNone, data: data, payload: data}
}

// miniHunk builds a hunk holding tile repeated to fill hunkBytes.
func miniHunk(tile []byte, hunkBytes uint32) testHunk {
	data := make([]byte, hunkBytes)
	for i := range data {
		data[i] = tile[i%len(tile)]
	}
	return testHunk{compType: compressionMini, data: data, payload: tile}
}

// selfHunk builds a reference to another hunk in the same image.
func selfHunk(target uint32) testHunk {
	return testHunk{compType: compressionSelf, ref: uint64(target)}
}

// parentHunk builds a reference to a unit index in the parent image.
func parentHunk(unit uint64) testHunk {
	return testHunk{compType: compressionParent, ref: unit}
}

// imageConfig collects header fields for the synthetic image builders.
type imageConfig struct {
	hunkBytes   uint32
	unitBytes   uint32
	logical     uint64
	compressors [4]uint32
	sha1        [20]byte
	parentSHA1  [20]byte
}

// writeHeaderV5 serializes a 124-byte header.
func writeHeaderV5(cfg imageConfig, mapOffset, metaOffset uint64) []byte {
	buf := make([]byte, headerSizeV5)
	copy(buf[0:8], chdMagic[:])
	binary.BigEndian.PutUint32(buf[8:12], headerSizeV5)
	binary.BigEndian.PutUint32(buf[12:16], 5)
	for i, tag := range cfg.compressors {
		binary.BigEndian.PutUint32(buf[16+4*i:20+4*i], tag)
	}
	binary.BigEndian.PutUint64(buf[32:40], cfg.logical)
	binary.BigEndian.PutUint64(buf[40:48], mapOffset)
	binary.BigEndian.PutUint64(buf[48:56], metaOffset)
	binary.BigEndian.PutUint32(buf[56:60], cfg.hunkBytes)
	binary.BigEndian.PutUint32(buf[60:64], cfg.unitBytes)
	copy(buf[84:104], cfg.sha1[:])
	copy(buf[104:124], cfg.parentSHA1[:])
	return buf
}

// Map encoding widths used by the builders.
const (
	testLengthBits = 20
	testSelfBits   = 16
	testParentBits = 24
)

// buildCompressedImage assembles a complete CHD V5 file with a compressed
// map: header, hunk payloads packed back to back, then the map. The map's
// Huffman tree gives every compression type a 4-bit code equal to its value.
func buildCompressedImage(t *testing.T, cfg imageConfig, hunks []testHunk) []byte {
	t.Helper()

	var blocks []byte
	offsets := make([]uint64, len(hunks))
	cur := uint64(headerSizeV5)
	for i, h := range hunks {
		switch h.compType {
		case compressionSelf, compressionParent:
			offsets[i] = h.ref
		default:
			offsets[i] = cur
			blocks = append(blocks, h.payload...)
			cur += uint64(len(h.payload))
		}
	}
	mapOffset := cur
	firstOffs := uint64(headerSizeV5)

	// Expanded map, for the checksum the decoder validates against.
	raw := make([]byte, mapEntryBytes*len(hunks))
	crcs := make([]uint16, len(hunks))
	for i, h := range hunks {
		var length uint32
		switch h.compType {
		case compressionSelf, compressionParent:
		default:
			length = uint32(len(h.payload))
			crcs[i] = crc16.Checksum(h.data, crc16Table)
		}
		entry := raw[mapEntryBytes*i:]
		entry[0] = h.compType
		writeBE24(entry[1:4], length)
		writeBE48(entry[4:10], offsets[i])
		binary.BigEndian.PutUint16(entry[10:12], crcs[i])
	}
	mapCRC := crc16.Checksum(raw, crc16Table)

	bw := &bitWriter{}
	// A flat tree: all 16 symbols at length 4, so symbol i encodes as i.
	for range 16 {
		bw.write(4, 4)
	}
	for _, h := range hunks {
		bw.write(uint32(h.compType), 4)
	}
	for i, h := range hunks {
		switch h.compType {
		case compressionSelf:
			bw.write(uint32(h.ref), testSelfBits)
		case compressionParent:
			bw.write(uint32(h.ref), testParentBits)
		case compressionNone:
			bw.write(uint32(crcs[i]), 16)
		default:
			bw.write(uint32(len(h.payload)), testLengthBits)
			bw.write(uint32(crcs[i]), 16)
		}
	}
	compMap := bw.finish()

	mapHeader := make([]byte, 16)
	binary.BigEndian.PutUint32(mapHeader[0:4], uint32(len(compMap)))
	writeBE48(mapHeader[4:10], firstOffs)
	binary.BigEndian.PutUint16(mapHeader[10:12], mapCRC)
	mapHeader[12] = testLengthBits
	mapHeader[13] = testSelfBits
	mapHeader[14] = testParentBits

	img := writeHeaderV5(cfg, mapOffset, 0)
	img = append(img, blocks...)
	img = append(img, mapHeader...)
	img = append(img, compMap...)
	return img
}

// buildUncompressedImage assembles a CHD V5 file with a raw map. Hunk data
// lands at hunk-aligned file offsets, as the 4-byte map encoding requires.
func buildUncompressedImage(cfg imageConfig, hunkData [][]byte) []byte {
	hunkBytes := uint64(cfg.hunkBytes)
	mapOffset := uint64(headerSizeV5)
	dataStart := (mapOffset + 4*uint64(len(hunkData)) + hunkBytes - 1) / hunkBytes * hunkBytes

	img := writeHeaderV5(cfg, mapOffset, 0)
	for i := range hunkData {
		var enc [4]byte
		binary.BigEndian.PutUint32(enc[:], uint32((dataStart+uint64(i)*hunkBytes)/hunkBytes))
		img = append(img, enc[:]...)
	}
	img = append(img, make([]byte, int(dataStart)-len(img))...)
	for _, data := range hunkData {
		block := make([]byte, hunkBytes)
		copy(block, data)
		img = append(img, block...)
	}
	return img
}

// appendMetadata appends a metadata chain to img and points the header at it.
func appendMetadata(img []byte, entries []MetadataEntry) []byte {
	offset := uint64(len(img))
	binary.BigEndian.PutUint64(img[48:56], offset)
	for i, entry := range entries {
		raw := make([]byte, metadataHeaderBytes)
		binary.BigEndian.PutUint32(raw[0:4], entry.Tag)
		raw[4] = entry.Flags
		writeBE24(raw[5:8], uint32(len(entry.Data)))
		if i < len(entries)-1 {
			next := offset + uint64(metadataHeaderBytes+len(entry.Data))
			binary.BigEndian.PutUint64(raw[8:16], next)
			offset = next
		}
		img = append(img, raw...)
		img = append(img, entry.Data...)
	}
	return img
}

// openImage wraps a serialized image in a Chd.
func openImage(t *testing.T, img []byte) *Chd {
	t.Helper()
	c, err := New(bytes.NewReader(img), int64(len(img)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}
