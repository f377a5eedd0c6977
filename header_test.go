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
	"encoding/binary"
	"errors"
	"testing"
)

func validHeaderBytes() []byte {
	return writeHeaderV5(imageConfig{
		hunkBytes:   4096,
		unitBytes:   512,
		logical:     8 * 4096,
		compressors: [4]uint32{CodecZlib, CodecLZMA},
	}, 124, 0)
}

func TestParseHeader(t *testing.T) {
	t.Parallel()

	header, err := parseHeader(bytes.NewReader(validHeaderBytes()))
	if err != nil {
		t.Fatalf("parseHeader failed: %v", err)
	}
	if header.Version != 5 {
		t.Errorf("Version = %d, want 5", header.Version)
	}
	if header.Compressors[0] != CodecZlib || header.Compressors[1] != CodecLZMA {
		t.Errorf("Compressors = %x", header.Compressors)
	}
	if header.HunkCount != 8 {
		t.Errorf("HunkCount = %d, want 8", header.HunkCount)
	}
	if !header.IsCompressed() {
		t.Error("IsCompressed = false for a zlib image")
	}
	if header.HasParent() {
		t.Error("HasParent = true with a zero parent SHA1")
	}
}

func TestParseHeaderErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func([]byte)
		wantErr error
	}{
		{
			name:    "bad magic",
			mutate:  func(b []byte) { b[0] = 'X' },
			wantErr: ErrInvalidMagic,
		},
		{
			name:    "version 4",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[12:16], 4) },
			wantErr: ErrUnsupportedVersion,
		},
		{
			name:    "wrong header length",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[8:12], 120) },
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "zero hunk size",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[56:60], 0) },
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "oversized hunk",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[56:60], MaxHunkBytes+1) },
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "unit does not divide hunk",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[60:64], 700) },
			wantErr: ErrInvalidHeader,
		},
		{
			name:    "unit larger than hunk",
			mutate:  func(b []byte) { binary.BigEndian.PutUint32(b[60:64], 8192) },
			wantErr: ErrInvalidHeader,
		},
		{
			name: "absurd hunk count",
			mutate: func(b []byte) {
				binary.BigEndian.PutUint32(b[56:60], 512)
				binary.BigEndian.PutUint32(b[60:64], 512)
				binary.BigEndian.PutUint64(b[32:40], 1<<62)
			},
			wantErr: ErrInvalidHeader,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			buf := validHeaderBytes()
			tt.mutate(buf)
			if _, err := parseHeader(bytes.NewReader(buf)); !errors.Is(err, tt.wantErr) {
				t.Fatalf("parseHeader = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseHeaderShortFile(t *testing.T) {
	t.Parallel()

	if _, err := parseHeader(bytes.NewReader(validHeaderBytes()[:60])); err == nil {
		t.Fatal("parseHeader accepted a truncated header")
	}
}

func TestNewRejectsTinyFile(t *testing.T) {
	t.Parallel()

	_, err := New(bytes.NewReader(make([]byte, 16)), 16)
	if !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("New = %v, want ErrInvalidHeader", err)
	}
}
