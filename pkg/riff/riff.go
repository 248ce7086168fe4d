// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package riff reads and writes little-endian RIFF chunk headers.
package riff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FourCC four character code.
type FourCC [4]byte

func (f FourCC) String() string {
	return string(f[:])
}

// NewFourCC converts a string of length 4 to FourCC.
func NewFourCC(s string) FourCC {
	var f FourCC
	copy(f[:], s)
	return f
}

// Chunk identifiers shared by all RIFF forms.
var (
	IDRIFF = NewFourCC("RIFF")
	IDLIST = NewFourCC("LIST")
	IDJUNK = NewFourCC("JUNK")
)

// Header sizes.
const (
	HeaderSize     = 8  // ID + size.
	ListHeaderSize = 12 // ID + size + list type.
)

// Errors.
var (
	ErrChunkBounds = errors.New("chunk exceeds bounds")
	ErrShortHeader = errors.New("short chunk header")
)

// Header chunk header.
type Header struct {
	ID   FourCC
	Size uint32 // Payload size excluding padding.
}

// Padded payload size rounded up to even.
func (h Header) Padded() int64 {
	return Padded(h.Size)
}

// Padded rounds size up to even.
func Padded(size uint32) int64 {
	return int64(size) + int64(size&1)
}

// Marshal header into the first 8 bytes of buf.
func (h Header) Marshal(buf []byte) {
	copy(buf[0:4], h.ID[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.Size)
}

// Unmarshal header from the first 8 bytes of buf.
func (h *Header) Unmarshal(buf []byte) error {
	if len(buf) < HeaderSize {
		return ErrShortHeader
	}
	copy(h.ID[:], buf[0:4])
	h.Size = binary.LittleEndian.Uint32(buf[4:8])
	return nil
}

// ReadHeaderAt reads the chunk header at off. The header itself must end
// before limit, the payload bounds are checked by the caller.
func ReadHeaderAt(r io.ReaderAt, off int64, limit int64) (Header, error) {
	if off+HeaderSize > limit {
		return Header{}, fmt.Errorf("%w: header at %d, limit %d", ErrChunkBounds, off, limit)
	}
	var buf [HeaderSize]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return Header{}, fmt.Errorf("read header at %d: %w", off, err)
	}
	var h Header
	h.Unmarshal(buf[:]) //nolint:errcheck
	return h, nil
}

// ReadListAt reads a LIST or RIFF header and its list type at off.
func ReadListAt(r io.ReaderAt, off int64, limit int64) (Header, FourCC, error) {
	if off+ListHeaderSize > limit {
		return Header{}, FourCC{}, fmt.Errorf("%w: list at %d, limit %d", ErrChunkBounds, off, limit)
	}
	var buf [ListHeaderSize]byte
	if _, err := r.ReadAt(buf[:], off); err != nil {
		return Header{}, FourCC{}, fmt.Errorf("read list at %d: %w", off, err)
	}
	var h Header
	h.Unmarshal(buf[:]) //nolint:errcheck
	var listType FourCC
	copy(listType[:], buf[8:12])
	return h, listType, nil
}

// PutList writes a 12 byte list header into buf.
func PutList(buf []byte, id FourCC, size uint32, listType FourCC) {
	Header{ID: id, Size: size}.Marshal(buf)
	copy(buf[8:12], listType[:])
}

// AppendChunk appends a padded chunk to buf.
func AppendChunk(buf []byte, id FourCC, payload []byte) []byte {
	var hdr [HeaderSize]byte
	Header{ID: id, Size: uint32(len(payload))}.Marshal(hdr[:])
	buf = append(buf, hdr[:]...)
	buf = append(buf, payload...)
	if len(payload)&1 == 1 {
		buf = append(buf, 0)
	}
	return buf
}
