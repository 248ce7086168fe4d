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

package avi

import (
	"encoding/binary"
	"errors"
	"fmt"

	"stream2file/pkg/riff"
)

// Fixed structure sizes.
const (
	mainHeaderSize   = 56
	streamHeaderSize = 64
	bitmapInfoSize   = 40
	waveFormatSize   = 18
)

// MaxExtraSize largest accepted codec extradata.
const MaxExtraSize = 1024

// ErrHeaderSize structure has the wrong size.
var ErrHeaderSize = errors.New("invalid header size")

var le = binary.LittleEndian

// Main header flags.
const (
	flagHasIndex     = 0x10
	flagIsInterleave = 0x100
)

// MainHeader avih.
type MainHeader struct {
	MicroSecPerFrame    uint32
	MaxBytesPerSec      uint32
	PaddingGranularity  uint32
	Flags               uint32
	TotalFrames         uint32
	InitialFrames       uint32
	Streams             uint32
	SuggestedBufferSize uint32
	Width               uint32
	Height              uint32
}

// Marshal header.
func (h MainHeader) Marshal() []byte {
	b := make([]byte, mainHeaderSize)
	le.PutUint32(b[0:], h.MicroSecPerFrame)
	le.PutUint32(b[4:], h.MaxBytesPerSec)
	le.PutUint32(b[8:], h.PaddingGranularity)
	le.PutUint32(b[12:], h.Flags)
	le.PutUint32(b[16:], h.TotalFrames)
	le.PutUint32(b[20:], h.InitialFrames)
	le.PutUint32(b[24:], h.Streams)
	le.PutUint32(b[28:], h.SuggestedBufferSize)
	le.PutUint32(b[32:], h.Width)
	le.PutUint32(b[36:], h.Height)
	// 16 reserved bytes.
	return b
}

// Unmarshal header.
func (h *MainHeader) Unmarshal(b []byte) error {
	if len(b) != mainHeaderSize {
		return fmt.Errorf("%w: avih %d", ErrHeaderSize, len(b))
	}
	h.MicroSecPerFrame = le.Uint32(b[0:])
	h.MaxBytesPerSec = le.Uint32(b[4:])
	h.PaddingGranularity = le.Uint32(b[8:])
	h.Flags = le.Uint32(b[12:])
	h.TotalFrames = le.Uint32(b[16:])
	h.InitialFrames = le.Uint32(b[20:])
	h.Streams = le.Uint32(b[24:])
	h.SuggestedBufferSize = le.Uint32(b[28:])
	h.Width = le.Uint32(b[32:])
	h.Height = le.Uint32(b[36:])
	return nil
}

// Stream types.
var (
	streamVideo = riff.NewFourCC("vids")
	streamAudio = riff.NewFourCC("auds")
)

// StreamHeader strh.
type StreamHeader struct {
	Type                riff.FourCC
	Handler             riff.FourCC
	Flags               uint32
	Priority            uint16
	Language            uint16
	InitialFrames       uint32
	Scale               uint32
	Rate                uint32
	Start               uint32
	Length              uint32
	SuggestedBufferSize uint32
	Quality             uint32
	SampleSize          uint32
	Frame               [4]int32 // Left, top, right, bottom.
}

// Marshal header.
func (h StreamHeader) Marshal() []byte {
	b := make([]byte, streamHeaderSize)
	copy(b[0:4], h.Type[:])
	copy(b[4:8], h.Handler[:])
	le.PutUint32(b[8:], h.Flags)
	le.PutUint16(b[12:], h.Priority)
	le.PutUint16(b[14:], h.Language)
	le.PutUint32(b[16:], h.InitialFrames)
	le.PutUint32(b[20:], h.Scale)
	le.PutUint32(b[24:], h.Rate)
	le.PutUint32(b[28:], h.Start)
	le.PutUint32(b[32:], h.Length)
	le.PutUint32(b[36:], h.SuggestedBufferSize)
	le.PutUint32(b[40:], h.Quality)
	le.PutUint32(b[44:], h.SampleSize)
	for i, v := range h.Frame {
		le.PutUint32(b[48+i*4:], uint32(v))
	}
	return b
}

// Unmarshal header.
func (h *StreamHeader) Unmarshal(b []byte) error {
	if len(b) != streamHeaderSize {
		return fmt.Errorf("%w: strh %d", ErrHeaderSize, len(b))
	}
	copy(h.Type[:], b[0:4])
	copy(h.Handler[:], b[4:8])
	h.Flags = le.Uint32(b[8:])
	h.Priority = le.Uint16(b[12:])
	h.Language = le.Uint16(b[14:])
	h.InitialFrames = le.Uint32(b[16:])
	h.Scale = le.Uint32(b[20:])
	h.Rate = le.Uint32(b[24:])
	h.Start = le.Uint32(b[28:])
	h.Length = le.Uint32(b[32:])
	h.SuggestedBufferSize = le.Uint32(b[36:])
	h.Quality = le.Uint32(b[40:])
	h.SampleSize = le.Uint32(b[44:])
	for i := range h.Frame {
		h.Frame[i] = int32(le.Uint32(b[48+i*4:]))
	}
	return nil
}

// BitmapInfoHeader video strf.
type BitmapInfoHeader struct {
	Width         int32
	Height        int32
	Planes        uint16
	BitCount      uint16
	Compression   riff.FourCC
	SizeImage     uint32
	XPelsPerMeter int32
	YPelsPerMeter int32
	ClrUsed       uint32
	ClrImportant  uint32
}

// Marshal header.
func (h BitmapInfoHeader) Marshal() []byte {
	b := make([]byte, bitmapInfoSize)
	le.PutUint32(b[0:], bitmapInfoSize)
	le.PutUint32(b[4:], uint32(h.Width))
	le.PutUint32(b[8:], uint32(h.Height))
	le.PutUint16(b[12:], h.Planes)
	le.PutUint16(b[14:], h.BitCount)
	copy(b[16:20], h.Compression[:])
	le.PutUint32(b[20:], h.SizeImage)
	le.PutUint32(b[24:], uint32(h.XPelsPerMeter))
	le.PutUint32(b[28:], uint32(h.YPelsPerMeter))
	le.PutUint32(b[32:], h.ClrUsed)
	le.PutUint32(b[36:], h.ClrImportant)
	return b
}

// Unmarshal header.
func (h *BitmapInfoHeader) Unmarshal(b []byte) error {
	if len(b) != bitmapInfoSize {
		return fmt.Errorf("%w: video strf %d", ErrHeaderSize, len(b))
	}
	h.Width = int32(le.Uint32(b[4:]))
	h.Height = int32(le.Uint32(b[8:]))
	h.Planes = le.Uint16(b[12:])
	h.BitCount = le.Uint16(b[14:])
	copy(h.Compression[:], b[16:20])
	h.SizeImage = le.Uint32(b[20:])
	h.XPelsPerMeter = int32(le.Uint32(b[24:]))
	h.YPelsPerMeter = int32(le.Uint32(b[28:]))
	h.ClrUsed = le.Uint32(b[32:])
	h.ClrImportant = le.Uint32(b[36:])
	return nil
}

// WaveFormatEx audio strf, Extra follows the fixed 18 bytes.
type WaveFormatEx struct {
	FormatTag      uint16
	Channels       uint16
	SamplesPerSec  uint32
	AvgBytesPerSec uint32
	BlockAlign     uint16
	BitsPerSample  uint16
	Extra          []byte
}

// Size marshaled size.
func (h WaveFormatEx) Size() int {
	return waveFormatSize + len(h.Extra)
}

// Marshal header.
func (h WaveFormatEx) Marshal() []byte {
	b := make([]byte, h.Size())
	le.PutUint16(b[0:], h.FormatTag)
	le.PutUint16(b[2:], h.Channels)
	le.PutUint32(b[4:], h.SamplesPerSec)
	le.PutUint32(b[8:], h.AvgBytesPerSec)
	le.PutUint16(b[12:], h.BlockAlign)
	le.PutUint16(b[14:], h.BitsPerSample)
	le.PutUint16(b[16:], uint16(len(h.Extra)))
	copy(b[18:], h.Extra)
	return b
}

// Unmarshal header. The size must be exactly 18 bytes plus cbSize.
func (h *WaveFormatEx) Unmarshal(b []byte) error {
	if len(b) < waveFormatSize {
		return fmt.Errorf("%w: audio strf %d", ErrHeaderSize, len(b))
	}
	cbSize := int(le.Uint16(b[16:]))
	if len(b) != waveFormatSize+cbSize || cbSize > MaxExtraSize {
		return fmt.Errorf("%w: audio strf %d, cbSize %d", ErrHeaderSize, len(b), cbSize)
	}
	h.FormatTag = le.Uint16(b[0:])
	h.Channels = le.Uint16(b[2:])
	h.SamplesPerSec = le.Uint32(b[4:])
	h.AvgBytesPerSec = le.Uint32(b[8:])
	h.BlockAlign = le.Uint16(b[12:])
	h.BitsPerSample = le.Uint16(b[14:])
	h.Extra = nil
	if cbSize > 0 {
		h.Extra = append([]byte(nil), b[18:]...)
	}
	return nil
}
