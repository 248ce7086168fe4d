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

// Package mpeg4video reads the video object layer of MPEG-4 Part 2 streams.
package mpeg4video

import (
	"bytes"
	"errors"
	"fmt"

	"stream2file/pkg/video/golomb"

	"github.com/icza/bitio"
)

// Start codes.
const (
	VisualObjectSequenceStartCode = 0xB0
	VisualObjectStartCode         = 0xB5
	VOPStartCode                  = 0xB6
	GroupOfVOPStartCode           = 0xB3

	videoObjectLayerFirst = 0x20
	videoObjectLayerLast  = 0x2F
)

const (
	shapeRectangular = 0
	shapeGrayscale   = 3
	aspectExtended   = 0x0F
)

// Errors.
var (
	ErrNoVOL       = errors.New("video object layer not found")
	ErrUnsupported = errors.New("unsupported video object layer")
)

// VOL decoded video object layer header.
type VOL struct {
	VideoObjectTypeIndication uint8
	VOPTimeIncrementRes       uint16
	FixedVOPRate              bool
	FixedVOPTimeIncrement     uint16
	Width                     int
	Height                    int
}

// FPS returns the fixed frame rate or zero when the rate is variable.
func (v VOL) FPS() float64 {
	if !v.FixedVOPRate || v.FixedVOPTimeIncrement == 0 {
		return 0
	}
	return float64(v.VOPTimeIncrementRes) / float64(v.FixedVOPTimeIncrement)
}

// findStartCode returns the position after the next 00 00 01 prefix
// whose code satisfies match, or -1.
func findStartCode(buf []byte, match func(byte) bool) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 && match(buf[i+3]) {
			return i + 3
		}
	}
	return -1
}

func isVOL(code byte) bool {
	return code >= videoObjectLayerFirst && code <= videoObjectLayerLast
}

// Config returns the stream headers preceding the first VOP. The
// result is empty if the buffer starts with a VOP.
func Config(buf []byte) []byte {
	pos := findStartCode(buf, func(c byte) bool { return c == VOPStartCode })
	if pos < 0 {
		return buf
	}
	return buf[:pos-3]
}

// HasConfig true if the buffer contains a video object layer header.
func HasConfig(buf []byte) bool {
	return findStartCode(buf, isVOL) >= 0
}

// IsKeyFrame true if the first VOP in the buffer is intra coded.
func IsKeyFrame(buf []byte) bool {
	pos := findStartCode(buf, func(c byte) bool { return c == VOPStartCode })
	if pos < 0 || pos+1 >= len(buf) {
		return false
	}
	return buf[pos+1]>>6 == 0
}

// Unmarshal finds and decodes the first video object layer in buf.
func (v *VOL) Unmarshal(buf []byte) error {
	// ref: ISO/IEC 14496-2 6.2.3
	pos := findStartCode(buf, isVOL)
	if pos < 0 {
		return ErrNoVOL
	}
	*v = VOL{}
	br := bitio.NewReader(bytes.NewReader(buf[pos+1:]))

	// random_accessible_vol.
	if err := golomb.Skip(br, 1); err != nil {
		return err
	}
	tmp, err := br.ReadBits(8)
	if err != nil {
		return err
	}
	v.VideoObjectTypeIndication = uint8(tmp)

	verid := uint64(1)
	isIdentifier, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if isIdentifier {
		if verid, err = br.ReadBits(4); err != nil {
			return err
		}
		// video_object_layer_priority.
		if err := golomb.Skip(br, 3); err != nil {
			return err
		}
	}

	aspect, err := br.ReadBits(4)
	if err != nil {
		return err
	}
	if aspect == aspectExtended {
		if err := golomb.Skip(br, 16); err != nil {
			return err
		}
	}

	if err := skipVOLControl(br); err != nil {
		return err
	}

	shape, err := br.ReadBits(2)
	if err != nil {
		return err
	}
	if shape == shapeGrayscale && verid != 1 {
		// video_object_layer_shape_extension.
		if err := golomb.Skip(br, 4); err != nil {
			return err
		}
	}
	if err := readMarker(br); err != nil {
		return err
	}

	if tmp, err = br.ReadBits(16); err != nil {
		return err
	}
	v.VOPTimeIncrementRes = uint16(tmp)
	if v.VOPTimeIncrementRes == 0 {
		return fmt.Errorf("%w: zero time increment resolution", ErrUnsupported)
	}
	if err := readMarker(br); err != nil {
		return err
	}

	if v.FixedVOPRate, err = golomb.ReadFlag(br); err != nil {
		return err
	}
	if v.FixedVOPRate {
		n := incrementBits(v.VOPTimeIncrementRes)
		if tmp, err = br.ReadBits(n); err != nil {
			return err
		}
		v.FixedVOPTimeIncrement = uint16(tmp)
	}

	if shape != shapeRectangular {
		return fmt.Errorf("%w: shape %d", ErrUnsupported, shape)
	}
	if err := readMarker(br); err != nil {
		return err
	}
	if tmp, err = br.ReadBits(13); err != nil {
		return err
	}
	v.Width = int(tmp)
	if err := readMarker(br); err != nil {
		return err
	}
	if tmp, err = br.ReadBits(13); err != nil {
		return err
	}
	v.Height = int(tmp)
	return nil
}

func skipVOLControl(br *bitio.Reader) error {
	present, err := golomb.ReadFlag(br)
	if err != nil || !present {
		return err
	}
	// chroma_format, low_delay.
	if err := golomb.Skip(br, 3); err != nil {
		return err
	}
	vbv, err := golomb.ReadFlag(br)
	if err != nil || !vbv {
		return err
	}
	// vbv_parameters including their marker bits.
	return golomb.Skip(br, 15+1+15+1+15+1+3+11+1+15+1)
}

func readMarker(br *bitio.Reader) error {
	ok, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: missing marker bit", ErrUnsupported)
	}
	return nil
}

// incrementBits number of bits needed to store res-1, minimum 1.
func incrementBits(res uint16) uint8 {
	n := uint8(0)
	for v := res - 1; v > 0; v >>= 1 {
		n++
	}
	if n == 0 {
		return 1
	}
	return n
}
