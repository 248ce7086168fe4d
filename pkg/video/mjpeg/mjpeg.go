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

package mjpeg

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/jpeg"
)

// Errors.
var (
	ErrInvalidHeader = errors.New("invalid header")
	ErrNotEnoughData = errors.New("not enough data")
	ErrNoSOF         = errors.New("SOF not found")
)

// Size returns the dimensions stored in the SOF0 segment of a JPEG image.
func Size(image []byte) (int, int, error) {
	if len(image) < 2 || image[0] != 0xFF || image[1] != jpeg.MarkerStartOfImage {
		return 0, 0, ErrInvalidHeader
	}

	pos := 2
	for {
		if len(image)-pos < 2 {
			return 0, 0, ErrNotEnoughData
		}
		if image[pos] != 0xFF {
			return 0, 0, fmt.Errorf("%w: 0x%.2x at %d", ErrInvalidHeader, image[pos], pos)
		}
		marker := image[pos+1]

		switch {
		case marker == 0xFF:
			// Fill byte.
			pos++
			continue
		case marker >= 0xD0 && marker <= 0xD7, marker == 0x01:
			// Markers without payload.
			pos += 2
			continue
		case marker == jpeg.MarkerStartOfScan:
			return 0, 0, ErrNoSOF
		}

		if len(image)-pos < 4 {
			return 0, 0, ErrNotEnoughData
		}
		mlen := int(image[pos+2])<<8 | int(image[pos+3])
		if mlen < 2 || len(image)-pos-2 < mlen {
			return 0, 0, ErrNotEnoughData
		}
		if marker == jpeg.MarkerStartOfFrame1 {
			return sofSize(image[pos+4 : pos+2+mlen])
		}
		pos += 2 + mlen
	}
}

func sofSize(payload []byte) (int, int, error) {
	var sof jpeg.StartOfFrame1
	if err := sof.Unmarshal(payload); err == nil {
		return sof.Width, sof.Height, nil
	}

	// Fall back to the raw fields for layouts mediacommon rejects,
	// grayscale images for example.
	if len(payload) < 5 {
		return 0, 0, ErrNotEnoughData
	}
	height := int(payload[1])<<8 | int(payload[2])
	width := int(payload[3])<<8 | int(payload[4])
	return width, height, nil
}
