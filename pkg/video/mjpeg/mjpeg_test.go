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
	"testing"

	"github.com/stretchr/testify/require"
)

func testImage(sof []byte) []byte {
	image := []byte{
		0xFF, 0xD8, // SOI.
		0xFF, 0xE0, 0, 6, 'J', 'F', 'I', 'F', // APP0.
		0xFF, 0xDB, 0, 3, 0, // DQT.
	}
	image = append(image, sof...)
	return append(image,
		0xFF, 0xDA, 0, 2, // SOS.
		1, 2, 3,
	)
}

func TestSize(t *testing.T) {
	t.Run("color", func(t *testing.T) {
		sof := []byte{
			0xFF, 0xC0, 0, 17, // SOF0.
			8,          // Precision.
			0x01, 0xE0, // Height.
			0x02, 0x80, // Width.
			3,          // Components.
			1, 0x22, 0,
			2, 0x11, 1,
			3, 0x11, 1,
		}
		w, h, err := Size(testImage(sof))
		require.NoError(t, err)
		require.Equal(t, 640, w)
		require.Equal(t, 480, h)
	})
	t.Run("grayscale", func(t *testing.T) {
		sof := []byte{
			0xFF, 0xC0, 0, 11, // SOF0.
			8,          // Precision.
			0x00, 0x48, // Height.
			0x00, 0x50, // Width.
			1,          // Components.
			1, 0x11, 0,
		}
		w, h, err := Size(testImage(sof))
		require.NoError(t, err)
		require.Equal(t, 80, w)
		require.Equal(t, 72, h)
	})
	t.Run("noSOF", func(t *testing.T) {
		_, _, err := Size(testImage(nil))
		require.True(t, errors.Is(err, ErrNoSOF))
	})
	t.Run("invalidHeader", func(t *testing.T) {
		_, _, err := Size([]byte{0, 0, 0, 1})
		require.True(t, errors.Is(err, ErrInvalidHeader))
	})
	t.Run("truncated", func(t *testing.T) {
		_, _, err := Size([]byte{0xFF, 0xD8, 0xFF, 0xC0, 0, 17, 8})
		require.True(t, errors.Is(err, ErrNotEnoughData))
	})
}
