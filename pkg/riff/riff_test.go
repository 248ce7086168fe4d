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

package riff

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendChunk(t *testing.T) {
	cases := []struct {
		name     string
		payload  []byte
		expected []byte
	}{
		{
			"even",
			[]byte{1, 2},
			[]byte{
				'0', '0', 'd', 'c', // ID.
				2, 0, 0, 0, // Size.
				1, 2, // Payload.
			},
		},
		{
			"odd",
			[]byte{1, 2, 3},
			[]byte{
				'0', '0', 'd', 'c', // ID.
				3, 0, 0, 0, // Size.
				1, 2, 3, // Payload.
				0, // Padding.
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			actual := AppendChunk(nil, NewFourCC("00dc"), tc.payload)
			require.Equal(t, tc.expected, actual)
		})
	}
}

func TestReadHeaderAt(t *testing.T) {
	data := []byte{
		'L', 'I', 'S', 'T',
		4, 0, 0, 0,
		'm', 'o', 'v', 'i',
	}
	r := bytes.NewReader(data)

	t.Run("ok", func(t *testing.T) {
		h, err := ReadHeaderAt(r, 0, int64(len(data)))
		require.NoError(t, err)
		require.Equal(t, Header{ID: IDLIST, Size: 4}, h)
	})
	t.Run("list", func(t *testing.T) {
		h, listType, err := ReadListAt(r, 0, int64(len(data)))
		require.NoError(t, err)
		require.Equal(t, uint32(4), h.Size)
		require.Equal(t, "movi", listType.String())
	})
	t.Run("bounds", func(t *testing.T) {
		_, err := ReadHeaderAt(r, 8, int64(len(data)))
		require.True(t, errors.Is(err, ErrChunkBounds))
	})
}

func TestPadded(t *testing.T) {
	require.Equal(t, int64(0), Padded(0))
	require.Equal(t, int64(2), Padded(1))
	require.Equal(t, int64(2), Padded(2))
	require.Equal(t, int64(8), Header{Size: 7}.Padded())
}
