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

package mp4

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
	"github.com/stretchr/testify/require"
)

// topLevelBoxes returns the types of the top level boxes.
func topLevelBoxes(t *testing.T, buf []byte) []string {
	t.Helper()
	var boxes []string
	for len(buf) > 0 {
		require.GreaterOrEqual(t, len(buf), 8)
		size := int(binary.BigEndian.Uint32(buf))
		require.GreaterOrEqual(t, size, 8)
		require.LessOrEqual(t, size, len(buf))
		boxes = append(boxes, string(buf[4:8]))
		buf = buf[size:]
	}
	return boxes
}

func newTestWriter(t *testing.T) (*Writer, int, int) {
	t.Helper()
	w, err := Create(filepath.Join(t.TempDir(), "test.mp4"))
	require.NoError(t, err)

	video, err := w.NewTrack(TrackVideo, 25)
	require.NoError(t, err)
	require.NoError(t, w.SetTrackConfig(video, &fmp4.CodecMJPEG{Width: 640, Height: 480}))

	audio, err := w.NewTrack(TrackAudio, 44100)
	require.NoError(t, err)
	require.NoError(t, w.SetTrackConfig(audio, &fmp4.CodecMPEG4Audio{
		Config: mpeg4audio.Config{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   44100,
			ChannelCount: 2,
		},
	}))
	return w, video, audio
}

func TestWriter(t *testing.T) {
	t.Run("fragments", func(t *testing.T) {
		w, video, audio := newTestWriter(t)
		w.partDuration = time.Second

		for i := 0; i < 60; i++ {
			require.NoError(t, w.AddSample(video, []byte{0xFF, 0xD8, byte(i)}, int64(i), i%25 == 0))
			require.NoError(t, w.AddSample(audio, []byte{0x21, byte(i)}, int64(i)*1024, true))
		}
		require.Greater(t, w.Size(), int64(0))
		require.NoError(t, w.Close())
		require.ErrorIs(t, w.Close(), ErrClosed)

		buf, err := os.ReadFile(w.Path())
		require.NoError(t, err)
		require.Equal(t, []string{
			"ftyp", "moov",
			"moof", "mdat",
			"moof", "mdat",
			"moof", "mdat",
		}, topLevelBoxes(t, buf))
		require.True(t, bytes.Contains(buf, []byte{0xFF, 0xD8, 59}))
	})
	t.Run("frozenAfterInit", func(t *testing.T) {
		w, video, _ := newTestWriter(t)
		w.partDuration = 0
		defer w.Close()

		require.NoError(t, w.AddSample(video, []byte{1}, 0, true))
		require.NoError(t, w.AddSample(video, []byte{2}, 1, true))

		_, err := w.NewTrack(TrackAudio, 8000)
		require.ErrorIs(t, err, ErrInitWritten)
		require.ErrorIs(t, w.SetMediaTimescale(video, 30), ErrInitWritten)
		require.Equal(t, uint32(25), w.Timescale(video))
	})
	t.Run("timescale", func(t *testing.T) {
		w, video, _ := newTestWriter(t)
		defer w.Close()

		require.NoError(t, w.SetMediaTimescale(video, 30))
		require.Equal(t, uint32(30), w.Timescale(video))
		require.ErrorIs(t, w.SetMediaTimescale(video, 0), ErrTimescale)
		require.ErrorIs(t, w.SetMediaTimescale(9, 30), ErrUnknownTrack)
	})
	t.Run("errors", func(t *testing.T) {
		w, err := Create(filepath.Join(t.TempDir(), "test.mp4"))
		require.NoError(t, err)
		defer w.Close()

		id, err := w.NewTrack(TrackVideo, 25)
		require.NoError(t, err)
		require.ErrorIs(t, w.AddSample(id, []byte{1}, 0, true), ErrNoTrackConfig)

		require.NoError(t, w.SetTrackConfig(id, &fmp4.CodecMJPEG{Width: 2, Height: 2}))
		require.NoError(t, w.AddSample(id, []byte{1}, 5, true))
		require.ErrorIs(t, w.AddSample(id, []byte{1}, 5, false), ErrDTS)
	})
	t.Run("empty", func(t *testing.T) {
		w, err := Create(filepath.Join(t.TempDir(), "test.mp4"))
		require.NoError(t, err)
		require.NoError(t, w.Close())

		stat, err := os.Stat(w.Path())
		require.NoError(t, err)
		require.Equal(t, int64(0), stat.Size())
	})
}
