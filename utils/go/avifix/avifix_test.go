package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"stream2file/pkg/avi"
	"stream2file/pkg/media"

	"github.com/stretchr/testify/require"
)

func writeTestAVI(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "test.avi")
	w, err := avi.Create(path)
	require.NoError(t, err)

	w.SetVideoInfo(media.VideoInfo{Codec: media.VideoH264, Width: 640, Height: 480})
	require.NoError(t, w.UpdateHeader())
	require.NoError(t, w.WriteVideo([]byte{0, 0, 0, 1, 0x65, 1}, true))
	require.NoError(t, w.WriteVideo([]byte{0, 0, 0, 1, 0x41, 2}, false))
	require.NoError(t, w.Close())
	return path
}

func TestRun(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		dir := t.TempDir()
		src := writeTestAVI(t, dir)
		dst := filepath.Join(dir, "test_fixed.avi")

		var out bytes.Buffer
		require.NoError(t, run([]string{src}, &out))
		require.Equal(t, src+" ==> "+dst+", 2 packets\n", out.String())

		r, err := avi.Open(dst, nil)
		require.NoError(t, err)
		defer r.Close()
		info, ok := r.VideoInfo()
		require.True(t, ok)
		require.Equal(t, avi.DefaultRepairFPS, info.FPS)
		require.Equal(t, 2, r.VideoFrames())

		_, err = os.Stat(src)
		require.NoError(t, err)
	})
	t.Run("removeSource", func(t *testing.T) {
		dir := t.TempDir()
		src := writeTestAVI(t, dir)

		var out bytes.Buffer
		require.NoError(t, run([]string{"-r", "-o", "out.avi", "-fps", "10", src}, &out))

		_, err := os.Stat(src)
		require.True(t, errors.Is(err, os.ErrNotExist))

		r, err := avi.Open(filepath.Join(dir, "out.avi"), nil)
		require.NoError(t, err)
		defer r.Close()
		info, _ := r.VideoInfo()
		require.Equal(t, 10, info.FPS)
	})
	t.Run("notAVI", func(t *testing.T) {
		var out bytes.Buffer
		err := run([]string{filepath.Join(t.TempDir(), "x.mp4")}, &out)
		require.True(t, errors.Is(err, avi.ErrNotAVI))
	})
	t.Run("usage", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, run(nil, &out))
		require.Equal(t, usage+"\n", out.String())
	})
}
