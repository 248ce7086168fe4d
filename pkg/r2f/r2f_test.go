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

package r2f

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stream2file/pkg/avi"
	"stream2file/pkg/client"
	"stream2file/pkg/client/clientmock"
	"stream2file/pkg/log"
	"stream2file/pkg/media"
	"stream2file/pkg/mux"
	"stream2file/pkg/rua"
	"stream2file/pkg/video/annexb"

	"github.com/stretchr/testify/require"
)

var testSPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
	0x20,
}

var (
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
	testP   = []byte{0x41, 0x9a, 0x02, 0x04}
)

const testURL = "rtsp://cam1:554/stream"

// 2KB keyframe.
func bigIDR() []byte {
	return append([]byte{0x65}, bytes.Repeat([]byte{0xAA}, 2048)...)
}

func sc(nalu []byte) []byte {
	return annexb.Encode([][]byte{nalu})
}

type testEngine struct {
	*Engine
	dir     string
	factory *clientmock.Factory
	created chan *clientmock.Client

	mu    sync.Mutex
	clock time.Time
	files int
}

func newTestEngine(t *testing.T, capacity int) *testEngine {
	t.Helper()
	created := make(chan *clientmock.Client, 100)
	factory := &clientmock.Factory{
		Setup: func(c *clientmock.Client) {
			c.Video = &media.VideoInfo{Codec: media.VideoH264}
		},
		Created: created,
	}
	clients := client.NewRegistry()
	clients.Register("rtsp", factory.New)

	e := New(Config{
		Capacity: capacity,
		Clients:  clients,
		Logger:   log.NewMockLogger(),
	})
	te := &testEngine{
		Engine:  e,
		dir:     t.TempDir(),
		factory: factory,
		created: created,
		clock:   time.Unix(1_700_000_000, 0),
	}
	e.now = te.now
	e.newPath = func(c SessionConfig, _ time.Time) string {
		te.mu.Lock()
		defer te.mu.Unlock()
		te.files++
		return filepath.Join(c.SavePath, fmt.Sprintf("%d.%s", te.files, c.Container.Ext()))
	}
	e.sleep = func(time.Duration) {}

	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	return te
}

func (te *testEngine) now() time.Time {
	te.mu.Lock()
	defer te.mu.Unlock()
	return te.clock
}

func (te *testEngine) advance(d time.Duration) {
	te.mu.Lock()
	defer te.mu.Unlock()
	te.clock = te.clock.Add(d)
}

func (te *testEngine) path(n int) string {
	return filepath.Join(te.dir, fmt.Sprintf("%d.avi", n))
}

func (te *testEngine) start(t *testing.T, c SessionConfig) (int, *clientmock.Client) {
	t.Helper()
	c.URL = testURL
	c.SavePath = te.dir
	index, err := te.StartSession(c)
	require.NoError(t, err)
	return index, te.next(t)
}

func (te *testEngine) next(t *testing.T) *clientmock.Client {
	t.Helper()
	select {
	case c := <-te.created:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for client")
		return nil
	}
}

func readPayloads(t *testing.T, path string) [][]byte {
	t.Helper()
	r, err := avi.Open(path, nil)
	require.NoError(t, err)
	defer r.Close()

	var out [][]byte
	frame := media.NewFrame(64)
	for {
		_, err := r.ReadPacket(frame)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, append([]byte(nil), frame.Payload...))
	}
}

func TestFilePath(t *testing.T) {
	now := time.Date(2024, 3, 5, 6, 7, 8, 0, time.UTC)
	cases := []struct {
		name     string
		config   SessionConfig
		expected string
	}{
		{
			"avi",
			SessionConfig{URL: testURL, SavePath: "/rec"},
			`^/rec/cam1_2024_03_05_06_07_08_[0-9a-f]{8}\.avi$`,
		},
		{
			"mp4",
			SessionConfig{URL: "rtmp://host/live/x", SavePath: "/rec", Container: mux.ContainerMP4},
			`^/rec/host_2024_03_05_06_07_08_[0-9a-f]{8}\.mp4$`,
		},
		{
			"noSavePath",
			SessionConfig{URL: testURL},
			`^cam1_2024_03_05_06_07_08_[0-9a-f]{8}\.avi$`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Regexp(t, regexp.MustCompile(tc.expected), FilePath(tc.config, now))
		})
	}
	require.NotEqual(t,
		FilePath(cases[0].config, now),
		FilePath(cases[0].config, now),
	)
}

func TestStartSession(t *testing.T) {
	t.Run("invalidURL", func(t *testing.T) {
		e := newTestEngine(t, 1)
		_, err := e.StartSession(SessionConfig{URL: "nope", SavePath: e.dir})
		require.Error(t, err)
		require.Empty(t, e.Sessions())
	})
	t.Run("savePath", func(t *testing.T) {
		e := newTestEngine(t, 1)
		_, err := e.StartSession(SessionConfig{
			URL:      testURL,
			SavePath: filepath.Join(e.dir, "missing"),
		})
		require.True(t, errors.Is(err, ErrSavePath))
	})
	t.Run("exhausted", func(t *testing.T) {
		e := newTestEngine(t, 1)
		index, _ := e.start(t, SessionConfig{})
		require.Equal(t, 0, index)

		_, err := e.StartSession(SessionConfig{URL: testURL, SavePath: e.dir})
		require.True(t, errors.Is(err, ErrNoSession))

		require.NoError(t, e.StopSession(index))
		index, _ = e.start(t, SessionConfig{})
		require.Equal(t, 0, index)
	})
	t.Run("clientStartErr", func(t *testing.T) {
		e := newTestEngine(t, 1)
		e.factory.Setup = func(c *clientmock.Client) {
			c.StartErr = errors.New("mock")
		}
		_, err := e.StartSession(SessionConfig{URL: testURL, SavePath: e.dir})
		require.Error(t, err)
		require.Empty(t, e.Sessions())
		require.Equal(t, 1, e.next(t).Stops())

		// The file is finalized and the slot is free.
		_, err = os.Stat(avi.SidecarPath(e.path(1)))
		require.True(t, os.IsNotExist(err))
		e.factory.Setup = nil
		index, _ := e.start(t, SessionConfig{})
		require.Equal(t, 0, index)
	})
	t.Run("stopUnknown", func(t *testing.T) {
		e := newTestEngine(t, 1)
		require.True(t, errors.Is(e.StopSession(0), ErrSessionExist))
	})
}

func TestRecord(t *testing.T) {
	e := newTestEngine(t, 1)
	index, c := e.start(t, SessionConfig{})
	require.Equal(t, testURL, c.URL)

	c.Notify(client.EventConnSucc)
	c.SendVideo(annexb.Encode([][]byte{testSPS, testPPS, testP}), media.VideoH264)
	c.SendVideo(annexb.Encode([][]byte{{0x65, 1, 2}}), media.VideoH264)
	c.SendVideo(sc(testP), media.VideoH264)

	status, err := e.Session(index)
	require.NoError(t, err)
	require.True(t, status.Connected)
	require.Equal(t, e.path(1), status.File)
	require.Equal(t, media.VideoH264, status.Video.Codec)
	require.Equal(t, 1920, status.Video.Width)

	require.NoError(t, e.StopSession(index))
	require.Equal(t, 1, c.Stops())

	expected := [][]byte{sc(testSPS), sc(testPPS), sc([]byte{0x65, 1, 2}), sc(testP)}
	require.Equal(t, expected, readPayloads(t, e.path(1)))
}

func TestSizeRotation(t *testing.T) {
	e := newTestEngine(t, 1)
	index, c := e.start(t, SessionConfig{RecordSize: 1})
	c.Notify(client.EventConnSucc)

	idr := bigIDR()
	c.SendVideo(annexb.Encode([][]byte{testSPS, testPPS, idr}), media.VideoH264)

	// The limit is reached but the next frame is not a keyframe.
	c.SendVideo(sc(testP), media.VideoH264)
	c.SendVideo(sc(idr), media.VideoH264)
	c.SendVideo(sc(testP), media.VideoH264)

	status, err := e.Session(index)
	require.NoError(t, err)
	require.Equal(t, e.path(2), status.File)
	require.Equal(t, 1, status.Files)

	require.NoError(t, e.StopSession(index))

	first := [][]byte{sc(testSPS), sc(testPPS), sc(idr), sc(testP)}
	require.Equal(t, first, readPayloads(t, e.path(1)))

	// The next file starts with the parameter sets.
	second := [][]byte{sc(testSPS), sc(testPPS), sc(idr), sc(testP)}
	require.Equal(t, second, readPayloads(t, e.path(2)))
}

func TestFileClosedHook(t *testing.T) {
	e := newTestEngine(t, 1)

	type closed struct {
		path     string
		sessions int
	}
	closedCh := make(chan closed, 2)
	e.cfg.Hooks.FileClosed = func(_ int, path string) {
		closedCh <- closed{path: path, sessions: len(e.Sessions())}
	}

	index, c := e.start(t, SessionConfig{RecordSize: 1})
	c.Notify(client.EventConnSucc)

	done := make(chan struct{})
	go func() {
		c.SendVideo(annexb.Encode([][]byte{testSPS, testPPS, bigIDR()}), media.VideoH264)
		c.SendVideo(sc(bigIDR()), media.VideoH264)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("rotation deadlocked")
	}

	require.Equal(t, closed{path: e.path(1), sessions: 1}, <-closedCh)

	require.NoError(t, e.StopSession(index))
	require.Equal(t, e.path(2), (<-closedCh).path)
}

func TestTimeRotation(t *testing.T) {
	t.Run("video", func(t *testing.T) {
		e := newTestEngine(t, 1)
		index, c := e.start(t, SessionConfig{RecordTime: 10 * time.Second})
		c.Notify(client.EventConnSucc)

		key := annexb.Encode([][]byte{testSPS, testPPS, {0x65, 1}})
		c.SendVideo(key, media.VideoH264)
		e.advance(5 * time.Second)
		c.SendVideo(sc(testP), media.VideoH264)

		status, err := e.Session(index)
		require.NoError(t, err)
		require.Equal(t, e.path(1), status.File)

		e.advance(6 * time.Second)
		c.SendVideo(sc(testP), media.VideoH264)
		c.SendVideo(sc([]byte{0x65, 2}), media.VideoH264)

		status, err = e.Session(index)
		require.NoError(t, err)
		require.Equal(t, e.path(2), status.File)
		require.Equal(t, e.now(), status.Started)
	})
	t.Run("noReadyEvent", func(t *testing.T) {
		e := newTestEngine(t, 1)
		index, c := e.start(t, SessionConfig{RecordTime: 10 * time.Second})

		status, err := e.Session(index)
		require.NoError(t, err)
		require.Equal(t, e.now(), status.Started)

		c.SendVideo(annexb.Encode([][]byte{testSPS, testPPS, {0x65, 1}}), media.VideoH264)
		e.advance(11 * time.Second)
		c.SendVideo(sc(testP), media.VideoH264)
		c.SendVideo(sc([]byte{0x65, 2}), media.VideoH264)

		status, err = e.Session(index)
		require.NoError(t, err)
		require.Equal(t, e.path(2), status.File)
		require.Equal(t, e.now(), status.Started)
	})
	t.Run("audioOnly", func(t *testing.T) {
		e := newTestEngine(t, 1)
		e.factory.Setup = func(c *clientmock.Client) {
			c.Audio = &media.AudioInfo{
				Format:     media.AudioAAC,
				SampleRate: 8000,
				Channels:   1,
				Extra:      []byte{0x15, 0x88},
			}
		}
		index, c := e.start(t, SessionConfig{RecordTime: 10 * time.Second})
		c.Notify(client.EventAudioReady)

		status, err := e.Session(index)
		require.NoError(t, err)
		require.Equal(t, media.VideoH264, status.Video.Codec)
		require.Equal(t, 8000, status.Audio.SampleRate)

		c.SendAudio([]byte{1, 2, 3})
		e.advance(11 * time.Second)
		c.SendAudio([]byte{4, 5, 6})

		// Rotated without waiting for a keyframe.
		status, err = e.Session(index)
		require.NoError(t, err)
		require.Equal(t, e.path(2), status.File)
	})
}

func TestDefaultAudio(t *testing.T) {
	e := newTestEngine(t, 1)
	index, c := e.start(t, SessionConfig{FPS: 15})
	c.Notify(client.EventVideoReady)

	status, err := e.Session(index)
	require.NoError(t, err)
	require.Equal(t, &media.VideoInfo{Codec: media.VideoH264, FPS: 15}, status.Video)
	require.Equal(t, media.AudioAAC, status.Audio.Format)
	require.Equal(t, 44100, status.Audio.SampleRate)
	require.Equal(t, 2, status.Audio.Channels)
}

func TestReconnect(t *testing.T) {
	for _, ev := range []client.Event{
		client.EventStopped,
		client.EventConnFail,
		client.EventNoData,
		client.EventNoSignal,
	} {
		t.Run(ev.String(), func(t *testing.T) {
			e := newTestEngine(t, 1)
			index, err := e.StartSession(SessionConfig{
				URL:      testURL,
				User:     "user",
				Pass:     "pass",
				SavePath: e.dir,
			})
			require.NoError(t, err)
			first := e.next(t)

			first.Notify(ev)
			second := e.next(t)

			require.Eventually(t, func() bool {
				return second.Starts() == 1
			}, 5*time.Second, 5*time.Millisecond)
			require.Equal(t, 1, first.Stops())
			require.Equal(t, testURL, second.URL)
			require.Equal(t, "user", second.User)
			require.Equal(t, "pass", second.Pass)

			// The stopped client no longer reaches the file.
			first.SendVideo(annexb.Encode([][]byte{testSPS, testPPS, {0x65}}), media.VideoH264)
			second.SendVideo(annexb.Encode([][]byte{testSPS, testPPS, {0x65, 1}}), media.VideoH264)

			require.NoError(t, e.StopSession(index))
			expected := [][]byte{sc(testSPS), sc(testPPS), sc([]byte{0x65, 1})}
			require.Equal(t, expected, readPayloads(t, e.path(1)))
		})
	}
	t.Run("ignored", func(t *testing.T) {
		e := newTestEngine(t, 1)
		_, c := e.start(t, SessionConfig{})
		c.Notify(client.EventConnecting)
		c.Notify(client.EventVideoReady)
		c.Notify(client.EventAudioReady)

		select {
		case <-e.created:
			t.Fatal("unexpected reconnect")
		case <-time.After(50 * time.Millisecond):
		}
		require.Zero(t, c.Stops())
	})
	t.Run("startFail", func(t *testing.T) {
		e := newTestEngine(t, 1)
		var n int32
		e.factory.Setup = func(c *clientmock.Client) {
			if i := atomic.AddInt32(&n, 1); i > 1 && i < 5 {
				c.StartErr = errors.New("mock")
			}
		}
		_, c := e.start(t, SessionConfig{})
		c.Notify(client.EventConnFail)

		// Retried until a client starts.
		for i := 0; i < 3; i++ {
			failed := e.next(t)
			require.Eventually(t, func() bool {
				return failed.Stops() == 1
			}, 5*time.Second, 5*time.Millisecond)
		}
		last := e.next(t)
		require.Eventually(t, last.Running, 5*time.Second, 5*time.Millisecond)
	})
	t.Run("staleClient", func(t *testing.T) {
		e := newTestEngine(t, 1)
		index, first := e.start(t, SessionConfig{})

		first.Notify(client.EventNoData)
		second := e.next(t)
		require.Eventually(t, func() bool {
			return second.Starts() == 1
		}, 5*time.Second, 5*time.Millisecond)

		// Late failures from the replaced client.
		for i := 0; i < 20; i++ {
			first.Notify(client.EventNoData)
		}

		// A failure queued for the replaced client before it was detached.
		s, ok := e.pool.Lookup(rua.Handle(index))
		require.True(t, ok)
		s.mu.Lock()
		stale := message{
			handle: rua.Handle(index),
			gen:    s.gen,
			attach: s.attach - 1,
			event:  client.EventConnFail,
		}
		s.mu.Unlock()
		e.post(stale, nil)

		// Flushed once the task goroutine has consumed the stale message.
		require.Eventually(t, func() bool {
			return len(e.queue) == 0
		}, 5*time.Second, 5*time.Millisecond)
		select {
		case <-e.created:
			t.Fatal("unexpected reconnect")
		case <-time.After(50 * time.Millisecond):
		}
		require.Len(t, e.factory.Clients(), 2)
		require.Zero(t, second.Stops())
		require.True(t, second.Running())
	})
	t.Run("notify", func(t *testing.T) {
		e := newTestEngine(t, 1)
		index, c := e.start(t, SessionConfig{})
		require.NoError(t, e.Notify(index, client.EventNoData))
		e.next(t)
		require.Eventually(t, func() bool {
			return c.Stops() == 1
		}, 5*time.Second, 5*time.Millisecond)

		require.True(t, errors.Is(e.Notify(1, client.EventNoData), ErrSessionExist))

		require.NoError(t, e.StopSession(index))
		require.True(t, errors.Is(e.Notify(index, client.EventNoData), ErrSessionExist))
	})
}

func TestStop(t *testing.T) {
	e := newTestEngine(t, 3)
	var clients []*clientmock.Client
	for i := 0; i < 3; i++ {
		_, c := e.start(t, SessionConfig{})
		c.Notify(client.EventConnSucc)
		c.SendVideo(annexb.Encode([][]byte{testSPS, testPPS, {0x65}}), media.VideoH264)
		clients = append(clients, c)
	}
	require.Len(t, e.Sessions(), 3)

	e.Stop()
	require.Empty(t, e.Sessions())
	for i, c := range clients {
		require.Equal(t, 1, c.Stops())
		require.False(t, c.Running())

		_, err := os.Stat(avi.SidecarPath(e.path(i + 1)))
		require.True(t, os.IsNotExist(err))
	}

	_, err := e.StartSession(SessionConfig{URL: testURL, SavePath: e.dir})
	require.True(t, errors.Is(err, ErrNotRunning))
}

func TestStopWithFullQueue(t *testing.T) {
	e := newTestEngine(t, 1)
	_, c := e.start(t, SessionConfig{})

	// Events that are never consumed must not block shutdown.
	block := make(chan struct{})
	e.sleep = func(time.Duration) { <-block }
	c.Notify(client.EventNoData)
	e.next(t)

	second := e.factory.Last()
	done := make(chan struct{})
	go func() {
		for i := 0; i < DefaultQueueSize*2; i++ {
			second.Notify(client.EventConnecting)
		}
		close(done)
	}()

	stopped := make(chan struct{})
	go func() {
		e.Stop()
		close(stopped)
	}()
	close(block)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("stop timed out")
	}
	<-done
}
