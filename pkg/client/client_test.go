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

package client

import (
	"errors"
	"testing"

	"stream2file/pkg/log"
	"stream2file/pkg/media"

	"github.com/stretchr/testify/require"
)

type stubClient struct{}

func (stubClient) Start(string, string, string) error { return nil }
func (stubClient) Stop() error { return nil }
func (stubClient) SetNotifyCB(NotifyFunc) {}
func (stubClient) SetVideoCB(VideoFunc) {}
func (stubClient) SetAudioCB(AudioFunc) {}
func (stubClient) VideoInfo() (media.VideoInfo, bool) { return media.VideoInfo{}, false }
func (stubClient) AudioInfo() (media.AudioInfo, bool) { return media.AudioInfo{}, false }

func TestEvent(t *testing.T) {
	cases := []struct {
		event   Event
		name    string
		failure bool
	}{
		{EventConnecting, "CONNECTING", false},
		{EventConnFail, "CONNFAIL", true},
		{EventConnSucc, "CONNSUCC", false},
		{EventVideoReady, "VIDEOREADY", false},
		{EventAudioReady, "AUDIOREADY", false},
		{EventNoData, "NODATA", true},
		{EventNoSignal, "NOSIGNAL", true},
		{EventStopped, "STOPPED", true},
		{Event(0), "unknown", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.name, tc.event.String())
			require.Equal(t, tc.failure, tc.event.IsFailure())
		})
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("SDP", func(*log.Logger) Client { return stubClient{} })
	require.Equal(t, []string{"sdp"}, r.Schemes())

	t.Run("new", func(t *testing.T) {
		c, err := r.New("sdp:///tmp/cam.sdp", nil)
		require.NoError(t, err)
		require.NotNil(t, c)
	})
	t.Run("noClient", func(t *testing.T) {
		_, err := r.New("rtsp://10.0.0.1/stream", nil)
		require.True(t, errors.Is(err, ErrNoClient))
	})

	cases := []struct {
		url string
		err error
	}{
		{"rtsp://10.0.0.1:554/stream", nil},
		{"rtmp://host/live/a", nil},
		{"rtmps://host/live/a", nil},
		{"sdp:///tmp/cam.sdp", nil},
		{"http://host/a", ErrUnsupportedScheme},
		{"rtsp:///stream", ErrInvalidURL},
		{"no-scheme", ErrInvalidURL},
		{"rtsp://[::1", ErrInvalidURL},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			_, err := r.ValidateURL(tc.url)
			if tc.err == nil {
				require.NoError(t, err)
			} else {
				require.True(t, errors.Is(err, tc.err), err)
			}
		})
	}
}

func TestHostName(t *testing.T) {
	cases := map[string]string{
		"rtsp://admin:x@192.168.1.2:554/s": "192.168.1.2",
		"rtmp://cam.local/live":            "cam.local",
		"sdp:///var/cams/front.sdp":        "front",
		"sdp://":                           "unknown",
	}
	for input, expected := range cases {
		require.Equal(t, expected, HostName(input))
	}
}
