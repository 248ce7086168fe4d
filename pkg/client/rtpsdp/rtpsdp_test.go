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

package rtpsdp

import (
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"stream2file/pkg/client"
	"stream2file/pkg/media"
	"stream2file/pkg/video/annexb"

	"github.com/pion/rtp/v2"
	"github.com/stretchr/testify/require"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
		0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
		0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
		0x20,
	}
	testPPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

func testSDP(lines ...string) []byte {
	base := []string{
		"v=0",
		"o=- 0 0 IN IP4 127.0.0.1",
		"s=test",
		"c=IN IP4 127.0.0.1",
		"t=0 0",
	}
	return []byte(strings.Join(append(base, lines...), "\r\n") + "\r\n")
}

var testVideoMedia = []string{
	"m=video 5004 RTP/AVP 96",
	"a=rtpmap:96 H264/90000",
	"a=fmtp:96 packetization-mode=1; sprop-parameter-sets=Z0LAKNkAeAIn5YQAAAMABAAAAwDwPGDJIA==,aM48gA==",
}

var testAudioMedia = []string{
	"m=audio 5006 RTP/AVP 97",
	"a=rtpmap:97 MPEG4-GENERIC/44100/2",
	"a=fmtp:97 streamtype=5; profile-level-id=15; mode=AAC-hbr; config=1210; sizelength=13; indexlength=3; indexdeltalength=3",
}

func TestParseSDP(t *testing.T) {
	t.Run("videoAudio", func(t *testing.T) {
		video, audio, err := parseSDP(testSDP(append(testVideoMedia, testAudioMedia...)...))
		require.NoError(t, err)

		require.Equal(t, "127.0.0.1:5004", video.addr)
		require.Equal(t, uint8(96), video.payloadType)
		require.Equal(t, media.VideoInfo{
			Codec:  media.VideoH264,
			Width:  1920,
			Height: 1080,
		}, video.video)
		require.Equal(t, [][]byte{testSPS, testPPS}, video.paramSets)

		require.Equal(t, "127.0.0.1:5006", audio.addr)
		require.Equal(t, media.AudioInfo{
			Format:     media.AudioAAC,
			SampleRate: 44100,
			Channels:   2,
			Extra:      []byte{0x12, 0x10},
		}, audio.audio)
	})
	t.Run("pcma", func(t *testing.T) {
		video, audio, err := parseSDP(testSDP("m=audio 6000 RTP/AVP 8"))
		require.NoError(t, err)
		require.Nil(t, video)
		require.Equal(t, media.AudioInfo{
			Format:     media.AudioALAW,
			SampleRate: 8000,
			Channels:   1,
		}, audio.audio)
	})
	t.Run("h265", func(t *testing.T) {
		video, _, err := parseSDP(testSDP(
			"m=video 5004 RTP/AVP 98",
			"a=rtpmap:98 H265/90000",
			"a=fmtp:98 sprop-vps=QAEMAf//; sprop-pps=RAHBcrRiQA==",
		))
		require.NoError(t, err)
		require.Equal(t, media.VideoH265, video.video.Codec)
		require.Len(t, video.paramSets, 2)
	})
	t.Run("noTracks", func(t *testing.T) {
		_, _, err := parseSDP(testSDP("m=video 5004 RTP/AVP 100", "a=rtpmap:100 VP8/90000"))
		require.True(t, errors.Is(err, ErrNoTracks))
	})
	t.Run("badSizeLength", func(t *testing.T) {
		_, _, err := parseSDP(testSDP(
			"m=audio 5006 RTP/AVP 97",
			"a=rtpmap:97 MPEG4-GENERIC/44100/2",
			"a=fmtp:97 mode=AAC-lbr; config=1210; sizelength=6",
		))
		require.True(t, errors.Is(err, ErrAACSizeLength))
	})
}

func TestDepacketizeH264(t *testing.T) {
	t.Run("single", func(t *testing.T) {
		d := newVideoDepacketizer(media.VideoH264)
		au, err := d.decodeUntilMarker(&rtp.Packet{
			Header:  rtp.Header{Marker: true},
			Payload: []byte{0x65, 1, 2},
		})
		require.NoError(t, err)
		require.Equal(t, []byte{0, 0, 0, 1, 0x65, 1, 2}, au)
	})
	t.Run("stapA", func(t *testing.T) {
		d := newVideoDepacketizer(media.VideoH264)
		payload := []byte{24, 0, 4}
		payload = append(payload, testPPS...)
		payload = append(payload, 0, 2, 0x65, 9)
		au, err := d.decodeUntilMarker(&rtp.Packet{
			Header:  rtp.Header{Marker: true},
			Payload: payload,
		})
		require.NoError(t, err)
		require.Equal(t, annexb.Encode([][]byte{testPPS, {0x65, 9}}), au)
	})
	t.Run("fuA", func(t *testing.T) {
		d := newVideoDepacketizer(media.VideoH264)
		_, err := d.decodeUntilMarker(&rtp.Packet{
			Payload: []byte{0x7C, 0x85, 1, 2}, // Start.
		})
		require.True(t, errors.Is(err, ErrMorePacketsNeeded))
		_, err = d.decodeUntilMarker(&rtp.Packet{
			Payload: []byte{0x7C, 0x05, 3},
		})
		require.True(t, errors.Is(err, ErrMorePacketsNeeded))
		au, err := d.decodeUntilMarker(&rtp.Packet{
			Header:  rtp.Header{Marker: true},
			Payload: []byte{0x7C, 0x45, 4}, // End.
		})
		require.NoError(t, err)
		require.Equal(t, []byte{0, 0, 0, 1, 0x65, 1, 2, 3, 4}, au)
	})
	t.Run("fuAWithoutStart", func(t *testing.T) {
		d := newVideoDepacketizer(media.VideoH264)
		_, err := d.decodeUntilMarker(&rtp.Packet{
			Header:  rtp.Header{Marker: true},
			Payload: []byte{0x7C, 0x45, 4},
		})
		require.True(t, errors.Is(err, ErrMorePacketsNeeded))
	})
	t.Run("unsupported", func(t *testing.T) {
		d := newVideoDepacketizer(media.VideoH264)
		_, err := d.decode(&rtp.Packet{Payload: []byte{25, 0}})
		require.True(t, errors.Is(err, ErrTypeUnsupported))
	})
}

func TestDepacketizeH265(t *testing.T) {
	d := newVideoDepacketizer(media.VideoH265)

	// FU with an IDR_W_RADL (19) fragment.
	_, err := d.decodeUntilMarker(&rtp.Packet{Payload: []byte{49 << 1, 1, 0x80 | 19, 1}})
	require.True(t, errors.Is(err, ErrMorePacketsNeeded))
	au, err := d.decodeUntilMarker(&rtp.Packet{
		Header:  rtp.Header{Marker: true},
		Payload: []byte{49 << 1, 1, 0x40 | 19, 2},
	})
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 1, 19 << 1, 1, 1, 2}, au)

	nalus, err := d.decode(&rtp.Packet{Payload: []byte{48 << 1, 1, 0, 3, 0x40, 1, 9}})
	require.NoError(t, err)
	require.Equal(t, [][]byte{{0x40, 1, 9}}, nalus)
}

func TestDecodeAAC(t *testing.T) {
	t.Run("twoAUs", func(t *testing.T) {
		payload := []byte{
			0, 32, // AU-headers-length.
			0, 3 << 3,
			0, 2 << 3,
			1, 2, 3,
			4, 5,
		}
		aus, err := decodeAAC(payload)
		require.NoError(t, err)
		require.Equal(t, [][]byte{{1, 2, 3}, {4, 5}}, aus)
	})
	t.Run("short", func(t *testing.T) {
		_, err := decodeAAC([]byte{0, 16, 0, 5 << 3, 1})
		require.True(t, errors.Is(err, ErrShortPayload))
	})
	t.Run("invalidLength", func(t *testing.T) {
		_, err := decodeAAC([]byte{0, 15, 0})
		require.True(t, errors.Is(err, ErrAUInvalid))
	})
}

type testConns map[string]net.PacketConn

func newTestClient(t *testing.T, sdp []byte) (*Client, testConns) {
	t.Helper()
	conns := make(testConns)
	c := newClient(nil)
	c.readFile = func(string) ([]byte, error) { return sdp, nil }
	c.listenUDP = func(addr string) (net.PacketConn, error) {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		conns[addr] = conn
		return conn, nil
	}
	return c, conns
}

func sendPacket(t *testing.T, conn net.PacketConn, pkt rtp.Packet) {
	t.Helper()
	pkt.Version = 2
	buf, err := pkt.Marshal()
	require.NoError(t, err)

	sender, err := net.Dial("udp", conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()
	_, err = sender.Write(buf)
	require.NoError(t, err)
}

func waitEvent(t *testing.T, events chan client.Event) client.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timeout")
	}
	return 0
}

func TestClient(t *testing.T) {
	t.Run("receive", func(t *testing.T) {
		c, conns := newTestClient(t, testSDP(append(testVideoMedia, testAudioMedia...)...))

		events := make(chan client.Event, 10)
		video := make(chan []byte, 10)
		audio := make(chan []byte, 10)
		c.SetNotifyCB(func(e client.Event) { events <- e })
		c.SetVideoCB(func(data []byte, _ media.VideoCodec) { video <- data })
		c.SetAudioCB(func(data []byte) { audio <- data })

		require.NoError(t, c.Start("sdp:///cam.sdp", "", ""))
		require.True(t, errors.Is(c.Start("sdp:///cam.sdp", "", ""), ErrRunning))

		for _, expected := range []client.Event{
			client.EventConnecting,
			client.EventConnSucc,
			client.EventVideoReady,
			client.EventAudioReady,
		} {
			require.Equal(t, expected, waitEvent(t, events))
		}

		info, ok := c.VideoInfo()
		require.True(t, ok)
		require.Equal(t, 1920, info.Width)

		sendPacket(t, conns["127.0.0.1:5004"], rtp.Packet{
			Header:  rtp.Header{PayloadType: 96, Marker: true},
			Payload: []byte{0x65, 1, 2},
		})
		select {
		case au := <-video:
			expected := annexb.Encode([][]byte{testSPS, testPPS, {0x65, 1, 2}})
			require.Equal(t, expected, au)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout")
		}

		sendPacket(t, conns["127.0.0.1:5006"], rtp.Packet{
			Header:  rtp.Header{PayloadType: 97, Marker: true},
			Payload: []byte{0, 16, 0, 2 << 3, 7, 8},
		})
		select {
		case frame := <-audio:
			require.Equal(t, []byte{7, 8}, frame)
		case <-time.After(5 * time.Second):
			t.Fatal("timeout")
		}

		require.NoError(t, c.Stop())
		require.NoError(t, c.Stop())
		select {
		case e := <-events:
			t.Fatalf("unexpected event: %v", e)
		default:
		}
	})
	t.Run("noData", func(t *testing.T) {
		c, _ := newTestClient(t, testSDP(append(testVideoMedia, testAudioMedia...)...))
		c.NoDataTimeout = 50 * time.Millisecond

		events := make(chan client.Event, 10)
		c.SetNotifyCB(func(e client.Event) { events <- e })
		require.NoError(t, c.Start("sdp:///cam.sdp", "", ""))

		for i := 0; i < 4; i++ {
			waitEvent(t, events)
		}
		require.Equal(t, client.EventNoData, waitEvent(t, events))
		require.NoError(t, c.Stop())
		require.Len(t, events, 0)
	})
	t.Run("connFail", func(t *testing.T) {
		c := newClient(nil)
		c.readFile = func(string) ([]byte, error) { return nil, errors.New("mock") }

		events := make(chan client.Event, 10)
		c.SetNotifyCB(func(e client.Event) { events <- e })
		require.NoError(t, c.Start("sdp:///missing.sdp", "", ""))
		require.Equal(t, client.EventConnecting, waitEvent(t, events))
		require.Equal(t, client.EventConnFail, waitEvent(t, events))
		require.NoError(t, c.Stop())
	})
	t.Run("noPath", func(t *testing.T) {
		c := newClient(nil)
		require.True(t, errors.Is(c.Start("sdp://", "", ""), ErrNoPath))
	})
}
