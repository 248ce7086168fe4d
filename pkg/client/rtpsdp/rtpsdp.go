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

// Package rtpsdp receives RTP over UDP as described by a SDP file.
// URLs have the form sdp:///path/to/stream.sdp
package rtpsdp

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"stream2file/pkg/client"
	"stream2file/pkg/log"
	"stream2file/pkg/media"

	"github.com/pion/rtp/v2"
)

// Scheme URL scheme handled by this client.
const Scheme = "sdp"

// DefaultNoDataTimeout time without packets before NODATA is sent.
const DefaultNoDataTimeout = 10 * time.Second

const maxPacketSize = 1500 * 2

// Errors.
var (
	ErrRunning = errors.New("client is already running")
	ErrNoPath  = errors.New("url has no path")
)

// Client RTP/SDP protocol client.
type Client struct {
	logger *log.Logger

	NoDataTimeout time.Duration

	readFile  func(string) ([]byte, error)
	listenUDP func(addr string) (net.PacketConn, error)

	mu       sync.Mutex
	notifyCB client.NotifyFunc
	videoCB  client.VideoFunc
	audioCB  client.AudioFunc

	video *track
	audio *track

	conns   []net.PacketConn
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	// Only the first failure of a run is reported.
	failOnce *sync.Once
}

// New creates a client.
func New(logger *log.Logger) client.Client {
	return newClient(logger)
}

func newClient(logger *log.Logger) *Client {
	return &Client{
		logger:        logger,
		NoDataTimeout: DefaultNoDataTimeout,
		readFile:      os.ReadFile,
		listenUDP: func(addr string) (net.PacketConn, error) {
			return net.ListenPacket("udp", addr)
		},
	}
}

var _ client.Client = &Client{}

func (c *Client) logf(level log.Level, format string, a ...interface{}) {
	if c.logger != nil {
		c.logger.Func(level, "rtpsdp")(format, a...)
	}
}

// SetNotifyCB sets the event callback.
func (c *Client) SetNotifyCB(fn client.NotifyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifyCB = fn
}

// SetVideoCB sets the video callback.
func (c *Client) SetVideoCB(fn client.VideoFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.videoCB = fn
}

// SetAudioCB sets the audio callback.
func (c *Client) SetAudioCB(fn client.AudioFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioCB = fn
}

// VideoInfo video parameters from the SDP.
func (c *Client) VideoInfo() (media.VideoInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.video == nil {
		return media.VideoInfo{}, false
	}
	return c.video.video, true
}

// AudioInfo audio parameters from the SDP.
func (c *Client) AudioInfo() (media.AudioInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.audio == nil {
		return media.AudioInfo{}, false
	}
	return c.audio.audio.Copy(), true
}

func (c *Client) notify(e client.Event) {
	c.mu.Lock()
	fn := c.notifyCB
	c.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (c *Client) fail(e client.Event, once *sync.Once) {
	once.Do(func() { c.notify(e) })
}

// Start connects in the background, the result is reported
// through the notify callback. User and pass are unused.
func (c *Client) Start(rawURL string, _ string, _ string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Path == "" {
		return ErrNoPath
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrRunning
	}
	c.running = true
	c.done = make(chan struct{})
	c.failOnce = &sync.Once{}

	c.wg.Add(1)
	go c.run(u.Path, c.done, c.failOnce)
	return nil
}

func (c *Client) run(path string, done chan struct{}, once *sync.Once) {
	defer c.wg.Done()
	c.notify(client.EventConnecting)

	buf, err := c.readFile(path)
	if err != nil {
		c.logf(log.LevelError, "read sdp: %v", err)
		c.fail(client.EventConnFail, once)
		return
	}
	video, audio, err := parseSDP(buf)
	if err != nil {
		c.logf(log.LevelError, "%v: %v", path, err)
		c.fail(client.EventConnFail, once)
		return
	}

	var conns []net.PacketConn
	for _, t := range []*track{video, audio} {
		if t == nil {
			continue
		}
		conn, err := c.listenUDP(t.addr)
		if err != nil {
			for _, conn := range conns {
				conn.Close()
			}
			c.logf(log.LevelError, "listen: %v", err)
			c.fail(client.EventConnFail, once)
			return
		}
		conns = append(conns, conn)
	}

	c.mu.Lock()
	select {
	case <-done:
		// Stopped while connecting.
		c.mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
		return
	default:
	}
	c.video, c.audio, c.conns = video, audio, conns
	c.mu.Unlock()

	c.notify(client.EventConnSucc)
	if video != nil {
		c.notify(client.EventVideoReady)
	}
	if audio != nil {
		c.notify(client.EventAudioReady)
	}

	i := 0
	if video != nil {
		c.wg.Add(1)
		go c.readVideo(conns[i], video, done, once)
		i++
	}
	if audio != nil {
		c.wg.Add(1)
		go c.readAudio(conns[i], audio, done, once)
	}
}

// readPackets reads until the connection fails, fn is called for
// every packet with the expected payload type.
func (c *Client) readPackets(
	conn net.PacketConn,
	t *track,
	done chan struct{},
	once *sync.Once,
	fn func(*rtp.Packet),
) {
	defer c.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.NoDataTimeout)); err != nil {
			c.fail(client.EventStopped, once)
			return
		}
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.logf(log.LevelWarning, "%v: no data for %v", t.media, c.NoDataTimeout)
				c.fail(client.EventNoData, once)
				return
			}
			c.logf(log.LevelError, "%v: read: %v", t.media, err)
			c.fail(client.EventStopped, once)
			return
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			c.logf(log.LevelDebug, "%v: invalid packet: %v", t.media, err)
			continue
		}
		if pkt.PayloadType != t.payloadType {
			continue
		}
		fn(&pkt)
	}
}

func (c *Client) readVideo(conn net.PacketConn, t *track, done chan struct{}, once *sync.Once) {
	d := newVideoDepacketizer(t.video.Codec)
	first := true
	c.readPackets(conn, t, done, once, func(pkt *rtp.Packet) {
		au, err := d.decodeUntilMarker(pkt)
		if err != nil {
			if !errors.Is(err, ErrMorePacketsNeeded) {
				c.logf(log.LevelDebug, "video: %v", err)
			}
			return
		}
		if first {
			// Out of band parameter sets go in front of the first access unit.
			au = append(t.paramSetsAnnexB(), au...)
			first = false
		}

		c.mu.Lock()
		fn := c.videoCB
		c.mu.Unlock()
		if fn != nil {
			fn(au, t.video.Codec)
		}
	})
}

func (c *Client) readAudio(conn net.PacketConn, t *track, done chan struct{}, once *sync.Once) {
	c.readPackets(conn, t, done, once, func(pkt *rtp.Packet) {
		frames := [][]byte{pkt.Payload}
		if t.audio.Format == media.AudioAAC {
			var err error
			if frames, err = decodeAAC(pkt.Payload); err != nil {
				c.logf(log.LevelDebug, "audio: %v", err)
				return
			}
		}

		c.mu.Lock()
		fn := c.audioCB
		c.mu.Unlock()
		if fn == nil {
			return
		}
		for _, frame := range frames {
			fn(frame)
		}
	})
}

// Stop closes the sockets and waits for the receivers to exit.
func (c *Client) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.done)
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	c.wg.Wait()
	return nil
}
