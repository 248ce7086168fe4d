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

// Package clientmock is a scriptable protocol client for tests.
package clientmock

import (
	"sync"

	"stream2file/pkg/client"
	"stream2file/pkg/log"
	"stream2file/pkg/media"
)

// Client mock protocol client.
type Client struct {
	mu sync.Mutex

	URL  string
	User string
	Pass string

	StartErr error
	Video    *media.VideoInfo
	Audio    *media.AudioInfo

	// OnStart is called without the lock held after Start.
	OnStart func(*Client)

	notify  client.NotifyFunc
	videoCB client.VideoFunc
	audioCB client.AudioFunc

	starts  int
	stops   int
	running bool
}

var _ client.Client = &Client{}

// Start records the credentials.
func (c *Client) Start(rawURL string, user string, pass string) error {
	c.mu.Lock()
	c.URL, c.User, c.Pass = rawURL, user, pass
	c.starts++
	if c.StartErr != nil {
		c.mu.Unlock()
		return c.StartErr
	}
	c.running = true
	onStart := c.OnStart
	c.mu.Unlock()

	if onStart != nil {
		onStart(c)
	}
	return nil
}

// Stop marks the client stopped.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	c.running = false
	return nil
}

// SetNotifyCB sets the event callback.
func (c *Client) SetNotifyCB(fn client.NotifyFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = fn
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

// VideoInfo returns Video.
func (c *Client) VideoInfo() (media.VideoInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Video == nil {
		return media.VideoInfo{}, false
	}
	return *c.Video, true
}

// AudioInfo returns Audio.
func (c *Client) AudioInfo() (media.AudioInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Audio == nil {
		return media.AudioInfo{}, false
	}
	return c.Audio.Copy(), true
}

// Notify calls the event callback.
func (c *Client) Notify(e client.Event) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

// SendVideo calls the video callback.
func (c *Client) SendVideo(data []byte, codec media.VideoCodec) {
	c.mu.Lock()
	fn := c.videoCB
	c.mu.Unlock()
	if fn != nil {
		fn(data, codec)
	}
}

// SendAudio calls the audio callback.
func (c *Client) SendAudio(data []byte) {
	c.mu.Lock()
	fn := c.audioCB
	c.mu.Unlock()
	if fn != nil {
		fn(data)
	}
}

// Starts number of Start calls.
func (c *Client) Starts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts
}

// Stops number of Stop calls.
func (c *Client) Stops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stops
}

// Running true between Start and Stop.
func (c *Client) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Factory creates mock clients and remembers them.
type Factory struct {
	mu      sync.Mutex
	clients []*Client

	// Setup is called on every new client.
	Setup func(*Client)

	// Created receives every new client if set.
	Created chan *Client
}

// New implements client.NewFunc.
func (f *Factory) New(*log.Logger) client.Client {
	c := &Client{}
	if f.Setup != nil {
		f.Setup(c)
	}

	f.mu.Lock()
	f.clients = append(f.clients, c)
	created := f.Created
	f.mu.Unlock()

	if created != nil {
		created <- c
	}
	return c
}

// Clients created clients in order.
func (f *Factory) Clients() []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients...)
}

// Last most recently created client.
func (f *Factory) Last() *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.clients) == 0 {
		return nil
	}
	return f.clients[len(f.clients)-1]
}
