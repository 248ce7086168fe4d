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

// Package client defines the protocol client contract used by the
// recording engine.
package client

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"stream2file/pkg/log"
	"stream2file/pkg/media"
)

// Event protocol client notification.
type Event uint8

// Events.
const (
	EventConnecting Event = iota + 1
	EventConnFail
	EventConnSucc
	EventVideoReady
	EventAudioReady
	EventNoData
	EventNoSignal
	EventStopped
)

func (e Event) String() string {
	switch e {
	case EventConnecting:
		return "CONNECTING"
	case EventConnFail:
		return "CONNFAIL"
	case EventConnSucc:
		return "CONNSUCC"
	case EventVideoReady:
		return "VIDEOREADY"
	case EventAudioReady:
		return "AUDIOREADY"
	case EventNoData:
		return "NODATA"
	case EventNoSignal:
		return "NOSIGNAL"
	case EventStopped:
		return "STOPPED"
	}
	return "unknown"
}

// IsFailure true for events that trigger a reconnect.
func (e Event) IsFailure() bool {
	switch e {
	case EventConnFail, EventNoData, EventNoSignal, EventStopped:
		return true
	}
	return false
}

type (
	// NotifyFunc receives client events.
	NotifyFunc func(Event)

	// VideoFunc receives elementary video data.
	VideoFunc func(data []byte, codec media.VideoCodec)

	// AudioFunc receives one audio frame.
	AudioFunc func(data []byte)
)

// Client a protocol client. Callbacks are called from the client's
// own goroutine and must not call Stop.
type Client interface {
	Start(rawURL string, user string, pass string) error
	Stop() error

	SetNotifyCB(NotifyFunc)
	SetVideoCB(VideoFunc)
	SetAudioCB(AudioFunc)

	// Stream parameters reported by the peer, valid
	// after VIDEOREADY and AUDIOREADY.
	VideoInfo() (media.VideoInfo, bool)
	AudioInfo() (media.AudioInfo, bool)
}

// NewFunc creates a client.
type NewFunc func(logger *log.Logger) Client

// Errors.
var (
	ErrInvalidURL        = errors.New("invalid url")
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrNoClient          = errors.New("no client for scheme")
)

// Registry maps URL schemes to client constructors.
type Registry struct {
	mu      sync.Mutex
	clients map[string]NewFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]NewFunc)}
}

// Register adds a client for scheme.
func (r *Registry) Register(scheme string, fn NewFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.ToLower(scheme)] = fn
}

// Schemes registered schemes, sorted.
func (r *Registry) Schemes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	schemes := make([]string, 0, len(r.clients))
	for s := range r.clients {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// New creates a client for the URL scheme.
func (r *Registry) New(rawURL string, logger *log.Logger) (Client, error) {
	u, err := r.ValidateURL(rawURL)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	fn, exist := r.clients[u.Scheme]
	r.mu.Unlock()

	if !exist {
		return nil, fmt.Errorf("%w: %v", ErrNoClient, u.Scheme)
	}
	return fn(logger), nil
}

func isStandardScheme(scheme string) bool {
	return scheme == "rtsp" || strings.HasPrefix(scheme, "rtmp")
}

// ValidateURL accepts rtsp, rtmp* and registered schemes.
func (r *Registry) ValidateURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme == "" {
		return nil, fmt.Errorf("%w: missing scheme: %q", ErrInvalidURL, rawURL)
	}

	r.mu.Lock()
	_, registered := r.clients[u.Scheme]
	r.mu.Unlock()

	if !registered && !isStandardScheme(u.Scheme) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedScheme, u.Scheme)
	}
	if isStandardScheme(u.Scheme) && u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host: %q", ErrInvalidURL, rawURL)
	}
	return u, nil
}

// HostName returns the name used in recording file names, the host of
// network URLs or the file base name for file based URLs.
func HostName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	if h := u.Hostname(); h != "" {
		return h
	}
	base := filepath.Base(u.Path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if base == "" || base == "." || base == "/" {
		return "unknown"
	}
	return base
}
