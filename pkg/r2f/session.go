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
	"sync"
	"time"

	"stream2file/pkg/client"
	"stream2file/pkg/log"
	"stream2file/pkg/media"
	"stream2file/pkg/mux"
	"stream2file/pkg/rua"
	"stream2file/pkg/video"
)

// Minimum time between failed rotation attempts.
const rotateRetryDelay = time.Second

// Stream parameters used when a client only reports one stream.
var (
	defaultAudio = media.AudioInfo{
		Format:     media.AudioAAC,
		SampleRate: 44100,
		Channels:   2,
		Extra:      []byte{0x12, 0x10},
	}
	defaultVideoCodec = media.VideoH264
)

type session struct {
	mu sync.Mutex

	index    int
	gen      uint64
	cfg      SessionConfig
	stopping bool

	client     client.Client
	clientDone chan struct{}
	attach     uint64 // Incremented every time a client is attached.
	connected  bool

	mux        *mux.Muxer
	startTime  time.Time
	rotateDue  bool
	rotateWait time.Time
	videoSeen  bool

	files     int
	lastFrame time.Time
}

// Busy implements rua.Busy.
func (s *session) Busy() bool {
	return s.client != nil || s.mux != nil
}

// detachClient must be called with the lock held.
func (s *session) detachClient() client.Client {
	cl := s.client
	s.client = nil
	s.connected = false
	if s.clientDone != nil {
		close(s.clientDone)
		s.clientDone = nil
	}
	return cl
}

// Status session status.
type Status struct {
	Index     int              `json:"index"`
	URL       string           `json:"url"`
	SavePath  string           `json:"savePath"`
	Container string           `json:"container"`
	File      string           `json:"file"`
	Size      int64            `json:"size"`
	Files     int              `json:"files"`
	Connected bool             `json:"connected"`
	Started   time.Time        `json:"started"`
	LastFrame time.Time        `json:"lastFrame"`
	Video     *media.VideoInfo `json:"video,omitempty"`
	Audio     *media.AudioInfo `json:"audio,omitempty"`
}

func (s *session) status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Index:     s.index,
		URL:       s.cfg.URL,
		SavePath:  s.cfg.SavePath,
		Container: s.cfg.Container.String(),
		Files:     s.files,
		Connected: s.connected,
		Started:   s.startTime,
		LastFrame: s.lastFrame,
	}
	if s.mux != nil {
		st.File = s.mux.Path()
		st.Size = s.mux.Size()
		if v, ok := s.mux.VideoInfo(); ok {
			st.Video = &v
		}
		if a, ok := s.mux.AudioInfo(); ok {
			st.Audio = &a
		}
	}
	return st
}

// lookup returns the session locked if it still belongs to the caller.
func (e *Engine) lookup(h rua.Handle, gen uint64) (*session, bool) {
	s, ok := e.pool.LookupGen(h, gen)
	if !ok {
		return nil, false
	}
	s.mu.Lock()
	if s.gen != gen || s.stopping {
		s.mu.Unlock()
		return nil, false
	}
	return s, true
}

func (e *Engine) onNotify(
	h rua.Handle,
	gen uint64,
	attach uint64,
	cl client.Client,
	done chan struct{},
	ev client.Event,
) {
	e.cfg.Metrics.Event(ev.String())

	s, ok := e.lookup(h, gen)
	if !ok {
		return
	}
	detached := s.client != cl
	s.mu.Unlock()
	if detached {
		e.logf(log.LevelDebug, int(h), "event from detached client: %v", ev)
		return
	}
	e.logf(log.LevelDebug, int(h), "event: %v", ev)

	switch ev {
	case client.EventConnSucc, client.EventVideoReady, client.EventAudioReady:
		e.applyStreamInfo(h, gen, cl, ev)
	}

	// Every event goes through the queue, the task
	// goroutine decides what to do with it.
	e.post(message{handle: h, gen: gen, attach: attach, event: ev}, done)
}

func (e *Engine) applyStreamInfo(h rua.Handle, gen uint64, cl client.Client, ev client.Event) {
	s, ok := e.lookup(h, gen)
	if !ok {
		return
	}
	defer s.mu.Unlock()
	if s.client != cl || s.mux == nil {
		return
	}
	m := s.mux
	aviFallback := m.Container() == mux.ContainerAVI

	video, hasVideo := cl.VideoInfo()
	audio, hasAudio := cl.AudioInfo()

	setVideo := func() {
		if video.FPS == 0 {
			video.FPS = s.cfg.FPS
		}
		m.SetVideoInfo(video)
	}
	setAudio := func(info media.AudioInfo) {
		if err := m.SetAudioInfo(info); err != nil {
			e.logf(log.LevelWarning, s.index, "set audio info: %v", err)
		}
	}

	switch ev {
	case client.EventConnSucc:
		if hasVideo {
			setVideo()
		}
		if hasAudio {
			setAudio(audio)
		}
	case client.EventVideoReady:
		if hasVideo {
			setVideo()
		}
		if hasAudio {
			setAudio(audio)
		} else if _, ok := m.AudioInfo(); !ok && aviFallback {
			setAudio(defaultAudio)
		}
	case client.EventAudioReady:
		if hasAudio {
			setAudio(audio)
		}
		if hasVideo {
			setVideo()
		} else if _, ok := m.VideoInfo(); !ok && aviFallback {
			m.SetVideoInfo(media.VideoInfo{Codec: defaultVideoCodec, FPS: s.cfg.FPS})
		}
	}
	if err := m.UpdateHeader(); err != nil {
		e.logf(log.LevelError, s.index, "update header: %v", err)
	}

	s.connected = true
}

func (e *Engine) onVideo(
	h rua.Handle,
	gen uint64,
	cl client.Client,
	data []byte,
	codec media.VideoCodec,
) {
	s, ok := e.lookup(h, gen)
	if !ok {
		return
	}
	var prev *mux.Muxer
	defer func() {
		index := s.index
		s.mu.Unlock()
		if prev != nil {
			e.closeMuxer(index, prev)
		}
	}()
	if s.client != cl || s.mux == nil {
		return
	}
	s.videoSeen = true

	if s.rotateDue && video.IsKeyFrame(codec, data) {
		prev = e.rotate(s)
	}

	if err := s.mux.WriteVideo(data, codec); err != nil {
		e.cfg.Metrics.Dropped(s.index, "video")
		e.logf(log.LevelDebug, s.index, "write video: %v", err)
	} else {
		e.cfg.Metrics.Frame(s.index, "video", len(data))
	}
	s.lastFrame = e.now()
	s.rotateDue = e.switchCheck(s)
}

func (e *Engine) onAudio(h rua.Handle, gen uint64, cl client.Client, data []byte) {
	s, ok := e.lookup(h, gen)
	if !ok {
		return
	}
	var prev *mux.Muxer
	defer func() {
		index := s.index
		s.mu.Unlock()
		if prev != nil {
			e.closeMuxer(index, prev)
		}
	}()
	if s.client != cl || s.mux == nil {
		return
	}

	if err := s.mux.WriteAudio(data); err != nil {
		e.cfg.Metrics.Dropped(s.index, "audio")
		e.logf(log.LevelDebug, s.index, "write audio: %v", err)
	} else {
		e.cfg.Metrics.Frame(s.index, "audio", len(data))
	}
	s.lastFrame = e.now()
	s.rotateDue = e.switchCheck(s)

	// Without video there is no keyframe to wait for.
	if s.rotateDue && !s.videoSeen {
		prev = e.rotate(s)
	}
}

// switchCheck reports if the current file has reached its size or
// duration limit. Must be called with the lock held.
func (e *Engine) switchCheck(s *session) bool {
	if s.cfg.RecordSize > 0 && s.mux.Size() > s.cfg.RecordSize*1024 {
		return true
	}
	if s.cfg.RecordTime > 0 && !s.startTime.IsZero() &&
		e.now().Sub(s.startTime) > s.cfg.RecordTime {
		return true
	}
	return false
}

// rotate opens the next file and returns the previous muxer, which
// the caller must close after releasing the lock so the FileClosed
// hook never runs under it. The current file is kept if the next one
// cannot be opened. Must be called with the lock held.
func (e *Engine) rotate(s *session) *mux.Muxer {
	now := e.now()
	if now.Before(s.rotateWait) {
		return nil
	}

	path := e.newPath(s.cfg, now)
	next, err := mux.OpenNext(e.muxConfig(s, path), s.mux.Carry())
	if err != nil {
		s.rotateWait = now.Add(rotateRetryDelay)
		e.logf(log.LevelError, s.index, "rotate: %v", err)
		return nil
	}

	prev := s.mux
	s.mux = next
	s.rotateDue = false
	s.startTime = now
	s.files++

	e.cfg.Metrics.Rotation(s.index)
	e.logf(log.LevelInfo, s.index, "%v ==> %v", s.cfg.URL, path)
	return prev
}
