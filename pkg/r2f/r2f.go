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

// Package r2f records protocol client streams to rotating files.
package r2f

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"stream2file/pkg/client"
	"stream2file/pkg/log"
	"stream2file/pkg/media"
	"stream2file/pkg/metrics"
	"stream2file/pkg/mux"
	"stream2file/pkg/rua"

	"github.com/google/uuid"
)

// Defaults.
const (
	DefaultQueueSize      = 10
	DefaultReconnectDelay = 100 * time.Millisecond
)

// Errors.
var (
	ErrNoSession      = rua.ErrPoolExhausted
	ErrSessionExist   = errors.New("session does not exist")
	ErrSavePath       = errors.New("save path does not exist")
	ErrNotRunning     = errors.New("engine is not running")
	ErrAlreadyRunning = errors.New("engine is already running")
)

// SessionConfig one stream to record.
type SessionConfig struct {
	URL  string
	User string
	Pass string

	SavePath  string
	Container mux.Container

	// FPS framerate hint, 0 if unknown.
	FPS int

	// RecordSize rotation size in KB, 0 disables.
	RecordSize int64

	// RecordTime rotation duration, 0 disables.
	RecordTime time.Duration
}

// Hooks engine hooks.
type Hooks struct {
	// FileClosed is called after a recording has been finalized.
	// It is never called with a session lock held, engine
	// queries like Sessions are safe to call from it.
	FileClosed func(session int, path string)
}

// Config engine config.
type Config struct {
	Capacity       int
	QueueSize      int
	ReconnectDelay time.Duration

	Clients *client.Registry
	Logger  *log.Logger
	Metrics *metrics.Metrics
	Hooks   Hooks
}

// message queued from client callbacks to the task goroutine.
type message struct {
	handle rua.Handle
	gen    uint64
	attach uint64 // Client attachment the event belongs to.
	event  client.Event
	exit   bool
}

// Engine owns the session pool and the task goroutine.
type Engine struct {
	cfg   Config
	pool  *rua.Pool[session]
	queue chan message

	// Serializes session start, stop and reconnect.
	lifecycle sync.Mutex

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	now     func() time.Time
	sleep   func(time.Duration)
	newPath func(SessionConfig, time.Time) string
}

// New creates a engine.
func New(cfg Config) *Engine {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.Clients == nil {
		cfg.Clients = client.NewRegistry()
	}
	return &Engine{
		cfg:     cfg,
		pool:    rua.NewPool[session](cfg.Capacity),
		queue:   make(chan message, cfg.QueueSize),
		done:    make(chan struct{}),
		now:     time.Now,
		sleep:   time.Sleep,
		newPath: FilePath,
	}
}

func (e *Engine) logf(level log.Level, session int, format string, a ...interface{}) {
	if e.cfg.Logger == nil {
		return
	}
	var ev *log.Event
	switch level {
	case log.LevelError:
		ev = e.cfg.Logger.Error()
	case log.LevelWarning:
		ev = e.cfg.Logger.Warn()
	case log.LevelInfo:
		ev = e.cfg.Logger.Info()
	default:
		ev = e.cfg.Logger.Debug()
	}
	if session >= 0 {
		ev = ev.Session(session)
	}
	ev.Src("r2f").Msgf(format, a...)
}

// FilePath returns <savePath>/<host>_<YYYY_MM_DD_HH_MM_SS>_<random>.<ext>
func FilePath(c SessionConfig, now time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.%s",
		client.HostName(c.URL),
		now.Format("2006_01_02_15_04_05"),
		uuid.NewString()[:8],
		c.Container.Ext(),
	)
	if c.SavePath == "" {
		return name
	}
	return filepath.Join(c.SavePath, name)
}

// Start starts the task goroutine.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrAlreadyRunning
	}
	select {
	case <-e.done:
		return ErrNotRunning
	default:
	}
	e.running = true

	e.wg.Add(1)
	go e.run()
	return nil
}

func (e *Engine) run() {
	defer e.wg.Done()
	for {
		msg := <-e.queue
		e.cfg.Metrics.SetQueueLength(len(e.queue))
		if msg.exit {
			e.logf(log.LevelDebug, -1, "task exit")
			return
		}
		e.handle(msg)
	}
}

// post blocks until the message is queued, the client instance is
// stopped or the engine has stopped.
func (e *Engine) post(msg message, clientDone <-chan struct{}) {
	// A detached client must not race the send below.
	select {
	case <-clientDone:
		return
	default:
	}
	select {
	case e.queue <- msg:
		e.cfg.Metrics.SetQueueLength(len(e.queue))
	case <-clientDone:
	case <-e.done:
	}
}

func (e *Engine) handle(msg message) {
	if !msg.event.IsFailure() {
		return
	}
	s, ok := e.pool.LookupGen(msg.handle, msg.gen)
	if !ok {
		return
	}

	if !e.reconnect(s, msg, "%v, reconnecting", msg.event) {
		return
	}

	// Reconnects are retried forever, the sleep is the only backoff.
	e.sleep(e.cfg.ReconnectDelay)
}

// Notify queues a event for a session as if it came from its client.
func (e *Engine) Notify(index int, event client.Event) error {
	h := rua.Handle(index)
	s, ok := e.pool.Lookup(h)
	if !ok {
		return ErrSessionExist
	}
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrSessionExist
	}
	msg := message{handle: h, gen: s.gen, attach: s.attach, event: event}
	done := s.clientDone
	s.mu.Unlock()

	e.post(msg, done)
	return nil
}

// StartSession acquires a session, opens the first file and starts
// the protocol client. Open and start errors are fatal.
func (e *Engine) StartSession(c SessionConfig) (int, error) {
	if _, err := e.cfg.Clients.ValidateURL(c.URL); err != nil {
		return -1, err
	}
	if c.SavePath != "" {
		if stat, err := os.Stat(c.SavePath); err != nil || !stat.IsDir() {
			return -1, fmt.Errorf("%w: %v", ErrSavePath, c.SavePath)
		}
	}

	select {
	case <-e.done:
		return -1, ErrNotRunning
	default:
	}

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	h, s, gen, err := e.pool.Acquire()
	if err != nil {
		return -1, err
	}
	index := int(h)

	s.mu.Lock()
	s.index = index
	s.gen = gen
	s.cfg = c
	s.mu.Unlock()

	if err := e.startSession(s, h, gen); err != nil {
		e.teardown(s)
		e.pool.Release(h) //nolint:errcheck
		return -1, err
	}

	e.cfg.Metrics.SetActive(e.pool.Len())
	return index, nil
}

func (e *Engine) startSession(s *session, h rua.Handle, gen uint64) error {
	s.mu.Lock()
	c := s.cfg
	path := e.newPath(c, e.now())
	m, err := mux.Open(e.muxConfig(s, path))
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("open %v: %w", path, err)
	}
	s.mux = m
	s.startTime = e.now()
	s.mu.Unlock()

	cl, err := e.cfg.Clients.New(c.URL, e.cfg.Logger)
	if err != nil {
		return err
	}
	if err := e.startClient(s, h, gen, cl); err != nil {
		return fmt.Errorf("start client: %w", err)
	}

	e.logf(log.LevelInfo, int(h), "%v ==> %v", c.URL, path)
	return nil
}

func (e *Engine) muxConfig(s *session, path string) mux.Config {
	return mux.Config{
		Path:      path,
		Container: s.cfg.Container,
		FPS:       s.cfg.FPS,
		Logger:    e.cfg.Logger,
		Session:   s.index,
	}
}

// startClient attaches the client to the session, registers the
// callbacks and starts it.
func (e *Engine) startClient(s *session, h rua.Handle, gen uint64, cl client.Client) error {
	done := make(chan struct{})

	s.mu.Lock()
	s.client = cl
	s.clientDone = done
	s.attach++
	attach := s.attach
	c := s.cfg
	s.mu.Unlock()

	cl.SetNotifyCB(func(ev client.Event) {
		e.onNotify(h, gen, attach, cl, done, ev)
	})
	cl.SetVideoCB(func(data []byte, codec media.VideoCodec) {
		e.onVideo(h, gen, cl, data, codec)
	})
	cl.SetAudioCB(func(data []byte) {
		e.onAudio(h, gen, cl, data)
	})
	return cl.Start(c.URL, c.User, c.Pass)
}

// reconnect replaces the client of a session. Events from a client
// that was already replaced are ignored. The old client is stopped
// without holding the session lock since its callbacks may be
// waiting for it. Reports if a reconnect was attempted.
func (e *Engine) reconnect(s *session, msg message, format string, a ...interface{}) bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	h, gen := msg.handle, msg.gen
	s.mu.Lock()
	if s.gen != gen || s.stopping || s.attach != msg.attach {
		s.mu.Unlock()
		return false
	}
	old := s.detachClient()
	attach := s.attach
	c := s.cfg
	s.mu.Unlock()

	e.logf(log.LevelWarning, int(h), format, a...)

	if old != nil {
		if err := old.Stop(); err != nil {
			e.logf(log.LevelError, int(h), "stop client: %v", err)
		}
	}
	e.cfg.Metrics.Reconnect(int(h))

	cl, err := e.cfg.Clients.New(c.URL, e.cfg.Logger)
	if err != nil {
		e.logf(log.LevelError, int(h), "reconnect: %v", err)
		go e.post(message{handle: h, gen: gen, attach: attach, event: client.EventConnFail}, nil)
		return true
	}
	if err := e.startClient(s, h, gen, cl); err != nil {
		e.logf(log.LevelError, int(h), "reconnect: start: %v", err)

		s.mu.Lock()
		done, attach := s.clientDone, s.attach
		s.mu.Unlock()

		// Posted from a new goroutine, the task goroutine is the consumer.
		go e.post(message{handle: h, gen: gen, attach: attach, event: client.EventConnFail}, done)
	}
	return true
}

// StopSession stops the client, finalizes the file and releases the session.
func (e *Engine) StopSession(index int) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.stopSession(rua.Handle(index))
}

func (e *Engine) stopSession(h rua.Handle) error {
	s, ok := e.pool.Lookup(h)
	if !ok {
		return ErrSessionExist
	}
	e.teardown(s)
	if err := e.pool.Release(h); err != nil {
		return err
	}
	e.cfg.Metrics.SetActive(e.pool.Len())
	e.logf(log.LevelInfo, int(h), "stopped")
	return nil
}

// teardown closes the client before the file so no
// callback can touch a closed muxer.
func (e *Engine) teardown(s *session) {
	s.mu.Lock()
	s.stopping = true
	cl := s.detachClient()
	s.mu.Unlock()

	if cl != nil {
		if err := cl.Stop(); err != nil {
			e.logf(log.LevelError, s.index, "stop client: %v", err)
		}
	}

	s.mu.Lock()
	m := s.mux
	s.mux = nil
	s.mu.Unlock()

	if m != nil {
		e.closeMuxer(s.index, m)
	}
}

func (e *Engine) closeMuxer(index int, m *mux.Muxer) {
	size := m.Size()
	if err := m.Close(); err != nil {
		e.logf(log.LevelError, index, "close %v: %v", m.Path(), err)
		return
	}
	e.cfg.Metrics.FileClosed(size)
	if e.cfg.Hooks.FileClosed != nil {
		e.cfg.Hooks.FileClosed(index, m.Path())
	}
}

// Stop posts the exit message, waits for the task goroutine and
// tears down every session.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	// FIFO after pending events.
	e.queue <- message{exit: true}
	e.wg.Wait()
	close(e.done)

	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.pool.Each(func(h rua.Handle, _ *session) {
		if err := e.stopSession(h); err != nil {
			e.logf(log.LevelError, int(h), "stop: %v", err)
		}
	})
}

// Sessions returns the status of every session.
func (e *Engine) Sessions() []Status {
	var list []Status
	e.pool.Each(func(_ rua.Handle, s *session) {
		list = append(list, s.status())
	})
	return list
}

// Session returns the status of one session.
func (e *Engine) Session(index int) (Status, error) {
	s, ok := e.pool.Lookup(rua.Handle(index))
	if !ok {
		return Status{}, ErrSessionExist
	}
	return s.status(), nil
}
