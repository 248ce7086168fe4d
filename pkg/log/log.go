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

package log

// API inspired by zerolog https://github.com/rs/zerolog

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Level defines log level.
type Level uint8

// Logging constants, matching ffmpeg.
const (
	LevelError   Level = 16
	LevelWarning Level = 24
	LevelInfo    Level = 32
	LevelDebug   Level = 48
)

// ErrInvalidLevel unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// ParseLevel parses "error", "warning", "info" or "debug".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

func (l Level) String() string {
	switch l {
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	}
	return strconv.Itoa(int(l))
}

// UnixMicro microseconds since epoch.
type UnixMicro uint64

// Event defines log event.
type Event struct {
	level   Level
	time    UnixMicro
	src     string
	session string

	logger *Logger
}

// Log defines log entry.
type Log struct {
	Level   Level
	Time    UnixMicro
	Msg     string
	Src     string
	Session string // Pool index of the source session.
}

// Src sets event source.
func (e *Event) Src(source string) *Event {
	e.src = source
	return e
}

// Session sets the source session.
func (e *Event) Session(index int) *Event {
	e.session = strconv.Itoa(index)
	return e
}

// Time sets event time.
func (e *Event) Time(t time.Time) *Event {
	e.time = UnixMicro(t.UnixNano() / 1000)
	return e
}

// Msg sends the *Event with msg added as the message field.
func (e *Event) Msg(msg string) {
	if e.level > e.logger.Level() {
		return
	}
	log := Log{
		Time:    e.time,
		Level:   e.level,
		Msg:     msg,
		Src:     e.src,
		Session: e.session,
	}

	select {
	case e.logger.feed <- log:
	case <-e.logger.done:
	}
}

// Msgf sends the event with formatted msg added as the message field.
func (e *Event) Msgf(format string, v ...interface{}) {
	e.Msg(fmt.Sprintf(format, v...))
}

// Feed defines feed of logs.
type Feed <-chan Log
type logFeed chan Log

// Logger logs.
type Logger struct {
	feed  logFeed      // feed of logs.
	sub   chan logFeed // subscribe requests.
	unsub chan logFeed // unsubscribe requests.
	done  chan struct{}

	mu    sync.Mutex
	level Level
}

// NewLogger returns a Logger, Start must be called before use.
func NewLogger() *Logger {
	return &Logger{
		feed:  make(logFeed),
		sub:   make(chan logFeed),
		unsub: make(chan logFeed),
		done:  make(chan struct{}),
		level: LevelInfo,
	}
}

// NewMockLogger used for testing, logs are discarded.
func NewMockLogger() *Logger {
	l := NewLogger()
	l.SetLevel(LevelDebug)
	go l.Start(context.Background())
	return l
}

// SetLevel sets the most verbose level that is logged.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Level returns the most verbose level that is logged.
func (l *Logger) Level() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Start logger, blocks until ctx is canceled.
func (l *Logger) Start(ctx context.Context) {
	subs := map[logFeed]struct{}{}
	for {
		select {
		case <-ctx.Done():
			close(l.done)
			return

		case ch := <-l.sub:
			subs[ch] = struct{}{}

		case ch := <-l.unsub:
			close(ch)
			delete(subs, ch)

		case msg := <-l.feed:
			for ch := range subs {
				ch <- msg
			}
		}
	}
}

// CancelFunc cancels log feed subsciption.
type CancelFunc func()

// Subscribe returns a new chan with log feed and a CancelFunc.
func (l *Logger) Subscribe() (<-chan Log, CancelFunc) {
	feed := make(logFeed)
	select {
	case l.sub <- feed:
	case <-l.done:
		close(feed)
		return feed, func() {}
	}

	cancel := func() {
		l.unSubscribe(feed)
	}
	return feed, cancel
}

func (l *Logger) unSubscribe(feed logFeed) {
	// Read feed until unsub request is accepted.
	for {
		select {
		case l.unsub <- feed:
			return
		case <-feed:
		case <-l.done:
			return
		}
	}
}

// LogToStdout prints log feed to Stdout.
func (l *Logger) LogToStdout(ctx context.Context) {
	feed, cancel := l.Subscribe()
	defer cancel()
	for {
		select {
		case log, ok := <-feed:
			if !ok {
				return
			}
			fmt.Println(formatLog(log))
		case <-ctx.Done():
			return
		}
	}
}

func formatLog(log Log) string {
	var b strings.Builder
	switch log.Level {
	case LevelError:
		b.WriteString("[ERROR] ")
	case LevelWarning:
		b.WriteString("[WARNING] ")
	case LevelInfo:
		b.WriteString("[INFO] ")
	case LevelDebug:
		b.WriteString("[DEBUG] ")
	}
	if log.Session != "" {
		b.WriteString("session " + log.Session + ": ")
	}
	if log.Src != "" {
		b.WriteString(strings.ToUpper(log.Src[:1]) + log.Src[1:] + ": ")
	}
	b.WriteString(log.Msg)
	return b.String()
}

func (l *Logger) newEvent(level Level) *Event {
	return &Event{
		level:  level,
		time:   UnixMicro(time.Now().UnixNano() / 1000),
		logger: l,
	}
}

// Error starts a new message with error level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Error() *Event {
	return l.newEvent(LevelError)
}

// Warn starts a new message with warn level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Warn() *Event {
	return l.newEvent(LevelWarning)
}

// Info starts a new message with info level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Info() *Event {
	return l.newEvent(LevelInfo)
}

// Debug starts a new message with debug level.
// You must call Msg on the returned event in order to send the event.
func (l *Logger) Debug() *Event {
	return l.newEvent(LevelDebug)
}

// Func returns a printf style function that logs
// at the given level with a fixed source.
func (l *Logger) Func(level Level, src string) func(string, ...interface{}) {
	return func(format string, a ...interface{}) {
		l.newEvent(level).Src(src).Msgf(format, a...)
	}
}
