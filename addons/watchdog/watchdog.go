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

package watchdog

// Watchdog detects frozen sessions and makes the engine reconnect them.
// Freeze is detected by polling the time of the last received video frame.

import (
	"context"
	"time"

	"stream2file"
	"stream2file/pkg/client"
	"stream2file/pkg/log"
	"stream2file/pkg/r2f"
)

func init() {
	var addon struct {
		log    *log.Logger
		engine *r2f.Engine
	}

	stream2file.RegisterLogHook(func(l *log.Logger) {
		addon.log = l
	})
	stream2file.RegisterEngineHook(func(e *r2f.Engine) {
		addon.engine = e
	})

	stream2file.RegisterAppRunHook(func(ctx context.Context) error {
		d := &watchdog{
			interval: defaultInterval,
			sessions: addon.engine.Sessions,
			notify:   addon.engine.Notify,
			now:      time.Now,
			logf: func(level log.Level, session int, format string, a ...interface{}) {
				ev := addon.log.Warn()
				if level == log.LevelError {
					ev = addon.log.Error()
				}
				ev.Src("watchdog").Session(session).Msgf(format, a...)
			},
		}
		go d.start(ctx)
		return nil
	})
}

const defaultInterval = 10 * time.Second

type logFunc func(level log.Level, session int, format string, a ...interface{})

type watchdog struct {
	interval time.Duration
	sessions func() []r2f.Status
	notify   func(int, client.Event) error
	now      func() time.Time
	logf     logFunc
}

func (d *watchdog) start(ctx context.Context) {
	for {
		select {
		case <-time.After(d.interval):
		case <-ctx.Done():
			return
		}
		d.check()
	}
}

func (d *watchdog) check() {
	now := d.now()
	for _, s := range d.sessions() {
		if !s.Connected {
			continue
		}
		last := s.LastFrame
		if last.IsZero() {
			last = s.Started
		}
		if last.IsZero() || now.Sub(last) < d.interval {
			continue
		}

		d.logf(log.LevelWarning, s.Index,
			"possible freeze detected, no frames for %v", now.Sub(last).Round(time.Second))

		if err := d.notify(s.Index, client.EventNoData); err != nil {
			d.logf(log.LevelError, s.Index, "could not notify engine: %v", err)
		}
	}
}
