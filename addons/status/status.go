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

package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"stream2file"
	"stream2file/pkg/log"
	"stream2file/pkg/r2f"
	"stream2file/pkg/storage"
	"stream2file/pkg/web/auth"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

func init() {
	var addon struct {
		log     *log.Logger
		storage *storage.Manager
		engine  *r2f.Engine
		auth    *auth.Authenticator
		sys     *system
	}

	stream2file.RegisterLogHook(func(l *log.Logger) {
		addon.log = l
	})
	stream2file.RegisterStorageHook(func(s *storage.Manager) {
		addon.storage = s
	})
	stream2file.RegisterEngineHook(func(e *r2f.Engine) {
		addon.engine = e
	})
	stream2file.RegisterAuthHook(func(a *auth.Authenticator) {
		addon.auth = a
	})

	stream2file.RegisterMuxHook(func(mux *http.ServeMux) {
		addon.sys = newSystem(addon.storage.DiskUsage, addon.engine.Sessions, addon.log)
		mux.Handle("/api/status", addon.auth.User(handleStatus(addon.sys)))
	})

	stream2file.RegisterAppRunHook(func(ctx context.Context) error {
		go addon.sys.StatusLoop(ctx)
		return nil
	})
}

type status struct {
	CPUUsage           int    `json:"cpuUsage"`
	RAMUsage           int    `json:"ramUsage"`
	DiskUsage          int    `json:"diskUsage"`
	DiskUsageFormatted string `json:"diskUsageFormatted"`
	Sessions           int    `json:"sessions"`
	Connected          int    `json:"connected"`
}

type (
	cpuFunc      func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc      func() (*mem.VirtualMemoryStat, error)
	diskFunc     func(time.Duration) (storage.DiskUsage, error)
	sessionsFunc func() []r2f.Status
)

type system struct {
	cpu      cpuFunc
	ram      ramFunc
	disk     diskFunc
	sessions sessionsFunc

	status   status
	duration time.Duration

	log *log.Logger
	mu  sync.Mutex
}

func newSystem(disk diskFunc, sessions sessionsFunc, log *log.Logger) *system {
	return &system{
		cpu:      cpu.PercentWithContext,
		ram:      mem.VirtualMemory,
		disk:     disk,
		sessions: sessions,

		duration: 10 * time.Second,

		log: log,
	}
}

// Disk usage is reused if it is younger than this.
const diskMaxAge = 5 * time.Minute

func (s *system) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("could not get cpu usage: %w", err)
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("could not get ram usage: %w", err)
	}
	diskUsage, err := s.disk(diskMaxAge)
	if err != nil {
		return fmt.Errorf("could not get disk usage: %w", err)
	}

	sessions := s.sessions()
	connected := 0
	for _, session := range sessions {
		if session.Connected {
			connected++
		}
	}

	s.mu.Lock()
	s.status = status{
		CPUUsage:           int(cpuUsage[0]),
		RAMUsage:           int(ramUsage.UsedPercent),
		DiskUsage:          diskUsage.Percent,
		DiskUsageFormatted: diskUsage.Formatted,
		Sessions:           len(sessions),
		Connected:          connected,
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *system) StatusLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.update(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Src("app").Msgf("could not update system status: %v", err)
			select {
			case <-time.After(s.duration):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *system) getStatus() status {
	defer s.mu.Unlock()
	s.mu.Lock()
	return s.status
}

func handleStatus(sys *system) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(sys.getStatus()); err != nil {
			http.Error(w, "could not encode json", http.StatusInternalServerError)
		}
	})
}
