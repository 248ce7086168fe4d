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
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"stream2file/pkg/log"
	"stream2file/pkg/r2f"
	"stream2file/pkg/storage"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func stubCPU(_ context.Context, _ time.Duration, _ bool) ([]float64, error) {
	return []float64{11}, nil
}

func stubRAM() (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{
		UsedPercent: 22.0,
	}, nil
}

func stubDisk(time.Duration) (storage.DiskUsage, error) {
	return storage.DiskUsage{
		Percent:   33,
		Formatted: "44",
	}, nil
}

func stubSessions() []r2f.Status {
	return []r2f.Status{
		{Index: 0, Connected: true},
		{Index: 1},
	}
}

func stubCPUErr(_ context.Context, _ time.Duration, _ bool) ([]float64, error) {
	return nil, errors.New("")
}

func stubRAMErr() (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{}, errors.New("")
}

func stubDiskErr(time.Duration) (storage.DiskUsage, error) {
	return storage.DiskUsage{}, errors.New("stub")
}

func TestUpdate(t *testing.T) {
	cases := map[string]struct {
		cpu           cpuFunc
		ram           ramFunc
		disk          diskFunc
		expectedError bool
		expected      status
	}{
		"cpuErr":  {stubCPUErr, stubRAM, stubDisk, true, status{}},
		"ramErr":  {stubCPU, stubRAMErr, stubDisk, true, status{}},
		"diskErr": {stubCPU, stubRAM, stubDiskErr, true, status{}},
		"ok": {stubCPU, stubRAM, stubDisk, false, status{
			CPUUsage:           11,
			RAMUsage:           22,
			DiskUsage:          33,
			DiskUsageFormatted: "44",
			Sessions:           2,
			Connected:          1,
		}},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := system{
				cpu:      tc.cpu,
				ram:      tc.ram,
				disk:     tc.disk,
				sessions: stubSessions,
			}

			err := s.update(context.Background())
			require.Equal(t, tc.expectedError, err != nil)
			require.Equal(t, tc.expected, s.getStatus())
		})
	}
}

func TestLoop(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		s := system{
			cpu:      stubCPU,
			ram:      stubRAM,
			disk:     stubDisk,
			sessions: stubSessions,
		}

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		s.StatusLoop(ctx)
		require.Equal(t, 11, s.getStatus().CPUUsage)
	})
	t.Run("errorLogged", func(t *testing.T) {
		logger := log.NewMockLogger()
		feed, cancelFeed := logger.Subscribe()
		defer cancelFeed()

		s := system{
			cpu:      stubCPU,
			ram:      stubRAM,
			disk:     stubDiskErr,
			sessions: stubSessions,
			duration: time.Hour,
			log:      logger,
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			s.StatusLoop(ctx)
			close(done)
		}()

		entry := <-feed
		require.Equal(t,
			"could not update system status: could not get disk usage: stub",
			entry.Msg,
		)
		cancel()
		<-done
	})
}

func TestHandleStatus(t *testing.T) {
	s := &system{status: status{CPUUsage: 5, Sessions: 1}}

	t.Run("ok", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/api/status", nil)
		handleStatus(s).ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)

		var got status
		require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
		require.Equal(t, s.getStatus(), got)
	})
	t.Run("method", func(t *testing.T) {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/api/status", nil)
		handleStatus(s).ServeHTTP(w, r)
		require.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})
}
