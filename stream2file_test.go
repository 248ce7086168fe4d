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

package stream2file

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"stream2file/pkg/client"
	"stream2file/pkg/log"
	"stream2file/pkg/r2f"
	"stream2file/pkg/storage"

	"github.com/stretchr/testify/require"
)

func writeTestEnv(t *testing.T, yaml string) string {
	t.Helper()
	envPath := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(envPath, []byte(yaml), 0o600))
	return envPath
}

func TestNewApp(t *testing.T) {
	t.Run("hooks", func(t *testing.T) {
		storageDir := t.TempDir()
		envPath := writeTestEnv(t, "port: 2021\nstorageDir: "+storageDir+"\nlogLevel: debug\n")

		var called []string
		h := &hookList{}
		h.onEnv = append(h.onEnv, func(env *storage.ConfigEnv) {
			require.Equal(t, 2021, env.Port)
			called = append(called, "env")
		})
		h.onLog = append(h.onLog, func(l *log.Logger) {
			require.Equal(t, log.LevelDebug, l.Level())
			called = append(called, "log")
		})
		h.onClients = append(h.onClients, func(r *client.Registry) {
			require.Contains(t, r.Schemes(), "sdp")
			called = append(called, "clients")
		})
		h.onEngine = append(h.onEngine, func(*r2f.Engine) {
			called = append(called, "engine")
		})
		h.onMux = append(h.onMux, func(mux *http.ServeMux) {
			mux.Handle("/test", http.NotFoundHandler())
			called = append(called, "mux")
		})

		app, err := newApp(envPath, &sync.WaitGroup{}, h)
		require.NoError(t, err)
		require.Equal(t, []string{"env", "log", "clients", "engine", "mux"}, called)
		require.Equal(t, ":2021", app.server.Addr)
		require.Equal(t, []string{filepath.Join(storageDir, "recordings")}, app.Storage.Dirs())
	})
	t.Run("routes", func(t *testing.T) {
		envPath := writeTestEnv(t, "storageDir: "+t.TempDir()+"\n")
		app, err := newApp(envPath, &sync.WaitGroup{}, &hookList{})
		require.NoError(t, err)

		for _, path := range []string{"/", "/api/sessions", "/api/recordings", "/metrics"} {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, path, nil)
			app.Mux.ServeHTTP(w, r)
			require.Equal(t, http.StatusOK, w.Code, path)
		}
	})
	t.Run("missingEnv", func(t *testing.T) {
		_, err := newApp(filepath.Join(t.TempDir(), "nil.yaml"), &sync.WaitGroup{}, &hookList{})
		require.Error(t, err)
	})
	t.Run("invalidEnv", func(t *testing.T) {
		envPath := writeTestEnv(t, "unknownField: 1\n")
		_, err := newApp(envPath, &sync.WaitGroup{}, &hookList{})
		require.Error(t, err)
	})
}

func TestFileClosedHook(t *testing.T) {
	var got []string
	h := &hookList{}
	h.onFileClosed = append(h.onFileClosed, func(session int, path string) {
		got = append(got, path)
	})
	h.fileClosed(1, "/a.avi")
	h.fileClosed(2, "/b.avi")
	require.Equal(t, []string{"/a.avi", "/b.avi"}, got)
}
