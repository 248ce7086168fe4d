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

// Package web implements the HTTP admin surface.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"stream2file/pkg/log"
	"stream2file/pkg/r2f"
	"stream2file/pkg/storage"
	"stream2file/pkg/web/auth"

	"github.com/gorilla/websocket"
)

const jsonContentType = "application/json"

// SessionManager is implemented by the recording engine.
type SessionManager interface {
	Sessions() []r2f.Status
	StartSession(r2f.SessionConfig) (int, error)
	StopSession(int) error
}

// SessionConfigFunc validates a session and applies defaults.
type SessionConfigFunc func(storage.ConfigSession) (r2f.SessionConfig, error)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", jsonContentType)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "could not encode json", http.StatusInternalServerError)
	}
}

// SessionList returns the status of every session.
func SessionList(m SessionManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		sessions := m.Sessions()
		if sessions == nil {
			sessions = []r2f.Status{}
		}
		writeJSON(w, sessions)
	})
}

// SessionStart starts a session from a json body.
func SessionStart(m SessionManager, toConfig SessionConfigFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		var s storage.ConfigSession
		if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
			http.Error(w, "unmarshal error: "+err.Error(), http.StatusBadRequest)
			return
		}
		c, err := toConfig(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		index, err := m.StartSession(c)
		switch {
		case errors.Is(err, r2f.ErrNoSession):
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		case err != nil:
			http.Error(w, "could not start session: "+err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, map[string]int{"index": index})
	})
}

// SessionStop stops the session in the "index" query parameter.
func SessionStop(m SessionManager) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		index, err := strconv.Atoi(r.URL.Query().Get("index"))
		if err != nil {
			http.Error(w, "invalid index", http.StatusBadRequest)
			return
		}

		err = m.StopSession(index)
		switch {
		case errors.Is(err, r2f.ErrSessionExist):
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})
}

// RecordingList lists recordings, oldest first.
func RecordingList(list func() ([]storage.Recording, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		recordings, err := list()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if recordings == nil {
			recordings = []storage.Recording{}
		}
		writeJSON(w, recordings)
	})
}

// DiskUsage returns the recording disk usage.
func DiskUsage(usage func(time.Duration) (storage.DiskUsage, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		u, err := usage(time.Minute)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, u)
	})
}

func parseCSVParam(query url.Values, key string) []string {
	csv := query.Get(key)
	if csv == "" {
		return nil
	}
	return strings.Split(csv, ",")
}

func parseLogQuery(query url.Values) (log.Query, error) {
	var levels []log.Level
	for _, levelStr := range parseCSVParam(query, "levels") {
		level, err := log.ParseLevel(levelStr)
		if err != nil {
			return log.Query{}, err
		}
		levels = append(levels, level)
	}
	return log.Query{
		Levels:   levels,
		Sources:  parseCSVParam(query, "sources"),
		Sessions: parseCSVParam(query, "sessions"),
	}, nil
}

// LogFeed opens a websocket with system logs.
func LogFeed(logger *log.Logger, a *auth.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		q, err := parseLogQuery(r.URL.Query())
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		upgrader := websocket.Upgrader{}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		feed, cancel := logger.Subscribe()
		defer cancel()

		for {
			var entry log.Log
			select {
			case e, ok := <-feed:
				if !ok {
					return
				}
				entry = e
			case <-r.Context().Done():
				return
			}

			if !q.Match(entry) {
				continue
			}

			// Validate auth before each message.
			auth := a.ValidateRequest(r)
			if !auth.IsValid || !auth.User.IsAdmin {
				return
			}

			if err := c.WriteJSON(entry); err != nil {
				return
			}
		}
	})
}

// LogQueryer is implemented by the log database.
type LogQueryer interface {
	Query(log.Query) ([]log.Log, error)
}

// LogQuery handles log queries.
func LogQuery(logDB LogQueryer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}
		query := r.URL.Query()

		q, err := parseLogQuery(query)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		limit := query.Get("limit")
		if limit == "" {
			http.Error(w, "limit missing", http.StatusBadRequest)
			return
		}
		if q.Limit, err = strconv.Atoi(limit); err != nil {
			http.Error(w, fmt.Sprintf("could not convert limit to int: %v", err), http.StatusBadRequest)
			return
		}

		if t := query.Get("time"); t != "" {
			timeInt, err := strconv.ParseUint(t, 10, 64)
			if err != nil {
				http.Error(w, fmt.Sprintf("could not convert time to int: %v", err), http.StatusBadRequest)
				return
			}
			q.Time = log.UnixMicro(timeInt)
		}

		logs, err := logDB.Query(q)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if logs == nil {
			logs = []log.Log{}
		}
		writeJSON(w, logs)
	})
}
