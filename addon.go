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
	"context"
	"net/http"

	"stream2file/pkg/client"
	"stream2file/pkg/log"
	"stream2file/pkg/r2f"
	"stream2file/pkg/storage"
	"stream2file/pkg/web/auth"
)

type (
	envHook        func(*storage.ConfigEnv)
	logHook        func(*log.Logger)
	authHook       func(*auth.Authenticator)
	storageHook    func(*storage.Manager)
	engineHook     func(*r2f.Engine)
	clientHook     func(*client.Registry)
	muxHook        func(*http.ServeMux)
	appRunHook     func(context.Context) error
	fileClosedHook func(session int, path string)
)

type hookList struct {
	onEnv        []envHook
	onAuth       []authHook
	onStorage    []storageHook
	onLog        []logHook
	onEngine     []engineHook
	onClients    []clientHook
	onMux        []muxHook
	onAppRun     []appRunHook
	onFileClosed []fileClosedHook
}

var hooks = &hookList{}

// RegisterEnvHook registers hook that's called when environment config is loaded.
func RegisterEnvHook(h envHook) {
	hooks.onEnv = append(hooks.onEnv, h)
}

// RegisterLogHook is used to grab the logger.
func RegisterLogHook(h logHook) {
	hooks.onLog = append(hooks.onLog, h)
}

// RegisterAuthHook is used to grab the authenticator.
func RegisterAuthHook(h authHook) {
	hooks.onAuth = append(hooks.onAuth, h)
}

// RegisterStorageHook is used to grab the storage manager.
func RegisterStorageHook(h storageHook) {
	hooks.onStorage = append(hooks.onStorage, h)
}

// RegisterEngineHook is used to grab the recording engine.
func RegisterEngineHook(h engineHook) {
	hooks.onEngine = append(hooks.onEngine, h)
}

// RegisterClientHook registers hook used to add protocol clients.
func RegisterClientHook(h clientHook) {
	hooks.onClients = append(hooks.onClients, h)
}

// RegisterMuxHook registers hook used to modifiy routes.
func RegisterMuxHook(h muxHook) {
	hooks.onMux = append(hooks.onMux, h)
}

// RegisterAppRunHook registers hook that's called when app runs.
func RegisterAppRunHook(h appRunHook) {
	hooks.onAppRun = append(hooks.onAppRun, h)
}

// RegisterFileClosedHook registers hook that's called after a recording
// is finalized. Must not call back into the engine.
func RegisterFileClosedHook(h fileClosedHook) {
	hooks.onFileClosed = append(hooks.onFileClosed, h)
}

func (h *hookList) env(env *storage.ConfigEnv) {
	for _, hook := range h.onEnv {
		hook(env)
	}
}

func (h *hookList) log(log *log.Logger) {
	for _, hook := range h.onLog {
		hook(log)
	}
}

func (h *hookList) auth(a *auth.Authenticator) {
	for _, hook := range h.onAuth {
		hook(a)
	}
}

func (h *hookList) storage(s *storage.Manager) {
	for _, hook := range h.onStorage {
		hook(s)
	}
}

func (h *hookList) engine(e *r2f.Engine) {
	for _, hook := range h.onEngine {
		hook(e)
	}
}

func (h *hookList) clients(r *client.Registry) {
	for _, hook := range h.onClients {
		hook(r)
	}
}

func (h *hookList) mux(mux *http.ServeMux) {
	for _, hook := range h.onMux {
		hook(mux)
	}
}

func (h *hookList) appRun(ctx context.Context) error {
	for _, hook := range h.onAppRun {
		if err := hook(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (h *hookList) fileClosed(session int, path string) {
	for _, hook := range h.onFileClosed {
		hook(session, path)
	}
}
