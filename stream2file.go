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

// Package stream2file records network camera streams to rotating files.
package stream2file

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"stream2file/pkg/client"
	"stream2file/pkg/client/rtpsdp"
	"stream2file/pkg/log"
	"stream2file/pkg/metrics"
	"stream2file/pkg/r2f"
	"stream2file/pkg/storage"
	"stream2file/pkg/web"
	"stream2file/pkg/web/auth"
)

const purgeInterval = time.Minute

// Run .
func Run() error {
	envFlag := flag.String("env", "", "path to env.yaml")
	flag.Parse()

	if *envFlag == "" {
		flag.Usage()
		return nil
	}

	envPath, err := filepath.Abs(*envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}

	wg := &sync.WaitGroup{}
	app, err := newApp(envPath, wg, hooks)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fatal := make(chan error, 1)
	go func() { fatal <- app.run(ctx) }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err = <-fatal:
		app.Logger.Error().Src("app").Msgf("fatal error: %v", err)
	case signal := <-stop:
		app.Logger.Info().Src("app").Msgf("received %v, stopping", signal)
	}

	// Clients are stopped before their files are closed.
	app.Engine.Stop()
	app.Logger.Info().Src("app").Msg("sessions stopped")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	shutdownErr := app.server.Shutdown(ctx2)

	cancel()
	wg.Wait()

	if err != nil {
		return err
	}
	return shutdownErr
}

func newApp(envPath string, wg *sync.WaitGroup, hooks *hookList) (*App, error) {
	// Environment config.
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("could not read env.yaml: %w", err)
	}

	env, err := storage.NewConfigEnv(envPath, envYAML)
	if err != nil {
		return nil, fmt.Errorf("could not get environment config: %w", err)
	}
	hooks.env(env)

	// Logs.
	logger := log.NewLogger()
	logger.SetLevel(env.Level())
	hooks.log(logger)

	logDB := log.NewDB(env.LogDBPath(), wg)
	m := metrics.New()

	// Protocol clients.
	clients := client.NewRegistry()
	clients.Register(rtpsdp.Scheme, rtpsdp.New)
	hooks.clients(clients)

	// Recording engine.
	engine := r2f.New(r2f.Config{
		Capacity:       env.MaxSessions,
		QueueSize:      env.QueueSize,
		ReconnectDelay: env.Reconnect(),
		Clients:        clients,
		Logger:         logger,
		Metrics:        m,
		Hooks: r2f.Hooks{
			FileClosed: hooks.fileClosed,
		},
	})
	hooks.engine(engine)

	// Storage.
	inUse := func(path string) bool {
		for _, s := range engine.Sessions() {
			if s.File == path {
				return true
			}
		}
		return false
	}
	storageManager := storage.NewManager(env.RecordingDirs(), env.MaxDiskUsage, inUse, logger)
	hooks.storage(storageManager)

	// Authentication.
	a, err := auth.NewBasicAuthenticator(env.Users, logger)
	if err != nil {
		return nil, fmt.Errorf("could not create authenticator: %w", err)
	}
	hooks.auth(a)

	t, err := web.NewTemplater(engine.Sessions, storageManager.DiskUsageCached)
	if err != nil {
		return nil, err
	}

	// Routes.
	mux := http.NewServeMux()

	mux.Handle("/", a.User(t.Render()))

	mux.Handle("/api/sessions", a.User(web.SessionList(engine)))
	mux.Handle("/api/session/start", a.Admin(web.SessionStart(engine, env.SessionConfig)))
	mux.Handle("/api/session/stop", a.Admin(web.SessionStop(engine)))

	mux.Handle("/api/recordings", a.User(web.RecordingList(storageManager.Recordings)))
	mux.Handle("/api/storage/usage", a.User(web.DiskUsage(storageManager.DiskUsage)))

	mux.Handle("/api/log/feed", a.Admin(web.LogFeed(logger, a)))
	mux.Handle("/api/log/query", a.Admin(web.LogQuery(logDB)))

	mux.Handle("/metrics", a.User(m.Handler()))

	hooks.mux(mux)

	return &App{
		WG:      wg,
		Logger:  logger,
		logDB:   logDB,
		Env:     *env,
		Engine:  engine,
		Auth:    a,
		Storage: storageManager,
		Mux:     mux,
		server: &http.Server{
			Addr:              ":" + strconv.Itoa(env.Port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// App is the main application struct.
type App struct {
	WG      *sync.WaitGroup
	Logger  *log.Logger
	logDB   *log.DB
	Env     storage.ConfigEnv
	Engine  *r2f.Engine
	Auth    *auth.Authenticator
	Storage *storage.Manager
	Mux     *http.ServeMux
	server  *http.Server
}

func (app *App) run(ctx context.Context) error {
	go app.Logger.Start(ctx)
	go app.Logger.LogToStdout(ctx)

	if err := app.logDB.Init(ctx); err != nil {
		// Continue even if log database is corrupt.
		time.Sleep(10 * time.Millisecond)
		app.Logger.Error().Src("app").Msgf("could not initialize log database: %v", err)
	} else {
		go app.logDB.SaveLogs(ctx, app.Logger)
		time.Sleep(10 * time.Millisecond)
	}

	if err := hooks.appRun(ctx); err != nil {
		return err
	}

	app.Logger.Info().Src("app").Msg("starting..")

	if err := app.Env.PrepareEnvironment(); err != nil {
		return fmt.Errorf("could not prepare environment: %w", err)
	}
	if app.Auth.AuthDisabled() {
		app.Logger.Warn().Src("app").Msg("no users configured, authentication is disabled")
	}

	if err := app.Engine.Start(); err != nil {
		return fmt.Errorf("could not start engine: %w", err)
	}

	// A session that fails to start does not stop the others.
	for _, c := range app.Env.SessionConfigs() {
		if _, err := app.Engine.StartSession(c); err != nil {
			app.Logger.Error().Src("app").Msgf("could not start session %v: %v", c.URL, err)
		}
	}

	go app.Storage.PurgeLoop(ctx, purgeInterval)

	app.Logger.Info().Src("app").Msgf("serving app on port %v", app.Env.Port)
	err := app.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
