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

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"stream2file/pkg/log"
	"stream2file/pkg/mux"
	"stream2file/pkg/r2f"
	"stream2file/pkg/rua"

	"gopkg.in/yaml.v2"
)

// Config errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrInvalidValue    = errors.New("invalid value")
	ErrTooManySessions = errors.New("more sessions than maxSessions")
)

// ConfigEnv stores system configuration.
type ConfigEnv struct {
	Port       int    `yaml:"port"`
	StorageDir string `yaml:"storageDir"`
	LogLevel   string `yaml:"logLevel"`

	MaxSessions    int    `yaml:"maxSessions"`
	QueueSize      int    `yaml:"queueSize"`
	ReconnectDelay string `yaml:"reconnectDelay"`

	// Recording disk quota in GB, 0 uses the file system size.
	MaxDiskUsage float64 `yaml:"maxDiskUsage"`

	Users    []ConfigUser    `yaml:"users"`
	Sessions []ConfigSession `yaml:"sessions"`

	ConfigDir string `yaml:"-"`

	logLevel       log.Level
	reconnectDelay time.Duration
	sessions       []r2f.SessionConfig
}

// ConfigUser web user, Password is a bcrypt hash.
type ConfigUser struct {
	Name     string `yaml:"name"`
	Password string `yaml:"password"`
	Admin    bool   `yaml:"admin"`
}

// ConfigSession one stream to record.
type ConfigSession struct {
	URL        string `yaml:"url" json:"url"`
	User       string `yaml:"user" json:"user"`
	Pass       string `yaml:"pass" json:"pass"`
	SavePath   string `yaml:"savePath" json:"savePath"`
	FileFormat string `yaml:"fileFormat" json:"fileFormat"`
	Framerate  int    `yaml:"framerate" json:"framerate"`

	// Rotation limits, recordSize in KB and recordTime in seconds.
	RecordSize int64 `yaml:"recordSize" json:"recordSize"`
	RecordTime int   `yaml:"recordTime" json:"recordTime"`
}

// NewConfigEnv return new environment configuration.
func NewConfigEnv(envPath string, envYAML []byte) (*ConfigEnv, error) {
	var env ConfigEnv

	if err := yaml.UnmarshalStrict(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if env.Port == 0 {
		env.Port = 2020
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(filepath.Dir(env.ConfigDir), "storage")
	}
	if env.LogLevel == "" {
		env.LogLevel = "info"
	}
	if env.MaxSessions == 0 {
		env.MaxSessions = rua.DefaultCapacity
	}
	if env.QueueSize == 0 {
		env.QueueSize = r2f.DefaultQueueSize
	}

	if !filepath.IsAbs(env.StorageDir) {
		return nil, fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}

	level, err := log.ParseLevel(env.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logLevel: %w", err)
	}
	env.logLevel = level

	env.reconnectDelay = r2f.DefaultReconnectDelay
	if env.ReconnectDelay != "" {
		d, err := time.ParseDuration(env.ReconnectDelay)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("reconnectDelay '%v': %w", env.ReconnectDelay, ErrInvalidValue)
		}
		env.reconnectDelay = d
	}

	switch {
	case env.MaxSessions < 0:
		return nil, fmt.Errorf("maxSessions %d: %w", env.MaxSessions, ErrInvalidValue)
	case env.QueueSize < 0:
		return nil, fmt.Errorf("queueSize %d: %w", env.QueueSize, ErrInvalidValue)
	case env.MaxDiskUsage < 0:
		return nil, fmt.Errorf("maxDiskUsage %v: %w", env.MaxDiskUsage, ErrInvalidValue)
	case len(env.Sessions) > env.MaxSessions:
		return nil, fmt.Errorf("%w: %d", ErrTooManySessions, len(env.Sessions))
	}

	for i, s := range env.Sessions {
		c, err := env.SessionConfig(s)
		if err != nil {
			return nil, fmt.Errorf("session %d: %w", i, err)
		}
		env.sessions = append(env.sessions, c)
	}

	return &env, nil
}

// SessionConfig validates a session and applies defaults.
func (env ConfigEnv) SessionConfig(s ConfigSession) (r2f.SessionConfig, error) {
	if s.URL == "" {
		return r2f.SessionConfig{}, fmt.Errorf("url: %w", ErrInvalidValue)
	}
	container, err := mux.ParseContainer(s.FileFormat)
	if err != nil {
		return r2f.SessionConfig{}, fmt.Errorf("fileFormat: %w", err)
	}

	savePath := s.SavePath
	if savePath == "" {
		savePath = env.RecordingsDir()
	}
	if !filepath.IsAbs(savePath) {
		return r2f.SessionConfig{}, fmt.Errorf("savePath '%v': %w", savePath, ErrPathNotAbsolute)
	}

	if s.Framerate < 0 || s.RecordSize < 0 || s.RecordTime < 0 {
		return r2f.SessionConfig{}, ErrInvalidValue
	}

	return r2f.SessionConfig{
		URL:        s.URL,
		User:       s.User,
		Pass:       s.Pass,
		SavePath:   savePath,
		Container:  container,
		FPS:        s.Framerate,
		RecordSize: s.RecordSize,
		RecordTime: time.Duration(s.RecordTime) * time.Second,
	}, nil
}

// RecordingsDir default save path.
func (env ConfigEnv) RecordingsDir() string {
	return filepath.Join(env.StorageDir, "recordings")
}

// LogDBPath path to the log database.
func (env ConfigEnv) LogDBPath() string {
	return filepath.Join(env.StorageDir, "logs.db")
}

// Level parsed log level.
func (env ConfigEnv) Level() log.Level {
	return env.logLevel
}

// Reconnect parsed reconnect delay.
func (env ConfigEnv) Reconnect() time.Duration {
	return env.reconnectDelay
}

// SessionConfigs validated sessions.
func (env ConfigEnv) SessionConfigs() []r2f.SessionConfig {
	return env.sessions
}

// RecordingDirs every directory recordings are saved to, without duplicates.
func (env ConfigEnv) RecordingDirs() []string {
	dirs := []string{env.RecordingsDir()}
	seen := map[string]bool{env.RecordingsDir(): true}
	for _, s := range env.sessions {
		dir := filepath.Clean(s.SavePath)
		if !seen[dir] {
			seen[dir] = true
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// PrepareEnvironment creates the storage and recording directories.
func (env ConfigEnv) PrepareEnvironment() error {
	for _, dir := range env.RecordingDirs() {
		err := os.MkdirAll(dir, 0o700)
		if err != nil && !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("create recordings directory: %v: %w", dir, err)
		}
	}
	return nil
}
