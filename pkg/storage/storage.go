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

// Package storage loads the environment config and keeps
// recordings within the disk quota.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"stream2file/pkg/avi"
	"stream2file/pkg/log"

	"github.com/shirou/gopsutil/v3/disk"
)

// Purge starts above this usage percent.
const purgeThreshold = 99

// Recording a recorded file.
type Recording struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

func isRecording(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".avi" || ext == ".mp4"
}

// Recordings lists the recordings in dirs, oldest first.
func Recordings(dirs []string) ([]Recording, error) {
	var list []Recording
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read directory %v: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !isRecording(entry.Name()) {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			list = append(list, Recording{
				Name:    entry.Name(),
				Path:    filepath.Join(dir, entry.Name()),
				Size:    info.Size(),
				ModTime: info.ModTime(),
			})
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ModTime.Equal(list[j].ModTime) {
			return list[i].Name < list[j].Name
		}
		return list[i].ModTime.Before(list[j].ModTime)
	})
	return list, nil
}

// InUseFunc reports if a recording is still being written.
type InUseFunc func(path string) bool

// Manager storage manager.
type Manager struct {
	dirs     []string
	maxBytes int64
	inUse    InUseFunc
	disk     *diskCache

	removeFile func(string) error
	logger     *log.Logger
}

// NewManager returns new manager. maxDiskUsage is in GB,
// 0 purges based on the file system of the first directory.
func NewManager(dirs []string, maxDiskUsage float64, inUse InUseFunc, logger *log.Logger) *Manager {
	if inUse == nil {
		inUse = func(string) bool { return false }
	}
	maxBytes := int64(maxDiskUsage * gigabyte)
	return &Manager{
		dirs:       dirs,
		maxBytes:   maxBytes,
		inUse:      inUse,
		disk:       newDiskCache(dirs, maxBytes),
		removeFile: os.Remove,
		logger:     logger,
	}
}

// Dirs recording directories.
func (s *Manager) Dirs() []string {
	return s.dirs
}

// Recordings lists all recordings, oldest first.
func (s *Manager) Recordings() ([]Recording, error) {
	return Recordings(s.dirs)
}

// DiskUsageCached returns cached value and its age.
func (s *Manager) DiskUsageCached() (DiskUsage, time.Duration) {
	return s.disk.usageCached()
}

// DiskUsage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (s *Manager) DiskUsage(maxAge time.Duration) (DiskUsage, error) {
	return s.disk.usage(maxAge)
}

// purge deletes the oldest recordings that are not being written
// until usage is below the threshold. Returns the number of deleted files.
func (s *Manager) purge() (int, error) {
	usage, err := s.DiskUsage(0)
	if err != nil {
		return 0, fmt.Errorf("update disk usage: %w", err)
	}
	if usage.Percent < purgeThreshold {
		return 0, nil
	}

	recordings, err := s.Recordings()
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, rec := range recordings {
		if usage.Percent < purgeThreshold {
			break
		}
		if s.inUse(rec.Path) {
			continue
		}
		if err := s.removeFile(rec.Path); err != nil {
			return deleted, fmt.Errorf("remove recording: %w", err)
		}
		s.removeFile(avi.SidecarPath(rec.Path)) //nolint:errcheck
		deleted++

		s.logger.Info().Src("storage").Msgf("purged %v", rec.Path)
		if usage, err = s.disk.removed(rec.Size); err != nil {
			return deleted, fmt.Errorf("update disk usage: %w", err)
		}
	}
	return deleted, nil
}

// PurgeLoop runs purge on an interval until context is canceled.
func (s *Manager) PurgeLoop(ctx context.Context, interval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
			if _, err := s.purge(); err != nil {
				s.logger.Error().Src("storage").Msgf("could not purge storage: %v", err)
			}
		}
	}
}

type usageStatFunc func(path string) (*disk.UsageStat, error)

// Only used to calculate and cache disk usage.
type diskCache struct {
	dirs      []string
	maxBytes  int64
	dirUsage  func([]string) int64
	usageStat usageStatFunc

	cache      DiskUsage
	lastUpdate time.Time
	cacheLock  sync.Mutex

	updateLock sync.Mutex
}

func newDiskCache(dirs []string, maxBytes int64) *diskCache {
	return &diskCache{
		dirs:      dirs,
		maxBytes:  maxBytes,
		dirUsage:  recordingBytes,
		usageStat: disk.Usage,
	}
}

func (d *diskCache) usageCached() (DiskUsage, time.Duration) {
	d.cacheLock.Lock()
	defer d.cacheLock.Unlock()

	return d.cache, time.Since(d.lastUpdate)
}

// usage returns cached value if witin maxAge.
// Will update and return new value if the cached value is too old.
func (d *diskCache) usage(maxAge time.Duration) (DiskUsage, error) {
	maxTime := time.Now().Add(-maxAge)

	d.cacheLock.Lock()
	if maxAge > 0 && d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	// Cache is too old, acquire update lock and update it.
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	// Check if it was updated while we were waiting for the update lock.
	d.cacheLock.Lock()
	if maxAge > 0 && d.lastUpdate.After(maxTime) {
		defer d.cacheLock.Unlock()
		return d.cache, nil
	}
	d.cacheLock.Unlock()

	updated, err := d.calculate(d.dirUsage(d.dirs))
	if err != nil {
		return DiskUsage{}, err
	}
	d.store(updated)
	return updated, nil
}

// removed updates the cached value after a deletion without
// walking the directories again.
func (d *diskCache) removed(size int64) (DiskUsage, error) {
	d.updateLock.Lock()
	defer d.updateLock.Unlock()

	d.cacheLock.Lock()
	used := d.cache.Used - size
	d.cacheLock.Unlock()
	if used < 0 {
		used = 0
	}

	updated, err := d.calculate(used)
	if err != nil {
		return DiskUsage{}, err
	}
	d.store(updated)
	return updated, nil
}

func (d *diskCache) store(u DiskUsage) {
	d.cacheLock.Lock()
	d.cache = u
	d.lastUpdate = time.Now()
	d.cacheLock.Unlock()
}

func (d *diskCache) calculate(used int64) (DiskUsage, error) {
	if d.maxBytes > 0 {
		return DiskUsage{
			Used:      used,
			Percent:   int((used * 100) / d.maxBytes),
			Max:       d.maxBytes,
			Formatted: formatDiskUsage(float64(used)),
		}, nil
	}

	if len(d.dirs) == 0 {
		return DiskUsage{Used: used, Formatted: formatDiskUsage(float64(used))}, nil
	}
	stat, err := d.usageStat(d.dirs[0])
	if err != nil {
		return DiskUsage{}, fmt.Errorf("file system usage: %w", err)
	}
	return DiskUsage{
		Used:      used,
		Percent:   int(stat.UsedPercent),
		Max:       int64(stat.Total),
		Formatted: formatDiskUsage(float64(used)),
	}, nil
}

// DiskUsage in Bytes.
type DiskUsage struct {
	Used      int64  `json:"used"`
	Percent   int    `json:"percent"`
	Max       int64  `json:"max"`
	Formatted string `json:"formatted"`
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

func formatDiskUsage(used float64) string {
	switch {
	case used < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", used/megabyte)
	case used < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", used/gigabyte)
	case used < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", used/gigabyte)
	case used < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", used/gigabyte)
	case used < 10*terabyte:
		return fmt.Sprintf("%.2fTB", used/terabyte)
	case used < 100*terabyte:
		return fmt.Sprintf("%.1fTB", used/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", used/terabyte)
	}
}

func recordingBytes(dirs []string) int64 {
	var used int64
	recordings, _ := Recordings(dirs)
	for _, rec := range recordings {
		used += rec.Size
	}
	return used
}
