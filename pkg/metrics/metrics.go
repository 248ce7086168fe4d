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

// Package metrics exposes recording statistics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics recording metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSessions prometheus.Gauge
	QueueLength    prometheus.Gauge

	Frames        *prometheus.CounterVec
	FramesDropped *prometheus.CounterVec
	Bytes         *prometheus.CounterVec

	Rotations  *prometheus.CounterVec
	Reconnects *prometheus.CounterVec
	Events     *prometheus.CounterVec

	FileSize prometheus.Histogram
}

// New creates the metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "stream2file_active_sessions",
			Help: "Number of recording sessions",
		}),
		QueueLength: f.NewGauge(prometheus.GaugeOpts{
			Name: "stream2file_notify_queue_length",
			Help: "Pending messages in the notify queue",
		}),
		Frames: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream2file_frames_total",
				Help: "Frames written",
			},
			[]string{"session", "type"}, // type: video or audio
		),
		FramesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream2file_frames_dropped_total",
				Help: "Frames that could not be written",
			},
			[]string{"session", "type"},
		),
		Bytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream2file_bytes_total",
				Help: "Payload bytes received",
			},
			[]string{"session", "type"},
		),
		Rotations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream2file_rotations_total",
				Help: "Output file rotations",
			},
			[]string{"session"},
		),
		Reconnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream2file_reconnects_total",
				Help: "Protocol client reconnects",
			},
			[]string{"session"},
		),
		Events: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stream2file_client_events_total",
				Help: "Protocol client events",
			},
			[]string{"event"},
		),
		FileSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "stream2file_file_size_bytes",
			Help:    "Size of closed recordings",
			Buckets: prometheus.ExponentialBuckets(1<<20, 2, 12), // 1MB to 2GB
		}),
	}
}

// Registry the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func label(session int) string {
	return strconv.Itoa(session)
}

// Frame counts a written frame.
func (m *Metrics) Frame(session int, kind string, size int) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(label(session), kind).Inc()
	m.Bytes.WithLabelValues(label(session), kind).Add(float64(size))
}

// Dropped counts a frame that failed to write.
func (m *Metrics) Dropped(session int, kind string) {
	if m == nil {
		return
	}
	m.FramesDropped.WithLabelValues(label(session), kind).Inc()
}

// Rotation counts a file rotation.
func (m *Metrics) Rotation(session int) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(label(session)).Inc()
}

// Reconnect counts a reconnect.
func (m *Metrics) Reconnect(session int) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(label(session)).Inc()
}

// Event counts a protocol client event.
func (m *Metrics) Event(name string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(name).Inc()
}

// FileClosed records the size of a finished recording.
func (m *Metrics) FileClosed(size int64) {
	if m == nil {
		return
	}
	m.FileSize.Observe(float64(size))
}

// SetActive sets the number of sessions.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

// SetQueueLength sets the number of pending notify messages.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}
