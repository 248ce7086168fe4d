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

// Package mp4 writes fragmented ISO-BMFF recordings.
package mp4

import (
	"errors"

	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
)

// TrackKind media type of a track.
type TrackKind uint8

// Track kinds.
const (
	TrackVideo TrackKind = iota
	TrackAudio
)

func (k TrackKind) String() string {
	if k == TrackVideo {
		return "video"
	}
	return "audio"
}

// Errors.
var (
	ErrClosed        = errors.New("writer closed")
	ErrInitWritten   = errors.New("tracks are frozen after the init segment was written")
	ErrUnknownTrack  = errors.New("unknown track")
	ErrNoTrackConfig = errors.New("track has no config")
	ErrTimescale     = errors.New("invalid timescale")
	ErrDTS           = errors.New("non increasing dts")
)

// BoxWriter is the box writing backend driven by the mux.
type BoxWriter interface {
	// NewTrack adds a track and returns its ID.
	NewTrack(kind TrackKind, timescale uint32) (int, error)

	// SetTrackConfig sets the parameter sets or decoder specific info.
	SetTrackConfig(track int, codec fmp4.Codec) error

	// AddSample appends a sample, dts is in the track timescale.
	AddSample(track int, data []byte, dts int64, isSync bool) error

	// SetMediaTimescale changes the timescale of a track.
	SetMediaTimescale(track int, timescale uint32) error

	Size() int64
	Close() error
}
