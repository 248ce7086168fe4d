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

package mp4

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aler9/writerseeker"
	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
)

// DefaultPartDuration minimum fragment duration.
const DefaultPartDuration = 2 * time.Second

type track struct {
	kind TrackKind
	init *fmp4.InitTrack

	// A sample is held back until the next one
	// arrives so its duration is known.
	pending    *fmp4.PartSample
	pendingDTS int64

	samples      []*fmp4.PartSample
	baseTime     int64
	lastDuration uint32
	buffered     int64
}

// Writer fragmented MP4 writer. The init segment is written together
// with the first fragment so track parameters can change until then.
type Writer struct {
	mu sync.Mutex

	path         string
	file         *os.File
	partDuration time.Duration

	tracks      []*track
	hasVideo    bool
	initWritten bool
	seqNum      uint32
	size        int64
	closed      bool
}

var _ BoxWriter = &Writer{}

// Create creates the file.
func Create(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	return &Writer{
		path:         path,
		file:         file,
		partDuration: DefaultPartDuration,
	}, nil
}

// Path file path.
func (w *Writer) Path() string {
	return w.path
}

// NewTrack implements BoxWriter.
func (w *Writer) NewTrack(kind TrackKind, timescale uint32) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrClosed
	}
	if w.initWritten {
		return 0, ErrInitWritten
	}
	if timescale == 0 {
		return 0, ErrTimescale
	}
	id := len(w.tracks) + 1
	w.tracks = append(w.tracks, &track{
		kind: kind,
		init: &fmp4.InitTrack{
			ID:        id,
			TimeScale: timescale,
		},
	})
	if kind == TrackVideo {
		w.hasVideo = true
	}
	return id, nil
}

func (w *Writer) track(id int) (*track, error) {
	if id < 1 || id > len(w.tracks) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTrack, id)
	}
	return w.tracks[id-1], nil
}

// SetTrackConfig implements BoxWriter.
func (w *Writer) SetTrackConfig(id int, codec fmp4.Codec) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initWritten {
		return ErrInitWritten
	}
	t, err := w.track(id)
	if err != nil {
		return err
	}
	t.init.Codec = codec
	return nil
}

// SetMediaTimescale implements BoxWriter.
func (w *Writer) SetMediaTimescale(id int, timescale uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initWritten {
		return ErrInitWritten
	}
	if timescale == 0 {
		return ErrTimescale
	}
	t, err := w.track(id)
	if err != nil {
		return err
	}
	if t.pending != nil || len(t.samples) != 0 {
		return fmt.Errorf("%w: track %d has samples", ErrInitWritten, id)
	}
	t.init.TimeScale = timescale
	return nil
}

// Timescale returns the timescale of a track.
func (w *Writer) Timescale(id int) uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, err := w.track(id)
	if err != nil {
		return 0
	}
	return t.init.TimeScale
}

// AddSample implements BoxWriter. The data is copied.
func (w *Writer) AddSample(id int, data []byte, dts int64, isSync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	t, err := w.track(id)
	if err != nil {
		return err
	}
	if t.init.Codec == nil {
		return fmt.Errorf("%w: %d", ErrNoTrackConfig, id)
	}

	if t.pending != nil {
		if dts <= t.pendingDTS {
			return fmt.Errorf("%w: %d after %d", ErrDTS, dts, t.pendingDTS)
		}
		t.pending.Duration = uint32(dts - t.pendingDTS)
		t.lastDuration = t.pending.Duration
		t.push(t.pending, t.pendingDTS)
	}

	t.pending = &fmp4.PartSample{
		IsNonSyncSample: !isSync,
		Payload:         append([]byte(nil), data...),
	}
	t.pendingDTS = dts
	t.buffered += int64(len(data))

	if isSync && (t.kind == TrackVideo || !w.hasVideo) && t.elapsed(dts) >= w.partDuration {
		return w.flush()
	}
	return nil
}

func (t *track) push(sample *fmp4.PartSample, dts int64) {
	if len(t.samples) == 0 {
		t.baseTime = dts
	}
	t.samples = append(t.samples, sample)
}

// elapsed duration of the samples waiting to be flushed.
func (t *track) elapsed(dts int64) time.Duration {
	if len(t.samples) == 0 {
		return 0
	}
	return time.Duration(dts-t.baseTime) * time.Second / time.Duration(t.init.TimeScale)
}

func (w *Writer) writeInit() error {
	init := fmp4.Init{}
	for _, t := range w.tracks {
		if t.init.Codec == nil {
			continue
		}
		init.Tracks = append(init.Tracks, t.init)
	}

	var ws writerseeker.WriterSeeker
	if err := init.Marshal(&ws); err != nil {
		return fmt.Errorf("marshal init: %w", err)
	}
	n, err := w.file.Write(ws.Bytes())
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("write init: %w", err)
	}
	w.initWritten = true
	return nil
}

// flush writes all complete samples as one fragment.
func (w *Writer) flush() error {
	if !w.initWritten {
		if err := w.writeInit(); err != nil {
			return err
		}
	}

	part := fmp4.Part{SequenceNumber: w.seqNum}
	for _, t := range w.tracks {
		if len(t.samples) == 0 {
			continue
		}
		part.Tracks = append(part.Tracks, &fmp4.PartTrack{
			ID:       t.init.ID,
			BaseTime: uint64(t.baseTime),
			Samples:  t.samples,
		})
	}
	if len(part.Tracks) == 0 {
		return nil
	}

	var ws writerseeker.WriterSeeker
	if err := part.Marshal(&ws); err != nil {
		return fmt.Errorf("marshal part: %w", err)
	}
	n, err := w.file.Write(ws.Bytes())
	w.size += int64(n)
	if err != nil {
		return fmt.Errorf("write part: %w", err)
	}

	w.seqNum++
	for _, t := range w.tracks {
		for _, s := range t.samples {
			t.buffered -= int64(len(s.Payload))
		}
		t.samples = nil
	}
	return nil
}

// Size written bytes plus buffered sample data.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	size := w.size
	for _, t := range w.tracks {
		size += t.buffered
	}
	return size
}

// Close flushes the held back samples and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	w.closed = true

	for _, t := range w.tracks {
		if t.pending == nil {
			continue
		}
		t.pending.Duration = t.lastDuration
		if t.pending.Duration == 0 {
			t.pending.Duration = 1
		}
		t.push(t.pending, t.pendingDTS)
		t.pending = nil
	}

	var err error
	if w.hasConfig() {
		err = w.flush()
	}
	if err2 := w.file.Close(); err == nil {
		err = err2
	}
	return err
}

func (w *Writer) hasConfig() bool {
	for _, t := range w.tracks {
		if t.init.Codec != nil {
			return true
		}
	}
	return false
}
