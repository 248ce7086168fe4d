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

package avi

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"stream2file/pkg/media"
	"stream2file/pkg/riff"
)

// The header region has a fixed size, a JUNK chunk fills the space between
// hdrl and the movi list so the header can be rewritten in place.
const (
	moviListOffset = 2048
	moviDataOffset = moviListOffset + riff.ListHeaderSize
)

// Errors.
var (
	ErrClosed         = errors.New("writer closed")
	ErrHeaderOverflow = errors.New("header does not fit in reserved space")
	ErrExtraTooLarge  = errors.New("extradata too large")
	ErrFileTooLarge   = errors.New("file too large")
)

var (
	typeAVI  = riff.NewFourCC("AVI ")
	typeHdrl = riff.NewFourCC("hdrl")
	typeStrl = riff.NewFourCC("strl")
	typeMovi = riff.NewFourCC("movi")
	idAvih   = riff.NewFourCC("avih")
	idStrh   = riff.NewFourCC("strh")
	idStrf   = riff.NewFourCC("strf")
	idIdx1   = riff.NewFourCC("idx1")
)

// Writer writes a single AVI file. Video and audio may be written
// from different goroutines.
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	idx  *os.File // Sidecar index, removed on clean close.

	video    media.VideoInfo
	audio    media.AudioInfo
	hasVideo bool
	hasAudio bool

	videoFrames uint32
	audioFrames uint32
	audioBytes  int64
	maxVideo    uint32
	maxAudio    uint32

	size    int64
	index   []IndexRecord
	scratch []byte

	startTime time.Time
	lastTime  time.Time

	finalized bool
	closed    bool
}

// Create creates the file and writes a provisional header.
func Create(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	idx, err := os.OpenFile(SidecarPath(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("create index: %w", err)
	}

	w := &Writer{
		path: path,
		file: file,
		idx:  idx,
		size: moviDataOffset,
	}
	if err := w.writeHeader(); err != nil {
		w.file.Close()
		w.idx.Close()
		return nil, err
	}
	return w, nil
}

// Path file path.
func (w *Writer) Path() string {
	return w.path
}

// SetVideoInfo sets the video stream parameters. Non-zero fields are
// frozen, later calls can only fill in fields that are still unknown.
func (w *Writer) SetVideoInfo(info media.VideoInfo) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.hasVideo = true
	if w.video.Codec == media.VideoUnknown {
		w.video.Codec = info.Codec
	}
	if w.video.Width == 0 {
		w.video.Width = info.Width
	}
	if w.video.Height == 0 {
		w.video.Height = info.Height
	}
	if w.video.FPS == 0 {
		w.video.FPS = info.FPS
	}
}

// VideoInfo current video parameters.
func (w *Writer) VideoInfo() (media.VideoInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.video, w.hasVideo
}

// SetAudioInfo sets the audio stream parameters.
func (w *Writer) SetAudioInfo(info media.AudioInfo) error {
	if len(info.Extra) > MaxExtraSize {
		return ErrExtraTooLarge
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.hasAudio = true
	w.audio = info.Copy()
	return nil
}

// SetExtraInfo sets the audio codec extradata.
func (w *Writer) SetExtraInfo(extra []byte) error {
	if len(extra) > MaxExtraSize {
		return ErrExtraTooLarge
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	w.audio.Extra = append([]byte(nil), extra...)
	return nil
}

// AudioInfo current audio parameters.
func (w *Writer) AudioInfo() (media.AudioInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.audio.Copy(), w.hasAudio
}

// UpdateHeader rewrites the header with the current fields.
func (w *Writer) UpdateHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.writeHeader()
}

// WriteVideo appends a video chunk.
func (w *Writer) WriteVideo(payload []byte, key bool) error {
	var flags uint32
	if key {
		flags = FlagKeyFrame
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeChunk(ChunkVideo, payload, flags); err != nil {
		return err
	}
	w.videoFrames++
	if uint32(len(payload)) > w.maxVideo {
		w.maxVideo = uint32(len(payload))
	}
	return nil
}

// WriteAudio appends an audio chunk.
func (w *Writer) WriteAudio(payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writeChunk(ChunkAudio, payload, FlagKeyFrame); err != nil {
		return err
	}
	w.audioFrames++
	w.audioBytes += int64(len(payload))
	if uint32(len(payload)) > w.maxAudio {
		w.maxAudio = uint32(len(payload))
	}
	return nil
}

func (w *Writer) writeChunk(id riff.FourCC, payload []byte, flags uint32) error {
	if w.closed {
		return ErrClosed
	}
	if len(payload) > MaxPacketSize {
		return fmt.Errorf("%w: %d", ErrPacketTooLarge, len(payload))
	}

	offset := w.size
	w.scratch = riff.AppendChunk(w.scratch[:0], id, payload)
	if offset+int64(len(w.scratch)) > math.MaxUint32 {
		return ErrFileTooLarge
	}
	if _, err := w.file.WriteAt(w.scratch, offset); err != nil {
		return fmt.Errorf("write chunk: %w", err)
	}
	w.size += int64(len(w.scratch))

	rec := IndexRecord{
		ID:     id,
		Flags:  flags,
		Offset: uint32(offset),
		Size:   uint32(len(payload)),
	}
	w.index = append(w.index, rec)

	var raw [IndexRecordSize]byte
	rec.Marshal(raw[:])
	if _, err := w.idx.Write(raw[:]); err != nil {
		return fmt.Errorf("write sidecar index: %w", err)
	}

	now := time.Now()
	if w.startTime.IsZero() {
		w.startTime = now
	}
	w.lastTime = now
	return nil
}

// Size current file size in bytes.
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Frames written video and audio chunks.
func (w *Writer) Frames() (video uint32, audio uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.videoFrames, w.audioFrames
}

// LastWrite time of the last written chunk.
func (w *Writer) LastWrite() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastTime
}

// Close writes the index, patches the header and closes the file.
// The sidecar index is removed if everything succeeded.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	w.closed = true

	idx1 := riff.AppendChunk(nil, idIdx1, marshalIndex(w.index))
	_, err := w.file.WriteAt(idx1, w.size)
	if err == nil {
		w.size += int64(len(idx1))
		w.finalized = true
		err = w.writeHeader()
	}

	if err2 := w.file.Close(); err == nil && err2 != nil {
		err = err2
	}
	w.idx.Close()
	if err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return os.Remove(SidecarPath(w.path))
}

func (w *Writer) writeHeader() error {
	header, err := w.marshalHeader()
	if err != nil {
		return err
	}
	if _, err := w.file.WriteAt(header, 0); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	return nil
}

// marshalHeader everything in front of the first movi chunk.
func (w *Writer) marshalHeader() ([]byte, error) {
	var hdrl []byte
	hdrl = riff.AppendChunk(hdrl, idAvih, w.mainHeader().Marshal())
	if w.hasVideo {
		hdrl = appendStrl(hdrl, w.videoStreamHeader().Marshal(), w.bitmapInfo().Marshal())
	}
	if w.hasAudio {
		hdrl = appendStrl(hdrl, w.audioStreamHeader().Marshal(), w.waveFormat().Marshal())
	}

	const hdrlOffset = riff.ListHeaderSize
	junkOffset := hdrlOffset + riff.ListHeaderSize + len(hdrl)
	if junkOffset+riff.HeaderSize > moviListOffset {
		return nil, ErrHeaderOverflow
	}

	buf := make([]byte, moviDataOffset)
	riff.PutList(buf, riff.IDRIFF, uint32(w.size-riff.HeaderSize), typeAVI)
	riff.PutList(buf[hdrlOffset:], riff.IDLIST, uint32(4+len(hdrl)), typeHdrl)
	copy(buf[hdrlOffset+riff.ListHeaderSize:], hdrl)

	junk := riff.Header{ID: riff.IDJUNK, Size: uint32(moviListOffset - junkOffset - riff.HeaderSize)}
	junk.Marshal(buf[junkOffset:])

	riff.PutList(buf[moviListOffset:], riff.IDLIST, uint32(4+w.moviSize()), typeMovi)
	return buf, nil
}

func (w *Writer) moviSize() int64 {
	end := w.size
	if w.finalized {
		end -= riff.HeaderSize + int64(len(w.index))*IndexRecordSize
	}
	return end - moviDataOffset
}

func appendStrl(buf []byte, strh []byte, strf []byte) []byte {
	size := 4 + riff.HeaderSize + len(strh) + riff.HeaderSize + int(riff.Padded(uint32(len(strf))))
	var list [riff.ListHeaderSize]byte
	riff.PutList(list[:], riff.IDLIST, uint32(size), typeStrl)
	buf = append(buf, list[:]...)
	buf = riff.AppendChunk(buf, idStrh, strh)
	return riff.AppendChunk(buf, idStrf, strf)
}

func (w *Writer) mainHeader() MainHeader {
	h := MainHeader{
		Flags:       flagIsInterleave,
		TotalFrames: w.videoFrames,
		Width:       uint32(w.video.Width),
		Height:      uint32(w.video.Height),
	}
	if w.video.FPS > 0 {
		h.MicroSecPerFrame = uint32(1000000 / w.video.FPS)
	}
	if w.finalized {
		h.Flags |= flagHasIndex
	}
	if w.hasVideo {
		h.Streams++
	}
	if w.hasAudio {
		h.Streams++
	}
	h.SuggestedBufferSize = w.maxVideo
	if w.maxAudio > h.SuggestedBufferSize {
		h.SuggestedBufferSize = w.maxAudio
	}
	return h
}

func (w *Writer) videoStreamHeader() StreamHeader {
	return StreamHeader{
		Type:                streamVideo,
		Handler:             w.video.Codec.FourCC(),
		Scale:               1,
		Rate:                uint32(w.video.FPS),
		Length:              w.videoFrames,
		SuggestedBufferSize: w.maxVideo,
		Frame:               [4]int32{0, 0, int32(w.video.Width), int32(w.video.Height)},
	}
}

func (w *Writer) bitmapInfo() BitmapInfoHeader {
	return BitmapInfoHeader{
		Width:       int32(w.video.Width),
		Height:      int32(w.video.Height),
		Planes:      1,
		BitCount:    24,
		Compression: w.video.Codec.FourCC(),
		SizeImage:   uint32(w.video.Width * w.video.Height * 3),
	}
}

func (w *Writer) blockAlign() int {
	align := w.audio.Channels * w.audio.Format.BitsPerSample() / 8
	if align < 1 {
		return 1
	}
	return align
}

func (w *Writer) audioStreamHeader() StreamHeader {
	h := StreamHeader{
		Type:                streamAudio,
		SuggestedBufferSize: w.maxAudio,
	}
	switch w.audio.Format {
	case media.AudioAAC:
		h.Scale = 1024
		h.Rate = uint32(w.audio.SampleRate)
		h.Length = w.audioFrames
	case media.AudioMP3:
		h.Scale = 1152
		h.Rate = uint32(w.audio.SampleRate)
		h.Length = w.audioFrames
	default:
		align := w.blockAlign()
		h.Scale = uint32(align)
		h.Rate = uint32(w.audio.SampleRate * align)
		h.SampleSize = uint32(align)
		h.Length = uint32(w.audioBytes / int64(align))
	}
	return h
}

func (w *Writer) waveFormat() WaveFormatEx {
	return WaveFormatEx{
		FormatTag:      uint16(w.audio.Format),
		Channels:       uint16(w.audio.Channels),
		SamplesPerSec:  uint32(w.audio.SampleRate),
		AvgBytesPerSec: uint32(w.audio.SampleRate * w.audio.Channels * w.audio.Format.BitsPerSample() / 8),
		BlockAlign:     uint16(w.blockAlign()),
		BitsPerSample:  uint16(w.audio.Format.BitsPerSample()),
		Extra:          w.audio.Extra,
	}
}
