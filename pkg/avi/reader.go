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
	"io"
	"os"

	"stream2file/pkg/media"
	"stream2file/pkg/riff"
)

// MaxPacketSize largest accepted movi chunk.
const MaxPacketSize = 1 << 20

// Errors.
var (
	ErrFormat         = errors.New("invalid avi")
	ErrNoStreams      = errors.New("no audio or video stream")
	ErrPacketTooLarge = errors.New("packet too large")
	ErrNoIndex        = errors.New("no index")
	ErrNoKeyFrame     = errors.New("no keyframe found")
	ErrSeekBounds     = errors.New("seek out of bounds")
)

// LogFunc logging function.
type LogFunc func(format string, a ...interface{})

// Reader reads packets from an AVI file. Not safe for concurrent use.
type Reader struct {
	file *os.File
	path string
	size int64
	logf LogFunc

	main        MainHeader
	videoHeader StreamHeader
	bitmap      BitmapInfoHeader
	audioHeader StreamHeader
	wave        WaveFormatEx
	hasVideo    bool
	hasAudio    bool

	moviListOffset int64
	moviStart      int64
	moviEnd        int64
	truncated      bool

	cursor int64

	index       []IndexRecord
	indexSource IndexSource
	videoSlots  []int // Index positions of video records.
	audioCount  int
	indexPos    int
	keyPos      int // Index position of the current keyframe.
}

// Open opens and parses an AVI file. logf may be nil.
func Open(path string, logf LogFunc) (*Reader, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat: %w", err)
	}

	r := &Reader{
		file:   file,
		path:   path,
		size:   stat.Size(),
		logf:   logf,
		keyPos: -1,
	}
	if err := r.parse(); err != nil {
		file.Close()
		return nil, err
	}
	return r, nil
}

// Close file.
func (r *Reader) Close() error {
	return r.file.Close()
}

func (r *Reader) parse() error {
	riffHeader, formType, err := riff.ReadListAt(r.file, 0, r.size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if riffHeader.ID != riff.IDRIFF || formType != typeAVI {
		return fmt.Errorf("%w: signature %s %s", ErrFormat, riffHeader.ID, formType)
	}
	if declared := int64(riffHeader.Size) + riff.HeaderSize; declared != r.size {
		r.logf("riff size %d does not match file size %d", declared, r.size)
		r.truncated = declared > r.size
	}

	var (
		moviFound  bool
		idx1Offset int64 = -1
		idx1Size   uint32
	)
	off := int64(riff.ListHeaderSize)
	for off+riff.HeaderSize <= r.size {
		h, err := riff.ReadHeaderAt(r.file, off, r.size)
		if err != nil {
			return err
		}
		end := off + riff.HeaderSize + h.Padded()

		switch {
		case h.ID == riff.IDLIST:
			_, listType, err := riff.ReadListAt(r.file, off, r.size)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
			switch listType {
			case typeHdrl:
				if err := r.parseHdrl(off+riff.ListHeaderSize, off+riff.HeaderSize+int64(h.Size)); err != nil {
					return err
				}
			case typeMovi:
				moviFound = true
				r.moviListOffset = off
				r.moviStart = off + riff.ListHeaderSize
				r.moviEnd = off + riff.HeaderSize + int64(h.Size)
			}
		case h.ID == idIdx1 && moviFound:
			idx1Offset = off
			idx1Size = h.Size
		}
		if idx1Offset != -1 || end > r.size {
			break
		}
		off = end
	}

	if !r.hasVideo && !r.hasAudio {
		return fmt.Errorf("%w: %v", ErrFormat, ErrNoStreams)
	}
	if !moviFound {
		return fmt.Errorf("%w: movi list not found", ErrFormat)
	}

	if idx1Offset == -1 {
		// Abnormally terminated, the movi size may not have been patched.
		r.moviEnd = r.size
	}
	if r.moviEnd > r.size {
		r.logf("movi list truncated: %d > %d", r.moviEnd, r.size)
		r.moviEnd = r.size
		r.truncated = true
	}
	r.cursor = r.moviStart

	if err := r.loadIndex(idx1Offset, idx1Size); err != nil {
		return err
	}
	return nil
}

func (r *Reader) parseHdrl(start int64, end int64) error {
	if end > r.size || end < start {
		return fmt.Errorf("%w: hdrl exceeds file", ErrFormat)
	}
	buf := make([]byte, end-start)
	if _, err := r.file.ReadAt(buf, start); err != nil {
		return fmt.Errorf("read hdrl: %w", err)
	}

	pos := 0
	for pos+riff.HeaderSize <= len(buf) {
		var h riff.Header
		h.Unmarshal(buf[pos:]) //nolint:errcheck
		bodyEnd := pos + riff.HeaderSize + int(h.Size)
		if bodyEnd > len(buf) || bodyEnd < pos {
			return fmt.Errorf("%w: %s: %v", ErrFormat, h.ID, riff.ErrChunkBounds)
		}
		body := buf[pos+riff.HeaderSize : bodyEnd]

		switch h.ID {
		case idAvih:
			if err := r.main.Unmarshal(body); err != nil {
				return err
			}
		case riff.IDLIST:
			if len(body) >= 4 && riff.NewFourCC(string(body[:4])) == typeStrl {
				if err := r.parseStrl(body[4:]); err != nil {
					return err
				}
			}
		}
		pos += riff.HeaderSize + int(h.Padded())
	}
	return nil
}

func (r *Reader) parseStrl(buf []byte) error {
	var strh, strf []byte
	pos := 0
	for pos+riff.HeaderSize <= len(buf) {
		var h riff.Header
		h.Unmarshal(buf[pos:]) //nolint:errcheck
		bodyEnd := pos + riff.HeaderSize + int(h.Size)
		if bodyEnd > len(buf) || bodyEnd < pos {
			return fmt.Errorf("%w: %s: %v", ErrFormat, h.ID, riff.ErrChunkBounds)
		}
		switch h.ID {
		case idStrh:
			strh = buf[pos+riff.HeaderSize : bodyEnd]
		case idStrf:
			strf = buf[pos+riff.HeaderSize : bodyEnd]
		}
		pos += riff.HeaderSize + int(h.Padded())
	}
	if strh == nil || strf == nil {
		return fmt.Errorf("%w: incomplete strl", ErrFormat)
	}

	var header StreamHeader
	if err := header.Unmarshal(strh); err != nil {
		return err
	}
	switch header.Type {
	case streamVideo:
		if r.hasVideo {
			return nil
		}
		if err := r.bitmap.Unmarshal(strf); err != nil {
			return err
		}
		r.videoHeader = header
		r.hasVideo = true
	case streamAudio:
		if r.hasAudio {
			return nil
		}
		if err := r.wave.Unmarshal(strf); err != nil {
			return err
		}
		r.audioHeader = header
		r.hasAudio = true
	}
	return nil
}

func (r *Reader) loadIndex(offset int64, size uint32) error {
	if offset != -1 {
		start := offset + riff.HeaderSize
		end := start + int64(size)
		if end > r.size {
			r.logf("idx1 truncated: %d > %d", end, r.size)
			end = r.size
		}
		n := (end - start) / IndexRecordSize
		buf := make([]byte, n*IndexRecordSize)
		if _, err := r.file.ReadAt(buf, start); err != nil {
			return fmt.Errorf("read idx1: %w", err)
		}
		r.setIndex(unmarshalIndex(buf), IndexIdx1)
		return nil
	}

	buf, err := os.ReadFile(SidecarPath(r.path))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logf("could not read sidecar index: %v", err)
		}
		r.logf("no index, seeking disabled")
		return nil
	}
	r.logf("idx1 missing, recovered %d index records from sidecar", len(buf)/IndexRecordSize)
	r.setIndex(unmarshalIndex(buf), IndexSidecar)
	return nil
}

func (r *Reader) setIndex(records []IndexRecord, source IndexSource) {
	if len(records) == 0 {
		return
	}

	// Offsets relative to the movi list type are also common.
	var base int64
	if int64(records[0].Offset) < r.moviStart {
		base = r.moviListOffset + riff.HeaderSize
	}

	valid := records[:0]
	for _, rec := range records {
		abs := base + int64(rec.Offset)
		if abs < r.moviStart || abs+riff.HeaderSize+int64(rec.Size) > r.moviEnd {
			continue
		}
		rec.Offset = uint32(abs)
		valid = append(valid, rec)
	}
	if dropped := len(records) - len(valid); dropped != 0 {
		r.logf("dropped %d index records outside movi list", dropped)
	}
	if len(valid) == 0 {
		return
	}

	r.index = valid
	r.indexSource = source
	for i, rec := range valid {
		switch {
		case rec.IsVideo():
			r.videoSlots = append(r.videoSlots, i)
		case isAudioID(rec.ID):
			r.audioCount++
		}
	}
}

// ReadPacket reads the next movi chunk into frame and returns the
// padded chunk size. Returns io.EOF at the end of the movi list.
// The cursor is not moved on error.
func (r *Reader) ReadPacket(frame *media.Frame) (int, error) {
	cursor := r.cursor
	for {
		if cursor+riff.HeaderSize > r.moviEnd {
			return 0, io.EOF
		}
		h, err := riff.ReadHeaderAt(r.file, cursor, r.moviEnd)
		if err != nil {
			return 0, err
		}

		switch h.ID {
		case riff.IDLIST:
			// Enter rec lists.
			cursor += riff.ListHeaderSize
			continue
		case riff.IDJUNK:
			cursor += riff.HeaderSize + h.Padded()
			continue
		}

		remaining := r.moviEnd - cursor - riff.HeaderSize
		if int64(h.Size) > remaining || h.Size > MaxPacketSize {
			return 0, fmt.Errorf("%w: %s %d at %d", ErrPacketTooLarge, h.ID, h.Size, cursor)
		}

		kind := media.KindUnknown
		switch {
		case isVideoID(h.ID):
			kind = media.KindVideo
		case isAudioID(h.ID):
			kind = media.KindAudio
		}
		if err := frame.Resize(int(h.Size)); err != nil {
			return 0, err
		}
		if _, err := r.file.ReadAt(frame.Payload, cursor+riff.HeaderSize); err != nil {
			return 0, fmt.Errorf("read packet: %w", err)
		}
		frame.Kind = kind

		r.advanceIndex(cursor)
		r.cursor = cursor + riff.HeaderSize + h.Padded()
		return int(h.Padded()), nil
	}
}

func (r *Reader) advanceIndex(chunkOffset int64) {
	if r.indexPos >= len(r.index) {
		return
	}
	rec := r.index[r.indexPos]
	if int64(rec.Offset) != chunkOffset {
		return
	}
	if rec.IsVideo() && rec.IsKey() {
		r.keyPos = r.indexPos
	}
	r.indexPos++
}

// Seekable true if an index and a video frame count are available.
func (r *Reader) Seekable() bool {
	return len(r.videoSlots) > 0 && r.VideoFrames() > 0
}

// SeekToFraction seeks to the first video keyframe at or after
// pos/total of the recording and returns its index position.
func (r *Reader) SeekToFraction(pos int64, total int64) (int, error) {
	if !r.Seekable() {
		return 0, ErrNoIndex
	}
	if total <= 0 || pos < 0 || pos > total {
		return 0, fmt.Errorf("%w: %d/%d", ErrSeekBounds, pos, total)
	}

	target := int(pos * int64(r.VideoFrames()) / total)
	if target >= len(r.videoSlots) {
		target = len(r.videoSlots) - 1
	}
	for i := r.videoSlots[target]; i < len(r.index); i++ {
		if r.index[i].IsVideo() && r.index[i].IsKey() {
			r.position(i)
			return i, nil
		}
	}
	return 0, ErrNoKeyFrame
}

// SeekBackward seeks to the keyframe before the current one.
func (r *Reader) SeekBackward() (int, error) {
	if !r.Seekable() {
		return 0, ErrNoIndex
	}
	start := r.keyPos - 1
	if r.keyPos < 0 {
		start = r.indexPos - 1
	}
	return r.seekBackFrom(start)
}

// SeekTail seeks to the last keyframe.
func (r *Reader) SeekTail() (int, error) {
	if !r.Seekable() {
		return 0, ErrNoIndex
	}
	return r.seekBackFrom(len(r.index) - 1)
}

func (r *Reader) seekBackFrom(start int) (int, error) {
	for i := start; i >= 0; i-- {
		if r.index[i].IsVideo() && r.index[i].IsKey() {
			r.position(i)
			return i, nil
		}
	}
	return 0, ErrNoKeyFrame
}

func (r *Reader) position(i int) {
	r.cursor = int64(r.index[i].Offset)
	r.indexPos = i
	r.keyPos = i
}

// Position current index position.
func (r *Reader) Position() int {
	return r.indexPos
}

// VideoInfo video stream parameters.
func (r *Reader) VideoInfo() (media.VideoInfo, bool) {
	if !r.hasVideo {
		return media.VideoInfo{}, false
	}
	tag := r.videoHeader.Handler
	if tag == (riff.FourCC{}) {
		tag = r.bitmap.Compression
	}
	height := int(r.bitmap.Height)
	if height < 0 {
		height = -height
	}
	info := media.VideoInfo{
		Codec:  media.VideoCodecFromFourCC(tag),
		Width:  int(r.bitmap.Width),
		Height: height,
	}
	if r.videoHeader.Scale != 0 {
		info.FPS = int(r.videoHeader.Rate / r.videoHeader.Scale)
	}
	return info, true
}

// VideoFourCC raw video codec tag.
func (r *Reader) VideoFourCC() riff.FourCC {
	return r.videoHeader.Handler
}

// AudioInfo audio stream parameters.
func (r *Reader) AudioInfo() (media.AudioInfo, bool) {
	if !r.hasAudio {
		return media.AudioInfo{}, false
	}
	return media.AudioInfo{
		Format:     media.AudioFormat(r.wave.FormatTag),
		SampleRate: int(r.wave.SamplesPerSec),
		Channels:   int(r.wave.Channels),
		Extra:      append([]byte(nil), r.wave.Extra...),
	}, true
}

// VideoFrames video frame count from the header, or from the
// index if the header was never finalized.
func (r *Reader) VideoFrames() int {
	if r.videoHeader.Length != 0 {
		return int(r.videoHeader.Length)
	}
	return len(r.videoSlots)
}

// AudioFrames audio chunk count.
func (r *Reader) AudioFrames() int {
	if r.index != nil {
		return r.audioCount
	}
	return int(r.audioHeader.Length)
}

// IndexSource where the index came from.
func (r *Reader) IndexSource() IndexSource {
	return r.indexSource
}

// IndexLen number of index records.
func (r *Reader) IndexLen() int {
	return len(r.index)
}

// Truncated true if the file is shorter than declared.
func (r *Reader) Truncated() bool {
	return r.truncated
}

// Size file size.
func (r *Reader) Size() int64 {
	return r.size
}
