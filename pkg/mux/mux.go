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

// Package mux applies per codec policy to elementary streams and writes
// them to an AVI or MP4 file.
package mux

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"stream2file/pkg/avi"
	"stream2file/pkg/log"
	"stream2file/pkg/media"
	"stream2file/pkg/mp4"
	"stream2file/pkg/video/aac"
	"stream2file/pkg/video/annexb"
	"stream2file/pkg/video/h264"
	"stream2file/pkg/video/h265"
	"stream2file/pkg/video/mpeg4video"

	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
)

// Container output file format.
type Container uint8

// Containers.
const (
	ContainerAVI Container = iota
	ContainerMP4
)

// ErrUnknownContainer unsupported file format.
var ErrUnknownContainer = errors.New("unknown container")

// ParseContainer parses "avi" or "mp4".
func ParseContainer(s string) (Container, error) {
	switch strings.ToLower(s) {
	case "avi", "":
		return ContainerAVI, nil
	case "mp4":
		return ContainerMP4, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownContainer, s)
}

// Ext file extension without the dot.
func (c Container) Ext() string {
	if c == ContainerMP4 {
		return "mp4"
	}
	return "avi"
}

func (c Container) String() string {
	return c.Ext()
}

// Errors.
var (
	ErrClosed = errors.New("muxer closed")
)

const (
	// Frames counted before the frame rate is calculated.
	fpsMeasureFrames = 30

	defaultFPS = 25

	// Video track timescale used while the frame rate is unknown.
	fallbackTimescale = 90000

	aacSamplesPerFrame = 1024
)

// Config muxer config.
type Config struct {
	Path      string
	Container Container

	// FPS framerate hint, 0 if unknown.
	FPS int

	Logger  *log.Logger
	Session int
}

// Carry stream parameters carried from one file to the next.
type Carry struct {
	video    media.VideoInfo
	hasVideo bool
	audio    media.AudioInfo
	hasAudio bool
	state    codecState
	fpsKnown bool
}

// Muxer writes elementary streams to one file.
type Muxer struct {
	mu  sync.Mutex
	cfg Config

	avi *avi.Writer
	mp4 *mp4.Writer

	video    media.VideoInfo
	hasVideo bool
	audio    media.AudioInfo
	hasAudio bool
	state    codecState

	// First keyframe has been written to this file.
	gated bool

	// Parameter sets have been written to this AVI file.
	paramSetsWritten bool

	fpsKnown      bool
	measureStart  time.Time
	measureFrames int

	videoTrack     int
	audioTrack     int
	videoTimescale uint32
	videoDTS       int64
	audioDTS       int64

	audioFrame *media.Frame
	warned     map[string]bool

	now    func() time.Time
	closed bool
}

// Open creates the output file.
func Open(cfg Config) (*Muxer, error) {
	m := &Muxer{
		cfg:        cfg,
		audioFrame: media.NewFrame(2048),
		warned:     make(map[string]bool),
		now:        time.Now,
	}

	switch cfg.Container {
	case ContainerAVI:
		w, err := avi.Create(cfg.Path)
		if err != nil {
			return nil, err
		}
		m.avi = w
	case ContainerMP4:
		w, err := mp4.Create(cfg.Path)
		if err != nil {
			return nil, err
		}
		m.mp4 = w
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownContainer, cfg.Container)
	}

	if cfg.FPS > 0 {
		m.video.FPS = cfg.FPS
		m.fpsKnown = true
	}
	return m, nil
}

// OpenNext opens the next file of a recording. Known stream parameters
// are applied immediately and cached parameter sets are written
// first so the file can be decoded on its own.
func OpenNext(cfg Config, carry Carry) (*Muxer, error) {
	m, err := Open(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if carry.state != nil {
		m.state = carry.state.clone()
	}
	if carry.hasVideo {
		m.hasVideo = true
		m.video = carry.video
		m.fpsKnown = carry.fpsKnown
		if m.avi != nil {
			m.avi.SetVideoInfo(m.video)
		}
	}
	if carry.hasAudio {
		if err := m.setAudioInfo(carry.audio); err != nil {
			m.closeWriter()
			return nil, err
		}
	}
	if err := m.updateHeader(); err != nil {
		m.closeWriter()
		return nil, err
	}

	if m.state != nil && m.state.complete() {
		if err := m.startVideo(); err != nil {
			m.closeWriter()
			return nil, err
		}
	}
	return m, nil
}

// Carry returns the parameters needed by OpenNext.
func (m *Muxer) Carry() Carry {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := Carry{
		video:    m.video,
		hasVideo: m.hasVideo,
		audio:    m.audio.Copy(),
		hasAudio: m.hasAudio,
		fpsKnown: m.fpsKnown,
	}
	if m.state != nil {
		c.state = m.state.clone()
	}
	return c
}

// Path output file path.
func (m *Muxer) Path() string {
	return m.cfg.Path
}

// Container output format.
func (m *Muxer) Container() Container {
	return m.cfg.Container
}

func (m *Muxer) logf(level log.Level, format string, a ...interface{}) {
	if m.cfg.Logger == nil {
		return
	}
	var e *log.Event
	switch level {
	case log.LevelError:
		e = m.cfg.Logger.Error()
	case log.LevelWarning:
		e = m.cfg.Logger.Warn()
	case log.LevelInfo:
		e = m.cfg.Logger.Info()
	default:
		e = m.cfg.Logger.Debug()
	}
	e.Src("mux").Session(m.cfg.Session).Msgf(format, a...)
}

// warnOnce logs a message only the first time key is seen.
func (m *Muxer) warnOnce(key string, format string, a ...interface{}) {
	if m.warned[key] {
		return
	}
	m.warned[key] = true
	m.logf(log.LevelWarning, format, a...)
}

// SetVideoInfo sets the video parameters reported by the client.
// Fields that are already known are not changed.
func (m *Muxer) SetVideoInfo(info media.VideoInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setVideoInfo(info)
}

func (m *Muxer) setVideoInfo(info media.VideoInfo) {
	m.hasVideo = true
	if m.video.Codec == media.VideoUnknown && info.Codec != media.VideoUnknown {
		m.video.Codec = info.Codec
		if m.state == nil || m.state.codec() != info.Codec {
			m.state = newCodecState(info.Codec)
		}
	}
	if m.video.Width == 0 {
		m.video.Width = info.Width
	}
	if m.video.Height == 0 {
		m.video.Height = info.Height
	}
	if !m.fpsKnown && info.FPS > 0 {
		m.setFPS(info.FPS)
	}
	if m.avi != nil {
		m.avi.SetVideoInfo(m.video)
	}
}

// VideoInfo current video parameters.
func (m *Muxer) VideoInfo() (media.VideoInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.video, m.hasVideo
}

// SetAudioInfo sets the audio parameters.
func (m *Muxer) SetAudioInfo(info media.AudioInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setAudioInfo(info)
}

func (m *Muxer) setAudioInfo(info media.AudioInfo) error {
	if m.avi != nil {
		if err := m.avi.SetAudioInfo(info); err != nil {
			return err
		}
	}
	m.audio = info.Copy()
	m.hasAudio = true
	return nil
}

// AudioInfo current audio parameters.
func (m *Muxer) AudioInfo() (media.AudioInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.audio.Copy(), m.hasAudio
}

// SetExtraInfo sets the audio codec extradata.
func (m *Muxer) SetExtraInfo(extra []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.avi != nil {
		if err := m.avi.SetExtraInfo(extra); err != nil {
			return err
		}
	}
	m.audio.Extra = append([]byte(nil), extra...)
	return nil
}

// UpdateHeader rewrites the AVI header, no-op for MP4.
func (m *Muxer) UpdateHeader() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateHeader()
}

func (m *Muxer) updateHeader() error {
	if m.avi != nil {
		return m.avi.UpdateHeader()
	}
	return nil
}

// setFPS records a known frame rate and patches the file.
func (m *Muxer) setFPS(fps int) {
	m.fpsKnown = true
	m.video.FPS = fps
	if m.avi != nil {
		m.avi.SetVideoInfo(m.video)
		if err := m.avi.UpdateHeader(); err != nil {
			m.logf(log.LevelError, "update header: %v", err)
		}
	}
	if m.mp4 != nil && m.videoTrack != 0 && m.videoTimescale != uint32(fps) {
		if err := m.mp4.SetMediaTimescale(m.videoTrack, uint32(fps)); err == nil {
			m.videoTimescale = uint32(fps)
		}
	}
}

// applyGeometry fills in unknown geometry recovered from the bitstream.
func (m *Muxer) applyGeometry(g geometry) {
	changed := false
	if m.video.Width == 0 && g.width > 0 {
		m.video.Width, changed = g.width, true
	}
	if m.video.Height == 0 && g.height > 0 {
		m.video.Height, changed = g.height, true
	}
	if !m.fpsKnown && g.fps > 0 {
		m.setFPS(g.fps)
	}
	if changed && m.avi != nil {
		m.avi.SetVideoInfo(m.video)
		if err := m.avi.UpdateHeader(); err != nil {
			m.logf(log.LevelError, "update header: %v", err)
		}
	}
}

// countFrame measures the frame rate if it is still unknown.
func (m *Muxer) countFrame() {
	if m.fpsKnown {
		return
	}
	now := m.now()
	if m.measureFrames == 0 {
		m.measureStart = now
	}
	m.measureFrames++
	if m.measureFrames <= fpsMeasureFrames {
		return
	}
	elapsed := now.Sub(m.measureStart).Milliseconds()
	if elapsed <= 0 {
		return
	}
	fps := int(math.Round(float64(fpsMeasureFrames*1000) / float64(elapsed)))
	if fps <= 0 {
		return
	}
	m.logf(log.LevelDebug, "measured frame rate: %d", fps)
	m.setFPS(fps)
}

// WriteVideo writes a buffer of elementary video data.
// H264 and H265 buffers may contain multiple Annex-B units.
func (m *Muxer) WriteVideo(data []byte, codec media.VideoCodec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}
	if !m.hasVideo || (m.video.Codec == media.VideoUnknown && codec != media.VideoUnknown) {
		m.setVideoInfo(media.VideoInfo{Codec: codec})
		if err := m.updateHeader(); err != nil {
			return err
		}
	}
	if m.state == nil {
		m.state = newCodecState(codec)
	}
	if codec != m.state.codec() {
		m.warnOnce("codec", "codec changed from %v to %v, dropping video", m.state.codec(), codec)
		return nil
	}

	if codec.HasParameterSets() {
		return m.writeNALUs(data)
	}
	return m.writeFrame(data)
}

func (m *Muxer) writeNALUs(data []byte) error {
	if !annexb.HasStartCode(data) {
		data = annexb.Encode([][]byte{data})
	}

	var units [][]byte
	key := false
	for _, unit := range annexb.Split(data) {
		wasComplete := m.state.complete()
		if isParam, changed := m.state.cache(unit); isParam {
			if err := m.onParamSet(unit, wasComplete, changed); err != nil {
				return err
			}
			continue
		}

		payload := annexb.Payload(unit)
		if m.state.codec() == media.VideoH264 {
			key = key || h264.IsRandomAccess(payload)
			switch h264.Type(payload) {
			case h264.NALUTypeAUD:
				continue
			case h264.NALUTypeSEI:
				if m.mp4 != nil {
					continue
				}
			}
		} else {
			t := h265.Type(payload)
			if t == h265.NALUTypeAUD || (t.IsSEI() && m.mp4 != nil) {
				continue
			}
			key = key || h265.IsKeyFrame(payload)
		}
		units = append(units, unit)
	}
	if len(units) == 0 {
		return nil
	}

	if !m.state.complete() {
		m.warnOnce("paramSets", "waiting for parameter sets")
		return nil
	}
	if !m.gated {
		if !key {
			return nil
		}
		if err := m.openGate(); err != nil {
			return err
		}
	}
	m.countFrame()

	if m.avi != nil {
		for _, unit := range units {
			if err := m.avi.WriteVideo(unit, isKeyUnit(m.state.codec(), unit)); err != nil {
				return err
			}
		}
		return nil
	}
	return m.addVideoSample(lengthPrefixed(units), key)
}

func isKeyUnit(codec media.VideoCodec, unit []byte) bool {
	if codec == media.VideoH264 {
		return h264.IsRandomAccess(annexb.Payload(unit))
	}
	return h265.IsKeyFrame(annexb.Payload(unit))
}

// lengthPrefixed joins units and rewrites their start codes to lengths.
func lengthPrefixed(units [][]byte) []byte {
	buf := annexb.Join(units)
	pos := 0
	for _, unit := range units {
		annexb.ToLengthPrefixed(buf[pos : pos+len(unit)])
		pos += len(unit)
	}
	return buf
}

func (m *Muxer) onParamSet(unit []byte, wasComplete bool, changed bool) error {
	if !wasComplete {
		if !m.state.complete() {
			return nil
		}
		m.applyGeometry(m.state.probe(nil))
		if m.mp4 != nil {
			return m.ensureVideoTrack(geometry{})
		}
		return nil
	}
	if !changed {
		return nil
	}

	// Mid stream parameter change.
	if m.avi != nil && m.paramSetsWritten {
		return m.avi.WriteVideo(unit, false)
	}
	if m.mp4 != nil && m.videoTrack != 0 {
		m.warnOnce("paramChange", "parameter sets changed after the track was initialized")
	}
	return nil
}

// openGate lets the first keyframe through.
func (m *Muxer) openGate() error {
	m.gated = true
	if m.avi != nil && !m.paramSetsWritten {
		return m.writeParamSets()
	}
	return nil
}

func (m *Muxer) writeParamSets() error {
	m.paramSetsWritten = true
	for _, ps := range m.state.paramSets() {
		if err := m.avi.WriteVideo(ps, false); err != nil {
			return err
		}
	}
	return nil
}

// startVideo prepares a file opened with known parameter sets.
func (m *Muxer) startVideo() error {
	if m.avi != nil {
		if m.state.codec().HasParameterSets() {
			return m.writeParamSets()
		}
		return nil
	}
	return m.ensureVideoTrack(geometry{width: m.video.Width, height: m.video.Height})
}

func (m *Muxer) ensureVideoTrack(g geometry) error {
	if m.videoTrack != 0 {
		return nil
	}
	if g.width == 0 {
		g.width, g.height = m.video.Width, m.video.Height
	}
	codec := m.state.mp4Codec(g)
	if codec == nil {
		return nil
	}

	timescale := uint32(fallbackTimescale)
	if m.fpsKnown && m.video.FPS > 0 {
		timescale = uint32(m.video.FPS)
	}
	id, err := m.mp4.NewTrack(mp4.TrackVideo, timescale)
	if err != nil {
		m.warnOnce("videoTrack", "could not add video track: %v", err)
		return nil
	}
	if err := m.mp4.SetTrackConfig(id, codec); err != nil {
		return err
	}
	m.videoTrack = id
	m.videoTimescale = timescale
	return nil
}

func (m *Muxer) videoStep() int64 {
	fps := m.video.FPS
	if fps <= 0 {
		fps = defaultFPS
	}
	step := int64(m.videoTimescale) / int64(fps)
	if step < 1 {
		step = 1
	}
	return step
}

func (m *Muxer) addVideoSample(sample []byte, key bool) error {
	if m.videoTrack == 0 {
		return nil
	}
	if err := m.mp4.AddSample(m.videoTrack, sample, m.videoDTS, key); err != nil {
		return err
	}
	m.videoDTS += m.videoStep()
	return nil
}

// writeFrame handles codecs where one buffer is one frame.
func (m *Muxer) writeFrame(frame []byte) error {
	m.state.cache(frame)
	if m.video.Width == 0 || !m.fpsKnown {
		m.applyGeometry(m.state.probe(frame))
	}

	key := true
	if m.state.codec() == media.VideoMPEG4 {
		key = mpeg4video.IsKeyFrame(frame)
	}
	if !m.gated {
		if !key || !m.state.complete() {
			return nil
		}
		m.gated = true
	}
	m.countFrame()

	if m.avi != nil {
		return m.avi.WriteVideo(frame, key)
	}
	if err := m.ensureVideoTrack(geometry{}); err != nil {
		return err
	}
	if m.videoTrack == 0 {
		m.warnOnce("unsupportedVideo", "%v video is not supported in mp4", m.state.codec())
		return nil
	}
	return m.addVideoSample(frame, key)
}

// WriteAudio writes one audio frame. AAC frames are stored with an
// ADTS header in AVI and without one in MP4.
func (m *Muxer) WriteAudio(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(data) == 0 {
		return nil
	}
	if !m.hasAudio {
		m.warnOnce("noAudioInfo", "audio before audio info, dropping")
		return nil
	}
	if m.avi != nil {
		return m.writeAVIAudio(data)
	}
	return m.writeMP4Audio(data)
}

func (m *Muxer) writeAVIAudio(data []byte) error {
	if m.audio.Format != media.AudioAAC || aac.HasADTS(data) {
		return m.avi.WriteAudio(data)
	}

	frame := m.audioFrame
	if err := frame.Fill(media.KindAudio, data); err != nil {
		return err
	}
	err := aac.PutADTSHeader(frame.Prefix(aac.ADTSHeaderSize), len(data), m.audio.SampleRate, m.audio.Channels)
	if err != nil {
		return err
	}
	return m.avi.WriteAudio(frame.WithPrefix(aac.ADTSHeaderSize))
}

func (m *Muxer) writeMP4Audio(data []byte) error {
	if m.audio.Format != media.AudioAAC {
		m.warnOnce("unsupportedAudio", "%v audio is not supported in mp4, dropping", m.audio.Format)
		return nil
	}
	// Tracks are frozen once the first fragment is written, hold audio
	// back until the video track exists.
	if m.hasVideo && !m.gated {
		return nil
	}
	if err := m.ensureAudioTrack(); err != nil {
		return err
	}
	if m.audioTrack == 0 {
		return nil
	}

	raw := aac.Strip(data)
	if len(raw) == 0 {
		return nil
	}
	if err := m.mp4.AddSample(m.audioTrack, raw, m.audioDTS, true); err != nil {
		return err
	}
	m.audioDTS += aacSamplesPerFrame
	return nil
}

func (m *Muxer) ensureAudioTrack() error {
	if m.audioTrack != 0 {
		return nil
	}

	conf, err := aac.ParseConfig(m.audio.Extra)
	if err != nil {
		extra, err2 := aac.Config(m.audio.SampleRate, m.audio.Channels)
		if err2 != nil {
			m.warnOnce("audioConfig", "invalid audio config: %v", err2)
			return nil
		}
		if conf, err = aac.ParseConfig(extra); err != nil {
			return err
		}
	}

	id, err := m.mp4.NewTrack(mp4.TrackAudio, uint32(conf.SampleRate))
	if err != nil {
		m.warnOnce("audioTrack", "could not add audio track: %v", err)
		return nil
	}
	if err := m.mp4.SetTrackConfig(id, &fmp4.CodecMPEG4Audio{Config: *conf}); err != nil {
		return err
	}
	m.audioTrack = id
	return nil
}

// Size current file size.
func (m *Muxer) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.avi != nil {
		return m.avi.Size()
	}
	return m.mp4.Size()
}

// Close finalizes and closes the file.
func (m *Muxer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	return m.closeWriter()
}

func (m *Muxer) closeWriter() error {
	m.audioFrame.Release() //nolint:errcheck
	if m.avi != nil {
		return m.avi.Close()
	}
	return m.mp4.Close()
}
