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

package mux

import (
	"bytes"
	"math"

	"stream2file/pkg/media"
	"stream2file/pkg/video/annexb"
	"stream2file/pkg/video/h264"
	"stream2file/pkg/video/h265"
	"stream2file/pkg/video/mjpeg"
	"stream2file/pkg/video/mpeg4video"

	"github.com/bluenviron/mediacommon/pkg/formats/fmp4"
)

// geometry recovered from the bitstream, zero fields are unknown.
type geometry struct {
	width  int
	height int
	fps    int
}

// codecState per codec receiver state, one implementation per codec family.
type codecState interface {
	codec() media.VideoCodec

	// cache stores the unit if it is a parameter set or codec
	// config and reports whether it was one and if it changed.
	cache(unit []byte) (isParam bool, changed bool)

	// complete true once everything needed to initialize a track is known.
	complete() bool

	// paramSets in the order they are re-emitted.
	paramSets() [][]byte

	// probe recovers geometry from the cached parameters or a frame.
	probe(frame []byte) geometry

	// mp4Codec returns the track config, nil if it is not known yet.
	mp4Codec(g geometry) fmp4.Codec

	clone() codecState
}

func newCodecState(codec media.VideoCodec) codecState {
	switch codec {
	case media.VideoH264:
		return &h264State{}
	case media.VideoH265:
		return &h265State{}
	case media.VideoMJPEG:
		return &mjpegState{}
	case media.VideoMPEG4:
		return &mpeg4State{}
	}
	return &plainState{}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// setIfChanged copies unit into dst unless it is identical.
func setIfChanged(dst *[]byte, unit []byte) bool {
	if bytes.Equal(*dst, unit) {
		return false
	}
	*dst = clone(unit)
	return true
}

func roundFPS(fps float64) int {
	if fps <= 0 || fps > 1000 {
		return 0
	}
	return int(math.Round(fps))
}

type h264State struct {
	sps []byte
	pps []byte
}

func (s *h264State) codec() media.VideoCodec { return media.VideoH264 }

func (s *h264State) cache(unit []byte) (bool, bool) {
	switch h264.Type(annexb.Payload(unit)) {
	case h264.NALUTypeSPS:
		return true, setIfChanged(&s.sps, unit)
	case h264.NALUTypePPS:
		return true, setIfChanged(&s.pps, unit)
	}
	return false, false
}

func (s *h264State) complete() bool {
	return s.sps != nil && s.pps != nil
}

func (s *h264State) paramSets() [][]byte {
	return [][]byte{s.sps, s.pps}
}

func (s *h264State) probe([]byte) geometry {
	if s.sps == nil {
		return geometry{}
	}
	var sps h264.SPS
	if err := sps.Unmarshal(s.sps); err != nil {
		return geometry{}
	}
	return geometry{width: sps.Width(), height: sps.Height(), fps: roundFPS(sps.FPS())}
}

func (s *h264State) mp4Codec(geometry) fmp4.Codec {
	if !s.complete() {
		return nil
	}
	return &fmp4.CodecH264{
		SPS: clone(annexb.Payload(s.sps)),
		PPS: clone(annexb.Payload(s.pps)),
	}
}

func (s *h264State) clone() codecState {
	return &h264State{sps: clone(s.sps), pps: clone(s.pps)}
}

type h265State struct {
	vps []byte
	sps []byte
	pps []byte
}

func (s *h265State) codec() media.VideoCodec { return media.VideoH265 }

func (s *h265State) cache(unit []byte) (bool, bool) {
	switch h265.Type(annexb.Payload(unit)) {
	case h265.NALUTypeVPS:
		return true, setIfChanged(&s.vps, unit)
	case h265.NALUTypeSPS:
		return true, setIfChanged(&s.sps, unit)
	case h265.NALUTypePPS:
		return true, setIfChanged(&s.pps, unit)
	}
	return false, false
}

func (s *h265State) complete() bool {
	return s.vps != nil && s.sps != nil && s.pps != nil
}

func (s *h265State) paramSets() [][]byte {
	return [][]byte{s.vps, s.sps, s.pps}
}

func (s *h265State) probe([]byte) geometry {
	if s.sps == nil {
		return geometry{}
	}
	var sps h265.SPS
	if err := sps.Unmarshal(s.sps); err != nil {
		return geometry{}
	}
	return geometry{width: sps.Width(), height: sps.Height()}
}

func (s *h265State) mp4Codec(geometry) fmp4.Codec {
	if !s.complete() {
		return nil
	}
	return &fmp4.CodecH265{
		VPS: clone(annexb.Payload(s.vps)),
		SPS: clone(annexb.Payload(s.sps)),
		PPS: clone(annexb.Payload(s.pps)),
	}
}

func (s *h265State) clone() codecState {
	return &h265State{vps: clone(s.vps), sps: clone(s.sps), pps: clone(s.pps)}
}

type mjpegState struct{}

func (s *mjpegState) codec() media.VideoCodec { return media.VideoMJPEG }
func (s *mjpegState) cache([]byte) (bool, bool) { return false, false }
func (s *mjpegState) complete() bool { return true }
func (s *mjpegState) paramSets() [][]byte { return nil }

func (s *mjpegState) probe(frame []byte) geometry {
	w, h, err := mjpeg.Size(frame)
	if err != nil {
		return geometry{}
	}
	return geometry{width: w, height: h}
}

func (s *mjpegState) mp4Codec(g geometry) fmp4.Codec {
	if g.width == 0 || g.height == 0 {
		return nil
	}
	return &fmp4.CodecMJPEG{Width: g.width, Height: g.height}
}

func (s *mjpegState) clone() codecState { return &mjpegState{} }

// mpeg4State caches the headers in front of the first VOP.
type mpeg4State struct {
	config []byte
}

func (s *mpeg4State) codec() media.VideoCodec { return media.VideoMPEG4 }

func (s *mpeg4State) cache(frame []byte) (bool, bool) {
	if !mpeg4video.HasConfig(frame) {
		return false, false
	}
	return true, setIfChanged(&s.config, mpeg4video.Config(frame))
}

func (s *mpeg4State) complete() bool { return s.config != nil }
func (s *mpeg4State) paramSets() [][]byte { return nil }

func (s *mpeg4State) probe([]byte) geometry {
	var vol mpeg4video.VOL
	if err := vol.Unmarshal(s.config); err != nil {
		return geometry{}
	}
	return geometry{width: vol.Width, height: vol.Height, fps: roundFPS(vol.FPS())}
}

func (s *mpeg4State) mp4Codec(geometry) fmp4.Codec {
	if s.config == nil {
		return nil
	}
	return &fmp4.CodecMPEG4Video{Config: clone(s.config)}
}

func (s *mpeg4State) clone() codecState {
	return &mpeg4State{config: clone(s.config)}
}

// plainState unknown codecs, frames are stored as they are.
type plainState struct{}

func (s *plainState) codec() media.VideoCodec { return media.VideoUnknown }
func (s *plainState) cache([]byte) (bool, bool) { return false, false }
func (s *plainState) complete() bool { return true }
func (s *plainState) paramSets() [][]byte { return nil }
func (s *plainState) probe([]byte) geometry { return geometry{} }
func (s *plainState) mp4Codec(geometry) fmp4.Codec { return nil }
func (s *plainState) clone() codecState { return &plainState{} }
