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

package media

import (
	"strings"

	"stream2file/pkg/riff"
)

// VideoCodec negotiated video codec.
type VideoCodec uint8

// Video codecs.
const (
	VideoUnknown VideoCodec = iota
	VideoH264
	VideoH265
	VideoMJPEG
	VideoMPEG4
)

func (c VideoCodec) String() string {
	switch c {
	case VideoH264:
		return "H264"
	case VideoH265:
		return "H265"
	case VideoMJPEG:
		return "JPEG"
	case VideoMPEG4:
		return "MP4V"
	}
	return "unknown"
}

// FourCC codec tag stored in AVI headers.
func (c VideoCodec) FourCC() riff.FourCC {
	if c == VideoUnknown {
		return riff.FourCC{}
	}
	return riff.NewFourCC(c.String())
}

// HasParameterSets true for codecs that carry SPS/PPS/VPS.
func (c VideoCodec) HasParameterSets() bool {
	return c == VideoH264 || c == VideoH265
}

// VideoCodecFromFourCC maps a codec tag to a codec, common aliases included.
func VideoCodecFromFourCC(f riff.FourCC) VideoCodec {
	switch strings.ToUpper(f.String()) {
	case "H264", "AVC1", "X264":
		return VideoH264
	case "H265", "HEVC", "HEV1", "HVC1":
		return VideoH265
	case "JPEG", "MJPG":
		return VideoMJPEG
	case "MP4V", "XVID", "DIVX", "FMP4":
		return VideoMPEG4
	}
	return VideoUnknown
}

// AudioFormat WAVEFORMATEX format tag.
type AudioFormat uint16

// Audio formats.
const (
	AudioPCM   AudioFormat = 0x01
	AudioALAW  AudioFormat = 0x06
	AudioMULAW AudioFormat = 0x07
	AudioMP3   AudioFormat = 0x55
	AudioG726  AudioFormat = 0x64
	AudioG722  AudioFormat = 0x65
	AudioAAC   AudioFormat = 0xFF
)

func (f AudioFormat) String() string {
	switch f {
	case AudioPCM:
		return "PCM"
	case AudioALAW:
		return "ALAW"
	case AudioMULAW:
		return "MULAW"
	case AudioMP3:
		return "MP3"
	case AudioG726:
		return "G726"
	case AudioG722:
		return "G722"
	case AudioAAC:
		return "AAC"
	}
	return "unknown"
}

// BitsPerSample nominal sample size, 0 for compressed formats.
func (f AudioFormat) BitsPerSample() int {
	switch f {
	case AudioPCM:
		return 16
	case AudioALAW, AudioMULAW:
		return 8
	case AudioG726:
		return 4
	}
	return 0
}

// VideoInfo video stream parameters.
type VideoInfo struct {
	Codec  VideoCodec
	Width  int
	Height int
	FPS    int
}

// AudioInfo audio stream parameters.
type AudioInfo struct {
	Format     AudioFormat
	SampleRate int
	Channels   int
	Extra      []byte // Codec extradata, AudioSpecificConfig for AAC.
}

// Copy returns a deep copy.
func (a AudioInfo) Copy() AudioInfo {
	if a.Extra != nil {
		a.Extra = append([]byte(nil), a.Extra...)
	}
	return a
}
