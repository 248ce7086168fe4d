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

package video

import (
	"stream2file/pkg/media"
	"stream2file/pkg/video/annexb"
	"stream2file/pkg/video/h264"
	"stream2file/pkg/video/h265"
	"stream2file/pkg/video/mpeg4video"
)

// IsKeyFrame reports whether an elementary video buffer contains a
// random access point. Annex-B buffers are key frames if any unit is,
// H264 recovery point SEI messages count as random access points.
// Unknown codecs and MJPEG are always key frames.
func IsKeyFrame(codec media.VideoCodec, data []byte) bool {
	switch codec {
	case media.VideoH264:
		return anyUnit(data, h264.IsRandomAccess)
	case media.VideoH265:
		return anyUnit(data, h265.IsKeyFrame)
	case media.VideoMPEG4:
		return mpeg4video.IsKeyFrame(data)
	}
	return true
}

func anyUnit(data []byte, isKey func([]byte) bool) bool {
	if !annexb.HasStartCode(data) {
		return isKey(data)
	}
	for _, unit := range annexb.Split(data) {
		if isKey(annexb.Payload(unit)) {
			return true
		}
	}
	return false
}
