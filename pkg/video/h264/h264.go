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

package h264

import "stream2file/pkg/video/annexb"

// NALUType type of a H264 NALU.
type NALUType uint8

// NALU types.
const (
	NALUTypeNonIDR NALUType = 1
	NALUTypeIDR    NALUType = 5
	NALUTypeSEI    NALUType = 6
	NALUTypeSPS    NALUType = 7
	NALUTypePPS    NALUType = 8
	NALUTypeAUD    NALUType = 9
	NALUTypeSTAPA  NALUType = 24
	NALUTypeFUA    NALUType = 28
)

func (t NALUType) String() string {
	switch t {
	case NALUTypeNonIDR:
		return "NonIDR"
	case NALUTypeIDR:
		return "IDR"
	case NALUTypeSEI:
		return "SEI"
	case NALUTypeSPS:
		return "SPS"
	case NALUTypePPS:
		return "PPS"
	case NALUTypeAUD:
		return "AUD"
	case NALUTypeSTAPA:
		return "STAP-A"
	case NALUTypeFUA:
		return "FU-A"
	}
	return "unknown"
}

// Type of a NALU without start code.
func Type(nalu []byte) NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return NALUType(nalu[0] & 0x1F)
}

// IsKeyFrame true for IDR slices.
func IsKeyFrame(nalu []byte) bool {
	return Type(nalu) == NALUTypeIDR
}

// IsRandomAccess true for IDR slices and recovery point SEI messages.
// Streams with periodic intra refresh never send IDR slices.
func IsRandomAccess(nalu []byte) bool {
	return IsKeyFrame(nalu) || IsRecoveryPoint(nalu)
}

const seiTypeRecoveryPoint = 6

// IsRecoveryPoint true if the NALU is a SEI with a recovery point message.
func IsRecoveryPoint(nalu []byte) bool {
	if Type(nalu) != NALUTypeSEI {
		return false
	}
	buf := annexb.RBSP(nalu[1:])
	for len(buf) > 0 && buf[0] != 0x80 {
		payloadType, n := readSEIValue(buf)
		if n == 0 {
			return false
		}
		buf = buf[n:]
		payloadSize, n := readSEIValue(buf)
		if n == 0 {
			return false
		}
		buf = buf[n:]

		if payloadType == seiTypeRecoveryPoint {
			return true
		}
		if payloadSize > len(buf) {
			return false
		}
		buf = buf[payloadSize:]
	}
	return false
}

// readSEIValue reads a ff-coded SEI payload type or size and
// returns the number of bytes consumed, 0 if truncated.
func readSEIValue(buf []byte) (int, int) {
	v := 0
	for i, b := range buf {
		v += int(b)
		if b != 0xFF {
			return v, i + 1
		}
	}
	return 0, 0
}
