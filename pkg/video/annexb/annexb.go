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

// Package annexb splits and rewrites start code delimited NAL unit streams.
package annexb

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxNALUSize is the maximum size of a NALU.
// with a 250 Mbps H264 video, the maximum NALU size is 2.2MB.
const MaxNALUSize = 3 * 1024 * 1024

// StartCodeSize length of the 4 byte start code.
const StartCodeSize = 4

// minUnitSize start code plus NAL header.
const minUnitSize = StartCodeSize + 1

var startCode = []byte{0, 0, 0, 1}

// Split returns the units of buf, each including its 4 byte start code.
// The units are sub slices of buf. Bytes before the first start code
// and units without a NAL header are dropped.
func Split(buf []byte) [][]byte {
	var units [][]byte
	start := bytes.Index(buf, startCode)
	if start == -1 {
		return nil
	}
	for {
		next := bytes.Index(buf[start+StartCodeSize:], startCode)
		if next == -1 {
			return appendUnit(units, buf[start:])
		}
		end := start + StartCodeSize + next
		units = appendUnit(units, buf[start:end])
		start = end
	}
}

func appendUnit(units [][]byte, unit []byte) [][]byte {
	if len(unit) < minUnitSize {
		return units
	}
	return append(units, unit)
}

// HasStartCode true if buf begins with a 4 byte start code.
func HasStartCode(buf []byte) bool {
	return len(buf) >= StartCodeSize && bytes.Equal(buf[:StartCodeSize], startCode)
}

// Payload unit without its start code.
func Payload(unit []byte) []byte {
	if HasStartCode(unit) {
		return unit[StartCodeSize:]
	}
	return unit
}

// ToLengthPrefixed rewrites the start code of unit in place
// to a big-endian length of the remaining bytes.
func ToLengthPrefixed(unit []byte) {
	binary.BigEndian.PutUint32(unit[:StartCodeSize], uint32(len(unit)-StartCodeSize))
}

// ToStartCode reverts ToLengthPrefixed.
func ToStartCode(unit []byte) {
	copy(unit[:StartCodeSize], startCode)
}

// Errors.
var (
	ErrInvalidLength = errors.New("invalid length")
	ErrNALUTooBig    = errors.New("NALU too big")
)

// SplitLengthPrefixed decodes length prefixed NALUs, the
// returned NALUs do not include the prefix.
func SplitLengthPrefixed(buf []byte) ([][]byte, error) {
	var nalus [][]byte
	pos := 0
	for pos < len(buf) {
		if len(buf)-pos < 4 {
			return nil, ErrInvalidLength
		}
		size := int(binary.BigEndian.Uint32(buf[pos:]))
		pos += 4

		if size > MaxNALUSize {
			return nil, fmt.Errorf("%w: %d", ErrNALUTooBig, size)
		}
		if len(buf)-pos < size {
			return nil, ErrInvalidLength
		}
		nalus = append(nalus, buf[pos:pos+size])
		pos += size
	}
	return nalus, nil
}

// Join concatenates units.
func Join(units [][]byte) []byte {
	n := 0
	for _, u := range units {
		n += len(u)
	}
	buf := make([]byte, 0, n)
	for _, u := range units {
		buf = append(buf, u...)
	}
	return buf
}

// Encode prefixes every NALU with a start code.
func Encode(nalus [][]byte) []byte {
	n := 0
	for _, nalu := range nalus {
		n += StartCodeSize + len(nalu)
	}
	buf := make([]byte, 0, n)
	for _, nalu := range nalus {
		buf = append(buf, startCode...)
		buf = append(buf, nalu...)
	}
	return buf
}

// RBSP removes emulation prevention bytes.
func RBSP(nalu []byte) []byte {
	if !bytes.Contains(nalu, []byte{0, 0, 3}) {
		return nalu
	}
	out := make([]byte, 0, len(nalu))
	zeros := 0
	for _, b := range nalu {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
