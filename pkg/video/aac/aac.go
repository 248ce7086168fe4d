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

// Package aac handles ADTS framing and AudioSpecificConfig of AAC streams.
package aac

import (
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/pkg/codecs/mpeg4audio"
)

// ADTSHeaderSize size of a ADTS header without CRC.
const ADTSHeaderSize = 7

const adtsCRCSize = 2

// DefaultSampleRateIndex used for rates without a table entry.
const DefaultSampleRateIndex = 4

var sampleRateIndexes = map[int]uint8{
	96000: 0,
	88200: 1,
	64000: 2,
	48000: 3,
	44100: 4,
	32000: 5,
	24000: 6,
	22050: 7,
	16000: 8,
	12000: 9,
	11025: 10,
	8000:  11,
	7350:  12,
}

// Errors.
var (
	ErrShortBuffer = errors.New("buffer too short")
	ErrFrameTooBig = errors.New("frame too big for ADTS")
)

const maxFrameLength = 0x1FFF

// RateIndex returns the sampling frequency index of a sample rate,
// DefaultSampleRateIndex if the rate is unknown.
func RateIndex(sampleRate int) uint8 {
	if i, exist := sampleRateIndexes[sampleRate]; exist {
		return i
	}
	return DefaultSampleRateIndex
}

// PutADTSHeader writes a AAC-LC ADTS header for a payload of payloadLen
// bytes into dst, which must hold at least ADTSHeaderSize bytes.
func PutADTSHeader(dst []byte, payloadLen int, sampleRate int, channels int) error {
	if len(dst) < ADTSHeaderSize {
		return ErrShortBuffer
	}
	frameLen := payloadLen + ADTSHeaderSize
	if frameLen > maxFrameLength {
		return fmt.Errorf("%w: %d", ErrFrameTooBig, payloadLen)
	}
	rateIndex := RateIndex(sampleRate)
	chs := channels & 0x07

	dst[0] = 0xFF
	dst[1] = 0xF9 // MPEG-2, no CRC.
	dst[2] = byte(1<<6) | rateIndex<<2 | byte((chs&4)>>2)
	dst[3] = byte((chs&3)<<6) | byte((frameLen&0x1800)>>11)
	dst[4] = byte((frameLen & 0x1FF8) >> 3)
	dst[5] = byte((frameLen&7)<<5) | 0x1F
	dst[6] = 0xFC
	return nil
}

// ADTSHeader returns a new ADTS header.
func ADTSHeader(payloadLen int, sampleRate int, channels int) ([]byte, error) {
	header := make([]byte, ADTSHeaderSize)
	if err := PutADTSHeader(header, payloadLen, sampleRate, channels); err != nil {
		return nil, err
	}
	return header, nil
}

// HasADTS true if the buffer starts with a ADTS syncword.
func HasADTS(buf []byte) bool {
	return len(buf) >= 2 && buf[0] == 0xFF && buf[1]&0xF0 == 0xF0
}

// Strip returns the raw frame if buf starts with a ADTS header,
// otherwise buf is returned unchanged.
func Strip(buf []byte) []byte {
	if !HasADTS(buf) {
		return buf
	}
	size := ADTSHeaderSize
	if buf[1]&0x01 == 0 {
		size += adtsCRCSize
	}
	if len(buf) < size {
		return buf[:0]
	}
	return buf[size:]
}

// ParseADTS reads the stream parameters of a single ADTS frame.
func ParseADTS(buf []byte) (sampleRate int, channels int, err error) {
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(buf); err != nil {
		return 0, 0, fmt.Errorf("unmarshal adts: %w", err)
	}
	return pkts[0].SampleRate, pkts[0].ChannelCount, nil
}

// Config returns a AAC-LC AudioSpecificConfig.
func Config(sampleRate int, channels int) ([]byte, error) {
	conf := mpeg4audio.Config{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
	return conf.Marshal()
}

// ParseConfig decodes a AudioSpecificConfig.
func ParseConfig(extra []byte) (*mpeg4audio.Config, error) {
	var conf mpeg4audio.Config
	if err := conf.Unmarshal(extra); err != nil {
		return nil, fmt.Errorf("unmarshal audio config: %w", err)
	}
	return &conf, nil
}
