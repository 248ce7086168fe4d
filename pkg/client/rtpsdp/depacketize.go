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

package rtpsdp

import (
	"encoding/binary"
	"errors"
	"fmt"

	"stream2file/pkg/media"
	"stream2file/pkg/video/annexb"

	"github.com/pion/rtp/v2"
)

// Depacketizer errors.
var (
	ErrMorePacketsNeeded = errors.New("need more packets")
	ErrShortPayload      = errors.New("payload is too short")
	ErrAggregateInvalid  = errors.New("invalid aggregation packet")
	ErrFUInvalid         = errors.New("invalid fragmentation unit")
	ErrTypeUnsupported   = errors.New("packet type not supported")
	ErrAUInvalid         = errors.New("invalid AU header section")
	ErrAccessUnitTooBig  = errors.New("access unit too big")
)

// Aggregation and fragmentation packet types.
const (
	h264TypeSTAPA = 24
	h264TypeSTAPB = 25
	h264TypeMTAP  = 26
	h264TypeMTAP2 = 27
	h264TypeFUA   = 28
	h264TypeFUB   = 29

	h265TypeAP = 48
	h265TypeFU = 49
)

// Upper bound of a reassembled access unit.
const maxAccessUnitSize = 8 * 1024 * 1024

// videoDepacketizer reassembles H264 (RFC 6184) or H265 (RFC 7798)
// NALUs and groups them into access units on the marker bit.
type videoDepacketizer struct {
	codec media.VideoCodec

	fragment    []byte
	fragmenting bool
	accessUnit  [][]byte
	size        int
}

func newVideoDepacketizer(codec media.VideoCodec) *videoDepacketizer {
	return &videoDepacketizer{codec: codec}
}

// decode returns the NALUs of one packet.
func (d *videoDepacketizer) decode(pkt *rtp.Packet) ([][]byte, error) {
	if d.codec == media.VideoH265 {
		return d.decodeH265(pkt.Payload)
	}
	return d.decodeH264(pkt.Payload)
}

func (d *videoDepacketizer) decodeH264(payload []byte) ([][]byte, error) {
	if len(payload) < 1 {
		return nil, ErrShortPayload
	}

	typ := payload[0] & 0x1F
	if d.fragmenting && typ != h264TypeFUA {
		d.fragmenting = false
		return nil, fmt.Errorf("%w: expected FU-A, got %d", ErrFUInvalid, typ)
	}

	switch typ {
	case h264TypeSTAPA:
		return splitAggregate(payload[1:])

	case h264TypeFUA:
		if len(payload) < 2 {
			d.fragmenting = false
			return nil, ErrShortPayload
		}
		start := payload[1]&0x80 != 0
		end := payload[1]&0x40 != 0
		header := (payload[0] & 0xE0) | (payload[1] & 0x1F)
		return d.decodeFragment(start, end, []byte{header}, payload[2:])

	case h264TypeSTAPB, h264TypeMTAP, h264TypeMTAP2, h264TypeFUB:
		return nil, fmt.Errorf("%w: %d", ErrTypeUnsupported, typ)
	}
	return [][]byte{payload}, nil
}

func (d *videoDepacketizer) decodeH265(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, ErrShortPayload
	}

	typ := (payload[0] >> 1) & 0x3F
	if d.fragmenting && typ != h265TypeFU {
		d.fragmenting = false
		return nil, fmt.Errorf("%w: expected FU, got %d", ErrFUInvalid, typ)
	}

	switch typ {
	case h265TypeAP:
		return splitAggregate(payload[2:])

	case h265TypeFU:
		if len(payload) < 3 {
			d.fragmenting = false
			return nil, ErrShortPayload
		}
		start := payload[2]&0x80 != 0
		end := payload[2]&0x40 != 0
		fuType := payload[2] & 0x3F
		header := []byte{(payload[0] & 0x81) | (fuType << 1), payload[1]}
		return d.decodeFragment(start, end, header, payload[3:])
	}
	return [][]byte{payload}, nil
}

// splitAggregate splits 16 bit size prefixed NALUs.
func splitAggregate(buf []byte) ([][]byte, error) {
	var nalus [][]byte
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, ErrAggregateInvalid
		}
		size := int(binary.BigEndian.Uint16(buf))
		buf = buf[2:]

		// Padding.
		if size == 0 {
			break
		}
		if size > len(buf) {
			return nil, ErrAggregateInvalid
		}
		nalus = append(nalus, buf[:size])
		buf = buf[size:]
	}
	if len(nalus) == 0 {
		return nil, ErrAggregateInvalid
	}
	return nalus, nil
}

func (d *videoDepacketizer) decodeFragment(start, end bool, header, data []byte) ([][]byte, error) {
	if start {
		if d.fragmenting {
			d.fragmenting = false
			return nil, fmt.Errorf("%w: two starting packets", ErrFUInvalid)
		}
		d.fragment = append(append(d.fragment[:0], header...), data...)
		d.fragmenting = !end
		if end {
			return [][]byte{append([]byte(nil), d.fragment...)}, nil
		}
		return nil, ErrMorePacketsNeeded
	}
	if !d.fragmenting {
		// Joined mid fragment.
		return nil, ErrMorePacketsNeeded
	}

	d.fragment = append(d.fragment, data...)
	if len(d.fragment) > maxAccessUnitSize {
		d.fragmenting = false
		return nil, ErrAccessUnitTooBig
	}
	if !end {
		return nil, ErrMorePacketsNeeded
	}
	d.fragmenting = false
	return [][]byte{append([]byte(nil), d.fragment...)}, nil
}

// decodeUntilMarker buffers NALUs until a packet with the marker bit
// and returns the access unit in Annex-B format.
func (d *videoDepacketizer) decodeUntilMarker(pkt *rtp.Packet) ([]byte, error) {
	nalus, err := d.decode(pkt)
	if err != nil && !errors.Is(err, ErrMorePacketsNeeded) {
		d.accessUnit, d.size = d.accessUnit[:0], 0
		return nil, err
	}
	for _, nalu := range nalus {
		d.size += annexb.StartCodeSize + len(nalu)
		d.accessUnit = append(d.accessUnit, append([]byte(nil), nalu...))
	}
	if d.size > maxAccessUnitSize {
		d.accessUnit, d.size = d.accessUnit[:0], 0
		return nil, ErrAccessUnitTooBig
	}
	if !pkt.Marker || len(d.accessUnit) == 0 {
		return nil, ErrMorePacketsNeeded
	}

	au := annexb.Encode(d.accessUnit)
	d.accessUnit, d.size = d.accessUnit[:0], 0
	return au, nil
}

// decodeAAC splits a RFC 3640 AAC-hbr payload into access units.
// Fragmented access units are not supported.
func decodeAAC(payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		return nil, ErrShortPayload
	}
	headersLen := int(binary.BigEndian.Uint16(payload))
	if headersLen%16 != 0 || headersLen == 0 {
		return nil, fmt.Errorf("%w: AU-headers-length %d", ErrAUInvalid, headersLen)
	}
	count := headersLen / 16
	payload = payload[2:]
	if len(payload) < count*2 {
		return nil, ErrShortPayload
	}

	sizes := make([]int, count)
	for i := range sizes {
		// 13 bit size, 3 bit index.
		sizes[i] = int(binary.BigEndian.Uint16(payload[i*2:]) >> 3)
	}
	payload = payload[count*2:]

	aus := make([][]byte, count)
	for i, size := range sizes {
		if len(payload) < size {
			return nil, ErrShortPayload
		}
		aus[i] = payload[:size]
		payload = payload[size:]
	}
	return aus, nil
}
