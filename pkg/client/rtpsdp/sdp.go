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
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"stream2file/pkg/media"
	"stream2file/pkg/video/aac"
	"stream2file/pkg/video/annexb"
	"stream2file/pkg/video/h264"
	"stream2file/pkg/video/h265"

	psdp "github.com/pion/sdp/v3"
)

// SDP errors.
var (
	ErrNoTracks        = errors.New("no supported tracks")
	ErrNoPort          = errors.New("media has no port")
	ErrFmtpInvalid     = errors.New("invalid fmtp attribute")
	ErrAACConfig       = errors.New("invalid AAC config")
	ErrAACSizeLength   = errors.New("unsupported AAC sizelength")
	ErrPayloadTypeSize = errors.New("invalid payload type")
)

// track one media description the client can receive.
type track struct {
	media       string // "video" or "audio".
	payloadType uint8
	addr        string // host:port to listen on.
	clockRate   int

	video      media.VideoInfo
	paramSets  [][]byte // Out of band parameter sets, without start codes.
	audio      media.AudioInfo
	sizeLength int // AAC AU size bits.
}

// parseSDP returns the first supported video and audio tracks.
func parseSDP(buf []byte) (*track, *track, error) {
	var desc psdp.SessionDescription
	if err := desc.Unmarshal(buf); err != nil {
		return nil, nil, fmt.Errorf("unmarshal sdp: %w", err)
	}

	host := "0.0.0.0"
	if c := desc.ConnectionInformation; c != nil && c.Address != nil {
		host = connectionHost(c.Address.Address)
	}

	var video, audio *track
	for _, md := range desc.MediaDescriptions {
		mediaHost := host
		if c := md.ConnectionInformation; c != nil && c.Address != nil {
			mediaHost = connectionHost(c.Address.Address)
		}

		t, err := parseMedia(md, mediaHost)
		if err != nil {
			return nil, nil, err
		}
		if t == nil {
			continue
		}
		if t.media == "video" && video == nil {
			video = t
		} else if t.media == "audio" && audio == nil {
			audio = t
		}
	}
	if video == nil && audio == nil {
		return nil, nil, ErrNoTracks
	}
	return video, audio, nil
}

// connectionHost strips the TTL and count suffixes of a multicast address.
func connectionHost(addr string) string {
	return strings.SplitN(addr, "/", 2)[0]
}

func parseMedia(md *psdp.MediaDescription, host string) (*track, error) {
	if len(md.MediaName.Formats) == 0 {
		return nil, nil
	}
	tmp, err := strconv.ParseUint(md.MediaName.Formats[0], 10, 7)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadTypeSize, md.MediaName.Formats[0])
	}
	payloadType := uint8(tmp)

	port := md.MediaName.Port.Value
	if port == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoPort, md.MediaName.Media)
	}

	t := &track{
		media:       md.MediaName.Media,
		payloadType: payloadType,
		addr:        net.JoinHostPort(host, strconv.Itoa(port)),
	}

	codec, clock, channels := rtpmap(md, payloadType)
	t.clockRate = clock

	switch {
	case t.media == "video" && codec == "h264":
		t.video.Codec = media.VideoH264
		return t, t.parseH264(md)
	case t.media == "video" && codec == "h265":
		t.video.Codec = media.VideoH265
		return t, t.parseH265(md)
	case t.media == "audio" && codec == "mpeg4-generic":
		return t, t.parseAAC(md)
	case t.media == "audio" && codec == "pcma":
		t.audio = media.AudioInfo{Format: media.AudioALAW, SampleRate: clock, Channels: channels}
		return t, nil
	case t.media == "audio" && codec == "pcmu":
		t.audio = media.AudioInfo{Format: media.AudioMULAW, SampleRate: clock, Channels: channels}
		return t, nil
	}
	return nil, nil
}

// rtpmap returns the lower case encoding name, clock rate and
// channel count. Static payload types may omit the attribute.
func rtpmap(md *psdp.MediaDescription, payloadType uint8) (string, int, int) {
	switch payloadType {
	case 0:
		return "pcmu", 8000, 1
	case 8:
		return "pcma", 8000, 1
	}

	prefix := strconv.Itoa(int(payloadType)) + " "
	for _, attr := range md.Attributes {
		if attr.Key != "rtpmap" || !strings.HasPrefix(attr.Value, prefix) {
			continue
		}
		fields := strings.Split(strings.TrimPrefix(attr.Value, prefix), "/")
		codec := strings.ToLower(strings.TrimSpace(fields[0]))
		clock, channels := 0, 1
		if len(fields) > 1 {
			clock, _ = strconv.Atoi(fields[1])
		}
		if len(fields) > 2 {
			if n, err := strconv.Atoi(fields[2]); err == nil {
				channels = n
			}
		}
		return codec, clock, channels
	}
	return "", 0, 0
}

// fmtp returns the key value pairs of the fmtp attribute, keys in lower case.
func fmtp(md *psdp.MediaDescription) (map[string]string, error) {
	v, ok := md.Attribute("fmtp")
	if !ok {
		return nil, nil
	}
	tmp := strings.SplitN(v, " ", 2)
	if len(tmp) != 2 {
		return nil, fmt.Errorf("%w: %v", ErrFmtpInvalid, v)
	}

	params := make(map[string]string)
	for _, kv := range strings.Split(tmp[1], ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		tmp := strings.SplitN(kv, "=", 2)
		if len(tmp) != 2 {
			return nil, fmt.Errorf("%w: %v", ErrFmtpInvalid, v)
		}
		params[strings.ToLower(tmp[0])] = tmp[1]
	}
	return params, nil
}

func decodeSprop(v string) ([][]byte, error) {
	var units [][]byte
	for _, s := range strings.Split(v, ",") {
		if s == "" {
			continue
		}
		unit, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFmtpInvalid, s)
		}
		units = append(units, unit)
	}
	return units, nil
}

func (t *track) parseH264(md *psdp.MediaDescription) error {
	params, err := fmtp(md)
	if err != nil {
		return err
	}
	if v, ok := params["sprop-parameter-sets"]; ok {
		if t.paramSets, err = decodeSprop(v); err != nil {
			return err
		}
	}
	for _, unit := range t.paramSets {
		if h264.Type(unit) != h264.NALUTypeSPS {
			continue
		}
		var sps h264.SPS
		if err := sps.Unmarshal(unit); err == nil {
			t.video.Width = sps.Width()
			t.video.Height = sps.Height()
		}
	}
	return nil
}

func (t *track) parseH265(md *psdp.MediaDescription) error {
	params, err := fmtp(md)
	if err != nil {
		return err
	}
	for _, key := range []string{"sprop-vps", "sprop-sps", "sprop-pps"} {
		v, ok := params[key]
		if !ok {
			continue
		}
		units, err := decodeSprop(v)
		if err != nil {
			return err
		}
		t.paramSets = append(t.paramSets, units...)
	}
	for _, unit := range t.paramSets {
		if h265.Type(unit) != h265.NALUTypeSPS {
			continue
		}
		var sps h265.SPS
		if err := sps.Unmarshal(unit); err == nil {
			t.video.Width = sps.Width()
			t.video.Height = sps.Height()
		}
	}
	return nil
}

func (t *track) parseAAC(md *psdp.MediaDescription) error {
	params, err := fmtp(md)
	if err != nil {
		return err
	}

	t.sizeLength = 13
	if v, ok := params["sizelength"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n != 13 {
			return fmt.Errorf("%w: %v", ErrAACSizeLength, v)
		}
	}

	t.audio.Format = media.AudioAAC
	v, ok := params["config"]
	if !ok {
		extra, err := aac.Config(t.clockRate, 2)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrAACConfig, err)
		}
		t.audio.SampleRate, t.audio.Channels, t.audio.Extra = t.clockRate, 2, extra
		return nil
	}

	extra, err := hex.DecodeString(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAACConfig, v)
	}
	conf, err := aac.ParseConfig(extra)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAACConfig, err)
	}
	t.audio.SampleRate = conf.SampleRate
	t.audio.Channels = conf.ChannelCount
	t.audio.Extra = extra
	return nil
}

// paramSetsAnnexB out of band parameter sets with start codes.
func (t *track) paramSetsAnnexB() []byte {
	if len(t.paramSets) == 0 {
		return nil
	}
	return annexb.Encode(t.paramSets)
}
