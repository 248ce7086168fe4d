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

package h265

import (
	"bytes"
	"errors"

	"stream2file/pkg/video/annexb"
	"stream2file/pkg/video/golomb"

	"github.com/icza/bitio"
)

// NALUType type of a H265 NALU.
type NALUType uint8

// NALU types.
const (
	NALUTypeBLAWLP    NALUType = 16
	NALUTypeIDRWRADL  NALUType = 19
	NALUTypeIDRNLP    NALUType = 20
	NALUTypeCRA       NALUType = 21
	NALUTypeVPS       NALUType = 32
	NALUTypeSPS       NALUType = 33
	NALUTypePPS       NALUType = 34
	NALUTypeAUD       NALUType = 35
	NALUTypePrefixSEI NALUType = 39
	NALUTypeSuffixSEI NALUType = 40
)

// Type of a NALU without start code.
func Type(nalu []byte) NALUType {
	if len(nalu) == 0 {
		return 0
	}
	return NALUType((nalu[0] >> 1) & 0x3F)
}

// IsKeyFrame true for IRAP pictures.
func IsKeyFrame(nalu []byte) bool {
	t := Type(nalu)
	return t >= NALUTypeBLAWLP && t <= NALUTypeCRA
}

// IsSEI true for prefix and suffix SEI.
func (t NALUType) IsSEI() bool {
	return t == NALUTypePrefixSEI || t == NALUTypeSuffixSEI
}

// SPS errors.
var (
	ErrSPSBufferTooShort = errors.New("buffer too short")
	ErrSPSWrongType      = errors.New("not a SPS")
	ErrSPSInvalidSize    = errors.New("invalid picture size")
)

// Larger than any level allows.
const maxPicSizeInLumaSamples = 1 << 17

// ConformanceWindow cropping window in chroma sample units.
type ConformanceWindow struct {
	LeftOffset   uint32
	RightOffset  uint32
	TopOffset    uint32
	BottomOffset uint32
}

// SPS the leading part of a H265 sequence parameter set.
type SPS struct {
	VPSID                   uint8
	MaxSubLayersMinus1      uint8
	GeneralProfileIdc       uint8
	GeneralLevelIdc         uint8
	ID                      uint32
	ChromaFormatIdc         uint32
	SeparateColourPlaneFlag bool
	PicWidthInLumaSamples   uint32
	PicHeightInLumaSamples  uint32

	ConformanceWindow *ConformanceWindow
}

// Unmarshal decodes a SPS NALU, with or without start code.
func (s *SPS) Unmarshal(nalu []byte) error {
	// ref: ITU-T H.265 7.3.2.2
	buf := annexb.RBSP(annexb.Payload(nalu))
	if len(buf) < 3 {
		return ErrSPSBufferTooShort
	}
	if Type(buf) != NALUTypeSPS {
		return ErrSPSWrongType
	}

	*s = SPS{}
	br := bitio.NewReader(bytes.NewReader(buf[2:]))

	tmp, err := br.ReadBits(4)
	if err != nil {
		return err
	}
	s.VPSID = uint8(tmp)

	tmp, err = br.ReadBits(3)
	if err != nil {
		return err
	}
	s.MaxSubLayersMinus1 = uint8(tmp)

	// sps_temporal_id_nesting_flag.
	if err := golomb.Skip(br, 1); err != nil {
		return err
	}
	if err := s.unmarshalProfileTierLevel(br); err != nil {
		return err
	}

	if s.ID, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	if s.ChromaFormatIdc, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	if s.ChromaFormatIdc == 3 {
		if s.SeparateColourPlaneFlag, err = golomb.ReadFlag(br); err != nil {
			return err
		}
	}
	if s.PicWidthInLumaSamples, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	if s.PicHeightInLumaSamples, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}

	conformanceWindowFlag, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if conformanceWindowFlag {
		w := &ConformanceWindow{}
		for _, v := range []*uint32{&w.LeftOffset, &w.RightOffset, &w.TopOffset, &w.BottomOffset} {
			if *v, err = golomb.ReadUnsigned(br); err != nil {
				return err
			}
		}
		s.ConformanceWindow = w
	}
	if s.PicWidthInLumaSamples > maxPicSizeInLumaSamples ||
		s.PicHeightInLumaSamples > maxPicSizeInLumaSamples ||
		s.Width() == 0 || s.Height() == 0 {
		return ErrSPSInvalidSize
	}
	return nil
}

func (s *SPS) unmarshalProfileTierLevel(br *bitio.Reader) error {
	// general_profile_space, general_tier_flag.
	if err := golomb.Skip(br, 3); err != nil {
		return err
	}
	tmp, err := br.ReadBits(5)
	if err != nil {
		return err
	}
	s.GeneralProfileIdc = uint8(tmp)

	// Compatibility flags, source flags and 44 reserved bits.
	if err := golomb.Skip(br, 32+4+43+1); err != nil {
		return err
	}
	tmp, err = br.ReadBits(8)
	if err != nil {
		return err
	}
	s.GeneralLevelIdc = uint8(tmp)

	profilePresent := make([]bool, s.MaxSubLayersMinus1)
	levelPresent := make([]bool, s.MaxSubLayersMinus1)
	for i := range profilePresent {
		if profilePresent[i], err = golomb.ReadFlag(br); err != nil {
			return err
		}
		if levelPresent[i], err = golomb.ReadFlag(br); err != nil {
			return err
		}
	}
	if s.MaxSubLayersMinus1 > 0 {
		// reserved_zero_2bits.
		if err := golomb.Skip(br, int(8-s.MaxSubLayersMinus1)*2); err != nil {
			return err
		}
	}
	for i := range profilePresent {
		if profilePresent[i] {
			if err := golomb.Skip(br, 88); err != nil {
				return err
			}
		}
		if levelPresent[i] {
			if err := golomb.Skip(br, 8); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s SPS) subWidthHeight() (int64, int64) {
	if s.SeparateColourPlaneFlag {
		return 1, 1
	}
	switch s.ChromaFormatIdc {
	case 1:
		return 2, 2
	case 2:
		return 2, 1
	}
	return 1, 1
}

// cropped subtracts the window offsets from a coded dimension,
// 0 if nothing is left.
func cropped(coded uint32, a uint32, b uint32, unit int64) int {
	crop := (int64(a) + int64(b)) * unit
	if crop >= int64(coded) {
		return 0
	}
	return int(int64(coded) - crop)
}

// Width returns the cropped video width, 0 if the window is invalid.
func (s SPS) Width() int {
	c := s.ConformanceWindow
	if c == nil {
		return int(s.PicWidthInLumaSamples)
	}
	subWidth, _ := s.subWidthHeight()
	return cropped(s.PicWidthInLumaSamples, c.LeftOffset, c.RightOffset, subWidth)
}

// Height returns the cropped video height, 0 if the window is invalid.
func (s SPS) Height() int {
	c := s.ConformanceWindow
	if c == nil {
		return int(s.PicHeightInLumaSamples)
	}
	_, subHeight := s.subWidthHeight()
	return cropped(s.PicHeightInLumaSamples, c.TopOffset, c.BottomOffset, subHeight)
}
