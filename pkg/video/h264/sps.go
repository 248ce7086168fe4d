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

import (
	"bytes"
	"errors"

	"stream2file/pkg/video/annexb"
	"stream2file/pkg/video/golomb"

	"github.com/icza/bitio"
)

// SPS errors.
var (
	ErrSPSBufferTooShort    = errors.New("buffer too short")
	ErrSPSWrongForbiddenBit = errors.New("wrong forbidden bit")
	ErrSPSWrongType         = errors.New("not a SPS")
	ErrSPSInvalidSize       = errors.New("invalid picture size")
)

// Larger than any level allows.
const maxPicSizeInMbs = 1 << 13

// FrameCropping frame cropping offsets in chroma sample units.
type FrameCropping struct {
	LeftOffset   uint32
	RightOffset  uint32
	TopOffset    uint32
	BottomOffset uint32
}

// SPS the subset of a H264 sequence parameter set needed to
// recover picture geometry and timing.
type SPS struct {
	ProfileIdc uint8
	LevelIdc   uint8
	ID         uint32

	ChromaFormatIdc         uint32
	SeparateColourPlaneFlag bool

	PicOrderCntType      uint32
	MaxNumRefFrames      uint32
	PicWidthInMbsMinus1  uint32
	PicHeightInMbsMinus1 uint32
	FrameMbsOnlyFlag     bool

	FrameCropping *FrameCropping

	// Zero if the VUI has no timing info.
	NumUnitsInTick uint32
	TimeScale      uint32
}

// Unmarshal decodes a SPS NALU, with or without start code.
func (s *SPS) Unmarshal(nalu []byte) error {
	// ref: ISO/IEC 14496-10:2020
	buf := annexb.RBSP(annexb.Payload(nalu))
	if len(buf) < 4 {
		return ErrSPSBufferTooShort
	}
	if buf[0]>>7 != 0 {
		return ErrSPSWrongForbiddenBit
	}
	if Type(buf) != NALUTypeSPS {
		return ErrSPSWrongType
	}

	*s = SPS{
		ProfileIdc:      buf[1],
		LevelIdc:        buf[3],
		ChromaFormatIdc: 1,
	}
	br := bitio.NewReader(bytes.NewReader(buf[4:]))

	var err error
	if s.ID, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	if err := s.unmarshalProfileIdc(br); err != nil {
		return err
	}

	// log2_max_frame_num_minus4.
	if err := golomb.SkipUnsigned(br, 1); err != nil {
		return err
	}
	if s.PicOrderCntType, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	if err := s.skipPicOrderCnt(br); err != nil {
		return err
	}

	if s.MaxNumRefFrames, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	// gaps_in_frame_num_value_allowed_flag.
	if err := golomb.Skip(br, 1); err != nil {
		return err
	}
	if s.PicWidthInMbsMinus1, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	if s.PicHeightInMbsMinus1, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	if s.FrameMbsOnlyFlag, err = golomb.ReadFlag(br); err != nil {
		return err
	}
	if !s.FrameMbsOnlyFlag {
		// mb_adaptive_frame_field_flag.
		if err := golomb.Skip(br, 1); err != nil {
			return err
		}
	}
	// direct_8x8_inference_flag.
	if err := golomb.Skip(br, 1); err != nil {
		return err
	}

	frameCroppingFlag, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if frameCroppingFlag {
		c := &FrameCropping{}
		for _, v := range []*uint32{&c.LeftOffset, &c.RightOffset, &c.TopOffset, &c.BottomOffset} {
			if *v, err = golomb.ReadUnsigned(br); err != nil {
				return err
			}
		}
		s.FrameCropping = c
	}
	if s.PicWidthInMbsMinus1 >= maxPicSizeInMbs ||
		s.PicHeightInMbsMinus1 >= maxPicSizeInMbs ||
		s.Width() == 0 || s.Height() == 0 {
		return ErrSPSInvalidSize
	}

	vuiParametersPresentFlag, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if vuiParametersPresentFlag {
		// Geometry is already known, a damaged VUI only costs the timing.
		s.unmarshalVUITiming(br) //nolint:errcheck
	}
	return nil
}

func (s *SPS) unmarshalProfileIdc(br *bitio.Reader) error {
	switch s.ProfileIdc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134, 135:
	default:
		return nil
	}

	var err error
	if s.ChromaFormatIdc, err = golomb.ReadUnsigned(br); err != nil {
		return err
	}
	if s.ChromaFormatIdc == 3 {
		if s.SeparateColourPlaneFlag, err = golomb.ReadFlag(br); err != nil {
			return err
		}
	}

	// bit_depth_luma_minus8, bit_depth_chroma_minus8.
	if err := golomb.SkipUnsigned(br, 2); err != nil {
		return err
	}
	// qpprime_y_zero_transform_bypass_flag.
	if err := golomb.Skip(br, 1); err != nil {
		return err
	}

	seqScalingMatrixPresentFlag, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if !seqScalingMatrixPresentFlag {
		return nil
	}

	lim := 8
	if s.ChromaFormatIdc == 3 {
		lim = 12
	}
	for i := 0; i < lim; i++ {
		present, err := golomb.ReadFlag(br)
		if err != nil {
			return err
		}
		if !present {
			continue
		}
		size := 16
		if i >= 6 {
			size = 64
		}
		if err := skipScalingList(br, size); err != nil {
			return err
		}
	}
	return nil
}

func skipScalingList(br *bitio.Reader, size int) error {
	lastScale := int32(8)
	nextScale := int32(8)
	for j := 0; j < size; j++ {
		if nextScale != 0 {
			deltaScale, err := golomb.ReadSigned(br)
			if err != nil {
				return err
			}
			nextScale = (lastScale + deltaScale + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

func (s *SPS) skipPicOrderCnt(br *bitio.Reader) error {
	switch s.PicOrderCntType {
	case 0:
		// log2_max_pic_order_cnt_lsb_minus4.
		return golomb.SkipUnsigned(br, 1)
	case 1:
		// delta_pic_order_always_zero_flag.
		if err := golomb.Skip(br, 1); err != nil {
			return err
		}
		// offset_for_non_ref_pic, offset_for_top_to_bottom_field.
		if err := golomb.SkipUnsigned(br, 2); err != nil {
			return err
		}
		numRefFramesInPicOrderCntCycle, err := golomb.ReadUnsigned(br)
		if err != nil {
			return err
		}
		return golomb.SkipUnsigned(br, int(numRefFramesInPicOrderCntCycle))
	}
	return nil
}

// unmarshalVUITiming reads the VUI up to and including the timing info.
func (s *SPS) unmarshalVUITiming(br *bitio.Reader) error {
	aspectRatioInfoPresentFlag, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if aspectRatioInfoPresentFlag {
		aspectRatioIdc, err := br.ReadBits(8)
		if err != nil {
			return err
		}
		if aspectRatioIdc == 255 { // Extended_SAR
			if err := golomb.Skip(br, 32); err != nil {
				return err
			}
		}
	}

	overscanInfoPresentFlag, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if overscanInfoPresentFlag {
		if err := golomb.Skip(br, 1); err != nil {
			return err
		}
	}

	videoSignalTypePresentFlag, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if videoSignalTypePresentFlag {
		// video_format, video_full_range_flag.
		if err := golomb.Skip(br, 4); err != nil {
			return err
		}
		colourDescriptionPresentFlag, err := golomb.ReadFlag(br)
		if err != nil {
			return err
		}
		if colourDescriptionPresentFlag {
			if err := golomb.Skip(br, 24); err != nil {
				return err
			}
		}
	}

	chromaLocInfoPresentFlag, err := golomb.ReadFlag(br)
	if err != nil {
		return err
	}
	if chromaLocInfoPresentFlag {
		if err := golomb.SkipUnsigned(br, 2); err != nil {
			return err
		}
	}

	timingInfoPresentFlag, err := golomb.ReadFlag(br)
	if err != nil || !timingInfoPresentFlag {
		return err
	}
	numUnitsInTick, err := br.ReadBits(32)
	if err != nil {
		return err
	}
	timeScale, err := br.ReadBits(32)
	if err != nil {
		return err
	}
	s.NumUnitsInTick = uint32(numUnitsInTick)
	s.TimeScale = uint32(timeScale)
	return nil
}

func (s SPS) cropUnits() (int64, int64) {
	f := int64(0)
	if s.FrameMbsOnlyFlag {
		f = 1
	}
	if s.ChromaFormatIdc == 0 || s.SeparateColourPlaneFlag {
		return 1, 2 - f
	}
	subWidthC, subHeightC := int64(2), int64(2)
	switch s.ChromaFormatIdc {
	case 2:
		subHeightC = 1
	case 3:
		subWidthC, subHeightC = 1, 1
	}
	return subWidthC, subHeightC * (2 - f)
}

// cropped subtracts the crop offsets from a coded dimension,
// 0 if nothing is left.
func cropped(coded int64, a uint32, b uint32, unit int64) int {
	crop := (int64(a) + int64(b)) * unit
	if crop >= coded {
		return 0
	}
	return int(coded - crop)
}

// Width returns the video width, 0 if the cropping is invalid.
func (s SPS) Width() int {
	w := (int64(s.PicWidthInMbsMinus1) + 1) * 16
	if s.FrameCropping == nil {
		return int(w)
	}
	cropX, _ := s.cropUnits()
	return cropped(w, s.FrameCropping.LeftOffset, s.FrameCropping.RightOffset, cropX)
}

// Height returns the video height, 0 if the cropping is invalid.
func (s SPS) Height() int {
	f := int64(0)
	if s.FrameMbsOnlyFlag {
		f = 1
	}
	h := (2 - f) * (int64(s.PicHeightInMbsMinus1) + 1) * 16
	if s.FrameCropping == nil {
		return int(h)
	}
	_, cropY := s.cropUnits()
	return cropped(h, s.FrameCropping.TopOffset, s.FrameCropping.BottomOffset, cropY)
}

// FPS returns the frame rate signaled by the VUI, or 0.
func (s SPS) FPS() float64 {
	if s.NumUnitsInTick == 0 {
		return 0
	}
	return float64(s.TimeScale) / (2 * float64(s.NumUnitsInTick))
}
