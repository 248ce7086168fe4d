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

// Package golomb bit level readers shared by the bitstream parsers.
package golomb

import (
	"errors"

	"github.com/icza/bitio"
)

// ErrTooManyLeadingZeros invalid exp-Golomb code.
var ErrTooManyLeadingZeros = errors.New("too many leading zeros")

// ReadUnsigned reads an ue(v) value.
func ReadUnsigned(br *bitio.Reader) (uint32, error) {
	leadingZeroBits := uint32(0)
	for {
		b, err := br.ReadBits(1)
		if err != nil {
			return 0, err
		}
		if b != 0 {
			break
		}
		leadingZeroBits++
		if leadingZeroBits > 31 {
			return 0, ErrTooManyLeadingZeros
		}
	}

	if leadingZeroBits == 0 {
		return 0, nil
	}
	codeNum, err := br.ReadBits(uint8(leadingZeroBits))
	if err != nil {
		return 0, err
	}
	return (1 << leadingZeroBits) - 1 + uint32(codeNum), nil
}

// ReadSigned reads an se(v) value.
func ReadSigned(br *bitio.Reader) (int32, error) {
	v, err := ReadUnsigned(br)
	if err != nil {
		return 0, err
	}
	vi := int32(v)
	if (vi & 0x01) != 0 {
		return (vi + 1) / 2, nil
	}
	return -vi / 2, nil
}

// ReadFlag reads a single bit.
func ReadFlag(br *bitio.Reader) (bool, error) {
	tmp, err := br.ReadBits(1)
	if err != nil {
		return false, err
	}
	return tmp == 1, nil
}

// Skip discards n bits.
func Skip(br *bitio.Reader, n int) error {
	for n > 0 {
		c := n
		if c > 64 {
			c = 64
		}
		if _, err := br.ReadBits(uint8(c)); err != nil {
			return err
		}
		n -= c
	}
	return nil
}

// SkipUnsigned discards count ue(v) values.
func SkipUnsigned(br *bitio.Reader, count int) error {
	for i := 0; i < count; i++ {
		if _, err := ReadUnsigned(br); err != nil {
			return err
		}
	}
	return nil
}
