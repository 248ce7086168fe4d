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
	"errors"
)

// Kind packet type.
type Kind uint8

// Packet types.
const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	}
	return "unknown"
}

// HeadRoom reserved bytes in front of every payload.
const HeadRoom = 16

// ErrReleased frame was used after Release.
var ErrReleased = errors.New("frame released")

// Frame reusable packet buffer. Head is a fixed region directly in front
// of Payload in the same backing array, so a header written into the tail
// of Head and the payload can be handed out as one contiguous slice.
// The backing array is only replaced when the payload outgrows it.
type Frame struct {
	Kind    Kind
	Head    []byte
	Payload []byte

	buf      []byte
	released bool
}

// NewFrame allocates a frame with room for size payload bytes.
func NewFrame(size int) *Frame {
	f := &Frame{}
	f.alloc(size)
	return f
}

func (f *Frame) alloc(size int) {
	f.buf = make([]byte, HeadRoom+size)
	f.Head = f.buf[:HeadRoom:HeadRoom]
	f.Payload = f.buf[HeadRoom:HeadRoom]
}

// Cap payload capacity.
func (f *Frame) Cap() int {
	return len(f.buf) - HeadRoom
}

// Resize sets the payload length to n, the backing array is reallocated
// and the old payload copied if it is too small.
func (f *Frame) Resize(n int) error {
	if f.released {
		return ErrReleased
	}
	if n > f.Cap() {
		old := f.buf
		size := len(f.Payload)
		f.alloc(n + n/4)
		copy(f.buf, old[:HeadRoom+size])
	}
	f.Payload = f.buf[HeadRoom : HeadRoom+n]
	return nil
}

// Fill copies data into the payload.
func (f *Frame) Fill(kind Kind, data []byte) error {
	if err := f.Resize(len(data)); err != nil {
		return err
	}
	f.Kind = kind
	copy(f.Payload, data)
	return nil
}

// WithPrefix returns the last n bytes of Head followed by the payload.
func (f *Frame) WithPrefix(n int) []byte {
	if n > HeadRoom {
		n = HeadRoom
	}
	return f.buf[HeadRoom-n : HeadRoom+len(f.Payload)]
}

// Prefix returns the last n bytes of Head.
func (f *Frame) Prefix(n int) []byte {
	if n > HeadRoom {
		n = HeadRoom
	}
	return f.Head[HeadRoom-n:]
}

// Release invalidates the frame, it can only be called once.
func (f *Frame) Release() error {
	if f.released {
		return ErrReleased
	}
	f.released = true
	f.buf = nil
	f.Head = nil
	f.Payload = nil
	return nil
}
