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

package avi

import (
	"stream2file/pkg/riff"
)

// IndexRecordSize on-disk size of one index record.
const IndexRecordSize = 16

// FlagKeyFrame AVIIF_KEYFRAME.
const FlagKeyFrame = 0x10

// Stream chunk identifiers.
var (
	ChunkVideo = riff.NewFourCC("00dc")
	ChunkAudio = riff.NewFourCC("01wb")
)

// IndexRecord one idx1 entry. Offset is the absolute file
// offset of the chunk header.
type IndexRecord struct {
	ID     riff.FourCC
	Flags  uint32
	Offset uint32
	Size   uint32
}

// IsVideo true for video chunks.
func (r IndexRecord) IsVideo() bool {
	return isVideoID(r.ID)
}

// IsKey true if the keyframe flag is set.
func (r IndexRecord) IsKey() bool {
	return r.Flags&FlagKeyFrame != 0
}

// Marshal record into 16 bytes.
func (r IndexRecord) Marshal(b []byte) {
	copy(b[0:4], r.ID[:])
	le.PutUint32(b[4:], r.Flags)
	le.PutUint32(b[8:], r.Offset)
	le.PutUint32(b[12:], r.Size)
}

func unmarshalIndex(b []byte) []IndexRecord {
	n := len(b) / IndexRecordSize
	records := make([]IndexRecord, n)
	for i := range records {
		rec := b[i*IndexRecordSize:]
		copy(records[i].ID[:], rec[0:4])
		records[i].Flags = le.Uint32(rec[4:])
		records[i].Offset = le.Uint32(rec[8:])
		records[i].Size = le.Uint32(rec[12:])
	}
	return records
}

func marshalIndex(records []IndexRecord) []byte {
	b := make([]byte, len(records)*IndexRecordSize)
	for i, r := range records {
		r.Marshal(b[i*IndexRecordSize:])
	}
	return b
}

func isVideoID(id riff.FourCC) bool {
	return (id[2] == 'd' && id[3] == 'c') || (id[2] == 'd' && id[3] == 'b')
}

func isAudioID(id riff.FourCC) bool {
	return id[2] == 'w' && id[3] == 'b'
}

// SidecarPath path of the recovery index for a recording.
func SidecarPath(path string) string {
	return path + ".idx"
}

// IndexSource where the index was loaded from.
type IndexSource uint8

// Index sources.
const (
	IndexNone IndexSource = iota
	IndexIdx1
	IndexSidecar
)

func (s IndexSource) String() string {
	switch s {
	case IndexIdx1:
		return "idx1"
	case IndexSidecar:
		return "sidecar"
	}
	return "none"
}
