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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"stream2file/pkg/media"
	"stream2file/pkg/video"
)

// DefaultRepairFPS frame rate used when the source has none.
const DefaultRepairFPS = 25

// ErrNotAVI input file does not have the .avi extension.
var ErrNotAVI = errors.New("not an avi file")

// RepairOptions options for Repair.
type RepairOptions struct {
	// Frame rate of the output if the source header has none.
	FPS int

	// RemoveSource removes the source file and its sidecar index
	// after a successful repair.
	RemoveSource bool

	Logf LogFunc
}

// RepairedPath returns "<dir>/<name>_fixed.avi" for "<dir>/<name>.avi".
// Relative output names are placed next to the source.
func RepairedPath(src string, output string) (string, error) {
	ext := filepath.Ext(src)
	if !strings.EqualFold(ext, ".avi") {
		return "", fmt.Errorf("%w: %s", ErrNotAVI, src)
	}
	if output == "" {
		return strings.TrimSuffix(src, ext) + "_fixed" + ext, nil
	}
	if !strings.ContainsRune(output, filepath.Separator) {
		return filepath.Join(filepath.Dir(src), output), nil
	}
	return output, nil
}

// Repair copies every readable packet of src into a new, properly
// finalized file at dst and returns the number of copied packets.
// Works on files without idx1, the packets are read sequentially.
func Repair(src string, dst string, opts RepairOptions) (int, error) {
	if opts.FPS <= 0 {
		opts.FPS = DefaultRepairFPS
	}
	logf := opts.Logf
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}

	r, err := Open(src, logf)
	if err != nil {
		return 0, fmt.Errorf("open source: %w", err)
	}
	defer r.Close()

	w, err := Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create output: %w", err)
	}

	vInfo, hasVideo := r.VideoInfo()
	if hasVideo {
		if vInfo.FPS == 0 {
			vInfo.FPS = opts.FPS
		}
		w.SetVideoInfo(vInfo)
	}
	if aInfo, hasAudio := r.AudioInfo(); hasAudio {
		if err := w.SetAudioInfo(aInfo); err != nil {
			w.Close()
			return 0, err
		}
	}
	if err := w.UpdateHeader(); err != nil {
		w.Close()
		return 0, err
	}

	n, copyErr := copyPackets(r, w, vInfo.Codec)
	if copyErr != nil {
		logf("stopped after %d packets: %v", n, copyErr)
	}
	if err := w.Close(); err != nil {
		return n, err
	}

	if opts.RemoveSource {
		if err := os.Remove(src); err != nil {
			return n, fmt.Errorf("remove source: %w", err)
		}
		os.Remove(SidecarPath(src))
	}
	return n, nil
}

// copyPackets copies until EOF or the first unreadable packet.
func copyPackets(r *Reader, w *Writer, codec media.VideoCodec) (int, error) {
	frame := media.NewFrame(64 * 1024)
	n := 0
	for {
		_, err := r.ReadPacket(frame)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}

		switch frame.Kind {
		case media.KindVideo:
			err = w.WriteVideo(frame.Payload, video.IsKeyFrame(codec, frame.Payload))
		case media.KindAudio:
			err = w.WriteAudio(frame.Payload)
		default:
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
}
