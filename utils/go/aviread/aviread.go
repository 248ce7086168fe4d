// Package aviread is a CLI utility that prints the headers of an avi
// recording and iterates all packets.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"stream2file/pkg/avi"
	"stream2file/pkg/media"
)

const usage = `print avi recording information
example: aviread [-seek 0.5] [-v] ./recording.avi`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

// ErrSeekFraction seek position outside of [0, 1].
var ErrSeekFraction = errors.New("seek must be between 0 and 1")

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("aviread", flag.ContinueOnError)
	fs.SetOutput(out)
	seek := fs.Float64("seek", -1, "seek to fraction of the recording before reading")
	verbose := fs.Bool("v", false, "print every packet")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(out, usage)
		return nil
	}

	logf := func(format string, a ...interface{}) {
		fmt.Fprintf(out, "warning: "+format+"\n", a...)
	}
	r, err := avi.Open(fs.Arg(0), logf)
	if err != nil {
		return err
	}
	defer r.Close()

	printInfo(out, r)

	if *seek >= 0 {
		if *seek > 1 {
			return ErrSeekFraction
		}
		const scale = 10000
		pos, err := r.SeekToFraction(int64(*seek*scale), scale)
		if err != nil {
			return fmt.Errorf("seek: %w", err)
		}
		fmt.Fprintf(out, "seeked to index %d\n", pos)
	}

	var video, audio, other, bytes int
	frame := media.NewFrame(0)
	for {
		n, err := r.ReadPacket(frame)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintf(out, "read stopped: %v\n", err)
			break
		}
		switch frame.Kind {
		case media.KindVideo:
			video++
		case media.KindAudio:
			audio++
		default:
			other++
		}
		bytes += n
		if *verbose {
			fmt.Fprintf(out, "%v %d\n", frame.Kind, len(frame.Payload))
		}
	}
	fmt.Fprintf(out, "read: video=%d audio=%d other=%d bytes=%d\n", video, audio, other, bytes)
	return nil
}

func printInfo(out io.Writer, r *avi.Reader) {
	fmt.Fprintf(out, "size: %d\n", r.Size())
	if info, ok := r.VideoInfo(); ok {
		fmt.Fprintf(out, "video: %v %dx%d %dfps frames=%d\n",
			info.Codec, info.Width, info.Height, info.FPS, r.VideoFrames())
	}
	if info, ok := r.AudioInfo(); ok {
		fmt.Fprintf(out, "audio: %v %dHz %dch frames=%d\n",
			info.Format, info.SampleRate, info.Channels, r.AudioFrames())
	}
	fmt.Fprintf(out, "index: %v records=%d seekable=%v\n",
		r.IndexSource(), r.IndexLen(), r.Seekable())
	if r.Truncated() {
		fmt.Fprintln(out, "truncated: true")
	}
}
