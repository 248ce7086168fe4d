// Package avifix is a CLI utility that repairs damaged avi recordings.
// Every readable packet is copied into a new, finalized file.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"stream2file/pkg/avi"
)

const usage = `repair a damaged avi recording
example: avifix [-r] [-o fixed.avi] [-fps 25] ./recording.avi`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("avifix", flag.ContinueOnError)
	fs.SetOutput(out)
	remove := fs.Bool("r", false, "remove the input and its index after a successful repair")
	output := fs.String("o", "", "output file, defaults to <name>_fixed.avi")
	fps := fs.Int("fps", avi.DefaultRepairFPS, "frame rate if the input has none")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(out, usage)
		return nil
	}
	src := fs.Arg(0)

	dst, err := avi.RepairedPath(src, *output)
	if err != nil {
		return err
	}

	n, err := avi.Repair(src, dst, avi.RepairOptions{
		FPS:          *fps,
		RemoveSource: *remove,
		Logf: func(format string, a ...interface{}) {
			fmt.Fprintf(out, "warning: "+format+"\n", a...)
		},
	})
	if err != nil {
		return fmt.Errorf("repair %v: %w", src, err)
	}

	fmt.Fprintf(out, "%v ==> %v, %d packets\n", src, dst, n)
	return nil
}
