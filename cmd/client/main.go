// Command client is a headless client: it requests one viewport, collects
// every tile of that round and prints timings as "[Tag]: seconds" lines.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/fractal"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

func main() {
	var (
		reMin       = flag.Float64("re-min", -2.0, "real part of the lower-left corner")
		imMin       = flag.Float64("im-min", -1.5, "imaginary part of the lower-left corner")
		reMax       = flag.Float64("re-max", 2.0, "real part of the upper-right corner")
		imMax       = flag.Float64("im-max", 1.5, "imaginary part of the upper-right corner")
		width       = flag.Int("width", 1920, "screen width in pixels")
		height      = flag.Int("height", 1080, "screen height in pixels")
		granularity = flag.Int("granularity", 10, "tile edge in pixels")
		depth       = flag.Int("depth", 256, "maximum escape iterations")
		shutdown    = flag.Bool("shutdown", false, "send SHUTDOWN to the coordinator after the round")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <host> <port>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 2 {
		flag.Usage()
		os.Exit(1)
	}
	port, err := strconv.Atoi(flag.Arg(1))
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", flag.Arg(1))
		os.Exit(1)
	}

	job := protocol.Job{
		Generation:        0,
		Granularity:       *granularity,
		MaxDepth:          *depth,
		FractalLowerLeft:  protocol.Complex{Real: *reMin, Imag: *imMin},
		FractalUpperRight: protocol.Complex{Real: *reMax, Imag: *imMax},
		ScreenUpperRight:  protocol.Point{X: *width, Y: *height},
	}
	if err := job.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cols, rows := fractal.TileCount(job)
	expected := cols * rows

	start := time.Now()
	conn, err := net.Dial("tcp", net.JoinHostPort(flag.Arg(0), strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()
	fmt.Printf("[Connect]: %f\n", time.Since(start).Seconds())

	if err := protocol.WriteJob(conn, job); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	r := bufio.NewReader(conn)
	received := 0
	for received < expected {
		res, err := protocol.ReadResult(r)
		if err != nil {
			fmt.Fprintf(os.Stderr, "after %d of %d results: %v\n", received, expected, err)
			os.Exit(2)
		}
		if res.Job.Generation != job.Generation {
			continue
		}
		if received == 0 {
			fmt.Printf("[FirstResult]: %f\n", time.Since(start).Seconds())
		}
		received++
	}
	fmt.Printf("[Total]: %f\n", time.Since(start).Seconds())
	fmt.Printf("[Results]: %d\n", received)

	if *shutdown {
		if err := protocol.WriteJob(conn, protocol.Job{Generation: protocol.Shutdown}); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		// The coordinator closes the connection once it has drained.
		for {
			if _, err := protocol.ReadResult(r); err != nil {
				break
			}
		}
	}
}
