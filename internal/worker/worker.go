// Package worker runs the compute side of the pull protocol: ask for a tile,
// evaluate it, hand back the result, repeat.
package worker

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/fractal"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// ErrLinkClosed is returned by a Link once the coordinator end has gone away.
var ErrLinkClosed = errors.New("worker link closed")

// Link is a worker's connection to the coordinator. RequestTile announces
// the worker as free and blocks for either a tile or the ROUND_DONE sentinel.
type Link interface {
	RequestTile() (protocol.Job, error)
	SendResult(res protocol.Result) error
}

// Options configures a Worker.
type Options struct {
	// ID is stamped on every result.
	ID int

	// Threads is the number of goroutines one tile is split across.
	// Defaults to GOMAXPROCS.
	Threads int

	// Kernel defaults to fractal.Depth.
	Kernel fractal.Kernel

	Logger logr.Logger
}

// Worker pulls tiles over a Link, computes them and sends the results back.
type Worker struct {
	id      int
	link    Link
	kernel  fractal.Kernel
	threads int
	log     logr.Logger

	stats Stats
}

// New returns a worker on link. Zero options select defaults.
func New(link Link, opts Options) *Worker {
	if opts.Threads < 1 {
		opts.Threads = runtime.GOMAXPROCS(0)
	}
	if opts.Kernel == nil {
		opts.Kernel = fractal.Depth
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	return &Worker{
		id:      opts.ID,
		link:    link,
		kernel:  opts.Kernel,
		threads: opts.Threads,
		log:     opts.Logger.WithValues("worker", opts.ID),
	}
}

// Run loops until the link closes or ctx is cancelled. A blocked RequestTile
// does not observe ctx; close the link to stop a waiting worker. A closed
// link is a normal exit and returns nil.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker running", "threads", w.threads)
	roundTiles := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		tile, err := w.link.RequestTile()
		if err != nil {
			if errors.Is(err, ErrLinkClosed) {
				w.log.Info("link closed, worker exiting")
				return nil
			}
			return err
		}

		if tile.Generation == protocol.RoundDone {
			w.stats.Rounds.Add(1)
			w.log.V(1).Info("round done", "tiles", roundTiles)
			roundTiles = 0
			if err := w.send(protocol.Result{Job: tile, WorkerID: w.id}); err != nil {
				return w.exit(err)
			}
			continue
		}

		start := time.Now()
		values := Compute(tile, w.kernel, w.threads)
		w.stats.Tiles.Add(1)
		w.stats.ComputeNanos.Add(int64(time.Since(start)))
		roundTiles++

		if err := w.send(protocol.Result{Job: tile, WorkerID: w.id, Values: values}); err != nil {
			return w.exit(err)
		}
	}
}

func (w *Worker) send(res protocol.Result) error {
	return w.link.SendResult(res)
}

func (w *Worker) exit(err error) error {
	if errors.Is(err, ErrLinkClosed) {
		w.log.Info("link closed, worker exiting")
		return nil
	}
	return err
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() StatsSnapshot {
	return w.stats.snapshot(w.id)
}

// Stats are updated by Run and read by the health handler.
type Stats struct {
	Tiles        atomic.Int64
	Rounds       atomic.Int64
	ComputeNanos atomic.Int64
}

// StatsSnapshot is the JSON form of Stats.
type StatsSnapshot struct {
	WorkerID  int     `json:"worker_id"`
	Tiles     int64   `json:"tiles"`
	Rounds    int64   `json:"rounds"`
	ComputeMs float64 `json:"compute_ms"`
}

func (s *Stats) snapshot(id int) StatsSnapshot {
	return StatsSnapshot{
		WorkerID:  id,
		Tiles:     s.Tiles.Load(),
		Rounds:    s.Rounds.Load(),
		ComputeMs: float64(s.ComputeNanos.Load()) / float64(time.Millisecond),
	}
}
