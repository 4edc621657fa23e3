package coordinator

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/fractal"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/worker"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(Options{InitialQueueCapacity: 4, OutboundQueueSize: 16})
	e.Start()
	t.Cleanup(e.Shutdown)
	return e
}

func constKernel(re, im float64, maxDepth int) int { return 7 }

// startWorkers runs n in-process workers; they exit when the engine shuts down.
func startWorkers(t *testing.T, e *Engine, n int, kernel fractal.Kernel) []*worker.Worker {
	t.Helper()
	workers := make([]*worker.Worker, n)
	for i := range workers {
		p := e.Connect()
		w := worker.New(p, worker.Options{ID: p.ID(), Threads: 1, Kernel: kernel})
		workers[i] = w
		go w.Run(context.Background())
	}
	return workers
}

func job(gen int64, w, h, g int) protocol.Job {
	return protocol.Job{
		Generation:        gen,
		Granularity:       g,
		MaxDepth:          32,
		FractalLowerLeft:  protocol.Complex{Real: -2, Imag: -1.5},
		FractalUpperRight: protocol.Complex{Real: 2, Imag: 1.5},
		ScreenUpperRight:  protocol.Point{X: w, Y: h},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func drain(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NilError(t, e.Drain(ctx))
}

func TestSubmitRejectsStaleAndInvalid(t *testing.T) {
	e := newTestEngine(t)

	assert.NilError(t, e.Submit(job(5, 20, 20, 10)))
	assert.Assert(t, errors.Is(e.Submit(job(3, 20, 20, 10)), ErrStaleGeneration))
	assert.Assert(t, errors.Is(e.Submit(job(5, 20, 20, 10)), ErrStaleGeneration))
	assert.Assert(t, errors.Is(e.Submit(job(6, 0, 20, 10)), protocol.ErrInvalidJob))
	assert.Assert(t, errors.Is(e.Submit(job(protocol.RoundDone, 20, 20, 10)), protocol.ErrInvalidJob))
	assert.Assert(t, errors.Is(e.Submit(job(6, 1<<30, 1<<30, 1<<30)), protocol.ErrInvalidJob))
	assert.Equal(t, e.Status().LatestGeneration, int64(5))

	e.Shutdown()
	assert.Assert(t, errors.Is(e.Submit(job(7, 20, 20, 10)), ErrClosed))
}

func TestSubmitEnforcesTileLimit(t *testing.T) {
	e := New(Options{MaxTiles: 3})
	e.Start()
	t.Cleanup(e.Shutdown)

	err := e.Submit(job(0, 20, 20, 10))
	assert.Assert(t, errors.Is(err, protocol.ErrInvalidJob))
	assert.ErrorContains(t, err, "4 tiles exceeds 3")
	assert.NilError(t, e.Submit(job(0, 20, 10, 10)))
}

func TestRoundCompletion(t *testing.T) {
	e := newTestEngine(t)
	workers := startWorkers(t, e, 3, constKernel)
	waitFor(t, "workers to register", func() bool { return e.Workers() == 3 })

	j := job(0, 100, 50, 10)
	cols, rows := fractal.TileCount(j)
	tiles := cols * rows

	assert.NilError(t, e.Submit(j))
	drain(t, e)

	waitFor(t, "every worker to see ROUND_DONE", func() bool {
		for _, w := range workers {
			if w.Stats().Rounds != 1 {
				return false
			}
		}
		return true
	})
	waitFor(t, "ROUND_DONE acknowledgements", func() bool {
		return e.Metrics().Counter("fractal_round_acks_total", nil) == 3
	})
	// Workers that already saw ROUND_DONE are held at the barrier.
	time.Sleep(20 * time.Millisecond)

	var computed int64
	for _, w := range workers {
		st := w.Stats()
		assert.Equal(t, st.Rounds, int64(1))
		computed += st.Tiles
	}
	assert.Equal(t, computed, int64(tiles))

	m := e.Metrics()
	assert.Equal(t, m.Counter("fractal_tiles_dispatched_total", nil), float64(tiles))
	assert.Equal(t, m.Counter("fractal_rounds_total", map[string]string{"outcome": "completed"}), 1.0)
	// No session attached: fresh results are collected and dropped.
	assert.Equal(t, m.Counter("fractal_results_total", droppedLabels), float64(tiles))
	assert.Equal(t, m.Counter("fractal_round_acks_total", nil), 3.0)
	assert.Equal(t, e.Status().Round, RoundBarrier.String())
}

func TestHeldWorkersJoinNextRound(t *testing.T) {
	e := newTestEngine(t)
	workers := startWorkers(t, e, 2, constKernel)

	assert.NilError(t, e.Submit(job(0, 20, 20, 10)))
	drain(t, e)
	assert.NilError(t, e.Submit(job(1, 40, 40, 10)))
	drain(t, e)

	waitFor(t, "two rounds on every worker", func() bool {
		return workers[0].Stats().Rounds == 2 && workers[1].Stats().Rounds == 2
	})
	assert.Equal(t, workers[0].Stats().Tiles+workers[1].Stats().Tiles, int64(4+16))
	assert.Equal(t, e.Metrics().Counter("fractal_tiles_dispatched_total", nil), 20.0)
}

func TestRoundWithoutWorkersWaits(t *testing.T) {
	e := newTestEngine(t)
	assert.NilError(t, e.Submit(job(0, 20, 20, 10)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Assert(t, errors.Is(e.Drain(ctx), context.DeadlineExceeded))

	startWorkers(t, e, 1, constKernel)
	drain(t, e)
}

func TestLostWorkerDoesNotStallRound(t *testing.T) {
	e := newTestEngine(t)

	lost := e.Connect()
	assert.NilError(t, e.Submit(job(0, 40, 40, 10)))
	tile, err := lost.RequestTile()
	assert.NilError(t, err)
	assert.Equal(t, tile.Generation, int64(0))

	startWorkers(t, e, 1, constKernel)
	lost.Close()
	drain(t, e)

	m := e.Metrics()
	assert.Equal(t, m.Counter("fractal_tiles_dispatched_total", nil), 16.0)
	assert.Equal(t, m.Counter("fractal_results_total", droppedLabels), 15.0)

	_, err = lost.RequestTile()
	assert.Assert(t, errors.Is(err, worker.ErrLinkClosed))
}

func TestPoolReusesLowestID(t *testing.T) {
	e := newTestEngine(t)
	a, b, c := e.Connect(), e.Connect(), e.Connect()
	assert.DeepEqual(t, []int{a.ID(), b.ID(), c.ID()}, []int{0, 1, 2})

	b.Close()
	assert.Equal(t, e.Workers(), 2)
	d := e.Connect()
	assert.Equal(t, d.ID(), 1)
	assert.Equal(t, d.Count(), 3)
}

func TestPreemptionAbandonsRemainingTiles(t *testing.T) {
	e := newTestEngine(t)

	gate := make(chan struct{})
	var entered atomic.Int32
	kernel := func(re, im float64, maxDepth int) int {
		entered.Add(1)
		<-gate
		return 1
	}
	startWorkers(t, e, 2, kernel)

	assert.NilError(t, e.Submit(job(0, 100, 100, 10)))
	waitFor(t, "both workers to block in a tile", func() bool { return entered.Load() >= 2 })

	assert.NilError(t, e.Submit(job(1, 20, 20, 10)))
	close(gate)
	drain(t, e)

	m := e.Metrics()
	assert.Equal(t, m.Counter("fractal_rounds_total", map[string]string{"outcome": "preempted"}), 1.0)
	assert.Equal(t, m.Counter("fractal_rounds_total", map[string]string{"outcome": "completed"}), 1.0)
	// Only the two tiles already in flight were computed for generation 0.
	assert.Equal(t, m.Counter("fractal_tiles_dispatched_total", nil), 2.0+4.0)
	assert.Equal(t, m.Counter("fractal_tiles_abandoned_total", nil), 98.0)
	assert.Equal(t, e.Status().ActiveGeneration, int64(1))
}

func TestDiscretizerSkipsOvertakenJobs(t *testing.T) {
	e := newTestEngine(t)

	for gen := int64(0); gen < 50; gen++ {
		assert.NilError(t, e.Submit(job(gen, 20, 20, 10)))
	}
	startWorkers(t, e, 1, constKernel)
	drain(t, e)

	m := e.Metrics()
	rounds := m.Counter("fractal_rounds_total", map[string]string{"outcome": "completed"}) +
		m.Counter("fractal_rounds_total", map[string]string{"outcome": "preempted"})
	superseded := m.Counter("fractal_jobs_superseded_total", nil)
	assert.Assert(t, rounds >= 1)
	assert.Equal(t, rounds+superseded, 50.0)
	assert.Equal(t, e.Status().ActiveGeneration, int64(49))
}

func TestShutdownReleasesWorkers(t *testing.T) {
	e := New(Options{})
	e.Start()

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		p := e.Connect()
		w := worker.New(p, worker.Options{ID: p.ID(), Kernel: constKernel})
		go func() { done <- w.Run(context.Background()) }()
	}
	waitFor(t, "workers to ask for work", func() bool { return e.payloadRequests.Size() == 2 })

	e.Shutdown()
	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			assert.NilError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not exit after shutdown")
		}
	}
	assert.Equal(t, e.Workers(), 0)
	assert.Assert(t, is.Len(e.pool.Ports(), 0))
}
