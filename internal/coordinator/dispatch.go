package coordinator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/events"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/observability"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// RoundState is the dispatcher's position in the current round.
type RoundState int32

const (
	// RoundBarrier: no round is running, dispatch waits for the next batch.
	RoundBarrier RoundState = iota
	// RoundFilling: tiles are being handed out.
	RoundFilling
	// RoundDraining: the tile supply is exhausted, every worker is being
	// handed ROUND_DONE.
	RoundDraining
)

func (s RoundState) String() string {
	switch s {
	case RoundBarrier:
		return "barrier"
	case RoundFilling:
		return "filling"
	case RoundDraining:
		return "draining"
	default:
		return "unknown"
	}
}

type round struct {
	gen        int64
	tiles      int
	dispatched int
	abandoned  int
	preempted  bool
	done       map[*Port]bool
	started    time.Time
	span       trace.Span
}

// dispatcher answers worker payload requests. It owns the tiles queue and is
// the only writer of the active generation.
type dispatcher struct {
	e     *Engine
	log   logr.Logger
	state atomic.Int32

	round *round

	// deferred are requests read from payloadRequests but not answered yet.
	// held are requests from workers that already pulled ROUND_DONE in the
	// running round; they carry over to the next one.
	deferred []request
	held     []request
}

func newDispatcher(e *Engine) *dispatcher {
	return &dispatcher{e: e, log: e.log.WithName("dispatch")}
}

// State is safe to call from any goroutine.
func (d *dispatcher) State() RoundState { return RoundState(d.state.Load()) }

func (d *dispatcher) run() {
	defer d.abort()
	for {
		if d.round == nil {
			b, ok := d.nextBatch()
			if !ok {
				return
			}
			d.begin(b)
		}
		if d.complete() {
			d.finish()
			continue
		}
		req, ok := d.nextRequest()
		if !ok {
			return
		}
		d.serve(req)
	}
}

// nextBatch blocks for a batch and skips forward to the newest one queued.
func (d *dispatcher) nextBatch() (batch, bool) {
	for {
		b, ok := d.e.rounds.Dequeue()
		if !ok {
			return batch{}, false
		}
		for {
			next, ok := d.e.rounds.TryDequeue()
			if !ok {
				break
			}
			if next.job.Generation > b.job.Generation {
				b, next = next, b
			}
			d.e.supersededJob(next.job)
		}
		if b.job.Generation < d.e.gens.latest.Load() {
			d.e.supersededJob(b.job)
			continue
		}
		return b, true
	}
}

func (d *dispatcher) begin(b batch) {
	gen := b.job.Generation
	for _, tile := range b.tiles {
		d.e.tiles.Enqueue(tile)
	}
	_, span := observability.StartSpan(context.Background(), "round",
		attribute.Int64("fractal.generation", gen),
		attribute.Int("fractal.tiles", len(b.tiles)),
	)
	d.round = &round{
		gen:     gen,
		tiles:   len(b.tiles),
		done:    make(map[*Port]bool),
		started: time.Now(),
		span:    span,
	}
	d.e.gens.active.Store(gen)
	if len(b.tiles) == 0 {
		d.state.Store(int32(RoundDraining))
	} else {
		d.state.Store(int32(RoundFilling))
	}
	d.log.V(1).Info("round started", "generation", gen, "tiles", len(b.tiles), "workers", d.e.pool.Size())
}

// complete reports whether the tile supply is gone and every registered
// worker has pulled ROUND_DONE.
func (d *dispatcher) complete() bool {
	if d.e.tiles.Size() > 0 {
		return false
	}
	for _, p := range d.e.pool.Ports() {
		if !d.round.done[p] {
			return false
		}
	}
	return true
}

func (d *dispatcher) nextRequest() (request, bool) {
	if len(d.deferred) > 0 {
		req := d.deferred[0]
		d.deferred = d.deferred[1:]
		return req, true
	}
	return d.e.payloadRequests.Dequeue()
}

func (d *dispatcher) serve(req request) {
	// A departed worker only wakes the loop so the barrier is re-checked.
	if req.gone || req.port.Closed() {
		return
	}
	r := d.round
	if r.done[req.port] {
		d.held = append(d.held, req)
		return
	}

	if d.State() == RoundFilling && d.e.gens.latest.Load() > r.gen {
		n := d.e.tiles.Clear()
		r.abandoned += n
		r.preempted = true
		d.state.Store(int32(RoundDraining))
		d.log.V(1).Info("round preempted", "generation", r.gen, "abandoned", n, "latest", d.e.gens.latest.Load())
	}

	if tile, ok := d.e.tiles.TryDequeue(); ok {
		if req.port.deliver(tile) {
			r.dispatched++
		}
		return
	}

	d.state.Store(int32(RoundDraining))
	if req.port.deliver(protocol.RoundDoneJob()) {
		r.done[req.port] = true
	}
}

func (d *dispatcher) finish() {
	r := d.round
	elapsed := time.Since(r.started)

	d.state.Store(int32(RoundBarrier))
	r.span.SetAttributes(
		attribute.Int("fractal.dispatched", r.dispatched),
		attribute.Int("fractal.abandoned", r.abandoned),
		attribute.Bool("fractal.preempted", r.preempted),
	)
	r.span.End()

	outcome := "completed"
	if r.preempted {
		outcome = "preempted"
	}
	m := d.e.metrics
	m.IncCounter("fractal_rounds_total", map[string]string{"outcome": outcome}, 1)
	m.IncCounter("fractal_tiles_dispatched_total", nil, float64(r.dispatched))
	m.IncCounter("fractal_tiles_abandoned_total", nil, float64(r.abandoned))
	m.SetGauge("fractal_round_duration_ms", nil, float64(elapsed.Microseconds())/1000)

	summary := events.RoundSummary{
		Generation: r.gen,
		Tiles:      r.tiles,
		Dispatched: r.dispatched,
		Abandoned:  r.abandoned,
		Workers:    len(r.done),
		DurationMs: float64(elapsed.Microseconds()) / 1000,
		Preempted:  r.preempted,
	}
	if err := d.e.events.PublishRound(context.Background(), summary); err != nil {
		d.log.Error(err, "publish round summary", "generation", r.gen)
	}
	d.log.Info("round finished", "generation", r.gen, "outcome", outcome,
		"dispatched", r.dispatched, "abandoned", r.abandoned, "elapsed", elapsed)

	d.deferred = append(d.deferred, d.held...)
	d.held = nil
	d.round = nil
	d.e.markCompleted(r.gen)
}

// abort closes the span of a round cut short by engine shutdown.
func (d *dispatcher) abort() {
	if d.round != nil {
		d.round.span.End()
		d.round = nil
	}
	d.state.Store(int32(RoundBarrier))
}
