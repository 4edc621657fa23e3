// Package coordinator implements the distribution engine: ingress of client
// viewport requests, discretization into tiles, pull-based dispatch to a
// worker pool, generation-filtered collection of results and egress to the
// client connection.
//
// Every stage runs in its own goroutine and talks to the others only through
// queue.Queue values and the generation counters owned by the Engine.
package coordinator

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/events"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/observability"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/queue"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

var (
	// ErrStaleGeneration is returned by Submit for a job that does not
	// supersede the newest accepted generation.
	ErrStaleGeneration = errors.New("generation is not newer than the current one")

	// ErrShutdownRequested is returned by Serve when the client sent a
	// SHUTDOWN record.
	ErrShutdownRequested = errors.New("shutdown requested by client")

	// ErrClosed is returned once the engine has been shut down.
	ErrClosed = errors.New("engine closed")

	// ErrSessionActive is returned by Serve while another session is attached.
	ErrSessionActive = errors.New("a client session is already attached")
)

// noGeneration is below every real and sentinel generation.
const noGeneration int64 = math.MinInt64

const drainPoll = 5 * time.Millisecond

// Options configures an Engine. Zero values select defaults.
type Options struct {
	// InitialQueueCapacity is the starting size of the growable queues.
	InitialQueueCapacity int

	// OutboundQueueSize bounds each session's outbound result queue.
	OutboundQueueSize int

	// EgressBufferSize is how many encoded bytes egress batches into one
	// write to the client.
	EgressBufferSize int

	// MaxTiles caps the tiles one job may split into. Larger jobs are
	// rejected as invalid.
	MaxTiles int

	Logger  logr.Logger
	Metrics *observability.Registry
	Events  events.Publisher
}

// batch is one discretized job, the unit dispatch turns into a round.
type batch struct {
	job   protocol.Job
	tiles []protocol.Job
}

// generations holds the two counters the stages consult. latest is advanced
// by ingress, active by dispatch when a round starts, completed by dispatch
// when a round ends.
type generations struct {
	latest    atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
}

func (g *generations) advance(gen int64) bool {
	for {
		cur := g.latest.Load()
		if gen <= cur {
			return false
		}
		if g.latest.CompareAndSwap(cur, gen) {
			return true
		}
	}
}

// Engine owns every queue and generation counter of one coordinator and
// runs its stages. Build it with New, then Start it.
type Engine struct {
	opts    Options
	log     logr.Logger
	metrics *observability.Registry
	events  events.Publisher

	gens    generations
	results resultCounters

	inbox            *queue.Queue[protocol.Job] // ingress → discretizer
	rounds           *queue.Queue[batch]        // discretizer → dispatch
	tiles            *queue.Queue[protocol.Job] // tiles of the round being dispatched
	payloadRequests  *queue.Queue[request]      // workers → dispatch
	responseRequests *queue.Queue[*Port]        // workers → collection

	pool    Pool
	session atomic.Pointer[Session]

	dispatch *dispatcher
	collect  *collector

	// roundDone is closed and replaced each time a round completes.
	roundMu   sync.Mutex
	roundDone chan struct{}

	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	stopped   atomic.Bool
}

// New builds an engine. Call Start before submitting work.
func New(opts Options) *Engine {
	if opts.InitialQueueCapacity < 1 {
		opts.InitialQueueCapacity = 64
	}
	if opts.OutboundQueueSize < 1 {
		opts.OutboundQueueSize = 1024
	}
	if opts.EgressBufferSize < 1 {
		opts.EgressBufferSize = 64 << 10
	}
	if opts.MaxTiles < 1 {
		opts.MaxTiles = protocol.DefaultMaxTiles
	}
	if opts.Logger.GetSink() == nil {
		opts.Logger = logr.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewRegistry()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}

	e := &Engine{
		opts:      opts,
		log:       opts.Logger,
		metrics:   opts.Metrics,
		events:    opts.Events,
		results:   newResultCounters(opts.Metrics),
		roundDone: make(chan struct{}),
	}
	e.gens.latest.Store(noGeneration)
	e.gens.active.Store(noGeneration)
	e.gens.completed.Store(noGeneration)

	n := opts.InitialQueueCapacity
	e.inbox = queue.NewGrowable(n, func(job protocol.Job) { e.supersededJob(job) })
	e.rounds = queue.NewGrowable(n, func(b batch) { e.supersededJob(b.job) })
	e.tiles = queue.NewGrowable[protocol.Job](n, nil)
	e.payloadRequests = queue.NewGrowable[request](n, nil)
	e.responseRequests = queue.NewGrowable[*Port](n, nil)

	e.dispatch = newDispatcher(e)
	e.collect = newCollector(e)
	return e
}

// Start launches the discretizer, dispatch and collection goroutines.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(3)
		go func() {
			defer e.wg.Done()
			e.discretizeLoop()
		}()
		go func() {
			defer e.wg.Done()
			e.dispatch.run()
		}()
		go func() {
			defer e.wg.Done()
			e.collect.run()
		}()
		e.log.Info("engine started")
	})
}

// Connect registers a new worker and returns its port.
func (e *Engine) Connect() *Port {
	p := &Port{
		engine: e,
		tiles:  queue.NewBounded[protocol.Job](1, nil),
	}
	p.results = queue.NewBounded(1, func(protocol.Result) {
		e.collect.taken.Add(1)
		e.results.dropped.Add(1)
	})
	e.pool.add(p)
	if e.stopped.Load() {
		p.Close()
		return p
	}
	e.metrics.SetGauge("fractal_workers", nil, float64(e.pool.Size()))
	e.log.Info("worker registered", "worker", p.id, "workers", e.pool.Size())
	return p
}

// Workers returns the number of registered workers.
func (e *Engine) Workers() int { return e.pool.Size() }

// Metrics exposes the engine's metric registry.
func (e *Engine) Metrics() *observability.Registry { return e.metrics }

// Drain blocks until every accepted generation has either been superseded or
// finished its round, and the collector holds no result in flight.
func (e *Engine) Drain(ctx context.Context) error {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		e.roundMu.Lock()
		ch := e.roundDone
		e.roundMu.Unlock()

		if e.gens.completed.Load() >= e.gens.latest.Load() {
			if e.collect.idle() {
				return nil
			}
			ch = nil
		}
		select {
		case <-ch:
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops every stage and releases every worker. Blocked queue
// operations return as closed, so each goroutine unwinds on its own.
func (e *Engine) Shutdown() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		e.log.Info("engine shutting down")
		if s := e.session.Load(); s != nil {
			s.outbound.Shutdown()
			s.conn.Close()
		}
		e.inbox.Shutdown()
		e.rounds.Shutdown()
		e.payloadRequests.Shutdown()
		e.responseRequests.Shutdown()
		e.tiles.Shutdown()
		for _, p := range e.pool.Ports() {
			p.Close()
		}
		e.wg.Wait()
		e.events.Close()
	})
}

// Status is a point-in-time view of the engine for the status endpoint.
type Status struct {
	Session          string `json:"session,omitempty"`
	LatestGeneration int64  `json:"latest_generation"`
	ActiveGeneration int64  `json:"active_generation"`
	Round            string `json:"round"`
	Workers          int    `json:"workers"`
	PendingJobs      int    `json:"pending_jobs"`
	PendingRounds    int    `json:"pending_rounds"`
	PendingTiles     int    `json:"pending_tiles"`
	Outbound         int    `json:"outbound"`
}

// Status snapshots the engine's generations, round state and queue sizes.
func (e *Engine) Status() Status {
	st := Status{
		LatestGeneration: e.gens.latest.Load(),
		ActiveGeneration: e.gens.active.Load(),
		Round:            e.dispatch.State().String(),
		Workers:          e.pool.Size(),
		PendingJobs:      e.inbox.Size(),
		PendingRounds:    e.rounds.Size(),
		PendingTiles:     e.tiles.Size(),
	}
	if s := e.session.Load(); s != nil {
		st.Session = s.ID.String()
		st.Outbound = s.outbound.Size()
	}
	return st
}

// markCompleted records the end of the round for gen and wakes Drain.
func (e *Engine) markCompleted(gen int64) {
	e.gens.completed.Store(gen)
	e.roundMu.Lock()
	close(e.roundDone)
	e.roundDone = make(chan struct{})
	e.roundMu.Unlock()
}

func (e *Engine) supersededJob(job protocol.Job) {
	e.metrics.IncCounter("fractal_jobs_superseded_total", nil, 1)
	e.log.V(1).Info("job superseded", "generation", job.Generation)
}
