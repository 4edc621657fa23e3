package coordinator

import (
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/observability"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

var (
	forwardedLabels = map[string]string{"outcome": "forwarded"}
	staleLabels     = map[string]string{"outcome": "stale"}
	droppedLabels   = map[string]string{"outcome": "dropped"}
)

// resultCounters are the series of fractal_results_total. Forwarded counts
// results written to the client, stale those filtered by generation at
// collection or egress, dropped those with nowhere to go.
type resultCounters struct {
	forwarded *observability.Value
	stale     *observability.Value
	dropped   *observability.Value
}

func newResultCounters(m *observability.Registry) resultCounters {
	return resultCounters{
		forwarded: m.CounterValue("fractal_results_total", forwardedLabels),
		stale:     m.CounterValue("fractal_results_total", staleLabels),
		dropped:   m.CounterValue("fractal_results_total", droppedLabels),
	}
}

// collector receives results from workers and forwards the fresh ones to the
// attached session.
type collector struct {
	e   *Engine
	log logr.Logger

	acks     int
	staleLog rate.Sometimes

	// sent counts results handed to a port, taken counts results the
	// collector has consumed or a port destroyed. They match when nothing is
	// in flight between the workers and the outbound queue.
	sent  atomic.Int64
	taken atomic.Int64
}

func newCollector(e *Engine) *collector {
	return &collector{
		e:        e,
		log:      e.log.WithName("collection"),
		staleLog: rate.Sometimes{First: 1, Interval: time.Second},
	}
}

func (c *collector) run() {
	for {
		port, ok := c.e.responseRequests.Dequeue()
		if !ok {
			return
		}
		res, ok := port.results.TryDequeue()
		if !ok {
			continue
		}
		c.accept(res)
		c.taken.Add(1)
	}
}

func (c *collector) accept(res protocol.Result) {
	m := c.e.metrics
	if res.IsRoundDone() {
		c.acks++
		m.IncCounter("fractal_round_acks_total", nil, 1)
		if workers := c.e.pool.Size(); c.acks >= workers {
			c.log.V(1).Info("round acknowledged by all workers", "acks", c.acks, "workers", workers)
			c.acks = 0
		}
		return
	}

	active := c.e.gens.active.Load()
	if res.Job.Generation != active {
		c.e.results.stale.Add(1)
		c.staleLog.Do(func() {
			c.log.V(1).Info("dropping stale result", "generation", res.Job.Generation, "active", active, "worker", res.WorkerID)
		})
		return
	}

	s := c.e.session.Load()
	if s == nil {
		c.e.results.dropped.Add(1)
		return
	}
	res.WorkerCount = c.e.pool.Size()
	s.outbound.Enqueue(res)
}

// idle reports whether every result handed to a port has been collected.
func (c *collector) idle() bool {
	return c.sent.Load() == c.taken.Load()
}
