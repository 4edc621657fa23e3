package coordinator

import (
	"sync"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/queue"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/worker"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// request is a worker's "I am free" announcement. gone marks a port that has
// just left the pool, so the dispatcher re-evaluates the round barrier.
type request struct {
	port *Port
	gone bool
}

// Port is the coordinator end of one worker: a single-slot tile channel and a
// single-slot result channel. In-process workers use it directly as their
// worker.Link; remote workers reach it through a transport bridge.
type Port struct {
	id      int
	engine  *Engine
	tiles   *queue.Queue[protocol.Job]
	results *queue.Queue[protocol.Result]
}

var _ worker.Link = (*Port)(nil)

// ID is the worker id, dense in [0, pool size).
func (p *Port) ID() int { return p.id }

// Count is the current number of registered workers.
func (p *Port) Count() int { return p.engine.pool.Size() }

// RequestTile announces the worker as free and blocks until the dispatcher
// answers with a tile or the ROUND_DONE sentinel.
func (p *Port) RequestTile() (protocol.Job, error) {
	if !p.engine.payloadRequests.Enqueue(request{port: p}) {
		return protocol.Job{}, worker.ErrLinkClosed
	}
	job, ok := p.tiles.Dequeue()
	if !ok {
		return protocol.Job{}, worker.ErrLinkClosed
	}
	return job, nil
}

// SendResult hands a result to the collection stage. It blocks while the
// previous result of this worker has not been collected yet.
func (p *Port) SendResult(res protocol.Result) error {
	p.engine.collect.sent.Add(1)
	if !p.results.Enqueue(res) {
		return worker.ErrLinkClosed
	}
	if !p.engine.responseRequests.Enqueue(p) {
		return worker.ErrLinkClosed
	}
	return nil
}

// Close removes the worker from the pool. Blocked RequestTile and SendResult
// calls return worker.ErrLinkClosed.
func (p *Port) Close() {
	if p.engine.pool.remove(p) {
		p.tiles.Shutdown()
		p.results.Shutdown()
		p.engine.payloadRequests.Enqueue(request{port: p, gone: true})

		workers := p.engine.pool.Size()
		p.engine.metrics.SetGauge("fractal_workers", nil, float64(workers))
		p.engine.log.Info("worker deregistered", "worker", p.id, "workers", workers)
	}
}

// Closed reports whether the port has left the pool.
func (p *Port) Closed() bool { return p.tiles.Closed() }

func (p *Port) deliver(job protocol.Job) bool {
	return p.tiles.Enqueue(job)
}

// Pool tracks the registered workers. Ids are reused lowest-first so they
// stay dense.
type Pool struct {
	mu    sync.RWMutex
	ports []*Port
	size  int
}

func (p *Pool) add(port *Port) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.ports {
		if existing == nil {
			port.id = i
			p.ports[i] = port
			p.size++
			return
		}
	}
	port.id = len(p.ports)
	p.ports = append(p.ports, port)
	p.size++
}

func (p *Pool) remove(port *Port) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port.id >= len(p.ports) || p.ports[port.id] != port {
		return false
	}
	p.ports[port.id] = nil
	p.size--
	return true
}

// Ports returns a snapshot of the registered workers.
func (p *Pool) Ports() []*Port {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Port, 0, p.size)
	for _, port := range p.ports {
		if port != nil {
			out = append(out, port)
		}
	}
	return out
}

// Size returns the number of registered workers.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.size
}
