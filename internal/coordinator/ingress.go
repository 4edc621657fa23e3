package coordinator

import (
	"fmt"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/fractal"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// Submit accepts a viewport request. A job only enters the engine if its
// generation is strictly newer than every generation accepted before it;
// older or equal generations return ErrStaleGeneration.
func (e *Engine) Submit(job protocol.Job) error {
	if job.IsSentinel() {
		return fmt.Errorf("%w: reserved generation %d", protocol.ErrInvalidJob, job.Generation)
	}
	if err := job.ValidateLimit(e.opts.MaxTiles); err != nil {
		return err
	}
	return e.submit(job)
}

func (e *Engine) submit(job protocol.Job) error {
	if e.inbox.Closed() {
		return ErrClosed
	}
	if !e.gens.advance(job.Generation) {
		return fmt.Errorf("%w: got %d, latest %d", ErrStaleGeneration, job.Generation, e.gens.latest.Load())
	}
	if !e.inbox.Enqueue(job) {
		return ErrClosed
	}
	e.metrics.IncCounter("fractal_jobs_accepted_total", nil, 1)
	return nil
}

// nextBase is the first generation a new client session may use.
func (e *Engine) nextBase() int64 {
	latest := e.gens.latest.Load()
	if latest < 0 {
		return 0
	}
	return latest + 1
}

// abandon supersedes whatever round is in flight with an empty one, so
// workers stop receiving tiles nobody is waiting for.
func (e *Engine) abandon() {
	for !e.inbox.Closed() {
		gen := e.nextBase()
		if e.gens.advance(gen) {
			e.inbox.Enqueue(protocol.Job{Generation: gen})
			e.log.V(1).Info("round abandoned", "generation", gen)
			return
		}
	}
}

// discretizeLoop turns the newest pending job into a batch of tiles. Jobs
// that were overtaken while waiting are destroyed without being split.
func (e *Engine) discretizeLoop() {
	log := e.log.WithName("discretizer")
	for {
		job, ok := e.inbox.Dequeue()
		if !ok {
			return
		}
		for {
			next, ok := e.inbox.TryDequeue()
			if !ok {
				break
			}
			if next.Generation > job.Generation {
				job, next = next, job
			}
			e.supersededJob(next)
		}
		if job.Generation < e.gens.latest.Load() {
			e.supersededJob(job)
			continue
		}

		tiles := fractal.Discretize(job)
		log.V(1).Info("job discretized", "generation", job.Generation, "tiles", len(tiles))
		e.metrics.IncCounter("fractal_tiles_created_total", nil, float64(len(tiles)))
		if !e.rounds.Enqueue(batch{job: job, tiles: tiles}) {
			return
		}
	}
}
