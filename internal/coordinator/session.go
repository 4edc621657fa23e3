package coordinator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/observability"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/queue"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// ShutdownDrainTimeout bounds how long a SHUTDOWN request waits for the
// running round before the session is torn down anyway.
var ShutdownDrainTimeout = 30 * time.Second

// Session is one attached client connection. Client generations are rebased
// onto the engine's generation sequence: a session starts at base, and
// client generation g is engine generation base+g.
type Session struct {
	ID uuid.UUID

	engine   *Engine
	conn     net.Conn
	base     int64
	outbound *queue.Queue[protocol.Result]
	log      logr.Logger

	submitted bool
}

// Serve runs one client session on conn until the client disconnects or
// sends SHUTDOWN. It returns nil on a clean disconnect and
// ErrShutdownRequested after a SHUTDOWN record; conn is closed either way.
// Only one session may be attached at a time.
func (e *Engine) Serve(ctx context.Context, conn net.Conn) error {
	s := &Session{
		ID:     uuid.New(),
		engine: e,
		conn:   conn,
		base:   e.nextBase(),
	}
	s.outbound = queue.NewBounded(e.opts.OutboundQueueSize, func(protocol.Result) {
		e.results.dropped.Add(1)
	})
	s.log = e.log.WithName("session").WithValues("session", s.ID.String())

	if e.inbox.Closed() {
		conn.Close()
		return ErrClosed
	}
	if !e.session.CompareAndSwap(nil, s) {
		conn.Close()
		return ErrSessionActive
	}

	ctx, span := observability.StartSpan(ctx, "session",
		attribute.String("fractal.session", s.ID.String()),
		attribute.Int64("fractal.base_generation", s.base),
	)
	defer span.End()

	s.log.Info("client attached", "remote", conn.RemoteAddr().String(), "base", s.base)
	e.metrics.IncCounter("fractal_sessions_total", nil, 1)

	egressDone := make(chan error, 1)
	go func() { egressDone <- s.egress() }()

	err := s.ingress()
	if errors.Is(err, ErrShutdownRequested) {
		s.log.Info("shutdown requested, draining")
		drainCtx, cancel := context.WithTimeout(ctx, ShutdownDrainTimeout)
		if derr := e.Drain(drainCtx); derr != nil {
			s.log.Error(derr, "drain before shutdown")
		}
		cancel()

		s.detach()
		s.outbound.Enqueue(protocol.Result{Job: protocol.Job{Generation: protocol.Shutdown}})
		if eerr := <-egressDone; eerr != nil {
			s.log.Error(eerr, "egress")
		}
		s.outbound.Shutdown()
		conn.Close()
		if s.submitted {
			e.abandon()
		}
		s.log.Info("client detached")
		return ErrShutdownRequested
	}

	s.detach()
	s.outbound.Shutdown()
	conn.Close()
	if eerr := <-egressDone; eerr != nil && err == nil {
		err = eerr
	}
	if s.submitted {
		e.abandon()
	}
	if err != nil {
		span.RecordError(err)
		s.log.Error(err, "client session ended")
	} else {
		s.log.Info("client detached")
	}
	return err
}

func (s *Session) detach() {
	s.engine.session.CompareAndSwap(s, nil)
}

// ingress reads job records until EOF, SHUTDOWN or a transport error.
func (s *Session) ingress() error {
	r := bufio.NewReader(s.conn)
	for {
		job, err := protocol.ReadJob(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return fmt.Errorf("read job: %w", err)
		}
		if job.Generation == protocol.Shutdown {
			return ErrShutdownRequested
		}
		if job.IsSentinel() {
			s.log.Info("ignoring job with reserved generation", "generation", job.Generation)
			continue
		}
		if err := job.ValidateLimit(s.engine.opts.MaxTiles); err != nil {
			s.log.Info("ignoring invalid job", "generation", job.Generation, "reason", err.Error())
			continue
		}

		clientGen := job.Generation
		job.Generation += s.base
		if err := s.engine.submit(job); err != nil {
			if errors.Is(err, ErrStaleGeneration) {
				s.log.Info("ignoring stale job", "generation", clientGen)
				continue
			}
			return err
		}
		s.submitted = true
		s.log.V(1).Info("job accepted", "generation", clientGen, "width", job.Width(), "height", job.Height())
	}
}

// egress writes fresh results to the client. Encoded results of one
// generation collect in a pending buffer that is written when it reaches
// EgressBufferSize, when the generation changes, or when the outbound queue
// runs empty. Results, and whole pending buffers, whose generation is no
// longer the active one are discarded instead of written.
func (s *Session) egress() error {
	e := s.engine
	var (
		pending    bytes.Buffer
		pendingGen int64
		count      int
	)
	flush := func() error {
		if count == 0 {
			return nil
		}
		n := count
		defer func() {
			pending.Reset()
			count = 0
		}()
		if pendingGen != e.gens.active.Load() {
			e.results.stale.Add(float64(n))
			return nil
		}
		if _, err := s.conn.Write(pending.Bytes()); err != nil {
			s.conn.Close()
			return fmt.Errorf("write results: %w", err)
		}
		e.results.forwarded.Add(float64(n))
		return nil
	}

	for {
		if s.outbound.Size() == 0 {
			if err := flush(); err != nil {
				return err
			}
		}
		res, ok := s.outbound.Dequeue()
		if !ok {
			return nil
		}
		gen := res.Job.Generation
		if gen == protocol.Shutdown {
			return flush()
		}
		// Below base is the active round of an earlier session.
		if gen < s.base || gen != e.gens.active.Load() {
			e.results.stale.Add(1)
			continue
		}
		if count > 0 && gen != pendingGen {
			if err := flush(); err != nil {
				return err
			}
		}

		res.Job.Generation -= s.base
		if err := protocol.WriteResult(&pending, res); err != nil {
			s.log.Error(err, "dropping malformed result", "worker", res.WorkerID)
			e.results.dropped.Add(1)
			continue
		}
		pendingGen = gen
		count++
		if pending.Len() >= e.opts.EgressBufferSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}
