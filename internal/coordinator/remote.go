package coordinator

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/transport"
)

// ErrDuplicateRequest is returned by ServeWorker when a remote worker asks
// for a tile while its previous request is still unanswered.
var ErrDuplicateRequest = errors.New("payload request while one is outstanding")

// ServeWorker bridges one remote worker connection onto a Port. It returns
// when the worker disconnects or the engine shuts down; the port is
// deregistered and conn closed on return.
func (e *Engine) ServeWorker(conn *transport.Conn) error {
	port := e.Connect()
	log := e.log.WithName("remote").WithValues("worker", port.ID(), "remote", conn.RemoteAddr().String())
	defer conn.Close()
	defer port.Close()

	hello := transport.Message{Kind: transport.KindHello, WorkerID: port.ID(), WorkerCount: e.pool.Size()}
	if err := conn.Send(hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	// A worker may have at most one payload request outstanding. A second
	// one before its tile went out would let it queue deliveries that block
	// dispatch for every worker.
	var waiting atomic.Bool

	writerDone := make(chan error, 1)
	go func() {
		for {
			job, ok := port.tiles.Dequeue()
			if !ok {
				// Port closed: unblock the reader.
				conn.Close()
				writerDone <- nil
				return
			}
			waiting.Store(false)
			m := transport.Message{Kind: transport.KindPayloadData, WorkerID: port.ID(), Job: &job}
			if err := conn.Send(m); err != nil {
				conn.Close()
				writerDone <- err
				return
			}
		}
	}()

	err := e.readWorker(conn, port, &waiting)
	port.Close()
	if werr := <-writerDone; werr != nil && err == nil {
		err = werr
	}
	if err != nil {
		log.Error(err, "worker connection lost")
		return err
	}
	log.Info("worker disconnected")
	return nil
}

func (e *Engine) readWorker(conn *transport.Conn, port *Port, waiting *atomic.Bool) error {
	for {
		m, err := conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
		switch m.Kind {
		case transport.KindPayloadRequest:
			if !waiting.CompareAndSwap(false, true) {
				return ErrDuplicateRequest
			}
			if !e.payloadRequests.Enqueue(request{port: port}) {
				return nil
			}
		case transport.KindResponseRequest:
			// The result follows in the next frame.
		case transport.KindResponseData:
			if m.Result == nil {
				return fmt.Errorf("%s without result", m.Kind)
			}
			if err := port.SendResult(*m.Result); err != nil {
				return nil
			}
		default:
			return fmt.Errorf("unexpected %s from worker", m.Kind)
		}
	}
}
