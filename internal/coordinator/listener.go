package coordinator

import (
	"context"
	"errors"
	"net"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/transport"
)

// ServeClients accepts client connections on ln and serves them one at a
// time. It returns nil once a client requests SHUTDOWN, or the accept error
// when ln is closed.
func (e *Engine) ServeClients(ctx context.Context, ln net.Listener) error {
	log := e.log.WithName("clients")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		err = e.Serve(ctx, conn)
		switch {
		case errors.Is(err, ErrShutdownRequested):
			return nil
		case errors.Is(err, ErrClosed):
			return nil
		case err != nil:
			log.Error(err, "client session failed")
		}
	}
}

// ServeWorkers accepts remote worker connections on ln until ln is closed.
func (e *Engine) ServeWorkers(ln net.Listener) error {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go e.ServeWorker(transport.NewConn(nc))
	}
}
