package coordinator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/transport"
	"github.com/ahmadhassan44/fractal-orchestrator/internal/worker"
)

func TestRemoteWorkerCompletesRound(t *testing.T) {
	e := newTestEngine(t)

	workerEnd, coordEnd := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- e.ServeWorker(transport.NewConn(coordEnd)) }()

	client, err := transport.NewClient(transport.NewConn(workerEnd))
	assert.NilError(t, err)
	assert.Equal(t, client.ID(), 0)

	w := worker.New(client, worker.Options{ID: client.ID(), Threads: 2, Kernel: constKernel})
	ran := make(chan error, 1)
	go func() { ran <- w.Run(context.Background()) }()

	assert.NilError(t, e.Submit(job(0, 40, 30, 10)))
	drain(t, e)
	waitFor(t, "round done on the remote worker", func() bool { return w.Stats().Rounds == 1 })
	assert.Equal(t, w.Stats().Tiles, int64(12))
	assert.Equal(t, e.Metrics().Counter("fractal_results_total", droppedLabels), 12.0)

	e.Shutdown()
	for _, ch := range []chan error{ran, served} {
		select {
		case err := <-ch:
			assert.NilError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("remote worker did not stop")
		}
	}
}

func TestRemoteWorkerDisconnectDeregisters(t *testing.T) {
	e := newTestEngine(t)

	workerEnd, coordEnd := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- e.ServeWorker(transport.NewConn(coordEnd)) }()

	_, err := transport.NewClient(transport.NewConn(workerEnd))
	assert.NilError(t, err)
	assert.Equal(t, e.Workers(), 1)

	workerEnd.Close()
	select {
	case err := <-served:
		assert.NilError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge did not notice the disconnect")
	}
	assert.Equal(t, e.Workers(), 0)
}

func TestRemoteWorkerDuplicateRequestIsRejected(t *testing.T) {
	e := newTestEngine(t)

	workerEnd, coordEnd := net.Pipe()
	defer workerEnd.Close()
	served := make(chan error, 1)
	go func() { served <- e.ServeWorker(transport.NewConn(coordEnd)) }()

	raw := transport.NewConn(workerEnd)
	hello, err := raw.Receive()
	assert.NilError(t, err)
	assert.Equal(t, hello.Kind, transport.KindHello)

	req := transport.Message{Kind: transport.KindPayloadRequest, WorkerID: hello.WorkerID}
	assert.NilError(t, raw.Send(req))
	// The bridge may close the pipe while this frame is still being read.
	_ = raw.Send(req)

	select {
	case err := <-served:
		assert.Assert(t, errors.Is(err, ErrDuplicateRequest), "got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("bridge accepted a second outstanding request")
	}
	assert.Equal(t, e.Workers(), 0)

	// Dispatch still serves other workers.
	w := startWorkers(t, e, 1, constKernel)[0]
	assert.NilError(t, e.Submit(job(0, 20, 20, 10)))
	drain(t, e)
	assert.Equal(t, w.Stats().Tiles, int64(4))
}
