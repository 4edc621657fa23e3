package transport

import (
	"encoding/binary"
	"errors"
	"net"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/worker"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

func pipe(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return NewConn(a), NewConn(b)
}

func TestMessageCarriesResult(t *testing.T) {
	a, b := pipe(t)
	res := protocol.Result{
		Job: protocol.Job{
			Generation:        9,
			Granularity:       2,
			MaxDepth:          64,
			FractalLowerLeft:  protocol.Complex{Real: -0.5, Imag: 0.25},
			FractalUpperRight: protocol.Complex{Real: -0.25, Imag: 0.5},
			ScreenLowerLeft:   protocol.Point{X: 10, Y: 20},
			ScreenUpperRight:  protocol.Point{X: 12, Y: 22},
		},
		WorkerID:    1,
		WorkerCount: 3,
		Values:      []int32{1, 2, 3, 64},
	}

	go a.Send(Message{Kind: KindResponseData, WorkerID: 1, Result: &res})
	m, err := b.Receive()
	assert.NilError(t, err)
	assert.Equal(t, m.Kind, KindResponseData)
	assert.Assert(t, m.Job == nil)
	assert.DeepEqual(t, *m.Result, res)
}

func TestReceiveRejectsOversizedFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		var prefix [4]byte
		binary.BigEndian.PutUint32(prefix[:], MaxFrameSize+1)
		a.Write(prefix[:])
	}()
	_, err := NewConn(b).Receive()
	assert.Assert(t, errors.Is(err, ErrFrameTooLarge))
}

func TestClientPullProtocol(t *testing.T) {
	coord, workerEnd := pipe(t)

	go func() {
		coord.Send(Message{Kind: KindHello, WorkerID: 4, WorkerCount: 5})

		m, _ := coord.Receive()
		if m.Kind != KindPayloadRequest {
			return
		}
		done := protocol.RoundDoneJob()
		coord.Send(Message{Kind: KindPayloadData, WorkerID: 4, Job: &done})

		coord.Receive() // response request
		coord.Receive() // response data
		coord.Close()
	}()

	c, err := NewClient(workerEnd)
	assert.NilError(t, err)
	assert.Equal(t, c.ID(), 4)

	job, err := c.RequestTile()
	assert.NilError(t, err)
	assert.Equal(t, job.Generation, protocol.RoundDone)

	assert.NilError(t, c.SendResult(protocol.Result{Job: job, WorkerID: 4}))

	_, err = c.RequestTile()
	assert.Assert(t, errors.Is(err, worker.ErrLinkClosed), "got %v", err)
}

func TestClientRequiresHello(t *testing.T) {
	coord, workerEnd := pipe(t)
	go coord.Send(Message{Kind: KindPayloadData})

	_, err := NewClient(workerEnd)
	assert.ErrorContains(t, err, "expected hello")
}
