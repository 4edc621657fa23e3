package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/fractal"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// scriptLink hands out a fixed sequence of tiles, then reports closed.
type scriptLink struct {
	tiles   []protocol.Job
	results []protocol.Result
	sendErr error
}

func (l *scriptLink) RequestTile() (protocol.Job, error) {
	if len(l.tiles) == 0 {
		return protocol.Job{}, ErrLinkClosed
	}
	t := l.tiles[0]
	l.tiles = l.tiles[1:]
	return t, nil
}

func (l *scriptLink) SendResult(res protocol.Result) error {
	if l.sendErr != nil {
		return l.sendErr
	}
	l.results = append(l.results, res)
	return nil
}

func tile(gen int64, g int) protocol.Job {
	return protocol.Job{
		Generation:        gen,
		Granularity:       g,
		MaxDepth:          50,
		FractalLowerLeft:  protocol.Complex{Real: -2, Imag: -1},
		FractalUpperRight: protocol.Complex{Real: 0, Imag: 1},
		ScreenUpperRight:  protocol.Point{X: g, Y: g},
	}
}

func TestRunComputesTilesAndAcksRoundDone(t *testing.T) {
	link := &scriptLink{tiles: []protocol.Job{tile(4, 8), tile(4, 8), protocol.RoundDoneJob(), tile(5, 4)}}
	w := New(link, Options{ID: 3, Threads: 3})

	assert.NilError(t, w.Run(context.Background()))
	assert.Equal(t, len(link.results), 4)

	first := link.results[0]
	assert.Equal(t, first.WorkerID, 3)
	assert.Equal(t, first.Job.Generation, int64(4))
	assert.Equal(t, len(first.Values), 64)

	ack := link.results[2]
	assert.Assert(t, ack.IsRoundDone())
	assert.Assert(t, ack.Values == nil)
	assert.Equal(t, link.results[3].Job.Generation, int64(5))

	st := w.Stats()
	assert.Equal(t, st.Tiles, int64(3))
	assert.Equal(t, st.Rounds, int64(1))
}

func TestRunStopsOnSendError(t *testing.T) {
	boom := errors.New("boom")
	w := New(&scriptLink{tiles: []protocol.Job{tile(0, 2)}, sendErr: boom}, Options{})
	assert.Assert(t, errors.Is(w.Run(context.Background()), boom))

	closed := New(&scriptLink{tiles: []protocol.Job{tile(0, 2)}, sendErr: ErrLinkClosed}, Options{})
	assert.NilError(t, closed.Run(context.Background()))
}

func TestRunHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w := New(&scriptLink{tiles: []protocol.Job{tile(0, 2)}}, Options{})
	assert.Assert(t, errors.Is(w.Run(ctx), context.Canceled))
}

func TestComputeMatchesSerialKernel(t *testing.T) {
	job := tile(0, 13)
	want := make([]int32, 13*13)
	fractal.ComputeRows(job, fractal.Depth, want, 0, 13)

	for _, threads := range []int{1, 2, 5, 13, 40} {
		got := Compute(job, fractal.Depth, threads)
		assert.DeepEqual(t, got, want)
	}
}

func TestHealthHandler(t *testing.T) {
	link := &scriptLink{tiles: []protocol.Job{tile(0, 2)}}
	w := New(link, Options{ID: 1, Threads: 1})
	assert.NilError(t, w.Run(context.Background()))

	mux := http.NewServeMux()
	(&WorkerHandler{WorkerID: "worker-slot-1", Worker: w}).Routes(mux)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, rec.Code, http.StatusOK)
	var body healthResponse
	assert.NilError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, body.Status, "ok")
	assert.Equal(t, body.WorkerID, "worker-slot-1")
	assert.Equal(t, body.Stats.Tiles, int64(1))
	assert.Equal(t, body.Stats.WorkerID, 1)
}
