package worker

import (
	"sync"

	"github.com/ahmadhassan44/fractal-orchestrator/internal/fractal"
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// Compute evaluates kernel over every pixel of tile, splitting the rows
// across threads goroutines. The returned slice holds Granularity² values,
// row-major within the tile.
func Compute(tile protocol.Job, kernel fractal.Kernel, threads int) []int32 {
	g := tile.Granularity
	values := make([]int32, g*g)
	if threads < 1 {
		threads = 1
	}
	if threads > g {
		threads = g
	}
	if threads == 1 {
		fractal.ComputeRows(tile, kernel, values, 0, g)
		return values
	}

	// Each goroutine owns a contiguous band of rows, so no two write the
	// same entry.
	var wg sync.WaitGroup
	wg.Add(threads)
	band := (g + threads - 1) / threads
	for t := 0; t < threads; t++ {
		from := t * band
		to := min(from+band, g)
		go func() {
			defer wg.Done()
			if from < to {
				fractal.ComputeRows(tile, kernel, values, from, to)
			}
		}()
	}
	wg.Wait()
	return values
}
