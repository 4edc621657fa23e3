// Package fractal splits viewports into tiles and evaluates the escape-time
// kernel for the Mandelbrot set.
package fractal

import (
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// TileCount returns the number of tiles along each axis for job.
func TileCount(job protocol.Job) (cols, rows int) {
	g := job.Granularity
	w, h := job.Width(), job.Height()
	if g <= 0 || w <= 0 || h <= 0 {
		return 0, 0
	}
	return ceilDiv(w, g), ceilDiv(h, g)
}

// Discretize splits job into tiles of granularity×granularity pixels, ordered
// row-major (all tiles of the bottom row first). Tiles on the last row and
// column may extend past the viewport by less than one granularity; consumers
// clip against the real screen bounds.
func Discretize(job protocol.Job) []protocol.Job {
	cols, rows := TileCount(job)
	if cols == 0 || rows == 0 {
		return nil
	}

	g := job.Granularity
	realStep := (job.FractalUpperRight.Real - job.FractalLowerLeft.Real) / float64(job.Width())
	imagStep := (job.FractalUpperRight.Imag - job.FractalLowerLeft.Imag) / float64(job.Height())
	tileReal := float64(g) * realStep
	tileImag := float64(g) * imagStep

	tiles := make([]protocol.Job, 0, cols*rows)
	for j := 0; j < rows; j++ {
		for i := 0; i < cols; i++ {
			ll := protocol.Complex{
				Real: job.FractalLowerLeft.Real + float64(i)*tileReal,
				Imag: job.FractalLowerLeft.Imag + float64(j)*tileImag,
			}
			sll := protocol.Point{
				X: job.ScreenLowerLeft.X + i*g,
				Y: job.ScreenLowerLeft.Y + j*g,
			}
			tiles = append(tiles, protocol.Job{
				Generation:        job.Generation,
				Granularity:       g,
				MaxDepth:          job.MaxDepth,
				FractalLowerLeft:  ll,
				FractalUpperRight: protocol.Complex{Real: ll.Real + tileReal, Imag: ll.Imag + tileImag},
				ScreenLowerLeft:   sll,
				ScreenUpperRight:  protocol.Point{X: sll.X + g, Y: sll.Y + g},
			})
		}
	}
	return tiles
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
