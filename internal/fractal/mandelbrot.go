package fractal

import (
	"github.com/ahmadhassan44/fractal-orchestrator/pkg/protocol"
)

// Kernel returns the escape iteration count of the point (re, im),
// bounded by maxDepth.
type Kernel func(re, im float64, maxDepth int) int

// Depth iterates z = z² + c from z = 0 until |z| > 2 or maxDepth iterations.
// Points inside the set return maxDepth.
func Depth(re, im float64, maxDepth int) int {
	var x, y float64
	iter := 0
	for x*x+y*y <= 4 && iter < maxDepth {
		x, y = x*x-y*y+re, 2*x*y+im
		iter++
	}
	return iter
}

// PixelStep is the fractal-space size of one pixel of tile.
func PixelStep(tile protocol.Job) (realStep, imagStep float64) {
	g := float64(tile.Granularity)
	return (tile.FractalUpperRight.Real - tile.FractalLowerLeft.Real) / g,
		(tile.FractalUpperRight.Imag - tile.FractalLowerLeft.Imag) / g
}

// ComputeRows fills values for rows [from, to) of tile. values must hold
// Granularity² entries; entry row*Granularity+col is the pixel at column col
// and row row counted from the tile's lower-left corner.
func ComputeRows(tile protocol.Job, kernel Kernel, values []int32, from, to int) {
	g := tile.Granularity
	realStep, imagStep := PixelStep(tile)
	for row := from; row < to; row++ {
		im := tile.FractalLowerLeft.Imag + float64(row)*imagStep
		for col := 0; col < g; col++ {
			re := tile.FractalLowerLeft.Real + float64(col)*realStep
			values[row*g+col] = int32(kernel(re, im, tile.MaxDepth))
		}
	}
}
