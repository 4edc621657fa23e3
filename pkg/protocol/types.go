package protocol

import (
	"errors"
	"fmt"
)

// Reserved generations. Real generations are >= 0.
const (
	// RoundDone is handed to a worker once the current round has no tiles left.
	RoundDone int64 = -1
	// Shutdown asks the coordinator to drain and terminate.
	Shutdown int64 = -2
)

// Job size limits. MaxGranularity keeps one tile's values well inside a
// single transport frame.
const (
	MaxGranularity  = 1024
	DefaultMaxTiles = 1 << 21
)

var ErrInvalidJob = errors.New("invalid job")

// Complex is a point in fractal space.
type Complex struct {
	Real float64 `json:"real"`
	Imag float64 `json:"imag"`
}

// Point is a point in screen space (pixels).
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Job is a viewport request. A tile is a Job whose screen rectangle is one
// granularity on each side.
type Job struct {
	// Generation is the only identity used for staleness comparisons.
	Generation int64 `json:"generation"`

	// Granularity is the edge length, in pixels, of one tile.
	Granularity int `json:"granularity"`

	MaxDepth int `json:"max_depth"`

	FractalLowerLeft  Complex `json:"fractal_ll"`
	FractalUpperRight Complex `json:"fractal_ur"`
	ScreenLowerLeft   Point   `json:"screen_ll"`
	ScreenUpperRight  Point   `json:"screen_ur"`
}

// Width is the screen width of the job in pixels.
func (j Job) Width() int { return j.ScreenUpperRight.X - j.ScreenLowerLeft.X }

// Height is the screen height of the job in pixels.
func (j Job) Height() int { return j.ScreenUpperRight.Y - j.ScreenLowerLeft.Y }

// IsSentinel reports whether the job carries a reserved generation.
func (j Job) IsSentinel() bool { return j.Generation < 0 }

// Validate checks a client supplied job against DefaultMaxTiles.
func (j Job) Validate() error { return j.ValidateLimit(DefaultMaxTiles) }

// ValidateLimit checks a client supplied job before it enters the engine,
// rejecting jobs that would split into more than maxTiles tiles.
func (j Job) ValidateLimit(maxTiles int) error {
	switch {
	case j.Granularity <= 0:
		return fmt.Errorf("%w: granularity must be positive, got %d", ErrInvalidJob, j.Granularity)
	case j.Granularity > MaxGranularity:
		return fmt.Errorf("%w: granularity %d exceeds %d", ErrInvalidJob, j.Granularity, MaxGranularity)
	case j.MaxDepth <= 0:
		return fmt.Errorf("%w: max depth must be positive, got %d", ErrInvalidJob, j.MaxDepth)
	case j.Width() <= 0 || j.Height() <= 0:
		return fmt.Errorf("%w: empty screen rectangle %dx%d", ErrInvalidJob, j.Width(), j.Height())
	case j.FractalUpperRight.Real <= j.FractalLowerLeft.Real || j.FractalUpperRight.Imag <= j.FractalLowerLeft.Imag:
		return fmt.Errorf("%w: fractal upper-right must exceed lower-left", ErrInvalidJob)
	}
	if n := j.tiles(); n > int64(maxTiles) {
		return fmt.Errorf("%w: %d tiles exceeds %d", ErrInvalidJob, n, maxTiles)
	}
	return nil
}

// tiles is the tile count in int64 so huge screens cannot overflow it.
func (j Job) tiles() int64 {
	g := int64(j.Granularity)
	cols := (int64(j.Width()) + g - 1) / g
	rows := (int64(j.Height()) + g - 1) / g
	return cols * rows
}

// RoundDoneJob is the sentinel handed to a worker at the end of a round.
func RoundDoneJob() Job {
	return Job{Generation: RoundDone}
}

// Result carries the escape counts computed for one tile.
type Result struct {
	Job         Job `json:"job"`
	WorkerID    int `json:"worker_id"`
	WorkerCount int `json:"worker_count"`

	// Values holds Granularity² counts, row-major within the tile.
	Values []int32 `json:"values,omitempty"`
}

// IsRoundDone reports whether r acknowledges the end of a round rather than
// carrying pixel data.
func (r Result) IsRoundDone() bool { return r.Job.Generation == RoundDone }
