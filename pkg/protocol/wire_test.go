package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func sampleJob() Job {
	return Job{
		Generation:        7,
		Granularity:       2,
		MaxDepth:          256,
		FractalLowerLeft:  Complex{Real: -2, Imag: -1.5},
		FractalUpperRight: Complex{Real: 2, Imag: 1.5},
		ScreenLowerLeft:   Point{X: 0, Y: 0},
		ScreenUpperRight:  Point{X: 1920, Y: 1080},
	}
}

func TestJobHeaderIsFixedSize(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteJob(&buf, sampleJob()))
	assert.Equal(t, buf.Len(), JobHeaderSize)

	got, err := ReadJob(&buf)
	assert.NilError(t, err)
	assert.Equal(t, got, sampleJob())
}

func TestResultPayloadFollowsHeader(t *testing.T) {
	res := Result{Job: sampleJob(), WorkerID: 3, WorkerCount: 4, Values: []int32{1, 2, 3, 256}}

	var buf bytes.Buffer
	assert.NilError(t, WriteResult(&buf, res))
	assert.Equal(t, buf.Len(), ResultHeaderSize+4*4)

	// Two results back to back are split by granularity alone.
	assert.NilError(t, WriteResult(&buf, res))
	for i := 0; i < 2; i++ {
		got, err := ReadResult(&buf)
		assert.NilError(t, err)
		assert.DeepEqual(t, got, res)
	}

	_, err := ReadResult(&buf)
	assert.Equal(t, err, io.EOF)
}

func TestWriteResultRejectsShortPayload(t *testing.T) {
	res := Result{Job: sampleJob(), Values: []int32{1}}
	err := WriteResult(io.Discard, res)
	assert.ErrorContains(t, err, "needs 4")
}

func TestReadResultTruncated(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteResult(&buf, Result{Job: sampleJob(), Values: make([]int32, 4)}))
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-3])

	_, err := ReadResult(truncated)
	assert.Assert(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestSentinelGenerationsSurviveWire(t *testing.T) {
	var buf bytes.Buffer
	assert.NilError(t, WriteJob(&buf, Job{Generation: Shutdown}))
	got, err := ReadJob(&buf)
	assert.NilError(t, err)
	assert.Equal(t, got.Generation, Shutdown)
	assert.Assert(t, got.IsSentinel())
}

func TestValidate(t *testing.T) {
	assert.NilError(t, sampleJob().Validate())

	bad := sampleJob()
	bad.Granularity = 0
	assert.Assert(t, errors.Is(bad.Validate(), ErrInvalidJob))

	bad = sampleJob()
	bad.ScreenUpperRight = bad.ScreenLowerLeft
	assert.Check(t, is.ErrorContains(bad.Validate(), "empty screen"))

	bad = sampleJob()
	bad.FractalUpperRight.Real = -3
	assert.Check(t, is.ErrorContains(bad.Validate(), "upper-right"))

	huge := sampleJob()
	huge.Granularity = 1 << 30
	huge.ScreenUpperRight = Point{X: 1 << 30, Y: 1 << 30}
	assert.Assert(t, errors.Is(huge.Validate(), ErrInvalidJob))
	assert.Check(t, is.ErrorContains(huge.Validate(), "granularity"))

	edge := sampleJob()
	edge.Granularity = MaxGranularity
	assert.NilError(t, edge.Validate())

	// One pixel per tile over a full int32 screen would overflow an int32
	// tile count.
	dense := sampleJob()
	dense.Granularity = 1
	dense.ScreenUpperRight = Point{X: 1<<31 - 1, Y: 1<<31 - 1}
	assert.Check(t, is.ErrorContains(dense.Validate(), "tiles exceeds"))

	limited := sampleJob()
	limited.Granularity = 10
	assert.NilError(t, limited.ValidateLimit(192*108))
	assert.Check(t, is.ErrorContains(limited.ValidateLimit(192*108-1), "20736 tiles exceeds 20735"))
}

func TestReadResultRejectsOversizedGranularity(t *testing.T) {
	var buf bytes.Buffer
	j := sampleJob()
	j.Granularity = MaxGranularity + 1
	assert.NilError(t, WriteJob(&buf, j))
	buf.Write(make([]byte, ResultHeaderSize-JobHeaderSize))

	_, err := ReadResult(&buf)
	assert.Check(t, is.ErrorContains(err, "out of range"))
}
