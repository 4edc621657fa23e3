package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Sizes of the fixed client wire headers, in bytes.
const (
	JobHeaderSize    = 64
	ResultHeaderSize = JobHeaderSize + 8
)

var order = binary.LittleEndian

// WriteJob writes the fixed-size job header.
func WriteJob(w io.Writer, job Job) error {
	var buf [JobHeaderSize]byte
	putJob(buf[:], job)
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("write job header: %w", err)
	}
	return nil
}

// ReadJob reads one fixed-size job header. It returns io.EOF only when the
// stream ends cleanly before the first byte.
func ReadJob(r io.Reader) (Job, error) {
	var buf [JobHeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF {
			return Job{}, io.EOF
		}
		return Job{}, fmt.Errorf("read job header: %w", err)
	}
	return getJob(buf[:]), nil
}

// WriteResult writes the result header immediately followed by the
// granularity² values, with no delimiter.
func WriteResult(w io.Writer, res Result) error {
	n := res.Job.Granularity * res.Job.Granularity
	if len(res.Values) != n {
		return fmt.Errorf("result has %d values, granularity %d needs %d", len(res.Values), res.Job.Granularity, n)
	}

	buf := make([]byte, ResultHeaderSize+4*n)
	putJob(buf, res.Job)
	order.PutUint32(buf[JobHeaderSize:], uint32(int32(res.WorkerID)))
	order.PutUint32(buf[JobHeaderSize+4:], uint32(int32(res.WorkerCount)))

	off := ResultHeaderSize
	for _, v := range res.Values {
		order.PutUint32(buf[off:], uint32(v))
		off += 4
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

// ReadResult reads one result, recomputing the payload length from the
// header's granularity.
func ReadResult(r io.Reader) (Result, error) {
	var hdr [ResultHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return Result{}, io.EOF
		}
		return Result{}, fmt.Errorf("read result header: %w", err)
	}

	res := Result{
		Job:         getJob(hdr[:]),
		WorkerID:    int(int32(order.Uint32(hdr[JobHeaderSize:]))),
		WorkerCount: int(int32(order.Uint32(hdr[JobHeaderSize+4:]))),
	}

	g := res.Job.Granularity
	if g < 0 || g > MaxGranularity {
		return Result{}, fmt.Errorf("result header: granularity %d out of range", g)
	}

	payload := make([]byte, 4*g*g)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Result{}, fmt.Errorf("read result values: %w", err)
	}
	res.Values = make([]int32, g*g)
	for i := range res.Values {
		res.Values[i] = int32(order.Uint32(payload[4*i:]))
	}
	return res, nil
}

func putJob(b []byte, j Job) {
	order.PutUint64(b[0:], uint64(j.Generation))
	order.PutUint32(b[8:], uint32(int32(j.Granularity)))
	order.PutUint32(b[12:], uint32(int32(j.MaxDepth)))
	order.PutUint64(b[16:], math.Float64bits(j.FractalLowerLeft.Real))
	order.PutUint64(b[24:], math.Float64bits(j.FractalLowerLeft.Imag))
	order.PutUint64(b[32:], math.Float64bits(j.FractalUpperRight.Real))
	order.PutUint64(b[40:], math.Float64bits(j.FractalUpperRight.Imag))
	order.PutUint32(b[48:], uint32(int32(j.ScreenLowerLeft.X)))
	order.PutUint32(b[52:], uint32(int32(j.ScreenLowerLeft.Y)))
	order.PutUint32(b[56:], uint32(int32(j.ScreenUpperRight.X)))
	order.PutUint32(b[60:], uint32(int32(j.ScreenUpperRight.Y)))
}

func getJob(b []byte) Job {
	return Job{
		Generation:  int64(order.Uint64(b[0:])),
		Granularity: int(int32(order.Uint32(b[8:]))),
		MaxDepth:    int(int32(order.Uint32(b[12:]))),
		FractalLowerLeft: Complex{
			Real: math.Float64frombits(order.Uint64(b[16:])),
			Imag: math.Float64frombits(order.Uint64(b[24:])),
		},
		FractalUpperRight: Complex{
			Real: math.Float64frombits(order.Uint64(b[32:])),
			Imag: math.Float64frombits(order.Uint64(b[40:])),
		},
		ScreenLowerLeft: Point{
			X: int(int32(order.Uint32(b[48:]))),
			Y: int(int32(order.Uint32(b[52:]))),
		},
		ScreenUpperRight: Point{
			X: int(int32(order.Uint32(b[56:]))),
			Y: int(int32(order.Uint32(b[60:]))),
		},
	}
}
