package qpu

import (
	"math"

	"tlog.app/go/errors"
)

type (
	// Scalar is an element type storable in a shared array.
	Scalar interface {
		~int32 | ~float32
	}

	// SharedArray is a buffer visible to both the host and the
	// kernel. The kernel sees it at Addr.
	SharedArray[T Scalar] struct {
		Addr uint32

		mem []byte
	}
)

// NewSharedArray allocates a shared buffer of n elements through d.
func NewSharedArray[T Scalar](d Driver, n int) (*SharedArray[T], error) {
	addr, mem, err := d.Alloc(4 * n)
	if err != nil {
		return nil, errors.Wrap(err, "alloc")
	}

	return &SharedArray[T]{Addr: addr, mem: mem}, nil
}

func (a *SharedArray[T]) Len() int {
	return len(a.mem) / 4
}

func (a *SharedArray[T]) Get(i int) T {
	w := uint32(a.mem[4*i]) | uint32(a.mem[4*i+1])<<8 | uint32(a.mem[4*i+2])<<16 | uint32(a.mem[4*i+3])<<24

	var z T

	switch any(z).(type) {
	case float32:
		return T(math.Float32frombits(w))
	default:
		return T(int32(w))
	}
}

func (a *SharedArray[T]) Set(i int, v T) {
	var w uint32

	switch v := any(v).(type) {
	case float32:
		w = math.Float32bits(v)
	case int32:
		w = uint32(v)
	}

	a.mem[4*i] = byte(w)
	a.mem[4*i+1] = byte(w >> 8)
	a.mem[4*i+2] = byte(w >> 16)
	a.mem[4*i+3] = byte(w >> 24)
}

func (a *SharedArray[T]) uniform() uint32 { return a.Addr }
func (a *SharedArray[T]) pointer() bool   { return true }
