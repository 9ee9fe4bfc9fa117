// Package stack holds the fixed-size region that carries a child's start
// frame into a process-creation call.
//
// A Region is owned by the launcher and lent to exactly one creation call
// at a time. The frame written into it is everything the child needs to
// set itself up; its size is the hard budget of a sandbox launch.
package stack

import (
	"errors"
	"fmt"
)

// DefaultSize is the default start frame budget (1 MiB).
const DefaultSize = 1 << 20

// MinSize is the smallest region New accepts.
const MinSize = 4 << 10

var (
	ErrRegionBusy = errors.New("stack region already lent to a creation call")
	ErrOverflow   = errors.New("start frame exceeds stack region")
	ErrReleased   = errors.New("stack frame already released")
)

// Region is a fixed-size arena. It is not safe for concurrent use; the
// lend/release discipline guarantees a single consumer.
type Region struct {
	buf  []byte
	lent bool
}

// New allocates a region of size bytes.
func New(size int) (*Region, error) {
	if size < MinSize {
		return nil, fmt.Errorf("stack size %d below minimum %d", size, MinSize)
	}
	return &Region{buf: make([]byte, size)}, nil
}

// Size returns the capacity of the region in bytes.
func (r *Region) Size() int {
	return len(r.buf)
}

// Lent reports whether a frame currently holds the region.
func (r *Region) Lent() bool {
	return r.lent
}

// Lend hands the region to one creation call. The caller must Release the
// frame before the region can be lent again.
func (r *Region) Lend() (*Frame, error) {
	if r.lent {
		return nil, ErrRegionBusy
	}
	r.lent = true
	return &Frame{region: r}, nil
}

// Frame is a lease on a Region. It implements io.Writer so encoders can
// build the start frame in place.
type Frame struct {
	region *Region
	n      int
}

func (f *Frame) Write(p []byte) (int, error) {
	if f.region == nil {
		return 0, ErrReleased
	}
	if len(p) > len(f.region.buf)-f.n {
		return 0, fmt.Errorf("%w (%d bytes)", ErrOverflow, len(f.region.buf))
	}
	copy(f.region.buf[f.n:], p)
	f.n += len(p)
	return len(p), nil
}

// Len returns the number of bytes written so far.
func (f *Frame) Len() int {
	return f.n
}

// Bytes returns the written part of the frame. The slice aliases the
// region and is only valid until Release.
func (f *Frame) Bytes() []byte {
	if f.region == nil {
		return nil
	}
	return f.region.buf[:f.n]
}

// Release clears the written bytes and returns the region to its owner.
// Releasing twice is a no-op.
func (f *Frame) Release() {
	if f.region == nil {
		return
	}
	clear(f.region.buf[:f.n])
	f.region.lent = false
	f.region = nil
	f.n = 0
}
