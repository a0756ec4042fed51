package mm

import (
	"errors"
	"sync/atomic"
)

// ErrDoubleRelease is returned when an object is released more times than it
// was acquired.
var ErrDoubleRelease = errors.New("reference released after reaching zero")

// RefCount is an atomic shared-ownership counter. The zero value holds no
// references; owners call Init once before sharing.
type RefCount struct {
	n atomic.Int64
}

// Init sets the count to one.
func (r *RefCount) Init() {
	r.n.Store(1)
}

// Acquire adds a reference. Acquiring a dead object is a bug and returns
// ErrDoubleRelease.
func (r *RefCount) Acquire() error {
	for {
		cur := r.n.Load()
		if cur <= 0 {
			return ErrDoubleRelease
		}
		if r.n.CompareAndSwap(cur, cur+1) {
			return nil
		}
	}
}

// Release drops a reference and reports whether it was the last one.
func (r *RefCount) Release() (last bool, err error) {
	for {
		cur := r.n.Load()
		if cur <= 0 {
			return false, ErrDoubleRelease
		}
		if r.n.CompareAndSwap(cur, cur-1) {
			return cur == 1, nil
		}
	}
}

// Count returns the current number of references.
func (r *RefCount) Count() int64 {
	return r.n.Load()
}
