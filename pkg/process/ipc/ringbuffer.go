package ipc

import (
	"context"
	"io"
	"sync"

	"kcore/pkg/process"
)

// RingBuffer is a bounded byte FIFO that blocks readers while it is empty and
// writers while it is full. One slot is kept free to tell full from empty, so
// a buffer of size n holds at most n-1 bytes.
//
// Blocking needs the calling task, which Read and Write take from ctx. A
// caller without a task gets process.ErrWouldBlock instead of sleeping.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	rd, wr  int
	discard bool
	softEOF bool
	hungUp  bool
	broken  bool
	dead    bool

	readers *process.WaitQueue
	writers *process.WaitQueue
	alerts  []*process.WaitQueue
}

// NewRingBuffer creates a ring buffer of size bytes whose waiters sleep on
// queues of k.
func NewRingBuffer(k *process.Kernel, size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buf:     make([]byte, size),
		readers: k.NewWaitQueue(),
		writers: k.NewWaitQueue(),
	}
}

// Size returns the capacity in bytes.
func (rb *RingBuffer) Size() int {
	return len(rb.buf) - 1
}

// SetDiscard selects discard mode: writes to a full buffer drop the excess
// instead of blocking.
func (rb *RingBuffer) SetDiscard(discard bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.discard = discard
}

func (rb *RingBuffer) unreadLocked() int {
	if rb.wr >= rb.rd {
		return rb.wr - rb.rd
	}
	return len(rb.buf) - rb.rd + rb.wr
}

func (rb *RingBuffer) availableLocked() int {
	return len(rb.buf) - 1 - rb.unreadLocked()
}

// Unread returns the number of bytes waiting to be read.
func (rb *RingBuffer) Unread() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.unreadLocked()
}

// Available returns the free space in bytes.
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.availableLocked()
}

// Read copies up to len(p) bytes out of the buffer. While the buffer is
// empty it blocks until data arrives, the end-of-file mark is set, or the
// wait is interrupted. A one-shot end-of-file mark and a hung-up buffer both
// read as io.EOF.
func (rb *RingBuffer) Read(ctx context.Context, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	t, haveTask := process.FromContext(ctx)

	rb.mu.Lock()
	for rb.unreadLocked() == 0 {
		if rb.softEOF {
			rb.softEOF = false
			rb.mu.Unlock()
			return 0, io.EOF
		}
		if rb.dead {
			rb.mu.Unlock()
			return 0, process.ErrBrokenResource
		}
		if rb.hungUp {
			rb.mu.Unlock()
			return 0, io.EOF
		}
		if !haveTask {
			rb.mu.Unlock()
			return 0, process.ErrWouldBlock
		}
		if t.SleepOnUnlocking(rb.readers, &rb.mu) {
			if rb.isDead() {
				return 0, process.ErrBrokenResource
			}
			return 0, process.ErrInterrupted
		}
		rb.mu.Lock()
	}

	n := 0
	for n < len(p) && rb.unreadLocked() > 0 {
		p[n] = rb.buf[rb.rd]
		rb.rd = (rb.rd + 1) % len(rb.buf)
		n++
	}
	rb.mu.Unlock()

	rb.writers.Wakeup()
	rb.alert()
	return n, nil
}

// Write copies p into the buffer, blocking while it is full until all of p
// is written. In discard mode whatever does not fit is dropped and the full
// length is reported. A write interrupted after some bytes went in returns
// the count written so far.
func (rb *RingBuffer) Write(ctx context.Context, p []byte) (int, error) {
	t, haveTask := process.FromContext(ctx)

	written := 0
	rb.mu.Lock()
	for {
		if rb.broken || rb.dead {
			rb.mu.Unlock()
			return written, process.ErrBrokenResource
		}
		for written < len(p) && rb.availableLocked() > 0 {
			rb.buf[rb.wr] = p[written]
			rb.wr = (rb.wr + 1) % len(rb.buf)
			written++
		}
		if written == len(p) {
			break
		}
		if rb.discard {
			rb.mu.Unlock()
			rb.readers.Wakeup()
			rb.alert()
			return len(p), nil
		}
		if !haveTask {
			rb.mu.Unlock()
			if written > 0 {
				rb.readers.Wakeup()
				rb.alert()
			}
			return written, process.ErrWouldBlock
		}

		rb.readers.Wakeup()
		rb.alertLocked()
		if t.SleepOnUnlocking(rb.writers, &rb.mu) {
			switch {
			case rb.isDead():
				return written, process.ErrBrokenResource
			case written > 0:
				return written, nil
			}
			return 0, process.ErrInterrupted
		}
		rb.mu.Lock()
	}
	rb.mu.Unlock()

	rb.readers.Wakeup()
	rb.alert()
	return written, nil
}

// Interrupt breaks every blocked reader and writer out of its wait with
// process.ErrInterrupted. The buffer itself is unchanged.
func (rb *RingBuffer) Interrupt() {
	rb.readers.WakeupInterrupted()
	rb.writers.WakeupInterrupted()
}

// MarkEOF makes the next read of an empty buffer return io.EOF once.
func (rb *RingBuffer) MarkEOF() {
	rb.mu.Lock()
	rb.softEOF = true
	rb.mu.Unlock()
	rb.readers.Wakeup()
	rb.writers.Wakeup()
	rb.alert()
}

// Hangup records that no writer is left. Readers drain what is buffered and
// then see io.EOF.
func (rb *RingBuffer) Hangup() {
	rb.mu.Lock()
	rb.hungUp = true
	rb.mu.Unlock()
	rb.readers.Wakeup()
	rb.alert()
}

// Break records that no reader is left. Writers fail with
// process.ErrBrokenResource.
func (rb *RingBuffer) Break() {
	rb.mu.Lock()
	rb.broken = true
	rb.mu.Unlock()
	rb.writers.Wakeup()
	rb.alert()
}

// Revive clears Hangup and Break, for a FIFO opened again after its last
// reader or writer went away.
func (rb *RingBuffer) Revive() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.hungUp = false
	rb.broken = false
}

// Destroy tears the buffer down. Every blocked reader and writer is woken
// and fails with process.ErrBrokenResource, as does any later write or any
// read of an empty buffer.
func (rb *RingBuffer) Destroy() {
	rb.mu.Lock()
	rb.dead = true
	rb.mu.Unlock()
	rb.Interrupt()
	rb.alert()
}

func (rb *RingBuffer) isDead() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.dead
}

// Alert registers q to be woken on the next change of the buffer. The
// registration is consumed by that wakeup.
func (rb *RingBuffer) Alert(q *process.WaitQueue) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.alerts = append(rb.alerts, q)
}

func (rb *RingBuffer) alert() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.alertLocked()
}

func (rb *RingBuffer) alertLocked() {
	alerts := rb.alerts
	rb.alerts = nil
	for _, q := range alerts {
		q.Wakeup()
	}
}
