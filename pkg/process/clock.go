package process

import (
	"fmt"
	"sync"
	"time"
)

// SubsecondsPerSecond is the resolution of a Timestamp.
const SubsecondsPerSecond = 1000000

// Timestamp is an absolute time in seconds plus microseconds since boot.
type Timestamp struct {
	Seconds    uint64
	Subseconds uint64
}

// TimestampOf converts a duration since boot.
func TimestampOf(d time.Duration) Timestamp {
	us := uint64(d / time.Microsecond)
	return Timestamp{Seconds: us / SubsecondsPerSecond, Subseconds: us % SubsecondsPerSecond}
}

// Add returns the timestamp advanced by a relative duration.
func (ts Timestamp) Add(seconds, subseconds uint64) Timestamp {
	sub := ts.Subseconds + subseconds
	return Timestamp{
		Seconds:    ts.Seconds + seconds + sub/SubsecondsPerSecond,
		Subseconds: sub % SubsecondsPerSecond,
	}
}

// Before reports whether ts is strictly earlier than o.
func (ts Timestamp) Before(o Timestamp) bool {
	if ts.Seconds != o.Seconds {
		return ts.Seconds < o.Seconds
	}
	return ts.Subseconds < o.Subseconds
}

// Duration returns the time since boot.
func (ts Timestamp) Duration() time.Duration {
	return time.Duration(ts.Seconds)*time.Second + time.Duration(ts.Subseconds)*time.Microsecond
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d.%06d", ts.Seconds, ts.Subseconds)
}

// Clock is the kernel's time source.
type Clock interface {
	Now() Timestamp
}

// MonotonicClock reads host monotonic time relative to its creation.
type MonotonicClock struct {
	boot time.Time
}

// NewMonotonicClock starts a clock at zero.
func NewMonotonicClock() *MonotonicClock {
	return &MonotonicClock{boot: time.Now()}
}

// Now implements Clock.
func (c *MonotonicClock) Now() Timestamp {
	return TimestampOf(time.Since(c.boot))
}

// ManualClock only moves when told to. Tests use it with Kernel.Tick.
type ManualClock struct {
	mu  sync.Mutex
	now Timestamp
}

// Now implements Clock.
func (c *ManualClock) Now() Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *ManualClock) Advance(d time.Duration) Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	step := TimestampOf(d)
	c.now = c.now.Add(step.Seconds, step.Subseconds)
	return c.now
}

// Set moves the clock to an absolute time.
func (c *ManualClock) Set(ts Timestamp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = ts
}
