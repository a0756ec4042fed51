package mm

import (
	"errors"
	"fmt"
	"sync"
)

// PageSize is the size of a physical frame and of a virtual page.
const PageSize = 4096

// Frame errors.
var (
	ErrOutOfMemory  = errors.New("out of physical memory")
	ErrInvalidFrame = errors.New("invalid frame")
	ErrFrameFree    = errors.New("frame is not allocated")
)

// Frame is a physical frame number.
type Frame uint64

// Address returns the physical address of the start of the frame.
func (f Frame) Address() uint64 {
	return uint64(f) * PageSize
}

// FrameAllocator hands out physical frames.
type FrameAllocator interface {
	// AllocateFrame returns a zeroed frame or ErrOutOfMemory.
	AllocateFrame() (Frame, error)
	// ReleaseFrame returns a frame to the allocator.
	ReleaseFrame(f Frame) error
}

// PhysicalMemory is a free-list frame allocator over simulated RAM.
type PhysicalMemory struct {
	mu       sync.Mutex
	pages    [][]byte
	used     []bool
	freelist []Frame
}

// NewPhysicalMemory creates physical memory with the given number of frames.
func NewPhysicalMemory(frames int) *PhysicalMemory {
	m := &PhysicalMemory{
		pages:    make([][]byte, frames),
		used:     make([]bool, frames),
		freelist: make([]Frame, 0, frames),
	}
	// Push in reverse so low frames are handed out first.
	for i := frames - 1; i >= 0; i-- {
		m.freelist = append(m.freelist, Frame(i))
	}
	return m
}

// AllocateFrame pops a frame off the free list and zeroes it.
func (m *PhysicalMemory) AllocateFrame() (Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.freelist)
	if n == 0 {
		return 0, ErrOutOfMemory
	}
	f := m.freelist[n-1]
	m.freelist = m.freelist[:n-1]
	m.used[f] = true

	if m.pages[f] == nil {
		m.pages[f] = make([]byte, PageSize)
	} else {
		clear(m.pages[f])
	}
	return f, nil
}

// ReleaseFrame pushes a frame back on the free list.
func (m *PhysicalMemory) ReleaseFrame(f Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(f) >= len(m.used) {
		return fmt.Errorf("release frame %d: %w", f, ErrInvalidFrame)
	}
	if !m.used[f] {
		return fmt.Errorf("release frame %d: %w", f, ErrFrameFree)
	}
	m.used[f] = false
	m.freelist = append(m.freelist, f)
	return nil
}

// Page returns the backing bytes of an allocated frame.
func (m *PhysicalMemory) Page(f Frame) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(f) >= len(m.used) {
		return nil, ErrInvalidFrame
	}
	if !m.used[f] {
		return nil, ErrFrameFree
	}
	return m.pages[f], nil
}

// CopyFrame copies the contents of src into dst.
func (m *PhysicalMemory) CopyFrame(dst, src Frame) error {
	from, err := m.Page(src)
	if err != nil {
		return err
	}
	to, err := m.Page(dst)
	if err != nil {
		return err
	}
	copy(to, from)
	return nil
}

// Free returns the number of unallocated frames.
func (m *PhysicalMemory) Free() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.freelist)
}

// Total returns the number of frames managed.
func (m *PhysicalMemory) Total() int {
	return len(m.used)
}
