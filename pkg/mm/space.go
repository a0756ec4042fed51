package mm

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ShmLow is the lowest virtual address used for shared-memory mappings.
const ShmLow uint64 = 0x200000000

// Address space errors.
var (
	ErrUnaligned     = errors.New("address is not page aligned")
	ErrAlreadyMapped = errors.New("page already mapped")
	ErrNotMapped     = errors.New("page not mapped")
	ErrFault         = errors.New("page fault")
)

// Memory is the physical memory an address space maps frames from.
type Memory interface {
	FrameAllocator
	Page(f Frame) ([]byte, error)
	CopyFrame(dst, src Frame) error
}

type pte struct {
	frame  Frame
	shared bool
}

// AddressSpace is a reference-counted page table. Pages flagged as shared
// belong to someone else (a shared-memory chunk) and are never freed or
// copied by the address space itself.
type AddressSpace struct {
	mem     Memory
	refs    RefCount
	mu      sync.Mutex
	pages   map[uint64]pte
	shmHeap uint64
}

// NewAddressSpace creates an empty address space holding one reference.
func NewAddressSpace(mem Memory) *AddressSpace {
	as := &AddressSpace{
		mem:     mem,
		pages:   make(map[uint64]pte),
		shmHeap: ShmLow,
	}
	as.refs.Init()
	return as
}

// Acquire takes an additional reference, as clone does.
func (as *AddressSpace) Acquire() error {
	return as.refs.Acquire()
}

// Release drops a reference. Dropping the last one returns every private
// frame to physical memory.
func (as *AddressSpace) Release() error {
	last, err := as.refs.Release()
	if err != nil {
		return err
	}
	if !last {
		return nil
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	var firstErr error
	for vpage, e := range as.pages {
		if !e.shared {
			if err := as.mem.ReleaseFrame(e.frame); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		delete(as.pages, vpage)
	}
	return firstErr
}

// Refs returns the number of holders of this address space.
func (as *AddressSpace) Refs() int64 {
	return as.refs.Count()
}

// Map installs a page mapping vaddr to frame.
func (as *AddressSpace) Map(vaddr uint64, f Frame, shared bool) error {
	if vaddr%PageSize != 0 {
		return fmt.Errorf("map %#x: %w", vaddr, ErrUnaligned)
	}
	as.mu.Lock()
	defer as.mu.Unlock()

	vpage := vaddr / PageSize
	if _, ok := as.pages[vpage]; ok {
		return fmt.Errorf("map %#x: %w", vaddr, ErrAlreadyMapped)
	}
	as.pages[vpage] = pte{frame: f, shared: shared}
	return nil
}

// Unmap removes the mapping for vaddr and returns the frame it pointed at.
// The frame is not released.
func (as *AddressSpace) Unmap(vaddr uint64) (Frame, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	vpage := vaddr / PageSize
	e, ok := as.pages[vpage]
	if !ok {
		return 0, fmt.Errorf("unmap %#x: %w", vaddr, ErrNotMapped)
	}
	delete(as.pages, vpage)
	return e.frame, nil
}

// MapAnonymous backs n pages starting at vaddr with fresh private frames.
func (as *AddressSpace) MapAnonymous(vaddr uint64, n int) error {
	for i := 0; i < n; i++ {
		f, err := as.mem.AllocateFrame()
		if err != nil {
			return err
		}
		if err := as.Map(vaddr+uint64(i)*PageSize, f, false); err != nil {
			as.mem.ReleaseFrame(f)
			return err
		}
	}
	return nil
}

// Translate returns the frame backing vaddr.
func (as *AddressSpace) Translate(vaddr uint64) (Frame, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e, ok := as.pages[vaddr/PageSize]
	return e.frame, ok
}

// ReadAt copies len(p) bytes starting at virtual address vaddr into p.
func (as *AddressSpace) ReadAt(p []byte, vaddr uint64) (int, error) {
	return as.access(p, vaddr, false)
}

// WriteAt copies p into the address space starting at vaddr.
func (as *AddressSpace) WriteAt(p []byte, vaddr uint64) (int, error) {
	return as.access(p, vaddr, true)
}

func (as *AddressSpace) access(p []byte, vaddr uint64, write bool) (int, error) {
	done := 0
	for done < len(p) {
		addr := vaddr + uint64(done)
		f, ok := as.Translate(addr)
		if !ok {
			return done, fmt.Errorf("access %#x: %w", addr, ErrFault)
		}
		page, err := as.mem.Page(f)
		if err != nil {
			return done, err
		}
		off := addr % PageSize
		var n int
		if write {
			n = copy(page[off:], p[done:])
		} else {
			n = copy(p[done:], page[off:])
		}
		done += n
	}
	return done, nil
}

// Clone returns a private copy for fork. Private pages are duplicated into
// new frames; shared pages are left out since the child does not inherit the
// parent's shared-memory mappings.
func (as *AddressSpace) Clone() (*AddressSpace, error) {
	as.mu.Lock()
	vpages := make([]uint64, 0, len(as.pages))
	for vpage, e := range as.pages {
		if !e.shared {
			vpages = append(vpages, vpage)
		}
	}
	sort.Slice(vpages, func(i, j int) bool { return vpages[i] < vpages[j] })
	entries := make([]pte, len(vpages))
	for i, vpage := range vpages {
		entries[i] = as.pages[vpage]
	}
	heap := as.shmHeap
	as.mu.Unlock()

	child := NewAddressSpace(as.mem)
	child.shmHeap = heap
	for i, vpage := range vpages {
		f, err := as.mem.AllocateFrame()
		if err != nil {
			child.Release()
			return nil, err
		}
		child.pages[vpage] = pte{frame: f}
		if err := as.mem.CopyFrame(f, entries[i].frame); err != nil {
			child.Release()
			return nil, err
		}
	}
	return child, nil
}

// ShmHeap returns the current top of the shared-memory heap.
func (as *AddressSpace) ShmHeap() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.shmHeap
}

// Sbrk extends the shared-memory heap by n pages and returns the old top.
func (as *AddressSpace) Sbrk(n int) uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()

	if rem := as.shmHeap % PageSize; rem != 0 {
		as.shmHeap += PageSize - rem
	}
	start := as.shmHeap
	as.shmHeap += uint64(n) * PageSize
	return start
}

// Len returns the number of mapped pages.
func (as *AddressSpace) Len() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.pages)
}
