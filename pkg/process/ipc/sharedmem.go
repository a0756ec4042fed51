package ipc

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"kcore/pkg/mm"
	"kcore/pkg/process"
	"kcore/pkg/vfs"
)

// Shared memory errors.
var (
	ErrSegNotFound = errors.New("shared memory segment not found")
	ErrInvalidSize = errors.New("invalid segment size")
	ErrInvalidPath = errors.New("invalid segment path")
)

// shmNode is a namespace node. Any node may own a chunk; intermediate nodes
// are created on demand and never removed.
type shmNode struct {
	name     string
	children map[string]*shmNode
	chunk    *chunk
}

func newShmNode(name string) *shmNode {
	return &shmNode{name: name, children: make(map[string]*shmNode)}
}

// chunk is a fixed set of frames shared by every process that obtained it.
type chunk struct {
	frames []mm.Frame
	refs   int
}

func (c *chunk) size() uint64 {
	return uint64(len(c.frames)) * mm.PageSize
}

// Mapping is one process's view of a chunk: a contiguous virtual range backed
// by the chunk's frames in order.
type Mapping struct {
	Path string
	Addr uint64
	Size uint64

	chunk *chunk
}

// End returns the first address past the mapping.
func (m *Mapping) End() uint64 {
	return m.Addr + m.Size
}

// SegmentInfo describes a chunk for inspection.
type SegmentInfo struct {
	Path   string
	Size   uint64
	Refs   int
	Frames []mm.Frame
}

// SharedMemory is the shared-memory subsystem: a namespace of named chunks
// and the per-thread-group mapping lists. One lock covers all of it.
type SharedMemory struct {
	k   *process.Kernel
	mem mm.Memory

	mu       sync.Mutex
	root     *shmNode
	mappings map[int][]*Mapping // by thread-group id, sorted by address
}

// NewSharedMemory creates the subsystem for k and registers the exit and
// exec hooks that drop a process's mappings.
func NewSharedMemory(k *process.Kernel) *SharedMemory {
	s := &SharedMemory{
		k:        k,
		mem:      k.Memory(),
		root:     newShmNode(""),
		mappings: make(map[int][]*Mapping),
	}
	k.OnExit(s.ReleaseAll)
	k.OnExec(s.ReleaseAll)
	return s
}

func (s *SharedMemory) lookupLocked(components []string, create bool) *shmNode {
	n := s.root
	for _, name := range components {
		child, ok := n.children[name]
		if !ok {
			if !create {
				return nil
			}
			child = newShmNode(name)
			n.children[name] = child
		}
		n = child
	}
	return n
}

// space returns the address space that mappings of p's thread group live in.
func (s *SharedMemory) space(p *process.Process) *mm.AddressSpace {
	if p.Group != p.PID {
		if leader := s.k.Table().Lookup(p.Group); leader != nil {
			if space := leader.AddressSpace(); space != nil {
				return space
			}
		}
	}
	return p.AddressSpace()
}

// Obtain maps the chunk at path into the caller's thread group, creating the
// chunk on first use with size rounded up to whole frames. It returns the
// virtual address of the mapping and the chunk's actual size.
func (s *SharedMemory) Obtain(t *process.Task, path string, size uint64) (addr, actual uint64, err error) {
	err = t.Syscall(process.SysShmObtain, func() error {
		var err error
		addr, actual, err = s.obtain(t.Process(), path, size)
		return err
	})
	return addr, actual, err
}

func (s *SharedMemory) obtain(p *process.Process, path string, size uint64) (uint64, uint64, error) {
	components := vfs.Components(path)
	if len(components) == 0 {
		return 0, 0, fmt.Errorf("shm %q: %w", path, ErrInvalidPath)
	}
	key := strings.Join(components, "/")
	space := s.space(p)
	if space == nil {
		return 0, 0, fmt.Errorf("shm %s: %w", key, process.ErrInvalidState)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.lookupLocked(components, true)
	c := node.chunk
	created := false
	if c == nil {
		if size == 0 {
			return 0, 0, fmt.Errorf("shm %s: %w", key, ErrInvalidSize)
		}
		n := int((size + mm.PageSize - 1) / mm.PageSize)
		if err := p.CheckPages(n); err != nil {
			return 0, 0, fmt.Errorf("shm %s: %w", key, err)
		}
		frames, err := s.allocate(n)
		if err != nil {
			return 0, 0, fmt.Errorf("shm %s: %w", key, err)
		}
		c = &chunk{frames: frames}
		created = true
	} else if err := p.CheckPages(len(c.frames)); err != nil {
		return 0, 0, fmt.Errorf("shm %s: %w", key, err)
	}

	maps := s.mappings[p.Group]
	vaddr := findGap(maps, c.size(), space)
	if err := mapFrames(space, vaddr, c.frames); err != nil {
		if created {
			s.free(c.frames)
		}
		return 0, 0, fmt.Errorf("shm %s: %w", key, err)
	}

	c.refs++
	node.chunk = c
	m := &Mapping{Path: key, Addr: vaddr, Size: c.size(), chunk: c}
	i := sort.Search(len(maps), func(i int) bool { return maps[i].Addr > vaddr })
	maps = append(maps, nil)
	copy(maps[i+1:], maps[i:])
	maps[i] = m
	s.mappings[p.Group] = maps
	return vaddr, c.size(), nil
}

// findGap returns the lowest address at or above mm.ShmLow where size bytes
// fit between the existing mappings, or extends the shm heap.
func findGap(maps []*Mapping, size uint64, space *mm.AddressSpace) uint64 {
	last := mm.ShmLow
	for _, m := range maps {
		if m.Addr >= last && m.Addr-last >= size {
			return last
		}
		if m.End() > last {
			last = m.End()
		}
	}
	if heap := space.ShmHeap(); heap > last && heap-last >= size {
		return last
	}
	return space.Sbrk(int(size / mm.PageSize))
}

func mapFrames(space *mm.AddressSpace, vaddr uint64, frames []mm.Frame) error {
	for i, f := range frames {
		if err := space.Map(vaddr+uint64(i)*mm.PageSize, f, true); err != nil {
			for j := 0; j < i; j++ {
				space.Unmap(vaddr + uint64(j)*mm.PageSize)
			}
			return err
		}
	}
	return nil
}

func unmapRange(space *mm.AddressSpace, m *Mapping) {
	for off := uint64(0); off < m.Size; off += mm.PageSize {
		space.Unmap(m.Addr + off)
	}
}

func (s *SharedMemory) allocate(n int) ([]mm.Frame, error) {
	frames := make([]mm.Frame, 0, n)
	for i := 0; i < n; i++ {
		f, err := s.mem.AllocateFrame()
		if err != nil {
			s.free(frames)
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func (s *SharedMemory) free(frames []mm.Frame) {
	for _, f := range frames {
		if err := s.mem.ReleaseFrame(f); err != nil {
			s.k.Logger().Printf("shm: release frame %d: %v", f, err)
		}
	}
}

// dropLocked removes a reference to the chunk of m, freeing it with the last.
func (s *SharedMemory) dropLocked(m *Mapping) {
	c := m.chunk
	c.refs--
	if c.refs > 0 {
		return
	}
	s.free(c.frames)
	if node := s.lookupLocked(strings.Split(m.Path, "/"), false); node != nil && node.chunk == c {
		node.chunk = nil
	}
}

// Release unmaps the caller's thread group's mapping of path and drops its
// reference to the chunk.
func (s *SharedMemory) Release(t *process.Task, path string) error {
	return t.Syscall(process.SysShmRelease, func() error {
		return s.release(t.Process(), path)
	})
}

func (s *SharedMemory) release(p *process.Process, path string) error {
	components := vfs.Components(path)
	key := strings.Join(components, "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.lookupLocked(components, false)
	if len(components) == 0 || node == nil || node.chunk == nil {
		return fmt.Errorf("shm %s: %w", key, process.ErrNotFound)
	}
	maps := s.mappings[p.Group]
	idx := -1
	for i, m := range maps {
		if m.chunk == node.chunk {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("shm %s: %w", key, process.ErrNotFound)
	}

	m := maps[idx]
	if space := s.space(p); space != nil {
		unmapRange(space, m)
	}
	maps = append(maps[:idx], maps[idx+1:]...)
	if len(maps) == 0 {
		delete(s.mappings, p.Group)
	} else {
		s.mappings[p.Group] = maps
	}
	s.dropLocked(m)
	return nil
}

// ReleaseAll drops every mapping of p's thread group. It runs when the group
// leader exits or execs, and when any thread exits holding the last
// reference to the group's address space; other threads leave the mappings
// in place. The address space is only unmapped when someone else still
// holds it.
func (s *SharedMemory) ReleaseAll(p *process.Process) {
	space := p.AddressSpace()
	if p.Group != p.PID && (space == nil || space.Refs() > 1) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	maps := s.mappings[p.Group]
	delete(s.mappings, p.Group)
	for _, m := range maps {
		if space != nil && space.Refs() > 1 {
			unmapRange(space, m)
		}
		s.dropLocked(m)
	}
}

// Mappings returns copies of the mappings of thread group pid in address
// order.
func (s *SharedMemory) Mappings(pid int) []Mapping {
	s.mu.Lock()
	defer s.mu.Unlock()

	maps := s.mappings[pid]
	out := make([]Mapping, len(maps))
	for i, m := range maps {
		out[i] = Mapping{Path: m.Path, Addr: m.Addr, Size: m.Size}
	}
	return out
}

// Stat describes the chunk at path.
func (s *SharedMemory) Stat(path string) (SegmentInfo, error) {
	components := vfs.Components(path)
	key := strings.Join(components, "/")

	s.mu.Lock()
	defer s.mu.Unlock()

	node := s.lookupLocked(components, false)
	if len(components) == 0 || node == nil || node.chunk == nil {
		return SegmentInfo{}, fmt.Errorf("shm %s: %w", key, ErrSegNotFound)
	}
	c := node.chunk
	return SegmentInfo{
		Path:   key,
		Size:   c.size(),
		Refs:   c.refs,
		Frames: append([]mm.Frame(nil), c.frames...),
	}, nil
}

// Segments returns the paths that currently own a chunk, sorted.
func (s *SharedMemory) Segments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var paths []string
	var walk func(n *shmNode, prefix string)
	walk = func(n *shmNode, prefix string) {
		if n.chunk != nil {
			paths = append(paths, prefix)
		}
		for name, child := range n.children {
			walk(child, prefix+"/"+name)
		}
	}
	for name, child := range s.root.children {
		walk(child, name)
	}
	sort.Strings(paths)
	return paths
}
