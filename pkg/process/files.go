package process

import (
	"context"
	"fmt"
	"sync"

	"kcore/pkg/mm"
	"kcore/pkg/vfs"
)

// OpenFile is an open file description: a node, the open flags and the
// shared offset. Descriptors duplicated by dup2 or inherited by fork refer
// to the same OpenFile.
type OpenFile struct {
	Node  vfs.Node
	Flags int

	mu     sync.Mutex
	offset int64
	refs   mm.RefCount
}

// NewOpenFile wraps an opened node. The caller holds the only reference.
func NewOpenFile(node vfs.Node, flags int) *OpenFile {
	f := &OpenFile{Node: node, Flags: flags}
	f.refs.Init()
	return f
}

// Read reads at the current offset and advances it. The node may block the
// task carried by ctx.
func (f *OpenFile) Read(ctx context.Context, p []byte) (int, error) {
	if !vfs.Readable(f.Flags) {
		return 0, ErrBadDescriptor
	}
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()

	n, err := f.Node.Read(ctx, p, off)
	if n > 0 {
		f.mu.Lock()
		f.offset += int64(n)
		f.mu.Unlock()
	}
	return n, err
}

// Write writes at the current offset, or at the end with O_APPEND.
func (f *OpenFile) Write(ctx context.Context, p []byte) (int, error) {
	if !vfs.Writable(f.Flags) {
		return 0, ErrBadDescriptor
	}
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()
	if f.Flags&vfs.O_APPEND != 0 {
		if info, err := f.Node.Stat(); err == nil {
			off = info.Size
		}
	}

	n, err := f.Node.Write(ctx, p, off)
	if n > 0 {
		f.mu.Lock()
		f.offset = off + int64(n)
		f.mu.Unlock()
	}
	return n, err
}

// Offset returns the current file offset.
func (f *OpenFile) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}

func (f *OpenFile) acquire() error {
	return f.refs.Acquire()
}

// release drops a reference and closes the node with the last one.
func (f *OpenFile) release() error {
	last, err := f.refs.Release()
	if err != nil || !last {
		return err
	}
	return vfs.CloseNode(f.Node, f.Flags)
}

// FileTable is a descriptor table. Fork copies it; clone shares it.
type FileTable struct {
	refs mm.RefCount

	mu  sync.Mutex
	fds []*OpenFile
	max int
}

// NewFileTable creates an empty table holding at most max descriptors
// (0 means 64).
func NewFileTable(max int) *FileTable {
	if max <= 0 {
		max = 64
	}
	ft := &FileTable{max: max}
	ft.refs.Init()
	return ft
}

// Install puts f in the lowest free slot and returns the descriptor. The
// table takes over the caller's reference.
func (ft *FileTable) Install(f *OpenFile) (int, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for fd, cur := range ft.fds {
		if cur == nil {
			ft.fds[fd] = f
			return fd, nil
		}
	}
	if len(ft.fds) >= ft.max {
		return -1, fmt.Errorf("%w: %w", ErrTooManyFiles,
			&LimitError{Type: ResourceFiles, Limit: int64(ft.max), Used: int64(len(ft.fds) + 1)})
	}
	ft.fds = append(ft.fds, f)
	return len(ft.fds) - 1, nil
}

// Get returns the open file for fd.
func (ft *FileTable) Get(fd int) (*OpenFile, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	if fd < 0 || fd >= len(ft.fds) || ft.fds[fd] == nil {
		return nil, fmt.Errorf("fd %d: %w", fd, ErrBadDescriptor)
	}
	return ft.fds[fd], nil
}

// Close frees the descriptor.
func (ft *FileTable) Close(fd int) error {
	ft.mu.Lock()
	if fd < 0 || fd >= len(ft.fds) || ft.fds[fd] == nil {
		ft.mu.Unlock()
		return fmt.Errorf("fd %d: %w", fd, ErrBadDescriptor)
	}
	f := ft.fds[fd]
	ft.fds[fd] = nil
	ft.mu.Unlock()
	return f.release()
}

// Dup2 makes newfd refer to the same open file as oldfd, closing whatever
// newfd referred to before.
func (ft *FileTable) Dup2(oldfd, newfd int) (int, error) {
	if newfd < 0 || newfd >= ft.max {
		return -1, fmt.Errorf("fd %d: %w", newfd, ErrBadDescriptor)
	}
	ft.mu.Lock()
	if oldfd < 0 || oldfd >= len(ft.fds) || ft.fds[oldfd] == nil {
		ft.mu.Unlock()
		return -1, fmt.Errorf("fd %d: %w", oldfd, ErrBadDescriptor)
	}
	f := ft.fds[oldfd]
	if oldfd == newfd {
		ft.mu.Unlock()
		return newfd, nil
	}
	if err := f.acquire(); err != nil {
		ft.mu.Unlock()
		return -1, err
	}
	for len(ft.fds) <= newfd {
		ft.fds = append(ft.fds, nil)
	}
	old := ft.fds[newfd]
	ft.fds[newfd] = f
	ft.mu.Unlock()

	if old != nil {
		if err := old.release(); err != nil {
			return newfd, err
		}
	}
	return newfd, nil
}

// Len returns the number of open descriptors.
func (ft *FileTable) Len() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, f := range ft.fds {
		if f != nil {
			n++
		}
	}
	return n
}

// Clone returns a new table whose descriptors refer to the same open files.
func (ft *FileTable) Clone() *FileTable {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	c := &FileTable{max: ft.max, fds: make([]*OpenFile, len(ft.fds))}
	c.refs.Init()
	for fd, f := range ft.fds {
		if f != nil && f.acquire() == nil {
			c.fds[fd] = f
		}
	}
	return c
}

// Acquire adds a sharer of the table.
func (ft *FileTable) Acquire() error {
	return ft.refs.Acquire()
}

// Release drops a sharer; the last one closes every descriptor.
func (ft *FileTable) Release() error {
	last, err := ft.refs.Release()
	if err != nil || !last {
		return err
	}

	ft.mu.Lock()
	fds := ft.fds
	ft.fds = nil
	ft.mu.Unlock()

	var firstErr error
	for _, f := range fds {
		if f == nil {
			continue
		}
		if err := f.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
