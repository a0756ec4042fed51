package ipc

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"kcore/pkg/process"
	"kcore/pkg/vfs"
)

// Named pipe errors.
var (
	ErrPipeNotFound = errors.New("named pipe not found")
	ErrNotLinkable  = errors.New("directory cannot hold a named pipe")
)

// Linker is implemented by directories that can hold an existing node.
type Linker interface {
	Link(name string, node vfs.Node) error
}

// Unlinker is implemented by directories that can drop an entry.
type Unlinker interface {
	Unlink(name string) error
}

// FIFORegistry tracks the named pipes created with Mkfifo, keyed by absolute
// path. The pipes themselves live in the filesystem and are opened through
// Task.Open like any other node.
type FIFORegistry struct {
	mu    sync.RWMutex
	pipes map[string]*Pipe
}

// NewFIFORegistry creates an empty registry.
func NewFIFORegistry() *FIFORegistry {
	return &FIFORegistry{pipes: make(map[string]*Pipe)}
}

// Mkfifo creates a named pipe at path, relative to the caller's working
// directory.
func (r *FIFORegistry) Mkfifo(t *process.Task, path string, perm os.FileMode) error {
	return t.Syscall(process.SysMkfifo, func() error {
		k := t.Kernel()
		abs := vfs.Abs(path, t.Process().Cwd())
		dir, name, err := vfs.ResolveParent(k.Root(), abs)
		if err != nil {
			return err
		}
		if _, err := dir.FindChild(name); err == nil {
			return fmt.Errorf("mkfifo %s: %w", abs, vfs.ErrExists)
		}
		linker, ok := dir.(Linker)
		if !ok {
			return fmt.Errorf("mkfifo %s: %w", abs, ErrNotLinkable)
		}

		p := NewPipe(k, name)
		p.NodeMode = os.ModeNamedPipe | perm.Perm()
		if err := linker.Link(name, p); err != nil {
			return fmt.Errorf("mkfifo %s: %w", abs, err)
		}

		r.mu.Lock()
		r.pipes[abs] = p
		r.mu.Unlock()
		return nil
	})
}

// Get returns the named pipe at the absolute path.
func (r *FIFORegistry) Get(path string) (*Pipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pipes[vfs.Clean(path)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrPipeNotFound)
	}
	return p, nil
}

// Remove unlinks the named pipe at the absolute path and destroys its
// buffer, failing any reader or writer still blocked on it.
func (r *FIFORegistry) Remove(root vfs.Node, path string) error {
	abs := vfs.Clean(path)
	r.mu.Lock()
	p, ok := r.pipes[abs]
	if ok {
		delete(r.pipes, abs)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", path, ErrPipeNotFound)
	}

	dir, name, err := vfs.ResolveParent(root, abs)
	if err == nil {
		if u, ok := dir.(Unlinker); ok {
			err = u.Unlink(name)
		}
	}
	p.rb.Destroy()
	return err
}

// List returns the paths of all named pipes, sorted.
func (r *FIFORegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	paths := make([]string, 0, len(r.pipes))
	for path := range r.pipes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Count returns the number of named pipes.
func (r *FIFORegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pipes)
}
