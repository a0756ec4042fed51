// Package memfs provides in-memory directory and regular-file nodes.
// It backs the root filesystem of the kernel.
package memfs

import (
	"context"
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"kcore/pkg/vfs"
)

// umask is the default umask for new nodes.
var umask os.FileMode = 022

// Dir is a directory node.
type Dir struct {
	vfs.BaseNode
	mu       sync.RWMutex
	children map[string]vfs.Node
	mtime    time.Time
}

// New creates an empty root directory.
func New() *Dir {
	return NewDir("/", 0755)
}

// NewDir creates an empty directory node.
func NewDir(name string, perm os.FileMode) *Dir {
	return &Dir{
		BaseNode: vfs.BaseNode{NodeName: name, NodeMode: vfs.ModeDir | perm&^umask},
		children: make(map[string]vfs.Node),
		mtime:    time.Now(),
	}
}

// FindChild implements vfs.Node.
func (d *Dir) FindChild(name string) (vfs.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	child, ok := d.children[name]
	if !ok {
		return nil, vfs.ErrNotFound
	}
	return child, nil
}

// MakeDirectory implements vfs.Node.
func (d *Dir) MakeDirectory(name string, perm os.FileMode) (vfs.Node, error) {
	child := NewDir(name, perm)
	if err := d.Link(name, child); err != nil {
		return nil, err
	}
	return child, nil
}

// Create implements vfs.Node.
func (d *Dir) Create(name string, perm os.FileMode) (vfs.Node, error) {
	child := NewFile(name, perm)
	if err := d.Link(name, child); err != nil {
		return nil, err
	}
	return child, nil
}

// Link installs an existing node (a device or FIFO) under name.
func (d *Dir) Link(name string, node vfs.Node) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.children[name]; ok {
		return vfs.ErrExists
	}
	d.children[name] = node
	d.mtime = time.Now()
	return nil
}

// Unlink removes the entry for name.
func (d *Dir) Unlink(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.children[name]; !ok {
		return vfs.ErrNotFound
	}
	delete(d.children, name)
	d.mtime = time.Now()
	return nil
}

// Entries returns the names in the directory, sorted.
func (d *Dir) Entries() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.children))
	for name := range d.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Read implements vfs.Node.
func (d *Dir) Read(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, vfs.ErrIsDirectory
}

// Write implements vfs.Node.
func (d *Dir) Write(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, vfs.ErrIsDirectory
}

// Stat implements vfs.Node.
func (d *Dir) Stat() (vfs.FileInfo, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return vfs.FileInfo{
		Name:    d.NodeName,
		Mode:    d.NodeMode,
		ModTime: d.mtime,
		IsDir:   true,
	}, nil
}

// File is a regular file node.
type File struct {
	vfs.BaseNode
	mu    sync.RWMutex
	data  []byte
	mtime time.Time
}

// NewFile creates an empty regular file node.
func NewFile(name string, perm os.FileMode) *File {
	return &File{
		BaseNode: vfs.BaseNode{NodeName: name, NodeMode: perm &^ umask},
		mtime:    time.Now(),
	}
}

// Open implements vfs.Node.
func (f *File) Open(flags int) error {
	if flags&vfs.O_TRUNC != 0 && vfs.Writable(flags) {
		f.mu.Lock()
		f.data = nil
		f.mtime = time.Now()
		f.mu.Unlock()
	}
	return nil
}

// Read implements vfs.Node.
func (f *File) Read(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	return copy(p, f.data[off:]), nil
}

// Write implements vfs.Node.
func (f *File) Write(ctx context.Context, p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	f.mtime = time.Now()
	return len(p), nil
}

// Stat implements vfs.Node.
func (f *File) Stat() (vfs.FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return vfs.FileInfo{
		Name:    f.NodeName,
		Size:    int64(len(f.data)),
		Mode:    f.NodeMode,
		ModTime: f.mtime,
	}, nil
}

// MkdirAll creates every directory along path under root.
func MkdirAll(root vfs.Node, path string, perm os.FileMode) (vfs.Node, error) {
	node := root
	for _, name := range vfs.Components(path) {
		child, err := node.FindChild(name)
		if errors.Is(err, vfs.ErrNotFound) {
			child, err = node.MakeDirectory(name, perm)
		}
		if err != nil {
			return nil, err
		}
		node = child
	}
	return node, nil
}

// WriteFile creates or replaces the file at path with data.
func WriteFile(root vfs.Node, path string, data []byte, perm os.FileMode) error {
	dir, name, err := vfs.ResolveParent(root, path)
	if err != nil {
		return err
	}
	node, err := dir.FindChild(name)
	if errors.Is(err, vfs.ErrNotFound) {
		node, err = dir.Create(name, perm)
	}
	if err != nil {
		return err
	}
	if err := node.Open(vfs.O_WRONLY | vfs.O_TRUNC); err != nil {
		return err
	}
	_, err = node.Write(context.Background(), data, 0)
	return err
}
