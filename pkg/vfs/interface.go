package vfs

import (
	"context"
	"errors"
	"os"
	"time"
)

// Node errors.
var (
	ErrNotSupported = errors.New("vfs: operation not supported")
	ErrNotFound     = errors.New("vfs: no such file or directory")
	ErrExists       = errors.New("vfs: file exists")
	ErrNotDirectory = errors.New("vfs: not a directory")
	ErrIsDirectory  = errors.New("vfs: is a directory")
)

// Node is a filesystem object as the kernel sees it: a table of operations
// that each node kind implements according to its capabilities. The kernel
// never looks behind this interface.
//
// Read and Write receive the caller's context. Blocking node kinds (pipes,
// terminals) take the calling task from it so they can put it to sleep.
type Node interface {
	// Name returns the name of the node within its parent directory.
	Name() string

	// Read reads up to len(p) bytes at offset off.
	Read(ctx context.Context, p []byte, off int64) (int, error)

	// Write writes p at offset off.
	Write(ctx context.Context, p []byte, off int64) (int, error)

	// Open is called when a descriptor is opened on the node.
	Open(flags int) error

	// Close is called when the last descriptor referring to the node is closed.
	Close() error

	// FindChild looks up a directory entry.
	FindChild(name string) (Node, error)

	// MakeDirectory creates a subdirectory.
	MakeDirectory(name string, perm os.FileMode) (Node, error)

	// Create creates a regular file.
	Create(name string, perm os.FileMode) (Node, error)

	// Stat describes the node.
	Stat() (FileInfo, error)
}

// FlagCloser is implemented by nodes that count their opens per access
// mode, such as FIFOs. The descriptor layer calls CloseFlags with the open
// flags in place of Close.
type FlagCloser interface {
	CloseFlags(flags int) error
}

// CloseNode closes node as opened with flags.
func CloseNode(node Node, flags int) error {
	if fc, ok := node.(FlagCloser); ok {
		return fc.CloseFlags(flags)
	}
	return node.Close()
}

// FileInfo describes a node and is returned by Stat.
type FileInfo struct {
	Name    string      // Base name of the node
	Size    int64       // Length in bytes for regular files
	Mode    os.FileMode // File mode bits
	ModTime time.Time   // Modification time
	IsDir   bool        // True if the node is a directory
}

// BaseNode provides the default, unsupported implementation of every Node
// operation. Node kinds embed it and override what they can do.
type BaseNode struct {
	NodeName string
	NodeMode os.FileMode
}

// Name implements Node.
func (b *BaseNode) Name() string { return b.NodeName }

// Read implements Node.
func (b *BaseNode) Read(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, ErrNotSupported
}

// Write implements Node.
func (b *BaseNode) Write(ctx context.Context, p []byte, off int64) (int, error) {
	return 0, ErrNotSupported
}

// Open implements Node.
func (b *BaseNode) Open(flags int) error { return nil }

// Close implements Node.
func (b *BaseNode) Close() error { return nil }

// FindChild implements Node.
func (b *BaseNode) FindChild(name string) (Node, error) {
	return nil, ErrNotDirectory
}

// MakeDirectory implements Node.
func (b *BaseNode) MakeDirectory(name string, perm os.FileMode) (Node, error) {
	return nil, ErrNotDirectory
}

// Create implements Node.
func (b *BaseNode) Create(name string, perm os.FileMode) (Node, error) {
	return nil, ErrNotDirectory
}

// Stat implements Node.
func (b *BaseNode) Stat() (FileInfo, error) {
	return FileInfo{
		Name:  b.NodeName,
		Mode:  b.NodeMode,
		IsDir: b.NodeMode.IsDir(),
	}, nil
}

// Flags for Open, matching os package constants.
const (
	O_RDONLY = os.O_RDONLY // Open read-only.
	O_WRONLY = os.O_WRONLY // Open write-only.
	O_RDWR   = os.O_RDWR   // Open read-write.
	O_CREATE = os.O_CREATE // Create file if it does not exist.
	O_EXCL   = os.O_EXCL   // Used with O_CREATE: file must not exist.
	O_TRUNC  = os.O_TRUNC  // Truncate file to zero length if it exists.
	O_APPEND = os.O_APPEND // Append to the file on each write.
)

// FileMode bit masks for node types and permissions.
const (
	ModeDir        = os.ModeDir        // Directory
	ModeNamedPipe  = os.ModeNamedPipe  // Named pipe (FIFO)
	ModeCharDevice = os.ModeCharDevice // Character device
	ModePerm       = os.ModePerm       // Permission bits mask

	AllPerm = 0777 // Default permission for new files
)

// Readable reports whether flags permit reading.
func Readable(flags int) bool {
	return flags&(O_WRONLY|O_RDWR) != O_WRONLY
}

// Writable reports whether flags permit writing.
func Writable(flags int) bool {
	return flags&(O_WRONLY|O_RDWR) != O_RDONLY
}
