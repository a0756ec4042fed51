// Package vfs defines the node interface the kernel uses for everything it
// can hold a descriptor to.
//
// Each node kind (directory, regular file, pipe end, terminal) implements
// Node and embeds BaseNode for the operations it does not support. The
// kernel only calls through the interface.
//
// # Usage
//
//	root := memfs.New()
//	node, err := vfs.Resolve(root, vfs.Abs("etc/motd", "/"))
//	if err != nil {
//		return err
//	}
//	n, err := node.Read(ctx, buf, 0)
package vfs
