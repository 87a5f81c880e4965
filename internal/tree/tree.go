// Package tree is the in-memory filesystem tree that merges archive entries
// with the writable overlay directory.
//
// All structural changes (create, delete, promote, move) take the tree lock
// exclusively. Lookups and I/O on already-resolved nodes share it. Open
// stream state of overlay files is guarded per file.
package tree

import (
	"context"
	"io"
	"sync"

	"github.com/arma3/DokanPbo/internal/cache"
	"github.com/arma3/DokanPbo/internal/derap"
	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/overlay"
)

// Tree is one mounted filesystem tree.
type Tree struct {
	mu    sync.RWMutex
	root  *Node
	index *Index

	disk    *overlay.Disk
	decoder derap.Decoder
	cache   *cache.Cache
}

func newTree(disk *overlay.Disk, dec derap.Decoder, c *cache.Cache) (*Tree, error) {
	info, err := disk.Stat("")
	if err != nil {
		return nil, fserr.FromOS("build", Separator, err)
	}
	t := &Tree{
		root:    newRealFolder("", "", info),
		index:   NewIndex(),
		disk:    disk,
		decoder: dec,
		cache:   c,
	}
	t.index.Insert(t.root)
	return t, nil
}

// Root returns the root node.
func (t *Tree) Root() *Node {
	return t.root
}

// Disk returns the overlay disk.
func (t *Tree) Disk() *overlay.Disk {
	return t.disk
}

// Len returns the number of nodes in the tree.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Len()
}

// Lookup returns the node at path, ignoring case, or nil.
func (t *Tree) Lookup(path string) *Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.index.Lookup(path)
}

// List returns the metadata of the children of the folder at path. It
// returns false when path is missing or is a file.
func (t *Tree) List(path string) ([]Info, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	children, ok := t.index.List(path)
	if !ok {
		return nil, false
	}
	infos := make([]Info, len(children))
	for i, c := range children {
		infos[i] = c.info()
	}
	return infos, true
}

// Info returns the metadata of n.
func (t *Tree) Info(n *Node) Info {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.info()
}

// Kind returns the current variant of n.
func (t *Tree) Kind(n *Node) Kind {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return n.kind
}

// Path returns the canonical path of n, or "" if n was removed.
func (t *Tree) Path(n *Node) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.attached(n) {
		return ""
	}
	return Join(n.names()...)
}

// Attached reports whether n is still part of the tree.
func (t *Tree) Attached(n *Node) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.attached(n)
}

// Walk visits every node below and including the node at path, parents
// first. fn must not call back into the tree.
func (t *Tree) Walk(path string, fn func(path string, info Info)) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := t.index.Lookup(path)
	if n == nil {
		return false
	}
	var visit func(n *Node, p string)
	visit = func(n *Node, p string) {
		fn(p, n.info())
		for _, c := range n.sortedChildren() {
			visit(c, BuildChildPath(p, c.name))
		}
	}
	visit(n, Clean(path))
	return true
}

// OpenContent opens the content of an archive-backed file. Derived files
// are decoded on first use.
func (t *Tree) OpenContent(ctx context.Context, n *Node) (io.ReadCloser, error) {
	t.mu.RLock()
	kind, entry, d := n.kind, n.entry, n.derived
	t.mu.RUnlock()

	switch kind {
	case KindFile:
		return entry.Open()
	case KindDerivedFile:
		return d.open(ctx, entry, t.decoder, t.cache)
	default:
		return nil, fserr.New(fserr.Unsupported, "open content", "", nil)
	}
}

// Close releases decoded content held by the tree.
func (t *Tree) Close() error {
	if t.cache != nil {
		t.cache.Clear()
	}
	return nil
}

// attached reports whether n reaches the root. Caller holds the lock.
func (t *Tree) attached(n *Node) bool {
	cur := n
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur == t.root
}

// diskPath returns the overlay-relative path of a real node. Caller holds
// the lock.
func (t *Tree) diskPath(n *Node) (string, error) {
	var parts []string
	cur := n
	for ; cur.parent != nil; cur = cur.parent {
		if !cur.kind.IsReal() {
			return "", fserr.Invariant("disk path", Join(n.names()...), "ancestor %q is %s", cur.name, cur.kind)
		}
		parts = append(parts, cur.disk)
	}
	if cur != t.root {
		return "", fserr.New(fserr.NotFound, "disk path", n.name, nil)
	}
	rel := ""
	for i := len(parts) - 1; i >= 0; i-- {
		rel = overlay.Join(rel, parts[i])
	}
	return rel, nil
}

// remove unlinks n and its subtree from the tree and index, closing any
// open overlay streams. Caller holds the lock.
func (t *Tree) remove(n *Node) {
	t.index.removeSubtree(n)
	n.walk(func(c *Node) {
		if c.real != nil {
			c.real.closeStreams()
		}
	})
	n.detach()
}

// insert attaches n below parent, replacing and unlinking any node at the
// same path. Caller holds the lock.
func (t *Tree) insert(parent, n *Node) {
	if old := parent.child(n.name); old != nil && old != n {
		t.remove(old)
	}
	n.attach(parent)
	t.index.insertSubtree(n)
}
