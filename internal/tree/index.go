package tree

import (
	"github.com/cespare/xxhash/v2"
)

// Index maps paths to nodes without storing a path per node. Nodes are
// bucketed by a hash of their folded name chain; a bucket hit is confirmed by
// walking the candidate's parent references.
//
// Because the key is derived from the parent chain, a node must be removed
// before it or any ancestor is renamed or reparented, and inserted again
// afterwards. Index is not safe for concurrent use; the Tree serializes it.
type Index struct {
	buckets map[uint64][]*Node
	count   int
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{buckets: make(map[uint64][]*Node)}
}

func hashParts(parts []string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		d.WriteString(Separator)
		d.WriteString(fold(p))
	}
	return d.Sum64()
}

// matches reports whether n sits at parts, ignoring case.
func matches(n *Node, parts []string) bool {
	cur := n
	for i := len(parts) - 1; i >= 0; i-- {
		if cur.parent == nil || fold(cur.name) != fold(parts[i]) {
			return false
		}
		cur = cur.parent
	}
	return cur.parent == nil
}

// Lookup returns the node at path, or nil.
func (ix *Index) Lookup(path string) *Node {
	return ix.lookup(Split(path))
}

func (ix *Index) lookup(parts []string) *Node {
	for _, n := range ix.buckets[hashParts(parts)] {
		if matches(n, parts) {
			return n
		}
	}
	return nil
}

// List returns the children of the folder at path. It returns false when
// path is missing or is not a folder.
func (ix *Index) List(path string) ([]*Node, bool) {
	n := ix.Lookup(path)
	if n == nil || !n.kind.IsDir() {
		return nil, false
	}
	return n.sortedChildren(), true
}

// Insert adds n under its current path, replacing and returning any other
// node indexed there.
func (ix *Index) Insert(n *Node) *Node {
	parts := n.names()
	h := hashParts(parts)
	bucket := ix.buckets[h]
	for i, other := range bucket {
		if other == n {
			return nil
		}
		if matches(other, parts) {
			bucket[i] = n
			return other
		}
	}
	ix.buckets[h] = append(bucket, n)
	ix.count++
	return nil
}

// Remove drops n from the index. n must still be at the path it was
// inserted under.
func (ix *Index) Remove(n *Node) bool {
	h := hashParts(n.names())
	bucket := ix.buckets[h]
	for i, other := range bucket {
		if other == n {
			ix.drop(h, bucket, i)
			return true
		}
	}
	return false
}

// RemovePath drops and returns the node at path, or nil.
func (ix *Index) RemovePath(path string) *Node {
	parts := Split(path)
	h := hashParts(parts)
	bucket := ix.buckets[h]
	for i, n := range bucket {
		if matches(n, parts) {
			ix.drop(h, bucket, i)
			return n
		}
	}
	return nil
}

func (ix *Index) drop(h uint64, bucket []*Node, i int) {
	bucket[i] = bucket[len(bucket)-1]
	bucket[len(bucket)-1] = nil
	bucket = bucket[:len(bucket)-1]
	if len(bucket) == 0 {
		delete(ix.buckets, h)
	} else {
		ix.buckets[h] = bucket
	}
	ix.count--
}

// Len returns the number of indexed nodes.
func (ix *Index) Len() int {
	return ix.count
}

// insertSubtree indexes n and all of its descendants.
func (ix *Index) insertSubtree(n *Node) {
	n.walk(func(c *Node) { ix.Insert(c) })
}

// removeSubtree drops n and all of its descendants.
func (ix *Index) removeSubtree(n *Node) {
	n.walk(func(c *Node) { ix.Remove(c) })
}
