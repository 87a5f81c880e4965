package tree

import (
	"os"
	"sort"
	"sync"
	"time"

	"github.com/arma3/DokanPbo/internal/archive"
)

// Kind identifies the variant of a Node.
type Kind uint8

const (
	// KindFolder is a directory that exists only in archives.
	KindFolder Kind = iota
	// KindRealFolder is a directory on the overlay disk.
	KindRealFolder
	// KindFile is a read-only archive entry.
	KindFile
	// KindDerivedFile is an archive entry exposed through a decoder.
	KindDerivedFile
	// KindRealFile is a file on the overlay disk.
	KindRealFile
)

func (k Kind) String() string {
	switch k {
	case KindFolder:
		return "folder"
	case KindRealFolder:
		return "real-folder"
	case KindFile:
		return "file"
	case KindDerivedFile:
		return "derived-file"
	case KindRealFile:
		return "real-file"
	default:
		return "unknown"
	}
}

// IsDir reports whether nodes of this kind have children.
func (k Kind) IsDir() bool {
	return k == KindFolder || k == KindRealFolder
}

// IsReal reports whether nodes of this kind are backed by the overlay disk.
func (k Kind) IsReal() bool {
	return k == KindRealFolder || k == KindRealFile
}

// Windows file attribute bits reported in Info.Attributes.
const (
	AttrReadOnly  uint32 = 0x1
	AttrHidden    uint32 = 0x2
	AttrSystem    uint32 = 0x4
	AttrDirectory uint32 = 0x10
	AttrArchive   uint32 = 0x20
	AttrNormal    uint32 = 0x80
)

// Info is the metadata reported for a node.
type Info struct {
	Name       string
	IsDir      bool
	Size       int64
	Attributes uint32
	Created    time.Time
	Accessed   time.Time
	Written    time.Time
}

// Node is one file or directory of the tree.
//
// name, parent, children, kind and disk are guarded by the tree lock. A
// node's path is never stored; it is the chain of names up to the root.
type Node struct {
	kind     Kind
	name     string
	parent   *Node
	children map[string]*Node

	entry   archive.Entry // File, DerivedFile
	derived *Derived      // DerivedFile
	real    *RealFile     // RealFile
	disk    string        // name on the overlay disk, real kinds only

	mu   sync.Mutex
	meta meta
}

type meta struct {
	size     int64
	attrs    uint32
	created  time.Time
	accessed time.Time
	written  time.Time
}

func newFolder(name string) *Node {
	now := time.Now()
	return &Node{
		kind:     KindFolder,
		name:     name,
		children: make(map[string]*Node),
		meta:     meta{attrs: AttrDirectory, created: now, accessed: now, written: now},
	}
}

func newRealFolder(name, disk string, info os.FileInfo) *Node {
	n := newFolder(name)
	n.kind = KindRealFolder
	n.disk = disk
	if info != nil {
		n.setDiskMeta(info)
	}
	return n
}

func newFile(name string, entry archive.Entry) *Node {
	ts := entry.ModTime()
	return &Node{
		kind:  KindFile,
		name:  name,
		entry: entry,
		meta:  meta{size: entry.Size(), attrs: AttrNormal, created: ts, accessed: time.Now(), written: ts},
	}
}

func newDerivedFile(name string, entry archive.Entry, d *Derived) *Node {
	n := newFile(name, entry)
	n.kind = KindDerivedFile
	n.derived = d
	return n
}

func newRealFile(name, disk string, info os.FileInfo) *Node {
	n := &Node{
		kind: KindRealFile,
		name: name,
		disk: disk,
		real: &RealFile{},
	}
	n.setDiskMeta(info)
	return n
}

// setDiskMeta mirrors size, attributes and write time from the disk object.
func (n *Node) setDiskMeta(info os.FileInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.kind.IsDir() {
		n.meta.size = info.Size()
	}
	attrs := n.meta.attrs &^ (AttrReadOnly | AttrDirectory | AttrNormal)
	if info.Mode().Perm()&0200 == 0 {
		attrs |= AttrReadOnly
	}
	if info.IsDir() {
		attrs |= AttrDirectory
	}
	if attrs == 0 {
		attrs = AttrNormal
	}
	n.meta.attrs = attrs
	n.meta.written = info.ModTime()
	if n.meta.created.IsZero() {
		n.meta.created = info.ModTime()
	}
	if n.meta.accessed.IsZero() {
		n.meta.accessed = info.ModTime()
	}
}

// info snapshots the node metadata. Caller holds the tree lock.
func (n *Node) info() Info {
	n.mu.Lock()
	m := n.meta
	n.mu.Unlock()

	size := m.size
	if n.kind == KindDerivedFile {
		size = n.derived.Size(size)
	}
	return Info{
		Name:       n.name,
		IsDir:      n.kind.IsDir(),
		Size:       size,
		Attributes: m.attrs,
		Created:    m.created,
		Accessed:   m.accessed,
		Written:    m.written,
	}
}

// attach makes n a child of parent. Caller holds the tree lock.
func (n *Node) attach(parent *Node) {
	n.parent = parent
	parent.children[fold(n.name)] = n
}

// detach unlinks n from its parent. Caller holds the tree lock.
func (n *Node) detach() {
	if n.parent != nil {
		if n.parent.children[fold(n.name)] == n {
			delete(n.parent.children, fold(n.name))
		}
		n.parent = nil
	}
}

// child returns the child with the given name, ignoring case.
func (n *Node) child(name string) *Node {
	if n.children == nil {
		return nil
	}
	return n.children[fold(name)]
}

// sortedChildren returns the children ordered by folded name.
func (n *Node) sortedChildren() []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return fold(out[i].name) < fold(out[j].name)
	})
	return out
}

// names returns the names from the root down to n, excluding the root.
func (n *Node) names() []string {
	var parts []string
	for cur := n; cur.parent != nil; cur = cur.parent {
		parts = append(parts, cur.name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return parts
}

// walk visits n and every descendant, parents first.
func (n *Node) walk(fn func(*Node)) {
	fn(n)
	for _, c := range n.children {
		c.walk(fn)
	}
}

// isAncestorOf reports whether n is other or one of its ancestors.
func (n *Node) isAncestorOf(other *Node) bool {
	for cur := other; cur != nil; cur = cur.parent {
		if cur == n {
			return true
		}
	}
	return false
}
