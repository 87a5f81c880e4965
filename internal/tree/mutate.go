package tree

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/metrics"
	"github.com/arma3/DokanPbo/internal/overlay"
)

// Create materializes a new overlay file or directory at path. The parent
// folder must exist; it is promoted if it is still virtual.
func (t *Tree) Create(path string, dir bool) (*Node, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	parts := Split(path)
	if len(parts) == 0 {
		return nil, fserr.New(fserr.AlreadyExists, "create", path, nil)
	}
	if t.index.lookup(parts) != nil {
		return nil, fserr.New(fserr.AlreadyExists, "create", path, nil)
	}

	parent := t.index.lookup(parts[:len(parts)-1])
	if parent == nil || !parent.kind.IsDir() {
		return nil, fserr.New(fserr.NotFound, "create", path, nil)
	}
	if err := t.promote(parent); err != nil {
		return nil, err
	}

	parentRel, err := t.diskPath(parent)
	if err != nil {
		return nil, err
	}
	name := parts[len(parts)-1]
	rel := overlay.Join(parentRel, name)

	if dir {
		if err := t.disk.Mkdir(rel); err != nil {
			return nil, fserr.New(fserr.DiskFull, "create", path, err)
		}
	} else {
		f, err := t.disk.OpenFile(rel, os.O_RDWR|os.O_CREATE|os.O_TRUNC)
		if err != nil {
			return nil, fserr.New(fserr.DiskFull, "create", path, err)
		}
		f.Close()
	}

	info, err := t.disk.Stat(rel)
	if err != nil {
		return nil, fserr.FromOS("create", path, err)
	}

	var n *Node
	if dir {
		n = newRealFolder(name, name, info)
	} else {
		n = newRealFile(name, name, info)
	}
	t.insert(parent, n)
	metrics.SetTreeNodes(t.index.Len())
	return n, nil
}

// DeleteFile removes an overlay file. Open streams are closed first. A file
// that is already gone from disk is removed from the tree without error.
func (t *Tree) DeleteFile(n *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.kind != KindRealFile {
		return fserr.New(fserr.Unsupported, "delete file", n.name, nil)
	}
	rel, err := t.diskPath(n)
	if err != nil {
		return err
	}

	n.real.closeStreams()
	if err := t.disk.Remove(rel); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fserr.FromOS("delete file", rel, err)
	}

	t.remove(n)
	metrics.SetTreeNodes(t.index.Len())
	return nil
}

// DeleteFolder removes an overlay directory with everything below it. It
// fails with SharingViolation, leaving tree and disk untouched, while any
// file below it is open.
func (t *Tree) DeleteFolder(n *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n.kind != KindRealFolder {
		return fserr.New(fserr.Unsupported, "delete directory", n.name, nil)
	}
	if n == t.root {
		return fserr.New(fserr.AccessDenied, "delete directory", Separator, nil)
	}
	rel, err := t.diskPath(n)
	if err != nil {
		return err
	}
	if busy(n, false) {
		return fserr.New(fserr.SharingViolation, "delete directory", Join(n.names()...), nil)
	}

	if err := t.disk.RemoveAll(rel); err != nil {
		return fserr.FromOS("delete directory", rel, err)
	}

	t.remove(n)
	metrics.SetTreeNodes(t.index.Len())
	return nil
}

// Move renames the overlay node src to dstPath. The disk object moves first;
// the tree changes only if that succeeds. Moving a folder reindexes its whole
// subtree under the new path.
func (t *Tree) Move(src *Node, dstPath string, replace bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.attached(src) {
		return fserr.New(fserr.NotFound, "move", src.name, nil)
	}
	srcPath := Join(src.names()...)
	if src == t.root {
		return fserr.New(fserr.AccessDenied, "move", srcPath, nil)
	}
	if !src.kind.IsReal() {
		return fserr.New(fserr.Unsupported, "move", srcPath, nil)
	}

	dstParts := Split(dstPath)
	if len(dstParts) == 0 {
		return fserr.New(fserr.AccessDenied, "move", dstPath, nil)
	}
	dstDir := t.index.lookup(dstParts[:len(dstParts)-1])
	if dstDir == nil || !dstDir.kind.IsDir() {
		return fserr.New(fserr.NotFound, "move", dstPath, nil)
	}
	if src.isAncestorOf(dstDir) {
		return fserr.New(fserr.AccessDenied, "move", dstPath, errors.New("destination is inside source"))
	}
	if busy(src, true) {
		return fserr.New(fserr.SharingViolation, "move", srcPath, nil)
	}

	newName := dstParts[len(dstParts)-1]
	target := dstDir.child(newName)
	if target == src {
		target = nil
	}
	if target != nil {
		if !replace {
			return fserr.New(fserr.AlreadyExists, "move", dstPath, nil)
		}
		if target.kind.IsDir() && (target.kind != KindRealFolder || len(target.children) > 0) {
			return fserr.New(fserr.AccessDenied, "move", dstPath, errors.New("destination is a non-empty folder"))
		}
		if busy(target, false) {
			return fserr.New(fserr.SharingViolation, "move", dstPath, nil)
		}
	}

	if err := t.promote(dstDir); err != nil {
		return err
	}
	srcRel, err := t.diskPath(src)
	if err != nil {
		return err
	}
	dstDirRel, err := t.diskPath(dstDir)
	if err != nil {
		return err
	}
	dstRel := overlay.Join(dstDirRel, newName)

	// On a case-sensitive disk a target whose name differs in case survives
	// the rename and is removed once the rename has succeeded.
	var stale string
	if target != nil && target.kind == KindRealFile {
		if targetRel, err := t.diskPath(target); err == nil && targetRel != dstRel {
			if _, err := t.disk.Stat(dstRel); errors.Is(err, fs.ErrNotExist) {
				stale = targetRel
			}
		}
	}
	if err := t.disk.Rename(srcRel, dstRel); err != nil {
		return fserr.FromOS("move", srcPath, err)
	}
	if stale != "" {
		if err := t.disk.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logging.Warn("replaced file left on disk", logging.Path(stale), logging.Err(err))
		}
	}

	if target != nil {
		t.remove(target)
	}
	t.index.removeSubtree(src)
	src.detach()
	src.name = newName
	src.disk = newName
	src.attach(dstDir)
	t.index.insertSubtree(src)
	t.statReal(src)

	logging.Debug("moved", logging.Path(srcPath), logging.String("to", Join(src.names()...)))
	metrics.SetTreeNodes(t.index.Len())
	return nil
}

// Forget drops n from the tree after its disk object vanished underneath us.
func (t *Tree) Forget(n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n == t.root || !t.attached(n) {
		return
	}
	logging.Warn("overlay object disappeared, removing from tree", logging.Path(Join(n.names()...)))
	t.remove(n)
	metrics.SetTreeNodes(t.index.Len())
}

// SetAttributes applies Windows attribute bits to an overlay node. Only the
// read-only bit reaches the disk; the rest is kept in the node metadata.
func (t *Tree) SetAttributes(n *Node, attrs uint32) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !n.kind.IsReal() {
		return fserr.New(fserr.Unsupported, "set attributes", n.name, nil)
	}
	rel, err := t.diskPath(n)
	if err != nil {
		return err
	}

	mode := os.FileMode(0644)
	if n.kind.IsDir() {
		mode = 0755
		attrs |= AttrDirectory
	}
	if attrs&AttrReadOnly != 0 {
		mode &^= 0222
	}
	if err := t.disk.Chmod(rel, mode); err != nil {
		return fserr.FromOS("set attributes", rel, err)
	}

	attrs &^= AttrNormal
	if attrs == 0 {
		attrs = AttrNormal
	}
	n.mu.Lock()
	n.meta.attrs = attrs
	n.mu.Unlock()
	return nil
}

// SetTimes applies the given timestamps to an overlay node; nil leaves a
// value unchanged. While the file is open for writing the write time is
// deferred until the last handle is released. Creation time is kept in the
// node metadata only.
func (t *Tree) SetTimes(n *Node, created, accessed, written *time.Time) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !n.kind.IsReal() {
		return fserr.New(fserr.AccessDenied, "set times", n.name, nil)
	}
	rel, err := t.diskPath(n)
	if err != nil {
		return err
	}

	if written != nil && n.real != nil {
		n.real.mu.Lock()
		deferred := n.real.writers > 0
		if deferred {
			w := *written
			n.real.mtime = &w
		}
		n.real.mu.Unlock()
		if deferred {
			n.mu.Lock()
			n.meta.written = *written
			n.mu.Unlock()
			written = nil
		}
	}

	if accessed != nil || written != nil {
		n.mu.Lock()
		atime, mtime := n.meta.accessed, n.meta.written
		n.mu.Unlock()
		if accessed != nil {
			atime = *accessed
		}
		if written != nil {
			mtime = *written
		}
		if err := t.disk.Chtimes(rel, atime, mtime); err != nil {
			return fserr.FromOS("set times", rel, err)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if created != nil {
		n.meta.created = *created
	}
	if accessed != nil {
		n.meta.accessed = *accessed
	}
	if written != nil {
		n.meta.written = *written
	}
	return nil
}
