package tree

import (
	"os"

	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/metrics"
	"github.com/arma3/DokanPbo/internal/overlay"
)

// Promote turns the folder n, and every virtual folder above it, into real
// folders backed by the overlay disk. Promotion happens in place: the node
// keeps its identity, children, parent and index position. Promoting a real
// folder is a no-op.
func (t *Tree) Promote(n *Node) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.promote(n)
}

// promote is Promote with the lock held.
func (t *Tree) promote(n *Node) error {
	if !n.kind.IsDir() {
		return fserr.New(fserr.Unsupported, "promote", n.name, nil)
	}
	if n.kind == KindRealFolder {
		return nil
	}
	if !t.attached(n) {
		return fserr.New(fserr.NotFound, "promote", n.name, nil)
	}

	var chain []*Node
	for cur := n; cur.parent != nil; cur = cur.parent {
		chain = append(chain, cur)
	}

	// Root first, so every parent is real by the time its child is made.
	for i := len(chain) - 1; i >= 0; i-- {
		f := chain[i]
		if f.kind == KindRealFolder {
			continue
		}

		parentRel, err := t.diskPath(f.parent)
		if err != nil {
			return err
		}

		diskName := f.name
		if info, ok := t.disk.Find(parentRel, f.name); ok {
			if !info.IsDir() {
				return fserr.New(fserr.DiskFull, "promote", Join(f.names()...), os.ErrExist)
			}
			diskName = info.Name()
		} else if err := t.disk.Mkdir(overlay.Join(parentRel, f.name)); err != nil {
			return fserr.New(fserr.DiskFull, "promote", Join(f.names()...), err)
		}

		info, err := t.disk.Stat(overlay.Join(parentRel, diskName))
		if err != nil {
			return fserr.New(fserr.DiskFull, "promote", Join(f.names()...), err)
		}
		t.makeReal(f, diskName, info)
	}
	return nil
}

// makeReal converts a virtual folder in place. Caller holds the lock.
func (t *Tree) makeReal(f *Node, diskName string, info os.FileInfo) {
	f.kind = KindRealFolder
	f.disk = diskName
	f.setDiskMeta(info)
	metrics.RecordPromotion()
	logging.Debug("promoted folder", logging.Path(Join(f.names()...)), logging.String("disk", diskName))
}
