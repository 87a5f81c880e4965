package tree

import (
	"context"
	"time"

	"github.com/arma3/DokanPbo/internal/archive"
	"github.com/arma3/DokanPbo/internal/cache"
	"github.com/arma3/DokanPbo/internal/derap"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/metrics"
	"github.com/arma3/DokanPbo/internal/overlay"
)

// BuildOptions configures Build.
type BuildOptions struct {
	// Pairs are the archive entries in mount order; later pairs shadow
	// earlier ones.
	Pairs []archive.Pair

	// Disk is the overlay directory. It becomes the root of the tree.
	Disk *overlay.Disk

	// Decoder enables derived files when set.
	Decoder derap.Decoder

	// Cache stores decoded content. Decoded content is kept in memory when
	// nil.
	Cache *cache.Cache

	// ExcludePrefix skips archive entries at or below this path.
	ExcludePrefix string
}

// Build constructs the tree from archive entries and then links the overlay
// directory on top of it.
func Build(ctx context.Context, opts BuildOptions) (*Tree, error) {
	start := time.Now()

	t, err := newTree(opts.Disk, opts.Decoder, opts.Cache)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i, pair := range opts.Pairs {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if opts.ExcludePrefix != "" && HasPrefix(pair.Path, opts.ExcludePrefix) {
			continue
		}
		t.addEntry(pair)
	}

	if err := t.linkDir(ctx, t.root, ""); err != nil {
		return nil, err
	}

	metrics.SetTreeNodes(t.index.Len())
	logging.Info("tree built",
		logging.Int("entries", len(opts.Pairs)),
		logging.Int("nodes", t.index.Len()),
		logging.Bool("derived", opts.Decoder != nil),
		logging.Duration("elapsed", time.Since(start)))
	return t, nil
}

// addEntry indexes one archive entry, creating virtual folders on the way.
// Caller holds the lock.
func (t *Tree) addEntry(pair archive.Pair) {
	parts := Split(pair.Path)
	if len(parts) == 0 {
		return
	}

	dir := t.root
	for _, name := range parts[:len(parts)-1] {
		next := dir.child(name)
		if next == nil || !next.kind.IsDir() {
			if next != nil {
				logging.Debug("archive folder shadows file", logging.Path(pair.Path))
			}
			next = newFolder(name)
			t.insert(dir, next)
		}
		dir = next
	}

	name := parts[len(parts)-1]
	if old := dir.child(name); old != nil && old.kind.IsDir() {
		logging.Debug("archive file shadows folder", logging.Path(pair.Path))
	}
	t.insert(dir, newFile(name, pair.Entry))

	if t.decoder != nil && derap.IsEncoded(name) {
		t.insert(dir, newDerivedFile(derap.DerivedName(name), pair.Entry, newDerived()))
	}
}

// linkDir merges the overlay directory rel into the folder dir, which is
// already real. Unreadable directories are skipped. Caller holds the lock.
func (t *Tree) linkDir(ctx context.Context, dir *Node, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	infos, err := t.disk.ReadDir(rel)
	if err != nil {
		logging.Warn("skipping overlay directory", logging.Path(rel), logging.Err(err))
		return nil
	}

	for _, info := range infos {
		name := info.Name()
		existing := dir.child(name)
		childRel := overlay.Join(rel, name)

		if info.IsDir() {
			var sub *Node
			switch {
			case existing == nil:
				sub = newRealFolder(name, name, info)
				t.insert(dir, sub)
			case existing.kind == KindFolder:
				t.makeReal(existing, name, info)
				sub = existing
			case existing.kind.IsReal():
				logging.Warn("overlay directory conflicts with existing node, skipping",
					logging.Path(childRel), logging.String("kind", existing.kind.String()))
				continue
			default:
				logging.Warn("overlay directory shadows archive file", logging.Path(childRel))
				sub = newRealFolder(name, name, info)
				t.insert(dir, sub)
			}
			if err := t.linkDir(ctx, sub, childRel); err != nil {
				return err
			}
			continue
		}

		if !info.Mode().IsRegular() {
			continue
		}
		switch {
		case existing == nil:
		case existing.kind == KindFile || existing.kind == KindDerivedFile:
			logging.Info("overlay file shadows archive file", logging.Path(childRel))
			// The decoded twin would still show the archive entry.
			if existing.kind == KindFile && derap.IsEncoded(name) {
				if twin := dir.child(derap.DerivedName(name)); twin != nil && twin.kind == KindDerivedFile {
					t.remove(twin)
				}
			}
		default:
			logging.Warn("overlay file conflicts with existing node, skipping",
				logging.Path(childRel), logging.String("kind", existing.kind.String()))
			continue
		}
		t.insert(dir, newRealFile(name, name, info))
	}
	return nil
}
