// Package vfs is the filesystem operation layer. It resolves host paths
// against the tree, enforces which node variants accept which operations,
// and turns every failure into an fserr code.
//
// Host backends call FS from an arbitrary number of goroutines.
package vfs

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/metrics"
	"github.com/arma3/DokanPbo/internal/tree"
)

// FileSystemName is reported as the volume filesystem type.
const FileSystemName = "PboFS"

// MaxComponentLength is the longest file name the volume accepts.
const MaxComponentLength = 256

// Inner errors carried by Unsupported failures that hosts report with a
// more specific status.
var (
	ErrNotDirectory = errors.New("not a directory")
	ErrIsDirectory  = errors.New("is a directory")
	ErrNotEmpty     = errors.New("directory not empty")
	ErrClosed       = errors.New("handle closed")
)

// Options configures an FS.
type Options struct {
	Tree *tree.Tree

	// Prefix maps the host root to this tree path. Empty mounts the tree
	// root.
	Prefix string

	// TotalBytes is the summed size of all archive entries.
	TotalBytes int64

	// VolumeLabel defaults to FileSystemName.
	VolumeLabel string
}

// FS implements the operation surface over one tree.
type FS struct {
	tree   *tree.Tree
	prefix []string
	total  int64
	label  string
}

// VolumeInfo describes the mounted volume.
type VolumeInfo struct {
	Label              string
	FileSystem         string
	MaxComponentLength uint32
}

// New returns an FS serving opts.Tree.
func New(opts Options) *FS {
	label := opts.VolumeLabel
	if label == "" {
		label = FileSystemName
	}
	return &FS{
		tree:   opts.Tree,
		prefix: tree.Split(opts.Prefix),
		total:  opts.TotalBytes,
		label:  label,
	}
}

// Tree returns the underlying tree.
func (f *FS) Tree() *tree.Tree {
	return f.tree
}

// resolve maps a host path to a tree path.
func (f *FS) resolve(path string) string {
	if len(f.prefix) == 0 {
		return tree.Clean(path)
	}
	parts := append(append([]string(nil), f.prefix...), tree.Split(path)...)
	return tree.Join(parts...)
}

// do runs one operation with metrics and error classification. Invariant
// violations are logged and degraded to AccessDenied.
func (f *FS) do(op, path string, fn func() error) error {
	start := time.Now()
	err := fn()

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		result = "eof"
	default:
		if fserr.IsInvariant(err) {
			logging.Invariant("tree invariant violated", logging.String("op", op), logging.Path(path), logging.Err(err))
			err = fserr.Degrade(err)
		} else {
			logging.Debug("operation failed", logging.String("op", op), logging.Path(path), logging.Err(err))
		}
		result = strings.ToLower(string(fserr.CodeOf(err)))
	}
	metrics.RecordOperation(op, result, time.Since(start))
	return err
}

// lookup resolves path or fails with NotFound.
func (f *FS) lookup(op, path string) (*tree.Node, error) {
	n := f.tree.Lookup(path)
	if n == nil {
		return nil, fserr.New(fserr.NotFound, op, path, nil)
	}
	return n, nil
}

// heal drops n from the tree if err says its disk object is gone.
func (f *FS) heal(n *tree.Node, err error) {
	if fserr.CodeOf(err) == fserr.NotFound && f.tree.Kind(n).IsReal() {
		f.tree.Forget(n)
	}
}

// ListDirectory returns the entries of the folder at path, sorted by name.
func (f *FS) ListDirectory(path string) ([]tree.Info, error) {
	p := f.resolve(path)
	var infos []tree.Info
	err := f.do("list", p, func() error {
		var ok bool
		infos, ok = f.tree.List(p)
		if ok {
			return nil
		}
		if f.tree.Lookup(p) != nil {
			return fserr.New(fserr.Unsupported, "list", p, ErrNotDirectory)
		}
		return fserr.New(fserr.NotFound, "list", p, nil)
	})
	return infos, err
}

// Walk calls fn for the node at path and everything below it, parents
// first, with host paths.
func (f *FS) Walk(path string, fn func(path string, info tree.Info)) error {
	p := f.resolve(path)
	return f.do("walk", p, func() error {
		ok := f.tree.Walk(p, func(treePath string, info tree.Info) {
			fn(tree.Join(tree.Split(treePath)[len(f.prefix):]...), info)
		})
		if !ok {
			return fserr.New(fserr.NotFound, "walk", p, nil)
		}
		return nil
	})
}

// GetMetadata returns the metadata of the node at path.
func (f *FS) GetMetadata(path string) (tree.Info, error) {
	p := f.resolve(path)
	var info tree.Info
	err := f.do("stat", p, func() error {
		n, err := f.lookup("stat", p)
		if err != nil {
			return err
		}
		info = f.tree.Info(n)
		return nil
	})
	return info, err
}

// DeleteFile removes the overlay file at path. Archive files cannot be
// deleted.
func (f *FS) DeleteFile(path string) error {
	p := f.resolve(path)
	return f.do("delete_file", p, func() error {
		n, err := f.lookup("delete file", p)
		if err != nil {
			return err
		}
		switch f.tree.Kind(n) {
		case tree.KindRealFile:
		case tree.KindFolder, tree.KindRealFolder:
			return fserr.New(fserr.Unsupported, "delete file", p, ErrIsDirectory)
		default:
			return fserr.New(fserr.AccessDenied, "delete file", p, errors.New("archive file"))
		}
		if err := f.tree.DeleteFile(n); err != nil {
			return err
		}
		logging.Debug("deleted file", logging.Path(p))
		return nil
	})
}

// DeleteDirectory removes the overlay folder at path with everything below
// it. Archive-only folders cannot be deleted.
func (f *FS) DeleteDirectory(path string) error {
	p := f.resolve(path)
	return f.do("delete_directory", p, func() error {
		n, err := f.lookup("delete directory", p)
		if err != nil {
			return err
		}
		switch f.tree.Kind(n) {
		case tree.KindRealFolder:
		case tree.KindFolder:
			return fserr.New(fserr.AccessDenied, "delete directory", p, errors.New("archive folder"))
		default:
			return fserr.New(fserr.Unsupported, "delete directory", p, ErrNotDirectory)
		}
		if err := f.tree.DeleteFolder(n); err != nil {
			return err
		}
		logging.Debug("deleted directory", logging.Path(p))
		return nil
	})
}

// Move renames the overlay node at src to dst. An existing dst is replaced
// only when replace is set.
func (f *FS) Move(src, dst string, replace bool) error {
	sp, dp := f.resolve(src), f.resolve(dst)
	return f.do("move", sp, func() error {
		n, err := f.lookup("move", sp)
		if err != nil {
			return err
		}
		return f.tree.Move(n, dp, replace)
	})
}

// SetAttributes sets the Windows attribute bits of the overlay node at path.
func (f *FS) SetAttributes(path string, attrs uint32) error {
	p := f.resolve(path)
	return f.do("set_attributes", p, func() error {
		n, err := f.lookup("set attributes", p)
		if err != nil {
			return err
		}
		err = f.tree.SetAttributes(n, attrs)
		f.heal(n, err)
		return err
	})
}

// SetTimes sets timestamps of the overlay node at path. A nil time is left
// unchanged.
func (f *FS) SetTimes(path string, created, accessed, written *time.Time) error {
	p := f.resolve(path)
	return f.do("set_times", p, func() error {
		n, err := f.lookup("set times", p)
		if err != nil {
			return err
		}
		err = f.tree.SetTimes(n, created, accessed, written)
		f.heal(n, err)
		return err
	})
}

// VolumeStats reports free bytes on the overlay disk and a total capacity of
// archive content plus that free space.
func (f *FS) VolumeStats() (free, total, totalFree uint64, err error) {
	err = f.do("volume_stats", tree.Separator, func() error {
		var ferr error
		free, totalFree, ferr = f.tree.Disk().Free()
		if ferr != nil {
			logging.Debug("overlay free space unavailable", logging.Err(ferr))
			free, totalFree = 0, 0
		}
		total = uint64(f.total) + free
		return nil
	})
	return free, total, totalFree, err
}

// VolumeInfo returns the volume label and filesystem properties.
func (f *FS) VolumeInfo() VolumeInfo {
	return VolumeInfo{
		Label:              f.label,
		FileSystem:         FileSystemName,
		MaxComponentLength: MaxComponentLength,
	}
}
