package archive

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/arma3/DokanPbo/internal/logging"
)

// Set is the ordered collection of archives loaded from the configured
// folders. Later archives shadow earlier ones.
type Set struct {
	archives   []Archive
	totalBytes int64
}

// Load opens every archive in folders. Folders are visited in order and the
// archives inside each folder in name order. Missing folders and unreadable
// archives are skipped with a warning.
func Load(ctx context.Context, folders []string) (*Set, error) {
	var paths []string
	for _, folder := range folders {
		found, err := scanFolder(folder)
		if err != nil {
			logging.Warn("skipping archive folder", logging.Path(folder), logging.Err(err))
			continue
		}
		paths = append(paths, found...)
	}

	opened := make([]Archive, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			a, err := Open(path)
			if err != nil {
				logging.Warn("skipping archive", logging.Path(path), logging.Err(err))
				return nil
			}
			opened[i] = a
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, a := range opened {
			if a != nil {
				a.Close()
			}
		}
		return nil, err
	}

	s := &Set{}
	for _, a := range opened {
		if a == nil {
			continue
		}
		s.archives = append(s.archives, a)
		for _, p := range a.Pairs() {
			s.totalBytes += p.Entry.Size()
		}
		logging.Debug("loaded archive", logging.Path(a.Path()))
	}
	return s, nil
}

// NewSet builds a Set from archives that are already open.
func NewSet(archives ...Archive) *Set {
	s := &Set{archives: archives}
	for _, a := range archives {
		for _, p := range a.Pairs() {
			s.totalBytes += p.Entry.Size()
		}
	}
	return s
}

// Open opens a single archive, choosing the format by extension.
func Open(path string) (Archive, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pbo":
		return OpenPBO(path)
	case ".zip":
		return OpenZip(path)
	default:
		return nil, errors.New("unsupported archive format")
	}
}

// Archives returns the loaded archives in mount order.
func (s *Set) Archives() []Archive {
	return s.archives
}

// Pairs returns the entries of every archive in mount order.
func (s *Set) Pairs() []Pair {
	var pairs []Pair
	for _, a := range s.archives {
		pairs = append(pairs, a.Pairs()...)
	}
	return pairs
}

// TotalBytes returns the sum of all entry sizes.
func (s *Set) TotalBytes() int64 {
	return s.totalBytes
}

// Close closes every archive.
func (s *Set) Close() error {
	var errs []error
	for _, a := range s.archives {
		if err := a.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func scanFolder(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pbo", ".zip":
			paths = append(paths, filepath.Join(folder, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
