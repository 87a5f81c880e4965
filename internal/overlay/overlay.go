// Package overlay provides the writable directory that shadows archive
// content.
//
// Paths handed to a Disk are relative to its root and use the host separator;
// the empty string names the root itself.
package overlay

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// Config holds overlay directory settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Disk is the overlay directory.
type Disk struct {
	rootPath string
	fs       afero.Afero
}

// New opens the overlay rooted at cfg.RootPath on the OS filesystem.
func New(cfg Config) (*Disk, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root_path is required")
	}

	root, err := filepath.Abs(cfg.RootPath)
	if err != nil {
		return nil, fmt.Errorf("resolve root path %s: %w", cfg.RootPath, err)
	}

	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := os.MkdirAll(root, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", root, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", root, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", root)
	}

	return &Disk{
		rootPath: root,
		fs:       afero.Afero{Fs: afero.NewBasePathFs(afero.NewOsFs(), root)},
	}, nil
}

// NewFs wraps an arbitrary afero filesystem whose root is the overlay root.
// Free space is not available for such disks.
func NewFs(fs afero.Fs) *Disk {
	return &Disk{fs: afero.Afero{Fs: fs}}
}

// Root returns the absolute overlay root, or "" for NewFs disks.
func (d *Disk) Root() string {
	return d.rootPath
}

func (d *Disk) name(rel string) string {
	return string(filepath.Separator) + rel
}

// Join appends name to the relative directory dir.
func Join(dir, name string) string {
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// Stat returns the disk metadata of rel.
func (d *Disk) Stat(rel string) (os.FileInfo, error) {
	return d.fs.Stat(d.name(rel))
}

// ReadDir lists rel sorted by name.
func (d *Disk) ReadDir(rel string) ([]os.FileInfo, error) {
	return d.fs.ReadDir(d.name(rel))
}

// Mkdir creates the directory rel. An existing directory is not an error.
func (d *Disk) Mkdir(rel string) error {
	err := d.fs.Mkdir(d.name(rel), 0755)
	if err != nil && os.IsExist(err) {
		if info, serr := d.fs.Stat(d.name(rel)); serr == nil && info.IsDir() {
			return nil
		}
	}
	return err
}

// OpenFile opens rel with os.OpenFile flags.
func (d *Disk) OpenFile(rel string, flag int) (afero.File, error) {
	return d.fs.OpenFile(d.name(rel), flag, 0644)
}

// Remove deletes a file or empty directory.
func (d *Disk) Remove(rel string) error {
	return d.fs.Remove(d.name(rel))
}

// RemoveAll deletes rel and everything below it.
func (d *Disk) RemoveAll(rel string) error {
	if rel == "" {
		return fmt.Errorf("refusing to remove overlay root")
	}
	return d.fs.RemoveAll(d.name(rel))
}

// Rename moves oldRel to newRel. The destination is replaced if it exists.
func (d *Disk) Rename(oldRel, newRel string) error {
	return d.fs.Rename(d.name(oldRel), d.name(newRel))
}

// Chtimes sets access and modification times.
func (d *Disk) Chtimes(rel string, atime, mtime time.Time) error {
	return d.fs.Chtimes(d.name(rel), atime, mtime)
}

// Chmod sets permission bits.
func (d *Disk) Chmod(rel string, mode os.FileMode) error {
	return d.fs.Chmod(d.name(rel), mode)
}

// Truncate sets the length of rel.
func (d *Disk) Truncate(rel string, size int64) error {
	f, err := d.fs.OpenFile(d.name(rel), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	err = f.Truncate(size)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Find returns the entry of directory dir whose name matches name ignoring
// case, preferring an exact match.
func (d *Disk) Find(dir, name string) (os.FileInfo, bool) {
	if info, err := d.Stat(Join(dir, name)); err == nil && info.Name() == name {
		return info, true
	}
	infos, err := d.ReadDir(dir)
	if err != nil {
		return nil, false
	}
	for _, info := range infos {
		if strings.EqualFold(info.Name(), name) {
			return info, true
		}
	}
	return nil, false
}
