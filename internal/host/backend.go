// Package host mounts a vfs.FS through a FUSE implementation.
package host

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/arma3/DokanPbo/internal/vfs"
)

// Backend is the interface the go-fuse and cgofuse backends implement.
type Backend interface {
	// Start mounts the filesystem. It blocks until ctx is cancelled, the
	// filesystem is unmounted externally, or mounting fails.
	Start(ctx context.Context) error

	// Stop unmounts the filesystem.
	Stop() error

	// Name returns a human-readable name for the backend.
	Name() string
}

// Options configures a backend.
type Options struct {
	MountPoint  string
	VolumeLabel string
	Debug       bool
}

// New returns the backend called name. "auto" picks go-fuse where it is
// available and cgofuse elsewhere.
func New(name string, fsys *vfs.FS, opts Options) (Backend, error) {
	if name == "auto" || name == "" {
		name = "cgofuse"
		if goFuseAvailable {
			name = "gofuse"
		}
	}
	switch name {
	case "gofuse":
		return newGoFuse(fsys, opts)
	case "cgofuse":
		return NewCgoFuse(fsys, opts), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

// prepareMountPoint creates the mount directory where the host needs one.
// WinFsp creates drive letters and directories itself.
func prepareMountPoint(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
