//go:build linux || darwin

package host

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	gofuse "github.com/hanwen/go-fuse/v2/fuse"

	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/tree"
	"github.com/arma3/DokanPbo/internal/vfs"
)

const goFuseAvailable = true

// Kernel cache lifetime of entries and attributes. Derived files change
// size once decoded, so this stays short.
const cacheTimeout = time.Second

// renameNoReplace and renameExchange are the renameat2 flags.
const (
	renameNoReplace = 0x1
	renameExchange  = 0x2
)

var goFuseErrno = [statusCount]syscall.Errno{
	StatusOK:           0,
	StatusNoEntry:      syscall.ENOENT,
	StatusExists:       syscall.EEXIST,
	StatusAccess:       syscall.EACCES,
	StatusBusy:         syscall.EBUSY,
	StatusNoSpace:      syscall.ENOSPC,
	StatusNotPermitted: syscall.EPERM,
	StatusIO:           syscall.EIO,
	StatusNotDir:       syscall.ENOTDIR,
	StatusIsDir:        syscall.EISDIR,
	StatusNotEmpty:     syscall.ENOTEMPTY,
}

func errno(err error) syscall.Errno {
	return goFuseErrno[StatusOf(err)]
}

// GoFuseBackend implements Backend using the go-fuse node API.
type GoFuseBackend struct {
	fsys   *vfs.FS
	opts   Options
	server *gofuse.Server
}

func newGoFuse(fsys *vfs.FS, opts Options) (Backend, error) {
	return &GoFuseBackend{fsys: fsys, opts: opts}, nil
}

func (b *GoFuseBackend) Name() string {
	return "gofuse"
}

func (b *GoFuseBackend) Start(ctx context.Context) error {
	if err := prepareMountPoint(b.opts.MountPoint); err != nil {
		return fmt.Errorf("create mount point: %w", err)
	}

	root := &pboNode{fsys: b.fsys}
	timeout := cacheTimeout
	opts := &fs.Options{
		MountOptions: gofuse.MountOptions{
			AllowOther: false,
			Debug:      b.opts.Debug,
			FsName:     "pbofs",
			Name:       "pbofs",
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(b.opts.MountPoint, root, opts)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	b.server = server
	logging.Info("mounted go-fuse filesystem", logging.Path(b.opts.MountPoint))

	done := make(chan struct{})
	go func() {
		server.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		if err := server.Unmount(); err != nil {
			logging.Error("unmount failed", logging.Err(err))
		}
		<-done
		return ctx.Err()
	}
}

func (b *GoFuseBackend) Stop() error {
	if b.server == nil {
		return nil
	}
	return b.server.Unmount()
}

// pboNode is a file or directory. It carries no state of its own; its path
// is derived from the inode tree on every call.
type pboNode struct {
	fs.Inode

	fsys *vfs.FS
}

var _ fs.NodeGetattrer = (*pboNode)(nil)
var _ fs.NodeLookuper = (*pboNode)(nil)
var _ fs.NodeReaddirer = (*pboNode)(nil)
var _ fs.NodeOpener = (*pboNode)(nil)
var _ fs.NodeCreater = (*pboNode)(nil)
var _ fs.NodeMkdirer = (*pboNode)(nil)
var _ fs.NodeUnlinker = (*pboNode)(nil)
var _ fs.NodeRmdirer = (*pboNode)(nil)
var _ fs.NodeSetattrer = (*pboNode)(nil)
var _ fs.NodeRenamer = (*pboNode)(nil)
var _ fs.NodeStatfser = (*pboNode)(nil)

// path returns the virtual path of the node.
func (n *pboNode) path() string {
	p := n.Path(nil)
	if p == "." {
		p = ""
	}
	return tree.Clean("/" + p)
}

func (n *pboNode) childPath(name string) string {
	return tree.BuildChildPath(n.path(), name)
}

func fillAttr(info tree.Info, out *gofuse.Attr) {
	out.Size = uint64(info.Size)
	out.SetTimes(&info.Accessed, &info.Written, &info.Written)
	if info.IsDir {
		out.Mode = syscall.S_IFDIR | perm(info)
		out.Nlink = 2
	} else {
		out.Mode = syscall.S_IFREG | perm(info)
		out.Nlink = 1
		out.Blocks = (out.Size + 511) / 512
		out.Blksize = blockSize
	}
	out.Uid = uint32(os.Getuid())
	out.Gid = uint32(os.Getgid())
}

func stableMode(info tree.Info) uint32 {
	if info.IsDir {
		return syscall.S_IFDIR
	}
	return syscall.S_IFREG
}

// newChild returns the inode for a child that was just resolved or created.
func (n *pboNode) newChild(ctx context.Context, info tree.Info, out *gofuse.EntryOut) *fs.Inode {
	fillAttr(info, &out.Attr)
	out.SetEntryTimeout(cacheTimeout)
	out.SetAttrTimeout(cacheTimeout)
	return n.NewInode(ctx, &pboNode{fsys: n.fsys}, fs.StableAttr{Mode: stableMode(info)})
}

// Getattr returns file attributes. It never triggers a decode.
func (n *pboNode) Getattr(ctx context.Context, f fs.FileHandle, out *gofuse.AttrOut) syscall.Errno {
	var info tree.Info
	var err error
	if fh, ok := f.(*pboHandle); ok {
		info, err = n.fsys.HandleInfo(fh.h)
	} else {
		info, err = n.fsys.GetMetadata(n.path())
	}
	if err != nil {
		return errno(err)
	}
	fillAttr(info, &out.Attr)
	out.SetTimeout(cacheTimeout)
	return 0
}

// Lookup finds a child by name, ignoring case.
func (n *pboNode) Lookup(ctx context.Context, name string, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	info, err := n.fsys.GetMetadata(n.childPath(name))
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, info, out), 0
}

// Readdir lists directory contents.
func (n *pboNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	infos, err := n.fsys.ListDirectory(n.path())
	if err != nil {
		return nil, errno(err)
	}
	entries := make([]gofuse.DirEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, gofuse.DirEntry{
			Name: info.Name,
			Mode: stableMode(info),
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Open opens a file. Archive content is immutable and may stay in the page
// cache; derived files bypass it because their size changes on decode.
func (n *pboNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	acc := access(flags&syscall.O_ACCMODE == syscall.O_WRONLY, flags&syscall.O_ACCMODE == syscall.O_RDWR)
	disp := disposition(false, false, flags&syscall.O_TRUNC != 0)
	h, err := n.fsys.OpenOrCreate(n.path(), acc, disp, false)
	if err != nil {
		return nil, 0, errno(err)
	}

	var fuseFlags uint32
	switch n.fsys.Tree().Kind(h.Node()) {
	case tree.KindFile:
		fuseFlags = gofuse.FOPEN_KEEP_CACHE
	case tree.KindDerivedFile:
		fuseFlags = gofuse.FOPEN_DIRECT_IO
	}
	return &pboHandle{fsys: n.fsys, h: h}, fuseFlags, 0
}

// Create creates and opens an overlay file.
func (n *pboNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *gofuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	acc := access(flags&syscall.O_ACCMODE == syscall.O_WRONLY, flags&syscall.O_ACCMODE == syscall.O_RDWR) | vfs.AccessWrite
	disp := disposition(true, flags&syscall.O_EXCL != 0, flags&syscall.O_TRUNC != 0)
	h, err := n.fsys.OpenOrCreate(n.childPath(name), acc, disp, false)
	if err != nil {
		return nil, nil, 0, errno(err)
	}
	info, err := n.fsys.HandleInfo(h)
	if err != nil {
		n.fsys.Close(h)
		return nil, nil, 0, errno(err)
	}
	return n.newChild(ctx, info, out), &pboHandle{fsys: n.fsys, h: h}, 0, 0
}

// Mkdir creates an overlay directory.
func (n *pboNode) Mkdir(ctx context.Context, name string, mode uint32, out *gofuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := n.childPath(name)
	h, err := n.fsys.OpenOrCreate(p, vfs.AccessRead, vfs.CreateNew, true)
	if err != nil {
		return nil, errno(err)
	}
	n.fsys.Close(h)

	info, err := n.fsys.GetMetadata(p)
	if err != nil {
		return nil, errno(err)
	}
	return n.newChild(ctx, info, out), 0
}

// Unlink removes an overlay file.
func (n *pboNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(n.fsys.DeleteFile(n.childPath(name)))
}

// Rmdir removes an empty overlay directory.
func (n *pboNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	p := n.childPath(name)
	infos, err := n.fsys.ListDirectory(p)
	if err != nil {
		return errno(err)
	}
	if len(infos) > 0 {
		return syscall.ENOTEMPTY
	}
	return errno(n.fsys.DeleteDirectory(p))
}

// Rename moves an overlay file or directory.
func (n *pboNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	if flags&renameExchange != 0 {
		return syscall.EINVAL
	}
	dst, ok := newParent.(*pboNode)
	if !ok {
		return syscall.EIO
	}
	return errno(n.fsys.Move(n.childPath(name), dst.childPath(newName), flags&renameNoReplace == 0))
}

// Setattr handles truncate, chmod and utimes.
func (n *pboNode) Setattr(ctx context.Context, f fs.FileHandle, in *gofuse.SetAttrIn, out *gofuse.AttrOut) syscall.Errno {
	p := n.path()

	if size, ok := in.GetSize(); ok {
		if err := n.setLength(f, p, int64(size)); err != nil {
			return errno(err)
		}
	}

	if mode, ok := in.GetMode(); ok {
		info, err := n.fsys.GetMetadata(p)
		if err != nil {
			return errno(err)
		}
		if err := n.fsys.SetAttributes(p, attrsForMode(info.Attributes, mode)); err != nil {
			return errno(err)
		}
	}

	atime := timeArg(in.GetATime())
	mtime := timeArg(in.GetMTime())
	if atime != nil || mtime != nil {
		if err := n.fsys.SetTimes(p, nil, atime, mtime); err != nil {
			return errno(err)
		}
	}

	return n.Getattr(ctx, f, out)
}

func (n *pboNode) setLength(f fs.FileHandle, p string, size int64) error {
	if fh, ok := f.(*pboHandle); ok && fh.h.Writable() {
		return n.fsys.SetLength(fh.h, size)
	}
	h, err := n.fsys.OpenOrCreate(p, vfs.AccessWrite, vfs.Open, false)
	if err != nil {
		return err
	}
	defer n.fsys.Close(h)
	return n.fsys.SetLength(h, size)
}

// Statfs reports overlay free space and archive capacity.
func (n *pboNode) Statfs(ctx context.Context, out *gofuse.StatfsOut) syscall.Errno {
	free, total, totalFree, err := n.fsys.VolumeStats()
	if err != nil {
		return errno(err)
	}
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = total / blockSize
	out.Bfree = totalFree / blockSize
	out.Bavail = free / blockSize
	out.NameLen = vfs.MaxComponentLength
	return 0
}

// pboHandle is an open file.
type pboHandle struct {
	fsys *vfs.FS
	h    *vfs.Handle
}

var _ fs.FileReader = (*pboHandle)(nil)
var _ fs.FileWriter = (*pboHandle)(nil)
var _ fs.FileFlusher = (*pboHandle)(nil)
var _ fs.FileFsyncer = (*pboHandle)(nil)
var _ fs.FileReleaser = (*pboHandle)(nil)

// Read reads file content at off.
func (fh *pboHandle) Read(ctx context.Context, dest []byte, off int64) (gofuse.ReadResult, syscall.Errno) {
	n, err := fh.fsys.Read(fh.h, dest, off)
	if e := errno(err); e != 0 {
		return nil, e
	}
	return gofuse.ReadResultData(dest[:n]), 0
}

// Write writes data at off.
func (fh *pboHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	n, err := fh.fsys.Write(fh.h, data, off)
	if err != nil {
		return 0, errno(err)
	}
	return uint32(n), 0
}

// Flush syncs written content. It is called on every close, including
// read-only ones.
func (fh *pboHandle) Flush(ctx context.Context) syscall.Errno {
	if !fh.h.Writable() {
		return 0
	}
	if err := fh.fsys.Flush(fh.h); err != nil && fserr.CodeOf(err) != fserr.Unsupported {
		return errno(err)
	}
	return 0
}

func (fh *pboHandle) Fsync(ctx context.Context, flags uint32) syscall.Errno {
	return fh.Flush(ctx)
}

// Release closes the handle.
func (fh *pboHandle) Release(ctx context.Context) syscall.Errno {
	fh.fsys.Close(fh.h)
	return 0
}

