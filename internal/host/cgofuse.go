package host

import (
	"context"
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/tree"
	"github.com/arma3/DokanPbo/internal/vfs"
)

const noHandle = ^uint64(0)

const blockSize = 4096

var cgoErrno = [statusCount]int{
	StatusOK:           0,
	StatusNoEntry:      fuse.ENOENT,
	StatusExists:       fuse.EEXIST,
	StatusAccess:       fuse.EACCES,
	StatusBusy:         fuse.EBUSY,
	StatusNoSpace:      fuse.ENOSPC,
	StatusNotPermitted: fuse.EPERM,
	StatusIO:           fuse.EIO,
	StatusNotDir:       fuse.ENOTDIR,
	StatusIsDir:        fuse.EISDIR,
	StatusNotEmpty:     fuse.ENOTEMPTY,
}

// cgoStatus returns the negated errno cgofuse expects for err.
func cgoStatus(err error) int {
	return -cgoErrno[StatusOf(err)]
}

// CgoFuseBackend implements Backend using cgofuse (WinFsp on Windows,
// libfuse elsewhere). cgofuse is path based; every call resolves its path
// through the FS.
type CgoFuseBackend struct {
	fuse.FileSystemBase

	fsys *vfs.FS
	opts Options
	host *fuse.FileSystemHost

	mu      sync.Mutex
	handles map[uint64]*vfs.Handle
	nextFh  atomic.Uint64
}

// NewCgoFuse creates a new cgofuse backend.
func NewCgoFuse(fsys *vfs.FS, opts Options) *CgoFuseBackend {
	return &CgoFuseBackend{
		fsys:    fsys,
		opts:    opts,
		handles: make(map[uint64]*vfs.Handle),
	}
}

func (b *CgoFuseBackend) Name() string {
	return "cgofuse"
}

func (b *CgoFuseBackend) Start(ctx context.Context) error {
	if err := prepareMountPoint(b.opts.MountPoint); err != nil {
		return err
	}

	b.host = fuse.NewFileSystemHost(b)
	b.host.SetCapReaddirPlus(true)
	b.host.SetCapCaseInsensitive(true)

	logging.Info("mounting cgofuse filesystem", logging.Path(b.opts.MountPoint))

	// Mount blocks until unmounted.
	errCh := make(chan error, 1)
	go func() {
		if !b.host.Mount(b.opts.MountPoint, b.mountOptions()) {
			errCh <- errors.New("cgofuse mount failed")
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		b.host.Unmount()
		<-errCh
		return ctx.Err()
	}
}

func (b *CgoFuseBackend) Stop() error {
	if b.host != nil {
		b.host.Unmount()
	}
	return nil
}

func (b *CgoFuseBackend) mountOptions() []string {
	opts := []string{"-o", "fsname=pbofs"}
	switch runtime.GOOS {
	case "windows":
		opts = append(opts, "-o", "volname="+b.volumeLabel(), "-o", "FileSystemName="+vfs.FileSystemName, "-o", "uid=-1,gid=-1")
	case "darwin":
		opts = append(opts, "-o", "volname="+b.volumeLabel())
	}
	if b.opts.Debug {
		opts = append(opts, "-d")
	}
	return opts
}

func (b *CgoFuseBackend) volumeLabel() string {
	if b.opts.VolumeLabel != "" {
		return b.opts.VolumeLabel
	}
	return b.fsys.VolumeInfo().Label
}

// allocFh allocates a file handle.
func (b *CgoFuseBackend) allocFh(h *vfs.Handle) uint64 {
	fh := b.nextFh.Add(1)
	b.mu.Lock()
	b.handles[fh] = h
	b.mu.Unlock()
	return fh
}

func (b *CgoFuseBackend) getFh(fh uint64) *vfs.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.handles[fh]
}

func (b *CgoFuseBackend) freeFh(fh uint64) *vfs.Handle {
	b.mu.Lock()
	h := b.handles[fh]
	delete(b.handles, fh)
	b.mu.Unlock()
	return h
}

// closeAll releases handles the host never released.
func (b *CgoFuseBackend) closeAll() {
	b.mu.Lock()
	handles := b.handles
	b.handles = make(map[uint64]*vfs.Handle)
	b.mu.Unlock()
	for _, h := range handles {
		b.fsys.Close(h)
	}
}

func fillStat(info tree.Info, stat *fuse.Stat_t) {
	*stat = fuse.Stat_t{}
	stat.Size = info.Size
	stat.Atim = fuse.NewTimespec(info.Accessed)
	stat.Mtim = fuse.NewTimespec(info.Written)
	stat.Ctim = stat.Mtim
	stat.Birthtim = fuse.NewTimespec(info.Created)
	stat.Flags = flagsFromAttrs(info.Attributes)
	if info.IsDir {
		stat.Mode = fuse.S_IFDIR | perm(info)
		stat.Nlink = 2
	} else {
		stat.Mode = fuse.S_IFREG | perm(info)
		stat.Nlink = 1
		stat.Blksize = blockSize
		stat.Blocks = (info.Size + 511) / 512
	}
	stat.Uid = uint32(os.Getuid())
	stat.Gid = uint32(os.Getgid())
}

var attrFlags = []struct {
	attr uint32
	flag uint32
}{
	{tree.AttrReadOnly, fuse.UF_READONLY},
	{tree.AttrHidden, fuse.UF_HIDDEN},
	{tree.AttrSystem, fuse.UF_SYSTEM},
	{tree.AttrArchive, fuse.UF_ARCHIVE},
}

func flagsFromAttrs(attrs uint32) uint32 {
	var flags uint32
	for _, af := range attrFlags {
		if attrs&af.attr != 0 {
			flags |= af.flag
		}
	}
	return flags
}

func attrsFromFlags(flags uint32) uint32 {
	var attrs uint32
	for _, af := range attrFlags {
		if flags&af.flag != 0 {
			attrs |= af.attr
		}
	}
	return attrs
}

// --- fuse.FileSystemInterface implementation ---

func (b *CgoFuseBackend) Init() {
	logging.Info("cgofuse: init")
}

func (b *CgoFuseBackend) Destroy() {
	logging.Info("cgofuse: destroy")
	b.closeAll()
}

func (b *CgoFuseBackend) Statfs(path string, stat *fuse.Statfs_t) int {
	free, total, totalFree, err := b.fsys.VolumeStats()
	if err != nil {
		return cgoStatus(err)
	}
	stat.Bsize = blockSize
	stat.Frsize = blockSize
	stat.Blocks = total / blockSize
	stat.Bfree = totalFree / blockSize
	stat.Bavail = free / blockSize
	stat.Namemax = vfs.MaxComponentLength
	return 0
}

func (b *CgoFuseBackend) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	var info tree.Info
	var err error
	if h := b.getFh(fh); fh != noHandle && h != nil {
		info, err = b.fsys.HandleInfo(h)
	} else {
		info, err = b.fsys.GetMetadata(path)
	}
	if err != nil {
		return cgoStatus(err)
	}
	fillStat(info, stat)
	return 0
}

func (b *CgoFuseBackend) Opendir(path string) (int, uint64) {
	h, err := b.fsys.OpenOrCreate(path, vfs.AccessRead, vfs.Open, true)
	if err != nil {
		return cgoStatus(err), noHandle
	}
	return 0, b.allocFh(h)
}

func (b *CgoFuseBackend) Releasedir(path string, fh uint64) int {
	if h := b.freeFh(fh); h != nil {
		b.fsys.Close(h)
	}
	return 0
}

func (b *CgoFuseBackend) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	infos, err := b.fsys.ListDirectory(path)
	if err != nil {
		return cgoStatus(err)
	}

	fill(".", nil, 0)
	fill("..", nil, 0)
	for _, info := range infos {
		var st fuse.Stat_t
		fillStat(info, &st)
		if !fill(info.Name, &st, 0) {
			break
		}
	}
	return 0
}

func (b *CgoFuseBackend) Open(path string, flags int) (int, uint64) {
	acc := access(flags&fuse.O_ACCMODE == fuse.O_WRONLY, flags&fuse.O_ACCMODE == fuse.O_RDWR)
	disp := disposition(false, false, flags&fuse.O_TRUNC != 0)
	h, err := b.fsys.OpenOrCreate(path, acc, disp, false)
	if err != nil {
		return cgoStatus(err), noHandle
	}
	return 0, b.allocFh(h)
}

func (b *CgoFuseBackend) Create(path string, flags int, mode uint32) (int, uint64) {
	acc := access(flags&fuse.O_ACCMODE == fuse.O_WRONLY, flags&fuse.O_ACCMODE == fuse.O_RDWR) | vfs.AccessWrite
	disp := disposition(true, flags&fuse.O_EXCL != 0, flags&fuse.O_TRUNC != 0)
	h, err := b.fsys.OpenOrCreate(path, acc, disp, false)
	if err != nil {
		return cgoStatus(err), noHandle
	}
	return 0, b.allocFh(h)
}

func (b *CgoFuseBackend) Read(path string, buff []byte, ofst int64, fh uint64) int {
	h := b.getFh(fh)
	if h == nil {
		return -fuse.EBADF
	}
	n, err := b.fsys.Read(h, buff, ofst)
	if s := StatusOf(err); s != StatusOK {
		return -cgoErrno[s]
	}
	return n
}

func (b *CgoFuseBackend) Write(path string, buff []byte, ofst int64, fh uint64) int {
	h := b.getFh(fh)
	if h == nil {
		return -fuse.EBADF
	}
	n, err := b.fsys.Write(h, buff, ofst)
	if err != nil {
		return cgoStatus(err)
	}
	return n
}

func (b *CgoFuseBackend) Truncate(path string, size int64, fh uint64) int {
	if h := b.getFh(fh); fh != noHandle && h != nil && h.Writable() {
		return cgoStatus(b.fsys.SetLength(h, size))
	}
	h, err := b.fsys.OpenOrCreate(path, vfs.AccessWrite, vfs.Open, false)
	if err != nil {
		return cgoStatus(err)
	}
	defer b.fsys.Close(h)
	return cgoStatus(b.fsys.SetLength(h, size))
}

func (b *CgoFuseBackend) Flush(path string, fh uint64) int {
	h := b.getFh(fh)
	if h == nil || !h.Writable() {
		return 0
	}
	if err := b.fsys.Flush(h); err != nil && fserr.CodeOf(err) != fserr.Unsupported {
		return cgoStatus(err)
	}
	return 0
}

func (b *CgoFuseBackend) Fsync(path string, datasync bool, fh uint64) int {
	return b.Flush(path, fh)
}

func (b *CgoFuseBackend) Release(path string, fh uint64) int {
	if h := b.freeFh(fh); h != nil {
		b.fsys.Close(h)
	}
	return 0
}

func (b *CgoFuseBackend) Mkdir(path string, mode uint32) int {
	h, err := b.fsys.OpenOrCreate(path, vfs.AccessRead, vfs.CreateNew, true)
	if err != nil {
		return cgoStatus(err)
	}
	b.fsys.Close(h)
	return 0
}

func (b *CgoFuseBackend) Unlink(path string) int {
	return cgoStatus(b.fsys.DeleteFile(path))
}

func (b *CgoFuseBackend) Rmdir(path string) int {
	infos, err := b.fsys.ListDirectory(path)
	if err != nil {
		return cgoStatus(err)
	}
	if len(infos) > 0 {
		return -fuse.ENOTEMPTY
	}
	return cgoStatus(b.fsys.DeleteDirectory(path))
}

func (b *CgoFuseBackend) Rename(oldpath string, newpath string) int {
	return cgoStatus(b.fsys.Move(oldpath, newpath, true))
}

func (b *CgoFuseBackend) Utimens(path string, tmsp []fuse.Timespec) int {
	if len(tmsp) < 2 {
		return -fuse.EINVAL
	}
	atime, mtime := tmsp[0].Time(), tmsp[1].Time()
	return cgoStatus(b.fsys.SetTimes(path, nil, &atime, &mtime))
}

func (b *CgoFuseBackend) Chmod(path string, mode uint32) int {
	info, err := b.fsys.GetMetadata(path)
	if err != nil {
		return cgoStatus(err)
	}
	return cgoStatus(b.fsys.SetAttributes(path, attrsForMode(info.Attributes, mode)))
}

// Chflags sets Windows attributes (WinFsp and macOS).
func (b *CgoFuseBackend) Chflags(path string, flags uint32) int {
	info, err := b.fsys.GetMetadata(path)
	if err != nil {
		return cgoStatus(err)
	}
	attrs := info.Attributes &^ (tree.AttrReadOnly | tree.AttrHidden | tree.AttrSystem | tree.AttrArchive)
	return cgoStatus(b.fsys.SetAttributes(path, attrs|attrsFromFlags(flags)))
}

// Setcrtime sets the creation time (WinFsp and macOS).
func (b *CgoFuseBackend) Setcrtime(path string, tmsp fuse.Timespec) int {
	created := tmsp.Time()
	return cgoStatus(b.fsys.SetTimes(path, &created, nil, nil))
}
