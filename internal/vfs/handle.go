package vfs

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/metrics"
	"github.com/arma3/DokanPbo/internal/tree"
)

// Access is the requested access of an open handle.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
)

// Disposition says what OpenOrCreate does when the path exists or not.
type Disposition uint8

const (
	// Open fails with NotFound if the path is missing.
	Open Disposition = iota
	// CreateNew fails with AlreadyExists if the path exists.
	CreateNew
	// Create creates the path or truncates an existing file.
	Create
	// OpenOrCreate opens the path, creating it if missing.
	OpenOrCreate
	// Truncate opens and truncates an existing file.
	Truncate
)

func (d Disposition) creates() bool {
	return d == CreateNew || d == Create || d == OpenOrCreate
}

func (d Disposition) truncates() bool {
	return d == Create || d == Truncate
}

// State is the lifecycle state of a Handle.
type State uint8

const (
	// StatePending means the handle is open but no I/O has bound a stream.
	StatePending State = iota
	// StateBound means a stream was used by this handle.
	StateBound
	// StateClosed means the handle was cleaned up.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handle is one open instance of a file or folder.
//
// Overlay file streams live on the tree node and are shared by all handles
// of that node. Archive content streams belong to the handle.
type Handle struct {
	node   *tree.Node
	path   string
	access Access

	mu      sync.Mutex
	state   State
	content io.ReadCloser
	pos     int64
}

// Path returns the tree path the handle was opened with.
func (h *Handle) Path() string {
	return h.path
}

// Node returns the node the handle is bound to.
func (h *Handle) Node() *tree.Node {
	return h.node
}

// Writable reports whether the handle was opened for writing.
func (h *Handle) Writable() bool {
	return h.access&AccessWrite != 0
}

// State returns the lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// bind fails for closed handles and marks the handle bound. Caller holds
// h.mu.
func (h *Handle) bind(op string) error {
	if h.state == StateClosed {
		return fserr.New(fserr.AccessDenied, op, h.path, ErrClosed)
	}
	h.state = StateBound
	return nil
}

// OpenOrCreate opens the node at path, creating an overlay file or folder
// first when disp allows it. Write access is only granted on overlay nodes.
//
// Missing parent folders are never created on the way: creating below a
// path that does not exist fails with NotFound, as POSIX hosts expect from
// open(2) and mkdir(2), even where a Windows host would have created them.
func (f *FS) OpenOrCreate(path string, access Access, disp Disposition, isDir bool) (*Handle, error) {
	p := f.resolve(path)
	var h *Handle
	err := f.do("open", p, func() error {
		n, err := f.open(p, access, disp, isDir)
		if err != nil {
			return err
		}
		h = &Handle{node: n, path: p, access: access}
		f.tree.Acquire(n, h.Writable())
		metrics.HandleOpened()
		return nil
	})
	return h, err
}

func (f *FS) open(p string, access Access, disp Disposition, isDir bool) (*tree.Node, error) {
	write := access&AccessWrite != 0

	n := f.tree.Lookup(p)
	if n == nil {
		if !disp.creates() {
			return nil, fserr.New(fserr.NotFound, "open", p, nil)
		}
		created, err := f.tree.Create(p, isDir)
		if err == nil {
			logging.Debug("created", logging.Path(p), logging.Bool("dir", isDir))
			return created, nil
		}
		// Lost a race with another create of the same path.
		if fserr.CodeOf(err) != fserr.AlreadyExists || disp == CreateNew {
			return nil, err
		}
		if n = f.tree.Lookup(p); n == nil {
			return nil, err
		}
	} else if disp == CreateNew {
		return nil, fserr.New(fserr.AlreadyExists, "open", p, nil)
	}

	kind := f.tree.Kind(n)
	if isDir && !kind.IsDir() {
		return nil, fserr.New(fserr.Unsupported, "open", p, ErrNotDirectory)
	}
	if write && !kind.IsReal() {
		return nil, fserr.New(fserr.AccessDenied, "open", p, errors.New("archive content is read-only"))
	}

	if disp.truncates() && !kind.IsDir() {
		if !kind.IsReal() {
			return nil, fserr.New(fserr.AccessDenied, "open", p, errors.New("archive content is read-only"))
		}
		if err := f.tree.SetLength(n, 0); err != nil {
			f.heal(n, err)
			return nil, err
		}
	}
	return n, nil
}

// Cleanup releases everything the handle holds. It never fails and may be
// called repeatedly.
func (f *FS) Cleanup(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateClosed {
		return
	}
	h.state = StateClosed
	if h.content != nil {
		h.content.Close()
		h.content = nil
	}
	f.tree.Release(h.node, h.Writable())
	metrics.HandleClosed()
}

// Close is the final notification for a handle. Anything Cleanup has not
// released yet is released here.
func (f *FS) Close(h *Handle) {
	f.Cleanup(h)
}

// Read copies content at off into p. At or past the end it returns 0 and
// io.EOF.
func (f *FS) Read(h *Handle, p []byte, off int64) (int, error) {
	var read int
	err := f.do("read", h.path, func() error {
		var err error
		read, err = f.read(h, p, off)
		return err
	})
	return read, err
}

func (f *FS) read(h *Handle, p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fserr.New(fserr.AccessDenied, "read", h.path, errors.New("negative offset"))
	}

	switch kind := f.tree.Kind(h.node); kind {
	case tree.KindRealFile:
		h.mu.Lock()
		err := h.bind("read")
		h.mu.Unlock()
		if err != nil {
			return 0, err
		}
		n, err := f.tree.ReadAt(h.node, p, off)
		if err != nil && !errors.Is(err, io.EOF) {
			f.heal(h.node, err)
		}
		metrics.RecordRead("overlay", n)
		return n, err

	case tree.KindFile, tree.KindDerivedFile:
		n, err := f.readContent(h, p, off)
		source := "archive"
		if kind == tree.KindDerivedFile {
			source = "derived"
		}
		metrics.RecordRead(source, n)
		return n, err

	default:
		return 0, fserr.New(fserr.Unsupported, "read", h.path, ErrIsDirectory)
	}
}

// readContent serves archive-backed content. Random-access streams are read
// in place; sequential streams are skipped forward and reopened to go back.
func (f *FS) readContent(h *Handle, p []byte, off int64) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.bind("read"); err != nil {
		return 0, err
	}

	if h.content == nil {
		rc, err := f.tree.OpenContent(context.Background(), h.node)
		if err != nil {
			return 0, fserr.FromOS("read", h.path, err)
		}
		h.content, h.pos = rc, 0
	}

	// The size of a derived file is known once its content was opened.
	size := f.tree.Info(h.node).Size
	if off >= size {
		return 0, io.EOF
	}
	want := int64(len(p))
	if rest := size - off; want > rest {
		want = rest
	}
	p = p[:want]

	if ra, ok := h.content.(io.ReaderAt); ok {
		n, err := ra.ReadAt(p, off)
		if errors.Is(err, io.EOF) {
			err = nil
		}
		if err != nil {
			return n, fserr.FromOS("read", h.path, err)
		}
		return n, nil
	}

	if off < h.pos {
		h.content.Close()
		h.content = nil
		rc, err := f.tree.OpenContent(context.Background(), h.node)
		if err != nil {
			return 0, fserr.FromOS("read", h.path, err)
		}
		h.content, h.pos = rc, 0
	}
	if off > h.pos {
		skipped, err := io.CopyN(io.Discard, h.content, off-h.pos)
		h.pos += skipped
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, io.EOF
			}
			return 0, fserr.FromOS("read", h.path, err)
		}
	}

	n, err := io.ReadFull(h.content, p)
	h.pos += int64(n)
	switch {
	case err == nil, errors.Is(err, io.ErrUnexpectedEOF):
		return n, nil
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	default:
		return n, fserr.FromOS("read", h.path, err)
	}
}

// Write writes p at off to an overlay file, extending it as needed.
func (f *FS) Write(h *Handle, p []byte, off int64) (int, error) {
	var written int
	err := f.do("write", h.path, func() error {
		if err := f.writable(h, "write"); err != nil {
			return err
		}
		if off < 0 {
			return fserr.New(fserr.AccessDenied, "write", h.path, errors.New("negative offset"))
		}
		var err error
		written, err = f.tree.WriteAt(h.node, p, off)
		f.heal(h.node, err)
		metrics.RecordWrite(written)
		return err
	})
	return written, err
}

// SetLength truncates or extends an overlay file to size.
func (f *FS) SetLength(h *Handle, size int64) error {
	return f.do("set_length", h.path, func() error {
		if err := f.writable(h, "set length"); err != nil {
			return err
		}
		if size < 0 {
			return fserr.New(fserr.AccessDenied, "set length", h.path, errors.New("negative length"))
		}
		err := f.tree.SetLength(h.node, size)
		f.heal(h.node, err)
		return err
	})
}

// Flush syncs the write stream of an overlay file.
func (f *FS) Flush(h *Handle) error {
	return f.do("flush", h.path, func() error {
		if f.tree.Kind(h.node) != tree.KindRealFile {
			return fserr.New(fserr.Unsupported, "flush", h.path, nil)
		}
		h.mu.Lock()
		closed := h.state == StateClosed
		h.mu.Unlock()
		if closed {
			return fserr.New(fserr.AccessDenied, "flush", h.path, ErrClosed)
		}
		return f.tree.Sync(h.node)
	})
}

// HandleInfo returns the metadata of the node behind h. It fails with
// NotFound once the node was removed.
func (f *FS) HandleInfo(h *Handle) (tree.Info, error) {
	var info tree.Info
	err := f.do("stat", h.path, func() error {
		if !f.tree.Attached(h.node) {
			return fserr.New(fserr.NotFound, "stat", h.path, nil)
		}
		info = f.tree.Info(h.node)
		return nil
	})
	return info, err
}

// writable checks that h may modify its node and marks it bound.
func (f *FS) writable(h *Handle, op string) error {
	switch f.tree.Kind(h.node) {
	case tree.KindRealFile:
	case tree.KindFolder, tree.KindRealFolder:
		return fserr.New(fserr.Unsupported, op, h.path, ErrIsDirectory)
	default:
		return fserr.New(fserr.Unsupported, op, h.path, errors.New("archive content is read-only"))
	}
	if !h.Writable() {
		return fserr.New(fserr.AccessDenied, op, h.path, errors.New("handle not open for writing"))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bind(op)
}
