package tree

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/logging"
)

// RealFile is the open-stream state of an overlay file.
//
// Streams are bound lazily on the first read or write while at least one
// handle is open, and released when the last handle is cleaned up. Without
// an open handle every I/O call opens the file transiently.
type RealFile struct {
	mu      sync.Mutex
	reader  afero.File
	writer  afero.File
	handles int
	writers int
	mtime   *time.Time // write time deferred until the last writer closes
}

// Busy reports whether any handle is open.
func (rf *RealFile) Busy() bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.handles > 0
}

// Writing reports whether any handle is open for writing.
func (rf *RealFile) Writing() bool {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.writers > 0
}

// closeStreams closes bound streams. Handles stay counted.
func (rf *RealFile) closeStreams() {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.closeLocked()
}

func (rf *RealFile) closeLocked() {
	if rf.reader != nil {
		rf.reader.Close()
		rf.reader = nil
	}
	if rf.writer != nil {
		rf.writer.Close()
		rf.writer = nil
	}
}

// Acquire registers an open handle on n. It does not open a stream.
func (t *Tree) Acquire(n *Node, write bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n.real == nil {
		return
	}
	n.real.mu.Lock()
	defer n.real.mu.Unlock()
	n.real.handles++
	if write {
		n.real.writers++
	}
}

// Release unregisters a handle from n. When the last handle goes the
// streams are closed and any deferred write time is applied. Release never
// fails.
func (t *Tree) Release(n *Node, write bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n.real == nil {
		return
	}

	rf := n.real
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.handles > 0 {
		rf.handles--
	}
	if write && rf.writers > 0 {
		rf.writers--
	}
	if rf.handles > 0 {
		return
	}

	rf.closeLocked()
	if rf.mtime == nil {
		return
	}
	mtime := *rf.mtime
	rf.mtime = nil

	rel, err := t.diskPath(n)
	if err != nil {
		return
	}
	if err := t.disk.Chtimes(rel, mtime, mtime); err != nil {
		logging.Warn("apply deferred write time", logging.Path(rel), logging.Err(err))
		return
	}
	if info, err := t.disk.Stat(rel); err == nil {
		n.setDiskMeta(info)
	}
}

// stream returns the stream to use for an I/O call and whether the caller
// must close it afterwards. Caller holds rf.mu and the tree lock.
func (t *Tree) stream(n *Node, write bool) (afero.File, bool, error) {
	rf := n.real
	if rf.writer != nil {
		return rf.writer, false, nil
	}
	if !write && rf.reader != nil {
		return rf.reader, false, nil
	}

	rel, err := t.diskPath(n)
	if err != nil {
		return nil, false, err
	}
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := t.disk.OpenFile(rel, flag)
	if err != nil {
		return nil, false, fserr.FromOS("open", rel, err)
	}

	if rf.handles == 0 {
		return f, true, nil
	}
	if write {
		if rf.reader != nil {
			rf.reader.Close()
			rf.reader = nil
		}
		rf.writer = f
	} else {
		rf.reader = f
	}
	return f, false, nil
}

func (t *Tree) realFile(op string, n *Node) (*RealFile, error) {
	if n.kind != KindRealFile {
		return nil, fserr.New(fserr.Unsupported, op, n.name, nil)
	}
	return n.real, nil
}

// ReadAt reads from an overlay file at an absolute offset. Reading at or past
// the end returns io.EOF with zero bytes.
func (t *Tree) ReadAt(n *Node, p []byte, off int64) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rf, err := t.realFile("read", n)
	if err != nil {
		return 0, err
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()

	f, transient, err := t.stream(n, false)
	if err != nil {
		return 0, err
	}
	if transient {
		defer f.Close()
	}

	read, err := f.ReadAt(p, off)
	if errors.Is(err, io.EOF) {
		if read > 0 {
			return read, nil
		}
		return 0, io.EOF
	}
	if err != nil {
		return read, fserr.FromOS("read", n.name, err)
	}
	return read, nil
}

// WriteAt writes to an overlay file at an absolute offset, extending it as
// needed.
func (t *Tree) WriteAt(n *Node, p []byte, off int64) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rf, err := t.realFile("write", n)
	if err != nil {
		return 0, err
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()

	f, transient, err := t.stream(n, true)
	if err != nil {
		return 0, err
	}
	if transient {
		defer f.Close()
	}

	written, err := f.WriteAt(p, off)
	if err != nil {
		return written, fserr.FromOS("write", n.name, err)
	}
	t.refresh(n, f)
	return written, nil
}

// SetLength truncates or extends an overlay file to size.
func (t *Tree) SetLength(n *Node, size int64) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rf, err := t.realFile("set length", n)
	if err != nil {
		return err
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.handles == 0 {
		rel, err := t.diskPath(n)
		if err != nil {
			return err
		}
		if err := t.disk.Truncate(rel, size); err != nil {
			return fserr.FromOS("set length", rel, err)
		}
		return t.statReal(n)
	}

	f, _, err := t.stream(n, true)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		return fserr.FromOS("set length", n.name, err)
	}
	t.refresh(n, f)
	return nil
}

// Sync flushes the bound write stream of an overlay file.
func (t *Tree) Sync(n *Node) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rf, err := t.realFile("flush", n)
	if err != nil {
		return err
	}
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.writer == nil {
		return nil
	}
	if err := rf.writer.Sync(); err != nil {
		return fserr.FromOS("flush", n.name, err)
	}
	return nil
}

func (t *Tree) refresh(n *Node, f afero.File) {
	info, err := f.Stat()
	if err != nil {
		return
	}
	n.setDiskMeta(info)
	if n.real.mtime != nil {
		n.mu.Lock()
		n.meta.written = *n.real.mtime
		n.mu.Unlock()
	}
}

// busy reports whether any overlay file at or below n has open handles.
// Caller holds the lock.
func busy(n *Node, writersOnly bool) bool {
	found := false
	n.walk(func(c *Node) {
		if found || c.real == nil {
			return
		}
		if writersOnly {
			found = c.real.Writing()
		} else {
			found = c.real.Busy()
		}
	})
	return found
}

// statReal reloads metadata of a real node from disk. Caller holds the lock.
func (t *Tree) statReal(n *Node) error {
	rel, err := t.diskPath(n)
	if err != nil {
		return err
	}
	info, err := t.disk.Stat(rel)
	if err != nil {
		return fserr.FromOS("stat", rel, err)
	}
	n.setDiskMeta(info)
	return nil
}
