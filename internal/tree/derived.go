package tree

import (
	"bytes"
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/arma3/DokanPbo/internal/archive"
	"github.com/arma3/DokanPbo/internal/cache"
	"github.com/arma3/DokanPbo/internal/derap"
	"github.com/arma3/DokanPbo/internal/logging"
	"github.com/arma3/DokanPbo/internal/metrics"
)

type decodeState int32

const (
	decodePending decodeState = iota
	decodeDone
	decodeFailed
)

var derivedSeq atomic.Uint64

// Derived memoizes the decoded content of a derived file. Decoding runs at
// most once per mount unless the cached output is evicted. A failed decode is
// remembered and the raw entry is served from then on.
type Derived struct {
	mu    sync.Mutex
	key   string
	state atomic.Int32
	size  atomic.Int64
	data  []byte // decoded content when no cache is configured
}

func newDerived() *Derived {
	return &Derived{key: "derived-" + strconv.FormatUint(derivedSeq.Add(1), 10)}
}

// Size returns the decoded length once decoding succeeded, else raw.
func (d *Derived) Size(raw int64) int64 {
	if decodeState(d.state.Load()) == decodeDone {
		return d.size.Load()
	}
	return raw
}

// open returns the decoded content, decoding on first use, or the raw entry
// content if decoding failed.
func (d *Derived) open(ctx context.Context, entry archive.Entry, dec derap.Decoder, c *cache.Cache) (io.ReadCloser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if decodeState(d.state.Load()) == decodeDone {
		if rc, ok := d.cached(c); ok {
			return rc, nil
		}
		logging.Debug("decoded content evicted, decoding again", logging.String("key", d.key))
		d.state.Store(int32(decodePending))
	}

	if decodeState(d.state.Load()) == decodePending {
		if err := d.decode(ctx, entry, dec, c); err != nil {
			logging.Warn("config decode failed, serving raw content", logging.String("key", d.key), logging.Err(err))
			metrics.RecordDecode(false)
			d.state.Store(int32(decodeFailed))
		} else {
			metrics.RecordDecode(true)
			d.state.Store(int32(decodeDone))
			if rc, ok := d.cached(c); ok {
				return rc, nil
			}
		}
	}
	return entry.Open()
}

func (d *Derived) decode(ctx context.Context, entry archive.Entry, dec derap.Decoder, c *cache.Cache) error {
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	var out bytes.Buffer
	if err := dec.Decode(ctx, src, &out); err != nil {
		return err
	}

	if c == nil {
		d.data = out.Bytes()
		d.size.Store(int64(len(d.data)))
		return nil
	}
	_, size, err := c.Put(d.key, &out)
	if err != nil {
		return err
	}
	d.size.Store(size)
	return nil
}

// cached opens the decoded content. Cached files stay pinned until the
// returned reader is closed.
func (d *Derived) cached(c *cache.Cache) (io.ReadCloser, bool) {
	if c == nil {
		return bytesReader{bytes.NewReader(d.data)}, true
	}
	f, err := c.Open(d.key)
	if err != nil {
		return nil, false
	}
	return f, true
}

// bytesReader serves in-memory content with random access.
type bytesReader struct {
	*bytes.Reader
}

func (bytesReader) Close() error { return nil }
