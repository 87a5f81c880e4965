// Package archive enumerates read-only archive containers and exposes their
// entries by logical path.
//
// Logical paths use backslash separators and start with a backslash, e.g.
// `\a3\data\config.bin`. Case is preserved; the tree compares paths
// case-insensitively.
package archive

import (
	"io"
	"strings"
	"time"
)

// Entry is one file inside an archive. Entries are owned by the Set that
// produced them and remain valid until the Set is closed.
type Entry interface {
	// Size returns the decompressed content length.
	Size() int64

	// ModTime returns the entry timestamp.
	ModTime() time.Time

	// Open returns a fresh stream of the decompressed content. If the
	// returned value also implements io.ReaderAt, callers may use random
	// access instead of reading sequentially.
	Open() (io.ReadCloser, error)
}

// Pair is a logical path together with its entry.
type Pair struct {
	Path  string
	Entry Entry
}

// Archive is one opened container.
type Archive interface {
	// Path returns the container path on disk.
	Path() string

	// Pairs returns the entries in container order.
	Pairs() []Pair

	io.Closer
}

// JoinPath builds a logical path from a prefix and an entry name that may use
// either separator.
func JoinPath(prefix, name string) string {
	name = strings.Trim(strings.ReplaceAll(name, "/", `\`), `\`)
	prefix = strings.Trim(strings.ReplaceAll(prefix, "/", `\`), `\`)
	if prefix == "" {
		return `\` + name
	}
	return `\` + prefix + `\` + name
}

// readerAtCloser serves an entry from a region of an open file.
type readerAtCloser struct {
	*io.SectionReader
}

func (readerAtCloser) Close() error { return nil }
