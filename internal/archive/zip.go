package archive

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// Zip is an opened zip container. Its entries are exposed from the root of
// the logical tree.
type Zip struct {
	path string
	f    *os.File
	r    *zip.Reader
}

type zipEntry struct {
	z *Zip
	f *zip.File
}

// OpenZip reads the central directory of the zip file at path.
func OpenZip(path string) (*Zip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	r, err := zip.NewReader(f, info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Zip{path: path, f: f, r: r}, nil
}

// Path returns the container path.
func (z *Zip) Path() string { return z.path }

// Pairs returns every regular file in the zip.
func (z *Zip) Pairs() []Pair {
	pairs := make([]Pair, 0, len(z.r.File))
	for _, f := range z.r.File {
		if strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir() {
			continue
		}
		pairs = append(pairs, Pair{Path: JoinPath("", f.Name), Entry: &zipEntry{z: z, f: f}})
	}
	return pairs
}

// Close closes the zip file.
func (z *Zip) Close() error {
	return z.f.Close()
}

func (e *zipEntry) Size() int64 {
	return int64(e.f.UncompressedSize64)
}

func (e *zipEntry) ModTime() time.Time {
	return e.f.Modified
}

// Open serves stored entries with random access straight from the file and
// inflates everything else sequentially.
func (e *zipEntry) Open() (io.ReadCloser, error) {
	if e.f.Method == zip.Store {
		if off, err := e.f.DataOffset(); err == nil {
			return readerAtCloser{io.NewSectionReader(e.z.f, off, int64(e.f.UncompressedSize64))}, nil
		}
	}
	return e.f.Open()
}
