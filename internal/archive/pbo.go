package archive

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// Packing methods stored in PBO headers (little-endian ASCII tags).
const (
	methodStored     uint32 = 0
	methodVersion    uint32 = 0x56657273 // "sreV"
	methodCompressed uint32 = 0x43707273 // "srpC"
)

// ErrCorrupt is returned for PBO files whose header does not match the data.
var ErrCorrupt = errors.New("corrupt pbo")

// PBO is an opened PBO container.
type PBO struct {
	path       string
	f          *os.File
	prefix     string
	properties map[string]string
	entries    []*pboEntry
}

type pboEntry struct {
	f            *os.File
	name         string
	method       uint32
	originalSize uint32
	timestamp    uint32
	dataSize     uint32
	offset       int64
}

type pboHeader struct {
	Method       uint32
	OriginalSize uint32
	Reserved     uint32
	Timestamp    uint32
	DataSize     uint32
}

// OpenPBO reads the header of the PBO at path. The file stays open until
// Close; entry data is read on demand.
func OpenPBO(path string) (*PBO, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	p, err := readPBO(path, f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return p, nil
}

func readPBO(path string, f *os.File) (*PBO, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	cr := &countingReader{r: bufio.NewReader(f)}
	p := &PBO{
		path:       path,
		f:          f,
		properties: make(map[string]string),
	}

	for {
		name, err := readCString(cr)
		if err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
		}
		var hdr pboHeader
		if err := binary.Read(cr, binary.LittleEndian, &hdr); err != nil {
			return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
		}

		if name == "" && hdr.Method == methodVersion {
			if err := p.readProperties(cr); err != nil {
				return nil, err
			}
			continue
		}
		if name == "" {
			break
		}

		p.entries = append(p.entries, &pboEntry{
			f:            f,
			name:         name,
			method:       hdr.Method,
			originalSize: hdr.OriginalSize,
			timestamp:    hdr.Timestamp,
			dataSize:     hdr.DataSize,
		})
	}

	offset := cr.n
	for _, e := range p.entries {
		e.offset = offset
		offset += int64(e.dataSize)
	}
	if offset > info.Size() {
		return nil, fmt.Errorf("%w: data ends at %d, file is %d bytes", ErrCorrupt, offset, info.Size())
	}

	p.prefix = p.properties["prefix"]
	return p, nil
}

func (p *PBO) readProperties(r io.ByteReader) error {
	for {
		key, err := readCString(r)
		if err != nil {
			return fmt.Errorf("%w: properties: %v", ErrCorrupt, err)
		}
		if key == "" {
			return nil
		}
		value, err := readCString(r)
		if err != nil {
			return fmt.Errorf("%w: properties: %v", ErrCorrupt, err)
		}
		p.properties[key] = value
	}
}

// Path returns the container path.
func (p *PBO) Path() string { return p.path }

// Prefix returns the logical prefix declared by the product entry.
func (p *PBO) Prefix() string { return p.prefix }

// Property returns a product entry property.
func (p *PBO) Property(key string) (string, bool) {
	v, ok := p.properties[key]
	return v, ok
}

// Pairs returns every entry under the PBO prefix.
func (p *PBO) Pairs() []Pair {
	pairs := make([]Pair, 0, len(p.entries))
	for _, e := range p.entries {
		pairs = append(pairs, Pair{Path: JoinPath(p.prefix, e.name), Entry: e})
	}
	return pairs
}

// Close closes the underlying file.
func (p *PBO) Close() error {
	return p.f.Close()
}

func (e *pboEntry) compressed() bool {
	return e.method == methodCompressed && e.originalSize > 0
}

func (e *pboEntry) Size() int64 {
	if e.compressed() {
		return int64(e.originalSize)
	}
	return int64(e.dataSize)
}

func (e *pboEntry) ModTime() time.Time {
	return time.Unix(int64(e.timestamp), 0)
}

func (e *pboEntry) Open() (io.ReadCloser, error) {
	section := io.NewSectionReader(e.f, e.offset, int64(e.dataSize))
	if !e.compressed() {
		return readerAtCloser{section}, nil
	}

	data, err := DecompressLZSS(section, int(e.originalSize), int64(e.dataSize))
	if err != nil {
		return nil, fmt.Errorf("decompress %s: %w", e.name, err)
	}
	return readerAtCloser{io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data)))}, nil
}

func readCString(r io.ByteReader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(buf), nil
		}
		buf = append(buf, b)
	}
}

type countingReader struct {
	r *bufio.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}
