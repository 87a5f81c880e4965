package vfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arma3/DokanPbo/internal/archive"
	"github.com/arma3/DokanPbo/internal/derap"
	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/overlay"
	"github.com/arma3/DokanPbo/internal/tree"
)

type memEntry struct {
	data []byte
}

func (e memEntry) Size() int64        { return int64(len(e.data)) }
func (e memEntry) ModTime() time.Time { return time.Unix(1600000000, 0) }

// Open hides io.ReaderAt so reads go through the sequential path.
func (e memEntry) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(e.data)), nil
}

func pair(path, content string) archive.Pair {
	return archive.Pair{Path: path, Entry: memEntry{data: []byte(content)}}
}

type setup struct {
	pairs   []archive.Pair
	decoder derap.Decoder
	prefix  string
}

func newFS(t *testing.T, s setup) (*FS, string) {
	t.Helper()
	root := t.TempDir()
	disk, err := overlay.New(overlay.Config{RootPath: root})
	require.NoError(t, err)

	tr, err := tree.Build(context.Background(), tree.BuildOptions{
		Pairs:   s.pairs,
		Disk:    disk,
		Decoder: s.decoder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	var total int64
	for _, p := range s.pairs {
		total += p.Entry.Size()
	}
	return New(Options{Tree: tr, Prefix: s.prefix, TotalBytes: total}), root
}

func requireCode(t *testing.T, code fserr.Code, err error) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, fserr.CodeOf(err), "error: %v", err)
}

func readAll(t *testing.T, fsys *FS, h *Handle) string {
	t.Helper()
	var out []byte
	buf := make([]byte, 4)
	for off := int64(0); ; {
		n, err := fsys.Read(h, buf, off)
		out = append(out, buf[:n]...)
		off += int64(n)
		if errors.Is(err, io.EOF) {
			return string(out)
		}
		require.NoError(t, err)
	}
}

func TestArchiveFileIsReadOnly(t *testing.T) {
	fsys, _ := newFS(t, setup{pairs: []archive.Pair{pair(`\data\config.bin`, "abc")}})

	info, err := fsys.GetMetadata(`\DATA\Config.bin`)
	require.NoError(t, err)
	assert.Equal(t, int64(3), info.Size)
	assert.False(t, info.IsDir)

	h, err := fsys.OpenOrCreate(`\data\config.bin`, AccessRead, Open, false)
	require.NoError(t, err)
	defer fsys.Close(h)

	_, err = fsys.Write(h, []byte("x"), 0)
	requireCode(t, fserr.Unsupported, err)
	requireCode(t, fserr.Unsupported, fsys.SetLength(h, 0))
	assert.Equal(t, "abc", readAll(t, fsys, h))

	_, err = fsys.OpenOrCreate(`\data\config.bin`, AccessRead|AccessWrite, Open, false)
	requireCode(t, fserr.AccessDenied, err)
	_, err = fsys.OpenOrCreate(`\data\config.bin`, AccessRead, Truncate, false)
	requireCode(t, fserr.AccessDenied, err)

	requireCode(t, fserr.AccessDenied, fsys.DeleteFile(`\data\config.bin`))
	requireCode(t, fserr.AccessDenied, fsys.DeleteDirectory(`\data`))
	requireCode(t, fserr.Unsupported, fsys.Move(`\data\config.bin`, `\data\other.bin`, false))
}

func TestReadAtEndReturnsEOF(t *testing.T) {
	fsys, _ := newFS(t, setup{pairs: []archive.Pair{pair(`\a.txt`, "hello")}})

	h, err := fsys.OpenOrCreate(`\a.txt`, AccessRead, Open, false)
	require.NoError(t, err)
	defer fsys.Close(h)

	buf := make([]byte, 8)
	n, err := fsys.Read(h, buf, 5)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	n, err = fsys.Read(h, buf, 100)
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)
}

func TestSequentialArchiveReadsSeekBothWays(t *testing.T) {
	fsys, _ := newFS(t, setup{pairs: []archive.Pair{pair(`\a.txt`, "0123456789")}})

	h, err := fsys.OpenOrCreate(`\a.txt`, AccessRead, Open, false)
	require.NoError(t, err)
	defer fsys.Close(h)

	buf := make([]byte, 3)
	n, err := fsys.Read(h, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "678", string(buf[:n]))

	n, err = fsys.Read(h, buf, 1)
	require.NoError(t, err)
	assert.Equal(t, "123", string(buf[:n]))

	n, err = fsys.Read(h, buf, 8)
	require.NoError(t, err)
	assert.Equal(t, "89", string(buf[:n]))
}

func TestDerivedFileFallsBackToRawContent(t *testing.T) {
	failing := derap.DecoderFunc(func(context.Context, io.Reader, io.Writer) error {
		return errors.New("cfgconvert: bad rap")
	})
	fsys, _ := newFS(t, setup{
		pairs:   []archive.Pair{pair(`\data\config.bin`, "abc")},
		decoder: failing,
	})

	infos, err := fsys.ListDirectory(`\data`)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "config.bin", infos[0].Name)
	assert.Equal(t, "config.cpp", infos[1].Name)

	h, err := fsys.OpenOrCreate(`\data\config.cpp`, AccessRead, Open, false)
	require.NoError(t, err)
	defer fsys.Close(h)
	assert.Equal(t, "abc", readAll(t, fsys, h))
}

func TestDerivedFileServesDecodedContent(t *testing.T) {
	decoder := derap.DecoderFunc(func(_ context.Context, src io.Reader, dst io.Writer) error {
		data, err := io.ReadAll(src)
		if err != nil {
			return err
		}
		_, err = dst.Write(append([]byte("class "), data...))
		return err
	})
	fsys, _ := newFS(t, setup{
		pairs:   []archive.Pair{pair(`\data\config.bin`, "abc")},
		decoder: decoder,
	})

	h, err := fsys.OpenOrCreate(`\data\config.cpp`, AccessRead, Open, false)
	require.NoError(t, err)
	defer fsys.Close(h)
	assert.Equal(t, "class abc", readAll(t, fsys, h))

	info, err := fsys.GetMetadata(`\data\config.cpp`)
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size)
}

func TestCreateInVirtualFolderPromotes(t *testing.T) {
	fsys, root := newFS(t, setup{pairs: []archive.Pair{pair(`\new\keep.txt`, "k")}})

	h, err := fsys.OpenOrCreate(`\new\file.txt`, AccessRead|AccessWrite, OpenOrCreate, false)
	require.NoError(t, err)
	assert.Equal(t, StatePending, h.State())

	assert.DirExists(t, filepath.Join(root, "new"))
	assert.FileExists(t, filepath.Join(root, "new", "file.txt"))
	assert.Equal(t, tree.KindRealFolder, fsys.Tree().Kind(fsys.Tree().Lookup(`\new`)))

	payload := []byte("round trip payload")
	n, err := fsys.Write(h, payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, StateBound, h.State())

	buf := make([]byte, len(payload))
	n, err = fsys.Read(h, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, buf[:n])

	info, err := fsys.GetMetadata(`\new\file.txt`)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), info.Size)

	fsys.Cleanup(h)
	fsys.Close(h)
	assert.Equal(t, StateClosed, h.State())

	onDisk, err := os.ReadFile(filepath.Join(root, "new", "file.txt"))
	require.NoError(t, err)
	assert.Equal(t, payload, onDisk)

	// The archive sibling survives promotion.
	_, err = fsys.GetMetadata(`\new\keep.txt`)
	require.NoError(t, err)
}

func TestOpenDispositions(t *testing.T) {
	fsys, _ := newFS(t, setup{})

	_, err := fsys.OpenOrCreate(`\missing.txt`, AccessRead, Open, false)
	requireCode(t, fserr.NotFound, err)
	_, err = fsys.OpenOrCreate(`\missing.txt`, AccessRead|AccessWrite, Truncate, false)
	requireCode(t, fserr.NotFound, err)
	_, err = fsys.OpenOrCreate(`\nodir\f.txt`, AccessWrite, Create, false)
	requireCode(t, fserr.NotFound, err)
	_, err = fsys.GetMetadata(`\nodir`)
	requireCode(t, fserr.NotFound, err)

	h, err := fsys.OpenOrCreate(`\f.txt`, AccessWrite, CreateNew, false)
	require.NoError(t, err)
	_, err = fsys.Write(h, []byte("data"), 0)
	require.NoError(t, err)
	fsys.Close(h)

	_, err = fsys.OpenOrCreate(`\F.TXT`, AccessWrite, CreateNew, false)
	requireCode(t, fserr.AlreadyExists, err)

	h, err = fsys.OpenOrCreate(`\f.txt`, AccessRead|AccessWrite, Truncate, false)
	require.NoError(t, err)
	fsys.Close(h)
	info, err := fsys.GetMetadata(`\f.txt`)
	require.NoError(t, err)
	assert.Zero(t, info.Size)

	_, err = fsys.OpenOrCreate(`\f.txt`, AccessRead, Open, true)
	require.ErrorIs(t, err, ErrNotDirectory)

	h, err = fsys.OpenOrCreate(`\dir`, AccessRead, CreateNew, true)
	require.NoError(t, err)
	_, err = fsys.Read(h, make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrIsDirectory)
	fsys.Close(h)

	info, err = fsys.GetMetadata(`\dir`)
	require.NoError(t, err)
	assert.True(t, info.IsDir)
}

func TestReadOnlyHandleCannotWrite(t *testing.T) {
	fsys, _ := newFS(t, setup{})

	h, err := fsys.OpenOrCreate(`\f.txt`, AccessRead, Create, false)
	require.NoError(t, err)
	defer fsys.Close(h)

	_, err = fsys.Write(h, []byte("x"), 0)
	requireCode(t, fserr.AccessDenied, err)
}

func TestCleanupIsIdempotent(t *testing.T) {
	fsys, _ := newFS(t, setup{pairs: []archive.Pair{pair(`\a.txt`, "a")}})

	h, err := fsys.OpenOrCreate(`\a.txt`, AccessRead, Open, false)
	require.NoError(t, err)
	fsys.Cleanup(h)
	fsys.Cleanup(h)
	fsys.Close(h)

	_, err = fsys.Read(h, make([]byte, 1), 0)
	require.ErrorIs(t, err, ErrClosed)
}

func TestDeleteDirectoryWithOpenFile(t *testing.T) {
	fsys, root := newFS(t, setup{})

	d, err := fsys.OpenOrCreate(`\mods`, AccessRead, CreateNew, true)
	require.NoError(t, err)
	fsys.Close(d)
	h, err := fsys.OpenOrCreate(`\mods\a.txt`, AccessRead|AccessWrite, CreateNew, false)
	require.NoError(t, err)

	requireCode(t, fserr.SharingViolation, fsys.DeleteDirectory(`\mods`))
	assert.FileExists(t, filepath.Join(root, "mods", "a.txt"))
	_, err = fsys.GetMetadata(`\mods\a.txt`)
	require.NoError(t, err)

	fsys.Close(h)
	require.NoError(t, fsys.DeleteDirectory(`\mods`))
	assert.NoDirExists(t, filepath.Join(root, "mods"))
	_, err = fsys.GetMetadata(`\mods\a.txt`)
	requireCode(t, fserr.NotFound, err)
}

func TestDeleteFile(t *testing.T) {
	fsys, root := newFS(t, setup{})

	h, err := fsys.OpenOrCreate(`\a.txt`, AccessWrite, CreateNew, false)
	require.NoError(t, err)
	fsys.Close(h)

	require.ErrorIs(t, fsys.DeleteDirectory(`\a.txt`), ErrNotDirectory)
	require.NoError(t, fsys.DeleteFile(`\A.txt`))
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	requireCode(t, fserr.NotFound, fsys.DeleteFile(`\a.txt`))
}

func TestMove(t *testing.T) {
	fsys, root := newFS(t, setup{pairs: []archive.Pair{pair(`\dst\x.txt`, "x")}})

	for _, p := range []string{`\src.txt`, `\other.txt`} {
		h, err := fsys.OpenOrCreate(p, AccessWrite, CreateNew, false)
		require.NoError(t, err)
		_, err = fsys.Write(h, []byte(p), 0)
		require.NoError(t, err)
		fsys.Close(h)
	}

	requireCode(t, fserr.AlreadyExists, fsys.Move(`\src.txt`, `\other.txt`, false))
	require.NoError(t, fsys.Move(`\src.txt`, `\dst\moved.txt`, false))

	_, err := fsys.GetMetadata(`\src.txt`)
	requireCode(t, fserr.NotFound, err)
	assert.FileExists(t, filepath.Join(root, "dst", "moved.txt"))

	h, err := fsys.OpenOrCreate(`\dst\moved.txt`, AccessRead, Open, false)
	require.NoError(t, err)
	assert.Equal(t, `\src.txt`, readAll(t, fsys, h))
	fsys.Close(h)

	require.NoError(t, fsys.Move(`\other.txt`, `\dst\moved.txt`, true))
	h, err = fsys.OpenOrCreate(`\dst\moved.txt`, AccessRead, Open, false)
	require.NoError(t, err)
	assert.Equal(t, `\other.txt`, readAll(t, fsys, h))
	fsys.Close(h)
}

func TestMoveOpenForWriteIsSharingViolation(t *testing.T) {
	fsys, _ := newFS(t, setup{})

	h, err := fsys.OpenOrCreate(`\a.txt`, AccessWrite, CreateNew, false)
	require.NoError(t, err)
	requireCode(t, fserr.SharingViolation, fsys.Move(`\a.txt`, `\b.txt`, false))
	fsys.Close(h)

	require.NoError(t, fsys.Move(`\a.txt`, `\b.txt`, false))
}

func TestVanishedOverlayFileIsForgotten(t *testing.T) {
	fsys, root := newFS(t, setup{})

	h, err := fsys.OpenOrCreate(`\gone.txt`, AccessRead, CreateNew, false)
	require.NoError(t, err)
	defer fsys.Close(h)

	require.NoError(t, os.Remove(filepath.Join(root, "gone.txt")))
	_, err = fsys.Read(h, make([]byte, 1), 0)
	requireCode(t, fserr.NotFound, err)

	_, err = fsys.GetMetadata(`\gone.txt`)
	requireCode(t, fserr.NotFound, err)
	_, err = fsys.HandleInfo(h)
	requireCode(t, fserr.NotFound, err)
}

func TestWriteTimeDeferredUntilClose(t *testing.T) {
	fsys, root := newFS(t, setup{})

	h, err := fsys.OpenOrCreate(`\a.txt`, AccessRead|AccessWrite, CreateNew, false)
	require.NoError(t, err)
	_, err = fsys.Write(h, []byte("abc"), 0)
	require.NoError(t, err)

	stamp := time.Unix(1500000000, 0)
	require.NoError(t, fsys.SetTimes(`\a.txt`, nil, nil, &stamp))

	st, err := os.Stat(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.False(t, st.ModTime().Equal(stamp))

	info, err := fsys.HandleInfo(h)
	require.NoError(t, err)
	assert.True(t, info.Written.Equal(stamp))

	fsys.Close(h)
	st, err = os.Stat(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.True(t, st.ModTime().Equal(stamp))
}

func TestSetAttributes(t *testing.T) {
	fsys, root := newFS(t, setup{pairs: []archive.Pair{pair(`\arch.txt`, "a")}})

	h, err := fsys.OpenOrCreate(`\a.txt`, AccessWrite, CreateNew, false)
	require.NoError(t, err)
	fsys.Close(h)

	require.NoError(t, fsys.SetAttributes(`\a.txt`, tree.AttrReadOnly|tree.AttrHidden))
	info, err := fsys.GetMetadata(`\a.txt`)
	require.NoError(t, err)
	assert.NotZero(t, info.Attributes&tree.AttrHidden)
	assert.NotZero(t, info.Attributes&tree.AttrReadOnly)

	st, err := os.Stat(filepath.Join(root, "a.txt"))
	require.NoError(t, err)
	assert.Zero(t, st.Mode().Perm()&0200)

	requireCode(t, fserr.Unsupported, fsys.SetAttributes(`\arch.txt`, tree.AttrHidden))
	requireCode(t, fserr.NotFound, fsys.SetAttributes(`\missing`, tree.AttrHidden))
}

func TestPrefixMapsHostRoot(t *testing.T) {
	fsys, root := newFS(t, setup{
		pairs:  []archive.Pair{pair(`\a3\data\x.txt`, "x"), pair(`\other\y.txt`, "y")},
		prefix: `\A3`,
	})

	infos, err := fsys.ListDirectory(`\`)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "data", infos[0].Name)

	_, err = fsys.GetMetadata(`\other\y.txt`)
	requireCode(t, fserr.NotFound, err)

	h, err := fsys.OpenOrCreate(`/data/new.txt`, AccessWrite, CreateNew, false)
	require.NoError(t, err)
	assert.Equal(t, `\A3\data\new.txt`, h.Path())
	fsys.Close(h)
	assert.FileExists(t, filepath.Join(root, "a3", "data", "new.txt"))

	var paths []string
	require.NoError(t, fsys.Walk(`\`, func(p string, _ tree.Info) { paths = append(paths, p) }))
	assert.Equal(t, []string{`\`, `\data`, `\data\new.txt`, `\data\x.txt`}, paths)

	err = fsys.Walk(`\missing`, func(string, tree.Info) {})
	requireCode(t, fserr.NotFound, err)
}

func TestListDirectory(t *testing.T) {
	fsys, _ := newFS(t, setup{pairs: []archive.Pair{pair(`\d\b.txt`, "b"), pair(`\d\a.txt`, "a")}})

	infos, err := fsys.ListDirectory(`\D`)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a.txt", infos[0].Name)
	assert.Equal(t, "b.txt", infos[1].Name)

	_, err = fsys.ListDirectory(`\d\a.txt`)
	require.ErrorIs(t, err, ErrNotDirectory)
	_, err = fsys.ListDirectory(`\nope`)
	requireCode(t, fserr.NotFound, err)
}

func TestVolume(t *testing.T) {
	fsys, _ := newFS(t, setup{pairs: []archive.Pair{pair(`\a.txt`, "12345")}})

	free, total, _, err := fsys.VolumeStats()
	require.NoError(t, err)
	assert.Equal(t, free+5, total)

	vi := fsys.VolumeInfo()
	assert.Equal(t, "PboFS", vi.Label)
	assert.Equal(t, "PboFS", vi.FileSystem)
	assert.Equal(t, uint32(256), vi.MaxComponentLength)
}
