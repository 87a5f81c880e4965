package derap

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEncoded(t *testing.T) {
	assert.True(t, IsEncoded("config.bin"))
	assert.True(t, IsEncoded("Config.BIN"))
	assert.False(t, IsEncoded("config.cpp"))
	assert.False(t, IsEncoded("texheaders.bin"))
}

func TestDerivedName(t *testing.T) {
	assert.Equal(t, "config.cpp", DerivedName("config.bin"))
	assert.Equal(t, "Config.cpp", DerivedName("Config.BIN"))
	assert.Equal(t, "model.p3d.cpp", DerivedName("model.p3d"))
}

// writeTool writes a converter stand-in that honours `-txt -dst <out> <in>`.
func writeTool(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell converter stand-in needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "cfgconvert")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestExecDecoder(t *testing.T) {
	tool := writeTool(t, `[ "$1" = "-txt" ] && [ "$2" = "-dst" ] || exit 2
tr a-z A-Z < "$4" > "$3"`)

	d, ok := Find(tool)
	require.True(t, ok)

	var out bytes.Buffer
	require.NoError(t, d.Decode(context.Background(), strings.NewReader("class cfgpatches {};"), &out))
	assert.Equal(t, "CLASS CFGPATCHES {};", out.String())
}

func TestExecDecoderFailure(t *testing.T) {
	tool := writeTool(t, `echo "bad rap" >&2; exit 1`)

	d, ok := Find(tool)
	require.True(t, ok)

	var out bytes.Buffer
	err := d.Decode(context.Background(), strings.NewReader("x"), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad rap")
	assert.Zero(t, out.Len())
}

func TestExecDecoderTimeout(t *testing.T) {
	tool := writeTool(t, `exec sleep 5`)

	d, ok := Find(tool)
	require.True(t, ok)
	d.Timeout = 50 * time.Millisecond

	err := d.Decode(context.Background(), strings.NewReader("x"), &bytes.Buffer{})
	assert.Error(t, err)
}

func TestFindMissing(t *testing.T) {
	_, ok := Find(filepath.Join(t.TempDir(), "missing"))
	assert.False(t, ok)

	t.Setenv("PATH", t.TempDir())
	_, ok = Find("")
	assert.False(t, ok)
}
