package fserr

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesByCode(t *testing.T) {
	err := New(NotFound, "open", `\data\x`, nil)

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrAccessDenied))

	wrapped := fmt.Errorf("outer: %w", err)
	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.Equal(t, NotFound, CodeOf(wrapped))
}

func TestFromOS(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"not exist", &os.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, NotFound},
		{"exist", &os.PathError{Op: "mkdir", Path: "x", Err: syscall.EEXIST}, AlreadyExists},
		{"permission", fs.ErrPermission, AccessDenied},
		{"busy", &os.PathError{Op: "remove", Path: "x", Err: syscall.EBUSY}, SharingViolation},
		{"not empty", &os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.ENOTEMPTY}, SharingViolation},
		{"no space", &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}, DiskFull},
		{"cross device", &os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EXDEV}, Unsupported},
		{"unknown", errors.New("boom"), AccessDenied},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromOS("op", "path", tt.err)
			require.Error(t, got)
			assert.Equal(t, tt.want, CodeOf(got))
			assert.True(t, errors.Is(got, tt.err), "original error must stay reachable")
		})
	}

	assert.NoError(t, FromOS("op", "path", nil))
}

func TestFromOSKeepsClassifiedErrors(t *testing.T) {
	orig := New(SharingViolation, "move", "a", nil)
	assert.Same(t, orig, FromOS("other", "b", orig))
}

func TestDegrade(t *testing.T) {
	inv := Invariant("move", `\a`, "parent mismatch for %q", "a")
	require.True(t, IsInvariant(inv))

	got := Degrade(inv)
	assert.Equal(t, AccessDenied, CodeOf(got))
	assert.True(t, errors.Is(got, ErrAccessDenied))

	plain := New(NotFound, "open", "x", nil)
	assert.Same(t, plain, Degrade(plain))
}

func TestErrorString(t *testing.T) {
	err := New(AlreadyExists, "move", `\b`, errors.New("exists"))
	assert.Equal(t, `move: ALREADY_EXISTS \b: exists`, err.Error())
	assert.Equal(t, Code(""), CodeOf(nil))
}
