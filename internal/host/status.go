package host

import (
	"errors"
	"io"
	"time"

	"github.com/arma3/DokanPbo/internal/fserr"
	"github.com/arma3/DokanPbo/internal/tree"
	"github.com/arma3/DokanPbo/internal/vfs"
)

// Status is a host-neutral result of an operation. Each backend renders it
// with its own errno constants.
type Status uint8

const (
	StatusOK Status = iota
	StatusNoEntry
	StatusExists
	StatusAccess
	StatusBusy
	StatusNoSpace
	StatusNotPermitted
	StatusIO
	StatusNotDir
	StatusIsDir
	StatusNotEmpty
	statusCount
)

var codeStatus = map[fserr.Code]Status{
	fserr.NotFound:         StatusNoEntry,
	fserr.AlreadyExists:    StatusExists,
	fserr.AccessDenied:     StatusAccess,
	fserr.SharingViolation: StatusBusy,
	fserr.DiskFull:         StatusNoSpace,
	fserr.Unsupported:      StatusNotPermitted,
	fserr.Internal:         StatusAccess,
}

// StatusOf maps an operation error to a Status. io.EOF is success.
func StatusOf(err error) Status {
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return StatusOK
	case errors.Is(err, vfs.ErrNotDirectory):
		return StatusNotDir
	case errors.Is(err, vfs.ErrIsDirectory):
		return StatusIsDir
	case errors.Is(err, vfs.ErrNotEmpty):
		return StatusNotEmpty
	}
	if s, ok := codeStatus[fserr.CodeOf(err)]; ok {
		return s
	}
	return StatusIO
}

// access maps host open flags to vfs access.
func access(writeOnly, readWrite bool) vfs.Access {
	switch {
	case readWrite:
		return vfs.AccessRead | vfs.AccessWrite
	case writeOnly:
		return vfs.AccessWrite
	default:
		return vfs.AccessRead
	}
}

// disposition maps O_CREAT, O_EXCL and O_TRUNC to a vfs disposition.
func disposition(create, exclusive, truncate bool) vfs.Disposition {
	switch {
	case create && exclusive:
		return vfs.CreateNew
	case create && truncate:
		return vfs.Create
	case create:
		return vfs.OpenOrCreate
	case truncate:
		return vfs.Truncate
	default:
		return vfs.Open
	}
}

// perm returns the permission bits reported for info.
func perm(info tree.Info) uint32 {
	p := uint32(0644)
	if info.IsDir {
		p = 0755
	}
	if info.Attributes&tree.AttrReadOnly != 0 {
		p &^= 0222
	}
	return p
}

// attrsForMode applies the owner write bit of mode to attrs.
func attrsForMode(attrs, mode uint32) uint32 {
	if mode&0200 == 0 {
		return attrs | tree.AttrReadOnly
	}
	return attrs &^ tree.AttrReadOnly
}

// timeArg returns a pointer to t, or nil if ok is false.
func timeArg(t time.Time, ok bool) *time.Time {
	if !ok {
		return nil
	}
	return &t
}
