// Package fserr defines the error taxonomy shared by the tree, the operation
// layer and the host backends.
//
// Every failure that leaves the operation layer carries a Code. Backends map
// codes to host status values in one place; nothing else inspects raw disk
// errors. Reading past the end of a file is not an error and is reported as
// io.EOF.
package fserr

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Code identifies a class of filesystem failure.
type Code string

const (
	// NotFound indicates the path does not exist.
	NotFound Code = "NOT_FOUND"

	// AlreadyExists indicates a create or move collided with an existing node.
	AlreadyExists Code = "ALREADY_EXISTS"

	// AccessDenied indicates a write on a read-only node or a disk permission failure.
	AccessDenied Code = "ACCESS_DENIED"

	// SharingViolation indicates the disk object is busy, e.g. an open file.
	SharingViolation Code = "SHARING_VIOLATION"

	// DiskFull indicates the overlay could not materialize a file or directory.
	DiskFull Code = "DISK_FULL"

	// Unsupported indicates the operation does not apply to the node variant.
	Unsupported Code = "UNSUPPORTED"

	// Internal indicates a tree invariant was violated. It is a programming
	// error and is degraded to AccessDenied before reaching the host.
	Internal Code = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. They match any *Error with the same code.
var (
	ErrNotFound         = &Error{Code: NotFound}
	ErrAlreadyExists    = &Error{Code: AlreadyExists}
	ErrAccessDenied     = &Error{Code: AccessDenied}
	ErrSharingViolation = &Error{Code: SharingViolation}
	ErrDiskFull         = &Error{Code: DiskFull}
	ErrUnsupported      = &Error{Code: Unsupported}
	ErrInternal         = &Error{Code: Internal}
)

// Error is a classified filesystem failure.
type Error struct {
	Code Code
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// New returns a classified error.
func New(code Code, op, path string, err error) *Error {
	return &Error{Code: code, Op: op, Path: path, Err: err}
}

// Invariant returns an Internal error describing a broken tree invariant.
func Invariant(op, path, format string, args ...any) *Error {
	return &Error{Code: Internal, Op: op, Path: path, Err: fmt.Errorf(format, args...)}
}

// CodeOf returns the code carried by err, or AccessDenied for unclassified
// errors. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return AccessDenied
}

// IsInvariant reports whether err is a tree invariant violation.
func IsInvariant(err error) bool {
	return CodeOf(err) == Internal
}

// Degrade rewrites invariant violations to AccessDenied so the host gets a
// safe answer. Other errors are returned unchanged.
func Degrade(err error) error {
	var e *Error
	if errors.As(err, &e) && e.Code == Internal {
		return &Error{Code: AccessDenied, Op: e.Op, Path: e.Path, Err: e}
	}
	return err
}

// FromOS classifies an error returned by the overlay disk.
func FromOS(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: classify(err), Op: op, Path: path, Err: err}
}

func classify(err error) Code {
	// Errno first: syscall.Errno.Is folds ENOTEMPTY into fs.ErrExist.
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT, syscall.ENOTDIR:
			return NotFound
		case syscall.EEXIST:
			return AlreadyExists
		case syscall.EACCES, syscall.EPERM, syscall.EROFS:
			return AccessDenied
		case syscall.EBUSY, syscall.ETXTBSY, syscall.ENOTEMPTY:
			return SharingViolation
		case syscall.ENOSPC, syscall.EDQUOT, syscall.EFBIG:
			return DiskFull
		case syscall.ENOSYS, syscall.EOPNOTSUPP, syscall.EXDEV:
			return Unsupported
		}
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NotFound
	case errors.Is(err, fs.ErrExist):
		return AlreadyExists
	case errors.Is(err, fs.ErrPermission):
		return AccessDenied
	}
	return AccessDenied
}
