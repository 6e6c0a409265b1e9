package fileio

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("file not found")
	ErrNotModifiedSince = errors.New("file not modified since")
	ErrModifiedSince    = errors.New("file modified since")
	ErrWriteLocked      = errors.New("file is write locked")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTooLarge         = errors.New("file too large")
	ErrIsDirectory      = errors.New("file is a directory")
)

// Result classifies the outcome of a failed file operation.
type Result int

const (
	ResultUnknown Result = iota
	ResultNotFound
	ResultNotModifiedSince
	ResultModifiedSince
	ResultWriteLocked
	ResultPermissionDenied
	ResultTooLarge
	ResultIsDirectory
)

func (r Result) String() string {
	switch r {
	case ResultNotFound:
		return "not_found"
	case ResultNotModifiedSince:
		return "not_modified_since"
	case ResultModifiedSince:
		return "modified_since"
	case ResultWriteLocked:
		return "write_locked"
	case ResultPermissionDenied:
		return "permission_denied"
	case ResultTooLarge:
		return "too_large"
	case ResultIsDirectory:
		return "is_directory"
	default:
		return "unknown"
	}
}

// OperationError describes a failed file operation on a resource.
// Stat is set for not-modified-since results and carries the current metadata.
type OperationError struct {
	Op       string
	Resource string
	Err      error
	Stat     *FileStat
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Resource, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

func opError(op, resource string, err error) error {
	return &OperationError{Op: op, Resource: resource, Err: err}
}

// ResultOf classifies err.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultUnknown
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	case errors.Is(err, ErrNotModifiedSince):
		return ResultNotModifiedSince
	case errors.Is(err, ErrModifiedSince):
		return ResultModifiedSince
	case errors.Is(err, ErrWriteLocked):
		return ResultWriteLocked
	case errors.Is(err, ErrPermissionDenied):
		return ResultPermissionDenied
	case errors.Is(err, ErrTooLarge):
		return ResultTooLarge
	case errors.Is(err, ErrIsDirectory):
		return ResultIsDirectory
	default:
		return ResultUnknown
	}
}

// NotModifiedStat returns the stat attached to a not-modified-since error.
func NotModifiedStat(err error) (FileStat, bool) {
	var opErr *OperationError
	if errors.As(err, &opErr) && opErr.Stat != nil && errors.Is(opErr.Err, ErrNotModifiedSince) {
		return *opErr.Stat, true
	}
	return FileStat{}, false
}
