// Package fileio defines the file capability consumed by working copies and
// provides a local implementation on top of afero.
package fileio

import (
	"context"
	"errors"
	"time"
)

// Limits bounds how much content a read may return. Zero means unlimited.
type Limits struct {
	Size int64
}

// ReadOptions controls conditional reads.
type ReadOptions struct {
	// ETag makes the read fail with ErrNotModifiedSince when the file still
	// matches it.
	ETag   string
	Limits Limits
}

// WriteOptions controls conditional writes.
type WriteOptions struct {
	// Mtime and ETag describe the version the caller last observed. The
	// write fails with ErrModifiedSince when the file changed since.
	Mtime time.Time
	ETag  string
	// Unlock clears a write lock before writing.
	Unlock bool
}

// Content is the result of a read.
type Content struct {
	Stat  FileStat
	Value []byte
}

// FileIO is the file capability a working copy needs.
type FileIO interface {
	Stat(ctx context.Context, resource string) (FileStat, error)
	ReadFile(ctx context.Context, resource string, opts ReadOptions) (Content, error)
	WriteFile(ctx context.Context, resource string, data []byte, opts WriteOptions) (FileStat, error)
}

// ElevatedWriter writes with elevated privileges where the platform allows it.
type ElevatedWriter interface {
	IsSupported(resource string) bool
	WriteFileElevated(ctx context.Context, resource string, data []byte, opts WriteOptions) (FileStat, error)
}

// DirReader lists directory children.
type DirReader interface {
	ReadDir(ctx context.Context, resource string) ([]FileStat, error)
}

// ChangeType classifies a file change notification.
type ChangeType int

const (
	ChangeUpdated ChangeType = iota
	ChangeAdded
	ChangeDeleted
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeDeleted:
		return "deleted"
	default:
		return "updated"
	}
}

// FileChange is a change observed on a resource by a watcher.
type FileChange struct {
	Resource string
	Type     ChangeType
}

// Exists reports whether resource exists.
func Exists(ctx context.Context, files FileIO, resource string) (bool, error) {
	_, err := files.Stat(ctx, resource)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// IsModifiedSince applies the conditional write rule: the write conflicts
// when the caller's etag is set, the caller's mtime is older than the
// current mtime and the etag recomputed with the current size differs.
func IsModifiedSince(current FileStat, opts WriteOptions) bool {
	if opts.ETag == ETagDisabled || opts.Mtime.IsZero() || current.Mtime.IsZero() {
		return false
	}
	if !opts.Mtime.Before(current.Mtime) {
		return false
	}
	return opts.ETag != ETag(opts.Mtime, current.Size)
}
