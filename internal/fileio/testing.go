package fileio

import (
	"context"
)

// FakeFileIO is a test double for FileIO.
type FakeFileIO struct {
	StatFunc      func(ctx context.Context, resource string) (FileStat, error)
	ReadFileFunc  func(ctx context.Context, resource string, opts ReadOptions) (Content, error)
	WriteFileFunc func(ctx context.Context, resource string, data []byte, opts WriteOptions) (FileStat, error)
}

var _ FileIO = (*FakeFileIO)(nil)

func (f *FakeFileIO) Stat(ctx context.Context, resource string) (FileStat, error) {
	if f.StatFunc != nil {
		return f.StatFunc(ctx, resource)
	}
	return FileStat{}, opError("stat", resource, ErrNotFound)
}

func (f *FakeFileIO) ReadFile(ctx context.Context, resource string, opts ReadOptions) (Content, error) {
	if f.ReadFileFunc != nil {
		return f.ReadFileFunc(ctx, resource, opts)
	}
	return Content{}, opError("read", resource, ErrNotFound)
}

func (f *FakeFileIO) WriteFile(ctx context.Context, resource string, data []byte, opts WriteOptions) (FileStat, error) {
	if f.WriteFileFunc != nil {
		return f.WriteFileFunc(ctx, resource, data, opts)
	}
	return FileStat{Resource: resource, Size: int64(len(data))}, nil
}

// FakeElevatedWriter is a test double for ElevatedWriter.
type FakeElevatedWriter struct {
	SupportedFunc func(resource string) bool
	WriteFunc     func(ctx context.Context, resource string, data []byte, opts WriteOptions) (FileStat, error)
}

func (f *FakeElevatedWriter) IsSupported(resource string) bool {
	if f.SupportedFunc != nil {
		return f.SupportedFunc(resource)
	}
	return true
}

func (f *FakeElevatedWriter) WriteFileElevated(ctx context.Context, resource string, data []byte, opts WriteOptions) (FileStat, error) {
	if f.WriteFunc != nil {
		return f.WriteFunc(ctx, resource, data, opts)
	}
	return FileStat{Resource: resource, Size: int64(len(data))}, nil
}

// NotModified builds the error a conditional read returns when the etag matches.
func NotModified(resource string, stat FileStat) error {
	return &OperationError{Op: "read", Resource: resource, Err: ErrNotModifiedSince, Stat: &stat}
}

// Failure builds an OperationError wrapping a sentinel.
func Failure(op, resource string, err error) error {
	return opError(op, resource, err)
}
