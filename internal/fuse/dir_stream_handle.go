package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// dirStreamHandle lists a directory lazily on first use, so opendir does
// not pay for a listing that is never read.
type dirStreamHandle struct {
	creator func(context.Context) (fs.DirStream, syscall.Errno)
	ds      fs.DirStream
}

var _ = (fs.FileReaddirenter)((*dirStreamHandle)(nil))
var _ = (fs.FileReleasedirer)((*dirStreamHandle)(nil))
var _ = (fs.FileSeekdirer)((*dirStreamHandle)(nil))

func (d *dirStreamHandle) stream(ctx context.Context) (fs.DirStream, syscall.Errno) {
	if d.ds == nil {
		ds, errno := d.creator(ctx)
		if errno != 0 {
			return nil, errno
		}
		d.ds = ds
	}
	return d.ds, 0
}

func (d *dirStreamHandle) Releasedir(ctx context.Context, releaseFlags uint32) {
	if d.ds != nil {
		d.ds.Close()
		d.ds = nil
	}
}

func (d *dirStreamHandle) Readdirent(ctx context.Context) (*fuse.DirEntry, syscall.Errno) {
	ds, errno := d.stream(ctx)
	if errno != 0 {
		return nil, errno
	}
	if !ds.HasNext() {
		return nil, 0
	}
	e, errno := ds.Next()
	return &e, errno
}

func (d *dirStreamHandle) Seekdir(ctx context.Context, off uint64) syscall.Errno {
	ds, errno := d.stream(ctx)
	if errno != 0 {
		return errno
	}
	if sd, ok := ds.(fs.FileSeekdirer); ok {
		return sd.Seekdir(ctx, off)
	}
	return syscall.ENOTSUP
}
