package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"golang.org/x/sys/unix"

	"docsync/internal/logging"
	"docsync/internal/workingcopy"
)

func (n *DocNode) fillAttrLocked(ctx context.Context, out *fuse.Attr) {
	stat := n.stat

	if stat.IsDirectory {
		out.Mode = syscall.S_IFDIR | dirMode
		out.Nlink = dirNlink
	} else {
		out.Mode = syscall.S_IFREG | fileMode
		out.Nlink = fileNlink
	}

	size := uint64(stat.Size)
	if wc := n.copyLocked(); wc != nil && !stat.IsDirectory {
		if wc.IsReadonly() {
			out.Mode = syscall.S_IFREG | readonlyMode
		}
		// The model is authoritative once resolved, dirty or not.
		if model := wc.Model(); model != nil {
			if data, err := model.Snapshot(ctx); err == nil {
				size = uint64(len(data))
			}
		}
	} else if stat.Readonly && !stat.IsDirectory {
		out.Mode = syscall.S_IFREG | readonlyMode
	}

	out.Size = size
	out.Blksize = blockSize
	out.Blocks = (out.Size + blockFactor - 1) / blockFactor

	out.Mtime = uint64(stat.Mtime.Unix())
	out.Atime = out.Mtime
	out.Ctime = uint64(stat.Ctime.Unix())
	if stat.Ctime.IsZero() {
		out.Ctime = out.Mtime
	}

	caller, ok := fuse.FromContext(ctx)
	if ok {
		out.Uid = caller.Uid
		out.Gid = caller.Gid
	}
}

func (n *DocNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Getattr called on path: %s", n.Path())

	n.fillAttrLocked(ctx, &out.Attr)
	out.SetTimeout(attrTimeoutSec)
	return 0
}

func (n *DocNode) Access(ctx context.Context, mask uint32) syscall.Errno {
	logging.Debugf("Access called on path: %s (mask: %d)", n.Path(), mask)

	if n.restrictAccess {
		caller, ok := fuse.FromContext(ctx)
		if !ok {
			logging.Warnf("Access: failed to get caller context for %s", n.Path())
			return syscall.EACCES
		}
		if caller.Uid != n.ownerUid {
			logging.Debugf("Access denied: caller UID %d != owner UID %d for %s", caller.Uid, n.ownerUid, n.Path())
			return syscall.EACCES
		}
	}

	if mask&unix.W_OK != 0 && !n.isDir() {
		n.mu.Lock()
		wc := n.copyLocked()
		readonly := n.stat.Readonly
		n.mu.Unlock()
		if wc != nil {
			readonly = wc.IsReadonly()
		}
		if readonly {
			return syscall.EACCES
		}
	}
	return 0
}

func (n *DocNode) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	logging.Debugf("Statfs called on path: %s", n.Path())

	const totalBlocks = uint64(1 << 30)
	const totalFiles = uint64(1 << 24)

	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = totalBlocks
	out.Bfree = totalBlocks
	out.Bavail = totalBlocks
	out.Files = totalFiles
	out.Ffree = totalFiles
	out.NameLen = maxNameLen
	return 0
}

// Setattr supports truncation and timestamp updates. Truncation edits the
// model; the file is written on the next flush.
func (n *DocNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Setattr called on path: %s", n.Path())

	if _, ok := in.GetMode(); ok {
		return syscall.ENOTSUP
	}
	if _, ok := in.GetUID(); ok {
		return syscall.ENOTSUP
	}
	if _, ok := in.GetGID(); ok {
		return syscall.ENOTSUP
	}

	if size, ok := in.GetSize(); ok {
		if n.isDir() {
			return syscall.EISDIR
		}
		if errno := n.truncateLocked(ctx, size); errno != 0 {
			return errno
		}
	}
	if mtime, ok := in.GetMTime(); ok {
		n.stat.Mtime = mtime
	}

	n.fillAttrLocked(ctx, &out.Attr)
	return 0
}

func (n *DocNode) truncateLocked(ctx context.Context, size uint64) syscall.Errno {
	wc, errno := n.ensureCopyLocked(ctx)
	if errno != 0 {
		return errno
	}
	if wc.IsReadonly() {
		return syscall.EACCES
	}

	model, errno := n.modelOfLocked(wc)
	if errno != 0 {
		return errno
	}
	data, err := model.Snapshot(ctx)
	if err != nil {
		return errnoOf(err)
	}
	cur := uint64(len(data))
	switch {
	case cur > size:
		data = data[:size]
	case cur < size:
		grown := make([]byte, size)
		copy(grown, data)
		data = grown
	}
	if err := model.Update(ctx, data, workingcopy.OriginUserEdit); err != nil {
		return errnoOf(err)
	}
	return 0
}
