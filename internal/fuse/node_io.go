package fuse

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"docsync/internal/logging"
	"docsync/internal/workingcopy"
)

// ensureCopyLocked resolves the working copy of the node through the
// registry. Resolving an already dirty copy keeps its edits.
func (n *DocNode) ensureCopyLocked(ctx context.Context) (*workingcopy.WorkingCopy, syscall.Errno) {
	if n.isDir() {
		return nil, syscall.EISDIR
	}
	if wc := n.copyLocked(); wc != nil && wc.IsResolved() {
		n.wc = wc
		return wc, 0
	}

	opCtx, cancel := context.WithTimeout(ctx, dataOpTimeout)
	defer cancel()
	wc, err := n.registry.Resolve(opCtx, n.Path(), workingcopy.ResolveOptions{})
	if err != nil {
		logging.Debugf("Failed to resolve %s: %v", n.Path(), err)
		return nil, errnoOf(err)
	}
	n.wc = wc
	n.refreshStatLocked()
	return wc, 0
}

// modelOfLocked returns the model of wc. A copy disposed since it was
// resolved has none; the node forgets it so the next operation resolves
// again.
func (n *DocNode) modelOfLocked(wc *workingcopy.WorkingCopy) (workingcopy.Model, syscall.Errno) {
	model := wc.Model()
	if model == nil {
		logging.Debugf("Working copy of %s was disposed", n.Path())
		if n.wc == wc {
			n.wc = nil
		}
		return nil, syscall.EIO
	}
	return model, 0
}

// saveLocked performs an explicit save of a dirty copy. A save that ends
// in conflict or error reports the recorded failure.
func (n *DocNode) saveLocked(ctx context.Context) syscall.Errno {
	wc := n.copyLocked()
	if wc == nil || !wc.IsDirty() {
		return 0
	}

	opCtx, cancel := context.WithTimeout(ctx, dataOpTimeout)
	defer cancel()
	saved, err := wc.Save(opCtx, workingcopy.SaveOptions{
		Reason: workingcopy.SaveReasonExplicit,
		Source: saveSource,
	})
	if err != nil {
		logging.Warnf("Error saving %s: %v", n.Path(), err)
		return errnoOf(err)
	}
	if !saved {
		if wc.IsReadonly() {
			return syscall.EACCES
		}
		if saveErr := wc.LastSaveError(); saveErr != nil {
			logging.Warnf("Error saving %s: %v", n.Path(), saveErr)
			return errnoOf(saveErr)
		}
		if wc.IsDirty() {
			// Edited again while the save ran; the next flush writes it.
			return 0
		}
	}
	n.refreshStatLocked()
	return 0
}

func (n *DocNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Open called on path: %s", n.Path())

	if n.isDir() {
		return nil, 0, syscall.EISDIR
	}

	wc, errno := n.ensureCopyLocked(ctx)
	if errno != 0 {
		return nil, 0, errno
	}

	writing := flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0
	if writing && wc.IsReadonly() {
		return nil, 0, syscall.EACCES
	}
	if flags&syscall.O_TRUNC != 0 {
		model, errno := n.modelOfLocked(wc)
		if errno != 0 {
			return nil, 0, errno
		}
		if err := model.Update(ctx, []byte{}, workingcopy.OriginUserEdit); err != nil {
			return nil, 0, errnoOf(err)
		}
	}

	openFlags := uint32(0)
	if writing {
		openFlags |= fuse.FOPEN_DIRECT_IO
	} else {
		openFlags |= fuse.FOPEN_KEEP_CACHE
	}

	n.incrementOpenLocked()
	return nil, openFlags, 0
}

func (n *DocNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Read called on path: %s, offset: %d, size: %d", n.Path(), off, len(dest))

	wc, errno := n.ensureCopyLocked(ctx)
	if errno != 0 {
		return nil, errno
	}
	model, errno := n.modelOfLocked(wc)
	if errno != 0 {
		return nil, errno
	}
	data, err := model.Snapshot(ctx)
	if err != nil {
		return nil, errnoOf(err)
	}

	if off >= int64(len(data)) {
		return fuse.ReadResultData([]byte{}), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(data)) {
		end = int64(len(data))
	}
	return fuse.ReadResultData(data[off:end]), 0
}

func (n *DocNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Write called on path: %s, offset: %d, size: %d", n.Path(), off, len(data))
	if off < 0 {
		return 0, syscall.EINVAL
	}

	wc, errno := n.ensureCopyLocked(ctx)
	if errno != 0 {
		return 0, errno
	}
	if wc.IsReadonly() {
		return 0, syscall.EACCES
	}

	model, errno := n.modelOfLocked(wc)
	if errno != 0 {
		return 0, errno
	}
	content, err := model.Snapshot(ctx)
	if err != nil {
		return 0, errnoOf(err)
	}
	end := off + int64(len(data))
	if int64(len(content)) < end {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[off:], data)

	if err := model.Update(ctx, content, workingcopy.OriginUserEdit); err != nil {
		return 0, errnoOf(err)
	}
	return uint32(len(data)), 0
}

func (n *DocNode) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Flush called on path: %s", n.Path())
	return n.saveLocked(ctx)
}

func (n *DocNode) Fsync(ctx context.Context, fh fs.FileHandle, flags uint32) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Fsync called on path: %s", n.Path())
	return n.saveLocked(ctx)
}

// Release drops the node's hold on a clean copy once the last handle
// closes. Dirty copies stay registered so auto save, backups and shutdown
// still see them.
func (n *DocNode) Release(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	n.mu.Lock()
	defer n.mu.Unlock()

	logging.Debugf("Release called on path: %s", n.Path())

	n.decrementOpenLocked()
	if n.openCount > 0 {
		return 0
	}

	errno := n.saveLocked(ctx)
	wc := n.copyLocked()
	if wc != nil && !wc.IsDirty() {
		n.refreshStatLocked()
		n.wc = nil
		wc.Dispose()
	}
	return errno
}
