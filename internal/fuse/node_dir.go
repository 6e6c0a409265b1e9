package fuse

import (
	"context"
	"errors"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"docsync/internal/fileio"
	"docsync/internal/logging"
	"docsync/internal/pathutil"
	"docsync/internal/workingcopy"
)

// emptyNotebook is the content of a notebook created through the mount.
var emptyNotebook = []byte(`{"cells":[],"metadata":{},"nbformat":4,"nbformat_minor":4}`)

func (n *DocNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	logging.Debugf("Readdir called on path: %s", n.Path())

	if !n.isDir() {
		return nil, syscall.ENOTDIR
	}

	opCtx, cancel := context.WithTimeout(ctx, dirListTimeout)
	defer cancel()
	entries, err := n.dirs.ReadDir(opCtx, n.Path())
	if err != nil {
		logging.Warnf("Error reading directory %s: %v", n.Path(), err)
		return nil, errnoOf(err)
	}

	fuseEntries := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		if pathutil.IsTempName(e.Name) {
			continue
		}
		mode := uint32(syscall.S_IFREG)
		if e.IsDirectory {
			mode = uint32(syscall.S_IFDIR)
		}
		fuseEntries = append(fuseEntries, fuse.DirEntry{
			Name: e.Name,
			Mode: mode,
			Ino:  stableIno(e.Resource),
		})
	}
	return fs.NewListDirStream(fuseEntries), 0
}

func (n *DocNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	logging.Debugf("Lookup called on path: %s/%s", n.Path(), name)
	if !n.isDir() {
		return nil, syscall.ENOTDIR
	}

	childPath, err := pathutil.ChildPath(n.Path(), name)
	if err != nil {
		logging.Debugf("Lookup: invalid path: %v", err)
		return nil, syscall.EINVAL
	}

	// A child holding unsaved edits answers from its model; the file on
	// disk does not reflect it yet.
	if existing := n.GetChild(name); existing != nil {
		if node, ok := existing.Operations().(*DocNode); ok {
			node.mu.Lock()
			wc := node.copyLocked()
			if wc != nil && wc.IsDirty() {
				node.fillAttrLocked(ctx, &out.Attr)
				node.mu.Unlock()
				out.SetEntryTimeout(entryTimeoutSec)
				out.SetAttrTimeout(attrTimeoutSec)
				return existing, 0
			}
			node.mu.Unlock()
		}
	}

	opCtx, cancel := context.WithTimeout(ctx, metadataOpTimeout)
	defer cancel()
	stat, err := n.files.Stat(opCtx, childPath)
	if err != nil {
		if !errors.Is(err, fileio.ErrNotFound) {
			logging.Warnf("Lookup: stat %s: %v", childPath, err)
		}
		return nil, errnoOf(err)
	}

	child := n.newChild(stat)
	child.mu.Lock()
	child.fillAttrLocked(ctx, &out.Attr)
	child.mu.Unlock()
	out.SetEntryTimeout(entryTimeoutSec)
	out.SetAttrTimeout(attrTimeoutSec)

	return n.NewPersistentInode(ctx, child, fs.StableAttr{Mode: out.Mode & syscall.S_IFMT, Ino: stableIno(childPath)}), 0
}

func (n *DocNode) Opendir(ctx context.Context) syscall.Errno {
	logging.Debugf("Opendir called on path: %s", n.Path())

	if !n.isDir() {
		return syscall.ENOTDIR
	}
	return 0
}

func (n *DocNode) OpendirHandle(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	logging.Debugf("OpendirHandle called on path: %s", n.Path())

	if !n.isDir() {
		return nil, 0, syscall.ENOTDIR
	}

	handle := &dirStreamHandle{
		creator: func(ctx context.Context) (fs.DirStream, syscall.Errno) {
			return n.Readdir(ctx)
		},
	}
	return handle, 0, 0
}

// Create resolves a working copy with empty content and saves it, so the
// file exists on disk when the call returns.
func (n *DocNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	logging.Debugf("Create called in dir: %s, for file: %s", n.Path(), name)

	childPath, err := pathutil.ChildPath(n.Path(), name)
	if err != nil {
		logging.Debugf("Create: invalid path: %v", err)
		return nil, nil, 0, syscall.EINVAL
	}
	if pathutil.IsTempName(name) {
		return nil, nil, 0, syscall.EINVAL
	}

	initial := []byte{}
	if pathutil.HasNotebookSuffix(name) {
		initial = emptyNotebook
	}

	opCtx, cancel := context.WithTimeout(ctx, dataOpTimeout)
	defer cancel()

	wc, err := n.registry.Resolve(opCtx, childPath, workingcopy.ResolveOptions{Contents: initial})
	if err != nil {
		logging.Warnf("Error creating file %s: %v", childPath, err)
		return nil, nil, 0, errnoOf(err)
	}
	if wc.IsReadonly() {
		wc.Dispose()
		return nil, nil, 0, syscall.EACCES
	}

	child := n.newChild(fileio.FileStat{Resource: childPath, Name: name})
	child.mu.Lock()
	defer child.mu.Unlock()
	child.wc = wc
	if errno := child.saveLocked(opCtx); errno != 0 {
		wc.Dispose()
		return nil, nil, 0, errno
	}
	child.refreshStatLocked()
	child.incrementOpenLocked()
	child.fillAttrLocked(ctx, &out.Attr)

	out.SetEntryTimeout(entryTimeoutSec)
	out.SetAttrTimeout(attrTimeoutSec)

	inode := n.NewPersistentInode(ctx, child, fs.StableAttr{Mode: syscall.S_IFREG, Ino: stableIno(childPath)})
	return inode, nil, fuse.FOPEN_DIRECT_IO, 0
}
