// Package fuse exposes working copies as a mounted file system. Opening a
// file resolves its working copy, writes edit the model and flush or fsync
// perform an explicit save.
package fuse

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"

	"docsync/internal/fileio"
	"docsync/internal/logging"
	"docsync/internal/workingcopy"
)

// File system constants
const (
	// Attribute and entry cache timeouts in seconds
	attrTimeoutSec  = 60
	entryTimeoutSec = 60

	dirMode      = 0755
	fileMode     = 0644
	readonlyMode = 0444

	blockSize   = 4096
	blockFactor = 512

	maxNameLen = 255

	// Inode number used when a resource hashes to zero
	defaultIno = 1

	dirNlink  = 2
	fileNlink = 1
)

// Operation timeouts
const (
	// dataOpTimeout bounds resolves and saves, which may move whole files.
	dataOpTimeout = 2 * time.Minute

	metadataOpTimeout = 30 * time.Second

	dirListTimeout = 1 * time.Minute
)

// saveSource tags saves triggered through the mount.
const saveSource = "mount"

// NodeConfig holds configuration for access control.
type NodeConfig struct {
	OwnerUid       uint32 // UID of the user who mounted the filesystem
	RestrictAccess bool   // Whether to enforce UID-based access control
}

// DocNode is a file or directory of the mounted tree.
type DocNode struct {
	fs.Inode
	files    fileio.FileIO
	dirs     fileio.DirReader
	registry *workingcopy.Registry

	mu             sync.Mutex
	stat           fileio.FileStat
	wc             *workingcopy.WorkingCopy
	openCount      int
	ownerUid       uint32
	restrictAccess bool
}

var _ = (fs.NodeGetattrer)((*DocNode)(nil))
var _ = (fs.NodeSetattrer)((*DocNode)(nil))
var _ = (fs.NodeReaddirer)((*DocNode)(nil))
var _ = (fs.NodeLookuper)((*DocNode)(nil))
var _ = (fs.NodeOpener)((*DocNode)(nil))
var _ = (fs.NodeOpendirer)((*DocNode)(nil))
var _ = (fs.NodeOpendirHandler)((*DocNode)(nil))
var _ = (fs.NodeReader)((*DocNode)(nil))
var _ = (fs.NodeWriter)((*DocNode)(nil))
var _ = (fs.NodeFlusher)((*DocNode)(nil))
var _ = (fs.NodeFsyncer)((*DocNode)(nil))
var _ = (fs.NodeReleaser)((*DocNode)(nil))
var _ = (fs.NodeCreater)((*DocNode)(nil))
var _ = (fs.NodeAccesser)((*DocNode)(nil))
var _ = (fs.NodeStatfser)((*DocNode)(nil))

// Path returns the resource of the node.
func (n *DocNode) Path() string {
	return n.stat.Resource
}

func (n *DocNode) isDir() bool {
	return n.stat.IsDirectory
}

func stableIno(resource string) uint64 {
	if resource == "" {
		return defaultIno
	}
	return hashStringToIno(resource)
}

func hashStringToIno(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	sum := h.Sum64()
	if sum == 0 {
		return defaultIno
	}
	return sum
}

func (n *DocNode) newChild(stat fileio.FileStat) *DocNode {
	return &DocNode{
		files:          n.files,
		dirs:           n.dirs,
		registry:       n.registry,
		stat:           stat,
		ownerUid:       n.ownerUid,
		restrictAccess: n.restrictAccess,
	}
}

// copyLocked returns the working copy backing the node: the one opened
// through this node, or one the registry holds for the resource.
func (n *DocNode) copyLocked() *workingcopy.WorkingCopy {
	if n.wc != nil && !n.wc.IsDisposed() {
		return n.wc
	}
	n.wc = nil
	if n.registry == nil {
		return nil
	}
	return n.registry.Get(n.Path())
}

func (n *DocNode) refreshStatLocked() {
	if n.wc == nil {
		return
	}
	if stat, ok := n.wc.LastResolvedFileStat(); ok {
		stat.Resource = n.stat.Resource
		stat.Name = n.stat.Name
		n.stat = stat
	}
}

func (n *DocNode) incrementOpenLocked() {
	n.openCount++
}

func (n *DocNode) decrementOpenLocked() {
	if n.openCount > 0 {
		n.openCount--
		return
	}
	logging.Warnf("Release called with openCount=0 for %s", n.Path())
}

// NewRootNode stats root and returns the node serving it.
func NewRootNode(files fileio.FileIO, dirs fileio.DirReader, registry *workingcopy.Registry, root string, config *NodeConfig) (*DocNode, error) {
	ctx, cancel := context.WithTimeout(context.Background(), metadataOpTimeout)
	defer cancel()

	stat, err := files.Stat(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("stat mount root %s: %w", root, err)
	}
	if !stat.IsDirectory {
		return nil, syscall.ENOTDIR
	}

	node := &DocNode{
		files:    files,
		dirs:     dirs,
		registry: registry,
		stat:     stat,
	}
	if config != nil {
		node.ownerUid = config.OwnerUid
		node.restrictAccess = config.RestrictAccess
	}
	return node, nil
}
