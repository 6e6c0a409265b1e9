package fileio

import (
	"context"
	"errors"
	"path/filepath"

	"golang.org/x/sys/unix"

	"docsync/internal/logging"
	"docsync/internal/pathutil"
)

// ElevatedFS retries writes that the regular LocalFS rejects for permission
// reasons. It temporarily grants owner write access on the host file,
// writes through the wrapped LocalFS and restores the original mode.
type ElevatedFS struct {
	local *LocalFS
}

var _ ElevatedWriter = (*ElevatedFS)(nil)

// NewElevatedFS returns an elevated writer for an OS backed LocalFS.
func NewElevatedFS(local *LocalFS) *ElevatedFS {
	return &ElevatedFS{local: local}
}

func (e *ElevatedFS) hostPath(resource string) string {
	return filepath.Join(e.local.root, filepath.FromSlash(pathutil.Clean(resource)))
}

// IsSupported reports whether resource lives on the host filesystem and the
// process owns it or runs as root.
func (e *ElevatedFS) IsSupported(resource string) bool {
	if e == nil || e.local == nil || e.local.root == "" || e.local.readonly {
		return false
	}
	var st unix.Stat_t
	if err := unix.Stat(e.hostPath(resource), &st); err != nil {
		return false
	}
	uid := unix.Geteuid()
	return uid == 0 || uint32(uid) == st.Uid
}

func (e *ElevatedFS) WriteFileElevated(ctx context.Context, resource string, data []byte, opts WriteOptions) (FileStat, error) {
	if !e.IsSupported(resource) {
		return FileStat{}, opError("write elevated", resource, ErrPermissionDenied)
	}
	host := e.hostPath(resource)

	var st unix.Stat_t
	if err := unix.Stat(host, &st); err != nil {
		return FileStat{}, mapError("write elevated", resource, err)
	}
	original := uint32(st.Mode) & 0o7777

	if err := unix.Access(host, unix.W_OK); err != nil {
		if err := unix.Chmod(host, original|ownerWrite); err != nil {
			return FileStat{}, mapError("write elevated", resource, err)
		}
		logging.Debugf("Granted owner write on %s for elevated write", host)
	}

	opts.Unlock = true
	stat, err := e.local.WriteFile(ctx, resource, data, opts)

	if restoreErr := unix.Chmod(host, original); restoreErr != nil && !errors.Is(restoreErr, unix.ENOENT) {
		logging.Warnf("Failed to restore mode %o on %s: %v", original, host, restoreErr)
	} else if original&ownerWrite == 0 {
		if fresh, statErr := e.local.Stat(ctx, resource); statErr == nil {
			stat = fresh
		}
	}
	return stat, err
}
