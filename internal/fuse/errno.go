package fuse

import (
	"context"
	"errors"
	"syscall"

	"golang.org/x/sys/unix"

	"docsync/internal/fileio"
	"docsync/internal/workingcopy"
)

// errnoOf maps a file or save failure to the errno returned to the kernel.
func errnoOf(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	var saveErr *workingcopy.SaveError
	if errors.As(err, &saveErr) && saveErr.Conflict {
		return unix.EBUSY
	}
	switch fileio.ResultOf(err) {
	case fileio.ResultNotFound:
		return unix.ENOENT
	case fileio.ResultPermissionDenied:
		return unix.EACCES
	case fileio.ResultWriteLocked:
		return unix.EPERM
	case fileio.ResultModifiedSince:
		return unix.EBUSY
	case fileio.ResultTooLarge:
		return unix.EFBIG
	case fileio.ResultIsDirectory:
		return unix.EISDIR
	}
	if errors.Is(err, context.Canceled) {
		return unix.EINTR
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return unix.ETIMEDOUT
	}
	return unix.EIO
}
