package fileio

import (
	"strconv"
	"time"
)

// ETagDisabled disables etag based checks when passed as a read or write etag.
const ETagDisabled = ""

// FileStat is an immutable snapshot of on-disk metadata.
type FileStat struct {
	Resource    string
	Name        string
	Mtime       time.Time
	Ctime       time.Time
	Size        int64
	ETag        string
	Readonly    bool
	Locked      bool
	IsDirectory bool
}

// ETag derives an etag from modification time and size.
func ETag(mtime time.Time, size int64) string {
	if mtime.IsZero() {
		return ETagDisabled
	}
	return strconv.FormatInt(mtime.UnixMilli(), 29) + strconv.FormatInt(size, 31)
}

// MergeStat returns the stat to keep after observing next.
//
// Stats are monotonic by mtime: an older observation never replaces a newer
// one, except for Readonly and Locked which always follow the latest
// observation.
func MergeStat(prev *FileStat, next FileStat) FileStat {
	if prev == nil || !prev.Mtime.After(next.Mtime) {
		return next
	}
	merged := *prev
	merged.Readonly = next.Readonly
	merged.Locked = next.Locked
	return merged
}
