package fileio

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path"
	"sort"
	"time"

	"github.com/spf13/afero"

	"docsync/internal/logging"
	"docsync/internal/pathutil"
)

const (
	dirMode  = 0755
	fileMode = 0644

	// ownerWrite is the permission bit whose absence marks a file as locked.
	ownerWrite = 0200
)

// LocalOptions configures a LocalFS.
type LocalOptions struct {
	// Readonly marks every file as readonly, as a readonly provider would.
	Readonly bool
}

// LocalFS implements FileIO on an afero filesystem. Resources are slash-rooted
// paths inside the filesystem.
type LocalFS struct {
	fs       afero.Fs
	root     string
	readonly bool
}

var _ FileIO = (*LocalFS)(nil)
var _ DirReader = (*LocalFS)(nil)

// NewLocalFS wraps an arbitrary afero filesystem.
func NewLocalFS(fs afero.Fs, opts LocalOptions) *LocalFS {
	return &LocalFS{fs: fs, readonly: opts.Readonly}
}

// NewOSFS serves the directory root of the host filesystem.
func NewOSFS(root string, opts LocalOptions) (*LocalFS, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", root)
	}
	l := NewLocalFS(afero.NewBasePathFs(afero.NewOsFs(), root), opts)
	l.root = root
	return l, nil
}

// Root returns the host directory served by an OS backed LocalFS.
func (l *LocalFS) Root() string {
	return l.root
}

func (l *LocalFS) toStat(resource string, info iofs.FileInfo) FileStat {
	mtime := info.ModTime()
	return FileStat{
		Resource:    resource,
		Name:        pathutil.Name(resource),
		Mtime:       mtime,
		Ctime:       mtime,
		Size:        info.Size(),
		ETag:        ETag(mtime, info.Size()),
		Readonly:    l.readonly,
		Locked:      !info.IsDir() && info.Mode().Perm()&ownerWrite == 0,
		IsDirectory: info.IsDir(),
	}
}

func mapError(op, resource string, err error) error {
	switch {
	case errors.Is(err, iofs.ErrNotExist):
		return opError(op, resource, ErrNotFound)
	case errors.Is(err, iofs.ErrPermission):
		return opError(op, resource, ErrPermissionDenied)
	default:
		return opError(op, resource, err)
	}
}

func (l *LocalFS) Stat(ctx context.Context, resource string) (FileStat, error) {
	resource = pathutil.Clean(resource)
	if err := ctx.Err(); err != nil {
		return FileStat{}, err
	}
	info, err := l.fs.Stat(resource)
	if err != nil {
		return FileStat{}, mapError("stat", resource, err)
	}
	return l.toStat(resource, info), nil
}

func (l *LocalFS) ReadFile(ctx context.Context, resource string, opts ReadOptions) (Content, error) {
	resource = pathutil.Clean(resource)
	stat, err := l.Stat(ctx, resource)
	if err != nil {
		return Content{}, err
	}
	if stat.IsDirectory {
		return Content{}, opError("read", resource, ErrIsDirectory)
	}
	if opts.ETag != ETagDisabled && opts.ETag == stat.ETag {
		return Content{}, &OperationError{Op: "read", Resource: resource, Err: ErrNotModifiedSince, Stat: &stat}
	}
	if opts.Limits.Size > 0 && stat.Size > opts.Limits.Size {
		return Content{}, opError("read", resource, ErrTooLarge)
	}

	f, err := l.fs.Open(resource)
	if err != nil {
		return Content{}, mapError("read", resource, err)
	}
	defer f.Close()

	var r io.Reader = f
	if opts.Limits.Size > 0 {
		r = io.LimitReader(f, opts.Limits.Size+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return Content{}, mapError("read", resource, err)
	}
	if opts.Limits.Size > 0 && int64(len(data)) > opts.Limits.Size {
		return Content{}, opError("read", resource, ErrTooLarge)
	}
	return Content{Stat: stat, Value: data}, nil
}

func (l *LocalFS) WriteFile(ctx context.Context, resource string, data []byte, opts WriteOptions) (FileStat, error) {
	resource = pathutil.Clean(resource)
	if err := ctx.Err(); err != nil {
		return FileStat{}, err
	}
	if l.readonly {
		return FileStat{}, opError("write", resource, ErrPermissionDenied)
	}

	current, err := l.Stat(ctx, resource)
	exists := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return FileStat{}, err
	}

	mode := iofs.FileMode(fileMode)
	if exists {
		if current.IsDirectory {
			return FileStat{}, opError("write", resource, ErrIsDirectory)
		}
		if IsModifiedSince(current, opts) {
			return FileStat{}, opError("write", resource, ErrModifiedSince)
		}
		info, statErr := l.fs.Stat(resource)
		if statErr != nil {
			return FileStat{}, mapError("write", resource, statErr)
		}
		mode = info.Mode().Perm()
		if current.Locked {
			if !opts.Unlock {
				return FileStat{}, opError("write", resource, ErrWriteLocked)
			}
			mode |= ownerWrite
			if err := l.fs.Chmod(resource, mode); err != nil {
				return FileStat{}, mapError("unlock", resource, err)
			}
			logging.Debugf("Unlocked %s for writing", resource)
		}
	}

	if err := l.writeAtomic(resource, data, mode); err != nil {
		return FileStat{}, err
	}
	return l.Stat(ctx, resource)
}

// writeAtomic writes into a temp file next to resource and renames it over
// the target so readers never observe partial content.
func (l *LocalFS) writeAtomic(resource string, data []byte, mode iofs.FileMode) error {
	dir := path.Dir(resource)
	if err := l.fs.MkdirAll(dir, dirMode); err != nil {
		return mapError("write", resource, err)
	}

	tmp, err := afero.TempFile(l.fs, dir, pathutil.TempPrefix+"*")
	if err != nil {
		return mapError("write", resource, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = l.fs.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return mapError("write", resource, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return mapError("write", resource, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return mapError("write", resource, err)
	}
	if err := l.fs.Chmod(tmpName, mode); err != nil {
		cleanup()
		return mapError("write", resource, err)
	}
	if err := l.fs.Rename(tmpName, resource); err != nil {
		cleanup()
		return mapError("write", resource, err)
	}
	// Some filesystems keep the temp file's creation mtime across rename.
	now := time.Now()
	_ = l.fs.Chtimes(resource, now, now)
	return nil
}

func (l *LocalFS) ReadDir(ctx context.Context, resource string) ([]FileStat, error) {
	resource = pathutil.Clean(resource)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(l.fs, resource)
	if err != nil {
		return nil, mapError("readdir", resource, err)
	}

	stats := make([]FileStat, 0, len(infos))
	for _, info := range infos {
		if pathutil.IsTempName(info.Name()) {
			continue
		}
		child, err := pathutil.ChildPath(resource, info.Name())
		if err != nil {
			continue
		}
		stats = append(stats, l.toStat(child, info))
	}
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Name < stats[j].Name
	})
	return stats, nil
}
