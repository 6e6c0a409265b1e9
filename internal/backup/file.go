package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/spf13/afero"

	"docsync/internal/logging"
	"docsync/internal/pathutil"
)

const (
	backupDirMode  = 0700
	backupFileMode = 0600
)

// fileHeader is the first line of every backup file.
type fileHeader struct {
	Resource string          `json:"resource"`
	Meta     json.RawMessage `json:"meta"`
}

// FileStore keeps one file per backup in a directory. File names are the
// sha256 of the resource; the resource itself lives in a JSON header line
// followed by the raw content.
type FileStore struct {
	fs     afero.Fs
	dir    string
	maxAge time.Duration

	mu    sync.RWMutex
	index map[string]string // resource -> file name
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens the backup directory dir, creating it if needed, and
// indexes the backups already on disk. Backups older than maxAge are
// removed. Zero maxAge keeps everything.
func NewFileStore(fs afero.Fs, dir string, maxAge time.Duration) (*FileStore, error) {
	// 0700 keeps other users away from unsaved content.
	if err := fs.MkdirAll(dir, backupDirMode); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	s := &FileStore{
		fs:     fs,
		dir:    dir,
		maxAge: maxAge,
		index:  make(map[string]string),
	}
	if err := s.loadExistingEntries(); err != nil {
		logging.Warnf("Failed to load existing backups: %v", err)
	}
	return s, nil
}

// NewOSFileStore opens a FileStore on the host filesystem.
func NewOSFileStore(dir string, maxAge time.Duration) (*FileStore, error) {
	return NewFileStore(afero.NewOsFs(), dir, maxAge)
}

func (s *FileStore) loadExistingEntries() error {
	infos, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, info := range infos {
		if info.IsDir() || pathutil.IsTempName(info.Name()) {
			continue
		}
		full := path.Join(s.dir, info.Name())
		if s.maxAge > 0 && now.Sub(info.ModTime()) > s.maxAge {
			_ = s.fs.Remove(full)
			continue
		}
		header, err := s.readHeader(full)
		if err != nil {
			logging.Warnf("Dropping unreadable backup %s: %v", info.Name(), err)
			_ = s.fs.Remove(full)
			continue
		}
		if pathutil.Key(header.Resource) != info.Name() {
			logging.Warnf("Dropping misplaced backup %s", info.Name())
			_ = s.fs.Remove(full)
			continue
		}
		s.index[header.Resource] = info.Name()
	}
	return nil
}

func (s *FileStore) readHeader(full string) (fileHeader, error) {
	f, err := s.fs.Open(full)
	if err != nil {
		return fileHeader{}, err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadBytes('\n')
	if err != nil {
		return fileHeader{}, err
	}
	var header fileHeader
	if err := json.Unmarshal(line, &header); err != nil {
		return fileHeader{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return header, nil
}

func (s *FileStore) localPath(resource string) string {
	return path.Join(s.dir, pathutil.Key(resource))
}

func (s *FileStore) Resolve(ctx context.Context, resource string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resource = pathutil.Clean(resource)

	s.mu.RLock()
	name, ok := s.index[resource]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}

	data, err := afero.ReadFile(s.fs, path.Join(s.dir, name))
	if errors.Is(err, iofs.ErrNotExist) {
		s.forget(resource)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup %s: %w", resource, err)
	}

	entry, err := decodeFile(data)
	if err != nil || entry.Resource != resource {
		logging.Warnf("Dropping corrupt backup for %s: %v", resource, err)
		_ = s.Discard(ctx, resource)
		return nil, nil
	}
	return entry, nil
}

func decodeFile(data []byte) (*Entry, error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, fmt.Errorf("%w: missing header", ErrCorrupt)
	}
	var header fileHeader
	if err := json.Unmarshal(data[:i], &header); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	meta, err := decodeMeta(header.Meta)
	if err != nil {
		return nil, err
	}
	return &Entry{Resource: header.Resource, Meta: meta, Content: cloneBytes(data[i+1:])}, nil
}

func (s *FileStore) Backup(ctx context.Context, resource string, meta *Meta, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	resource = pathutil.Clean(resource)

	metaJSON, err := encodeMeta(meta)
	if err != nil {
		return err
	}
	header, err := json.Marshal(fileHeader{Resource: resource, Meta: metaJSON})
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(s.fs, s.dir, pathutil.TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("failed to create backup file: %w", err)
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	_, err = w.Write(header)
	if err == nil {
		err = w.WriteByte('\n')
	}
	if err == nil {
		_, err = io.Copy(w, bytes.NewReader(content))
	}
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = s.fs.Chmod(tmpName, backupFileMode)
	}
	if err == nil {
		err = s.fs.Rename(tmpName, s.localPath(resource))
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("failed to write backup: %w", err)
	}

	s.mu.Lock()
	s.index[resource] = pathutil.Key(resource)
	s.mu.Unlock()
	return nil
}

func (s *FileStore) forget(resource string) {
	s.mu.Lock()
	delete(s.index, resource)
	s.mu.Unlock()
}

func (s *FileStore) Discard(ctx context.Context, resource string) error {
	resource = pathutil.Clean(resource)
	s.forget(resource)
	err := s.fs.Remove(s.localPath(resource))
	if err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return fmt.Errorf("discard backup %s: %w", resource, err)
	}
	return nil
}

func (s *FileStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	resources := make([]string, 0, len(s.index))
	for resource := range s.index {
		resources = append(resources, resource)
	}
	sort.Strings(resources)
	return resources, nil
}

func (s *FileStore) Close() error {
	return nil
}
