package workingcopy

import (
	"context"
	"errors"

	"docsync/internal/backup"
	"docsync/internal/fileio"
)

// RevertOptions controls Revert.
type RevertOptions struct {
	// Soft only clears the dirty state and keeps the model content.
	Soft bool
	// Force reverts even when the copy is not dirty.
	Force bool
}

// Revert discards unsaved edits. Unless soft, the model is reloaded from the
// file; if that fails for any reason but a missing file the previous dirty
// state is restored and the error returned.
func (w *WorkingCopy) Revert(ctx context.Context, opts RevertOptions) error {
	w.mu.Lock()
	if w.model == nil || (!w.dirty && !opts.Force) {
		w.mu.Unlock()
		w.trace("revert() - exit - not resolved or not dirty")
		return nil
	}
	w.trace("revert()")
	wasDirty := w.dirty
	_, undo := w.setDirtyLocked(false)
	w.mu.Unlock()

	if !opts.Soft {
		if err := w.forceResolveFromFile(ctx); err != nil {
			if !errors.Is(err, fileio.ErrNotFound) {
				w.mu.Lock()
				undo()
				w.mu.Unlock()
				return err
			}
		}
	}

	w.emit(EventRevert)
	if wasDirty {
		w.emit(EventChangeDirty)
	}
	return nil
}

func (w *WorkingCopy) forceResolveFromFile(ctx context.Context) error {
	if w.IsDisposed() {
		return nil
	}
	return w.Resolve(ctx, ResolveOptions{ForceReadFromFile: true})
}

// BackupSnapshot is the content and metadata handed to a backup store.
type BackupSnapshot struct {
	// Meta is nil when the file was never observed on disk.
	Meta *backup.Meta
	// Content is nil when the copy is not resolved.
	Content []byte
}

// Backup captures the current content for crash recovery.
func (w *WorkingCopy) Backup(ctx context.Context) (BackupSnapshot, error) {
	w.mu.Lock()
	var snapshot BackupSnapshot
	if w.lastStat != nil {
		snapshot.Meta = &backup.Meta{
			Mtime:    w.lastStat.Mtime,
			Ctime:    w.lastStat.Ctime,
			Size:     w.lastStat.Size,
			ETag:     w.lastStat.ETag,
			Orphaned: w.orphaned,
		}
	}
	model := w.model
	w.mu.Unlock()

	if model != nil {
		content, err := model.Snapshot(ctx)
		if err != nil {
			return BackupSnapshot{}, err
		}
		snapshot.Content = content
	}
	return snapshot, nil
}
