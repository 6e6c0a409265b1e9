package workingcopy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docsync/internal/fileio"
	"docsync/internal/logging"
)

// ResolveOptions controls Resolve.
type ResolveOptions struct {
	// Contents populates the model directly and leaves the copy dirty.
	// A non-nil empty slice is explicit empty content.
	Contents []byte
	// ForceReadFromFile disables the etag check on read.
	ForceReadFromFile bool
	Limits            fileio.Limits
}

// Resolve populates the model from explicit contents, a backup or the file.
//
// Without explicit contents Resolve is a no-op while the copy is dirty or a
// save is running, so unsaved edits are never overwritten. Use Revert to
// discard them.
func (w *WorkingCopy) Resolve(ctx context.Context, opts ResolveOptions) error {
	w.trace("resolve() - enter")

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		w.trace("resolve() - exit - disposed")
		return nil
	}
	if opts.Contents == nil && (w.dirty || w.seq.IsRunning()) {
		w.mu.Unlock()
		w.trace("resolve() - exit - dirty or being saved")
		return nil
	}
	isNew := w.model == nil
	w.mu.Unlock()

	if opts.Contents != nil {
		return w.resolveFromBuffer(ctx, opts.Contents)
	}
	if isNew {
		resolved, err := w.resolveFromBackup(ctx)
		if err != nil {
			return err
		}
		if resolved {
			return nil
		}
	}
	return w.resolveFromFile(ctx, opts)
}

func (w *WorkingCopy) resolveFromBuffer(ctx context.Context, buffer []byte) error {
	w.trace("resolveFromBuffer()")

	stat, err := w.deps.Files.Stat(ctx, w.resource)
	if err == nil {
		w.setOrphaned(false)
	} else {
		now := time.Now()
		stat = fileio.FileStat{Mtime: now, Ctime: now, ETag: fileio.ETagDisabled}
		w.setOrphaned(errors.Is(err, fileio.ErrNotFound))
	}
	stat.Resource = w.resource
	stat.Name = w.name
	stat.Readonly = false
	stat.Locked = false

	return w.resolveFromContent(ctx, fileio.Content{Stat: stat, Value: buffer}, true)
}

// resolveFromBackup reports true when the copy was resolved, by this call or
// by a concurrent one.
func (w *WorkingCopy) resolveFromBackup(ctx context.Context) (bool, error) {
	if w.deps.Backups == nil {
		return false, nil
	}
	entry, err := w.deps.Backups.Resolve(ctx, w.resource)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// The file itself may still be readable.
		logging.Warnf("Failed to resolve backup of %s, loading from file: %v", w.resource, err)
		return false, nil
	}

	if w.IsResolved() {
		w.trace("resolveFromBackup() - exit - resolved meanwhile")
		return true, nil
	}
	if entry == nil {
		return false, nil
	}

	w.trace("doResolveFromBackup()")
	now := time.Now()
	stat := fileio.FileStat{
		Resource: w.resource,
		Name:     w.name,
		Mtime:    now,
		Ctime:    now,
		ETag:     fileio.ETagDisabled,
	}
	if entry.Meta != nil {
		stat.Mtime = entry.Meta.Mtime
		stat.Ctime = entry.Meta.Ctime
		stat.Size = entry.Meta.Size
		stat.ETag = entry.Meta.ETag
	}
	if err := w.resolveFromContent(ctx, fileio.Content{Stat: stat, Value: entry.Content}, true); err != nil {
		return false, err
	}
	if entry.Meta != nil && entry.Meta.Orphaned {
		w.setOrphaned(true)
	}
	return true, nil
}

func (w *WorkingCopy) resolveFromFile(ctx context.Context, opts ResolveOptions) error {
	w.trace("resolveFromFile()")

	w.mu.Lock()
	etag := fileio.ETagDisabled
	if !opts.ForceReadFromFile && w.lastStat != nil {
		etag = w.lastStat.ETag
	}
	// Remember the version so a concurrent edit is never overwritten.
	versionID := w.versions.versionID
	w.mu.Unlock()

	content, err := w.deps.Files.ReadFile(ctx, w.resource, fileio.ReadOptions{ETag: etag, Limits: opts.Limits})
	if err == nil {
		w.setOrphaned(false)

		if w.VersionID() != versionID {
			w.trace("resolveFromFile() - exit - content changed meanwhile")
			return nil
		}
		return w.resolveFromContent(ctx, content, false)
	}

	result := fileio.ResultOf(err)
	w.setOrphaned(result == fileio.ResultNotFound)

	resolved := w.IsResolved()
	if resolved && result == fileio.ResultNotModifiedSince {
		if stat, ok := fileio.NotModifiedStat(err); ok {
			w.updateLastStat(stat)
		}
		return nil
	}
	if resolved && result == fileio.ResultNotFound && !opts.ForceReadFromFile {
		return nil
	}
	return err
}

func (w *WorkingCopy) resolveFromContent(ctx context.Context, content fileio.Content, dirty bool) error {
	w.trace("resolveFromContent() - enter")

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		w.trace("resolveFromContent() - exit - disposed")
		return nil
	}
	readonlyChanged := w.updateLastStatLocked(content.Stat)
	model := w.model
	w.mu.Unlock()
	if readonlyChanged {
		w.emit(EventChangeReadonly)
	}

	if model != nil {
		if err := model.Update(ctx, content.Value, OriginProgrammaticLoad); err != nil {
			return fmt.Errorf("update model of %s: %w", w.resource, err)
		}
	} else if err := w.createModel(ctx, content.Value); err != nil {
		return err
	}

	w.SetDirty(dirty)
	w.emit(EventResolve)
	return nil
}

func (w *WorkingCopy) createModel(ctx context.Context, value []byte) error {
	if w.deps.NewModel == nil {
		return fmt.Errorf("create model of %s: no model factory", w.resource)
	}
	model, err := w.deps.NewModel(ctx, w.resource, value)
	if err != nil {
		return fmt.Errorf("create model of %s: %w", w.resource, err)
	}

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		model.Dispose()
		return nil
	}
	if existing := w.model; existing != nil {
		w.mu.Unlock()
		// Another resolve won the race; apply our content to its model.
		model.Dispose()
		return existing.Update(ctx, value, OriginProgrammaticLoad)
	}
	w.installModelLocked(model)
	w.mu.Unlock()
	return nil
}
