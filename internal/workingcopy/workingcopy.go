// Package workingcopy keeps an in-memory document model consistent with its
// file on disk and persists edits safely.
//
// A WorkingCopy owns the dirty, conflict, error and orphan state of one
// resource. Saves for a resource are serialized by a sequencer; resolves
// never overwrite unsaved edits; save failures keep the edits in memory and
// move the copy into a sticky conflict or error state until a later save or
// revert succeeds.
package workingcopy

import (
	"context"
	"errors"
	"sync"
	"time"

	"docsync/internal/fileio"
	"docsync/internal/logging"
	"docsync/internal/pathutil"
	"docsync/internal/safego"
	"docsync/internal/sequencer"
)

// ErrDisposed is returned by operations on a disposed working copy.
var ErrDisposed = errors.New("working copy is disposed")

// WorkingCopy is the in-memory representation of one file.
type WorkingCopy struct {
	resource string
	name     string
	deps     Deps
	seq      *sequencer.Sequencer
	events   *emitter

	mu       sync.Mutex
	model    Model
	unlisten []func()
	versions versionTracker
	dirty    bool
	lastStat *fileio.FileStat
	orphaned bool
	// orphanCheck is set while a deletion is being confirmed.
	orphanCheck bool

	inConflictMode bool
	inErrorMode    bool
	lastSaveError  *SaveError

	ignoreSaveFromParticipants bool
	lastUndoRedoChange         time.Time

	disposed bool
}

var _ ParticipantTarget = (*WorkingCopy)(nil)

// New creates an unresolved working copy for resource.
func New(resource string, deps Deps) *WorkingCopy {
	resource = pathutil.Clean(resource)
	return &WorkingCopy{
		resource: resource,
		name:     pathutil.Name(resource),
		deps:     deps.withDefaults(),
		seq:      sequencer.New(),
		events:   newEmitter(),
	}
}

func (w *WorkingCopy) trace(format string, args ...any) {
	logging.Debugf("[working copy] %s "+format, append([]any{w.resource}, args...)...)
}

func (w *WorkingCopy) Resource() string {
	return w.resource
}

// Name returns the last path element of the resource.
func (w *WorkingCopy) Name() string {
	return w.name
}

// Model returns the model, or nil if the copy is not resolved.
func (w *WorkingCopy) Model() Model {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.model
}

func (w *WorkingCopy) IsResolved() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.model != nil
}

func (w *WorkingCopy) IsDirty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dirty
}

func (w *WorkingCopy) IsOrphaned() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.orphaned
}

func (w *WorkingCopy) IsDisposed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.disposed
}

// VersionID returns the content version counter.
func (w *WorkingCopy) VersionID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.versions.versionID
}

// SavedVersionID returns the model version last known to match disk.
func (w *WorkingCopy) SavedVersionID() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.versions.savedVersionID
}

// LastResolvedFileStat returns a copy of the last observed stat, if any.
func (w *WorkingCopy) LastResolvedFileStat() (fileio.FileStat, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastStat == nil {
		return fileio.FileStat{}, false
	}
	return *w.lastStat, true
}

// LastSaveError returns the error of the most recent failed save attempt.
// It is cleared by the next successful save.
func (w *WorkingCopy) LastSaveError() *SaveError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSaveError
}

func (w *WorkingCopy) IsReadonly() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.isReadonlyLocked()
}

func (w *WorkingCopy) isReadonlyLocked() bool {
	return w.deps.Config.IsReadonly(w.resource, w.lastStat)
}

// setDirtyLocked updates the dirty flag. Clearing it also clears the sticky
// conflict and error flags and records the model version as saved. The
// returned func restores the previous state and must be called with w.mu
// held.
func (w *WorkingCopy) setDirtyLocked(dirty bool) (changed bool, undo func()) {
	wasDirty := w.dirty
	wasInConflictMode := w.inConflictMode
	wasInErrorMode := w.inErrorMode
	oldSaved := w.versions.savedVersionID

	if !dirty {
		w.dirty = false
		w.inConflictMode = false
		w.inErrorMode = false
		if w.model != nil {
			w.versions.markSaved(w.model.VersionID())
		}
	} else {
		w.dirty = true
	}

	return wasDirty != w.dirty, func() {
		w.dirty = wasDirty
		w.inConflictMode = wasInConflictMode
		w.inErrorMode = wasInErrorMode
		w.versions.savedVersionID = oldSaved
	}
}

// SetDirty marks the copy dirty or clean.
func (w *WorkingCopy) SetDirty(dirty bool) {
	w.mu.Lock()
	if w.model == nil {
		w.mu.Unlock()
		return
	}
	changed, _ := w.setDirtyLocked(dirty)
	w.mu.Unlock()

	if changed {
		w.emit(EventChangeDirty)
	}
}

func (w *WorkingCopy) setOrphaned(orphaned bool) {
	w.mu.Lock()
	changed := w.setOrphanedLocked(orphaned)
	w.mu.Unlock()
	if changed {
		w.emit(EventChangeOrphaned)
	}
}

func (w *WorkingCopy) setOrphanedLocked(orphaned bool) bool {
	if w.orphaned == orphaned {
		return false
	}
	w.orphaned = orphaned
	return true
}

// updateLastStatLocked merges stat into the last resolved stat and reports
// whether the readonly state changed.
func (w *WorkingCopy) updateLastStatLocked(stat fileio.FileStat) bool {
	oldReadonly := w.isReadonlyLocked()
	merged := fileio.MergeStat(w.lastStat, stat)
	w.lastStat = &merged
	return oldReadonly != w.isReadonlyLocked()
}

func (w *WorkingCopy) updateLastStat(stat fileio.FileStat) {
	w.mu.Lock()
	readonlyChanged := w.updateLastStatLocked(stat)
	w.mu.Unlock()
	if readonlyChanged {
		w.emit(EventChangeReadonly)
	}
}

// installModel takes ownership of model and subscribes to it.
// Must be called with w.mu held.
func (w *WorkingCopy) installModelLocked(model Model) {
	w.model = model
	w.unlisten = append(w.unlisten,
		model.OnDidChangeContent(w.onModelContentChange),
		model.OnWillDispose(func() {
			w.trace("model disposed")
			w.Dispose()
		}),
	)
}

func (w *WorkingCopy) onModelContentChange(ev ContentChangeEvent) {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.versions.bump()
	if ev.IsUndoing || ev.IsRedoing {
		w.lastUndoRedoChange = time.Now()
	}

	var dirtyChanged, reverted bool
	if ev.Origin != OriginProgrammaticLoad && !w.isReadonlyLocked() {
		if w.versions.isSaved(ev.VersionID) {
			w.trace("content change back to saved version %d", ev.VersionID)
			wasDirty := w.dirty
			dirtyChanged, _ = w.setDirtyLocked(false)
			reverted = wasDirty
		} else {
			dirtyChanged, _ = w.setDirtyLocked(true)
		}
	}
	w.mu.Unlock()

	if dirtyChanged {
		w.emit(EventChangeDirty)
	}
	if reverted {
		w.emit(EventRevert)
	}
	w.events.fire(Event{Type: EventChangeContent, Resource: w.resource, Origin: ev.Origin})
}

// HandleFileChange updates orphan state from a watcher notification.
//
// A deletion is confirmed in the background after OrphanCheckDelay, since
// editors and atomic writers often delete and recreate a file in quick
// succession.
func (w *WorkingCopy) HandleFileChange(ctx context.Context, change fileio.FileChange) {
	if pathutil.Clean(change.Resource) != w.resource {
		return
	}

	w.mu.Lock()
	orphaned := w.orphaned
	checking := w.orphanCheck
	if change.Type == fileio.ChangeDeleted && !orphaned && !checking {
		w.orphanCheck = true
	}
	w.mu.Unlock()

	switch {
	case change.Type == fileio.ChangeAdded && orphaned:
		w.setOrphaned(false)
	case change.Type == fileio.ChangeDeleted && !orphaned && !checking:
		safego.Go(func() {
			w.confirmOrphaned(ctx)
		})
	}
}

func (w *WorkingCopy) confirmOrphaned(ctx context.Context) {
	defer func() {
		w.mu.Lock()
		w.orphanCheck = false
		w.mu.Unlock()
	}()

	timer := time.NewTimer(w.deps.OrphanCheckDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	if w.IsDisposed() {
		return
	}
	exists, err := fileio.Exists(ctx, w.deps.Files, w.resource)
	if err != nil {
		w.trace("orphan check failed: %v", err)
		return
	}
	w.setOrphaned(!exists)
}

// JoinPendingSave waits for running and queued saves to settle.
func (w *WorkingCopy) JoinPendingSave(ctx context.Context) error {
	return w.seq.Join(ctx)
}

// Dispose releases the model and all listeners. It does not save.
// EventWillDispose listeners still see the model.
func (w *WorkingCopy) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	w.mu.Unlock()

	w.trace("dispose")
	w.emit(EventWillDispose)

	w.mu.Lock()
	model := w.model
	unlisten := w.unlisten
	w.unlisten = nil
	w.model = nil
	w.inConflictMode = false
	w.inErrorMode = false
	w.mu.Unlock()

	for _, fn := range unlisten {
		fn()
	}
	if model != nil {
		model.Dispose()
	}
	w.events.clear()
}
