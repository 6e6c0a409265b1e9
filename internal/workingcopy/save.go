package workingcopy

import (
	"context"
	"errors"
	"time"

	"docsync/internal/fileio"
	"docsync/internal/logging"
)

// SaveReason tells why a save was requested.
type SaveReason int

const (
	SaveReasonExplicit SaveReason = iota
	SaveReasonAuto
	SaveReasonFocusChange
	SaveReasonWindowChange
)

func (r SaveReason) String() string {
	switch r {
	case SaveReasonAuto:
		return "auto"
	case SaveReasonFocusChange:
		return "focus_change"
	case SaveReasonWindowChange:
		return "window_change"
	default:
		return "explicit"
	}
}

// implicit reports whether the save was not requested by the user.
func (r SaveReason) implicit() bool {
	return r == SaveReasonAuto || r == SaveReasonFocusChange || r == SaveReasonWindowChange
}

// SaveOptions controls Save.
type SaveOptions struct {
	Reason SaveReason
	// Force saves even when the copy is not dirty.
	Force bool
	// IgnoreModifiedSince overwrites the file even if it changed on disk.
	IgnoreModifiedSince bool
	// WriteUnlock clears a write lock before writing.
	WriteUnlock bool
	// WriteElevated writes through the elevated writer when supported.
	WriteElevated bool
	SkipSaveParticipants bool
	// IgnoreErrorHandler returns write errors to the caller instead of
	// recording them in the working copy state.
	IgnoreErrorHandler bool
	// Source is passed to the save event and participants.
	Source string
}

// Save writes the model to disk. It returns true when the copy ends up
// saved.
//
// Unresolved and readonly copies are not saved. A copy in conflict or error
// only accepts explicit saves. Write failures are recorded as conflict or
// error state and reported through EventSaveError; they are returned only
// with IgnoreErrorHandler.
func (w *WorkingCopy) Save(ctx context.Context, opts SaveOptions) (bool, error) {
	w.mu.Lock()
	resolved := w.model != nil
	readonly := w.isReadonlyLocked()
	sticky := w.inConflictMode || w.inErrorMode
	w.mu.Unlock()

	if !resolved {
		return false, nil
	}
	if readonly {
		w.trace("save() - ignoring request for readonly resource")
		return false, nil
	}
	if sticky && opts.Reason.implicit() {
		w.trace("save() - ignoring %s save request in conflict or error", opts.Reason)
		return false, nil
	}

	w.trace("save() - enter")
	if err := w.doSave(ctx, opts); err != nil {
		return false, err
	}
	w.trace("save() - exit")
	return w.HasState(StateSaved), nil
}

func (w *WorkingCopy) doSave(ctx context.Context, opts SaveOptions) error {
	w.mu.Lock()
	versionID := w.versions.versionID
	nested := w.ignoreSaveFromParticipants
	dirty := w.dirty
	model := w.model
	w.mu.Unlock()

	w.trace("doSave(%d) - enter", versionID)

	// A participant calling Save must not recurse into another save.
	if nested {
		w.trace("doSave(%d) - exit - refusing to save recursively from a participant", versionID)
		return nil
	}

	// The same content is already being written; join that write.
	if running := w.seq.RunningFor(versionID); running != nil {
		w.trace("doSave(%d) - exit - found a running save for this version", versionID)
		return running.Wait(ctx)
	}

	if !opts.Force && !dirty {
		w.trace("doSave(%d) - exit - not dirty and not forced", versionID)
		return nil
	}

	// An older version is being saved. Ask it to stop before writing and
	// run this save once it settled; a later request replaces this one.
	if w.seq.IsRunning() {
		w.trace("doSave(%d) - queueing behind a running save", versionID)
		w.seq.CancelRunning()
		return w.seq.Queue(ctx, versionID, func(qctx context.Context) error {
			return w.runQueuedSave(qctx, opts)
		}).Wait(ctx)
	}

	// Close the undo group so the saved state is its own undo stop.
	if model != nil {
		model.PushUndoBoundary()
	}

	return w.seq.Run(ctx, versionID, func(runCtx context.Context) error {
		return w.saveAttempt(runCtx, versionID, opts)
	})
}

// runQueuedSave runs as the sequencer's current operation once the save it
// was queued behind settled. The copy may have been saved or reverted in
// the meantime, so dirty state is checked again.
func (w *WorkingCopy) runQueuedSave(ctx context.Context, opts SaveOptions) error {
	w.mu.Lock()
	versionID := w.versions.versionID
	dirty := w.dirty
	disposed := w.disposed
	model := w.model
	w.mu.Unlock()

	if disposed || model == nil {
		return nil
	}
	if !opts.Force && !dirty {
		w.trace("doSave(%d) - exit - queued save found nothing to write", versionID)
		return nil
	}
	w.seq.SetRunningID(versionID)
	model.PushUndoBoundary()
	return w.saveAttempt(ctx, versionID, opts)
}

func (w *WorkingCopy) saveAttempt(ctx context.Context, versionID int64, opts SaveOptions) error {
	if skip := w.runParticipants(ctx, opts); skip || ctx.Err() != nil {
		w.trace("doSave(%d) - exit - cancelled before writing", versionID)
		return nil
	}

	w.mu.Lock()
	if w.disposed || w.model == nil {
		w.mu.Unlock()
		w.trace("doSave(%d) - exit - disposed or unresolved", versionID)
		return nil
	}
	// Participants may have changed the content.
	versionID = w.versions.versionID
	w.inErrorMode = false
	model := w.model
	writeOpts := fileio.WriteOptions{Unlock: opts.WriteUnlock}
	if w.lastStat != nil {
		writeOpts.Mtime = w.lastStat.Mtime
		writeOpts.ETag = w.lastStat.ETag
	}
	w.mu.Unlock()

	w.seq.SetRunningID(versionID)
	if opts.IgnoreModifiedSince || !w.deps.Config.PreventSaveConflicts(w.resource) {
		writeOpts.ETag = fileio.ETagDisabled
	}

	w.trace("doSave(%d) - before write", versionID)
	stat, cancelled, err := w.write(ctx, model, writeOpts, opts.WriteElevated)
	if cancelled {
		w.trace("doSave(%d) - exit - cancelled while taking snapshot", versionID)
		return nil
	}
	if err != nil {
		return w.handleSaveError(err, versionID, opts)
	}
	w.handleSaveSuccess(stat, versionID, opts)
	return nil
}

// runParticipants runs save participants and reports whether the write must
// be skipped. Participant failures never fail the save; only cancellation
// stops the attempt.
func (w *WorkingCopy) runParticipants(ctx context.Context, opts SaveOptions) bool {
	participants := w.deps.Participants
	if opts.SkipSaveParticipants || participants == nil || !participants.HasParticipants() {
		return false
	}

	w.mu.Lock()
	resolved := w.model != nil && !w.disposed
	lastUndoRedo := w.lastUndoRedoChange
	w.mu.Unlock()
	if !resolved {
		return false
	}

	// Give an undo of a participant edit a chance to stick before an auto
	// save runs the participants again.
	if opts.Reason == SaveReasonAuto && !lastUndoRedo.IsZero() {
		if elapsed := time.Since(lastUndoRedo); elapsed < w.deps.UndoRedoThrottle {
			timer := time.NewTimer(w.deps.UndoRedoThrottle - elapsed)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}
	if ctx.Err() != nil {
		return true
	}

	w.setIgnoreSaveFromParticipants(true)
	err := participants.RunSaveParticipants(ctx, w, SaveContext{Reason: opts.Reason, Source: opts.Source})
	w.setIgnoreSaveFromParticipants(false)

	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		w.trace("save participants cancelled: %v", err)
		return true
	default:
		logging.Errorf("Save participants failed for %s: %v", w.resource, err)
		return false
	}
}

func (w *WorkingCopy) setIgnoreSaveFromParticipants(v bool) {
	w.mu.Lock()
	w.ignoreSaveFromParticipants = v
	w.mu.Unlock()
}

// write persists the model. Cancellation is honoured until the snapshot is
// taken; the write itself always runs to completion.
func (w *WorkingCopy) write(ctx context.Context, model Model, opts fileio.WriteOptions, elevated bool) (fileio.FileStat, bool, error) {
	writeCtx := context.WithoutCancel(ctx)

	if saver, ok := model.(Saver); ok {
		stat, err := saver.Save(writeCtx, opts)
		return stat, false, err
	}

	content, err := model.Snapshot(ctx)
	if ctx.Err() != nil {
		return fileio.FileStat{}, true, nil
	}
	if err != nil {
		return fileio.FileStat{}, false, err
	}

	if elevated && w.deps.Elevated != nil && w.deps.Elevated.IsSupported(w.resource) {
		stat, err := w.deps.Elevated.WriteFileElevated(writeCtx, w.resource, content, opts)
		return stat, false, err
	}
	stat, err := w.deps.Files.WriteFile(writeCtx, w.resource, content, opts)
	return stat, false, err
}

func (w *WorkingCopy) handleSaveSuccess(stat fileio.FileStat, versionID int64, opts SaveOptions) {
	w.mu.Lock()
	readonlyChanged := w.updateLastStatLocked(stat)
	var dirtyChanged bool
	if versionID == w.versions.versionID {
		dirtyChanged, _ = w.setDirtyLocked(false)
	} else {
		w.trace("handleSaveSuccess(%d) - not clearing dirty, content changed meanwhile", versionID)
	}
	orphanChanged := w.setOrphanedLocked(false)
	w.lastSaveError = nil
	saved := *w.lastStat
	w.mu.Unlock()

	w.trace("handleSaveSuccess(%d) - saved", versionID)
	if readonlyChanged {
		w.emit(EventChangeReadonly)
	}
	if dirtyChanged {
		w.emit(EventChangeDirty)
	}
	if orphanChanged {
		w.emit(EventChangeOrphaned)
	}
	w.events.fire(Event{
		Type:     EventSave,
		Resource: w.resource,
		Reason:   opts.Reason,
		Source:   opts.Source,
		Stat:     &saved,
	})
}

func (w *WorkingCopy) handleSaveError(err error, versionID int64, opts SaveOptions) error {
	if opts.IgnoreErrorHandler {
		w.trace("handleSaveError(%d) - returning error to caller: %v", versionID, err)
		return err
	}
	logging.Errorf("Failed to save %s: %v", w.resource, err)

	result := fileio.ResultOf(err)
	saveErr := &SaveError{
		Resource: w.resource,
		Err:      err,
		Result:   result,
		Conflict: result == fileio.ResultModifiedSince,
		Actions:  actionsFor(result, w.elevatedSupported()),
	}

	w.mu.Lock()
	dirtyChanged, _ := w.setDirtyLocked(true)
	if saveErr.Conflict {
		w.inConflictMode = true
		w.inErrorMode = false
	} else {
		w.inErrorMode = true
	}
	w.lastSaveError = saveErr
	w.mu.Unlock()

	if dirtyChanged {
		w.emit(EventChangeDirty)
	}
	w.events.fire(Event{Type: EventSaveError, Resource: w.resource, Reason: opts.Reason, Source: opts.Source, SaveError: saveErr})
	return nil
}

func (w *WorkingCopy) elevatedSupported() bool {
	return w.deps.Elevated != nil && w.deps.Elevated.IsSupported(w.resource)
}
