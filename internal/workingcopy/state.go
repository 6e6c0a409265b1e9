package workingcopy

// State is a query for HasState. States are independent predicates: a copy
// can be dirty, in conflict and orphaned at once.
type State int

const (
	// StateSaved holds when the copy is not dirty.
	StateSaved State = iota
	StateDirty
	// StatePendingSave holds while a save is running.
	StatePendingSave
	StateConflict
	StateOrphan
	StateError
)

func (s State) String() string {
	switch s {
	case StateSaved:
		return "saved"
	case StateDirty:
		return "dirty"
	case StatePendingSave:
		return "pending_save"
	case StateConflict:
		return "conflict"
	case StateOrphan:
		return "orphan"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// versionTracker counts content changes and remembers which model version
// was last known to match disk.
type versionTracker struct {
	// versionID increases on every content change, undo and redo included.
	versionID int64
	// savedVersionID is the model version that matched disk at the last
	// successful save or clean resolve.
	savedVersionID int64
}

func (v *versionTracker) bump() int64 {
	v.versionID++
	return v.versionID
}

func (v *versionTracker) markSaved(modelVersion int64) {
	v.savedVersionID = modelVersion
}

func (v *versionTracker) isSaved(modelVersion int64) bool {
	return v.savedVersionID == modelVersion
}

// HasState reports whether state currently holds.
func (w *WorkingCopy) HasState(state State) bool {
	if state == StatePendingSave {
		return w.seq.IsRunning()
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch state {
	case StateSaved:
		return !w.dirty
	case StateDirty:
		return w.dirty
	case StateConflict:
		return w.inConflictMode
	case StateOrphan:
		return w.orphaned
	case StateError:
		return w.inErrorMode
	default:
		return false
	}
}

// Snapshot is a consistent view of the flags of a working copy.
type Snapshot struct {
	Resource    string
	Resolved    bool
	Dirty       bool
	Conflict    bool
	Error       bool
	Orphaned    bool
	PendingSave bool
	Readonly    bool
	VersionID   int64
}

// StateSnapshot returns all flags at once.
func (w *WorkingCopy) StateSnapshot() Snapshot {
	pending := w.seq.IsRunning()
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		Resource:    w.resource,
		Resolved:    w.model != nil,
		Dirty:       w.dirty,
		Conflict:    w.inConflictMode,
		Error:       w.inErrorMode,
		Orphaned:    w.orphaned,
		PendingSave: pending,
		Readonly:    w.isReadonlyLocked(),
		VersionID:   w.versions.versionID,
	}
}
