package workingcopy

import (
	"context"
	"time"

	"docsync/internal/backup"
	"docsync/internal/fileio"
)

// Origin tells a model where a content update comes from.
type Origin int

const (
	// OriginUserEdit is an edit that participates in dirty tracking.
	OriginUserEdit Origin = iota
	// OriginProgrammaticLoad populates the model from disk or a backup and
	// never marks the working copy dirty.
	OriginProgrammaticLoad
)

func (o Origin) String() string {
	if o == OriginProgrammaticLoad {
		return "load"
	}
	return "edit"
}

// ContentChangeEvent is fired by a model after its content changed.
type ContentChangeEvent struct {
	Origin    Origin
	IsUndoing bool
	IsRedoing bool
	// VersionID is the model's version after the change.
	VersionID int64
}

// Model is the editable content behind a working copy.
//
// VersionID must return to an earlier value when undo or redo restores the
// content that value was issued for.
type Model interface {
	VersionID() int64
	Update(ctx context.Context, content []byte, origin Origin) error
	Snapshot(ctx context.Context) ([]byte, error)
	PushUndoBoundary()
	OnDidChangeContent(fn func(ContentChangeEvent)) (unsubscribe func())
	OnWillDispose(fn func()) (unsubscribe func())
	Dispose()
}

// Saver is implemented by models that persist themselves.
type Saver interface {
	Save(ctx context.Context, opts fileio.WriteOptions) (fileio.FileStat, error)
}

// ModelFactory creates the model for a resource from its initial content.
type ModelFactory func(ctx context.Context, resource string, content []byte) (Model, error)

// BackupResolver looks up a crash-recovery backup for a resource.
// It returns nil when there is none.
type BackupResolver interface {
	Resolve(ctx context.Context, resource string) (*backup.Entry, error)
}

// SaveContext is passed to save participants.
type SaveContext struct {
	Reason SaveReason
	Source string
}

// ParticipantTarget is the view of a working copy a save participant sees.
type ParticipantTarget interface {
	Resource() string
	Model() Model
}

// ParticipantRunner runs pre-save transforms.
//
// Returning an error that wraps context.Canceled skips the write of the
// current save attempt. Any other error is logged and the save proceeds.
type ParticipantRunner interface {
	HasParticipants() bool
	RunSaveParticipants(ctx context.Context, target ParticipantTarget, sc SaveContext) error
}

// FilesConfiguration supplies per-resource policy.
type FilesConfiguration interface {
	// IsReadonly decides readonly state from configuration and the last
	// observed stat, which may be nil.
	IsReadonly(resource string, stat *fileio.FileStat) bool
	// PreventSaveConflicts enables etag checks on write.
	PreventSaveConflicts(resource string) bool
}

// DefaultFilesConfiguration follows the file's own readonly flags and always
// checks for conflicts.
type DefaultFilesConfiguration struct{}

func (DefaultFilesConfiguration) IsReadonly(resource string, stat *fileio.FileStat) bool {
	return stat != nil && stat.Readonly
}

func (DefaultFilesConfiguration) PreventSaveConflicts(resource string) bool {
	return true
}

const (
	// DefaultUndoRedoThrottle delays participants of an auto save that
	// follows an undo or redo.
	DefaultUndoRedoThrottle = 500 * time.Millisecond
	// DefaultOrphanCheckDelay is how long a delete event waits before the
	// file is checked again.
	DefaultOrphanCheckDelay = 100 * time.Millisecond
)

// Deps are the collaborators of a working copy.
type Deps struct {
	Files    fileio.FileIO
	Elevated fileio.ElevatedWriter
	Backups  BackupResolver
	// Participants may be nil.
	Participants ParticipantRunner
	Config       FilesConfiguration
	NewModel     ModelFactory

	UndoRedoThrottle time.Duration
	OrphanCheckDelay time.Duration
}

func (d Deps) withDefaults() Deps {
	if d.Config == nil {
		d.Config = DefaultFilesConfiguration{}
	}
	if d.UndoRedoThrottle == 0 {
		d.UndoRedoThrottle = DefaultUndoRedoThrottle
	}
	if d.OrphanCheckDelay == 0 {
		d.OrphanCheckDelay = DefaultOrphanCheckDelay
	}
	return d
}
