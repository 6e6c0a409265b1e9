package workingcopy_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/backup"
	"docsync/internal/fileio"
	"docsync/internal/textmodel"
	"docsync/internal/workingcopy"
)

func TestResolveEditSave(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	events := record(wc)

	stat, ok := wc.LastResolvedFileStat()
	require.True(t, ok)
	assert.Equal(t, time.Unix(100, 0), stat.Mtime)
	assert.False(t, wc.IsDirty())
	assert.Equal(t, int64(0), wc.VersionID())
	assert.Equal(t, int64(0), wc.SavedVersionID())

	edit(t, wc, "AB")
	assert.True(t, wc.IsDirty())
	assert.True(t, wc.HasState(workingcopy.StateDirty))
	assert.Equal(t, int64(1), wc.VersionID())

	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, wc.IsDirty())
	assert.Equal(t, int64(1), wc.SavedVersionID())
	assert.Equal(t, "AB", ws.read(t))

	stat, _ = wc.LastResolvedFileStat()
	assert.True(t, stat.Mtime.After(time.Unix(100, 0)))
	assert.Equal(t, 1, events.count(workingcopy.EventSave))
	assert.Equal(t, 2, events.count(workingcopy.EventChangeDirty))
}

func TestSaveConflictThenOverwrite(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	events := record(wc)
	ctx := context.Background()

	edit(t, wc, "AB")
	saved, err := wc.Save(ctx, workingcopy.SaveOptions{})
	require.NoError(t, err)
	require.True(t, saved)

	ws.writeExternal(t, "external change")
	edit(t, wc, "ABC")
	assert.Equal(t, int64(2), wc.VersionID())

	saved, err = wc.Save(ctx, workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.False(t, saved)
	assert.True(t, wc.HasState(workingcopy.StateConflict))
	assert.True(t, wc.HasState(workingcopy.StateDirty))
	assert.False(t, wc.HasState(workingcopy.StateError))
	assert.Equal(t, "external change", ws.read(t))

	ev, ok := events.last(workingcopy.EventSaveError)
	require.True(t, ok)
	require.NotNil(t, ev.SaveError)
	assert.True(t, ev.SaveError.Conflict)
	assert.Equal(t, fileio.ResultModifiedSince, ev.SaveError.Result)
	assert.Equal(t, []workingcopy.SaveErrorAction{workingcopy.ActionOverwrite, workingcopy.ActionRevert}, ev.SaveError.Actions)
	assert.ErrorIs(t, wc.LastSaveError(), fileio.ErrModifiedSince)

	// An auto save must not touch a conflicting copy.
	saved, err = wc.Save(ctx, workingcopy.SaveOptions{Reason: workingcopy.SaveReasonAuto})
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Equal(t, 1, events.count(workingcopy.EventSaveError))

	saved, err = wc.ApplySaveErrorAction(ctx, workingcopy.ActionOverwrite)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, wc.HasState(workingcopy.StateConflict))
	assert.False(t, wc.IsDirty())
	assert.Nil(t, wc.LastSaveError())
	assert.Equal(t, "ABC", ws.read(t))
}

func TestConcurrentSavesNeverOverlap(t *testing.T) {
	var (
		inFlight, maxInFlight int32
		writes                []string
		writesMu              sync.Mutex
		writeStarted          = make(chan struct{}, 4)
		release               = make(chan struct{})
		clock                 int64 = 1000
	)
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			return fileio.Content{Stat: fileio.FileStat{Resource: resource, Mtime: time.UnixMilli(clock), Size: 1}, Value: []byte("A")}, nil
		},
		WriteFileFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			n := atomic.AddInt32(&inFlight, 1)
			defer atomic.AddInt32(&inFlight, -1)
			if n > atomic.LoadInt32(&maxInFlight) {
				atomic.StoreInt32(&maxInFlight, n)
			}
			writeStarted <- struct{}{}
			<-release
			writesMu.Lock()
			writes = append(writes, string(data))
			writesMu.Unlock()
			mtime := time.UnixMilli(atomic.AddInt64(&clock, 1))
			return fileio.FileStat{Resource: resource, Mtime: mtime, Size: int64(len(data)), ETag: fileio.ETag(mtime, int64(len(data)))}, nil
		},
	}
	wc := resolved(t, newDeps(files))
	ctx := context.Background()

	edit(t, wc, "AB")
	first := make(chan error, 1)
	go func() {
		_, err := wc.Save(ctx, workingcopy.SaveOptions{})
		first <- err
	}()
	<-writeStarted
	assert.True(t, wc.HasState(workingcopy.StatePendingSave))

	// Resolving during a save is refused.
	require.NoError(t, wc.Resolve(ctx, workingcopy.ResolveOptions{}))

	edit(t, wc, "ABC")
	type result struct {
		saved bool
		err   error
	}
	second := make(chan result, 1)
	go func() {
		saved, err := wc.Save(ctx, workingcopy.SaveOptions{})
		second <- result{saved, err}
	}()

	close(release)
	require.NoError(t, <-first)
	res := <-second
	require.NoError(t, res.err)
	assert.True(t, res.saved)

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Equal(t, []string{"AB", "ABC"}, writes)
	assert.False(t, wc.IsDirty())
	require.NoError(t, wc.JoinPendingSave(ctx))
}

func TestSaveSameVersionJoinsRunningSave(t *testing.T) {
	var writes int32
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			return fileio.Content{Stat: fileio.FileStat{Resource: resource, Mtime: time.Unix(1, 0)}, Value: []byte("A")}, nil
		},
		WriteFileFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			atomic.AddInt32(&writes, 1)
			started <- struct{}{}
			<-release
			return fileio.FileStat{Resource: resource, Mtime: time.Unix(2, 0), Size: int64(len(data))}, nil
		},
	}
	wc := resolved(t, newDeps(files))
	edit(t, wc, "AB")

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
			assert.NoError(t, err)
		}()
		if i == 0 {
			<-started
		}
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&writes))
	assert.False(t, wc.IsDirty())
}

func TestResolveNeverOverwritesDirtyCopy(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))

	edit(t, wc, "unsaved")
	ws.writeExternal(t, "external")

	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))
	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{ForceReadFromFile: true}))
	assert.Equal(t, "unsaved", snapshot(t, wc))
	assert.True(t, wc.IsDirty())
}

func TestSaveThenForcedResolveRoundTrips(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))

	edit(t, wc, "round trip")
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	require.True(t, saved)

	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{ForceReadFromFile: true}))
	assert.Equal(t, "round trip", snapshot(t, wc))
	assert.False(t, wc.IsDirty())
}

func TestUndoToSavedVersionClearsDirty(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	events := record(wc)

	edit(t, wc, "AB")
	require.True(t, wc.IsDirty())

	require.True(t, textModel(wc).Undo())
	assert.False(t, wc.IsDirty())
	assert.Equal(t, int64(2), wc.VersionID(), "undo is a content change")
	assert.Equal(t, 1, events.count(workingcopy.EventRevert))
	assert.Equal(t, 0, events.count(workingcopy.EventSave))

	require.True(t, textModel(wc).Redo())
	assert.True(t, wc.IsDirty())
}

func TestUndoToSavedVersionAfterSave(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))

	edit(t, wc, "AB")
	_, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	edit(t, wc, "ABC")
	require.True(t, wc.IsDirty())

	require.True(t, textModel(wc).Undo())
	assert.False(t, wc.IsDirty())

	require.True(t, textModel(wc).Undo())
	assert.True(t, wc.IsDirty(), "undo past the saved version is dirty again")
	assert.Equal(t, "A", snapshot(t, wc))
}

func TestNotFoundKeepsResolvedContent(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	events := record(wc)

	require.NoError(t, ws.mem.Remove(testResource))
	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))

	assert.True(t, wc.IsOrphaned())
	assert.True(t, wc.HasState(workingcopy.StateOrphan))
	assert.Equal(t, "A", snapshot(t, wc))
	assert.Equal(t, 1, events.count(workingcopy.EventChangeOrphaned))

	err := wc.Resolve(context.Background(), workingcopy.ResolveOptions{ForceReadFromFile: true})
	assert.ErrorIs(t, err, fileio.ErrNotFound)
	assert.Equal(t, "A", snapshot(t, wc))
}

func TestResolveMissingFileFailsWhenNew(t *testing.T) {
	ws := newWorkspace(t, "")
	wc := workingcopy.New(testResource, newDeps(ws.files))

	err := wc.Resolve(context.Background(), workingcopy.ResolveOptions{})
	assert.ErrorIs(t, err, fileio.ErrNotFound)
	assert.False(t, wc.IsResolved())
	assert.True(t, wc.IsOrphaned())
}

func TestSaveOrphanedCopyRecreatesFile(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	require.NoError(t, ws.mem.Remove(testResource))
	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))
	require.True(t, wc.IsOrphaned())

	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{Force: true})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, wc.IsOrphaned())
	assert.Equal(t, "A", ws.read(t))
}

func TestResolveFromBuffer(t *testing.T) {
	ws := newWorkspace(t, "")
	wc := workingcopy.New(testResource, newDeps(ws.files))

	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{Contents: []byte("draft")}))
	assert.True(t, wc.IsDirty())
	assert.True(t, wc.IsOrphaned())
	assert.Equal(t, "draft", snapshot(t, wc))

	stat, ok := wc.LastResolvedFileStat()
	require.True(t, ok)
	assert.Equal(t, fileio.ETagDisabled, stat.ETag)

	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, "draft", ws.read(t))
}

func TestResolveFromBufferWhileDirty(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	edit(t, wc, "B")

	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{Contents: []byte("C")}))
	assert.Equal(t, "C", snapshot(t, wc))
	assert.True(t, wc.IsDirty())
	assert.False(t, wc.IsOrphaned())
}

func TestResolveFromBackup(t *testing.T) {
	ws := newWorkspace(t, "on disk")
	store := backup.NewMemoryStore()
	meta := &backup.Meta{Mtime: time.Unix(100, 0), Ctime: time.Unix(100, 0), Size: 7, ETag: "etag", Orphaned: true}
	require.NoError(t, store.Backup(context.Background(), testResource, meta, []byte("recovered")))

	deps := newDeps(ws.files)
	deps.Backups = store
	wc := resolved(t, deps)

	assert.Equal(t, "recovered", snapshot(t, wc))
	assert.True(t, wc.IsDirty())
	assert.True(t, wc.IsOrphaned())
	stat, _ := wc.LastResolvedFileStat()
	assert.Equal(t, "etag", stat.ETag)
}

func TestResolveFromBackupError(t *testing.T) {
	ws := newWorkspace(t, "A")
	deps := newDeps(ws.files)
	deps.Backups = failingBackups{}
	wc := workingcopy.New(testResource, deps)

	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))
	assert.True(t, wc.IsResolved())
	assert.Equal(t, "A", snapshot(t, wc))
	assert.False(t, wc.IsDirty())
}

func TestResolveFromBackupErrorWithUnreadableFile(t *testing.T) {
	ws := newWorkspace(t, "")
	deps := newDeps(ws.files)
	deps.Backups = failingBackups{}
	wc := workingcopy.New(testResource, deps)

	err := wc.Resolve(context.Background(), workingcopy.ResolveOptions{})
	assert.ErrorIs(t, err, fileio.ErrNotFound)
	assert.False(t, wc.IsResolved())
}

type failingBackups struct{}

func (failingBackups) Resolve(ctx context.Context, resource string) (*backup.Entry, error) {
	return nil, errors.New("backup store offline")
}

func TestNotModifiedRefreshesReadonly(t *testing.T) {
	var reads int32
	base := fileio.FileStat{Resource: testResource, Mtime: time.Unix(100, 0), Size: 1, ETag: "e1"}
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			if atomic.AddInt32(&reads, 1) == 1 {
				return fileio.Content{Stat: base, Value: []byte("A")}, nil
			}
			assert.Equal(t, "e1", opts.ETag)
			stat := base
			stat.Readonly = true
			return fileio.Content{}, fileio.NotModified(resource, stat)
		},
	}
	wc := resolved(t, newDeps(files))
	events := record(wc)
	require.False(t, wc.IsReadonly())

	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))
	assert.True(t, wc.IsReadonly())
	assert.Equal(t, 1, events.count(workingcopy.EventChangeReadonly))
	assert.Equal(t, 0, events.count(workingcopy.EventResolve))

	edit(t, wc, "B")
	assert.False(t, wc.IsDirty(), "edits of a readonly copy are not tracked")
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestStaleStatDoesNotRegress(t *testing.T) {
	var reads int32
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			if atomic.AddInt32(&reads, 1) == 1 {
				return fileio.Content{Stat: fileio.FileStat{Mtime: time.Unix(200, 0), ETag: "new"}, Value: []byte("A")}, nil
			}
			return fileio.Content{Stat: fileio.FileStat{Mtime: time.Unix(100, 0), ETag: "old", Locked: true}, Value: []byte("A")}, nil
		},
	}
	wc := resolved(t, newDeps(files))
	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))

	stat, _ := wc.LastResolvedFileStat()
	assert.Equal(t, "new", stat.ETag)
	assert.True(t, stat.Locked)
}

func TestWriteLockedOffersUnlock(t *testing.T) {
	ws := newWorkspace(t, "A")
	require.NoError(t, ws.mem.Chmod(testResource, 0444))
	deps := newDeps(ws.files)
	deps.Elevated = &fileio.FakeElevatedWriter{}
	wc := resolved(t, deps)
	events := record(wc)

	edit(t, wc, "AB")
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.False(t, saved)
	assert.True(t, wc.HasState(workingcopy.StateError))
	assert.False(t, wc.HasState(workingcopy.StateConflict))
	assert.True(t, wc.IsDirty())

	ev, ok := events.last(workingcopy.EventSaveError)
	require.True(t, ok)
	assert.Equal(t, fileio.ResultWriteLocked, ev.SaveError.Result)
	assert.Equal(t, []workingcopy.SaveErrorAction{
		workingcopy.ActionUnlock, workingcopy.ActionElevated, workingcopy.ActionRetry,
		workingcopy.ActionSaveAs, workingcopy.ActionRevert,
	}, ev.SaveError.Actions)

	saved, err = wc.ApplySaveErrorAction(context.Background(), workingcopy.ActionUnlock)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, wc.HasState(workingcopy.StateError))
	assert.Equal(t, "AB", ws.read(t))
}

func TestPermissionDeniedUsesElevatedWriter(t *testing.T) {
	var elevatedWrites int32
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			return fileio.Content{Stat: fileio.FileStat{Mtime: time.Unix(1, 0)}, Value: []byte("A")}, nil
		},
		WriteFileFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			return fileio.FileStat{}, fileio.Failure("write", resource, fileio.ErrPermissionDenied)
		},
	}
	deps := newDeps(files)
	deps.Elevated = &fileio.FakeElevatedWriter{
		WriteFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			atomic.AddInt32(&elevatedWrites, 1)
			return fileio.FileStat{Resource: resource, Mtime: time.Unix(2, 0), Size: int64(len(data))}, nil
		},
	}
	wc := resolved(t, deps)
	edit(t, wc, "AB")

	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	require.False(t, saved)
	last := wc.LastSaveError()
	require.NotNil(t, last)
	assert.Equal(t, workingcopy.ActionElevated, last.Actions[0])

	saved, err = wc.ApplySaveErrorAction(context.Background(), workingcopy.ActionElevated)
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, int32(1), atomic.LoadInt32(&elevatedWrites))

	_, err = wc.ApplySaveErrorAction(context.Background(), workingcopy.ActionSaveAs)
	assert.ErrorIs(t, err, workingcopy.ErrUnsupportedAction)
}

func TestIgnoreErrorHandlerReturnsError(t *testing.T) {
	boom := errors.New("disk full")
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			return fileio.Content{Stat: fileio.FileStat{Mtime: time.Unix(1, 0)}, Value: []byte("A")}, nil
		},
		WriteFileFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			return fileio.FileStat{}, boom
		},
	}
	wc := resolved(t, newDeps(files))
	events := record(wc)
	edit(t, wc, "AB")

	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{IgnoreErrorHandler: true})
	assert.ErrorIs(t, err, boom)
	assert.False(t, saved)
	assert.False(t, wc.HasState(workingcopy.StateError))
	assert.Equal(t, 0, events.count(workingcopy.EventSaveError))

	saved, err = wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.False(t, saved)
	assert.True(t, wc.HasState(workingcopy.StateError))
	assert.Equal(t, []workingcopy.SaveErrorAction{workingcopy.ActionRetry, workingcopy.ActionSaveAs, workingcopy.ActionRevert}, wc.LastSaveError().Actions)
}

func TestSaveSkipsCleanCopyUnlessForced(t *testing.T) {
	var writes int32
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			return fileio.Content{Stat: fileio.FileStat{Mtime: time.Unix(1, 0)}, Value: []byte("A")}, nil
		},
		WriteFileFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			atomic.AddInt32(&writes, 1)
			return fileio.FileStat{Mtime: time.Unix(2, 0)}, nil
		},
	}
	wc := resolved(t, newDeps(files))

	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, int32(0), atomic.LoadInt32(&writes))

	_, err = wc.Save(context.Background(), workingcopy.SaveOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&writes))
}

func TestSaveUnresolvedReturnsFalse(t *testing.T) {
	wc := workingcopy.New(testResource, newDeps(&fileio.FakeFileIO{}))
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{Force: true})
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestPreventSaveConflictsDisabled(t *testing.T) {
	ws := newWorkspace(t, "A")
	deps := newDeps(ws.files)
	deps.Config = noConflictChecks{}
	wc := resolved(t, deps)

	edit(t, wc, "mine")
	ws.writeExternal(t, "theirs, longer")
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, "mine", ws.read(t))
}

type noConflictChecks struct{ workingcopy.DefaultFilesConfiguration }

func (noConflictChecks) PreventSaveConflicts(string) bool { return false }

func TestParticipantsRunBeforeWrite(t *testing.T) {
	ws := newWorkspace(t, "A")
	deps := newDeps(ws.files)
	var wc *workingcopy.WorkingCopy
	var nestedSaved bool
	deps.Participants = participantFunc(func(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error {
		assert.Equal(t, testResource, target.Resource())
		assert.Equal(t, "test", sc.Source)
		content, err := target.Model().Snapshot(ctx)
		if err != nil {
			return err
		}
		if err := target.Model().Update(ctx, append(content, '\n'), workingcopy.OriginUserEdit); err != nil {
			return err
		}
		// Saving from a participant must not recurse.
		nestedSaved, err = wc.Save(ctx, workingcopy.SaveOptions{})
		return err
	})
	wc = resolved(t, deps)

	edit(t, wc, "AB")
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{Source: "test"})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, nestedSaved)
	assert.Equal(t, "AB\n", ws.read(t))
	assert.False(t, wc.IsDirty(), "participant edits are part of the save")
}

func TestParticipantErrorStillSaves(t *testing.T) {
	ws := newWorkspace(t, "A")
	deps := newDeps(ws.files)
	deps.Participants = participantFunc(func(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error {
		return errors.New("formatter crashed")
	})
	wc := resolved(t, deps)

	edit(t, wc, "AB")
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.False(t, wc.HasState(workingcopy.StateError))
	assert.Equal(t, "AB", ws.read(t))
}

func TestCancelledParticipantsSkipWrite(t *testing.T) {
	ws := newWorkspace(t, "A")
	deps := newDeps(ws.files)
	deps.Participants = participantFunc(func(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error {
		return context.Canceled
	})
	wc := resolved(t, deps)

	edit(t, wc, "AB")
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.False(t, saved)
	assert.True(t, wc.IsDirty())
	assert.False(t, wc.HasState(workingcopy.StateError))
	assert.Equal(t, "A", ws.read(t))

	saved, err = wc.Save(context.Background(), workingcopy.SaveOptions{SkipSaveParticipants: true})
	require.NoError(t, err)
	assert.True(t, saved)
}

func TestAutoSaveAfterUndoIsThrottled(t *testing.T) {
	ws := newWorkspace(t, "A")
	deps := newDeps(ws.files)
	deps.UndoRedoThrottle = 150 * time.Millisecond
	var ran time.Time
	deps.Participants = participantFunc(func(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error {
		ran = time.Now()
		return nil
	})
	wc := resolved(t, deps)

	edit(t, wc, "AB")
	textModel(wc).PushUndoBoundary()
	edit(t, wc, "ABC")
	require.True(t, textModel(wc).Undo())
	undoneAt := time.Now()

	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{Reason: workingcopy.SaveReasonAuto})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.GreaterOrEqual(t, ran.Sub(undoneAt), 100*time.Millisecond)
}

func TestRevert(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	events := record(wc)

	edit(t, wc, "AB")
	require.NoError(t, wc.Revert(context.Background(), workingcopy.RevertOptions{}))
	assert.False(t, wc.IsDirty())
	assert.Equal(t, "A", snapshot(t, wc))
	assert.Equal(t, 1, events.count(workingcopy.EventRevert))

	// Not dirty: nothing to do.
	require.NoError(t, wc.Revert(context.Background(), workingcopy.RevertOptions{}))
	assert.Equal(t, 1, events.count(workingcopy.EventRevert))
}

func TestRevertSoftKeepsContent(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))

	edit(t, wc, "AB")
	require.NoError(t, wc.Revert(context.Background(), workingcopy.RevertOptions{Soft: true}))
	assert.False(t, wc.IsDirty())
	assert.Equal(t, "AB", snapshot(t, wc))
}

func TestRevertToleratesMissingFile(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))

	edit(t, wc, "AB")
	require.NoError(t, ws.mem.Remove(testResource))
	require.NoError(t, wc.Revert(context.Background(), workingcopy.RevertOptions{}))
	assert.False(t, wc.IsDirty())
	assert.True(t, wc.IsOrphaned())
}

func TestRevertFailureRestoresState(t *testing.T) {
	var reads int32
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			if atomic.AddInt32(&reads, 1) == 1 {
				return fileio.Content{Stat: fileio.FileStat{Mtime: time.Unix(1, 0)}, Value: []byte("A")}, nil
			}
			return fileio.Content{}, fileio.Failure("read", resource, fileio.ErrPermissionDenied)
		},
		WriteFileFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			return fileio.FileStat{}, fileio.Failure("write", resource, fileio.ErrModifiedSince)
		},
	}
	wc := resolved(t, newDeps(files))
	edit(t, wc, "AB")
	_, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	require.True(t, wc.HasState(workingcopy.StateConflict))

	err = wc.Revert(context.Background(), workingcopy.RevertOptions{})
	assert.ErrorIs(t, err, fileio.ErrPermissionDenied)
	assert.True(t, wc.IsDirty())
	assert.True(t, wc.HasState(workingcopy.StateConflict))
	assert.Equal(t, "AB", snapshot(t, wc))
}

func TestBackupSnapshot(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := workingcopy.New(testResource, newDeps(ws.files))

	snap, err := wc.Backup(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap.Meta)
	assert.Nil(t, snap.Content)

	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))
	edit(t, wc, "AB")
	snap, err = wc.Backup(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap.Meta)
	assert.Equal(t, time.Unix(100, 0), snap.Meta.Mtime)
	assert.Equal(t, int64(1), snap.Meta.Size)
	assert.Equal(t, "AB", string(snap.Content))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = wc.Backup(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

type savingModel struct {
	*textmodel.Model
	saves int32
}

func (m *savingModel) Save(ctx context.Context, opts fileio.WriteOptions) (fileio.FileStat, error) {
	atomic.AddInt32(&m.saves, 1)
	return fileio.FileStat{Mtime: time.Unix(500, 0), Size: int64(m.Len())}, nil
}

func TestModelSaverIsUsed(t *testing.T) {
	files := &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			return fileio.Content{Stat: fileio.FileStat{Mtime: time.Unix(1, 0)}, Value: []byte("A")}, nil
		},
		WriteFileFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			t.Error("model saver must be used instead of WriteFile")
			return fileio.FileStat{}, nil
		},
	}
	deps := newDeps(files)
	var model *savingModel
	deps.NewModel = func(ctx context.Context, resource string, content []byte) (workingcopy.Model, error) {
		model = &savingModel{Model: textmodel.New(resource, content)}
		return model, nil
	}
	wc := resolved(t, deps)

	edit(t, wc, "AB")
	saved, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Equal(t, int32(1), atomic.LoadInt32(&model.saves))
	stat, _ := wc.LastResolvedFileStat()
	assert.Equal(t, time.Unix(500, 0), stat.Mtime)
}

func TestHandleFileChangeTracksOrphan(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	ctx := context.Background()

	require.NoError(t, ws.mem.Remove(testResource))
	wc.HandleFileChange(ctx, fileio.FileChange{Resource: testResource, Type: fileio.ChangeDeleted})
	require.Eventually(t, wc.IsOrphaned, 2*time.Second, time.Millisecond)

	require.NoError(t, afero.WriteFile(ws.mem, testResource, []byte("A"), 0644))
	wc.HandleFileChange(ctx, fileio.FileChange{Resource: testResource, Type: fileio.ChangeAdded})
	assert.False(t, wc.IsOrphaned())
}

func TestHandleFileChangeIgnoresRecreatedFile(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))

	// Deleted and immediately recreated, as atomic savers do.
	wc.HandleFileChange(context.Background(), fileio.FileChange{Resource: testResource, Type: fileio.ChangeDeleted})
	assert.Never(t, wc.IsOrphaned, 50*time.Millisecond, time.Millisecond)
}

func TestModelDisposeDisposesWorkingCopy(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	events := record(wc)
	model := textModel(wc)

	model.Dispose()
	assert.True(t, wc.IsDisposed())
	assert.False(t, wc.IsResolved())
	assert.Equal(t, 1, events.count(workingcopy.EventWillDispose))

	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))
	assert.False(t, wc.IsResolved())
}

func TestDisposeClearsStickyFlags(t *testing.T) {
	ws := newWorkspace(t, "A")
	require.NoError(t, ws.mem.Chmod(testResource, 0444))
	wc := resolved(t, newDeps(ws.files))
	edit(t, wc, "AB")
	_, err := wc.Save(context.Background(), workingcopy.SaveOptions{})
	require.NoError(t, err)
	require.True(t, wc.HasState(workingcopy.StateError))

	wc.Dispose()
	assert.False(t, wc.HasState(workingcopy.StateError))
	assert.Nil(t, wc.Model())
}

func TestStateSnapshot(t *testing.T) {
	ws := newWorkspace(t, "A")
	wc := resolved(t, newDeps(ws.files))
	edit(t, wc, "AB")

	snap := wc.StateSnapshot()
	assert.Equal(t, testResource, snap.Resource)
	assert.True(t, snap.Resolved)
	assert.True(t, snap.Dirty)
	assert.False(t, snap.Conflict)
	assert.False(t, snap.PendingSave)
	assert.Equal(t, int64(1), snap.VersionID)
}

type readonlyConfig struct{}

func (readonlyConfig) IsReadonly(resource string, stat *fileio.FileStat) bool { return true }

func (readonlyConfig) PreventSaveConflicts(resource string) bool { return true }

// countingFiles serves "A" and counts writes; writes fail with writeErr.
func countingFiles(writes *int32, writeErr error) *fileio.FakeFileIO {
	stat := fileio.FileStat{Resource: testResource, Mtime: time.Unix(100, 0), Size: 1, ETag: "e1"}
	return &fileio.FakeFileIO{
		ReadFileFunc: func(ctx context.Context, resource string, opts fileio.ReadOptions) (fileio.Content, error) {
			return fileio.Content{Stat: stat, Value: []byte("A")}, nil
		},
		WriteFileFunc: func(ctx context.Context, resource string, data []byte, opts fileio.WriteOptions) (fileio.FileStat, error) {
			atomic.AddInt32(writes, 1)
			if writeErr != nil {
				return fileio.FileStat{}, writeErr
			}
			return stat, nil
		},
	}
}

func TestSaveRefusesReadonlyCopy(t *testing.T) {
	tests := []struct {
		name string
		opts workingcopy.SaveOptions
	}{
		{name: "explicit", opts: workingcopy.SaveOptions{}},
		{name: "forced", opts: workingcopy.SaveOptions{Force: true}},
		{name: "auto", opts: workingcopy.SaveOptions{Reason: workingcopy.SaveReasonAuto}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var writes int32
			deps := newDeps(countingFiles(&writes, nil))
			deps.Config = readonlyConfig{}
			wc := resolved(t, deps)
			require.True(t, wc.IsReadonly())

			saved, err := wc.Save(context.Background(), tt.opts)
			require.NoError(t, err)
			assert.False(t, saved)
			assert.Equal(t, int32(0), atomic.LoadInt32(&writes))
		})
	}
}

func TestImplicitSaveRefusedInErrorMode(t *testing.T) {
	tests := []struct {
		name   string
		reason workingcopy.SaveReason
	}{
		{name: "auto", reason: workingcopy.SaveReasonAuto},
		{name: "focus change", reason: workingcopy.SaveReasonFocusChange},
		{name: "window change", reason: workingcopy.SaveReasonWindowChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var writes int32
			wc := resolved(t, newDeps(countingFiles(&writes, errors.New("disk full"))))
			ctx := context.Background()

			edit(t, wc, "AB")
			saved, err := wc.Save(ctx, workingcopy.SaveOptions{})
			require.NoError(t, err)
			require.False(t, saved)
			require.True(t, wc.HasState(workingcopy.StateError))
			require.False(t, wc.HasState(workingcopy.StateConflict))
			require.Equal(t, int32(1), atomic.LoadInt32(&writes))

			saved, err = wc.Save(ctx, workingcopy.SaveOptions{Reason: tt.reason})
			require.NoError(t, err)
			assert.False(t, saved)
			assert.Equal(t, int32(1), atomic.LoadInt32(&writes))
			assert.True(t, wc.HasState(workingcopy.StateError))

			// Explicit saves still try.
			_, err = wc.Save(ctx, workingcopy.SaveOptions{Reason: workingcopy.SaveReasonExplicit})
			require.NoError(t, err)
			assert.Equal(t, int32(2), atomic.LoadInt32(&writes))
		})
	}
}
