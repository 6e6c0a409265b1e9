package workingcopy_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"docsync/internal/fileio"
	"docsync/internal/textmodel"
	"docsync/internal/workingcopy"
)

const testResource = "/a.txt"

type workspace struct {
	mem   afero.Fs
	files *fileio.LocalFS
}

func newWorkspace(t *testing.T, content string) *workspace {
	t.Helper()
	mem := afero.NewMemMapFs()
	if content != "" {
		require.NoError(t, afero.WriteFile(mem, testResource, []byte(content), 0644))
		mtime := time.Unix(100, 0)
		require.NoError(t, mem.Chtimes(testResource, mtime, mtime))
	}
	return &workspace{mem: mem, files: fileio.NewLocalFS(mem, fileio.LocalOptions{})}
}

func (ws *workspace) read(t *testing.T) string {
	t.Helper()
	data, err := afero.ReadFile(ws.mem, testResource)
	require.NoError(t, err)
	return string(data)
}

// writeExternal changes the file behind the working copy's back.
func (ws *workspace) writeExternal(t *testing.T, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(ws.mem, testResource, []byte(content), 0644))
	later := time.Now().Add(time.Hour)
	require.NoError(t, ws.mem.Chtimes(testResource, later, later))
}

func newDeps(files fileio.FileIO) workingcopy.Deps {
	return workingcopy.Deps{
		Files:            files,
		NewModel:         textmodel.Factory,
		OrphanCheckDelay: time.Millisecond,
	}
}

func resolved(t *testing.T, deps workingcopy.Deps) *workingcopy.WorkingCopy {
	t.Helper()
	wc := workingcopy.New(testResource, deps)
	require.NoError(t, wc.Resolve(context.Background(), workingcopy.ResolveOptions{}))
	require.True(t, wc.IsResolved())
	return wc
}

func edit(t *testing.T, wc *workingcopy.WorkingCopy, content string) {
	t.Helper()
	require.NoError(t, wc.Model().Update(context.Background(), []byte(content), workingcopy.OriginUserEdit))
}

func snapshot(t *testing.T, wc *workingcopy.WorkingCopy) string {
	t.Helper()
	data, err := wc.Model().Snapshot(context.Background())
	require.NoError(t, err)
	return string(data)
}

func textModel(wc *workingcopy.WorkingCopy) *textmodel.Model {
	return wc.Model().(*textmodel.Model)
}

// recorder collects events by type.
type recorder struct {
	mu     sync.Mutex
	events []workingcopy.Event
}

func record(wc *workingcopy.WorkingCopy) *recorder {
	r := &recorder{}
	wc.OnEvent(func(ev workingcopy.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) count(t workingcopy.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) last(t workingcopy.EventType) (workingcopy.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == t {
			return r.events[i], true
		}
	}
	return workingcopy.Event{}, false
}

// participantFunc adapts a func to workingcopy.ParticipantRunner.
type participantFunc func(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error

func (f participantFunc) HasParticipants() bool { return true }

func (f participantFunc) RunSaveParticipants(ctx context.Context, target workingcopy.ParticipantTarget, sc workingcopy.SaveContext) error {
	return f(ctx, target, sc)
}
