package workingcopy_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docsync/internal/fileio"
	"docsync/internal/workingcopy"
)

func TestRegistryResolveCreatesOnce(t *testing.T) {
	ws := newWorkspace(t, "A")
	reg := workingcopy.NewRegistry(newDeps(ws.files))

	var registered []string
	reg.OnDidRegister(func(wc *workingcopy.WorkingCopy) {
		registered = append(registered, wc.Resource())
	})

	first, err := reg.Resolve(context.Background(), "a.txt", workingcopy.ResolveOptions{})
	require.NoError(t, err)
	second, err := reg.Resolve(context.Background(), "/a.txt", workingcopy.ResolveOptions{})
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Same(t, first, reg.Get("//a.txt"))
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, []string{testResource}, registered)
}

func TestRegistryResolveFailureUnregisters(t *testing.T) {
	ws := newWorkspace(t, "")
	reg := workingcopy.NewRegistry(newDeps(ws.files))

	var unregistered int
	reg.OnDidUnregister(func(*workingcopy.WorkingCopy) { unregistered++ })

	_, err := reg.Resolve(context.Background(), testResource, workingcopy.ResolveOptions{})
	assert.ErrorIs(t, err, fileio.ErrNotFound)
	assert.Nil(t, reg.Get(testResource))
	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, 1, unregistered)
}

func TestRegistryRegister(t *testing.T) {
	ws := newWorkspace(t, "A")
	reg := workingcopy.NewRegistry(newDeps(ws.files))

	wc := resolved(t, newDeps(ws.files))
	require.NoError(t, reg.Register(wc))
	require.NoError(t, reg.Register(wc), "registering the same copy twice is fine")

	other := workingcopy.New(testResource, newDeps(ws.files))
	assert.Error(t, reg.Register(other))

	wc.Dispose()
	assert.Nil(t, reg.Get(testResource))
	require.NoError(t, reg.Register(other))
}

func TestRegistrySaveAll(t *testing.T) {
	mem := afero.NewMemMapFs()
	for _, name := range []string{"/a.txt", "/b.txt", "/c.txt"} {
		require.NoError(t, afero.WriteFile(mem, name, []byte("x"), 0644))
	}
	require.NoError(t, mem.Chmod("/c.txt", 0444))
	files := fileio.NewLocalFS(mem, fileio.LocalOptions{})
	reg := workingcopy.NewRegistry(newDeps(files))
	ctx := context.Background()

	for _, name := range []string{"/a.txt", "/b.txt", "/c.txt"} {
		_, err := reg.Resolve(ctx, name, workingcopy.ResolveOptions{})
		require.NoError(t, err)
	}
	edit(t, reg.Get("/a.txt"), "a")
	edit(t, reg.Get("/c.txt"), "c")
	assert.Equal(t, 2, reg.DirtyCount())

	saved, errs := reg.SaveAll(ctx, workingcopy.SaveOptions{})
	assert.Equal(t, 1, saved)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], fileio.ErrWriteLocked)
	assert.Equal(t, 1, reg.DirtyCount())

	data, err := afero.ReadFile(mem, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, errs = reg.SaveAll(cancelled, workingcopy.SaveOptions{})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.Canceled)
}

func TestRegistryAllIsSorted(t *testing.T) {
	mem := afero.NewMemMapFs()
	files := fileio.NewLocalFS(mem, fileio.LocalOptions{})
	reg := workingcopy.NewRegistry(newDeps(files))
	for _, name := range []string{"/c", "/a", "/b"} {
		_, err := reg.Resolve(context.Background(), name, workingcopy.ResolveOptions{Contents: []byte(name)})
		require.NoError(t, err)
	}

	var names []string
	for _, wc := range reg.All() {
		names = append(names, wc.Resource())
	}
	assert.Equal(t, []string{"/a", "/b", "/c"}, names)
}

func TestRegistryHandleFileChanges(t *testing.T) {
	ws := newWorkspace(t, "A")
	reg := workingcopy.NewRegistry(newDeps(ws.files))
	ctx := context.Background()
	wc, err := reg.Resolve(ctx, testResource, workingcopy.ResolveOptions{})
	require.NoError(t, err)

	ws.writeExternal(t, "B")
	reg.HandleFileChanges(ctx, []fileio.FileChange{
		{Resource: testResource, Type: fileio.ChangeUpdated},
		{Resource: "/unknown.txt", Type: fileio.ChangeUpdated},
	})
	assert.Equal(t, "B", snapshot(t, wc))
	assert.False(t, wc.IsDirty())

	// Dirty copies are never reloaded.
	edit(t, wc, "mine")
	ws.writeExternal(t, "C")
	reg.HandleFileChanges(ctx, []fileio.FileChange{{Resource: testResource, Type: fileio.ChangeUpdated}})
	assert.Equal(t, "mine", snapshot(t, wc))

	require.NoError(t, ws.mem.Remove(testResource))
	reg.HandleFileChanges(ctx, []fileio.FileChange{{Resource: testResource, Type: fileio.ChangeDeleted}})
	require.Eventually(t, wc.IsOrphaned, 2*time.Second, time.Millisecond)
}

func TestRegistryReloadsCleanCopyOnAdded(t *testing.T) {
	ws := newWorkspace(t, "A")
	reg := workingcopy.NewRegistry(newDeps(ws.files))
	ctx := context.Background()
	wc, err := reg.Resolve(ctx, testResource, workingcopy.ResolveOptions{})
	require.NoError(t, err)

	// A temp file renamed over the target shows up as a create.
	ws.writeExternal(t, "B")
	reg.HandleFileChanges(ctx, []fileio.FileChange{{Resource: testResource, Type: fileio.ChangeAdded}})

	assert.Equal(t, "B", ws.read(t))
	assert.Equal(t, "B", snapshot(t, wc))
	assert.False(t, wc.IsDirty())
	assert.False(t, wc.IsOrphaned())
}

func TestRegistryAddedClearsOrphanAndReloads(t *testing.T) {
	ws := newWorkspace(t, "A")
	reg := workingcopy.NewRegistry(newDeps(ws.files))
	ctx := context.Background()
	wc, err := reg.Resolve(ctx, testResource, workingcopy.ResolveOptions{})
	require.NoError(t, err)

	require.NoError(t, ws.mem.Remove(testResource))
	reg.HandleFileChanges(ctx, []fileio.FileChange{{Resource: testResource, Type: fileio.ChangeDeleted}})
	require.Eventually(t, wc.IsOrphaned, 2*time.Second, time.Millisecond)

	ws.writeExternal(t, "C")
	reg.HandleFileChanges(ctx, []fileio.FileChange{{Resource: testResource, Type: fileio.ChangeAdded}})
	assert.False(t, wc.IsOrphaned())
	assert.Equal(t, "C", snapshot(t, wc))
}

func TestRegistryDeletesDoNotBlockBatch(t *testing.T) {
	mem := afero.NewMemMapFs()
	files := fileio.NewLocalFS(mem, fileio.LocalOptions{})
	deps := newDeps(files)
	deps.OrphanCheckDelay = time.Hour
	reg := workingcopy.NewRegistry(deps)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var changes []fileio.FileChange
	for _, name := range []string{"/a", "/b", "/c"} {
		_, err := reg.Resolve(ctx, name, workingcopy.ResolveOptions{Contents: []byte(name)})
		require.NoError(t, err)
		changes = append(changes, fileio.FileChange{Resource: name, Type: fileio.ChangeDeleted})
	}

	done := make(chan struct{})
	go func() {
		reg.HandleFileChanges(ctx, changes)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("HandleFileChanges waited for orphan confirmation")
	}
}

func TestRegistryConcurrentResolve(t *testing.T) {
	ws := newWorkspace(t, "A")
	reg := workingcopy.NewRegistry(newDeps(ws.files))

	var wg sync.WaitGroup
	copies := make([]*workingcopy.WorkingCopy, 8)
	for i := range copies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			wc, err := reg.Resolve(context.Background(), testResource, workingcopy.ResolveOptions{})
			assert.NoError(t, err)
			copies[i] = wc
		}(i)
	}
	wg.Wait()

	for _, wc := range copies {
		assert.Same(t, copies[0], wc)
	}
	assert.Equal(t, "A", snapshot(t, copies[0]))
	require.NoError(t, reg.JoinPendingSaves(context.Background()))
}
