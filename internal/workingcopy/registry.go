package workingcopy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"docsync/internal/fileio"
	"docsync/internal/logging"
	"docsync/internal/pathutil"
)

// Registry owns the working copies of a process, one per resource.
// It is used to route file events and to save everything during shutdown.
type Registry struct {
	deps Deps

	mu     sync.RWMutex
	copies map[string]*WorkingCopy

	events *registryEmitter
}

// NewRegistry creates an empty registry. deps are used for copies created
// by Resolve.
func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:   deps,
		copies: make(map[string]*WorkingCopy),
		events: &registryEmitter{listeners: make(map[int]func(*WorkingCopy, bool))},
	}
}

// Get returns the working copy of resource, or nil.
func (r *Registry) Get(resource string) *WorkingCopy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copies[pathutil.Clean(resource)]
}

// Register adds wc. A disposed copy unregisters itself.
func (r *Registry) Register(wc *WorkingCopy) error {
	r.mu.Lock()
	if existing, ok := r.copies[wc.resource]; ok && existing != wc {
		r.mu.Unlock()
		return fmt.Errorf("working copy for %s already registered", wc.resource)
	}
	r.copies[wc.resource] = wc
	r.mu.Unlock()

	wc.OnWillDispose(func(Event) {
		r.Unregister(wc)
	})
	r.events.fire(wc, true)
	return nil
}

// Unregister removes wc if it is the registered copy of its resource.
func (r *Registry) Unregister(wc *WorkingCopy) {
	r.mu.Lock()
	if r.copies[wc.resource] != wc {
		r.mu.Unlock()
		return
	}
	delete(r.copies, wc.resource)
	r.mu.Unlock()
	r.events.fire(wc, false)
}

// All returns the registered copies ordered by resource.
func (r *Registry) All() []*WorkingCopy {
	r.mu.RLock()
	copies := make([]*WorkingCopy, 0, len(r.copies))
	for _, wc := range r.copies {
		copies = append(copies, wc)
	}
	r.mu.RUnlock()

	sort.Slice(copies, func(i, j int) bool {
		return copies[i].resource < copies[j].resource
	})
	return copies
}

// Count returns the number of registered copies.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.copies)
}

// DirtyCount returns the number of dirty copies.
func (r *Registry) DirtyCount() int {
	n := 0
	for _, wc := range r.All() {
		if wc.IsDirty() {
			n++
		}
	}
	return n
}

// Resolve returns the copy of resource, creating and registering it first
// if needed, and resolves it.
func (r *Registry) Resolve(ctx context.Context, resource string, opts ResolveOptions) (*WorkingCopy, error) {
	resource = pathutil.Clean(resource)

	r.mu.Lock()
	wc, ok := r.copies[resource]
	created := !ok
	if created {
		wc = New(resource, r.deps)
		r.copies[resource] = wc
	}
	r.mu.Unlock()

	if created {
		wc.OnWillDispose(func(Event) {
			r.Unregister(wc)
		})
		r.events.fire(wc, true)
	}

	if err := wc.Resolve(ctx, opts); err != nil {
		if created && !wc.IsResolved() {
			wc.Dispose()
		}
		return nil, err
	}
	return wc, nil
}

// SaveAll saves every dirty copy with opts.
// Returns the number of copies saved and any errors encountered.
func (r *Registry) SaveAll(ctx context.Context, opts SaveOptions) (int, []error) {
	var errs []error
	saved := 0

	for _, wc := range r.All() {
		select {
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("context cancelled during save: %w", ctx.Err()))
			return saved, errs
		default:
		}
		if !wc.IsDirty() {
			continue
		}

		logging.Debugf("Saving dirty working copy: %s", wc.Resource())
		ok, err := wc.Save(ctx, opts)
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("save %s: %w", wc.Resource(), err))
		case ok:
			saved++
		default:
			if last := wc.LastSaveError(); last != nil {
				errs = append(errs, last)
			} else {
				errs = append(errs, fmt.Errorf("save %s: not saved", wc.Resource()))
			}
		}
	}
	return saved, errs
}

// HandleFileChanges routes watcher events to the affected copies. An
// external update or re-creation of a clean copy reloads it; the etag check
// turns the echo of our own writes into a no-op.
func (r *Registry) HandleFileChanges(ctx context.Context, changes []fileio.FileChange) {
	for _, change := range changes {
		wc := r.Get(change.Resource)
		if wc == nil {
			continue
		}
		switch change.Type {
		case fileio.ChangeUpdated, fileio.ChangeAdded:
			// Editors that save by renaming a temp file over the target
			// report a create, not a write.
			if change.Type == fileio.ChangeAdded {
				wc.HandleFileChange(ctx, change)
			}
			if !wc.IsResolved() || wc.IsDirty() {
				continue
			}
			if err := wc.Resolve(ctx, ResolveOptions{}); err != nil && !errors.Is(err, context.Canceled) {
				logging.Warnf("Failed to reload %s after external change: %v", wc.Resource(), err)
			}
		default:
			wc.HandleFileChange(ctx, change)
		}
	}
}

// JoinPendingSaves waits for the running saves of every copy.
func (r *Registry) JoinPendingSaves(ctx context.Context) error {
	for _, wc := range r.All() {
		if err := wc.JoinPendingSave(ctx); err != nil {
			return err
		}
	}
	return nil
}

// OnDidRegister subscribes to newly registered copies.
func (r *Registry) OnDidRegister(fn func(*WorkingCopy)) func() {
	return r.events.on(func(wc *WorkingCopy, registered bool) {
		if registered {
			fn(wc)
		}
	})
}

// OnDidUnregister subscribes to removed copies.
func (r *Registry) OnDidUnregister(fn func(*WorkingCopy)) func() {
	return r.events.on(func(wc *WorkingCopy, registered bool) {
		if !registered {
			fn(wc)
		}
	})
}

type registryEmitter struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(*WorkingCopy, bool)
}

func (e *registryEmitter) on(fn func(*WorkingCopy, bool)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.next
	e.next++
	e.listeners[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

func (e *registryEmitter) fire(wc *WorkingCopy, registered bool) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(*WorkingCopy, bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(wc, registered)
	}
}
