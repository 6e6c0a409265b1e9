package workingcopy

import (
	"context"
	"sync"
	"time"

	"docsync/internal/backup"
	"docsync/internal/logging"
)

// DefaultBackupDelay is used when NewBackupTracker gets a zero delay.
const DefaultBackupDelay = time.Second

// BackupTracker writes backups of dirty working copies to a store and
// discards them once the copy is clean again.
type BackupTracker struct {
	registry *Registry
	store    backup.Store
	runner   *delayedRunner

	mu       sync.Mutex
	ctx      context.Context
	unlisten map[*WorkingCopy]func()
	unsub    []func()
}

func NewBackupTracker(registry *Registry, store backup.Store, delay time.Duration) *BackupTracker {
	if delay <= 0 {
		delay = DefaultBackupDelay
	}
	return &BackupTracker{
		registry: registry,
		store:    store,
		runner:   newDelayedRunner(delay),
		unlisten: make(map[*WorkingCopy]func()),
	}
}

// Start tracks the copies of the registry until Stop. Copies that are
// already dirty are backed up after the delay.
func (t *BackupTracker) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.unsub = append(t.unsub,
		t.registry.OnDidRegister(t.attach),
		t.registry.OnDidUnregister(t.detach),
	)
	t.mu.Unlock()

	for _, wc := range t.registry.All() {
		t.attach(wc)
		if wc.IsDirty() {
			t.schedule(wc)
		}
	}
}

func (t *BackupTracker) attach(wc *WorkingCopy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.unlisten[wc]; ok {
		return
	}
	t.unlisten[wc] = wc.OnEvent(func(ev Event) {
		switch ev.Type {
		case EventChangeContent, EventChangeDirty, EventResolve:
			if wc.IsDirty() {
				t.schedule(wc)
			} else if ev.Type != EventChangeContent {
				t.discard(wc)
			}
		case EventSave, EventRevert:
			if !wc.IsDirty() {
				t.discard(wc)
			}
		case EventWillDispose:
			if wc.IsDirty() {
				// The model goes away with the copy; keep its edits.
				t.runner.runNow(wc)
			} else {
				t.discard(wc)
			}
		}
	})
}

func (t *BackupTracker) detach(wc *WorkingCopy) {
	t.mu.Lock()
	unlisten, ok := t.unlisten[wc]
	delete(t.unlisten, wc)
	t.mu.Unlock()
	if ok {
		unlisten()
	}
}

func (t *BackupTracker) context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

func (t *BackupTracker) schedule(wc *WorkingCopy) {
	t.runner.schedule(wc, func() { t.backup(wc) })
}

func (t *BackupTracker) backup(wc *WorkingCopy) {
	if !wc.IsDirty() {
		return
	}
	ctx := context.WithoutCancel(t.context())
	snapshot, err := wc.Backup(ctx)
	if err != nil {
		logging.Warnf("Failed to snapshot %s for backup: %v", wc.Resource(), err)
		return
	}
	if snapshot.Content == nil {
		return
	}
	if err := t.store.Backup(ctx, wc.Resource(), snapshot.Meta, snapshot.Content); err != nil {
		logging.Errorf("Failed to back up %s: %v", wc.Resource(), err)
		return
	}
	logging.Debugf("Backed up %s (%d bytes)", wc.Resource(), len(snapshot.Content))
}

func (t *BackupTracker) discard(wc *WorkingCopy) {
	t.runner.cancel(wc)
	if err := t.store.Discard(context.WithoutCancel(t.context()), wc.Resource()); err != nil {
		logging.Warnf("Failed to discard backup of %s: %v", wc.Resource(), err)
	}
}

// Flush writes every scheduled backup now.
func (t *BackupTracker) Flush() {
	t.runner.flush()
}

// Stop writes scheduled backups and unsubscribes.
func (t *BackupTracker) Stop() {
	t.mu.Lock()
	unsub := t.unsub
	t.unsub = nil
	unlisten := t.unlisten
	t.unlisten = make(map[*WorkingCopy]func())
	t.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	for _, fn := range unlisten {
		fn()
	}
	t.runner.flush()
	t.runner.stop()
}
