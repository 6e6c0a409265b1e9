package workingcopy

import (
	"context"
	"sync"
	"time"

	"docsync/internal/logging"
)

// DefaultAutoSaveDelay is used when NewAutoSaver gets a zero delay.
const DefaultAutoSaveDelay = time.Second

// AutoSaver saves dirty working copies after they stopped changing for a
// delay. Auto saves are refused while a copy is in conflict or error, so a
// failed save waits for the user.
type AutoSaver struct {
	registry *Registry
	runner   *delayedRunner

	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	unlisten map[*WorkingCopy]func()
	unsub    []func()
}

func NewAutoSaver(registry *Registry, delay time.Duration) *AutoSaver {
	if delay <= 0 {
		delay = DefaultAutoSaveDelay
	}
	return &AutoSaver{
		registry: registry,
		runner:   newDelayedRunner(delay),
		unlisten: make(map[*WorkingCopy]func()),
	}
}

// Start tracks the copies of the registry until Stop.
func (a *AutoSaver) Start(ctx context.Context) {
	a.mu.Lock()
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.unsub = append(a.unsub,
		a.registry.OnDidRegister(a.attach),
		a.registry.OnDidUnregister(a.detach),
	)
	a.mu.Unlock()

	for _, wc := range a.registry.All() {
		a.attach(wc)
	}
}

func (a *AutoSaver) attach(wc *WorkingCopy) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.unlisten[wc]; ok {
		return
	}
	a.unlisten[wc] = wc.OnEvent(func(ev Event) {
		switch ev.Type {
		case EventChangeContent:
			if ev.Origin == OriginUserEdit && wc.IsDirty() {
				a.runner.schedule(wc, func() { a.save(wc) })
			}
		case EventChangeDirty:
			if !wc.IsDirty() {
				a.runner.cancel(wc)
			}
		case EventWillDispose:
			a.runner.cancel(wc)
		}
	})
}

func (a *AutoSaver) detach(wc *WorkingCopy) {
	a.mu.Lock()
	unlisten, ok := a.unlisten[wc]
	delete(a.unlisten, wc)
	a.mu.Unlock()
	if ok {
		unlisten()
	}
	a.runner.cancel(wc)
}

func (a *AutoSaver) save(wc *WorkingCopy) {
	a.mu.Lock()
	ctx := a.ctx
	a.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	saved, err := wc.Save(ctx, SaveOptions{Reason: SaveReasonAuto})
	if err != nil {
		logging.Warnf("Auto save of %s failed: %v", wc.Resource(), err)
		return
	}
	logging.Debugf("Auto save of %s: saved=%t", wc.Resource(), saved)
}

// Pending reports whether an auto save is scheduled for wc.
func (a *AutoSaver) Pending(wc *WorkingCopy) bool {
	return a.runner.isPending(wc)
}

// Stop drops scheduled saves and unsubscribes.
func (a *AutoSaver) Stop() {
	a.mu.Lock()
	unsub := a.unsub
	a.unsub = nil
	unlisten := a.unlisten
	a.unlisten = make(map[*WorkingCopy]func())
	cancel := a.cancel
	a.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
	for _, fn := range unlisten {
		fn()
	}
	a.runner.stop()
	if cancel != nil {
		cancel()
	}
}
