package workingcopy

import (
	"sync"
	"time"

	"docsync/internal/safego"
)

type pendingRun struct {
	timer *time.Timer
	fn    func()
}

// delayedRunner runs at most one pending function per working copy after a
// delay. Scheduling again restarts the delay.
type delayedRunner struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[*WorkingCopy]*pendingRun
	stopped bool
	wg      sync.WaitGroup
}

func newDelayedRunner(delay time.Duration) *delayedRunner {
	return &delayedRunner{delay: delay, pending: make(map[*WorkingCopy]*pendingRun)}
}

func (d *delayedRunner) schedule(wc *WorkingCopy, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if p, ok := d.pending[wc]; ok && p.timer.Stop() {
		d.wg.Done()
	}

	p := &pendingRun{fn: fn}
	d.wg.Add(1)
	p.timer = time.AfterFunc(d.delay, func() {
		defer d.wg.Done()
		d.mu.Lock()
		if d.pending[wc] != p {
			d.mu.Unlock()
			return
		}
		delete(d.pending, wc)
		d.mu.Unlock()
		safego.Run(fn)
	})
	d.pending[wc] = p
}

func (d *delayedRunner) cancel(wc *WorkingCopy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.pending[wc]; ok {
		delete(d.pending, wc)
		if p.timer.Stop() {
			d.wg.Done()
		}
	}
}

func (d *delayedRunner) isPending(wc *WorkingCopy) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.pending[wc]
	return ok
}

// runNow runs the pending function of wc immediately, if any.
func (d *delayedRunner) runNow(wc *WorkingCopy) {
	d.mu.Lock()
	p, ok := d.pending[wc]
	if ok {
		delete(d.pending, wc)
		if !p.timer.Stop() {
			// Already firing on the timer goroutine.
			ok = false
		} else {
			d.wg.Done()
		}
	}
	d.mu.Unlock()
	if ok {
		safego.Run(p.fn)
	}
}

// flush runs every pending function now and waits for those already firing.
func (d *delayedRunner) flush() {
	d.mu.Lock()
	copies := make([]*WorkingCopy, 0, len(d.pending))
	for wc := range d.pending {
		copies = append(copies, wc)
	}
	d.mu.Unlock()

	for _, wc := range copies {
		d.runNow(wc)
	}
	d.wg.Wait()
}

// stop drops pending functions and waits for those already firing.
func (d *delayedRunner) stop() {
	d.mu.Lock()
	d.stopped = true
	for wc, p := range d.pending {
		delete(d.pending, wc)
		if p.timer.Stop() {
			d.wg.Done()
		}
	}
	d.mu.Unlock()
	d.wg.Wait()
}
