// Package sequencer serializes operations on a single resource.
//
// At most one operation runs at a time. Requests arriving while one is
// running are parked in a single queue slot; a later request replaces the
// parked one and every caller that parked a request shares its outcome.
package sequencer

import (
	"context"
	"errors"
	"sync"

	"docsync/internal/safego"
)

// ErrAborted is reported to waiters of an operation that panicked.
var ErrAborted = errors.New("sequenced operation aborted")

// Task is the outcome of a running or queued operation.
type Task struct {
	id     int64
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newTask(id int64, cancel context.CancelFunc) *Task {
	return &Task{id: id, cancel: cancel, done: make(chan struct{})}
}

func (t *Task) finish(err error) {
	t.err = err
	close(t.done)
}

// Done is closed once the task has settled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task settles and returns its error. It returns
// ctx.Err() if ctx ends first; the task itself keeps running.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type queued struct {
	ctx  context.Context
	id   int64
	fn   func(context.Context) error
	task *Task
}

// Sequencer enforces at most one running operation.
type Sequencer struct {
	mu      sync.Mutex
	running *Task
	queued  *queued
}

// New returns an idle sequencer.
func New() *Sequencer {
	return &Sequencer{}
}

// IsRunning reports whether an operation is running.
func (s *Sequencer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running != nil
}

// IsRunningID reports whether the running operation was started for id.
func (s *Sequencer) IsRunningID(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running != nil && s.running.id == id
}

// RunningFor returns the running task if it was started for id, or nil.
func (s *Sequencer) RunningFor(id int64) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil && s.running.id == id {
		return s.running
	}
	return nil
}

// Running returns the running task, or nil.
func (s *Sequencer) Running() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetRunningID retags the running operation, for example when the version
// it writes advanced while it was preparing.
func (s *Sequencer) SetRunningID(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != nil {
		s.running.id = id
	}
}

// CancelRunning cancels the context of the running operation. Operations
// observe it cooperatively; work already past its last cancellation check
// completes normally.
func (s *Sequencer) CancelRunning() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running != nil {
		running.cancel()
	}
}

// HasQueued reports whether an operation is waiting in the queue slot.
func (s *Sequencer) HasQueued() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued != nil
}

// Run executes fn as the running operation for id. If another operation is
// running, fn is parked in the queue slot and Run waits for it.
func (s *Sequencer) Run(ctx context.Context, id int64, fn func(context.Context) error) error {
	s.mu.Lock()
	if s.running != nil {
		task := s.queueLocked(ctx, id, fn)
		s.mu.Unlock()
		return task.Wait(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	task := newTask(id, cancel)
	s.running = task
	s.mu.Unlock()

	err := ErrAborted
	defer func() {
		cancel()
		task.finish(err)
		s.doneRunning(task)
	}()
	err = fn(runCtx)
	return err
}

// Queue parks fn to run for id once the current operation settles and
// returns the shared task of the queue slot. If nothing is running fn
// starts right away. A queued operation is the running one while it
// executes.
func (s *Sequencer) Queue(ctx context.Context, id int64, fn func(context.Context) error) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.queueLocked(ctx, id, fn)
	if s.running == nil {
		s.startQueuedLocked()
	}
	return task
}

func (s *Sequencer) queueLocked(ctx context.Context, id int64, fn func(context.Context) error) *Task {
	if s.queued == nil {
		s.queued = &queued{task: newTask(0, func() {})}
	}
	s.queued.ctx = context.WithoutCancel(ctx)
	s.queued.id = id
	s.queued.fn = fn
	return s.queued.task
}

func (s *Sequencer) doneRunning(task *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running != task {
		return
	}
	s.running = nil
	s.startQueuedLocked()
}

// startQueuedLocked promotes the queue slot to the running operation.
func (s *Sequencer) startQueuedLocked() {
	next := s.queued
	if next == nil {
		return
	}
	s.queued = nil

	runCtx, cancel := context.WithCancel(next.ctx)
	task := next.task
	task.id = next.id
	task.cancel = cancel
	s.running = task

	safego.Go(func() {
		err := ErrAborted
		defer func() {
			cancel()
			task.finish(err)
			s.doneRunning(task)
		}()
		err = next.fn(runCtx)
	})
}

// Join waits until nothing is running or queued.
func (s *Sequencer) Join(ctx context.Context) error {
	for {
		s.mu.Lock()
		var task *Task
		if s.running != nil {
			task = s.running
		} else if s.queued != nil {
			task = s.queued.task
		}
		s.mu.Unlock()

		if task == nil {
			return nil
		}
		select {
		case <-task.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
