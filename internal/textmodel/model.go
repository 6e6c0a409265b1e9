// Package textmodel implements an in-memory document model with an undo
// stack, used as the editable content behind a working copy.
package textmodel

import (
	"bytes"
	"context"
	"errors"
	"sync"

	"docsync/internal/workingcopy"
)

// ErrDisposed is returned when a disposed model is used.
var ErrDisposed = errors.New("model is disposed")

const defaultMaxUndo = 100

type state struct {
	content   []byte
	versionID int64
}

// Model is a byte document with coalescing undo groups.
//
// VersionID is an alternative version id: every new edit gets a fresh id
// but undo and redo return to the id of the state they restore. A working
// copy compares it against its saved version to detect that an undo brought
// the document back to its saved content.
type Model struct {
	mu       sync.Mutex
	resource string
	current  state
	undo     []state
	redo     []state
	nextID   int64
	// open is true while user edits coalesce into the top undo group.
	open     bool
	maxUndo  int
	disposed bool

	changeMu        sync.Mutex
	nextListener    int
	changeListeners map[int]func(workingcopy.ContentChangeEvent)
	disposeHandlers map[int]func()
}

var _ workingcopy.Model = (*Model)(nil)

// New creates a model holding content with version id 0.
func New(resource string, content []byte) *Model {
	return &Model{
		resource:        resource,
		current:         state{content: clone(content)},
		nextID:          1,
		maxUndo:         defaultMaxUndo,
		changeListeners: make(map[int]func(workingcopy.ContentChangeEvent)),
		disposeHandlers: make(map[int]func()),
	}
}

// Factory creates text models for working copies.
func Factory(ctx context.Context, resource string, content []byte) (workingcopy.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return New(resource, content), nil
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}

// Resource returns the resource the model was created for.
func (m *Model) Resource() string {
	return m.resource
}

func (m *Model) VersionID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.versionID
}

func (m *Model) Snapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	return clone(m.current.content), nil
}

// Len returns the current content length.
func (m *Model) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.current.content)
}

// Update replaces the content. User edits coalesce into the open undo group
// until PushUndoBoundary; programmatic loads always form their own group.
// Updating to identical content is a no-op.
func (m *Model) Update(ctx context.Context, content []byte, origin workingcopy.Origin) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return ErrDisposed
	}
	if bytes.Equal(m.current.content, content) {
		m.mu.Unlock()
		return nil
	}

	if origin == workingcopy.OriginProgrammaticLoad || !m.open {
		m.pushUndoLocked(m.current)
	}
	m.open = origin == workingcopy.OriginUserEdit
	m.redo = nil
	m.current = state{content: clone(content), versionID: m.nextID}
	m.nextID++
	event := workingcopy.ContentChangeEvent{Origin: origin, VersionID: m.current.versionID}
	m.mu.Unlock()

	m.fireChange(event)
	return nil
}

func (m *Model) pushUndoLocked(s state) {
	m.undo = append(m.undo, s)
	if len(m.undo) > m.maxUndo {
		m.undo = m.undo[len(m.undo)-m.maxUndo:]
	}
}

// PushUndoBoundary closes the open undo group.
func (m *Model) PushUndoBoundary() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
}

// CanUndo reports whether an undo group is available.
func (m *Model) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

// Undo restores the state before the last undo group.
func (m *Model) Undo() bool {
	m.mu.Lock()
	if m.disposed || len(m.undo) == 0 {
		m.mu.Unlock()
		return false
	}
	prev := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]
	m.redo = append(m.redo, m.current)
	m.current = prev
	m.open = false
	event := workingcopy.ContentChangeEvent{Origin: workingcopy.OriginUserEdit, IsUndoing: true, VersionID: prev.versionID}
	m.mu.Unlock()

	m.fireChange(event)
	return true
}

// Redo reapplies the last undone group.
func (m *Model) Redo() bool {
	m.mu.Lock()
	if m.disposed || len(m.redo) == 0 {
		m.mu.Unlock()
		return false
	}
	next := m.redo[len(m.redo)-1]
	m.redo = m.redo[:len(m.redo)-1]
	m.pushUndoLocked(m.current)
	m.current = next
	m.open = false
	event := workingcopy.ContentChangeEvent{Origin: workingcopy.OriginUserEdit, IsRedoing: true, VersionID: next.versionID}
	m.mu.Unlock()

	m.fireChange(event)
	return true
}

func (m *Model) OnDidChangeContent(fn func(workingcopy.ContentChangeEvent)) func() {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.changeListeners[id] = fn
	return func() {
		m.changeMu.Lock()
		defer m.changeMu.Unlock()
		delete(m.changeListeners, id)
	}
}

func (m *Model) OnWillDispose(fn func()) func() {
	m.changeMu.Lock()
	defer m.changeMu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.disposeHandlers[id] = fn
	return func() {
		m.changeMu.Lock()
		defer m.changeMu.Unlock()
		delete(m.disposeHandlers, id)
	}
}

func (m *Model) fireChange(event workingcopy.ContentChangeEvent) {
	m.changeMu.Lock()
	listeners := make([]func(workingcopy.ContentChangeEvent), 0, len(m.changeListeners))
	for _, fn := range m.changeListeners {
		listeners = append(listeners, fn)
	}
	m.changeMu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// Dispose releases the model. Dispose handlers run once.
func (m *Model) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true
	m.mu.Unlock()

	m.changeMu.Lock()
	handlers := make([]func(), 0, len(m.disposeHandlers))
	for _, fn := range m.disposeHandlers {
		handlers = append(handlers, fn)
	}
	m.disposeHandlers = make(map[int]func())
	m.changeListeners = make(map[int]func(workingcopy.ContentChangeEvent))
	m.changeMu.Unlock()

	for _, fn := range handlers {
		fn()
	}
}

// IsDisposed reports whether Dispose was called.
func (m *Model) IsDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}
