package workingcopy

import (
	"sync"

	"docsync/internal/fileio"
)

// EventType identifies a working copy event.
type EventType int

const (
	EventResolve EventType = iota
	EventChangeDirty
	EventSave
	EventSaveError
	EventRevert
	EventChangeReadonly
	EventChangeContent
	EventChangeOrphaned
	EventWillDispose
)

func (t EventType) String() string {
	switch t {
	case EventResolve:
		return "resolve"
	case EventChangeDirty:
		return "change_dirty"
	case EventSave:
		return "save"
	case EventSaveError:
		return "save_error"
	case EventRevert:
		return "revert"
	case EventChangeReadonly:
		return "change_readonly"
	case EventChangeContent:
		return "change_content"
	case EventChangeOrphaned:
		return "change_orphaned"
	case EventWillDispose:
		return "will_dispose"
	default:
		return "unknown"
	}
}

// Event is delivered to working copy listeners. Only the fields relevant to
// Type are set.
type Event struct {
	Type     EventType
	Resource string

	// Reason and Source describe the save for EventSave.
	Reason SaveReason
	Source string
	Stat   *fileio.FileStat

	// SaveError is set for EventSaveError.
	SaveError *SaveError

	// Origin is set for EventChangeContent.
	Origin Origin
}

type listener struct {
	types map[EventType]struct{}
	fn    func(Event)
}

// emitter delivers events synchronously in subscription order.
type emitter struct {
	mu        sync.Mutex
	next      int
	listeners map[int]listener
	order     []int
}

func newEmitter() *emitter {
	return &emitter{listeners: make(map[int]listener)}
}

func (e *emitter) on(fn func(Event), types ...EventType) func() {
	l := listener{fn: fn}
	if len(types) > 0 {
		l.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			l.types[t] = struct{}{}
		}
	}

	e.mu.Lock()
	id := e.next
	e.next++
	e.listeners[id] = l
	e.order = append(e.order, id)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.listeners, id)
			for i, v := range e.order {
				if v == id {
					e.order = append(e.order[:i:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (e *emitter) fire(ev Event) {
	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.order))
	for _, id := range e.order {
		l := e.listeners[id]
		if l.types != nil {
			if _, ok := l.types[ev.Type]; !ok {
				continue
			}
		}
		fns = append(fns, l.fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (e *emitter) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[int]listener)
	e.order = nil
}

// OnEvent subscribes to every event of the working copy.
func (w *WorkingCopy) OnEvent(fn func(Event)) func() { return w.events.on(fn) }

func (w *WorkingCopy) OnDidResolve(fn func(Event)) func() { return w.events.on(fn, EventResolve) }

func (w *WorkingCopy) OnDidChangeDirty(fn func(Event)) func() {
	return w.events.on(fn, EventChangeDirty)
}

func (w *WorkingCopy) OnDidSave(fn func(Event)) func() { return w.events.on(fn, EventSave) }

func (w *WorkingCopy) OnDidSaveError(fn func(Event)) func() {
	return w.events.on(fn, EventSaveError)
}

func (w *WorkingCopy) OnDidRevert(fn func(Event)) func() { return w.events.on(fn, EventRevert) }

func (w *WorkingCopy) OnDidChangeReadonly(fn func(Event)) func() {
	return w.events.on(fn, EventChangeReadonly)
}

func (w *WorkingCopy) OnDidChangeContent(fn func(Event)) func() {
	return w.events.on(fn, EventChangeContent)
}

func (w *WorkingCopy) OnDidChangeOrphaned(fn func(Event)) func() {
	return w.events.on(fn, EventChangeOrphaned)
}

func (w *WorkingCopy) OnWillDispose(fn func(Event)) func() {
	return w.events.on(fn, EventWillDispose)
}

func (w *WorkingCopy) emit(t EventType) {
	w.events.fire(Event{Type: t, Resource: w.resource})
}
