// Package watch turns fsnotify events under a workspace root into file
// changes for the working copy registry.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"docsync/internal/fileio"
	"docsync/internal/logging"
	"docsync/internal/pathutil"
)

// Watcher recursively watches a directory tree.
type Watcher struct {
	watcher *fsnotify.Watcher
	events  chan fileio.FileChange
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	root    string
}

// New creates a Watcher. It must be started with Start before it emits
// events.
func New() (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher: watcher,
		events:  make(chan fileio.FileChange, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start watches root and every directory below it.
func (w *Watcher) Start(root string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve watch root %s: %w", root, err)
	}
	w.root = abs

	if err := w.addTree(abs); err != nil {
		return err
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// addTree adds dir and its subdirectories. Directories that vanish while
// walking are skipped.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path != dir {
				return nil
			}
			return fmt.Errorf("failed to walk %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && pathutil.IsTempName(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch directory %s: %w", path, err)
		}
		return nil
	})
}

// Stop stops watching and closes the channels. It blocks until the event
// loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel of changes. It is closed by Stop.
func (w *Watcher) Events() <-chan fileio.FileChange {
	return w.events
}

// Errors returns the channel of watch errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			change, ok := w.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case w.events <- change:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			select {
			case w.errors <- err:
			case <-w.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a change. Chmod events and temp
// files of atomic writes are ignored.
func (w *Watcher) convertEvent(event fsnotify.Event) (fileio.FileChange, bool) {
	if pathutil.IsTempName(event.Name) {
		return fileio.FileChange{}, false
	}
	resource, ok := w.resourceOf(event.Name)
	if !ok {
		return fileio.FileChange{}, false
	}

	var typ fileio.ChangeType
	switch {
	case event.Has(fsnotify.Create):
		typ = fileio.ChangeAdded
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				logging.Warnf("Failed to watch new directory %s: %v", event.Name, err)
			}
		}
	case event.Has(fsnotify.Write):
		typ = fileio.ChangeUpdated
	case event.Has(fsnotify.Remove):
		typ = fileio.ChangeDeleted
	case event.Has(fsnotify.Rename):
		// The new name arrives as a create.
		typ = fileio.ChangeDeleted
	default:
		return fileio.FileChange{}, false
	}

	return fileio.FileChange{Resource: resource, Type: typ}, true
}

// resourceOf maps a host path below the root to a slash-rooted resource.
func (w *Watcher) resourceOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return pathutil.Clean(filepath.ToSlash(rel)), true
}

// Forward delivers changes to handle until ctx ends or the watcher stops.
// Watch errors are logged.
func (w *Watcher) Forward(ctx context.Context, handle func(context.Context, []fileio.FileChange)) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-w.events:
			if !ok {
				return
			}
			handle(ctx, []fileio.FileChange{change})
		case err, ok := <-w.errors:
			if !ok {
				return
			}
			logging.Warnf("File watcher error: %v", err)
		}
	}
}
