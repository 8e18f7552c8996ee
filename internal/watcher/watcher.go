package watcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zheng/svcgraph/internal/loader"
)

// Reloader rebuilds and publishes the graph
type Reloader interface {
	Reload(ctx context.Context) (*loader.Snapshot, error)
}

// Watcher watches a description file and triggers a rebuild when it changes
type Watcher struct {
	path      string
	reloader  Reloader
	fsWatcher *fsnotify.Watcher

	// Debouncing
	debounceDelay time.Duration
	pendingMu     sync.Mutex
	pending       bool
	debounceTimer *time.Timer

	// Callbacks
	onReloadStart func()
	onReloadDone  func(snap *loader.Snapshot, duration time.Duration)
	onError       func(error)

	// Control
	ctx  context.Context
	done chan struct{}
	stop sync.Once
}

// WatcherOption configures the watcher
type WatcherOption func(*Watcher)

// WithDebounceDelay sets the debounce delay
func WithDebounceDelay(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounceDelay = d
	}
}

// WithOnReloadStart sets the callback for when a rebuild starts
func WithOnReloadStart(fn func()) WatcherOption {
	return func(w *Watcher) {
		w.onReloadStart = fn
	}
}

// WithOnReloadDone sets the callback for when a rebuild is published
func WithOnReloadDone(fn func(snap *loader.Snapshot, duration time.Duration)) WatcherOption {
	return func(w *Watcher) {
		w.onReloadDone = fn
	}
}

// WithOnError sets the callback for errors
func WithOnError(fn func(error)) WatcherOption {
	return func(w *Watcher) {
		w.onError = fn
	}
}

// New creates a Watcher for the description file at path.
// The parent directory is watched so that editors replacing the file
// through a rename are noticed too.
func New(path string, reloader Reloader, opts ...WatcherOption) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		path:          abs,
		reloader:      reloader,
		fsWatcher:     fsWatcher,
		debounceDelay: 500 * time.Millisecond,
		ctx:           context.Background(),
		done:          make(chan struct{}),
	}

	for _, opt := range opts {
		opt(w)
	}

	if err := fsWatcher.Add(filepath.Dir(abs)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	return w, nil
}

// Start begins watching for changes. ctx is handed to every reload.
func (w *Watcher) Start(ctx context.Context) {
	w.ctx = ctx
	go w.eventLoop()
}

// Stop stops the watcher. Calling it more than once is harmless.
func (w *Watcher) Stop() error {
	var err error
	w.stop.Do(func() {
		close(w.done)
		w.pendingMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.pendingMu.Unlock()
		err = w.fsWatcher.Close()
	})
	return err
}

// eventLoop handles file system events
func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return

		case <-w.ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			if w.onError != nil {
				w.onError(err)
			}
		}
	}
}

// handleEvent processes a single file system event
func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}

	// Only care about write/create/remove/rename events
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	w.pending = true

	// Reset debounce timer
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.triggerReload)
}

// triggerReload rebuilds the graph after debounce
func (w *Watcher) triggerReload() {
	w.pendingMu.Lock()
	pending := w.pending
	w.pending = false
	w.pendingMu.Unlock()

	if !pending {
		return
	}
	select {
	case <-w.done:
		return
	default:
	}

	if w.onReloadStart != nil {
		w.onReloadStart()
	}

	startTime := time.Now()

	snap, err := w.reloader.Reload(w.ctx)
	if err != nil {
		if w.onError != nil {
			w.onError(fmt.Errorf("reload failed: %w", err))
		}
		return
	}

	if w.onReloadDone != nil {
		w.onReloadDone(snap, time.Since(startTime))
	}
}
