// Package watcher turns file-system notifications into the engine's change
// events. It is the only component that knows about fsnotify; everything
// downstream consumes ChangeEvent batches.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeKind is the type of file-system change.
type ChangeKind int

const (
	// ChangeCreated indicates a new file appeared.
	ChangeCreated ChangeKind = iota
	// ChangeModified indicates an existing file's content changed.
	ChangeModified
	// ChangeDeleted indicates a file is gone.
	ChangeDeleted
	// ChangeMoved indicates a file moved from From to Path.
	ChangeMoved
)

// String returns a human-readable representation of the change kind.
func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "CREATED"
	case ChangeModified:
		return "MODIFIED"
	case ChangeDeleted:
		return "DELETED"
	case ChangeMoved:
		return "MOVED"
	default:
		return "UNKNOWN"
	}
}

// ChangeEvent is one observed file-system change.
type ChangeEvent struct {
	// Kind is the change type.
	Kind ChangeKind
	// Path is the affected file's absolute path (destination for moves).
	Path string
	// From is the source path for ChangeMoved, empty otherwise.
	From string
	// ObservedAt is when the event was detected.
	ObservedAt time.Time
	// Size and ModTime are best-effort stat results; zero when the file
	// is already gone.
	Size    int64
	ModTime time.Time
}

// Watcher is the file-change event source feeding the indexer.
type Watcher interface {
	// Start begins watching the given directory recursively until the
	// context is cancelled or Stop is called.
	Start(ctx context.Context, path string) error

	// Stop stops the watcher and releases resources. Safe to call twice.
	Stop() error

	// Events returns batches of debounced change events. The channel is
	// closed when the watcher stops.
	Events() <-chan []ChangeEvent

	// Errors returns non-fatal watcher errors. The channel is closed
	// when the watcher stops.
	Errors() <-chan error
}

// Options configures the watcher.
type Options struct {
	// DebounceWindow is how long to coalesce events before emitting.
	// Default: 200ms.
	DebounceWindow time.Duration

	// EventBufferSize is the batch channel buffer. Default: 64.
	EventBufferSize int
}

// WithDefaults fills zero-valued options.
func (o Options) WithDefaults() Options {
	if o.DebounceWindow == 0 {
		o.DebounceWindow = 200 * time.Millisecond
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = 64
	}
	return o
}

// FSWatcher is the fsnotify-backed Watcher implementation.
type FSWatcher struct {
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	errs      chan error
	opts      Options

	mu      sync.Mutex
	stopped bool
	stopCh  chan struct{}
	// lastRenamed remembers the most recent rename source so the
	// following create can be reported as a move.
	lastRenamed string
}

// Verify interface implementation at compile time.
var _ Watcher = (*FSWatcher)(nil)

// New creates an FSWatcher.
func New(opts Options) (*FSWatcher, error) {
	opts = opts.WithDefaults()
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FSWatcher{
		fsw:       fsw,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.EventBufferSize),
		errs:      make(chan error, 10),
		opts:      opts,
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins watching root and all subdirectories.
func (w *FSWatcher) Start(ctx context.Context, root string) error {
	if err := w.addRecursive(root); err != nil {
		return err
	}

	go w.run(ctx)
	slog.Debug("watcher started", slog.String("root", root))
	return nil
}

// addRecursive registers root and every subdirectory with fsnotify.
func (w *FSWatcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable subtree, keep walking
		}
		if info.IsDir() {
			if err := w.fsw.Add(path); err != nil {
				slog.Warn("failed to watch directory",
					slog.String("path", path),
					slog.String("error", err.Error()))
			}
		}
		return nil
	})
}

func (w *FSWatcher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

// handle converts one fsnotify event into a ChangeEvent and feeds the
// debouncer. New directories are added to the watch set.
func (w *FSWatcher) handle(ev fsnotify.Event) {
	now := time.Now()

	switch {
	case ev.Op.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			_ = w.addRecursive(ev.Name)
			return
		}

		change := ChangeEvent{Kind: ChangeCreated, Path: ev.Name, ObservedAt: now}
		if err == nil {
			change.Size = info.Size()
			change.ModTime = info.ModTime()
		}
		// A create right after a rename is the destination of a move.
		w.mu.Lock()
		if w.lastRenamed != "" {
			change.Kind = ChangeMoved
			change.From = w.lastRenamed
			w.lastRenamed = ""
		}
		w.mu.Unlock()
		w.debouncer.Add(change)

	case ev.Op.Has(fsnotify.Write):
		change := ChangeEvent{Kind: ChangeModified, Path: ev.Name, ObservedAt: now}
		if info, err := os.Stat(ev.Name); err == nil {
			change.Size = info.Size()
			change.ModTime = info.ModTime()
		}
		w.debouncer.Add(change)

	case ev.Op.Has(fsnotify.Remove):
		w.debouncer.Add(ChangeEvent{Kind: ChangeDeleted, Path: ev.Name, ObservedAt: now})

	case ev.Op.Has(fsnotify.Rename):
		// fsnotify reports the source; remember it so the paired create
		// becomes a move, and emit a delete in case the destination left
		// the watched tree.
		w.mu.Lock()
		w.lastRenamed = ev.Name
		w.mu.Unlock()
		w.debouncer.Add(ChangeEvent{Kind: ChangeDeleted, Path: ev.Name, ObservedAt: now})
	}
}

// Events returns the debounced batch channel.
func (w *FSWatcher) Events() <-chan []ChangeEvent {
	return w.debouncer.Output()
}

// Errors returns the error channel.
func (w *FSWatcher) Errors() <-chan error {
	return w.errs
}

// Stop stops the watcher. Safe to call multiple times.
func (w *FSWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	err := w.fsw.Close()
	w.debouncer.Stop()
	close(w.errs)
	return err
}
