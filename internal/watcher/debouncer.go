package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces rapid file events to prevent index thrashing.
// Events for the same path within the debounce window merge:
//   - CREATED + MODIFIED  = CREATED (file is still new)
//   - CREATED + DELETED   = nothing (file never really existed)
//   - MODIFIED + DELETED  = DELETED (file is gone)
//   - DELETED + CREATED   = MODIFIED (file was replaced)
type Debouncer struct {
	window  time.Duration
	mu      sync.Mutex
	pending map[string]*pendingChange
	output  chan []ChangeEvent
	timer   *time.Timer
	stopped bool
}

type pendingChange struct {
	event   ChangeEvent
	firstOp ChangeKind
}

// NewDebouncer creates a debouncer emitting batches after the window.
func NewDebouncer(window time.Duration, bufferSize int) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingChange),
		output:  make(chan []ChangeEvent, bufferSize),
	}
}

// Add submits an event for coalescing.
func (d *Debouncer) Add(event ChangeEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		merged := coalesce(existing, event)
		if merged == nil {
			delete(d.pending, event.Path)
		} else {
			existing.event = *merged
		}
	} else {
		d.pending[event.Path] = &pendingChange{event: event, firstOp: event.Kind}
	}

	d.scheduleFlush()
}

// coalesce merges two events for one path. Returns nil when they cancel out.
func coalesce(existing *pendingChange, next ChangeEvent) *ChangeEvent {
	switch existing.firstOp {
	case ChangeCreated:
		switch next.Kind {
		case ChangeModified:
			return &existing.event
		case ChangeDeleted:
			return nil
		default:
			return &next
		}

	case ChangeDeleted:
		if next.Kind == ChangeCreated {
			replaced := next
			replaced.Kind = ChangeModified
			return &replaced
		}
		return &next

	default:
		return &next
	}
}

func (d *Debouncer) scheduleFlush() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	batch := make([]ChangeEvent, 0, len(d.pending))
	for _, pc := range d.pending {
		batch = append(batch, pc.event)
	}
	d.pending = make(map[string]*pendingChange)

	select {
	case d.output <- batch:
	default:
		slog.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(batch)))
	}
}

// Output returns the batch channel.
func (d *Debouncer) Output() <-chan []ChangeEvent {
	return d.output
}

// Stop stops the debouncer and closes the output channel.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
