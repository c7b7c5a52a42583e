// Package scheduler globally orders AI work: user-facing operations
// preempt bulk work, and everything below Critical backs off automatically
// when the user is active or the machine is stressed.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies an operation.
type Kind string

const (
	KindNoteSuggestion      Kind = "note_suggestion"
	KindSimilaritySearch    Kind = "similarity_search"
	KindEmbeddingGeneration Kind = "embedding_generation"
	KindContentAnalysis     Kind = "content_analysis"
	KindPredictiveLoading   Kind = "predictive_loading"
	KindIndexMaintenance    Kind = "index_maintenance"
	KindAnalytics           Kind = "analytics"
)

// BasePriority is the static priority class of an operation.
type BasePriority int

const (
	PriorityMaintenance BasePriority = 0
	PriorityDeferred    BasePriority = 1
	PriorityLow         BasePriority = 2
	PriorityNormal      BasePriority = 3
	PriorityHigh        BasePriority = 4
	PriorityCritical    BasePriority = 5
)

// String returns a human-readable representation of the priority.
func (p BasePriority) String() string {
	switch p {
	case PriorityMaintenance:
		return "maintenance"
	case PriorityDeferred:
		return "deferred"
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// State is an operation's lifecycle state.
type State int

const (
	StateQueued State = iota
	StateDispatched
	StateRunning
	StateCompleted
	StateFailed
	StateCancelled
	StateTimedOut
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateDispatched:
		return "dispatched"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed ||
		s == StateCancelled || s == StateTimedOut
}

// OpContext is the editor and system situation an operation was enqueued
// under. The monitor keeps a shared snapshot current; Submit copies it
// into the operation.
type OpContext struct {
	// ActiveFile is the file currently being edited.
	ActiveFile string
	// RecentFiles lists recently edited files, most recent first.
	RecentFiles []string
	// CursorPosition is the caret offset in the active file.
	CursorPosition int
	// TypingActivity is the editing rate in operations per minute.
	TypingActivity float64
	// IdleDuration is how long since the last user input.
	IdleDuration time.Duration
	// UIState names the editor surface in focus.
	UIState string
	// SystemLoad is the machine load in [0, 1].
	SystemLoad float64
	// ModelStatus describes the embedding model availability.
	ModelStatus string
	// SampledAt is when this snapshot was taken.
	SampledAt time.Time
}

// ExecuteFunc is the work body of an operation. It must honor ctx
// cancellation at await points.
type ExecuteFunc func(ctx context.Context) (any, error)

// Operation is one unit of AI work.
type Operation struct {
	ID       string
	Kind     Kind
	Priority BasePriority
	// TargetFile is the file this operation concerns, if any. Drives the
	// recency factor for embedding generation.
	TargetFile string
	// Context is the snapshot taken at enqueue.
	Context OpContext
	// Deadline, when set, bounds the operation's total lifetime.
	Deadline time.Time
	// Dependencies lists operation ids that should finish first.
	Dependencies []string
	// EstimatedDuration is the submitter's runtime guess.
	EstimatedDuration time.Duration
	CreatedAt         time.Time

	// Execute runs the operation.
	Execute ExecuteFunc

	mu       sync.Mutex
	state    State
	dynamic  float64
	cancel   context.CancelFunc
	canceled bool
	done     chan struct{}
	result   *OpResult
}

// OpResult is an operation's terminal outcome.
type OpResult struct {
	ID       string
	Kind     Kind
	State    State
	Value    any
	Err      error
	Wait     time.Duration
	Run      time.Duration
	Finished time.Time
}

// NewOperation builds an operation with a fresh id.
func NewOperation(kind Kind, priority BasePriority, execute ExecuteFunc) *Operation {
	return &Operation{
		ID:        uuid.NewString(),
		Kind:      kind,
		Priority:  priority,
		CreatedAt: time.Now(),
		Execute:   execute,
		state:     StateQueued,
		done:      make(chan struct{}),
	}
}

// State returns the operation's current state.
func (op *Operation) State() State {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.state
}

// DynamicPriority returns the frozen dynamic priority (0 before enqueue).
func (op *Operation) DynamicPriority() float64 {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.dynamic
}

// Cancelled reports whether the cancel signal was flipped.
func (op *Operation) Cancelled() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.canceled
}

// Done returns a channel closed when the operation reaches a terminal
// state.
func (op *Operation) Done() <-chan struct{} {
	return op.done
}

// Result returns the terminal result, or nil before completion.
func (op *Operation) Result() *OpResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *Operation) setState(s State) {
	op.mu.Lock()
	op.state = s
	op.mu.Unlock()
}

// finish records the terminal result. Returns false when the operation
// already finished (a cancel racing the dispatcher).
func (op *Operation) finish(result *OpResult) bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	if op.result != nil {
		return false
	}
	op.state = result.State
	op.result = result
	close(op.done)
	return true
}
