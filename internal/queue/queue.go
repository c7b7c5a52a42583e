// Package queue provides the embedding request queue: a priority FIFO in
// front of the remote embed client with bounded concurrency, deduplication
// over a time window, cancellation, and result retention.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/notewise/notewise/internal/embed"
	"github.com/notewise/notewise/internal/errors"
)

// Priority orders requests. Higher dispatches first; FIFO within a level.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// String returns a human-readable representation of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// Status is a request's lifecycle state.
type Status int

const (
	StatusQueued Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
	StatusTimedOut
)

// String returns a human-readable representation of the status.
func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	case StatusTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Request is one embedding job.
type Request struct {
	ID        string
	Text      string
	Model     string
	Priority  Priority
	CreatedAt time.Time
	TimeoutAt time.Time

	cancelled bool
	cancel    context.CancelFunc // set while processing
	done      chan struct{}
}

// Result is a request's terminal outcome. Vector is set only for
// StatusCompleted.
type Result struct {
	ID          string
	Status      Status
	Vector      []float32
	Err         error
	Duration    time.Duration
	QueueWait   time.Duration
	CompletedAt time.Time
}

// Config configures the queue.
type Config struct {
	// MaxQueueSize caps pending requests.
	MaxQueueSize int
	// MaxConcurrentRequests sizes the concurrency semaphore.
	MaxConcurrentRequests int
	// DeduplicationWindow shares results across identical submissions.
	DeduplicationWindow time.Duration
	// ResultRetention is how long terminal results stay queryable.
	ResultRetention time.Duration
	// RequestTimeout is the default per-request deadline.
	RequestTimeout time.Duration
	// DedupEnabled toggles the dedup window.
	DedupEnabled bool
	// CleanupInterval is the prune timer period.
	CleanupInterval time.Duration
}

// DefaultConfig returns the standard queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:          1000,
		MaxConcurrentRequests: 4,
		DeduplicationWindow:   time.Second,
		ResultRetention:       5 * time.Minute,
		RequestTimeout:        30 * time.Second,
		DedupEnabled:          true,
		CleanupInterval:       time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.MaxConcurrentRequests <= 0 {
		c.MaxConcurrentRequests = def.MaxConcurrentRequests
	}
	if c.DeduplicationWindow <= 0 {
		c.DeduplicationWindow = def.DeduplicationWindow
	}
	if c.ResultRetention <= 0 {
		c.ResultRetention = def.ResultRetention
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = def.CleanupInterval
	}
	return c
}

type dedupEntry struct {
	firstSeen time.Time
	requestID string
}

// Queue is the embedding request queue. One dispatcher goroutine acquires a
// concurrency permit, pops the highest-priority request, and invokes the
// embed client.
type Queue struct {
	cfg      Config
	embedder embed.Embedder
	sem      *semaphore.Weighted

	mu      sync.Mutex
	pending []*Request // priority FIFO: sorted by priority desc, stable within
	byID    map[string]*Request
	status  map[string]Status
	dedup   map[string]dedupEntry
	results map[string]*Result
	metrics Metrics

	notify chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a queue in front of the given embedder.
func New(embedder embed.Embedder, cfg Config) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:      cfg,
		embedder: embedder,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrentRequests)),
		byID:     make(map[string]*Request),
		status:   make(map[string]Status),
		dedup:    make(map[string]dedupEntry),
		results:  make(map[string]*Result),
		notify:   make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatcher and cleanup timer.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(2)
	go q.dispatch(ctx)
	go q.cleanupLoop(ctx)
	slog.Debug("embedding queue started",
		slog.Int("max_queue", q.cfg.MaxQueueSize),
		slog.Int("concurrency", q.cfg.MaxConcurrentRequests))
}

// Stop shuts the queue down and waits for in-flight work.
func (q *Queue) Stop() {
	q.once.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// dedupKey hashes (text, model) for the dedup window.
func dedupKey(text, model string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(model))
	return hex.EncodeToString(h.Sum(nil))
}

// Submit enqueues an embedding request and returns its id. Within the
// dedup window, resubmitting the same (text, model) returns the id of the
// earlier request instead of enqueueing. Rejects with a capacity error
// when the pending queue is full.
func (q *Queue) Submit(text, model string, priority Priority) (string, error) {
	if text == "" {
		return "", errors.New(errors.ErrCodeInvalidInput, "cannot embed empty text", nil)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cfg.DedupEnabled {
		key := dedupKey(text, model)
		if entry, ok := q.dedup[key]; ok &&
			time.Since(entry.firstSeen) < q.cfg.DeduplicationWindow {
			q.metrics.DedupHits++
			return entry.requestID, nil
		}
	}

	if len(q.pending) >= q.cfg.MaxQueueSize {
		return "", errors.Newf(errors.ErrCodeQueueFull,
			"embedding queue full (%d pending)", len(q.pending)).
			WithDetail("resource", "embedding_queue")
	}

	now := time.Now()
	req := &Request{
		ID:        uuid.NewString(),
		Text:      text,
		Model:     model,
		Priority:  priority,
		CreatedAt: now,
		TimeoutAt: now.Add(q.cfg.RequestTimeout),
		done:      make(chan struct{}),
	}

	q.insertLocked(req)
	q.byID[req.ID] = req
	q.status[req.ID] = StatusQueued
	if q.cfg.DedupEnabled {
		q.dedup[dedupKey(text, model)] = dedupEntry{firstSeen: now, requestID: req.ID}
	}
	q.metrics.Submitted++

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return req.ID, nil
}

// insertLocked places the request before the first pending entry of
// strictly lower priority, keeping FIFO order within each priority.
func (q *Queue) insertLocked(req *Request) {
	at := len(q.pending)
	for i, existing := range q.pending {
		if existing.Priority < req.Priority {
			at = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[at+1:], q.pending[at:])
	q.pending[at] = req
}

// Cancel cancels a request. Queued requests dequeue immediately with a
// Cancelled result; processing requests get their cancel signal flipped.
// Cancellation is idempotent; returns false for unknown or terminal ids.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	req, ok := q.byID[id]
	if !ok {
		return false
	}

	switch q.status[id] {
	case StatusQueued:
		for i, pending := range q.pending {
			if pending.ID == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				break
			}
		}
		q.finishLocked(req, &Result{ID: id, Status: StatusCancelled,
			QueueWait: time.Since(req.CreatedAt), CompletedAt: time.Now()})
		return true

	case StatusProcessing:
		req.cancelled = true
		if req.cancel != nil {
			req.cancel()
		}
		return true

	default:
		return false
	}
}

// Status returns a request's current status.
func (q *Queue) Status(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if st, ok := q.status[id]; ok {
		return st, true
	}
	if res, ok := q.results[id]; ok {
		return res.Status, true
	}
	return 0, false
}

// Result returns a terminal result while it is retained.
func (q *Queue) Result(id string) (*Result, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	res, ok := q.results[id]
	return res, ok
}

// Wait blocks until the request reaches a terminal state or the context
// is cancelled.
func (q *Queue) Wait(ctx context.Context, id string) (*Result, error) {
	q.mu.Lock()
	req, ok := q.byID[id]
	if !ok {
		if res, done := q.results[id]; done {
			q.mu.Unlock()
			return res, nil
		}
		q.mu.Unlock()
		return nil, errors.NotFoundError(id)
	}
	done := req.done
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, errors.CancelledError("wait cancelled")
	case <-done:
		q.mu.Lock()
		defer q.mu.Unlock()
		if res, ok := q.results[id]; ok {
			return res, nil
		}
		return nil, errors.NotFoundError(id)
	}
}

// dispatch is the queue's single dispatcher loop.
func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-time.After(50 * time.Millisecond):
		}

		for q.PendingCount() > 0 {
			// Take the permit first so the pop picks the highest-priority
			// request at the moment capacity frees up.
			if err := q.sem.Acquire(ctx, 1); err != nil {
				return // shutting down
			}
			req := q.pop()
			if req == nil {
				q.sem.Release(1)
				break
			}

			q.wg.Add(1)
			go func(r *Request) {
				defer q.wg.Done()
				defer q.sem.Release(1)
				q.process(ctx, r)
			}(req)
		}
	}
}

// pop removes and returns the highest-priority pending request.
func (q *Queue) pop() *Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil
	}
	req := q.pending[0]
	q.pending = q.pending[1:]
	q.status[req.ID] = StatusProcessing
	return req
}

// process runs one request to a terminal state.
func (q *Queue) process(ctx context.Context, req *Request) {
	queueWait := time.Since(req.CreatedAt)

	// Pre-flight checks before spending an embed call.
	q.mu.Lock()
	if req.cancelled {
		q.finishLocked(req, &Result{ID: req.ID, Status: StatusCancelled,
			QueueWait: queueWait, CompletedAt: time.Now()})
		q.mu.Unlock()
		return
	}
	if time.Now().After(req.TimeoutAt) {
		q.finishLocked(req, &Result{ID: req.ID, Status: StatusTimedOut,
			Err:       errors.TimeoutError("request expired before dispatch"),
			QueueWait: queueWait, CompletedAt: time.Now()})
		q.mu.Unlock()
		return
	}
	reqCtx, cancel := context.WithDeadline(ctx, req.TimeoutAt)
	req.cancel = cancel
	q.mu.Unlock()
	defer cancel()

	start := time.Now()
	vec, err := q.embedder.Embed(reqCtx, req.Text)
	duration := time.Since(start)

	q.mu.Lock()
	defer q.mu.Unlock()

	result := &Result{ID: req.ID, QueueWait: queueWait, Duration: duration,
		CompletedAt: time.Now()}
	switch {
	case req.cancelled:
		result.Status = StatusCancelled
	case err != nil && errors.IsKind(err, errors.KindTimeout):
		result.Status = StatusTimedOut
		result.Err = err
	case err != nil && reqCtx.Err() == context.DeadlineExceeded:
		result.Status = StatusTimedOut
		result.Err = errors.TimeoutError("embed call exceeded request deadline")
	case err != nil:
		result.Status = StatusFailed
		result.Err = err
	default:
		result.Status = StatusCompleted
		result.Vector = vec
	}
	q.finishLocked(req, result)
}

// finishLocked records a terminal result and wakes waiters.
func (q *Queue) finishLocked(req *Request, result *Result) {
	q.results[req.ID] = result
	delete(q.byID, req.ID)
	delete(q.status, req.ID)
	close(req.done)
	q.metrics.record(result)
}

// cleanupLoop prunes expired results and dedup entries.
func (q *Queue) cleanupLoop(ctx context.Context) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.cleanup()
		}
	}
}

func (q *Queue) cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	pruned := 0
	for id, res := range q.results {
		if now.Sub(res.CompletedAt) > q.cfg.ResultRetention {
			delete(q.results, id)
			pruned++
		}
	}
	for key, entry := range q.dedup {
		if now.Sub(entry.firstSeen) > q.cfg.DeduplicationWindow {
			delete(q.dedup, key)
		}
	}
	if pruned > 0 {
		slog.Debug("queue cleanup", slog.Int("results_pruned", pruned))
	}
}

// PendingCount returns the number of queued requests.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Metrics returns a snapshot of queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()

	m := q.metrics
	m.Pending = len(q.pending)
	m.QueueUtilization = float64(len(q.pending)) / float64(q.cfg.MaxQueueSize)
	return m
}
