package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/notewise/notewise/internal/errors"
)

// Config configures the scheduler.
type Config struct {
	// MaxConcurrentOperations sizes the global permit semaphore.
	MaxConcurrentOperations int
	// Weights parameterizes the dynamic priority formula.
	Weights Weights
	// IdleSleep is how long the dispatcher sleeps when the queue is empty
	// or no permit is available.
	IdleSleep time.Duration
	// Predictive enables the predictive loading pass.
	Predictive bool
	// PredictiveInterval is the predictive pass period.
	PredictiveInterval time.Duration
}

// DefaultConfig returns the standard scheduler configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentOperations: 6,
		Weights:                 DefaultWeights(),
		IdleSleep:               50 * time.Millisecond,
		PredictiveInterval:      30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxConcurrentOperations <= 0 {
		c.MaxConcurrentOperations = def.MaxConcurrentOperations
	}
	if c.Weights == (Weights{}) {
		c.Weights = def.Weights
	}
	if c.IdleSleep <= 0 {
		c.IdleSleep = def.IdleSleep
	}
	if c.PredictiveInterval <= 0 {
		c.PredictiveInterval = def.PredictiveInterval
	}
	return c
}

// insertionCaps bounds how many operations of each base priority may be
// queued at once. Caps are checked against BASE priority even though the
// queue orders by dynamic priority; a submitter can therefore see a
// rejection despite little dynamic-priority competition. That asymmetry is
// the documented behavior.
var insertionCaps = map[BasePriority]int{
	PriorityCritical:    10,
	PriorityHigh:        50,
	PriorityNormal:      100,
	PriorityLow:         200,
	PriorityDeferred:    500,
	PriorityMaintenance: 100,
}

// Stats aggregates scheduler counters per kind.
type Stats struct {
	Submitted uint64
	Completed uint64
	Failed    uint64
	Cancelled uint64
	TimedOut  uint64
	Rejected  uint64

	PerKind map[Kind]*KindStats
}

// KindStats tracks averages for one operation kind.
type KindStats struct {
	Count   uint64
	AvgWait time.Duration
	AvgRun  time.Duration

	totalWait time.Duration
	totalRun  time.Duration
}

// Scheduler is the global AI operation dispatcher.
type Scheduler struct {
	cfg Config
	sem *semaphore.Weighted

	mu      sync.Mutex
	buckets map[int][]*Operation
	keys    []int // bucket keys, sorted descending
	byID    map[string]*Operation
	byBase  map[BasePriority]int
	stats   Stats

	monitor    *Monitor
	predictive *Predictor

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a scheduler with the given context monitor. A nil monitor
// gets a default one.
func New(cfg Config, monitor *Monitor) *Scheduler {
	cfg = cfg.withDefaults()
	if monitor == nil {
		monitor = NewMonitor(nil)
	}
	return &Scheduler{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrentOperations)),
		buckets: make(map[int][]*Operation),
		byID:    make(map[string]*Operation),
		byBase:  make(map[BasePriority]int),
		stats:   Stats{PerKind: make(map[Kind]*KindStats)},
		monitor: monitor,
	}
}

// SetPredictor installs the predictive loading pass.
func (s *Scheduler) SetPredictor(p *Predictor) {
	s.predictive = p
}

// Start launches the dispatcher, monitor, and optional predictive loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.monitor.Start(s.ctx)

	s.wg.Add(1)
	go s.dispatch()

	if s.cfg.Predictive && s.predictive != nil {
		s.wg.Add(1)
		go s.predictiveLoop()
	}

	slog.Debug("operation scheduler started",
		slog.Int("permits", s.cfg.MaxConcurrentOperations),
		slog.Bool("predictive", s.cfg.Predictive))
}

// Stop shuts the scheduler down and waits for running operations.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.monitor.Stop()
		s.wg.Wait()
	})
}

// UpdateContext is the single entry point for editor/UI context pushes.
func (s *Scheduler) UpdateContext(update EditorContext) {
	s.monitor.UpdateEditor(update)
}

// Submit enqueues an operation. The dynamic priority is computed from the
// current context snapshot and frozen. Fails with a resource-exhaustion
// error when the operation's base-priority cap is reached.
func (s *Scheduler) Submit(op *Operation) error {
	if op.Execute == nil {
		return errors.New(errors.ErrCodeInvalidInput, "operation has no execute body", nil)
	}

	snapshot := s.monitor.Snapshot()

	s.mu.Lock()
	defer s.mu.Unlock()

	limit, ok := insertionCaps[op.Priority]
	if !ok {
		return errors.Newf(errors.ErrCodeInvalidInput,
			"unknown base priority %d", op.Priority)
	}
	if s.byBase[op.Priority] >= limit {
		s.stats.Rejected++
		usage := float64(s.byBase[op.Priority]) / float64(limit) * 100
		return errors.Newf(errors.ErrCodeResourceExhaustion,
			"operation queue for %s priority is full", op.Priority).
			WithDetail("resource", fmt.Sprintf("%s_queue", op.Priority)).
			WithDetail("usage", fmt.Sprintf("%.0f%%", usage))
	}

	op.Context = snapshot
	dynamic := DynamicPriority(op, snapshot, s.cfg.Weights)
	op.mu.Lock()
	op.dynamic = dynamic
	op.state = StateQueued
	op.mu.Unlock()

	s.pushLocked(op, bucketKey(dynamic), false)
	s.byID[op.ID] = op
	s.byBase[op.Priority]++
	s.stats.Submitted++

	slog.Debug("operation queued",
		slog.String("id", op.ID),
		slog.String("kind", string(op.Kind)),
		slog.String("base", op.Priority.String()),
		slog.Float64("dynamic", dynamic))
	return nil
}

// pushLocked adds an operation to its bucket, at the front when requeueing
// so a permit miss does not lose its turn.
func (s *Scheduler) pushLocked(op *Operation, key int, front bool) {
	bucket, exists := s.buckets[key]
	if front {
		s.buckets[key] = append([]*Operation{op}, bucket...)
	} else {
		s.buckets[key] = append(bucket, op)
	}
	if !exists {
		s.keys = append(s.keys, key)
		sort.Sort(sort.Reverse(sort.IntSlice(s.keys)))
	}
}

// popLocked removes and returns the head of the highest bucket.
func (s *Scheduler) popLocked() *Operation {
	for len(s.keys) > 0 {
		key := s.keys[0]
		bucket := s.buckets[key]
		if len(bucket) == 0 {
			delete(s.buckets, key)
			s.keys = s.keys[1:]
			continue
		}
		op := bucket[0]
		if len(bucket) == 1 {
			delete(s.buckets, key)
			s.keys = s.keys[1:]
		} else {
			s.buckets[key] = bucket[1:]
		}
		return op
	}
	return nil
}

// Cancel cancels an operation: queued operations are removed outright,
// running ones get their cancel signal flipped. Idempotent.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	op, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return false
	}

	op.mu.Lock()
	op.canceled = true
	state := op.state
	cancel := op.cancel
	op.mu.Unlock()

	if state == StateQueued {
		key := bucketKey(op.DynamicPriority())
		bucket := s.buckets[key]
		for i, queued := range bucket {
			if queued.ID == id {
				s.buckets[key] = append(bucket[:i], bucket[i+1:]...)
				break
			}
		}
		s.removeLocked(op)
		s.mu.Unlock()
		if op.finish(&OpResult{ID: op.ID, Kind: op.Kind, State: StateCancelled,
			Wait: time.Since(op.CreatedAt), Finished: time.Now()}) {
			s.recordResult(op.Result())
		}
		return true
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return true
}

// removeLocked drops an operation from the lookup tables. Idempotent so a
// cancel racing the dispatcher cannot double-decrement the cap counters.
func (s *Scheduler) removeLocked(op *Operation) {
	if _, ok := s.byID[op.ID]; !ok {
		return
	}
	delete(s.byID, op.ID)
	s.byBase[op.Priority]--
}

// QueuedCount returns how many operations are waiting.
func (s *Scheduler) QueuedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, bucket := range s.buckets {
		n += len(bucket)
	}
	return n
}

// dispatch is the scheduler's main loop: pop the top operation, take a
// global permit, and run it. When no permit is immediately available the
// operation returns to the front of its bucket and the loop sleeps.
func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		op := s.popLocked()
		s.mu.Unlock()

		if op == nil {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.IdleSleep):
			}
			continue
		}

		if !s.sem.TryAcquire(1) {
			s.mu.Lock()
			s.pushLocked(op, bucketKey(op.DynamicPriority()), true)
			s.mu.Unlock()
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(s.cfg.IdleSleep):
			}
			continue
		}

		op.setState(StateDispatched)
		s.wg.Add(1)
		go func(op *Operation) {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.run(op)
		}(op)
	}
}

// run executes one dispatched operation to a terminal state.
func (s *Scheduler) run(op *Operation) {
	wait := time.Since(op.CreatedAt)

	finish := func(result *OpResult) {
		s.mu.Lock()
		s.removeLocked(op)
		s.mu.Unlock()
		if op.finish(result) {
			s.recordResult(result)
		}
	}

	if op.Cancelled() {
		finish(&OpResult{ID: op.ID, Kind: op.Kind, State: StateCancelled,
			Wait: wait, Finished: time.Now()})
		return
	}
	if !op.Deadline.IsZero() && time.Now().After(op.Deadline) {
		finish(&OpResult{ID: op.ID, Kind: op.Kind, State: StateTimedOut,
			Err:  errors.TimeoutError("operation deadline passed before dispatch"),
			Wait: wait, Finished: time.Now()})
		return
	}

	runCtx := s.ctx
	var cancel context.CancelFunc
	if !op.Deadline.IsZero() {
		runCtx, cancel = context.WithDeadline(runCtx, op.Deadline)
	} else {
		runCtx, cancel = context.WithCancel(runCtx)
	}
	op.mu.Lock()
	op.cancel = cancel
	op.state = StateRunning
	op.mu.Unlock()
	defer cancel()

	start := time.Now()
	value, err := op.Execute(runCtx)
	elapsed := time.Since(start)

	result := &OpResult{ID: op.ID, Kind: op.Kind, Wait: wait, Run: elapsed,
		Finished: time.Now()}
	switch {
	case op.Cancelled():
		result.State = StateCancelled
	case err != nil && runCtx.Err() == context.DeadlineExceeded:
		result.State = StateTimedOut
		result.Err = errors.TimeoutError("operation exceeded its deadline")
	case err != nil && errors.IsKind(err, errors.KindCancelled):
		result.State = StateCancelled
	case err != nil:
		result.State = StateFailed
		result.Err = err
	default:
		result.State = StateCompleted
		result.Value = value
	}
	finish(result)
}

// recordResult folds a terminal result into the stats.
func (s *Scheduler) recordResult(result *OpResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch result.State {
	case StateCompleted:
		s.stats.Completed++
	case StateFailed:
		s.stats.Failed++
	case StateCancelled:
		s.stats.Cancelled++
	case StateTimedOut:
		s.stats.TimedOut++
	}

	ks, ok := s.stats.PerKind[result.Kind]
	if !ok {
		ks = &KindStats{}
		s.stats.PerKind[result.Kind] = ks
	}
	ks.Count++
	ks.totalWait += result.Wait
	ks.totalRun += result.Run
	ks.AvgWait = ks.totalWait / time.Duration(ks.Count)
	ks.AvgRun = ks.totalRun / time.Duration(ks.Count)
}

// Stats returns a snapshot of the counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.stats
	snapshot.PerKind = make(map[Kind]*KindStats, len(s.stats.PerKind))
	for kind, ks := range s.stats.PerKind {
		dup := *ks
		snapshot.PerKind[kind] = &dup
	}
	return snapshot
}

// predictiveLoop periodically submits predictive loading work.
func (s *Scheduler) predictiveLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PredictiveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ops := s.predictive.Predict(s.monitor.Snapshot())
			for _, op := range ops {
				if err := s.Submit(op); err != nil {
					slog.Debug("predictive submission rejected",
						slog.String("error", err.Error()))
				}
			}
		}
	}
}
