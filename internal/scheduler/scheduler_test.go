package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewise/notewise/internal/errors"
)

// fixedLoad is a deterministic LoadSampler for tests.
type fixedLoad float64

func (f fixedLoad) Sample() float64 { return float64(f) }

func newTestScheduler(t *testing.T, mutate func(*Config)) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.IdleSleep = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, NewMonitor(fixedLoad(0.6)))
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		cancel()
		s.Stop()
	})
	return s
}

func waitResult(t *testing.T, op *Operation) *OpResult {
	t.Helper()
	select {
	case <-op.Done():
		return op.Result()
	case <-time.After(5 * time.Second):
		t.Fatalf("operation %s never finished", op.ID)
		return nil
	}
}

func TestScheduler_RunsOperation(t *testing.T) {
	s := newTestScheduler(t, nil)

	op := NewOperation(KindSimilaritySearch, PriorityNormal,
		func(ctx context.Context) (any, error) { return 42, nil })
	require.NoError(t, s.Submit(op))

	result := waitResult(t, op)
	assert.Equal(t, StateCompleted, result.State)
	assert.Equal(t, 42, result.Value)
	assert.GreaterOrEqual(t, result.Wait, time.Duration(0))
}

func TestScheduler_CriticalPreemptsMaintenance(t *testing.T) {
	// One permit: a running blocker, then a queued Maintenance op, then a
	// Critical suggestion. The Critical one must dispatch first.
	s := newTestScheduler(t, func(c *Config) { c.MaxConcurrentOperations = 1 })

	release := make(chan struct{})
	started := make(chan Kind, 8)

	blocker := NewOperation(KindAnalytics, PriorityNormal,
		func(ctx context.Context) (any, error) {
			started <- KindAnalytics
			<-release
			return nil, nil
		})
	require.NoError(t, s.Submit(blocker))
	require.Equal(t, KindAnalytics, <-started)

	maint := NewOperation(KindIndexMaintenance, PriorityMaintenance,
		func(ctx context.Context) (any, error) {
			started <- KindIndexMaintenance
			return nil, nil
		})
	require.NoError(t, s.Submit(maint))

	critical := NewOperation(KindNoteSuggestion, PriorityCritical,
		func(ctx context.Context) (any, error) {
			started <- KindNoteSuggestion
			return nil, nil
		})
	require.NoError(t, s.Submit(critical))
	time.Sleep(30 * time.Millisecond) // let the dispatcher settle on the new order

	close(release)

	first := <-started
	assert.Equal(t, KindNoteSuggestion, first, "critical dispatches before maintenance")

	waitResult(t, maint)
	waitResult(t, critical)
}

func TestScheduler_FIFOWithinSamePriority(t *testing.T) {
	s := newTestScheduler(t, func(c *Config) { c.MaxConcurrentOperations = 1 })

	release := make(chan struct{})
	var order []string
	var mu sync.Mutex

	blocker := NewOperation(KindAnalytics, PriorityNormal,
		func(ctx context.Context) (any, error) { <-release; return nil, nil })
	require.NoError(t, s.Submit(blocker))
	time.Sleep(20 * time.Millisecond) // let the blocker occupy the permit

	var ops []*Operation
	for _, name := range []string{"first", "second", "third"} {
		name := name
		op := NewOperation(KindSimilaritySearch, PriorityNormal,
			func(ctx context.Context) (any, error) {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return nil, nil
			})
		require.NoError(t, s.Submit(op))
		ops = append(ops, op)
	}

	close(release)
	for _, op := range ops {
		waitResult(t, op)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestScheduler_BasePriorityCapRejects(t *testing.T) {
	s := newTestScheduler(t, func(c *Config) { c.MaxConcurrentOperations = 1 })

	release := make(chan struct{})
	defer close(release)

	blocker := NewOperation(KindAnalytics, PriorityCritical,
		func(ctx context.Context) (any, error) { <-release; return nil, nil })
	require.NoError(t, s.Submit(blocker))
	time.Sleep(20 * time.Millisecond)

	// The Critical cap is 10; the blocker is running (still counted) so
	// 9 more fit, the 10th submission fails.
	var rejected error
	for i := 0; i < 12; i++ {
		op := NewOperation(KindNoteSuggestion, PriorityCritical,
			func(ctx context.Context) (any, error) { <-release; return nil, nil })
		if err := s.Submit(op); err != nil {
			rejected = err
			break
		}
	}

	require.Error(t, rejected)
	assert.Equal(t, errors.ErrCodeResourceExhaustion, errors.GetCode(rejected))
	var ee *errors.EngineError
	require.ErrorAs(t, rejected, &ee)
	assert.Contains(t, ee.Details["resource"], "critical")
	assert.NotEmpty(t, ee.Details["usage"])
}

func TestScheduler_CancelQueued(t *testing.T) {
	s := newTestScheduler(t, func(c *Config) { c.MaxConcurrentOperations = 1 })

	release := make(chan struct{})
	defer close(release)
	blocker := NewOperation(KindAnalytics, PriorityNormal,
		func(ctx context.Context) (any, error) { <-release; return nil, nil })
	require.NoError(t, s.Submit(blocker))
	time.Sleep(20 * time.Millisecond)

	ran := false
	victim := NewOperation(KindContentAnalysis, PriorityLow,
		func(ctx context.Context) (any, error) { ran = true; return nil, nil })
	require.NoError(t, s.Submit(victim))

	require.True(t, s.Cancel(victim.ID))
	result := waitResult(t, victim)
	assert.Equal(t, StateCancelled, result.State)
	assert.False(t, ran, "cancelled-while-queued operation never runs")

	// Idempotent: a second cancel of an unknown/terminal id returns false.
	assert.False(t, s.Cancel(victim.ID))
}

func TestScheduler_CancelRunning(t *testing.T) {
	s := newTestScheduler(t, nil)

	startedCh := make(chan struct{})
	op := NewOperation(KindContentAnalysis, PriorityNormal,
		func(ctx context.Context) (any, error) {
			close(startedCh)
			<-ctx.Done()
			return nil, errors.CancelledError("analysis cancelled")
		})
	require.NoError(t, s.Submit(op))
	<-startedCh

	require.True(t, s.Cancel(op.ID))
	result := waitResult(t, op)
	assert.Equal(t, StateCancelled, result.State)
}

func TestScheduler_DeadlineTimesOut(t *testing.T) {
	s := newTestScheduler(t, nil)

	op := NewOperation(KindContentAnalysis, PriorityNormal,
		func(ctx context.Context) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})
	op.Deadline = time.Now().Add(50 * time.Millisecond)
	require.NoError(t, s.Submit(op))

	result := waitResult(t, op)
	assert.Equal(t, StateTimedOut, result.State)
}

func TestScheduler_DeadlineAlreadyPassed(t *testing.T) {
	s := newTestScheduler(t, nil)

	op := NewOperation(KindContentAnalysis, PriorityNormal, noopExecute)
	op.Deadline = time.Now().Add(-time.Second)
	require.NoError(t, s.Submit(op))

	result := waitResult(t, op)
	assert.Equal(t, StateTimedOut, result.State)
}

func TestScheduler_FailurePropagates(t *testing.T) {
	s := newTestScheduler(t, nil)

	op := NewOperation(KindSimilaritySearch, PriorityNormal,
		func(ctx context.Context) (any, error) {
			return nil, errors.New(errors.ErrCodeSearchFailed, "boom", nil)
		})
	require.NoError(t, s.Submit(op))

	result := waitResult(t, op)
	assert.Equal(t, StateFailed, result.State)
	assert.Equal(t, errors.ErrCodeSearchFailed, errors.GetCode(result.Err))
}

func TestScheduler_DynamicPriorityFrozenAtEnqueue(t *testing.T) {
	s := newTestScheduler(t, func(c *Config) { c.MaxConcurrentOperations = 1 })

	release := make(chan struct{})
	defer close(release)
	blocker := NewOperation(KindAnalytics, PriorityNormal,
		func(ctx context.Context) (any, error) { <-release; return nil, nil })
	require.NoError(t, s.Submit(blocker))
	time.Sleep(20 * time.Millisecond)

	op := NewOperation(KindSimilaritySearch, PriorityNormal, noopExecute)
	require.NoError(t, s.Submit(op))
	frozen := op.DynamicPriority()
	require.Greater(t, frozen, 0.0)

	// A context change after enqueue must not move the queued operation.
	s.UpdateContext(EditorContext{TypingActivity: 100, LastInputAt: time.Now()})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, frozen, op.DynamicPriority())
}

func TestScheduler_StatsPerKind(t *testing.T) {
	s := newTestScheduler(t, nil)

	for i := 0; i < 3; i++ {
		op := NewOperation(KindSimilaritySearch, PriorityNormal, noopExecute)
		require.NoError(t, s.Submit(op))
		waitResult(t, op)
	}

	stats := s.Stats()
	assert.Equal(t, uint64(3), stats.Submitted)
	assert.Equal(t, uint64(3), stats.Completed)
	require.Contains(t, stats.PerKind, KindSimilaritySearch)
	assert.Equal(t, uint64(3), stats.PerKind[KindSimilaritySearch].Count)
}

func TestScheduler_SubmitWithoutExecuteRejected(t *testing.T) {
	s := newTestScheduler(t, nil)
	op := NewOperation(KindSimilaritySearch, PriorityNormal, nil)
	assert.Error(t, s.Submit(op))
}

func TestMonitor_SnapshotMergesEditorAndLoad(t *testing.T) {
	m := NewMonitor(fixedLoad(0.42))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	m.UpdateEditor(EditorContext{
		ActiveFile:     "/notes/a.md",
		RecentFiles:    []string{"/notes/b.md"},
		TypingActivity: 12,
		LastInputAt:    time.Now().Add(-2 * time.Second),
		UIState:        "editor",
	})

	assert.Eventually(t, func() bool {
		snap := m.Snapshot()
		return snap.SystemLoad == 0.42 && snap.ActiveFile == "/notes/a.md"
	}, time.Second, 10*time.Millisecond)

	snap := m.Snapshot()
	assert.InDelta(t, 2.0, snap.IdleDuration.Seconds(), 1.0)
	assert.Equal(t, []string{"/notes/b.md"}, snap.RecentFiles)
}

func TestPredictor_BuildsDeferredOps(t *testing.T) {
	var prefetched []string
	var mu sync.Mutex
	p := NewPredictor(func(ctx context.Context, file string) error {
		mu.Lock()
		prefetched = append(prefetched, file)
		mu.Unlock()
		return nil
	})

	ops := p.Predict(OpContext{
		ActiveFile:  "/notes/active.md",
		RecentFiles: []string{"/notes/active.md", "/notes/b.md", "/notes/c.md"},
	})

	require.Len(t, ops, 2, "active file skipped")
	for _, op := range ops {
		assert.Equal(t, KindPredictiveLoading, op.Kind)
		assert.Equal(t, PriorityDeferred, op.Priority)
		_, err := op.Execute(context.Background())
		require.NoError(t, err)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"/notes/b.md", "/notes/c.md"}, prefetched)
}
