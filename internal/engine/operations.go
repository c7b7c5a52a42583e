package engine

import (
	"context"
	"time"

	"github.com/notewise/notewise/internal/scheduler"
	"github.com/notewise/notewise/internal/suggest"
	"github.com/notewise/notewise/internal/watcher"
)

// Operation builders for the common kinds of AI work. Each closes over
// the engine's capability set; submit the result to the scheduler.

// NewSuggestionOperation builds a Critical note-suggestion operation: the
// user is waiting on it while typing.
func (e *Engine) NewSuggestionOperation(content string, sctx suggest.Context, k int, threshold float32) *scheduler.Operation {
	op := scheduler.NewOperation(scheduler.KindNoteSuggestion, scheduler.PriorityCritical,
		func(ctx context.Context) (any, error) {
			return e.Suggest(ctx, content, sctx, k, threshold)
		})
	op.TargetFile = sctx.CurrentFile
	op.EstimatedDuration = 50 * time.Millisecond
	return op
}

// NewSearchOperation builds a High-priority interactive search.
func (e *Engine) NewSearchOperation(queryText string, k int, threshold float32) *scheduler.Operation {
	op := scheduler.NewOperation(scheduler.KindSimilaritySearch, scheduler.PriorityHigh,
		func(ctx context.Context) (any, error) {
			return e.Search(ctx, queryText, k, threshold)
		})
	op.EstimatedDuration = 100 * time.Millisecond
	return op
}

// NewIndexOperation builds a Normal-priority embedding-generation pass
// over a batch of change events.
func (e *Engine) NewIndexOperation(events []watcher.ChangeEvent) *scheduler.Operation {
	op := scheduler.NewOperation(scheduler.KindEmbeddingGeneration, scheduler.PriorityNormal,
		func(ctx context.Context) (any, error) {
			return e.HandleFileEvents(ctx, events)
		})
	if len(events) > 0 {
		op.TargetFile = events[0].Path
	}
	op.EstimatedDuration = 200 * time.Millisecond
	return op
}

// NewDedupOperation builds a Maintenance-priority deduplication pass.
func (e *Engine) NewDedupOperation() *scheduler.Operation {
	op := scheduler.NewOperation(scheduler.KindIndexMaintenance, scheduler.PriorityMaintenance,
		func(ctx context.Context) (any, error) {
			return e.Deduplicate(ctx)
		})
	op.EstimatedDuration = time.Second
	return op
}

// NewCompactionOperation builds a Maintenance-priority compaction pass.
func (e *Engine) NewCompactionOperation() *scheduler.Operation {
	op := scheduler.NewOperation(scheduler.KindIndexMaintenance, scheduler.PriorityMaintenance,
		func(ctx context.Context) (any, error) {
			return e.store.Compact(ctx)
		})
	op.EstimatedDuration = time.Second
	return op
}
