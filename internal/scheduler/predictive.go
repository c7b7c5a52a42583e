package scheduler

import (
	"context"
	"time"
)

// PrefetchFunc warms caches for a file the user is likely to open next.
type PrefetchFunc func(ctx context.Context, filePath string) error

// Predictor derives predictive-loading operations from the recent-file
// history. Its operations are always Deferred priority, so they can never
// preempt Normal or higher work.
type Predictor struct {
	prefetch PrefetchFunc
	// maxPerPass bounds submissions per predictive pass.
	maxPerPass int
}

// NewPredictor creates a predictor around a prefetch function.
func NewPredictor(prefetch PrefetchFunc) *Predictor {
	return &Predictor{prefetch: prefetch, maxPerPass: 3}
}

// Predict builds predictive operations for the most recent files that are
// not currently active.
func (p *Predictor) Predict(ctx OpContext) []*Operation {
	if p.prefetch == nil {
		return nil
	}

	var ops []*Operation
	for _, file := range ctx.RecentFiles {
		if file == ctx.ActiveFile {
			continue
		}
		if len(ops) >= p.maxPerPass {
			break
		}
		target := file
		op := NewOperation(KindPredictiveLoading, PriorityDeferred,
			func(runCtx context.Context) (any, error) {
				return nil, p.prefetch(runCtx, target)
			})
		op.TargetFile = target
		op.EstimatedDuration = 100 * time.Millisecond
		ops = append(ops, op)
	}
	return ops
}
