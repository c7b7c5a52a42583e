package scheduler

import "time"

// Weights configures the dynamic priority formula. The dynamic priority is
// computed once at enqueue and never re-evaluated while queued, so the
// ordered queue stays stable under continuous context updates; re-ordering
// is an explicit cancel-and-resubmit.
type Weights struct {
	Activity float64
	Recency  float64
	Resource float64
	Perf     float64

	MaxCriticalBoost      float64
	IdleThreshold         time.Duration
	HighActivityThreshold float64 // editor ops per minute
	LowResourceThreshold  float64 // free-headroom fraction
}

// DefaultWeights returns the standard formula parameters.
func DefaultWeights() Weights {
	return Weights{
		Activity:              0.40,
		Recency:               0.30,
		Resource:              0.20,
		Perf:                  0.10,
		MaxCriticalBoost:      2.0,
		IdleThreshold:         3 * time.Second,
		HighActivityThreshold: 30,
		LowResourceThreshold:  0.2,
	}
}

// recencyWindow is how many recent files (after the active one) still earn
// a recency bump.
const recencyWindow = 4

// DynamicPriority computes the frozen priority score for an operation
// under the given context.
func DynamicPriority(op *Operation, ctx OpContext, w Weights) float64 {
	activity := activityFactor(ctx, w)
	recency := recencyFactor(op, ctx)
	resource := resourceFactor(ctx, w)
	perf := perfFactor(op.Kind)

	boost := 1.0
	if op.Priority == PriorityCritical {
		boost = w.MaxCriticalBoost
	}

	return float64(op.Priority) *
		(activity*w.Activity + recency*w.Recency + resource*w.Resource + perf*w.Perf) *
		boost
}

// activityFactor raises priority while the user is actively typing or was
// active moments ago.
func activityFactor(ctx OpContext, w Weights) float64 {
	switch {
	case ctx.TypingActivity > w.HighActivityThreshold:
		return 1.5
	case ctx.IdleDuration < w.IdleThreshold:
		return 1.2
	default:
		return 1.0
	}
}

// recencyFactor bumps embedding generation aimed at what the user is
// looking at. Other kinds are recency-neutral.
func recencyFactor(op *Operation, ctx OpContext) float64 {
	if op.Kind != KindEmbeddingGeneration || op.TargetFile == "" {
		return 1.0
	}
	if op.TargetFile == ctx.ActiveFile {
		return 2.0
	}
	limit := recencyWindow
	if limit > len(ctx.RecentFiles) {
		limit = len(ctx.RecentFiles)
	}
	for _, recent := range ctx.RecentFiles[:limit] {
		if op.TargetFile == recent {
			return 1.5
		}
	}
	return 1.0
}

// resourceFactor lowers priority on a stressed machine and raises it on an
// idle one.
func resourceFactor(ctx OpContext, w Weights) float64 {
	switch {
	case ctx.SystemLoad > 1-w.LowResourceThreshold:
		return 0.7
	case ctx.SystemLoad < 0.5:
		return 1.1
	default:
		return 1.0
	}
}

// perfFactor weighs operation kinds by their user-perceived urgency.
func perfFactor(kind Kind) float64 {
	switch kind {
	case KindNoteSuggestion:
		return 1.2
	case KindSimilaritySearch:
		return 1.1
	case KindEmbeddingGeneration:
		return 1.0
	case KindContentAnalysis:
		return 0.9
	case KindIndexMaintenance:
		return 0.8
	default:
		return 1.0
	}
}

// bucketKey maps a dynamic priority onto its ordered-queue bucket.
func bucketKey(dynamic float64) int {
	return int(dynamic * 1000)
}
