package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noopExecute(ctx context.Context) (any, error) { return nil, nil }

func calmContext() OpContext {
	return OpContext{
		TypingActivity: 0,
		IdleDuration:   time.Minute,
		SystemLoad:     0.6,
	}
}

func TestDynamicPriority_BaselineFactors(t *testing.T) {
	w := DefaultWeights()
	op := NewOperation(KindEmbeddingGeneration, PriorityNormal, noopExecute)

	// All factors neutral: 3 * (1*0.4 + 1*0.3 + 1*0.2 + 1*0.1) = 3.
	got := DynamicPriority(op, calmContext(), w)
	assert.InDelta(t, 3.0, got, 1e-9)
}

func TestDynamicPriority_CriticalBoost(t *testing.T) {
	w := DefaultWeights()
	op := NewOperation(KindNoteSuggestion, PriorityCritical, noopExecute)

	ctx := calmContext()
	base := NewOperation(KindNoteSuggestion, PriorityNormal, noopExecute)

	critical := DynamicPriority(op, ctx, w)
	normal := DynamicPriority(base, ctx, w)

	// Same factors; critical is (5/3) * 2.0 times the normal score.
	assert.InDelta(t, normal*(5.0/3.0)*2.0, critical, 1e-9)
}

func TestDynamicPriority_ActivityFactor(t *testing.T) {
	w := DefaultWeights()
	op := NewOperation(KindSimilaritySearch, PriorityNormal, noopExecute)

	typing := calmContext()
	typing.TypingActivity = 45 // above the 30 ops/min threshold
	recentlyActive := calmContext()
	recentlyActive.IdleDuration = time.Second

	calm := DynamicPriority(op, calmContext(), w)
	assert.Greater(t, DynamicPriority(op, typing, w), calm)
	assert.Greater(t, DynamicPriority(op, recentlyActive, w), calm)
	assert.Greater(t, DynamicPriority(op, typing, w), DynamicPriority(op, recentlyActive, w))
}

func TestDynamicPriority_RecencyOnlyForEmbedding(t *testing.T) {
	w := DefaultWeights()
	ctx := calmContext()
	ctx.ActiveFile = "/notes/active.md"
	ctx.RecentFiles = []string{"/notes/r1.md", "/notes/r2.md", "/notes/r3.md", "/notes/r4.md", "/notes/r5.md"}

	embed := NewOperation(KindEmbeddingGeneration, PriorityNormal, noopExecute)
	embed.TargetFile = "/notes/active.md"
	other := NewOperation(KindEmbeddingGeneration, PriorityNormal, noopExecute)
	other.TargetFile = "/notes/unrelated.md"
	recent := NewOperation(KindEmbeddingGeneration, PriorityNormal, noopExecute)
	recent.TargetFile = "/notes/r2.md"
	beyondWindow := NewOperation(KindEmbeddingGeneration, PriorityNormal, noopExecute)
	beyondWindow.TargetFile = "/notes/r5.md" // index 4, outside recent[0..3]

	assert.Greater(t, DynamicPriority(embed, ctx, w), DynamicPriority(recent, ctx, w))
	assert.Greater(t, DynamicPriority(recent, ctx, w), DynamicPriority(other, ctx, w))
	assert.InDelta(t, DynamicPriority(other, ctx, w), DynamicPriority(beyondWindow, ctx, w), 1e-9)

	// Search operations ignore recency entirely.
	search := NewOperation(KindSimilaritySearch, PriorityNormal, noopExecute)
	search.TargetFile = "/notes/active.md"
	searchElse := NewOperation(KindSimilaritySearch, PriorityNormal, noopExecute)
	searchElse.TargetFile = "/notes/unrelated.md"
	assert.InDelta(t, DynamicPriority(search, ctx, w), DynamicPriority(searchElse, ctx, w), 1e-9)
}

func TestDynamicPriority_ResourceFactor(t *testing.T) {
	w := DefaultWeights()
	op := NewOperation(KindContentAnalysis, PriorityNormal, noopExecute)

	stressed := calmContext()
	stressed.SystemLoad = 0.9 // above 1 - 0.2
	idle := calmContext()
	idle.SystemLoad = 0.2

	mid := DynamicPriority(op, calmContext(), w)
	assert.Less(t, DynamicPriority(op, stressed, w), mid)
	assert.Greater(t, DynamicPriority(op, idle, w), mid)
}

func TestDynamicPriority_PerfFactorOrdering(t *testing.T) {
	w := DefaultWeights()
	ctx := calmContext()

	kinds := []Kind{KindNoteSuggestion, KindSimilaritySearch,
		KindEmbeddingGeneration, KindContentAnalysis, KindIndexMaintenance}
	var scores []float64
	for _, kind := range kinds {
		op := NewOperation(kind, PriorityNormal, noopExecute)
		scores = append(scores, DynamicPriority(op, ctx, w))
	}
	for i := 1; i < len(scores); i++ {
		assert.Greater(t, scores[i-1], scores[i],
			"%s should outrank %s", kinds[i-1], kinds[i])
	}
}

func TestBucketKey(t *testing.T) {
	assert.Equal(t, 3000, bucketKey(3.0))
	assert.Equal(t, 3141, bucketKey(3.1415))
	assert.Equal(t, 0, bucketKey(0))
}
