package vector

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rotated returns the unit vector at the given angle in degrees.
func rotated(degrees float64) []float32 {
	rad := degrees * math.Pi / 180
	return []float32{float32(math.Cos(rad)), float32(math.Sin(rad))}
}

func dedupEntry(t *testing.T, chunk string, vec []float32, updatedAt int64) *Entry {
	t.Helper()
	e := testEntry(t, "/notes/d.md", chunk, vec)
	e.UpdatedAt = updatedAt
	if e.CreatedAt > updatedAt {
		e.CreatedAt = updatedAt
	}
	return e
}

func TestDedup_ClusterPlusOutlier(t *testing.T) {
	// Three entries pairwise above 0.95, one outlier near 0.80.
	entries := []*Entry{
		dedupEntry(t, "c1", rotated(0), 100),
		dedupEntry(t, "c2", rotated(7), 300), // most recent: representative
		dedupEntry(t, "c3", rotated(-7), 200),
		dedupEntry(t, "out", rotated(37), 400),
	}

	d := NewDeduplicator(DedupOptions{Threshold: 0.95, Strategy: StrategyMostRecent})
	result, err := d.Run(context.Background(), entries)
	require.NoError(t, err)

	assert.Len(t, result.Representatives, 2, "cluster representative + outlier")
	assert.Equal(t, 1, result.ClustersFound)
	assert.Equal(t, 2, result.EntriesMerged)
	assert.Len(t, result.References.Forward, 2)

	rep := result.References.Forward[entries[0].ID]
	assert.Equal(t, entries[1].ID, rep, "most recent entry survives")
	assert.Equal(t, entries[1].ID, result.References.Forward[entries[2].ID])

	// The outlier is untouched.
	_, mapped := result.References.Forward[entries[3].ID]
	assert.False(t, mapped)
}

func TestDedup_IntegrityInvariant(t *testing.T) {
	entries := []*Entry{
		dedupEntry(t, "c1", rotated(0), 1),
		dedupEntry(t, "c2", rotated(3), 2),
		dedupEntry(t, "c3", rotated(90), 3),
		dedupEntry(t, "c4", rotated(93), 4),
	}

	d := NewDeduplicator(DedupOptions{Threshold: 0.95})
	result, err := d.Run(context.Background(), entries)
	require.NoError(t, err)

	reps := make(map[string]struct{})
	for _, e := range result.Representatives {
		reps[e.ID] = struct{}{}
	}
	// Every original id is either a representative or forward-mapped to one,
	// and forward/reverse agree.
	for _, e := range entries {
		if _, ok := reps[e.ID]; ok {
			continue
		}
		rep, ok := result.References.Forward[e.ID]
		require.True(t, ok, "id %s unaccounted for", e.ID)
		_, isRep := reps[rep]
		assert.True(t, isRep)
		_, inReverse := result.References.Reverse[rep][e.ID]
		assert.True(t, inReverse)
	}
	assert.NoError(t, result.References.Validate())
}

func TestDedup_HardFloorRejectsLowThreshold(t *testing.T) {
	// Two vectors at ~0.87 similarity: a caller threshold of 0.5 would
	// merge them, but the 0.80 floor is what actually applies... both are
	// above the floor, so they merge. A pair at ~0.7 must never merge.
	near := []*Entry{
		dedupEntry(t, "c1", rotated(0), 1),
		dedupEntry(t, "c2", rotated(30), 2), // cos 30 ~ 0.866
	}
	far := []*Entry{
		dedupEntry(t, "c3", rotated(0), 1),
		dedupEntry(t, "c4", rotated(45), 2), // cos 45 ~ 0.707
	}

	d := NewDeduplicator(DedupOptions{Threshold: 0.5, MinThreshold: 0.80})

	result, err := d.Run(context.Background(), near)
	require.NoError(t, err)
	assert.Len(t, result.Representatives, 1)

	result, err = d.Run(context.Background(), far)
	require.NoError(t, err)
	assert.Len(t, result.Representatives, 2, "below the floor nothing merges")
}

func TestDedup_Strategies(t *testing.T) {
	mk := func() []*Entry {
		a := dedupEntry(t, "c1", rotated(0), 100)
		a.CreatedAt = 50
		a.Metadata.TextLength = 10
		b := dedupEntry(t, "c2", rotated(2), 300)
		b.CreatedAt = 20
		b.Metadata.TextLength = 500
		c := dedupEntry(t, "c3", rotated(4), 200)
		c.CreatedAt = 80
		c.Metadata.TextLength = 100
		return []*Entry{a, b, c}
	}

	tests := []struct {
		strategy RepresentativeStrategy
		wantIdx  int
	}{
		{StrategyMostRecent, 1},
		{StrategyEarliestCreated, 1},
		{StrategyLongestText, 1},
		{StrategyHighestAvgSimilarity, 1}, // middle angle is most central
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			entries := mk()
			d := NewDeduplicator(DedupOptions{Threshold: 0.95, Strategy: tt.strategy})
			result, err := d.Run(context.Background(), entries)
			require.NoError(t, err)
			require.Len(t, result.Representatives, 1)
			assert.Equal(t, entries[tt.wantIdx].ID, result.Representatives[0].ID)
		})
	}
}

func TestDedup_ParallelMatchesSequential(t *testing.T) {
	var entries []*Entry
	for i := 0; i < 60; i++ {
		angle := float64(i%6) * 30 // six well-separated directions
		entries = append(entries, dedupEntry(t, chunkName(i%26)+string(rune('0'+i/26)), rotated(angle+float64(i)/100), int64(i)))
	}

	seq := NewDeduplicator(DedupOptions{Threshold: 0.95, ParallelThreshold: 1000})
	par := NewDeduplicator(DedupOptions{Threshold: 0.95, ParallelThreshold: 10, BatchSize: 7})

	seqRes, err := seq.Run(context.Background(), entries)
	require.NoError(t, err)
	parRes, err := par.Run(context.Background(), entries)
	require.NoError(t, err)

	assert.Equal(t, len(seqRes.Representatives), len(parRes.Representatives))
	assert.Equal(t, seqRes.References.Forward, parRes.References.Forward)
}

func TestDedup_EmptyAndSingleton(t *testing.T) {
	d := NewDeduplicator(DedupOptions{})

	result, err := d.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Representatives)

	one := []*Entry{dedupEntry(t, "c1", rotated(0), 1)}
	result, err = d.Run(context.Background(), one)
	require.NoError(t, err)
	assert.Len(t, result.Representatives, 1)
	assert.Empty(t, result.References.Forward)
}

func TestDedup_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	entries := []*Entry{
		dedupEntry(t, "c1", rotated(0), 1),
		dedupEntry(t, "c2", rotated(2), 2),
	}
	d := NewDeduplicator(DedupOptions{})
	_, err := d.Run(ctx, entries)
	assert.Error(t, err)
}

func TestDedup_ApplyToStore(t *testing.T) {
	s := openTestStore(t, Options{})

	e1 := dedupEntry(t, "c1", rotated(0), 100)
	e2 := dedupEntry(t, "c2", rotated(5), 300)
	e3 := dedupEntry(t, "c3", rotated(90), 200)
	_, err := s.StoreBatch([]*Entry{e1, e2, e3})
	require.NoError(t, err)

	d := NewDeduplicator(DedupOptions{Threshold: 0.95, Strategy: StrategyMostRecent})
	entries, err := s.AllEntries()
	require.NoError(t, err)
	result, err := d.Run(context.Background(), entries)
	require.NoError(t, err)
	require.NoError(t, d.Apply(s, result))

	assert.Equal(t, 2, s.Count())

	// A merged id keeps resolving to its representative.
	got, err := s.Retrieve(e1.ID)
	require.NoError(t, err)
	assert.Equal(t, e2.ID, got.ID)
	assert.Equal(t, e2.ID, s.Resolve(e1.ID))
}

func TestReferenceMap_Validate(t *testing.T) {
	m := NewReferenceMap()
	m.Add("a", "rep")
	m.Add("b", "rep")
	require.NoError(t, m.Validate())

	// Break the bijection.
	m.Forward["c"] = "rep2"
	assert.Error(t, m.Validate())
}
