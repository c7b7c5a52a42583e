package vector

import (
	"container/heap"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/notewise/notewise/internal/errors"
)

// SearchResult is one k-NN match.
type SearchResult struct {
	ID         string
	Similarity float32
	Entry      *Entry
}

// SearchOptions tunes a k-NN query.
type SearchOptions struct {
	// Threshold filters results below this similarity. Must be in [-1, 1].
	Threshold float32

	// NormalizeQuery normalizes the query once and scores stored vectors
	// by dot product alone. Only correct when stored vectors were
	// normalized by the caller at ingest time.
	NormalizeQuery bool

	// EarlyTermination enables an approximate early exit: once the heap
	// is full, its worst element exceeds threshold+0.1, and at least 2k
	// candidates were examined, remaining candidates are skipped. May
	// prune otherwise-eligible results; off by default.
	EarlyTermination bool
}

// DefaultSearchOptions returns options matching an exact search.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{Threshold: -1}
}

const earlyTerminationMargin = 0.1

// SearchMetrics accumulates searcher-level counters.
type SearchMetrics struct {
	Queries           uint64
	CandidatesScanned uint64
	AvgLatency        time.Duration
	totalLatency      time.Duration
}

// Searcher runs cosine-similarity queries over entry working sets.
type Searcher struct {
	mu      sync.Mutex
	metrics SearchMetrics
}

// NewSearcher creates a Searcher.
func NewSearcher() *Searcher {
	return &Searcher{}
}

// CosineSimilarity computes the cosine similarity of two vectors in a
// single pass, clamped to [-1, 1]. It is symmetric, and the
// self-similarity of any non-zero vector is 1 within float tolerance.
func CosineSimilarity(a, b []float32) (float32, error) {
	if err := validateQueryVector(a); err != nil {
		return 0, err
	}
	if err := validateQueryVector(b); err != nil {
		return 0, err
	}
	if len(a) != len(b) {
		return 0, errors.Newf(errors.ErrCodeDimensionMismatch,
			"dimension mismatch: %d vs %d", len(a), len(b))
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, errors.New(errors.ErrCodeZeroMagnitude,
			"cosine similarity undefined for zero-magnitude vector", nil)
	}
	return clampSimilarity(dot / math.Sqrt(normA*normB)), nil
}

func clampSimilarity(v float64) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return float32(v)
}

func validateQueryVector(v []float32) error {
	if len(v) == 0 {
		return errors.New(errors.ErrCodeEmptyVector, "vector is empty", nil)
	}
	for i, c := range v {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			return errors.Newf(errors.ErrCodeInvalidVector,
				"vector component %d is not finite", i)
		}
	}
	return nil
}

func validateSearchParams(k int, threshold float32) error {
	if k <= 0 {
		return errors.New(errors.ErrCodeInvalidK, "k must be at least 1", nil)
	}
	if threshold < -1 || threshold > 1 {
		return errors.Newf(errors.ErrCodeInvalidThreshold,
			"threshold %v outside [-1, 1]", threshold)
	}
	return nil
}

// resultHeap is a min-heap on similarity holding the current best k.
type resultHeap []SearchResult

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return h[i].Similarity < h[j].Similarity }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)         { *h = append(*h, x.(SearchResult)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// TopK returns the k entries most similar to query, descending. Ties break
// deterministically by id. Results below opts.Threshold are excluded.
func (s *Searcher) TopK(query []float32, entries []*Entry, k int, opts SearchOptions) ([]SearchResult, error) {
	start := time.Now()

	if err := validateSearchParams(k, opts.Threshold); err != nil {
		return nil, err
	}
	if err := validateQueryVector(query); err != nil {
		return nil, err
	}

	q, qNorm, err := prepareQuery(query, opts)
	if err != nil {
		return nil, err
	}

	h := make(resultHeap, 0, k)
	scanned := 0
	for _, e := range entries {
		if len(e.Vector) != len(q) {
			return nil, errors.Newf(errors.ErrCodeDimensionMismatch,
				"entry %s has dimension %d, query has %d", e.ID, len(e.Vector), len(q))
		}
		scanned++

		sim, ok := scoreEntry(q, qNorm, e.Vector, opts.NormalizeQuery)
		if !ok || sim < opts.Threshold {
			continue
		}

		result := SearchResult{ID: e.ID, Similarity: sim, Entry: e}
		if len(h) < k {
			heap.Push(&h, result)
		} else if sim > h[0].Similarity {
			h[0] = result
			heap.Fix(&h, 0)
		}

		if opts.EarlyTermination && len(h) == k &&
			scanned >= 2*k && h[0].Similarity > opts.Threshold+earlyTerminationMargin {
			break
		}
	}

	out := sortDescending(h)
	s.record(1, uint64(scanned), time.Since(start))
	return out, nil
}

// ThresholdSearch returns every entry with similarity >= threshold, sorted
// descending. k is implicitly the working-set size.
func (s *Searcher) ThresholdSearch(query []float32, entries []*Entry, threshold float32) ([]SearchResult, error) {
	k := len(entries)
	if k == 0 {
		if err := validateSearchParams(1, threshold); err != nil {
			return nil, err
		}
		if err := validateQueryVector(query); err != nil {
			return nil, err
		}
		return nil, nil
	}
	opts := SearchOptions{Threshold: threshold}
	return s.TopK(query, entries, k, opts)
}

// TopKBatch runs TopK for many queries against the same working set. k and
// the threshold are checked once before any query runs; each query is then
// validated by TopK as usual.
func (s *Searcher) TopKBatch(queries [][]float32, entries []*Entry, k int, opts SearchOptions) ([][]SearchResult, error) {
	if err := validateSearchParams(k, opts.Threshold); err != nil {
		return nil, err
	}
	out := make([][]SearchResult, len(queries))
	for i, q := range queries {
		results, err := s.TopK(q, entries, k, opts)
		if err != nil {
			return nil, err
		}
		out[i] = results
	}
	return out, nil
}

// Metrics returns a snapshot of searcher counters.
func (s *Searcher) Metrics() SearchMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.metrics
	return m
}

func (s *Searcher) record(queries, scanned uint64, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics.Queries += queries
	s.metrics.CandidatesScanned += scanned
	s.metrics.totalLatency += elapsed
	if s.metrics.Queries > 0 {
		s.metrics.AvgLatency = s.metrics.totalLatency / time.Duration(s.metrics.Queries)
	}
}

// prepareQuery validates and (optionally) normalizes the query once.
// Returns the query to score with and its squared norm (1 for a normalized
// query). A zero-magnitude query is an error.
func prepareQuery(query []float32, opts SearchOptions) ([]float32, float64, error) {
	var norm float64
	for _, c := range query {
		norm += float64(c) * float64(c)
	}
	if norm == 0 {
		return nil, 0, errors.New(errors.ErrCodeZeroMagnitude,
			"query vector has zero magnitude", nil)
	}
	if !opts.NormalizeQuery {
		return query, norm, nil
	}

	mag := math.Sqrt(norm)
	normalized := make([]float32, len(query))
	for i, c := range query {
		normalized[i] = float32(float64(c) / mag)
	}
	return normalized, 1, nil
}

// scoreEntry computes similarity between the prepared query and one stored
// vector. With a normalized query, dot product alone is used; otherwise the
// full cosine with both norms. Zero-magnitude stored vectors score as
// no-match rather than erroring, so one bad entry cannot fail a search.
func scoreEntry(q []float32, qNorm float64, v []float32, normalized bool) (float32, bool) {
	var dot, vNorm float64
	for i := range q {
		dot += float64(q[i]) * float64(v[i])
		if !normalized {
			vNorm += float64(v[i]) * float64(v[i])
		}
	}
	if normalized {
		return clampSimilarity(dot), true
	}
	if vNorm == 0 {
		return 0, false
	}
	return clampSimilarity(dot / math.Sqrt(qNorm*vNorm)), true
}

// sortDescending drains the heap into a descending-similarity slice with
// deterministic tie-breaking by id.
func sortDescending(h resultHeap) []SearchResult {
	out := make([]SearchResult, len(h))
	copy(out, h)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	return out
}
