package vector

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/notewise/notewise/internal/errors"
)

// RepresentativeStrategy selects which cluster member survives a merge.
type RepresentativeStrategy string

const (
	// StrategyMostRecent keeps the entry with the latest updated_at.
	StrategyMostRecent RepresentativeStrategy = "most_recent"
	// StrategyEarliestCreated keeps the entry with the earliest created_at.
	StrategyEarliestCreated RepresentativeStrategy = "earliest_created"
	// StrategyHighestAvgSimilarity keeps the most central entry.
	StrategyHighestAvgSimilarity RepresentativeStrategy = "highest_avg_similarity"
	// StrategyLongestText keeps the entry with the longest source text.
	StrategyLongestText RepresentativeStrategy = "longest_text"
)

// ParseStrategy maps a config string to a strategy.
func ParseStrategy(s string) (RepresentativeStrategy, error) {
	switch RepresentativeStrategy(s) {
	case StrategyMostRecent, StrategyEarliestCreated,
		StrategyHighestAvgSimilarity, StrategyLongestText:
		return RepresentativeStrategy(s), nil
	case "":
		return StrategyMostRecent, nil
	default:
		return "", errors.Newf(errors.ErrCodeConfigInvalid, "unknown dedup strategy %q", s)
	}
}

// DedupOptions configures a deduplication run.
type DedupOptions struct {
	// Threshold clusters entries whose pairwise similarity reaches it.
	Threshold float64
	// MinThreshold is a hard floor: no merge happens below it regardless
	// of Threshold.
	MinThreshold float64
	// Strategy selects the cluster representative.
	Strategy RepresentativeStrategy
	// ParallelThreshold is the working-set size above which similarity
	// rows are computed in parallel.
	ParallelThreshold int
	// BatchSize is the entry count per parallel batch.
	BatchSize int
}

// DefaultDedupOptions returns the standard thresholds.
func DefaultDedupOptions() DedupOptions {
	return DedupOptions{
		Threshold:         0.95,
		MinThreshold:      0.80,
		Strategy:          StrategyMostRecent,
		ParallelThreshold: 200,
		BatchSize:         50,
	}
}

// ReferenceMap records merges: Forward maps each merged original to its
// representative; Reverse maps each representative to its merged originals.
// The two sides always agree bijectively.
type ReferenceMap struct {
	Forward map[string]string
	Reverse map[string]map[string]struct{}
}

// NewReferenceMap creates an empty map.
func NewReferenceMap() *ReferenceMap {
	return &ReferenceMap{
		Forward: make(map[string]string),
		Reverse: make(map[string]map[string]struct{}),
	}
}

// Add records original -> representative.
func (m *ReferenceMap) Add(original, representative string) {
	m.Forward[original] = representative
	set, ok := m.Reverse[representative]
	if !ok {
		set = make(map[string]struct{})
		m.Reverse[representative] = set
	}
	set[original] = struct{}{}
}

// Resolve follows the forward map; unmapped ids resolve to themselves.
func (m *ReferenceMap) Resolve(id string) string {
	if rep, ok := m.Forward[id]; ok {
		return rep
	}
	return id
}

// Validate checks forward/reverse agreement.
func (m *ReferenceMap) Validate() error {
	for orig, rep := range m.Forward {
		set, ok := m.Reverse[rep]
		if !ok {
			return errors.Newf(errors.ErrCodeRefMapCorrupt,
				"representative %s missing from reverse map", rep)
		}
		if _, ok := set[orig]; !ok {
			return errors.Newf(errors.ErrCodeRefMapCorrupt,
				"original %s missing from reverse set of %s", orig, rep)
		}
	}
	for rep, set := range m.Reverse {
		for orig := range set {
			if m.Forward[orig] != rep {
				return errors.Newf(errors.ErrCodeRefMapCorrupt,
					"reverse entry %s -> %s not mirrored forward", rep, orig)
			}
		}
	}
	return nil
}

// DedupResult is the outcome of a deduplication run.
type DedupResult struct {
	// Representatives are the surviving entries.
	Representatives []*Entry
	// References records every merge.
	References *ReferenceMap
	// ClustersFound counts multi-entry clusters.
	ClustersFound int
	// EntriesMerged counts entries folded into a representative.
	EntriesMerged int
	// Elapsed is the run duration.
	Elapsed time.Duration
}

// Deduplicator clusters near-identical entries and merges each cluster
// down to one representative.
type Deduplicator struct {
	opts DedupOptions
}

// NewDeduplicator creates a deduplicator. Zero-valued options fall back
// to defaults; the merge floor is always enforced.
func NewDeduplicator(opts DedupOptions) *Deduplicator {
	def := DefaultDedupOptions()
	if opts.Threshold == 0 {
		opts.Threshold = def.Threshold
	}
	if opts.MinThreshold == 0 {
		opts.MinThreshold = def.MinThreshold
	}
	if opts.Strategy == "" {
		opts.Strategy = def.Strategy
	}
	if opts.ParallelThreshold <= 0 {
		opts.ParallelThreshold = def.ParallelThreshold
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	return &Deduplicator{opts: opts}
}

// Run clusters the working set and returns representatives plus the
// reference map. Entries are never dropped unrecoverably: every merged id
// resolves to its representative through the map. The result is validated
// before return; an inconsistent map is an error and nothing is committed.
func (d *Deduplicator) Run(ctx context.Context, entries []*Entry) (*DedupResult, error) {
	start := time.Now()

	threshold := d.opts.Threshold
	if threshold < d.opts.MinThreshold {
		threshold = d.opts.MinThreshold
	}

	result := &DedupResult{References: NewReferenceMap()}
	if len(entries) == 0 {
		result.Elapsed = time.Since(start)
		return result, nil
	}

	clustered := make([]bool, len(entries))
	for i := range entries {
		if err := ctx.Err(); err != nil {
			return nil, errors.CancelledError("deduplication cancelled")
		}
		if clustered[i] {
			continue
		}

		cluster := []int{i}
		clustered[i] = true

		sims, err := d.similarityRow(ctx, entries, i, clustered)
		if err != nil {
			return nil, err
		}
		for j, sim := range sims {
			if float64(sim) >= threshold {
				cluster = append(cluster, j)
				clustered[j] = true
			}
		}

		if len(cluster) == 1 {
			result.Representatives = append(result.Representatives, entries[i])
			continue
		}

		rep, err := d.selectRepresentative(entries, cluster)
		if err != nil {
			return nil, err
		}
		result.Representatives = append(result.Representatives, entries[rep])
		result.ClustersFound++
		for _, idx := range cluster {
			if idx == rep {
				continue
			}
			result.References.Add(entries[idx].ID, entries[rep].ID)
			result.EntriesMerged++
		}
	}

	if err := d.checkIntegrity(entries, result); err != nil {
		return nil, err
	}

	result.Elapsed = time.Since(start)
	slog.Debug("deduplication complete",
		slog.Int("entries", len(entries)),
		slog.Int("representatives", len(result.Representatives)),
		slog.Int("clusters", result.ClustersFound),
		slog.Int("merged", result.EntriesMerged),
		slog.Duration("elapsed", result.Elapsed))
	return result, nil
}

// similarityRow computes similarities between the seed entry and every
// later un-clustered entry. Indexes below or equal to seed, and already
// clustered entries, get -2 (never merges). Large working sets fan the row
// out across batches.
func (d *Deduplicator) similarityRow(ctx context.Context, entries []*Entry, seed int, clustered []bool) ([]float32, error) {
	sims := make([]float32, len(entries))
	for i := range sims {
		sims[i] = -2
	}

	compare := func(lo, hi int) error {
		for j := lo; j < hi; j++ {
			if j <= seed || clustered[j] {
				continue
			}
			sim, err := CosineSimilarity(entries[seed].Vector, entries[j].Vector)
			if err != nil {
				if errors.IsKind(err, errors.KindValidation) {
					continue // an unfit vector never merges
				}
				return err
			}
			sims[j] = sim
		}
		return nil
	}

	if len(entries) < d.opts.ParallelThreshold {
		return sims, compare(0, len(entries))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for lo := 0; lo < len(entries); lo += d.opts.BatchSize {
		hi := lo + d.opts.BatchSize
		if hi > len(entries) {
			hi = len(entries)
		}
		lo := lo
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return compare(lo, hi)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sims, nil
}

// selectRepresentative applies the configured strategy to a cluster.
func (d *Deduplicator) selectRepresentative(entries []*Entry, cluster []int) (int, error) {
	best := cluster[0]
	switch d.opts.Strategy {
	case StrategyMostRecent:
		for _, idx := range cluster[1:] {
			if entries[idx].UpdatedAt > entries[best].UpdatedAt {
				best = idx
			}
		}
	case StrategyEarliestCreated:
		for _, idx := range cluster[1:] {
			if entries[idx].CreatedAt < entries[best].CreatedAt {
				best = idx
			}
		}
	case StrategyLongestText:
		for _, idx := range cluster[1:] {
			if entries[idx].Metadata.TextLength > entries[best].Metadata.TextLength {
				best = idx
			}
		}
	case StrategyHighestAvgSimilarity:
		bestAvg := float64(-2)
		for _, idx := range cluster {
			var sum float64
			for _, other := range cluster {
				if other == idx {
					continue
				}
				sim, err := CosineSimilarity(entries[idx].Vector, entries[other].Vector)
				if err != nil {
					return 0, err
				}
				sum += float64(sim)
			}
			avg := sum / float64(len(cluster)-1)
			if avg > bestAvg {
				bestAvg = avg
				best = idx
			}
		}
	default:
		return 0, errors.Newf(errors.ErrCodeConfigInvalid,
			"unknown dedup strategy %q", d.opts.Strategy)
	}
	return best, nil
}

// checkIntegrity verifies the result before it can be committed: every
// input id appears either among representatives or in the forward map,
// every forward target is a representative, and the map is bijective.
func (d *Deduplicator) checkIntegrity(entries []*Entry, result *DedupResult) error {
	reps := make(map[string]struct{}, len(result.Representatives))
	for _, e := range result.Representatives {
		reps[e.ID] = struct{}{}
	}

	for _, e := range entries {
		if _, ok := reps[e.ID]; ok {
			continue
		}
		rep, ok := result.References.Forward[e.ID]
		if !ok {
			return errors.Newf(errors.ErrCodeRefMapCorrupt,
				"entry %s neither representative nor mapped", e.ID)
		}
		if _, ok := reps[rep]; !ok {
			return errors.Newf(errors.ErrCodeRefMapCorrupt,
				"entry %s maps to non-representative %s", e.ID, rep)
		}
	}
	return result.References.Validate()
}

// Apply commits a dedup result to the store: merged originals are deleted
// and the forward map is installed so their ids keep resolving.
func (d *Deduplicator) Apply(store *Store, result *DedupResult) error {
	if len(result.References.Forward) == 0 {
		return nil
	}

	merged := make([]string, 0, len(result.References.Forward))
	for orig := range result.References.Forward {
		merged = append(merged, orig)
	}
	sort.Strings(merged)

	if _, err := store.DeleteBatch(merged); err != nil {
		return err
	}
	return store.SetReferences(result.References.Forward)
}
