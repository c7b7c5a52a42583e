// Package maintenance runs the periodic housekeeping cycle against the
// vector store: orphan detection, compaction with cooldown, storage
// reclamation, and optional defragmentation.
package maintenance

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/notewise/notewise/internal/vector"
)

// Config configures the maintenance scheduler.
type Config struct {
	// Enabled turns the periodic cycle on.
	Enabled bool
	// Interval is the cycle period.
	Interval time.Duration
	// CompactionCooldown suppresses compaction after its last run,
	// independent of fragmentation.
	CompactionCooldown time.Duration
	// FragmentationThreshold gates compaction.
	FragmentationThreshold float64
	// OrphanCleanupBatch caps orphans removed per cycle.
	OrphanCleanupBatch int
	// PhaseDeadline is the hard per-phase time budget.
	PhaseDeadline time.Duration
	// VaultPaths restricts valid entry files to these roots when set.
	VaultPaths []string
	// Defragment enables the defragmentation phase.
	Defragment bool
}

// DefaultConfig returns the standard maintenance configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		Interval:               5 * time.Minute,
		CompactionCooldown:     24 * time.Hour,
		FragmentationThreshold: 0.3,
		OrphanCleanupBatch:     100,
		PhaseDeadline:          30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.CompactionCooldown <= 0 {
		c.CompactionCooldown = def.CompactionCooldown
	}
	if c.FragmentationThreshold <= 0 {
		c.FragmentationThreshold = def.FragmentationThreshold
	}
	if c.OrphanCleanupBatch <= 0 {
		c.OrphanCleanupBatch = def.OrphanCleanupBatch
	}
	if c.PhaseDeadline <= 0 {
		c.PhaseDeadline = def.PhaseDeadline
	}
	return c
}

// Stats are the scheduler's lifetime counters.
type Stats struct {
	Cycles         uint64
	OrphansFound   uint64
	OrphansRemoved uint64
	Compactions    uint64
	BytesReclaimed int64
	AvgCycleTime   time.Duration

	totalCycleTime time.Duration
}

// CycleReport describes one maintenance cycle.
type CycleReport struct {
	OrphansFound   int
	OrphansRemoved int
	Compacted      bool
	BytesReclaimed int64
	Defragmented   bool
	Elapsed        time.Duration
}

// Scheduler owns the periodic maintenance loop.
type Scheduler struct {
	cfg   Config
	store *vector.Store

	mu    sync.Mutex
	stats Stats

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a maintenance scheduler for the given store.
func New(store *vector.Store, cfg Config) *Scheduler {
	return &Scheduler{cfg: cfg.withDefaults(), store: store}
}

// Start launches the periodic cycle.
func (m *Scheduler) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	if !m.cfg.Enabled {
		slog.Debug("maintenance disabled")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.RunCycle(m.ctx); err != nil {
					slog.Warn("maintenance cycle failed",
						slog.String("error", err.Error()))
				}
			}
		}
	}()
	slog.Debug("maintenance scheduler started",
		slog.Duration("interval", m.cfg.Interval),
		slog.Duration("cooldown", m.cfg.CompactionCooldown))
}

// Stop shuts the scheduler down and waits for an in-flight cycle.
func (m *Scheduler) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// RunCycle executes one maintenance pass: orphan scan, compaction when
// eligible, storage reclamation, then optional defragmentation. The orphan,
// compaction and reclamation phases each run under their own deadline; a
// phase that exceeds it is abandoned but leaves the store consistent. The
// defragmentation phase runs without a deadline.
func (m *Scheduler) RunCycle(ctx context.Context) (*CycleReport, error) {
	start := time.Now()
	report := &CycleReport{}

	// Phase 1: orphans.
	phaseCtx, cancel := context.WithTimeout(ctx, m.cfg.PhaseDeadline)
	found, removed, err := m.cleanOrphans(phaseCtx)
	cancel()
	report.OrphansFound = found
	report.OrphansRemoved = removed
	if err != nil {
		slog.Warn("orphan phase aborted", slog.String("error", err.Error()))
	}

	// Phase 2: compaction, gated by cooldown and fragmentation.
	if m.shouldCompact() {
		phaseCtx, cancel = context.WithTimeout(ctx, m.cfg.PhaseDeadline)
		res, err := m.store.Compact(phaseCtx)
		cancel()
		if err != nil {
			slog.Warn("compaction phase aborted", slog.String("error", err.Error()))
		} else if res.FilesCompacted > 0 {
			report.Compacted = true
			report.BytesReclaimed += res.BytesReclaimed
		}
	}

	// Phase 3: reclaim quarantined segment files.
	phaseCtx, cancel = context.WithTimeout(ctx, m.cfg.PhaseDeadline)
	report.BytesReclaimed += m.reclaimQuarantined(phaseCtx)
	cancel()

	// Phase 4: optional defragmentation (compaction plus index rebuild).
	if m.cfg.Defragment {
		if err := m.store.Recover(""); err != nil {
			slog.Warn("defragmentation phase aborted", slog.String("error", err.Error()))
		} else {
			report.Defragmented = true
		}
	}

	report.Elapsed = time.Since(start)

	m.mu.Lock()
	m.stats.Cycles++
	m.stats.OrphansFound += uint64(found)
	m.stats.OrphansRemoved += uint64(removed)
	if report.Compacted {
		m.stats.Compactions++
	}
	m.stats.BytesReclaimed += report.BytesReclaimed
	m.stats.totalCycleTime += report.Elapsed
	m.stats.AvgCycleTime = m.stats.totalCycleTime / time.Duration(m.stats.Cycles)
	m.mu.Unlock()

	slog.Info("maintenance cycle complete",
		slog.Int("orphans_found", report.OrphansFound),
		slog.Int("orphans_removed", report.OrphansRemoved),
		slog.Bool("compacted", report.Compacted),
		slog.Int64("bytes_reclaimed", report.BytesReclaimed),
		slog.Duration("elapsed", report.Elapsed))
	return report, nil
}

// cleanOrphans finds entries whose source file no longer exists (or lies
// outside the configured vaults) and removes up to the per-cycle cap.
func (m *Scheduler) cleanOrphans(ctx context.Context) (found, removed int, err error) {
	var orphanIDs []string

	for _, path := range m.store.FilePaths() {
		if err := ctx.Err(); err != nil {
			return found, removed, err
		}
		if m.isOrphanPath(path) {
			ids := m.store.FindByFile(path)
			found += len(ids)
			orphanIDs = append(orphanIDs, ids...)
		}
	}

	if len(orphanIDs) == 0 {
		return 0, 0, nil
	}
	if len(orphanIDs) > m.cfg.OrphanCleanupBatch {
		orphanIDs = orphanIDs[:m.cfg.OrphanCleanupBatch]
	}

	n, err := m.store.DeleteBatch(orphanIDs)
	if err != nil {
		return found, 0, err
	}
	return found, n, nil
}

// isOrphanPath reports whether a source path no longer backs its entries.
func (m *Scheduler) isOrphanPath(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return os.IsNotExist(err)
	}
	if len(m.cfg.VaultPaths) == 0 {
		return false
	}
	for _, vault := range m.cfg.VaultPaths {
		if pathWithin(vault, path) {
			return false
		}
	}
	return true
}

// pathWithin reports whether path lies under root.
func pathWithin(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// shouldCompact gates compaction on cooldown and fragmentation.
func (m *Scheduler) shouldCompact() bool {
	last := m.store.LastCompaction()
	if !last.IsZero() && time.Since(last) < m.cfg.CompactionCooldown {
		slog.Debug("compaction skipped: cooldown active",
			slog.Duration("remaining", m.cfg.CompactionCooldown-time.Since(last)))
		return false
	}
	frag := m.store.Fragmentation()
	if frag <= m.cfg.FragmentationThreshold {
		slog.Debug("compaction skipped: below threshold",
			slog.Float64("fragmentation", frag),
			slog.Float64("threshold", m.cfg.FragmentationThreshold))
		return false
	}
	return true
}

// reclaimQuarantined removes segment files that were moved aside as
// corrupt, returning the bytes freed.
func (m *Scheduler) reclaimQuarantined(ctx context.Context) int64 {
	matches, err := filepath.Glob(filepath.Join(m.store.Dir(), "*.quarantine"))
	if err != nil {
		return 0
	}
	var freed int64
	for _, path := range matches {
		if ctx.Err() != nil {
			break
		}
		if fi, err := os.Stat(path); err == nil {
			if os.Remove(path) == nil {
				freed += fi.Size()
				slog.Info("reclaimed quarantined segment",
					slog.String("file", filepath.Base(path)))
			}
		}
	}
	return freed
}

// Stats returns a snapshot of the lifetime counters.
func (m *Scheduler) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
