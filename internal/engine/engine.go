// Package engine wires the subsystems together: store, search, dedup,
// embedding queue and caches, indexer, maintenance, and the operation
// scheduler. Nothing below the scheduler knows the scheduler exists; it
// receives a typed capability set instead of components holding
// back-references.
package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/notewise/notewise/internal/cache"
	"github.com/notewise/notewise/internal/config"
	"github.com/notewise/notewise/internal/embed"
	"github.com/notewise/notewise/internal/errors"
	"github.com/notewise/notewise/internal/index"
	"github.com/notewise/notewise/internal/maintenance"
	"github.com/notewise/notewise/internal/queue"
	"github.com/notewise/notewise/internal/scheduler"
	"github.com/notewise/notewise/internal/suggest"
	"github.com/notewise/notewise/internal/vector"
	"github.com/notewise/notewise/internal/watcher"
)

// Capabilities is the typed handle set the scheduler's operations work
// through.
type Capabilities struct {
	Store       *vector.Store
	Searcher    *vector.Searcher
	Queue       *queue.Queue
	Cache       *cache.MultiLevel
	Suggestions *suggest.Cache
}

// Engine owns one storage directory and every subsystem over it. Multiple
// isolated engines can coexist (tests construct their own); the CLI wraps
// exactly one.
type Engine struct {
	cfg *config.Config

	store       *vector.Store
	searcher    *vector.Searcher
	dedup       *vector.Deduplicator
	embedder    *embed.Client
	queue       *queue.Queue
	cache       *cache.MultiLevel
	suggestions *suggest.Cache
	indexer     *index.Indexer
	maintenance *maintenance.Scheduler
	scheduler   *scheduler.Scheduler
	watch       *watcher.FSWatcher

	cancel context.CancelFunc
}

// Open constructs an engine over the resolved storage directory. The
// engine is inert until Start.
func Open(ctx context.Context, cfg *config.Config, dirOverride string) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}
	dir, err := cfg.ResolveStorageDir(dirOverride)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeConfigInvalid, err)
	}

	compression, err := vector.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}
	store, err := vector.Open(vector.Options{
		Dir:                    dir,
		MaxEntriesPerSegment:   cfg.Storage.MaxEntriesPerSegment,
		Compression:            compression,
		Checksums:              cfg.Storage.Checksums,
		PageCacheSegments:      cfg.Storage.PageCacheSegments,
		FragmentationThreshold: cfg.Storage.FragmentationThreshold,
	})
	if err != nil {
		return nil, err
	}

	embedder, err := embed.NewClient(ctx, embed.Config{
		BaseURL:           cfg.Embedder.BaseURL,
		Model:             cfg.Embedder.Model,
		Timeout:           config.Duration(cfg.Embedder.Timeout, embed.DefaultTimeout),
		MaxRetries:        cfg.Embedder.MaxRetries,
		InitialRetryDelay: config.Duration(cfg.Embedder.InitialRetryDelay, embed.DefaultInitialRetryDelay),
		MaxRetryDelay:     config.Duration(cfg.Embedder.MaxRetryDelay, embed.DefaultMaxRetryDelay),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	q := queue.New(embedder, queue.Config{
		MaxQueueSize:          cfg.Queue.MaxQueueSize,
		MaxConcurrentRequests: cfg.Queue.MaxConcurrentRequests,
		DeduplicationWindow:   config.Duration(cfg.Queue.DeduplicationWindow, time.Second),
		ResultRetention:       config.Duration(cfg.Queue.ResultRetention, 5*time.Minute),
		RequestTimeout:        config.Duration(cfg.Queue.RequestTimeout, 30*time.Second),
		DedupEnabled:          cfg.Queue.DedupEnabled,
	})

	policy, _ := cache.ParsePolicy(cfg.Cache.EvictionPolicy)
	embCache := cache.New(cache.Config{
		L1Size:               cfg.Cache.L1Size,
		L2Size:               cfg.Cache.L2Size,
		L1TTL:                config.Duration(cfg.Cache.L1TTL, time.Hour),
		L2TTL:                config.Duration(cfg.Cache.L2TTL, 2*time.Hour),
		L1PromotionThreshold: cfg.Cache.L1PromotionThreshold,
		Policy:               policy,
		MemoryBudgetBytes:    cfg.Cache.MemoryBudgetBytes,
		PatternLearning:      cfg.Cache.PatternLearning,
	})

	suggestions := suggest.New(suggest.Config{
		Capacity:        cfg.Suggestions.Capacity,
		TTL:             config.Duration(cfg.Suggestions.TTL, 5*time.Minute),
		MaxContentDelta: cfg.Suggestions.MaxContentDelta,
		MaxCursorDelta:  cfg.Suggestions.MaxCursorDelta,
	})

	strategy, err := vector.ParseStrategy(cfg.Dedup.Strategy)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dedup := vector.NewDeduplicator(vector.DedupOptions{
		Threshold:         cfg.Dedup.SimilarityThreshold,
		MinThreshold:      cfg.Dedup.MinSimilarityThreshold,
		Strategy:          strategy,
		ParallelThreshold: cfg.Dedup.ParallelThreshold,
		BatchSize:         cfg.Dedup.BatchSize,
	})

	indexer := index.New(store, q, index.Config{
		Extensions:      cfg.Indexer.Extensions,
		ExcludePrefixes: cfg.Indexer.ExcludePrefixes,
		BatchWindow:     config.Duration(cfg.Indexer.BatchWindow, 500*time.Millisecond),
		MaxBatchSize:    cfg.Indexer.MaxBatchSize,
		MaxChunkChars:   cfg.Indexer.MaxChunkChars,
		Model:           cfg.Embedder.Model,
	})

	maint := maintenance.New(store, maintenance.Config{
		Enabled:                cfg.Maintenance.Enabled,
		Interval:               config.Duration(cfg.Maintenance.Interval, 5*time.Minute),
		CompactionCooldown:     time.Duration(cfg.Maintenance.CompactionCooldownHours) * time.Hour,
		FragmentationThreshold: cfg.Storage.FragmentationThreshold,
		OrphanCleanupBatch:     cfg.Maintenance.OrphanCleanupBatch,
		PhaseDeadline:          config.Duration(cfg.Maintenance.PhaseDeadline, 30*time.Second),
		VaultPaths:             cfg.Maintenance.VaultPaths,
		Defragment:             cfg.Maintenance.Defragment,
	})

	sched := scheduler.New(scheduler.Config{
		MaxConcurrentOperations: cfg.Scheduler.MaxConcurrentOperations,
		Weights: scheduler.Weights{
			Activity:              cfg.Scheduler.ActivityWeight,
			Recency:               cfg.Scheduler.RecencyWeight,
			Resource:              cfg.Scheduler.ResourceWeight,
			Perf:                  cfg.Scheduler.PerfWeight,
			MaxCriticalBoost:      cfg.Scheduler.MaxCriticalBoost,
			IdleThreshold:         time.Duration(cfg.Scheduler.IdleThresholdMs) * time.Millisecond,
			HighActivityThreshold: cfg.Scheduler.HighActivityThreshold,
			LowResourceThreshold:  cfg.Scheduler.LowResourceThreshold,
		},
		Predictive:         cfg.Scheduler.Predictive,
		PredictiveInterval: config.Duration(cfg.Scheduler.PredictiveInterval, 30*time.Second),
	}, nil)

	e := &Engine{
		cfg:         cfg,
		store:       store,
		searcher:    vector.NewSearcher(),
		dedup:       dedup,
		embedder:    embedder,
		queue:       q,
		cache:       embCache,
		suggestions: suggestions,
		indexer:     indexer,
		maintenance: maint,
		scheduler:   sched,
	}

	// Predictive loads warm the embedding cache for likely next files.
	sched.SetPredictor(scheduler.NewPredictor(e.prefetchFile))
	return e, nil
}

// Capabilities returns the handle set scheduler operations close over.
func (e *Engine) Capabilities() Capabilities {
	return Capabilities{
		Store:       e.store,
		Searcher:    e.searcher,
		Queue:       e.queue,
		Cache:       e.cache,
		Suggestions: e.suggestions,
	}
}

// Store exposes the vector store for the control surface.
func (e *Engine) Store() *vector.Store { return e.store }

// Queue exposes the embedding queue.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Scheduler exposes the operation scheduler.
func (e *Engine) Scheduler() *scheduler.Scheduler { return e.scheduler }

// Embedder exposes the remote embed client.
func (e *Engine) Embedder() *embed.Client { return e.embedder }

// Deduplicator exposes the configured deduplicator.
func (e *Engine) Deduplicator() *vector.Deduplicator { return e.dedup }

// Start launches the background tasks: queue dispatcher, suggestion
// sweeper, maintenance cycle, and the operation scheduler.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.queue.Start(ctx)
	e.suggestions.Start(ctx)
	e.maintenance.Start(ctx)
	e.scheduler.Start(ctx)
	slog.Info("engine started", slog.String("storage_dir", e.store.Dir()))
}

// Watch begins feeding file-change events from root into the indexer.
func (e *Engine) Watch(ctx context.Context, root string) error {
	w, err := watcher.New(watcher.Options{})
	if err != nil {
		return err
	}
	if err := w.Start(ctx, root); err != nil {
		return err
	}
	e.watch = w

	// One consumer of the watcher stream: invalidate stale suggestions,
	// then forward the batch to the indexer.
	forwarded := make(chan []watcher.ChangeEvent, 16)
	go func() {
		defer close(forwarded)
		for batch := range w.Events() {
			for _, ev := range batch {
				switch ev.Kind {
				case watcher.ChangeModified, watcher.ChangeDeleted:
					e.suggestions.InvalidateFile(ev.Path)
				case watcher.ChangeMoved:
					e.suggestions.InvalidateFile(ev.From)
				}
			}
			select {
			case forwarded <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	go e.indexer.Run(ctx, forwarded)
	go func() {
		for range w.Errors() {
			// Watcher errors are non-fatal; they are logged at source.
		}
	}()
	return nil
}

// Close stops everything and releases the storage lock.
func (e *Engine) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	if e.watch != nil {
		_ = e.watch.Stop()
	}
	e.scheduler.Stop()
	e.maintenance.Stop()
	e.suggestions.Stop()
	e.queue.Stop()
	_ = e.embedder.Close()
	return e.store.Close()
}

// embedText resolves a text's embedding: multi-level cache first, then the
// request queue.
func (e *Engine) embedText(ctx context.Context, text string, priority queue.Priority) ([]float32, error) {
	key := cacheKey(text, e.cfg.Embedder.Model)
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}

	id, err := e.queue.Submit(text, e.cfg.Embedder.Model, priority)
	if err != nil {
		return nil, err
	}
	res, err := e.queue.Wait(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Status != queue.StatusCompleted {
		if res.Err != nil {
			return nil, res.Err
		}
		return nil, errors.Newf(errors.ErrCodeEmbeddingFailed,
			"embedding request ended %s", res.Status)
	}

	e.cache.Set(key, res.Vector)
	return res.Vector, nil
}

// cacheKey derives the embedding-cache key from the text's content hash
// and model, matching Metadata.ContentHash so prefetched store entries
// serve later lookups of the same text.
func cacheKey(text, model string) string {
	sum := sha256.Sum256([]byte(text))
	return hashKey(hex.EncodeToString(sum[:]), model)
}

func hashKey(contentHash, model string) string {
	return contentHash + ":" + model
}

// Search embeds the query text and returns the top-k entries.
func (e *Engine) Search(ctx context.Context, queryText string, k int, threshold float32) ([]vector.SearchResult, error) {
	vec, err := e.embedText(ctx, queryText, queue.PriorityHigh)
	if err != nil {
		return nil, err
	}
	entries, err := e.store.AllEntries()
	if err != nil {
		return nil, err
	}
	opts := vector.SearchOptions{
		Threshold:        threshold,
		EarlyTermination: e.cfg.Search.EarlyTermination,
	}
	return e.searcher.TopK(vec, entries, k, opts)
}

// Suggest returns ranked suggestions for the content being edited,
// consulting the suggestion cache before searching.
func (e *Engine) Suggest(ctx context.Context, content string, sctx suggest.Context, k int, threshold float32) ([]suggest.Suggestion, error) {
	key := suggest.Key(content, e.cfg.Embedder.Model, sctx)
	if cached, ok := e.suggestions.Get(key, sctx); ok {
		return cached, nil
	}

	results, err := e.Search(ctx, content, k, threshold)
	if err != nil {
		return nil, err
	}

	suggestions := make([]suggest.Suggestion, 0, len(results))
	for _, r := range results {
		// Results from the file being edited are not suggestions.
		if r.Entry.Metadata.FilePath == sctx.CurrentFile {
			continue
		}
		suggestions = append(suggestions, suggest.Suggestion{
			EntryID:    r.ID,
			FilePath:   r.Entry.Metadata.FilePath,
			Preview:    r.Entry.Metadata.ContentPreview,
			Similarity: r.Similarity,
		})
	}

	e.suggestions.Put(key, suggestions, sctx)
	return suggestions, nil
}

// HandleFileEvents pushes a change batch through the indexer and
// invalidates affected suggestion entries.
func (e *Engine) HandleFileEvents(ctx context.Context, events []watcher.ChangeEvent) (*index.CycleResult, error) {
	for _, ev := range events {
		switch ev.Kind {
		case watcher.ChangeModified, watcher.ChangeDeleted:
			e.suggestions.InvalidateFile(ev.Path)
		case watcher.ChangeMoved:
			e.suggestions.InvalidateFile(ev.From)
		}
	}
	return e.indexer.HandleEvents(ctx, events)
}

// Deduplicate runs the deduplicator over the full store and commits the
// result.
func (e *Engine) Deduplicate(ctx context.Context) (*vector.DedupResult, error) {
	entries, err := e.store.AllEntries()
	if err != nil {
		return nil, err
	}
	result, err := e.dedup.Run(ctx, entries)
	if err != nil {
		return nil, err
	}
	if err := e.dedup.Apply(e.store, result); err != nil {
		return nil, err
	}
	return result, nil
}

// prefetchFile warms the embedding cache for a file's entries. Used by
// the predictive scheduler; failures are advisory.
func (e *Engine) prefetchFile(ctx context.Context, filePath string) error {
	ids := e.store.FindByFile(filePath)
	if len(ids) == 0 {
		return nil
	}
	entries, err := e.store.RetrieveBatch(ids)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return errors.CancelledError("prefetch cancelled")
		}
		e.cache.Set(hashKey(entry.Metadata.ContentHash, entry.Metadata.ModelName), entry.Vector)
	}
	return nil
}
