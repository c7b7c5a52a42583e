package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/notewise/notewise/internal/errors"
	"github.com/notewise/notewise/internal/queue"
	"github.com/notewise/notewise/internal/vector"
	"github.com/notewise/notewise/internal/watcher"
)

// EmbedSubmitter is the slice of the embedding queue the indexer uses.
type EmbedSubmitter interface {
	Submit(text, model string, priority queue.Priority) (string, error)
	Wait(ctx context.Context, id string) (*queue.Result, error)
}

// Config configures the indexer.
type Config struct {
	// Extensions lists monitored file extensions, without the dot.
	Extensions []string
	// ExcludePrefixes lists path prefixes never indexed.
	ExcludePrefixes []string
	// BatchWindow is the event coalescing window.
	BatchWindow time.Duration
	// MaxBatchSize caps events per cycle.
	MaxBatchSize int
	// MaxChunkChars caps one chunk's size.
	MaxChunkChars int
	// Model is the embedding model name recorded on entries.
	Model string
}

// DefaultConfig returns the standard indexer configuration.
func DefaultConfig() Config {
	return Config{
		Extensions:    []string{"md", "txt", "markdown"},
		BatchWindow:   500 * time.Millisecond,
		MaxBatchSize:  50,
		MaxChunkChars: 2000,
		Model:         "nomic-embed-text",
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.Extensions) == 0 {
		c.Extensions = def.Extensions
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = def.BatchWindow
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = def.MaxBatchSize
	}
	if c.MaxChunkChars <= 0 {
		c.MaxChunkChars = def.MaxChunkChars
	}
	if c.Model == "" {
		c.Model = def.Model
	}
	return c
}

// CycleResult reports what one indexing cycle did.
type CycleResult struct {
	Created   int
	Updated   int
	Deleted   int
	Skipped   int
	Elapsed   time.Duration
	StartedAt time.Time
}

// transaction snapshots the state a cycle might need to restore.
type transaction struct {
	openedAt time.Time
	// snapshot holds the pre-cycle entries of every touched file.
	snapshot []*vector.Entry
	// createdIDs are ids stored during the cycle.
	createdIDs []string
	// deletedIDs are ids removed during the cycle.
	deletedIDs []string
}

// Indexer maps change events onto store transactions. At most one cycle
// runs at a time; a new cycle yields while one is in flight.
type Indexer struct {
	cfg   Config
	store *vector.Store
	embed EmbedSubmitter

	mu      sync.Mutex
	running bool

	statsMu sync.Mutex
	cycles  uint64
	lastRun CycleResult
}

// New creates an indexer.
func New(store *vector.Store, embed EmbedSubmitter, cfg Config) *Indexer {
	return &Indexer{cfg: cfg.withDefaults(), store: store, embed: embed}
}

// Run consumes watcher batches until the context ends. The watcher already
// debounces; Run adds the indexer's own window so bursts arriving as
// several batches still coalesce into one cycle, capped at MaxBatchSize.
func (ix *Indexer) Run(ctx context.Context, events <-chan []watcher.ChangeEvent) {
	var pending []watcher.ChangeEvent
	var window <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		window = nil
		if _, err := ix.HandleEvents(ctx, batch); err != nil {
			slog.Warn("index cycle failed", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-events:
			if !ok {
				flush()
				return
			}
			pending = append(pending, batch...)
			if len(pending) >= ix.cfg.MaxBatchSize {
				flush()
			} else if window == nil {
				window = time.After(ix.cfg.BatchWindow)
			}
		case <-window:
			flush()
		}
	}
}

// HandleEvents runs one indexing cycle over a batch of events. If a cycle
// is already in flight it yields without touching the store.
func (ix *Indexer) HandleEvents(ctx context.Context, events []watcher.ChangeEvent) (*CycleResult, error) {
	ix.mu.Lock()
	if ix.running {
		ix.mu.Unlock()
		return nil, nil
	}
	ix.running = true
	ix.mu.Unlock()
	defer func() {
		ix.mu.Lock()
		ix.running = false
		ix.mu.Unlock()
	}()

	start := time.Now()
	result := &CycleResult{StartedAt: start}

	deletions, modifications, creations, skipped := ix.partition(events)
	result.Skipped = skipped

	tx := &transaction{openedAt: start}
	if err := ix.snapshotFiles(tx, deletions, modifications); err != nil {
		return nil, err
	}

	// Deletions first, so capacity freed is available to the inserts.
	err := ix.applyDeletions(tx, result, deletions)
	if err == nil {
		err = ix.applyModifications(ctx, tx, result, modifications)
	}
	if err == nil {
		err = ix.applyCreations(ctx, tx, result, creations)
	}
	if err != nil {
		ix.rollback(tx)
		return nil, err
	}

	result.Elapsed = time.Since(start)
	ix.statsMu.Lock()
	ix.cycles++
	ix.lastRun = *result
	ix.statsMu.Unlock()

	slog.Debug("index cycle complete",
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.Int("deleted", result.Deleted),
		slog.Int("skipped", result.Skipped),
		slog.Duration("elapsed", result.Elapsed))
	return result, nil
}

// partition filters and orders a batch: deletions, then modifications,
// then creations. Moves decompose into a delete of the source and a
// create of the destination. Events past MaxBatchSize are dropped with a
// warning (the next watcher pass re-reports surviving differences).
func (ix *Indexer) partition(events []watcher.ChangeEvent) (deletions, modifications, creations []string, skipped int) {
	if len(events) > ix.cfg.MaxBatchSize {
		slog.Warn("index batch truncated",
			slog.Int("events", len(events)),
			slog.Int("cap", ix.cfg.MaxBatchSize))
		events = events[:ix.cfg.MaxBatchSize]
	}

	for _, ev := range events {
		switch ev.Kind {
		case watcher.ChangeDeleted:
			if ix.monitored(ev.Path) {
				deletions = append(deletions, ev.Path)
			} else {
				skipped++
			}
		case watcher.ChangeModified:
			if ix.monitored(ev.Path) {
				modifications = append(modifications, ev.Path)
			} else {
				skipped++
			}
		case watcher.ChangeCreated:
			if ix.monitored(ev.Path) {
				creations = append(creations, ev.Path)
			} else {
				skipped++
			}
		case watcher.ChangeMoved:
			if ix.monitored(ev.From) {
				deletions = append(deletions, ev.From)
			}
			if ix.monitored(ev.Path) {
				creations = append(creations, ev.Path)
			}
		}
	}
	return deletions, modifications, creations, skipped
}

// monitored reports whether a path passes the extension and exclusion
// filters.
func (ix *Indexer) monitored(path string) bool {
	if path == "" {
		return false
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	found := false
	for _, allowed := range ix.cfg.Extensions {
		if strings.EqualFold(ext, allowed) {
			found = true
			break
		}
	}
	if !found {
		return false
	}
	for _, prefix := range ix.cfg.ExcludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// snapshotFiles records the current entries of every file the cycle will
// delete or rewrite, for rollback.
func (ix *Indexer) snapshotFiles(tx *transaction, pathLists ...[]string) error {
	seen := make(map[string]struct{})
	for _, paths := range pathLists {
		for _, path := range paths {
			if _, dup := seen[path]; dup {
				continue
			}
			seen[path] = struct{}{}
			ids := ix.store.FindByFile(path)
			if len(ids) == 0 {
				continue
			}
			entries, err := ix.store.RetrieveBatch(ids)
			if err != nil {
				return err
			}
			tx.snapshot = append(tx.snapshot, entries...)
		}
	}
	return nil
}

func (ix *Indexer) applyDeletions(tx *transaction, result *CycleResult, paths []string) error {
	for _, path := range paths {
		ids := ix.store.FindByFile(path)
		if len(ids) == 0 {
			continue
		}
		n, err := ix.store.DeleteBatch(ids)
		if err != nil {
			return err
		}
		tx.deletedIDs = append(tx.deletedIDs, ids...)
		result.Deleted += n
	}
	return nil
}

// applyModifications uses delete-all-chunks-then-recreate for each
// modified file. Chunk-level diffing is a possible refinement; content
// hashes already make unchanged-chunk detection cheap.
func (ix *Indexer) applyModifications(ctx context.Context, tx *transaction, result *CycleResult, paths []string) error {
	for _, path := range paths {
		ids := ix.store.FindByFile(path)
		if len(ids) > 0 {
			if _, err := ix.store.DeleteBatch(ids); err != nil {
				return err
			}
			tx.deletedIDs = append(tx.deletedIDs, ids...)
		}
		n, err := ix.indexFile(ctx, tx, path)
		if err != nil {
			return err
		}
		result.Updated += n
	}
	return nil
}

func (ix *Indexer) applyCreations(ctx context.Context, tx *transaction, result *CycleResult, paths []string) error {
	for _, path := range paths {
		n, err := ix.indexFile(ctx, tx, path)
		if err != nil {
			return err
		}
		result.Created += n
	}
	return nil
}

// indexFile chunks a file, embeds each chunk through the queue, and
// stores the resulting entries. Returns how many entries were written.
func (ix *Indexer) indexFile(ctx context.Context, tx *transaction, path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// The file vanished between the event and the cycle.
			return 0, nil
		}
		return 0, errors.Wrap(errors.ErrCodeFileNotFound, err)
	}

	chunks := ChunkNote(path, string(content), ix.cfg.MaxChunkChars)
	if len(chunks) == 0 {
		return 0, nil
	}

	entries := make([]*vector.Entry, 0, len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return 0, errors.CancelledError("index cycle cancelled")
		}
		reqID, err := ix.embed.Submit(chunk.Text, ix.cfg.Model, queue.PriorityNormal)
		if err != nil {
			return 0, err
		}
		res, err := ix.embed.Wait(ctx, reqID)
		if err != nil {
			return 0, err
		}
		if res.Status != queue.StatusCompleted {
			if res.Err != nil {
				return 0, res.Err
			}
			return 0, errors.Newf(errors.ErrCodeEmbeddingFailed,
				"embedding request %s ended %s", reqID, res.Status)
		}

		entry, err := vector.NewEntry(path, chunk.ID, ix.cfg.Model, chunk.Text, res.Vector)
		if err != nil {
			return 0, err
		}
		entries = append(entries, entry)
	}

	ids, err := ix.store.StoreBatch(entries)
	if err != nil {
		return 0, err
	}
	tx.createdIDs = append(tx.createdIDs, ids...)
	return len(ids), nil
}

// rollback restores the pre-cycle snapshot after a failed cycle: created
// entries are removed and snapshot entries reinstated.
func (ix *Indexer) rollback(tx *transaction) {
	if len(tx.createdIDs) > 0 {
		if _, err := ix.store.DeleteBatch(tx.createdIDs); err != nil {
			slog.Error("rollback failed removing created entries",
				slog.String("error", err.Error()))
		}
	}
	if len(tx.snapshot) > 0 {
		if _, err := ix.store.StoreBatch(tx.snapshot); err != nil {
			slog.Error("rollback failed restoring snapshot",
				slog.String("error", err.Error()))
		}
	}
	slog.Warn("index cycle rolled back",
		slog.Int("restored", len(tx.snapshot)),
		slog.Int("removed", len(tx.createdIDs)))
}

// Stats returns cycle counters.
func (ix *Indexer) Stats() (cycles uint64, last CycleResult) {
	ix.statsMu.Lock()
	defer ix.statsMu.Unlock()
	return ix.cycles, ix.lastRun
}
