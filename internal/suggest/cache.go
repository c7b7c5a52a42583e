// Package suggest caches search-result lists keyed by content and editing
// context, so repeated suggestion lookups while the user types avoid
// re-running the search pipeline.
package suggest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Suggestion is one ranked suggestion in a cached result list.
type Suggestion struct {
	EntryID    string
	FilePath   string
	Preview    string
	Similarity float32
}

// Context captures the editing situation a result list was computed for.
type Context struct {
	// CurrentFile is the file being edited.
	CurrentFile string
	// ContentLength is the length of the editor content at compute time.
	ContentLength int
	// CursorPosition is the caret offset at compute time.
	CursorPosition int
	// Paragraph is the paragraph under the cursor.
	Paragraph string
}

// Config configures the suggestion cache.
type Config struct {
	// Capacity is the LRU entry cap.
	Capacity int
	// TTL bounds cached result age.
	TTL time.Duration
	// MaxContentDelta and MaxCursorDelta bound context drift for a hit.
	MaxContentDelta int
	MaxCursorDelta  int
	// SweepInterval is the background expiry sweep period.
	SweepInterval time.Duration
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{
		Capacity:        500,
		TTL:             5 * time.Minute,
		MaxContentDelta: 500,
		MaxCursorDelta:  1000,
		SweepInterval:   time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.TTL <= 0 {
		c.TTL = def.TTL
	}
	if c.MaxContentDelta <= 0 {
		c.MaxContentDelta = def.MaxContentDelta
	}
	if c.MaxCursorDelta <= 0 {
		c.MaxCursorDelta = def.MaxCursorDelta
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// cached is one stored result list with its compute-time context.
type cached struct {
	suggestions []Suggestion
	ctx         Context
	storedAt    time.Time
	lastAccess  time.Time
	accesses    int
}

// Metrics are the cache's counters.
type Metrics struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	Expired       uint64
	Entries       int
}

// HitRate is the fraction of gets served from the cache.
func (m Metrics) HitRate() float64 {
	total := m.Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.Hits) / float64(total)
}

// Cache is the suggestion result cache.
type Cache struct {
	cfg Config

	mu      sync.Mutex
	entries *lru.Cache[string, *cached]
	// byFile tracks keys per current-file for event invalidation.
	byFile  map[string]map[string]struct{}
	metrics Metrics

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

// New creates a suggestion cache.
func New(cfg Config) *Cache {
	cfg = cfg.withDefaults()
	c := &Cache{
		cfg:    cfg,
		byFile: make(map[string]map[string]struct{}),
		stopCh: make(chan struct{}),
	}
	c.entries, _ = lru.NewWithEvict[string, *cached](cfg.Capacity, c.onEvict)
	return c
}

// onEvict keeps the per-file key sets in sync with LRU eviction.
func (c *Cache) onEvict(key string, value *cached) {
	if set, ok := c.byFile[value.ctx.CurrentFile]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.byFile, value.ctx.CurrentFile)
		}
	}
}

// Start launches the background expiry sweeper.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

// Stop halts the sweeper.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Key derives the cache key for a content+context pair.
func Key(content, model string, ctx Context) string {
	h := sha256.New()
	h.Write([]byte(content))
	h.Write([]byte(ctx.CurrentFile))
	h.Write([]byte(ctx.Paragraph))
	sum := hex.EncodeToString(h.Sum(nil))
	return fmt.Sprintf("%s:%s:%s", sum, model, ctx.CurrentFile)
}

// Get returns a cached result list when the caller's current context is
// still close enough to the context it was computed for: same file,
// bounded content and cursor drift, and within the TTL.
func (c *Cache) Get(key string, current Context) ([]Suggestion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(key)
	if !ok {
		c.metrics.Misses++
		return nil, false
	}

	now := time.Now()
	if now.Sub(entry.storedAt) > c.cfg.TTL {
		c.entries.Remove(key)
		c.metrics.Expired++
		c.metrics.Misses++
		return nil, false
	}
	if !c.relevant(entry.ctx, current) {
		c.metrics.Misses++
		return nil, false
	}

	entry.lastAccess = now
	entry.accesses++
	c.metrics.Hits++
	return entry.suggestions, true
}

// relevant checks context drift bounds.
func (c *Cache) relevant(cached, current Context) bool {
	if cached.CurrentFile != current.CurrentFile {
		return false
	}
	if abs(cached.ContentLength-current.ContentLength) >= c.cfg.MaxContentDelta {
		return false
	}
	if abs(cached.CursorPosition-current.CursorPosition) >= c.cfg.MaxCursorDelta {
		return false
	}
	return true
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// Put stores a result list under key.
func (c *Cache) Put(key string, suggestions []Suggestion, ctx Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Add(key, &cached{
		suggestions: suggestions,
		ctx:         ctx,
		storedAt:    time.Now(),
	})

	set, ok := c.byFile[ctx.CurrentFile]
	if !ok {
		set = make(map[string]struct{})
		c.byFile[ctx.CurrentFile] = set
	}
	set[key] = struct{}{}
}

// InvalidateFile drops every entry whose context file matches path. Wired
// to file-modified and file-deleted events.
func (c *Cache) InvalidateFile(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.byFile[path]
	if !ok {
		return 0
	}
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	for _, key := range keys {
		c.entries.Remove(key)
	}
	n := len(keys)
	c.metrics.Invalidations += uint64(n)
	if n > 0 {
		slog.Debug("suggestion cache invalidated",
			slog.String("file", path),
			slog.Int("entries", n))
	}
	return n
}

// sweep removes expired entries.
func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, key := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(key); ok &&
			now.Sub(entry.storedAt) > c.cfg.TTL {
			c.entries.Remove(key)
			c.metrics.Expired++
		}
	}
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Metrics returns a snapshot of the counters.
func (c *Cache) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.metrics
	m.Entries = c.entries.Len()
	return m
}
