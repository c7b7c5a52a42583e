// Package cache provides the two-tier embedding cache: a small hot L1 and
// a larger warm L2 with promotion, policy-driven eviction, an optional
// access-pattern learner, and a cross-tier memory budget.
package cache

import (
	"log/slog"
	"sync"
	"time"
)

// Config configures the multi-level cache.
type Config struct {
	// L1Size and L2Size cap each tier's entry count.
	L1Size int
	L2Size int
	// L1TTL and L2TTL bound entry age per tier.
	L1TTL time.Duration
	L2TTL time.Duration
	// L1PromotionThreshold is the L2 access count that earns promotion.
	L1PromotionThreshold int
	// PromotionInterval promotes when the access-interval average drops
	// below it, regardless of count.
	PromotionInterval time.Duration
	// Policy selects the eviction policy for both tiers.
	Policy Policy
	// MemoryBudgetBytes bounds estimated memory across both tiers.
	// Zero means no budget.
	MemoryBudgetBytes int64
	// PatternLearning enables the access-pattern learner.
	PatternLearning bool
}

// DefaultConfig returns the standard cache configuration.
func DefaultConfig() Config {
	return Config{
		L1Size:               500,
		L2Size:               2000,
		L1TTL:                time.Hour,
		L2TTL:                2 * time.Hour,
		L1PromotionThreshold: 3,
		PromotionInterval:    5 * time.Minute,
		Policy:               PolicyAdaptive,
		MemoryBudgetBytes:    64 * 1024 * 1024,
		PatternLearning:      true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.L1Size <= 0 {
		c.L1Size = def.L1Size
	}
	if c.L2Size <= 0 {
		c.L2Size = def.L2Size
	}
	if c.L1TTL <= 0 {
		c.L1TTL = def.L1TTL
	}
	if c.L2TTL <= 0 {
		c.L2TTL = def.L2TTL
	}
	if c.L1PromotionThreshold <= 0 {
		c.L1PromotionThreshold = def.L1PromotionThreshold
	}
	if c.PromotionInterval <= 0 {
		c.PromotionInterval = def.PromotionInterval
	}
	if c.Policy == "" {
		c.Policy = def.Policy
	}
	return c
}

// entry is one cached embedding with its access bookkeeping.
type entry struct {
	key         string
	vector      []float32
	storedAt    time.Time
	lastAccess  time.Time
	accessCount int
	// intervalEMA is the smoothed gap between accesses.
	intervalEMA time.Duration
	sizeBytes   int64
}

const intervalSmoothing = 0.3

func (e *entry) touch(now time.Time) {
	if !e.lastAccess.IsZero() {
		gap := now.Sub(e.lastAccess)
		if e.intervalEMA == 0 {
			e.intervalEMA = gap
		} else {
			e.intervalEMA = time.Duration(
				float64(gap)*intervalSmoothing + float64(e.intervalEMA)*(1-intervalSmoothing))
		}
	}
	e.lastAccess = now
	e.accessCount++
}

func (e *entry) expired(ttl time.Duration, now time.Time) bool {
	return now.Sub(e.storedAt) > ttl
}

// tier is one cache level: a keyed entry set with policy-driven eviction.
// Eviction order depends on the configured policy, which rules out a
// fixed-order container; victims are picked by scoring on demand.
type tier struct {
	capacity int
	ttl      time.Duration
	entries  map[string]*entry
}

func newTier(capacity int, ttl time.Duration) *tier {
	return &tier{capacity: capacity, ttl: ttl, entries: make(map[string]*entry)}
}

// Metrics are the cache's counters.
type Metrics struct {
	L1Hits     uint64
	L2Hits     uint64
	Misses     uint64
	Promotions uint64
	Demotions  uint64
	Evictions  uint64
	Expired    uint64

	L1Entries   int
	L2Entries   int
	MemoryBytes int64
}

// HitRate is the overall fraction of gets served from either tier.
func (m Metrics) HitRate() float64 {
	total := m.L1Hits + m.L2Hits + m.Misses
	if total == 0 {
		return 0
	}
	return float64(m.L1Hits+m.L2Hits) / float64(total)
}

// MultiLevel is the two-tier embedding cache.
type MultiLevel struct {
	cfg Config

	mu       sync.Mutex
	l1       *tier
	l2       *tier
	memBytes int64
	metrics  Metrics
	patterns *PatternLearner
}

// New creates a multi-level cache.
func New(cfg Config) *MultiLevel {
	cfg = cfg.withDefaults()
	c := &MultiLevel{
		cfg: cfg,
		l1:  newTier(cfg.L1Size, cfg.L1TTL),
		l2:  newTier(cfg.L2Size, cfg.L2TTL),
	}
	if cfg.PatternLearning {
		c.patterns = NewPatternLearner()
	}
	return c
}

// Get returns the cached vector for key. On an L2 hit the entry's access
// count is bumped and, past the promotion threshold (or with a short
// access-interval average), the entry moves to L1.
func (c *MultiLevel) Get(key string) ([]float32, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.patterns != nil {
		c.patterns.Observe(key, now)
	}

	if e, ok := c.l1.entries[key]; ok {
		if e.expired(c.l1.ttl, now) {
			c.removeLocked(c.l1, key)
			c.metrics.Expired++
			c.metrics.Misses++
			return nil, false
		}
		e.touch(now)
		c.metrics.L1Hits++
		return e.vector, true
	}

	if e, ok := c.l2.entries[key]; ok {
		if e.expired(c.l2.ttl, now) {
			c.removeLocked(c.l2, key)
			c.metrics.Expired++
			c.metrics.Misses++
			return nil, false
		}
		e.touch(now)
		c.metrics.L2Hits++

		if e.accessCount >= c.cfg.L1PromotionThreshold ||
			(e.intervalEMA > 0 && e.intervalEMA < c.cfg.PromotionInterval) {
			c.promoteLocked(e)
		}
		return e.vector, true
	}

	c.metrics.Misses++
	return nil, false
}

// Set stores a vector under key. Fresh entries land in L1; an evicted L1
// entry demotes to L2 rather than being dropped.
func (c *MultiLevel) Set(key string, vector []float32) {
	now := time.Now()
	e := &entry{
		key:       key,
		vector:    vector,
		storedAt:  now,
		sizeBytes: int64(len(vector)*4 + len(key) + 96),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replace any existing copies.
	c.removeLocked(c.l1, key)
	c.removeLocked(c.l2, key)

	c.insertLocked(c.l1, e)
	c.enforceBudgetLocked()
}

// Delete removes a key from both tiers.
func (c *MultiLevel) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(c.l1, key)
	c.removeLocked(c.l2, key)
}

// Len returns the total entry count across tiers.
func (c *MultiLevel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.l1.entries) + len(c.l2.entries)
}

// Metrics returns a snapshot of the counters.
func (c *MultiLevel) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.metrics
	m.L1Entries = len(c.l1.entries)
	m.L2Entries = len(c.l2.entries)
	m.MemoryBytes = c.memBytes
	return m
}

// PrefetchHints returns keys likely to be accessed together with key.
// Purely advisory; empty without pattern learning.
func (c *MultiLevel) PrefetchHints(key string) []string {
	if c.patterns == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.patterns.CoAccessed(key)
}

// promoteLocked moves an L2 entry into L1, demoting an L1 victim if full.
func (c *MultiLevel) promoteLocked(e *entry) {
	c.removeLocked(c.l2, e.key)
	c.insertLocked(c.l1, e)
	c.metrics.Promotions++
}

// insertLocked places an entry into a tier, evicting by policy when full.
// Entries evicted from L1 demote to L2; entries evicted from L2 are gone.
func (c *MultiLevel) insertLocked(t *tier, e *entry) {
	for len(t.entries) >= t.capacity {
		victim := selectVictim(t, c.cfg.Policy)
		if victim == nil {
			break
		}
		c.removeLocked(t, victim.key)
		c.metrics.Evictions++
		if t == c.l1 {
			c.demoteLocked(victim)
		}
	}
	t.entries[e.key] = e
	c.memBytes += e.sizeBytes
}

// demoteLocked moves an evicted L1 entry down to L2.
func (c *MultiLevel) demoteLocked(e *entry) {
	if len(c.l2.entries) >= c.l2.capacity {
		victim := selectVictim(c.l2, c.cfg.Policy)
		if victim != nil {
			c.removeLocked(c.l2, victim.key)
			c.metrics.Evictions++
		}
	}
	c.l2.entries[e.key] = e
	c.memBytes += e.sizeBytes
	c.metrics.Demotions++
}

func (c *MultiLevel) removeLocked(t *tier, key string) {
	if e, ok := t.entries[key]; ok {
		delete(t.entries, key)
		c.memBytes -= e.sizeBytes
	}
}

// enforceBudgetLocked evicts (L2 first, then L1) until under the memory
// budget. Budget pressure overrides policy preference.
func (c *MultiLevel) enforceBudgetLocked() {
	if c.cfg.MemoryBudgetBytes <= 0 {
		return
	}
	for c.memBytes > c.cfg.MemoryBudgetBytes {
		t := c.l2
		if len(t.entries) == 0 {
			t = c.l1
		}
		victim := selectVictim(t, c.cfg.Policy)
		if victim == nil {
			return
		}
		c.removeLocked(t, victim.key)
		c.metrics.Evictions++
		slog.Debug("cache eviction for memory budget",
			slog.String("key", victim.key),
			slog.Int64("mem_bytes", c.memBytes))
	}
}
