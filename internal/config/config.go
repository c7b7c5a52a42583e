// Package config defines the engine configuration schema.
//
// Configuration is loaded from YAML, with NOTEWISE_STORAGE_DIR as the only
// environment override (it selects the storage directory when no explicit
// path is given). Durations are strings ("500ms", "24h") parsed at use
// sites, falling back to defaults on parse failure.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvStorageDir is the environment variable selecting the storage directory.
const EnvStorageDir = "NOTEWISE_STORAGE_DIR"

// Config is the complete engine configuration.
type Config struct {
	Version     int               `yaml:"version" json:"version"`
	Storage     StorageConfig     `yaml:"storage" json:"storage"`
	Search      SearchConfig      `yaml:"search" json:"search"`
	Dedup       DedupConfig       `yaml:"dedup" json:"dedup"`
	Indexer     IndexerConfig     `yaml:"indexer" json:"indexer"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`
	Queue       QueueConfig       `yaml:"queue" json:"queue"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Suggestions SuggestionsConfig `yaml:"suggestions" json:"suggestions"`
	Scheduler   SchedulerConfig   `yaml:"scheduler" json:"scheduler"`
	Embedder    EmbedderConfig    `yaml:"embedder" json:"embedder"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
}

// StorageConfig configures the vector storage engine.
type StorageConfig struct {
	// Dir is the storage directory. Empty means use NOTEWISE_STORAGE_DIR.
	Dir string `yaml:"dir" json:"dir"`

	// MaxEntriesPerSegment caps how many entries one segment file holds.
	MaxEntriesPerSegment int `yaml:"max_entries_per_segment" json:"max_entries_per_segment"`

	// Compression selects the segment payload codec: "none", "gzip", "s2".
	Compression string `yaml:"compression" json:"compression"`

	// Checksums enables CRC32 validation of segment payloads.
	Checksums bool `yaml:"checksums" json:"checksums"`

	// PageCacheSegments bounds how many decoded segments stay in memory.
	PageCacheSegments int `yaml:"page_cache_segments" json:"page_cache_segments"`

	// JournalInterval is how often the index journal snapshot is written.
	JournalInterval string `yaml:"journal_interval" json:"journal_interval"`

	// FragmentationThreshold is the removed/total ratio above which a
	// segment becomes a compaction candidate.
	FragmentationThreshold float64 `yaml:"fragmentation_threshold" json:"fragmentation_threshold"`
}

// SearchConfig configures k-NN search behavior.
type SearchConfig struct {
	// DefaultK is the result count used when a caller passes no k.
	DefaultK int `yaml:"default_k" json:"default_k"`

	// EarlyTermination enables the approximate early-exit heuristic.
	// Off by default; it may prune otherwise-eligible results.
	EarlyTermination bool `yaml:"early_termination" json:"early_termination"`
}

// DedupConfig configures the deduplicator.
type DedupConfig struct {
	// SimilarityThreshold is the clustering threshold.
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`

	// MinSimilarityThreshold is the hard floor below which no merge
	// happens regardless of the caller threshold.
	MinSimilarityThreshold float64 `yaml:"min_similarity_threshold" json:"min_similarity_threshold"`

	// Strategy selects the cluster representative: "most_recent",
	// "earliest_created", "highest_avg_similarity", "longest_text".
	Strategy string `yaml:"strategy" json:"strategy"`

	// ParallelThreshold is the working-set size above which batches
	// are processed in parallel.
	ParallelThreshold int `yaml:"parallel_threshold" json:"parallel_threshold"`

	// BatchSize is the per-batch entry count for parallel processing.
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// IndexerConfig configures the incremental indexer.
type IndexerConfig struct {
	// Extensions lists monitored file extensions (without dot).
	Extensions []string `yaml:"extensions" json:"extensions"`

	// ExcludePrefixes lists path prefixes to ignore.
	ExcludePrefixes []string `yaml:"exclude_prefixes" json:"exclude_prefixes"`

	// BatchWindow is the sliding coalescing window for change events.
	BatchWindow string `yaml:"batch_window" json:"batch_window"`

	// MaxBatchSize caps events per processing batch.
	MaxBatchSize int `yaml:"max_batch_size" json:"max_batch_size"`

	// MaxChunkChars caps the size of one note chunk.
	MaxChunkChars int `yaml:"max_chunk_chars" json:"max_chunk_chars"`
}

// MaintenanceConfig configures the maintenance scheduler.
type MaintenanceConfig struct {
	// Enabled turns periodic maintenance on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Interval is the maintenance cycle period.
	Interval string `yaml:"interval" json:"interval"`

	// CompactionCooldownHours suppresses compaction after its last run.
	CompactionCooldownHours int `yaml:"compaction_cooldown_hours" json:"compaction_cooldown_hours"`

	// OrphanCleanupBatch caps orphans removed per cycle.
	OrphanCleanupBatch int `yaml:"orphan_cleanup_batch" json:"orphan_cleanup_batch"`

	// PhaseDeadline is the hard per-phase time budget.
	PhaseDeadline string `yaml:"phase_deadline" json:"phase_deadline"`

	// VaultPaths restricts valid entry files to these roots when set.
	VaultPaths []string `yaml:"vault_paths" json:"vault_paths"`

	// Defragment enables the optional defragmentation phase.
	Defragment bool `yaml:"defragment" json:"defragment"`
}

// QueueConfig configures the embedding request queue.
type QueueConfig struct {
	// MaxQueueSize caps pending requests.
	MaxQueueSize int `yaml:"max_queue_size" json:"max_queue_size"`

	// MaxConcurrentRequests sizes the concurrency semaphore.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`

	// DeduplicationWindow shares results across identical submissions.
	DeduplicationWindow string `yaml:"deduplication_window" json:"deduplication_window"`

	// ResultRetention is how long terminal results stay queryable.
	ResultRetention string `yaml:"result_retention" json:"result_retention"`

	// RequestTimeout is the default per-request deadline.
	RequestTimeout string `yaml:"request_timeout" json:"request_timeout"`

	// DedupEnabled toggles the dedup window.
	DedupEnabled bool `yaml:"dedup_enabled" json:"dedup_enabled"`
}

// CacheConfig configures the multi-level embedding cache.
type CacheConfig struct {
	// L1Size and L2Size cap each tier's entry count.
	L1Size int `yaml:"l1_size" json:"l1_size"`
	L2Size int `yaml:"l2_size" json:"l2_size"`

	// L1TTL and L2TTL bound entry age per tier.
	L1TTL string `yaml:"l1_ttl" json:"l1_ttl"`
	L2TTL string `yaml:"l2_ttl" json:"l2_ttl"`

	// L1PromotionThreshold is the access count that promotes an L2 entry.
	L1PromotionThreshold int `yaml:"l1_promotion_threshold" json:"l1_promotion_threshold"`

	// EvictionPolicy: "lru", "lfu", "ttl", "adaptive", "predictive".
	EvictionPolicy string `yaml:"eviction_policy" json:"eviction_policy"`

	// MemoryBudgetBytes bounds estimated memory across both tiers.
	MemoryBudgetBytes int64 `yaml:"memory_budget_bytes" json:"memory_budget_bytes"`

	// PatternLearning enables the access-pattern learner.
	PatternLearning bool `yaml:"pattern_learning" json:"pattern_learning"`
}

// SuggestionsConfig configures the suggestion result cache.
type SuggestionsConfig struct {
	// Capacity is the LRU entry cap.
	Capacity int `yaml:"capacity" json:"capacity"`

	// TTL bounds cached result age.
	TTL string `yaml:"ttl" json:"ttl"`

	// MaxContentDelta and MaxCursorDelta bound context drift for a hit.
	MaxContentDelta int `yaml:"max_content_delta" json:"max_content_delta"`
	MaxCursorDelta  int `yaml:"max_cursor_delta" json:"max_cursor_delta"`
}

// SchedulerConfig configures the AI operation scheduler.
type SchedulerConfig struct {
	// MaxConcurrentOperations sizes the global permit semaphore.
	MaxConcurrentOperations int `yaml:"max_concurrent_operations" json:"max_concurrent_operations"`

	// Weights for the dynamic priority formula.
	ActivityWeight float64 `yaml:"activity_weight" json:"activity_weight"`
	RecencyWeight  float64 `yaml:"recency_weight" json:"recency_weight"`
	ResourceWeight float64 `yaml:"resource_weight" json:"resource_weight"`
	PerfWeight     float64 `yaml:"perf_weight" json:"perf_weight"`

	// MaxCriticalBoost multiplies Critical operations.
	MaxCriticalBoost float64 `yaml:"max_critical_boost" json:"max_critical_boost"`

	// IdleThresholdMs below which the user counts as recently active.
	IdleThresholdMs int64 `yaml:"idle_threshold_ms" json:"idle_threshold_ms"`

	// HighActivityThreshold in editor operations per minute.
	HighActivityThreshold float64 `yaml:"high_activity_threshold" json:"high_activity_threshold"`

	// LowResourceThreshold is the free-headroom fraction below which
	// bulk work backs off.
	LowResourceThreshold float64 `yaml:"low_resource_threshold" json:"low_resource_threshold"`

	// Predictive enables the predictive loading pass.
	Predictive bool `yaml:"predictive" json:"predictive"`

	// PredictiveInterval is the predictive pass period.
	PredictiveInterval string `yaml:"predictive_interval" json:"predictive_interval"`
}

// EmbedderConfig configures the remote embed client.
type EmbedderConfig struct {
	// BaseURL is the embedding service endpoint.
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Model is the embedding model name.
	Model string `yaml:"model" json:"model"`

	// Timeout is the per-call timeout.
	Timeout string `yaml:"timeout" json:"timeout"`

	// MaxRetries bounds retry attempts for transient failures.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// InitialRetryDelay and MaxRetryDelay bound the backoff schedule.
	InitialRetryDelay string `yaml:"initial_retry_delay" json:"initial_retry_delay"`
	MaxRetryDelay     string `yaml:"max_retry_delay" json:"max_retry_delay"`
}

// LoggingConfig configures engine logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Storage: StorageConfig{
			MaxEntriesPerSegment:   1000,
			Compression:            "none",
			Checksums:              true,
			PageCacheSegments:      8,
			JournalInterval:        "30s",
			FragmentationThreshold: 0.3,
		},
		Search: SearchConfig{
			DefaultK:         10,
			EarlyTermination: false,
		},
		Dedup: DedupConfig{
			SimilarityThreshold:    0.95,
			MinSimilarityThreshold: 0.80,
			Strategy:               "most_recent",
			ParallelThreshold:      200,
			BatchSize:              50,
		},
		Indexer: IndexerConfig{
			Extensions:      []string{"md", "txt", "markdown"},
			ExcludePrefixes: nil,
			BatchWindow:     "500ms",
			MaxBatchSize:    50,
			MaxChunkChars:   2000,
		},
		Maintenance: MaintenanceConfig{
			Enabled:                 true,
			Interval:                "5m",
			CompactionCooldownHours: 24,
			OrphanCleanupBatch:      100,
			PhaseDeadline:           "30s",
			Defragment:              false,
		},
		Queue: QueueConfig{
			MaxQueueSize:          1000,
			MaxConcurrentRequests: 4,
			DeduplicationWindow:   "1s",
			ResultRetention:       "5m",
			RequestTimeout:        "30s",
			DedupEnabled:          true,
		},
		Cache: CacheConfig{
			L1Size:               500,
			L2Size:               2000,
			L1TTL:                "1h",
			L2TTL:                "2h",
			L1PromotionThreshold: 3,
			EvictionPolicy:       "adaptive",
			MemoryBudgetBytes:    64 * 1024 * 1024,
			PatternLearning:      true,
		},
		Suggestions: SuggestionsConfig{
			Capacity:        500,
			TTL:             "5m",
			MaxContentDelta: 500,
			MaxCursorDelta:  1000,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrentOperations: 6,
			ActivityWeight:          0.40,
			RecencyWeight:           0.30,
			ResourceWeight:          0.20,
			PerfWeight:              0.10,
			MaxCriticalBoost:        2.0,
			IdleThresholdMs:         3000,
			HighActivityThreshold:   30,
			LowResourceThreshold:    0.2,
			Predictive:              false,
			PredictiveInterval:      "30s",
		},
		Embedder: EmbedderConfig{
			BaseURL:           "http://localhost:11434",
			Model:             "nomic-embed-text",
			Timeout:           "30s",
			MaxRetries:        3,
			InitialRetryDelay: "1s",
			MaxRetryDelay:     "16s",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the given YAML file, applying defaults for
// missing fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to the given path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ResolveStorageDir returns the storage directory, preferring the explicit
// argument, then the config, then the environment.
func (c *Config) ResolveStorageDir(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	if dir := os.Getenv(EnvStorageDir); dir != "" {
		return dir, nil
	}
	return "", fmt.Errorf("no storage directory: pass one explicitly or set %s", EnvStorageDir)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Storage.MaxEntriesPerSegment <= 0 {
		return fmt.Errorf("storage.max_entries_per_segment must be positive")
	}
	switch c.Storage.Compression {
	case "none", "gzip", "s2":
	default:
		return fmt.Errorf("storage.compression must be one of none, gzip, s2 (got %q)", c.Storage.Compression)
	}
	if c.Storage.FragmentationThreshold < 0 || c.Storage.FragmentationThreshold > 1 {
		return fmt.Errorf("storage.fragmentation_threshold must be in [0, 1]")
	}
	if c.Dedup.SimilarityThreshold < -1 || c.Dedup.SimilarityThreshold > 1 {
		return fmt.Errorf("dedup.similarity_threshold must be in [-1, 1]")
	}
	if c.Dedup.MinSimilarityThreshold < -1 || c.Dedup.MinSimilarityThreshold > 1 {
		return fmt.Errorf("dedup.min_similarity_threshold must be in [-1, 1]")
	}
	switch c.Dedup.Strategy {
	case "most_recent", "earliest_created", "highest_avg_similarity", "longest_text":
	default:
		return fmt.Errorf("dedup.strategy %q is not recognized", c.Dedup.Strategy)
	}
	if c.Queue.MaxQueueSize <= 0 {
		return fmt.Errorf("queue.max_queue_size must be positive")
	}
	if c.Queue.MaxConcurrentRequests <= 0 {
		return fmt.Errorf("queue.max_concurrent_requests must be positive")
	}
	switch c.Cache.EvictionPolicy {
	case "lru", "lfu", "ttl", "adaptive", "predictive":
	default:
		return fmt.Errorf("cache.eviction_policy %q is not recognized", c.Cache.EvictionPolicy)
	}
	if c.Scheduler.MaxConcurrentOperations <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_operations must be positive")
	}
	wsum := c.Scheduler.ActivityWeight + c.Scheduler.RecencyWeight +
		c.Scheduler.ResourceWeight + c.Scheduler.PerfWeight
	if wsum <= 0 {
		return fmt.Errorf("scheduler weights must sum to a positive value")
	}
	if c.Embedder.BaseURL == "" {
		return fmt.Errorf("embedder.base_url must be set")
	}
	if c.Embedder.MaxRetries < 0 {
		return fmt.Errorf("embedder.max_retries must be non-negative")
	}
	return nil
}

// Duration parses a duration string, returning fallback on empty or
// malformed input.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
