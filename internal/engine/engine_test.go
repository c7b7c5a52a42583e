package engine

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewise/notewise/internal/config"
	"github.com/notewise/notewise/internal/queue"
	"github.com/notewise/notewise/internal/suggest"
	"github.com/notewise/notewise/internal/watcher"
)

// fakeEmbedService derives a deterministic unit vector from the text, so
// identical texts embed identically.
func fakeEmbedService(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"test-embed"}]}`))
	})
	mux.HandleFunc("/api/embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model  string `json:"model"`
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		sum := sha256.Sum256([]byte(req.Prompt))
		vec := make([]float32, 8)
		for i := range vec {
			vec[i] = float32(sum[i]) + 1
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"embedding": vec})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	server := fakeEmbedService(t)

	cfg := config.DefaultConfig()
	cfg.Storage.Dir = t.TempDir()
	cfg.Embedder.BaseURL = server.URL
	cfg.Embedder.Model = "test-embed"
	cfg.Maintenance.Enabled = false

	e, err := Open(context.Background(), cfg, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	t.Cleanup(func() {
		cancel()
		require.NoError(t, e.Close())
	})
	return e
}

func writeNote(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEngine_IndexAndSearch(t *testing.T) {
	e := newTestEngine(t)
	notes := t.TempDir()

	path := writeNote(t, notes, "note.md", "The quick brown fox.\n\nJumps over the lazy dog.")
	result, err := e.HandleFileEvents(context.Background(), []watcher.ChangeEvent{{
		Kind: watcher.ChangeCreated, Path: path, ObservedAt: time.Now(),
	}})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.Created)

	// Searching for an indexed chunk's exact text finds it at ~1.0.
	results, err := e.Search(context.Background(), "The quick brown fox.", 5, 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, path, results[0].Entry.Metadata.FilePath)
	assert.InDelta(t, 1.0, float64(results[0].Similarity), 1e-5)
}

func TestEngine_SuggestUsesCacheAndSkipsCurrentFile(t *testing.T) {
	e := newTestEngine(t)
	notes := t.TempDir()

	other := writeNote(t, notes, "other.md", "Shared topic paragraph.")
	current := writeNote(t, notes, "current.md", "Shared topic paragraph.")
	_, err := e.HandleFileEvents(context.Background(), []watcher.ChangeEvent{
		{Kind: watcher.ChangeCreated, Path: other, ObservedAt: time.Now()},
		{Kind: watcher.ChangeCreated, Path: current, ObservedAt: time.Now()},
	})
	require.NoError(t, err)

	sctx := suggest.Context{CurrentFile: current, ContentLength: 20, CursorPosition: 5}
	got, err := e.Suggest(context.Background(), "Shared topic paragraph.", sctx, 5, 0.5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, s := range got {
		assert.NotEqual(t, current, s.FilePath, "current file filtered out")
	}

	// Second call with the same context is a cache hit.
	before := e.suggestions.Metrics().Hits
	_, err = e.Suggest(context.Background(), "Shared topic paragraph.", sctx, 5, 0.5)
	require.NoError(t, err)
	assert.Greater(t, e.suggestions.Metrics().Hits, before)
}

func TestEngine_ModifyInvalidatesSuggestions(t *testing.T) {
	e := newTestEngine(t)
	notes := t.TempDir()

	other := writeNote(t, notes, "other.md", "A topic.")
	current := writeNote(t, notes, "current.md", "A topic.")
	_, err := e.HandleFileEvents(context.Background(), []watcher.ChangeEvent{
		{Kind: watcher.ChangeCreated, Path: other, ObservedAt: time.Now()},
		{Kind: watcher.ChangeCreated, Path: current, ObservedAt: time.Now()},
	})
	require.NoError(t, err)

	sctx := suggest.Context{CurrentFile: current}
	_, err = e.Suggest(context.Background(), "A topic.", sctx, 5, 0.0)
	require.NoError(t, err)

	writeNote(t, notes, "current.md", "A different topic now.")
	_, err = e.HandleFileEvents(context.Background(), []watcher.ChangeEvent{{
		Kind: watcher.ChangeModified, Path: current, ObservedAt: time.Now(),
	}})
	require.NoError(t, err)

	assert.Greater(t, e.suggestions.Metrics().Invalidations, uint64(0))
}

func TestEngine_Deduplicate(t *testing.T) {
	e := newTestEngine(t)
	notes := t.TempDir()

	// Identical content in two files embeds identically: similarity 1.
	a := writeNote(t, notes, "a.md", "Duplicated paragraph text.")
	b := writeNote(t, notes, "b.md", "Duplicated paragraph text.")
	_, err := e.HandleFileEvents(context.Background(), []watcher.ChangeEvent{
		{Kind: watcher.ChangeCreated, Path: a, ObservedAt: time.Now()},
		{Kind: watcher.ChangeCreated, Path: b, ObservedAt: time.Now()},
	})
	require.NoError(t, err)
	require.Equal(t, 2, e.store.Count())

	result, err := e.Deduplicate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.EntriesMerged)
	assert.Equal(t, 1, e.store.Count())

	// The merged id still resolves through the reference map.
	for orig := range result.References.Forward {
		got, err := e.store.Retrieve(orig)
		require.NoError(t, err)
		assert.NotEqual(t, orig, got.ID)
	}
}

func TestEngine_EmbedCacheAvoidsSecondRequest(t *testing.T) {
	e := newTestEngine(t)

	vec1, err := e.embedText(context.Background(), "cache me", queue.PriorityHigh)
	require.NoError(t, err)
	vec2, err := e.embedText(context.Background(), "cache me", queue.PriorityHigh)
	require.NoError(t, err)
	assert.Equal(t, vec1, vec2)

	m := e.cache.Metrics()
	assert.GreaterOrEqual(t, m.L1Hits, uint64(1))
}

func TestEngine_OpenRejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Compression = "bogus"
	_, err := Open(context.Background(), cfg, t.TempDir())
	assert.Error(t, err)
}

func TestEngine_OpenRequiresStorageDir(t *testing.T) {
	cfg := config.DefaultConfig()
	t.Setenv(config.EnvStorageDir, "")
	_, err := Open(context.Background(), cfg, "")
	assert.Error(t, err)
}
