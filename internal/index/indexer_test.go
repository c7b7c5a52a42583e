package index

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewise/notewise/internal/errors"
	"github.com/notewise/notewise/internal/queue"
	"github.com/notewise/notewise/internal/vector"
	"github.com/notewise/notewise/internal/watcher"
)

// stubEmbed satisfies EmbedSubmitter without a remote service. Each text
// gets a deterministic small vector.
type stubEmbed struct {
	mu      sync.Mutex
	results map[string]*queue.Result
	nextID  int
	failAll bool
}

func newStubEmbed() *stubEmbed {
	return &stubEmbed{results: make(map[string]*queue.Result)}
}

func (s *stubEmbed) Submit(text, model string, priority queue.Priority) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := string(rune('a'+s.nextID%26)) + "-req"
	for {
		if _, exists := s.results[id]; !exists {
			break
		}
		id += "x"
	}

	res := &queue.Result{ID: id}
	if s.failAll {
		res.Status = queue.StatusFailed
		res.Err = errors.New(errors.ErrCodeEmbeddingFailed, "stub failure", nil)
	} else {
		res.Status = queue.StatusCompleted
		// Deterministic 4-dim vector derived from text length.
		n := float32(len(text)%7 + 1)
		res.Vector = []float32{n, n / 2, 1, 0.5}
	}
	s.results[id] = res
	return id, nil
}

func (s *stubEmbed) Wait(ctx context.Context, id string) (*queue.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res, ok := s.results[id]; ok {
		return res, nil
	}
	return nil, errors.NotFoundError(id)
}

func newTestIndexer(t *testing.T) (*Indexer, *vector.Store, *stubEmbed, string) {
	t.Helper()
	store, err := vector.Open(vector.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	notesDir := t.TempDir()
	emb := newStubEmbed()
	ix := New(store, emb, Config{Model: "stub-model"})
	return ix, store, emb, notesDir
}

func writeNote(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func created(path string) watcher.ChangeEvent {
	return watcher.ChangeEvent{Kind: watcher.ChangeCreated, Path: path, ObservedAt: time.Now()}
}

func modified(path string) watcher.ChangeEvent {
	return watcher.ChangeEvent{Kind: watcher.ChangeModified, Path: path, ObservedAt: time.Now()}
}

func deleted(path string) watcher.ChangeEvent {
	return watcher.ChangeEvent{Kind: watcher.ChangeDeleted, Path: path, ObservedAt: time.Now()}
}

func TestIndexer_CreateIndexesChunks(t *testing.T) {
	ix, store, _, dir := newTestIndexer(t)
	path := writeNote(t, dir, "note.md", "First paragraph.\n\nSecond paragraph.")

	result, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{created(path)})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 2, store.Count())
	assert.Len(t, store.FindByFile(path), 2)
}

func TestIndexer_ModifyReplacesChunks(t *testing.T) {
	ix, store, _, dir := newTestIndexer(t)
	path := writeNote(t, dir, "note.md", "Original paragraph.")

	_, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{created(path)})
	require.NoError(t, err)
	oldIDs := store.FindByFile(path)
	require.Len(t, oldIDs, 1)

	writeNote(t, dir, "note.md", "Rewritten paragraph.\n\nWith an extra one.")
	result, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{modified(path)})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Updated)
	newIDs := store.FindByFile(path)
	assert.Len(t, newIDs, 2)
	assert.NotContains(t, newIDs, oldIDs[0], "old chunks replaced")
	assert.Equal(t, 2, store.Count())
}

func TestIndexer_DeleteRemovesChunks(t *testing.T) {
	ix, store, _, dir := newTestIndexer(t)
	path := writeNote(t, dir, "note.md", "A paragraph.")

	_, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{created(path)})
	require.NoError(t, err)
	require.Equal(t, 1, store.Count())

	result, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{deleted(path)})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deleted)
	assert.Zero(t, store.Count())
}

func TestIndexer_MovedDecomposes(t *testing.T) {
	ix, store, _, dir := newTestIndexer(t)
	oldPath := writeNote(t, dir, "old.md", "Content stays the same.")

	_, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{created(oldPath)})
	require.NoError(t, err)

	newPath := filepath.Join(dir, "new.md")
	require.NoError(t, os.Rename(oldPath, newPath))

	result, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{{
		Kind: watcher.ChangeMoved, Path: newPath, From: oldPath, ObservedAt: time.Now(),
	}})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Created)
	assert.Empty(t, store.FindByFile(oldPath))
	assert.Len(t, store.FindByFile(newPath), 1)
}

func TestIndexer_FiltersExtensionsAndPrefixes(t *testing.T) {
	ix, store, _, dir := newTestIndexer(t)
	ix.cfg.ExcludePrefixes = []string{filepath.Join(dir, "private")}

	binPath := writeNote(t, dir, "image.png", "not a note")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "private"), 0o755))
	hiddenPath := writeNote(t, filepath.Join(dir, "private"), "secret.md", "hidden note")

	result, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{
		created(binPath), created(hiddenPath),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, store.Count())
}

func TestIndexer_DeleteBeforeCreateWithinBatch(t *testing.T) {
	ix, store, _, dir := newTestIndexer(t)
	oldPath := writeNote(t, dir, "a.md", "Old content.")
	_, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{created(oldPath)})
	require.NoError(t, err)

	newPath := writeNote(t, dir, "b.md", "New content.")
	// Creation listed first; deletions must still apply first.
	result, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{
		created(newPath), deleted(oldPath),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, store.Count())
}

func TestIndexer_RollbackOnEmbedFailure(t *testing.T) {
	ix, store, emb, dir := newTestIndexer(t)
	path := writeNote(t, dir, "note.md", "Original content.")

	_, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{created(path)})
	require.NoError(t, err)
	originalIDs := store.FindByFile(path)
	require.Len(t, originalIDs, 1)

	// The rewrite fails mid-cycle; the snapshot must come back.
	emb.failAll = true
	writeNote(t, dir, "note.md", "Broken rewrite.")
	_, err = ix.HandleEvents(context.Background(), []watcher.ChangeEvent{modified(path)})
	require.Error(t, err)

	assert.Equal(t, 1, store.Count())
	restored := store.FindByFile(path)
	assert.Equal(t, originalIDs, restored, "snapshot restored after rollback")
}

func TestIndexer_SingleCycleAtATime(t *testing.T) {
	ix, _, _, dir := newTestIndexer(t)
	path := writeNote(t, dir, "note.md", "A paragraph.")

	ix.mu.Lock()
	ix.running = true
	ix.mu.Unlock()

	result, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{created(path)})
	require.NoError(t, err)
	assert.Nil(t, result, "second cycle yields while one is running")

	ix.mu.Lock()
	ix.running = false
	ix.mu.Unlock()
}

func TestIndexer_VanishedFileIsNoop(t *testing.T) {
	ix, store, _, dir := newTestIndexer(t)
	ghost := filepath.Join(dir, "ghost.md")

	result, err := ix.HandleEvents(context.Background(), []watcher.ChangeEvent{created(ghost)})
	require.NoError(t, err)
	assert.Zero(t, result.Created)
	assert.Zero(t, store.Count())
}

func TestIndexer_RunCoalescesBatches(t *testing.T) {
	ix, store, _, dir := newTestIndexer(t)
	ix.cfg.BatchWindow = 30 * time.Millisecond

	path1 := writeNote(t, dir, "one.md", "Alpha.")
	path2 := writeNote(t, dir, "two.md", "Beta.")

	events := make(chan []watcher.ChangeEvent, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ix.Run(ctx, events)
	}()

	events <- []watcher.ChangeEvent{created(path1)}
	events <- []watcher.ChangeEvent{created(path2)}

	assert.Eventually(t, func() bool {
		return store.Count() == 2
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	cycles, last := ix.Stats()
	assert.GreaterOrEqual(t, cycles, uint64(1))
	assert.False(t, last.StartedAt.IsZero())
}
