package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notewise/notewise/internal/errors"
	"github.com/notewise/notewise/internal/vector"
)

// runCLI executes the CLI with args and returns combined output.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

// seedStore populates a storage directory directly through the store.
func seedStore(t *testing.T, dir string, n int) []string {
	t.Helper()
	store, err := vector.Open(vector.Options{Dir: dir, MaxEntriesPerSegment: 3, Checksums: true})
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	var ids []string
	for i := 0; i < n; i++ {
		e, err := vector.NewEntry("/notes/n.md", string(rune('a'+i)), "m",
			"text", []float32{float32(i), 1})
		require.NoError(t, err)
		id, err := store.Store(e)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestInitCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "storage")

	out, err := runCLI(t, "init", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Initialized storage")
	assert.FileExists(t, filepath.Join(dir, "config.yaml"))
}

func TestStatsCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, 4)

	out, err := runCLI(t, "stats", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Entries:         4")
	assert.Contains(t, out, "Segments:")
}

func TestVerifyCommand(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, 4)

	out, err := runCLI(t, "verify", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "verified")
}

func TestVerifyCommand_ReportsCorruption(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, 4)

	// Corrupt a sealed segment payload.
	seg := filepath.Join(dir, "seg-1.dat")
	data, err := os.ReadFile(seg)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(seg, data, 0o644))

	out, err := runCLI(t, "verify", "--dir", dir)
	require.Error(t, err)
	assert.Contains(t, out, "FAIL")
	assert.True(t, errors.IsKind(err, errors.KindCorruption))
}

func TestCompactCommand(t *testing.T) {
	dir := t.TempDir()
	ids := seedStore(t, dir, 6)

	// Delete entries to fragment the sealed segments.
	store, err := vector.Open(vector.Options{Dir: dir, MaxEntriesPerSegment: 3, FragmentationThreshold: 0.1})
	require.NoError(t, err)
	_, err = store.DeleteBatch(ids[:4])
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := runCLI(t, "compact", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Compacted")
}

func TestBackupAndRecoverCommands(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, 3)

	out, err := runCLI(t, "backup", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Backup created")

	out, err = runCLI(t, "backup", "--list", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "backup-")

	out, err = runCLI(t, "recover", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Recovered: 3 entries")
}

func TestRecoverCommand_UnknownBackup(t *testing.T) {
	dir := t.TempDir()
	seedStore(t, dir, 1)

	_, err := runCLI(t, "recover", "--dir", dir, "--from", "backup-0")
	require.Error(t, err)
	assert.Equal(t, ExitIO, exitCode(err))
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, ExitUsage, exitCode(errors.New(errors.ErrCodeConfigInvalid, "bad", nil)))
	assert.Equal(t, ExitUsage, exitCode(errors.New(errors.ErrCodeInvalidInput, "bad", nil)))
	assert.Equal(t, ExitIO, exitCode(errors.New(errors.ErrCodeWriteFailed, "bad", nil)))
	assert.Equal(t, ExitIO, exitCode(errors.New(errors.ErrCodeSegmentCorrupt, "bad", nil)))
	assert.Equal(t, ExitInternal, exitCode(errors.New(errors.ErrCodeInternal, "bad", nil)))
}

func TestRunCommand_RequiresVault(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, "run", "--dir", dir)
	require.Error(t, err)
	assert.Equal(t, ExitUsage, exitCode(err))
}

func TestStatsCommand_MissingDir(t *testing.T) {
	t.Setenv("NOTEWISE_STORAGE_DIR", "")
	_, err := runCLI(t, "stats")
	require.Error(t, err)
}
