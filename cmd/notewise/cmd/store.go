package cmd

import (
	"github.com/notewise/notewise/internal/config"
	"github.com/notewise/notewise/internal/vector"
)

// openStore opens the vector store for a control-surface command. The
// store alone is enough for compact/verify/backup/recover/stats; no
// embedder connection is made.
func openStore(cfg *config.Config) (*vector.Store, error) {
	dir, err := cfg.ResolveStorageDir(flagStorageDir)
	if err != nil {
		return nil, err
	}
	compression, err := vector.ParseCompression(cfg.Storage.Compression)
	if err != nil {
		return nil, err
	}
	return vector.Open(vector.Options{
		Dir:                    dir,
		MaxEntriesPerSegment:   cfg.Storage.MaxEntriesPerSegment,
		Compression:            compression,
		Checksums:              cfg.Storage.Checksums,
		PageCacheSegments:      cfg.Storage.PageCacheSegments,
		FragmentationThreshold: cfg.Storage.FragmentationThreshold,
	})
}
