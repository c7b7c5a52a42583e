package vector

import (
	"os"
	"path/filepath"

	"github.com/google/renameio"

	"github.com/notewise/notewise/internal/errors"
)

// atomicWriteFile writes data to path via a same-directory temp file,
// fsyncs it, renames it over the target, then fsyncs the directory so the
// rename itself is durable. Crash atomicity is at file granularity: readers
// see either the old file or the new one, never a partial write.
func atomicWriteFile(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return errors.New(errors.ErrCodeWriteFailed,
			"atomic write failed: "+path, err)
	}
	return syncDir(filepath.Dir(path))
}

// syncDir fsyncs a directory to persist renames within it.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, err)
	}
	defer func() { _ = d.Close() }()

	if err := d.Sync(); err != nil {
		return errors.New(errors.ErrCodeWriteFailed, "directory fsync failed: "+dir, err)
	}
	return nil
}

// copyFile copies src to dst (no atomicity needed; used for backups).
func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFileNotFound, err)
	}
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrCodeWriteFailed, err)
	}
	return nil
}
