package vector

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/notewise/notewise/internal/errors"
)

// CreateBackup writes a point-in-time copy of all segments and the index
// journal under backups/backup-<timestamp>/. Returns the backup directory.
func (s *Store) CreateBackup() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Flush first so the copy is self-consistent.
	if err := s.flushLocked(); err != nil {
		return "", err
	}

	name := fmt.Sprintf("backup-%d", time.Now().Unix())
	dir := filepath.Join(s.opts.Dir, backupsDirName, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(errors.ErrCodeWriteFailed, err)
	}

	copied := 0
	for _, seg := range s.segments {
		if seg.total == 0 {
			continue
		}
		src := s.segmentPath(seg.id)
		if err := copyFile(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return "", err
		}
		copied++
	}
	if err := copyFile(filepath.Join(s.opts.Dir, journalName),
		filepath.Join(dir, journalName)); err != nil {
		return "", err
	}

	slog.Info("backup created",
		slog.String("dir", dir),
		slog.Int("segments", copied))
	return dir, nil
}

// ListBackups returns available backup directory names, newest last.
func (s *Store) ListBackups() ([]string, error) {
	root := filepath.Join(s.opts.Dir, backupsDirName)
	dirents, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeFileNotFound, err)
	}
	var out []string
	for _, de := range dirents {
		if de.IsDir() && strings.HasPrefix(de.Name(), "backup-") {
			out = append(out, de.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// Recover restores the store. With a backup name (or absolute path), all
// current segments are replaced by the backup's and the index is rebuilt.
// With an empty argument, the store re-scans its own segments, quarantining
// any that fail validation, and rebuilds the index from what survives.
func (s *Store) Recover(from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if from != "" {
		src := from
		if !filepath.IsAbs(src) {
			src = filepath.Join(s.opts.Dir, backupsDirName, from)
		}
		if fi, err := os.Stat(src); err != nil || !fi.IsDir() {
			return errors.Newf(errors.ErrCodeBackupNotFound, "backup not found: %s", from)
		}

		// Drop current segments, then copy the backup's files in.
		ids, err := s.listSegmentFiles()
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := os.Remove(s.segmentPath(id)); err != nil {
				return errors.Wrap(errors.ErrCodeWriteFailed, err)
			}
		}
		_ = os.Remove(filepath.Join(s.opts.Dir, journalName))

		dirents, err := os.ReadDir(src)
		if err != nil {
			return errors.Wrap(errors.ErrCodeFileNotFound, err)
		}
		for _, de := range dirents {
			if de.IsDir() {
				continue
			}
			if _, ok := parseSegmentID(de.Name()); !ok && de.Name() != journalName {
				continue
			}
			if err := copyFile(filepath.Join(src, de.Name()),
				filepath.Join(s.opts.Dir, de.Name())); err != nil {
				return err
			}
		}
		if err := syncDir(s.opts.Dir); err != nil {
			return err
		}
		slog.Info("restored from backup", slog.String("backup", src))
	}

	// Rebuild state from whatever is now on disk.
	s.pageCache.Purge()
	s.dim = 0
	s.nextSegment = 0
	s.openID = 0
	s.openEntries = nil
	s.forward = make(map[string]string)

	onDisk, err := s.listSegmentFiles()
	if err != nil {
		return err
	}
	return s.rebuildFromScan(onDisk)
}
