package vector

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/notewise/notewise/internal/errors"
)

const (
	segmentPrefix  = "seg-"
	segmentSuffix  = ".dat"
	lockName       = ".lock"
	quarantineExt  = ".quarantine"
	backupsDirName = "backups"
)

// Options configures the store.
type Options struct {
	// Dir is the storage directory.
	Dir string
	// MaxEntriesPerSegment caps entries per segment file (default 1000).
	MaxEntriesPerSegment int
	// Compression selects the segment payload codec.
	Compression Compression
	// Checksums enables CRC32 payload validation.
	Checksums bool
	// PageCacheSegments bounds decoded sealed segments kept in memory (default 8).
	PageCacheSegments int
	// FragmentationThreshold is the removed/total ratio that makes a
	// segment a compaction candidate (default 0.3).
	FragmentationThreshold float64
}

func (o Options) withDefaults() Options {
	if o.MaxEntriesPerSegment <= 0 {
		o.MaxEntriesPerSegment = 1000
	}
	if o.PageCacheSegments <= 0 {
		o.PageCacheSegments = 8
	}
	if o.FragmentationThreshold <= 0 {
		o.FragmentationThreshold = 0.3
	}
	return o
}

// segmentState tracks one segment file's bookkeeping.
type segmentState struct {
	id      uint64
	total   int // entries physically present in the file
	removed int // entries superseded or deleted but not yet compacted
	sealed  bool
}

func (s *segmentState) live() int {
	return s.total - s.removed
}

// Store is the persistent embedding store. One Store exclusively owns its
// storage directory (guarded by a file lock) and the in-memory index.
type Store struct {
	opts Options

	mu          sync.RWMutex
	dim         int
	index       map[string]location
	byFile      map[string]map[string]struct{}
	pathOf      map[string]string
	segments    map[uint64]*segmentState
	openID      uint64
	openEntries []*Entry
	nextSegment uint64
	generation  uint64
	forward     map[string]string // dedup reference map: original -> representative
	lastCompact time.Time

	pageCache *lru.Cache[uint64, []*Entry]
	lock      *flock.Flock
}

// Open opens (or initializes) the store in opts.Dir. A second opener of
// the same directory fails while the first holds the lock.
func Open(opts Options) (*Store, error) {
	opts = opts.withDefaults()
	if opts.Dir == "" {
		return nil, errors.New(errors.ErrCodeEmptyPath, "storage directory is empty", nil)
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(errors.ErrCodeWriteFailed, err)
	}

	lk := flock.New(filepath.Join(opts.Dir, lockName))
	locked, err := lk.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeWriteFailed, err)
	}
	if !locked {
		return nil, errors.Newf(errors.ErrCodeStorageLocked,
			"storage directory %s is locked by another process", opts.Dir)
	}

	cache, _ := lru.New[uint64, []*Entry](opts.PageCacheSegments)
	s := &Store{
		opts:      opts,
		index:     make(map[string]location),
		byFile:    make(map[string]map[string]struct{}),
		pathOf:    make(map[string]string),
		segments:  make(map[uint64]*segmentState),
		forward:   make(map[string]string),
		pageCache: cache,
		lock:      lk,
	}

	s.removeStrayTempFiles()
	if err := s.load(); err != nil {
		_ = lk.Unlock()
		return nil, err
	}
	return s, nil
}

// Close flushes pending state and releases the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.flushLocked()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = errors.Wrap(errors.ErrCodeWriteFailed, uerr)
	}
	return err
}

// removeStrayTempFiles clears temp files left by a crashed writer.
func (s *Store) removeStrayTempFiles() {
	matches, _ := filepath.Glob(filepath.Join(s.opts.Dir, "*.tmp*"))
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

// segmentPath returns the file path for a segment id.
func (s *Store) segmentPath(id uint64) string {
	return filepath.Join(s.opts.Dir, fmt.Sprintf("%s%d%s", segmentPrefix, id, segmentSuffix))
}

// parseSegmentID extracts the id from a segment file name.
func parseSegmentID(name string) (uint64, bool) {
	if !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
		return 0, false
	}
	id, err := strconv.ParseUint(
		strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// listSegmentFiles returns segment ids found on disk, sorted ascending.
func (s *Store) listSegmentFiles() ([]uint64, error) {
	dirents, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeFileNotFound, err)
	}
	var ids []uint64
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		if id, ok := parseSegmentID(de.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// load restores the index, via the journal when it matches the on-disk
// segment set, falling back to a full scan otherwise. On the journal path
// only segment headers and the open segment's payload are read; sealed
// payloads load lazily.
func (s *Store) load() error {
	onDisk, err := s.listSegmentFiles()
	if err != nil {
		return err
	}

	jf, jerr := readJournal(s.opts.Dir)
	if jerr != nil {
		slog.Warn("index journal unreadable, rebuilding from segments",
			slog.String("error", jerr.Error()))
		jf = nil
	}

	if jf != nil && s.journalMatches(jf, onDisk) {
		s.applyJournal(jf)
		slog.Debug("store loaded from journal",
			slog.Int("entries", len(s.index)),
			slog.Int("segments", len(s.segments)))
		return nil
	}

	if jf != nil {
		slog.Warn("index journal does not match segment files, rebuilding",
			slog.Int("journal_segments", len(jf.Segments)),
			slog.Int("disk_segments", len(onDisk)))
	}
	return s.rebuildFromScan(onDisk)
}

// journalMatches verifies the journal describes exactly the segment files
// present, and that each file's header agrees on entry count.
func (s *Store) journalMatches(jf *journalFile, onDisk []uint64) bool {
	if len(jf.Segments) != len(onDisk) {
		return false
	}
	listed := make(map[uint64]journalSegment, len(jf.Segments))
	for _, seg := range jf.Segments {
		listed[seg.ID] = seg
	}
	for _, id := range onDisk {
		seg, ok := listed[id]
		if !ok {
			return false
		}
		hdr, err := readSegmentHeader(s.segmentPath(id))
		if err != nil || int(hdr.entryCount) != seg.Total {
			return false
		}
	}
	return true
}

// applyJournal installs journal state as the in-memory index.
func (s *Store) applyJournal(jf *journalFile) {
	s.generation = jf.Generation
	s.nextSegment = jf.NextSegment
	s.dim = jf.Dimension
	if jf.LastCompaction > 0 {
		s.lastCompact = time.Unix(jf.LastCompaction, 0)
	}
	for _, seg := range jf.Segments {
		s.segments[seg.ID] = &segmentState{
			id:      seg.ID,
			total:   seg.Total,
			removed: seg.Removed,
			sealed:  seg.Sealed,
		}
	}
	for _, je := range jf.Entries {
		s.index[je.ID] = location{segment: je.Segment, ordinal: je.Ordinal}
		s.addToFileIndex(je.Path, je.ID)
	}
	if jf.Forward != nil {
		s.forward = jf.Forward
	}

	// Resume appends into the newest unsealed segment, if any.
	s.openID = 0
	for id, seg := range s.segments {
		if !seg.sealed && id >= s.openID {
			s.openID = id
		}
	}
	if s.openID != 0 {
		if _, entries, err := readSegment(s.segmentPath(s.openID)); err == nil {
			s.openEntries = entries
		} else {
			slog.Warn("open segment unreadable, starting a new one",
				slog.Uint64("segment", s.openID),
				slog.String("error", err.Error()))
			s.dropSegmentEntries(s.openID)
			s.openID = 0
		}
	}
	if s.openID == 0 {
		s.startOpenSegment()
	}
}

// rebuildFromScan reconstructs all state by reading every segment payload.
// Corrupt segments are quarantined (renamed aside) and excluded. Later
// segments win on duplicate ids, matching update semantics.
func (s *Store) rebuildFromScan(onDisk []uint64) error {
	s.index = make(map[string]location)
	s.byFile = make(map[string]map[string]struct{})
	s.pathOf = make(map[string]string)
	s.segments = make(map[uint64]*segmentState)

	for _, id := range onDisk {
		path := s.segmentPath(id)
		_, entries, err := readSegment(path)
		if err != nil {
			slog.Warn("quarantining unreadable segment",
				slog.String("file", path),
				slog.String("error", err.Error()))
			_ = os.Rename(path, path+quarantineExt)
			continue
		}

		seg := &segmentState{id: id, total: len(entries), sealed: true}
		s.segments[id] = seg
		for ord, e := range entries {
			if prev, ok := s.index[e.ID]; ok {
				// Supersede the earlier copy.
				if st := s.segments[prev.segment]; st != nil {
					st.removed++
				}
				s.removeFromFileIndex(s.pathOf[e.ID], e.ID)
			}
			s.index[e.ID] = location{segment: id, ordinal: ord}
			s.addToFileIndex(e.Metadata.FilePath, e.ID)
			if s.dim == 0 {
				s.dim = len(e.Vector)
			}
		}
		if id >= s.nextSegment {
			s.nextSegment = id + 1
		}
	}
	if s.nextSegment == 0 {
		s.nextSegment = 1
	}

	s.startOpenSegment()
	s.generation++
	return s.writeJournalLocked()
}

// startOpenSegment begins a fresh, empty open segment.
func (s *Store) startOpenSegment() {
	if s.nextSegment == 0 {
		s.nextSegment = 1
	}
	s.openID = s.nextSegment
	s.nextSegment++
	s.openEntries = nil
	s.segments[s.openID] = &segmentState{id: s.openID}
}

// dropSegmentEntries removes all index entries pointing at a segment.
func (s *Store) dropSegmentEntries(segID uint64) {
	for id, loc := range s.index {
		if loc.segment == segID {
			s.removeFromFileIndex(s.pathOf[id], id)
			delete(s.index, id)
		}
	}
	delete(s.segments, segID)
}

// loadSegment returns a segment's decoded entries, via the page cache.
// The open segment is served from its in-memory buffer.
func (s *Store) loadSegment(segID uint64) ([]*Entry, error) {
	if segID == s.openID {
		return s.openEntries, nil
	}
	if entries, ok := s.pageCache.Get(segID); ok {
		return entries, nil
	}

	path := s.segmentPath(segID)
	_, entries, err := readSegment(path)
	if err != nil {
		return nil, err
	}
	s.pageCache.Add(segID, entries)
	return entries, nil
}

// Store persists one entry durably. Returns its id.
func (s *Store) Store(entry *Entry) (string, error) {
	ids, err := s.StoreBatch([]*Entry{entry})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// StoreBatch persists entries durably, returning their ids in input order.
// All entries are validated before any write happens.
func (s *Store) StoreBatch(entries []*Entry) ([]string, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dim := s.dim
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if dim == 0 {
			dim = len(e.Vector)
		} else if len(e.Vector) != dim {
			return nil, ErrDimensionMismatch(dim, len(e.Vector))
		}
	}
	s.dim = dim

	ids := make([]string, len(entries))
	for i, e := range entries {
		stored := e.Clone()
		if prev, ok := s.index[stored.ID]; ok {
			// Replacement: preserve created_at, advance updated_at.
			if old, err := s.entryAt(prev); err == nil {
				stored.CreatedAt = old.CreatedAt
				if stored.UpdatedAt <= old.UpdatedAt {
					stored.UpdatedAt = old.UpdatedAt + 1
				}
				s.removeFromFileIndex(old.Metadata.FilePath, stored.ID)
			}
			if st := s.segments[prev.segment]; st != nil {
				st.removed++
			}
		}
		delete(s.forward, stored.ID)

		s.openEntries = append(s.openEntries, stored)
		seg := s.segments[s.openID]
		seg.total++
		s.index[stored.ID] = location{segment: s.openID, ordinal: seg.total - 1}
		s.addToFileIndex(stored.Metadata.FilePath, stored.ID)
		ids[i] = stored.ID

		if seg.total >= s.opts.MaxEntriesPerSegment {
			if err := s.sealOpenSegmentLocked(); err != nil {
				return nil, err
			}
		}
	}

	if err := s.flushLocked(); err != nil {
		return nil, err
	}
	return ids, nil
}

// sealOpenSegmentLocked writes the open segment's final file and rotates.
func (s *Store) sealOpenSegmentLocked() error {
	if err := s.writeOpenSegmentLocked(); err != nil {
		return errors.New(errors.ErrCodeSegmentFull,
			"open segment reached capacity and rotation failed", err)
	}
	s.segments[s.openID].sealed = true
	s.pageCache.Add(s.openID, s.openEntries)
	s.startOpenSegment()
	return nil
}

// writeOpenSegmentLocked persists the open segment file atomically.
func (s *Store) writeOpenSegmentLocked() error {
	if len(s.openEntries) == 0 {
		return nil
	}
	data, err := encodeSegment(s.openEntries, s.opts.Compression, s.opts.Checksums)
	if err != nil {
		return err
	}
	return atomicWriteFile(s.segmentPath(s.openID), data)
}

// flushLocked makes all pending state durable: the open segment file, then
// the index journal. The journal commit point is what makes deletions and
// replacements crash-safe.
func (s *Store) flushLocked() error {
	if err := s.writeOpenSegmentLocked(); err != nil {
		return err
	}
	s.generation++
	return s.writeJournalLocked()
}

func (s *Store) writeJournalLocked() error {
	jf := &journalFile{
		Generation:  s.generation,
		NextSegment: s.nextSegment,
		Dimension:   s.dim,
	}
	if !s.lastCompact.IsZero() {
		jf.LastCompaction = s.lastCompact.Unix()
	}
	for _, seg := range s.segments {
		if seg.total == 0 && seg.id == s.openID {
			continue // empty open segment has no file yet
		}
		jf.Segments = append(jf.Segments, journalSegment{
			ID: seg.id, Total: seg.total, Removed: seg.removed, Sealed: seg.sealed,
		})
	}
	sort.Slice(jf.Segments, func(i, j int) bool { return jf.Segments[i].ID < jf.Segments[j].ID })
	for id, loc := range s.index {
		jf.Entries = append(jf.Entries, journalEntry{
			ID: id, Segment: loc.segment, Ordinal: loc.ordinal, Path: s.pathOf[id],
		})
	}
	if len(s.forward) > 0 {
		jf.Forward = s.forward
	}
	return writeJournal(s.opts.Dir, jf)
}

// entryAt reads the entry at a location.
func (s *Store) entryAt(loc location) (*Entry, error) {
	entries, err := s.loadSegment(loc.segment)
	if err != nil {
		return nil, err
	}
	if loc.ordinal >= len(entries) {
		return nil, errors.Newf(errors.ErrCodeSegmentCorrupt,
			"index points past segment end: %s", loc)
	}
	return entries[loc.ordinal], nil
}

// Retrieve returns the entry for id, following dedup references.
// Returns a NotFound error when the id does not resolve.
func (s *Store) Retrieve(id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retrieveLocked(id)
}

func (s *Store) retrieveLocked(id string) (*Entry, error) {
	resolved := s.resolveLocked(id)
	loc, ok := s.index[resolved]
	if !ok {
		return nil, errors.NotFoundError(id)
	}
	e, err := s.entryAt(loc)
	if err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// resolveLocked follows the dedup forward map.
func (s *Store) resolveLocked(id string) string {
	if rep, ok := s.forward[id]; ok {
		return rep
	}
	return id
}

// Resolve returns the surviving id for a possibly-merged id.
func (s *Store) Resolve(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolveLocked(id)
}

// RetrieveBatch returns the subset of ids that exist. Order is not
// guaranteed to match the input.
func (s *Store) RetrieveBatch(ids []string) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.retrieveLocked(id)
		if err != nil {
			if errors.IsKind(err, errors.KindNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Update replaces the vector of an existing entry, preserving created_at
// and strictly advancing updated_at. Returns false when id is unknown.
func (s *Store) Update(id string, newVector []float32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resolved := s.resolveLocked(id)
	loc, ok := s.index[resolved]
	if !ok {
		return false, nil
	}
	old, err := s.entryAt(loc)
	if err != nil {
		return false, err
	}

	updated := old.Clone()
	updated.Vector = append([]float32(nil), newVector...)
	updated.UpdatedAt = time.Now().Unix()
	if updated.UpdatedAt <= old.UpdatedAt {
		updated.UpdatedAt = old.UpdatedAt + 1
	}
	if err := updated.Validate(); err != nil {
		return false, err
	}
	if s.dim != 0 && len(newVector) != s.dim {
		return false, ErrDimensionMismatch(s.dim, len(newVector))
	}

	// Logical in-place update: tombstone the old location, append the new.
	if st := s.segments[loc.segment]; st != nil {
		st.removed++
	}
	s.openEntries = append(s.openEntries, updated)
	seg := s.segments[s.openID]
	seg.total++
	s.index[resolved] = location{segment: s.openID, ordinal: seg.total - 1}

	if seg.total >= s.opts.MaxEntriesPerSegment {
		if err := s.sealOpenSegmentLocked(); err != nil {
			return false, err
		}
	}
	if err := s.flushLocked(); err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes an entry. Returns false when id is unknown (idempotent).
func (s *Store) Delete(id string) (bool, error) {
	n, err := s.DeleteBatch([]string{id})
	return n > 0, err
}

// DeleteBatch removes entries, returning how many existed.
func (s *Store) DeleteBatch(ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		resolved := s.resolveLocked(id)
		loc, ok := s.index[resolved]
		if !ok {
			continue
		}
		s.removeFromFileIndex(s.pathOf[resolved], resolved)
		if st := s.segments[loc.segment]; st != nil {
			st.removed++
		}
		delete(s.index, resolved)
		delete(s.forward, id)
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	if err := s.flushLocked(); err != nil {
		return removed, err
	}
	return removed, nil
}

// SetReferences installs the dedup forward map. Every key must be absent
// from the live index and every value present, or the map is rejected.
func (s *Store) SetReferences(forward map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for orig, rep := range forward {
		if _, ok := s.index[orig]; ok {
			return errors.Newf(errors.ErrCodeRefMapCorrupt,
				"forward-mapped id %s still live", orig)
		}
		if _, ok := s.index[rep]; !ok {
			return errors.Newf(errors.ErrCodeRefMapCorrupt,
				"representative %s not present in store", rep)
		}
	}
	for orig, rep := range forward {
		s.forward[orig] = rep
	}
	s.generation++
	return s.writeJournalLocked()
}

// addToFileIndex and removeFromFileIndex maintain the secondary index.
func (s *Store) addToFileIndex(path, id string) {
	if path == "" {
		return
	}
	set, ok := s.byFile[path]
	if !ok {
		set = make(map[string]struct{})
		s.byFile[path] = set
	}
	set[id] = struct{}{}
	s.pathOf[id] = path
}

func (s *Store) removeFromFileIndex(path, id string) {
	if set, ok := s.byFile[path]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(s.byFile, path)
		}
	}
	delete(s.pathOf, id)
}

// FindByFile returns the ids of all live entries for a file path.
func (s *Store) FindByFile(path string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.byFile[path]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FilePaths returns every file path with at least one live entry.
func (s *Store) FilePaths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.byFile))
	for p := range s.byFile {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// ListIDs returns all live entry ids.
func (s *Store) ListIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.index))
	for id := range s.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of live entries.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.index)
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.opts.Dir
}

// Dimension returns the store's vector dimension (0 when empty).
func (s *Store) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// AllEntries returns a snapshot of every live entry. Used by search and
// dedup working sets.
func (s *Store) AllEntries() ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0, len(s.index))
	for id, loc := range s.index {
		e, err := s.entryAt(loc)
		if err != nil {
			if errors.IsKind(err, errors.KindCorruption) {
				slog.Warn("skipping entry in corrupt segment",
					slog.String("id", id),
					slog.Uint64("segment", loc.segment))
				continue
			}
			return nil, err
		}
		out = append(out, e.Clone())
	}
	return out, nil
}

// Metrics returns current store statistics.
func (s *Store) Metrics() (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Entries:        len(s.index),
		Dimension:      s.dim,
		LastCompaction: s.lastCompact,
	}
	for _, seg := range s.segments {
		if seg.total == 0 {
			continue
		}
		st.Segments++
		if hdr, err := readSegmentHeader(s.segmentPath(seg.id)); err == nil {
			st.UncompressedBytes += int64(hdr.payloadSize)
		}
		if fi, err := os.Stat(s.segmentPath(seg.id)); err == nil {
			st.TotalBytes += fi.Size()
		}
	}
	return st, nil
}

// Verify re-reads every segment and reports per-segment status.
func (s *Store) Verify() []SegmentStatus {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.segments))
	for id, seg := range s.segments {
		if seg.total > 0 {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]SegmentStatus, 0, len(ids))
	for _, id := range ids {
		path := s.segmentPath(id)
		status := SegmentStatus{File: filepath.Base(path)}
		if _, entries, err := readSegment(path); err != nil {
			status.Err = err.Error()
		} else {
			status.OK = true
			status.Entries = len(entries)
		}
		out = append(out, status)
	}
	return out
}
