package vector

import (
	"context"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/notewise/notewise/internal/errors"
)

// Compact rewrites fragmented segments. A sealed segment qualifies when its
// removed/total ratio exceeds the fragmentation threshold, or when it is
// fully dead. Live entries from all candidates are packed into fresh
// segments written with the atomic-flush protocol; the index is rebuilt in
// memory and swapped in before the superseded files are deleted.
func (s *Store) Compact(ctx context.Context) (CompactionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result CompactionResult

	candidates := s.compactionCandidatesLocked()
	if len(candidates) == 0 {
		return result, nil
	}

	// Collect live entries from candidates in segment order so relative
	// ordering survives the rewrite.
	type liveEntry struct {
		id    string
		entry *Entry
	}
	var live []liveEntry
	var oldBytes int64
	for _, segID := range candidates {
		if err := ctx.Err(); err != nil {
			return result, errors.CancelledError("compaction cancelled")
		}
		entries, err := s.loadSegment(segID)
		if err != nil {
			// Unreadable candidates are left alone; Verify and Recover
			// deal with corruption.
			slog.Warn("compaction skipping unreadable segment",
				slog.Uint64("segment", segID),
				slog.String("error", err.Error()))
			continue
		}
		if fi, err := os.Stat(s.segmentPath(segID)); err == nil {
			oldBytes += fi.Size()
		}
		for ord, e := range entries {
			loc, ok := s.index[e.ID]
			if !ok || loc.segment != segID || loc.ordinal != ord {
				continue // superseded or deleted
			}
			live = append(live, liveEntry{id: e.ID, entry: e})
		}
		result.FilesCompacted++
	}
	if result.FilesCompacted == 0 {
		return result, nil
	}

	// Write replacement segments.
	newLoc := make(map[string]location, len(live))
	var newSegs []*segmentState
	var newBytes int64
	for start := 0; start < len(live); start += s.opts.MaxEntriesPerSegment {
		if err := ctx.Err(); err != nil {
			s.removeSegmentFiles(newSegs)
			return CompactionResult{}, errors.CancelledError("compaction cancelled")
		}
		end := start + s.opts.MaxEntriesPerSegment
		if end > len(live) {
			end = len(live)
		}
		batch := live[start:end]

		segID := s.nextSegment
		s.nextSegment++
		entries := make([]*Entry, len(batch))
		for i, le := range batch {
			entries[i] = le.entry
			newLoc[le.id] = location{segment: segID, ordinal: i}
		}
		data, err := encodeSegment(entries, s.opts.Compression, s.opts.Checksums)
		if err != nil {
			s.removeSegmentFiles(newSegs)
			return CompactionResult{}, err
		}
		if err := atomicWriteFile(s.segmentPath(segID), data); err != nil {
			s.removeSegmentFiles(newSegs)
			return CompactionResult{}, err
		}
		newBytes += int64(len(data))
		newSegs = append(newSegs, &segmentState{id: segID, total: len(entries), sealed: true})
		s.pageCache.Add(segID, entries)
	}

	// Commit: swap index locations, adopt new segments, drop old files.
	for id, loc := range newLoc {
		s.index[id] = loc
	}
	for _, seg := range newSegs {
		s.segments[seg.id] = seg
	}
	for _, segID := range candidates {
		delete(s.segments, segID)
		s.pageCache.Remove(segID)
		if err := os.Remove(s.segmentPath(segID)); err == nil {
			result.FilesRemoved++
		}
	}
	result.BytesReclaimed = oldBytes - newBytes
	if result.BytesReclaimed < 0 {
		result.BytesReclaimed = 0
	}
	s.lastCompact = time.Now()

	s.generation++
	if err := s.writeJournalLocked(); err != nil {
		return result, err
	}

	slog.Info("compaction complete",
		slog.Int("files_compacted", result.FilesCompacted),
		slog.Int("files_removed", result.FilesRemoved),
		slog.Int64("bytes_reclaimed", result.BytesReclaimed),
		slog.Int("live_entries", len(live)))
	return result, nil
}

// compactionCandidatesLocked returns sealed segment ids eligible for rewrite.
func (s *Store) compactionCandidatesLocked() []uint64 {
	var out []uint64
	for id, seg := range s.segments {
		if !seg.sealed || seg.total == 0 {
			continue
		}
		ratio := float64(seg.removed) / float64(seg.total)
		if ratio > s.opts.FragmentationThreshold || seg.live() == 0 {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Fragmentation returns the overall removed/total ratio across sealed segments.
func (s *Store) Fragmentation() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var removed, total int
	for _, seg := range s.segments {
		if !seg.sealed {
			continue
		}
		removed += seg.removed
		total += seg.total
	}
	if total == 0 {
		return 0
	}
	return float64(removed) / float64(total)
}

// LastCompaction returns when compaction last ran (zero when never).
func (s *Store) LastCompaction() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCompact
}

// removeSegmentFiles deletes files written during an aborted compaction.
func (s *Store) removeSegmentFiles(segs []*segmentState) {
	for _, seg := range segs {
		_ = os.Remove(s.segmentPath(seg.id))
		s.pageCache.Remove(seg.id)
	}
}
