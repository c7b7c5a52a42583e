package vector

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/notewise/notewise/internal/errors"
)

// journalName is the index snapshot file inside the storage directory.
const journalName = "index.journal"

// journalFile is the persisted image of the in-memory index. It is
// rewritten atomically after every mutation batch, making deletions and
// index state durable without touching sealed segment files. When it does
// not match the segment files present on disk (e.g. after a crash between
// a segment rename and the journal rename), the store falls back to a full
// segment scan.
type journalFile struct {
	Generation     uint64            `json:"generation"`
	NextSegment    uint64            `json:"next_segment"`
	Dimension      int               `json:"dimension"`
	LastCompaction int64             `json:"last_compaction"`
	Segments       []journalSegment  `json:"segments"`
	Entries        []journalEntry    `json:"entries"`
	Forward        map[string]string `json:"forward,omitempty"`
}

type journalSegment struct {
	ID      uint64 `json:"id"`
	Total   int    `json:"total"`
	Removed int    `json:"removed"`
	Sealed  bool   `json:"sealed"`
}

type journalEntry struct {
	ID      string `json:"id"`
	Segment uint64 `json:"segment"`
	Ordinal int    `json:"ordinal"`
	// Path carries the entry's file path so the secondary index restores
	// without touching segment payloads on startup.
	Path string `json:"path,omitempty"`
}

// writeJournal persists the snapshot atomically.
func writeJournal(dir string, jf *journalFile) error {
	data, err := json.Marshal(jf)
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err)
	}
	return atomicWriteFile(filepath.Join(dir, journalName), data)
}

// readJournal loads the snapshot. A missing journal is not an error; it
// returns (nil, nil) and the caller rebuilds from segments.
func readJournal(dir string) (*journalFile, error) {
	data, err := os.ReadFile(filepath.Join(dir, journalName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(errors.ErrCodeFileNotFound, err)
	}

	var jf journalFile
	if err := json.Unmarshal(data, &jf); err != nil {
		return nil, errors.New(errors.ErrCodeJournalMismatch,
			"index journal unparsable", err)
	}
	return &jf, nil
}
