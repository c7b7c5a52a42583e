// Package vector provides the persistent embedding store: append-structured
// compressed segment files, an in-memory id index, cosine k-NN search, and
// similarity-based deduplication.
package vector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/notewise/notewise/internal/errors"
)

// MaxContentPreview is the longest stored content preview.
const MaxContentPreview = 200

// Metadata describes the source of an embedding entry.
type Metadata struct {
	// FilePath is the absolute path of the source note.
	FilePath string `json:"file_path"`
	// ChunkID identifies the chunk within its file.
	ChunkID string `json:"chunk_id"`
	// ContentPreview holds the first MaxContentPreview chars of the text.
	ContentPreview string `json:"content_preview"`
	// TextLength is the length of the embedded text in characters.
	TextLength int `json:"text_length"`
	// ModelName is the embedding model that produced the vector.
	ModelName string `json:"model_name"`
	// ContentHash is the hash of the embedded text.
	ContentHash string `json:"content_hash"`
}

// Entry is the persisted unit of the store: one vector plus its metadata.
type Entry struct {
	ID       string   `json:"id"`
	Vector   []float32 `json:"vector"`
	Metadata Metadata  `json:"metadata"`
	// CreatedAt and UpdatedAt are seconds since epoch.
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// EntryID derives the content-addressed id for an entry. It is stable
// across runs: equal inputs always produce the same id.
func EntryID(filePath, chunkID, modelName, text string) string {
	h := sha256.New()
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write([]byte(chunkID))
	h.Write([]byte{0})
	h.Write([]byte(modelName))
	h.Write([]byte{0})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash returns the hash used for Metadata.ContentHash.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NewEntry builds a validated entry from its source text and vector.
func NewEntry(filePath, chunkID, modelName, text string, vec []float32) (*Entry, error) {
	preview := text
	if len(preview) > MaxContentPreview {
		preview = preview[:MaxContentPreview]
	}
	now := time.Now().Unix()
	e := &Entry{
		ID:     EntryID(filePath, chunkID, modelName, text),
		Vector: vec,
		Metadata: Metadata{
			FilePath:       filePath,
			ChunkID:        chunkID,
			ContentPreview: preview,
			TextLength:     len(text),
			ModelName:      modelName,
			ContentHash:    ContentHash(text),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Validate checks the entry invariants: non-empty finite vector, non-empty
// file path, and updated_at >= created_at.
func (e *Entry) Validate() error {
	if e.ID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "entry id is empty", nil)
	}
	if len(e.Vector) == 0 {
		return errors.New(errors.ErrCodeEmptyVector, "entry vector is empty", nil)
	}
	for i, v := range e.Vector {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return errors.Newf(errors.ErrCodeInvalidVector,
				"entry vector component %d is not finite", i)
		}
	}
	if e.Metadata.FilePath == "" {
		return errors.New(errors.ErrCodeEmptyPath, "entry file path is empty", nil)
	}
	if e.UpdatedAt < e.CreatedAt {
		return errors.Newf(errors.ErrCodeInvalidInput,
			"entry updated_at %d precedes created_at %d", e.UpdatedAt, e.CreatedAt)
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	vec := make([]float32, len(e.Vector))
	copy(vec, e.Vector)
	dup := *e
	dup.Vector = vec
	return &dup
}

// EstimatedBytes approximates the in-memory footprint of the entry.
func (e *Entry) EstimatedBytes() int64 {
	return int64(len(e.Vector)*4 +
		len(e.ID) +
		len(e.Metadata.FilePath) +
		len(e.Metadata.ChunkID) +
		len(e.Metadata.ContentPreview) +
		len(e.Metadata.ModelName) +
		len(e.Metadata.ContentHash) +
		64) // struct overhead
}

// CompactionResult reports what a compaction pass accomplished.
type CompactionResult struct {
	FilesRemoved   int
	FilesCompacted int
	BytesReclaimed int64
}

// Stats describes the store's current shape.
type Stats struct {
	Entries           int
	Segments          int
	TotalBytes        int64
	UncompressedBytes int64
	Dimension         int
	LastCompaction    time.Time
}

// SegmentStatus is one segment's verification outcome.
type SegmentStatus struct {
	File    string
	Entries int
	OK      bool
	Err     string
}

// ErrDimensionMismatch builds the store's dimension error.
func ErrDimensionMismatch(expected, got int) error {
	return errors.Newf(errors.ErrCodeDimensionMismatch,
		"dimension mismatch: expected %d, got %d", expected, got)
}

// location addresses one live entry: the segment that holds it and its
// ordinal position within the segment's entry list.
type location struct {
	segment uint64
	ordinal int
}

func (l location) String() string {
	return fmt.Sprintf("seg-%d@%d", l.segment, l.ordinal)
}
