// Package index translates file-change events into embedding-store
// transactions: chunking changed notes, embedding new chunks through the
// request queue, and keeping the store consistent with the file system.
package index

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Chunk is one embeddable unit of a note.
type Chunk struct {
	// ID is stable for unchanged content at the same position.
	ID string
	// Text is the chunk content.
	Text string
}

// ChunkNote splits note content into paragraph chunks. Paragraphs are
// blank-line separated; paragraphs longer than maxChars are split at rune
// boundaries. Chunk ids are content-addressed from the file path, chunk
// ordinal, and content hash, so unchanged chunks keep their ids across
// reindexing while any edit produces a new id.
func ChunkNote(filePath, content string, maxChars int) []Chunk {
	if maxChars <= 0 {
		maxChars = 2000
	}

	var chunks []Chunk
	ordinal := 0
	for _, para := range strings.Split(content, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		for _, piece := range splitMax(para, maxChars) {
			chunks = append(chunks, Chunk{
				ID:   chunkID(filePath, ordinal, piece),
				Text: piece,
			})
			ordinal++
		}
	}
	return chunks
}

// splitMax splits s into pieces of at most maxChars runes.
func splitMax(s string, maxChars int) []string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return []string{s}
	}
	var out []string
	for len(runes) > 0 {
		n := maxChars
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// chunkID derives the content-addressed chunk identifier.
func chunkID(filePath string, ordinal int, text string) string {
	h := sha256.New()
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", ordinal)
	h.Write([]byte{0})
	h.Write([]byte(text))
	return "p" + hex.EncodeToString(h.Sum(nil))[:16]
}
