package index

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkNote_SplitsParagraphs(t *testing.T) {
	content := "First paragraph.\n\nSecond paragraph\nwith two lines.\n\n\nThird."
	chunks := ChunkNote("/notes/a.md", content, 2000)

	require.Len(t, chunks, 3)
	assert.Equal(t, "First paragraph.", chunks[0].Text)
	assert.Equal(t, "Second paragraph\nwith two lines.", chunks[1].Text)
	assert.Equal(t, "Third.", chunks[2].Text)
}

func TestChunkNote_SkipsBlank(t *testing.T) {
	assert.Empty(t, ChunkNote("/notes/a.md", "", 2000))
	assert.Empty(t, ChunkNote("/notes/a.md", "\n\n  \n\n", 2000))
}

func TestChunkNote_SplitsOversizeParagraph(t *testing.T) {
	long := strings.Repeat("x", 450)
	chunks := ChunkNote("/notes/a.md", long, 200)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0].Text, 200)
	assert.Len(t, chunks[1].Text, 200)
	assert.Len(t, chunks[2].Text, 50)
}

func TestChunkNote_StableIDs(t *testing.T) {
	content := "Alpha.\n\nBeta."
	first := ChunkNote("/notes/a.md", content, 2000)
	second := ChunkNote("/notes/a.md", content, 2000)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}

	// Different file, same content: different ids.
	other := ChunkNote("/notes/b.md", content, 2000)
	assert.NotEqual(t, first[0].ID, other[0].ID)

	// Edited content changes the id.
	edited := ChunkNote("/notes/a.md", "Alpha!\n\nBeta.", 2000)
	assert.NotEqual(t, first[0].ID, edited[0].ID)
	assert.Equal(t, first[1].ID, edited[1].ID, "unchanged chunk at the same ordinal keeps its id")
}

func TestChunkNote_UniqueIDsWithinFile(t *testing.T) {
	// Identical paragraphs still get distinct ids via their ordinal.
	chunks := ChunkNote("/notes/a.md", "Same.\n\nSame.", 2000)
	require.Len(t, chunks, 2)
	assert.NotEqual(t, chunks[0].ID, chunks[1].ID)
}
