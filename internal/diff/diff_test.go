package diff

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffIdentical(t *testing.T) {
	r := NewEngine(3).Diff([]byte("a\nb\n"), []byte("a\nb\n"))
	assert.True(t, r.Empty())

	out, err := r.Format("old", "new")
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestDiffReplaceLine(t *testing.T) {
	r := NewEngine(1).Diff([]byte("a\nb\nc\n"), []byte("a\nx\nc\n"))
	require.Len(t, r.Hunks, 1)

	h := r.Hunks[0]
	assert.Equal(t, 1, h.OldStart)
	assert.Equal(t, 3, h.OldLines)
	assert.Equal(t, 1, h.NewStart)
	assert.Equal(t, 3, h.NewLines)

	var types []LineType
	for _, l := range h.Lines {
		types = append(types, l.Type)
	}
	assert.Equal(t, []LineType{Context, Deletion, Addition, Context}, types)
	assert.Equal(t, "b", h.Lines[1].Content)
	assert.Equal(t, 2, h.Lines[1].OldNum)
	assert.Equal(t, "x", h.Lines[2].Content)
	assert.Equal(t, 2, h.Lines[2].NewNum)
	assert.Equal(t, 1, r.Stats.Additions)
	assert.Equal(t, 1, r.Stats.Deletions)

	out, err := r.Format("old", "new")
	require.NoError(t, err)
	assert.Equal(t, "--- old\n+++ new\n@@ -1,3 +1,3 @@\n a\n-b\n+x\n c\n", out)
}

func TestDiffSeparateHunks(t *testing.T) {
	old := "1\n2\n3\n4\n5\n6\n7\n8\n9\n10\n"
	changed := strings.Replace(strings.Replace(old, "2\n", "two\n", 1), "9\n", "nine\n", 1)

	r := NewEngine(1).Diff([]byte(old), []byte(changed))
	require.Len(t, r.Hunks, 2)
	assert.Equal(t, 1, r.Hunks[0].OldStart)
	assert.Equal(t, 8, r.Hunks[1].OldStart)
	assert.Equal(t, 2, r.Stats.Additions)

	// Enough context merges them.
	r = NewEngine(3).Diff([]byte(old), []byte(changed))
	assert.Len(t, r.Hunks, 1)
}

func TestDiffFromEmpty(t *testing.T) {
	r := NewEngine(3).Diff(nil, []byte("a\nb"))
	require.Len(t, r.Hunks, 1)
	assert.Equal(t, 0, r.Hunks[0].OldLines)
	assert.Equal(t, 2, r.Hunks[0].NewLines)
	assert.Equal(t, 2, r.Stats.Additions)
	assert.Equal(t, "b", r.Hunks[0].Lines[1].Content)
}

func TestIsBinary(t *testing.T) {
	assert.False(t, IsBinary([]byte("plain text\n")))
	assert.True(t, IsBinary([]byte{'P', 'K', 0, 3}))
}
