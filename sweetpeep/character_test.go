package sweetpeep

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkDialogue(t *testing.T) {
	short := "**Piper:** Oh! A visitor!"
	chunks := chunkDialogue(short, discordMaxMessageLength)
	require.Len(t, chunks, 1)
	assert.Equal(t, short, chunks[0])

	long := strings.Repeat("cheep ", 500)
	chunks = chunkDialogue(long, discordMaxMessageLength)
	require.Len(t, chunks, 2)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), discordMaxMessageLength)
	}
	assert.Equal(t, long, strings.Join(chunks, ""))
}

func TestChunkDialogueRuneBoundaries(t *testing.T) {
	// multi-byte runes must not be split mid-character
	long := strings.Repeat("héllo wörld ", 300)
	chunks := chunkDialogue(long, discordMaxMessageLength)
	require.Greater(t, len(chunks), 1)
	for _, chunk := range chunks {
		assert.True(t, strings.Contains(chunk, "é") || strings.Contains(chunk, "ö"))
		assert.LessOrEqual(t, len([]rune(chunk)), discordMaxMessageLength)
	}
	assert.Equal(t, long, strings.Join(chunks, ""))
}
