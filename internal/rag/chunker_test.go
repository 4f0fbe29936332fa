package rag

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitWindowsOverlap(t *testing.T) {
	c := NewChunker(10, 3)
	text := "abcdefghijklmnopqrstuvwxy" // 25 runes

	chunks := c.Split(text)
	require.Equal(t, []string{
		"abcdefghij",
		"hijklmnopq",
		"opqrstuvwx",
		"vwxy",
	}, chunks)

	// Adjacent chunks share the overlap.
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		assert.True(t, strings.HasPrefix(chunks[i], prev[len(prev)-3:]))
	}
}

func TestSplitShortText(t *testing.T) {
	c := NewChunker(1000, 200)
	chunks := c.Split("short")
	assert.Equal(t, []string{"short"}, chunks)
}

func TestSplitEmptyAndBlank(t *testing.T) {
	c := NewChunker(10, 2)
	assert.Empty(t, c.Split(""))
	assert.Empty(t, c.Split("  \n\t  "))
}

func TestSplitExactMultiple(t *testing.T) {
	c := NewChunker(5, 0)
	chunks := c.Split("abcdefghij")
	assert.Equal(t, []string{"abcde", "fghij"}, chunks)
}

func TestSplitMultiByte(t *testing.T) {
	c := NewChunker(4, 1)
	chunks := c.Split("héllo wörld")
	assert.Equal(t, []string{"héll", "lo w", "wörl", "ld"}, chunks)
	for _, chunk := range chunks {
		assert.True(t, utf8.ValidString(chunk))
	}
}

func TestNewChunkerNormalizesBadInput(t *testing.T) {
	c := NewChunker(0, -5)
	assert.Equal(t, 1000, c.size)
	assert.Equal(t, 0, c.overlap)

	// Overlap >= size would never advance the window.
	c = NewChunker(10, 10)
	assert.Equal(t, 0, c.overlap)
	chunks := c.Split(strings.Repeat("a", 25))
	assert.Len(t, chunks, 3)
}
