package gemini

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildPromptSelection(t *testing.T) {
	t.Run("retrieval framing when context present", func(t *testing.T) {
		prompt := buildPrompt("what is X?", "X is a thing.", GenerateOptions{})
		assert.Contains(t, prompt, "knowledge base")
		assert.Contains(t, prompt, "X is a thing.")
		assert.Contains(t, prompt, "what is X?")
	})

	t.Run("plain framing when context empty", func(t *testing.T) {
		prompt := buildPrompt("what is X?", "", GenerateOptions{})
		assert.Contains(t, prompt, "general knowledge")
		assert.NotContains(t, prompt, "Context:")
	})

	t.Run("document framing for file questions", func(t *testing.T) {
		prompt := buildPrompt("summarize", "doc body", GenerateOptions{FileContext: true})
		assert.Contains(t, prompt, "Document Content:")
		assert.Contains(t, prompt, "doc body")
	})

	t.Run("image framing wins over document framing", func(t *testing.T) {
		prompt := buildPrompt("describe", "ocr text", GenerateOptions{FileContext: true, Image: true})
		assert.Contains(t, prompt, "Extracted Image Content:")
	})

	t.Run("empty file context falls back to plain", func(t *testing.T) {
		prompt := buildPrompt("summarize", "", GenerateOptions{FileContext: true})
		assert.Contains(t, prompt, "general knowledge")
	})
}

func TestHistoryIsBounded(t *testing.T) {
	c := &Client{logger: discardLogger()}

	for i := 0; i < 30; i++ {
		c.remember(
			Turn{Role: RoleUser, Content: fmt.Sprintf("q%d", i)},
			Turn{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		)
	}

	history := c.History()
	assert.Len(t, history, maxHistoryEntries)
	assert.Equal(t, "q20", history[0].Content, "oldest turns are dropped first")
	assert.Equal(t, "a29", history[len(history)-1].Content)
}

func TestHistoryReturnsCopy(t *testing.T) {
	c := &Client{logger: discardLogger()}
	c.remember(Turn{Role: RoleUser, Content: "original"})

	history := c.History()
	history[0].Content = "mutated"
	assert.Equal(t, "original", c.History()[0].Content)
}

func TestClearHistory(t *testing.T) {
	c := &Client{logger: discardLogger()}
	c.remember(Turn{Role: RoleUser, Content: "q"})
	c.ClearHistory()
	assert.Empty(t, c.History())
}
