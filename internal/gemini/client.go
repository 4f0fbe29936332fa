// Package gemini wraps the Google generative AI SDK behind an embedding and
// generation client that rotates through a pool of API keys when a call fails
// with a quota, rate-limit or invalid-key error.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Rolling history keeps the most recent turns only; two entries per exchange.
const maxHistoryEntries = 20

// Turn is one entry of the volatile, process-local conversation history. It
// is never persisted to the session store.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Client struct {
	ring           *ring
	model          string
	embeddingModel string
	logger         *slog.Logger

	// dial creates an SDK handle bound to one key. Swapped out in tests.
	dial func(ctx context.Context, key string) (*genai.Client, error)

	mu        sync.Mutex
	handle    *genai.Client
	handleKey string

	histMu  sync.Mutex
	history []Turn
}

// NewClient dials Gemini with the first key of the pool. An empty pool is a
// configuration error.
func NewClient(ctx context.Context, keys []string, model, embeddingModel string, logger *slog.Logger) (*Client, error) {
	r, err := newRing(keys)
	if err != nil {
		return nil, err
	}

	c := &Client{
		ring:           r,
		model:          model,
		embeddingModel: embeddingModel,
		logger:         logger,
		dial: func(ctx context.Context, key string) (*genai.Client, error) {
			return genai.NewClient(ctx, option.WithAPIKey(key))
		},
	}

	key, idx := r.current()
	handle, err := c.dial(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	c.handle = handle
	c.handleKey = key
	logger.Info("gemini client initialized", "key_index", idx, "key", maskKey(key))
	return c, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	c.handle = nil
	c.handleKey = ""
	return err
}

// execute runs call against a handle bound to the ring's current key. On a
// failure attributable to the active credential it rotates to the next key,
// re-dials, and retries; total attempts are bounded by the pool size. A key
// whose dial fails is skipped, consuming one attempt, so a stale handle is
// never retried under a new index. Non-rotatable errors propagate
// immediately.
func (c *Client) execute(ctx context.Context, call func(handle *genai.Client) error) error {
	limit := c.ring.size()
	var last error
	for attempt := 1; attempt <= limit; attempt++ {
		handle, err := c.ensureHandle(ctx)
		if err != nil {
			key, idx := c.ring.advance()
			c.logger.Warn("gemini dial failed, skipping to next API key",
				"attempt", attempt, "limit", limit, "key_index", idx, "key", maskKey(key), "error", err)
			if last == nil {
				last = err
			}
			continue
		}

		err = call(handle)
		if err == nil {
			return nil
		}
		if !rotatable(err) {
			return err
		}
		last = err

		key, idx := c.ring.advance()
		c.logger.Warn("gemini call failed, rotating API key",
			"attempt", attempt, "limit", limit, "key_index", idx, "key", maskKey(key), "error", err)
	}
	return &ExhaustedError{Attempts: limit, Last: last}
}

// ensureHandle returns the SDK handle for the ring's current key, re-dialing
// when the ring moved on since the handle was made.
func (c *Client) ensureHandle(ctx context.Context) (*genai.Client, error) {
	key, _ := c.ring.current()

	c.mu.Lock()
	if c.handleKey == key {
		handle := c.handle
		c.mu.Unlock()
		return handle, nil
	}
	c.mu.Unlock()

	handle, err := c.dial(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reinitialize gemini client: %w", err)
	}

	c.mu.Lock()
	old := c.handle
	c.handle = handle
	c.handleKey = key
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return handle, nil
}

// Embed converts texts into fixed-dimension vectors, one remote call per
// text, each guarded by the rotation policy.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for _, text := range texts {
		var values []float32
		err := c.execute(ctx, func(handle *genai.Client) error {
			res, err := handle.EmbeddingModel(c.embeddingModel).EmbedContent(ctx, genai.Text(text))
			if err != nil {
				return err
			}
			if res.Embedding == nil || len(res.Embedding.Values) == 0 {
				return errors.New("empty embedding in response")
			}
			values = res.Embedding.Values
			return nil
		})
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, values)
	}
	c.logger.Debug("generated embeddings", "texts", len(texts))
	return vectors, nil
}

// GenerateOptions selects the prompt framing for a generation call.
type GenerateOptions struct {
	// FileContext frames the prompt around a single document instead of
	// retrieved knowledge-base snippets.
	FileContext bool
	// Image selects the image-description framing of the file prompt. The
	// retrieval path is unchanged; image content arrives pre-extracted.
	Image bool
}

// Generate produces an answer for the query, optionally grounded in the given
// context string.
func (c *Client) Generate(ctx context.Context, query, contextText string, opts GenerateOptions) (string, error) {
	prompt := buildPrompt(query, contextText, opts)

	var text string
	err := c.execute(ctx, func(handle *genai.Client) error {
		resp, err := handle.GenerativeModel(c.model).GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			return err
		}
		text = responseText(resp)
		return nil
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		c.logger.Warn("gemini returned an empty response", "query", truncateForLog(query))
		text = emptyResponseFallback
	}

	c.remember(Turn{Role: RoleUser, Content: query}, Turn{Role: RoleAssistant, Content: text})
	return text, nil
}

// GenerateWithImage answers a prompt about an inline binary attachment.
func (c *Client) GenerateWithImage(ctx context.Context, prompt, mimeType string, data []byte) (string, error) {
	var text string
	err := c.execute(ctx, func(handle *genai.Client) error {
		resp, err := handle.GenerativeModel(c.model).GenerateContent(ctx,
			genai.Text(prompt),
			genai.Blob{MIMEType: mimeType, Data: data},
		)
		if err != nil {
			return err
		}
		text = responseText(resp)
		return nil
	})
	if err != nil {
		return "", err
	}
	if text == "" {
		text = emptyResponseFallback
	}

	c.remember(
		Turn{Role: RoleUser, Content: "[image analysis] " + prompt},
		Turn{Role: RoleAssistant, Content: text},
	)
	return text, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return b.String()
}

// remember appends turns to the rolling history, truncating from the front
// when over capacity.
func (c *Client) remember(turns ...Turn) {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	c.history = append(c.history, turns...)
	if len(c.history) > maxHistoryEntries {
		c.history = c.history[len(c.history)-maxHistoryEntries:]
	}
}

// History returns a copy of the rolling conversation history.
func (c *Client) History() []Turn {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	out := make([]Turn, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Client) ClearHistory() {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	c.history = nil
}

func truncateForLog(s string) string {
	const max = 50
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
