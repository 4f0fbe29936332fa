package gemini

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, keys []string) *Client {
	t.Helper()
	r, err := newRing(keys)
	require.NoError(t, err)
	return &Client{
		ring:   r,
		logger: discardLogger(),
		dial: func(ctx context.Context, key string) (*genai.Client, error) {
			return nil, nil
		},
	}
}

func TestNewRingEmptyPool(t *testing.T) {
	_, err := newRing(nil)
	assert.ErrorIs(t, err, ErrNoAPIKeys)
}

func TestNewClientEmptyPool(t *testing.T) {
	_, err := NewClient(context.Background(), nil, "model", "embed", discardLogger())
	assert.ErrorIs(t, err, ErrNoAPIKeys)
}

func TestRingAdvancesCircularly(t *testing.T) {
	r, err := newRing([]string{"k1", "k2", "k3"})
	require.NoError(t, err)

	key, idx := r.current()
	assert.Equal(t, "k1", key)
	assert.Equal(t, 0, idx)

	key, idx = r.advance()
	assert.Equal(t, "k2", key)
	assert.Equal(t, 1, idx)

	key, idx = r.advance()
	assert.Equal(t, "k3", key)
	assert.Equal(t, 2, idx)

	key, idx = r.advance()
	assert.Equal(t, "k1", key)
	assert.Equal(t, 0, idx)
}

func TestRotatable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{errors.New("googleapi: Error 429: Resource has been exhausted"), true},
		{errors.New("quota exceeded for quota metric"), true},
		{errors.New("rate limit reached"), true},
		{errors.New("PERMISSION_DENIED: caller lacks access"), true},
		{errors.New("API key invalid. Please pass a valid API key."), true},
		{errors.New("API key not valid"), true},
		{errors.New("context deadline exceeded"), false},
		{errors.New("invalid argument: contents must not be empty"), false},
		{nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, rotatable(tc.err), "err=%v", tc.err)
	}
}

func TestExecuteExhaustsPool(t *testing.T) {
	c := testClient(t, []string{"k1", "k2", "k3"})

	calls := 0
	err := c.execute(context.Background(), func(*genai.Client) error {
		calls++
		return errors.New("quota exceeded")
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 3, calls)

	// Three rotations over a pool of three wrap the index back to the start.
	_, idx := c.ring.current()
	assert.Equal(t, 0, idx)
}

func TestExecuteRecoversOnNextKey(t *testing.T) {
	c := testClient(t, []string{"k1", "k2"})

	calls := 0
	err := c.execute(context.Background(), func(*genai.Client) error {
		calls++
		if calls == 1 {
			return errors.New("googleapi: Error 429")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	key, idx := c.ring.current()
	assert.Equal(t, "k2", key)
	assert.Equal(t, 1, idx)
}

func TestExecuteSkipsKeyThatFailsToDial(t *testing.T) {
	c := testClient(t, []string{"k1", "k2", "k3"})
	c.dial = func(_ context.Context, key string) (*genai.Client, error) {
		if key == "k2" {
			return nil, errors.New("dial refused")
		}
		return nil, nil
	}

	var calledKeys []string
	err := c.execute(context.Background(), func(*genai.Client) error {
		key, _ := c.ring.current()
		calledKeys = append(calledKeys, key)
		if key == "k1" {
			return errors.New("quota exceeded")
		}
		return nil
	})

	require.NoError(t, err)
	// k2 never dials, so it never receives a call; the old k1 handle must not
	// be retried under k2's index.
	assert.Equal(t, []string{"k1", "k3"}, calledKeys)
}

func TestExecuteKeepsProviderErrorOverDialError(t *testing.T) {
	c := testClient(t, []string{"k1", "k2"})
	c.dial = func(_ context.Context, key string) (*genai.Client, error) {
		if key == "k2" {
			return nil, errors.New("dial refused")
		}
		return nil, nil
	}

	quota := errors.New("quota exceeded")
	calls := 0
	err := c.execute(context.Background(), func(*genai.Client) error {
		calls++
		return quota
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, quota, "a dial failure must not mask the last provider error")
}

func TestExecuteNonRotatableFailsFast(t *testing.T) {
	c := testClient(t, []string{"k1", "k2", "k3"})

	calls := 0
	boom := errors.New("invalid argument")
	err := c.execute(context.Background(), func(*genai.Client) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	_, idx := c.ring.current()
	assert.Equal(t, 0, idx, "non-rotatable errors must not consume a rotation")
}

func TestExhaustedErrorUnwraps(t *testing.T) {
	last := errors.New("quota exceeded")
	err := &ExhaustedError{Attempts: 2, Last: last}
	assert.ErrorIs(t, err, last)
	assert.Contains(t, err.Error(), "2 API keys")
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "AIzaSyAB...wxyz", maskKey("AIzaSyABCDEFGHIJKLMNOPwxyz"))
	assert.Equal(t, "***", maskKey("short"))
}
