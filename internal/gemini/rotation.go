package gemini

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNoAPIKeys is returned when a client is constructed with an empty
// credential pool.
var ErrNoAPIKeys = errors.New("gemini: no API keys configured")

// ExhaustedError reports that every key in the pool was tried and each
// attempt failed with a credential-attributable error. It unwraps to the last
// of those errors.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gemini: exhausted all %d API keys: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// ring is the rotation state for the credential pool. Exactly one key is
// active at any instant; advance moves circularly so total attempts stay
// bounded by the pool size.
type ring struct {
	mu   sync.Mutex
	keys []string
	idx  int
}

func newRing(keys []string) (*ring, error) {
	if len(keys) == 0 {
		return nil, ErrNoAPIKeys
	}
	return &ring{keys: keys}, nil
}

func (r *ring) current() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[r.idx], r.idx
}

func (r *ring) advance() (string, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idx = (r.idx + 1) % len(r.keys)
	return r.keys[r.idx], r.idx
}

func (r *ring) size() int { return len(r.keys) }

// Failure patterns that point at the active credential rather than the
// request itself. Anything else propagates without consuming a rotation.
var rotatableMarkers = []string{
	"quota",
	"rate",
	"exceed",
	"permission",
	"api key invalid",
	"api key not valid",
	"429",
}

func rotatable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range rotatableMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// maskKey renders a key for logs without exposing it.
func maskKey(key string) string {
	if len(key) > 12 {
		return key[:8] + "..." + key[len(key)-4:]
	}
	return "***"
}
