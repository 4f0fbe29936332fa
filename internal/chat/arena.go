package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type arenaEntry struct {
	sessionID    string
	lastActivity time.Time
}

// Arena binds live principals (users or anonymous client keys) to their
// current session so consecutive requests land in the same conversation.
// Idle bindings are swept in the background; the underlying sessions in
// MongoDB are untouched.
type Arena struct {
	mu      sync.Mutex
	entries map[string]*arenaEntry
	idle    time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

func NewArena(idle time.Duration, logger *slog.Logger) *Arena {
	return &Arena{
		entries: make(map[string]*arenaEntry),
		idle:    idle,
		logger:  logger,
		now:     time.Now,
	}
}

// Lookup returns the principal's bound session ID, if any, and refreshes the
// binding's activity.
func (a *Arena) Lookup(principal string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry, ok := a.entries[principal]
	if !ok {
		return "", false
	}
	entry.lastActivity = a.now()
	return entry.sessionID, true
}

// Bind points the principal at a session, replacing any previous binding.
func (a *Arena) Bind(principal, sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[principal] = &arenaEntry{
		sessionID:    sessionID,
		lastActivity: a.now(),
	}
}

// Evict drops the principal's binding.
func (a *Arena) Evict(principal string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, principal)
}

// Len reports the number of live bindings.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// sweep removes bindings idle past the threshold. The key list is snapshotted
// first so a binding touched mid-sweep survives the recheck.
func (a *Arena) sweep() int {
	cutoff := a.now().Add(-a.idle)

	a.mu.Lock()
	keys := make([]string, 0, len(a.entries))
	for key := range a.entries {
		keys = append(keys, key)
	}
	a.mu.Unlock()

	evicted := 0
	for _, key := range keys {
		a.mu.Lock()
		if entry, ok := a.entries[key]; ok && entry.lastActivity.Before(cutoff) {
			delete(a.entries, key)
			evicted++
		}
		a.mu.Unlock()
	}
	return evicted
}

// StartSweeper runs periodic sweeps until the context is cancelled.
func (a *Arena) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := a.sweep(); n > 0 {
					a.logger.Info("swept idle session bindings", "evicted", n)
				}
			}
		}
	}()
}
