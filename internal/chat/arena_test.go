package chat

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestArenaBindAndLookup(t *testing.T) {
	a := NewArena(time.Hour, discardLogger())

	_, ok := a.Lookup("alice")
	assert.False(t, ok)

	a.Bind("alice", "s1")
	got, ok := a.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, "s1", got)

	a.Bind("alice", "s2")
	got, _ = a.Lookup("alice")
	assert.Equal(t, "s2", got, "rebinding replaces the previous session")
}

func TestArenaEvict(t *testing.T) {
	a := NewArena(time.Hour, discardLogger())
	a.Bind("alice", "s1")
	a.Evict("alice")
	_, ok := a.Lookup("alice")
	assert.False(t, ok)

	a.Evict("never-bound")
}

func TestSweepEvictsIdleBindings(t *testing.T) {
	a := NewArena(time.Hour, discardLogger())

	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return current }

	a.Bind("idle", "s1")
	a.Bind("busy", "s2")

	current = current.Add(2 * time.Hour)
	a.Lookup("busy") // refreshes activity

	evicted := a.sweep()
	assert.Equal(t, 1, evicted)

	_, ok := a.Lookup("idle")
	assert.False(t, ok)
	_, ok = a.Lookup("busy")
	assert.True(t, ok)
}

func TestSweepKeepsFreshBindings(t *testing.T) {
	a := NewArena(time.Hour, discardLogger())
	a.Bind("alice", "s1")
	assert.Zero(t, a.sweep())
	assert.Equal(t, 1, a.Len())
}

func TestArenaConcurrentAccess(t *testing.T) {
	a := NewArena(time.Hour, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := fmt.Sprintf("p%d", n%5)
			a.Bind(key, fmt.Sprintf("s%d", n))
			a.Lookup(key)
			a.sweep()
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, a.Len(), 5)
}
