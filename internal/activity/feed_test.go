package activity

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_NewestFirstAndCapped(t *testing.T) {
	f := NewFeed(3)
	for i := range 5 {
		f.Add(fmt.Sprintf("agent-%d", i), KindCommand, i)
	}

	assert.Equal(t, 3, f.Len())
	got := f.Recent(0, "")
	require.Len(t, got, 3)
	assert.Equal(t, "agent-4", got[0].AgentID)
	assert.Equal(t, "agent-2", got[2].AgentID)
}

func TestFeed_DefaultCapacity(t *testing.T) {
	f := NewFeed(0)
	for range DefaultMaxEntries + 20 {
		f.Add("desk", KindHeartbeat, nil)
	}
	assert.Equal(t, DefaultMaxEntries, f.Len())
}

func TestFeed_Filters(t *testing.T) {
	f := NewFeed(0)
	f.Add("desk", KindConnection, map[string]string{"event": "connected"})
	f.Add("laptop", KindCommand, map[string]string{"command": "dir"})
	f.Add("desk", KindCommand, map[string]string{"command": "ver"})
	f.Add("desk", KindError, "boom")

	desk := f.Recent(10, "desk")
	require.Len(t, desk, 3)
	assert.Equal(t, KindError, desk[0].Kind)

	assert.Len(t, f.Recent(2, "desk"), 2)
	assert.Empty(t, f.Recent(10, "ghost"))

	cmds := f.ByKind(KindCommand, 10)
	require.Len(t, cmds, 2)
	assert.Equal(t, "desk", cmds[0].AgentID)
	assert.Len(t, f.ByKind(KindCommand, 1), 1)
}

func TestFeed_Prune(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	f := NewFeed(0)
	f.now = func() time.Time { return now }

	f.Add("desk", KindCommand, nil)
	now = now.Add(30 * time.Minute)
	f.Add("desk", KindCommand, nil)
	now = now.Add(45 * time.Minute)
	f.Add("laptop", KindCommand, nil)

	removed := f.Prune(time.Hour)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 2, f.Len())

	assert.Zero(t, f.Prune(time.Hour))
	assert.Equal(t, 2, f.Prune(0))
	assert.Zero(t, f.Len())
}

func TestFeed_UniqueIDs(t *testing.T) {
	f := NewFeed(0)
	seen := make(map[string]bool)
	for range 100 {
		e := f.Add("desk", KindHeartbeat, nil)
		assert.False(t, seen[e.ID])
		seen[e.ID] = true
	}
}
