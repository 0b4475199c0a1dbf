// ABOUTME: Bounded in-memory feed of recent agent activity
// ABOUTME: Newest entries first; the oldest fall off once the cap is reached

package activity

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Kind classifies an activity entry.
type Kind string

const (
	KindCommand    Kind = "command"
	KindConnection Kind = "connection"
	KindHeartbeat  Kind = "heartbeat"
	KindError      Kind = "error"
	KindSystemInfo Kind = "system_info"
)

const (
	// DefaultMaxEntries is the feed capacity when none is given.
	DefaultMaxEntries = 500

	defaultLimit = 100
)

// Entry is one activity record.
type Entry struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Kind      Kind      `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Feed holds the most recent entries, newest first.
type Feed struct {
	mu      sync.RWMutex
	entries []*Entry
	max     int
	now     func() time.Time
}

// NewFeed creates a feed capped at maxEntries (DefaultMaxEntries if <= 0).
func NewFeed(maxEntries int) *Feed {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Feed{max: maxEntries, now: time.Now}
}

// Add records an entry and returns it.
func (f *Feed) Add(agentID string, kind Kind, data any) *Entry {
	now := f.now()
	e := &Entry{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		AgentID:   agentID,
		Kind:      kind,
		Data:      data,
		Timestamp: now,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = append(f.entries, nil)
	copy(f.entries[1:], f.entries)
	f.entries[0] = e
	if len(f.entries) > f.max {
		f.entries[f.max] = nil
		f.entries = f.entries[:f.max]
	}
	return e
}

// Recent returns up to limit entries, optionally only for agentID.
func (f *Feed) Recent(limit int, agentID string) []*Entry {
	return f.filter(limit, func(e *Entry) bool {
		return agentID == "" || e.AgentID == agentID
	})
}

// ByKind returns up to limit entries of one kind.
func (f *Feed) ByKind(kind Kind, limit int) []*Entry {
	return f.filter(limit, func(e *Entry) bool { return e.Kind == kind })
}

func (f *Feed) filter(limit int, keep func(*Entry) bool) []*Entry {
	if limit <= 0 {
		limit = defaultLimit
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]*Entry, 0, min(limit, len(f.entries)))
	for _, e := range f.entries {
		if len(out) == limit {
			break
		}
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

// Prune drops entries older than olderThan and returns how many were removed.
func (f *Feed) Prune(olderThan time.Duration) int {
	cutoff := f.now().Add(-olderThan)

	f.mu.Lock()
	defer f.mu.Unlock()

	kept := f.entries[:0]
	for _, e := range f.entries {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(f.entries) - len(kept)
	for i := len(kept); i < len(f.entries); i++ {
		f.entries[i] = nil
	}
	f.entries = kept
	return removed
}

// Len reports the number of entries held.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}
