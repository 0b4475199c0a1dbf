// ABOUTME: Target resolution for batch dispatch by explicit IDs or tags.
// ABOUTME: Explicit IDs win over tags; an empty selector targets every connected agent.

package agent

import (
	"errors"
	"sort"
)

// ErrNoAgentsAvailable indicates a selector resolved to no connected agents.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Selector picks the targets of a batch operation.
type Selector struct {
	AgentIDs []string
	Tags     []string
}

// Selection is the resolved target set. Missing lists requested IDs with no session.
type Selection struct {
	AgentIDs []string
	Missing  []string
}

// Select resolves sel against the current sessions. Results are sorted and de-duplicated.
func (r *Registry) Select(sel Selector) Selection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[string]struct{})
	missing := make(map[string]struct{})

	switch {
	case len(sel.AgentIDs) > 0:
		for _, id := range sel.AgentIDs {
			if _, ok := r.sessions[id]; ok {
				found[id] = struct{}{}
			} else {
				missing[id] = struct{}{}
			}
		}
	case len(sel.Tags) > 0:
		for id, s := range r.sessions {
			for _, tag := range sel.Tags {
				if s.hasTag(tag) {
					found[id] = struct{}{}
					break
				}
			}
		}
	default:
		for id := range r.sessions {
			found[id] = struct{}{}
		}
	}

	return Selection{
		AgentIDs: sortedKeys(found),
		Missing:  sortedKeys(missing),
	}
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
