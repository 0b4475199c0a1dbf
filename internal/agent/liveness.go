// ABOUTME: Periodic liveness sweep that reports agents going quiet or coming back.
// ABOUTME: Status itself is derived on read; the sweep only publishes edge events.

package agent

import (
	"context"
	"time"
)

// Run sweeps sessions at the configured interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Sweep publishes agent.offline for sessions that crossed the threshold since
// the previous sweep and agent.online for ones that recovered. Sessions are
// never evicted here; only a closed connection removes an agent.
func (r *Registry) Sweep(ctx context.Context) {
	type edge struct {
		channel  string
		agentID  string
		nickname string
		lastSeen time.Time
	}

	now := r.now()
	var edges []edge

	r.mu.Lock()
	for id, s := range r.sessions {
		quiet := now.Sub(s.LastSeenAt) > r.threshold
		switch {
		case quiet && !s.offline:
			s.offline = true
			edges = append(edges, edge{ChannelOffline, id, s.Nickname, s.LastSeenAt})
		case !quiet && s.offline:
			s.offline = false
			edges = append(edges, edge{ChannelOnline, id, s.Nickname, s.LastSeenAt})
		}
	}
	r.mu.Unlock()

	for _, e := range edges {
		if e.channel == ChannelOffline {
			r.logger.Warn("agent went quiet",
				"agent_id", e.agentID,
				"last_seen_at", e.lastSeen,
				"silent_for", now.Sub(e.lastSeen).Round(time.Second),
			)
		} else {
			r.logger.Info("agent is responsive again", "agent_id", e.agentID)
		}
		r.publish(ctx, e.channel, map[string]any{
			"agent_id":     e.agentID,
			"nickname":     e.nickname,
			"last_seen_at": e.lastSeen,
			"timestamp":    now,
		})
	}
}
