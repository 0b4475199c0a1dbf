// ABOUTME: Named-channel pub/sub for control plane events with persistence
// ABOUTME: Fans out to bounded per-channel subscribers and keeps a pruned notification log

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/2389/coven-control/internal/store"
)

// Well-known channels.
const (
	ChannelAgentConnected    = "agent.connected"
	ChannelAgentDisconnected = "agent.disconnected"
	ChannelAgentOffline      = "agent.offline"
	ChannelAgentOnline       = "agent.online"
	ChannelCommandExecuted   = "command.executed"
	ChannelCommandFailed     = "command.failed"
	ChannelSecurityAlert     = "security.alert"
	ChannelSystemError       = "system.error"

	// AllChannels subscribes to every channel.
	AllChannels = "*"
)

const (
	subscriberBufferSize  = 64
	defaultMaxSubscribers = 32
	defaultKeepLast       = 1000
	defaultRecentLimit    = 50
)

// ErrTooManySubscribers is returned when a channel is at its subscriber cap.
var ErrTooManySubscribers = errors.New("too many subscribers")

// Event is one published notification.
type Event struct {
	ID        string          `json:"id"`
	Channel   string          `json:"channel"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Option configures a Hub.
type Option func(*Hub)

// WithMaxSubscribers caps subscribers per channel.
func WithMaxSubscribers(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxSubscribers = n
		}
	}
}

// WithKeepLast sets how many persisted notifications Prune retains.
func WithKeepLast(n int) Option {
	return func(h *Hub) {
		if n >= 0 {
			h.keepLast = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// Hub publishes events to subscribers and the notification store.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // channel -> subID -> ch

	store          store.NotificationStore
	maxSubscribers int
	keepLast       int
	now            func() time.Time
	logger         *slog.Logger
}

// NewHub creates a Hub. A nil store disables persistence.
func NewHub(s store.NotificationStore, logger *slog.Logger, opts ...Option) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		subscribers:    make(map[string]map[string]chan *Event),
		store:          s,
		maxSubscribers: defaultMaxSubscribers,
		keepLast:       defaultKeepLast,
		now:            time.Now,
		logger:         logger.With("component", "notify"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish persists an event and delivers it to subscribers of channel and of
// AllChannels. Persistence failures are logged. Delivery never blocks: full
// subscriber buffers drop the event.
func (h *Hub) Publish(ctx context.Context, channel string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("encoding notification", "channel", channel, "error", err)
		return
	}

	now := h.now()
	event := &Event{
		ID:        ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String(),
		Channel:   channel,
		Data:      raw,
		Timestamp: now,
	}

	if h.store != nil {
		err := h.store.SaveNotification(ctx, &store.Notification{
			ID:        event.ID,
			Channel:   channel,
			Data:      raw,
			CreatedAt: now,
		})
		if err != nil {
			h.logger.Warn("persisting notification", "channel", channel, "error", err)
		}
	}

	h.deliver(event)
}

// deliver sends under the read lock so Unsubscribe cannot close a channel
// mid-send. Sends are non-blocking.
func (h *Hub) deliver(event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.send(h.subscribers[event.Channel], event)
	if event.Channel != AllChannels {
		h.send(h.subscribers[AllChannels], event)
	}
}

func (h *Hub) send(subs map[string]chan *Event, event *Event) {
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			h.logger.Debug("dropped event for slow subscriber",
				"channel", event.Channel,
				"event_id", event.ID)
		}
	}
}

// Subscribe registers for events on channel (or AllChannels). The
// subscription ends when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, channel string) (<-chan *Event, string, error) {
	h.mu.Lock()
	subs, ok := h.subscribers[channel]
	if !ok {
		subs = make(map[string]chan *Event)
		h.subscribers[channel] = subs
	}
	if len(subs) >= h.maxSubscribers {
		h.mu.Unlock()
		return nil, "", fmt.Errorf("%w: channel %s has %d", ErrTooManySubscribers, channel, len(subs))
	}

	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)
	subs[subID] = ch
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	go func() {
		<-ctx.Done()
		h.Unsubscribe(channel, subID)
	}()

	return ch, subID, nil
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(channel, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subscribers[channel]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(h.subscribers, channel)
	}

	h.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
}

// SubscriberCount reports the live subscribers on channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

// Recent returns persisted events newest first. An empty channel lists all.
func (h *Hub) Recent(ctx context.Context, channel string, limit int) ([]*Event, error) {
	if h.store == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	rows, err := h.store.ListNotifications(ctx, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	events := make([]*Event, len(rows))
	for i, n := range rows {
		events[i] = &Event{
			ID:        n.ID,
			Channel:   n.Channel,
			Data:      json.RawMessage(n.Data),
			Timestamp: n.CreatedAt,
		}
	}
	return events, nil
}

// Clear deletes every persisted notification.
func (h *Hub) Clear(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	if err := h.store.ClearNotifications(ctx); err != nil {
		return fmt.Errorf("clearing notifications: %w", err)
	}
	h.logger.Info("notifications cleared")
	return nil
}

// Prune trims the persisted log to the newest keep-last entries.
func (h *Hub) Prune(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	if err := h.store.PruneNotifications(ctx, h.keepLast); err != nil {
		return fmt.Errorf("pruning notifications: %w", err)
	}
	return nil
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel, subs := range h.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(h.subscribers, channel)
	}
	h.logger.Debug("hub closed")
}
