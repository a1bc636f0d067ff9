// Package realtime pushes session changes to subscribed clients.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	// TypeSessionUpdated is sent after every lifecycle transition.
	TypeSessionUpdated = "session.updated"
	// TypeAttendanceUpdated is sent when an attendee joins or leaves.
	TypeAttendanceUpdated = "attendance.updated"
)

// Event describes a change to one session of a group.
type Event struct {
	Type        string `json:"type"`
	GroupID     string `json:"group_id"`
	SessionDate string `json:"session_date"`
	State       string `json:"state"`
	DisplayName string `json:"display_name,omitempty"`
}

// Hub publishes events and lets callers subscribe to a group's stream.
// Subscribe returns a channel that is closed when ctx is done.
type Hub interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context, groupID string) (<-chan Event, error)
}

func channel(groupID string) string {
	return "imhere:group:" + groupID + ":events"
}

// RedisHub fans events out through redis pub/sub so every API replica sees
// them.
type RedisHub struct {
	client *redis.Client
	logger *slog.Logger
}

func NewRedisHub(client *redis.Client, logger *slog.Logger) *RedisHub {
	return &RedisHub{client: client, logger: logger}
}

func (h *RedisHub) Publish(ctx context.Context, ev Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return h.client.Publish(ctx, channel(ev.GroupID), raw).Err()
}

func (h *RedisHub) Subscribe(ctx context.Context, groupID string) (<-chan Event, error) {
	sub := h.client.Subscribe(ctx, channel(groupID))
	// wait for the subscription to be confirmed before returning
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	out := make(chan Event)
	go func() {
		defer close(out)
		defer sub.Close()
		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					h.logger.Warn("dropping malformed event", "channel", m.Channel, "error", err)
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// MemoryHub is a single-process Hub. Slow subscribers miss events rather
// than block publishers.
type MemoryHub struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{}
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: make(map[string]map[chan Event]struct{})}
}

func (h *MemoryHub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[ev.GroupID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (h *MemoryHub) Subscribe(ctx context.Context, groupID string) (<-chan Event, error) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	if h.subs[groupID] == nil {
		h.subs[groupID] = make(map[chan Event]struct{})
	}
	h.subs[groupID][ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[groupID], ch)
		if len(h.subs[groupID]) == 0 {
			delete(h.subs, groupID)
		}
		h.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
