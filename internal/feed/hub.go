// Package feed fans committed attack events out to live subscribers.
package feed

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Event is one message for live subscribers.
type Event struct {
	Type string // "attempt", "pubkey"
	Data []byte // JSON payload
}

// Hub is a fan-out hub. Subscribers receive every event published after they
// subscribed; Recent replays the last few for hydration.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	recent      []Event
	keep        int
	logger      *slog.Logger
}

// NewHub creates a hub remembering the last keep events.
func NewHub(keep int, logger *slog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		keep:        keep,
		logger:      logger,
	}
}

// Subscribe registers a new subscriber. It returns a channel that will receive
// events and a cancel function that must be called when the subscriber
// disconnects.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish sends an event to all subscribers. If a subscriber's channel is
// full, the event is dropped for that subscriber.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	if h.keep > 0 {
		h.recent = append(h.recent, event)
		if len(h.recent) > h.keep {
			h.recent = h.recent[len(h.recent)-h.keep:]
		}
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.logger.Warn("feed: dropped event for slow subscriber", "type", event.Type)
		}
	}
}

// PublishJSON marshals v and publishes it under typ.
func (h *Hub) PublishJSON(typ string, v any) {
	if h == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("feed: marshal event", "type", typ, "err", err)
		return
	}
	h.Publish(Event{Type: typ, Data: data})
}

// Recent returns the retained events, oldest first.
func (h *Hub) Recent() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.recent))
	copy(out, h.recent)
	return out
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
