// Package notification distributes artifact push/delete events to
// subscribers. Events arrive either through the webhook endpoint on
// the API server or from a Kafka topic, and feed the event-driven
// trigger engine.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/ocimirror/ocimirror/internal/model"
)

// Event is one artifact-level notification from a source registry.
type Event struct {
	Type       model.EventType `json:"type"`
	Resource   model.Resource  `json:"resource"`
	OccurredAt time.Time       `json:"occurred_at,omitempty"`
}

// Handler consumes one event. Handlers must not block; long work
// belongs on a goroutine the handler spawns.
type Handler func(ctx context.Context, ev Event)

// Hub fans events out to subscribers.
type Hub struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{}
}

// Subscribe registers a handler for all future events.
func (h *Hub) Subscribe(fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, fn)
}

// Publish delivers the event to every subscriber on the calling
// goroutine.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	h.mu.RLock()
	handlers := make([]Handler, len(h.handlers))
	copy(handlers, h.handlers)
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(ctx, ev)
	}
}
