package coordinator

import (
	"log/slog"
	"sync"
)

// Event types
const (
	EventStateUpdate   = "state_update"   // one device state record changed
	EventFullRefresh   = "full_refresh"   // whole tree replaced by a poll
	EventUpdateFailure = "update_failure" // poll failed, last-good data is stale
	EventPushState     = "push_state"     // realtime channel connected/disconnected
)

// Event is a coordinator notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	eventType string // empty matches every event
	fn        EventHandler
}

// EventBus provides pub/sub for coordinator events. Dependents (mqtt bridge,
// web hub, automation scripts) subscribe here instead of polling the store.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]subscription
	nextID uint64
	logger *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]subscription),
		logger: logger,
	}
}

// On registers a handler for a specific event type.
// Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	return eb.subscribe(eventType, handler)
}

// OnAll registers a handler that receives all events.
// Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	return eb.subscribe("", handler)
}

func (eb *EventBus) subscribe(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	id := eb.nextID
	eb.nextID++
	eb.subs[id] = subscription{eventType: eventType, fn: handler}
	eb.mu.Unlock()

	return func() {
		eb.mu.Lock()
		delete(eb.subs, id)
		eb.mu.Unlock()
	}
}

// Emit sends an event to all matching handlers.
// Handlers are called synchronously; a panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.subs))
	for _, sub := range eb.subs {
		if sub.eventType == "" || sub.eventType == event.Type {
			handlers = append(handlers, sub.fn)
		}
	}
	eb.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panic", "type", event.Type, "panic", r)
				}
			}()
			h(event)
		}()
	}
}
