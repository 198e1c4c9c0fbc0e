package engine

import (
	"log/slog"
	"sync"

	"aqara-gateway-go/internal/telemetry"
)

// Event types
const (
	EventStateChanged     = "state_changed"
	EventClick            = telemetry.EventClick
	EventMotion           = telemetry.EventMotion
	EventBatch            = "batch_received"
	EventDeviceRegistered = "device_registered"
	EventDeviceRemoved    = "device_removed"
	EventSessionReset     = "session_reset"
)

// Event is published on the bus. Data is a telemetry.Snapshot for
// state_changed, a BatchInfo for batch_received, a device.Descriptor for
// device lifecycle events and a map for the legacy events.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// BatchInfo describes one routed batch.
type BatchInfo struct {
	Device string `json:"device"`
	Keys   int    `json:"keys"`
	Known  bool   `json:"known"`
	Stats  bool   `json:"stats,omitempty"`
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// EventBus provides pub/sub for engine events.
type EventBus struct {
	mu          sync.RWMutex
	handlers    map[string]map[uint64]EventHandler
	allHandlers map[uint64]EventHandler
	nextID      uint64
	logger      *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		handlers:    make(map[string]map[uint64]EventHandler),
		allHandlers: make(map[uint64]EventHandler),
		logger:      logger,
	}
}

// On registers a handler for one event type. Returns an unsubscribe function.
func (eb *EventBus) On(eventType string, handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	if eb.handlers[eventType] == nil {
		eb.handlers[eventType] = make(map[uint64]EventHandler)
	}
	eb.handlers[eventType][id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event. Returns an unsubscribe function.
func (eb *EventBus) OnAll(handler EventHandler) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	id := eb.nextID
	eb.nextID++
	eb.allHandlers[id] = handler
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		delete(eb.allHandlers, id)
	}
}

// Emit calls every matching handler synchronously on the caller's
// goroutine. Handlers run on the event loop and must not block; a
// panicking handler is recovered.
func (eb *EventBus) Emit(event Event) {
	eb.mu.RLock()
	handlers := make([]EventHandler, 0, len(eb.handlers[event.Type])+len(eb.allHandlers))
	for _, h := range eb.handlers[event.Type] {
		handlers = append(handlers, h)
	}
	for _, h := range eb.allHandlers {
		handlers = append(handlers, h)
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
