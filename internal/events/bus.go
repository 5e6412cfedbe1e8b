// Package events is a minimal in-process publish/subscribe bus, used to
// propagate index changes to caches without coupling the storage engine
// to its consumers.
package events

import (
	"log/slog"
	"sync"
)

// IndexChanged fires after a repo index mutation; the payload is the
// repo name.
const IndexChanged = "indexChanged"

// Handler receives the event payload.
type Handler func(payload string)

// Bus dispatches events to subscribed handlers.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for event.
func (b *Bus) Subscribe(event string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[event] = append(b.handlers[event], handler)
}

// Emit invokes all handlers for event synchronously, fire-and-forget: a
// panicking handler is logged and does not affect the emitter or other
// handlers.
func (b *Bus) Emit(event, payload string) {
	b.mu.RLock()
	handlers := b.handlers[event]
	b.mu.RUnlock()

	for _, handler := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Event handler panicked", "event", event, "panic", r)
				}
			}()
			handler(payload)
		}()
	}
}
