// Package events provides the canonical event names surfaced to the UI
// layer and a small in-process bus for delivering them.
package events

import (
	"fmt"
	"log/slog"
	"sync"
)

// Canonical event names.
const (
	BackupCreated     = "backup:created"
	BackupRestored    = "backup:restored"
	ConnectionOnline  = "connection:online"
	ConnectionOffline = "connection:offline"
	SyncFailed        = "sync:failed"
	SyncConflict      = "sync:conflict"
)

// EntityEvent builds the per-entity sync event name, e.g. "sync:order:create".
func EntityEvent(entityType, action string) string {
	return fmt.Sprintf("sync:%s:%s", entityType, action)
}

// Handler receives an event payload. Handlers run synchronously on the
// emitter's goroutine; keep them short.
type Handler func(payload any)

// Bus fans events out to local subscribers. Delivery is at-least-once per
// subscriber with no cross-event ordering guarantee. A panicking handler is
// recovered and logged so one subscriber cannot wedge the emitter.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	all      []func(name string, payload any)
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[string][]Handler)}
}

// Subscribe registers a handler for an event name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// SubscribeAll registers a handler that receives every event. The handler
// is called with the event name instead of via per-name registration.
func (b *Bus) SubscribeAll(h func(name string, payload any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit delivers payload to every subscriber of name.
func (b *Bus) Emit(name string, payload any) {
	b.mu.RLock()
	handlers := b.handlers[name]
	all := b.all
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(name, payload, func() { h(payload) })
	}
	for _, h := range all {
		h := h
		b.deliver(name, payload, func() { h(name, payload) })
	}
}

func (b *Bus) deliver(name string, payload any, call func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event", name, "panic", r)
		}
	}()
	call()
}
