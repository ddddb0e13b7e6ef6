package domain

import (
	"sync"
	"time"
)

// EventKind names a cross-component notification.
type EventKind string

const (
	EventConnectivityChanged EventKind = "connectivity_changed"
	EventEmergencyExpired    EventKind = "emergency_expired"
	EventEmergencyWarning    EventKind = "emergency_expiry_warning"
	EventTamperDetected      EventKind = "tamper_detected"
	EventLeaveSeatDetected   EventKind = "leave_seat_detected"
	EventLeaveSeatReleased   EventKind = "leave_seat_released"
)

// Event is one published notification.
type Event struct {
	Kind    EventKind
	At      time.Time
	Payload any
}

// Bus is a typed observer registry for cross-component notifications.
// Observer panics are recovered and dropped: observability must never
// destabilize the publishing state machine.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventKind][]func(Event)
}

// NewBus creates an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventKind][]func(Event))}
}

// Subscribe registers fn for events of the given kind.
func (b *Bus) Subscribe(kind EventKind, fn func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[kind] = append(b.subs[kind], fn)
}

// Publish delivers the event to every subscriber synchronously.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	subs := b.subs[ev.Kind]
	b.mu.RUnlock()

	for _, fn := range subs {
		safeNotify(fn, ev)
	}
}

func safeNotify(fn func(Event), ev Event) {
	defer func() { _ = recover() }()
	fn(ev)
}
