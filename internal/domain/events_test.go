package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	bus := NewBus()

	var got []EventKind
	bus.Subscribe(EventTamperDetected, func(ev Event) { got = append(got, ev.Kind) })
	bus.Subscribe(EventConnectivityChanged, func(ev Event) { got = append(got, ev.Kind) })

	bus.Publish(Event{Kind: EventTamperDetected, At: time.Now()})
	assert.Equal(t, []EventKind{EventTamperDetected}, got)
}

func TestBus_MultipleSubscribersSameKind(t *testing.T) {
	bus := NewBus()

	count := 0
	bus.Subscribe(EventLeaveSeatDetected, func(Event) { count++ })
	bus.Subscribe(EventLeaveSeatDetected, func(Event) { count++ })

	bus.Publish(Event{Kind: EventLeaveSeatDetected})
	assert.Equal(t, 2, count)
}

func TestBus_PanickingObserverDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()

	var delivered bool
	bus.Subscribe(EventEmergencyExpired, func(Event) { panic("observer bug") })
	bus.Subscribe(EventEmergencyExpired, func(Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: EventEmergencyExpired})
	})
	assert.True(t, delivered)
}

func TestBus_PublishWithoutSubscribersIsNoOp(t *testing.T) {
	bus := NewBus()
	assert.NotPanics(t, func() {
		bus.Publish(Event{Kind: EventEmergencyWarning})
	})
}
