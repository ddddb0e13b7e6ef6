package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
	"github.com/deskguard/agent/internal/infra"
)

func newTestTelemetry(t *testing.T, client *stubClient) (*Telemetry, *domain.Bus) {
	t.Helper()
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	bus := domain.NewBus()
	tel := NewTelemetry(DefaultTelemetryConfig(), client, clock, bus, zap.NewNop())
	return tel, bus
}

func TestTelemetry_BuffersAndFlushesBusEvents(t *testing.T) {
	client := &stubClient{}
	tel, bus := newTestTelemetry(t, client)

	bus.Publish(domain.Event{Kind: domain.EventTamperDetected, At: time.Now()})
	bus.Publish(domain.Event{Kind: domain.EventConnectivityChanged, At: time.Now()})

	tel.Flush(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Len(t, client.events, 1)
	require.Len(t, client.events[0], 2)
	assert.Equal(t, "tamper_detected", client.events[0][0].Type)
	assert.Equal(t, "connectivity_changed", client.events[0][1].Type)
}

func TestTelemetry_EmptyBufferSkipsFlush(t *testing.T) {
	client := &stubClient{}
	tel, _ := newTestTelemetry(t, client)

	tel.Flush(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	assert.Empty(t, client.events)
}

func TestTelemetry_FailedFlushKeepsBatch(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	bus := domain.NewBus()
	failing := &failingEventClient{}
	tel := NewTelemetry(DefaultTelemetryConfig(), failing, clock, bus, zap.NewNop())

	bus.Publish(domain.Event{Kind: domain.EventTamperDetected, At: time.Now()})
	tel.Flush(context.Background())

	// Delivery failed: a later flush resends the same event.
	failing.succeed = true
	tel.Flush(context.Background())
	require.Len(t, failing.delivered, 1)
	assert.Equal(t, "tamper_detected", failing.delivered[0].Type)
}

func TestTelemetry_BufferOverflowDropsOldest(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	bus := domain.NewBus()
	cfg := TelemetryConfig{FlushInterval: time.Minute, MaxBatch: 10, MaxBuffer: 3}
	client := &stubClient{}
	tel := NewTelemetry(cfg, client, clock, bus, zap.NewNop())

	for i := 0; i < 5; i++ {
		bus.Publish(domain.Event{Kind: domain.EventConnectivityChanged, At: time.Now().Add(time.Duration(i) * time.Second)})
	}

	tel.mu.Lock()
	defer tel.mu.Unlock()
	assert.Len(t, tel.buffer, 3)
}

// failingEventClient fails ReportAgentEvents until told to succeed.
type failingEventClient struct {
	stubClient
	succeed   bool
	delivered []domain.AgentEvent
}

func (c *failingEventClient) ReportAgentEvents(ctx context.Context, events []domain.AgentEvent) error {
	if !c.succeed {
		return context.DeadlineExceeded
	}
	c.delivered = append(c.delivered, events...)
	return nil
}
