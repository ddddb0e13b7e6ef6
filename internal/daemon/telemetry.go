package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// TelemetryConfig holds telemetry batcher tunables.
type TelemetryConfig struct {
	FlushInterval time.Duration
	MaxBatch      int
	// MaxBuffer bounds the in-memory buffer; oldest events drop first.
	MaxBuffer int
}

// DefaultTelemetryConfig returns default telemetry tunables.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		FlushInterval: 60 * time.Second,
		MaxBatch:      50,
		MaxBuffer:     500,
	}
}

// Telemetry buffers bus events and ships them to the service in
// batches. Delivery is best effort: a failed flush keeps the batch
// buffered for the next interval, and overflow drops the oldest events.
type Telemetry struct {
	mu     sync.Mutex
	cfg    TelemetryConfig
	buffer []domain.AgentEvent

	client domain.PolicyClient
	clock  domain.Clock
	logger *zap.Logger
}

// NewTelemetry creates a telemetry batcher subscribed to every event
// kind on the bus.
func NewTelemetry(cfg TelemetryConfig, client domain.PolicyClient, clock domain.Clock, bus *domain.Bus, logger *zap.Logger) *Telemetry {
	t := &Telemetry{
		cfg:    cfg,
		client: client,
		clock:  clock,
		logger: logger,
	}

	kinds := []domain.EventKind{
		domain.EventConnectivityChanged,
		domain.EventEmergencyExpired,
		domain.EventEmergencyWarning,
		domain.EventTamperDetected,
		domain.EventLeaveSeatDetected,
		domain.EventLeaveSeatReleased,
	}
	for _, kind := range kinds {
		bus.Subscribe(kind, t.onEvent)
	}

	return t
}

func (t *Telemetry) onEvent(ev domain.Event) {
	record := domain.AgentEvent{
		Type:       string(ev.Kind),
		OccurredAt: ev.At,
	}
	if ev.Payload != nil {
		record.Payload = map[string]any{"detail": ev.Payload}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.buffer = append(t.buffer, record)
	if overflow := len(t.buffer) - t.cfg.MaxBuffer; overflow > 0 {
		t.buffer = t.buffer[overflow:]
	}
}

// Run flushes the buffer on the flush interval until the context is
// cancelled. A final flush runs on shutdown.
func (t *Telemetry) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.Flush(context.Background())
			return ctx.Err()
		case <-ticker.C:
			t.Flush(ctx)
		}
	}
}

// Flush ships up to MaxBatch buffered events. The batch stays buffered
// when delivery fails.
func (t *Telemetry) Flush(ctx context.Context) {
	t.mu.Lock()
	if len(t.buffer) == 0 {
		t.mu.Unlock()
		return
	}
	n := len(t.buffer)
	if n > t.cfg.MaxBatch {
		n = t.cfg.MaxBatch
	}
	batch := make([]domain.AgentEvent, n)
	copy(batch, t.buffer[:n])
	t.mu.Unlock()

	if err := t.client.ReportAgentEvents(ctx, batch); err != nil {
		t.logger.Debug("telemetry flush failed", zap.Error(err))
		return
	}

	t.mu.Lock()
	t.buffer = t.buffer[n:]
	t.mu.Unlock()
}
