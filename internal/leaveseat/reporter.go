package leaveseat

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// Config holds reporter tunables.
type Config struct {
	// FlushInterval is how often the retry queue is drained.
	FlushInterval time.Duration
	// MaxRetries is the per-report delivery attempt cap. A report past
	// the cap is dropped with an audit record.
	MaxRetries int
	// ReasonMaxLen truncates free-text reasons.
	ReasonMaxLen int
}

// DefaultConfig returns default reporter tunables.
func DefaultConfig() Config {
	return Config{
		FlushInterval: 30 * time.Second,
		MaxRetries:    10,
		ReasonMaxLen:  200,
	}
}

// backoffSchedule is the retry delay per attempt; past the end the last
// value repeats.
var backoffSchedule = []time.Duration{
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	5 * time.Minute,
	15 * time.Minute,
}

func backoffFor(retryCount int) time.Duration {
	if retryCount >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[retryCount]
}

// Reporter delivers session-correlated START/END leave-seat reports.
// Failed deliveries land in the durable queue and retry with backoff
// until MaxRetries, then drop. At most one session is open at a time.
type Reporter struct {
	mu        sync.Mutex
	cfg       Config
	sessionID string
	flushing  bool

	client domain.PolicyClient
	queue  domain.ReportQueue
	clock  domain.Clock
	bus    *domain.Bus
	audit  domain.AuditLogger
	logger *zap.Logger
}

// NewReporter creates a leave-seat reporter with no active session.
func NewReporter(cfg Config, client domain.PolicyClient, queue domain.ReportQueue, clock domain.Clock, bus *domain.Bus, audit domain.AuditLogger, logger *zap.Logger) *Reporter {
	return &Reporter{
		cfg:    cfg,
		client: client,
		queue:  queue,
		clock:  clock,
		bus:    bus,
		audit:  audit,
		logger: logger,
	}
}

// ActiveSession returns the open session id, or empty when none.
func (r *Reporter) ActiveSession() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// SetClient swaps the delivery client. A nil client queues everything.
func (r *Reporter) SetClient(client domain.PolicyClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = client
}

// ReportStart opens a session and delivers its START report. No-op when
// a session is already open.
func (r *Reporter) ReportStart(ctx context.Context, reasonKind, sessionKind, reason string, occurredAt time.Time) {
	r.mu.Lock()
	if r.sessionID != "" {
		r.mu.Unlock()
		return
	}
	r.sessionID = uuid.NewString()
	report := domain.LeaveSeatReport{
		SessionID:   r.sessionID,
		Phase:       domain.PhaseStart,
		ReasonKind:  reasonKind,
		SessionKind: sessionKind,
		Reason:      r.sanitizeReason(reason),
		OccurredAt:  occurredAt,
	}
	r.mu.Unlock()

	r.logger.Info("leave-seat session started",
		zap.String("sessionId", report.SessionID),
		zap.String("sessionKind", sessionKind))
	r.bus.Publish(domain.Event{
		Kind:    domain.EventLeaveSeatDetected,
		At:      occurredAt,
		Payload: report,
	})

	r.deliver(ctx, report)
}

// ReportEnd closes the open session and delivers its END report. No-op
// when no session is open. The session id clears before delivery: a
// failed END never blocks the next session from opening.
func (r *Reporter) ReportEnd(ctx context.Context, occurredAt time.Time) {
	r.mu.Lock()
	if r.sessionID == "" {
		r.mu.Unlock()
		return
	}
	report := domain.LeaveSeatReport{
		SessionID:  r.sessionID,
		Phase:      domain.PhaseEnd,
		OccurredAt: occurredAt,
	}
	r.sessionID = ""
	r.mu.Unlock()

	r.logger.Info("leave-seat session ended", zap.String("sessionId", report.SessionID))
	r.bus.Publish(domain.Event{
		Kind:    domain.EventLeaveSeatReleased,
		At:      occurredAt,
		Payload: report,
	})

	r.deliver(ctx, report)
}

// deliver tries the report once and enqueues it on failure.
func (r *Reporter) deliver(ctx context.Context, report domain.LeaveSeatReport) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()

	if client != nil {
		err := client.ReportLeaveSeat(ctx, report)
		if err == nil {
			return
		}
		r.logger.Warn("leave-seat report delivery failed, queueing",
			zap.String("sessionId", report.SessionID),
			zap.String("phase", string(report.Phase)),
			zap.Error(err))
	}

	queued := domain.QueuedReport{
		LeaveSeatReport: report,
		RetryCount:      0,
		NextRetryAt:     r.clock.Now().Add(backoffFor(0)),
	}
	if qErr := r.queue.Append(queued); qErr != nil {
		r.logger.Error("failed to queue leave-seat report", zap.Error(qErr))
	}
}

// Run drains the retry queue on the flush interval until the context is
// cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.FlushQueue(ctx)
		}
	}
}

// FlushQueue retries every due queued report once. Reports past
// MaxRetries are dropped with an audit record. Re-entrant flushes are
// skipped while one is in flight.
func (r *Reporter) FlushQueue(ctx context.Context) {
	r.mu.Lock()
	if r.flushing {
		r.mu.Unlock()
		return
	}
	r.flushing = true
	client := r.client
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.flushing = false
		r.mu.Unlock()
	}()

	reports, err := r.queue.Load()
	if err != nil {
		r.logger.Error("failed to load report queue", zap.Error(err))
		return
	}
	if len(reports) == 0 {
		return
	}

	now := r.clock.Now()
	remaining := make([]domain.QueuedReport, 0, len(reports))

	for _, q := range reports {
		if now.Before(q.NextRetryAt) {
			remaining = append(remaining, q)
			continue
		}

		if client != nil {
			if err := client.ReportLeaveSeat(ctx, q.LeaveSeatReport); err == nil {
				r.logger.Info("queued leave-seat report delivered",
					zap.String("sessionId", q.SessionID),
					zap.String("phase", string(q.Phase)),
					zap.Int("retryCount", q.RetryCount))
				continue
			}
		}

		q.RetryCount++
		if q.RetryCount >= r.cfg.MaxRetries {
			r.audit.Write("MAX_RETRY_EXCEEDED", domain.AuditError, map[string]any{
				"sessionId":  q.SessionID,
				"phase":      string(q.Phase),
				"retryCount": q.RetryCount,
			})
			continue
		}
		q.NextRetryAt = now.Add(backoffFor(q.RetryCount))
		remaining = append(remaining, q)
	}

	if err := r.queue.Save(remaining); err != nil {
		r.logger.Error("failed to rewrite report queue", zap.Error(err))
	}
}

// sanitizeReason strips control characters and truncates free text.
func (r *Reporter) sanitizeReason(reason string) string {
	cleaned := strings.Map(func(c rune) rune {
		if c < 0x20 || c == 0x7f {
			return -1
		}
		return c
	}, reason)

	if len(cleaned) > r.cfg.ReasonMaxLen {
		// Back up to a rune start so truncation never splits a rune.
		cut := r.cfg.ReasonMaxLen
		for cut > 0 && !utf8.RuneStart(cleaned[cut]) {
			cut--
		}
		cleaned = cleaned[:cut]
	}
	return cleaned
}
