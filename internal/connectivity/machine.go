// Package connectivity tracks API/heartbeat failures and applies a
// bounded grace period before hard-locking the workstation.
package connectivity

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

const snapshotDocument = "connectivity"

// Config holds connectivity state machine tunables.
type Config struct {
	// APIFailureThreshold is how many consecutive API failures enter
	// the grace period.
	APIFailureThreshold int
	// HeartbeatFailureThreshold is the heartbeat equivalent; higher
	// because heartbeats are more frequent and noisier.
	HeartbeatFailureThreshold int
	// GracePeriod is how long the machine stays usable while offline.
	GracePeriod time.Duration
}

// DefaultConfig returns default connectivity tunables.
func DefaultConfig() Config {
	return Config{
		APIFailureThreshold:       3,
		HeartbeatFailureThreshold: 5,
		GracePeriod:               30 * time.Minute,
	}
}

// Machine is the ONLINE → OFFLINE_GRACE → OFFLINE_LOCKED state machine.
// OFFLINE_LOCKED is reachable only through grace-period expiry, never
// directly from ONLINE. Every transition persists the snapshot and is
// published on the event bus.
type Machine struct {
	mu                sync.Mutex
	cfg               Config
	snap              domain.ConnectivitySnapshot
	apiFailures       int
	heartbeatFailures int
	graceTimer        domain.Timer

	store  domain.DocumentStore
	clock  domain.Clock
	bus    *domain.Bus
	audit  domain.AuditLogger
	logger *zap.Logger
}

// NewMachine creates a connectivity state machine in the ONLINE state.
func NewMachine(cfg Config, store domain.DocumentStore, clock domain.Clock, bus *domain.Bus, audit domain.AuditLogger, logger *zap.Logger) *Machine {
	return &Machine{
		cfg:    cfg,
		snap:   domain.ConnectivitySnapshot{State: domain.ConnOnline},
		store:  store,
		clock:  clock,
		bus:    bus,
		audit:  audit,
		logger: logger,
	}
}

// Snapshot returns a copy of the current connectivity state.
func (m *Machine) Snapshot() domain.ConnectivitySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// ReportFailure records a probe failure. The machine enters
// OFFLINE_GRACE once the per-source threshold is reached. No-op when
// already offline: an established grace period is never reset or
// extended by further failures.
func (m *Machine) ReportFailure(source domain.FailureSource) {
	m.mu.Lock()

	if m.snap.State != domain.ConnOnline {
		m.mu.Unlock()
		return
	}

	var count, threshold int
	switch source {
	case domain.SourceHeartbeat:
		m.heartbeatFailures++
		count, threshold = m.heartbeatFailures, m.cfg.HeartbeatFailureThreshold
	default:
		m.apiFailures++
		count, threshold = m.apiFailures, m.cfg.APIFailureThreshold
	}

	m.logger.Debug("connectivity failure reported",
		zap.String("source", string(source)),
		zap.Int("count", count),
		zap.Int("threshold", threshold))

	if count < threshold {
		m.mu.Unlock()
		return
	}
	ev := m.enterGraceLocked()
	m.mu.Unlock()

	m.bus.Publish(ev)
}

// ReportSuccess resets both failure counters and returns to ONLINE if
// the machine was offline.
func (m *Machine) ReportSuccess() {
	m.mu.Lock()

	m.apiFailures = 0
	m.heartbeatFailures = 0

	if m.snap.State == domain.ConnOnline {
		m.mu.Unlock()
		return
	}

	m.stopGraceTimerLocked()
	// Retry bookkeeping survives recovery; only the offline state clears.
	m.snap = domain.ConnectivitySnapshot{
		State:       domain.ConnOnline,
		RetryCount:  m.snap.RetryCount,
		LastRetryAt: m.snap.LastRetryAt,
	}
	ev := m.persistAndAuditLocked("CONN_RESTORED", domain.AuditInfo)
	m.mu.Unlock()

	m.bus.Publish(ev)
}

// RetryConnectivity runs a manual user-triggered probe. The retry count
// and timestamp are recorded unconditionally, even when the probe
// fails, so the UI can rate-limit and display the last attempt.
func (m *Machine) RetryConnectivity(ctx context.Context, probe func(context.Context) error) error {
	m.mu.Lock()
	now := m.clock.Now()
	m.snap.RetryCount++
	m.snap.LastRetryAt = &now
	m.persistLocked()
	m.mu.Unlock()

	if err := probe(ctx); err != nil {
		m.logger.Info("manual connectivity retry failed", zap.Error(err))
		return err
	}

	m.ReportSuccess()
	return nil
}

// Restore loads the persisted snapshot. A grace period whose deadline
// already passed transitions straight to OFFLINE_LOCKED; a live one
// re-arms the deferred timer for the remaining duration. OFFLINE_LOCKED
// is restored as-is: there is no auto-recovery without connectivity
// proof.
func (m *Machine) Restore() {
	m.mu.Lock()

	var snap domain.ConnectivitySnapshot
	if !m.store.Load(snapshotDocument, &snap) {
		m.mu.Unlock()
		return
	}
	m.snap = snap

	switch m.snap.State {
	case domain.ConnOfflineGrace:
		now := m.clock.Now()
		if m.snap.Deadline == nil || !m.snap.Deadline.After(now) {
			ev := m.lockLocked()
			m.mu.Unlock()
			m.bus.Publish(ev)
			return
		}
		remaining := m.snap.Deadline.Sub(now)
		m.armGraceTimerLocked(remaining)
		m.logger.Info("restored offline grace period",
			zap.Duration("remaining", remaining))

	case domain.ConnOfflineLock:
		m.logger.Warn("restored in offline-locked state")
	}
	m.mu.Unlock()
}

// Stop cancels the grace timer. Double-stop is a no-op.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopGraceTimerLocked()
}

func (m *Machine) enterGraceLocked() domain.Event {
	now := m.clock.Now()
	deadline := now.Add(m.cfg.GracePeriod)

	m.snap.State = domain.ConnOfflineGrace
	m.snap.OfflineSince = &now
	m.snap.Deadline = &deadline
	m.snap.Locked = false

	m.armGraceTimerLocked(m.cfg.GracePeriod)
	return m.persistAndAuditLocked("CONN_OFFLINE_GRACE", domain.AuditWarn)
}

func (m *Machine) armGraceTimerLocked(d time.Duration) {
	// Replace, never stack, the timer for this deadline.
	m.stopGraceTimerLocked()
	m.graceTimer = m.clock.AfterFunc(d, m.onGraceExpired)
}

func (m *Machine) onGraceExpired() {
	m.mu.Lock()

	if m.snap.State != domain.ConnOfflineGrace {
		m.mu.Unlock()
		return
	}
	ev := m.lockLocked()
	m.mu.Unlock()

	m.bus.Publish(ev)
}

func (m *Machine) lockLocked() domain.Event {
	m.snap.State = domain.ConnOfflineLock
	m.snap.Locked = true
	m.snap.Deadline = nil

	return m.persistAndAuditLocked("CONN_OFFLINE_LOCKED", domain.AuditError)
}

func (m *Machine) stopGraceTimerLocked() {
	if m.graceTimer != nil {
		m.graceTimer.Stop()
		m.graceTimer = nil
	}
}

func (m *Machine) persistLocked() {
	if err := m.store.Save(snapshotDocument, m.snap); err != nil {
		m.logger.Error("failed to persist connectivity snapshot", zap.Error(err))
	}
}

// persistAndAuditLocked persists and audits the transition and returns
// the change event. Callers publish it after releasing the mutex so a
// subscriber may call back into the machine without deadlocking.
func (m *Machine) persistAndAuditLocked(code string, level domain.AuditLevel) domain.Event {
	m.persistLocked()

	payload := map[string]any{
		"state":      string(m.snap.State),
		"locked":     m.snap.Locked,
		"retryCount": m.snap.RetryCount,
	}
	if m.snap.OfflineSince != nil {
		payload["offlineSince"] = m.snap.OfflineSince.Format(time.RFC3339)
	}
	if m.snap.Deadline != nil {
		payload["deadline"] = m.snap.Deadline.Format(time.RFC3339)
	}
	m.audit.Write(code, level, payload)

	return domain.Event{
		Kind:    domain.EventConnectivityChanged,
		At:      m.clock.Now(),
		Payload: m.snap,
	}
}
