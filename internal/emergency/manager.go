// Package emergency gates the credential-based unlock override behind a
// failure-counted lockout and a bounded, auto-expiring unlock window.
package emergency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

const stateDocument = "emergency_unlock"

// Config holds emergency-unlock tunables. Remote policy can overwrite
// the positive fields at runtime via UpdatePolicy.
type Config struct {
	DurationMinutes int
	MaxFailures     int
	LockoutSeconds  int
	// WarningWindow is how long before expiry the warning fires.
	WarningWindow time.Duration
}

// DefaultConfig returns default emergency-unlock tunables.
func DefaultConfig() Config {
	return Config{
		DurationMinutes: 30,
		MaxFailures:     5,
		LockoutSeconds:  300,
		WarningWindow:   5 * time.Minute,
	}
}

// AttemptResult is the structured outcome of an unlock attempt. It
// never carries an unexpected transport error; those are returned
// separately so "wrong password" and "couldn't verify" stay distinct.
type AttemptResult struct {
	Granted           bool
	Message           string
	RemainingAttempts int
	LockedUntil       *time.Time
	ExpiresAt         *time.Time
}

// Manager is the {inactive, active, locked-out} state machine layered
// on EmergencyUnlockState. All state changes persist synchronously;
// persistence failures are logged but never block the in-memory
// transition.
type Manager struct {
	mu           sync.Mutex
	cfg          Config
	state        domain.EmergencyUnlockState
	expiryTimer  domain.Timer
	warningTimer domain.Timer
	lockoutTimer domain.Timer

	client domain.PolicyClient
	store  domain.DocumentStore
	clock  domain.Clock
	bus    *domain.Bus
	audit  domain.AuditLogger
	logger *zap.Logger
}

// NewManager creates an emergency-unlock manager in the inactive state.
func NewManager(cfg Config, client domain.PolicyClient, store domain.DocumentStore, clock domain.Clock, bus *domain.Bus, audit domain.AuditLogger, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		client: client,
		store:  store,
		clock:  clock,
		bus:    bus,
		audit:  audit,
		logger: logger,
	}
}

// State returns a copy of the current unlock state.
func (m *Manager) State() domain.EmergencyUnlockState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempt verifies the credential and, on success, opens an unlock
// window. A lockout in effect short-circuits before any remote call. A
// transport error is returned without counting as a failed attempt.
func (m *Manager) Attempt(ctx context.Context, password, reason string) (AttemptResult, error) {
	m.mu.Lock()
	now := m.clock.Now()

	m.clearElapsedLockoutLocked(now)

	if m.state.LockedUntil != nil && now.Before(*m.state.LockedUntil) {
		lockedUntil := *m.state.LockedUntil
		m.mu.Unlock()
		m.audit.Write("EMERGENCY_LOCKED_OUT", domain.AuditWarn, map[string]any{
			"lockedUntil": lockedUntil.Format(time.RFC3339),
		})
		return AttemptResult{
			Granted:           false,
			Message:           "emergency unlock is locked out",
			RemainingAttempts: 0,
			LockedUntil:       &lockedUntil,
		}, nil
	}
	remaining := m.cfg.MaxFailures - m.state.FailureCount
	m.mu.Unlock()

	result, err := m.client.CheckEmergencyCredential(ctx, password, reason)
	if err != nil {
		// Couldn't verify is not a wrong password: the failure
		// counter stays untouched and the caller sees the error.
		m.logger.Warn("emergency credential check unreachable", zap.Error(err))
		return AttemptResult{
			Granted:           false,
			Message:           "credential verification unavailable",
			RemainingAttempts: remaining,
		}, fmt.Errorf("credential check failed: %w", err)
	}

	if result.Success {
		return m.grant(reason), nil
	}
	return m.recordFailure(result.Message), nil
}

func (m *Manager) grant(reason string) AttemptResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	duration := time.Duration(m.cfg.DurationMinutes) * time.Minute
	expiresAt := now.Add(duration)

	m.state = domain.EmergencyUnlockState{
		Active:    true,
		StartAt:   &now,
		ExpiresAt: &expiresAt,
	}
	m.stopLockoutTimerLocked()
	m.armWindowTimersLocked(duration)
	m.persistLocked()

	m.audit.Write("EMERGENCY_UNLOCK_GRANTED", domain.AuditInfo, map[string]any{
		"expiresAt": expiresAt.Format(time.RFC3339),
		"reason":    reason,
	})

	return AttemptResult{
		Granted:           true,
		Message:           "emergency unlock granted",
		RemainingAttempts: m.cfg.MaxFailures,
		ExpiresAt:         &expiresAt,
	}
}

func (m *Manager) recordFailure(message string) AttemptResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.state.FailureCount++

	if m.state.FailureCount >= m.cfg.MaxFailures {
		lockedUntil := now.Add(time.Duration(m.cfg.LockoutSeconds) * time.Second)
		m.state.LockedUntil = &lockedUntil
		m.armLockoutTimerLocked(lockedUntil.Sub(now))
		m.persistLocked()

		m.audit.Write("EMERGENCY_LOCKOUT_STARTED", domain.AuditWarn, map[string]any{
			"failureCount": m.state.FailureCount,
			"lockedUntil":  lockedUntil.Format(time.RFC3339),
		})

		return AttemptResult{
			Granted:           false,
			Message:           message,
			RemainingAttempts: 0,
			LockedUntil:       &lockedUntil,
		}
	}

	m.persistLocked()
	return AttemptResult{
		Granted:           false,
		Message:           message,
		RemainingAttempts: m.cfg.MaxFailures - m.state.FailureCount,
	}
}

// UpdatePolicy overwrites tunables with remote-supplied values. Only
// positive values apply; the manager never resets to defaults
// implicitly.
func (m *Manager) UpdatePolicy(durationMinutes, maxFailures, lockoutSeconds int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if durationMinutes > 0 {
		m.cfg.DurationMinutes = durationMinutes
	}
	if maxFailures > 0 {
		m.cfg.MaxFailures = maxFailures
	}
	if lockoutSeconds > 0 {
		m.cfg.LockoutSeconds = lockoutSeconds
	}
}

// Deactivate ends an active unlock window early, e.g. when the user
// re-enters the lock screen. Same path as natural expiry.
func (m *Manager) Deactivate() {
	m.expire("deactivated")
}

// Restore loads the persisted state. A still-valid window re-arms its
// timers for the remaining durations; an expired one expires
// immediately; an elapsed lockout is cleared.
func (m *Manager) Restore() {
	m.mu.Lock()

	var state domain.EmergencyUnlockState
	if !m.store.Load(stateDocument, &state) {
		m.mu.Unlock()
		return
	}
	m.state = state
	now := m.clock.Now()

	changed := m.clearElapsedLockoutLocked(now)

	if m.state.Active {
		if m.state.ExpiresAt != nil && m.state.ExpiresAt.After(now) {
			m.armWindowTimersLocked(m.state.ExpiresAt.Sub(now))
		} else {
			m.mu.Unlock()
			m.expire("expired")
			return
		}
	}

	if changed {
		m.persistLocked()
	}
	m.mu.Unlock()
}

// Stop cancels all timers. Double-stop is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWindowTimersLocked()
	m.stopLockoutTimerLocked()
}

func (m *Manager) expire(cause string) {
	m.mu.Lock()

	if !m.state.Active {
		m.mu.Unlock()
		return
	}

	m.state.Active = false
	m.state.StartAt = nil
	m.state.ExpiresAt = nil
	m.stopWindowTimersLocked()
	m.persistLocked()
	m.mu.Unlock()

	m.audit.Write("EMERGENCY_UNLOCK_EXPIRED", domain.AuditInfo, map[string]any{
		"cause": cause,
	})
	m.bus.Publish(domain.Event{
		Kind:    domain.EventEmergencyExpired,
		At:      m.clock.Now(),
		Payload: cause,
	})
}

func (m *Manager) onWarning() {
	m.mu.Lock()
	if !m.state.Active || m.state.ExpiresAt == nil {
		m.mu.Unlock()
		return
	}
	remaining := m.state.ExpiresAt.Sub(m.clock.Now())
	m.mu.Unlock()

	m.audit.Write("EMERGENCY_EXPIRY_WARNING", domain.AuditInfo, map[string]any{
		"remaining": remaining.String(),
	})
	m.bus.Publish(domain.Event{
		Kind:    domain.EventEmergencyWarning,
		At:      m.clock.Now(),
		Payload: remaining,
	})
}

// armWindowTimersLocked arms the expiry timer and, when the remaining
// duration exceeds the warning window, the pre-expiry warning timer.
// Existing timers are replaced, never stacked.
func (m *Manager) armWindowTimersLocked(remaining time.Duration) {
	m.stopWindowTimersLocked()
	m.expiryTimer = m.clock.AfterFunc(remaining, func() { m.expire("expired") })
	if remaining > m.cfg.WarningWindow {
		m.warningTimer = m.clock.AfterFunc(remaining-m.cfg.WarningWindow, m.onWarning)
	}
}

func (m *Manager) armLockoutTimerLocked(d time.Duration) {
	m.stopLockoutTimerLocked()
	m.lockoutTimer = m.clock.AfterFunc(d, m.onLockoutElapsed)
}

func (m *Manager) onLockoutElapsed() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.LockedUntil == nil {
		return
	}
	m.state.LockedUntil = nil
	m.state.FailureCount = 0
	m.persistLocked()

	m.audit.Write("EMERGENCY_LOCKOUT_CLEARED", domain.AuditInfo, nil)
}

// clearElapsedLockoutLocked lazily clears a lockout whose window has
// passed. The failure counter resets with it. Reports whether state
// changed.
func (m *Manager) clearElapsedLockoutLocked(now time.Time) bool {
	if m.state.LockedUntil != nil && !now.Before(*m.state.LockedUntil) {
		m.state.LockedUntil = nil
		m.state.FailureCount = 0
		m.stopLockoutTimerLocked()
		return true
	}
	return false
}

func (m *Manager) stopWindowTimersLocked() {
	if m.expiryTimer != nil {
		m.expiryTimer.Stop()
		m.expiryTimer = nil
	}
	if m.warningTimer != nil {
		m.warningTimer.Stop()
		m.warningTimer = nil
	}
}

func (m *Manager) stopLockoutTimerLocked() {
	if m.lockoutTimer != nil {
		m.lockoutTimer.Stop()
		m.lockoutTimer = nil
	}
}

func (m *Manager) persistLocked() {
	if err := m.store.Save(stateDocument, m.state); err != nil {
		// Best-effort durability: the in-memory transition stands.
		m.logger.Error("failed to persist emergency-unlock state", zap.Error(err))
	}
}
