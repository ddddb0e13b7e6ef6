// Package leaveseat detects away-from-seat sessions from idle time and
// sleep signals, and reports them with at-least-once delivery.
package leaveseat

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

const pollInterval = 5 * time.Second

// DetectorHooks is the decision surface the detector consults and
// notifies. The hooks own all policy: the detector only observes.
type DetectorHooks interface {
	// PolicyEnabled reports whether leave-seat detection applies now.
	PolicyEnabled() bool

	// Threshold returns the idle duration that counts as leaving.
	Threshold() time.Duration

	// SessionActive reports whether a leave-seat session is open.
	SessionActive() bool

	// IdleDetected fires when idle time crosses the threshold. at is
	// the estimated moment the user left (now minus the idle duration).
	IdleDetected(at time.Time)

	// SleepDetected fires on resume when the suspend gap meets the
	// threshold. at is the suspend instant.
	SleepDetected(at time.Time)

	// Resumed fires when the user is back: on every power resume, and
	// when input returns while a session is open.
	Resumed(at time.Time)
}

// Detector polls the idle provider and subscribes to power signals.
// It opens at most one session at a time; a second trigger while a
// session is active is ignored.
type Detector struct {
	mu          sync.Mutex
	suspendedAt *time.Time
	unsubPower  func()
	stopped     bool

	hooks  DetectorHooks
	idle   domain.IdleProvider
	power  domain.PowerMonitor
	clock  domain.Clock
	logger *zap.Logger
}

// NewDetector creates a leave-seat detector.
func NewDetector(hooks DetectorHooks, idle domain.IdleProvider, power domain.PowerMonitor, clock domain.Clock, logger *zap.Logger) *Detector {
	return &Detector{
		hooks:  hooks,
		idle:   idle,
		power:  power,
		clock:  clock,
		logger: logger,
	}
}

// Run polls until the context is cancelled. Power signals are
// subscribed for the lifetime of the run.
func (d *Detector) Run(ctx context.Context) error {
	unsub, err := d.power.Subscribe(d.onSuspend, d.onResume)
	if err != nil {
		d.logger.Warn("power monitor unavailable, sleep detection disabled", zap.Error(err))
	} else {
		d.mu.Lock()
		d.unsubPower = unsub
		d.mu.Unlock()
	}

	ticker := d.clock.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.Stop()
			return ctx.Err()
		case <-ticker.C:
			d.pollOnce()
		}
	}
}

// pollOnce runs one idle check. While a session is open the same poll
// watches for input returning and releases the session; new detection
// is suppressed until then.
func (d *Detector) pollOnce() {
	idle, err := d.idle.IdleDuration()
	if err != nil {
		d.logger.Debug("idle read failed", zap.Error(err))
		return
	}

	threshold := d.hooks.Threshold()

	if d.hooks.SessionActive() {
		// Fresh input during an open session means the user is back.
		if threshold > 0 && idle < threshold {
			d.hooks.Resumed(d.clock.Now())
		}
		return
	}

	if !d.hooks.PolicyEnabled() {
		return
	}
	if threshold <= 0 || idle < threshold {
		return
	}

	// The user left when input last stopped, not when we noticed.
	d.hooks.IdleDetected(d.clock.Now().Add(-idle))
}

func (d *Detector) onSuspend(at time.Time) {
	d.mu.Lock()
	d.suspendedAt = &at
	d.mu.Unlock()
}

func (d *Detector) onResume(at time.Time) {
	d.mu.Lock()
	suspendedAt := d.suspendedAt
	d.suspendedAt = nil
	d.mu.Unlock()

	d.hooks.Resumed(at)

	if suspendedAt == nil {
		return
	}
	if !d.hooks.PolicyEnabled() || d.hooks.SessionActive() {
		return
	}

	threshold := d.hooks.Threshold()
	if threshold <= 0 || at.Sub(*suspendedAt) < threshold {
		return
	}

	// The machine was asleep long enough to count as away time,
	// anchored at the suspend instant.
	d.hooks.SleepDetected(*suspendedAt)
}

// Stop unsubscribes from power signals. Double-stop is a no-op.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}
	d.stopped = true
	if d.unsubPower != nil {
		d.unsubPower()
		d.unsubPower = nil
	}
}
