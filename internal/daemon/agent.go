// Package daemon runs the agent loop: it schedules integrity checks and
// heartbeats, feeds the connectivity and emergency state machines, and
// exposes the combined lock decision.
package daemon

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/connectivity"
	"github.com/deskguard/agent/internal/domain"
	"github.com/deskguard/agent/internal/emergency"
	"github.com/deskguard/agent/internal/integrity"
	"github.com/deskguard/agent/internal/leaveseat"
	"github.com/deskguard/agent/internal/screenpolicy"
)

// Config holds agent loop configuration.
type Config struct {
	VerifyInterval    time.Duration // integrity verification cadence
	HeartbeatInterval time.Duration // policy fetch cadence
	CriticalPaths     []string      // watched and baselined agent files
	MonitoredPaths    []string      // operator-extended watch set
}

// DefaultConfig returns default agent loop configuration.
func DefaultConfig() Config {
	return Config{
		VerifyInterval:    60 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

// Decision is the combined lock decision surfaced to callers.
// Emergency unlock overrides every lock cause while its window is open.
type Decision struct {
	ScreenType   screenpolicy.ScreenType      `json:"screenType"`
	Locked       bool                         `json:"locked"`
	LockCause    string                       `json:"lockCause,omitempty"`
	LeaveSeat    screenpolicy.LeaveSeatPolicy `json:"leaveSeat"`
	Connectivity domain.ConnectivitySnapshot  `json:"connectivity"`
	Emergency    domain.EmergencyUnlockState  `json:"emergency"`
}

// Agent wires the state machines together and drives them on tickers.
type Agent struct {
	mu     sync.Mutex
	cfg    Config
	policy *domain.WorkTimePolicy
	runCtx context.Context

	guard     *integrity.Guard
	conn      *connectivity.Machine
	emergency *emergency.Manager
	reporter  *leaveseat.Reporter
	detector  *leaveseat.Detector
	telemetry *Telemetry

	client domain.PolicyClient
	clock  domain.Clock
	bus    *domain.Bus
	logger *zap.Logger
}

// NewAgent creates the agent loop. The detector is created here so the
// agent can serve as its decision hooks.
func NewAgent(
	cfg Config,
	guard *integrity.Guard,
	conn *connectivity.Machine,
	em *emergency.Manager,
	reporter *leaveseat.Reporter,
	telemetry *Telemetry,
	idle domain.IdleProvider,
	power domain.PowerMonitor,
	client domain.PolicyClient,
	clock domain.Clock,
	bus *domain.Bus,
	logger *zap.Logger,
) *Agent {
	a := &Agent{
		cfg:       cfg,
		guard:     guard,
		conn:      conn,
		emergency: em,
		reporter:  reporter,
		telemetry: telemetry,
		client:    client,
		clock:     clock,
		bus:       bus,
		logger:    logger,
	}
	a.detector = leaveseat.NewDetector(a, idle, power, clock, logger)
	return a
}

var _ leaveseat.DetectorHooks = (*Agent)(nil)

// Run restores persisted state, captures the baseline if needed, starts
// the background loops and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	a.conn.Restore()
	a.emergency.Restore()

	if len(a.cfg.CriticalPaths) > 0 {
		if err := a.guard.CaptureBaseline(a.cfg.CriticalPaths); err != nil {
			a.logger.Error("failed to capture integrity baseline", zap.Error(err))
		}
		if err := a.guard.WatchCritical(a.cfg.CriticalPaths); err != nil {
			a.logger.Warn("failed to watch critical paths", zap.Error(err))
		}
	}
	if len(a.cfg.MonitoredPaths) > 0 {
		if err := a.guard.WatchMonitored(a.cfg.MonitoredPaths); err != nil {
			a.logger.Warn("failed to watch monitored paths", zap.Error(err))
		}
	}

	a.logger.Info("agent started",
		zap.Duration("verifyInterval", a.cfg.VerifyInterval),
		zap.Duration("heartbeatInterval", a.cfg.HeartbeatInterval))

	// First heartbeat runs inline so a decision is available right away.
	a.heartbeat(ctx)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.detector.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = a.reporter.Run(ctx)
	}()
	if a.telemetry != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.telemetry.Run(ctx)
		}()
	}

	verifyTicker := a.clock.NewTicker(a.cfg.VerifyInterval)
	heartbeatTicker := a.clock.NewTicker(a.cfg.HeartbeatInterval)
	defer func() {
		verifyTicker.Stop()
		heartbeatTicker.Stop()
	}()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			wg.Wait()
			a.shutdown()
			return ctx.Err()

		case <-verifyTicker.C:
			a.runVerification()

		case <-heartbeatTicker.C:
			a.heartbeat(ctx)
		}
	}
}

func (a *Agent) shutdown() {
	a.guard.Stop()
	a.conn.Stop()
	a.emergency.Stop()
	a.detector.Stop()
}

// runVerification runs one integrity pass.
func (a *Agent) runVerification() {
	ok, events := a.guard.VerifyAll()
	if !ok {
		a.logger.Warn("integrity verification failed",
			zap.Int("events", len(events)))
	}
}

// heartbeat fetches the work-time policy. The fetch doubles as the
// connectivity probe: success resets the failure counters, failure
// counts toward the heartbeat threshold.
func (a *Agent) heartbeat(ctx context.Context) {
	policy, err := a.client.FetchWorkTimePolicy(ctx)
	if err != nil {
		a.logger.Debug("heartbeat failed", zap.Error(err))
		a.conn.ReportFailure(domain.SourceHeartbeat)
		return
	}

	a.conn.ReportSuccess()
	a.applyPolicy(policy)
}

// applyPolicy stores the snapshot and forwards emergency tunables.
func (a *Agent) applyPolicy(policy *domain.WorkTimePolicy) {
	if policy == nil {
		return
	}

	a.mu.Lock()
	a.policy = policy
	a.mu.Unlock()

	a.emergency.UpdatePolicy(
		policy.EmergencyDurationMin,
		policy.EmergencyMaxFailures,
		policy.EmergencyLockoutSec)
}

// Policy returns the latest work-time policy snapshot, or nil before
// the first successful fetch.
func (a *Agent) Policy() *domain.WorkTimePolicy {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.policy
}

// CurrentDecision computes the combined lock decision from the latest
// policy snapshot and the state machines.
func (a *Agent) CurrentDecision() Decision {
	a.mu.Lock()
	policy := a.policy
	a.mu.Unlock()

	now := a.clock.Now()
	leaveSeatActive := a.reporter.ActiveSession() != ""

	d := Decision{
		ScreenType:   screenpolicy.ResolveScreenType(policy, now, leaveSeatActive),
		LeaveSeat:    screenpolicy.CalcLeaveSeatPolicy(policy, now),
		Connectivity: a.conn.Snapshot(),
		Emergency:    a.emergency.State(),
	}

	switch {
	case d.Emergency.Active:
		// Open unlock window overrides every lock cause.
	case d.Connectivity.Locked:
		d.Locked = true
		d.LockCause = "connectivity"
	case d.ScreenType == screenpolicy.ScreenOff:
		d.Locked = true
		d.LockCause = "screen_policy"
	}

	return d
}

// AttemptEmergencyUnlock forwards a credential attempt to the
// emergency-unlock manager.
func (a *Agent) AttemptEmergencyUnlock(ctx context.Context, password, reason string) (emergency.AttemptResult, error) {
	return a.emergency.Attempt(ctx, password, reason)
}

// RetryConnectivity runs a manual probe against the policy endpoint.
// A failed probe counts toward the API failure threshold.
func (a *Agent) RetryConnectivity(ctx context.Context) error {
	err := a.conn.RetryConnectivity(ctx, func(ctx context.Context) error {
		policy, err := a.client.FetchWorkTimePolicy(ctx)
		if err != nil {
			return err
		}
		a.applyPolicy(policy)
		return nil
	})
	if err != nil {
		a.conn.ReportFailure(domain.SourceAPI)
	}
	return err
}

// PolicyEnabled reports whether leave-seat detection applies right now.
// Detection requires the server flag and an on-duty screen.
func (a *Agent) PolicyEnabled() bool {
	a.mu.Lock()
	policy := a.policy
	a.mu.Unlock()

	if policy == nil || !isYes(policy.LeaveSeatUse) {
		return false
	}

	switch screenpolicy.ScreenType(policy.ScreenType) {
	case screenpolicy.ScreenOff, screenpolicy.ScreenBefore:
		return false
	}
	return true
}

// Threshold returns the idle duration counting as leaving the seat.
func (a *Agent) Threshold() time.Duration {
	a.mu.Lock()
	policy := a.policy
	a.mu.Unlock()

	if policy == nil || policy.LeaveSeatMinutes <= 0 {
		return 0
	}
	return time.Duration(policy.LeaveSeatMinutes) * time.Minute
}

// SessionActive reports whether a leave-seat session is open.
func (a *Agent) SessionActive() bool {
	return a.reporter.ActiveSession() != ""
}

// IdleDetected opens an idle-triggered leave-seat session.
func (a *Agent) IdleDetected(at time.Time) {
	a.reporter.ReportStart(a.runContext(), "auto", "IDLE", "", at)
}

// SleepDetected opens a sleep-triggered leave-seat session anchored at
// the suspend instant.
func (a *Agent) SleepDetected(at time.Time) {
	a.reporter.ReportStart(a.runContext(), "auto", "SLEEP", "", at)
}

// Resumed ends the open leave-seat session, if any.
func (a *Agent) Resumed(at time.Time) {
	a.reporter.ReportEnd(a.runContext(), at)
}

func (a *Agent) runContext() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.runCtx != nil {
		return a.runCtx
	}
	return context.Background()
}

func isYes(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "Y", "YES":
		return true
	default:
		return false
	}
}
