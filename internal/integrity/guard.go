// Package integrity captures cryptographic baselines of the agent's
// protected files, classifies tamper events against them, and drives
// recovery attempts.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

const (
	baselineDocument = "integrity_baseline"
	processDocument  = "agent_process"
)

// processRecord tracks the running agent instance across restarts.
// CleanExit flips to true only through ReleaseProcess.
type processRecord struct {
	PID       int  `json:"pid"`
	CleanExit bool `json:"cleanExit"`
}

// Status is the guard's externally visible state.
type Status struct {
	Active         bool
	LastCheckAt    time.Time
	ProtectedFiles int
	History        []domain.TamperEvent
}

// Guard verifies protected files against a persisted baseline and runs
// the recovery pipeline for every detected deviation. Verification I/O
// errors never propagate: they degrade to a tamper classification.
type Guard struct {
	mu           sync.Mutex
	baseline     domain.IntegrityBaseline
	history      []domain.TamperEvent
	strategies   map[domain.TamperKind]RecoveryStrategy
	fallback     RecoveryStrategy
	unsubscribes []func()
	active       bool
	lastCheck    time.Time
	trackedPID   int

	store   domain.DocumentStore
	watcher domain.FileWatcher
	clock   domain.Clock
	bus     *domain.Bus
	audit   domain.AuditLogger
	logger  *zap.Logger
}

// NewGuard creates an integrity guard with the given recovery
// strategies. Kinds without a strategy fall back to manual intervention.
func NewGuard(strategies map[domain.TamperKind]RecoveryStrategy, store domain.DocumentStore, watcher domain.FileWatcher, clock domain.Clock, bus *domain.Bus, audit domain.AuditLogger, logger *zap.Logger) *Guard {
	g := &Guard{
		baseline:   domain.IntegrityBaseline{Files: make(map[string]domain.FileBaseline)},
		strategies: strategies,
		fallback:   &manualStrategy{logger: logger},
		store:      store,
		watcher:    watcher,
		clock:      clock,
		bus:        bus,
		audit:      audit,
		logger:     logger,
		active:     true,
	}
	g.loadBaseline()
	return g
}

func (g *Guard) loadBaseline() {
	var baseline domain.IntegrityBaseline
	if g.store.Load(baselineDocument, &baseline) && baseline.Files != nil {
		g.baseline = baseline
	}
}

// CaptureBaseline records {hash, size, mtime} for each path and
// replaces the persisted baseline wholesale. Files absent at capture
// time are silently skipped: a file not yet present is not yet
// protected.
func (g *Guard) CaptureBaseline(paths []string) error {
	files := make(map[string]domain.FileBaseline, len(paths))

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		sum, err := hashFile(path)
		if err != nil {
			continue
		}
		files[path] = domain.FileBaseline{
			Hash:    sum,
			Size:    info.Size(),
			ModTime: info.ModTime().Unix(),
		}
	}

	g.mu.Lock()
	g.baseline = domain.IntegrityBaseline{
		Files:      files,
		CapturedAt: g.clock.Now().Unix(),
		Platform:   runtime.GOOS,
	}
	baseline := g.baseline
	g.mu.Unlock()

	if err := g.store.Save(baselineDocument, baseline); err != nil {
		return err
	}

	g.logger.Info("integrity baseline captured",
		zap.Int("files", len(files)),
		zap.String("platform", baseline.Platform))
	return nil
}

// VerifyAll compares every baselined path to its recorded state.
// Classification order per path: inaccessible file → file_deleted,
// digest differs → hash_mismatch, any other read error → file_modified.
// Returns overall pass/fail plus the raised events.
func (g *Guard) VerifyAll() (bool, []domain.TamperEvent) {
	g.mu.Lock()
	paths := make(map[string]domain.FileBaseline, len(g.baseline.Files))
	for p, b := range g.baseline.Files {
		paths[p] = b
	}
	g.lastCheck = g.clock.Now()
	g.mu.Unlock()

	var raised []domain.TamperEvent

	for path, recorded := range paths {
		f, err := os.Open(path)
		if err != nil {
			raised = append(raised, g.raiseTamper(domain.TamperEvent{
				Kind:         domain.TamperFileDeleted,
				FilePath:     path,
				OriginalHash: recorded.Hash,
			}))
			continue
		}

		h := sha256.New()
		_, copyErr := io.Copy(h, f)
		f.Close()
		if copyErr != nil {
			raised = append(raised, g.raiseTamper(domain.TamperEvent{
				Kind:         domain.TamperFileModified,
				FilePath:     path,
				OriginalHash: recorded.Hash,
			}))
			continue
		}

		current := hex.EncodeToString(h.Sum(nil))
		if current != recorded.Hash {
			raised = append(raised, g.raiseTamper(domain.TamperEvent{
				Kind:         domain.TamperHashMismatch,
				FilePath:     path,
				OriginalHash: recorded.Hash,
				CurrentHash:  current,
			}))
		}
	}

	return len(raised) == 0, raised
}

// WatchCritical subscribes to change notifications for the default
// critical set (agent binaries, packaging manifest).
func (g *Guard) WatchCritical(paths []string) error {
	return g.watch(paths, "TAMPER_WATCH_CRITICAL")
}

// WatchMonitored subscribes to change notifications for the
// operator-overridable monitored set. Monitored files log under a
// distinct audit code but drive the same recovery path.
func (g *Guard) WatchMonitored(paths []string) error {
	return g.watch(paths, "TAMPER_WATCH_MONITORED")
}

func (g *Guard) watch(paths []string, code string) error {
	for _, path := range paths {
		p := path
		unsub, err := g.watcher.Subscribe(p, func(ev domain.WatchEvent) {
			g.onWatchEvent(ev, code)
		})
		if err != nil {
			g.logger.Warn("failed to watch path",
				zap.String("path", p),
				zap.Error(err))
			continue
		}
		g.mu.Lock()
		g.unsubscribes = append(g.unsubscribes, unsub)
		g.mu.Unlock()

		g.audit.Write(code, domain.AuditInfo, map[string]any{"path": p})
	}
	return nil
}

// onWatchEvent feeds a filesystem notification through the same event
// pipeline as periodic verification, giving near-real-time detection
// between poll cycles.
func (g *Guard) onWatchEvent(ev domain.WatchEvent, code string) {
	g.mu.Lock()
	recorded, known := g.baseline.Files[ev.Path]
	g.mu.Unlock()

	tamper := domain.TamperEvent{FilePath: ev.Path}
	if known {
		tamper.OriginalHash = recorded.Hash
	}

	switch ev.Kind {
	case domain.WatchDeleted:
		tamper.Kind = domain.TamperFileDeleted
	case domain.WatchPermissionChanged:
		tamper.Kind = domain.TamperPermissionChanged
	default:
		tamper.Kind = domain.TamperFileModified
		if sum, err := hashFile(ev.Path); err == nil {
			if known && sum == recorded.Hash {
				// Content identical to baseline: spurious notification.
				return
			}
			tamper.CurrentHash = sum
		}
	}

	g.raiseTamper(tamper)
}

// TrackProcess persists the current pid and inspects the previous
// run's record. A prior instance that vanished without releasing its
// record counts as a kill attempt; one still running is logged so two
// agents do not fight over the same state.
func (g *Guard) TrackProcess(procs domain.ProcessMonitor) {
	current := procs.CurrentPID()

	var rec processRecord
	if g.store.Load(processDocument, &rec) && rec.PID != 0 && !rec.CleanExit && rec.PID != current {
		if procs.IsRunning(rec.PID) {
			g.logger.Warn("another agent instance appears to be running",
				zap.Int("pid", rec.PID))
		} else {
			g.OnProcessKillAttempt(rec.PID, "unclean_exit")
		}
	}

	g.mu.Lock()
	g.trackedPID = current
	g.mu.Unlock()

	if err := g.store.Save(processDocument, processRecord{PID: current}); err != nil {
		g.logger.Error("failed to record agent process", zap.Error(err))
	}
}

// ReleaseProcess marks the tracked instance as cleanly stopped. No-op
// before TrackProcess.
func (g *Guard) ReleaseProcess() {
	g.mu.Lock()
	pid := g.trackedPID
	g.mu.Unlock()
	if pid == 0 {
		return
	}

	if err := g.store.Save(processDocument, processRecord{PID: pid, CleanExit: true}); err != nil {
		g.logger.Error("failed to release agent process record", zap.Error(err))
	}
}

// OnProcessKillAttempt records a kill attempt against the agent without
// file-level evidence.
func (g *Guard) OnProcessKillAttempt(pid int, source string) domain.TamperEvent {
	g.logger.Warn("process kill attempt reported",
		zap.Int("pid", pid),
		zap.String("source", source))

	return g.raiseTamper(domain.TamperEvent{
		Kind: domain.TamperProcessKill,
	})
}

// raiseTamper logs the detection, runs the recovery attempt, logs the
// outcome separately and appends the finished event to the history.
// A failed recovery is terminal per event: there is no automatic
// re-attempt.
func (g *Guard) raiseTamper(ev domain.TamperEvent) domain.TamperEvent {
	ev.ID = uuid.NewString()
	ev.DetectedAt = g.clock.Now()

	g.audit.Write("TAMPER_DETECTED", domain.AuditError, map[string]any{
		"id":           ev.ID,
		"kind":         string(ev.Kind),
		"path":         ev.FilePath,
		"originalHash": ev.OriginalHash,
		"currentHash":  ev.CurrentHash,
	})

	strategy, ok := g.strategies[ev.Kind]
	if !ok {
		strategy = g.fallback
	}

	// Intent is recorded before the attempt so the audit trail keeps
	// the strategy even when remediation errors out.
	ev.RecoveryStrategy = strategy.Name()

	recovered, err := strategy.Recover(ev)
	ev.Recovered = recovered

	if err != nil {
		g.audit.Write("TAMPER_RECOVERY_FAILED", domain.AuditError, map[string]any{
			"id":       ev.ID,
			"strategy": ev.RecoveryStrategy,
			"error":    err.Error(),
		})
	} else {
		g.audit.Write("TAMPER_RECOVERY_DONE", domain.AuditInfo, map[string]any{
			"id":        ev.ID,
			"strategy":  ev.RecoveryStrategy,
			"recovered": recovered,
		})
	}

	g.mu.Lock()
	g.history = append(g.history, ev)
	g.mu.Unlock()

	g.bus.Publish(domain.Event{
		Kind:    domain.EventTamperDetected,
		At:      ev.DetectedAt,
		Payload: ev,
	})

	return ev
}

// Status returns the guard's current status surface.
func (g *Guard) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	history := make([]domain.TamperEvent, len(g.history))
	copy(history, g.history)

	return Status{
		Active:         g.active,
		LastCheckAt:    g.lastCheck,
		ProtectedFiles: len(g.baseline.Files),
		History:        history,
	}
}

// Stop unsubscribes all watches. Double-stop is a no-op.
func (g *Guard) Stop() {
	g.mu.Lock()
	unsubs := g.unsubscribes
	g.unsubscribes = nil
	g.active = false
	g.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// hashFile computes the SHA-256 hex digest of a file.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
