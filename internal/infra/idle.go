package infra

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// NewIdleProvider returns the idle provider for the current OS.
// Unsupported platforms get a provider that reports zero idle time and
// logs once, so the detector degrades to "never idle" rather than
// failing.
func NewIdleProvider(logger *zap.Logger) domain.IdleProvider {
	switch runtime.GOOS {
	case "darwin":
		return &darwinIdleProvider{}
	case "linux":
		return &x11IdleProvider{}
	default:
		return &stubIdleProvider{logger: logger}
	}
}

// darwinIdleProvider reads HIDIdleTime (nanoseconds) from ioreg.
type darwinIdleProvider struct{}

func (p *darwinIdleProvider) IdleDuration() (time.Duration, error) {
	out, err := exec.Command("ioreg", "-c", "IOHIDSystem").Output()
	if err != nil {
		return 0, fmt.Errorf("ioreg failed: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "HIDIdleTime") {
			continue
		}
		idx := strings.LastIndex(line, "=")
		if idx < 0 {
			continue
		}
		ns, err := strconv.ParseInt(strings.TrimSpace(line[idx+1:]), 10, 64)
		if err != nil {
			continue
		}
		return time.Duration(ns), nil
	}
	return 0, fmt.Errorf("HIDIdleTime not found in ioreg output")
}

// x11IdleProvider shells out to xprintidle (milliseconds).
type x11IdleProvider struct{}

func (p *x11IdleProvider) IdleDuration() (time.Duration, error) {
	out, err := exec.Command("xprintidle").Output()
	if err != nil {
		return 0, fmt.Errorf("xprintidle failed: %w", err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse xprintidle output: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

type stubIdleProvider struct {
	logger *zap.Logger
	once   sync.Once
}

func (p *stubIdleProvider) IdleDuration() (time.Duration, error) {
	p.once.Do(func() {
		p.logger.Warn("idle detection not supported on this platform, reporting zero idle",
			zap.String("os", runtime.GOOS))
	})
	return 0, nil
}

// GapPowerMonitor implements domain.PowerMonitor by detecting scheduling
// gaps: when the machine suspends, ticks stop; the first tick after
// resume observes a wall-clock jump far beyond the tick interval. The
// last pre-gap tick approximates the suspend instant.
type GapPowerMonitor struct {
	mu        sync.Mutex
	interval  time.Duration
	threshold time.Duration
	clock     domain.Clock
	logger    *zap.Logger
	subs      []*powerSub
	lastTick  time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	started   bool
}

type powerSub struct {
	onSuspend func(time.Time)
	onResume  func(time.Time)
	removed   bool
}

// NewGapPowerMonitor creates a power monitor that treats a wall-clock
// gap larger than threshold as a suspend/resume pair.
func NewGapPowerMonitor(interval, threshold time.Duration, clock domain.Clock, logger *zap.Logger) *GapPowerMonitor {
	return &GapPowerMonitor{
		interval:  interval,
		threshold: threshold,
		clock:     clock,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Subscribe registers suspend/resume callbacks. The tick loop starts
// lazily on the first subscription.
func (m *GapPowerMonitor) Subscribe(onSuspend, onResume func(at time.Time)) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &powerSub{onSuspend: onSuspend, onResume: onResume}
	m.subs = append(m.subs, sub)

	if !m.started {
		m.started = true
		m.lastTick = m.clock.Now()
		m.wg.Add(1)
		go m.run()
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			sub.removed = true
		})
	}
	return unsubscribe, nil
}

// Stop halts the tick loop. Safe to call more than once.
func (m *GapPowerMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopChan) })
	m.wg.Wait()
}

func (m *GapPowerMonitor) run() {
	defer m.wg.Done()

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.checkTick()
		}
	}
}

func (m *GapPowerMonitor) checkTick() {
	now := m.clock.Now()

	m.mu.Lock()
	last := m.lastTick
	m.lastTick = now
	gap := now.Sub(last) - m.interval
	var subs []*powerSub
	if gap > m.threshold {
		for _, s := range m.subs {
			if !s.removed {
				subs = append(subs, s)
			}
		}
	}
	m.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	m.logger.Info("suspend gap detected",
		zap.Time("suspended_at", last),
		zap.Time("resumed_at", now),
		zap.Duration("gap", gap))

	for _, s := range subs {
		s.onSuspend(last)
		s.onResume(now)
	}
}

// Ensure GapPowerMonitor implements domain.PowerMonitor.
var _ domain.PowerMonitor = (*GapPowerMonitor)(nil)
