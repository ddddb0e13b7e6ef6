package infra

import (
	"sort"
	"sync"
	"time"

	"github.com/deskguard/agent/internal/domain"
)

// RealClock implements domain.Clock using the real system time.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// NewTicker creates a new time.Ticker.
func (RealClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// AfterFunc arms a deferred timer that runs f after d.
func (RealClock) AfterFunc(d time.Duration, f func()) domain.Timer {
	return time.AfterFunc(d, f)
}

// ManualClock implements domain.Clock for testing. Time only moves when
// Advance or Set is called; deferred timers fire during Advance.
type ManualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock    *ManualClock
	deadline time.Time
	fn       func()
	fired    bool
	stopped  bool
}

// Stop cancels the timer. Reports whether it was still pending.
func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// NewManualClock creates a manual clock starting at the given time.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the mocked current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// NewTicker returns a real ticker; tests drive loops directly instead.
func (c *ManualClock) NewTicker(d time.Duration) *time.Ticker {
	return time.NewTicker(d)
}

// AfterFunc registers f to run once the clock advances past d.
func (c *ManualClock) AfterFunc(d time.Duration, f func()) domain.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires due timers in deadline order.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	due := c.collectDueLocked()
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// Set moves the clock to a specific instant without firing timers.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *ManualClock) collectDueLocked() []*manualTimer {
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped && !t.deadline.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })
	return due
}

// Ensure implementations satisfy the interface.
var (
	_ domain.Clock = RealClock{}
	_ domain.Clock = (*ManualClock)(nil)
)
