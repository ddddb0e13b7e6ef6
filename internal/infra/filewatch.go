package infra

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// NotifyWatcher implements domain.FileWatcher on top of fsnotify.
// Rename/remove notifications map to WatchDeleted, writes to
// WatchModified and mode changes to WatchPermissionChanged.
type NotifyWatcher struct {
	mu     sync.Mutex
	w      *fsnotify.Watcher
	subs   map[string][]*watchSub
	logger *zap.Logger
	closed bool
}

type watchSub struct {
	fn      func(domain.WatchEvent)
	removed bool
}

// NewNotifyWatcher creates an fsnotify-backed file watcher and starts
// its dispatch loop.
func NewNotifyWatcher(logger *zap.Logger) (*NotifyWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	nw := &NotifyWatcher{
		w:      w,
		subs:   make(map[string][]*watchSub),
		logger: logger,
	}
	go nw.dispatch()
	return nw, nil
}

// Subscribe registers onEvent for changes to path.
func (nw *NotifyWatcher) Subscribe(path string, onEvent func(domain.WatchEvent)) (func(), error) {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	if nw.closed {
		return nil, fmt.Errorf("watcher is closed")
	}

	if len(nw.subs[path]) == 0 {
		if err := nw.w.Add(path); err != nil {
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
	}

	sub := &watchSub{fn: onEvent}
	nw.subs[path] = append(nw.subs[path], sub)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { nw.unsubscribe(path, sub) })
	}
	return unsubscribe, nil
}

func (nw *NotifyWatcher) unsubscribe(path string, sub *watchSub) {
	nw.mu.Lock()
	defer nw.mu.Unlock()

	sub.removed = true
	remaining := nw.subs[path][:0]
	for _, s := range nw.subs[path] {
		if !s.removed {
			remaining = append(remaining, s)
		}
	}
	nw.subs[path] = remaining

	if len(remaining) == 0 && !nw.closed {
		delete(nw.subs, path)
		if err := nw.w.Remove(path); err != nil {
			nw.logger.Debug("failed to remove watch", zap.String("path", path), zap.Error(err))
		}
	}
}

// Close stops the watcher and drops all subscriptions.
func (nw *NotifyWatcher) Close() error {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if nw.closed {
		return nil
	}
	nw.closed = true
	nw.subs = make(map[string][]*watchSub)
	return nw.w.Close()
}

func (nw *NotifyWatcher) dispatch() {
	for {
		select {
		case ev, ok := <-nw.w.Events:
			if !ok {
				return
			}
			kind, relevant := classifyOp(ev.Op)
			if !relevant {
				continue
			}
			nw.deliver(domain.WatchEvent{Path: ev.Name, Kind: kind, At: time.Now()})

		case err, ok := <-nw.w.Errors:
			if !ok {
				return
			}
			nw.logger.Warn("file watch error", zap.Error(err))
		}
	}
}

func (nw *NotifyWatcher) deliver(ev domain.WatchEvent) {
	nw.mu.Lock()
	subs := append([]*watchSub(nil), nw.subs[ev.Path]...)
	nw.mu.Unlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

func classifyOp(op fsnotify.Op) (domain.WatchKind, bool) {
	switch {
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return domain.WatchDeleted, true
	case op&(fsnotify.Write|fsnotify.Create) != 0:
		return domain.WatchModified, true
	case op&fsnotify.Chmod != 0:
		return domain.WatchPermissionChanged, true
	default:
		return 0, false
	}
}

// PollingWatcher implements domain.FileWatcher by comparing stat results
// on a fixed interval. Used where inotify-style notifications are
// unavailable.
type PollingWatcher struct {
	mu       sync.Mutex
	interval time.Duration
	clock    domain.Clock
	logger   *zap.Logger
	targets  map[string]*pollTarget
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

type pollTarget struct {
	subs    []*watchSub
	exists  bool
	size    int64
	modTime time.Time
	mode    os.FileMode
}

// NewPollingWatcher creates a stat-polling file watcher.
func NewPollingWatcher(interval time.Duration, clock domain.Clock, logger *zap.Logger) *PollingWatcher {
	return &PollingWatcher{
		interval: interval,
		clock:    clock,
		logger:   logger,
		targets:  make(map[string]*pollTarget),
		stopChan: make(chan struct{}),
	}
}

// Subscribe registers onEvent for changes to path. The poll loop starts
// lazily on the first subscription.
func (pw *PollingWatcher) Subscribe(path string, onEvent func(domain.WatchEvent)) (func(), error) {
	pw.mu.Lock()
	defer pw.mu.Unlock()

	t, ok := pw.targets[path]
	if !ok {
		t = &pollTarget{}
		t.exists, t.size, t.modTime, t.mode = statFile(path)
		pw.targets[path] = t
	}

	sub := &watchSub{fn: onEvent}
	t.subs = append(t.subs, sub)

	if !pw.started {
		pw.started = true
		pw.wg.Add(1)
		go pw.run()
	}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			pw.mu.Lock()
			defer pw.mu.Unlock()
			sub.removed = true
		})
	}
	return unsubscribe, nil
}

// Close stops the poll loop. Safe to call more than once.
func (pw *PollingWatcher) Close() error {
	pw.stopOnce.Do(func() { close(pw.stopChan) })
	pw.wg.Wait()
	return nil
}

func (pw *PollingWatcher) run() {
	defer pw.wg.Done()

	ticker := pw.clock.NewTicker(pw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-pw.stopChan:
			return
		case <-ticker.C:
			pw.pollOnce()
		}
	}
}

// pollOnce compares current stat results to the last observation and
// emits at most one event per changed path.
func (pw *PollingWatcher) pollOnce() {
	pw.mu.Lock()
	type pending struct {
		ev   domain.WatchEvent
		subs []*watchSub
	}
	var out []pending

	for path, t := range pw.targets {
		exists, size, modTime, mode := statFile(path)

		var kind domain.WatchKind
		changed := false
		switch {
		case t.exists && !exists:
			kind, changed = domain.WatchDeleted, true
		case exists && t.exists && (size != t.size || !modTime.Equal(t.modTime)):
			kind, changed = domain.WatchModified, true
		case exists && t.exists && mode != t.mode:
			kind, changed = domain.WatchPermissionChanged, true
		case !t.exists && exists:
			kind, changed = domain.WatchModified, true
		}

		t.exists, t.size, t.modTime, t.mode = exists, size, modTime, mode

		if changed {
			live := make([]*watchSub, 0, len(t.subs))
			for _, s := range t.subs {
				if !s.removed {
					live = append(live, s)
				}
			}
			t.subs = live
			if len(live) > 0 {
				out = append(out, pending{
					ev:   domain.WatchEvent{Path: path, Kind: kind, At: pw.clock.Now()},
					subs: live,
				})
			}
		}
	}
	pw.mu.Unlock()

	for _, p := range out {
		for _, s := range p.subs {
			s.fn(p.ev)
		}
	}
}

func statFile(path string) (exists bool, size int64, modTime time.Time, mode os.FileMode) {
	info, err := os.Stat(path)
	if err != nil {
		return false, 0, time.Time{}, 0
	}
	return true, info.Size(), info.ModTime(), info.Mode()
}

// Ensure both watchers implement domain.FileWatcher.
var (
	_ domain.FileWatcher = (*NotifyWatcher)(nil)
	_ domain.FileWatcher = (*PollingWatcher)(nil)
)
