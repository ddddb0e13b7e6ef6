package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
	"github.com/deskguard/agent/internal/infra"
)

// memStore is an in-memory DocumentStore.
type memStore struct {
	mu   sync.Mutex
	docs map[string]any
}

func newMemStore() *memStore {
	return &memStore{docs: make(map[string]any)}
}

func (s *memStore) Load(name string, v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[name]
	if !ok {
		return false
	}
	*(v.(*domain.ConnectivitySnapshot)) = doc.(domain.ConnectivitySnapshot)
	return true
}

func (s *memStore) Save(name string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = v.(domain.ConnectivitySnapshot)
	return nil
}

// recordingAudit records audit codes in order.
type recordingAudit struct {
	mu    sync.Mutex
	codes []string
}

func (a *recordingAudit) Write(code string, level domain.AuditLevel, payload map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.codes = append(a.codes, code)
}

func (a *recordingAudit) Codes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.codes...)
}

func newTestMachine(t *testing.T) (*Machine, *infra.ManualClock, *memStore, *recordingAudit) {
	t.Helper()
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	store := newMemStore()
	audit := &recordingAudit{}
	m := NewMachine(DefaultConfig(), store, clock, domain.NewBus(), audit, zap.NewNop())
	t.Cleanup(m.Stop)
	return m, clock, store, audit
}

func TestReportFailure_APIThresholdEntersGrace(t *testing.T) {
	m, clock, _, audit := newTestMachine(t)

	m.ReportFailure(domain.SourceAPI)
	m.ReportFailure(domain.SourceAPI)
	assert.Equal(t, domain.ConnOnline, m.Snapshot().State)

	m.ReportFailure(domain.SourceAPI)

	snap := m.Snapshot()
	assert.Equal(t, domain.ConnOfflineGrace, snap.State)
	assert.False(t, snap.Locked)
	require.NotNil(t, snap.OfflineSince)
	require.NotNil(t, snap.Deadline)
	assert.Equal(t, clock.Now().Add(30*time.Minute), *snap.Deadline)
	assert.Contains(t, audit.Codes(), "CONN_OFFLINE_GRACE")
}

func TestReportFailure_HeartbeatThresholdHigher(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	for i := 0; i < 4; i++ {
		m.ReportFailure(domain.SourceHeartbeat)
	}
	assert.Equal(t, domain.ConnOnline, m.Snapshot().State)

	m.ReportFailure(domain.SourceHeartbeat)
	assert.Equal(t, domain.ConnOfflineGrace, m.Snapshot().State)
}

func TestReportFailure_NoOpWhileOffline(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	for i := 0; i < 3; i++ {
		m.ReportFailure(domain.SourceAPI)
	}
	deadline := *m.Snapshot().Deadline

	// Further failures never reset or extend an established grace period.
	for i := 0; i < 10; i++ {
		m.ReportFailure(domain.SourceAPI)
		m.ReportFailure(domain.SourceHeartbeat)
	}

	snap := m.Snapshot()
	assert.Equal(t, domain.ConnOfflineGrace, snap.State)
	assert.Equal(t, deadline, *snap.Deadline)
}

func TestGraceExpiryLocks(t *testing.T) {
	m, clock, _, audit := newTestMachine(t)

	for i := 0; i < 3; i++ {
		m.ReportFailure(domain.SourceAPI)
	}

	clock.Advance(29 * time.Minute)
	assert.Equal(t, domain.ConnOfflineGrace, m.Snapshot().State)

	clock.Advance(time.Minute)

	snap := m.Snapshot()
	assert.Equal(t, domain.ConnOfflineLock, snap.State)
	assert.True(t, snap.Locked)
	assert.Nil(t, snap.Deadline, "deadline clears once locked")
	assert.Contains(t, audit.Codes(), "CONN_OFFLINE_LOCKED")
}

func TestReportSuccess_RestoresFromGraceAndLocked(t *testing.T) {
	for _, lock := range []bool{false, true} {
		m, clock, _, audit := newTestMachine(t)

		for i := 0; i < 3; i++ {
			m.ReportFailure(domain.SourceAPI)
		}
		if lock {
			clock.Advance(31 * time.Minute)
		}

		m.ReportSuccess()

		snap := m.Snapshot()
		assert.Equal(t, domain.ConnOnline, snap.State)
		assert.False(t, snap.Locked)
		assert.Nil(t, snap.OfflineSince)
		assert.Contains(t, audit.Codes(), "CONN_RESTORED")
	}
}

func TestReportSuccess_ResetsCountersWhileOnline(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	m.ReportFailure(domain.SourceAPI)
	m.ReportFailure(domain.SourceAPI)
	m.ReportSuccess()

	// The counter restarted: two more failures stay online.
	m.ReportFailure(domain.SourceAPI)
	m.ReportFailure(domain.SourceAPI)
	assert.Equal(t, domain.ConnOnline, m.Snapshot().State)
}

func TestRetryConnectivity_RecordsAttemptEvenOnFailure(t *testing.T) {
	m, clock, _, _ := newTestMachine(t)

	err := m.RetryConnectivity(context.Background(), func(context.Context) error {
		return errors.New("still offline")
	})
	assert.Error(t, err)

	snap := m.Snapshot()
	assert.Equal(t, 1, snap.RetryCount)
	require.NotNil(t, snap.LastRetryAt)
	assert.Equal(t, clock.Now(), *snap.LastRetryAt)
}

func TestRetryConnectivity_SuccessRestores(t *testing.T) {
	m, _, _, _ := newTestMachine(t)

	for i := 0; i < 3; i++ {
		m.ReportFailure(domain.SourceAPI)
	}

	err := m.RetryConnectivity(context.Background(), func(context.Context) error {
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, domain.ConnOnline, m.Snapshot().State)
}

func TestRestore_ExpiredGraceLocksImmediately(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	store := newMemStore()

	offlineSince := clock.Now().Add(-time.Hour)
	deadline := clock.Now().Add(-30 * time.Minute)
	store.docs[snapshotDocument] = domain.ConnectivitySnapshot{
		State:        domain.ConnOfflineGrace,
		OfflineSince: &offlineSince,
		Deadline:     &deadline,
	}

	m := NewMachine(DefaultConfig(), store, clock, domain.NewBus(), &recordingAudit{}, zap.NewNop())
	defer m.Stop()
	m.Restore()

	snap := m.Snapshot()
	assert.Equal(t, domain.ConnOfflineLock, snap.State)
	assert.True(t, snap.Locked)
}

func TestRestore_LiveGraceReArmsRemainingTimer(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	store := newMemStore()

	offlineSince := clock.Now().Add(-10 * time.Minute)
	deadline := clock.Now().Add(20 * time.Minute)
	store.docs[snapshotDocument] = domain.ConnectivitySnapshot{
		State:        domain.ConnOfflineGrace,
		OfflineSince: &offlineSince,
		Deadline:     &deadline,
	}

	m := NewMachine(DefaultConfig(), store, clock, domain.NewBus(), &recordingAudit{}, zap.NewNop())
	defer m.Stop()
	m.Restore()

	assert.Equal(t, domain.ConnOfflineGrace, m.Snapshot().State)

	clock.Advance(19 * time.Minute)
	assert.Equal(t, domain.ConnOfflineGrace, m.Snapshot().State)

	clock.Advance(time.Minute)
	assert.Equal(t, domain.ConnOfflineLock, m.Snapshot().State)
}

func TestRestore_LockedStaysLocked(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	store := newMemStore()
	store.docs[snapshotDocument] = domain.ConnectivitySnapshot{
		State:  domain.ConnOfflineLock,
		Locked: true,
	}

	m := NewMachine(DefaultConfig(), store, clock, domain.NewBus(), &recordingAudit{}, zap.NewNop())
	defer m.Stop()
	m.Restore()

	snap := m.Snapshot()
	assert.Equal(t, domain.ConnOfflineLock, snap.State)
	assert.True(t, snap.Locked)
}

func TestTransitionsPublishEvents(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	bus := domain.NewBus()

	var mu sync.Mutex
	var states []domain.ConnState
	bus.Subscribe(domain.EventConnectivityChanged, func(ev domain.Event) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, ev.Payload.(domain.ConnectivitySnapshot).State)
	})

	m := NewMachine(DefaultConfig(), newMemStore(), clock, bus, &recordingAudit{}, zap.NewNop())
	defer m.Stop()

	for i := 0; i < 3; i++ {
		m.ReportFailure(domain.SourceAPI)
	}
	clock.Advance(31 * time.Minute)
	m.ReportSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ConnState{
		domain.ConnOfflineGrace,
		domain.ConnOfflineLock,
		domain.ConnOnline,
	}, states)
}

func TestSubscriberMayCallBackIntoMachine(t *testing.T) {
	clock := infra.NewManualClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	bus := domain.NewBus()

	var m *Machine
	var mu sync.Mutex
	var observed []domain.ConnState
	bus.Subscribe(domain.EventConnectivityChanged, func(domain.Event) {
		// A subscriber reading the machine back must not deadlock.
		snap := m.Snapshot()
		mu.Lock()
		defer mu.Unlock()
		observed = append(observed, snap.State)
	})

	m = NewMachine(DefaultConfig(), newMemStore(), clock, bus, &recordingAudit{}, zap.NewNop())
	defer m.Stop()

	for i := 0; i < 3; i++ {
		m.ReportFailure(domain.SourceAPI)
	}
	clock.Advance(31 * time.Minute)
	m.ReportSuccess()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.ConnState{
		domain.ConnOfflineGrace,
		domain.ConnOfflineLock,
		domain.ConnOnline,
	}, observed)
}
