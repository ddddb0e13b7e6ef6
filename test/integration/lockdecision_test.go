//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/connectivity"
	"github.com/deskguard/agent/internal/daemon"
	"github.com/deskguard/agent/internal/domain"
	"github.com/deskguard/agent/internal/emergency"
	"github.com/deskguard/agent/internal/infra"
	"github.com/deskguard/agent/internal/integrity"
	"github.com/deskguard/agent/internal/leaveseat"
	"github.com/deskguard/agent/internal/screenpolicy"
)

// policyServer is a controllable fake of the compliance service.
type policyServer struct {
	mu       sync.Mutex
	srv      *httptest.Server
	policy   domain.WorkTimePolicy
	down     bool
	password string
}

func newPolicyServer() *policyServer {
	p := &policyServer{
		policy:   domain.WorkTimePolicy{ScreenType: "empty", LeaveSeatUse: "Y", LeaveSeatMinutes: 10},
		password: "correct-horse",
	}
	p.srv = httptest.NewServer(http.HandlerFunc(p.handle))
	return p
}

func (p *policyServer) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.down {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	switch r.URL.Path {
	case "/v1/agent/work-time-policy":
		_ = json.NewEncoder(w).Encode(p.policy)
	case "/v1/agent/emergency-unlock/verify":
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		result := domain.CredentialResult{Success: body["password"] == p.password}
		if !result.Success {
			result.Message = "invalid credential"
		}
		_ = json.NewEncoder(w).Encode(result)
	case "/v1/agent/leave-seat", "/v1/agent/events":
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *policyServer) SetDown(down bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.down = down
}

func (p *policyServer) SetPolicy(policy domain.WorkTimePolicy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

var _ = Describe("Lock decision engine", func() {
	var (
		server *policyServer
		agent  *daemon.Agent
		guard  *integrity.Guard
		clock  *infra.ManualClock
		ctx    context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		server = newPolicyServer()
		clock = infra.NewManualClock(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))

		logger := zap.NewNop()
		dataDir := GinkgoT().TempDir()
		store := infra.NewJSONStore(dataDir, logger)
		bus := domain.NewBus()
		audit := infra.NewZapAuditLogger(logger)
		client := infra.NewHTTPPolicyClient(server.srv.URL, "test-token", logger)

		guard = integrity.NewGuard(
			integrity.DefaultStrategies(logger),
			store, infra.NewPollingWatcher(time.Second, clock, logger),
			clock, bus, audit, logger)
		conn := connectivity.NewMachine(connectivity.DefaultConfig(), store, clock, bus, audit, logger)
		em := emergency.NewManager(emergency.DefaultConfig(), client, store, clock, bus, audit, logger)
		queue := infra.NewFileQueue(filepath.Join(dataDir, "queue.jsonl"), logger)
		reporter := leaveseat.NewReporter(leaveseat.DefaultConfig(), client, queue, clock, bus, audit, logger)

		agent = daemon.NewAgent(daemon.DefaultConfig(), guard, conn, em, reporter, nil,
			infra.NewIdleProvider(logger),
			infra.NewGapPowerMonitor(time.Second, 30*time.Second, clock, logger),
			client, clock, bus, logger)
	})

	AfterEach(func() {
		server.srv.Close()
	})

	Describe("policy-driven screen classification", func() {
		It("classifies the server's leave-seat screen without hard-locking", func() {
			Expect(agent.RetryConnectivity(ctx)).To(Succeed())

			decision := agent.CurrentDecision()
			Expect(decision.ScreenType).To(Equal(screenpolicy.ScreenEmpty))
			Expect(decision.Locked).To(BeFalse())
			Expect(decision.Connectivity.State).To(Equal(domain.ConnOnline))
		})

		It("fails closed when the server sends an unknown screen type", func() {
			server.SetPolicy(domain.WorkTimePolicy{ScreenType: "something-new"})
			Expect(agent.RetryConnectivity(ctx)).To(Succeed())

			decision := agent.CurrentDecision()
			Expect(decision.ScreenType).To(Equal(screenpolicy.ScreenOff))
			Expect(decision.Locked).To(BeTrue())
			Expect(decision.LockCause).To(Equal("screen_policy"))
		})
	})

	Describe("riding out connectivity loss", func() {
		failUntilGrace := func() {
			server.SetDown(true)
			for i := 0; i < 5; i++ {
				_ = agent.RetryConnectivity(ctx)
			}
		}

		It("enters the grace period after repeated probe failures", func() {
			failUntilGrace()

			decision := agent.CurrentDecision()
			Expect(decision.Connectivity.State).To(Equal(domain.ConnOfflineGrace))
			Expect(decision.Connectivity.Locked).To(BeFalse())
			Expect(decision.Connectivity.Deadline).NotTo(BeNil())
		})

		It("hard-locks when the grace period expires", func() {
			failUntilGrace()
			clock.Advance(31 * time.Minute)

			decision := agent.CurrentDecision()
			Expect(decision.Connectivity.State).To(Equal(domain.ConnOfflineLock))
			Expect(decision.Locked).To(BeTrue())
			Expect(decision.LockCause).To(Equal("connectivity"))
		})

		It("recovers to online once a probe succeeds", func() {
			failUntilGrace()
			clock.Advance(31 * time.Minute)

			server.SetDown(false)
			Expect(agent.RetryConnectivity(ctx)).To(Succeed())

			decision := agent.CurrentDecision()
			Expect(decision.Connectivity.State).To(Equal(domain.ConnOnline))
			Expect(decision.Locked).To(BeFalse())
		})
	})

	Describe("emergency unlock", func() {
		BeforeEach(func() {
			// Unknown screen type keeps the workstation locked.
			server.SetPolicy(domain.WorkTimePolicy{ScreenType: "work"})
			Expect(agent.RetryConnectivity(ctx)).To(Succeed())
			Expect(agent.CurrentDecision().Locked).To(BeTrue())
		})

		It("opens a bounded window on a correct credential", func() {
			result, err := agent.AttemptEmergencyUnlock(ctx, "correct-horse", "fire drill")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Granted).To(BeTrue())

			Expect(agent.CurrentDecision().Locked).To(BeFalse())

			clock.Advance(31 * time.Minute)
			Expect(agent.CurrentDecision().Locked).To(BeTrue(), "window expired")
		})

		It("locks out after repeated wrong credentials without calling the service again", func() {
			for i := 0; i < 5; i++ {
				result, err := agent.AttemptEmergencyUnlock(ctx, "wrong", "")
				Expect(err).NotTo(HaveOccurred())
				Expect(result.Granted).To(BeFalse())
			}

			server.SetDown(true) // a short-circuited attempt never reaches the server
			result, err := agent.AttemptEmergencyUnlock(ctx, "correct-horse", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Granted).To(BeFalse())
			Expect(result.LockedUntil).NotTo(BeNil())

			server.SetDown(false)
			clock.Advance(301 * time.Second)
			result, err = agent.AttemptEmergencyUnlock(ctx, "correct-horse", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Granted).To(BeTrue(), "lockout cleared after elapsing")
		})
	})

	Describe("leave-seat sessions", func() {
		BeforeEach(func() {
			Expect(agent.RetryConnectivity(ctx)).To(Succeed())
		})

		It("correlates start and end through one session", func() {
			Expect(agent.SessionActive()).To(BeFalse())

			agent.IdleDetected(clock.Now().Add(-10 * time.Minute))
			Expect(agent.SessionActive()).To(BeTrue())

			agent.IdleDetected(clock.Now()) // second trigger ignored
			Expect(agent.SessionActive()).To(BeTrue())

			agent.Resumed(clock.Now())
			Expect(agent.SessionActive()).To(BeFalse())
		})
	})

	Describe("integrity protection", func() {
		It("raises and records tampering of baselined files", func() {
			dir := GinkgoT().TempDir()
			path := filepath.Join(dir, "agent.bin")
			Expect(writeFile(path, "pristine")).To(Succeed())

			Expect(guard.CaptureBaseline([]string{path})).To(Succeed())

			ok, events := guard.VerifyAll()
			Expect(ok).To(BeTrue())
			Expect(events).To(BeEmpty())

			Expect(writeFile(path, "tampered")).To(Succeed())

			ok, events = guard.VerifyAll()
			Expect(ok).To(BeFalse())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Kind).To(Equal(domain.TamperHashMismatch))
			Expect(events[0].RecoveryStrategy).To(Equal("restore_original"))
		})
	})
})
