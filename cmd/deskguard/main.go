// Package main is the CLI entry point for deskguard.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/deskguard/agent/internal/connectivity"
	"github.com/deskguard/agent/internal/daemon"
	"github.com/deskguard/agent/internal/domain"
	"github.com/deskguard/agent/internal/emergency"
	"github.com/deskguard/agent/internal/infra"
	"github.com/deskguard/agent/internal/integrity"
	"github.com/deskguard/agent/internal/leaveseat"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "deskguard",
	Short: "Endpoint compliance agent - lock decisions and self-protection",
	Long: `deskguard is the endpoint agent enforcing workstation lock policy.
It tracks server work-time policy, detects leave-seat sessions, rides
out connectivity loss with a bounded grace period, and protects its own
files against tampering.`,
	Version: Version,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent in the foreground",
	Long: `Runs the agent loop: periodic integrity verification, policy
heartbeats, leave-seat detection and the retry queue. Blocks until
SIGINT or SIGTERM.`,
	RunE: runStart,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted agent state",
	Long:  `Prints the persisted connectivity and emergency-unlock state. Use --output json for machine-readable output.`,
	RunE:  runStatus,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Run a one-shot integrity verification",
	Long:  `Verifies every baselined file against its recorded hash and prints the result.`,
	RunE:  runVerify,
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Attempt an emergency unlock",
	Long:  `Verifies the emergency credential against the service and, on success, opens a bounded unlock window.`,
	RunE:  runUnlock,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

var (
	jsonOutput     string
	unlockPassword string
	unlockReason   string
)

func init() {
	statusCmd.Flags().StringVar(&jsonOutput, "output", "text", "Output format (text/json)")
	unlockCmd.Flags().StringVar(&unlockPassword, "password", "", "Emergency credential")
	unlockCmd.Flags().StringVar(&unlockReason, "reason", "", "Unlock reason")
	_ = unlockCmd.MarkFlagRequired("password")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(versionCmd)
}

// components is the wired object graph shared by the commands.
type components struct {
	cfg    AppConfig
	logger *zap.Logger
	store  *infra.JSONStore
	client domain.PolicyClient
	bus    *domain.Bus
	audit  domain.AuditLogger
	clock  domain.Clock
}

func buildComponents() (*components, error) {
	cfg := LoadConfig()
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := createLogger(cfg.LogPath)

	token := cfg.APIToken
	key, err := infra.EnsureKey(infra.NewFileKeyProvider(cfg.DataDir))
	if err != nil {
		logger.Warn("encryption key unavailable, secret store disabled", zap.Error(err))
	} else {
		secrets, err := infra.NewEncryptedSecretStore(cfg.DataDir, key)
		if err != nil {
			logger.Warn("secret store unavailable", zap.Error(err))
		} else {
			defer secrets.Close()
			if token != "" {
				if err := secrets.SetSecret("api_token", token); err != nil {
					logger.Warn("failed to cache api token", zap.Error(err))
				}
			} else if cached, err := secrets.GetSecret("api_token"); err == nil {
				token = cached
			}
		}
	}

	var client domain.PolicyClient
	if cfg.APIURL != "" {
		client = infra.NewHTTPPolicyClient(cfg.APIURL, token, logger)
	}

	return &components{
		cfg:    cfg,
		logger: logger,
		store:  infra.NewJSONStore(cfg.DataDir, logger),
		client: client,
		bus:    domain.NewBus(),
		audit:  infra.NewZapAuditLogger(logger.Named("audit")),
		clock:  infra.RealClock{},
	}, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer func() { _ = c.logger.Sync() }()

	if c.client == nil {
		return fmt.Errorf("DESKGUARD_API_URL is required to start the agent")
	}

	var watcher domain.FileWatcher
	if c.cfg.UsePollingWatcher {
		watcher = infra.NewPollingWatcher(5*time.Second, c.clock, c.logger)
	} else {
		watcher, err = infra.NewNotifyWatcher(c.logger)
		if err != nil {
			c.logger.Warn("native file watcher unavailable, falling back to polling", zap.Error(err))
			watcher = infra.NewPollingWatcher(5*time.Second, c.clock, c.logger)
		}
	}
	defer func() { _ = watcher.Close() }()

	guard := integrity.NewGuard(
		integrity.DefaultStrategies(c.logger),
		c.store, watcher, c.clock, c.bus, c.audit, c.logger.Named("integrity"))
	guard.TrackProcess(infra.NewProcessMonitor())
	defer guard.ReleaseProcess()

	conn := connectivity.NewMachine(
		connectivity.DefaultConfig(),
		c.store, c.clock, c.bus, c.audit, c.logger.Named("connectivity"))
	em := emergency.NewManager(
		emergency.DefaultConfig(),
		c.client, c.store, c.clock, c.bus, c.audit, c.logger.Named("emergency"))
	queue := infra.NewFileQueue(filepath.Join(c.cfg.DataDir, "report_queue.jsonl"), c.logger)
	reporter := leaveseat.NewReporter(
		leaveseat.DefaultConfig(),
		c.client, queue, c.clock, c.bus, c.audit, c.logger.Named("leaveseat"))
	telemetry := daemon.NewTelemetry(
		daemon.DefaultTelemetryConfig(),
		c.client, c.clock, c.bus, c.logger.Named("telemetry"))

	agentCfg := daemon.DefaultConfig()
	agentCfg.VerifyInterval = c.cfg.VerifyInterval
	agentCfg.HeartbeatInterval = c.cfg.HeartbeatInterval
	agentCfg.CriticalPaths = c.cfg.CriticalPaths
	agentCfg.MonitoredPaths = c.cfg.MonitoredPaths

	agent := daemon.NewAgent(
		agentCfg, guard, conn, em, reporter, telemetry,
		infra.NewIdleProvider(c.logger),
		infra.NewGapPowerMonitor(5*time.Second, 30*time.Second, c.clock, c.logger),
		c.client, c.clock, c.bus, c.logger.Named("agent"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		c.logger.Info("received shutdown signal")
		cancel()
	}()

	if err := agent.Run(ctx); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer func() { _ = c.logger.Sync() }()

	var snap domain.ConnectivitySnapshot
	if !c.store.Load("connectivity", &snap) {
		snap = domain.ConnectivitySnapshot{State: domain.ConnOnline}
	}
	var unlock domain.EmergencyUnlockState
	c.store.Load("emergency_unlock", &unlock)
	var baseline domain.IntegrityBaseline
	c.store.Load("integrity_baseline", &baseline)

	queue := infra.NewFileQueue(filepath.Join(c.cfg.DataDir, "report_queue.jsonl"), c.logger)
	queued, err := queue.Load()
	if err != nil {
		c.logger.Warn("failed to read report queue", zap.Error(err))
	}

	if jsonOutput == "json" {
		out, err := json.MarshalIndent(map[string]any{
			"connectivity":   snap,
			"emergency":      unlock,
			"protectedFiles": len(baseline.Files),
			"queuedReports":  len(queued),
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println("\n=== deskguard Status ===")
	fmt.Printf("Connectivity: %s\n", snap.State)
	if snap.Deadline != nil {
		fmt.Printf("Grace deadline: %s\n", snap.Deadline.Format(time.RFC3339))
	}
	if snap.Locked {
		fmt.Println("Workstation: LOCKED (offline)")
	}
	if unlock.Active && unlock.ExpiresAt != nil {
		fmt.Printf("Emergency unlock: active until %s\n", unlock.ExpiresAt.Format(time.RFC3339))
	}
	if unlock.LockedUntil != nil {
		fmt.Printf("Emergency attempts: locked out until %s\n", unlock.LockedUntil.Format(time.RFC3339))
	}
	fmt.Printf("Protected files: %d\n", len(baseline.Files))
	fmt.Printf("Queued reports: %d\n", len(queued))
	fmt.Println("========================")
	return nil
}

func runVerify(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer func() { _ = c.logger.Sync() }()

	watcher := infra.NewPollingWatcher(5*time.Second, c.clock, c.logger)
	defer func() { _ = watcher.Close() }()

	guard := integrity.NewGuard(
		integrity.DefaultStrategies(c.logger),
		c.store, watcher, c.clock, c.bus, c.audit, c.logger.Named("integrity"))

	status := guard.Status()
	if status.ProtectedFiles == 0 {
		fmt.Println("No integrity baseline captured yet.")
		return nil
	}

	ok, events := guard.VerifyAll()
	if ok {
		fmt.Printf("Integrity OK (%d files verified)\n", status.ProtectedFiles)
		return nil
	}

	fmt.Printf("Integrity FAILED: %d violation(s)\n", len(events))
	for _, ev := range events {
		fmt.Printf("  [%s] %s (recovered=%v, strategy=%s)\n",
			ev.Kind, ev.FilePath, ev.Recovered, ev.RecoveryStrategy)
	}
	return fmt.Errorf("integrity verification failed")
}

func runUnlock(cmd *cobra.Command, args []string) error {
	c, err := buildComponents()
	if err != nil {
		return err
	}
	defer func() { _ = c.logger.Sync() }()

	if c.client == nil {
		return fmt.Errorf("DESKGUARD_API_URL is required for emergency unlock")
	}

	em := emergency.NewManager(
		emergency.DefaultConfig(),
		c.client, c.store, c.clock, c.bus, c.audit, c.logger.Named("emergency"))
	em.Restore()
	defer em.Stop()

	result, err := em.Attempt(cmd.Context(), unlockPassword, unlockReason)
	if err != nil {
		return err
	}

	if result.Granted {
		fmt.Printf("Unlock granted until %s\n", result.ExpiresAt.Format(time.RFC3339))
		return nil
	}
	fmt.Printf("Unlock denied: %s\n", result.Message)
	if result.LockedUntil != nil {
		fmt.Printf("Locked out until %s\n", result.LockedUntil.Format(time.RFC3339))
	} else {
		fmt.Printf("Remaining attempts: %d\n", result.RemainingAttempts)
	}
	return fmt.Errorf("unlock denied")
}

func createLogger(path string) *zap.Logger {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{path, "stderr"}
	config.EncoderConfig.TimeKey = "time"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := config.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("deskguard %s (commit: %s, built: %s)\n", Version, Commit, BuildTime)
}
