package domain

import (
	"context"
	"time"
)

// DocumentStore persists one JSON document per concern with
// read-whole/write-whole semantics.
// Implementation: JSON files written via atomic temp-file-and-rename.
type DocumentStore interface {
	// Load reads the named document into v. Returns false when the
	// document is absent or corrupt; the caller keeps its default.
	Load(name string, v any) bool

	// Save replaces the named document atomically.
	Save(name string, v any) error
}

// ReportQueue is the durable newline-delimited retry queue for
// leave-seat reports. A fully drained queue is an empty file, not a
// deleted one.
type ReportQueue interface {
	// Load returns all queued reports. Corrupt lines are skipped.
	Load() ([]QueuedReport, error)

	// Append adds one report to the end of the queue file.
	Append(r QueuedReport) error

	// Save rewrites the whole queue file atomically.
	Save(reports []QueuedReport) error
}

// PolicyClient exposes the typed remote calls the engine consumes.
// The transport is a black box; every method may fail with a transport
// error, which is the sole failure signal.
type PolicyClient interface {
	// CheckEmergencyCredential verifies an emergency-unlock credential.
	CheckEmergencyCredential(ctx context.Context, password, reason string) (CredentialResult, error)

	// FetchWorkTimePolicy returns the current server work-time fields.
	FetchWorkTimePolicy(ctx context.Context) (*WorkTimePolicy, error)

	// ReportLeaveSeat delivers one leave-seat report.
	ReportLeaveSeat(ctx context.Context, report LeaveSeatReport) error

	// ReportAgentEvents delivers a telemetry batch.
	ReportAgentEvents(ctx context.Context, events []AgentEvent) error
}

// WatchKind classifies a filesystem change notification.
type WatchKind int

const (
	// WatchDeleted covers remove and rename-class notifications.
	WatchDeleted WatchKind = iota
	// WatchModified covers content-change notifications.
	WatchModified
	// WatchPermissionChanged covers mode-change notifications.
	WatchPermissionChanged
)

// WatchEvent is a single filesystem change notification.
type WatchEvent struct {
	Path string
	Kind WatchKind
	At   time.Time
}

// FileWatcher delivers filesystem change notifications per path.
// Implementations: fsnotify (native) or stat polling.
type FileWatcher interface {
	// Subscribe registers onEvent for changes to path and returns an
	// unsubscribe handle. Double-unsubscribe is a no-op.
	Subscribe(path string, onEvent func(WatchEvent)) (func(), error)

	// Close stops the watcher and drops all subscriptions.
	Close() error
}

// IdleProvider reads the system idle duration (time since last input).
type IdleProvider interface {
	IdleDuration() (time.Duration, error)
}

// PowerMonitor reports suspend/resume signal pairs.
type PowerMonitor interface {
	// Subscribe registers suspend/resume callbacks and returns an
	// unsubscribe handle. The suspend callback receives the suspend
	// instant; the resume callback receives the resume instant.
	Subscribe(onSuspend, onResume func(at time.Time)) (func(), error)
}

// ProcessMonitor inspects OS processes.
// Implementation: gopsutil for cross-platform support.
type ProcessMonitor interface {
	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// CurrentPID returns the current process PID.
	CurrentPID() int
}

// Timer is a cancellable deferred timer.
type Timer interface {
	// Stop cancels the timer. Reports whether it was still pending.
	Stop() bool
}

// Clock abstracts time operations for testing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker creates a ticker firing every d.
	NewTicker(d time.Duration) *time.Ticker

	// AfterFunc arms a deferred timer that runs f after d.
	AfterFunc(d time.Duration, f func()) Timer
}

// AuditLevel is the severity of an audit record.
type AuditLevel string

const (
	AuditInfo  AuditLevel = "INFO"
	AuditWarn  AuditLevel = "WARN"
	AuditError AuditLevel = "ERROR"
)

// AuditLogger is the append-only structured audit log.
// Writes are fire-and-forget; a failing audit write must never
// destabilize the caller.
type AuditLogger interface {
	Write(code string, level AuditLevel, payload map[string]any)
}

// KeyProvider abstracts the source of encryption keys.
type KeyProvider interface {
	// GetKey returns the encryption key bytes.
	GetKey() ([]byte, error)

	// StoreKey persists a new encryption key.
	StoreKey(key []byte) error

	// KeyExists checks if a key has been generated.
	KeyExists() bool
}

// SecretStore provides encrypted persistent storage for secrets such as
// the agent API token and cached policy tunables.
type SecretStore interface {
	// GetSecret retrieves a secret by key.
	GetSecret(key string) (string, error)

	// SetSecret stores a secret.
	SetSecret(key, value string) error

	// GetAllSecrets returns all stored secrets.
	GetAllSecrets() (map[string]string, error)

	// Close releases resources (e.g., database connection).
	Close() error
}
