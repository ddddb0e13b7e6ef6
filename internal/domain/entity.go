// Package domain contains core business entities and interfaces.
// This is the innermost layer in Clean Architecture - no external dependencies.
package domain

import "time"

// TamperKind classifies a detected deviation of a protected file or process.
type TamperKind string

const (
	TamperFileDeleted       TamperKind = "file_deleted"
	TamperFileModified      TamperKind = "file_modified"
	TamperHashMismatch      TamperKind = "hash_mismatch"
	TamperPermissionChanged TamperKind = "permission_changed"
	TamperProcessKill       TamperKind = "process_kill_attempt"
)

// TamperEvent records a single integrity violation and the recovery outcome.
// It is created on detection and mutated once after the recovery attempt.
type TamperEvent struct {
	ID               string     `json:"id"`
	Kind             TamperKind `json:"kind"`
	FilePath         string     `json:"filePath,omitempty"`
	OriginalHash     string     `json:"originalHash,omitempty"`
	CurrentHash      string     `json:"currentHash,omitempty"`
	DetectedAt       time.Time  `json:"detectedAt"`
	Recovered        bool       `json:"recovered"`
	RecoveryStrategy string     `json:"recoveryStrategy,omitempty"`
}

// FileBaseline is the recorded state of one protected file.
type FileBaseline struct {
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime"`
}

// IntegrityBaseline maps protected file paths to their captured state.
// Replaced wholesale on each capture.
type IntegrityBaseline struct {
	Files      map[string]FileBaseline `json:"files"`
	CapturedAt int64                   `json:"capturedAt"`
	Platform   string                  `json:"platform"`
}

// ConnState is the connectivity state machine state.
type ConnState string

const (
	ConnOnline       ConnState = "ONLINE"
	ConnOfflineGrace ConnState = "OFFLINE_GRACE"
	ConnOfflineLock  ConnState = "OFFLINE_LOCKED"
)

// FailureSource identifies which probe reported a connectivity failure.
// Heartbeats fire more often and are noisier, so they carry a higher
// failure threshold than on-demand API calls.
type FailureSource string

const (
	SourceHeartbeat FailureSource = "heartbeat"
	SourceAPI       FailureSource = "api"
)

// ConnectivitySnapshot is the persisted connectivity state.
// Invariant: Deadline is set iff State == ConnOfflineGrace;
// Locked is true iff State == ConnOfflineLock.
type ConnectivitySnapshot struct {
	State        ConnState  `json:"state"`
	OfflineSince *time.Time `json:"offlineSince,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
	Locked       bool       `json:"locked"`
	LastRetryAt  *time.Time `json:"lastRetryAt,omitempty"`
	RetryCount   int        `json:"retryCount"`
}

// EmergencyUnlockState is the persisted emergency-unlock override state.
// Invariant: Active is true iff ExpiresAt is set and in the future at
// evaluation time. Staleness is resolved lazily against the current time.
type EmergencyUnlockState struct {
	Active       bool       `json:"active"`
	StartAt      *time.Time `json:"startAt,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	FailureCount int        `json:"failureCount"`
	LockedUntil  *time.Time `json:"lockedUntil,omitempty"`
}

// ReportPhase marks a leave-seat report as the session start or end.
type ReportPhase string

const (
	PhaseStart ReportPhase = "START"
	PhaseEnd   ReportPhase = "END"
)

// LeaveSeatReport is one session-correlated leave-seat report.
type LeaveSeatReport struct {
	SessionID   string      `json:"sessionId"`
	Phase       ReportPhase `json:"phase"`
	ReasonKind  string      `json:"reasonKind,omitempty"`
	SessionKind string      `json:"sessionKind,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	OccurredAt  time.Time   `json:"occurredAt"`
}

// QueuedReport is a leave-seat report waiting in the durable retry queue.
type QueuedReport struct {
	LeaveSeatReport
	RetryCount  int       `json:"retryCount"`
	NextRetryAt time.Time `json:"nextRetryAt"`
}

// AgentEvent is one telemetry record sent to the service in batches.
type AgentEvent struct {
	Type       string         `json:"type"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// WorkTimePolicy holds the raw server work-time fields consumed by the
// screen policy resolver. The resolver never mutates this.
//
// Timestamp fields use the service's compact formats: "HHmm" for bare
// times of day and "YYYYMMDDHHmm" for full instants.
type WorkTimePolicy struct {
	ScreenType           string `json:"screenType"`
	RenewalAt            string `json:"renewalAt,omitempty"`
	PCOnAt               string `json:"pcOnAt,omitempty"`
	PCOffAt              string `json:"pcOffAt,omitempty"`
	ExtensionCount       int    `json:"extensionCount"`
	LeaveSeatUse         string `json:"leaveSeatUseYn"`
	LeaveSeatMinutes     int    `json:"leaveSeatMinutes"`
	LeaveSeatReason      string `json:"leaveSeatReasonYn"`
	LeaveSeatReasonMan   string `json:"leaveSeatReasonManYn"`
	LeaveSeatDetectedAt  string `json:"leaveSeatDetectedAt,omitempty"`
	BreakStart           string `json:"breakStart,omitempty"`
	BreakEnd             string `json:"breakEnd,omitempty"`
	EmergencyDurationMin int    `json:"emergencyDurationMin,omitempty"`
	EmergencyMaxFailures int    `json:"emergencyMaxFailures,omitempty"`
	EmergencyLockoutSec  int    `json:"emergencyLockoutSec,omitempty"`
}

// CredentialResult is the outcome of a remote emergency-credential check.
type CredentialResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
