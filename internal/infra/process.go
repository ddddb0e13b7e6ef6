package infra

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/deskguard/agent/internal/domain"
)

// ProcessMonitorImpl implements domain.ProcessMonitor using gopsutil.
type ProcessMonitorImpl struct{}

// NewProcessMonitor creates a new process monitor.
func NewProcessMonitor() domain.ProcessMonitor {
	return &ProcessMonitorImpl{}
}

// IsRunning checks if a PID exists and is running.
func (pm *ProcessMonitorImpl) IsRunning(pid int) bool {
	exists, err := process.PidExists(int32(pid))
	return err == nil && exists
}

// CurrentPID returns the current process PID.
func (pm *ProcessMonitorImpl) CurrentPID() int {
	return os.Getpid()
}

// Ensure ProcessMonitorImpl implements domain.ProcessMonitor.
var _ domain.ProcessMonitor = (*ProcessMonitorImpl)(nil)
