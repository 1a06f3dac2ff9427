// Package processlock guards against two gamewarden instances supervising the
// same server: a second supervisor would double-restart the process and race
// the backup directory.
package processlock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"
)

const pidFileName = "gamewarden.pid"

// ProcessLock is a PID-file lock scoped to the data directory.
type ProcessLock struct {
	pidFile string
	logger  *zap.Logger
}

// New creates a ProcessLock under dataDir.
func New(dataDir string, logger *zap.Logger) *ProcessLock {
	return &ProcessLock{
		pidFile: filepath.Join(dataDir, pidFileName),
		logger:  logger.Named("lock"),
	}
}

// Acquire takes the lock, clearing stale PID files left by a dead process.
func (p *ProcessLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(p.pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if _, err := os.Stat(p.pidFile); err == nil {
		pid, err := p.readPID()
		if err != nil {
			p.logger.Warn("Failed to read PID file, removing stale lock",
				zap.String("pid_file", p.pidFile),
				zap.Error(err))
			os.Remove(p.pidFile)
		} else if p.isProcessRunning(pid) {
			return fmt.Errorf("another gamewarden instance is already running (PID: %d)", pid)
		} else {
			p.logger.Warn("Removing stale PID file from dead process",
				zap.Int("pid", pid),
				zap.String("pid_file", p.pidFile))
			os.Remove(p.pidFile)
		}
	}

	if err := p.writePID(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	p.logger.Info("Process lock acquired",
		zap.Int("pid", os.Getpid()),
		zap.String("pid_file", p.pidFile))
	return nil
}

// Release removes the PID file. Missing files are not an error.
func (p *ProcessLock) Release() error {
	if err := os.Remove(p.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}

	p.logger.Info("Process lock released",
		zap.Int("pid", os.Getpid()),
		zap.String("pid_file", p.pidFile))
	return nil
}

func (p *ProcessLock) readPID() (int, error) {
	data, err := os.ReadFile(p.pidFile)
	if err != nil {
		return 0, err
	}

	pidStr := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %s", pidStr)
	}
	return pid, nil
}

func (p *ProcessLock) writePID() error {
	return os.WriteFile(p.pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// isProcessRunning probes a PID with signal 0. On Unix FindProcess always
// succeeds, so the signal is the actual check.
func (p *ProcessLock) isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
