package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFileName is the name of the pid file inside the data directory.
const PIDFileName = "bamboo.pid"

// ErrNotRunning is returned when no live daemon owns the pid file.
var ErrNotRunning = errors.New("daemon is not running")

// LifecycleManager owns the pid file.
type LifecycleManager struct {
	dataDir string
	pidFile string
}

// NewLifecycleManager creates a lifecycle manager for dataDir
func NewLifecycleManager(dataDir string) *LifecycleManager {
	return &LifecycleManager{
		dataDir: dataDir,
		pidFile: filepath.Join(dataDir, PIDFileName),
	}
}

// PIDFile returns the pid file path
func (l *LifecycleManager) PIDFile() string {
	return l.pidFile
}

// Start writes the pid file. It refuses when another live process owns it.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(l.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if pid, err := l.GetPID(); err == nil && pid != os.Getpid() && processAlive(pid) {
		return fmt.Errorf("daemon already running with pid %d", pid)
	}

	if err := os.WriteFile(l.pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// Stop removes the pid file
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// GetPID returns the pid recorded in the pid file
func (l *LifecycleManager) GetPID() (int, error) {
	data, err := os.ReadFile(l.pidFile)
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID file: %w", err)
	}
	return pid, nil
}

// IsRunning reports whether the pid file names a live process
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	if err != nil {
		return false
	}
	return processAlive(pid)
}

// Signal sends sig to the recorded daemon process.
func (l *LifecycleManager) Signal(sig syscall.Signal) (int, error) {
	pid, err := l.GetPID()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotRunning
		}
		return 0, err
	}
	if !processAlive(pid) {
		return pid, ErrNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, err
	}
	if err := process.Signal(sig); err != nil {
		return pid, fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
	return pid, nil
}

// processAlive uses signal 0, since FindProcess always succeeds on Unix.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
