package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// ErrNotRunning reports that no live process owns the PID file.
var ErrNotRunning = errors.New("camrelay: daemon not running")

// WritePIDFile writes the current process ID. An empty path is a no-op.
func WritePIDFile(path string) error {
	if path == "" {
		return nil
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", path, err)
	}
	return nil
}

// RemovePIDFile removes the PID file if it still names this process.
func RemovePIDFile(path string) error {
	if path == "" {
		return nil
	}
	pid, err := ReadPIDFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", path, err)
	}
	return nil
}

// ReadPIDFile returns the process ID stored in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// Alive reports whether a process with pid exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// StopDaemon sends SIGTERM to the process named by the PID file and waits up
// to timeout for it to exit.
func StopDaemon(pidFile string, timeout time.Duration) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrNotRunning
		}
		return err
	}
	if !Alive(pid) {
		return ErrNotRunning
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !Alive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon pid %d did not exit within %s", pid, timeout)
}
