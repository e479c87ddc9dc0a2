package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

const lockFileName = "bookchat.lock"

// InstanceLock marks a data directory as in use so two clients don't share
// one session id.
// Lock file: <data_dir>/bookchat.lock, content: PID of the owning process.
type InstanceLock struct {
	path string
}

func NewInstanceLock(dataDir string) *InstanceLock {
	return &InstanceLock{path: filepath.Join(dataDir, lockFileName)}
}

// Acquire writes this process's PID (0600, user-only).
func (l *InstanceLock) Acquire() error {
	return os.WriteFile(l.path, []byte(fmt.Sprintf("%d", os.Getpid())), 0600)
}

// Release removes the lock. A missing lock file is not an error.
func (l *InstanceLock) Release() error {
	err := os.Remove(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Check reports whether another live process holds the lock, and its PID.
// Unreadable or stale lock files are removed.
func (l *InstanceLock) Check() (bool, int, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		_ = os.Remove(l.path)
		return false, 0, nil
	}

	if pid == os.Getpid() {
		return false, pid, nil
	}

	if !processAlive(pid) {
		_ = os.Remove(l.path)
		return false, 0, nil
	}

	return true, pid, nil
}
