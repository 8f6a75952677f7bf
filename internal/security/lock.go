package security

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrAlreadyLocked is returned when another process holds the lock.
var ErrAlreadyLocked = errors.New("security: lock held by another process")

// InstanceLock keeps a second process from using the same data directory.
// The lock is advisory and released when the process exits.
type InstanceLock struct {
	path string
	f    *os.File
}

// AcquireInstanceLock takes an exclusive lock on path without waiting and
// writes the current PID into it.
func AcquireInstanceLock(path string) (*InstanceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), PermSecretDir); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, PermSecretFile)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLockFile(f); err != nil {
		f.Close()
		if !errors.Is(err, ErrAlreadyLocked) {
			return nil, fmt.Errorf("lock %s: %w", path, err)
		}
		if pid := readPID(path); pid > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrAlreadyLocked, pid)
		}
		return nil, ErrAlreadyLocked
	}

	if err := f.Truncate(0); err == nil {
		f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
		f.Sync()
	}
	return &InstanceLock{path: path, f: f}, nil
}

// Path returns the lock file path.
func (l *InstanceLock) Path() string { return l.path }

// Release drops the lock and removes the lock file.
func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	os.Remove(l.path)
	err := unlockFile(l.f)
	if cerr := l.f.Close(); err == nil {
		err = cerr
	}
	l.f = nil
	return err
}

func readPID(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return pid
}

// FreeSpace returns the bytes available to unprivileged users on the
// filesystem holding path.
func FreeSpace(path string) (uint64, error) {
	return freeSpace(path)
}
