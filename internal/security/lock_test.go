//go:build unix

package security

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestInstanceLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "evidenced.lock")

	lock, err := AcquireInstanceLock(path)
	if err != nil {
		t.Fatalf("AcquireInstanceLock: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != strconv.Itoa(os.Getpid()) {
		t.Errorf("lock file holds %q, want our pid", got)
	}

	// flock locks belong to the open file description, so a second open
	// in the same process conflicts.
	if _, err := AcquireInstanceLock(path); !errors.Is(err, ErrAlreadyLocked) {
		t.Fatalf("second acquire: got %v, want ErrAlreadyLocked", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	again, err := AcquireInstanceLock(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	again.Release()
}

func TestFreeSpace(t *testing.T) {
	n, err := FreeSpace(t.TempDir())
	if err != nil {
		t.Fatalf("FreeSpace: %v", err)
	}
	if n == 0 {
		t.Error("expected some free space in the temp dir")
	}

	if _, err := FreeSpace(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for a missing path")
	}
}
