package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"evidenced/internal/security"
)

func healthy(msg string, details map[string]any) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: msg, Details: details}
}

// JournalCheck fails once the evidence journal has lost integrity and
// stopped accepting records.
func JournalCheck(integrityOK func() bool) Check {
	return func(ctx context.Context) CheckResult {
		if !integrityOK() {
			return CheckResult{Status: StatusUnhealthy, Message: "journal integrity compromised"}
		}
		return healthy("journal intact", nil)
	}
}

// DiskSpaceCheck fails when the filesystem holding path has fewer than
// minFree bytes available, and degrades below twice that.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := security.FreeSpace(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "cannot stat filesystem", Error: err.Error()}
		}
		details := map[string]any{"path": path, "free_bytes": free, "min_free_bytes": minFree}
		switch {
		case free < minFree:
			return CheckResult{Status: StatusUnhealthy, Message: "disk almost full", Details: details}
		case free < 2*minFree:
			return CheckResult{Status: StatusDegraded, Message: "disk space low", Details: details}
		}
		return healthy("disk space ok", details)
	}
}

// QueueCheck degrades when the pipeline queue is at least 80% full.
func QueueCheck(pending func() int, capacity int) Check {
	return func(ctx context.Context) CheckResult {
		n := pending()
		details := map[string]any{"pending": n, "capacity": capacity}
		if capacity > 0 && n*5 >= capacity*4 {
			return CheckResult{Status: StatusDegraded, Message: "pipeline backlog", Details: details}
		}
		return healthy("queue ok", details)
	}
}

// FrameFlowCheck fails when the frame counter has not advanced for
// staleAfter. The first call only records the counter.
func FrameFlowCheck(frames func() uint64, staleAfter time.Duration, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	var (
		mu       sync.Mutex
		last     uint64
		lastMove time.Time
	)
	return func(ctx context.Context) CheckResult {
		mu.Lock()
		defer mu.Unlock()

		n, t := frames(), now()
		if lastMove.IsZero() || n != last {
			last, lastMove = n, t
			return healthy("frames flowing", map[string]any{"frames": n})
		}
		idle := t.Sub(lastMove)
		details := map[string]any{"frames": n, "idle": idle.Round(time.Second).String()}
		if idle >= staleAfter {
			return CheckResult{Status: StatusUnhealthy, Message: fmt.Sprintf("no frames for %s", idle.Round(time.Second)), Details: details}
		}
		return healthy("frames flowing", details)
	}
}

// FuncCheck turns an error-returning probe into a check.
func FuncCheck(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "check failed", Error: err.Error()}
		}
		return healthy("check passed", nil)
	}
}
