package health

import (
	"context"
	"fmt"
	"os"
	"time"

	"rtcore/internal/monitor"
)

func healthyResult(msg string, details map[string]any) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: msg, Details: details}
}

// DatabaseCheck wraps a ping function such as (*store.Store).Ping.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "database connection failed", Error: err.Error()}
		}
		return healthyResult("database connection ok", nil)
	}
}

// StackCheck reports the latest stack monitor pass. Tasks below the warning
// threshold degrade the status; a scan older than maxAge means the monitor
// stopped.
func StackCheck(latest func() (monitor.ScanResult, bool), maxAge time.Duration) Check {
	return func(ctx context.Context) CheckResult {
		res, ok := latest()
		if !ok {
			return CheckResult{Status: StatusUnknown, Message: "no stack scan yet"}
		}

		age := time.Since(res.At)
		details := map[string]any{
			"tasks":       len(res.Rows),
			"last_scan":   res.At,
			"age_seconds": age.Seconds(),
		}
		if maxAge > 0 && age > maxAge {
			return CheckResult{Status: StatusUnhealthy, Message: "stack monitor is not scanning", Details: details}
		}
		if len(res.Warnings) == 0 {
			return healthyResult("all stacks above threshold", details)
		}

		low := make([]string, len(res.Warnings))
		for i, r := range res.Warnings {
			low[i] = fmt.Sprintf("%s (%d bytes free)", r.Name, r.Free)
		}
		details["low"] = low
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d task(s) low on stack", len(low)),
			Details: details,
		}
	}
}

// DispatchCheck fails when the keyboard pipeline has not finished a pass
// within maxAge.
func DispatchCheck(lastPass func() time.Time, maxAge time.Duration) Check {
	return func(ctx context.Context) CheckResult {
		last := lastPass()
		if last.IsZero() {
			return CheckResult{Status: StatusUnknown, Message: "no dispatch pass yet"}
		}
		age := time.Since(last)
		details := map[string]any{"last_pass": last, "age_seconds": age.Seconds()}
		if age > maxAge {
			return CheckResult{Status: StatusUnhealthy, Message: "keyboard dispatch stalled", Details: details}
		}
		return healthyResult("keyboard dispatch running", details)
	}
}

// DiskSpaceCheck degrades when the file system holding path has less than
// minFree bytes available to unprivileged users.
func DiskSpaceCheck(path string, minFree uint64) Check {
	return func(ctx context.Context) CheckResult {
		details := map[string]any{"path": path, "min_free_bytes": minFree}
		free, err := freeDiskBytes(path)
		if err != nil {
			return CheckResult{Status: StatusUnknown, Message: "disk space unavailable", Details: details, Error: err.Error()}
		}
		details["free_bytes"] = free
		if free < minFree {
			return CheckResult{Status: StatusDegraded, Message: "disk space low", Details: details}
		}
		return healthyResult("disk space ok", details)
	}
}

// FileExistsCheck fails while path cannot be stat'ed.
func FileExistsCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		details := map[string]any{"path": path}
		if _, err := os.Stat(path); err != nil {
			return CheckResult{Status: StatusUnhealthy, Message: "file not accessible", Details: details, Error: err.Error()}
		}
		return healthyResult("file present", details)
	}
}
