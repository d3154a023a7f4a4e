package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"rtcore/internal/config"
	"rtcore/internal/health"
	"rtcore/internal/kbd"
	"rtcore/internal/logging"
	"rtcore/internal/monitor"
	"rtcore/internal/store"
	"rtcore/internal/trace"
)

const timeLayout = "2006-01-02 15:04:05.000"

// openStore opens the daemon's database without creating one.
func openStore(cfg *config.Config) (*store.Store, error) {
	if _, err := os.Stat(cfg.Storage.Path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no database at %s (has rtcored run?)", cfg.Storage.Path)
		}
		return nil, err
	}
	return store.Open(cfg.Storage.Path)
}

func cmdStatus(w io.Writer, cfg *config.Config) error {
	if !cfg.HTTP.Enabled {
		return errors.New("http listener is disabled in the configuration")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + cfg.HTTP.Addr + "/health?full=true")
	if err != nil {
		fmt.Fprintln(w, "Daemon Status: NOT RUNNING")
		return fmt.Errorf("query %s: %w", cfg.HTTP.Addr, err)
	}
	defer resp.Body.Close()

	var hr health.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}
	writeStatus(w, hr)
	return nil
}

func writeStatus(w io.Writer, hr health.HealthResponse) {
	fmt.Fprintln(w, "=== rtcored Status ===")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Status: %s\n", hr.Status)
	fmt.Fprintf(w, "Ready:  %v\n", hr.Ready)
	fmt.Fprintf(w, "Uptime: %s\n", hr.Uptime)

	if len(hr.Components) == 0 {
		return
	}
	names := make([]string, 0, len(hr.Components))
	for name := range hr.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Components:")
	for _, name := range names {
		c := hr.Components[name]
		line := fmt.Sprintf("  %-10s %-10s", name, c.Status)
		if c.Message != "" {
			line += " " + c.Message
		}
		if c.Error != "" {
			line += " (" + c.Error + ")"
		}
		fmt.Fprintln(w, strings.TrimRight(line, " "))
	}
}

func cmdReport(w io.Writer, cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sc, err := st.LatestScan()
	if err != nil {
		return err
	}
	if sc == nil {
		fmt.Fprintln(w, "No stack scans recorded")
		return nil
	}

	rows := make([]monitor.Row, 0, len(sc.Samples))
	var low []string
	for _, s := range sc.Samples {
		rows = append(rows, monitor.Row{
			ID:   s.TaskID,
			Base: uintptr(s.Base),
			Size: int(s.Size),
			Free: int(s.Free),
			Name: s.Name,
		})
		if s.Low {
			low = append(low, s.Name)
		}
	}

	fmt.Fprintf(w, "Scan at %s\n\n", time.Unix(0, sc.TimestampNs).Format(timeLayout))
	if err := monitor.WriteRows(w, rows); err != nil {
		return err
	}
	if len(low) > 0 {
		fmt.Fprintf(w, "\nLow stack: %s\n", strings.Join(low, ", "))
	}
	return nil
}

func cmdHistory(w io.Writer, cfg *config.Config, limit int) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	events, err := st.RecentKeys(limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "No key events recorded")
		return nil
	}

	fmt.Fprintf(w, "%-24s %-10s %-12s %s\n", "TIME", "TICK", "MASK", "KEYS")
	for _, e := range events {
		var flags []string
		if e.Overwrote {
			flags = append(flags, "overwrote")
		}
		line := fmt.Sprintf("%-24s %-10d %#-12x %s",
			time.Unix(0, e.TimestampNs).Format(timeLayout), e.Tick, e.Mask, kbd.KeyMask(e.Mask))
		if len(flags) > 0 {
			line += " [" + strings.Join(flags, ",") + "]"
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

func cmdTraceValidate(w io.Writer, path string) error {
	t, err := trace.Load(path)
	if err != nil {
		return err
	}
	mode := "once"
	if t.Loop {
		mode = "looping"
	}
	fmt.Fprintf(w, "%s: valid (%d steps, %dms, %s)\n", path, len(t.Steps), t.Duration(), mode)
	return nil
}

func cmdConfigCheck(w io.Writer, cfg *config.Config) error {
	err := config.ValidateConfig(cfg)
	if err == nil {
		fmt.Fprintln(w, "Configuration OK")
		return nil
	}

	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	for _, v := range verrs.Warnings() {
		fmt.Fprintf(w, "warning: %s\n", v.Error())
	}
	for _, v := range verrs.Errors() {
		fmt.Fprintf(w, "error: %s\n", v.Error())
	}
	if verrs.HasErrors() {
		return errInvalid
	}
	fmt.Fprintln(w, "Configuration OK (with warnings)")
	return nil
}

func cmdDBInfo(w io.Writer, cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	version, err := st.SchemaVersion()
	if err != nil {
		return err
	}
	keys, err := st.CountKeys()
	if err != nil {
		return err
	}
	sc, err := st.LatestScan()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Database:    %s\n", cfg.Storage.Path)
	fmt.Fprintf(w, "Schema:      v%d (latest v%d)\n", version, store.LatestVersion())
	fmt.Fprintf(w, "Key events:  %d\n", keys)
	if sc == nil {
		fmt.Fprintln(w, "Latest scan: none")
	} else {
		fmt.Fprintf(w, "Latest scan: %s\n", time.Unix(0, sc.TimestampNs).Format(timeLayout))
	}

	if err := st.Check(context.Background()); err != nil {
		fmt.Fprintf(w, "Check:       FAILED (%v)\n", err)
		return errInvalid
	}
	fmt.Fprintln(w, "Check:       ok")
	return nil
}

func cmdDBRollback(w io.Writer, cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	before, err := st.SchemaVersion()
	if err != nil {
		return err
	}
	if err := st.Rollback(); err != nil {
		return err
	}
	fmt.Fprintf(w, "Rolled back schema v%d to v%d\n", before, before-1)
	return nil
}

func cmdCrashes(w io.Writer, dir string) error {
	h, err := logging.NewCrashHandler(&logging.CrashHandlerConfig{CrashDir: dir})
	if err != nil {
		return err
	}
	reports, err := h.GetCrashReports()
	if err != nil {
		return fmt.Errorf("read crash reports: %w", err)
	}
	if len(reports) == 0 {
		fmt.Fprintln(w, "No crash reports")
		return nil
	}

	fmt.Fprintf(w, "%-24s %-10s %-14s %s\n", "TIME", "VERSION", "GOROUTINE", "PANIC")
	for _, r := range reports {
		fmt.Fprintf(w, "%-24s %-10s %-14s %s\n",
			r.Timestamp.Local().Format(timeLayout), r.Version, r.Goroutine, r.PanicValue)
	}
	return nil
}
