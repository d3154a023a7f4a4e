package logging

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// CrashReport is the JSON dump written for a recovered panic.
type CrashReport struct {
	Timestamp    time.Time      `json:"timestamp"`
	Version      string         `json:"version"`
	GOOS         string         `json:"goos"`
	GOARCH       string         `json:"goarch"`
	NumGoroutine int            `json:"num_goroutine"`
	PanicValue   string         `json:"panic_value"`
	StackTrace   string         `json:"stack_trace"`
	Component    string         `json:"component,omitempty"`
	Goroutine    string         `json:"goroutine,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// CrashHandlerConfig configures a CrashHandler.
type CrashHandlerConfig struct {
	// CrashDir receives the dumps. Defaults to DefaultCrashDir.
	CrashDir  string
	Version   string
	Component string

	// Logger gets one error record per crash. Defaults to slog.Default.
	Logger *slog.Logger

	// OnCrash runs after the dump is written and logged.
	OnCrash func(CrashReport)
}

// CrashHandler recovers panics in long-running goroutines, writes a dump
// for each and reports it.
type CrashHandler struct {
	dir       string
	version   string
	component string
	log       *slog.Logger
	onCrash   func(CrashReport)

	mu  sync.Mutex
	seq int
}

// DefaultCrashDir is the crashes directory next to the default log file.
func DefaultCrashDir() string {
	return filepath.Join(filepath.Dir(defaultLogPath()), "crashes")
}

// NewCrashHandler creates the crash directory and returns a handler for it.
func NewCrashHandler(cfg *CrashHandlerConfig) (*CrashHandler, error) {
	if cfg == nil {
		cfg = &CrashHandlerConfig{}
	}
	h := &CrashHandler{
		dir:       cfg.CrashDir,
		version:   cfg.Version,
		component: cfg.Component,
		log:       cfg.Logger,
		onCrash:   cfg.OnCrash,
	}
	if h.dir == "" {
		h.dir = DefaultCrashDir()
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if err := os.MkdirAll(h.dir, 0750); err != nil {
		return nil, fmt.Errorf("create crash directory: %w", err)
	}
	return h, nil
}

// Recover runs fn and turns a panic into a crash report.
func (h *CrashHandler) Recover(name string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			h.HandlePanic(v, name, nil)
		}
	}()
	fn()
}

// RecoverGoroutine must be deferred directly at the top of a goroutine:
//
//	go func() { defer crash.RecoverGoroutine("monitor"); ... }()
func (h *CrashHandler) RecoverGoroutine(name string) {
	if v := recover(); v != nil {
		h.HandlePanic(v, name, nil)
	}
}

// HandlePanic writes and logs a report for the panic value v, then calls
// OnCrash.
func (h *CrashHandler) HandlePanic(v any, goroutine string, ctx map[string]any) {
	report := CrashReport{
		Timestamp:    time.Now().UTC(),
		Version:      h.version,
		GOOS:         runtime.GOOS,
		GOARCH:       runtime.GOARCH,
		NumGoroutine: runtime.NumGoroutine(),
		PanicValue:   fmt.Sprint(v),
		StackTrace:   string(debug.Stack()),
		Component:    h.component,
		Goroutine:    goroutine,
		Context:      ctx,
	}

	path, err := h.dump(report)
	if err != nil {
		h.log.Error("write crash dump", "error", err)
	}
	h.log.Error("recovered panic",
		"goroutine", goroutine,
		"panic", report.PanicValue,
		"dump", path)

	if h.onCrash != nil {
		h.onCrash(report)
	}
}

func (h *CrashHandler) dump(report CrashReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	path := filepath.Join(h.dir, fmt.Sprintf("crash-%s-%s-%d.json",
		report.Component, report.Timestamp.Format("20060102-150405"), h.seq))
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

func (h *CrashHandler) dumps() ([]string, error) {
	return filepath.Glob(filepath.Join(h.dir, "crash-*.json"))
}

// GetCrashReports reads back the stored reports, oldest first. Unreadable
// dumps are skipped.
func (h *CrashHandler) GetCrashReports() ([]CrashReport, error) {
	files, err := h.dumps()
	if err != nil {
		return nil, err
	}
	var reports []CrashReport
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var r CrashReport
		if json.Unmarshal(data, &r) == nil {
			reports = append(reports, r)
		}
	}
	sort.SliceStable(reports, func(i, j int) bool {
		return reports[i].Timestamp.Before(reports[j].Timestamp)
	})
	return reports, nil
}

// CleanupOldCrashReports removes dumps last modified more than maxAge ago.
func (h *CrashHandler) CleanupOldCrashReports(maxAge time.Duration) error {
	files, err := h.dumps()
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-maxAge)
	for _, f := range files {
		if info, err := os.Stat(f); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(f)
		}
	}
	return nil
}
