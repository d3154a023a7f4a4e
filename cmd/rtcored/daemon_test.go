package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcore/internal/config"
	"rtcore/internal/monitor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScanRecord(t *testing.T) {
	at := time.Unix(1700000000, 0)
	res := monitor.ScanResult{
		At: at,
		Rows: []monitor.Row{
			{ID: 1, Base: 0x1000, Size: 1024, Free: 900, Name: "idle"},
			{ID: 2, Base: 0x2000, Size: 2048, Free: 16, Name: "kbd"},
		},
	}
	res.Warnings = res.Rows[1:]

	sc := scanRecord(res)
	assert.Equal(t, at.UnixNano(), sc.TimestampNs)
	assert.Equal(t, 1, sc.Warnings)
	require.Len(t, sc.Samples, 2)
	assert.False(t, sc.Samples[0].Low)
	assert.True(t, sc.Samples[1].Low)
	assert.Equal(t, uint64(0x2000), sc.Samples[1].Base)
	assert.Equal(t, "kbd", sc.Samples[1].Name)
}

func TestTaskSetApply(t *testing.T) {
	mc := monitor.DefaultConfig()
	mon := monitor.New(mc, monitor.WithLogger(quietLogger()))
	ts := newTaskSet(mon, quietLogger())
	defer ts.Close()

	require.NoError(t, ts.Apply([]config.TaskConfig{
		{Name: "idle", StackSize: 1024, Used: 128},
		{Name: "kbd", StackSize: 2048, Used: 640},
	}, mc))
	assert.Equal(t, 2, mon.Len())
	assert.Equal(t, 2, ts.Len())

	rows := mon.Report()
	require.Len(t, rows, 2)
	for _, r := range rows {
		switch r.Name {
		case "idle":
			assert.Less(t, r.Free, 1024-128+1)
		case "kbd":
			assert.Less(t, r.Free, 2048-640+1)
		default:
			t.Fatalf("unexpected task %q", r.Name)
		}
	}

	kbdID := idOf(t, mon, "kbd")

	// Drop idle, grow kbd, add shell.
	require.NoError(t, ts.Apply([]config.TaskConfig{
		{Name: "kbd", StackSize: 4096, Used: 100},
		{Name: "shell", StackSize: 1024, Used: 0},
	}, mc))
	assert.Equal(t, 2, mon.Len())
	assert.NotEqual(t, kbdID, idOf(t, mon, "kbd"), "resized task gets a new stack")

	for _, r := range mon.Report() {
		assert.NotEqual(t, "idle", r.Name)
	}

	require.Error(t, ts.Apply([]config.TaskConfig{{Name: "bad", StackSize: 0}}, mc))
}

func idOf(t *testing.T, mon *monitor.Monitor, name string) uint64 {
	t.Helper()
	for _, r := range mon.Report() {
		if r.Name == name {
			return r.ID
		}
	}
	t.Fatalf("task %q not registered", name)
	return 0
}

func TestRestartNeeded(t *testing.T) {
	a := config.DefaultConfig()
	b := a.Clone()
	assert.False(t, restartNeeded(a, b))

	b.Keyboard.DebounceMs = 50
	b.Monitor.IntervalMs = 100
	assert.False(t, restartNeeded(a, b))

	b.HTTP.Addr = "127.0.0.1:1"
	assert.True(t, restartNeeded(a, b))
}

func TestDaemonRecordsTraceKeys(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RTCORE_DATA_DIR", dir)

	tracePath := filepath.Join(dir, "press.json")
	require.NoError(t, os.WriteFile(tracePath, []byte(`{
  "version": 1,
  "steps": [
    {"at_ms": 0, "keys": []},
    {"at_ms": 50, "keys": [1]},
    {"at_ms": 250, "keys": []}
  ]
}`), 0600))

	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "rtcore.db")
	cfg.Logging.Level = "error"
	cfg.HTTP.Enabled = false
	cfg.Monitor.IntervalMs = 20
	cfg.Keyboard.TracePath = tracePath

	d, err := newDaemon(cfg)
	require.NoError(t, err)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := d.store.CountKeys()
		return err == nil && n >= 1
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		sc, err := d.store.LatestScan()
		return err == nil && sc != nil && len(sc.Samples) == len(cfg.Tasks)
	}, 5*time.Second, 20*time.Millisecond)

	keys, err := d.store.RecentKeys(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(1<<1), keys[len(keys)-1].Mask)
	assert.True(t, d.health.IsReady())

	// Hot reload of timing keeps the daemon running.
	next := cfg.Clone()
	next.Keyboard.DebounceMs = 40
	d.Reload(next)
	assert.Equal(t, 40*time.Millisecond, d.pipeline.Timing().Debounce)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}
	assert.False(t, d.health.IsReady())
	assert.GreaterOrEqual(t, d.metrics.KeyEventsTotal.Value(), uint64(1))
}

func TestReloadPanicBecomesCrashReport(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("RTCORE_DATA_DIR", dir)

	cfg := config.DefaultConfig()
	cfg.Storage.Path = filepath.Join(dir, "rtcore.db")
	cfg.Logging.Level = "error"
	cfg.HTTP.Enabled = false

	d, err := newDaemon(cfg)
	require.NoError(t, err)
	defer d.Close()

	// A nil config makes Reload dereference nil.
	assert.NotPanics(t, func() { d.reloadRecovered(nil) })
	assert.True(t, d.crashed.Load())

	reports, err := d.crash.GetCrashReports()
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, "reload", reports[0].Goroutine)
	assert.Equal(t, filepath.Join(dir, "crashes"), config.CrashDir())
}
