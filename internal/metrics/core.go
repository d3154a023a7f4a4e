package metrics

import (
	"sync"
	"time"

	"rtcore/internal/critical"
	"rtcore/internal/kbd"
	"rtcore/internal/monitor"
)

// CoreMetrics holds the metrics exported by rtcored.
type CoreMetrics struct {
	registry *Registry
	start    time.Time

	// Counters
	KeyEventsTotal      *Counter
	KeyRepeatsTotal     *Counter
	LongPressesTotal    *Counter
	OverwrittenTotal    *Counter
	BeepsTotal          *Counter
	DispatchPassesTotal *Counter
	ScansTotal          *Counter
	StackWarningsTotal  *Counter
	CrashesTotal        *Counter
	StoreErrorsTotal    *Counter

	// Gauges
	UptimeSeconds       *Gauge
	TasksMonitored      *Gauge
	MinFreeBytes        *Gauge
	KbdMaxHoldNanos     *Gauge
	MonitorMaxHoldNanos *Gauge

	// Histograms
	ScanDuration *Histogram

	mu    sync.Mutex
	tasks map[string]bool
}

const taskFreeBytes = "task_free_bytes"

// NewCoreMetrics creates and registers the rtcored metric set.
func NewCoreMetrics(registry *Registry) *CoreMetrics {
	if registry == nil {
		registry = NewRegistry("rtcore", "")
	}

	return &CoreMetrics{
		registry: registry,
		start:    time.Now(),
		tasks:    make(map[string]bool),

		KeyEventsTotal: registry.RegisterCounter(
			"key_events_total",
			"Total number of key events delivered to the buffer",
			nil,
		),
		KeyRepeatsTotal: registry.RegisterCounter(
			"key_repeats_total",
			"Key events generated by auto-repeat",
			nil,
		),
		LongPressesTotal: registry.RegisterCounter(
			"long_presses_total",
			"Key events flagged as long presses",
			nil,
		),
		OverwrittenTotal: registry.RegisterCounter(
			"key_events_overwritten_total",
			"Key events replaced before anybody read them",
			nil,
		),
		BeepsTotal: registry.RegisterCounter(
			"beeps_total",
			"Feedback beeps requested",
			nil,
		),
		DispatchPassesTotal: registry.RegisterCounter(
			"dispatch_passes_total",
			"Raw chain dispatch passes",
			nil,
		),
		ScansTotal: registry.RegisterCounter(
			"stack_scans_total",
			"Stack monitor passes",
			nil,
		),
		StackWarningsTotal: registry.RegisterCounter(
			"stack_warnings_total",
			"Low free stack warnings",
			nil,
		),
		CrashesTotal: registry.RegisterCounter(
			"crashes_total",
			"Recovered goroutine panics",
			nil,
		),
		StoreErrorsTotal: registry.RegisterCounter(
			"store_errors_total",
			"Failed writes to the event store",
			nil,
		),

		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Number of seconds the daemon has been running",
			nil,
		),
		TasksMonitored: registry.RegisterGauge(
			"tasks_monitored",
			"Tasks registered with the stack monitor",
			nil,
		),
		MinFreeBytes: registry.RegisterGauge(
			"min_free_stack_bytes",
			"Smallest free stack over all tasks in the last scan",
			nil,
		),
		KbdMaxHoldNanos: registry.RegisterGauge(
			"critical_max_hold_nanoseconds",
			"Longest time a critical section was held",
			Labels{"section": "kbd"},
		),
		MonitorMaxHoldNanos: registry.RegisterGauge(
			"critical_max_hold_nanoseconds",
			"Longest time a critical section was held",
			Labels{"section": "monitor"},
		),

		ScanDuration: registry.RegisterHistogram(
			"stack_scan_duration_seconds",
			"Duration of one stack monitor pass in seconds",
			nil,
			[]float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
		),
	}
}

// Registry returns the registry the metrics live in.
func (m *CoreMetrics) Registry() *Registry {
	return m.registry
}

// RecordKeyEvent counts one event read from the key buffer.
func (m *CoreMetrics) RecordKeyEvent(key kbd.KeyMask) {
	m.KeyEventsTotal.Inc()
	if key.IsRepeat() {
		m.KeyRepeatsTotal.Inc()
	}
	if key.IsLong() {
		m.LongPressesTotal.Inc()
	}
}

// ObservePipeline copies the pipeline's cumulative counters.
func (m *CoreMetrics) ObservePipeline(s kbd.Stats, sec critical.Stats) {
	catchUp(m.OverwrittenTotal, s.Overwritten)
	catchUp(m.BeepsTotal, s.Beeps)
	catchUp(m.DispatchPassesTotal, s.Passes)
	m.KbdMaxHoldNanos.Set(sec.MaxHold.Nanoseconds())
}

// catchUp advances c to v. Counters never go backwards.
func catchUp(c *Counter, v uint64) {
	if cur := c.Value(); v > cur {
		c.Add(v - cur)
	}
}

// ObserveScan records one completed stack monitor pass.
func (m *CoreMetrics) ObserveScan(res monitor.ScanResult, sec critical.Stats) {
	m.ScansTotal.Inc()
	m.StackWarningsTotal.Add(uint64(len(res.Warnings)))
	m.ScanDuration.ObserveDuration(res.Took)
	m.TasksMonitored.Set(int64(len(res.Rows)))
	m.MonitorMaxHoldNanos.Set(sec.MaxHold.Nanoseconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(res.Rows))
	minFree := -1
	for _, r := range res.Rows {
		seen[r.Name] = true
		m.registry.RegisterGauge(taskFreeBytes, "Free stack bytes per task", Labels{"task": r.Name}).Set(int64(r.Free))
		if minFree < 0 || r.Free < minFree {
			minFree = r.Free
		}
	}
	for name := range m.tasks {
		if !seen[name] {
			m.registry.Unregister(taskFreeBytes, Labels{"task": name})
		}
	}
	m.tasks = seen

	if minFree >= 0 {
		m.MinFreeBytes.Set(int64(minFree))
	}
}

// TaskFree returns the last observed free bytes of a task.
func (m *CoreMetrics) TaskFree(name string) (int64, bool) {
	g := m.registry.GetGauge(taskFreeBytes, Labels{"task": name})
	if g == nil {
		return 0, false
	}
	return g.Value(), true
}

// RecordCrash counts a recovered panic.
func (m *CoreMetrics) RecordCrash() {
	m.CrashesTotal.Inc()
}

// RecordStoreError counts a failed store write.
func (m *CoreMetrics) RecordStoreError() {
	m.StoreErrorsTotal.Inc()
}

// UpdateUptime updates the uptime metric.
func (m *CoreMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.start).Seconds()))
}

// Snapshot returns a snapshot of key metrics.
func (m *CoreMetrics) Snapshot() map[string]interface{} {
	m.UpdateUptime()
	return map[string]interface{}{
		"key_events_total":      m.KeyEventsTotal.Value(),
		"key_repeats_total":     m.KeyRepeatsTotal.Value(),
		"long_presses_total":    m.LongPressesTotal.Value(),
		"overwritten_total":     m.OverwrittenTotal.Value(),
		"beeps_total":           m.BeepsTotal.Value(),
		"dispatch_passes_total": m.DispatchPassesTotal.Value(),
		"stack_scans_total":     m.ScansTotal.Value(),
		"stack_warnings_total":  m.StackWarningsTotal.Value(),
		"min_free_stack_bytes":  m.MinFreeBytes.Value(),
		"uptime_seconds":        m.UptimeSeconds.Value(),
		"scan_avg_seconds":      m.ScanDuration.Mean(),
	}
}
