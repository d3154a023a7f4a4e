package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"rtcore/internal/clock"
	"rtcore/internal/config"
	"rtcore/internal/health"
	"rtcore/internal/kbd"
	"rtcore/internal/logging"
	"rtcore/internal/metrics"
	"rtcore/internal/monitor"
	"rtcore/internal/store"
	"rtcore/internal/trace"
)

const (
	pruneInterval   = time.Minute
	metricsInterval = 5 * time.Second
	minDiskFree     = 64 << 20
)

// daemon owns every long-running component of rtcored.
type daemon struct {
	cfgMu sync.RWMutex
	cfg   *config.Config

	logger *logging.Logger
	log    *slog.Logger
	crash  *logging.CrashHandler

	clk      clock.Clock
	store    *store.Store
	metrics  *metrics.CoreMetrics
	health   *health.Checker
	monitor  *monitor.Monitor
	tasks    *taskSet
	pipeline *kbd.Pipeline
	sampler  kbd.Sampler

	keyReady  chan struct{}
	lastEvent atomic.Pointer[kbd.Event]
	lastScan  atomic.Pointer[monitor.ScanResult]

	httpServer *http.Server

	stopMu  sync.Mutex
	stop    context.CancelFunc
	crashed atomic.Bool
}

// newDaemon builds the daemon from cfg. Nothing runs until Run.
func newDaemon(cfg *config.Config) (*daemon, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("setup logging: %w", err)
	}
	logging.SetDefault(logger)

	d := &daemon{
		cfg:      cfg,
		logger:   logger,
		log:      logger.Slog(),
		clk:      clock.NewSystem(cfg.Clock.TickHz),
		metrics:  metrics.NewCoreMetrics(nil),
		health:   health.NewChecker(),
		keyReady: make(chan struct{}, 1),
	}

	d.crash, err = logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  config.CrashDir(),
		Version:   Version,
		Component: "rtcored",
		Logger:    d.log,
		OnCrash:   d.onCrash,
	})
	if err != nil {
		logger.Close()
		return nil, err
	}

	d.store, err = store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}

	d.monitor = monitor.New(cfg.MonitorConfig(),
		monitor.WithLogger(logger.WithComponent("monitor").Slog()))
	d.monitor.OnScan(d.onScan)

	d.tasks = newTaskSet(d.monitor, logger.WithComponent("tasks").Slog())
	if err := d.tasks.Apply(cfg.Tasks, cfg.MonitorConfig()); err != nil {
		d.Close()
		return nil, fmt.Errorf("allocate task stacks: %w", err)
	}

	d.sampler, err = newSampler(cfg.Keyboard.TracePath, d.clk)
	if err != nil {
		d.Close()
		return nil, err
	}

	var beeper kbd.Beeper = kbd.NopBeeper{}
	if cfg.Keyboard.Bell {
		beeper = kbd.NewBellBeeper(os.Stdout)
	}

	d.pipeline = kbd.New(d.sampler,
		kbd.WithClock(d.clk),
		kbd.WithBeeper(beeper),
		kbd.WithLogger(logger.WithComponent("kbd").Slog()),
		kbd.WithTiming(cfg.KeyboardTiming()),
		kbd.WithRepeatMask(kbd.KeyMask(cfg.Keyboard.RepeatMask)),
		kbd.WithLongMask(kbd.KeyMask(cfg.Keyboard.LongMask)),
		kbd.WithEventHook(d.onEvent),
	)
	d.pipeline.Init()

	d.registerChecks(cfg)

	if cfg.HTTP.Enabled {
		d.httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           d.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return d, nil
}

func newLogger(lc config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(lc.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(lc.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     lc.Output,
		FilePath:   lc.FilePath,
		MaxSize:    int64(lc.MaxSizeMB),
		MaxAge:     lc.MaxAgeDays,
		MaxBackups: lc.MaxBackups,
		Compress:   lc.Compress,
		Component:  "rtcored",
	})
}

// newSampler replays the trace at path, or returns a simulated keyboard
// nobody presses when path is empty.
func newSampler(path string, clk clock.Clock) (kbd.Sampler, error) {
	if path == "" {
		return kbd.NewSimulatedSampler(), nil
	}
	t, err := trace.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load key trace: %w", err)
	}
	return trace.NewSampler(t, clk), nil
}

func (d *daemon) config() *config.Config {
	d.cfgMu.RLock()
	defer d.cfgMu.RUnlock()
	return d.cfg
}

func (d *daemon) registerChecks(cfg *config.Config) {
	d.health.RegisterFunc("store", true, health.DatabaseCheck(d.store.Check))

	sample := cfg.KeyboardTiming().SampleInterval
	d.health.RegisterFunc("kbd", true, health.DispatchCheck(func() time.Time {
		return d.pipeline.Stats().LastPass
	}, max(100*sample, time.Second)))

	interval := cfg.MonitorConfig().Interval
	d.health.RegisterFunc("stacks", false, health.StackCheck(func() (monitor.ScanResult, bool) {
		res := d.lastScan.Load()
		if res == nil {
			return monitor.ScanResult{}, false
		}
		return *res, true
	}, max(10*interval, 5*time.Second)))

	d.health.RegisterFunc("disk", false,
		health.DiskSpaceCheck(filepath.Dir(cfg.Storage.Path), minDiskFree))

	if cfg.Keyboard.TracePath != "" {
		d.health.RegisterFunc("trace", false, health.FileExistsCheck(cfg.Keyboard.TracePath))
	}
}

func (d *daemon) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", d.health.LivenessHandler())
	mux.Handle("/readyz", d.health.ReadinessHandler())
	mux.Handle("/health", d.health.HealthHandler())
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.refreshMetrics()
		d.metrics.Registry().HTTPHandler().ServeHTTP(w, r)
	}))
	return mux
}

// Run starts the pipeline, the monitor and the key consumer and blocks
// until ctx is done or a component fails.
func (d *daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.stopMu.Lock()
	d.stop = cancel
	d.stopMu.Unlock()

	cfg := d.config()
	d.log.Info("rtcored starting",
		"version", Version,
		"tick_hz", cfg.Clock.TickHz,
		"tasks", len(cfg.Tasks),
		"store", cfg.Storage.Path,
		"trace", cfg.Keyboard.TracePath)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer d.crash.RecoverGoroutine("kbd")
		d.pipeline.Run(ctx)
		return nil
	})
	g.Go(func() error {
		defer d.crash.RecoverGoroutine("monitor")
		d.monitor.Run(ctx)
		return nil
	})
	g.Go(func() error {
		defer d.crash.RecoverGoroutine("consumer")
		d.consumeKeys(ctx)
		return nil
	})
	g.Go(func() error {
		defer d.crash.RecoverGoroutine("housekeeping")
		d.housekeeping(ctx)
		return nil
	})

	if d.httpServer != nil {
		g.Go(func() error {
			d.log.Info("http listener started", "addr", d.httpServer.Addr)
			if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return d.httpServer.Shutdown(shutdownCtx)
		})
	}

	d.health.SetReady(true)
	err := g.Wait()
	d.health.SetReady(false)

	if err == nil && d.crashed.Load() {
		err = errors.New("a component panicked; see the crash report")
	}
	d.log.Info("rtcored stopped")
	return err
}

// consumeKeys drains the key buffer into the store. The event hook wakes it
// so it does not spin while the keyboard is idle.
func (d *daemon) consumeKeys(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.keyReady:
		}

		// The event may already have been taken on an earlier wake-up;
		// bound the poll to one sample interval.
		waitCtx, cancel := context.WithTimeout(ctx, d.pipeline.Timing().SampleInterval)
		key := d.pipeline.GetContext(waitCtx)
		cancel()
		if key == 0 {
			continue
		}
		d.recordKey(key)
	}
}

func (d *daemon) recordKey(key kbd.KeyMask) {
	ev := &store.KeyEvent{
		TimestampNs: time.Now().UnixNano(),
		Tick:        uint32(d.clk.Now()),
		Mask:        uint32(key),
		Label:       key.String(),
		Repeat:      key.IsRepeat(),
		Long:        key.IsLong(),
	}
	if last := d.lastEvent.Load(); last != nil && last.Key == key {
		ev.Tick = uint32(last.At)
		ev.Overwrote = last.Overwrote
	}

	d.metrics.RecordKeyEvent(key)
	if _, err := d.store.RecordKey(ev); err != nil {
		d.metrics.RecordStoreError()
		d.log.Error("record key event", "error", err, "key", ev.Label)
		return
	}
	d.log.Debug("key event", "key", ev.Label, "tick", ev.Tick, "overwrote", ev.Overwrote)
}

// onEvent runs on the dispatch goroutine and must not block.
func (d *daemon) onEvent(ev kbd.Event) {
	d.lastEvent.Store(&ev)
	select {
	case d.keyReady <- struct{}{}:
	default:
	}
}

// onScan runs on the monitor goroutine after every pass.
func (d *daemon) onScan(res monitor.ScanResult) {
	d.lastScan.Store(&res)
	d.metrics.ObserveScan(res, d.monitor.SectionStats())

	if _, err := d.store.RecordScan(scanRecord(res)); err != nil {
		d.metrics.RecordStoreError()
		d.log.Error("record stack scan", "error", err)
	}
}

func scanRecord(res monitor.ScanResult) *store.Scan {
	low := make(map[uint64]bool, len(res.Warnings))
	for _, w := range res.Warnings {
		low[w.ID] = true
	}

	sc := &store.Scan{
		TimestampNs: res.At.UnixNano(),
		Warnings:    len(res.Warnings),
		Samples:     make([]store.StackSample, 0, len(res.Rows)),
	}
	for _, r := range res.Rows {
		sc.Samples = append(sc.Samples, store.StackSample{
			TaskID: r.ID,
			Name:   r.Name,
			Base:   uint64(r.Base),
			Size:   int64(r.Size),
			Free:   int64(r.Free),
			Low:    low[r.ID],
		})
	}
	return sc
}

func (d *daemon) refreshMetrics() {
	d.metrics.ObservePipeline(d.pipeline.Stats(), d.pipeline.SectionStats())
	d.metrics.UpdateUptime()
}

// housekeeping refreshes metrics and prunes the store.
func (d *daemon) housekeeping(ctx context.Context) {
	metricsTicker := time.NewTicker(metricsInterval)
	defer metricsTicker.Stop()
	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()

	d.prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-metricsTicker.C:
			d.refreshMetrics()
		case <-pruneTicker.C:
			d.prune()
		}
	}
}

func (d *daemon) prune() {
	sc := d.config().Storage

	if sc.RetainKeyEvents > 0 {
		if n, err := d.store.PruneKeys(sc.RetainKeyEvents); err != nil {
			d.log.Warn("prune key events", "error", err)
		} else if n > 0 {
			d.log.Debug("pruned key events", "count", n)
		}
	}

	if sc.RetainScanHours > 0 {
		cutoff := time.Now().Add(-time.Duration(sc.RetainScanHours) * time.Hour).UnixNano()
		if n, err := d.store.PruneScans(cutoff); err != nil {
			d.log.Warn("prune stack scans", "error", err)
		} else if n > 0 {
			d.log.Debug("pruned stack scans", "count", n)
		}
	}

	if err := d.crash.CleanupOldCrashReports(30 * 24 * time.Hour); err != nil {
		d.log.Warn("clean up crash reports", "error", err)
	}
}

// Reload applies a changed configuration. Keyboard timing, monitor settings
// and the task set take effect immediately. Clock, storage, logging, trace,
// key mask and HTTP changes need a restart.
func (d *daemon) Reload(cfg *config.Config) {
	old := d.config()

	d.pipeline.SetTiming(cfg.KeyboardTiming())
	d.monitor.SetConfig(cfg.MonitorConfig())
	if err := d.tasks.Apply(cfg.Tasks, cfg.MonitorConfig()); err != nil {
		d.log.Error("apply task changes", "error", err)
	}

	if restartNeeded(old, cfg) {
		d.log.Warn("some configuration changes take effect after a restart")
	}

	d.cfgMu.Lock()
	d.cfg = cfg
	d.cfgMu.Unlock()

	d.log.Info("configuration reloaded",
		"sample_interval", cfg.KeyboardTiming().SampleInterval,
		"monitor_interval", cfg.MonitorConfig().Interval,
		"tasks", len(cfg.Tasks))
}

// reloadRecovered is Reload for the config watcher. A panic becomes a crash
// report and stops the daemon.
func (d *daemon) reloadRecovered(cfg *config.Config) {
	d.crash.Recover("reload", func() { d.Reload(cfg) })
}

func restartNeeded(old, cfg *config.Config) bool {
	return old.Clock != cfg.Clock ||
		old.Storage.Path != cfg.Storage.Path ||
		old.Logging != cfg.Logging ||
		old.HTTP != cfg.HTTP ||
		old.Keyboard.TracePath != cfg.Keyboard.TracePath ||
		old.Keyboard.Bell != cfg.Keyboard.Bell ||
		old.Keyboard.RepeatMask != cfg.Keyboard.RepeatMask ||
		old.Keyboard.LongMask != cfg.Keyboard.LongMask
}

func (d *daemon) logReloadErrors(ctx context.Context, errs <-chan error) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errs:
			d.log.Error("configuration reload rejected", "error", err)
		}
	}
}

// onCrash stops the daemon after a component panicked.
func (d *daemon) onCrash(logging.CrashReport) {
	d.metrics.RecordCrash()
	d.crashed.Store(true)
	d.stopMu.Lock()
	defer d.stopMu.Unlock()
	if d.stop != nil {
		d.stop()
	}
}

// Close releases the task stacks, the store and the log file.
func (d *daemon) Close() {
	if d.tasks != nil {
		d.tasks.Close()
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.log.Warn("close store", "error", err)
		}
	}
	d.logger.Close()
}
