// Package monitor implements the stack-guard monitor.
//
// Tasks register their stack with the monitor. A periodic scan measures how
// much of each stack still holds the sentinel fill pattern and logs a warning
// for every task whose free space dropped below the configured threshold.
// The monitor is purely advisory: it never stops a task.
package monitor

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rtcore/internal/critical"
	"rtcore/internal/stack"
)

// Config controls scanning.
type Config struct {
	// Interval between two scans of the registry.
	Interval time.Duration

	// WarnThreshold is the free byte count below which a warning is logged.
	WarnThreshold int

	// CellSize is the width in bytes of one stack cell.
	CellSize int

	// Fill is the sentinel byte stacks were initialized with.
	Fill byte

	// GrowsUpward is true when stacks grow toward higher addresses.
	GrowsUpward bool
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval:      500 * time.Millisecond,
		WarnThreshold: 32,
		CellSize:      4,
		Fill:          stack.DefaultFill,
		GrowsUpward:   false,
	}
}

// Stack is the memory a monitored task runs on.
type Stack interface {
	Base() uintptr
	Size() int
	Bytes() []byte
}

// Entry is a task known to the monitor. The task lifecycle owns it; the
// monitor only links it into its registry.
type Entry struct {
	stack Stack

	// Guarded by the monitor's section.
	id   uint64
	name string
	elem *list.Element
}

// NewEntry returns an unregistered entry for a task running on s.
func NewEntry(s Stack) *Entry {
	return &Entry{stack: s}
}

// Stack returns the entry's stack.
func (e *Entry) Stack() Stack {
	return e.stack
}

// Row is one line of a stack report.
type Row struct {
	ID   uint64  `json:"id"`
	Base uintptr `json:"base"`
	Size int     `json:"size"`
	Free int     `json:"free"`
	Name string  `json:"name"`
}

// ScanResult is the outcome of one pass over the registry.
type ScanResult struct {
	At       time.Time
	Took     time.Duration
	Rows     []Row
	Warnings []Row
}

// ScanFunc observes completed scans.
type ScanFunc func(ScanResult)

// Monitor watches the stacks of registered tasks.
type Monitor struct {
	section critical.Section
	procs   *list.List
	nextID  uint64

	cfgMu sync.RWMutex
	cfg   Config

	obsMu     sync.RWMutex
	observers []ScanFunc

	log *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger warnings are written to.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.log = l
		}
	}
}

// New returns a monitor with an empty registry.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		procs: list.New(),
		cfg:   normalize(cfg),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func normalize(cfg Config) Config {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CellSize <= 0 {
		cfg.CellSize = def.CellSize
	}
	return cfg
}

// Config returns the active configuration.
func (m *Monitor) Config() Config {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.cfg
}

// SetConfig replaces the configuration. It takes effect on the next scan.
func (m *Monitor) SetConfig(cfg Config) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	m.cfg = normalize(cfg)
}

// OnScan registers fn to be called after every scan, outside the section.
func (m *Monitor) OnScan(fn ScanFunc) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

// Register adds e to the registry under name. Registering the same entry
// twice is a caller error and is not detected.
func (m *Monitor) Register(e *Entry, name string) {
	defer m.section.Enter().Exit()

	m.nextID++
	e.id = m.nextID
	e.name = name
	e.elem = m.procs.PushBack(e)
}

// Unregister removes e from the registry. It must be called before the
// entry's stack is released.
func (m *Monitor) Unregister(e *Entry) {
	defer m.section.Enter().Exit()

	if e.elem == nil {
		return
	}
	m.procs.Remove(e.elem)
	e.elem = nil
}

// Rename changes the display name of e.
func (m *Monitor) Rename(e *Entry, name string) {
	defer m.section.Enter().Exit()
	e.name = name
}

// Name returns the display name of e.
func (m *Monitor) Name(e *Entry) string {
	defer m.section.Enter().Exit()
	return e.name
}

// ID returns the identity assigned to e at registration, 0 if never registered.
func (m *Monitor) ID(e *Entry) uint64 {
	defer m.section.Enter().Exit()
	return e.id
}

// Len returns the number of registered entries.
func (m *Monitor) Len() int {
	defer m.section.Enter().Exit()
	return m.procs.Len()
}

// FreeBytes returns how many bytes of mem still hold the sentinel, scanning
// from the end the stack grows toward. The last cell on the far side is a
// guard and is never counted, so a pristine stack reports its size minus one
// cell. Memory that was never filled reports 0.
func (m *Monitor) FreeBytes(mem []byte) int {
	return freeBytes(mem, m.Config())
}

func freeBytes(mem []byte, cfg Config) int {
	cell := cfg.CellSize
	n := len(mem) / cell
	if n == 0 {
		return 0
	}

	beg, end, step := 0, n-1, 1
	if cfg.GrowsUpward {
		beg, end, step = end, beg, -1
	}

	cur := beg
	for cur != end {
		if !isFill(mem[cur*cell:(cur+1)*cell], cfg.Fill) {
			break
		}
		cur += step
	}

	used := cur - beg
	if used < 0 {
		used = -used
	}
	return used * cell
}

func isFill(cell []byte, fill byte) bool {
	for _, b := range cell {
		if b != fill {
			return false
		}
	}
	return true
}

// Report measures every registered stack.
func (m *Monitor) Report() []Row {
	cfg := m.Config()

	defer m.section.Enter().Exit()
	return m.rowsLocked(cfg)
}

func (m *Monitor) rowsLocked(cfg Config) []Row {
	rows := make([]Row, 0, m.procs.Len())
	for el := m.procs.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		rows = append(rows, Row{
			ID:   e.id,
			Base: e.stack.Base(),
			Size: e.stack.Size(),
			Free: freeBytes(e.stack.Bytes(), cfg),
			Name: e.name,
		})
	}
	return rows
}

// WriteReport writes the report table to w.
func (m *Monitor) WriteReport(w io.Writer) error {
	return WriteRows(w, m.Report())
}

// reportWidth is the length of the separator under the report header.
const reportWidth = 56

// WriteRows renders rows in the fixed-width report layout. The base column
// is wide enough for a full 64-bit address.
func WriteRows(w io.Writer, rows []Row) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s%-18s%-8s%-8s %s\n", "TCB", "SPbase", "SPsize", "SPfree", "Name")
	b.WriteString(strings.Repeat("-", reportWidth))
	b.WriteByte('\n')
	for _, r := range rows {
		fmt.Fprintf(&b, "%-8d%-#18x%-8d%-8d %s\n", r.ID, r.Base, r.Size, r.Free, r.Name)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Scan runs one monitoring pass, logs low-stack warnings and notifies
// observers.
func (m *Monitor) Scan() ScanResult {
	cfg := m.Config()
	start := time.Now()

	g := m.section.Enter()
	rows := m.rowsLocked(cfg)
	g.Exit()

	res := ScanResult{At: start, Took: time.Since(start), Rows: rows}
	for _, r := range rows {
		if r.Free < cfg.WarnThreshold {
			res.Warnings = append(res.Warnings, r)
			m.log.Warn("free stack is low",
				"name", r.Name,
				"id", r.ID,
				"free", r.Free,
				"threshold", cfg.WarnThreshold)
		}
	}

	m.obsMu.RLock()
	observers := append([]ScanFunc(nil), m.observers...)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(res)
	}
	return res
}

// SectionStats reports how the registry's critical section is used.
func (m *Monitor) SectionStats() critical.Stats {
	return m.section.Stats()
}

// Run scans the registry every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info("stack monitor started", "interval", m.Config().Interval)
	defer m.log.Info("stack monitor stopped")

	for {
		m.Scan()

		timer := time.NewTimer(m.Config().Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
