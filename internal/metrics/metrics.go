// Package metrics is a small Prometheus-compatible registry for rtcored.
//
// Counters, gauges and histograms are registered under a namespace and
// served by Registry.HTTPHandler in the Prometheus text format, or as JSON
// when the client asks for it. CoreMetrics is the daemon's metric set.
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// MetricType is the Prometheus type of a series.
type MetricType int

const (
	TypeCounter MetricType = iota
	TypeGauge
	TypeHistogram
)

func (t MetricType) String() string {
	switch t {
	case TypeCounter:
		return "counter"
	case TypeGauge:
		return "gauge"
	case TypeHistogram:
		return "histogram"
	}
	return "untyped"
}

// Labels are the constant labels of one series.
type Labels map[string]string

// String renders the labels in exposition syntax, sorted by name, or "" if
// there are none.
func (l Labels) String() string {
	if len(l) == 0 {
		return ""
	}
	names := make([]string, 0, len(l))
	for k := range l {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteByte('{')
	for i, k := range names {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", k, l[k])
	}
	b.WriteByte('}')
	return b.String()
}

// with returns the labels plus one more pair, in exposition syntax.
func (l Labels) with(k, v string) string {
	m := make(Labels, len(l)+1)
	for lk, lv := range l {
		m[lk] = lv
	}
	m[k] = v
	return m.String()
}

type desc struct {
	name   string
	help   string
	labels Labels
}

// Name returns the full metric name.
func (d *desc) Name() string { return d.name }

// Help returns the help text.
func (d *desc) Help() string { return d.help }

func (d *desc) key() string { return d.name + d.labels.String() }

// series is what the registry stores.
type series interface {
	describe() *desc
	Type() MetricType
	writeText(w io.Writer)
	jsonValue() map[string]any
	reset()
}

// Counter only goes up.
type Counter struct {
	desc
	v atomic.Uint64
}

// NewCounter returns an unregistered counter.
func NewCounter(name, help string, labels Labels) *Counter {
	return &Counter{desc: desc{name, help, labels}}
}

func (c *Counter) Inc() { c.v.Add(1) }
func (c *Counter) Add(n uint64) { c.v.Add(n) }
func (c *Counter) Value() uint64 { return c.v.Load() }
func (c *Counter) Type() MetricType { return TypeCounter }
func (c *Counter) describe() *desc { return &c.desc }
func (c *Counter) reset() { c.v.Store(0) }
func (c *Counter) writeText(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", c.name, c.labels.String(), c.Value())
}
func (c *Counter) jsonValue() map[string]any {
	return map[string]any{"value": c.Value()}
}

// Gauge holds a value that moves both ways.
type Gauge struct {
	desc
	v atomic.Int64
}

// NewGauge returns an unregistered gauge.
func NewGauge(name, help string, labels Labels) *Gauge {
	return &Gauge{desc: desc{name, help, labels}}
}

func (g *Gauge) Set(v int64) { g.v.Store(v) }
func (g *Gauge) Add(d int64) { g.v.Add(d) }
func (g *Gauge) Value() int64 { return g.v.Load() }
func (g *Gauge) Type() MetricType { return TypeGauge }
func (g *Gauge) describe() *desc { return &g.desc }
func (g *Gauge) reset() { g.v.Store(0) }
func (g *Gauge) writeText(w io.Writer) {
	fmt.Fprintf(w, "%s%s %d\n", g.name, g.labels.String(), g.Value())
}
func (g *Gauge) jsonValue() map[string]any {
	return map[string]any{"value": g.Value()}
}

// DefaultBuckets are used when a histogram is created without buckets.
var DefaultBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// Histogram counts observations into upper-bounded buckets.
type Histogram struct {
	desc
	bounds []float64

	mu     sync.Mutex
	counts []uint64 // per bucket, the last one is +Inf
	sum    float64
	n      uint64
}

// NewHistogram returns an unregistered histogram. The bounds are sorted.
func NewHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	if bounds == nil {
		bounds = DefaultBuckets
	}
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{
		desc:   desc{name, help, labels},
		bounds: b,
		counts: make([]uint64, len(b)+1),
	}
}

// Observe adds v. A value equal to a bound falls into that bound's bucket.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	h.counts[sort.SearchFloat64s(h.bounds, v)]++
	h.sum += v
	h.n++
	h.mu.Unlock()
}

// ObserveDuration adds d in seconds.
func (h *Histogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *Histogram) Type() MetricType { return TypeHistogram }
func (h *Histogram) describe() *desc { return &h.desc }

// Sum returns the sum of all observations.
func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// Count returns the number of observations.
func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

// Mean returns the average observation, or 0 before the first one.
func (h *Histogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.n == 0 {
		return 0
	}
	return h.sum / float64(h.n)
}

// cumulative returns the running bucket totals, +Inf last.
func (h *Histogram) cumulative() []uint64 {
	out := make([]uint64, len(h.counts))
	var total uint64
	for i, c := range h.counts {
		total += c
		out[i] = total
	}
	return out
}

func (h *Histogram) writeText(w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := h.cumulative()
	for i, b := range h.bounds {
		fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", fmt.Sprintf("%g", b)), cum[i])
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, h.labels.with("le", "+Inf"), cum[len(h.bounds)])
	fmt.Fprintf(w, "%s_sum%s %g\n", h.name, h.labels.String(), h.sum)
	fmt.Fprintf(w, "%s_count%s %d\n", h.name, h.labels.String(), h.n)
}

func (h *Histogram) jsonValue() map[string]any {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := h.cumulative()
	buckets := make(map[string]uint64, len(cum))
	for i, b := range h.bounds {
		buckets[fmt.Sprintf("%g", b)] = cum[i]
	}
	buckets["+Inf"] = cum[len(h.bounds)]
	return map[string]any{"buckets": buckets, "sum": h.sum, "count": h.n}
}

func (h *Histogram) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.counts)
	h.sum, h.n = 0, 0
}

// Registry holds series keyed by full name and labels.
type Registry struct {
	prefix string

	mu     sync.RWMutex
	series map[string]series
}

// NewRegistry returns a registry whose metric names are prefixed with
// namespace and subsystem, each followed by an underscore when set.
func NewRegistry(namespace, subsystem string) *Registry {
	var prefix string
	for _, p := range []string{namespace, subsystem} {
		if p != "" {
			prefix += p + "_"
		}
	}
	return &Registry{prefix: prefix, series: make(map[string]series)}
}

func (r *Registry) key(name string, labels Labels) string {
	return r.prefix + name + labels.String()
}

// register returns the series already stored under s's key or stores s.
// Registering one key with two types is a programming error.
func register[T series](r *Registry, s T) T {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := s.describe().key()
	if old, ok := r.series[k]; ok {
		existing, same := old.(T)
		if !same {
			panic(fmt.Sprintf("metrics: %s registered as %s and %s", k, old.Type(), s.Type()))
		}
		return existing
	}
	r.series[k] = s
	return s
}

func lookup[T series](r *Registry, key string) T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, _ := r.series[key].(T)
	return s
}

// RegisterCounter returns the counter for name and labels, creating it on
// first use.
func (r *Registry) RegisterCounter(name, help string, labels Labels) *Counter {
	return register(r, NewCounter(r.prefix+name, help, labels))
}

// RegisterGauge returns the gauge for name and labels, creating it on first
// use.
func (r *Registry) RegisterGauge(name, help string, labels Labels) *Gauge {
	return register(r, NewGauge(r.prefix+name, help, labels))
}

// RegisterHistogram returns the histogram for name and labels, creating it
// with bounds on first use.
func (r *Registry) RegisterHistogram(name, help string, labels Labels, bounds []float64) *Histogram {
	return register(r, NewHistogram(r.prefix+name, help, labels, bounds))
}

// Unregister drops a series, for example the gauge of a task that exited.
func (r *Registry) Unregister(name string, labels Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.series, r.key(name, labels))
}

// GetCounter returns a registered counter or nil.
func (r *Registry) GetCounter(name string, labels Labels) *Counter {
	return lookup[*Counter](r, r.key(name, labels))
}

// GetGauge returns a registered gauge or nil.
func (r *Registry) GetGauge(name string, labels Labels) *Gauge {
	return lookup[*Gauge](r, r.key(name, labels))
}

// GetHistogram returns a registered histogram or nil.
func (r *Registry) GetHistogram(name string, labels Labels) *Histogram {
	return lookup[*Histogram](r, r.key(name, labels))
}

// sorted returns the series ordered by name, then labels, so the series of
// one family are adjacent.
func (r *Registry) sorted() []series {
	out := make([]series, 0, len(r.series))
	for _, s := range r.series {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].describe(), out[j].describe()
		if a.name != b.name {
			return a.name < b.name
		}
		return a.key() < b.key()
	})
	return out
}

// WritePrometheus writes every series in the text exposition format with
// one HELP and TYPE line per family.
func (r *Registry) WritePrometheus(w io.Writer) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var family string
	for _, s := range r.sorted() {
		d := s.describe()
		if d.name != family {
			family = d.name
			fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", d.name, d.help, d.name, s.Type())
		}
		s.writeText(w)
	}
	return nil
}

// WriteJSON writes every series as an object keyed by series key.
func (r *Registry) WriteJSON(w io.Writer) error {
	r.mu.RLock()
	out := make(map[string]map[string]any, len(r.series))
	for k, s := range r.series {
		v := s.jsonValue()
		v["type"] = s.Type().String()
		v["help"] = s.describe().help
		v["labels"] = s.describe().labels
		out[k] = v
	}
	r.mu.RUnlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// Snapshot returns counter and gauge values by series key, and the sum,
// count and mean of each histogram.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := make(map[string]any, len(r.series))
	for k, s := range r.series {
		switch m := s.(type) {
		case *Counter:
			snap[k] = m.Value()
		case *Gauge:
			snap[k] = m.Value()
		case *Histogram:
			snap[k+"_sum"] = m.Sum()
			snap[k+"_count"] = m.Count()
			snap[k+"_mean"] = m.Mean()
		}
	}
	return snap
}

// Reset zeroes every series.
func (r *Registry) Reset() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.series {
		s.reset()
	}
}

// HTTPHandler serves the registry. Clients that accept application/json get
// WriteJSON, everybody else the text format.
func (r *Registry) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.Header.Get("Accept"), "application/json") {
			w.Header().Set("Content-Type", "application/json")
			_ = r.WriteJSON(w)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_ = r.WritePrometheus(w)
	})
}
