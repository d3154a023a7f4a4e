// Package health aggregates component checks into liveness, readiness and
// health endpoints for rtcored.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Status is the health of one component or of the whole daemon.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult is the outcome of one check run.
type CheckResult struct {
	Status      Status         `json:"status"`
	Message     string         `json:"message,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	LastChecked time.Time      `json:"last_checked"`
	Duration    time.Duration  `json:"duration_ns"`
	Error       string         `json:"error,omitempty"`
}

// Check inspects one component. It should return when ctx is done.
type Check func(ctx context.Context) CheckResult

// Component is a named check. A failing critical component makes the daemon
// unhealthy; any other failure only degrades it.
type Component struct {
	Name     string
	Critical bool
	Check    Check
	Timeout  time.Duration
}

const defaultTimeout = 5 * time.Second

type entry struct {
	comp Component
	last CheckResult
}

// Checker runs registered checks and remembers their last results.
type Checker struct {
	mu      sync.RWMutex
	entries map[string]*entry
	started time.Time
	ready   bool
}

// NewChecker returns a Checker with no components that is not ready.
func NewChecker() *Checker {
	return &Checker{
		entries: make(map[string]*entry),
		started: time.Now(),
	}
}

// Register adds or replaces a component. Its status is unknown until it is
// first checked.
func (c *Checker) Register(comp *Component) {
	e := &entry{comp: *comp, last: CheckResult{Status: StatusUnknown}}
	if e.comp.Timeout <= 0 {
		e.comp.Timeout = defaultTimeout
	}
	c.mu.Lock()
	c.entries[comp.Name] = e
	c.mu.Unlock()
}

// RegisterFunc registers check under name with the default timeout.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{Name: name, Critical: critical, Check: check})
}

// Unregister removes a component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	delete(c.entries, name)
	c.mu.Unlock()
}

// SetReady flips the readiness reported by ReadinessHandler.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	c.ready = ready
	c.mu.Unlock()
}

// IsReady reports the readiness flag.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs every component concurrently and returns the fresh results.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	comps := make([]Component, 0, len(c.entries))
	for _, e := range c.entries {
		comps = append(comps, e.comp)
	}
	c.mu.RUnlock()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]CheckResult, len(comps))
	)
	for _, comp := range comps {
		g.Go(func() error {
			res := c.run(ctx, comp)
			mu.Lock()
			results[comp.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CheckComponent runs one component. The bool is false if name is unknown.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	e, ok := c.entries[name]
	var comp Component
	if ok {
		comp = e.comp
	}
	c.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}
	return c.run(ctx, comp), true
}

// run executes one check under its timeout and stores the result.
func (c *Checker) run(ctx context.Context, comp Component) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	res := runCheck(ctx, comp.Check)
	res.LastChecked = start
	res.Duration = time.Since(start)

	c.mu.Lock()
	if e, ok := c.entries[comp.Name]; ok {
		e.last = res
	}
	c.mu.Unlock()
	return res
}

// runCheck turns a panic or an expired ctx into an unhealthy result. A check
// that ignores ctx is left running; its result is dropped.
func runCheck(ctx context.Context, check Check) CheckResult {
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				done <- CheckResult{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(v)}
			}
		}()
		done <- check(ctx)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return CheckResult{Status: StatusUnhealthy, Message: "check timed out", Error: ctx.Err().Error()}
	}
}

// Results returns the last result of every component.
func (c *Checker) Results() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]CheckResult, len(c.entries))
	for name, e := range c.entries {
		out[name] = e.last
	}
	return out
}

// OverallStatus folds the last results: a failed critical component is
// unhealthy, an unchecked critical component unknown, and any other problem
// degraded.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	overall := StatusHealthy
	for _, e := range c.entries {
		s := e.last.Status
		switch {
		case s == StatusUnhealthy && e.comp.Critical:
			return StatusUnhealthy
		case s == StatusUnknown && e.comp.Critical:
			overall = StatusUnknown
		case (s == StatusUnhealthy || s == StatusDegraded) && overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return overall
}

// HealthResponse is the body served by HealthHandler.
type HealthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// Report builds a HealthResponse. With full set every component is checked
// first and included.
func (c *Checker) Report(ctx context.Context, full bool) HealthResponse {
	var comps map[string]CheckResult
	if full {
		comps = c.Check(ctx)
	}
	c.mu.RLock()
	ready, uptime := c.ready, time.Since(c.started)
	c.mu.RUnlock()

	return HealthResponse{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.Round(time.Second).String(),
		Components: comps,
		Timestamp:  time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// LivenessHandler always answers 200 while the process serves HTTP.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})
}

// ReadinessHandler answers 503 before SetReady(true) or while a critical
// component is unhealthy.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}
		status := c.OverallStatus()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now()})
	})
}

// HealthHandler serves a HealthResponse; ?full=true runs and includes every
// check. Degraded still answers 200.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if resp.Status != StatusHealthy && resp.Status != StatusDegraded {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	})
}
