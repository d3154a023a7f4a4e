// Package clock provides the monotonic tick counter shared by the keyboard
// pipeline and the stack monitor.
//
// Ticks wrap around at 2^32. Two ticks must never be ordered directly; use
// Since, After and Reached, which compare through subtraction.
package clock

import (
	"sync"
	"time"
)

// DefaultHz is the default tick frequency: one tick per millisecond.
const DefaultHz = 1000

// Tick is a point on the wrapping tick counter.
type Tick uint32

// Since returns the number of ticks elapsed from then to now.
func Since(now, then Tick) Tick {
	return now - then
}

// After reports whether a is strictly later than b.
func After(a, b Tick) bool {
	return int32(a-b) > 0
}

// Reached reports whether now is at or past deadline.
func Reached(now, deadline Tick) bool {
	return int32(now-deadline) >= 0
}

// Clock is a source of ticks.
type Clock interface {
	Now() Tick
	Hz() uint32
}

// MsToTicks converts milliseconds to ticks at the given frequency.
func MsToTicks(hz uint32, ms int64) Tick {
	return Tick(ms * int64(hz) / 1000)
}

// DurationToTicks converts d to ticks at the given frequency.
func DurationToTicks(hz uint32, d time.Duration) Tick {
	return Tick(int64(d) * int64(hz) / int64(time.Second))
}

// TicksToDuration converts a tick count back to wall time.
func TicksToDuration(hz uint32, t Tick) time.Duration {
	return time.Duration(int64(t) * int64(time.Second) / int64(hz))
}

// System derives ticks from the Go monotonic clock.
type System struct {
	start time.Time
	hz    uint32
	base  Tick
}

// NewSystem returns a clock ticking at hz, starting at zero.
func NewSystem(hz uint32) *System {
	if hz == 0 {
		hz = DefaultHz
	}
	return &System{start: time.Now(), hz: hz}
}

// NewSystemAt returns a clock whose first reading is base. Useful to exercise
// wraparound without waiting for it.
func NewSystemAt(hz uint32, base Tick) *System {
	c := NewSystem(hz)
	c.base = base
	return c
}

// Now returns the current tick.
func (c *System) Now() Tick {
	return c.base + DurationToTicks(c.hz, time.Since(c.start))
}

// Hz returns the tick frequency.
func (c *System) Hz() uint32 {
	return c.hz
}

// Manual is a clock that only moves when told to. Tests drive it.
type Manual struct {
	mu  sync.Mutex
	now Tick
	hz  uint32
}

// NewManual returns a manual clock at start ticking at hz.
func NewManual(hz uint32, start Tick) *Manual {
	if hz == 0 {
		hz = DefaultHz
	}
	return &Manual{now: start, hz: hz}
}

// Now returns the current tick.
func (m *Manual) Now() Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Hz returns the tick frequency.
func (m *Manual) Hz() uint32 {
	return m.hz
}

// Advance moves the clock forward by n ticks and returns the new tick.
func (m *Manual) Advance(n Tick) Tick {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now += n
	return m.now
}

// Set moves the clock to t.
func (m *Manual) Set(t Tick) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}
