package trace

import (
	"sync/atomic"

	"rtcore/internal/clock"
	"rtcore/internal/kbd"
)

// Sampler plays a trace back against a clock. It implements kbd.Sampler.
type Sampler struct {
	trace *Trace
	clk   clock.Clock
	start atomic.Uint32
}

// NewSampler returns a sampler whose trace starts at the clock's current tick.
func NewSampler(t *Trace, c clock.Clock) *Sampler {
	s := &Sampler{trace: t, clk: c}
	s.Restart()
	return s
}

// Restart rewinds the trace to the current tick.
func (s *Sampler) Restart() {
	s.start.Store(uint32(s.clk.Now()))
}

// Elapsed returns the milliseconds played since the last restart.
func (s *Sampler) Elapsed() int64 {
	ticks := clock.Since(s.clk.Now(), clock.Tick(s.start.Load()))
	return clock.TicksToDuration(s.clk.Hz(), ticks).Milliseconds()
}

// ReadKeys implements kbd.Sampler.
func (s *Sampler) ReadKeys() kbd.KeyMask {
	return s.trace.Mask(s.Elapsed())
}
