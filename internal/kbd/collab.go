package kbd

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Sampler reads the instantaneous state of the keys.
type Sampler interface {
	ReadKeys() KeyMask
}

// SamplerFunc adapts a function to a Sampler.
type SamplerFunc func() KeyMask

// ReadKeys implements Sampler.
func (f SamplerFunc) ReadKeys() KeyMask { return f() }

// SimulatedSampler is a Sampler whose keys are set by the caller.
type SimulatedSampler struct {
	keys atomic.Uint32
}

// NewSimulatedSampler returns a sampler with no keys down.
func NewSimulatedSampler() *SimulatedSampler {
	return &SimulatedSampler{}
}

// ReadKeys implements Sampler.
func (s *SimulatedSampler) ReadKeys() KeyMask {
	return KeyMask(s.keys.Load())
}

// Set replaces the held keys.
func (s *SimulatedSampler) Set(m KeyMask) {
	s.keys.Store(uint32(m & KeyBits))
}

// Press adds keys to the held set.
func (s *SimulatedSampler) Press(m KeyMask) {
	s.keys.Or(uint32(m & KeyBits))
}

// Release removes keys from the held set.
func (s *SimulatedSampler) Release(m KeyMask) {
	s.keys.And(^uint32(m & KeyBits))
}

// Beeper gives audible feedback for a key event.
type Beeper interface {
	Beep(d time.Duration)
}

// BeeperFunc adapts a function to a Beeper.
type BeeperFunc func(d time.Duration)

// Beep implements Beeper.
func (f BeeperFunc) Beep(d time.Duration) { f(d) }

// NopBeeper discards beeps.
type NopBeeper struct{}

// Beep implements Beeper.
func (NopBeeper) Beep(time.Duration) {}

// BellBeeper rings the terminal bell. Terminals choose the bell length, so
// the duration is ignored.
type BellBeeper struct {
	mu sync.Mutex
	w  io.Writer
}

// NewBellBeeper returns a beeper writing BEL to w.
func NewBellBeeper(w io.Writer) *BellBeeper {
	return &BellBeeper{w: w}
}

// Beep implements Beeper.
func (b *BellBeeper) Beep(time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, _ = b.w.Write([]byte{'\a'})
}
