package kbd

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"rtcore/internal/clock"
	"rtcore/internal/critical"
)

// Timing holds the pipeline's time constants.
type Timing struct {
	SampleInterval time.Duration
	Debounce       time.Duration
	Beep           time.Duration
	RepeatDelay    time.Duration
	RepeatRate     time.Duration
	RepeatMaxRate  time.Duration
	RepeatAccel    time.Duration
	LongDelay      time.Duration
}

// DefaultTiming returns the standard keyboard timing.
func DefaultTiming() Timing {
	return Timing{
		SampleInterval: 10 * time.Millisecond,
		Debounce:       30 * time.Millisecond,
		Beep:           5 * time.Millisecond,
		RepeatDelay:    400 * time.Millisecond,
		RepeatRate:     100 * time.Millisecond,
		RepeatMaxRate:  20 * time.Millisecond,
		RepeatAccel:    5 * time.Millisecond,
		LongDelay:      1000 * time.Millisecond,
	}
}

// Event is a key event stored in the buffer.
type Event struct {
	Key KeyMask
	At  clock.Tick
	// Overwrote is set when the event replaced one nobody read.
	Overwrote bool
}

// Stats counts pipeline activity.
type Stats struct {
	Passes       uint64
	CookedPasses uint64
	Events       uint64
	Overwritten  uint64
	Beeps        uint64
	LastPass     time.Time
}

// Pipeline turns raw key samples into key events.
type Pipeline struct {
	clock   clock.Clock
	sampler Sampler
	beeper  Beeper
	log     *slog.Logger
	onEvent func(Event)

	repeatMask KeyMask
	longMask   KeyMask

	// section guards the chains and the event buffer.
	section critical.Section
	raw     *Chain
	cooked  *Chain
	slot    KeyMask
	pending bool

	// dispatchMu serializes dispatch passes and guards the state below.
	dispatchMu sync.Mutex
	timing     Timing
	lastCooked KeyMask
	debounce   *Debounce
	long       *LongPress
	repeat     *Repeat
	sink       *Hook
	initDone   bool

	passes       atomic.Uint64
	cookedPasses atomic.Uint64
	events       atomic.Uint64
	overwritten  atomic.Uint64
	beeps        atomic.Uint64
	lastPass     atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock sets the tick source. Defaults to a 1 kHz system clock.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// WithBeeper sets the beeper. Defaults to NopBeeper.
func WithBeeper(b Beeper) Option {
	return func(p *Pipeline) { p.beeper = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// WithTiming overrides DefaultTiming.
func WithTiming(t Timing) Option {
	return func(p *Pipeline) { p.timing = t }
}

// WithRepeatMask sets the keys that auto repeat. Defaults to every key.
func WithRepeatMask(m KeyMask) Option {
	return func(p *Pipeline) { p.repeatMask = m & KeyBits }
}

// WithLongMask sets the keys subject to long-press detection. The long-press
// handler is only installed when the mask is non-zero.
func WithLongMask(m KeyMask) Option {
	return func(p *Pipeline) { p.longMask = m & KeyBits }
}

// WithEventHook sets a function called for every event stored in the
// buffer. It runs on the dispatch goroutine and must not block.
func WithEventHook(fn func(Event)) Option {
	return func(p *Pipeline) { p.onEvent = fn }
}

// New returns a pipeline reading from s. Call Init before dispatching.
func New(s Sampler, opts ...Option) *Pipeline {
	p := &Pipeline{
		sampler:    s,
		beeper:     NopBeeper{},
		log:        slog.Default(),
		timing:     DefaultTiming(),
		repeatMask: KeyBits,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.clock == nil {
		p.clock = clock.NewSystem(clock.DefaultHz)
	}
	p.timing = normalizeTiming(p.timing)
	p.raw = NewChain(&p.section)
	p.cooked = NewChain(&p.section)
	return p
}

// Init installs the built-in handlers: debounce, long press (when a long
// mask is set) and repeat on the raw chain, and the buffer sink at the tail
// of the cooked chain. Calling it again has no effect.
func (p *Pipeline) Init() {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	if p.initDone {
		return
	}
	p.initDone = true

	hz := p.clock.Hz()
	t := p.timing

	p.debounce = NewDebounce(clock.DurationToTicks(hz, t.Debounce))
	p.AddHandler(p.debounce)

	if p.longMask != 0 {
		p.long = NewLongPress(p.longMask, clock.DurationToTicks(hz, t.LongDelay))
		p.AddHandler(p.long)
	}

	p.repeat = &Repeat{Mask: p.repeatMask}
	p.applyRepeatTiming(t)
	p.AddHandler(p.repeat)

	p.sink = &Hook{Pri: PriorityLowest, Fn: p.sinkFunc}
	p.AddHandler(p.sink)

	p.log.Debug("keyboard pipeline initialized",
		"raw_handlers", p.raw.Len(),
		"cooked_handlers", p.cooked.Len(),
		"sample_interval", t.SampleInterval)
}

func (p *Pipeline) applyRepeatTiming(t Timing) {
	hz := p.clock.Hz()
	p.repeat.Delay = clock.DurationToTicks(hz, t.RepeatDelay)
	p.repeat.Rate = clock.DurationToTicks(hz, t.RepeatRate)
	p.repeat.MaxRate = clock.DurationToTicks(hz, t.RepeatMaxRate)
	p.repeat.Accel = clock.DurationToTicks(hz, t.RepeatAccel)
}

// SetTiming replaces the timing. Handlers pick the new windows up on the
// next pass. It must not be called from inside a handler.
func (p *Pipeline) SetTiming(t Timing) {
	t = normalizeTiming(t)
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	p.timing = t
	if !p.initDone {
		return
	}
	hz := p.clock.Hz()
	p.debounce.Window = clock.DurationToTicks(hz, t.Debounce)
	if p.long != nil {
		p.long.Delay = clock.DurationToTicks(hz, t.LongDelay)
	}
	p.applyRepeatTiming(t)
}

// normalizeTiming replaces a non-positive sample interval with the default.
func normalizeTiming(t Timing) Timing {
	if t.SampleInterval <= 0 {
		t.SampleInterval = DefaultTiming().SampleInterval
	}
	return t
}

// Timing returns the active timing.
func (p *Pipeline) Timing() Timing {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	return p.timing
}

// AddHandler inserts h in the raw or cooked chain according to h.Raw.
func (p *Pipeline) AddHandler(h Handler) {
	if h.Raw() {
		p.raw.Insert(h)
	} else {
		p.cooked.Insert(h)
	}
}

// RemoveHandler removes h from its chain and reports whether it was there.
func (p *Pipeline) RemoveHandler(h Handler) bool {
	if h.Raw() {
		return p.raw.Remove(h)
	}
	return p.cooked.Remove(h)
}

// RawChain returns the raw handler chain.
func (p *Pipeline) RawChain() *Chain { return p.raw }

// CookedChain returns the cooked handler chain.
func (p *Pipeline) CookedChain() *Chain { return p.cooked }

// Dispatch runs one sampling pass.
func (p *Pipeline) Dispatch() {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	now := p.clock.Now()
	key := p.raw.Fold(p.sampler.ReadKeys(), now)

	if key != p.lastCooked {
		p.lastCooked = key
		p.cooked.Fold(key, now)
		p.cookedPasses.Add(1)
	}

	p.passes.Add(1)
	p.lastPass.Store(time.Now().UnixNano())
}

// Run dispatches every SampleInterval until ctx is done.
func (p *Pipeline) Run(ctx context.Context) {
	interval := p.Timing().SampleInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info("keyboard pipeline started", "interval", interval)
	defer p.log.Info("keyboard pipeline stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Dispatch()
			if cur := p.Timing().SampleInterval; cur != interval && cur > 0 {
				interval = cur
				ticker.Reset(interval)
			}
		}
	}
}

// sinkFunc stores every non-empty mask in the buffer, beeping for keys that
// are not repeats, and swallows its input.
func (p *Pipeline) sinkFunc(key KeyMask, now clock.Tick) KeyMask {
	if key == 0 {
		return 0
	}

	g := p.section.Enter()
	overwrote := p.pending
	p.slot = key
	p.pending = true
	g.Exit()

	p.events.Add(1)
	if overwrote {
		p.overwritten.Add(1)
	}
	if !key.IsRepeat() {
		p.beeper.Beep(p.timing.Beep)
		p.beeps.Add(1)
	}
	if p.onEvent != nil {
		p.onEvent(Event{Key: key, At: now, Overwrote: overwrote})
	}
	return 0
}

// Peek takes the pending event out of the buffer, or returns 0.
func (p *Pipeline) Peek() KeyMask {
	defer p.section.Enter().Exit()

	if !p.pending {
		return 0
	}
	p.pending = false
	return p.slot
}

// Get polls until an event arrives. It spins, yielding the processor
// between polls.
func (p *Pipeline) Get() KeyMask {
	for {
		if key := p.Peek(); key != 0 {
			return key
		}
		runtime.Gosched()
	}
}

// GetTimeout polls for up to timeout and returns KeyTimeout if no event
// arrived.
func (p *Pipeline) GetTimeout(timeout time.Duration) KeyMask {
	start := p.clock.Now()
	stop := clock.DurationToTicks(p.clock.Hz(), timeout)

	for {
		if key := p.Peek(); key != 0 {
			return key
		}
		if clock.Since(p.clock.Now(), start) >= stop {
			return KeyTimeout
		}
		runtime.Gosched()
	}
}

// GetContext polls until an event arrives or ctx is done, in which case it
// returns 0.
func (p *Pipeline) GetContext(ctx context.Context) KeyMask {
	for {
		if key := p.Peek(); key != 0 {
			return key
		}
		select {
		case <-ctx.Done():
			return 0
		default:
		}
		runtime.Gosched()
	}
}

// RepeatState returns the auto-repeat state.
func (p *Pipeline) RepeatState() RepeatState {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()
	if p.repeat == nil {
		return RepeatIdle
	}
	return p.repeat.State()
}

// Stats returns activity counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Passes:       p.passes.Load(),
		CookedPasses: p.cookedPasses.Load(),
		Events:       p.events.Load(),
		Overwritten:  p.overwritten.Load(),
		Beeps:        p.beeps.Load(),
	}
	if ns := p.lastPass.Load(); ns != 0 {
		s.LastPass = time.Unix(0, ns)
	}
	return s
}

// SectionStats reports how the pipeline's critical section is used.
func (p *Pipeline) SectionStats() critical.Stats {
	return p.section.Stats()
}
