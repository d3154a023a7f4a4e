package kbd

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcore/internal/clock"
)

type countingBeeper struct {
	n atomic.Int32
}

func (b *countingBeeper) Beep(time.Duration) { b.n.Add(1) }

type harness struct {
	clk     *clock.Manual
	sampler *SimulatedSampler
	beeper  *countingBeeper
	p       *Pipeline
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clk:     clock.NewManual(1000, 0),
		sampler: NewSimulatedSampler(),
		beeper:  &countingBeeper{},
	}
	opts = append([]Option{WithClock(h.clk), WithBeeper(h.beeper)}, opts...)
	h.p = New(h.sampler, opts...)
	h.p.Init()
	return h
}

// step advances the clock by one sampling interval and dispatches.
func (h *harness) step() {
	h.clk.Advance(10)
	h.p.Dispatch()
}

// run dispatches until the clock reaches until, collecting events.
func (h *harness) run(until clock.Tick) map[clock.Tick]KeyMask {
	events := map[clock.Tick]KeyMask{}
	for clock.After(until, h.clk.Now()) {
		h.step()
		if k := h.p.Peek(); k != 0 {
			events[h.clk.Now()] = k
		}
	}
	return events
}

// advance dispatches until the clock reaches until without reading the buffer.
func (h *harness) advance(until clock.Tick) {
	for clock.After(until, h.clk.Now()) {
		h.step()
	}
}

func TestInitInstallsBuiltins(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []int{PriorityDebounce, PriorityRepeat}, priorities(h.p.RawChain()))
	assert.Equal(t, []int{PriorityLowest}, priorities(h.p.CookedChain()))

	h.p.Init()
	assert.Equal(t, 2, h.p.RawChain().Len(), "second Init is a no-op")

	hl := newHarness(t, WithLongMask(Key(7)))
	assert.Equal(t, []int{PriorityDebounce, PriorityLongPress, PriorityRepeat}, priorities(hl.p.RawChain()))
}

func TestPressProducesSingleEvent(t *testing.T) {
	h := newHarness(t, WithRepeatMask(0))
	h.sampler.Press(Key(2))

	events := h.run(1000)
	require.Len(t, events, 1)
	assert.Equal(t, Key(2), events[50])
	assert.Equal(t, int32(1), h.beeper.n.Load())

	// Release and press again: a second event.
	h.sampler.Release(Key(2))
	h.run(1100)
	h.sampler.Press(Key(2))
	events = h.run(1200)
	assert.Len(t, events, 1)
	assert.Equal(t, int32(2), h.beeper.n.Load())
}

func TestHeldKeyRepeats(t *testing.T) {
	h := newHarness(t)
	k := Key(0)
	h.sampler.Press(k)

	events := h.run(800)

	// First sample at 10, debounced at 50; repeat delay counts from there.
	assert.Equal(t, k, events[50])
	assert.Equal(t, k|KeyRepeat, events[460])
	assert.Equal(t, k|KeyRepeat, events[570])
	assert.Equal(t, k|KeyRepeat, events[670])
	assert.Equal(t, k|KeyRepeat, events[770])
	assert.Len(t, events, 5)
	assert.Equal(t, RepeatActive, h.p.RepeatState())

	// Only the first event beeps.
	assert.Equal(t, int32(1), h.beeper.n.Load())
}

func TestLongPressThroughPipeline(t *testing.T) {
	h := newHarness(t, WithLongMask(Key(5)), WithRepeatMask(0))
	h.sampler.Press(Key(5))

	events := h.run(2000)
	require.Len(t, events, 1)
	for at, k := range events {
		assert.Equal(t, Key(5)|KeyLong, k)
		assert.Equal(t, clock.Tick(1040), at)
	}
}

func TestBufferLastWriteWins(t *testing.T) {
	var hooked []Event
	h := newHarness(t, WithRepeatMask(0), WithEventHook(func(e Event) { hooked = append(hooked, e) }))

	assert.Zero(t, h.p.Peek(), "empty buffer")

	h.sampler.Set(Key(1))
	h.advance(100)
	h.sampler.Set(Key(2))
	h.advance(200)

	assert.Equal(t, Key(2), h.p.Peek())
	assert.Zero(t, h.p.Peek(), "one peek per write")

	st := h.p.Stats()
	assert.Equal(t, uint64(2), st.Events)
	assert.Equal(t, uint64(1), st.Overwritten)
	require.Len(t, hooked, 2)
	assert.False(t, hooked[0].Overwrote)
	assert.True(t, hooked[1].Overwrote)
}

func TestCookedChainOnlyOnChange(t *testing.T) {
	h := newHarness(t, WithRepeatMask(0))
	seen := 0
	h.p.AddHandler(&Hook{Pri: 0, Fn: func(key KeyMask, _ clock.Tick) KeyMask {
		seen++
		return key
	}})

	h.run(500)
	assert.Zero(t, seen, "idle keyboard never reaches cooked handlers")

	h.sampler.Press(Key(0))
	h.run(1000)
	assert.Equal(t, 1, seen)

	st := h.p.Stats()
	assert.Equal(t, uint64(100), st.Passes)
	assert.Equal(t, uint64(1), st.CookedPasses)
	assert.False(t, st.LastPass.IsZero())
}

func TestCookedHandlerCanRewrite(t *testing.T) {
	h := newHarness(t, WithRepeatMask(0))
	remap := &Hook{Pri: 10, Fn: func(key KeyMask, _ clock.Tick) KeyMask {
		if key.Has(Key(0)) {
			return Key(9)
		}
		return key
	}}
	h.p.AddHandler(remap)

	h.sampler.Press(Key(0))
	h.advance(100)
	assert.Equal(t, Key(9), h.p.Peek())

	assert.True(t, h.p.RemoveHandler(remap))
	assert.False(t, h.p.RemoveHandler(remap))
}

func TestRawHandlerSeesEverySample(t *testing.T) {
	h := newHarness(t)
	var n atomic.Int32
	h.p.AddHandler(&Hook{Pri: 200, RawKeys: true, Fn: func(key KeyMask, _ clock.Tick) KeyMask {
		n.Add(1)
		return key
	}})
	h.run(100)
	assert.Equal(t, int32(10), n.Load())
}

func TestGetReturnsPostedKey(t *testing.T) {
	h := newHarness(t, WithRepeatMask(0))
	h.sampler.Press(Key(3))

	done := make(chan KeyMask, 1)
	go func() { done <- h.p.Get() }()

	h.advance(100)
	select {
	case k := <-done:
		assert.Equal(t, Key(3), k)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not return")
	}
}

func TestGetTimeoutExpires(t *testing.T) {
	p := New(NewSimulatedSampler(), WithClock(clock.NewSystem(1_000_000)))
	p.Init()

	start := time.Now()
	k := p.GetTimeout(50 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, KeyTimeout, k)
	assert.True(t, k.IsTimeout())
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond-time.Microsecond)
	assert.Less(t, elapsed, time.Second)
}

func TestGetTimeoutReturnsPendingKey(t *testing.T) {
	h := newHarness(t, WithRepeatMask(0))
	h.sampler.Press(Key(1))
	h.advance(100)

	// The manual clock never moves here, so only a pending key ends the wait.
	assert.Equal(t, Key(1), h.p.GetTimeout(time.Hour))
}

func TestGetContextCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Zero(t, h.p.GetContext(ctx))

	h.sampler.Press(Key(6))
	h.advance(100)
	assert.Equal(t, Key(6), h.p.GetContext(context.Background()))
}

func TestSetTimingAppliesToHandlers(t *testing.T) {
	h := newHarness(t, WithRepeatMask(0))
	tm := h.p.Timing()
	tm.Debounce = 100 * time.Millisecond
	h.p.SetTiming(tm)

	h.sampler.Press(Key(0))
	events := h.run(300)
	require.Len(t, events, 1)
	assert.Equal(t, Key(0), events[120])
}

func TestZeroSampleIntervalFallsBack(t *testing.T) {
	def := DefaultTiming().SampleInterval
	p := New(NewSimulatedSampler(), WithTiming(Timing{}))
	assert.Equal(t, def, p.Timing().SampleInterval)

	p.SetTiming(Timing{SampleInterval: -time.Millisecond})
	assert.Equal(t, def, p.Timing().SampleInterval)

	p.Init()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NotPanics(t, func() { p.Run(ctx) })
}

func TestRunDispatchesPeriodically(t *testing.T) {
	var out bytes.Buffer
	p := New(NewSimulatedSampler(), WithBeeper(NewBellBeeper(&out)))
	p.Init()

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	wg.Wait()

	assert.Greater(t, p.Stats().Passes, uint64(3))
}

func TestBellBeeper(t *testing.T) {
	var out bytes.Buffer
	NewBellBeeper(&out).Beep(5 * time.Millisecond)
	assert.Equal(t, "\a", out.String())
}

func TestSimulatedSampler(t *testing.T) {
	s := NewSimulatedSampler()
	s.Press(Keys(1, 2))
	s.Release(Key(1))
	assert.Equal(t, Key(2), s.ReadKeys())

	s.Set(Key(4) | KeyRepeat)
	assert.Equal(t, Key(4), s.ReadKeys(), "control flags never come from the sampler")
}
