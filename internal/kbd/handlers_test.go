package kbd

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtcore/internal/clock"
)

func TestDebounceIgnoresFastToggling(t *testing.T) {
	d := NewDebounce(30)
	a, b := Key(0), Key(1)

	for now := clock.Tick(0); now < 1000; now += 10 {
		key := a
		if (now/10)%2 == 1 {
			key = b
		}
		require.Zero(t, d.Transform(key, now), "tick %d", now)
	}
}

func TestDebouncePromotesOnce(t *testing.T) {
	d := NewDebounce(30)
	k := Key(3)

	var promotions []clock.Tick
	prev := KeyMask(0)
	for now := clock.Tick(0); now <= 200; now += 10 {
		out := d.Transform(k, now)
		if out != prev {
			promotions = append(promotions, now)
			prev = out
		}
	}

	// Window restarts at 0; 30 is not past it, 40 is.
	assert.Equal(t, []clock.Tick{40}, promotions)
	assert.Equal(t, k, d.Confirmed())
}

func TestDebounceRelease(t *testing.T) {
	d := NewDebounce(30)
	k := Key(1)
	now := clock.Tick(0)
	for ; now <= 50; now += 10 {
		d.Transform(k, now)
	}
	require.Equal(t, k, d.Confirmed())

	for ; now <= 90; now += 10 {
		assert.Equal(t, k, d.Transform(0, now), "release still debouncing at %d", now)
	}
	assert.Zero(t, d.Transform(0, now))
}

func TestDebounceAcrossWrap(t *testing.T) {
	d := NewDebounce(30)
	k := Key(2)
	start := clock.Tick(math.MaxUint32 - 15)

	var out KeyMask
	for i := clock.Tick(0); i <= 40; i += 10 {
		out = d.Transform(k, start+i)
	}
	assert.Equal(t, k, out)
}

func TestLongPress(t *testing.T) {
	long := Key(4)
	short := Key(0)
	l := NewLongPress(long, 1000)

	assert.Equal(t, short, l.Transform(short, 0), "non-eligible keys pass through")

	// Held: suppressed until the deadline, then reported alone.
	assert.Equal(t, short, l.Transform(short|long, 10))
	assert.Zero(t, l.Transform(long, 500))
	assert.Zero(t, l.Transform(long, 999))
	assert.Equal(t, long|KeyLong, l.Transform(long, 1000))
	assert.Equal(t, long|KeyLong, l.Transform(long|short, 1500))

	// Release re-arms.
	assert.Zero(t, l.Transform(0, 1600))
	assert.Zero(t, l.Transform(long, 1610))
	assert.Equal(t, long|KeyLong, l.Transform(long, 2600))
}

func TestLongPressHeldAtFirstSample(t *testing.T) {
	l := NewLongPress(Key(1), 100)
	assert.Zero(t, l.Transform(Key(1), 5000))
	assert.Zero(t, l.Transform(Key(1), 5099))
	assert.Equal(t, Key(1)|KeyLong, l.Transform(Key(1), 5100))
}

func newTestRepeat() *Repeat {
	return &Repeat{Mask: KeyBits, Delay: 400, Rate: 100, MaxRate: 20, Accel: 5}
}

func TestRepeatSchedule(t *testing.T) {
	r := newTestRepeat()
	k := Key(0)

	var emits []clock.Tick
	for now := clock.Tick(0); now <= 5000; now++ {
		out := r.Transform(k, now)
		switch {
		case now == 0:
			assert.Equal(t, k, out, "first sample passes through")
		case out != 0:
			assert.Equal(t, k|KeyRepeat, out)
			emits = append(emits, now)
		}
	}

	require.NotEmpty(t, emits)
	assert.Equal(t, clock.Tick(401), emits[0])

	rate := clock.Tick(100)
	for i := 1; i < len(emits); i++ {
		gap := emits[i] - emits[i-1]
		assert.Equal(t, rate+1, gap, "gap %d", i)
		assert.GreaterOrEqual(t, gap, clock.Tick(21))
		if rate > 20 {
			rate -= 5
		}
	}
	assert.Equal(t, RepeatActive, r.State())
	assert.Equal(t, clock.Tick(20), r.CurrentRate())
}

func TestRepeatOnlyEligibleKeys(t *testing.T) {
	r := &Repeat{Mask: Key(1), Delay: 400, Rate: 100, MaxRate: 20, Accel: 5}

	// Keys outside the mask never start the machine.
	for now := clock.Tick(0); now < 1000; now += 10 {
		assert.Equal(t, Key(0), r.Transform(Key(0), now))
	}
	assert.Equal(t, RepeatIdle, r.State())

	r.Transform(Key(0)|Key(1), 1000)
	assert.Equal(t, RepeatDelay, r.State())
	assert.Zero(t, r.Transform(Key(0)|Key(1), 1100))
	assert.Equal(t, Key(1)|KeyRepeat, r.Transform(Key(0)|Key(1), 1401))
}

func TestRepeatReleaseResets(t *testing.T) {
	r := newTestRepeat()
	k := Key(0)

	r.Transform(k, 0)
	r.Transform(k, 401)
	require.Equal(t, RepeatActive, r.State())

	assert.Zero(t, r.Transform(0, 410))
	assert.Equal(t, RepeatIdle, r.State())

	r.Transform(k, 500)
	assert.Equal(t, RepeatDelay, r.State())
	assert.Zero(t, r.Transform(0, 510))
	assert.Equal(t, RepeatIdle, r.State())
}

func TestRepeatAccelerateFloor(t *testing.T) {
	r := &Repeat{MaxRate: 20, Accel: 7}
	r.rate = 30
	r.accelerate()
	assert.Equal(t, clock.Tick(23), r.rate)
	r.accelerate()
	assert.Equal(t, clock.Tick(20), r.rate)
	r.accelerate()
	assert.Equal(t, clock.Tick(20), r.rate)
}

func TestKeyMaskString(t *testing.T) {
	tests := []struct {
		m    KeyMask
		want string
	}{
		{0, "none"},
		{KeyTimeout, "TIMEOUT"},
		{Keys(0, 3), "K0|K3"},
		{Key(2) | KeyRepeat, "K2|REPEAT"},
		{Key(4) | KeyLong, "K4|LONG"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.m.String())
	}
	assert.Zero(t, Key(-1))
	assert.Zero(t, Key(MaxKeys))
	assert.Equal(t, []int{1, 5}, Keys(1, 5).KeyNumbers())
}
