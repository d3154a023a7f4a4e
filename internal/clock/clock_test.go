package clock

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWrapSafeComparisons(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Tick
		after   bool
		reached bool
		since   Tick
	}{
		{"plain later", 20, 10, true, true, 10},
		{"plain earlier", 10, 20, false, false, math.MaxUint32 - 9},
		{"equal", 5, 5, false, true, 0},
		{"across wrap", 3, math.MaxUint32 - 2, true, true, 6},
		{"before wrap", math.MaxUint32 - 2, 3, false, false, math.MaxUint32 - 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.after, After(tt.a, tt.b))
			assert.Equal(t, tt.reached, Reached(tt.a, tt.b))
			assert.Equal(t, tt.since, Since(tt.a, tt.b))
		})
	}
}

func TestConversions(t *testing.T) {
	assert.Equal(t, Tick(30), MsToTicks(1000, 30))
	assert.Equal(t, Tick(3), MsToTicks(100, 30))
	assert.Equal(t, Tick(10), DurationToTicks(1000, 10*time.Millisecond))
	assert.Equal(t, 500*time.Millisecond, TicksToDuration(1000, 500))
}

func TestManualClock(t *testing.T) {
	c := NewManual(0, math.MaxUint32)
	assert.Equal(t, uint32(DefaultHz), c.Hz())

	start := c.Now()
	now := c.Advance(2)
	assert.Equal(t, Tick(1), now)
	assert.Equal(t, Tick(2), Since(now, start))

	c.Set(100)
	assert.Equal(t, Tick(100), c.Now())
}

func TestSystemClockAdvances(t *testing.T) {
	c := NewSystemAt(1000, math.MaxUint32-1)
	start := c.Now()
	time.Sleep(10 * time.Millisecond)

	assert.GreaterOrEqual(t, uint32(Since(c.Now(), start)), uint32(10))
	assert.True(t, After(c.Now(), start))
}
