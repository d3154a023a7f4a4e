package kbd

import (
	"rtcore/internal/clock"
)

// Priorities of the built-in handlers.
const (
	PriorityDebounce  = 100
	PriorityLongPress = 90
	PriorityRepeat    = 80
	// PriorityLowest is reserved for the sink that feeds the event buffer.
	PriorityLowest = -128
)

// The built-in handlers keep timing state between calls and are not safe
// for concurrent use. The pipeline serializes every call.

// Debounce only lets a key mask through once it has been stable for longer
// than Window.
type Debounce struct {
	Window clock.Tick

	seen      KeyMask
	seenAt    clock.Tick
	confirmed KeyMask
}

// NewDebounce returns a debounce handler with the given window.
func NewDebounce(window clock.Tick) *Debounce {
	return &Debounce{Window: window}
}

// Priority implements Handler.
func (d *Debounce) Priority() int { return PriorityDebounce }

// Raw implements Handler.
func (d *Debounce) Raw() bool { return true }

// Transform implements Handler.
func (d *Debounce) Transform(key KeyMask, now clock.Tick) KeyMask {
	if key != d.seen {
		d.seen = key
		d.seenAt = now
	} else if d.confirmed != d.seen && clock.Since(now, d.seenAt) > d.Window {
		d.confirmed = d.seen
		d.seenAt = now
	}
	return d.confirmed
}

// Confirmed returns the last promoted mask.
func (d *Debounce) Confirmed() KeyMask { return d.confirmed }

// LongPress holds back the keys in Mask until they have been down for Delay,
// then reports them alone, flagged with KeyLong.
type LongPress struct {
	Mask  KeyMask
	Delay clock.Tick

	deadline clock.Tick
	armed    bool
}

// NewLongPress returns a long-press handler for the keys in mask.
func NewLongPress(mask KeyMask, delay clock.Tick) *LongPress {
	return &LongPress{Mask: mask, Delay: delay}
}

// Priority implements Handler.
func (l *LongPress) Priority() int { return PriorityLongPress }

// Raw implements Handler.
func (l *LongPress) Raw() bool { return true }

// Transform implements Handler.
func (l *LongPress) Transform(key KeyMask, now clock.Tick) KeyMask {
	if key&l.Mask == 0 {
		l.deadline = now + l.Delay
		l.armed = true
		return key
	}

	if !l.armed {
		// Held since before the first sample: start counting now.
		l.deadline = now + l.Delay
		l.armed = true
	}
	if clock.Reached(now, l.deadline) {
		return key&l.Mask | KeyLong
	}
	return key &^ l.Mask
}

// RepeatState is the auto-repeat state.
type RepeatState int

const (
	RepeatIdle RepeatState = iota
	RepeatDelay
	RepeatActive
)

func (s RepeatState) String() string {
	switch s {
	case RepeatIdle:
		return "idle"
	case RepeatDelay:
		return "delay"
	case RepeatActive:
		return "repeat"
	default:
		return "unknown"
	}
}

// Repeat re-emits held keys in Mask, first after Delay and then at an
// interval that starts at Rate and shrinks by Accel per event down to MaxRate.
type Repeat struct {
	Mask    KeyMask
	Delay   clock.Tick
	Rate    clock.Tick
	MaxRate clock.Tick
	Accel   clock.Tick

	state  RepeatState
	anchor clock.Tick
	rate   clock.Tick
}

// Priority implements Handler.
func (r *Repeat) Priority() int { return PriorityRepeat }

// Raw implements Handler.
func (r *Repeat) Raw() bool { return true }

// State returns the current state.
func (r *Repeat) State() RepeatState { return r.state }

// CurrentRate returns the interval used for the next repeat.
func (r *Repeat) CurrentRate() clock.Tick { return r.rate }

// Transform implements Handler.
func (r *Repeat) Transform(key KeyMask, now clock.Tick) KeyMask {
	held := key&r.Mask != 0

	switch r.state {
	case RepeatIdle:
		if held {
			r.anchor = now
			r.state = RepeatDelay
		}

	case RepeatDelay:
		if !held {
			r.state = RepeatIdle
			break
		}
		if clock.Since(now, r.anchor) > r.Delay {
			key = key&r.Mask | KeyRepeat
			r.anchor = now
			r.rate = r.Rate
			r.state = RepeatActive
		} else {
			key = 0
		}

	case RepeatActive:
		if !held {
			r.state = RepeatIdle
			break
		}
		if clock.Since(now, r.anchor) > r.rate {
			key = key&r.Mask | KeyRepeat
			r.anchor = now
			r.accelerate()
		} else {
			key = 0
		}
	}
	return key
}

// accelerate sets rate to max(rate-Accel, MaxRate) without underflowing.
func (r *Repeat) accelerate() {
	if r.rate > r.MaxRate && r.rate-r.MaxRate > r.Accel {
		r.rate -= r.Accel
		return
	}
	r.rate = r.MaxRate
}
