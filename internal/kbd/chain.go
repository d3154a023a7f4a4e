package kbd

import (
	"reflect"

	"rtcore/internal/clock"
	"rtcore/internal/critical"
)

// Handler transforms the key mask on its way through a chain.
//
// Handlers run in descending priority order. Raw handlers see every sample;
// cooked handlers only see the raw chain's output when it changes.
type Handler interface {
	Priority() int
	Raw() bool
	Transform(key KeyMask, now clock.Tick) KeyMask
}

// Hook adapts a function to a Handler. Use a pointer: chains identify
// handlers by reference.
type Hook struct {
	Pri     int
	RawKeys bool
	Fn      func(key KeyMask, now clock.Tick) KeyMask
}

// Priority implements Handler.
func (h *Hook) Priority() int { return h.Pri }

// Raw implements Handler.
func (h *Hook) Raw() bool { return h.RawKeys }

// Transform implements Handler.
func (h *Hook) Transform(key KeyMask, now clock.Tick) KeyMask {
	return h.Fn(key, now)
}

// Chain is a priority-ordered handler sequence.
//
// Mutations publish a fresh slice inside the critical section and a fold
// works on the slice that was current when it started, so a handler may
// add or remove handlers (itself included) while it runs; the change is seen
// by the next fold.
type Chain struct {
	cs       *critical.Section
	handlers []Handler
}

// NewChain returns an empty chain guarded by cs.
func NewChain(cs *critical.Section) *Chain {
	if cs == nil {
		cs = new(critical.Section)
	}
	return &Chain{cs: cs}
}

// Insert adds h before the first handler with a strictly lower priority, so
// handlers of equal priority keep their arrival order.
func (c *Chain) Insert(h Handler) {
	defer c.cs.Enter().Exit()

	pos := len(c.handlers)
	for i, cur := range c.handlers {
		if cur.Priority() < h.Priority() {
			pos = i
			break
		}
	}

	next := make([]Handler, 0, len(c.handlers)+1)
	next = append(next, c.handlers[:pos]...)
	next = append(next, h)
	next = append(next, c.handlers[pos:]...)
	c.handlers = next
}

// Remove unlinks h and reports whether it was in the chain. Handlers whose
// values cannot be compared, such as structs holding a func, are never
// found; register those by pointer.
func (c *Chain) Remove(h Handler) bool {
	defer c.cs.Enter().Exit()

	for i, cur := range c.handlers {
		if sameHandler(cur, h) {
			next := make([]Handler, 0, len(c.handlers)-1)
			next = append(next, c.handlers[:i]...)
			next = append(next, c.handlers[i+1:]...)
			c.handlers = next
			return true
		}
	}
	return false
}

// sameHandler is cur == h without the runtime panic for uncomparable
// dynamic values.
func sameHandler(cur, h Handler) bool {
	if cur == nil || h == nil {
		return cur == h
	}
	if reflect.TypeOf(cur) != reflect.TypeOf(h) {
		return false
	}
	if !reflect.ValueOf(cur).Comparable() || !reflect.ValueOf(h).Comparable() {
		return false
	}
	return cur == h
}

// Fold feeds key through every handler head to tail and returns the result.
func (c *Chain) Fold(key KeyMask, now clock.Tick) KeyMask {
	for _, h := range c.snapshot() {
		key = h.Transform(key, now)
	}
	return key
}

// Handlers returns the chain contents head to tail.
func (c *Chain) Handlers() []Handler {
	return append([]Handler(nil), c.snapshot()...)
}

// Len returns the number of handlers.
func (c *Chain) Len() int {
	return len(c.snapshot())
}

func (c *Chain) snapshot() []Handler {
	defer c.cs.Enter().Exit()
	return c.handlers
}
