// Package kbd implements the keyboard input pipeline.
//
// Every sampling tick the pipeline reads the raw key state, folds it through
// the raw handler chain (debounce, long press, auto repeat), and, when the
// result differs from the previous tick, through the cooked handler chain.
// The last cooked handler stores the event in a single-slot buffer that
// consumers poll with Peek, Get or GetTimeout.
package kbd

import (
	"fmt"
	"strings"
)

// KeyMask is the set of keys held down, plus control flags.
type KeyMask uint32

// Control flags. Key bits occupy the remaining low bits.
const (
	// KeyLong marks a key reclassified as a long press.
	KeyLong KeyMask = 1 << 29
	// KeyTimeout is returned by GetTimeout when no key arrived in time.
	KeyTimeout KeyMask = 1 << 30
	// KeyRepeat marks an event synthesized by auto repeat.
	KeyRepeat KeyMask = 1 << 31

	// KeyFlags covers all control flags.
	KeyFlags = KeyLong | KeyTimeout | KeyRepeat
	// KeyBits covers all key bits.
	KeyBits = ^KeyFlags

	// MaxKeys is the number of distinct key bits.
	MaxKeys = 29
)

// Key returns the mask for key number n.
func Key(n int) KeyMask {
	if n < 0 || n >= MaxKeys {
		return 0
	}
	return 1 << uint(n)
}

// Keys returns the mask holding every listed key number.
func Keys(ns ...int) KeyMask {
	var m KeyMask
	for _, n := range ns {
		m |= Key(n)
	}
	return m
}

// Has reports whether every bit of other is set in m.
func (m KeyMask) Has(other KeyMask) bool {
	return m&other == other
}

// IsRepeat reports whether m was produced by auto repeat.
func (m KeyMask) IsRepeat() bool { return m&KeyRepeat != 0 }

// IsLong reports whether m is a long press.
func (m KeyMask) IsLong() bool { return m&KeyLong != 0 }

// IsTimeout reports whether m is the timeout sentinel.
func (m KeyMask) IsTimeout() bool { return m == KeyTimeout }

// KeyNumbers lists the key numbers set in m, lowest first.
func (m KeyMask) KeyNumbers() []int {
	var out []int
	for i := 0; i < MaxKeys; i++ {
		if m&(1<<uint(i)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

func (m KeyMask) String() string {
	if m == 0 {
		return "none"
	}
	if m == KeyTimeout {
		return "TIMEOUT"
	}
	var parts []string
	for _, n := range m.KeyNumbers() {
		parts = append(parts, fmt.Sprintf("K%d", n))
	}
	if m.IsLong() {
		parts = append(parts, "LONG")
	}
	if m.IsRepeat() {
		parts = append(parts, "REPEAT")
	}
	return strings.Join(parts, "|")
}
