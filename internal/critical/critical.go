// Package critical provides the critical section used to serialize access to
// state shared between task goroutines and the periodic dispatch goroutines.
//
// A Section is entered with Enter and left through the returned Guard:
//
//	defer s.Enter().Exit()
//
// so the section is released on every return path.
package critical

import (
	"sync"
	"sync/atomic"
	"time"
)

// Section is a mutually exclusive region. The zero value is ready to use.
type Section struct {
	mu sync.Mutex

	entries atomic.Uint64
	maxHold atomic.Int64 // nanoseconds
}

// Guard releases a Section. A Guard must be exited exactly once.
type Guard struct {
	s     *Section
	start time.Time
}

// Enter acquires the section and returns the guard that releases it.
func (s *Section) Enter() Guard {
	s.mu.Lock()
	s.entries.Add(1)
	return Guard{s: s, start: time.Now()}
}

// Exit releases the section.
func (g Guard) Exit() {
	held := int64(time.Since(g.start))
	for {
		cur := g.s.maxHold.Load()
		if held <= cur || g.s.maxHold.CompareAndSwap(cur, held) {
			break
		}
	}
	g.s.mu.Unlock()
}

// Do runs fn inside the section.
func (s *Section) Do(fn func()) {
	defer s.Enter().Exit()
	fn()
}

// Stats describes how a section has been used.
type Stats struct {
	Entries uint64
	MaxHold time.Duration
}

// Stats returns usage counters. It does not enter the section.
func (s *Section) Stats() Stats {
	return Stats{
		Entries: s.entries.Load(),
		MaxHold: time.Duration(s.maxHold.Load()),
	}
}

// ResetStats clears the usage counters.
func (s *Section) ResetStats() {
	s.entries.Store(0)
	s.maxHold.Store(0)
}
