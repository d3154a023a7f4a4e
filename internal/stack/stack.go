// Package stack provides task stack regions for the stack monitor.
//
// A Region stands in for the stack a scheduler hands to a task. It is
// pre-filled with a sentinel byte at allocation time so the monitor can find
// the high-water mark by scanning for the first byte that no longer matches.
//
// On unix the memory is an anonymous mapping (locked when privileges allow)
// so regions have stable addresses outside the Go heap; elsewhere a heap
// slice is used.
package stack

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// DefaultFill is the default sentinel byte.
const DefaultFill byte = 0xA5

// ErrInvalidSize is returned when a region size is not positive.
var ErrInvalidSize = errors.New("stack: size must be positive")

// Region is a block of memory used as a task stack.
type Region struct {
	mu     sync.Mutex
	mem    []byte
	fill   byte
	mapped bool
	locked bool
}

// Alloc allocates a region of size bytes and fills it with fill.
func Alloc(size int, fill byte) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	mem, mapped, err := allocMem(size)
	if err != nil {
		return nil, fmt.Errorf("allocate %d byte stack: %w", size, err)
	}

	r := &Region{mem: mem, fill: fill, mapped: mapped}
	if mapped {
		// Non-fatal: unprivileged processes usually cannot mlock.
		r.locked = lockMem(mem) == nil
	}
	r.Fill()

	runtime.SetFinalizer(r, func(r *Region) {
		r.Free()
	})
	return r, nil
}

// Fill writes the sentinel over the whole region.
func (r *Region) Fill() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.mem {
		r.mem[i] = r.fill
	}
}

// Base returns the address of the lowest byte of the region, or 0 once freed.
func (r *Region) Base() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.mem) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Size returns the region size in bytes.
func (r *Region) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.mem)
}

// Bytes returns the region memory. The slice is invalid after Free.
func (r *Region) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mem
}

// FillByte returns the sentinel this region was filled with.
func (r *Region) FillByte() byte {
	return r.fill
}

// Use simulates a task touching depth bytes of its stack. With growsUpward
// false the stack grows from the high end toward the base.
func (r *Region) Use(depth int, growsUpward bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if depth > len(r.mem) {
		depth = len(r.mem)
	}
	for i := 0; i < depth; i++ {
		idx := len(r.mem) - 1 - i
		if growsUpward {
			idx = i
		}
		r.mem[idx] = ^r.fill
	}
}

// Free releases the region. Monitored regions must be unregistered first.
func (r *Region) Free() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	runtime.SetFinalizer(r, nil)

	if !r.mapped {
		return nil
	}
	if r.locked {
		_ = unlockMem(mem)
	}
	return freeMem(mem)
}
