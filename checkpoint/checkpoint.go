// Package checkpoint implements the single-slot durable value described in
// spec.md §4.3: a memento primitive that records a decision exactly once per
// attempt, so that on crash recovery the re-executing operation observes
// the same decision rather than making a new, possibly different one.
//
// Grounded on original_source/src/ploc/common.rs's Checkpoint<T>/
// CheckpointableUsize/Checkpointable. That source uses a sentinel value
// (usize::MAX - u32::MAX) to encode "invalid" within T itself, required by
// Rust's lack of a built-in tagged-option for arbitrary T; Go has no such
// constraint; an explicit validity flag alongside the value is the
// idiomatic equivalent and is what this package uses instead (see
// DESIGN.md).
package checkpoint

import (
	"sync"
	"unsafe"

	"github.com/joeycumines/go-memento/persist"
)

// Checkpoint holds one durably-recorded value of type T, persisted on
// first write and readable (peek-able) any number of times thereafter.
type Checkpoint[T any] struct {
	mu    sync.Mutex
	valid bool
	value T
}

// New returns an empty (invalid) Checkpoint.
func New[T any]() *Checkpoint[T] {
	return &Checkpoint[T]{}
}

// Peek returns the saved value and true if one has been recorded.
func (c *Checkpoint[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		var zero T
		return zero, false
	}
	return c.value, true
}

// Run implements spec.md §4.3's checkpoint-or-reuse contract: during
// recovery (rec == true), if a value was already saved, ifExists (if
// non-nil) is invoked with the candidate value and the saved value is
// returned unchanged - the candidate is discarded, since the decision was
// already made before the crash. Otherwise value is saved, flushed and
// fenced via f, and returned.
func (c *Checkpoint[T]) Run(f persist.Flusher, rec bool, value T, ifExists func(T)) T {
	if rec {
		if saved, ok := c.Peek(); ok {
			if ifExists != nil {
				ifExists(value)
			}
			return saved
		}
	}

	c.mu.Lock()
	c.value = value
	c.valid = true
	addr := uintptr(unsafe.Pointer(&c.value))
	size := unsafe.Sizeof(c.value)
	c.mu.Unlock()

	_ = persist.Obj(f, addr, size)
	return value
}

// Reset invalidates the checkpoint, so a subsequent Run (outside of
// recovery) records a fresh value. Used when a memento node is reused
// across independent operation invocations (spec.md §4.5's reset contract).
func (c *Checkpoint[T]) Reset(f persist.Flusher) {
	c.mu.Lock()
	var zero T
	c.value = zero
	c.valid = false
	addr := uintptr(unsafe.Pointer(&c.value))
	size := unsafe.Sizeof(c.value)
	c.mu.Unlock()

	_ = persist.Obj(f, addr, size)
}
