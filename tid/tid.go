// Package tid hands out small, dense thread-slot identifiers used to index
// every per-thread array this module keeps (epoch local state, DetectableCAS
// ownership slots, deferred-destroy bags). Grounded on the id-acquisition
// pattern in the teacher's eventloop/registry.go (an atomic counter plus a
// reusable free list), generalized from "promise ids" to "thread slot ids".
package tid

import (
	"fmt"
	"sync"
)

// Registry hands out and reclaims slot ids in [0, Max).
type Registry struct {
	mu     sync.Mutex
	free   []int
	next   int
	max    int
	leased map[int]bool
}

// NewRegistry creates a registry capable of issuing ids in [0, max).
// max corresponds to spec.md's NR_THREADS global.
func NewRegistry(max int) *Registry {
	if max <= 0 {
		panic("tid: max must be positive")
	}
	return &Registry{
		max:    max,
		leased: make(map[int]bool, max),
	}
}

// Max returns the upper bound on slot ids this registry can issue.
func (r *Registry) Max() int {
	return r.max
}

// Acquire returns an unused slot id, reusing a released one if available.
func (r *Registry) Acquire() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.free); n > 0 {
		id := r.free[n-1]
		r.free = r.free[:n-1]
		r.leased[id] = true
		return id, nil
	}

	if r.next >= r.max {
		return 0, fmt.Errorf("tid: registry exhausted (max=%d)", r.max)
	}

	id := r.next
	r.next++
	r.leased[id] = true
	return id, nil
}

// Release returns a slot id to the free list for reuse.
//
// The caller must have fully drained the id's per-thread state (bags,
// DetectableCAS ownership slots) before releasing, since a subsequent
// Acquire may hand the same id to a different logical thread.
func (r *Registry) Release(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.leased[id] {
		return
	}
	delete(r.leased, id)
	r.free = append(r.free, id)
}

// Active reports how many slot ids are currently leased.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leased)
}
