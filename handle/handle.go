// Package handle implements the per-thread operation context from
// spec.md §4.6: the tid, pinning guard, pool, and recovery flag every
// memento operation is invoked with.
package handle

import (
	"sync/atomic"

	"github.com/joeycumines/go-memento/epoch"
	"github.com/joeycumines/go-memento/pool"
)

// Handle is the context a thread carries into every root memento
// invocation: its tid, a live epoch guard, the pool it operates against,
// and whether this invocation is a post-crash recovery re-run.
//
// rec is a pointer to a shared flag (not a plain bool) because spec.md
// §4.6 requires it be "atomically set by the runtime before re-invoking a
// root memento after crash" and "cleared when the operation returns
// normally" - i.e. it's mutated out from under the Handle value itself, by
// whatever drives the recovery sweep.
type Handle struct {
	TID   int
	Guard *epoch.Guard
	Pool  *pool.Pool
	rec   *atomic.Bool
}

// New constructs a Handle for tid, pinned against domain, operating on p.
// The returned Handle starts with rec false (a normal, non-recovery call).
func New(tid int, domain *epoch.Domain, p *pool.Pool) *Handle {
	return &Handle{
		TID:   tid,
		Guard: domain.Pin(tid),
		Pool:  p,
		rec:   new(atomic.Bool),
	}
}

// Rec reports whether this invocation is a recovery re-run of a root
// memento that was in progress when the process crashed.
func (h *Handle) Rec() bool {
	return h.rec.Load()
}

// SetRec is called by the recovery sweep before re-invoking a root
// memento, and by the operation itself once it returns normally (with
// false), per spec.md §4.6.
func (h *Handle) SetRec(v bool) {
	h.rec.Store(v)
}

// Release unpins the handle's guard. Callers invoke this when the handle's
// thread is done operating on the pool (not after every single operation -
// a thread typically keeps one Handle, and hence one live pin, for the
// duration of a longer-lived session).
func (h *Handle) Release() {
	h.Guard.Unpin()
}
