package epoch

// Guard keeps a thread pinned, per spec.md §4.2. A nil *Guard behaves like
// an "unprotected" guard (crossbeam's epoch::unprotected()): Defer runs its
// function immediately rather than queuing it.
type Guard struct {
	domain *Domain
	tid    int
}

// Unpin releases this pin. On the 1→0 transition it attempts to advance the
// global epoch and, if it does, drains whatever generation just became
// safe (spec.md §4.2).
func (g *Guard) Unpin() {
	if g == nil {
		return
	}
	g.domain.unpin(g.tid)
}

// Defer enqueues f to run once every currently pinned thread has advanced
// past the current epoch. keyPresent selects the dedup behavior from
// spec.md §4.2: a present key that's already been deferred this generation
// makes the call a no-op.
func (g *Guard) Defer(f func(), key uint64, keyPresent bool) {
	if g == nil {
		f()
		return
	}
	l := g.domain.locals[g.tid]
	slot := g.domain.currentSlot(g.tid)
	l.mu.Lock()
	l.bags[slot].push(f, key, keyPresent)
	l.mu.Unlock()
}

// DeferDestroy is Defer without a dedup key, the common case for unlinked
// node reclamation.
func (g *Guard) DeferDestroy(f func()) {
	g.Defer(f, 0, false)
}

// DeferPersist appends addr/size to this epoch's persist list: it will be
// flushed and fenced before this generation's deferred destructors run
// (spec.md §4.2's defer_persist).
func (g *Guard) DeferPersist(addr uintptr, size uintptr) {
	if g == nil {
		return
	}
	l := g.domain.locals[g.tid]
	slot := g.domain.currentSlot(g.tid)
	l.mu.Lock()
	l.plists[slot].push(addr, size)
	l.mu.Unlock()
}

// Flush forces every generation's persist list to be flushed and its bag
// drained immediately, without waiting for further pin/unpin cycles to
// rotate through all three slots. This is stronger than crossbeam's
// Guard::flush (which only pushes the calling thread's local cache to the
// global one): here there is no separate global cache, so Flush is the
// direct way a caller (e.g. during Pool.Close) forces this tid's garbage
// out regardless of what epoch it was deferred in.
func (g *Guard) Flush() {
	if g == nil {
		return
	}
	for slot := uint64(0); slot < 3; slot++ {
		g.domain.drainGeneration(g.tid, slot)
	}
}

// Repin unpins and immediately re-pins, advancing the local epoch without
// releasing the logical hold a caller expects from "still having a guard".
func (g *Guard) Repin() {
	if g == nil {
		return
	}
	l := g.domain.locals[g.tid]
	if l.guardCount.Load() != 1 {
		return // only meaningful as the sole active guard, per spec.md §4.2
	}
	g.Unpin()
	*g = *g.domain.Pin(g.tid)
}

// RepinAfter implements spec.md §4.2's repin_after: releases the pin
// (recording is_repinning so a crash mid-f still shows a guard was
// logically held), runs f, then re-pins - even if f panics.
func (g *Guard) RepinAfter(f func()) {
	if g == nil {
		f()
		return
	}
	l := g.domain.locals[g.tid]
	l.isRepinning.Store(true)
	l.handleCount.Add(1)
	g.Unpin()
	defer func() {
		*g = *g.domain.Pin(g.tid)
		l.handleCount.Add(-1)
		l.isRepinning.Store(false)
	}()
	f()
}

// TID returns the pinned thread id.
func (g *Guard) TID() int {
	if g == nil {
		return -1
	}
	return g.tid
}
