// Package memento implements the composition contract from spec.md §4.5: a
// memento is a durable progress record for one operation invocation; a
// retry loop wraps a single attempt ("try memento") and re-attempts on
// transient contention (TryFail) without ever surfacing that failure to
// the caller.
//
// Grounded on original_source/src/ploc/common.rs's RetryLoop<M>, which
// wraps a "try" Memento and re-runs it (with backoff) on failure, first
// retrying as if this were the first attempt (rec=false) once the initial
// rec-aware attempt has been given its chance.
package memento

import "runtime"

// Attempt is a single try at an operation. rec can be true only on the very
// first call of a Retry loop, where it is the caller's own rec (spec.md
// §4.5: "an operation receives...a rec: bool flag"); every retry after a
// TryFail always runs with rec=false,
// since a retry is definitionally not a crash-recovery replay.
//
// ok is false to mean "TryFail": the caller must retry. It is never used
// to signal a semantic failure (spec.md §7 distinguishes TryFail, which
// never surfaces, from semantic outcomes like InsertError::Occupied, which
// do - those are carried in Out itself, e.g. as an error value).
type Attempt[Out any] func(rec bool) (out Out, ok bool)

// Retry runs attempt once with the given rec, then keeps retrying with rec=false
// (backing off between spins) until it reports ok=true.
func Retry[Out any](rec bool, attempt Attempt[Out]) Out {
	if out, ok := attempt(rec); ok {
		return out
	}

	b := newBackoff()
	for {
		b.snooze()
		if out, ok := attempt(false); ok {
			return out
		}
	}
}

// backoff is a minimal spin-then-yield backoff, standing in for
// crossbeam_utils::Backoff (not vendored in this module's dependency
// pack): a short run of pure spins followed by runtime.Gosched() once
// contention looks sustained.
type backoff struct {
	spins int
}

func newBackoff() *backoff { return &backoff{} }

const backoffSpinLimit = 6

func (b *backoff) snooze() {
	if b.spins < backoffSpinLimit {
		n := 1 << b.spins
		for i := 0; i < n; i++ {
			// busy-spin
		}
		b.spins++
		return
	}
	runtime.Gosched()
}
