// Package epoch implements the persistent epoch-based reclamation (EBR)
// engine described in spec.md §3.2/§4.2: a three-generation deferred-destroy
// scheme extended with a per-generation "persist list" so that reclamation
// also drives durability (an address touched during an epoch is flushed and
// fenced before the garbage deferred in that epoch is freed).
//
// Grounded on original_source/crossbeam-persistency/crossbeam-epoch
// (src/internal.rs's Local, src/guard.rs's Guard) for the pin/unpin/defer
// contract, and on eventloop's FastState (lock-free CAS state machine) and
// ChunkedIngress (chunked deferred-work queue, see bag.go) for the Go-idiom
// mechanics.
package epoch

import (
	"sync"
	"sync/atomic"

	"github.com/joeycumines/go-memento/persist"
	"github.com/joeycumines/logiface"
)

// localState is one thread's pinning state, per spec.md §3.2's
// `local[tid]: { epoch, guard_count, pinning }`. Cache-line padded like
// eventloop's FastState to avoid false sharing across tids.
type localState struct { //nolint:govet
	_ [64]byte

	epoch       atomic.Uint64
	guardCount  atomic.Int64
	isRepinning atomic.Bool
	handleCount atomic.Int64

	mu      sync.Mutex // guards bags/plists: only this tid and the advancing thread touch them
	bags    [3]*bag
	plists  [3]*persistList

	_ [64]byte
}

func newLocalState() *localState {
	l := &localState{}
	for i := range l.bags {
		l.bags[i] = newBag()
		l.plists[i] = &persistList{}
	}
	return l
}

// Domain is the global epoch-reclamation authority shared by every thread
// operating on one PersistentPool (spec.md §3.2's `global_epoch`).
type Domain struct {
	globalEpoch atomic.Uint64
	locals      []*localState
	flusher     persist.Flusher
	log         *logiface.Logger[logiface.Event]
}

// Option configures NewDomain.
type Option func(*domainOptions)

type domainOptions struct {
	flusher persist.Flusher
	logger  *logiface.Logger[logiface.Event]
}

// WithFlusher attaches the backing pool's flush primitive (spec.md §5's
// clwb/sfence obligation for persist_list entries). Defaults to
// persist.NoopFlusher{}.
func WithFlusher(f persist.Flusher) Option {
	return func(o *domainOptions) { o.flusher = f }
}

// WithLogger attaches a structured logger.
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(o *domainOptions) { o.logger = l }
}

func resolveOptions(opts []Option) *domainOptions {
	cfg := &domainOptions{flusher: persist.NoopFlusher{}}
	for _, o := range opts {
		if o != nil {
			o(cfg)
		}
	}
	return cfg
}

// NewDomain creates a reclamation domain sized for maxThreads tids (spec.md
// §4.6's tid space, see tid.Registry).
func NewDomain(maxThreads int, opts ...Option) *Domain {
	cfg := resolveOptions(opts)
	d := &Domain{
		locals:  make([]*localState, maxThreads),
		flusher: cfg.flusher,
		log:     cfg.logger,
	}
	for i := range d.locals {
		d.locals[i] = newLocalState()
	}
	return d
}

// Epoch returns the current global epoch value.
func (d *Domain) Epoch() uint64 { return d.globalEpoch.Load() }

// Pin pins tid, returning a Guard. Pinning is reentrant: nested Pin calls on
// the same tid just bump the guard count (spec.md §4.2).
func (d *Domain) Pin(tid int) *Guard {
	l := d.locals[tid]
	if l.guardCount.Add(1) == 1 {
		l.epoch.Store(d.globalEpoch.Load())
	}
	return &Guard{domain: d, tid: tid}
}

// unpin implements the 1→0 transition: attempt to advance the global epoch,
// then flush+drain whatever generation just became safe.
func (d *Domain) unpin(tid int) {
	l := d.locals[tid]
	if l.guardCount.Add(-1) != 0 {
		return
	}
	d.tryAdvance(tid)
}

// tryAdvance implements spec.md §4.2's Advance: if every currently pinned
// thread has observed an epoch at least the global epoch, CAS the global
// epoch forward, then drain the generation that just became two epochs
// stale (the classic 3-bag EBR scheme: slot (epoch+1)%3 is always the one
// furthest in the past once epoch advances to the new value).
func (d *Domain) tryAdvance(tid int) {
	cur := d.globalEpoch.Load()
	for _, l := range d.locals {
		if l.guardCount.Load() > 0 && l.epoch.Load() != cur {
			return
		}
	}
	if !d.globalEpoch.CompareAndSwap(cur, cur+1) {
		return
	}
	if d.log != nil {
		d.log.Debug().Uint64("epoch", cur+1).Log("epoch advanced")
	}
	d.drainGeneration(tid, (cur+1)%3)
}

// drainGeneration flushes the persist list and then runs every deferred
// destructor for tid's bag at the given generation slot, in that order
// (spec.md §4.2/§5: "flushed and fenced before the bag... is drained").
func (d *Domain) drainGeneration(tid int, slot uint64) {
	l := d.locals[tid]
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.plists[slot].flush(d.flusher); err != nil {
		if d.log != nil {
			d.log.Err(err).Log("epoch persist-list flush failed")
		}
		return
	}
	l.bags[slot].drainAll()
}

// currentSlot returns the bag/persist-list generation slot for tid's
// currently pinned epoch.
func (d *Domain) currentSlot(tid int) uint64 {
	return d.locals[tid].epoch.Load() % 3
}
