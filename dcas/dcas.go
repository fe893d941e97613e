// Package dcas implements the DetectableCAS primitive from spec.md §3.4/§4.4:
// a failure-atomic compare-and-swap whose outcome a crashed-and-restarted
// thread can recover without racing a second attempt against its own first
// one.
//
// The CAS target's high tag (see the ptr package) is repurposed, while the
// CAS is in flight, to carry the winning tid and a parity bit - but spec.md
// §3.4 reserves that aux word "in addition to the user tag", so Try never
// lets the in-flight encoding permanently clobber whatever tag the caller
// already put on its pointer (e.g. clevel's hash fingerprint): once the CAS
// has won, it records new as the caller passed it (tag included) in the
// ledger, and a later ClearAux call - by the caller, once its own book-keeping for
// this operation is done, per spec.md step 7's "optionally clear the aux
// bit by a later CAS" - restores exactly that value. A side ledger (State)
// also records, per tid, the sequence number of the last CAS that tid
// completed, so recovery can answer "did my attempt win?" by comparing
// against both the live tagged word and its own ledger entry - exactly the
// two-part check spec.md §4.4 describes.
//
// Grounded on spec.md §4.4's algorithm directly (the teacher corpus and
// original_source/src/ploc/smo.rs model detectability through a node-owned
// "owner" pointer rather than a tagged-word ledger; spec.md's own, more
// explicit description is authoritative here - see DESIGN.md).
package dcas

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/go-memento/persist"
	"github.com/joeycumines/go-memento/ptr"
)

const (
	tidBits   = 15
	tidMask   = uint16(1)<<tidBits - 1
	parityBit = uint16(1) << tidBits
)

// encodeAux packs (tid, parity) into the 16-bit high tag. The tid field
// holds tid+1, so that no (tid, parity) pair encodes to a zero tid field.
func encodeAux(tid int, parity bool) uint16 {
	v := uint16(tid+1) & tidMask
	if parity {
		v |= parityBit
	}
	return v
}

// decodeAux unpacks a high tag. isTagged is false when the tid field is
// zero (no CAS currently owns this word).
func decodeAux(tag uint16) (tid int, parity bool, isTagged bool) {
	if tag&tidMask == 0 {
		return 0, false, false
	}
	return int(tag&tidMask) - 1, tag&parityBit != 0, true
}

// ownEntry is one tid's record of the last CAS it completed: value is the
// pointer word as it should read once finalized - i.e. the caller's new
// value with its own tag intact, never the transient aux encoding - so
// both Recover and Help can restore exactly what the caller intended.
type ownEntry struct {
	value ptr.Ref
	seq   uint64
	valid bool
}

// State is the global cas_own/cas_help ledger shared by every DetectableCAS
// call against pointers in one pool, per spec.md §3.4.
//
// The ledger itself is protected by a mutex rather than made lock-free: it
// is read/written only once per CAS attempt (not on every retry-loop spin),
// so this doesn't violate spec.md §5's "operations themselves never
// block" - only the ledger bookkeeping around a single CAS does, and
// briefly.
type State struct {
	mu   sync.Mutex
	own  []ownEntry
	help [2][]ownEntry
	seq  atomic.Uint64
}

// NewState allocates a ledger sized for maxThreads tids.
func NewState(maxThreads int) *State {
	s := &State{
		own: make([]ownEntry, maxThreads),
	}
	s.help[0] = make([]ownEntry, maxThreads)
	s.help[1] = make([]ownEntry, maxThreads)
	return s
}

func (s *State) nextSeq() uint64 { return s.seq.Add(1) }

func (s *State) recordOwn(tid int, value ptr.Ref, seq uint64) {
	s.mu.Lock()
	s.own[tid] = ownEntry{value: value, seq: seq, valid: true}
	s.mu.Unlock()
}

func (s *State) lookupOwn(tid int) (ownEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.own[tid]
	return e, e.valid
}

func (s *State) recordHelp(parity bool, tid int, value ptr.Ref) {
	idx := 0
	if parity {
		idx = 1
	}
	s.mu.Lock()
	s.help[idx][tid] = ownEntry{value: value, valid: true}
	s.mu.Unlock()
}

// Try performs the normal-run path of spec.md §4.4's algorithm: CAS
// target from expected to new, tagging new with (tid, parity) while the
// CAS is in flight, flushing the target and recording the win in the
// ledger. On success it returns the tagged value actually installed, true,
// and the sequence number the caller must checkpoint (via the checkpoint
// package) so that a subsequent Recover call can confirm the outcome after
// a crash.
//
// The ledger records new's own, un-aux-tagged value (new.HighTag() intact)
// as the "finalized" form of this CAS - not the transient aux-tagged word
// actually written to target - so that Recover and Help always hand back
// (or restore via ClearAux) the pointer exactly as the caller meant it,
// regardless of how long the aux tag stays live on target.
func Try[T any](s *State, target *ptr.PAtomic[T], expected, new ptr.PShared[T], tid int, parity bool, f persist.Flusher) (current ptr.PShared[T], ok bool, seq uint64) {
	cur := target.Load()
	if cur.Ref() != expected.Ref() {
		return cur, false, 0
	}

	seq = s.nextSeq()
	tagged := new.WithHighTag(encodeAux(tid, parity))

	result, swapped := target.CompareExchange(expected, tagged)
	if !swapped {
		return result, false, 0
	}

	_ = persist.Obj(f, uintptr(unsafe.Pointer(target.Raw())), 8)
	s.recordOwn(tid, new.Ref(), seq)

	return tagged, true, seq
}

// Recover performs spec.md §4.4's recovery path: given the tid, parity,
// and sequence number the original (pre-crash) Try call produced, it
// determines whether that CAS won, by consulting the live target value
// and this tid's ledger entry.
func Recover[T any](s *State, target *ptr.PAtomic[T], tid int, parity bool, expectedSeq uint64) (current ptr.PShared[T], ok bool) {
	cur := target.Load()

	if curTid, curParity, tagged := decodeAux(cur.HighTag()); tagged && curTid == tid && curParity == parity {
		return cur, true
	}

	if e, found := s.lookupOwn(tid); found && e.seq == expectedSeq {
		return ptr.SharedFromRef[T](e.value), true
	}

	return cur, false
}

// ClearAux finalizes a CAS by restoring target's tag from the transient
// (tid, parity) aux encoding back to untagged - the caller-supplied value
// it should read as once the aux word is no longer needed (ordinarily
// tagged.WithHighTag(origTag), i.e. exactly what was being installed before
// Try folded (tid, parity) over its tag) - step 7 of spec.md §4.4's
// algorithm. It is safe to call more than once or concurrently with Help:
// only one caller's CompareExchange will succeed, and both treat the tag
// already being clear as success.
func ClearAux[T any](target *ptr.PAtomic[T], tagged, untagged ptr.PShared[T], f persist.Flusher) (ptr.PShared[T], bool) {
	if _, _, isTagged := decodeAux(tagged.HighTag()); !isTagged {
		return tagged, true
	}
	result, ok := target.CompareExchange(tagged, untagged)
	if ok {
		_ = persist.Obj(f, uintptr(unsafe.Pointer(target.Raw())), 8)
		return untagged, true
	}
	if _, _, stillTagged := decodeAux(result.HighTag()); !stillTagged {
		return result, true
	}
	return result, false
}

// Untagged returns tid's last-recorded ledger value: the pointer exactly as
// it read before Try folded (tid, parity) over it, caller's own tag intact.
// A recovering root memento uses this, once Recover has confirmed the win,
// to learn what value to hand ClearAux - the tagged word itself no longer
// carries that information once the aux encoding has overwritten it.
func Untagged[T any](s *State, tid int) (ptr.PShared[T], bool) {
	e, ok := s.lookupOwn(tid)
	if !ok {
		return ptr.PShared[T]{}, false
	}
	return ptr.SharedFromRef[T](e.value), true
}

// Help implements spec.md §4.4's helping protocol: a thread that observes
// a CAS target still tagged with another tid's ownership may finalize that
// CAS on the owner's behalf, and records the help in cas_help. Nothing in
// this package reads cas_help back: Recover decides from the live tag and
// the owner's cas_own entry.
//
// The restoring value comes from the owner's own cas_own ledger entry (the
// only place the pre-tag form of the pointer survives once the aux encoding
// has overwritten it in place); if the owner crashed before recording that
// entry (its ledger holds nothing, or an entry for a different pointer),
// there is nothing safe to restore to yet, and Help is a no-op - a
// subsequent Help call (once the ledger entry exists) will finish the job.
func Help[T any](s *State, target *ptr.PAtomic[T], observed ptr.PShared[T], f persist.Flusher) {
	tid, parity, isTagged := decodeAux(observed.HighTag())
	if !isTagged {
		return
	}
	e, found := s.lookupOwn(tid)
	if !found || e.value.WithHighTag(0) != observed.Ref().WithHighTag(0) {
		return
	}
	s.recordHelp(parity, tid, observed.Ref())
	_, _ = ClearAux(target, observed, ptr.SharedFromRef[T](e.value), f)
}
