// Package clevel implements the concurrent level-hash table from spec.md
// §4.7/§3.5: the module's flagship structure, combining pool-relative
// pointers, DetectableCAS, and a background resize thread into a
// detectable, crash-recoverable concurrent map.
//
// Grounded on original_source/src/ds/clevel.rs: SLOTS_IN_BUCKET=8,
// LEVEL_RATIO=2 level sizing, the "2-byte tag + two candidate bucket
// hashes" scheme from its hashes() function, level_iter's small-to-large
// level chain (search scans old-to-new; insert prefers new-to-old so new,
// bigger levels absorb load first), add_level's "install a bigger level,
// then swap in a new Context via a single CAS" sequence, and the
// channel-driven background resize thread (clevel.rs's resize() consumer
// of a bounded mpsc channel fed by insert_inner's snd.send(())).
//
// Every dcas.Try call here is followed by dcas.ClearAux once its caller is
// done with the detectability window: dcas.Try's (tid, parity) aux encoding
// occupies the same high-tag bits clevel uses for its fingerprint (and, for
// a CAS to Null, even the "is this null" test - see ptr.Ref.IsNull), so an
// uncleared tag doesn't just slow future lookups, it breaks them. Insert is
// additionally wired to checkpoint.Checkpoint so a handle.Handle.Rec()
// re-run can confirm via dcas.Recover whether its pre-crash attempt already
// won, rather than risk inserting the key a second time.
package clevel

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/go-memento/checkpoint"
	"github.com/joeycumines/go-memento/dcas"
	"github.com/joeycumines/go-memento/epoch"
	"github.com/joeycumines/go-memento/handle"
	"github.com/joeycumines/go-memento/persist"
	"github.com/joeycumines/go-memento/pool"
	"github.com/joeycumines/go-memento/ptr"
	"github.com/joeycumines/logiface"
)

// SlotsInBucket is the fixed bucket width, per spec.md §3.5.
const SlotsInBucket = 8

// LevelRatio is the growth factor between consecutive levels.
const LevelRatio = 2

// DefaultMinSize is a small default so tests and examples don't have to pay
// for clevel.rs's production MIN_SIZE (786432 buckets); callers sizing a
// real deployment should pass WithMinSize.
const DefaultMinSize = 4

// DefaultMaxThreads bounds the per-tid Insert recovery memento table;
// callers running more concurrent handles than this must pass
// WithMaxThreads, the same sizing contract dcas.NewState's maxThreads
// argument already requires.
const DefaultMaxThreads = 32

var (
	// ErrKeyExists is returned by Insert when the key is already present.
	ErrKeyExists = errors.New("clevel: key already exists")
	// ErrKeyNotFound is returned by Delete when the key is absent.
	ErrKeyNotFound = errors.New("clevel: key not found")
)

// slot holds one key/value pair; candidate slots are allocated speculatively
// and published into a bucket via DetectableCAS.
type slot[K comparable, V any] struct {
	key   K
	value V
}

type bucket[K comparable, V any] struct {
	slots [SlotsInBucket]ptr.PAtomic[slot[K, V]]
}

// insertMemento is the per-tid durable record Insert checkpoints its
// winning dcas.Try into, per spec.md §4.5/§4.6: the offset (within the
// arena) of the slot word it installed into, and the sequence number Try
// returned for that CAS. A handle.Handle.Rec() re-run reconstructs the
// target word from targetOff and asks dcas.Recover whether this attempt
// already won, instead of blindly re-running trySlotInsert (which would
// risk a duplicate slot for the same key).
type insertMemento struct {
	targetOff checkpoint.Checkpoint[uint64]
	seq       checkpoint.Checkpoint[uint64]
}

// levelNode is one level of the table: a contiguous array of `size` buckets
// (allocated separately, referenced by offset since its length varies per
// level and so can't be a fixed-size generic field) plus a pointer to the
// next, larger level, mirroring clevel.rs's Node<Bucket<K,V>>.
type levelNode[K comparable, V any] struct {
	bucketsOff uint64
	size       uint64
	next       ptr.PAtomic[levelNode[K, V]]
}

func (l *levelNode[K, V]) buckets(a ptr.Arena) []bucket[K, V] {
	addr := a.Start() + uintptr(l.bucketsOff)
	return unsafe.Slice((*bucket[K, V])(unsafe.Pointer(addr)), l.size)
}

func allocLevel[K comparable, V any](a ptr.Arena, size uint64) (ptr.PShared[levelNode[K, V]], error) {
	var zeroBucket bucket[K, V]
	bucketSize := uint64(unsafe.Sizeof(zeroBucket))
	off, err := a.Alloc(size * bucketSize)
	if err != nil {
		return ptr.PShared[levelNode[K, V]]{}, err
	}
	addr := a.Start() + uintptr(off)
	buckets := unsafe.Slice((*bucket[K, V])(unsafe.Pointer(addr)), size)
	for i := range buckets {
		buckets[i] = bucket[K, V]{}
	}

	owned, lvl, err := ptr.AllocOwned[levelNode[K, V]](a)
	if err != nil {
		return ptr.PShared[levelNode[K, V]]{}, err
	}
	lvl.bucketsOff = off
	lvl.size = size
	return owned.IntoShared(), nil
}

// context is the table's single atomically-swapped "current shape":
// firstLevel is the newest/largest level, lastLevel the oldest/smallest
// one still live, and resizeSize records how far the background resize
// has progressed (a level at or below resizeSize buckets is being, or has
// been, fully migrated away and should no longer receive new inserts).
type context[K comparable, V any] struct {
	firstLevel ptr.PAtomic[levelNode[K, V]]
	lastLevel  ptr.PAtomic[levelNode[K, V]]
	// resizeSize is a plain in-place atomic counter living inside pool
	// memory, the same pattern node.popperTid in queue/stack uses: it's a
	// progress hint the algorithm re-derives correctness from, not a
	// source of truth by itself, so it doesn't need PAtomic's tagging.
	resizeSize atomic.Uint64
}

func allocContext[K comparable, V any](a ptr.Arena, first, last ptr.PShared[levelNode[K, V]], resizeSize uint64) (ptr.PShared[context[K, V]], error) {
	owned, c, err := ptr.AllocOwned[context[K, V]](a)
	if err != nil {
		return ptr.PShared[context[K, V]]{}, err
	}
	c.firstLevel.Store(first)
	c.lastLevel.Store(last)
	c.resizeSize.Store(resizeSize)
	return owned.IntoShared(), nil
}

// HashFunc computes a 64-bit digest of a key. clevel derives both its two
// candidate bucket hashes and its 16-bit fingerprint tag from this one
// value, mirroring clevel.rs's hashes() (a single Murmur3 hash, rotated
// and split rather than hashed twice). Go has no built-in generic Hash
// trait, so the caller supplies this the same way e.g. a generic
// comparable-keyed container elsewhere in the ecosystem takes a hash
// function parameter instead of requiring a Hash method.
type HashFunc[K comparable] func(key K) uint64

// Clevel is a concurrent, detectable, crash-recoverable hash table.
type Clevel[K comparable, V any] struct {
	context   ptr.PAtomic[context[K, V]]
	arena     ptr.Arena
	dstate    *dcas.State
	hash      HashFunc[K]
	flusher   persist.Flusher
	log       *logiface.Logger[logiface.Event]
	insertMem []insertMemento

	resizeCh  chan struct{}
	resizeTid int
	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

// Option configures New.
type Option func(*options)

type options struct {
	minSize    uint64
	flusher    persist.Flusher
	logger     *logiface.Logger[logiface.Event]
	resizeTid  int
	maxThreads int
}

func WithMinSize(n uint64) Option { return func(o *options) { o.minSize = n } }

// WithMaxThreads sizes Insert's recovery memento table; see DefaultMaxThreads.
func WithMaxThreads(n int) Option { return func(o *options) { o.maxThreads = n } }
func WithFlusher(f persist.Flusher) Option {
	return func(o *options) { o.flusher = f }
}
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(o *options) { o.logger = l }
}

// WithResizeTid sets the tid the background resize goroutine pins under
// (it needs one, like any other thread touching the pool). Defaults to 0;
// callers running real worker threads at tid 0 should set this to an
// otherwise-unused tid.
func WithResizeTid(tid int) Option { return func(o *options) { o.resizeTid = tid } }

func resolveOptions(opts []Option) *options {
	cfg := &options{minSize: DefaultMinSize, flusher: persist.NoopFlusher{}, maxThreads: DefaultMaxThreads}
	for _, o := range opts {
		if o != nil {
			o(cfg)
		}
	}
	return cfg
}

// levelSizeNext/levelSizePrev mirror clevel.rs's level_size_next/_prev
// under the fixed (non-stress) LEVEL_RATIO=2 configuration.
func levelSizeNext(size uint64) uint64 { return size * LevelRatio }
func levelSizePrev(size uint64) uint64 { return size / LevelRatio }

// New builds an empty table with two levels already present (MIN_SIZE and
// MIN_SIZE*LEVEL_RATIO buckets), per clevel.rs's PDefault::pdefault, and
// starts the background resize goroutine, which pins its own Handle
// (tid cfg.resizeTid, default 0) against domain for as long as the table
// is open. Call Close to stop it.
func New[K comparable, V any](p *pool.Pool, dstate *dcas.State, domain *epoch.Domain, hash HashFunc[K], opts ...Option) (*Clevel[K, V], error) {
	cfg := resolveOptions(opts)

	lastShared, err := allocLevel[K, V](p, cfg.minSize)
	if err != nil {
		return nil, err
	}
	firstShared, err := allocLevel[K, V](p, levelSizeNext(cfg.minSize))
	if err != nil {
		return nil, err
	}
	lastShared.Deref(p, 0).next.Store(firstShared)
	_ = persist.Obj(cfg.flusher, uintptr(unsafe.Pointer(&lastShared.Deref(p, 0).next)), 8)

	ctxShared, err := allocContext[K, V](p, firstShared, lastShared, 0)
	if err != nil {
		return nil, err
	}

	c := &Clevel[K, V]{
		arena:     p,
		dstate:    dstate,
		hash:      hash,
		flusher:   cfg.flusher,
		log:       cfg.logger,
		insertMem: make([]insertMemento, cfg.maxThreads),
		resizeCh:  make(chan struct{}, 1),
		resizeTid: cfg.resizeTid,
		closeCh:   make(chan struct{}),
	}
	c.context.Store(ctxShared)

	c.wg.Add(1)
	go c.resizeLoop(domain, p)

	return c, nil
}

// Close stops the background resize goroutine and waits for it to exit.
func (c *Clevel[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
	c.wg.Wait()
}

func (c *Clevel[K, V]) resizeLoop(domain *epoch.Domain, p *pool.Pool) {
	defer c.wg.Done()
	h := handle.New(c.resizeTid, domain, p)
	defer h.Release()
	for {
		select {
		case <-c.closeCh:
			return
		case <-c.resizeCh:
			c.resizeStep(h)
		}
	}
}

// hashes derives the 16-bit fingerprint and two candidate bucket hashes
// from a single 64-bit digest, exactly as clevel.rs's hashes() derives
// both from one Murmur3 value via rotation rather than hashing twice.
func (c *Clevel[K, V]) hashes(key K) (tag uint16, h [2]uint32) {
	digest := c.hash(key)
	tag = uint16(digest >> 48) // top 16 bits of the digest as fingerprint
	left := uint32(digest)
	right := uint32(digest >> 32)
	if left == right {
		right++
	}
	return tag, [2]uint32{left, right}
}

func bucketIndexes(h [2]uint32, size uint64) [2]uint64 {
	i0 := uint64(h[0]) % size
	i1 := uint64(h[1]) % size
	return [2]uint64{i0, i1}
}

// levelChain returns the table's current levels, ordered newest/largest
// first, oldest/smallest last - the "top-to-bottom" order try_slot_insert
// walks when placing a new key. Search and Delete walk the returned slice
// in reverse (oldest to newest), mirroring level_iter's "bottom-to-top"
// order.
func (c *Clevel[K, V]) levelChain(ctxRef *context[K, V]) []*levelNode[K, V] {
	first := ctxRef.firstLevel.Load()
	last := ctxRef.lastLevel.Load()

	var oldToNew []*levelNode[K, V]
	cur := last
	for {
		n := cur.Deref(c.arena, 0)
		oldToNew = append(oldToNew, n)
		if cur.Ref() == first.Ref() {
			break
		}
		cur = n.next.Load()
		if cur.IsNull() {
			break
		}
	}

	newToOld := make([]*levelNode[K, V], len(oldToNew))
	for i, n := range oldToNew {
		newToOld[len(oldToNew)-1-i] = n
	}
	return newToOld
}

// Search looks up key, returning its value and true if present.
func (c *Clevel[K, V]) Search(key K) (V, bool) {
	var zero V
	tag, h := c.hashes(key)

	ctx := c.context.Load().Deref(c.arena, 0)
	newToOld := c.levelChain(ctx)

	for i := len(newToOld) - 1; i >= 0; i-- { // oldest to newest, per level_iter
		lvl := newToOld[i]
		idxs := bucketIndexes(h, lvl.size)
		buckets := lvl.buckets(c.arena)
		seen := idxs[0] == idxs[1]
		for j, idx := range idxs {
			if j == 1 && seen {
				continue
			}
			b := &buckets[idx]
			for s := range b.slots {
				sp := b.slots[s].Load()
				if sp.IsNull() || sp.HighTag() != tag {
					continue
				}
				sref := sp.Deref(c.arena, 1)
				if sref.key == key {
					return sref.value, true
				}
			}
		}
	}

	return zero, false
}

// trySlotInsert scans levels newest-to-oldest (stopping once a level has
// been fully resized away) looking for an empty slot to CAS the candidate
// into, per try_slot_insert's "i and then key_hash" loop order (try slot
// position i across both candidate buckets before moving to i+1, to
// spread load evenly rather than always filling one bucket first).
func (c *Clevel[K, V]) trySlotInsert(h *handle.Handle, ctxRef *context[K, V], candidate ptr.PShared[slot[K, V]], hh [2]uint32, mem *insertMemento) bool {
	newToOld := c.levelChain(ctxRef)
	resizeSize := ctxRef.resizeSize.Load()

	for _, lvl := range newToOld {
		if resizeSize >= lvl.size {
			break
		}
		idxs := bucketIndexes(hh, lvl.size)
		buckets := lvl.buckets(c.arena)
		seen := idxs[0] == idxs[1]

		for s := 0; s < SlotsInBucket; s++ {
			for j, idx := range idxs {
				if j == 1 && seen {
					continue
				}
				target := &buckets[idx].slots[s]
				if !target.Load().IsNull() {
					continue
				}
				tagged, ok, seq := dcas.Try(c.dstate, target, ptr.Null[slot[K, V]](), candidate, h.TID, false, c.flusher)
				if !ok {
					continue
				}
				// Checkpoint the win before clearing its aux tag: a crash
				// in this window is exactly what mem exists to recover
				// from, via recoverInsert.
				targetOff := uint64(uintptr(unsafe.Pointer(target)) - c.arena.Start())
				mem.targetOff.Run(c.flusher, false, targetOff, nil)
				mem.seq.Run(c.flusher, false, seq, nil)
				dcas.ClearAux(target, tagged, candidate, c.flusher)
				mem.targetOff.Reset(c.flusher)
				mem.seq.Reset(c.flusher)
				return true
			}
		}
	}
	return false
}

// recoverInsert is the handle.Handle.Rec() path for Insert: it re-derives
// the outcome of a pre-crash attempt from mem's checkpointed target/seq
// rather than re-running trySlotInsert, which could otherwise install a
// second slot for the same key. Returns true if the pre-crash attempt is
// confirmed to have won (and, if it hadn't already, finishes ClearAux on
// its behalf); false if there is nothing to recover, meaning Insert should
// proceed as if this were a fresh attempt.
func (c *Clevel[K, V]) recoverInsert(h *handle.Handle, mem *insertMemento) bool {
	offVal, ok := mem.targetOff.Peek()
	if !ok {
		return false
	}
	seqVal, ok := mem.seq.Peek()
	if !ok {
		return false
	}

	target := (*ptr.PAtomic[slot[K, V]])(unsafe.Pointer(c.arena.Start() + uintptr(offVal)))
	_, won := dcas.Recover(c.dstate, target, h.TID, false, seqVal)
	defer func() {
		mem.targetOff.Reset(c.flusher)
		mem.seq.Reset(c.flusher)
	}()
	if !won {
		return false
	}

	if untagged, ok := dcas.Untagged[slot[K, V]](c.dstate, h.TID); ok {
		dcas.ClearAux(target, target.Load(), untagged, c.flusher)
	}
	return true
}

// addLevel installs a new, bigger level (if one isn't already being
// installed by a concurrent inserter) and publishes a new Context
// pointing at it, exactly mirroring add_level's "CAS the level in, then
// CAS the context" two-step, both via this module's DetectableCAS rather
// than clevel.rs's Cas memento.
func (c *Clevel[K, V]) addLevel(h *handle.Handle, ctxShared ptr.PShared[context[K, V]]) {
	ctxRef := ctxShared.Deref(c.arena, 0)
	firstLvl := ctxRef.firstLevel.Load()
	firstLvlRef := firstLvl.Deref(c.arena, 0)
	nextSize := levelSizeNext(firstLvlRef.size)

	nextLvl := firstLvlRef.next.Load()
	if nextLvl.IsNull() {
		newLvl, err := allocLevel[K, V](c.arena, nextSize)
		if err == nil {
			if tagged, ok, _ := dcas.Try(c.dstate, &firstLvlRef.next, ptr.Null[levelNode[K, V]](), newLvl, h.TID, false, c.flusher); ok {
				dcas.ClearAux(&firstLvlRef.next, tagged, newLvl, c.flusher)
				nextLvl = newLvl
			} else {
				nextLvl = firstLvlRef.next.Load()
			}
		}
	}
	if nextLvl.IsNull() {
		return
	}

	newCtx, err := allocContext[K, V](c.arena, nextLvl, ctxRef.lastLevel.Load(), levelSizePrev(levelSizePrev(nextSize)))
	if err != nil {
		return
	}

	if tagged, ok, _ := dcas.Try(c.dstate, &c.context, ctxShared, newCtx, h.TID, false, c.flusher); ok {
		dcas.ClearAux(&c.context, tagged, newCtx, c.flusher)
		select {
		case c.resizeCh <- struct{}{}:
		default:
		}
	}
}

// Insert adds key/value, returning ErrKeyExists if key is already present.
//
// If h.Rec() is set (this is a recovery re-run of a root memento that was
// in progress when the process crashed), Insert first asks recoverInsert
// whether a pre-crash attempt already won, rather than re-running
// trySlotInsert and risking a duplicate slot for the same key.
func (c *Clevel[K, V]) Insert(h *handle.Handle, key K, value V) error {
	mem := &c.insertMem[h.TID]

	if h.Rec() {
		won := c.recoverInsert(h, mem)
		h.SetRec(false)
		if won {
			return nil
		}
	}

	if _, found := c.Search(key); found {
		return ErrKeyExists
	}

	owned, candidateObj, err := ptr.AllocOwned[slot[K, V]](c.arena)
	if err != nil {
		return err
	}
	candidateObj.key = key
	candidateObj.value = value
	tag, hh := c.hashes(key)
	candidate := owned.IntoShared().WithHighTag(tag)

	ctxShared := c.context.Load()
	for {
		ctxRef := ctxShared.Deref(c.arena, 0)
		if c.trySlotInsert(h, ctxRef, candidate, hh, mem) {
			return nil
		}
		c.addLevel(h, ctxShared)
		ctxShared = c.context.Load()
	}
}

// Delete removes key, returning ErrKeyNotFound if it isn't present.
func (c *Clevel[K, V]) Delete(h *handle.Handle, key K) error {
	tag, hh := c.hashes(key)

	for {
		ctx := c.context.Load().Deref(c.arena, 0)
		newToOld := c.levelChain(ctx)

		var target *ptr.PAtomic[slot[K, V]]
		var found ptr.PShared[slot[K, V]]
		for i := len(newToOld) - 1; i >= 0 && target == nil; i-- { // oldest to newest
			lvl := newToOld[i]
			idxs := bucketIndexes(hh, lvl.size)
			buckets := lvl.buckets(c.arena)
			seen := idxs[0] == idxs[1]
			for j, idx := range idxs {
				if j == 1 && seen {
					continue
				}
				b := &buckets[idx]
				for s := range b.slots {
					sp := b.slots[s].Load()
					if sp.IsNull() || sp.HighTag() != tag {
						continue
					}
					sref := sp.Deref(c.arena, 1)
					if sref.key == key {
						target = &b.slots[s]
						found = sp
						break
					}
				}
				if target != nil {
					break
				}
			}
		}

		if target == nil {
			return ErrKeyNotFound
		}

		if tagged, ok, _ := dcas.Try(c.dstate, target, found, ptr.Null[slot[K, V]](), h.TID, false, c.flusher); ok {
			// ptr.Ref.IsNull also checks the high tag, so a tagged null
			// left in place would make every concurrent Search/Delete
			// treat this slot as still occupied: clear it promptly.
			dcas.ClearAux(target, tagged, ptr.Null[slot[K, V]](), c.flusher)
			h.Guard.DeferDestroy(func() {})
			return nil
		}
		// Lost the race (another thread deleted or moved it first); retry.
	}
}

// resizeStep migrates every still-occupied slot out of the oldest level
// into the current (possibly newer, by the time this runs) context, then
// retires that level once drained, per resize_clean/resize_change_context.
// Run from the single background resize goroutine, so it never contends
// with itself.
func (c *Clevel[K, V]) resizeStep(h *handle.Handle) {
	ctxShared := c.context.Load()
	ctxRef := ctxShared.Deref(c.arena, 0)
	oldest := ctxRef.lastLevel.Load()
	oldestRef := oldest.Deref(c.arena, 0)

	buckets := oldestRef.buckets(c.arena)
	drained := true
	for b := range buckets {
		for s := range buckets[b].slots {
			target := &buckets[b].slots[s]
			cur := target.Load()
			if cur.IsNull() {
				continue
			}
			curRef := cur.Deref(c.arena, 1)
			_, hh := c.hashes(curRef.key)
			moved := cur.WithTag(1, 1)

			tagged, ok, _ := dcas.Try(c.dstate, target, cur, moved, h.TID, false, c.flusher)
			if !ok {
				drained = false
				continue
			}
			dcas.ClearAux(target, tagged, moved, c.flusher)

			// cur already carries its fingerprint high tag from the
			// original Insert's WithHighTag call; reinsert it unchanged.
			newCtx := c.context.Load().Deref(c.arena, 0)
			resizeMem := &c.insertMem[h.TID]
			if !c.trySlotInsert(h, newCtx, cur, hh, resizeMem) {
				c.addLevel(h, c.context.Load())
				newCtx = c.context.Load().Deref(c.arena, 0)
				c.trySlotInsert(h, newCtx, cur, hh, resizeMem)
			}

			target.Store(ptr.Null[slot[K, V]]())
			_ = persist.Obj(c.flusher, uintptr(unsafe.Pointer(target)), 8)
		}
	}

	if !drained {
		select {
		case c.resizeCh <- struct{}{}:
		default:
		}
		return
	}

	next := oldestRef.next.Load()
	if next.IsNull() {
		// Only one level remains; nothing left to retire.
		return
	}
	latest := c.context.Load()
	latestRef := latest.Deref(c.arena, 0)
	newCtx, err := allocContext[K, V](c.arena, latestRef.firstLevel.Load(), next, latestRef.resizeSize.Load())
	if err != nil {
		return
	}
	if tagged, ok, _ := dcas.Try(c.dstate, &c.context, latest, newCtx, h.TID, false, c.flusher); ok {
		dcas.ClearAux(&c.context, tagged, newCtx, c.flusher)
	}
}

// Len is an O(n) debug helper, not part of the concurrent contract.
func (c *Clevel[K, V]) Len() int {
	ctx := c.context.Load().Deref(c.arena, 0)
	newToOld := c.levelChain(ctx)
	n := 0
	for _, lvl := range newToOld {
		for _, b := range lvl.buckets(c.arena) {
			for s := range b.slots {
				if !b.slots[s].Load().IsNull() {
					n++
				}
			}
		}
	}
	return n
}
