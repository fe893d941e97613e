package epoch

import "sync"

// bagChunkSize mirrors eventloop's ChunkedIngress chunk sizing rationale:
// amortize allocation and keep entries cache-local, recycled via sync.Pool
// instead of letting the GC reclaim each node individually.
const bagChunkSize = 128

// destroyEntry is one deferred action: a destructor plus an optional
// dedup key (spec.md §4.2's "defer(f, key)").
type destroyEntry struct {
	fn  func()
	key uint64
	has bool
}

var bagChunkPool = sync.Pool{
	New: func() any { return &bagChunk{} },
}

type bagChunk struct {
	entries [bagChunkSize]destroyEntry
	next    *bagChunk
	pos     int
}

func newBagChunk() *bagChunk {
	c := bagChunkPool.Get().(*bagChunk)
	c.pos = 0
	c.next = nil
	return c
}

func releaseBagChunk(c *bagChunk) {
	for i := 0; i < c.pos; i++ {
		c.entries[i] = destroyEntry{}
	}
	c.pos = 0
	c.next = nil
	bagChunkPool.Put(c)
}

// bag is a FIFO chunked queue of deferred destructors for a single
// (tid, epoch-slot) pair, grounded on eventloop's ChunkedIngress. It is
// NOT thread-safe: per spec.md §3.2 bags are per-thread, only ever touched
// by their owning tid (plus the draining thread, which is always the
// owner here - see Domain.tryAdvance).
type bag struct {
	head, tail *bagChunk
	keys       map[uint64]bool
	length     int
}

func newBag() *bag {
	return &bag{keys: make(map[uint64]bool)}
}

// push enqueues f. If key is present and already recorded (this epoch-slot
// generation), the call is a no-op, matching spec.md §4.2's dedup contract.
func (b *bag) push(f func(), key uint64, hasKey bool) {
	if hasKey && b.keys[key] {
		return
	}
	if b.tail == nil {
		b.tail = newBagChunk()
		b.head = b.tail
	}
	if b.tail.pos == bagChunkSize {
		nc := newBagChunk()
		b.tail.next = nc
		b.tail = nc
	}
	b.tail.entries[b.tail.pos] = destroyEntry{fn: f, key: key, has: hasKey}
	b.tail.pos++
	b.length++
	if hasKey {
		b.keys[key] = true
	}
}

// drainAll runs every deferred destructor and resets the bag to empty,
// ready for reuse in a later epoch generation.
func (b *bag) drainAll() {
	c := b.head
	for c != nil {
		for i := 0; i < c.pos; i++ {
			if c.entries[i].fn != nil {
				c.entries[i].fn()
			}
		}
		next := c.next
		releaseBagChunk(c)
		c = next
	}
	b.head = nil
	b.tail = nil
	b.length = 0
	b.keys = make(map[uint64]bool)
}

func (b *bag) len() int { return b.length }
