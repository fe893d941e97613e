// Package queue implements a detectable, crash-recoverable Michael-Scott
// FIFO queue: spec.md §9's "minor reapplications" of the same pointer/
// epoch/DetectableCAS substrate the flagship clevel table uses, needed to
// exercise the S3 testable-property scenario (spec.md §8).
//
// Grounded on original_source/src/queue.rs (Node/Push/Pop shape) for the
// overall structure; the classic Michael-Scott enqueue (CAS the tail
// node's next, then best-effort swing tail) is unchanged from the
// textbook algorithm, since that's exactly what queue.rs itself
// implements.
//
// Dequeue's dcas.Try is followed by dcas.ClearAux: left uncleared, the
// aux tag would stick to q.head permanently and break later head==tail
// comparisons (see clevel's package doc for why an uncleared tag is a
// correctness bug here, not just a missed optimization).
package queue

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/go-memento/dcas"
	"github.com/joeycumines/go-memento/epoch"
	"github.com/joeycumines/go-memento/handle"
	"github.com/joeycumines/go-memento/persist"
	"github.com/joeycumines/go-memento/ptr"
	"github.com/joeycumines/logiface"
)

// ErrEmpty is returned by Dequeue when the queue has no elements, spec.md
// §6's "None returned from... empty dequeues".
var ErrEmpty = errors.New("queue: empty")

type node[T any] struct {
	data      T
	next      ptr.PAtomic[node[T]]
	popperTid atomic.Int64
}

const noPopper = -1

// Queue is a detectable FIFO queue over nodes allocated from a ptr.Arena
// (normally a *pool.Pool).
type Queue[T any] struct {
	head  ptr.PAtomic[node[T]]
	tail  ptr.PAtomic[node[T]]
	arena ptr.Arena
	dstate *dcas.State
	flusher persist.Flusher
	log   *logiface.Logger[logiface.Event]
}

// Option configures New.
type Option func(*options)

type options struct {
	flusher persist.Flusher
	logger  *logiface.Logger[logiface.Event]
}

func WithFlusher(f persist.Flusher) Option { return func(o *options) { o.flusher = f } }
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(o *options) { o.logger = l }
}

func resolveOptions(opts []Option) *options {
	cfg := &options{flusher: persist.NoopFlusher{}}
	for _, o := range opts {
		if o != nil {
			o(cfg)
		}
	}
	return cfg
}

// New allocates a fresh sentinel-headed queue.
func New[T any](arena ptr.Arena, dstate *dcas.State, opts ...Option) (*Queue[T], error) {
	cfg := resolveOptions(opts)
	owned, sentinel, err := ptr.AllocOwned[node[T]](arena)
	if err != nil {
		return nil, err
	}
	sentinel.popperTid.Store(noPopper)
	shared := owned.IntoShared()

	q := &Queue[T]{
		arena:   arena,
		dstate:  dstate,
		flusher: cfg.flusher,
		log:     cfg.logger,
	}
	q.head.Store(shared)
	q.tail.Store(shared)
	return q, nil
}

// Enqueue appends value, per spec.md §6's enqueue/dequeue pair.
func (q *Queue[T]) Enqueue(g *epoch.Guard, value T) error {
	owned, n, err := ptr.AllocOwned[node[T]](q.arena)
	if err != nil {
		return err
	}
	n.data = value
	n.popperTid.Store(noPopper)
	newShared := owned.IntoShared()

	for {
		tail := q.tail.Load()
		tailNode := tail.Deref(q.arena, 0)
		next := tailNode.next.Load()

		if next.IsNull() {
			if _, ok := tailNode.next.CompareExchange(next, newShared); ok {
				_ = persist.Obj(q.flusher, uintptr(unsafe.Pointer(&tailNode.next)), 8)
				q.tail.CompareExchange(tail, newShared)
				return nil
			}
		} else {
			// Help a lagging enqueuer finish swinging the tail.
			q.tail.CompareExchange(tail, next)
		}
	}
}

// Dequeue removes and returns the oldest value, or ErrEmpty.
//
// Detectability is provided by dcas: the CAS advancing head is a
// DetectableCAS, so a thread that crashes between winning that CAS and
// returning its result can, on restart, recover the same outcome rather
// than risking a second, duplicate dequeue of the same value.
func (q *Queue[T]) Dequeue(h *handle.Handle) (T, error) {
	var zero T
	for {
		head := q.head.Load()
		headNode := head.Deref(q.arena, 0)
		tail := q.tail.Load()
		next := headNode.next.Load()

		if head.Ref() == q.head.Load().Ref() {
			if head.Ref() == tail.Ref() {
				if next.IsNull() {
					return zero, ErrEmpty
				}
				// Tail has fallen behind; help swing it.
				q.tail.CompareExchange(tail, next)
				continue
			}

			nextNode := next.Deref(q.arena, 0)
			value := nextNode.data

			tagged, ok, _ := dcas.Try(q.dstate, &q.head, head, next, h.TID, false, q.flusher)
			if ok {
				// A leftover aux tag on q.head would make a future
				// head==tail comparison (or, once head is empty,
				// IsNull) spuriously false - see dcas.ClearAux.
				dcas.ClearAux(&q.head, tagged, next, q.flusher)
				nextNode.popperTid.Store(int64(h.TID))
				// headNode (the old dummy) is now unreachable from any live
				// path; its reclamation is deferred until every thread that
				// might still hold a pointer to it has unpinned. Actually
				// freeing the bytes back to the arena is the allocator
				// binding's job (see pool.FileBackedAllocator.FreeSized);
				// this reference arena leaks unlinked nodes rather than
				// risk a use-after-free from an unsized Free call.
				h.Guard.DeferDestroy(func() { _ = headNode })
				return value, nil
			}
		}
	}
}

// Len is an O(n) debug helper, not part of the concurrent contract.
func (q *Queue[T]) Len() int {
	n := 0
	cur := q.head.Load()
	for {
		node := cur.Deref(q.arena, 0)
		next := node.next.Load()
		if next.IsNull() {
			return n
		}
		n++
		cur = next
	}
}
