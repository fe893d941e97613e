// Package stack implements a detectable, crash-recoverable Treiber stack:
// spec.md §9's second "minor reapplication" of the pointer/epoch/
// DetectableCAS substrate, needed to exercise the S4 testable-property
// scenario (spec.md §8).
//
// Grounded on original_source/src/treiber_stack.rs's Node shape (a
// "pushed" flag recording whether a node ever made it onto the stack, and
// a "popper" field identifying which thread claimed it) and its
// before_cas step (write next, persist, then race the CAS) for Push;
// Pop is the textbook Treiber CAS-top-to-top's-next, made detectable by
// routing it through dcas.Try exactly as queue's Dequeue does.
//
// Both Push and Pop call dcas.ClearAux after a winning Try: ptr.Ref.IsNull
// checks the high tag too, so an uncleared aux tag on s.top left over
// from popping the last node would make every later IsNull check on an
// empty stack come back false.
package stack

import (
	"sync/atomic"
	"unsafe"

	"github.com/joeycumines/go-memento/dcas"
	"github.com/joeycumines/go-memento/epoch"
	"github.com/joeycumines/go-memento/handle"
	"github.com/joeycumines/go-memento/persist"
	"github.com/joeycumines/go-memento/ptr"
	"github.com/joeycumines/logiface"
)

const noPopper = -1

type node[T any] struct {
	data      T
	next      ptr.PAtomic[node[T]]
	pushed    atomic.Bool
	popperTid atomic.Int64
}

// Stack is a detectable LIFO stack over nodes allocated from a ptr.Arena
// (normally a *pool.Pool).
type Stack[T any] struct {
	top     ptr.PAtomic[node[T]]
	arena   ptr.Arena
	dstate  *dcas.State
	flusher persist.Flusher
	log     *logiface.Logger[logiface.Event]
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

// New creates an empty stack. Unlike queue, there's no sentinel node: an
// empty stack's top is simply null.
func New[T any](arena ptr.Arena, dstate *dcas.State, opts ...Option) *Stack[T] {
	cfg := resolveOptions(opts)
	return &Stack[T]{
		arena:   arena,
		dstate:  dstate,
		flusher: cfg.flusher,
		log:     cfg.logger,
	}
}

// Push places value on top of the stack.
//
// The CAS swinging top is a DetectableCAS, so the win is tagged with this
// tid and recorded in the dcas ledger. Push has no recovery path of its
// own: it does not call dcas.Recover, and a re-run after a crash pushes
// the value again.
func (s *Stack[T]) Push(h *handle.Handle, value T) error {
	owned, n, err := ptr.AllocOwned[node[T]](s.arena)
	if err != nil {
		return err
	}
	n.data = value
	n.pushed.Store(false)
	n.popperTid.Store(noPopper)
	newShared := owned.IntoShared()

	for {
		oldTop := s.top.Load()
		n.next.Store(oldTop)
		_ = persist.Obj(s.flusher, uintptr(unsafe.Pointer(&n.next)), 8)

		tagged, ok, _ := dcas.Try(s.dstate, &s.top, oldTop, newShared, h.TID, false, s.flusher)
		if ok {
			// An uncleared aux tag here would stick around on s.top
			// forever and, once this node is eventually popped back
			// to null, make IsNull() see a tagged-but-zero-offset
			// word as non-null - see dcas.ClearAux.
			dcas.ClearAux(&s.top, tagged, newShared, s.flusher)
			n.pushed.Store(true)
			_ = persist.Obj(s.flusher, uintptr(unsafe.Pointer(&n.pushed)), 1)
			return nil
		}
	}
}

// Pop removes and returns the top value, or ok=false if the stack is empty.
func (s *Stack[T]) Pop(h *handle.Handle) (value T, ok bool, err error) {
	var zero T
	for {
		top := s.top.Load()
		if top.IsNull() {
			return zero, false, nil
		}
		topNode := top.Deref(s.arena, 0)
		next := topNode.next.Load()

		tagged, casOK, _ := dcas.Try(s.dstate, &s.top, top, next, h.TID, false, s.flusher)
		if casOK {
			dcas.ClearAux(&s.top, tagged, next, s.flusher)
			topNode.popperTid.Store(int64(h.TID))
			v := topNode.data
			// The unlinked node is unreachable from top; as with queue,
			// actually freeing its bytes is the allocator binding's job -
			// see pool.FileBackedAllocator.FreeSized - so this reference
			// arena leaks rather than risking an unsized free.
			h.Guard.DeferDestroy(func() { _ = topNode })
			return v, true, nil
		}
	}
}

// Len is an O(n) debug helper, not part of the concurrent contract.
func (s *Stack[T]) Len() int {
	n := 0
	cur := s.top.Load()
	for !cur.IsNull() {
		n++
		node := cur.Deref(s.arena, 0)
		cur = node.next.Load()
	}
	return n
}
