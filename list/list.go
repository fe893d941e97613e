// Package list implements a detectable, crash-recoverable sorted
// singly-linked list using Harris's lazy-mark-then-unlink scheme: spec.md
// §1's "queues, stacks, hash tables, lists" and §6's "insert, delete,
// search/lookup for hash and list" name this as one of the library's
// fundamental data structures, alongside clevel's hash table.
//
// Grounded on original_source/src/ds/list.rs: a node is logically deleted
// by tagging its own next pointer (bit 0, mirroring clevel's "moved"
// low-tag-bit-1 convention - see clevel's package doc), and any traversal
// that walks past one or more logically-deleted nodes opportunistically
// unlinks the whole run with a single CAS on the preceding live node's
// next pointer, exactly as list.rs's harris() does. Unlike list.rs's
// soft_list.rs sibling (an unfinished exploration stubbed out with
// todo!() throughout, never reaching a working insert/delete), list.rs is
// a complete implementation built on the same DetectableCAS/Checkpoint
// substrate queue and stack already adapt, so it's the one this package
// follows.
package list

import (
	"errors"
	"unsafe"

	"github.com/joeycumines/go-memento/dcas"
	"github.com/joeycumines/go-memento/handle"
	"github.com/joeycumines/go-memento/persist"
	"github.com/joeycumines/go-memento/ptr"
	"github.com/joeycumines/logiface"
)

// ErrKeyExists is returned by Insert when key is already present.
var ErrKeyExists = errors.New("list: key already exists")

// ErrKeyNotFound is returned by Delete when key is absent.
var ErrKeyNotFound = errors.New("list: key not found")

// markBit is the low tag width list.rs's harris() reserves on next: a
// single bit, set to mark a node as logically (not yet physically)
// deleted. Matches clevel's WithTag(1, ...) convention for the same
// reason - one CAS-width bit is all the unlink protocol needs - and, like
// clevel's "moved" bit, living in the low tag rather than the high tag
// means it never collides with IsNull's high-tag check (see dcas's
// package doc for why that distinction matters).
const markBit = 1

type node[K any, V any] struct {
	key   K
	value V
	next  ptr.PAtomic[node[K, V]]
}

// CompareFunc orders keys, analogous to clevel.HashFunc: a caller-supplied
// function rather than requiring K implement an interface, so list stays
// usable with plain comparable types (ints, strings) without forcing them
// to grow methods.
type CompareFunc[K any] func(a, b K) int

// List is a detectable sorted singly-linked list over nodes allocated from
// a ptr.Arena (normally a *pool.Pool), keyed by K and ordered by cmp.
type List[K any, V any] struct {
	head    ptr.PAtomic[node[K, V]]
	arena   ptr.Arena
	dstate  *dcas.State
	cmp     CompareFunc[K]
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

// New creates an empty list ordered by cmp. Unlike queue, there's no
// sentinel node: an empty list's head is simply null, matching list.rs's
// own head field (a bare DetectableCASAtomic<Node<K,V>>, no dummy head
// node allocated up front).
func New[K any, V any](arena ptr.Arena, dstate *dcas.State, cmp CompareFunc[K], opts ...Option) *List[K, V] {
	cfg := resolveOptions(opts)
	return &List[K, V]{
		arena:   arena,
		dstate:  dstate,
		cmp:     cmp,
		flusher: cfg.flusher,
		log:     cfg.logger,
	}
}

// clean strips markBit from a pointer about to be stored as some node's
// (or head's) next value: only the owning node's own next field should
// ever carry the mark, never a pointer reached by following one.
func clean[K any, V any](s ptr.PShared[node[K, V]]) ptr.PShared[node[K, V]] {
	return ptr.SharedFromRef[node[K, V]](s.Ref().Untag(markBit))
}

// window is the result of a harris traversal: the live predecessor's next
// pointer (l.head itself at the head of the list) and curr, the first
// live node whose key is >= the search key (null at the end of the
// list).
type window[K any, V any] struct {
	prevNext *ptr.PAtomic[node[K, V]]
	curr     ptr.PShared[node[K, V]]
}

// harris walks the list looking for key, per list.rs's harris(): nodes
// whose next is mark-tagged are logically deleted and are skipped (not
// treated as live data) while the scan continues through them; once the
// scan reaches a live node whose key is >= key (or the end of the list),
// if one or more marked nodes were skipped over, a single CAS unlinks
// that entire run from prevNext straight to curr, and every unlinked node
// is deferred for reclamation. A lost cleanup CAS (another thread already
// moved prevNext) is not an error: the caller just retries harris from
// scratch, exactly as list.rs's find() loops until harris returns Ok.
func (l *List[K, V]) harris(h *handle.Handle, key K) (window[K, V], bool) {
	prevNext := &l.head
	curr := l.head.Load()
	firstSkipped := ptr.Null[node[K, V]]()
	haveSkipped := false

	for {
		if curr.IsNull() {
			break
		}
		currNode := curr.Deref(l.arena, markBit)
		next := currNode.next.Load()

		if next.Tag(markBit) != 0 {
			if !haveSkipped {
				firstSkipped = curr
				haveSkipped = true
			}
			curr = next
			continue
		}

		if l.cmp(currNode.key, key) >= 0 {
			break
		}

		prevNext = &currNode.next
		curr = next
		haveSkipped = false
	}

	if !haveSkipped {
		return window[K, V]{prevNext: prevNext, curr: curr}, true
	}

	replacement := clean[K, V](curr)
	tagged, ok, _ := dcas.Try(l.dstate, prevNext, firstSkipped, replacement, h.TID, false, l.flusher)
	if !ok {
		return window[K, V]{}, false
	}
	dcas.ClearAux(prevNext, tagged, replacement, l.flusher)

	l.deferUnlinkedRun(h, firstSkipped, curr)
	// replacement, not the raw (possibly still mark-tagged) curr: the
	// cleanup CAS just installed replacement as prevNext's live value, so
	// any caller that turns around and CASes prevNext again must use the
	// same bits as its "expected", or Try's Ref() comparison spuriously
	// mismatches against what's now actually stored.
	return window[K, V]{prevNext: prevNext, curr: replacement}, true
}

// deferUnlinkedRun reclaims every node between start (inclusive) and end
// (exclusive) once it's safe to - list.rs destroys the whole marked run
// in one pass after a successful cleanup CAS, rather than one node at a
// time during the scan itself.
func (l *List[K, V]) deferUnlinkedRun(h *handle.Handle, start, end ptr.PShared[node[K, V]]) {
	cur := clean[K, V](start)
	endRef := clean[K, V](end).Ref()
	for cur.Ref() != endRef && !cur.IsNull() {
		n := cur.Deref(l.arena, markBit)
		next := n.next.Load()
		h.Guard.DeferDestroy(func() { _ = n })
		cur = clean[K, V](next)
	}
}

// find retries harris until it succeeds, per list.rs's find().
func (l *List[K, V]) find(h *handle.Handle, key K) window[K, V] {
	for {
		if w, ok := l.harris(h, key); ok {
			return w
		}
	}
}

// Search looks up key, returning its value and true if present. Read-only
// traversal needs no handle: list.rs's lookup() is likewise a plain
// harris() walk with no CAS in the common case of an already-clean list.
func (l *List[K, V]) Search(key K) (V, bool) {
	var zero V
	curr := l.head.Load()
	for !curr.IsNull() {
		n := curr.Deref(l.arena, markBit)
		next := n.next.Load()
		if next.Tag(markBit) == 0 {
			switch c := l.cmp(n.key, key); {
			case c == 0:
				return n.value, true
			case c > 0:
				return zero, false
			}
		}
		curr = next
	}
	return zero, false
}

// Insert adds key/value in sorted position, returning ErrKeyExists if key
// is already present.
func (l *List[K, V]) Insert(h *handle.Handle, key K, value V) error {
	owned, n, err := ptr.AllocOwned[node[K, V]](l.arena)
	if err != nil {
		return err
	}
	n.key = key
	n.value = value
	newShared := owned.IntoShared()

	for {
		w := l.find(h, key)
		if !w.curr.IsNull() {
			currNode := w.curr.Deref(l.arena, markBit)
			if l.cmp(currNode.key, key) == 0 {
				h.Guard.DeferDestroy(func() { _ = n })
				return ErrKeyExists
			}
		}

		n.next.Store(clean[K, V](w.curr))
		_ = persist.Obj(l.flusher, uintptr(unsafe.Pointer(&n.next)), 8)

		tagged, ok, _ := dcas.Try(l.dstate, w.prevNext, w.curr, newShared, h.TID, false, l.flusher)
		if ok {
			dcas.ClearAux(w.prevNext, tagged, newShared, l.flusher)
			return nil
		}
	}
}

// Delete removes key, returning ErrKeyNotFound if absent.
//
// Deletion is two steps, per list.rs's try_delete: a DetectableCAS marks
// the node's own next pointer (logical delete, the linearization point),
// then a best-effort CAS on the predecessor tries to physically unlink it
// immediately. That second CAS racing and losing is not a failure of
// Delete - the node is already logically gone from every future Search,
// and the next traversal to pass this way will finish the physical
// unlink via harris's own cleanup, exactly as list.rs leaves it.
func (l *List[K, V]) Delete(h *handle.Handle, key K) error {
	for {
		w := l.find(h, key)
		if w.curr.IsNull() {
			return ErrKeyNotFound
		}
		currNode := w.curr.Deref(l.arena, markBit)
		if l.cmp(currNode.key, key) != 0 {
			return ErrKeyNotFound
		}

		next := currNode.next.Load()
		if next.Tag(markBit) != 0 {
			// Another thread already logically deleted this node;
			// restart the search for a fresh window.
			continue
		}
		marked := next.WithTag(markBit, 1)

		tagged, ok, _ := dcas.Try(l.dstate, &currNode.next, next, marked, h.TID, false, l.flusher)
		if !ok {
			continue
		}
		dcas.ClearAux(&currNode.next, tagged, marked, l.flusher)

		// Best-effort physical unlink; a loss here just defers cleanup
		// to the next traversal's harris() pass.
		replacement := clean[K, V](next)
		if unlinkTagged, unlinkOK, _ := dcas.Try(l.dstate, w.prevNext, w.curr, replacement, h.TID, false, l.flusher); unlinkOK {
			dcas.ClearAux(w.prevNext, unlinkTagged, replacement, l.flusher)
			h.Guard.DeferDestroy(func() { _ = currNode })
		}
		return nil
	}
}

// Len is an O(n) debug helper, not part of the concurrent contract.
func (l *List[K, V]) Len() int {
	n := 0
	cur := l.head.Load()
	for !cur.IsNull() {
		currNode := cur.Deref(l.arena, markBit)
		next := currNode.next.Load()
		if next.Tag(markBit) == 0 {
			n++
		}
		cur = next
	}
	return n
}
