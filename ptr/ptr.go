// Package ptr implements the pool-relative pointer primitives described in
// spec.md §3.1 and §4.1: PAtomic/PShared/POwned store 64-bit pool offsets
// (not absolute addresses) so that pointer graphs survive the pool being
// remapped at a different virtual address on a later run.
//
// Grounded on original_source/src/pepoch/atomic.rs (PAtomic/POwned/PShared)
// and original_source/src/pmem/ptr.rs (the offset-based PPtr).
package ptr

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// HighTagBits is the width of the high tag reserved at the top of every
	// Ref, per spec.md §3.5's 2-byte hash fingerprint.
	HighTagBits  = 16
	highTagShift = 64 - HighTagBits
	highTagMask  = uint64(1)<<HighTagBits - 1

	// OffsetMask covers the bits available for offset + low tag.
	OffsetMask = (uint64(1) << highTagShift) - 1
)

// Ref is a raw pool-relative pointer word: the top HighTagBits bits carry the
// high tag, the remaining bits carry the offset with its low tag folded into
// the offset's naturally-unused low bits (per the pointee's alignment).
//
// A Ref of zero is null, matching spec.md §3.1's "a pointer value of zero
// denotes null".
type Ref uint64

// NullRef returns the null Ref.
func NullRef() Ref { return 0 }

// IsNull reports whether r is the null pointer. The low 6 bits of the word
// (where low tags live) are ignored, but the high tag is not: a Ref with a
// zero offset and a non-zero high tag is not null. Callers that need to
// ignore the high tag as well should compare r.Untag(bits) == NullRef().
func (r Ref) IsNull() bool {
	return uint64(r)&OffsetMask&^0x3f == 0 && r.HighTag() == 0
}

// WithTag returns a copy of r with its low lowTagBits bits set to tag,
// within the offset portion of the word. The pointee's alignment must be at
// least 1<<lowTagBits for this to not corrupt the offset.
func (r Ref) WithTag(lowTagBits uint, tag uint64) Ref {
	mask := uint64(1)<<lowTagBits - 1
	cleared := uint64(r)&^mask | (uint64(r) & ^OffsetMask)
	return Ref(cleared | (tag & mask))
}

// Tag extracts the low-tag value stored in r's bottom lowTagBits bits.
func (r Ref) Tag(lowTagBits uint) uint64 {
	mask := uint64(1)<<lowTagBits - 1
	return uint64(r) & mask
}

// WithHighTag returns a copy of r with its high tag set to tag.
func (r Ref) WithHighTag(tag uint16) Ref {
	cleared := uint64(r) &^ (highTagMask << highTagShift)
	return Ref(cleared | uint64(tag)<<highTagShift)
}

// HighTag extracts the 16-bit high tag (spec.md §3.5's fingerprint).
func (r Ref) HighTag() uint16 {
	return uint16(uint64(r) >> highTagShift)
}

// Untag strips both the low tag (given the pointee's low-tag bit width) and
// the high tag, returning the canonical offset. This is the operation the
// data-model invariant in spec.md §4.1 is phrased in terms of:
// p.WithTag(x).WithHighTag(y).Untag(n) == p.Untag(n).
func (r Ref) Untag(lowTagBits uint) Ref {
	mask := uint64(1)<<lowTagBits - 1
	offset := uint64(r) & OffsetMask &^ mask
	return Ref(offset)
}

// Offset returns the pool-relative byte offset with all tags removed, for
// use as an index/arithmetic value (e.g. pool.Start()+Offset()).
func (r Ref) Offset(lowTagBits uint) uint64 {
	return uint64(r.Untag(lowTagBits))
}

// Resolver maps a Ref's offset to an absolute address. pool.Pool implements
// this; tests may use a bare byte slice via SliceResolver.
type Resolver interface {
	// Start returns the absolute address the pool is currently mapped at.
	Start() uintptr
}

// Arena is the minimal allocator surface node-based data structures
// (queue, stack, clevel) need to place a new T directly inside the pool.
// pool.Pool satisfies this structurally.
type Arena interface {
	Resolver
	Alloc(size uint64) (offset uint64, err error)
}

// AllocOwned reserves space for one T inside a, zeroes it, and returns both
// a not-yet-published POwned handle (for installing into a PAtomic once
// initialization is complete) and a live *T for writing its fields
// in-place - the same "allocate, populate, then publish" sequence every
// node-based structure in this module follows.
func AllocOwned[T any](a Arena) (POwned[T], *T, error) {
	var zero T
	size := uint64(unsafe.Sizeof(zero))
	off, err := a.Alloc(size)
	if err != nil {
		return POwned[T]{}, nil, err
	}
	addr := a.Start() + uintptr(off)
	obj := (*T)(unsafe.Pointer(addr)) //nolint:govet
	*obj = zero
	return OwnedFromRef[T](Ref(off)), obj, nil
}

// PAtomic is an atomically-updated pool-relative pointer to a T.
//
// All operations are sequentially consistent: Go's atomic package exposes
// no weaker orderings, so PAtomic is unconditionally at least as strong as
// spec.md §5's acquire/release/AcqRel requirements.
type PAtomic[T any] struct {
	word atomic.Uint64
}

// NewPAtomic creates a PAtomic initialized to the given shared value.
func NewPAtomic[T any](init PShared[T]) *PAtomic[T] {
	p := &PAtomic[T]{}
	p.word.Store(uint64(init.ref))
	return p
}

// Load returns the currently stored pointer.
func (p *PAtomic[T]) Load() PShared[T] {
	return PShared[T]{ref: Ref(p.word.Load())}
}

// Store unconditionally replaces the stored pointer.
func (p *PAtomic[T]) Store(new PShared[T]) {
	p.word.Store(uint64(new.ref))
}

// Swap atomically replaces the stored pointer, returning the previous value.
func (p *PAtomic[T]) Swap(new PShared[T]) PShared[T] {
	return PShared[T]{ref: Ref(p.word.Swap(uint64(new.ref)))}
}

// CompareExchange performs a CAS of the stored pointer. On failure it
// returns the observed current value together with ok=false.
func (p *PAtomic[T]) CompareExchange(old, new PShared[T]) (current PShared[T], ok bool) {
	if p.word.CompareAndSwap(uint64(old.ref), uint64(new.ref)) {
		return new, true
	}
	return PShared[T]{ref: Ref(p.word.Load())}, false
}

// Raw returns the underlying word, for components (DetectableCAS) that need
// to fold extra bits (parity, tid) into the same atomic word.
func (p *PAtomic[T]) Raw() *atomic.Uint64 { return &p.word }

// PShared is a non-owning, epoch-protected reference to a T. It is a plain
// value: Go has no borrow checker, so the "valid only while a guard pinning
// this epoch is held" contract from spec.md §4.2/Glossary is a documented
// caller obligation, exactly as the teacher's ChunkedIngress documents its
// own thread-confinement contract in prose rather than in the type system.
type PShared[T any] struct {
	ref Ref
}

// SharedFromRef wraps a raw Ref as a PShared, for components that store
// bare Refs (e.g. a slot's moved-tag bit) and need to reinterpret them.
func SharedFromRef[T any](r Ref) PShared[T] { return PShared[T]{ref: r} }

// Null returns the null PShared[T].
func Null[T any]() PShared[T] { return PShared[T]{} }

// IsNull reports whether the reference is null (low tag ignored, high tag
// must be zero; see Ref.IsNull).
func (s PShared[T]) IsNull() bool { return s.ref.IsNull() }

// Ref returns the raw tagged pointer word.
func (s PShared[T]) Ref() Ref { return s.ref }

// WithTag returns a copy tagged with the given low-tag value.
func (s PShared[T]) WithTag(lowTagBits uint, tag uint64) PShared[T] {
	return PShared[T]{ref: s.ref.WithTag(lowTagBits, tag)}
}

// Tag returns the low-tag value.
func (s PShared[T]) Tag(lowTagBits uint) uint64 { return s.ref.Tag(lowTagBits) }

// WithHighTag returns a copy tagged with the given high-tag (fingerprint).
func (s PShared[T]) WithHighTag(tag uint16) PShared[T] {
	return PShared[T]{ref: s.ref.WithHighTag(tag)}
}

// HighTag returns the 16-bit fingerprint tag.
func (s PShared[T]) HighTag() uint16 { return s.ref.HighTag() }

// Deref returns a pointer to the underlying T, given a Resolver.
//
// Dereferencing a non-null Ref outside the pool's valid range is undefined
// behavior (spec.md §4.1). Deref does not check the range; pool.Pool.Valid
// is a separate range check.
func (s PShared[T]) Deref(r Resolver, lowTagBits uint) *T {
	if s.IsNull() {
		panic("ptr: deref of null PShared")
	}
	addr := r.Start() + uintptr(s.ref.Offset(lowTagBits))
	return (*T)(unsafe.Pointer(addr)) //nolint:govet
}

func (s PShared[T]) String() string {
	return fmt.Sprintf("PShared(ref=%#x)", uint64(s.ref))
}

// POwned is a uniquely-owned, not-yet-shared pool allocation. It is produced
// by an allocator (pool.Pool.Alloc) and must be converted to a PShared via
// IntoShared before being published into any PAtomic, exactly mirroring
// POwned::into_shared in original_source/src/pepoch/atomic.rs.
type POwned[T any] struct {
	ref      Ref
	consumed bool
}

// OwnedFromRef wraps a freshly allocated, exclusively-owned Ref.
func OwnedFromRef[T any](r Ref) POwned[T] { return POwned[T]{ref: r} }

// IntoShared releases exclusive ownership, returning a PShared usable within
// the current epoch. Calling IntoShared twice on the same POwned value
// panics: ownership transfer is one-shot, matching the Rust source's move
// semantics, enforced here at runtime since Go has no linear types. The
// consumed flag is part of the value, so a copy taken before the first
// call carries its own flag and is not caught.
func (o *POwned[T]) IntoShared() PShared[T] {
	if o.consumed {
		panic("ptr: POwned already converted to PShared")
	}
	o.consumed = true
	return PShared[T]{ref: o.ref}
}

// Ref returns the raw, not-yet-shared pointer word without consuming
// ownership; used by allocators that need to record the address before
// publishing it (e.g. writing it into a memento checkpoint first).
func (o POwned[T]) Ref() Ref { return o.ref }
