// Package pool implements the PersistentPool component of spec.md §2/§6: a
// fixed-layout, memory-mapped file owning a root table and delegating
// allocation to an Allocator.
//
// spec.md explicitly places the production persistent allocator out of
// scope ("allocator bindings" — a real PMDK/NVM binding is an external
// collaborator). This package defines the Allocator contract such a binding
// would satisfy, and ships one reference implementation
// (FileBackedAllocator) good enough to exercise and test the rest of this
// module against; it is not a production-grade PMEM allocator (see
// DESIGN.md).
//
// Grounded on original_source/src/pmem/pool.rs (header/root-table/heap
// layout) and original_source/src/pmem/alloc/ralloc.rs (the shape of a
// simple free-list allocator).
package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/joeycumines/logiface"
)

const (
	// Magic identifies this module's pool file format.
	Magic = uint64(0x504d454d454e544f) // "PMEMENTO" in ascii, packed

	// FormatVersion is refused to open if it doesn't match.
	FormatVersion = uint32(1)

	// HeaderSize is the reserved size of the pool header, per spec.md §6.
	HeaderSize = 4096

	// RootTableSize is the reserved size of the root table, per spec.md §6.
	RootTableSize = 4096

	// HeapOffset is where allocator-managed heap storage begins.
	HeapOffset = HeaderSize + RootTableSize

	// MaxRoots bounds how many typed roots the root table can hold.
	MaxRoots = RootTableSize / 16 // each entry is 16 bytes; only the first 8 (the offset) are written
)

// Errors returned by pool open/allocation operations. Per spec.md §7,
// corruption/file-mismatch on open is fatal — callers are expected to abort
// the process rather than retry.
var (
	ErrBadMagic      = errors.New("pool: bad magic, not a go-memento pool file")
	ErrBadVersion    = errors.New("pool: incompatible format version")
	ErrRemapMismatch = errors.New("pool: reopened file mapped at a different address than recorded")
	ErrRootOutOfRange = errors.New("pool: root index out of range")
	ErrOutOfMemory   = errors.New("pool: allocator exhausted pool heap")
)

// FilterFunc traces a live object's outgoing pointers during mark-and-sweep
// recovery, replacing virtual dispatch (spec.md §6's "filter_fn_id",
// §9's "Dynamic dispatch replacement"). ctx is allocator/GC-specific state.
type FilterFunc func(ptr uint64, tid int, ctx any)

// Allocator is the external collaborator contract from spec.md §6. A real
// deployment supplies a binding to a production PMEM allocator; this
// package's FileBackedAllocator is a reference implementation for tests.
type Allocator interface {
	// Open maps path into memory, sizing it to size if newly created.
	// isReopen reports whether an existing, previously-initialized pool was
	// reopened (vs. freshly created).
	Open(path string, size uint64) (isReopen bool, err error)

	// MappedAddr returns the absolute address the pool is mapped at.
	MappedAddr() uintptr

	// Alloc reserves layout bytes of heap space, returning its pool-relative
	// offset. Allocation failure is fatal per spec.md §7.
	Alloc(size uint64) (offset uint64, err error)

	// Free releases a previously allocated offset.
	Free(offset uint64)

	// SetRoot/GetRoot manage the typed root table.
	SetRoot(offset uint64, idx int) error
	GetRoot(idx int) (uint64, error)

	// SetRootFilter registers the GC tracer for a given root slot.
	SetRootFilter(filter FilterFunc, idx int)

	// Recover runs mark-and-sweep if the previous close was unclean,
	// returning whether GC actually ran.
	Recover() (ran bool, err error)

	// Close unmaps and closes the backing file.
	Close() error
}

// Pool is the typed front-end over an Allocator: it is what the rest of
// this module (ptr.Resolver, epoch, clevel, ...) actually holds a reference
// to.
type Pool struct {
	mu    sync.RWMutex
	alloc Allocator
	size  uint64
	log   *logiface.Logger[logiface.Event]
}

// Option configures Open.
type Option func(*poolOptions)

type poolOptions struct {
	logger *logiface.Logger[logiface.Event]
}

// WithLogger attaches a structured logger, following this module's
// teacher-derived functional-options convention (see eventloop/options.go).
func WithLogger(l *logiface.Logger[logiface.Event]) Option {
	return func(o *poolOptions) { o.logger = l }
}

func resolveOptions(opts []Option) *poolOptions {
	cfg := &poolOptions{}
	for _, o := range opts {
		if o != nil {
			o(cfg)
		}
	}
	return cfg
}

// Open opens or creates a pool file backed by the given Allocator
// implementation, returning a Pool and whether the underlying file was
// reopened (vs. freshly created).
func Open(alloc Allocator, path string, size uint64, opts ...Option) (*Pool, bool, error) {
	cfg := resolveOptions(opts)

	isReopen, err := alloc.Open(path, size)
	if err != nil {
		return nil, false, fmt.Errorf("pool: open %q: %w", path, err)
	}

	p := &Pool{
		alloc: alloc,
		size:  size,
		log:   cfg.logger,
	}

	if p.log != nil {
		p.log.Info().Str("path", path).Uint64("size", size).Bool("reopen", isReopen).Log("pool opened")
	}

	return p, isReopen, nil
}

// Start implements ptr.Resolver.
func (p *Pool) Start() uintptr {
	return p.alloc.MappedAddr()
}

// Size returns the pool's fixed virtual-range size.
func (p *Pool) Size() uint64 {
	return p.size
}

// Valid reports whether offset could address a live byte within this pool,
// per spec.md §3.1's validity invariant (null, or in-range and allocated).
// This is the "debug build" bounds check spec.md §4.1 assigns to the pool.
func (p *Pool) Valid(offset uint64) bool {
	return offset == 0 || offset < p.size
}

// Alloc delegates to the underlying Allocator.
func (p *Pool) Alloc(size uint64) (uint64, error) {
	off, err := p.alloc.Alloc(size)
	if err != nil {
		return 0, fmt.Errorf("pool: alloc %d bytes: %w", size, err)
	}
	return off, nil
}

// Free delegates to the underlying Allocator.
func (p *Pool) Free(offset uint64) {
	p.alloc.Free(offset)
}

// SetRoot records a typed root's offset at idx, together with the GC filter
// used to trace it (spec.md §6).
func (p *Pool) SetRoot(idx int, offset uint64, filter FilterFunc) error {
	if idx < 0 || idx >= MaxRoots {
		return ErrRootOutOfRange
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.alloc.SetRoot(offset, idx); err != nil {
		return err
	}
	p.alloc.SetRootFilter(filter, idx)
	return nil
}

// GetRoot returns the offset previously recorded at idx.
func (p *Pool) GetRoot(idx int) (uint64, error) {
	if idx < 0 || idx >= MaxRoots {
		return 0, ErrRootOutOfRange
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.alloc.GetRoot(idx)
}

// Recover triggers the allocator's mark-and-sweep pass if the pool was not
// closed cleanly, per spec.md §6's Recover contract.
func (p *Pool) Recover() (bool, error) {
	ran, err := p.alloc.Recover()
	if p.log != nil {
		p.log.Info().Bool("ran", ran).Log("pool recovery check")
	}
	return ran, err
}

// Close releases the pool's backing file.
func (p *Pool) Close() error {
	return p.alloc.Close()
}

func putU64(b []byte, off int, v uint64) { binary.LittleEndian.PutUint64(b[off:off+8], v) }
func getU64(b []byte, off int) uint64    { return binary.LittleEndian.Uint64(b[off : off+8]) }
func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func getU32(b []byte, off int) uint32    { return binary.LittleEndian.Uint32(b[off : off+4]) }
