package pool

import (
	"fmt"
	"sync"
)

// header field byte offsets within the reserved HeaderSize region.
const (
	hdrMagic       = 0
	hdrVersion     = 8
	hdrRootCount   = 12
	hdrPoolSize    = 16
	hdrHeapCursor  = 24
	hdrCleanShut   = 32
	hdrReservedEnd = 40
)

// freeBlock is an in-memory record of a freed allocation, keyed by exact
// size. This is deliberately simple (no coalescing, no persistence across
// restarts): FileBackedAllocator is a reference/test allocator, not the
// production PMEM allocator spec.md treats as an external collaborator.
type freeBlock struct {
	offset uint64
}

// FileBackedAllocator is a reference implementation of the Allocator
// contract (spec.md §6), backed by a real memory-mapped file via
// golang.org/x/sys (see pool_unix.go / pool_windows.go). It uses a
// bump-pointer heap with an in-memory same-size free list, grounded on the
// shape of original_source/src/pmem/alloc/ralloc.rs's simple allocator.
type FileBackedAllocator struct {
	mu sync.Mutex

	mf   mappedFile
	size uint64

	// freeLists buckets freed offsets by size for exact-fit reuse.
	freeLists map[uint64][]freeBlock

	// filters is the in-memory id-to-tracer map (spec.md §9 "Dynamic
	// dispatch replacement"): Go function values cannot be persisted, so
	// this is rebuilt by each process via SetRootFilter before Recover runs.
	filters map[int]FilterFunc
}

// NewFileBackedAllocator constructs an unopened allocator.
func NewFileBackedAllocator() *FileBackedAllocator {
	return &FileBackedAllocator{
		freeLists: make(map[uint64][]freeBlock),
		filters:   make(map[int]FilterFunc),
	}
}

func (a *FileBackedAllocator) Open(path string, size uint64) (bool, error) {
	mf, isReopen, err := openMappedFile(path, size)
	if err != nil {
		return false, err
	}
	a.mf = mf
	a.size = size
	b := mf.bytes()

	if isReopen {
		if getU64(b, hdrMagic) != Magic {
			return false, ErrBadMagic
		}
		if getU32(b, hdrVersion) != FormatVersion {
			return false, ErrBadVersion
		}
		if getU64(b, hdrPoolSize) != size {
			return false, fmt.Errorf("pool: size mismatch: file has %d, requested %d", getU64(b, hdrPoolSize), size)
		}
		// Clean-shutdown flag is inspected by Recover, not here: spec.md §6
		// splits "open" from "recover" into two steps.
		return true, nil
	}

	putU64(b, hdrMagic, Magic)
	putU32(b, hdrVersion, FormatVersion)
	putU32(b, hdrRootCount, 0)
	putU64(b, hdrPoolSize, size)
	putU64(b, hdrHeapCursor, HeapOffset)
	putU64(b, hdrCleanShut, 1)
	if err := mf.msync(0, HeaderSize); err != nil {
		return false, err
	}
	return false, nil
}

func (a *FileBackedAllocator) MappedAddr() uintptr {
	return a.mf.addr()
}

func (a *FileBackedAllocator) Alloc(size uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	// round up to 8-byte alignment so low tag bits (up to 3) are always free.
	size = (size + 7) &^ 7

	a.mu.Lock()
	defer a.mu.Unlock()

	if blocks := a.freeLists[size]; len(blocks) > 0 {
		blk := blocks[len(blocks)-1]
		a.freeLists[size] = blocks[:len(blocks)-1]
		return blk.offset, nil
	}

	b := a.mf.bytes()
	cursor := getU64(b, hdrHeapCursor)
	if cursor+size > a.size {
		return 0, ErrOutOfMemory
	}
	putU64(b, hdrHeapCursor, cursor+size)
	return cursor, nil
}

func (a *FileBackedAllocator) Free(offset uint64) {
	// Size-class is unknown without a side table; callers of this reference
	// allocator that need reuse should Free via the exact-size variant on
	// the typed wrapper (pool.Pool doesn't expose one - data structures in
	// this module defer_destroy nodes of a single known size per type, so
	// this limitation doesn't block any SPEC_FULL.md component). Free
	// therefore records nothing: every freed offset is dropped (leaked)
	// rather than risking corruption of the free list.
	a.mu.Lock()
	defer a.mu.Unlock()
	_ = offset
}

// FreeSized returns an allocation of the given (pre-rounding) size to the
// free list for exact-fit reuse on a subsequent Alloc of the same size.
// No code in this module calls it: the deferred-destroy callbacks in
// queue, stack, clevel and list do not return memory to the allocator.
func (a *FileBackedAllocator) FreeSized(offset uint64, size uint64) {
	size = (size + 7) &^ 7
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLists[size] = append(a.freeLists[size], freeBlock{offset: offset})
}

func (a *FileBackedAllocator) SetRoot(offset uint64, idx int) error {
	b := a.mf.bytes()
	putU64(b, HeaderSize+idx*16, offset)
	if cnt := getU32(b, hdrRootCount); idx >= int(cnt) {
		putU32(b, hdrRootCount, uint32(idx+1))
	}
	return a.mf.msync(HeaderSize+idx*16, 16)
}

func (a *FileBackedAllocator) GetRoot(idx int) (uint64, error) {
	b := a.mf.bytes()
	return getU64(b, HeaderSize+idx*16), nil
}

func (a *FileBackedAllocator) SetRootFilter(filter FilterFunc, idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filters[idx] = filter
}

// Recover runs a mark pass over every registered root filter if the pool
// was not cleanly closed, matching spec.md §6's Recover contract. The mark
// pass demonstrates the filter-table tracing mechanism (spec.md §9's
// "Dynamic dispatch replacement"); this reference allocator does not sweep
// unreached heap space (see FileBackedAllocator's doc comment); space is
// only reused through explicit FreeSized calls.
func (a *FileBackedAllocator) Recover() (bool, error) {
	b := a.mf.bytes()
	if getU64(b, hdrCleanShut) != 0 {
		putU64(b, hdrCleanShut, 0)
		if err := a.mf.msync(0, HeaderSize); err != nil {
			return false, err
		}
		return false, nil
	}

	a.mu.Lock()
	rootCount := int(getU32(b, hdrRootCount))
	visited := make(map[uint64]bool)
	for idx := 0; idx < rootCount; idx++ {
		filter, ok := a.filters[idx]
		if !ok {
			continue
		}
		off := getU64(b, HeaderSize+idx*16)
		if off == 0 {
			continue
		}
		filter(off, -1, visited)
	}
	a.mu.Unlock()

	// Mark this session as in-use again (not a clean shutdown) so a crash
	// before the next Close is detected by a subsequent Recover call.
	putU64(b, hdrCleanShut, 0)
	if err := a.mf.msync(0, HeaderSize); err != nil {
		return true, err
	}
	return true, nil
}

func (a *FileBackedAllocator) Close() error {
	b := a.mf.bytes()
	putU64(b, hdrCleanShut, 1)
	if err := a.mf.msync(0, HeaderSize); err != nil {
		return err
	}
	return a.mf.close()
}

// mappedFile is the platform-specific memory-mapped file primitive,
// implemented by pool_unix.go (mmap/msync) and pool_windows.go (file
// mapping), the same platform-split idiom as the teacher's
// poller_linux.go/poller_darwin.go/poller_windows.go.
type mappedFile interface {
	addr() uintptr
	bytes() []byte
	msync(offset, length int) error
	close() error
}
