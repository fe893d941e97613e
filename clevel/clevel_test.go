package clevel

import (
	"hash/maphash"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"unsafe"

	"github.com/joeycumines/go-memento/dcas"
	"github.com/joeycumines/go-memento/epoch"
	"github.com/joeycumines/go-memento/handle"
	"github.com/joeycumines/go-memento/pool"
	"github.com/joeycumines/go-memento/ptr"
	"github.com/stretchr/testify/require"
)

var testSeed = maphash.MakeSeed()

func intHash(k int) uint64 {
	var h maphash.Hash
	h.SetSeed(testSeed)
	b := [8]byte{
		byte(k), byte(k >> 8), byte(k >> 16), byte(k >> 24),
		byte(k >> 32), byte(k >> 40), byte(k >> 48), byte(k >> 56),
	}
	_, _ = h.Write(b[:])
	return h.Sum64()
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	alloc := pool.NewFileBackedAllocator()
	p, _, err := pool.Open(alloc, filepath.Join(t.TempDir(), "clevel.pool"), 64<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func newTestTable(t *testing.T, minSize uint64) (*Clevel[int, string], *epoch.Domain, *pool.Pool) {
	t.Helper()
	p := newTestPool(t)
	domain := epoch.NewDomain(32)
	tbl, err := New[int, string](p, dcas.NewState(32), domain, intHash, WithMinSize(minSize), WithResizeTid(31))
	require.NoError(t, err)
	t.Cleanup(tbl.Close)
	return tbl, domain, p
}

func TestClevel_InsertSearchDelete(t *testing.T) {
	tbl, domain, p := newTestTable(t, DefaultMinSize)
	h := handle.New(0, domain, p)
	defer h.Release()

	require.NoError(t, tbl.Insert(h, 1, "one"))
	require.NoError(t, tbl.Insert(h, 2, "two"))

	v, ok := tbl.Search(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	v, ok = tbl.Search(2)
	require.True(t, ok)
	require.Equal(t, "two", v)

	_, ok = tbl.Search(3)
	require.False(t, ok)

	require.ErrorIs(t, tbl.Insert(h, 1, "uno"), ErrKeyExists)

	require.NoError(t, tbl.Delete(h, 1))
	_, ok = tbl.Search(1)
	require.False(t, ok)
	require.ErrorIs(t, tbl.Delete(h, 1), ErrKeyNotFound)
}

// TestClevel_ForcesResize inserts enough keys into a table sized at the
// original's MIN_SIZE*SLOTS_IN_BUCKET*3 boundary (spec.md §8's S1/S2
// scenario) to force at least one add_level/resize cycle, and asserts
// every inserted key is still found afterward.
func TestClevel_ForcesResize(t *testing.T) {
	const minSize = 4
	tbl, domain, p := newTestTable(t, minSize)
	h := handle.New(0, domain, p)
	defer h.Release()

	const n = minSize * SlotsInBucket * 3
	for i := 0; i < n; i++ {
		require.NoError(t, tbl.Insert(h, i, "v"))
	}

	for i := 0; i < n; i++ {
		_, ok := tbl.Search(i)
		require.True(t, ok, "key %d should be found after forced resize", i)
	}
}

// TestClevel_InsertRecoversAfterCrash simulates spec.md §8's S5: a thread
// wins the slot-install CAS, crashes before clearing the CAS's aux tag and
// before trySlotInsert's checkpoint is reset, then a fresh Handle replays
// Insert with Rec() set. recoverInsert must confirm the pre-crash win
// (rather than trySlotInsert placing a second, duplicate slot) and finish
// restoring the slot's fingerprint tag so Search can still find it.
func TestClevel_InsertRecoversAfterCrash(t *testing.T) {
	tbl, domain, p := newTestTable(t, DefaultMinSize)
	const tid = 1
	const key = 42

	tag, hh := tbl.hashes(key)

	owned, obj, err := ptr.AllocOwned[slot[int, string]](tbl.arena)
	require.NoError(t, err)
	obj.key = key
	obj.value = "v"
	candidate := owned.IntoShared().WithHighTag(tag)

	ctxShared := tbl.context.Load()
	ctxRef := ctxShared.Deref(tbl.arena, 0)
	mem := &tbl.insertMem[tid]

	// Reproduce trySlotInsert's CAS-win without its own ClearAux/Reset, as
	// if the process crashed in that exact window.
	newToOld := tbl.levelChain(ctxRef)
	lvl := newToOld[0]
	idxs := bucketIndexes(hh, lvl.size)
	buckets := lvl.buckets(tbl.arena)
	target := &buckets[idxs[0]].slots[0]
	_, ok, seq := dcas.Try(tbl.dstate, target, ptr.Null[slot[int, string]](), candidate, tid, false, tbl.flusher)
	require.True(t, ok)

	targetOff := uint64(uintptr(unsafe.Pointer(target)) - tbl.arena.Start())
	mem.targetOff.Run(tbl.flusher, false, targetOff, nil)
	mem.seq.Run(tbl.flusher, false, seq, nil)

	// The fingerprint tag is still clobbered by dcas.Try's aux encoding at
	// this point, so Search can't find the key yet - exactly the crashed,
	// not-yet-cleared state recoverInsert exists to finish.
	_, foundBeforeRecovery := tbl.Search(key)
	require.False(t, foundBeforeRecovery)

	// Fresh Handle replaying this tid's root memento post-crash.
	h2 := handle.New(tid, domain, p)
	defer h2.Release()
	h2.SetRec(true)

	require.NoError(t, tbl.Insert(h2, key, "v"))
	require.False(t, h2.Rec())

	v, found := tbl.Search(key)
	require.True(t, found)
	require.Equal(t, "v", v)
	require.Equal(t, 1, tbl.Len())
}

// TestClevel_ConcurrentInsertSearchDuringResize mirrors spec.md §8's S1/S2:
// many threads insert disjoint keys concurrently into a small table (so a
// resize is guaranteed); once every insert has returned, every key must be
// found, while the background resize goroutine may still be running.
func TestClevel_ConcurrentInsertSearchDuringResize(t *testing.T) {
	const minSize = 4
	const threads = 8
	const perThread = 200

	tbl, domain, p := newTestTable(t, minSize)

	var wg sync.WaitGroup
	wg.Add(threads)
	for tid := 0; tid < threads; tid++ {
		go func(tid int) {
			defer wg.Done()
			h := handle.New(tid, domain, p)
			defer h.Release()
			base := tid * perThread
			for i := 0; i < perThread; i++ {
				require.NoError(t, tbl.Insert(h, base+i, "v"))
			}
		}(tid)
	}
	wg.Wait()

	total := threads * perThread
	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := tbl.Search(i); !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	require.Empty(t, missing)
}
