package list

import (
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/joeycumines/go-memento/dcas"
	"github.com/joeycumines/go-memento/epoch"
	"github.com/joeycumines/go-memento/handle"
	"github.com/joeycumines/go-memento/pool"
	"github.com/stretchr/testify/require"
)

func intCmp(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	alloc := pool.NewFileBackedAllocator()
	p, _, err := pool.Open(alloc, filepath.Join(t.TempDir(), "list.pool"), 8<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestList_InsertSearchDelete(t *testing.T) {
	p := newTestPool(t)
	domain := epoch.NewDomain(4)
	l := New[int, string](p, dcas.NewState(4), intCmp)
	h := handle.New(0, domain, p)
	defer h.Release()

	require.NoError(t, l.Insert(h, 2, "two"))
	require.NoError(t, l.Insert(h, 1, "one"))
	require.NoError(t, l.Insert(h, 3, "three"))

	v, ok := l.Search(1)
	require.True(t, ok)
	require.Equal(t, "one", v)

	v, ok = l.Search(2)
	require.True(t, ok)
	require.Equal(t, "two", v)

	v, ok = l.Search(3)
	require.True(t, ok)
	require.Equal(t, "three", v)

	_, ok = l.Search(4)
	require.False(t, ok)

	require.ErrorIs(t, l.Insert(h, 2, "dos"), ErrKeyExists)

	require.NoError(t, l.Delete(h, 2))
	_, ok = l.Search(2)
	require.False(t, ok)
	require.ErrorIs(t, l.Delete(h, 2), ErrKeyNotFound)

	require.Equal(t, 2, l.Len())
}

// TestList_SortedOrder inserts out of order and checks the list stays
// sorted by walking it via repeated Search on every key.
func TestList_SortedOrder(t *testing.T) {
	p := newTestPool(t)
	domain := epoch.NewDomain(4)
	l := New[int, int](p, dcas.NewState(4), intCmp)
	h := handle.New(0, domain, p)
	defer h.Release()

	keys := []int{5, 1, 4, 2, 3, 0, 9, 7}
	for _, k := range keys {
		require.NoError(t, l.Insert(h, k, k*10))
	}
	for _, k := range keys {
		v, ok := l.Search(k)
		require.True(t, ok)
		require.Equal(t, k*10, v)
	}
	require.Equal(t, len(keys), l.Len())
}

// TestList_DeleteThenReinsert exercises the Harris logical-delete then
// traversal-cleanup path: delete a key that sits between two others, make
// sure lookups through the deleted node's former position still reach the
// node beyond it, then insert the key again.
func TestList_DeleteThenReinsert(t *testing.T) {
	p := newTestPool(t)
	domain := epoch.NewDomain(4)
	l := New[int, string](p, dcas.NewState(4), intCmp)
	h := handle.New(0, domain, p)
	defer h.Release()

	require.NoError(t, l.Insert(h, 1, "a"))
	require.NoError(t, l.Insert(h, 2, "b"))
	require.NoError(t, l.Insert(h, 3, "c"))

	require.NoError(t, l.Delete(h, 2))
	_, ok := l.Search(2)
	require.False(t, ok)

	v, ok := l.Search(1)
	require.True(t, ok)
	require.Equal(t, "a", v)
	v, ok = l.Search(3)
	require.True(t, ok)
	require.Equal(t, "c", v)

	// A fresh traversal (Insert's find) must walk straight past the
	// logically deleted node and, opportunistically, physically unlink it.
	require.NoError(t, l.Insert(h, 2, "bb"))
	v, ok = l.Search(2)
	require.True(t, ok)
	require.Equal(t, "bb", v)
	require.Equal(t, 3, l.Len())
}

func TestList_DeleteMissing(t *testing.T) {
	p := newTestPool(t)
	domain := epoch.NewDomain(2)
	l := New[string, int](p, dcas.NewState(2), func(a, b string) int {
		switch {
		case a < b:
			return -1
		case a > b:
			return 1
		default:
			return 0
		}
	})
	h := handle.New(0, domain, p)
	defer h.Release()

	require.ErrorIs(t, l.Delete(h, "missing"), ErrKeyNotFound)
}

// TestList_ConcurrentInsertSearchDelete mirrors clevel's and queue's
// concurrent scenarios: several threads insert disjoint keys, then delete
// every other key, while concurrent searches for still-present keys keep
// succeeding.
func TestList_ConcurrentInsertSearchDelete(t *testing.T) {
	const threads = 6
	const perThread = 150
	const total = threads * perThread

	p := newTestPool(t)
	domain := epoch.NewDomain(threads + 1)
	l := New[int, int](p, dcas.NewState(threads+1), intCmp)

	var wg sync.WaitGroup
	wg.Add(threads)
	for tid := 0; tid < threads; tid++ {
		go func(tid int) {
			defer wg.Done()
			h := handle.New(tid, domain, p)
			defer h.Release()
			base := tid * perThread
			for i := 0; i < perThread; i++ {
				require.NoError(t, l.Insert(h, base+i, base+i))
			}
		}(tid)
	}
	wg.Wait()

	require.Equal(t, total, l.Len())

	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := l.Search(i); !ok {
			missing = append(missing, i)
		}
	}
	sort.Ints(missing)
	require.Empty(t, missing)

	wg.Add(threads)
	for tid := 0; tid < threads; tid++ {
		go func(tid int) {
			defer wg.Done()
			h := handle.New(tid, domain, p)
			defer h.Release()
			base := tid * perThread
			for i := 0; i < perThread; i += 2 {
				require.NoError(t, l.Delete(h, base+i))
			}
		}(tid)
	}
	wg.Wait()

	for i := 0; i < total; i++ {
		_, ok := l.Search(i)
		if i%2 == 0 {
			require.False(t, ok, "key %d should have been deleted", i)
		} else {
			require.True(t, ok, "key %d should still be present", i)
		}
	}
	require.Equal(t, total/2, l.Len())
}
