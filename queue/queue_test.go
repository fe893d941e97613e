package queue

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

func newTestPool(t *testing.T) *pool.Pool {
	t.Helper()
	alloc := pool.NewFileBackedAllocator()
	p, _, err := pool.Open(alloc, filepath.Join(t.TempDir(), "queue.pool"), 4<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestQueue_FIFOOrder(t *testing.T) {
	p := newTestPool(t)
	dstate := dcas.NewState(8)
	q, err := New[int](p, dstate)
	require.NoError(t, err)

	domain := epoch.NewDomain(8)
	g := domain.Pin(0)
	defer g.Unpin()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(g, i))
	}

	h := handle.New(1, domain, p)
	defer h.Release()

	for i := 0; i < 10; i++ {
		v, err := q.Dequeue(h)
		require.NoError(t, err)
		require.Equal(t, i, v)
	}

	_, err = q.Dequeue(h)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestQueue_DequeueEmpty(t *testing.T) {
	p := newTestPool(t)
	dstate := dcas.NewState(4)
	q, err := New[string](p, dstate)
	require.NoError(t, err)

	domain := epoch.NewDomain(4)
	h := handle.New(0, domain, p)
	defer h.Release()

	_, err = q.Dequeue(h)
	require.ErrorIs(t, err, ErrEmpty)
}

// TestQueue_ConcurrentProducersSingleConsumer mirrors spec.md §8's S3
// scenario at reduced scale: several producer threads enqueue a disjoint
// range of values concurrently; a single consumer drains everything. The
// multiset observed by the consumer must equal the multiset produced.
func TestQueue_ConcurrentProducersSingleConsumer(t *testing.T) {
	const producers = 6
	const perProducer = 500
	const total = producers * perProducer

	p := newTestPool(t)
	dstate := dcas.NewState(producers + 1)
	q, err := New[int](p, dstate)
	require.NoError(t, err)

	domain := epoch.NewDomain(producers + 1)

	var wg sync.WaitGroup
	wg.Add(producers)
	for pidx := 0; pidx < producers; pidx++ {
		go func(pidx int) {
			defer wg.Done()
			g := domain.Pin(pidx)
			defer g.Unpin()
			base := pidx * perProducer
			for i := 0; i < perProducer; i++ {
				require.NoError(t, q.Enqueue(g, base+i))
			}
		}(pidx)
	}
	wg.Wait()

	h := handle.New(producers, domain, p)
	defer h.Release()

	var got []int
	for {
		v, err := q.Dequeue(h)
		if err == ErrEmpty {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}

	require.Len(t, got, total)
	sort.Ints(got)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}
