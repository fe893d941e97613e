package epoch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDomain_PinUnpin_Reentrant(t *testing.T) {
	d := NewDomain(4)
	g1 := d.Pin(0)
	g2 := d.Pin(0)
	require.Equal(t, int64(2), d.locals[0].guardCount.Load())
	g2.Unpin()
	require.Equal(t, int64(1), d.locals[0].guardCount.Load())
	g1.Unpin()
	require.Equal(t, int64(0), d.locals[0].guardCount.Load())
}

func TestDomain_DeferRunsAfterAdvance(t *testing.T) {
	d := NewDomain(2)
	ran := false

	g0 := d.Pin(0)
	g0.DeferDestroy(func() { ran = true })
	g0.Unpin()

	// tid 1 is never pinned, so every unpin by tid 0 advances the global
	// epoch and drains tid 0's own bag for the slot two epochs behind: the
	// advances 0->1 and 1->2 drain slots 1 and 2, and the advance 2->3
	// drains slot 0, where the epoch-0 destructor sits.
	d.Pin(0).Unpin()
	d.Pin(0).Unpin()
	require.True(t, ran)
}

func TestDomain_DeferBlockedByOtherPinnedThread(t *testing.T) {
	d := NewDomain(2)
	ran := false

	g1 := d.Pin(1) // holds epoch 0
	g0 := d.Pin(0)
	g0.DeferDestroy(func() { ran = true })
	g0.Unpin()

	require.False(t, ran, "the advance to epoch 1 must not drain tid 0's epoch-0 bag while tid 1 is still pinned")

	g1.Unpin()
	require.False(t, ran, "tid 1 unpinning doesn't itself drain tid 0's bag")

	// tid 0 pins and unpins again: the advance from epoch 2 to 3 drains
	// tid 0's epoch-0 slot.
	d.Pin(0).Unpin()
	require.True(t, ran)
}

func TestDomain_DeferDedupKey(t *testing.T) {
	d := NewDomain(1)
	count := 0

	g := d.Pin(0)
	g.Defer(func() { count++ }, 42, true)
	g.Defer(func() { count++ }, 42, true) // same key, same generation: no-op
	g.Unpin()

	// Two more advances bring the epoch-0 slot round to be drained.
	d.Pin(0).Unpin()
	d.Pin(0).Unpin()
	require.Equal(t, 1, count)
}

func TestDomain_RepinAfterSurvivesPanic(t *testing.T) {
	d := NewDomain(1)
	g := d.Pin(0)

	func() {
		defer func() { _ = recover() }()
		g.RepinAfter(func() { panic("boom") })
	}()

	require.Equal(t, int64(1), d.locals[0].guardCount.Load())
	g.Unpin()
}

func TestDomain_ConcurrentPinUnpinStress(t *testing.T) {
	d := NewDomain(8)
	var wg sync.WaitGroup
	var drained int
	var mu sync.Mutex

	for tid := 0; tid < 8; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				g := d.Pin(tid)
				g.DeferDestroy(func() {
					mu.Lock()
					drained++
					mu.Unlock()
				})
				g.Unpin()
			}
		}(tid)
	}
	wg.Wait()

	// Flush every thread's current generation to collect anything still
	// pending behind a thread that finished early and never unblocked the
	// final advance.
	for tid := 0; tid < 8; tid++ {
		g := d.Pin(tid)
		g.Flush()
		g.Unpin()
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1600, drained)
}
