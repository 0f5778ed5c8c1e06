package msqueue

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"lockfree/hazard"
	"lockfree/internal/lockedset"
)

// newIsolatedArray gives TestConcurrentProducersConsumers its own hazard
// array instead of the process-wide per-T singleton, so this test's
// slot exhaustion can't interact with other tests running in parallel.
func newIsolatedArray() *hazard.Array[node[int]] {
	return hazard.NewArray[node[int]]()
}

func TestEnqueueDequeuePreservesFIFOOrder(t *testing.T) {
	q := New[int]()
	g, err := q.Register()
	require.NoError(t, err)
	defer g.Release()

	for i := 0; i < 10; i++ {
		require.True(t, q.Enqueue(i, g))
	}

	for i := 0; i < 10; i++ {
		v, ok := q.Dequeue(g)
		require.True(t, ok)
		require.Equal(t, i, v)
	}

	_, ok := q.Dequeue(g)
	require.False(t, ok, "queue must be empty after draining everything enqueued")
}

func TestDequeueOnEmptyQueueReturnsFalse(t *testing.T) {
	q := New[string]()
	g, err := q.Register()
	require.NoError(t, err)
	defer g.Release()

	_, ok := q.Dequeue(g)
	require.False(t, ok)
}

// TestConcurrentProducersConsumers runs several producer and consumer
// goroutines against one queue and checks every produced value is
// dequeued exactly once, the multi-goroutine stress scenario spec.md
// §8 calls for.
func TestConcurrentProducersConsumers(t *testing.T) {
	q := New[int](WithHazardArray[int](newIsolatedArray()))

	// producers + consumers together must not exceed hazard.MaxThreads,
	// since each goroutine holds its Guard (one band) for its entire
	// lifetime.
	const producers = 2
	const perProducer = 500
	const total = producers * perProducer

	var produced lockedset.Set[int]
	var consumed lockedset.Set[int]

	var group errgroup.Group
	for p := 0; p < producers; p++ {
		base := p * perProducer
		group.Go(func() error {
			gd, err := q.Register()
			if err != nil {
				return err
			}
			defer gd.Release()
			for i := 0; i < perProducer; i++ {
				v := base + i
				produced.Add(v)
				q.Enqueue(v, gd)
			}
			return nil
		})
	}

	var wg sync.WaitGroup
	var remaining atomic.Int64
	remaining.Store(int64(total))

	const consumers = 2
	for c := 0; c < consumers; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gd, err := q.Register()
			if err != nil {
				return
			}
			defer gd.Release()
			for remaining.Load() > 0 {
				v, ok := q.Dequeue(gd)
				if !ok {
					continue
				}
				consumed.Add(v)
				remaining.Add(-1)
			}
		}()
	}

	require.NoError(t, group.Wait())
	wg.Wait()

	require.Equal(t, total, produced.Len())
	require.True(t, produced.AllUnique())
	require.Equal(t, total, consumed.Len())
	require.True(t, consumed.AllUnique(), "every enqueued value must be dequeued exactly once")
}
