// Package msqueue implements the pessimistic Michael & Scott
// multi-producer/multi-consumer FIFO queue from spec.md §4.4: a
// two-CAS enqueue (link, then best-effort tail advance) and a
// hazard-pointer-protected dequeue with the Doherty et al. (2004)
// tail-repair step.
package msqueue

import (
	"errors"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"lockfree/backoff"
	"lockfree/hazard"
)

// node is the queue's internal link type. Its zero value is the
// sentinel spec.md §3 requires: a default-initialized node installed at
// construction, never dereferenced for payload.
type node[T any] struct {
	data T
	next atomic.Pointer[node[T]]
}

// Guard is a per-goroutine lease on hazard-pointer slots, required by
// Enqueue and Dequeue. Acquire with Queue.Register; release with
// Guard.Release (typically via defer).
type Guard[T any] struct {
	*hazard.Guard[node[T]]
}

var registries sync.Map // reflect.Type -> *hazard.Array[node[T]]

// sharedArray is the process-wide lazily-initialized singleton spec.md
// §6 calls idiomatic ("a single global instance per node-type
// parameter"), and §9's Design Notes spell out as the Go-shaped
// equivalent of a once-per-process static table.
func sharedArray[T any]() *hazard.Array[node[T]] {
	var probe node[T]
	key := reflect.TypeOf(probe)
	if v, ok := registries.Load(key); ok {
		return v.(*hazard.Array[node[T]])
	}
	arr := hazard.NewArray[node[T]]()
	actual, _ := registries.LoadOrStore(key, arr)
	return actual.(*hazard.Array[node[T]])
}

// Queue is a lock-free MPMC FIFO queue.
type Queue[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	hp     *hazard.Array[node[T]]
	logger zerolog.Logger
}

// Option configures a Queue at construction.
type Option[T any] func(*Queue[T])

// WithLogger attaches a zerolog.Logger for diagnostic events.
func WithLogger[T any](l zerolog.Logger) Option[T] {
	return func(q *Queue[T]) { q.logger = l }
}

// WithHazardArray overrides the default shared-per-T hazard array,
// useful for test isolation between otherwise-identical T instantiations.
func WithHazardArray[T any](a *hazard.Array[node[T]]) Option[T] {
	return func(q *Queue[T]) { q.hp = a }
}

// New constructs an empty Queue with a sentinel node.
func New[T any](opts ...Option[T]) *Queue[T] {
	q := &Queue[T]{hp: sharedArray[T](), logger: zerolog.Nop()}
	sentinel := &node[T]{}
	q.head.Store(sentinel)
	q.tail.Store(sentinel)
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Register leases a hazard-pointer guard for the calling goroutine.
func (q *Queue[T]) Register() (*Guard[T], error) {
	g, err := q.hp.RegisterThread()
	if err != nil {
		return nil, err
	}
	return &Guard[T]{g}, nil
}

// Enqueue appends v. It always returns true; the bool result exists to
// mirror spec.md §6's signature and leaves room for a future bounded
// variant.
func (q *Queue[T]) Enqueue(v T, g *Guard[T]) bool {
	n := &node[T]{data: v}
	b := backoff.New()
	var t *node[T]

	for {
		tp := q.tail.Load()
		protected, err := g.Protect(tp)
		if err != nil {
			q.logger.Debug().Err(err).Msg("msqueue: enqueue retry on protect")
			b.Spin()
			continue
		}
		if q.tail.Load() != protected.Ptr() {
			g.Unprotect(protected)
			continue
		}
		t = protected.Ptr()

		tailNext := t.next.Load()
		if tailNext != nil {
			// tail is lagging: help it along and retry.
			q.tail.CompareAndSwap(t, tailNext)
			g.Unprotect(protected)
			continue
		}

		if t.next.CompareAndSwap(nil, n) {
			g.Unprotect(protected)
			break
		}
		g.Unprotect(protected)
		b.Spin()
	}

	// best-effort: if this loses, the next operation repairs it.
	q.tail.CompareAndSwap(t, n)
	return true
}

// Dequeue removes and returns the oldest value, or (zero, false) if the
// queue is empty.
func (q *Queue[T]) Dequeue(g *Guard[T]) (T, bool) {
	var zero T
	b := backoff.New()

	for {
		hp := q.head.Load()
		protectedHead, err := g.Protect(hp)
		if err != nil {
			if errors.Is(err, hazard.ErrNullPointer) {
				return zero, false
			}
			q.logger.Debug().Err(err).Msg("msqueue: dequeue retry on head protect")
			b.Spin()
			continue
		}
		h := protectedHead.Ptr()

		hn := h.next.Load()
		if hn == nil {
			g.Unprotect(protectedHead)
			return zero, false
		}

		protectedNext, err := g.Protect(hn)
		if err != nil {
			g.Unprotect(protectedHead)
			b.Spin()
			continue
		}
		next := protectedNext.Ptr()

		if q.head.Load() != h {
			g.Unprotect(protectedHead)
			g.Unprotect(protectedNext)
			continue
		}

		if q.head.CompareAndSwap(h, next) {
			// Doherty et al. (2004): repair a lagging tail before
			// retiring the old head.
			if q.tail.Load() == h {
				q.tail.CompareAndSwap(h, next)
			}
			g.Unprotect(protectedNext)

			value := next.data
			next.data = zero
			g.RetireNode(protectedHead)
			return value, true
		}

		g.Unprotect(protectedHead)
		g.Unprotect(protectedNext)
		b.Spin()
	}
}
