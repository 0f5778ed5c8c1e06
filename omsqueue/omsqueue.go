// Package omsqueue implements the optimistic Michael & Scott queue
// variant from spec.md §4.5 (Ladan-Mozes & Shavit): a reversed doubly
// linked list, tail-to-head, that replaces the pessimistic queue's
// second CAS (linking the old tail's next pointer) with a plain store.
// The tradeoff is a chain of prev pointers that can go temporarily
// stale when an enqueuer is preempted between its tail CAS and its
// prev store; Dequeue detects this and calls fix to walk the chain
// back together before giving up and retrying.
package omsqueue

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"lockfree/backoff"
	"lockfree/hazard"
)

type node[T any] struct {
	data T
	next atomic.Pointer[node[T]]
	prev atomic.Pointer[node[T]]
}

// Guard is a per-goroutine lease on hazard-pointer slots.
type Guard[T any] struct {
	*hazard.Guard[node[T]]
}

var registries sync.Map // reflect.Type -> *hazard.Array[node[T]]

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

// Queue is a lock-free MPMC FIFO queue using the optimistic, single-CAS
// enqueue path.
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

// WithHazardArray overrides the default shared-per-T hazard array.
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

// Enqueue appends v with the single-CAS optimistic path: link the new
// node's next to the observed tail, CAS the tail forward, then store
// (not CAS) the new node into the old tail's prev. A thread preempted
// between the CAS and the store leaves prev temporarily stale; Dequeue
// repairs that with fix.
func (q *Queue[T]) Enqueue(v T, g *Guard[T]) bool {
	n := &node[T]{data: v}
	b := backoff.New()

	for {
		tp := q.tail.Load()
		protectedTail, err := g.Protect(tp)
		if err != nil {
			if errors.Is(err, hazard.ErrNullPointer) {
				panic(fmt.Sprintf("omsqueue: Enqueue found null tail: %v", err))
			}
			q.logger.Debug().Err(err).Msg("omsqueue: enqueue retry on protect")
			b.Spin()
			continue
		}
		t := protectedTail.Ptr()

		n.next.Store(t)

		if q.tail.Load() != t {
			g.Unprotect(protectedTail)
			continue
		}

		if q.tail.CompareAndSwap(t, n) {
			t.prev.Store(n)
			g.Unprotect(protectedTail)
			return true
		}
		g.Unprotect(protectedTail)
		b.Spin()
	}
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
				panic(fmt.Sprintf("omsqueue: Dequeue found null head: %v", err))
			}
			q.logger.Debug().Err(err).Msg("omsqueue: dequeue retry on head protect")
			b.Spin()
			continue
		}
		head := protectedHead.Ptr()

		tp := q.tail.Load()
		protectedTail, err := g.Protect(tp)
		if err != nil {
			if errors.Is(err, hazard.ErrNullPointer) {
				panic(fmt.Sprintf("omsqueue: Dequeue found null tail: %v", err))
			}
			g.Unprotect(protectedHead)
			b.Spin()
			continue
		}
		tail := protectedTail.Ptr()

		if q.head.Load() != head || q.tail.Load() != tail {
			g.Unprotect(protectedHead)
			g.Unprotect(protectedTail)
			continue
		}

		if head != tail {
			prev := head.prev.Load()
			if prev != nil {
				if q.head.Load() != head {
					g.Unprotect(protectedHead)
					g.Unprotect(protectedTail)
					continue
				}

				protectedPrev, err := g.Protect(prev)
				if err != nil {
					// prev was just observed non-nil and prev pointers are
					// only ever set once, never cleared: ErrNullPointer
					// here means the chain is corrupt, not a transient race.
					if errors.Is(err, hazard.ErrNullPointer) {
						panic(fmt.Sprintf("omsqueue: Dequeue found null head.prev: %v", err))
					}
					g.Unprotect(protectedHead)
					g.Unprotect(protectedTail)
					b.Spin()
					continue
				}

				if q.head.Load() != head {
					g.Unprotect(protectedHead)
					g.Unprotect(protectedTail)
					g.Unprotect(protectedPrev)
					continue
				}

				if q.head.CompareAndSwap(head, prev) {
					g.Unprotect(protectedTail)
					value := prev.data
					prev.data = zero
					g.RetireNode(protectedHead)
					g.Unprotect(protectedPrev)
					return value, true
				}
				g.Unprotect(protectedPrev)
			}
			q.fix(protectedHead, protectedTail, g)
			g.Unprotect(protectedHead)
			g.Unprotect(protectedTail)
			continue
		}

		g.Unprotect(protectedHead)
		g.Unprotect(protectedTail)
		return zero, false
	}
}

// fix walks the reversed chain from tail back toward head, repairing
// any prev pointer an enqueuer left unset after its tail CAS.
func (q *Queue[T]) fix(head, tail *hazard.Protected[node[T]], g *Guard[T]) {
	b := backoff.New()
	current := tail

	for current.Ptr() != head.Ptr() && head.Ptr() == q.head.Load() {
		cn := current.Ptr().next.Load()
		protectedNext, err := g.Protect(cn)
		if err != nil {
			if errors.Is(err, hazard.ErrNullPointer) {
				if head.Ptr() != q.head.Load() {
					return // another dequeue already finished fixing this up
				}
				panic(fmt.Sprintf("omsqueue: fix found null next: %v", err))
			}
			b.Spin()
			continue
		}
		b.Reset()

		next := protectedNext.Ptr()
		if next.prev.Load() == nil {
			next.prev.Store(current.Ptr())
		}
		if current != tail {
			g.Unprotect(current)
		}
		current = protectedNext
	}
	if current != tail {
		g.Unprotect(current)
	}
}
