// Package treiber implements the Treiber stack from spec.md §4.6: a
// lock-free LIFO built on a single head CAS, backed off under
// contention by an elimination array that lets a concurrent push and
// pop swap values directly without ever touching head.
//
// spec.md §3 and the original implementation tag a slot's state into
// the pointer itself (a raw node pointer for "push offered", that same
// pointer with its low bit set for "offer claimed", 0/1 constants for
// empty/pop-waiting). Go's garbage collector cannot see through a
// pointer value stored with a stolen low bit, so this version follows
// spec.md §9's sanctioned alternative: each slot holds an
// atomic.Pointer to a small offer envelope (or nil for empty), and a
// single per-stack sentinel pointer value stands in for "a pop is
// waiting here". Slot-state transitions are CAS on the envelope
// pointer itself rather than on tag bits.
package treiber

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/rs/zerolog"

	"lockfree/backoff"
	"lockfree/hazard"
)

const (
	eliminationArraySize = 8
	eliminationThreshold = 4
	eliminationAttempts  = eliminationArraySize * 4
)

type node[T any] struct {
	data T
	next atomic.Pointer[node[T]]
}

// offer is the envelope a push places in an elimination slot. Its
// identity (not its contents) is what CAS operations compare against,
// so two offers for equal data are never confused with each other.
type offer[T any] struct {
	node *node[T]
}

// Guard is a per-goroutine lease on hazard-pointer slots, required by
// Pop. Push never dereferences a shared pointer and needs no guard.
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

// Stack is a lock-free LIFO stack with elimination-array backoff.
type Stack[T any] struct {
	head        atomic.Pointer[node[T]]
	elimination [eliminationArraySize]atomic.Pointer[offer[T]]
	popWaiting  *offer[T] // sentinel identity; never dereferenced
	hp          *hazard.Array[node[T]]
	logger      zerolog.Logger
}

// Option configures a Stack at construction.
type Option[T any] func(*Stack[T])

// WithLogger attaches a zerolog.Logger for diagnostic events.
func WithLogger[T any](l zerolog.Logger) Option[T] {
	return func(s *Stack[T]) { s.logger = l }
}

// WithHazardArray overrides the default shared-per-T hazard array.
func WithHazardArray[T any](a *hazard.Array[node[T]]) Option[T] {
	return func(s *Stack[T]) { s.hp = a }
}

// New constructs an empty Stack.
func New[T any](opts ...Option[T]) *Stack[T] {
	var zero T
	if unsafe.Alignof(zero) < 2 {
		panic("treiber: T must have alignment >= 2")
	}
	s := &Stack[T]{hp: sharedArray[T](), popWaiting: &offer[T]{}, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register leases a hazard-pointer guard for the calling goroutine.
func (s *Stack[T]) Register() (*Guard[T], error) {
	g, err := s.hp.RegisterThread()
	if err != nil {
		return nil, err
	}
	return &Guard[T]{g}, nil
}

// Push adds v to the top of the stack. It never dereferences a
// previously-published pointer, so it needs no hazard-pointer guard.
func (s *Stack[T]) Push(v T) {
	n := &node[T]{data: v}
	b := backoff.New()
	attempts := 0

	for {
		h := s.head.Load()
		n.next.Store(h)
		if s.head.CompareAndSwap(h, n) {
			return
		}

		if attempts < eliminationThreshold {
			b.Spin()
			attempts++
			continue
		}
		if s.tryEliminationPush(n) {
			return
		}
		attempts = 0
		b.Reset()
	}
}

// Pop removes and returns the top value, or (zero, false) if the stack
// is empty.
func (s *Stack[T]) Pop(g *Guard[T]) (T, bool) {
	var zero T
	hpBackoff := backoff.New()
	casBackoff := backoff.New()
	attempts := 0

	for {
		hp := s.head.Load()
		protected, err := g.Protect(hp)
		if err != nil {
			if errors.Is(err, hazard.ErrNullPointer) {
				return zero, false
			}
			s.logger.Debug().Err(err).Msg("treiber: pop retry on protect")
			hpBackoff.Spin()
			continue
		}
		hpBackoff.Reset()

		head := protected.Ptr()
		if s.head.Load() != head {
			g.Unprotect(protected)
			continue
		}

		next := head.next.Load()
		if s.head.CompareAndSwap(head, next) {
			value := head.data
			head.data = zero
			g.RetireNode(protected)
			return value, true
		}
		g.Unprotect(protected)

		if attempts < eliminationThreshold {
			attempts++
			casBackoff.Spin()
			continue
		}
		if v, ok := s.tryEliminationPop(); ok {
			return v, true
		}
		attempts = 0
		casBackoff.Reset()
	}
}

// tryEliminationPush scans the elimination array for a slot it can
// either claim outright (empty) or hand its node directly to a
// waiting pop. It returns true once the node has been consumed by
// some pop, without ever touching head.
func (s *Stack[T]) tryEliminationPush(n *node[T]) bool {
	off := &offer[T]{node: n}

	for i := 0; i < eliminationArraySize; i++ {
		slot := rand.IntN(eliminationArraySize)
		cur := s.elimination[slot].Load()

		switch cur {
		case nil:
			if s.elimination[slot].CompareAndSwap(nil, off) {
				return s.awaitHandoff(slot, off)
			}
		case s.popWaiting:
			if s.elimination[slot].CompareAndSwap(s.popWaiting, off) {
				return true // a pop was already announced here; it will pick this up
			}
		default:
			// occupied by someone else's offer; try another slot
		}
	}
	return false
}

// awaitHandoff spins waiting for a pop to claim off, then tries to
// cancel the offer if none arrives in time. A failed cancel means a
// pop claimed it at the last moment, which still counts as success.
func (s *Stack[T]) awaitHandoff(slot int, off *offer[T]) bool {
	runtime.Gosched()
	for attempt := 0; attempt < eliminationAttempts; attempt++ {
		if s.elimination[slot].Load() != off {
			return true
		}
	}
	return !s.elimination[slot].CompareAndSwap(off, nil)
}

// tryEliminationPop scans the elimination array for a push offer it
// can steal directly, or announces itself as waiting and gives a push
// a chance to notice. It returns (zero, false) if no rendezvous
// occurred anywhere in the array.
func (s *Stack[T]) tryEliminationPop() (T, bool) {
	var zero T

	for i := 0; i < eliminationArraySize; i++ {
		slot := rand.IntN(eliminationArraySize)
		cur := s.elimination[slot].Load()

		switch {
		case cur == nil:
			if s.elimination[slot].CompareAndSwap(nil, s.popWaiting) {
				if v, ok := s.awaitOffer(slot); ok {
					return v, true
				}
			}
		case cur == s.popWaiting:
			// another pop is already waiting here; try elsewhere
		default:
			if s.elimination[slot].CompareAndSwap(cur, nil) {
				return cur.node.data, true
			}
		}
	}
	return zero, false
}

// awaitOffer spins waiting for a push to notice this slot's
// popWaiting announcement, then cancels if none arrives in time.
func (s *Stack[T]) awaitOffer(slot int) (T, bool) {
	var zero T
	runtime.Gosched()
	for attempt := 0; attempt < eliminationAttempts; attempt++ {
		cur := s.elimination[slot].Load()
		if cur != s.popWaiting {
			if cur == nil {
				return zero, false
			}
			s.elimination[slot].Store(nil)
			return cur.node.data, true
		}
	}
	if s.elimination[slot].CompareAndSwap(s.popWaiting, nil) {
		return zero, false
	}
	cur := s.elimination[slot].Load()
	if cur == nil || cur == s.popWaiting {
		return zero, false
	}
	s.elimination[slot].Store(nil)
	return cur.node.data, true
}
