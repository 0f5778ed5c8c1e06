// Package lockedset provides a small concurrent multiset, adapted from
// the teacher module's LockedMap (a Roundabout-backed "big locked
// struct") for one purpose: collecting results out of a stress test's
// goroutines without racing the map that collects them. Add is the
// only mutator; Count, Len, Snapshot and AllUnique are the readers.
package lockedset

import "lockfree/internal/ring"

// Set is a concurrent multiset of comparable values. The zero value is
// ready to use.
type Set[T comparable] struct {
	rb    ring.Ring
	inner map[T]int
}

// Add records one more occurrence of v.
func (s *Set[T]) Add(v T) {
	s.rb.Exclusive(func() {
		if s.inner == nil {
			s.inner = make(map[T]int, 64)
		}
		s.inner[v]++
	})
}

// Count returns how many times v has been added.
func (s *Set[T]) Count(v T) (n int) {
	s.rb.Shared(func() {
		n = s.inner[v]
	})
	return
}

// Len returns the number of distinct values added.
func (s *Set[T]) Len() (n int) {
	s.rb.Shared(func() {
		n = len(s.inner)
	})
	return
}

// Snapshot returns a copy of the current value -> count table.
func (s *Set[T]) Snapshot() map[T]int {
	out := make(map[T]int)
	s.rb.Shared(func() {
		for k, v := range s.inner {
			out[k] = v
		}
	})
	return out
}

// AllUnique reports whether every added value was added exactly once,
// the property stress tests use to check a queue or stack produced no
// duplicate and no dropped elements.
func (s *Set[T]) AllUnique() bool {
	ok := true
	s.rb.Shared(func() {
		for _, n := range s.inner {
			if n != 1 {
				ok = false
				return
			}
		}
	})
	return ok
}
