// Package ring adapts the teacher module's Roundabout primitive (an
// epoch-tagged, bitmap-freelist ring buffer used as a generalized
// mutual-exclusion and coordination log) into a small, two-mode lock:
// Exclusive for mutators, Shared for readers that only conflict with
// mutators. The original Roundabout supported per-lane fine-grained
// locking, shared/exclusive writer distinctions, and fence-based
// RCU-like coordination; this module only ever needs "one mutator at a
// time, readers ignore each other", so the lane-matching and fence
// machinery were trimmed. The core trick — allocate a slot in a ring
// buffer via a CAS on a packed (epoch, bitmap) header, then scan
// predecessor slots for conflicts before proceeding — is kept intact.
package ring

import (
	"math/bits"
	"sync/atomic"
)

const width = 32

// pendingCell marks a log slot that has been reserved (or freed for a
// future generation) but not yet published with a real kind; waiters
// spin on it unless its epoch is already past the one they expect, which
// means the predecessor they were waiting for has popped.
const (
	pendingCell uint16 = iota
	readCell
	exclusiveCell
)

type header struct {
	epoch  uint16
	bitmap uint32
}

func (h header) pack() uint64 { return uint64(h.epoch)<<32 | uint64(h.bitmap) }

func unpackHeader(raw uint64) header {
	return header{epoch: uint16(raw >> 32), bitmap: uint32(raw)}
}

type cell struct {
	epoch uint16
	kind  uint16
}

func (c cell) pack() uint64 { return uint64(c.epoch)<<32 | uint64(c.kind) }

func unpackCell(raw uint64) cell {
	return cell{epoch: uint16(raw >> 32), kind: uint16(raw)}
}

// slot is the bookkeeping returned by push, needed by wait and pop.
type slot struct {
	n      int
	epoch  uint16
	bitmap uint32
	kind   uint16
}

// Ring is a mutual-exclusion and coordination log: a ring buffer of
// in-flight operations plus a free-list bitmap, the structure Roundabout
// used. The zero value is ready to use.
type Ring struct {
	header atomic.Uint64
	log    [width]atomic.Uint64
}

func (r *Ring) push(kind uint16) (slot, bool) {
	raw := r.header.Load()
	h := unpackHeader(raw)
	n := int(h.epoch) % width
	b := uint32(1) << uint(n)

	if h.bitmap&b != 0 {
		return slot{}, false // our own ring has wrapped onto a still-occupied slot
	}

	newHeader := header{epoch: h.epoch + 1, bitmap: h.bitmap | b}
	if !r.header.CompareAndSwap(raw, newHeader.pack()) {
		return slot{}, false
	}

	r.log[n].Store(cell{epoch: h.epoch, kind: kind}.pack())
	return slot{n: n, epoch: h.epoch, bitmap: h.bitmap, kind: kind}, true
}

// wait spins until every predecessor occupying a slot in the bitmap
// snapshot taken at allocation time is no longer a conflict.
func (r *Ring) wait(s slot) {
	if s.bitmap == 0 {
		return
	}

	epoch := s.epoch - uint16(width)
	bitmap := bits.RotateLeft32(s.bitmap, -s.n)

	for i := 0; i < width-1; i++ {
		epoch++
		bitmap >>= 1
		if bitmap&1 == 0 {
			continue
		}

		n := int(epoch) % width
		for {
			item := unpackCell(r.log[n].Load())
			if item.kind == pendingCell {
				if int16(item.epoch-epoch) > 0 {
					break // predecessor already popped: the slot is parked for a later lap
				}
				continue // allocated but not yet published
			}
			if item.epoch != epoch {
				break // predecessor already completed and the slot moved on
			}
			if s.kind == exclusiveCell || item.kind == exclusiveCell {
				continue // mutual exclusion: wait it out
			}
			break // both shared reads: no conflict
		}
	}
}

func (r *Ring) pop(s slot) {
	r.log[s.n].Store(cell{epoch: s.epoch + width, kind: pendingCell}.pack())
	r.header.And(^(uint64(1) << uint(s.n)))
}

// Exclusive runs fn once every other in-flight operation (shared or
// exclusive) has completed, and blocks out new operations until fn
// returns.
func (r *Ring) Exclusive(fn func()) {
	for {
		s, ok := r.push(exclusiveCell)
		if !ok {
			continue
		}
		r.wait(s)
		fn()
		r.pop(s)
		return
	}
}

// Shared runs fn concurrently with other Shared callers, but never
// concurrently with an Exclusive caller.
func (r *Ring) Shared(fn func()) {
	for {
		s, ok := r.push(readCell)
		if !ok {
			continue
		}
		r.wait(s)
		fn()
		r.pop(s)
		return
	}
}
