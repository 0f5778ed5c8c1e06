// Package hazard implements the hazard-pointer reclamation subsystem
// described in spec.md §4.2: a fixed-size table of protected pointer
// slots (M threads × K slots/thread), per-thread retire lists, and a
// scan-and-reclaim routine. It is the safe-memory-reclamation substrate
// MSQueue, OMSQueue, and TreiberStack are built on.
//
// Go has no manual free(): "reclaiming" a retired pointer here means
// dropping the library's last reference to it so the garbage collector
// is free to collect it. The discipline still matters, because without
// it the allocator could hand a freed node's address back out while a
// concurrent reader is still mid-dereference on it — the classic ABA
// hazard, just triggered by GC-driven reuse instead of malloc/free reuse.
package hazard

import (
	"math/bits"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Configuration constants, spec.md §4.2 / §6.
const (
	MaxThreads    = 4  // M: hazard-pointer bands
	HPPerThread   = 16 // K: slots per band
	ScanThreshold = 32 // retire-list length that triggers an implicit scan
)

// Array is a process-wide table of M×K atomic pointer slots plus a
// bitmap of free thread bands, generic over the node type N each
// protected pointer addresses. spec.md §6 calls a single global
// instance per node-type parameter idiomatic; callers typically hold
// one *Array[N] per data-structure type behind a package-level
// lazily-initialized singleton (see msqueue/omsqueue/treiber).
type Array[N any] struct {
	slots    [MaxThreads * HPPerThread]atomic.Pointer[N]
	registry atomic.Uint64 // 1 bits mark bands ready to register
	logger   zerolog.Logger
}

// Option configures an Array at construction.
type Option[N any] func(*Array[N])

// WithLogger attaches a zerolog.Logger for diagnostic events (scan
// outcomes, band exhaustion). The zero value is zerolog.Nop(): logging
// is opt-in and free when unset.
func WithLogger[N any](l zerolog.Logger) Option[N] {
	return func(a *Array[N]) { a.logger = l }
}

// NewArray constructs an Array with every band free.
func NewArray[N any](opts ...Option[N]) *Array[N] {
	a := &Array[N]{logger: zerolog.Nop()}
	a.registry.Store(bandMask())
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func bandMask() uint64 {
	if MaxThreads >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << MaxThreads) - 1
}

// RegisterThread atomically consumes one free band via CAS retry and
// returns a Guard leasing it. Returns ErrNoAvailableBand if every band
// is already registered — this is a capacity-exhaustion error, not a
// bug: callers should back off and retry, or simply not exceed
// MaxThreads concurrent registrants.
func (a *Array[N]) RegisterThread() (*Guard[N], error) {
	for {
		reg := a.registry.Load()
		if reg == 0 {
			a.logger.Debug().Msg("hazard: register_thread found no available band")
			return nil, ErrNoAvailableBand
		}
		band := bits.TrailingZeros64(reg)
		next := reg &^ (uint64(1) << uint(band))
		if a.registry.CompareAndSwap(reg, next) {
			return &Guard[N]{
				array:       a,
				band:        band,
				startingIdx: band * HPPerThread,
				available:   slotMask(),
			}, nil
		}
	}
}

func slotMask() uint64 {
	if HPPerThread >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << HPPerThread) - 1
}

// Guard is a thread-owned lease on one band of HPPerThread slots plus a
// retire list. A Guard must not be shared across goroutines. Acquire
// with Array.RegisterThread; release with Guard.Release (Go has no
// destructors, so this must be called explicitly, typically via defer).
type Guard[N any] struct {
	array       *Array[N]
	band        int
	startingIdx int
	available   uint64 // 1 bits mark free slots within this band
	retired     []*N
}

// Protect publishes p into the lowest free slot in this band with
// release semantics and returns a handle. Per spec.md §4.2, callers
// must re-read the structural pointer after Protect to validate p is
// still reachable before relying on it; Protect alone does not
// guarantee p is still installed anywhere.
func (g *Guard[N]) Protect(p *N) (*Protected[N], error) {
	if p == nil {
		return nil, ErrNullPointer
	}
	if g.available == 0 {
		return nil, ErrNoSlot
	}
	offset := bits.TrailingZeros64(g.available)
	g.available &^= uint64(1) << uint(offset)
	g.array.slots[g.startingIdx+offset].Store(p)
	return &Protected[N]{ptr: p, index: offset, guard: g}, nil
}

// Unprotect clears the slot backing h and returns its bit to the free
// bitmap, without retiring the pointer. Use this when a protected read
// turned out not to need reclamation (e.g. a failed validation).
func (g *Guard[N]) Unprotect(h *Protected[N]) {
	if h.released {
		return
	}
	g.array.slots[g.startingIdx+h.index].Store(nil)
	g.available |= uint64(1) << uint(h.index)
	h.released = true
}

// RetireNode unprotects h and appends its pointer to the local retire
// list, triggering a scan once the list exceeds ScanThreshold.
func (g *Guard[N]) RetireNode(h *Protected[N]) {
	p := h.ptr
	g.Unprotect(h)
	g.RetireRaw(p)
}

// RetireRaw appends p directly to the retire list (for nodes that were
// never wrapped in a Protected, e.g. a node unlinked without ever being
// read back by this thread), triggering a scan past ScanThreshold.
func (g *Guard[N]) RetireRaw(p *N) {
	g.retired = append(g.retired, p)
	if len(g.retired) > ScanThreshold {
		g.Scan()
	}
}

// Scan snapshots every non-null slot across the whole array (acquire),
// then partitions the retire list: pointers absent from the snapshot
// are dropped (eligible for GC), pointers still present in some slot
// are kept for the next scan.
func (g *Guard[N]) Scan() {
	if len(g.retired) == 0 {
		return
	}

	live := make(map[*N]struct{}, len(g.array.slots))
	for i := range g.array.slots {
		if p := g.array.slots[i].Load(); p != nil {
			live[p] = struct{}{}
		}
	}

	kept := g.retired[:0]
	freed := 0
	for _, p := range g.retired {
		if _, stillHazarded := live[p]; stillHazarded {
			kept = append(kept, p)
		} else {
			freed++
		}
	}
	g.retired = kept

	g.array.logger.Debug().
		Int("freed", freed).
		Int("kept", len(kept)).
		Msg("hazard: scan")
}

// Release runs a final scan, drops whatever remains on the retire
// list (any pointer still hazarded by another live guard stays
// referenced through that guard's own slots, so it is not leaked),
// and returns this band to the array's free bitmap.
func (g *Guard[N]) Release() {
	g.Scan()
	g.retired = nil
	g.array.registry.Or(uint64(1) << uint(g.band))
}

// Protected ties a raw pointer to the slot in its owning Guard that
// publishes it. It must not outlive its Guard.
type Protected[N any] struct {
	ptr      *N
	index    int
	guard    *Guard[N]
	released bool
}

// Ptr returns the protected pointer.
func (p *Protected[N]) Ptr() *N { return p.ptr }
