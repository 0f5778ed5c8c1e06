// Package backoff implements the exponential spin-backoff controller used
// by every retry loop in this module: hazard-pointer protection, RCU
// update CAS retries, and the queue/stack structural CASes.
package backoff

import "runtime"

// Defaults mirror spec.md §4.1 / §6: initial=1, threshold=2^7.
const (
	DefaultInitial   uint32 = 1
	DefaultThreshold uint32 = 1 << 7
)

// Backoff is a small state machine: Spin busy-loops current times, then
// doubles current, capped at threshold. It is not
// safe for concurrent use — each retry loop owns its own Backoff.
type Backoff struct {
	initial   uint32
	threshold uint32
	current   uint32
}

// New returns a Backoff with the library defaults.
func New() *Backoff {
	b, err := WithParams(DefaultInitial, DefaultThreshold)
	if err != nil {
		panic(err)
	}
	return b
}

// WithParams constructs a Backoff with an explicit initial spin count and
// threshold. initial must be positive and less than threshold.
func WithParams(initial, threshold uint32) (*Backoff, error) {
	if initial == 0 {
		return nil, errInitialNotPositive
	}
	if initial >= threshold {
		return nil, errInitialNotLessThanThreshold
	}
	return &Backoff{initial: initial, threshold: threshold, current: initial}, nil
}

// Spin busy-loops current times, then doubles current, capped at
// threshold. Go exposes no portable CPU-pause hint (unlike Rust's
// std::hint::spin_loop), so the pause is an empty counted loop in a
// helper marked go:noinline.
func (b *Backoff) Spin() {
	spin(b.current)
	if b.current < b.threshold {
		if b.current > b.threshold/2 {
			b.current = b.threshold
		} else {
			b.current <<= 1
		}
	}
}

// SpinYield spins, then additionally yields the OS thread. Used only in
// elimination and RCU drain loops, per spec.md §5.
func (b *Backoff) SpinYield() {
	b.Spin()
	runtime.Gosched()
}

// Reset restores current to initial.
func (b *Backoff) Reset() {
	b.current = b.initial
}

//go:noinline
func spin(n uint32) {
	for i := uint32(0); i < n; i++ {
	}
}
