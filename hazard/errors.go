package hazard

import "errors"

var (
	// ErrNoAvailableBand is returned by RegisterThread when all
	// MaxThreads bands are already leased out.
	ErrNoAvailableBand = errors.New("hazard: no available thread band")

	// ErrNoSlot is returned by Protect when the calling Guard's band
	// has no free slot left to publish into.
	ErrNoSlot = errors.New("hazard: no available hazard-pointer slot")

	// ErrNullPointer is returned by Protect when asked to protect a
	// nil pointer. It is never treated as success.
	ErrNullPointer = errors.New("hazard: cannot protect a nil pointer")
)
