// Package fault classifies the errors returned by rendergraph.
//
// Every package in the module declares its own sentinel errors and wraps
// exactly one of the category sentinels below, so callers can decide how
// to react without knowing which package produced an error:
//
//	if errors.Is(err, fault.ErrDevice) {
//	    // tear down the scheduler and recreate it
//	}
//
// Usage and resource errors are recoverable at frame granularity: drop
// the frame, log it, and continue with the next one. Device errors
// invalidate the frame ring and require full reinitialization.
package fault

import "errors"

// Category sentinels.
var (
	// ErrUsage marks caller mistakes: empty tasks, cycles, invalid
	// handles, unpaired ownership transfers.
	ErrUsage = errors.New("usage error")

	// ErrResource marks hazards the scheduler cannot honor, such as an
	// access the pinned queue does not support.
	ErrResource = errors.New("resource error")

	// ErrDevice marks device-level failures: wait timeouts and device loss.
	ErrDevice = errors.New("device error")
)

// Kind is the category of an error.
type Kind int

const (
	// KindNone means the error does not belong to any category (or is nil).
	KindNone Kind = iota
	KindUsage
	KindResource
	KindDevice
)

// String returns the category name.
func (k Kind) String() string {
	switch k {
	case KindUsage:
		return "usage"
	case KindResource:
		return "resource"
	case KindDevice:
		return "device"
	default:
		return "none"
	}
}

// KindOf returns the category of err.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrDevice):
		return KindDevice
	case errors.Is(err, ErrResource):
		return KindResource
	case errors.Is(err, ErrUsage):
		return KindUsage
	default:
		return KindNone
	}
}

// Recoverable reports whether the caller may drop the current frame and
// continue with the next one.
func Recoverable(err error) bool {
	k := KindOf(err)
	return k == KindUsage || k == KindResource
}
