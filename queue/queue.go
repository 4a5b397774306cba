// Package queue describes hardware queue types and what each can execute.
package queue

import "github.com/gogpu/rendergraph/resource"

// Type is a hardware queue type.
type Type uint8

const (
	None Type = iota
	Graphics
	Compute
	Transfer

	// Count is the number of real queue types, indexable as Type-1.
	Count = 3
)

// All lists the real queue types in submission priority order.
var All = [Count]Type{Graphics, Compute, Transfer}

// String returns the queue name.
func (t Type) String() string {
	switch t {
	case Graphics:
		return "graphics"
	case Compute:
		return "compute"
	case Transfer:
		return "transfer"
	default:
		return "none"
	}
}

// Index returns a dense index for per-queue arrays, or -1 for None.
func (t Type) Index() int {
	if t < Graphics || t > Transfer {
		return -1
	}
	return int(t) - 1
}

// Preference is the queue a task asks for.
type Preference uint8

const (
	// Any leaves the choice to the dispatcher.
	Any Preference = iota
	PreferGraphics
	PreferCompute
	PreferTransfer
)

// Pinned reports whether p names a specific queue.
func (p Preference) Pinned() bool { return p != Any }

// Type returns the queue a pinned preference names, or None for Any.
func (p Preference) Type() Type {
	switch p {
	case PreferGraphics:
		return Graphics
	case PreferCompute:
		return Compute
	case PreferTransfer:
		return Transfer
	default:
		return None
	}
}

// String returns the preference name.
func (p Preference) String() string {
	if p == Any {
		return "any"
	}
	return p.Type().String()
}

// Capabilities records which async queues the device exposes. It is
// captured once when the scheduler is created.
type Capabilities struct {
	AsyncCompute  bool
	AsyncTransfer bool
}

// Available reports whether the device exposes t.
func (c Capabilities) Available(t Type) bool {
	switch t {
	case Graphics:
		return true
	case Compute:
		return c.AsyncCompute
	case Transfer:
		return c.AsyncTransfer
	default:
		return false
	}
}

// Resolve maps t to the queue that will actually run its work. Missing
// async queues fold back onto Graphics. The second result reports whether
// a fallback happened.
func (c Capabilities) Resolve(t Type) (Type, bool) {
	if c.Available(t) {
		return t, false
	}
	return Graphics, t != Graphics
}

// Supports reports whether a queue of type t can perform an access with
// usage category u, including the layout transitions it implies.
func Supports(t Type, u resource.Usage) bool {
	switch t {
	case Graphics:
		return true
	case Compute:
		switch u {
		case resource.UsageShaderStorage, resource.UsageShaderSample, resource.UsageUniform,
			resource.UsageTransferSrc, resource.UsageTransferDst, resource.UsageHost,
			resource.UsageIndirectBuffer:
			return true
		}
		return false
	case Transfer:
		switch u {
		case resource.UsageTransferSrc, resource.UsageTransferDst, resource.UsageHost:
			return true
		}
		return false
	default:
		return false
	}
}
