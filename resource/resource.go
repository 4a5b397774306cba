// Package resource describes logical GPU resources and the accesses tasks
// make to them.
//
// A LogicalResource identifies a buffer, image, or sampler independently
// of its physical backing. Virtual resources receive physical memory only
// for the lifetime of one frame; imported resources carry a fixed binding
// supplied by the caller (for example a swapchain image).
//
// Resources are owned by a Registry. Tasks reference them by ID and never
// own them.
package resource

import (
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/fault"
)

// ID identifies a logical resource within one Registry. The zero ID is invalid.
type ID uint32

// InvalidID is never assigned to a resource.
const InvalidID ID = 0

// Kind is the kind of a logical resource.
type Kind uint8

const (
	KindBuffer Kind = iota + 1
	KindImage
	KindSampler
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindImage:
		return "image"
	case KindSampler:
		return "sampler"
	default:
		return "unknown"
	}
}

// Registry errors.
var (
	ErrUnknownResource   = fmt.Errorf("%w: resource: unknown resource", fault.ErrUsage)
	ErrUsageNotDeclared  = fmt.Errorf("%w: resource: usage not declared", fault.ErrUsage)
	ErrUsageKindMismatch = fmt.Errorf("%w: resource: usage does not apply to resource kind", fault.ErrUsage)
	ErrReadOnlyUsage     = fmt.Errorf("%w: resource: write through read-only usage", fault.ErrUsage)
	ErrUndefinedAccess   = fmt.Errorf("%w: resource: access mode is undefined", fault.ErrUsage)
	ErrBindingKind       = fmt.Errorf("%w: resource: binding does not match resource kind", fault.ErrUsage)
)

// ImageDesc describes the physical image backing a virtual or imported image.
type ImageDesc struct {
	Width       uint32
	Height      uint32
	Layers      uint32
	MipLevels   uint32
	SampleCount uint32
	Format      gputypes.TextureFormat
	Usage       gputypes.TextureUsage
}

// BufferDesc describes the physical buffer backing a virtual or imported buffer.
type BufferDesc struct {
	Size  uint64
	Usage gputypes.BufferUsage
}

// Binding is the physical backing of a resource. Only the fields matching
// the resource kind are used.
type Binding struct {
	Buffer  hal.Buffer
	Texture hal.Texture
	View    hal.TextureView
	Sampler hal.Sampler
}

// Empty reports whether no physical object is bound.
func (b Binding) Empty() bool {
	return b.Buffer == nil && b.Texture == nil && b.View == nil && b.Sampler == nil
}

// LogicalResource is the caller-visible description of one resource.
type LogicalResource struct {
	ID    ID
	Kind  Kind
	Label string

	// Buffer and Image hold the declared usage flags and, for virtual
	// resources, the shape of the frame-local allocation.
	Buffer BufferDesc
	Image  ImageDesc

	// Virtual resources get physical memory per frame.
	Virtual bool

	// External resources enter the state table in the undefined state
	// every time they are bound.
	External bool

	Binding Binding
}

// Permits reports whether the declared usage flags allow u.
func (r *LogicalResource) Permits(u Usage) bool {
	switch r.Kind {
	case KindSampler:
		return u == UsageShaderSample
	case KindBuffer:
		if u.ImageOnly() {
			return false
		}
		m := AccessMode{Access: AccessRead, Usage: u}
		if u == UsageHost {
			return r.Buffer.Usage&(gputypes.BufferUsageMapRead|gputypes.BufferUsageMapWrite) != 0
		}
		return r.Buffer.Usage.Contains(m.BufferUsage())
	case KindImage:
		if u.BufferOnly() {
			return false
		}
		if u == UsagePresent {
			return r.External
		}
		return r.Image.Usage.Contains(Mode(AccessRead, u).TextureUsage())
	}
	return false
}
