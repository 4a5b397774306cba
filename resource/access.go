package resource

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Access is the read/write half of an AccessMode.
type Access uint8

const (
	AccessNone      Access = 0
	AccessRead      Access = 1
	AccessWrite     Access = 2
	AccessReadWrite        = AccessRead | AccessWrite
)

// String returns a short name for the access.
func (a Access) String() string {
	switch a {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessReadWrite:
		return "read-write"
	default:
		return "none"
	}
}

// Usage is the usage category half of an AccessMode.
type Usage uint8

const (
	// UsageNone is the usage of a resource in the undefined state.
	UsageNone Usage = iota
	UsageShaderStorage
	UsageShaderSample
	UsageUniform
	UsageTransferSrc
	UsageTransferDst
	UsageColorAttachment
	UsageDepthStencilAttachment
	UsageHost
	UsagePresent
	UsageIndexBuffer
	UsageVertexBuffer
	UsageIndirectBuffer

	usageCount
)

var usageNames = [usageCount]string{
	UsageNone:                   "undefined",
	UsageShaderStorage:          "shader-storage",
	UsageShaderSample:           "shader-sample",
	UsageUniform:                "uniform",
	UsageTransferSrc:            "transfer-src",
	UsageTransferDst:            "transfer-dst",
	UsageColorAttachment:        "color-attachment",
	UsageDepthStencilAttachment: "depth-stencil-attachment",
	UsageHost:                   "host",
	UsagePresent:                "present",
	UsageIndexBuffer:            "index-buffer",
	UsageVertexBuffer:           "vertex-buffer",
	UsageIndirectBuffer:         "indirect-buffer",
}

// String returns the usage category name.
func (u Usage) String() string {
	if u < usageCount {
		return usageNames[u]
	}
	return fmt.Sprintf("Usage(%d)", uint8(u))
}

// Valid reports whether u is a known, defined usage category.
func (u Usage) Valid() bool {
	return u > UsageNone && u < usageCount
}

// ReadOnly reports whether the usage can never be written through.
func (u Usage) ReadOnly() bool {
	switch u {
	case UsageShaderSample, UsageUniform, UsageTransferSrc, UsagePresent,
		UsageIndexBuffer, UsageVertexBuffer, UsageIndirectBuffer:
		return true
	}
	return false
}

// ImageOnly reports whether the usage applies to images exclusively.
func (u Usage) ImageOnly() bool {
	switch u {
	case UsageShaderSample, UsageColorAttachment, UsageDepthStencilAttachment, UsagePresent:
		return true
	}
	return false
}

// BufferOnly reports whether the usage applies to buffers exclusively.
func (u Usage) BufferOnly() bool {
	switch u {
	case UsageUniform, UsageHost, UsageIndexBuffer, UsageVertexBuffer, UsageIndirectBuffer:
		return true
	}
	return false
}

// AccessMode is a tagged access: read/write crossed with a usage category
// and an optional shader-stage mask. The zero value is the undefined state.
type AccessMode struct {
	Access Access
	Usage  Usage
	Stages gputypes.ShaderStages
}

// Mode returns an AccessMode without a stage mask.
func Mode(a Access, u Usage) AccessMode {
	return AccessMode{Access: a, Usage: u}
}

// WithStages returns a copy of m restricted to the given shader stages.
func (m AccessMode) WithStages(s gputypes.ShaderStages) AccessMode {
	m.Stages = s
	return m
}

// Undefined reports whether m is the undefined (never accessed or
// externally owned) state.
func (m AccessMode) Undefined() bool {
	return m.Access == AccessNone && m.Usage == UsageNone
}

// Reads reports whether the access reads the resource.
func (m AccessMode) Reads() bool { return m.Access&AccessRead != 0 }

// Writes reports whether the access writes the resource.
func (m AccessMode) Writes() bool { return m.Access&AccessWrite != 0 }

// String returns a compact description such as "write:color-attachment".
func (m AccessMode) String() string {
	if m.Undefined() {
		return "undefined"
	}
	if m.Stages != 0 {
		return m.Access.String() + ":" + m.Usage.String() + "@" + m.Stages.String()
	}
	return m.Access.String() + ":" + m.Usage.String()
}

// TextureUsage maps the access to the texture usage state used for
// hardware transitions. Present and the undefined state map to
// TextureUsageNone.
func (m AccessMode) TextureUsage() gputypes.TextureUsage {
	switch m.Usage {
	case UsageShaderStorage:
		return gputypes.TextureUsageStorageBinding
	case UsageShaderSample:
		return gputypes.TextureUsageTextureBinding
	case UsageTransferSrc:
		return gputypes.TextureUsageCopySrc
	case UsageTransferDst:
		return gputypes.TextureUsageCopyDst
	case UsageColorAttachment, UsageDepthStencilAttachment:
		return gputypes.TextureUsageRenderAttachment
	default:
		return gputypes.TextureUsageNone
	}
}

// BufferUsage maps the access to the buffer usage state used for
// hardware transitions.
func (m AccessMode) BufferUsage() gputypes.BufferUsage {
	switch m.Usage {
	case UsageShaderStorage:
		return gputypes.BufferUsageStorage
	case UsageUniform:
		return gputypes.BufferUsageUniform
	case UsageTransferSrc:
		return gputypes.BufferUsageCopySrc
	case UsageTransferDst:
		return gputypes.BufferUsageCopyDst
	case UsageIndexBuffer:
		return gputypes.BufferUsageIndex
	case UsageVertexBuffer:
		return gputypes.BufferUsageVertex
	case UsageIndirectBuffer:
		return gputypes.BufferUsageIndirect
	case UsageHost:
		if m.Writes() {
			return gputypes.BufferUsageMapWrite
		}
		return gputypes.BufferUsageMapRead
	default:
		return gputypes.BufferUsageNone
	}
}

// Request pairs a logical resource with the access a task makes to it.
type Request struct {
	Resource ID
	Mode     AccessMode
}

// Read returns a read request for id.
func Read(id ID, u Usage) Request {
	return Request{Resource: id, Mode: Mode(AccessRead, u)}
}

// Write returns a write request for id.
func Write(id ID, u Usage) Request {
	return Request{Resource: id, Mode: Mode(AccessWrite, u)}
}

// ReadWrite returns a read-write request for id.
func ReadWrite(id ID, u Usage) Request {
	return Request{Resource: id, Mode: Mode(AccessReadWrite, u)}
}

// At returns a copy of r restricted to the given shader stages.
func (r Request) At(s gputypes.ShaderStages) Request {
	r.Mode.Stages = s
	return r
}
