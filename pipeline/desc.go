package pipeline

import (
	"hash"
	"maps"
	"math"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
)

// Default entry points used when a descriptor leaves them empty.
const (
	DefaultVertexEntry   = "vs_main"
	DefaultFragmentEntry = "fs_main"
	DefaultComputeEntry  = "main"
)

// Labels are debug names only: they take no part in hashing or equality,
// so two descriptors that differ only in label share one pipeline.

// =============================================================================
// Layouts
// =============================================================================

// LayoutDesc describes a pipeline layout as a list of bind group layouts.
type LayoutDesc struct {
	Label         string
	Groups        [][]gputypes.BindGroupLayoutEntry
	PushConstants []hal.PushConstantRange
}

func (d *LayoutDesc) writeHash(h hash.Hash64) {
	hashWriteLen(h, len(d.Groups))
	for _, g := range d.Groups {
		hashWriteLen(h, len(g))
		for i := range g {
			hashWriteEntry(h, &g[i])
		}
	}
	hashWriteLen(h, len(d.PushConstants))
	for _, p := range d.PushConstants {
		hashWriteUint32(h, uint32(p.Stages))
		hashWriteUint32(h, p.Range.Start)
		hashWriteUint32(h, p.Range.End)
	}
}

// HashLayout computes the FNV-1a hash of d.
func HashLayout(d *LayoutDesc) uint64 {
	h := DefaultHasher()
	d.writeHash(h)
	return h.Sum64()
}

// Equal reports whether d and o describe the same layout.
func (d *LayoutDesc) Equal(o *LayoutDesc) bool {
	return slices.EqualFunc(d.Groups, o.Groups, func(a, b []gputypes.BindGroupLayoutEntry) bool {
		return slices.EqualFunc(a, b, entryEqual)
	}) && slices.Equal(d.PushConstants, o.PushConstants)
}

func (d *LayoutDesc) clone() LayoutDesc {
	c := LayoutDesc{Label: d.Label, PushConstants: slices.Clone(d.PushConstants)}
	c.Groups = make([][]gputypes.BindGroupLayoutEntry, len(d.Groups))
	for i, g := range d.Groups {
		c.Groups[i] = make([]gputypes.BindGroupLayoutEntry, len(g))
		for j := range g {
			c.Groups[i][j] = cloneEntry(g[j])
		}
	}
	return c
}

func entryEqual(a, b gputypes.BindGroupLayoutEntry) bool {
	return a.Binding == b.Binding &&
		a.Visibility == b.Visibility &&
		ptrEqual(a.Buffer, b.Buffer) &&
		ptrEqual(a.Sampler, b.Sampler) &&
		ptrEqual(a.Texture, b.Texture) &&
		ptrEqual(a.StorageTexture, b.StorageTexture)
}

func cloneEntry(e gputypes.BindGroupLayoutEntry) gputypes.BindGroupLayoutEntry {
	e.Buffer = clonePtr(e.Buffer)
	e.Sampler = clonePtr(e.Sampler)
	e.Texture = clonePtr(e.Texture)
	e.StorageTexture = clonePtr(e.StorageTexture)
	return e
}

func ptrEqual[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Layout is a cached pipeline layout and its bind group layouts.
type Layout struct {
	hash   uint64
	desc   LayoutDesc
	groups []hal.BindGroupLayout
	raw    hal.PipelineLayout
}

// Raw returns the device pipeline layout.
func (l *Layout) Raw() hal.PipelineLayout { return l.raw }

// Group returns the bind group layout of set i.
func (l *Layout) Group(i int) hal.BindGroupLayout { return l.groups[i] }

// Groups returns the number of bind group layouts.
func (l *Layout) Groups() int { return len(l.groups) }

func (l *Layout) destroy(device hal.Device) {
	if l.raw != nil {
		device.DestroyPipelineLayout(l.raw)
	}
	for _, g := range l.groups {
		device.DestroyBindGroupLayout(g)
	}
	l.raw, l.groups = nil, nil
}

func sameLayout(a, b *Layout) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.hash == b.hash && a.desc.Equal(&b.desc)
}

func hashWriteLayout(h hash.Hash64, l *Layout) {
	hashWriteBool(h, l != nil)
	if l != nil {
		hashWriteUint64(h, l.hash)
	}
}

func hashWriteShader(h hash.Hash64, s *Shader) {
	hashWriteBool(h, s != nil)
	if s != nil {
		hashWriteUint64(h, s.hash)
	}
}

// =============================================================================
// Render pipelines
// =============================================================================

// DepthState is the depth test configuration of a render pipeline.
type DepthState struct {
	Format       gputypes.TextureFormat
	WriteEnabled bool
	Compare      gputypes.CompareFunction
}

// RenderPipelineDesc describes a render pipeline. Fragment may be nil for
// depth-only pipelines.
type RenderPipelineDesc struct {
	Label         string
	Layout        *Layout
	Vertex        *Shader
	VertexEntry   string
	Fragment      *Shader
	FragmentEntry string
	Buffers       []gputypes.VertexBufferLayout
	Primitive     gputypes.PrimitiveState
	Targets       []gputypes.ColorTargetState
	Depth         *DepthState
	SampleCount   uint32
}

func (d *RenderPipelineDesc) vertexEntry() string {
	if d.VertexEntry == "" {
		return DefaultVertexEntry
	}
	return d.VertexEntry
}

func (d *RenderPipelineDesc) fragmentEntry() string {
	if d.Fragment == nil {
		return ""
	}
	if d.FragmentEntry == "" {
		return DefaultFragmentEntry
	}
	return d.FragmentEntry
}

func (d *RenderPipelineDesc) samples() uint32 { return max(d.SampleCount, 1) }

func (d *RenderPipelineDesc) writeHash(h hash.Hash64) {
	hashWriteLayout(h, d.Layout)
	hashWriteShader(h, d.Vertex)
	hashWriteString(h, d.vertexEntry())
	hashWriteShader(h, d.Fragment)
	hashWriteString(h, d.fragmentEntry())

	hashWriteLen(h, len(d.Buffers))
	for i := range d.Buffers {
		b := &d.Buffers[i]
		hashWriteUint64(h, b.ArrayStride)
		hashWriteUint32(h, uint32(b.StepMode))
		hashWriteLen(h, len(b.Attributes))
		for _, a := range b.Attributes {
			hashWriteUint32(h, a.ShaderLocation)
			hashWriteUint32(h, uint32(a.Format))
			hashWriteUint64(h, a.Offset)
		}
	}

	p := &d.Primitive
	hashWriteUint32(h, uint32(p.Topology))
	hashWriteBool(h, p.StripIndexFormat != nil)
	if p.StripIndexFormat != nil {
		hashWriteUint32(h, uint32(*p.StripIndexFormat))
	}
	hashWriteUint32(h, uint32(p.FrontFace))
	hashWriteUint32(h, uint32(p.CullMode))
	hashWriteBool(h, p.UnclippedDepth)

	hashWriteLen(h, len(d.Targets))
	for i := range d.Targets {
		t := &d.Targets[i]
		hashWriteUint32(h, uint32(t.Format))
		hashWriteBlend(h, t.Blend)
		hashWriteUint32(h, uint32(t.WriteMask))
	}

	hashWriteBool(h, d.Depth != nil)
	if d.Depth != nil {
		hashWriteUint32(h, uint32(d.Depth.Format))
		hashWriteBool(h, d.Depth.WriteEnabled)
		hashWriteUint32(h, uint32(d.Depth.Compare))
	}
	hashWriteUint32(h, d.samples())
}

// HashRenderPipeline computes the FNV-1a hash of d.
func HashRenderPipeline(d *RenderPipelineDesc) uint64 {
	h := DefaultHasher()
	d.writeHash(h)
	return h.Sum64()
}

// Equal reports whether d and o describe the same pipeline, after
// applying entry point and sample count defaults.
func (d *RenderPipelineDesc) Equal(o *RenderPipelineDesc) bool {
	return sameLayout(d.Layout, o.Layout) &&
		sameShader(d.Vertex, o.Vertex) &&
		d.vertexEntry() == o.vertexEntry() &&
		sameShader(d.Fragment, o.Fragment) &&
		d.fragmentEntry() == o.fragmentEntry() &&
		slices.EqualFunc(d.Buffers, o.Buffers, vertexLayoutEqual) &&
		primitiveEqual(d.Primitive, o.Primitive) &&
		slices.EqualFunc(d.Targets, o.Targets, targetEqual) &&
		ptrEqual(d.Depth, o.Depth) &&
		d.samples() == o.samples()
}

func (d *RenderPipelineDesc) clone() RenderPipelineDesc {
	c := *d
	c.Buffers = make([]gputypes.VertexBufferLayout, len(d.Buffers))
	for i, b := range d.Buffers {
		b.Attributes = slices.Clone(b.Attributes)
		c.Buffers[i] = b
	}
	c.Primitive.StripIndexFormat = clonePtr(d.Primitive.StripIndexFormat)
	c.Targets = make([]gputypes.ColorTargetState, len(d.Targets))
	for i, t := range d.Targets {
		t.Blend = clonePtr(t.Blend)
		c.Targets[i] = t
	}
	c.Depth = clonePtr(d.Depth)
	return c
}

func vertexLayoutEqual(a, b gputypes.VertexBufferLayout) bool {
	return a.ArrayStride == b.ArrayStride &&
		a.StepMode == b.StepMode &&
		slices.Equal(a.Attributes, b.Attributes)
}

func primitiveEqual(a, b gputypes.PrimitiveState) bool {
	return a.Topology == b.Topology &&
		ptrEqual(a.StripIndexFormat, b.StripIndexFormat) &&
		a.FrontFace == b.FrontFace &&
		a.CullMode == b.CullMode &&
		a.UnclippedDepth == b.UnclippedDepth
}

func targetEqual(a, b gputypes.ColorTargetState) bool {
	return a.Format == b.Format && a.WriteMask == b.WriteMask && ptrEqual(a.Blend, b.Blend)
}

// RenderPipeline is a cached render pipeline.
type RenderPipeline struct {
	hash  uint64
	label string
	raw   hal.RenderPipeline
}

// Raw returns the device pipeline.
func (p *RenderPipeline) Raw() hal.RenderPipeline { return p.raw }

// Label returns the label of the descriptor the pipeline was created from.
func (p *RenderPipeline) Label() string { return p.label }

// =============================================================================
// Compute pipelines
// =============================================================================

// ComputePipelineDesc describes a compute pipeline.
type ComputePipelineDesc struct {
	Label      string
	Layout     *Layout
	Shader     *Shader
	EntryPoint string
	Constants  map[string]float64
}

func (d *ComputePipelineDesc) entry() string {
	if d.EntryPoint == "" {
		return DefaultComputeEntry
	}
	return d.EntryPoint
}

func (d *ComputePipelineDesc) writeHash(h hash.Hash64) {
	hashWriteLayout(h, d.Layout)
	hashWriteShader(h, d.Shader)
	hashWriteString(h, d.entry())
	keys := slices.Sorted(maps.Keys(d.Constants))
	hashWriteLen(h, len(keys))
	for _, k := range keys {
		hashWriteString(h, k)
		hashWriteUint64(h, math.Float64bits(d.Constants[k]))
	}
}

// HashComputePipeline computes the FNV-1a hash of d.
func HashComputePipeline(d *ComputePipelineDesc) uint64 {
	h := DefaultHasher()
	d.writeHash(h)
	return h.Sum64()
}

// Equal reports whether d and o describe the same pipeline.
func (d *ComputePipelineDesc) Equal(o *ComputePipelineDesc) bool {
	return sameLayout(d.Layout, o.Layout) &&
		sameShader(d.Shader, o.Shader) &&
		d.entry() == o.entry() &&
		maps.EqualFunc(d.Constants, o.Constants, func(a, b float64) bool {
			return math.Float64bits(a) == math.Float64bits(b)
		})
}

func (d *ComputePipelineDesc) clone() ComputePipelineDesc {
	c := *d
	c.Constants = maps.Clone(d.Constants)
	return c
}

// ComputePipeline is a cached compute pipeline.
type ComputePipeline struct {
	hash  uint64
	label string
	raw   hal.ComputePipeline
}

// Raw returns the device pipeline.
func (p *ComputePipeline) Raw() hal.ComputePipeline { return p.raw }

// Label returns the label of the descriptor the pipeline was created from.
func (p *ComputePipeline) Label() string { return p.label }
