package graph

import (
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/resource"
)

// ErrInvalidPayload is returned when a payload is malformed or touches a
// resource its task did not declare.
var ErrInvalidPayload = fmt.Errorf("%w: graph: invalid payload", fault.ErrUsage)

// Encoder is what a payload replays into. The executor implements it on
// top of a hal.CommandEncoder and the frame's physical bindings.
type Encoder interface {
	Raw() hal.CommandEncoder
	Kind(id resource.ID) resource.Kind
	Buffer(id resource.ID) (hal.Buffer, error)
	Texture(id resource.ID) (hal.Texture, error)
	View(id resource.ID) (hal.TextureView, error)
}

// PayloadKind tags the payload variants.
type PayloadKind uint8

const (
	KindNone PayloadKind = iota
	KindDraw
	KindDispatch
	KindCopy
	KindBlit
	KindClear
)

// String returns the variant name.
func (k PayloadKind) String() string {
	switch k {
	case KindDraw:
		return "draw"
	case KindDispatch:
		return "dispatch"
	case KindCopy:
		return "copy"
	case KindBlit:
		return "blit"
	case KindClear:
		return "clear"
	default:
		return "none"
	}
}

// Payload is the recorded work of a task. The set of variants is closed:
// Draw, Dispatch, Copy, Blit and Clear.
type Payload interface {
	Kind() PayloadKind
	Replay(enc Encoder) error

	uses() []use
}

// use is a resource a payload touches. The task must declare an access to
// it with one of the listed usages.
type use struct {
	id     resource.ID
	usages []resource.Usage
	write  bool
}

// KindOf returns the variant of p, or KindNone for a nil payload.
func KindOf(p Payload) PayloadKind {
	if p == nil {
		return KindNone
	}
	return p.Kind()
}

// ColorTarget is one color attachment of a Draw.
type ColorTarget struct {
	Image resource.ID
	Load  gputypes.LoadOp
	Store gputypes.StoreOp
	Clear gputypes.Color
}

// DepthTarget is the depth-stencil attachment of a Draw. The stencil
// operations are only passed on when set; formats with a stencil plane
// need them.
type DepthTarget struct {
	Image    resource.ID
	Load     gputypes.LoadOp
	Store    gputypes.StoreOp
	Clear    float32
	ReadOnly bool

	StencilLoad  gputypes.LoadOp
	StencilStore gputypes.StoreOp
	StencilClear uint32
}

// Draw records a render pass. Encode issues the draws; a nil Encode
// only performs the attachment load and store operations.
type Draw struct {
	Label  string
	Color  []ColorTarget
	Depth  *DepthTarget
	Encode func(pass hal.RenderPassEncoder)
}

func (*Draw) Kind() PayloadKind { return KindDraw }

func (d *Draw) uses() []use {
	out := make([]use, 0, len(d.Color)+1)
	for _, c := range d.Color {
		out = append(out, use{id: c.Image, usages: []resource.Usage{resource.UsageColorAttachment}, write: true})
	}
	if d.Depth != nil {
		out = append(out, use{
			id:     d.Depth.Image,
			usages: []resource.Usage{resource.UsageDepthStencilAttachment},
			write:  !d.Depth.ReadOnly,
		})
	}
	return out
}

// Replay begins the render pass, runs Encode and ends the pass.
func (d *Draw) Replay(enc Encoder) error {
	desc := &hal.RenderPassDescriptor{Label: d.Label}
	for _, c := range d.Color {
		view, err := enc.View(c.Image)
		if err != nil {
			return fmt.Errorf("draw %q: %w", d.Label, err)
		}
		desc.ColorAttachments = append(desc.ColorAttachments, hal.RenderPassColorAttachment{
			View:       view,
			LoadOp:     loadOr(c.Load),
			StoreOp:    storeOr(c.Store),
			ClearValue: c.Clear,
		})
	}
	if d.Depth != nil {
		view, err := enc.View(d.Depth.Image)
		if err != nil {
			return fmt.Errorf("draw %q: %w", d.Label, err)
		}
		desc.DepthStencilAttachment = &hal.RenderPassDepthStencilAttachment{
			View:            view,
			DepthLoadOp:     loadOr(d.Depth.Load),
			DepthStoreOp:    storeOr(d.Depth.Store),
			DepthClearValue: d.Depth.Clear,
			DepthReadOnly:   d.Depth.ReadOnly,

			StencilLoadOp:     d.Depth.StencilLoad,
			StencilStoreOp:    d.Depth.StencilStore,
			StencilClearValue: d.Depth.StencilClear,
			StencilReadOnly:   d.Depth.ReadOnly,
		}
	}

	pass := enc.Raw().BeginRenderPass(desc)
	if d.Encode != nil {
		d.Encode(pass)
	}
	pass.End()
	return nil
}

// Dispatch records a compute pass. With Encode nil the pass binds
// Pipeline and BindGroups and dispatches Groups workgroups.
type Dispatch struct {
	Label      string
	Pipeline   hal.ComputePipeline
	BindGroups []hal.BindGroup
	Groups     [3]uint32
	Encode     func(pass hal.ComputePassEncoder)
}

func (*Dispatch) Kind() PayloadKind { return KindDispatch }
func (*Dispatch) uses() []use       { return nil }

// Replay begins the compute pass, records the work and ends the pass.
func (d *Dispatch) Replay(enc Encoder) error {
	pass := enc.Raw().BeginComputePass(&hal.ComputePassDescriptor{Label: d.Label})
	if d.Encode != nil {
		d.Encode(pass)
	} else if d.Pipeline != nil {
		pass.SetPipeline(d.Pipeline)
		for i, bg := range d.BindGroups {
			pass.SetBindGroup(uint32(i), bg, nil) //nolint:gosec // bind group count is bounded by device limits
		}
		pass.Dispatch(d.Groups[0], d.Groups[1], d.Groups[2])
	}
	pass.End()
	return nil
}

// Copy copies Size bytes between two buffers.
type Copy struct {
	Src, Dst             resource.ID
	SrcOffset, DstOffset uint64
	Size                 uint64
}

func (*Copy) Kind() PayloadKind { return KindCopy }

func (c *Copy) uses() []use {
	return []use{
		{id: c.Src, usages: []resource.Usage{resource.UsageTransferSrc}},
		{id: c.Dst, usages: []resource.Usage{resource.UsageTransferDst}, write: true},
	}
}

// Replay records the buffer copy.
func (c *Copy) Replay(enc Encoder) error {
	src, err := enc.Buffer(c.Src)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	dst, err := enc.Buffer(c.Dst)
	if err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	enc.Raw().CopyBufferToBuffer(src, dst, []hal.BufferCopy{{
		SrcOffset: c.SrcOffset,
		DstOffset: c.DstOffset,
		Size:      c.Size,
	}})
	return nil
}

// Blit copies a region between two images.
type Blit struct {
	Src, Dst       resource.ID
	SrcMip, DstMip uint32
	Size           hal.Extent3D
}

func (*Blit) Kind() PayloadKind { return KindBlit }

func (b *Blit) uses() []use {
	return []use{
		{id: b.Src, usages: []resource.Usage{resource.UsageTransferSrc}},
		{id: b.Dst, usages: []resource.Usage{resource.UsageTransferDst}, write: true},
	}
}

// Replay records the image copy.
func (b *Blit) Replay(enc Encoder) error {
	src, err := enc.Texture(b.Src)
	if err != nil {
		return fmt.Errorf("blit: %w", err)
	}
	dst, err := enc.Texture(b.Dst)
	if err != nil {
		return fmt.Errorf("blit: %w", err)
	}
	enc.Raw().CopyTextureToTexture(src, dst, []hal.TextureCopy{{
		SrcBase: hal.ImageCopyTexture{Texture: src, MipLevel: b.SrcMip, Aspect: gputypes.TextureAspectAll},
		DstBase: hal.ImageCopyTexture{Texture: dst, MipLevel: b.DstMip, Aspect: gputypes.TextureAspectAll},
		Size:    b.Size,
	}})
	return nil
}

// Clear fills a buffer range with zeros or clears an image to Color.
type Clear struct {
	Target       resource.ID
	Color        gputypes.Color
	Offset, Size uint64
}

func (*Clear) Kind() PayloadKind { return KindClear }

func (c *Clear) uses() []use {
	return []use{{
		id:     c.Target,
		usages: []resource.Usage{resource.UsageTransferDst, resource.UsageColorAttachment},
		write:  true,
	}}
}

// Replay records the clear. Images are cleared with an empty render
// pass, so an image clear is graphics work declared as a color
// attachment write; buffers are cleared as transfer writes.
func (c *Clear) Replay(enc Encoder) error {
	if enc.Kind(c.Target) == resource.KindBuffer {
		buf, err := enc.Buffer(c.Target)
		if err != nil {
			return fmt.Errorf("clear: %w", err)
		}
		enc.Raw().ClearBuffer(buf, c.Offset, c.Size)
		return nil
	}
	d := &Draw{Label: "clear", Color: []ColorTarget{{
		Image: c.Target,
		Load:  gputypes.LoadOpClear,
		Store: gputypes.StoreOpStore,
		Clear: c.Color,
	}}}
	return d.Replay(enc)
}

func loadOr(op gputypes.LoadOp) gputypes.LoadOp {
	if op == 0 {
		return gputypes.LoadOpLoad
	}
	return op
}

func storeOr(op gputypes.StoreOp) gputypes.StoreOp {
	if op == 0 {
		return gputypes.StoreOpStore
	}
	return op
}

// checkPayload verifies that every resource the payload touches is
// declared by the task with a compatible access.
func checkPayload(p Payload, accesses []resource.Request) error {
	if p == nil {
		return nil
	}
	if d, ok := p.(*Draw); ok && len(d.Color) == 0 && d.Depth == nil {
		return fmt.Errorf("draw %q has no attachments: %w", d.Label, ErrInvalidPayload)
	}
	for _, u := range p.uses() {
		i := slices.IndexFunc(accesses, func(r resource.Request) bool { return r.Resource == u.id })
		if i < 0 {
			return fmt.Errorf("%s touches undeclared resource %d: %w", p.Kind(), u.id, ErrInvalidPayload)
		}
		m := accesses[i].Mode
		if !slices.Contains(u.usages, m.Usage) {
			return fmt.Errorf("%s uses resource %d as %s: %w", p.Kind(), u.id, m, ErrInvalidPayload)
		}
		if u.write && !m.Writes() {
			return fmt.Errorf("%s writes resource %d declared %s: %w", p.Kind(), u.id, m, ErrInvalidPayload)
		}
	}
	return nil
}

// resourceLookup reports the kind of a resource. *resource.Registry
// implements it.
type resourceLookup interface {
	Get(id resource.ID) (resource.LogicalResource, bool)
}

// checkClearTarget matches the declared usage of a Clear target to how
// the clear is recorded. It needs a validator that can look resources up.
func checkClearTarget(p Payload, accesses []resource.Request, v Validator) error {
	c, ok := p.(*Clear)
	if !ok {
		return nil
	}
	lookup, ok := v.(resourceLookup)
	if !ok {
		return nil
	}
	res, ok := lookup.Get(c.Target)
	if !ok {
		return nil
	}
	i := slices.IndexFunc(accesses, func(r resource.Request) bool { return r.Resource == c.Target })
	if i < 0 {
		return nil
	}
	want := resource.UsageTransferDst
	if res.Kind == resource.KindImage {
		want = resource.UsageColorAttachment
	}
	if u := accesses[i].Mode.Usage; u != want {
		return fmt.Errorf("clear of %s %q declared as %s, want %s: %w", res.Kind, res.Label, u, want, ErrInvalidPayload)
	}
	return nil
}

// ErrNotBound is returned by Encoder implementations when a resource has
// no physical backing at record time.
var ErrNotBound = fmt.Errorf("%w: graph: resource has no physical binding", fault.ErrResource)
