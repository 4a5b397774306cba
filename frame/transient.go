package frame

import (
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/resource"
)

type imageKey struct {
	width, height, layers, mips, samples uint32
	format                               gputypes.TextureFormat
	usage                                gputypes.TextureUsage
}

type bufferKey struct {
	size  uint64
	usage gputypes.BufferUsage
}

// leased is a physical allocation lent to one batch.
type leased struct {
	image   imageKey
	buffer  bufferKey
	binding resource.Binding
}

// TransientPool backs virtual resources with physical memory for the
// duration of one frame. Allocations return to the pool when their batch
// retires and are reused by later frames with an identical description.
type TransientPool struct {
	device hal.Device

	mu      sync.Mutex
	images  map[imageKey][]resource.Binding
	buffers map[bufferKey][]resource.Binding
	created int
	reused  int
}

// NewTransientPool creates an empty pool allocating from device.
func NewTransientPool(device hal.Device) *TransientPool {
	return &TransientPool{
		device:  device,
		images:  make(map[imageKey][]resource.Binding),
		buffers: make(map[bufferKey][]resource.Binding),
	}
}

// Stats returns how many allocations were created and how many leases
// were served from the pool.
func (p *TransientPool) Stats() (created, reused int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, p.reused
}

func (p *TransientPool) lease(res resource.LogicalResource) (leased, error) {
	switch res.Kind {
	case resource.KindImage:
		return p.leaseImage(res)
	case resource.KindBuffer:
		return p.leaseBuffer(res)
	default:
		return leased{}, fmt.Errorf("transient %s %q: %w", res.Kind, res.Label, resource.ErrUsageKindMismatch)
	}
}

func (p *TransientPool) leaseImage(res resource.LogicalResource) (leased, error) {
	d := res.Image
	k := imageKey{
		width: d.Width, height: d.Height, layers: d.Layers, mips: d.MipLevels,
		samples: d.SampleCount, format: d.Format, usage: d.Usage,
	}

	p.mu.Lock()
	if free := p.images[k]; len(free) > 0 {
		b := free[len(free)-1]
		p.images[k] = free[:len(free)-1]
		p.reused++
		p.mu.Unlock()
		return leased{image: k, binding: b}, nil
	}
	p.mu.Unlock()

	tex, err := p.device.CreateTexture(&hal.TextureDescriptor{
		Label: res.Label,
		Size: hal.Extent3D{
			Width:              d.Width,
			Height:             d.Height,
			DepthOrArrayLayers: max(d.Layers, 1),
		},
		MipLevelCount: max(d.MipLevels, 1),
		SampleCount:   max(d.SampleCount, 1),
		Dimension:     gputypes.TextureDimension2D,
		Format:        d.Format,
		Usage:         d.Usage,
	})
	if err != nil {
		return leased{}, fmt.Errorf("transient image %q: %w", res.Label, err)
	}
	view, err := p.device.CreateTextureView(tex, &hal.TextureViewDescriptor{
		Label:     res.Label,
		Format:    d.Format,
		Dimension: gputypes.TextureViewDimension2D,
		Aspect:    gputypes.TextureAspectAll,
	})
	if err != nil {
		p.device.DestroyTexture(tex)
		return leased{}, fmt.Errorf("transient image view %q: %w", res.Label, err)
	}

	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return leased{image: k, binding: resource.Binding{Texture: tex, View: view}}, nil
}

func (p *TransientPool) leaseBuffer(res resource.LogicalResource) (leased, error) {
	k := bufferKey{size: res.Buffer.Size, usage: res.Buffer.Usage}

	p.mu.Lock()
	if free := p.buffers[k]; len(free) > 0 {
		b := free[len(free)-1]
		p.buffers[k] = free[:len(free)-1]
		p.reused++
		p.mu.Unlock()
		return leased{buffer: k, binding: b}, nil
	}
	p.mu.Unlock()

	buf, err := p.device.CreateBuffer(&hal.BufferDescriptor{
		Label: res.Label,
		Size:  res.Buffer.Size,
		Usage: res.Buffer.Usage,
	})
	if err != nil {
		return leased{}, fmt.Errorf("transient buffer %q: %w", res.Label, err)
	}

	p.mu.Lock()
	p.created++
	p.mu.Unlock()
	return leased{buffer: k, binding: resource.Binding{Buffer: buf}}, nil
}

// give returns a lease to the pool.
func (p *TransientPool) give(l leased) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.binding.Buffer != nil {
		p.buffers[l.buffer] = append(p.buffers[l.buffer], l.binding)
		return
	}
	p.images[l.image] = append(p.images[l.image], l.binding)
}

// Destroy releases every pooled allocation. Leases still held by live
// batches are not tracked and must be retired first.
func (p *TransientPool) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.images {
		for _, b := range list {
			p.device.DestroyTextureView(b.View)
			p.device.DestroyTexture(b.Texture)
		}
	}
	for _, list := range p.buffers {
		for _, b := range list {
			p.device.DestroyBuffer(b.Buffer)
		}
	}
	p.images = make(map[imageKey][]resource.Binding)
	p.buffers = make(map[bufferKey][]resource.Binding)
}
