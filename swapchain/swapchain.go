// Package swapchain connects a presentation surface to the render graph.
//
// The surface image changes every frame, so the Presenter keeps one
// stable external image resource and rebinds it on each acquire. Each
// acquire re-imports the resource into the state table: the freshly
// acquired image has undefined contents and layout, and the first access
// of the frame always gets a barrier.
package swapchain

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/resource"
	"github.com/gogpu/rendergraph/state"
)

// Swapchain errors.
var (
	// ErrOutdated means the surface must be resized before the next
	// acquire. The frame can be dropped and retried.
	ErrOutdated = fmt.Errorf("%w: swapchain: surface outdated", fault.ErrResource)

	// ErrSurfaceLost means the surface is gone and the presenter must be
	// recreated.
	ErrSurfaceLost = fmt.Errorf("%w: swapchain: surface lost", fault.ErrDevice)

	ErrNotAcquired     = fmt.Errorf("%w: swapchain: no image acquired", fault.ErrUsage)
	ErrAlreadyAcquired = fmt.Errorf("%w: swapchain: image already acquired", fault.ErrUsage)
	ErrInvalidConfig   = fmt.Errorf("%w: swapchain: invalid configuration", fault.ErrUsage)
)

// Queue presents surface images. hal.Queue implements it.
type Queue interface {
	Present(surface hal.Surface, texture hal.SurfaceTexture, damage []image.Rectangle) error
}

// Retirer runs a callback once the GPU has finished the submission that
// used the presented image. *frame.Batch implements it.
type Retirer interface {
	OnRetire(fn func())
}

// Config describes the surface images.
type Config struct {
	Width, Height uint32
	Format        gputypes.TextureFormat
	PresentMode   gputypes.PresentMode
	AlphaMode     gputypes.CompositeAlphaMode
}

func (c Config) imageDesc() resource.ImageDesc {
	return resource.ImageDesc{
		Width:       c.Width,
		Height:      c.Height,
		Layers:      1,
		MipLevels:   1,
		SampleCount: 1,
		Format:      c.Format,
		Usage:       gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopyDst,
	}
}

// Presenter owns a configured surface and its image resource.
type Presenter struct {
	device   hal.Device
	surface  hal.Surface
	queue    Queue
	registry *resource.Registry
	states   *state.Table
	id       resource.ID

	mu         sync.Mutex
	cfg        Config
	texture    hal.SurfaceTexture
	view       hal.TextureView
	suboptimal bool
}

// New configures surface and registers its image in registry.
func New(device hal.Device, surface hal.Surface, q Queue, registry *resource.Registry, states *state.Table, cfg Config) (*Presenter, error) {
	if device == nil || surface == nil || q == nil || registry == nil || states == nil {
		return nil, fmt.Errorf("new presenter: %w", ErrInvalidConfig)
	}
	p := &Presenter{
		device:   device,
		surface:  surface,
		queue:    q,
		registry: registry,
		states:   states,
	}
	if err := p.configure(cfg); err != nil {
		return nil, err
	}
	p.id = registry.ImportImage("swapchain", cfg.imageDesc(), resource.Binding{})
	states.Import(p.id)
	return p, nil
}

func (p *Presenter) configure(cfg Config) error {
	if cfg.Width == 0 || cfg.Height == 0 || cfg.Format == gputypes.TextureFormatUndefined {
		return fmt.Errorf("configure %dx%d %v: %w", cfg.Width, cfg.Height, cfg.Format, ErrInvalidConfig)
	}
	err := p.surface.Configure(p.device, &hal.SurfaceConfiguration{
		Width:       cfg.Width,
		Height:      cfg.Height,
		Format:      cfg.Format,
		Usage:       cfg.imageDesc().Usage,
		PresentMode: cfg.PresentMode,
		AlphaMode:   cfg.AlphaMode,
	})
	if err != nil {
		return classify("configure", err)
	}
	p.cfg = cfg
	p.suboptimal = false
	return nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, hal.ErrSurfaceOutdated):
		return fmt.Errorf("%s: %w: %w", op, ErrOutdated, err)
	case errors.Is(err, hal.ErrSurfaceLost), errors.Is(err, hal.ErrDeviceLost):
		return fmt.Errorf("%s: %w: %w", op, ErrSurfaceLost, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// ID returns the logical resource that always names the current image.
func (p *Presenter) ID() resource.ID { return p.id }

// Config returns the current surface configuration.
func (p *Presenter) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// Suboptimal reports whether the last acquire asked for a resize.
func (p *Presenter) Suboptimal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suboptimal
}

// AcquireNext acquires the next surface image, binds it to ID and
// resets its tracked state to undefined.
func (p *Presenter) AcquireNext() (resource.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.texture != nil {
		return resource.InvalidID, ErrAlreadyAcquired
	}
	acq, err := p.surface.AcquireTexture(nil)
	if err != nil {
		return resource.InvalidID, classify("acquire", err)
	}
	view, err := p.device.CreateTextureView(acq.Texture, &hal.TextureViewDescriptor{
		Label:     "swapchain",
		Format:    p.cfg.Format,
		Dimension: gputypes.TextureViewDimension2D,
		Aspect:    gputypes.TextureAspectAll,
	})
	if err != nil {
		p.surface.DiscardTexture(acq.Texture)
		return resource.InvalidID, fmt.Errorf("swapchain view: %w", err)
	}
	if err := p.registry.Bind(p.id, resource.Binding{Texture: acq.Texture, View: view}); err != nil {
		p.device.DestroyTextureView(view)
		p.surface.DiscardTexture(acq.Texture)
		return resource.InvalidID, err
	}
	p.states.Import(p.id)

	p.texture = acq.Texture
	p.view = view
	p.suboptimal = acq.Suboptimal
	return p.id, nil
}

// Present queues the acquired image for display. The frame that renders
// into it must have been submitted on the same queue first, and after is
// that frame's batch: the image view stays alive until the batch retires.
// A nil after destroys the view at once, for images no submission used.
func (p *Presenter) Present(after Retirer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.texture == nil {
		return ErrNotAcquired
	}
	err := p.queue.Present(p.surface, p.texture, nil)
	p.unbind(after)
	if err != nil {
		return classify("present", err)
	}
	return nil
}

// Discard gives the acquired image back without presenting it, for
// example when the frame was dropped.
func (p *Presenter) Discard() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.texture == nil {
		return
	}
	p.surface.DiscardTexture(p.texture)
	p.unbind(nil)
}

// unbind clears the binding and releases the view, immediately or when
// after retires. Caller holds p.mu.
func (p *Presenter) unbind(after Retirer) {
	if view := p.view; view != nil {
		if after != nil {
			after.OnRetire(func() { p.device.DestroyTextureView(view) })
		} else {
			p.device.DestroyTextureView(view)
		}
	}
	p.texture, p.view = nil, nil
	_ = p.registry.Bind(p.id, resource.Binding{})
}

// Resize reconfigures the surface. No image may be held.
func (p *Presenter) Resize(width, height uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.texture != nil {
		return fmt.Errorf("resize: %w", ErrAlreadyAcquired)
	}
	cfg := p.cfg
	cfg.Width, cfg.Height = width, height
	if err := p.configure(cfg); err != nil {
		return err
	}
	if err := p.registry.ResizeImage(p.id, cfg.imageDesc()); err != nil {
		return err
	}
	p.states.Import(p.id)
	return nil
}

// Close discards any held image, unconfigures the surface and removes
// the image resource.
func (p *Presenter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.texture != nil {
		p.surface.DiscardTexture(p.texture)
		p.unbind(nil)
	}
	p.surface.Unconfigure(p.device)
	p.registry.Remove(p.id)
	p.states.Forget(p.id)
}
