package resource

import (
	"fmt"
	"sync"
)

// Registry owns the logical resources of one scheduler. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	next      ID
	resources map[ID]*LogicalResource
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{resources: make(map[ID]*LogicalResource)}
}

func (r *Registry) add(res *LogicalResource) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	res.ID = r.next
	r.resources[res.ID] = res
	return res.ID
}

// CreateBuffer declares a virtual buffer backed by frame-local memory.
func (r *Registry) CreateBuffer(label string, desc BufferDesc) ID {
	return r.add(&LogicalResource{Kind: KindBuffer, Label: label, Buffer: desc, Virtual: true})
}

// CreateImage declares a virtual image backed by frame-local memory.
func (r *Registry) CreateImage(label string, desc ImageDesc) ID {
	if desc.Layers == 0 {
		desc.Layers = 1
	}
	if desc.MipLevels == 0 {
		desc.MipLevels = 1
	}
	if desc.SampleCount == 0 {
		desc.SampleCount = 1
	}
	return r.add(&LogicalResource{Kind: KindImage, Label: label, Image: desc, Virtual: true})
}

// ImportBuffer registers a caller-owned buffer.
func (r *Registry) ImportBuffer(label string, desc BufferDesc, b Binding) ID {
	return r.add(&LogicalResource{Kind: KindBuffer, Label: label, Buffer: desc, External: true, Binding: b})
}

// ImportImage registers a caller-owned image such as a swapchain image.
// The binding may be empty and supplied later with Bind.
func (r *Registry) ImportImage(label string, desc ImageDesc, b Binding) ID {
	return r.add(&LogicalResource{Kind: KindImage, Label: label, Image: desc, External: true, Binding: b})
}

// ImportSampler registers a caller-owned sampler.
func (r *Registry) ImportSampler(label string, b Binding) ID {
	return r.add(&LogicalResource{Kind: KindSampler, Label: label, External: true, Binding: b})
}

// Bind replaces the physical binding of an imported resource.
func (r *Registry) Bind(id ID, b Binding) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[id]
	if !ok {
		return fmt.Errorf("bind %d: %w", id, ErrUnknownResource)
	}
	switch res.Kind {
	case KindBuffer:
		if b.Texture != nil || b.View != nil || b.Sampler != nil {
			return fmt.Errorf("bind %q: %w", res.Label, ErrBindingKind)
		}
	case KindImage:
		if b.Buffer != nil || b.Sampler != nil {
			return fmt.Errorf("bind %q: %w", res.Label, ErrBindingKind)
		}
	case KindSampler:
		if b.Buffer != nil || b.Texture != nil || b.View != nil {
			return fmt.Errorf("bind %q: %w", res.Label, ErrBindingKind)
		}
	}
	res.Binding = b
	return nil
}

// ResizeImage replaces the description of an imported image, for example
// after its swapchain was reconfigured.
func (r *Registry) ResizeImage(id ID, desc ImageDesc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, ok := r.resources[id]
	if !ok {
		return fmt.Errorf("resize %d: %w", id, ErrUnknownResource)
	}
	if res.Kind != KindImage || !res.External {
		return fmt.Errorf("resize %s %q: %w", res.Kind, res.Label, ErrBindingKind)
	}
	res.Image = desc
	return nil
}

// Get returns a snapshot of the resource.
func (r *Registry) Get(id ID) (LogicalResource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	if !ok {
		return LogicalResource{}, false
	}
	return *res, true
}

// Remove forgets a resource. It returns false if id was not registered.
func (r *Registry) Remove(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[id]; !ok {
		return false
	}
	delete(r.resources, id)
	return true
}

// Len returns the number of registered resources.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.resources)
}

// Validate checks a request against the resource's kind and declared usage.
func (r *Registry) Validate(req Request) error {
	r.mu.RLock()
	res, ok := r.resources[req.Resource]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("resource %d: %w", req.Resource, ErrUnknownResource)
	}

	m := req.Mode
	if m.Access == AccessNone || !m.Usage.Valid() {
		return fmt.Errorf("%s %q: %w", res.Kind, res.Label, ErrUndefinedAccess)
	}
	if m.Writes() && m.Usage.ReadOnly() {
		return fmt.Errorf("%s %q as %s: %w", res.Kind, res.Label, m, ErrReadOnlyUsage)
	}
	if (res.Kind == KindBuffer && m.Usage.ImageOnly()) ||
		(res.Kind == KindImage && m.Usage.BufferOnly()) ||
		(res.Kind == KindSampler && m.Usage != UsageShaderSample) {
		return fmt.Errorf("%s %q as %s: %w", res.Kind, res.Label, m, ErrUsageKindMismatch)
	}
	if !res.Permits(m.Usage) {
		return fmt.Errorf("%s %q as %s: %w", res.Kind, res.Label, m, ErrUsageNotDeclared)
	}
	return nil
}
