// Package pipeline caches pipeline state objects and the shader modules
// they are built from.
//
// Descriptors are keyed by a total, deterministic content hash. The hash
// only selects a bucket: every hit is confirmed with Equal, so two
// different descriptors that collide still get two pipelines.
package pipeline

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/fault"
)

// Pipeline cache errors.
var (
	ErrNilDevice      = fmt.Errorf("%w: pipeline: device is nil", fault.ErrUsage)
	ErrNilDescriptor  = fmt.Errorf("%w: pipeline: descriptor is nil", fault.ErrUsage)
	ErrEmptyShader    = fmt.Errorf("%w: pipeline: shader source is empty", fault.ErrUsage)
	ErrMissingShader  = fmt.Errorf("%w: pipeline: shader is missing", fault.ErrUsage)
	ErrShaderReleased = fmt.Errorf("%w: pipeline: shader was evicted", fault.ErrUsage)
	ErrCompile        = fmt.Errorf("%w: pipeline: shader compilation failed", fault.ErrUsage)
	ErrCreate         = fmt.Errorf("%w: pipeline: device object creation failed", fault.ErrDevice)
)

type entry[D, V any] struct {
	desc  D
	value V
}

type buckets[D, V any] map[uint64][]entry[D, V]

func (b buckets[D, V]) find(key uint64, d *D, eq func(a, b *D) bool) (V, bool) {
	for i := range b[key] {
		e := &b[key][i]
		if eq(&e.desc, d) {
			return e.value, true
		}
	}
	var zero V
	return zero, false
}

// Cache caches pipeline layouts, render pipelines and compute pipelines.
//
// Cache is safe for concurrent use. It uses RWMutex with double-check
// locking; creation happens under the write lock so a descriptor is
// never built twice.
type Cache struct {
	device hal.Device
	hasher Hasher

	mu       sync.RWMutex
	layouts  buckets[LayoutDesc, *Layout]
	renders  buckets[RenderPipelineDesc, *RenderPipeline]
	computes buckets[ComputePipelineDesc, *ComputePipeline]

	hits       atomic.Uint64
	misses     atomic.Uint64
	collisions atomic.Uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithHasher replaces the descriptor hash function.
func WithHasher(h Hasher) CacheOption {
	return func(c *Cache) {
		if h != nil {
			c.hasher = h
		}
	}
}

// NewCache creates an empty cache on device.
func NewCache(device hal.Device, opts ...CacheOption) (*Cache, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	c := &Cache{
		device:   device,
		hasher:   DefaultHasher,
		layouts:  make(buckets[LayoutDesc, *Layout]),
		renders:  make(buckets[RenderPipelineDesc, *RenderPipeline]),
		computes: make(buckets[ComputePipelineDesc, *ComputePipeline]),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// getOrCreate is the double-check lookup shared by all object kinds.
func getOrCreate[D, V any](
	c *Cache,
	m buckets[D, V],
	d *D,
	key uint64,
	eq func(a, b *D) bool,
	clone func(*D) D,
	create func(*D) (V, error),
) (V, error) {
	c.mu.RLock()
	if v, ok := m.find(key, d, eq); ok {
		c.mu.RUnlock()
		c.hits.Add(1)
		return v, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := m.find(key, d, eq); ok {
		c.hits.Add(1)
		return v, nil
	}

	v, err := create(d)
	if err != nil {
		return v, err
	}
	if len(m[key]) > 0 {
		c.collisions.Add(1)
		slogger().Debug("pipeline cache hash collision", "hash", key, "bucket", len(m[key])+1)
	}
	m[key] = append(m[key], entry[D, V]{desc: clone(d), value: v})
	c.misses.Add(1)
	return v, nil
}

// GetOrCreateLayout returns the cached layout for d or creates it.
func (c *Cache) GetOrCreateLayout(d *LayoutDesc) (*Layout, error) {
	if d == nil {
		return nil, ErrNilDescriptor
	}
	h := c.hasher()
	d.writeHash(h)
	key := h.Sum64()
	return getOrCreate(c, c.layouts, d, key,
		(*LayoutDesc).Equal,
		(*LayoutDesc).clone,
		func(d *LayoutDesc) (*Layout, error) { return c.createLayout(d, key) })
}

// GetOrCreateRender returns the cached render pipeline for d or creates it.
func (c *Cache) GetOrCreateRender(d *RenderPipelineDesc) (*RenderPipeline, error) {
	if d == nil {
		return nil, ErrNilDescriptor
	}
	h := c.hasher()
	d.writeHash(h)
	key := h.Sum64()
	return getOrCreate(c, c.renders, d, key,
		(*RenderPipelineDesc).Equal,
		(*RenderPipelineDesc).clone,
		func(d *RenderPipelineDesc) (*RenderPipeline, error) { return c.createRender(d, key) })
}

// GetOrCreateCompute returns the cached compute pipeline for d or creates it.
func (c *Cache) GetOrCreateCompute(d *ComputePipelineDesc) (*ComputePipeline, error) {
	if d == nil {
		return nil, ErrNilDescriptor
	}
	h := c.hasher()
	d.writeHash(h)
	key := h.Sum64()
	return getOrCreate(c, c.computes, d, key,
		(*ComputePipelineDesc).Equal,
		(*ComputePipelineDesc).clone,
		func(d *ComputePipelineDesc) (*ComputePipeline, error) { return c.createCompute(d, key) })
}

func (c *Cache) createLayout(d *LayoutDesc, key uint64) (*Layout, error) {
	l := &Layout{hash: key, desc: d.clone()}
	for i, entries := range d.Groups {
		g, err := c.device.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
			Label:   fmt.Sprintf("%s group %d", d.Label, i),
			Entries: entries,
		})
		if err != nil {
			l.destroy(c.device)
			return nil, fmt.Errorf("layout %q group %d: %w: %w", d.Label, i, ErrCreate, err)
		}
		l.groups = append(l.groups, g)
	}
	raw, err := c.device.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:              d.Label,
		BindGroupLayouts:   l.groups,
		PushConstantRanges: d.PushConstants,
	})
	if err != nil {
		l.destroy(c.device)
		return nil, fmt.Errorf("layout %q: %w: %w", d.Label, ErrCreate, err)
	}
	l.raw = raw
	return l, nil
}

func shaderModule(s *Shader, stage string) (hal.ShaderModule, error) {
	if s == nil {
		return nil, fmt.Errorf("%s: %w", stage, ErrMissingShader)
	}
	m := s.Raw()
	if m == nil {
		return nil, fmt.Errorf("%s %q: %w", stage, s.label, ErrShaderReleased)
	}
	return m, nil
}

func rawLayout(l *Layout) hal.PipelineLayout {
	if l == nil {
		return nil
	}
	return l.raw
}

func (c *Cache) createRender(d *RenderPipelineDesc, key uint64) (*RenderPipeline, error) {
	vs, err := shaderModule(d.Vertex, "vertex")
	if err != nil {
		return nil, fmt.Errorf("render pipeline %q: %w", d.Label, err)
	}
	desc := &hal.RenderPipelineDescriptor{
		Label:  d.Label,
		Layout: rawLayout(d.Layout),
		Vertex: hal.VertexState{
			Module:     vs,
			EntryPoint: d.vertexEntry(),
			Buffers:    d.Buffers,
		},
		Primitive: d.Primitive,
		Multisample: gputypes.MultisampleState{
			Count: d.samples(),
			Mask:  0xFFFFFFFF,
		},
	}
	if d.Fragment != nil {
		fs, err := shaderModule(d.Fragment, "fragment")
		if err != nil {
			return nil, fmt.Errorf("render pipeline %q: %w", d.Label, err)
		}
		desc.Fragment = &hal.FragmentState{
			Module:     fs,
			EntryPoint: d.fragmentEntry(),
			Targets:    d.Targets,
		}
	}
	if d.Depth != nil {
		desc.DepthStencil = &hal.DepthStencilState{
			Format:            d.Depth.Format,
			DepthWriteEnabled: d.Depth.WriteEnabled,
			DepthCompare:      d.Depth.Compare,
		}
	}
	raw, err := c.device.CreateRenderPipeline(desc)
	if err != nil {
		return nil, fmt.Errorf("render pipeline %q: %w: %w", d.Label, ErrCreate, err)
	}
	return &RenderPipeline{hash: key, label: d.Label, raw: raw}, nil
}

func (c *Cache) createCompute(d *ComputePipelineDesc, key uint64) (*ComputePipeline, error) {
	cs, err := shaderModule(d.Shader, "compute")
	if err != nil {
		return nil, fmt.Errorf("compute pipeline %q: %w", d.Label, err)
	}
	raw, err := c.device.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:  d.Label,
		Layout: rawLayout(d.Layout),
		Compute: hal.ComputeState{
			Module:     cs,
			EntryPoint: d.entry(),
			Constants:  d.Constants,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("compute pipeline %q: %w: %w", d.Label, ErrCreate, err)
	}
	return &ComputePipeline{hash: key, label: d.Label, raw: raw}, nil
}

// Stats reports cache activity.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Collisions uint64
	Layouts    int
	Render     int
	Compute    int
}

// Stats returns cache statistics. Counters are read atomically and may
// not be perfectly synchronized with the sizes.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	s := Stats{
		Layouts: countEntries(c.layouts),
		Render:  countEntries(c.renders),
		Compute: countEntries(c.computes),
	}
	c.mu.RUnlock()
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
	s.Collisions = c.collisions.Load()
	return s
}

func countEntries[D, V any](b buckets[D, V]) int {
	n := 0
	for _, list := range b {
		n += len(list)
	}
	return n
}

// HitRate returns hits / (hits + misses), or 0 before the first lookup.
func (c *Cache) HitRate() float64 {
	hits, misses := c.hits.Load(), c.misses.Load()
	if hits+misses == 0 {
		return 0
	}
	return float64(hits) / float64(hits+misses)
}

// Size returns the total number of cached objects.
func (c *Cache) Size() int {
	s := c.Stats()
	return s.Layouts + s.Render + s.Compute
}

// DestroyAll destroys every cached object and empties the cache.
func (c *Cache) DestroyAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, list := range c.renders {
		for _, e := range list {
			c.device.DestroyRenderPipeline(e.value.raw)
		}
	}
	for _, list := range c.computes {
		for _, e := range list {
			c.device.DestroyComputePipeline(e.value.raw)
		}
	}
	for _, list := range c.layouts {
		for _, e := range list {
			e.value.destroy(c.device)
		}
	}
	clear(c.renders)
	clear(c.computes)
	clear(c.layouts)
	c.hits.Store(0)
	c.misses.Store(0)
	c.collisions.Store(0)
}
