package pipeline

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/internal/cache"
)

// DefaultShaderLimit is the number of distinct shader sources kept
// compiled before the least recently used is dropped.
const DefaultShaderLimit = 256

// ShaderSource is shader code in either WGSL or SPIR-V form. When SPIRV
// is set it is used as is and WGSL is only part of the identity.
type ShaderSource struct {
	Label string
	WGSL  string
	SPIRV []uint32
}

// Empty reports whether the source has no code.
func (s ShaderSource) Empty() bool { return s.WGSL == "" && len(s.SPIRV) == 0 }

func (s ShaderSource) equal(o ShaderSource) bool {
	return s.WGSL == o.WGSL && slices.Equal(s.SPIRV, o.SPIRV)
}

func (s ShaderSource) hash(newHash Hasher) uint64 {
	h := newHash()
	hashWriteString(h, s.WGSL)
	hashWriteLen(h, len(s.SPIRV))
	for _, w := range s.SPIRV {
		hashWriteUint32(h, w)
	}
	return h.Sum64()
}

// Compiler turns WGSL into a SPIR-V binary.
type Compiler func(wgsl string) ([]byte, error)

// Shader is a compiled shader module shared by every pipeline built from
// the same source.
type Shader struct {
	hash   uint64
	label  string
	source ShaderSource
	words  []uint32

	mu       sync.RWMutex
	module   hal.ShaderModule
	released bool
}

// Hash returns the content hash of the shader's source.
func (s *Shader) Hash() uint64 { return s.hash }

// Label returns the label of the source the shader was first built from.
func (s *Shader) Label() string { return s.label }

// Code returns the SPIR-V words. The slice is shared and must not be
// modified.
func (s *Shader) Code() []uint32 { return s.words }

// Raw returns the device module, or nil once the shader was evicted.
func (s *Shader) Raw() hal.ShaderModule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.released {
		return nil
	}
	return s.module
}

// Released reports whether the shader was evicted from its cache.
func (s *Shader) Released() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.released
}

func (s *Shader) release(device hal.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if s.module != nil {
		device.DestroyShaderModule(s.module)
		s.module = nil
	}
}

// sameShader compares shaders by content so that a shader rebuilt after
// eviction still matches pipelines created from its predecessor.
func sameShader(a, b *Shader) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.hash == b.hash && a.source.equal(b.source)
}

// ShaderStats reports shader cache activity.
type ShaderStats struct {
	Hits       uint64
	Misses     uint64
	Collisions uint64
	Evictions  uint64
	Len        int
}

// ShaderCache compiles shader sources once and shares the resulting
// modules. Lookups are keyed by a content hash; entries with the same hash
// are told apart by comparing the full source.
//
// ShaderCache is safe for concurrent use.
type ShaderCache struct {
	device   hal.Device
	compile  Compiler
	hasher   Hasher
	mu       sync.Mutex
	buckets  *cache.Cache[uint64, []*Shader]
	collided atomic.Uint64
	hits     atomic.Uint64
	misses   atomic.Uint64
}

// ShaderOption configures a ShaderCache.
type ShaderOption func(*ShaderCache)

// WithCompiler replaces the WGSL compiler. The default is naga.Compile.
func WithCompiler(c Compiler) ShaderOption {
	return func(sc *ShaderCache) {
		if c != nil {
			sc.compile = c
		}
	}
}

// WithShaderHasher replaces the source hash function.
func WithShaderHasher(h Hasher) ShaderOption {
	return func(sc *ShaderCache) {
		if h != nil {
			sc.hasher = h
		}
	}
}

// WithShaderLimit bounds the number of cached source hashes.
func WithShaderLimit(n int) ShaderOption {
	return func(sc *ShaderCache) {
		sc.buckets = cache.New[uint64, []*Shader](n)
	}
}

// NewShaderCache creates a shader cache on device.
func NewShaderCache(device hal.Device, opts ...ShaderOption) (*ShaderCache, error) {
	if device == nil {
		return nil, ErrNilDevice
	}
	sc := &ShaderCache{
		device:  device,
		compile: naga.Compile,
		hasher:  DefaultHasher,
		buckets: cache.New[uint64, []*Shader](DefaultShaderLimit),
	}
	for _, opt := range opts {
		opt(sc)
	}
	sc.buckets.OnEvict(func(_ uint64, list []*Shader) {
		for _, s := range list {
			s.release(sc.device)
		}
	})
	return sc, nil
}

// Load returns the shader for src, compiling it on first use.
func (sc *ShaderCache) Load(src ShaderSource) (*Shader, error) {
	if src.Empty() {
		return nil, fmt.Errorf("shader %q: %w", src.Label, ErrEmptyShader)
	}
	key := src.hash(sc.hasher)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	list, _ := sc.buckets.Get(key)
	for _, s := range list {
		if s.source.equal(src) {
			sc.hits.Add(1)
			return s, nil
		}
	}
	sc.misses.Add(1)
	if len(list) > 0 {
		sc.collided.Add(1)
	}

	s, err := sc.build(key, src)
	if err != nil {
		return nil, err
	}
	sc.buckets.Set(key, append(slices.Clip(list), s))
	return s, nil
}

func (sc *ShaderCache) build(key uint64, src ShaderSource) (*Shader, error) {
	words := slices.Clone(src.SPIRV)
	if len(words) == 0 {
		bin, err := sc.compile(src.WGSL)
		if err != nil {
			return nil, fmt.Errorf("shader %q: %w: %w", src.Label, ErrCompile, err)
		}
		if len(bin)%4 != 0 {
			return nil, fmt.Errorf("shader %q: %w: binary length %d", src.Label, ErrCompile, len(bin))
		}
		words = make([]uint32, len(bin)/4)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(bin[i*4:])
		}
	}

	module, err := sc.device.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  src.Label,
		Source: hal.ShaderSource{SPIRV: words},
	})
	if err != nil {
		return nil, fmt.Errorf("shader %q: %w: %w", src.Label, ErrCreate, err)
	}
	return &Shader{
		hash:   key,
		label:  src.Label,
		source: ShaderSource{WGSL: src.WGSL, SPIRV: slices.Clone(src.SPIRV)},
		words:  words,
		module: module,
	}, nil
}

// Stats returns cache statistics.
func (sc *ShaderCache) Stats() ShaderStats {
	s := sc.buckets.Stats()
	return ShaderStats{
		Hits:       sc.hits.Load(),
		Misses:     sc.misses.Load(),
		Collisions: sc.collided.Load(),
		Evictions:  s.Evictions,
		Len:        s.Len,
	}
}

// DestroyAll releases every cached module.
func (sc *ShaderCache) DestroyAll() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.buckets.Clear()
	sc.hits.Store(0)
	sc.misses.Store(0)
	sc.collided.Store(0)
}
