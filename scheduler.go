package rendergraph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gpucontext"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/dispatch"
	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/frame"
	"github.com/gogpu/rendergraph/graph"
	"github.com/gogpu/rendergraph/pipeline"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
	"github.com/gogpu/rendergraph/state"
)

// Limits.
const (
	// MaxTasksPerFrame bounds the number of tasks in one frame.
	MaxTasksPerFrame = 4096

	// MaxDependenciesPerTask bounds the explicit predecessors of one task.
	MaxDependenciesPerTask = 64

	// MaxFramesInFlight is the largest supported ring size.
	MaxFramesInFlight = 3

	// DefaultFramesInFlight is the ring size used without WithFramesInFlight.
	DefaultFramesInFlight = 2

	// DefaultWaitTimeout bounds GPU waits without WithWaitTimeout.
	DefaultWaitTimeout = 2 * time.Second

	// DefaultPollInterval is how often completion is polled while waiting.
	DefaultPollInterval = 250 * time.Microsecond
)

// Scheduler errors.
var (
	ErrNilDevice       = fmt.Errorf("%w: rendergraph: device or queue is nil", fault.ErrUsage)
	ErrNoHALProvider   = fmt.Errorf("%w: rendergraph: provider does not expose a HAL device", fault.ErrUsage)
	ErrClosed          = fmt.Errorf("%w: rendergraph: scheduler closed", fault.ErrUsage)
	ErrFrameInProgress = fmt.Errorf("%w: rendergraph: previous frame not submitted or dropped", fault.ErrUsage)
	ErrFrameDone       = fmt.Errorf("%w: rendergraph: frame already submitted or dropped", fault.ErrUsage)
	ErrNotFinalized    = fmt.Errorf("%w: rendergraph: frame not finalized", fault.ErrUsage)
)

// Scheduler owns everything that outlives a single frame: the resource
// registry, the resource state table, the frames-in-flight ring and the
// pipeline caches.
//
// Scheduler is safe for concurrent use, but frames are strictly
// sequential: BeginFrame fails while a previous frame is still open.
type Scheduler struct {
	device hal.Device
	cfg    config
	caps   queue.Capabilities

	registry   *resource.Registry
	states     *state.Table
	planner    *state.Planner
	dispatcher *dispatch.Dispatcher
	ring       *frame.Ring
	pipelines  *pipeline.Cache
	shaders    *pipeline.ShaderCache

	mu     sync.Mutex
	next   uint64
	open   *Frame
	closed bool
}

// New creates a scheduler on device. graphics is the universal queue;
// async queues are added with WithComputeQueue and WithTransferQueue.
// Queue availability is captured here and never re-queried.
//
// Once an async queue is registered, unpinned compute and transfer work
// without a graphics predecessor moves to it. WithAsyncOffload(false)
// keeps such work on the graphics queue.
func New(device hal.Device, graphics hal.Queue, opts ...Option) (*Scheduler, error) {
	if device == nil || graphics == nil {
		return nil, ErrNilDevice
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	caps := queue.Capabilities{
		AsyncCompute:  cfg.compute != nil,
		AsyncTransfer: cfg.transfer != nil,
	}
	if !cfg.offloadSet {
		cfg.offload = caps.AsyncCompute || caps.AsyncTransfer
	}
	ring, err := frame.NewRing(device, frame.Queues{
		Graphics: graphics,
		Compute:  cfg.compute,
		Transfer: cfg.transfer,
	}, frame.Config{
		Slots:        cfg.framesInFlight,
		Timeout:      cfg.waitTimeout,
		PollInterval: cfg.pollInterval,
	})
	if err != nil {
		return nil, err
	}

	pipelines, err := pipeline.NewCache(device)
	if err != nil {
		return nil, err
	}
	var shaderOpts []pipeline.ShaderOption
	if cfg.shaderLimit > 0 {
		shaderOpts = append(shaderOpts, pipeline.WithShaderLimit(cfg.shaderLimit))
	}
	shaders, err := pipeline.NewShaderCache(device, shaderOpts...)
	if err != nil {
		return nil, err
	}

	states := state.NewTable()
	s := &Scheduler{
		device:     device,
		cfg:        cfg,
		caps:       caps,
		registry:   resource.NewRegistry(),
		states:     states,
		planner:    state.NewPlanner(states, cfg.debug),
		dispatcher: dispatch.New(caps, cfg.offload),
		ring:       ring,
		pipelines:  pipelines,
		shaders:    shaders,
	}

	slogger().Info("rendergraph: scheduler created",
		"frames_in_flight", cfg.framesInFlight,
		"async_compute", caps.AsyncCompute,
		"async_transfer", caps.AsyncTransfer,
		"offload", cfg.offload)
	return s, nil
}

// halProvider is implemented by device providers that expose their HAL
// objects. The methods return any to avoid an import of hal in the
// provider's package.
type halProvider interface {
	HalDevice() any
	HalQueue() any
}

// NewFromProvider creates a scheduler on the device of a host application.
//
// The provider should implement HalDevice() any and HalQueue() any
// returning hal.Device and hal.Queue. Software adapters never offload
// work to async queues: the queues share one CPU and the extra
// synchronization only costs time.
func NewFromProvider(p gpucontext.DeviceProvider, opts ...Option) (*Scheduler, error) {
	if p == nil {
		return nil, ErrNoHALProvider
	}
	hp, ok := p.(halProvider)
	if !ok {
		return nil, fmt.Errorf("%T: %w", p, ErrNoHALProvider)
	}
	device, ok := hp.HalDevice().(hal.Device)
	if !ok {
		return nil, fmt.Errorf("HalDevice returned %T: %w", hp.HalDevice(), ErrNoHALProvider)
	}
	q, ok := hp.HalQueue().(hal.Queue)
	if !ok {
		return nil, fmt.Errorf("HalQueue returned %T: %w", hp.HalQueue(), ErrNoHALProvider)
	}

	if info := p.AdapterInfo(); info.Type == gpucontext.AdapterTypeSoftware {
		slogger().Info("rendergraph: software adapter, async offload disabled", "adapter", info.Name)
		opts = append(opts, WithAsyncOffload(false))
	}
	return New(device, q, opts...)
}

// Resources returns the resource registry.
func (s *Scheduler) Resources() *resource.Registry { return s.registry }

// States returns the resource state table.
func (s *Scheduler) States() *state.Table { return s.states }

// Pipelines returns the pipeline cache.
func (s *Scheduler) Pipelines() *pipeline.Cache { return s.pipelines }

// Shaders returns the shader module cache.
func (s *Scheduler) Shaders() *pipeline.ShaderCache { return s.shaders }

// Capabilities returns the queue availability captured by New.
func (s *Scheduler) Capabilities() queue.Capabilities { return s.caps }

// FramesInFlight returns the ring size.
func (s *Scheduler) FramesInFlight() int { return s.ring.Len() }

// Err returns the device error that invalidated the scheduler, or nil.
func (s *Scheduler) Err() error { return s.ring.Err() }

// BeginFrame opens the next frame. It blocks until the ring slot the
// frame needs is free: every handle to the slot's previous batch is
// released and the GPU has finished it.
func (s *Scheduler) BeginFrame(ctx context.Context) (*Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.open != nil {
		return nil, fmt.Errorf("begin frame %d: %w", s.next, ErrFrameInProgress)
	}

	batch, err := s.ring.Begin(ctx, s.next)
	if err != nil {
		return nil, fmt.Errorf("begin frame %d: %w", s.next, err)
	}
	f := &Frame{
		s:       s,
		index:   s.next,
		batch:   batch,
		builder: graph.NewBuilder(s.next, graph.Limits{MaxTasks: MaxTasksPerFrame, MaxDependencies: MaxDependenciesPerTask}, s.registry),
	}
	s.next++
	s.open = f
	return f, nil
}

// finish closes f as the open frame.
func (s *Scheduler) finish(f *Frame) {
	s.mu.Lock()
	if s.open == f {
		s.open = nil
	}
	s.mu.Unlock()
}

// Close waits for the GPU to finish, destroys the ring and the cached
// pipelines and shader modules. An open frame is dropped.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	open := s.open
	s.mu.Unlock()

	if open != nil {
		open.Drop()
	}
	err := s.ring.Close()
	s.pipelines.DestroyAll()
	s.shaders.DestroyAll()
	if err != nil && !errors.Is(err, frame.ErrRingInvalid) {
		slogger().Warn("rendergraph: close", "err", err)
	}
	slogger().Info("rendergraph: scheduler closed", "frames", s.next)
	return err
}
