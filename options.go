package rendergraph

import (
	"time"

	"github.com/gogpu/wgpu/hal"
)

// Option configures a Scheduler during creation.
//
// Example:
//
//	// Two frames in flight, graphics queue only
//	s, err := rendergraph.New(device, queue)
//
//	// Async compute with automatic offload of unpinned dispatches
//	s, err := rendergraph.New(device, queue,
//	    rendergraph.WithComputeQueue(computeQueue),
//	    rendergraph.WithAsyncOffload(true))
type Option func(*config)

// config holds the scheduler configuration.
type config struct {
	framesInFlight int
	waitTimeout    time.Duration
	pollInterval   time.Duration

	compute  hal.Queue
	transfer hal.Queue

	offload    bool
	offloadSet bool
	debug      bool
	parallel   bool

	shaderLimit int
}

// defaultConfig returns the default scheduler configuration.
func defaultConfig() config {
	return config{
		framesInFlight: DefaultFramesInFlight,
		waitTimeout:    DefaultWaitTimeout,
		pollInterval:   DefaultPollInterval,
		parallel:       true,
	}
}

// WithFramesInFlight sets how many frames may be recorded or executing
// at once. Values are clamped to [1, MaxFramesInFlight].
func WithFramesInFlight(n int) Option {
	return func(c *config) {
		c.framesInFlight = min(max(n, 1), MaxFramesInFlight)
	}
}

// WithWaitTimeout bounds every wait on the GPU. A wait that exceeds it
// is reported as a device error and invalidates the scheduler.
func WithWaitTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.waitTimeout = d
		}
	}
}

// WithPollInterval sets how often completion is polled while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// WithComputeQueue registers an async compute queue. Without it, tasks
// pinned to compute run on the graphics queue.
func WithComputeQueue(q hal.Queue) Option {
	return func(c *config) {
		c.compute = q
	}
}

// WithTransferQueue registers an async transfer queue. Without it, tasks
// pinned to transfer run on the graphics queue.
func WithTransferQueue(q hal.Queue) Option {
	return func(c *config) {
		c.transfer = q
	}
}

// WithAsyncOffload controls whether the dispatcher moves unpinned
// dispatches and copies that have no graphics predecessor to the async
// queues. Without this option offload is on whenever an async queue is
// registered.
func WithAsyncOffload(enabled bool) Option {
	return func(c *config) {
		c.offload = enabled
		c.offloadSet = true
	}
}

// WithDebugChecks verifies every barrier plan: each ownership release
// must have exactly one matching acquire.
func WithDebugChecks(enabled bool) Option {
	return func(c *config) {
		c.debug = enabled
	}
}

// WithParallelRecording records the command streams of different queues
// on separate goroutines. Enabled by default.
func WithParallelRecording(enabled bool) Option {
	return func(c *config) {
		c.parallel = enabled
	}
}

// WithShaderLimit sets how many compiled shader modules the scheduler's
// shader cache keeps.
func WithShaderLimit(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.shaderLimit = n
		}
	}
}
