package frame

import (
	"sync"
	"sync/atomic"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

// Batch is all physical work of one submission: the command buffers of
// every queue, their completion signals and the frame-local resources
// they use.
type Batch struct {
	ring       *Ring
	slot       *slot
	frame      uint64
	generation uint64

	refs      atomic.Int32
	submitted atomic.Bool

	mu         sync.Mutex
	buffers    [queue.Count][]hal.CommandBuffer
	signals    [queue.Count]Signal
	transients map[resource.ID]leased
	onRetire   []func()
	retired    bool
}

// Frame returns the frame index the batch was begun for.
func (b *Batch) Frame() uint64 { return b.frame }

// PoolGeneration returns how many times the slot's command pools have
// been reset, including the reset performed for this batch.
func (b *Batch) PoolGeneration() uint64 { return b.generation }

// Slot returns the ring slot index.
func (b *Batch) Slot() int { return b.slot.index }

// Refs returns the number of live handles.
func (b *Batch) Refs() int32 { return b.refs.Load() }

// Encoder returns the slot's command encoder for q. Only one goroutine
// may record on a given queue's encoder at a time.
func (b *Batch) Encoder(q queue.Type) (hal.CommandEncoder, error) {
	b.slot.mu.Lock()
	defer b.slot.mu.Unlock()
	if b.slot.batch != b {
		return nil, ErrStaleBatch
	}
	return b.ring.encoder(b.slot, q)
}

// AddCommandBuffer records a finished command buffer so the slot can
// reset it once the batch retires.
func (b *Batch) AddCommandBuffer(q queue.Type, cb hal.CommandBuffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buffers[q.Index()] = append(b.buffers[q.Index()], cb)
}

// Transient returns the physical binding of a virtual resource for this
// frame, allocating it from the ring's transient pool on first use.
func (b *Batch) Transient(res resource.LogicalResource) (resource.Binding, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if l, ok := b.transients[res.ID]; ok {
		return l.binding, nil
	}
	l, err := b.ring.transients.lease(res)
	if err != nil {
		return resource.Binding{}, err
	}
	if b.transients == nil {
		b.transients = make(map[resource.ID]leased)
	}
	b.transients[res.ID] = l
	return l.binding, nil
}

// OnRetire registers fn to run when the slot is recycled. On a batch
// that already retired fn runs immediately.
func (b *Batch) OnRetire(fn func()) {
	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		fn()
		return
	}
	b.onRetire = append(b.onRetire, fn)
	b.mu.Unlock()
}

// Signal returns the completion signal of queue q.
func (b *Batch) Signal(q queue.Type) Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals[q.Index()]
}

// Complete reports whether the GPU finished every submission of the batch.
func (b *Batch) Complete() bool {
	b.mu.Lock()
	sigs := b.signals
	b.mu.Unlock()
	for _, s := range sigs {
		if !s.Done() {
			return false
		}
	}
	return true
}

// reusable is the release condition: no live handle and GPU work done.
func (b *Batch) reusable() bool {
	return b.refs.Load() == 0 && b.Complete()
}

func (b *Batch) retain() {
	b.refs.Add(1)
}

// tryRetain adds a reference unless the count already dropped to zero.
func (b *Batch) tryRetain() bool {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return false
		}
		if b.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (b *Batch) release() {
	if n := b.refs.Add(-1); n == 0 {
		b.slot.notify()
	} else if n < 0 {
		slogger().Error("batch released more often than retained", "frame", b.frame, "refs", n)
	}
}

// retire recycles the slot's resources. The slot lock is held.
func (b *Batch) retire() {
	b.mu.Lock()
	if b.retired {
		b.mu.Unlock()
		return
	}
	b.retired = true
	fns := b.onRetire
	b.onRetire = nil
	buffers := b.buffers
	b.buffers = [queue.Count][]hal.CommandBuffer{}
	leases := b.transients
	b.transients = nil
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	for i, bufs := range buffers {
		if enc := b.slot.encoders[i]; enc != nil {
			enc.ResetAll(bufs)
		}
	}
	for _, l := range leases {
		b.ring.transients.give(l)
	}
}

func (b *Batch) signalsSnapshot() [queue.Count]Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.signals
}
