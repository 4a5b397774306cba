package frame

import (
	"context"
	"runtime"
	"sync/atomic"
)

// Handle is a shared-ownership reference to a submitted batch. Every
// handle must be released exactly once; a handle that becomes
// unreachable without Release is released by the garbage collector.
type Handle struct {
	b        *Batch
	released atomic.Bool
	cleanup  runtime.Cleanup
}

func newHandle(b *Batch) *Handle {
	b.retain()
	return wrapHandle(b)
}

// wrapHandle turns a reference the caller already holds into a Handle.
func wrapHandle(b *Batch) *Handle {
	h := &Handle{b: b}
	h.cleanup = runtime.AddCleanup(h, func(b *Batch) { b.release() }, b)
	return h
}

// Retain returns a new handle to the same batch. Retaining a released
// handle, or a batch whose last reference is gone, returns nil: the
// batch may already be recycled.
func (h *Handle) Retain() *Handle {
	if h.released.Load() || !h.b.tryRetain() {
		return nil
	}
	return wrapHandle(h.b)
}

// Release drops the reference. It is safe to call more than once.
func (h *Handle) Release() {
	if !h.released.CompareAndSwap(false, true) {
		return
	}
	h.cleanup.Stop()
	h.b.release()
}

// Frame returns the frame index of the batch.
func (h *Handle) Frame() uint64 { return h.b.frame }

// Done reports whether the GPU finished the batch.
func (h *Handle) Done() bool { return h.b.Complete() }

// Wait blocks until the GPU finished the batch, ctx is done, or the
// ring's timeout expires.
func (h *Handle) Wait(ctx context.Context) error {
	for _, sig := range h.b.signalsSnapshot() {
		if err := h.b.ring.waitSignal(ctx, sig); err != nil {
			return err
		}
	}
	return nil
}
