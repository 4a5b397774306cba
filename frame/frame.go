// Package frame manages the lifetime of in-flight command batches.
//
// A Ring holds N slots, one per frame in flight. Each slot owns one
// command encoder per hardware queue; the encoder's allocator is the
// slot's command pool. Begin hands out the slot for a new frame once the
// previous occupant is both released by every holder and finished on the
// GPU, and resets the pool at that point. Neither condition alone is
// enough.
package frame

import (
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/fault"
)

// Frame errors.
var (
	// ErrRingInvalid is returned by every call on a ring after a device
	// error. The ring must be recreated.
	ErrRingInvalid = fmt.Errorf("%w: frame: ring invalidated", fault.ErrDevice)

	// ErrWaitTimeout is returned when a slot or a cross-queue signal does
	// not complete within the configured timeout.
	ErrWaitTimeout = fmt.Errorf("%w: frame: wait timeout", fault.ErrDevice)

	// ErrSubmit wraps failures reported by the submission queue.
	ErrSubmit = fmt.Errorf("%w: frame: submission failed", fault.ErrDevice)

	ErrAlreadySubmitted = fmt.Errorf("%w: frame: batch already submitted", fault.ErrUsage)
	ErrBadWait          = fmt.Errorf("%w: frame: wait refers to a later submission", fault.ErrUsage)
	ErrNoQueue          = fmt.Errorf("%w: frame: queue not available", fault.ErrUsage)
	ErrStaleBatch       = fmt.Errorf("%w: frame: batch belongs to a recycled slot", fault.ErrUsage)
)

// Queue is the submission side of a hardware queue. hal.Queue implements it.
type Queue interface {
	Submit(buffers []hal.CommandBuffer) (uint64, error)
	PollCompleted() uint64
}

// Signal is a point on a queue's submission timeline. It fires when the
// queue reports that submission as completed.
type Signal struct {
	q     Queue
	value uint64
}

// Done reports whether the signal has fired. The zero Signal is always done.
func (s Signal) Done() bool {
	return s.q == nil || s.q.PollCompleted() >= s.value
}

// Value returns the submission index the signal waits for.
func (s Signal) Value() uint64 { return s.value }

// Pending reports whether the signal refers to a submission at all.
func (s Signal) Pending() bool { return s.q != nil }
