package frame

import (
	"context"
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/queue"
)

// Submission is one ordered hand-off of command buffers to a queue.
type Submission struct {
	Queue   queue.Type
	Buffers []hal.CommandBuffer

	// After lists earlier submissions of the same batch that must finish
	// on the GPU before this one starts.
	After []int

	// AfterPrevious lists queues whose most recent submission from an
	// earlier frame must finish first.
	AfterPrevious []queue.Type
}

// Submit hands the batch's command buffers to the hardware queues in the
// given order and returns the first handle to the batch. Cross-queue
// waits are resolved on the CPU by polling the producing queue; waits
// between two submissions to the same hardware queue are skipped because
// a queue executes its submissions in order.
//
// Submission is all-or-nothing from the caller's point of view: once the
// first buffer reached a queue, any failure invalidates the ring.
func (r *Ring) Submit(ctx context.Context, b *Batch, subs []Submission) (*Handle, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	if b.ring != r {
		return nil, fmt.Errorf("submit frame %d: %w", b.frame, ErrStaleBatch)
	}
	for i, sub := range subs {
		if r.queues.get(sub.Queue) == nil {
			return nil, fmt.Errorf("submission %d on %s: %w", i, sub.Queue, ErrNoQueue)
		}
		for _, j := range sub.After {
			if j < 0 || j >= i {
				return nil, fmt.Errorf("submission %d after %d: %w", i, j, ErrBadWait)
			}
		}
	}
	if !b.submitted.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("submit frame %d: %w", b.frame, ErrAlreadySubmitted)
	}

	b.retain()
	sigs := make([]Signal, len(subs))
	for i, sub := range subs {
		hq := r.queues.get(sub.Queue)
		if err := r.waitBefore(ctx, hq, sub, subs, sigs); err != nil {
			b.release()
			if i == 0 {
				b.submitted.Store(false)
				return nil, err
			}
			return nil, r.invalidate(fmt.Errorf("submit frame %d: %w", b.frame, err))
		}

		idx, err := hq.Submit(sub.Buffers)
		if err != nil {
			b.release()
			return nil, r.invalidate(fmt.Errorf("frame %d on %s queue: %w: %w", b.frame, sub.Queue, ErrSubmit, err))
		}
		sigs[i] = Signal{q: hq, value: idx}

		b.mu.Lock()
		b.signals[sub.Queue.Index()] = sigs[i]
		b.mu.Unlock()
		r.setLast(sub.Queue, sigs[i])
	}

	slogger().Debug("frame submitted", "frame", b.frame, "slot", b.slot.index, "submissions", len(subs))
	return wrapHandle(b), nil
}

func (r *Ring) waitBefore(ctx context.Context, hq Queue, sub Submission, subs []Submission, sigs []Signal) error {
	for _, j := range sub.After {
		if r.queues.get(subs[j].Queue) == hq {
			continue
		}
		if err := r.waitSignal(ctx, sigs[j]); err != nil {
			return err
		}
	}
	for _, q := range sub.AfterPrevious {
		prev := r.lastSignal(q)
		if !prev.Pending() || prev.q == hq {
			continue
		}
		if err := r.waitSignal(ctx, prev); err != nil {
			return err
		}
	}
	return nil
}
