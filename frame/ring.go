package frame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/rendergraph/queue"
)

// Config configures a Ring.
type Config struct {
	// Slots is the number of frames in flight (N).
	Slots int

	// Timeout bounds every wait on the GPU. A timeout invalidates the ring.
	Timeout time.Duration

	// PollInterval is how often completion is polled while waiting.
	PollInterval time.Duration
}

// Queues are the hardware queues a ring submits to. Compute and Transfer
// may be nil when the device does not expose them, or may alias Graphics.
type Queues struct {
	Graphics Queue
	Compute  Queue
	Transfer Queue
}

func (q Queues) get(t queue.Type) Queue {
	switch t {
	case queue.Graphics:
		return q.Graphics
	case queue.Compute:
		return q.Compute
	case queue.Transfer:
		return q.Transfer
	default:
		return nil
	}
}

type slot struct {
	index int

	mu         sync.Mutex
	wake       chan struct{}
	encoders   [queue.Count]hal.CommandEncoder
	batch      *Batch
	generation uint64
}

func (s *slot) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Ring is the fixed-size rotation of command batch slots.
type Ring struct {
	device     hal.Device
	queues     Queues
	transients *TransientPool
	cfg        Config

	slots []*slot

	invalid atomic.Bool
	errMu   sync.Mutex
	err     error

	// last holds the final signal submitted on each queue, used to order
	// ownership transfers carried over from the previous frame.
	lastMu sync.Mutex
	last   [queue.Count]Signal
}

// NewRing creates a ring with cfg.Slots slots. Encoders are created on
// first use.
func NewRing(device hal.Device, queues Queues, cfg Config) (*Ring, error) {
	if device == nil || queues.Graphics == nil {
		return nil, fmt.Errorf("new ring: %w", ErrNoQueue)
	}
	if cfg.Slots < 1 {
		cfg.Slots = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Microsecond
	}
	r := &Ring{
		device:     device,
		queues:     queues,
		transients: NewTransientPool(device),
		cfg:        cfg,
		slots:      make([]*slot, cfg.Slots),
	}
	for i := range r.slots {
		r.slots[i] = &slot{index: i, wake: make(chan struct{}, 1)}
	}
	return r, nil
}

// Len returns the number of slots.
func (r *Ring) Len() int { return len(r.slots) }

// Transients returns the pool backing virtual resources.
func (r *Ring) Transients() *TransientPool { return r.transients }

// Err returns the error that invalidated the ring, or nil.
func (r *Ring) Err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.err
}

func (r *Ring) invalidate(err error) error {
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
	if r.invalid.CompareAndSwap(false, true) {
		slogger().Error("frame ring invalidated", "err", err)
	}
	return err
}

func (r *Ring) check() error {
	if r.invalid.Load() {
		return fmt.Errorf("%w (%w)", ErrRingInvalid, r.Err())
	}
	return nil
}

// Begin returns the batch for frameIndex, using slot frameIndex mod N.
// It blocks while the slot's previous batch is still referenced or still
// executing on the GPU, then retires that batch and resets the slot's
// command pools. A wait longer than the configured timeout invalidates
// the ring.
func (r *Ring) Begin(ctx context.Context, frameIndex uint64) (*Batch, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	s := r.slots[frameIndex%uint64(len(r.slots))]

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev := s.batch; prev != nil && !prev.reusable() {
		start := time.Now()
		if err := r.waitReusable(ctx, s, prev); err != nil {
			return nil, err
		}
		slogger().Debug("frame slot wait", "slot", s.index, "frame", frameIndex, "waited", time.Since(start))
	}
	if prev := s.batch; prev != nil {
		prev.retire()
	}

	s.generation++
	b := &Batch{
		ring:       r,
		slot:       s,
		frame:      frameIndex,
		generation: s.generation,
	}
	s.batch = b
	return b, nil
}

// waitReusable blocks until prev is reusable. The caller holds s.mu;
// releases only signal s.wake and never take the slot lock.
func (r *Ring) waitReusable(ctx context.Context, s *slot, prev *Batch) error {
	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for !prev.reusable() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return r.invalidate(fmt.Errorf("slot %d, frame %d (refs %d): %w",
				s.index, prev.frame, prev.refs.Load(), ErrWaitTimeout))
		case <-s.wake:
		case <-ticker.C:
		}
		if err := r.check(); err != nil {
			return err
		}
	}
	return nil
}

// waitSignal blocks until sig fires.
func (r *Ring) waitSignal(ctx context.Context, sig Signal) error {
	if sig.Done() {
		return nil
	}
	timer := time.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for !sig.Done() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return r.invalidate(fmt.Errorf("signal %d: %w", sig.value, ErrWaitTimeout))
		case <-ticker.C:
		}
	}
	return nil
}

func (r *Ring) encoder(s *slot, q queue.Type) (hal.CommandEncoder, error) {
	i := q.Index()
	if i < 0 || r.queues.get(q) == nil {
		return nil, fmt.Errorf("encoder for %s: %w", q, ErrNoQueue)
	}
	if s.encoders[i] == nil {
		enc, err := r.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{
			Label: fmt.Sprintf("frame slot %d %s", s.index, q),
		})
		if err != nil {
			return nil, fmt.Errorf("create %s encoder: %w", q, err)
		}
		s.encoders[i] = enc
	}
	return s.encoders[i], nil
}

func (r *Ring) lastSignal(q queue.Type) Signal {
	r.lastMu.Lock()
	defer r.lastMu.Unlock()
	return r.last[q.Index()]
}

func (r *Ring) setLast(q queue.Type, sig Signal) {
	r.lastMu.Lock()
	r.last[q.Index()] = sig
	r.lastMu.Unlock()
}

// Close waits for the device to go idle and destroys every slot's
// encoders and the transient pool. Batches still referenced are retired
// regardless; callers must not use them afterwards.
func (r *Ring) Close() error {
	err := r.device.WaitIdle()
	if err != nil && !errors.Is(err, hal.ErrDeviceLost) {
		err = fmt.Errorf("close ring: %w", err)
	} else {
		err = nil
	}
	for _, s := range r.slots {
		s.mu.Lock()
		if s.batch != nil {
			s.batch.retire()
			s.batch = nil
		}
		for i, enc := range s.encoders {
			if enc != nil {
				enc.Destroy()
				s.encoders[i] = nil
			}
		}
		s.mu.Unlock()
	}
	r.transients.Destroy()

	r.errMu.Lock()
	if r.err == nil {
		r.err = ErrRingClosed
	}
	r.errMu.Unlock()
	r.invalid.Store(true)
	return err
}

// ErrRingClosed is the reason recorded by Close.
var ErrRingClosed = errors.New("frame: ring closed")
