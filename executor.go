package rendergraph

import (
	"context"
	"fmt"
	"slices"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/rendergraph/frame"
	"github.com/gogpu/rendergraph/graph"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
	"github.com/gogpu/rendergraph/state"
)

// record replays the frame into one command buffer per segment and
// returns the submissions in segment order. Each queue's segments are
// recorded sequentially on that queue's encoder; different queues record
// concurrently.
func (f *Frame) record(ctx context.Context) ([]frame.Submission, error) {
	dp := f.plan.Dispatch
	bufs := make([]hal.CommandBuffer, len(dp.Segments))

	var byQueue [queue.Count][]int
	for i, seg := range dp.Segments {
		byQueue[seg.Queue.Index()] = append(byQueue[seg.Queue.Index()], i)
	}

	g, gctx := errgroup.WithContext(ctx)
	if !f.s.cfg.parallel {
		g.SetLimit(1)
	}
	for qi, segs := range byQueue {
		if len(segs) == 0 {
			continue
		}
		q := queue.All[qi]
		g.Go(func() error {
			return f.recordQueue(gctx, q, segs, bufs)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	subs := make([]frame.Submission, len(dp.Segments))
	for i, seg := range dp.Segments {
		subs[i] = frame.Submission{
			Queue:   seg.Queue,
			Buffers: []hal.CommandBuffer{bufs[i]},
		}
		for _, w := range seg.Waits {
			subs[i].After = append(subs[i].After, dp.Syncs[w].SignalAfter)
		}
	}
	for _, b := range f.plan.Barriers.Carried {
		i := dp.SegmentOf(graph.Handle(b.Dst))
		if !slices.Contains(subs[i].AfterPrevious, b.OldQueue) {
			subs[i].AfterPrevious = append(subs[i].AfterPrevious, b.OldQueue)
		}
	}
	return subs, nil
}

func (f *Frame) recordQueue(ctx context.Context, q queue.Type, segs []int, bufs []hal.CommandBuffer) error {
	enc, err := f.batch.Encoder(q)
	if err != nil {
		return err
	}
	dp := f.plan.Dispatch
	for _, i := range segs {
		if err := ctx.Err(); err != nil {
			return err
		}
		seg := dp.Segments[i]
		if err := enc.BeginEncoding(fmt.Sprintf("frame %d %s epoch %d", f.index, q, seg.Epoch)); err != nil {
			return fmt.Errorf("%s queue: begin encoding: %w", q, err)
		}
		for _, h := range seg.Tasks {
			if err := f.recordTask(enc, h); err != nil {
				enc.DiscardEncoding()
				return err
			}
		}
		cb, err := enc.EndEncoding()
		if err != nil {
			return fmt.Errorf("%s queue: end encoding: %w", q, err)
		}
		f.batch.AddCommandBuffer(q, cb)
		bufs[i] = cb
	}
	return nil
}

// recordTask records the task's acquire and transition barriers, its
// payload and its release barriers, in that order.
func (f *Frame) recordTask(enc hal.CommandEncoder, h graph.Handle) error {
	step := f.plan.Step(h)
	t := f.plan.Schedule.Task(h)

	if err := f.transition(enc, step.Pre); err != nil {
		return fmt.Errorf("task %q: %w", t.Label, err)
	}
	if t.Payload != nil {
		if err := t.Payload.Replay(taskEncoder{f: f, raw: enc}); err != nil {
			return fmt.Errorf("task %q: %w", t.Label, err)
		}
	}
	if err := f.plan.Schedule.MarkExecuting(h); err != nil {
		return err
	}
	if err := f.transition(enc, step.Post); err != nil {
		return fmt.Errorf("task %q: %w", t.Label, err)
	}
	return nil
}

// transition records barriers as hardware buffer and texture transitions.
// Texture ranges cover every aspect of the format, so depth and stencil
// planes move together. Transitions into the present state stay in the
// state table only. Samplers have no state and are skipped.
func (f *Frame) transition(enc hal.CommandEncoder, barriers []state.Barrier) error {
	if len(barriers) == 0 {
		return nil
	}
	var bufs []hal.BufferBarrier
	var texs []hal.TextureBarrier
	for _, b := range barriers {
		res, ok := f.s.registry.Get(b.Resource)
		if !ok {
			return fmt.Errorf("barrier %s: %w", b, resource.ErrUnknownResource)
		}
		switch res.Kind {
		case resource.KindBuffer:
			bind, err := f.binding(res)
			if err != nil {
				return err
			}
			if bind.Buffer == nil {
				return fmt.Errorf("buffer %q: %w", res.Label, graph.ErrNotBound)
			}
			bufs = append(bufs, hal.BufferBarrier{
				Buffer: bind.Buffer,
				Usage: hal.BufferUsageTransition{
					OldUsage: b.Old.BufferUsage(),
					NewUsage: b.New.BufferUsage(),
				},
			})
		case resource.KindImage:
			if b.New.Usage == resource.UsagePresent {
				// Queue.Present moves the image to the presentable layout.
				continue
			}
			bind, err := f.binding(res)
			if err != nil {
				return err
			}
			if bind.Texture == nil {
				return fmt.Errorf("image %q: %w", res.Label, graph.ErrNotBound)
			}
			texs = append(texs, hal.TextureBarrier{
				Texture: bind.Texture,
				Range:   hal.TextureRange{Aspect: gputypes.TextureAspectAll},
				Usage: hal.TextureUsageTransition{
					OldUsage: b.Old.TextureUsage(),
					NewUsage: b.New.TextureUsage(),
				},
			})
		}
	}
	if len(bufs) > 0 {
		enc.TransitionBuffers(bufs)
	}
	if len(texs) > 0 {
		enc.TransitionTextures(texs)
	}
	return nil
}

// binding resolves the physical object behind res for this frame.
// Virtual resources are leased from the transient pool on first use.
func (f *Frame) binding(res resource.LogicalResource) (resource.Binding, error) {
	if res.Virtual {
		b, err := f.batch.Transient(res)
		if err != nil {
			return resource.Binding{}, fmt.Errorf("%s %q: %w", res.Kind, res.Label, err)
		}
		return b, nil
	}
	if res.Binding.Empty() {
		return resource.Binding{}, fmt.Errorf("%s %q: %w", res.Kind, res.Label, graph.ErrNotBound)
	}
	return res.Binding, nil
}

// taskEncoder is the graph.Encoder a payload replays into.
type taskEncoder struct {
	f   *Frame
	raw hal.CommandEncoder
}

func (e taskEncoder) Raw() hal.CommandEncoder { return e.raw }

func (e taskEncoder) Kind(id resource.ID) resource.Kind {
	res, ok := e.f.s.registry.Get(id)
	if !ok {
		return 0
	}
	return res.Kind
}

func (e taskEncoder) lookup(id resource.ID) (resource.LogicalResource, resource.Binding, error) {
	res, ok := e.f.s.registry.Get(id)
	if !ok {
		return res, resource.Binding{}, fmt.Errorf("resource %d: %w", id, resource.ErrUnknownResource)
	}
	b, err := e.f.binding(res)
	return res, b, err
}

func (e taskEncoder) Buffer(id resource.ID) (hal.Buffer, error) {
	res, b, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if b.Buffer == nil {
		return nil, fmt.Errorf("%s %q as buffer: %w", res.Kind, res.Label, graph.ErrNotBound)
	}
	return b.Buffer, nil
}

func (e taskEncoder) Texture(id resource.ID) (hal.Texture, error) {
	res, b, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if b.Texture == nil {
		return nil, fmt.Errorf("%s %q as texture: %w", res.Kind, res.Label, graph.ErrNotBound)
	}
	return b.Texture, nil
}

func (e taskEncoder) View(id resource.ID) (hal.TextureView, error) {
	res, b, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	if b.View == nil {
		return nil, fmt.Errorf("%s %q as view: %w", res.Kind, res.Label, graph.ErrNotBound)
	}
	return b.View, nil
}
