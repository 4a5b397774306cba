package rendergraph

import (
	"context"
	"errors"
	"fmt"

	"github.com/gogpu/rendergraph/dispatch"
	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/frame"
	"github.com/gogpu/rendergraph/graph"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
	"github.com/gogpu/rendergraph/state"
)

type frameStage uint8

const (
	stageOpen frameStage = iota
	stageFinalized
	stageSubmitted
	stageDropped
)

// Plan is the resolved form of one frame: the task order, the queue of
// every task with the synchronization between queues, and the barriers
// around every task.
type Plan struct {
	Schedule *graph.Schedule
	Dispatch *dispatch.Plan
	Barriers *state.Plan
}

// Step returns the barriers recorded around h.
func (p *Plan) Step(h graph.Handle) state.Step {
	return p.Barriers.Steps[p.Schedule.Position(h)]
}

// Frame is one frame being built. AddTask, AddEdge and Present may be
// called from several goroutines at once; Finalize, Submit and Drop must
// not overlap with them or with each other.
type Frame struct {
	s       *Scheduler
	index   uint64
	batch   *frame.Batch
	builder *graph.Builder

	stage      frameStage
	plan       *Plan
	checkpoint state.Checkpoint
	planned    bool
}

// Index returns the frame index, starting at 0.
func (f *Frame) Index() uint64 { return f.index }

// Batch returns the command batch the frame records into.
func (f *Frame) Batch() *frame.Batch { return f.batch }

// AddTask adds a task to the frame.
func (f *Frame) AddTask(t graph.Task) (graph.Handle, error) {
	if f.stage != stageOpen {
		return graph.InvalidHandle, ErrFrameDone
	}
	return f.builder.AddTask(t)
}

// AddEdge orders to after from regardless of resource hazards.
func (f *Frame) AddEdge(from, to graph.Handle) error {
	if f.stage != stageOpen {
		return ErrFrameDone
	}
	return f.builder.AddEdge(from, to)
}

// Present adds the final access of an external image: its transition to
// the presentable state on the graphics queue.
func (f *Frame) Present(id resource.ID) (graph.Handle, error) {
	return f.AddTask(graph.Task{
		Label:    "present",
		Accesses: []resource.Request{resource.Read(id, resource.UsagePresent)},
		Queue:    queue.PreferGraphics,
	})
}

// Finalize resolves the task graph, assigns queues and plans barriers.
// Any failure drops the frame: nothing is submitted and the resource
// state table is left as it was before the frame.
func (f *Frame) Finalize() (*Plan, error) {
	if f.stage != stageOpen {
		if f.stage == stageFinalized {
			return f.plan, nil
		}
		return nil, ErrFrameDone
	}

	sched, err := f.builder.Finalize()
	if err != nil {
		return nil, f.drop(fmt.Errorf("frame %d: %w", f.index, err))
	}
	dplan, err := f.s.dispatcher.Assign(sched)
	if err != nil {
		return nil, f.drop(fmt.Errorf("frame %d: %w", f.index, err))
	}

	f.checkpoint = f.s.states.Checkpoint()
	f.planned = true
	seq := make([]state.Access, 0, sched.Len())
	for _, h := range sched.Order() {
		seq = append(seq, state.Access{
			Task:     state.TaskID(h),
			Queue:    dplan.QueueOf(h),
			Requests: sched.Task(h).Accesses,
		})
	}
	f.resetVirtual(seq)
	bplan, err := f.s.planner.Plan(seq)
	if err != nil {
		return nil, f.drop(fmt.Errorf("frame %d: %w", f.index, err))
	}

	f.plan = &Plan{Schedule: sched, Dispatch: dplan, Barriers: bplan}
	f.stage = stageFinalized
	return f.plan, nil
}

// resetVirtual puts the virtual resources of seq back to the undefined
// state. Their memory is leased per frame, so nothing carries over from
// the previous frame's contents.
func (f *Frame) resetVirtual(seq []state.Access) {
	seen := make(map[resource.ID]bool)
	for _, a := range seq {
		for _, r := range a.Requests {
			if seen[r.Resource] {
				continue
			}
			seen[r.Resource] = true
			if res, ok := f.s.registry.Get(r.Resource); ok && res.Virtual {
				f.s.states.Import(r.Resource)
			}
		}
	}
}

// Submit finalizes the frame if needed, records the command streams of
// all queues and submits them. The returned handle keeps the frame's
// batch alive; the caller must release it.
func (f *Frame) Submit(ctx context.Context) (*frame.Handle, error) {
	if f.stage == stageOpen {
		if _, err := f.Finalize(); err != nil {
			return nil, err
		}
	}
	if f.stage != stageFinalized {
		return nil, ErrFrameDone
	}

	subs, err := f.record(ctx)
	if err != nil {
		return nil, f.drop(fmt.Errorf("frame %d: record: %w", f.index, err))
	}

	sched := f.plan.Schedule
	f.batch.OnRetire(func() { sched.RetireAll() })

	h, err := f.s.ring.Submit(ctx, f.batch, subs)
	if err != nil {
		return nil, f.drop(fmt.Errorf("frame %d: %w", f.index, err))
	}
	f.stage = stageSubmitted
	f.s.finish(f)

	slogger().Debug("rendergraph: frame submitted",
		"frame", f.index,
		"tasks", sched.Len(),
		"submissions", len(subs),
		"syncs", len(f.plan.Dispatch.Syncs),
		"barriers", f.plan.Barriers.Transitions+f.plan.Barriers.Releases+f.plan.Barriers.Acquires)
	return h, nil
}

// Drop abandons the frame. Barrier planning is rolled back; the ring
// slot is reused without waiting.
func (f *Frame) Drop() {
	if f.stage == stageSubmitted || f.stage == stageDropped {
		return
	}
	_ = f.drop(nil)
}

func (f *Frame) drop(err error) error {
	if f.planned {
		f.s.states.Restore(f.checkpoint)
		f.planned = false
	}
	f.stage = stageDropped
	f.s.finish(f)

	if err != nil {
		level := slogger().Warn
		if errors.Is(err, fault.ErrDevice) {
			level = slogger().Error
		}
		level("rendergraph: frame dropped", "frame", f.index, "kind", fault.KindOf(err), "err", err)
	}
	return err
}
