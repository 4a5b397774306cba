// Package dispatch assigns scheduled tasks to hardware queues and inserts
// the cross-queue synchronization they need.
//
// Every task gets an epoch: the number of queue switches on the longest
// dependency chain leading to it. Tasks of one queue and one epoch form a
// segment, the unit of submission. All edges crossing from queue A to
// queue B out of one epoch share a single signal/wait pair, so the number
// of synchronization objects grows with the number of queue switches, not
// with the number of tasks.
package dispatch

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/graph"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

// ErrUnschedulable is returned when a task pinned to a queue needs an
// access or payload that queue cannot execute.
var ErrUnschedulable = fmt.Errorf("%w: dispatch: unschedulable task", fault.ErrResource)

// SyncKey identifies one coalesced synchronization pair. Generation is
// the epoch of the producing segment within the schedule.
type SyncKey struct {
	Src, Dst   queue.Type
	Generation int
}

// SyncPair is a signal recorded after one segment and waited on before
// another.
type SyncPair struct {
	Key SyncKey

	// Frame is the generation of the schedule the pair belongs to.
	Frame uint64

	SignalAfter int // segment index
	WaitBefore  int // segment index

	// Edges counts the task edges the pair covers.
	Edges int
}

// Segment is a run of consecutive tasks of one queue and one epoch.
type Segment struct {
	Queue   queue.Type
	Epoch   int
	Tasks   []graph.Handle
	Waits   []int // sync pair indices
	Signals []int // sync pair indices
}

// Plan is the queue assignment of one schedule.
type Plan struct {
	Schedule *graph.Schedule

	Queue []queue.Type // indexed by handle
	Epoch []int        // indexed by handle

	// Segments are ordered by epoch, then by queue. Submitting them in
	// this order never waits on a signal that has not been submitted.
	Segments []Segment
	Syncs    []SyncPair

	// CrossEdges counts task edges that connect different queues,
	// including the ownership edges the dispatcher adds.
	CrossEdges int

	// Fallbacks counts tasks moved to graphics because their queue is missing.
	Fallbacks int

	segmentOf []int
}

// QueueOf returns the queue h runs on.
func (p *Plan) QueueOf(h graph.Handle) queue.Type { return p.Queue[h] }

// SegmentOf returns the index of the segment holding h.
func (p *Plan) SegmentOf(h graph.Handle) int { return p.segmentOf[h] }

// Pairs returns the sync pairs from src to dst.
func (p *Plan) Pairs(src, dst queue.Type) []SyncPair {
	var out []SyncPair
	for _, s := range p.Syncs {
		if s.Key.Src == src && s.Key.Dst == dst {
			out = append(out, s)
		}
	}
	return out
}

// Queues returns the queues that received at least one task.
func (p *Plan) Queues() []queue.Type {
	var used [queue.Count]bool
	for _, q := range p.Queue {
		if i := q.Index(); i >= 0 {
			used[i] = true
		}
	}
	var out []queue.Type
	for i, u := range used {
		if u {
			out = append(out, queue.All[i])
		}
	}
	return out
}

// Dispatcher assigns queues. It holds the device capabilities captured
// at initialization.
type Dispatcher struct {
	caps    queue.Capabilities
	offload bool
}

// New creates a dispatcher. With offload unset every unpinned task stays
// on the graphics queue.
func New(caps queue.Capabilities, offload bool) *Dispatcher {
	return &Dispatcher{caps: caps, offload: offload}
}

// Capabilities returns the queue capabilities the dispatcher was built with.
func (d *Dispatcher) Capabilities() queue.Capabilities { return d.caps }

// Assign partitions s across the hardware queues.
func (d *Dispatcher) Assign(s *graph.Schedule) (*Plan, error) {
	n := s.Len()
	p := &Plan{
		Schedule:  s,
		Queue:     make([]queue.Type, n),
		Epoch:     make([]int, n),
		segmentOf: make([]int, n),
	}

	for _, h := range s.Order() {
		q, err := d.assign(s, p, h)
		if err != nil {
			return nil, err
		}
		p.Queue[h] = q
	}

	extra := ownershipEdges(s, p.Queue)
	d.epochs(s, p, extra)
	d.segments(s, p)
	d.syncs(s, p, extra)

	slogger().Debug("dispatch plan",
		"generation", s.Generation(),
		"tasks", n,
		"segments", len(p.Segments),
		"syncs", len(p.Syncs),
		"cross_edges", p.CrossEdges,
		"fallbacks", p.Fallbacks)
	return p, nil
}

func (d *Dispatcher) assign(s *graph.Schedule, p *Plan, h graph.Handle) (queue.Type, error) {
	t := s.Task(h)
	kind := graph.KindOf(t.Payload)

	want := queue.Graphics
	if t.Queue.Pinned() {
		want = t.Queue.Type()
	} else if d.offload && !graphicsPredecessor(s, p, h) {
		want = offloadTarget(&t, kind)
	}

	q, fellBack := d.caps.Resolve(want)
	if fellBack {
		p.Fallbacks++
		if t.Queue.Pinned() {
			slogger().Warn("queue unavailable, task folded onto graphics",
				"task", t.Label, "wanted", want)
		} else {
			slogger().Debug("offload queue unavailable, task stays on graphics",
				"task", t.Label, "wanted", want)
		}
	}

	if !payloadSupported(kind, q) {
		return queue.None, fmt.Errorf("task %q: %s payload on %s queue: %w", t.Label, kind, q, ErrUnschedulable)
	}
	for _, r := range t.Accesses {
		if !queue.Supports(q, r.Mode.Usage) {
			return queue.None, fmt.Errorf("task %q: %s access to resource %d on %s queue: %w",
				t.Label, r.Mode, r.Resource, q, ErrUnschedulable)
		}
	}
	return q, nil
}

func graphicsPredecessor(s *graph.Schedule, p *Plan, h graph.Handle) bool {
	for _, pred := range s.Preds(h) {
		if p.Queue[pred] == queue.Graphics {
			return true
		}
	}
	return false
}

// offloadTarget picks the async queue an unpinned task may move to.
func offloadTarget(t *graph.Task, kind graph.PayloadKind) queue.Type {
	var target queue.Type
	switch kind {
	case graph.KindDispatch:
		target = queue.Compute
	case graph.KindCopy, graph.KindBlit, graph.KindClear:
		target = queue.Transfer
	default:
		return queue.Graphics
	}
	for _, r := range t.Accesses {
		if !queue.Supports(target, r.Mode.Usage) {
			return queue.Graphics
		}
	}
	return target
}

func payloadSupported(kind graph.PayloadKind, q queue.Type) bool {
	switch kind {
	case graph.KindDraw:
		return q == queue.Graphics
	case graph.KindDispatch:
		return q == queue.Graphics || q == queue.Compute
	default:
		return q != queue.None
	}
}

// ownershipEdges connects consecutive accesses of one resource that run
// on different queues. The ownership release on the first queue must
// complete before the acquire on the second, even for two reads.
func ownershipEdges(s *graph.Schedule, queues []queue.Type) [][]graph.Handle {
	extra := make([][]graph.Handle, s.Len())
	last := make(map[resource.ID]graph.Handle)
	for _, h := range s.Order() {
		for _, r := range s.Task(h).Accesses {
			if prev, ok := last[r.Resource]; ok && queues[prev] != queues[h] && !s.HasEdge(prev, h) {
				extra[h] = append(extra[h], prev)
			}
			last[r.Resource] = h
		}
	}
	return extra
}

func forEachPred(s *graph.Schedule, extra [][]graph.Handle, h graph.Handle, fn func(graph.Handle)) {
	for _, p := range s.Preds(h) {
		fn(p)
	}
	for _, p := range extra[h] {
		fn(p)
	}
}

func (d *Dispatcher) epochs(s *graph.Schedule, p *Plan, extra [][]graph.Handle) {
	var lastOnQueue [queue.Count]int
	for _, h := range s.Order() {
		q := p.Queue[h]
		e := lastOnQueue[q.Index()]
		forEachPred(s, extra, h, func(pred graph.Handle) {
			pe := p.Epoch[pred]
			if p.Queue[pred] != q {
				pe++
			}
			e = max(e, pe)
		})
		p.Epoch[h] = e
		lastOnQueue[q.Index()] = e
	}
}

func (d *Dispatcher) segments(s *graph.Schedule, p *Plan) {
	type segKey struct {
		q queue.Type
		e int
	}
	index := make(map[segKey]int)
	for _, h := range s.Order() {
		k := segKey{p.Queue[h], p.Epoch[h]}
		i, ok := index[k]
		if !ok {
			i = len(p.Segments)
			index[k] = i
			p.Segments = append(p.Segments, Segment{Queue: k.q, Epoch: k.e})
		}
		p.Segments[i].Tasks = append(p.Segments[i].Tasks, h)
	}

	slices.SortStableFunc(p.Segments, func(a, b Segment) int {
		return cmp.Or(cmp.Compare(a.Epoch, b.Epoch), cmp.Compare(a.Queue, b.Queue))
	})
	for i, seg := range p.Segments {
		for _, h := range seg.Tasks {
			p.segmentOf[h] = i
		}
	}
}

func (d *Dispatcher) syncs(s *graph.Schedule, p *Plan, extra [][]graph.Handle) {
	index := make(map[SyncKey]int)
	for _, h := range s.Order() {
		forEachPred(s, extra, h, func(pred graph.Handle) {
			if p.Queue[pred] == p.Queue[h] {
				return
			}
			p.CrossEdges++
			key := SyncKey{Src: p.Queue[pred], Dst: p.Queue[h], Generation: p.Epoch[pred]}
			wait := p.segmentOf[h]
			if i, ok := index[key]; ok {
				p.Syncs[i].Edges++
				p.Syncs[i].WaitBefore = min(p.Syncs[i].WaitBefore, wait)
				return
			}
			index[key] = len(p.Syncs)
			p.Syncs = append(p.Syncs, SyncPair{
				Key:         key,
				Frame:       s.Generation(),
				SignalAfter: p.segmentOf[pred],
				WaitBefore:  wait,
				Edges:       1,
			})
		})
	}
	for i, sp := range p.Syncs {
		p.Segments[sp.SignalAfter].Signals = append(p.Segments[sp.SignalAfter].Signals, i)
		p.Segments[sp.WaitBefore].Waits = append(p.Segments[sp.WaitBefore].Waits, i)
	}
}
