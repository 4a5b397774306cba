package graph

import (
	"container/heap"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/gogpu/rendergraph/resource"
)

// Builder collects the tasks of one frame. AddTask and AddEdge may be
// called from several goroutines; Finalize closes the builder.
type Builder struct {
	mu         sync.Mutex
	generation uint64
	limits     Limits
	validator  Validator
	tasks      []*node
	extra      [][2]Handle
	closed     bool
}

// NewBuilder creates a builder for the schedule with the given
// generation. A nil validator skips registry checks.
func NewBuilder(generation uint64, limits Limits, v Validator) *Builder {
	return &Builder{generation: generation, limits: limits, validator: v}
}

// Generation returns the generation the schedule will carry.
func (b *Builder) Generation() uint64 { return b.generation }

// Len returns the number of declared tasks.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tasks)
}

// AddTask declares a task. The task is copied; later changes to the
// caller's slices have no effect.
func (b *Builder) AddTask(t Task) (Handle, error) {
	if len(t.Accesses) == 0 && t.Payload == nil {
		return InvalidHandle, fmt.Errorf("task %q: %w", t.Label, ErrEmptyTask)
	}
	if b.limits.MaxDependencies > 0 && len(t.After) > b.limits.MaxDependencies {
		return InvalidHandle, fmt.Errorf("task %q has %d dependencies, limit %d: %w",
			t.Label, len(t.After), b.limits.MaxDependencies, ErrTooManyDependencies)
	}
	for i, r := range t.Accesses {
		for _, prev := range t.Accesses[:i] {
			if prev.Resource == r.Resource {
				return InvalidHandle, fmt.Errorf("task %q, resource %d: %w", t.Label, r.Resource, ErrDuplicateAccess)
			}
		}
		if b.validator != nil {
			if err := b.validator.Validate(r); err != nil {
				return InvalidHandle, fmt.Errorf("task %q: %w", t.Label, err)
			}
		}
	}
	if err := checkPayload(t.Payload, t.Accesses); err != nil {
		return InvalidHandle, fmt.Errorf("task %q: %w", t.Label, err)
	}
	if err := checkClearTarget(t.Payload, t.Accesses, b.validator); err != nil {
		return InvalidHandle, fmt.Errorf("task %q: %w", t.Label, err)
	}

	t.Accesses = slices.Clone(t.Accesses)
	t.After = slices.Clone(t.After)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return InvalidHandle, ErrFinalized
	}
	if b.limits.MaxTasks > 0 && len(b.tasks) >= b.limits.MaxTasks {
		return InvalidHandle, fmt.Errorf("limit %d: %w", b.limits.MaxTasks, ErrTooManyTasks)
	}
	for _, p := range t.After {
		if p < 0 || int(p) >= len(b.tasks) {
			return InvalidHandle, fmt.Errorf("task %q after %d: %w", t.Label, p, ErrInvalidHandle)
		}
	}

	h := Handle(len(b.tasks)) //nolint:gosec // bounded by MaxTasks
	b.tasks = append(b.tasks, &node{task: t})
	return h, nil
}

// AddEdge orders task from before task to. Both tasks must already be
// declared. Unlike After, an edge may point backwards in insertion order,
// so a careless caller can create a cycle; Finalize reports it.
func (b *Builder) AddEdge(from, to Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrFinalized
	}
	n := Handle(len(b.tasks)) //nolint:gosec // bounded by MaxTasks
	if from < 0 || from >= n || to < 0 || to >= n || from == to {
		return fmt.Errorf("edge %d -> %d: %w", from, to, ErrInvalidHandle)
	}
	if b.limits.MaxDependencies > 0 {
		deps := len(b.tasks[to].task.After)
		for _, e := range b.extra {
			if e[1] == to {
				deps++
			}
		}
		if deps >= b.limits.MaxDependencies {
			return fmt.Errorf("edge %d -> %d: %w", from, to, ErrTooManyDependencies)
		}
	}
	b.extra = append(b.extra, [2]Handle{from, to})
	return nil
}

// Finalize closes the builder, derives the edges and returns the
// schedule. A cycle is reported as ErrCycle naming the tasks involved.
func (b *Builder) Finalize() (*Schedule, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrFinalized
	}
	b.closed = true
	tasks := b.tasks
	extra := b.extra
	b.mu.Unlock()

	n := len(tasks)
	preds := deriveEdges(tasks, extra)

	succs := make([][]Handle, n)
	indeg := make([]int, n)
	for to, ps := range preds {
		indeg[to] = len(ps)
		for _, from := range ps {
			succs[from] = append(succs[from], Handle(to)) //nolint:gosec // bounded by MaxTasks
		}
	}

	order := make([]Handle, 0, n)
	ready := &handleHeap{}
	for i := range n {
		if indeg[i] == 0 {
			*ready = append(*ready, Handle(i)) //nolint:gosec // bounded by MaxTasks
		}
	}
	heap.Init(ready)
	for ready.Len() > 0 {
		h := heap.Pop(ready).(Handle)
		order = append(order, h)
		for _, s := range succs[h] {
			indeg[s]--
			if indeg[s] == 0 {
				heap.Push(ready, s)
			}
		}
	}

	if len(order) != n {
		var stuck []string
		for i, d := range indeg {
			if d > 0 {
				stuck = append(stuck, fmt.Sprintf("%d:%q", i, tasks[i].task.Label))
			}
		}
		return nil, fmt.Errorf("tasks %s: %w", strings.Join(stuck, ", "), ErrCycle)
	}

	s := &Schedule{
		generation: b.generation,
		nodes:      tasks,
		order:      order,
		pos:        make([]int, n),
		preds:      preds,
		succs:      succs,
	}
	for p, h := range order {
		s.pos[h] = p
		tasks[h].state.Store(uint32(Scheduled))
	}
	return s, nil
}

// deriveEdges returns, for every task, the sorted list of its direct
// predecessors. Per resource only the edges to the last writer and to the
// readers since that write are materialized; the rest follow
// transitively.
func deriveEdges(tasks []*node, extra [][2]Handle) [][]Handle {
	type hazard struct {
		writer  Handle
		readers []Handle
	}
	last := make(map[resource.ID]*hazard)
	preds := make([][]Handle, len(tasks))

	for i, nd := range tasks {
		h := Handle(i) //nolint:gosec // bounded by MaxTasks
		for _, r := range nd.task.Accesses {
			hz, ok := last[r.Resource]
			if !ok {
				hz = &hazard{writer: InvalidHandle}
				last[r.Resource] = hz
			}
			if hz.writer != InvalidHandle {
				preds[i] = append(preds[i], hz.writer)
			}
			if r.Mode.Writes() {
				preds[i] = append(preds[i], hz.readers...)
				hz.writer = h
				hz.readers = hz.readers[:0]
			} else {
				hz.readers = append(hz.readers, h)
			}
		}
		preds[i] = append(preds[i], nd.task.After...)
	}
	for _, e := range extra {
		preds[e[1]] = append(preds[e[1]], e[0])
	}

	for i := range preds {
		slices.Sort(preds[i])
		preds[i] = slices.Compact(preds[i])
	}
	return preds
}

// handleHeap is a min-heap of handles: the ready task declared first runs
// first.
type handleHeap []Handle

func (h handleHeap) Len() int           { return len(h) }
func (h handleHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h handleHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *handleHeap) Push(x any)        { *h = append(*h, x.(Handle)) }
func (h *handleHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
