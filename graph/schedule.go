package graph

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

type node struct {
	mu    sync.Mutex
	task  Task
	state atomic.Uint32
}

// Schedule is the resolved, immutable order of one frame's tasks.
// Task states advance concurrently; everything else is read-only.
type Schedule struct {
	generation uint64
	nodes      []*node
	order      []Handle
	pos        []int
	preds      [][]Handle
	succs      [][]Handle
}

// Generation returns the generation the builder was created with.
func (s *Schedule) Generation() uint64 { return s.generation }

// Len returns the number of tasks.
func (s *Schedule) Len() int { return len(s.order) }

// Order returns the tasks in execution order. The slice must not be modified.
func (s *Schedule) Order() []Handle { return s.order }

// Position returns the index of h in Order.
func (s *Schedule) Position(h Handle) int { return s.pos[h] }

// Task returns a copy of the task description. After Retire the payload is nil.
func (s *Schedule) Task(h Handle) Task {
	n := s.nodes[h]
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.task
}

// Preds returns the direct predecessors of h in ascending handle order.
func (s *Schedule) Preds(h Handle) []Handle { return s.preds[h] }

// Succs returns the direct successors of h.
func (s *Schedule) Succs(h Handle) []Handle { return s.succs[h] }

// HasEdge reports whether a direct edge from -> to exists.
func (s *Schedule) HasEdge(from, to Handle) bool {
	_, ok := slices.BinarySearch(s.preds[to], from)
	return ok
}

// Reaches reports whether to is reachable from from along edges.
func (s *Schedule) Reaches(from, to Handle) bool {
	if from == to {
		return true
	}
	if s.pos[from] > s.pos[to] {
		return false
	}
	seen := make([]bool, len(s.nodes))
	stack := []Handle{from}
	for len(stack) > 0 {
		h := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, n := range s.succs[h] {
			if n == to {
				return true
			}
			if !seen[n] && s.pos[n] < s.pos[to] {
				seen[n] = true
				stack = append(stack, n)
			}
		}
	}
	return false
}

// State returns the lifecycle state of h.
func (s *Schedule) State(h Handle) State {
	return State(s.nodes[h].state.Load())
}

func (s *Schedule) advance(h Handle, from, to State) error {
	if h < 0 || int(h) >= len(s.nodes) {
		return fmt.Errorf("task %d: %w", h, ErrInvalidHandle)
	}
	if !s.nodes[h].state.CompareAndSwap(uint32(from), uint32(to)) {
		return fmt.Errorf("task %d %s -> %s (is %s): %w", h, from, to, s.State(h), ErrBadTransition)
	}
	return nil
}

// MarkExecuting records that h has been replayed into a command buffer.
// A task executes exactly once.
func (s *Schedule) MarkExecuting(h Handle) error {
	return s.advance(h, Scheduled, Executing)
}

// Retire releases the payload of an executed task.
func (s *Schedule) Retire(h Handle) error {
	if err := s.advance(h, Executing, Retired); err != nil {
		return err
	}
	n := s.nodes[h]
	n.mu.Lock()
	n.task.Payload = nil
	n.mu.Unlock()
	return nil
}

// RetireAll retires every executing task and returns how many it retired.
func (s *Schedule) RetireAll() int {
	retired := 0
	for i := range s.nodes {
		if s.Retire(Handle(i)) == nil { //nolint:gosec // bounded by MaxTasks
			retired++
		}
	}
	return retired
}
