package state

import (
	"fmt"

	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

// ErrUnpairedTransfer is returned by the consistency check when an
// ownership release has no matching acquire or the other way around.
var ErrUnpairedTransfer = fmt.Errorf("%w: state: unpaired queue ownership transfer", fault.ErrUsage)

// Access is one schedule step as seen by the planner: a task, the queue it
// runs on and the resources it touches.
type Access struct {
	Task     TaskID
	Queue    queue.Type
	Requests []resource.Request
}

// Step holds the barriers recorded around one task. Pre barriers are
// recorded before the task on its queue, Post barriers after it.
type Step struct {
	Task  TaskID
	Queue queue.Type
	Pre   []Barrier
	Post  []Barrier
}

// Plan is the barrier annotation of a whole schedule.
type Plan struct {
	Steps []Step

	// Carried lists acquires whose release happened in an earlier frame.
	// The submitter orders them after that frame's work on the old queue.
	Carried []Barrier

	Transitions int
	Releases    int
	Acquires    int
	Elided      int
}

// Planner walks a schedule in order and asks the table for each access.
type Planner struct {
	table  *Table
	verify bool
}

// NewPlanner creates a planner over table. With verify set every plan is
// passed through CheckPairing before it is returned.
func NewPlanner(table *Table, verify bool) *Planner {
	return &Planner{table: table, verify: verify}
}

// Table returns the state table the planner mutates.
func (p *Planner) Table() *Table { return p.table }

// Plan annotates seq, which must be in schedule order. Barriers are never
// reordered relative to seq: a transition lands directly before the task
// that needs it, a release directly after the last task that used the
// resource on the old queue.
func (p *Planner) Plan(seq []Access) (*Plan, error) {
	p.table.Rebase()

	plan := &Plan{Steps: make([]Step, len(seq))}
	pos := make(map[TaskID]int, len(seq))

	for i, a := range seq {
		plan.Steps[i].Task = a.Task
		plan.Steps[i].Queue = a.Queue
		pos[a.Task] = i

		for _, req := range a.Requests {
			b, ok := p.table.RequireAccess(req.Resource, req.Mode, a.Queue, a.Task)
			if !ok {
				plan.Elided++
				continue
			}
			if !b.CrossQueue() {
				b.Role = RoleTransition
				plan.Steps[i].Pre = append(plan.Steps[i].Pre, b)
				plan.Transitions++
				continue
			}

			rel, acq := b.Split()
			if src, ok := pos[b.Src]; ok && b.Src != NoTask {
				plan.Steps[src].Post = append(plan.Steps[src].Post, rel)
				plan.Releases++
			} else {
				plan.Carried = append(plan.Carried, acq)
			}
			plan.Steps[i].Pre = append(plan.Steps[i].Pre, acq)
			plan.Acquires++
		}
	}

	if p.verify {
		if err := CheckPairing(plan); err != nil {
			return nil, err
		}
	}

	slogger().Debug("barrier plan",
		"steps", len(seq),
		"transitions", plan.Transitions,
		"releases", plan.Releases,
		"acquires", plan.Acquires,
		"elided", plan.Elided,
		"carried", len(plan.Carried))
	return plan, nil
}

type transferKey struct {
	res      resource.ID
	src, dst TaskID
	from, to queue.Type
}

// CheckPairing verifies that every release is matched by exactly one
// acquire on the same resource and queue pair, and that each half sits
// on the queue whose stream must record it.
func CheckPairing(plan *Plan) error {
	releases := make(map[transferKey]int)
	acquires := make(map[transferKey]int)
	carried := make(map[transferKey]bool, len(plan.Carried))
	for _, b := range plan.Carried {
		carried[keyOf(b)] = true
	}

	for _, st := range plan.Steps {
		for _, b := range st.Post {
			if b.Role != RoleRelease {
				continue
			}
			if st.Queue != b.OldQueue || b.Src != st.Task {
				return fmt.Errorf("release of r%d recorded on %s after task %d: %w",
					b.Resource, st.Queue, st.Task, ErrUnpairedTransfer)
			}
			releases[keyOf(b)]++
		}
		for _, b := range st.Pre {
			if b.Role != RoleAcquire {
				continue
			}
			if st.Queue != b.NewQueue || b.Dst != st.Task {
				return fmt.Errorf("acquire of r%d recorded on %s before task %d: %w",
					b.Resource, st.Queue, st.Task, ErrUnpairedTransfer)
			}
			acquires[keyOf(b)]++
		}
	}

	for k, n := range releases {
		if n != 1 || acquires[k] != 1 {
			return fmt.Errorf("r%d %s -> %s: %d release(s), %d acquire(s): %w",
				k.res, k.from, k.to, n, acquires[k], ErrUnpairedTransfer)
		}
	}
	for k, n := range acquires {
		if carried[k] {
			continue
		}
		if n != 1 || releases[k] != 1 {
			return fmt.Errorf("r%d %s -> %s: %d acquire(s), %d release(s): %w",
				k.res, k.from, k.to, n, releases[k], ErrUnpairedTransfer)
		}
	}
	return nil
}

func keyOf(b Barrier) transferKey {
	return transferKey{res: b.Resource, src: b.Src, dst: b.Dst, from: b.OldQueue, to: b.NewQueue}
}
