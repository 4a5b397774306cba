// Package graph builds the per-frame task graph and resolves it into a
// deterministic schedule.
//
// Tasks declare the logical resources they touch and how. Finalize
// derives ordering edges from conflicting accesses:
//
//   - a write orders every later access of the same resource after it
//   - a read orders every later write after it
//   - reads never order each other
//
// Explicit predecessors are added unconditionally. Ties in the topological
// order are broken by insertion order, so identical input always yields
// the same schedule.
package graph

import (
	"fmt"

	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

// Graph errors. All of them are usage errors.
var (
	ErrEmptyTask           = fmt.Errorf("%w: graph: task declares no access and no payload", fault.ErrUsage)
	ErrDuplicateAccess     = fmt.Errorf("%w: graph: resource referenced twice by one task", fault.ErrUsage)
	ErrInvalidHandle       = fmt.Errorf("%w: graph: invalid task handle", fault.ErrUsage)
	ErrTooManyTasks        = fmt.Errorf("%w: graph: too many tasks", fault.ErrUsage)
	ErrTooManyDependencies = fmt.Errorf("%w: graph: too many explicit dependencies", fault.ErrUsage)
	ErrCycle               = fmt.Errorf("%w: graph: invalid graph: cycle", fault.ErrUsage)
	ErrFinalized           = fmt.Errorf("%w: graph: builder already finalized", fault.ErrUsage)
	ErrBadTransition       = fmt.Errorf("%w: graph: invalid task state transition", fault.ErrUsage)
)

// Handle refers to a task of one builder. It is the task's insertion index.
type Handle int32

// InvalidHandle is never returned by AddTask.
const InvalidHandle Handle = -1

// Task describes one unit of GPU work.
type Task struct {
	Label    string
	Accesses []resource.Request

	// After lists tasks that must run before this one regardless of
	// resource hazards.
	After []Handle

	Queue   queue.Preference
	Payload Payload
}

// Writes reports whether the task writes id.
func (t *Task) Writes(id resource.ID) bool {
	for _, r := range t.Accesses {
		if r.Resource == id {
			return r.Mode.Writes()
		}
	}
	return false
}

// State is the lifecycle stage of a task.
type State uint32

const (
	Declared State = iota
	Scheduled
	Executing
	Retired
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Declared:
		return "declared"
	case Scheduled:
		return "scheduled"
	case Executing:
		return "executing"
	case Retired:
		return "retired"
	default:
		return fmt.Sprintf("State(%d)", uint32(s))
	}
}

// Limits bounds the size of one frame's graph.
type Limits struct {
	MaxTasks        int
	MaxDependencies int
}

// Validator checks an access against the resource registry.
// *resource.Registry implements it.
type Validator interface {
	Validate(req resource.Request) error
}
