package state

import (
	"fmt"

	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

// Role tells where a barrier is recorded.
type Role uint8

const (
	// RoleTransition is an ordinary state transition on one queue.
	RoleTransition Role = iota
	// RoleRelease gives up ownership on the source queue.
	RoleRelease
	// RoleAcquire takes ownership on the destination queue.
	RoleAcquire
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleRelease:
		return "release"
	case RoleAcquire:
		return "acquire"
	default:
		return "transition"
	}
}

// Barrier describes the state transition of one resource between two
// accesses.
type Barrier struct {
	Resource resource.ID
	Old, New resource.AccessMode
	OldQueue queue.Type
	NewQueue queue.Type
	Role     Role

	// Src is the previous accessor (NoTask when it belongs to an earlier
	// frame or the resource was undefined) and Dst the task that needs
	// the new state.
	Src, Dst TaskID
}

// Elided reports whether the barrier is a no-op.
func (b Barrier) Elided() bool {
	return b.Old == b.New && b.OldQueue == b.NewQueue
}

// CrossQueue reports whether the barrier moves ownership between two
// queues. Leaving the undefined state is never an ownership transfer.
func (b Barrier) CrossQueue() bool {
	return b.OldQueue != queue.None && b.OldQueue != b.NewQueue && !b.Old.Undefined()
}

// Split returns the release and acquire halves of an ownership transfer.
// Both halves carry the same modes and queues.
func (b Barrier) Split() (release, acquire Barrier) {
	release, acquire = b, b
	release.Role = RoleRelease
	acquire.Role = RoleAcquire
	return release, acquire
}

// Queue returns the queue whose command stream records the barrier.
func (b Barrier) Queue() queue.Type {
	if b.Role == RoleRelease {
		return b.OldQueue
	}
	return b.NewQueue
}

func (b Barrier) String() string {
	s := fmt.Sprintf("%s r%d %s -> %s", b.Role, b.Resource, b.Old, b.New)
	if b.OldQueue != b.NewQueue {
		s += fmt.Sprintf(" [%s -> %s]", b.OldQueue, b.NewQueue)
	}
	return s
}
