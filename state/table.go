// Package state tracks the access state of logical resources and plans the
// barriers needed between consecutive accesses.
//
// A Table is owned by exactly one scheduler. Records persist across frames
// so that long-lived resources (a persistent texture, a particle buffer)
// remember their last access mode and owning queue.
package state

import (
	"slices"
	"sync"

	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

// TaskID identifies a task within one schedule. Task identifiers are only
// meaningful inside the frame that produced them.
type TaskID int32

// NoTask marks the absence of a task reference.
const NoTask TaskID = -1

// Record is the state of one logical resource.
type Record struct {
	Mode  resource.AccessMode
	Queue queue.Type

	// LastWriter is the last task that wrote the resource in the
	// current frame.
	LastWriter TaskID

	// Readers holds the tasks that read the resource since LastWriter.
	Readers []TaskID

	// LastAccess is the most recent task of the current frame that
	// touched the resource.
	LastAccess TaskID
}

func undefinedRecord() *Record {
	return &Record{LastWriter: NoTask, LastAccess: NoTask}
}

// Table maps logical resources to their current state.
// It is safe for concurrent use.
type Table struct {
	mu      sync.Mutex
	records map[resource.ID]*Record
}

// NewTable creates an empty state table.
func NewTable() *Table {
	return &Table{records: make(map[resource.ID]*Record)}
}

// Import resets a resource to the undefined state. Externally owned
// resources are imported each time they change hands, so their next
// access always produces a barrier.
func (t *Table) Import(id resource.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[id] = undefinedRecord()
}

// Forget drops the record for a resource that no longer exists.
func (t *Table) Forget(id resource.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// Lookup returns a copy of the record for id.
func (t *Table) Lookup(id resource.ID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	out := *r
	out.Readers = slices.Clone(r.Readers)
	return out, true
}

// Len returns the number of tracked resources.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// Rebase clears the per-frame task references of every record while
// keeping access modes and owning queues. It is called before planning a
// new frame.
func (t *Table) Rebase() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.records {
		r.LastWriter = NoTask
		r.LastAccess = NoTask
		r.Readers = r.Readers[:0]
	}
}

// RequireAccess records that task accesses id with mode on queue q and
// returns the barrier needed beforehand. When the mode and owning queue
// are unchanged no barrier is needed and ok is false. Otherwise the
// record moves to the new state immediately.
//
// Ordering between accesses is not the table's concern: it relies on the
// task graph having ordered conflicting accesses and on queue-local
// command order.
func (t *Table) RequireAccess(id resource.ID, mode resource.AccessMode, q queue.Type, task TaskID) (b Barrier, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, found := t.records[id]
	if !found {
		r = undefinedRecord()
		t.records[id] = r
	}

	b = Barrier{
		Resource: id,
		Old:      r.Mode,
		New:      mode,
		OldQueue: r.Queue,
		NewQueue: q,
		Src:      r.LastAccess,
		Dst:      task,
	}
	// The undefined state never matches a real access.
	ok = r.Mode.Undefined() || !b.Elided()

	r.Mode = mode
	r.Queue = q
	if mode.Writes() {
		r.LastWriter = task
		r.Readers = r.Readers[:0]
	} else {
		r.Readers = append(r.Readers, task)
	}
	r.LastAccess = task

	if !ok {
		return Barrier{}, false
	}
	return b, true
}

// Checkpoint is a saved copy of a table.
type Checkpoint struct {
	records map[resource.ID]Record
}

// Checkpoint saves the current state so a frame that is dropped before
// submission can be rolled back.
func (t *Table) Checkpoint() Checkpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := Checkpoint{records: make(map[resource.ID]Record, len(t.records))}
	for id, r := range t.records {
		c := *r
		c.Readers = slices.Clone(r.Readers)
		cp.records[id] = c
	}
	return cp
}

// Restore replaces the table contents with a checkpoint.
func (t *Table) Restore(cp Checkpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[resource.ID]*Record, len(cp.records))
	for id, r := range cp.records {
		c := r
		c.Readers = slices.Clone(r.Readers)
		t.records[id] = &c
	}
}
