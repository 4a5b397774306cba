package state

import (
	"errors"
	"testing"

	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

var (
	sampleRead = resource.Mode(resource.AccessRead, resource.UsageShaderSample)
	colorWrite = resource.Mode(resource.AccessWrite, resource.UsageColorAttachment)
	storageRW  = resource.Mode(resource.AccessReadWrite, resource.UsageShaderStorage)
)

// =============================================================================
// RequireAccess
// =============================================================================

func TestRequireAccessFirstUseEmitsBarrier(t *testing.T) {
	tbl := NewTable()
	b, ok := tbl.RequireAccess(1, colorWrite, queue.Graphics, 0)
	if !ok {
		t.Fatal("first access must produce a barrier")
	}
	if !b.Old.Undefined() || b.New != colorWrite {
		t.Errorf("barrier = %v, want undefined -> %v", b, colorWrite)
	}
	if b.CrossQueue() {
		t.Error("leaving the undefined state is not an ownership transfer")
	}
}

func TestRequireAccessRepeatedReadsElided(t *testing.T) {
	tbl := NewTable()
	tbl.RequireAccess(1, colorWrite, queue.Graphics, 0)
	if _, ok := tbl.RequireAccess(1, sampleRead, queue.Graphics, 1); !ok {
		t.Fatal("mode change must produce a barrier")
	}
	for task := TaskID(2); task < 10; task++ {
		if b, ok := tbl.RequireAccess(1, sampleRead, queue.Graphics, task); ok {
			t.Fatalf("read #%d produced spurious barrier %v", task, b)
		}
	}
	rec, _ := tbl.Lookup(1)
	if rec.LastWriter != 0 {
		t.Errorf("LastWriter = %d, want 0", rec.LastWriter)
	}
	if len(rec.Readers) != 9 {
		t.Errorf("Readers = %v, want 9 entries", rec.Readers)
	}
}

func TestRequireAccessUpdatesEagerly(t *testing.T) {
	tbl := NewTable()
	tbl.RequireAccess(1, colorWrite, queue.Graphics, 0)
	b, ok := tbl.RequireAccess(1, sampleRead, queue.Graphics, 1)
	if !ok {
		t.Fatal("expected barrier")
	}
	rec, _ := tbl.Lookup(1)
	if rec.Mode != sampleRead {
		t.Errorf("record mode = %v, want %v", rec.Mode, sampleRead)
	}
	if b.Src != 0 || b.Dst != 1 {
		t.Errorf("barrier tasks = %d -> %d, want 0 -> 1", b.Src, b.Dst)
	}
}

func TestRequireAccessWriterResetsReaders(t *testing.T) {
	tbl := NewTable()
	tbl.RequireAccess(1, sampleRead, queue.Graphics, 0)
	tbl.RequireAccess(1, sampleRead, queue.Graphics, 1)
	tbl.RequireAccess(1, colorWrite, queue.Graphics, 2)
	rec, _ := tbl.Lookup(1)
	if rec.LastWriter != 2 || len(rec.Readers) != 0 {
		t.Errorf("record = %+v, want writer 2 and no readers", rec)
	}
}

func TestRequireAccessQueueChange(t *testing.T) {
	tbl := NewTable()
	tbl.RequireAccess(1, storageRW, queue.Compute, 0)
	b, ok := tbl.RequireAccess(1, storageRW, queue.Graphics, 1)
	if !ok {
		t.Fatal("queue change must produce a barrier")
	}
	if !b.CrossQueue() {
		t.Errorf("barrier %v should be cross-queue", b)
	}
	rel, acq := b.Split()
	if rel.Queue() != queue.Compute || acq.Queue() != queue.Graphics {
		t.Errorf("split queues = %s/%s, want compute/graphics", rel.Queue(), acq.Queue())
	}
}

func TestImportResetsToUndefined(t *testing.T) {
	tbl := NewTable()
	present := resource.Mode(resource.AccessRead, resource.UsagePresent)
	tbl.RequireAccess(7, colorWrite, queue.Graphics, 0)
	tbl.RequireAccess(7, present, queue.Graphics, 1)

	tbl.Import(7)
	b, ok := tbl.RequireAccess(7, present, queue.Graphics, 0)
	if !ok || !b.Old.Undefined() {
		t.Errorf("access after Import = (%v, %v), want barrier from undefined", b, ok)
	}
}

func TestCheckpointRestore(t *testing.T) {
	tbl := NewTable()
	tbl.RequireAccess(1, colorWrite, queue.Graphics, 0)
	cp := tbl.Checkpoint()

	tbl.RequireAccess(1, sampleRead, queue.Graphics, 1)
	tbl.RequireAccess(2, storageRW, queue.Compute, 2)
	tbl.Restore(cp)

	rec, ok := tbl.Lookup(1)
	if !ok || rec.Mode != colorWrite {
		t.Errorf("restored record = %+v, want %v", rec, colorWrite)
	}
	if _, ok := tbl.Lookup(2); ok {
		t.Error("resource created after the checkpoint survived Restore")
	}
	if tbl.Len() != 1 {
		t.Errorf("Len() = %d, want 1", tbl.Len())
	}
}

func TestBarrierElided(t *testing.T) {
	b := Barrier{Old: sampleRead, New: sampleRead, OldQueue: queue.Graphics, NewQueue: queue.Graphics}
	if !b.Elided() {
		t.Error("identical old/new must be elided")
	}
	b.NewQueue = queue.Compute
	if b.Elided() {
		t.Error("queue change must not be elided")
	}
}

// =============================================================================
// Planner
// =============================================================================

func TestPlannerSampledAfterColorWrite(t *testing.T) {
	const x, y resource.ID = 1, 2
	p := NewPlanner(NewTable(), true)
	plan, err := p.Plan([]Access{
		{Task: 0, Queue: queue.Graphics, Requests: []resource.Request{resource.Write(x, resource.UsageColorAttachment)}},
		{Task: 2, Queue: queue.Graphics, Requests: []resource.Request{resource.Write(y, resource.UsageTransferDst)}},
		{Task: 1, Queue: queue.Graphics, Requests: []resource.Request{resource.Read(x, resource.UsageShaderSample)}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}

	last := plan.Steps[2]
	if len(last.Pre) != 1 {
		t.Fatalf("reader step has %d barriers, want 1", len(last.Pre))
	}
	b := last.Pre[0]
	if b.Resource != x || b.Old != colorWrite || b.New != sampleRead {
		t.Errorf("barrier = %v, want color-attachment write -> shader-sample read on x", b)
	}
	if plan.Transitions != 3 || plan.Releases != 0 {
		t.Errorf("transitions=%d releases=%d, want 3/0", plan.Transitions, plan.Releases)
	}
}

func TestPlannerCrossQueuePair(t *testing.T) {
	const z resource.ID = 5
	p := NewPlanner(NewTable(), true)
	plan, err := p.Plan([]Access{
		{Task: 0, Queue: queue.Compute, Requests: []resource.Request{resource.Write(z, resource.UsageShaderStorage)}},
		{Task: 1, Queue: queue.Graphics, Requests: []resource.Request{resource.Read(z, resource.UsageShaderStorage)}},
	})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan.Releases != 1 || plan.Acquires != 1 {
		t.Fatalf("releases=%d acquires=%d, want 1/1", plan.Releases, plan.Acquires)
	}
	if len(plan.Steps[0].Post) != 1 || plan.Steps[0].Post[0].Role != RoleRelease {
		t.Errorf("producer Post = %v, want one release", plan.Steps[0].Post)
	}
	if len(plan.Steps[1].Pre) != 1 || plan.Steps[1].Pre[0].Role != RoleAcquire {
		t.Errorf("consumer Pre = %v, want one acquire", plan.Steps[1].Pre)
	}
}

func TestPlannerCarriesOwnershipAcrossFrames(t *testing.T) {
	const z resource.ID = 5
	p := NewPlanner(NewTable(), true)
	if _, err := p.Plan([]Access{
		{Task: 0, Queue: queue.Compute, Requests: []resource.Request{resource.Write(z, resource.UsageShaderStorage)}},
	}); err != nil {
		t.Fatalf("frame 1: %v", err)
	}
	plan, err := p.Plan([]Access{
		{Task: 0, Queue: queue.Graphics, Requests: []resource.Request{resource.Read(z, resource.UsageShaderStorage)}},
	})
	if err != nil {
		t.Fatalf("frame 2: %v", err)
	}
	if len(plan.Carried) != 1 || plan.Carried[0].OldQueue != queue.Compute {
		t.Errorf("Carried = %v, want one compute -> graphics acquire", plan.Carried)
	}
}

func TestCheckPairingDetectsMissingAcquire(t *testing.T) {
	rel, _ := Barrier{
		Resource: 3, Old: storageRW, New: sampleRead,
		OldQueue: queue.Compute, NewQueue: queue.Graphics, Src: 0, Dst: 1,
	}.Split()
	plan := &Plan{Steps: []Step{
		{Task: 0, Queue: queue.Compute, Post: []Barrier{rel}},
		{Task: 1, Queue: queue.Graphics},
	}}
	err := CheckPairing(plan)
	if !errors.Is(err, ErrUnpairedTransfer) || !errors.Is(err, fault.ErrUsage) {
		t.Fatalf("CheckPairing() = %v, want ErrUnpairedTransfer", err)
	}
}

func TestCheckPairingDetectsWrongQueue(t *testing.T) {
	rel, acq := Barrier{
		Resource: 3, Old: storageRW, New: sampleRead,
		OldQueue: queue.Compute, NewQueue: queue.Graphics, Src: 0, Dst: 1,
	}.Split()
	plan := &Plan{Steps: []Step{
		{Task: 0, Queue: queue.Graphics, Post: []Barrier{rel}},
		{Task: 1, Queue: queue.Graphics, Pre: []Barrier{acq}},
	}}
	if err := CheckPairing(plan); !errors.Is(err, ErrUnpairedTransfer) {
		t.Fatalf("CheckPairing() = %v, want ErrUnpairedTransfer", err)
	}
}
