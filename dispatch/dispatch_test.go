package dispatch

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/graph"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

var (
	allQueues    = queue.Capabilities{AsyncCompute: true, AsyncTransfer: true}
	graphicsOnly = queue.Capabilities{}
)

func schedule(t *testing.T, tasks ...graph.Task) *graph.Schedule {
	t.Helper()
	b := graph.NewBuilder(1, graph.Limits{}, nil)
	for _, task := range tasks {
		if _, err := b.AddTask(task); err != nil {
			t.Fatalf("AddTask(%q): %v", task.Label, err)
		}
	}
	s, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return s
}

func storage(a resource.Access, id resource.ID) resource.Request {
	return resource.Request{Resource: id, Mode: resource.Mode(a, resource.UsageShaderStorage)}
}

func TestComputeToGraphicsSinglePair(t *testing.T) {
	const z, w resource.ID = 1, 2
	s := schedule(t,
		graph.Task{Label: "T1", Queue: queue.PreferCompute, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessWrite, z)}},
		graph.Task{Label: "T2", Queue: queue.PreferGraphics,
			Accesses: []resource.Request{storage(resource.AccessRead, z)}},
	)
	p, err := New(allQueues, true).Assign(s)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if p.QueueOf(0) != queue.Compute || p.QueueOf(1) != queue.Graphics {
		t.Fatalf("queues = %s/%s, want compute/graphics", p.QueueOf(0), p.QueueOf(1))
	}
	pairs := p.Pairs(queue.Compute, queue.Graphics)
	if len(pairs) != 1 || len(p.Syncs) != 1 {
		t.Fatalf("sync pairs = %+v, want exactly one compute -> graphics", p.Syncs)
	}
	sp := pairs[0]
	if p.Segments[sp.SignalAfter].Queue != queue.Compute || p.Segments[sp.WaitBefore].Queue != queue.Graphics {
		t.Errorf("pair connects %s -> %s segments", p.Segments[sp.SignalAfter].Queue, p.Segments[sp.WaitBefore].Queue)
	}
	if sp.SignalAfter >= sp.WaitBefore {
		t.Errorf("signal segment %d must precede wait segment %d", sp.SignalAfter, sp.WaitBefore)
	}

	// A second, independent edge crossing compute -> graphics shares the pair.
	s = schedule(t,
		graph.Task{Label: "T1", Queue: queue.PreferCompute, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessWrite, z)}},
		graph.Task{Label: "T3", Queue: queue.PreferCompute, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessWrite, w)}},
		graph.Task{Label: "T2", Queue: queue.PreferGraphics,
			Accesses: []resource.Request{storage(resource.AccessRead, z)}},
		graph.Task{Label: "T4", Queue: queue.PreferGraphics,
			Accesses: []resource.Request{storage(resource.AccessRead, w)}},
	)
	p, err = New(allQueues, true).Assign(s)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if len(p.Syncs) != 1 {
		t.Fatalf("sync pairs = %+v, want 1", p.Syncs)
	}
	if p.Syncs[0].Edges != 2 || p.CrossEdges != 2 {
		t.Errorf("pair covers %d edges (cross edges %d), want 2", p.Syncs[0].Edges, p.CrossEdges)
	}
}

func TestManySmallTasksCoalesce(t *testing.T) {
	var tasks []graph.Task
	for i := range 32 {
		id := resource.ID(i + 1)
		tasks = append(tasks, graph.Task{Label: "produce", Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessWrite, id)}})
		tasks = append(tasks, graph.Task{Label: "consume", Queue: queue.PreferGraphics,
			Accesses: []resource.Request{storage(resource.AccessRead, id)}})
	}
	p, err := New(allQueues, true).Assign(schedule(t, tasks...))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if p.CrossEdges != 32 {
		t.Fatalf("CrossEdges = %d, want 32", p.CrossEdges)
	}
	if len(p.Syncs) != 1 {
		t.Errorf("len(Syncs) = %d, want 1 for %d crossing edges", len(p.Syncs), p.CrossEdges)
	}
}

func TestEverySyncKeyUnique(t *testing.T) {
	// compute -> graphics -> compute -> graphics ping-pong.
	s := schedule(t,
		graph.Task{Label: "a", Queue: queue.PreferCompute, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessWrite, 1)}},
		graph.Task{Label: "b", Queue: queue.PreferGraphics,
			Accesses: []resource.Request{storage(resource.AccessRead, 1), storage(resource.AccessWrite, 2)}},
		graph.Task{Label: "c", Queue: queue.PreferCompute, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessRead, 2), storage(resource.AccessWrite, 3)}},
		graph.Task{Label: "d", Queue: queue.PreferGraphics,
			Accesses: []resource.Request{storage(resource.AccessRead, 3)}},
	)
	p, err := New(allQueues, true).Assign(s)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	seen := make(map[SyncKey]bool)
	for _, sp := range p.Syncs {
		if seen[sp.Key] {
			t.Fatalf("duplicate sync key %+v", sp.Key)
		}
		seen[sp.Key] = true
		if sp.SignalAfter >= sp.WaitBefore {
			t.Errorf("pair %+v waits before its signal is submitted", sp)
		}
	}
	if len(p.Syncs) != 3 {
		t.Errorf("len(Syncs) = %d, want 3", len(p.Syncs))
	}
	wantEpochs := []int{0, 1, 2, 3}
	for h, e := range wantEpochs {
		if p.Epoch[h] != e {
			t.Errorf("epoch of %d = %d, want %d", h, p.Epoch[h], e)
		}
	}
}

func TestOwnershipEdgeBetweenReaders(t *testing.T) {
	s := schedule(t,
		graph.Task{Label: "sample-compute", Queue: queue.PreferCompute, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{resource.Read(1, resource.UsageShaderSample)}},
		graph.Task{Label: "sample-graphics", Queue: queue.PreferGraphics,
			Accesses: []resource.Request{resource.Read(1, resource.UsageShaderSample)}},
	)
	p, err := New(allQueues, false).Assign(s)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if s.HasEdge(0, 1) {
		t.Fatal("graph should not order two reads")
	}
	if len(p.Syncs) != 1 || p.CrossEdges != 1 {
		t.Errorf("syncs=%d cross=%d, want the ownership transfer synchronized", len(p.Syncs), p.CrossEdges)
	}
}

func TestOffloadUnpinnedWork(t *testing.T) {
	s := schedule(t,
		graph.Task{Label: "upload", Payload: &graph.Copy{Src: 1, Dst: 2, Size: 64},
			Accesses: []resource.Request{
				resource.Read(1, resource.UsageTransferSrc),
				resource.Write(2, resource.UsageTransferDst),
			}},
		graph.Task{Label: "simulate", Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessReadWrite, 3)}},
		graph.Task{Label: "shade", Payload: &graph.Draw{Color: []graph.ColorTarget{{Image: 4}}},
			Accesses: []resource.Request{resource.Write(4, resource.UsageColorAttachment)}},
		graph.Task{Label: "post", Payload: &graph.Dispatch{},
			Accesses: []resource.Request{resource.Read(4, resource.UsageShaderSample)}},
	)

	tests := []struct {
		name      string
		caps      queue.Capabilities
		offload   bool
		want      []queue.Type
		fallbacks int
	}{
		{"offload", allQueues, true,
			[]queue.Type{queue.Transfer, queue.Compute, queue.Graphics, queue.Graphics}, 0},
		{"offload disabled", allQueues, false,
			[]queue.Type{queue.Graphics, queue.Graphics, queue.Graphics, queue.Graphics}, 0},
		{"no async queues", graphicsOnly, true,
			[]queue.Type{queue.Graphics, queue.Graphics, queue.Graphics, queue.Graphics}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.caps, tt.offload).Assign(s)
			if err != nil {
				t.Fatalf("Assign: %v", err)
			}
			for h, want := range tt.want {
				if got := p.QueueOf(graph.Handle(h)); got != want {
					t.Errorf("task %d on %s, want %s", h, got, want)
				}
			}
			if p.Fallbacks != tt.fallbacks {
				t.Errorf("Fallbacks = %d, want %d", p.Fallbacks, tt.fallbacks)
			}
		})
	}
}

func TestPinnedFallbackWhenUnavailable(t *testing.T) {
	s := schedule(t,
		graph.Task{Label: "cull", Queue: queue.PreferCompute, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessWrite, 1)}},
		graph.Task{Label: "draw", Queue: queue.PreferGraphics,
			Accesses: []resource.Request{resource.Read(1, resource.UsageIndirectBuffer)}},
	)
	p, err := New(graphicsOnly, true).Assign(s)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if p.QueueOf(0) != queue.Graphics {
		t.Errorf("cull on %s, want graphics fallback", p.QueueOf(0))
	}
	if p.Fallbacks != 1 {
		t.Errorf("Fallbacks = %d, want 1", p.Fallbacks)
	}
	if len(p.Syncs) != 0 || len(p.Segments) != 1 {
		t.Errorf("single-queue plan has %d syncs and %d segments", len(p.Syncs), len(p.Segments))
	}
}

func TestFallbacksAreLogged(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { SetLogger(nil) })

	s := schedule(t,
		graph.Task{Label: "pinned", Queue: queue.PreferCompute, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessWrite, 1)}},
		graph.Task{Label: "unpinned", Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessWrite, 2)}},
	)
	p, err := New(graphicsOnly, true).Assign(s)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if p.Fallbacks != 2 {
		t.Errorf("Fallbacks = %d, want 2", p.Fallbacks)
	}
	out := buf.String()
	for _, want := range []string{
		"level=WARN msg=\"queue unavailable, task folded onto graphics\" task=pinned",
		"level=DEBUG msg=\"offload queue unavailable, task stays on graphics\" task=unpinned",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}

func TestUnschedulablePin(t *testing.T) {
	tests := []struct {
		name string
		task graph.Task
	}{
		{"depth on transfer", graph.Task{Label: "depth", Queue: queue.PreferTransfer,
			Accesses: []resource.Request{resource.Write(1, resource.UsageDepthStencilAttachment)}}},
		{"draw on compute", graph.Task{Label: "draw", Queue: queue.PreferCompute,
			Payload:  &graph.Draw{Color: []graph.ColorTarget{{Image: 1}}},
			Accesses: []resource.Request{resource.Write(1, resource.UsageColorAttachment)}}},
		{"dispatch on transfer", graph.Task{Label: "dispatch", Queue: queue.PreferTransfer,
			Payload: &graph.Dispatch{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(allQueues, true).Assign(schedule(t, tt.task))
			if !errors.Is(err, ErrUnschedulable) {
				t.Fatalf("Assign = %v, want ErrUnschedulable", err)
			}
			if fault.KindOf(err) != fault.KindResource {
				t.Errorf("kind = %v, want resource", fault.KindOf(err))
			}
		})
	}
}

func TestImageClearStaysOnGraphics(t *testing.T) {
	clearTask := func(pref queue.Preference) graph.Task {
		return graph.Task{Label: "clear", Queue: pref, Payload: &graph.Clear{Target: 1},
			Accesses: []resource.Request{resource.Write(1, resource.UsageColorAttachment)}}
	}

	p, err := New(allQueues, true).Assign(schedule(t, clearTask(queue.Any)))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if q := p.QueueOf(0); q != queue.Graphics {
		t.Errorf("unpinned image clear on %s, want graphics", q)
	}

	_, err = New(allQueues, true).Assign(schedule(t, clearTask(queue.PreferTransfer)))
	if !errors.Is(err, ErrUnschedulable) {
		t.Errorf("image clear pinned to transfer: Assign = %v, want ErrUnschedulable", err)
	}
}

func TestBufferClearOffloadsToTransfer(t *testing.T) {
	s := schedule(t, graph.Task{Label: "zero", Payload: &graph.Clear{Target: 1, Size: 64},
		Accesses: []resource.Request{resource.Write(1, resource.UsageTransferDst)}})
	p, err := New(allQueues, true).Assign(s)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if q := p.QueueOf(0); q != queue.Transfer {
		t.Errorf("buffer clear on %s, want transfer", q)
	}
}

func TestSegmentsPreserveQueueOrder(t *testing.T) {
	var tasks []graph.Task
	for i := range 6 {
		pref := queue.PreferGraphics
		if i%2 == 0 {
			pref = queue.PreferCompute
		}
		tasks = append(tasks, graph.Task{Label: "t", Queue: pref, Payload: &graph.Dispatch{},
			Accesses: []resource.Request{storage(resource.AccessReadWrite, resource.ID(i%3+1))}})
	}
	s := schedule(t, tasks...)
	p, err := New(allQueues, true).Assign(s)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	for _, q := range p.Queues() {
		last := -1
		for _, seg := range p.Segments {
			if seg.Queue != q {
				continue
			}
			for _, h := range seg.Tasks {
				pos := s.Position(h)
				if pos <= last {
					t.Fatalf("%s queue runs task at position %d after %d", q, pos, last)
				}
				last = pos
			}
		}
	}
	for i := 1; i < len(p.Segments); i++ {
		if p.Segments[i].Epoch < p.Segments[i-1].Epoch {
			t.Fatalf("segments not ordered by epoch: %+v", p.Segments)
		}
	}
}
