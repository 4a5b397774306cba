package graph

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/rendergraph/fault"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
)

var testLimits = Limits{MaxTasks: 4096, MaxDependencies: 64}

func mustAdd(t *testing.T, b *Builder, task Task) Handle {
	t.Helper()
	h, err := b.AddTask(task)
	if err != nil {
		t.Fatalf("AddTask(%q): %v", task.Label, err)
	}
	return h
}

func mustFinalize(t *testing.T, b *Builder) *Schedule {
	t.Helper()
	s, err := b.Finalize()
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	return s
}

// =============================================================================
// AddTask validation
// =============================================================================

func TestAddTaskRejectsEmpty(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	_, err := b.AddTask(Task{Label: "nothing"})
	if !errors.Is(err, ErrEmptyTask) {
		t.Fatalf("AddTask(empty) = %v, want ErrEmptyTask", err)
	}
	if fault.KindOf(err) != fault.KindUsage {
		t.Errorf("empty task error kind = %v, want usage", fault.KindOf(err))
	}
}

func TestAddTaskPayloadOnly(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	if _, err := b.AddTask(Task{Label: "dispatch", Payload: &Dispatch{}}); err != nil {
		t.Fatalf("payload-only task rejected: %v", err)
	}
}

func TestAddTaskRejectsDuplicateResource(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	_, err := b.AddTask(Task{Label: "dup", Accesses: []resource.Request{
		resource.Read(1, resource.UsageShaderSample),
		resource.Write(1, resource.UsageColorAttachment),
	}})
	if !errors.Is(err, ErrDuplicateAccess) {
		t.Fatalf("AddTask = %v, want ErrDuplicateAccess", err)
	}
}

func TestAddTaskRejectsInvalidHandle(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	_, err := b.AddTask(Task{Label: "t", After: []Handle{3}, Accesses: []resource.Request{
		resource.Read(1, resource.UsageUniform),
	}})
	if !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("AddTask = %v, want ErrInvalidHandle", err)
	}
}

func TestAddTaskLimits(t *testing.T) {
	b := NewBuilder(1, Limits{MaxTasks: 2, MaxDependencies: 1}, nil)
	a := mustAdd(t, b, Task{Label: "a", Payload: &Dispatch{}})
	mustAdd(t, b, Task{Label: "b", Payload: &Dispatch{}, After: []Handle{a}})

	if _, err := b.AddTask(Task{Label: "c", Payload: &Dispatch{}}); !errors.Is(err, ErrTooManyTasks) {
		t.Errorf("third task = %v, want ErrTooManyTasks", err)
	}
	if _, err := b.AddTask(Task{Label: "d", Payload: &Dispatch{}, After: []Handle{0, 1}}); !errors.Is(err, ErrTooManyDependencies) {
		t.Errorf("two deps = %v, want ErrTooManyDependencies", err)
	}
}

func TestAddTaskValidator(t *testing.T) {
	reg := resource.NewRegistry()
	buf := reg.CreateBuffer("uniforms", resource.BufferDesc{Size: 256, Usage: gputypes.BufferUsageUniform})
	b := NewBuilder(1, testLimits, reg)

	mustAdd(t, b, Task{Label: "ok", Accesses: []resource.Request{resource.Read(buf, resource.UsageUniform)}})
	_, err := b.AddTask(Task{Label: "bad", Accesses: []resource.Request{resource.ReadWrite(buf, resource.UsageShaderStorage)}})
	if !errors.Is(err, resource.ErrUsageNotDeclared) {
		t.Fatalf("AddTask = %v, want ErrUsageNotDeclared", err)
	}
}

func TestAddTaskAfterFinalize(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	mustAdd(t, b, Task{Label: "a", Payload: &Dispatch{}})
	mustFinalize(t, b)
	if _, err := b.AddTask(Task{Label: "late", Payload: &Dispatch{}}); !errors.Is(err, ErrFinalized) {
		t.Errorf("AddTask after Finalize = %v, want ErrFinalized", err)
	}
	if _, err := b.Finalize(); !errors.Is(err, ErrFinalized) {
		t.Errorf("second Finalize = %v, want ErrFinalized", err)
	}
}

func TestAddTaskCopiesInput(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	acc := []resource.Request{resource.Write(1, resource.UsageTransferDst)}
	h := mustAdd(t, b, Task{Label: "a", Accesses: acc})
	acc[0] = resource.Read(9, resource.UsageUniform)

	s := mustFinalize(t, b)
	if got := s.Task(h).Accesses[0].Resource; got != 1 {
		t.Errorf("stored access resource = %d, want 1", got)
	}
}

func TestPayloadMustBeDeclared(t *testing.T) {
	tests := []struct {
		name string
		task Task
	}{
		{"undeclared color target", Task{
			Payload: &Draw{Color: []ColorTarget{{Image: 4}}},
		}},
		{"color target declared as sample", Task{
			Accesses: []resource.Request{resource.Read(4, resource.UsageShaderSample)},
			Payload:  &Draw{Color: []ColorTarget{{Image: 4}}},
		}},
		{"draw without attachments", Task{
			Accesses: []resource.Request{resource.Read(4, resource.UsageShaderSample)},
			Payload:  &Draw{},
		}},
		{"copy dst read only", Task{
			Accesses: []resource.Request{
				resource.Read(1, resource.UsageTransferSrc),
				resource.Read(2, resource.UsageTransferDst),
			},
			Payload: &Copy{Src: 1, Dst: 2, Size: 4},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(1, testLimits, nil)
			tt.task.Label = tt.name
			if _, err := b.AddTask(tt.task); !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("AddTask = %v, want ErrInvalidPayload", err)
			}
		})
	}
}

func TestClearTargetMatchesKind(t *testing.T) {
	reg := resource.NewRegistry()
	img := reg.CreateImage("target", resource.ImageDesc{
		Width:  8,
		Height: 8,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopyDst,
	})
	buf := reg.CreateBuffer("scratch", resource.BufferDesc{Size: 64, Usage: gputypes.BufferUsageCopyDst})

	tests := []struct {
		name    string
		req     resource.Request
		target  resource.ID
		wantErr bool
	}{
		{"image as color attachment", resource.Write(img, resource.UsageColorAttachment), img, false},
		{"image as transfer dst", resource.Write(img, resource.UsageTransferDst), img, true},
		{"buffer as transfer dst", resource.Write(buf, resource.UsageTransferDst), buf, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(1, testLimits, reg)
			_, err := b.AddTask(Task{
				Label:    tt.name,
				Accesses: []resource.Request{tt.req},
				Payload:  &Clear{Target: tt.target, Size: 64},
			})
			if tt.wantErr && !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("AddTask = %v, want ErrInvalidPayload", err)
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("AddTask: %v", err)
			}
		})
	}
}

// =============================================================================
// Edge derivation and ordering
// =============================================================================

func TestColorWriteThenSampleGetsEdge(t *testing.T) {
	const x, y resource.ID = 1, 2
	b := NewBuilder(1, testLimits, nil)
	t1 := mustAdd(t, b, Task{Label: "T1", Accesses: []resource.Request{resource.Write(x, resource.UsageColorAttachment)}})
	t2 := mustAdd(t, b, Task{Label: "T2", Accesses: []resource.Request{resource.Read(x, resource.UsageShaderSample)}})
	t3 := mustAdd(t, b, Task{Label: "T3", Accesses: []resource.Request{resource.Write(y, resource.UsageShaderStorage)}})
	s := mustFinalize(t, b)

	if !s.HasEdge(t1, t2) {
		t.Error("missing derived edge T1 -> T2")
	}
	for _, h := range []Handle{t1, t2} {
		if s.HasEdge(h, t3) || s.HasEdge(t3, h) {
			t.Errorf("unexpected edge between %d and T3", h)
		}
	}
	if s.Position(t1) >= s.Position(t2) {
		t.Errorf("T1 at %d, T2 at %d: T1 must come first", s.Position(t1), s.Position(t2))
	}
}

func TestReadReadNoEdge(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	a := mustAdd(t, b, Task{Label: "a", Accesses: []resource.Request{resource.Read(1, resource.UsageShaderSample)}})
	c := mustAdd(t, b, Task{Label: "c", Accesses: []resource.Request{resource.Read(1, resource.UsageShaderSample)}})
	s := mustFinalize(t, b)
	if s.HasEdge(a, c) {
		t.Error("read/read produced an edge")
	}
}

func TestWriteAfterReadsWaitsForAllReaders(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	w0 := mustAdd(t, b, Task{Label: "w0", Accesses: []resource.Request{resource.Write(1, resource.UsageShaderStorage)}})
	r1 := mustAdd(t, b, Task{Label: "r1", Accesses: []resource.Request{resource.Read(1, resource.UsageShaderStorage)}})
	r2 := mustAdd(t, b, Task{Label: "r2", Accesses: []resource.Request{resource.Read(1, resource.UsageShaderSample)}})
	w3 := mustAdd(t, b, Task{Label: "w3", Accesses: []resource.Request{resource.Write(1, resource.UsageTransferDst)}})
	s := mustFinalize(t, b)

	want := []Handle{w0, r1, r2}
	if got := s.Preds(w3); !slices.Equal(got, want) {
		t.Errorf("Preds(w3) = %v, want %v", got, want)
	}
	if got := s.Preds(r2); !slices.Equal(got, []Handle{w0}) {
		t.Errorf("Preds(r2) = %v, want [w0]", got)
	}
}

func TestExplicitDependency(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	a := mustAdd(t, b, Task{Label: "a", Accesses: []resource.Request{resource.Write(1, resource.UsageShaderStorage)}})
	c := mustAdd(t, b, Task{Label: "c", After: []Handle{a}, Accesses: []resource.Request{resource.Write(2, resource.UsageShaderStorage)}})
	s := mustFinalize(t, b)
	if !s.HasEdge(a, c) {
		t.Error("explicit dependency not added")
	}
}

func TestTieBreakByInsertionOrder(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	for i := range 10 {
		mustAdd(t, b, Task{Label: fmt.Sprint(i), Accesses: []resource.Request{
			resource.Write(resource.ID(i+1), resource.UsageShaderStorage),
		}})
	}
	s := mustFinalize(t, b)
	for i, h := range s.Order() {
		if int(h) != i {
			t.Fatalf("Order() = %v, want insertion order", s.Order())
		}
	}
}

func TestBackwardEdgeReordersIndependentTasks(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	a := mustAdd(t, b, Task{Label: "a", Payload: &Dispatch{}})
	c := mustAdd(t, b, Task{Label: "c", Payload: &Dispatch{}})
	if err := b.AddEdge(c, a); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}
	s := mustFinalize(t, b)
	if !slices.Equal(s.Order(), []Handle{c, a}) {
		t.Errorf("Order() = %v, want [c a]", s.Order())
	}
}

func TestCycleDetected(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	a := mustAdd(t, b, Task{Label: "producer", Accesses: []resource.Request{resource.Write(1, resource.UsageShaderStorage)}})
	c := mustAdd(t, b, Task{Label: "consumer", Accesses: []resource.Request{resource.Read(1, resource.UsageShaderStorage)}})
	mustAdd(t, b, Task{Label: "bystander", Payload: &Dispatch{}})
	if err := b.AddEdge(c, a); err != nil {
		t.Fatalf("AddEdge: %v", err)
	}

	_, err := b.Finalize()
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("Finalize = %v, want ErrCycle", err)
	}
	if fault.KindOf(err) != fault.KindUsage {
		t.Errorf("cycle kind = %v, want usage", fault.KindOf(err))
	}
}

func TestAddEdgeInvalid(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	a := mustAdd(t, b, Task{Label: "a", Payload: &Dispatch{}})
	for _, e := range [][2]Handle{{a, a}, {a, 5}, {-1, a}} {
		if err := b.AddEdge(e[0], e[1]); !errors.Is(err, ErrInvalidHandle) {
			t.Errorf("AddEdge(%d, %d) = %v, want ErrInvalidHandle", e[0], e[1], err)
		}
	}
}

// randomTasks builds a reproducible random workload.
func randomTasks(seed uint64, n, resources int) []Task {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	usages := []resource.Usage{
		resource.UsageShaderStorage, resource.UsageShaderSample,
		resource.UsageTransferDst, resource.UsageColorAttachment,
	}
	tasks := make([]Task, n)
	for i := range tasks {
		k := 1 + rng.IntN(3)
		ids := rng.Perm(resources)[:k]
		for _, id := range ids {
			a := resource.AccessRead
			if rng.IntN(3) == 0 {
				a = resource.AccessWrite
			}
			tasks[i].Accesses = append(tasks[i].Accesses, resource.Request{
				Resource: resource.ID(id + 1),
				Mode:     resource.Mode(a, usages[rng.IntN(len(usages))]),
			})
		}
		tasks[i].Label = fmt.Sprint("t", i)
	}
	return tasks
}

func TestFinalizeDeterministic(t *testing.T) {
	for seed := uint64(1); seed <= 20; seed++ {
		tasks := randomTasks(seed, 200, 16)
		var first []Handle
		for run := range 5 {
			b := NewBuilder(seed, testLimits, nil)
			for _, task := range tasks {
				mustAdd(t, b, task)
			}
			s := mustFinalize(t, b)
			if run == 0 {
				first = slices.Clone(s.Order())
				continue
			}
			if !slices.Equal(first, s.Order()) {
				t.Fatalf("seed %d run %d: order differs", seed, run)
			}
		}
	}
}

func TestHazardsOrdered(t *testing.T) {
	for seed := uint64(100); seed < 120; seed++ {
		tasks := randomTasks(seed, 120, 8)
		b := NewBuilder(seed, testLimits, nil)
		for _, task := range tasks {
			mustAdd(t, b, task)
		}
		s := mustFinalize(t, b)

		for i := range tasks {
			for j := i + 1; j < len(tasks); j++ {
				for _, ra := range tasks[i].Accesses {
					for _, rb := range tasks[j].Accesses {
						if ra.Resource != rb.Resource || (!ra.Mode.Writes() && !rb.Mode.Writes()) {
							continue
						}
						a, c := Handle(i), Handle(j)
						if s.Position(a) >= s.Position(c) {
							t.Fatalf("seed %d: hazard %d -> %d on r%d not ordered", seed, i, j, ra.Resource)
						}
						if !s.Reaches(a, c) {
							t.Fatalf("seed %d: hazard %d -> %d on r%d has no path", seed, i, j, ra.Resource)
						}
					}
				}
			}
		}
	}
}

func TestConcurrentAddTask(t *testing.T) {
	b := NewBuilder(1, testLimits, nil)
	const workers, per = 8, 50

	var wg sync.WaitGroup
	errs := make(chan error, workers*per)
	for w := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range per {
				_, err := b.AddTask(Task{
					Label:    fmt.Sprintf("w%d-%d", w, i),
					Accesses: []resource.Request{resource.ReadWrite(resource.ID(w+1), resource.UsageShaderStorage)},
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("AddTask: %v", err)
	}

	s := mustFinalize(t, b)
	if s.Len() != workers*per {
		t.Errorf("Len() = %d, want %d", s.Len(), workers*per)
	}
}

// =============================================================================
// Task states
// =============================================================================

func TestTaskStateMachine(t *testing.T) {
	b := NewBuilder(7, testLimits, nil)
	h := mustAdd(t, b, Task{Label: "a", Payload: &Dispatch{}, Queue: queue.PreferCompute})
	s := mustFinalize(t, b)

	if s.Generation() != 7 {
		t.Errorf("Generation() = %d, want 7", s.Generation())
	}
	if got := s.State(h); got != Scheduled {
		t.Fatalf("state after Finalize = %s, want scheduled", got)
	}
	if err := s.Retire(h); !errors.Is(err, ErrBadTransition) {
		t.Errorf("Retire before execute = %v, want ErrBadTransition", err)
	}
	if err := s.MarkExecuting(h); err != nil {
		t.Fatalf("MarkExecuting: %v", err)
	}
	if err := s.MarkExecuting(h); !errors.Is(err, ErrBadTransition) {
		t.Errorf("second MarkExecuting = %v, want ErrBadTransition", err)
	}
	if n := s.RetireAll(); n != 1 {
		t.Errorf("RetireAll() = %d, want 1", n)
	}
	if s.State(h) != Retired || s.Task(h).Payload != nil {
		t.Errorf("retired task kept its payload or state %s", s.State(h))
	}
}
