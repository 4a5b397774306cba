// Command rgdemo schedules a small deferred-shading frame on the noop HAL
// backend and prints the resulting schedule.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"

	"github.com/gogpu/rendergraph"
	"github.com/gogpu/rendergraph/graph"
	"github.com/gogpu/rendergraph/pipeline"
	"github.com/gogpu/rendergraph/queue"
	"github.com/gogpu/rendergraph/resource"
	"github.com/gogpu/rendergraph/swapchain"
)

const simulateWGSL = `
@group(0) @binding(0) var<storage, read_write> particles: array<vec4<f32>>;

@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) id: vec3<u32>) {
    particles[id.x] = particles[id.x] + vec4<f32>(0.0, 0.01, 0.0, 0.0);
}
`

const (
	width         = 640
	height        = 480
	particleCount = 1024
	particleBytes = particleCount * 16
)

func main() {
	var (
		frames        = flag.Int("frames", 3, "number of frames to schedule")
		asyncCompute  = flag.Bool("async-compute", false, "expose an async compute queue")
		asyncTransfer = flag.Bool("async-transfer", false, "expose an async transfer queue")
		verbose       = flag.Bool("v", false, "debug logging to stderr")
	)
	flag.Parse()

	if *verbose {
		rendergraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	if err := run(*frames, *asyncCompute, *asyncTransfer); err != nil {
		log.Fatalf("rgdemo: %v", err)
	}
}

type demo struct {
	s         *rendergraph.Scheduler
	presenter *swapchain.Presenter
	simulate  *pipeline.ComputePipeline

	particles resource.ID
	staging   resource.ID
	albedo    resource.ID
	depth     resource.ID
	lighting  resource.ID
}

func run(frames int, asyncCompute, asyncTransfer bool) error {
	api := noop.API{}
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return err
	}
	defer instance.Destroy()
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		return errors.New("no noop adapter")
	}
	openDev, err := adapters[0].Adapter.Open(0, gputypes.DefaultLimits())
	if err != nil {
		return err
	}
	device := openDev.Device
	defer device.Destroy()

	opts := []rendergraph.Option{rendergraph.WithAsyncOffload(true), rendergraph.WithDebugChecks(true)}
	if asyncCompute {
		opts = append(opts, rendergraph.WithComputeQueue(&noop.Queue{}))
	}
	if asyncTransfer {
		opts = append(opts, rendergraph.WithTransferQueue(&noop.Queue{}))
	}
	s, err := rendergraph.New(device, openDev.Queue, opts...)
	if err != nil {
		return err
	}
	defer s.Close()

	d, err := setup(s, device, openDev.Queue)
	if err != nil {
		return err
	}
	defer d.presenter.Close()

	for i := range frames {
		if err := d.frame(i); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
	}

	st := s.Pipelines().Stats()
	fmt.Printf("pipelines: %d compute, %d layouts, hit rate %.2f\n", st.Compute, st.Layouts, s.Pipelines().HitRate())
	return nil
}

func setup(s *rendergraph.Scheduler, device hal.Device, q hal.Queue) (*demo, error) {
	d := &demo{s: s}
	reg := s.Resources()

	presenter, err := swapchain.New(device, &noop.Surface{}, q, reg, s.States(), swapchain.Config{
		Width:       width,
		Height:      height,
		Format:      gputypes.TextureFormatBGRA8Unorm,
		PresentMode: gputypes.PresentModeFifo,
	})
	if err != nil {
		return nil, err
	}
	d.presenter = presenter

	particles, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "particles",
		Size:  particleBytes,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, err
	}
	staging, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "staging",
		Size:  particleBytes,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
	})
	if err != nil {
		return nil, err
	}
	d.particles = reg.ImportBuffer("particles", resource.BufferDesc{
		Size:  particleBytes,
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	}, resource.Binding{Buffer: particles})
	d.staging = reg.ImportBuffer("staging", resource.BufferDesc{
		Size:  particleBytes,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageMapWrite,
	}, resource.Binding{Buffer: staging})

	d.albedo = reg.CreateImage("albedo", resource.ImageDesc{
		Width:  width,
		Height: height,
		Format: gputypes.TextureFormatRGBA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	})
	d.depth = reg.CreateImage("depth", resource.ImageDesc{
		Width:  width,
		Height: height,
		Format: gputypes.TextureFormatDepth32Float,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageTextureBinding,
	})
	d.lighting = reg.CreateImage("lighting", resource.ImageDesc{
		Width:  width,
		Height: height,
		Format: gputypes.TextureFormatBGRA8Unorm,
		Usage:  gputypes.TextureUsageRenderAttachment | gputypes.TextureUsageCopySrc,
	})

	shader, err := s.Shaders().Load(pipeline.ShaderSource{Label: "simulate", WGSL: simulateWGSL})
	if err != nil {
		return nil, err
	}
	layout, err := s.Pipelines().GetOrCreateLayout(&pipeline.LayoutDesc{
		Label: "simulate",
		Groups: [][]gputypes.BindGroupLayoutEntry{{{
			Binding:    0,
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage},
		}}},
	})
	if err != nil {
		return nil, err
	}
	d.simulate, err = s.Pipelines().GetOrCreateCompute(&pipeline.ComputePipelineDesc{
		Label:  "simulate",
		Layout: layout,
		Shader: shader,
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *demo) frame(i int) error {
	ctx := context.Background()
	output, err := d.presenter.AcquireNext()
	if err != nil {
		return err
	}
	f, err := d.s.BeginFrame(ctx)
	if err != nil {
		d.presenter.Discard()
		return err
	}

	var tasks []graph.Task
	if i == 0 {
		tasks = append(tasks, graph.Task{
			Label: "upload",
			Accesses: []resource.Request{
				resource.Read(d.staging, resource.UsageTransferSrc),
				resource.Write(d.particles, resource.UsageTransferDst),
			},
			Payload: &graph.Copy{Src: d.staging, Dst: d.particles, Size: particleBytes},
		})
	}
	tasks = append(tasks,
		graph.Task{
			Label:    "simulate",
			Accesses: []resource.Request{resource.ReadWrite(d.particles, resource.UsageShaderStorage)},
			Payload: &graph.Dispatch{
				Label:    "simulate",
				Pipeline: d.simulate.Raw(),
				Groups:   [3]uint32{particleCount / 64, 1, 1},
			},
		},
		graph.Task{
			Label: "geometry",
			Accesses: []resource.Request{
				resource.Write(d.albedo, resource.UsageColorAttachment),
				resource.Write(d.depth, resource.UsageDepthStencilAttachment),
			},
			Payload: &graph.Draw{
				Label: "geometry",
				Color: []graph.ColorTarget{{Image: d.albedo, Load: gputypes.LoadOpClear}},
				Depth: &graph.DepthTarget{Image: d.depth, Load: gputypes.LoadOpClear, Clear: 1},
			},
		},
		graph.Task{
			Label: "lighting",
			Accesses: []resource.Request{
				resource.Read(d.albedo, resource.UsageShaderSample),
				resource.Read(d.depth, resource.UsageShaderSample),
				resource.Read(d.particles, resource.UsageShaderStorage),
				resource.Write(d.lighting, resource.UsageColorAttachment),
			},
			Queue: queue.PreferGraphics,
			Payload: &graph.Draw{
				Label: "lighting",
				Color: []graph.ColorTarget{{Image: d.lighting, Load: gputypes.LoadOpClear}},
			},
		},
		graph.Task{
			Label: "composite",
			Accesses: []resource.Request{
				resource.Read(d.lighting, resource.UsageTransferSrc),
				resource.Write(output, resource.UsageTransferDst),
			},
			Queue:   queue.PreferGraphics,
			Payload: &graph.Blit{Src: d.lighting, Dst: output, Size: hal.Extent3D{Width: width, Height: height, DepthOrArrayLayers: 1}},
		},
	)
	for _, t := range tasks {
		if _, err := f.AddTask(t); err != nil {
			f.Drop()
			d.presenter.Discard()
			return err
		}
	}
	if _, err := f.Present(output); err != nil {
		f.Drop()
		d.presenter.Discard()
		return err
	}

	plan, err := f.Finalize()
	if err != nil {
		d.presenter.Discard()
		return err
	}
	printPlan(f.Index(), plan)

	h, err := f.Submit(ctx)
	if err != nil {
		d.presenter.Discard()
		return err
	}
	defer h.Release()
	return d.presenter.Present(f.Batch())
}

func printPlan(index uint64, plan *rendergraph.Plan) {
	fmt.Printf("frame %d\n", index)
	for pos, h := range plan.Schedule.Order() {
		t := plan.Schedule.Task(h)
		fmt.Printf("  %2d %-10s %-8s epoch %d\n", pos, t.Label, plan.Dispatch.QueueOf(h), plan.Dispatch.Epoch[h])
		step := plan.Step(h)
		for _, b := range step.Pre {
			fmt.Printf("       pre  %s\n", b)
		}
		for _, b := range step.Post {
			fmt.Printf("       post %s\n", b)
		}
	}
	for _, sp := range plan.Dispatch.Syncs {
		fmt.Printf("  sync %s -> %s gen %d: segment %d -> %d (%d edges)\n",
			sp.Key.Src, sp.Key.Dst, sp.Key.Generation, sp.SignalAfter, sp.WaitBefore, sp.Edges)
	}
	for _, b := range plan.Barriers.Carried {
		fmt.Printf("  carried %s\n", b)
	}
	fmt.Printf("  %d segments, %d transitions, %d releases, %d acquires, %d elided, %d fallbacks\n",
		len(plan.Dispatch.Segments), plan.Barriers.Transitions, plan.Barriers.Releases,
		plan.Barriers.Acquires, plan.Barriers.Elided, plan.Dispatch.Fallbacks)
}
