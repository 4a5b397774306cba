// Package rendergraph schedules GPU work expressed as a per-frame task
// graph.
//
// A frame is a set of tasks, each declaring the logical resources it
// reads and writes. The scheduler orders the tasks, assigns them to the
// graphics, compute and transfer queues, plans the resource barriers and
// queue ownership transfers between them, records every queue's command
// stream and submits the result:
//
//	s, err := rendergraph.New(device, queue)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	gbuf := s.Resources().CreateImage("gbuffer", resource.ImageDesc{...})
//
//	f, err := s.BeginFrame(ctx)
//	if err != nil {
//	    return err
//	}
//	f.AddTask(graph.Task{
//	    Label:    "geometry",
//	    Accesses: []resource.Request{resource.Write(gbuf, resource.UsageColorAttachment)},
//	    Payload:  &graph.Draw{Color: []graph.ColorTarget{{Image: gbuf}}},
//	})
//	h, err := f.Submit(ctx)
//	if err != nil {
//	    return err
//	}
//	defer h.Release()
//
// # Frames in flight
//
// BeginFrame blocks while the ring slot it needs is still referenced by a
// handle or still executing on the GPU. At most one frame is open for
// recording at a time.
//
// # Errors
//
// Every error wraps one of the categories in package fault. Usage and
// resource errors drop the current frame and leave the scheduler usable.
// Device errors invalidate it; every later BeginFrame fails.
//
// # Sub-packages
//
//   - resource: logical resources, access modes and the registry
//   - graph: task graph builder, schedule and payloads
//   - state: resource state table and barrier planner
//   - dispatch: queue assignment and cross-queue synchronization
//   - frame: frames-in-flight ring, command batches and handles
//   - pipeline: pipeline and shader module caches
//   - swapchain: presentation surface integration
package rendergraph
