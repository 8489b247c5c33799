// Package particles schedules GPU particle simulations into a render frame.
//
// # Overview
//
// Simulation systems queue ticks from any goroutine. Once per frame the
// Dispatcher drains them, orders the resulting compute passes into groups
// that respect data dependencies, sizes and rotates the GPU buffers each
// simulation needs, and records the work at the point of the frame the
// simulation asked for.
//
// # Quick Start
//
//	dev := trace.New(trace.Config{})
//	d, err := particles.New(dev)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Close()
//
//	ctx, _ := sim.NewContext(sim.ContextConfig{
//	    Name: "sparks", Program: program, Capacity: 1000, Stride: 32,
//	})
//	proxy, _ := particles.NewProxy(particles.ProxyConfig{
//	    Name: "sparks", Stage: sim.AfterOpaquePass, Contexts: []*sim.Context{ctx},
//	})
//	d.Register(proxy)
//
//	proxy.QueueTick(sim.Tick{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 50}}})
//
//	_ = d.BeginFrame()
//	_ = d.BeforeViewSetup(true)
//	_ = d.AfterViewSetup(views, true)
//	_ = d.AfterOpaquePass(views, true)
//	_ = d.EndFrame()
//
// # Frame
//
// The entry points are called once per frame, in order. BeforeViewSetup
// plans every stage and executes the first one; the later entry points
// execute their own stage. AfterOpaquePass releases the count slots read
// during the frame and records readbacks. EndFrame submits.
//
// # Backpressure
//
// A host that keeps ticking simulations without rendering would queue
// ticks forever. After a configurable number of frames without
// BeforeViewSetup the dispatcher applies its policy: hold the ticks,
// drain them against a synthetic view, or discard them and reset every
// simulation. See WithBackpressure.
//
// # Devices
//
// The dispatcher records through gpucore.Device. backend/native drives a
// real GPU through wgpu; backend/trace records commands in memory for
// tests and tools.
package particles

// Version information
const (
	// Version is the current version of the library
	Version = "0.1.0-alpha.1"

	// VersionMajor is the major version
	VersionMajor = 0

	// VersionMinor is the minor version
	VersionMinor = 1

	// VersionPatch is the patch version
	VersionPatch = 0

	// VersionPrerelease is the prerelease identifier
	VersionPrerelease = "alpha.1"
)
