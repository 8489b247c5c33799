package main

import (
	"context"
	_ "embed"
	"fmt"
	"image"

	"github.com/gogpu/particles"
	"github.com/gogpu/particles/backend"
	_ "github.com/gogpu/particles/backend/native"
	"github.com/gogpu/particles/backend/trace"
	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/sim"
)

//go:embed shaders/simulate.wgsl
var simulateShaderSource string

const simulateLabel = "particlesim_simulate"

var views = []particles.View{{Rect: image.Rect(0, 0, 1920, 1080)}}

type runConfig struct {
	Backend   string
	Frames    int
	Emitters  int
	Spawn     uint32
	Capacity  uint32
	Stride    uint32
	Policy    particles.BackpressurePolicy
	MaxQueued int
	IdleFrom  int
	IdleFor   int
}

// series is the live element count of one emitter per frame.
type series struct {
	Name   string
	Values []uint32
}

type result struct {
	Stats      particles.Stats
	Series     []series
	Rendered   int
	Dispatches int
	Peak       uint32
	Final      uint32
}

type emitter struct {
	ctx   *sim.Context
	proxy *particles.Proxy
}

// decay keeps fifteen of every sixteen elements per pass, the CPU
// counterpart of the aging in simulate.wgsl.
func decay(p sim.DispatchParams) uint32 {
	return p.DestinationNumInstances - p.DestinationNumInstances/16
}

// attachKernels gives CPU devices the counterpart of every shader.
func attachKernels(dev gpucore.Device, program gpucore.ProgramID) error {
	td, ok := dev.(*trace.Device)
	if !ok {
		return nil
	}
	return td.SetKernel(program, trace.ParticleKernel(decay))
}

func run(ctx context.Context, cfg runConfig) (*result, error) {
	dev, err := backend.Open(cfg.Backend)
	if err != nil {
		return nil, err
	}
	defer dev.Close()

	program, err := dev.CreateProgram(&gpucore.ProgramDescriptor{
		Label:       simulateLabel,
		Source:      simulateShaderSource,
		EntryPoint:  "main",
		ThreadGroup: sim.DefaultThreadGroup,
		Bindings:    sim.ProgramBindings(),
	})
	if err != nil {
		return nil, err
	}
	if err := attachKernels(dev, program); err != nil {
		return nil, err
	}

	d, err := particles.New(dev, particles.WithBackpressure(cfg.MaxQueued, cfg.Policy))
	if err != nil {
		return nil, err
	}
	defer d.Close()

	emitters, err := newEmitters(d, program, cfg)
	if err != nil {
		return nil, err
	}

	res := &result{Series: make([]series, len(emitters))}
	for i, e := range emitters {
		res.Series[i] = series{Name: e.ctx.Name(), Values: make([]uint32, 0, cfg.Frames)}
	}
	for f := range cfg.Frames {
		for _, e := range emitters {
			e.proxy.QueueTick(sim.Tick{Instances: []sim.TickInstance{{
				Context:       e.ctx,
				SpawnCount:    cfg.Spawn,
				MaxSpawnCount: cfg.Spawn,
			}}})
		}
		render := f < cfg.IdleFrom || f >= cfg.IdleFrom+cfg.IdleFor
		if err := frame(d, render); err != nil {
			return nil, fmt.Errorf("frame %d: %w", f, err)
		}
		if render {
			res.Rendered++
		}
		res.Dispatches += d.Stats().Dispatches

		total := uint32(0)
		for i, e := range emitters {
			n := e.ctx.LiveCount()
			res.Series[i].Values = append(res.Series[i].Values, n)
			total += n
		}
		res.Peak = max(res.Peak, total)
	}
	if err := d.FlushAndWait(ctx); err != nil {
		return nil, err
	}
	for _, e := range emitters {
		res.Final += e.ctx.LiveCount()
	}
	res.Stats = d.Stats()
	dev.DestroyProgram(program)
	return res, nil
}

// newEmitters registers one simulation per emitter, spreading them over
// the tick stages.
func newEmitters(d *particles.Dispatcher, program gpucore.ProgramID, cfg runConfig) ([]emitter, error) {
	out := make([]emitter, 0, cfg.Emitters)
	for i := range cfg.Emitters {
		name := fmt.Sprintf("emitter%d", i)
		ctx, err := sim.NewContext(sim.ContextConfig{
			Name:     name,
			Program:  sim.NewProgram(sim.Pass{Name: "age", Kind: sim.PassKilling, Program: program}),
			Capacity: cfg.Capacity,
			Stride:   cfg.Stride,
		})
		if err != nil {
			return nil, err
		}
		proxy, err := particles.NewProxy(particles.ProxyConfig{
			Name:     name,
			Stage:    sim.TickStage(i % int(sim.NumTickStages)),
			Contexts: []*sim.Context{ctx},
		})
		if err != nil {
			return nil, err
		}
		d.Register(proxy)
		out = append(out, emitter{ctx: ctx, proxy: proxy})
	}
	return out, nil
}

// frame runs the frame entry points. Frames that do not render only begin
// and end.
func frame(d *particles.Dispatcher, render bool) error {
	if err := d.BeginFrame(); err != nil {
		return err
	}
	if render {
		if err := d.BeforeViewSetup(true); err != nil {
			return err
		}
		if err := d.AfterViewSetup(views, true); err != nil {
			return err
		}
		if err := d.AfterOpaquePass(views, true); err != nil {
			return err
		}
	}
	return d.EndFrame()
}
