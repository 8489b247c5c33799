package particles

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/backpressure"
	"github.com/gogpu/particles/internal/bufpool"
	"github.com/gogpu/particles/internal/readback"
	"github.com/gogpu/particles/internal/registry"
	"github.com/gogpu/particles/internal/schedule"
	"github.com/gogpu/particles/internal/slots"
	"github.com/gogpu/particles/sim"
)

// phase tracks the frame entry points called so far.
type phase uint8

const (
	phaseIdle phase = iota
	phaseBegun
	phaseBeforeViewSetup
	phaseAfterViewSetup
	phaseAfterOpaquePass
)

// Dispatcher schedules the GPU work of every registered simulation into
// the host's render frame.
//
// The host calls the frame entry points once per frame, in order:
// BeginFrame, BeforeViewSetup, AfterViewSetup, AfterOpaquePass, EndFrame.
// Frames that do not render call only BeginFrame and EndFrame; queued
// ticks are then handled by the backpressure policy.
//
// Dispatcher is not safe for concurrent use, except for Proxy.QueueTick.
type Dispatcher struct {
	dev  gpucore.Device
	opts options

	proxies    *registry.Registry[*Proxy]
	counts     *slots.Allocator
	readbacks  *readback.Queue
	pool       *bufpool.Pool
	buffers    *poolBuffers
	planner    *schedule.Planner
	exec       *schedule.Executor
	controller *backpressure.Controller

	lists [sim.NumTickStages]schedule.StageList

	rec      gpucore.Recorder
	phase    phase
	frame    uint64
	viewRect image.Rectangle

	planned         bool
	requestReadback bool
	lastDispatches  int
	snapshots       []snapshotRequest

	freeIDProgram  gpucore.ProgramID
	sortProgram    gpucore.ProgramID
	sortInfos      []SortInfo
	sortParams     gpucore.BufferID
	sortParamsCap  int
	sortParamsUsed int
	retired        []gpucore.BufferID

	closed bool
}

// New creates a dispatcher recording through dev.
func New(dev gpucore.Device, opts ...Option) (*Dispatcher, error) {
	if dev == nil {
		return nil, ErrNilDevice
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	freeIDs, err := dev.CreateProgram(schedule.FreeIDProgram())
	if err != nil {
		return nil, fmt.Errorf("particles: create free id program: %w", err)
	}

	d := &Dispatcher{
		dev:           dev,
		opts:          o,
		proxies:       registry.New[*Proxy](),
		counts:        slots.New(dev, slots.Config{}),
		readbacks:     readback.New(dev, readback.Config{Workers: o.readbackWorkers}),
		pool:          bufpool.New(dev, bufpool.Config{MaxMemoryMB: o.bufferBudgetMB}),
		controller:    backpressure.New(backpressure.Config{MaxQueuedFrames: o.maxQueuedFrames, Policy: o.policy}),
		viewRect:      defaultViewRect,
		freeIDProgram: freeIDs,
	}
	d.buffers = newPoolBuffers(d.pool, func() gpucore.Recorder { return d.rec })
	d.planner = schedule.NewPlanner(d.counts, d.buffers, schedule.PlannerConfig{
		FreeBufferEarly:        o.freeBufferEarly,
		LowLatencyTranslucency: o.lowLatencyTranslucency,
	})
	d.exec = schedule.NewExecutor(dev, o.hooks, schedule.ExecutorConfig{
		SubmitHint:    o.submitHint,
		FreeIDProgram: freeIDs,
		OnRenderData:  d.onRenderData,
	})
	trackDevice(dev)

	slogger().Info("particles: dispatcher created",
		slog.Int("max_queued_frames", d.controller.MaxQueuedFrames()),
		slog.String("policy", o.policy.String()),
		slog.Bool("multi_gpu", o.strategy != nil))
	return d, nil
}

// Register adds p to its tick stage. Registering a proxy that is already
// registered panics.
func (d *Dispatcher) Register(p *Proxy) {
	if p.owner != nil {
		panic(fmt.Sprintf("particles: proxy %s is already registered", p.name))
	}
	p.handle = d.proxies.Register(p.stage, p, p.req)
	p.owner = d
	slogger().Debug("particles: proxy registered",
		slog.String("proxy", p.name),
		slog.String("stage", p.stage.String()),
		slog.Int("contexts", len(p.contexts)))
}

// Unregister removes p. Its queued ticks are cancelled, its planned
// dispatches are dropped, its count slots are released immediately and
// its buffers once the frame is submitted. Unregistering a proxy that is
// not registered with d panics.
func (d *Dispatcher) Unregister(p *Proxy) {
	if p.owner != d || !d.proxies.Contains(p.handle) {
		panic(fmt.Sprintf("particles: proxy %s is not registered", p.name))
	}
	d.proxies.Unregister(p.handle)
	p.owner, p.handle = nil, registry.Handle{}

	cancelled := p.ticks.Clear()
	removed := 0
	for i := range d.lists {
		removed += d.lists[i].RemoveContexts(p.contexts...)
	}
	for _, ctx := range p.contexts {
		d.counts.Release(ctx.CountSlot)
		ctx.CountSlot = sim.InvalidSlot
		d.buffers.releaseContext(ctx)
		ctx.Reset()
	}
	d.cancelSnapshots(p.contexts)

	slogger().Debug("particles: proxy unregistered",
		slog.String("proxy", p.name),
		slog.Int("ticks_cancelled", cancelled),
		slog.Int("dispatches_removed", removed))
}

// UsesDistanceFields reports whether any registered simulation samples
// distance fields.
func (d *Dispatcher) UsesDistanceFields() bool {
	return d.proxies.Count(sim.RequiresDistanceField) > 0
}

// RequiresGlobalDistanceField reports whether the global distance field
// must be prepared this frame.
func (d *Dispatcher) RequiresGlobalDistanceField() bool {
	return d.UsesDistanceFields()
}

// RequiresDepthBuffer reports whether any registered simulation samples
// scene depth.
func (d *Dispatcher) RequiresDepthBuffer() bool {
	return d.proxies.Count(sim.RequiresDepthBuffer) > 0
}

// RequiresEarlyViewData reports whether any registered simulation needs
// view data before the opaque pass.
func (d *Dispatcher) RequiresEarlyViewData() bool {
	return d.proxies.Count(sim.RequiresEarlyViewData) > 0
}

// RequiresRayTracingScene reports whether any registered simulation
// traces rays against the scene.
func (d *Dispatcher) RequiresRayTracingScene() bool {
	return d.proxies.Count(sim.RequiresRayTracingScene) > 0
}

// Stats is a summary of dispatcher activity.
type Stats struct {
	// Frame is the number of frames begun.
	Frame uint64

	// Proxies is the number of registered proxies.
	Proxies int

	// Dispatches is the number of dispatches recorded by the last ended
	// frame.
	Dispatches int

	// CountSlots is the number of held instance-count slots.
	CountSlots int

	// PendingTicks is the number of ticks queued on registered proxies.
	PendingTicks int

	// PendingReadbacks is the number of readbacks not yet delivered.
	PendingReadbacks int

	// Backpressure is the current backpressure state.
	Backpressure BackpressureState

	// BackpressureTriggers counts how often the policy was applied.
	BackpressureTriggers uint64

	// Buffers are the simulation buffer pool statistics.
	Buffers bufpool.Stats
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Frame:                d.frame,
		Proxies:              d.proxies.Total(),
		Dispatches:           d.lastDispatches,
		CountSlots:           d.counts.Used(),
		PendingTicks:         d.pendingTicks(),
		PendingReadbacks:     d.readbacks.Pending(),
		Backpressure:         d.controller.State(),
		BackpressureTriggers: d.controller.Triggers(),
		Buffers:              d.pool.Stats(),
	}
}

// TrimBufferPool destroys every idle pooled simulation buffer. Buffers
// held by simulations are not affected.
func (d *Dispatcher) TrimBufferPool() {
	d.pool.Trim()
	slogger().Debug("particles: buffer pool trimmed", slog.String("pool", d.pool.Stats().String()))
}

// SetBufferPoolBudget changes the buffer pool budget in megabytes,
// evicting idle buffers over the new budget.
func (d *Dispatcher) SetBufferPoolBudget(megabytes int) error {
	if d.closed {
		return ErrClosed
	}
	if err := d.pool.SetBudget(megabytes); err != nil {
		return fmt.Errorf("particles: set buffer budget: %w", err)
	}
	return nil
}

// Close submits any open frame and releases every GPU resource the
// dispatcher created. Registered proxies lose their buffers.
func (d *Dispatcher) Close() {
	if d.closed {
		return
	}
	if err := d.submit(); err != nil {
		slogger().Warn("particles: submit on close", slog.String("err", err.Error()))
	}
	d.readbacks.Close()
	for _, r := range d.snapshots {
		r.future.resolve(Snapshot{Context: r.ctx, Stride: r.ctx.Stride()}, ErrClosed)
	}
	d.snapshots = nil

	for stage := sim.FirstTickStage; stage < sim.NumTickStages; stage++ {
		d.proxies.Each(stage, func(_ registry.Handle, p *Proxy) {
			p.ticks.Clear()
			for _, ctx := range p.contexts {
				d.buffers.releaseContext(ctx)
				ctx.Reset()
			}
		})
		d.lists[stage].Clear()
	}
	d.buffers.pending = nil

	d.exec.Close()
	d.counts.Close()
	d.pool.Close()
	for _, id := range append(d.retired, d.sortParams) {
		if id != gpucore.InvalidID {
			d.dev.DestroyBuffer(id)
		}
	}
	d.retired, d.sortParams = nil, gpucore.InvalidID
	d.dev.DestroyProgram(d.freeIDProgram)
	if d.sortProgram != gpucore.InvalidID {
		d.dev.DestroyProgram(d.sortProgram)
	}
	untrackDevice(d.dev)
	d.closed = true
	d.phase = phaseIdle
	slogger().Info("particles: dispatcher closed", slog.Uint64("frames", d.frame))
}

func (d *Dispatcher) onRenderData(ctx *sim.Context) {
	if d.opts.strategy != nil {
		d.opts.strategy.AddRenderData(ctx)
	}
}

// contexts returns every registered context.
func (d *Dispatcher) contexts() []*sim.Context {
	var out []*sim.Context
	for stage := sim.FirstTickStage; stage < sim.NumTickStages; stage++ {
		d.proxies.Each(stage, func(_ registry.Handle, p *Proxy) {
			out = append(out, p.contexts...)
		})
	}
	return out
}

func (d *Dispatcher) pendingTicks() int {
	n := 0
	for stage := sim.FirstTickStage; stage < sim.NumTickStages; stage++ {
		d.proxies.Each(stage, func(_ registry.Handle, p *Proxy) {
			n += p.ticks.Len()
		})
	}
	return n
}

var (
	_ schedule.CountAllocator  = (*slots.Allocator)(nil)
	_ schedule.BufferAllocator = (*poolBuffers)(nil)
	_ SortKeyGenerator         = (*Dispatcher)(nil)
)
