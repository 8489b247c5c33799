package particles

import (
	"errors"
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"

	"github.com/gogpu/particles/backend/trace"
	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/schedule"
	"github.com/gogpu/particles/mgpu"
	"github.com/gogpu/particles/sim"
)

const simulateLabel = "simulate"

var testViews = []View{{Rect: image.Rect(0, 0, 1280, 720)}}

type testEnv struct {
	dev     *trace.Device
	d       *Dispatcher
	program gpucore.ProgramID
}

// newTestEnv creates a dispatcher over a strict trace device. survivors
// decides how many elements simulation passes keep; nil keeps all.
func newTestEnv(t *testing.T, survivors trace.Survivors, opts ...Option) *testEnv {
	t.Helper()
	dev := trace.New(trace.Config{
		Strict: true,
		Kernels: map[string]trace.Kernel{
			simulateLabel:               trace.ParticleKernel(survivors),
			schedule.FreeIDProgramLabel: trace.FreeIDKernel,
			SortKeysProgramLabel:        sortKeysKernel,
		},
	})
	program, err := dev.CreateProgram(&gpucore.ProgramDescriptor{
		Label:       simulateLabel,
		EntryPoint:  "main",
		ThreadGroup: sim.DefaultThreadGroup,
		Bindings:    sim.ProgramBindings(),
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(dev, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	return &testEnv{dev: dev, d: d, program: program}
}

// context creates a context whose passes default to the env's program.
func (e *testEnv) context(t *testing.T, cfg sim.ContextConfig, passes ...sim.Pass) *sim.Context {
	t.Helper()
	if len(passes) == 0 {
		passes = []sim.Pass{{Name: "update", Kind: sim.PassKilling}}
	}
	for i := range passes {
		if passes[i].Program == gpucore.InvalidID {
			passes[i].Program = e.program
		}
	}
	cfg.Program = sim.NewProgram(passes...)
	if cfg.Name == "" {
		cfg.Name = "fx"
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 1000
	}
	if cfg.Stride == 0 {
		cfg.Stride = 16
	}
	ctx, err := sim.NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

// register creates and registers a proxy over contexts.
func (e *testEnv) register(t *testing.T, stage sim.TickStage, contexts ...*sim.Context) *Proxy {
	t.Helper()
	p, err := NewProxy(ProxyConfig{Name: contexts[0].Name(), Stage: stage, Contexts: contexts})
	if err != nil {
		t.Fatalf("NewProxy: %v", err)
	}
	e.d.Register(p)
	return p
}

// frame runs one rendered frame.
func (e *testEnv) frame(t *testing.T) {
	t.Helper()
	steps := []struct {
		name string
		fn   func() error
	}{
		{"BeginFrame", e.d.BeginFrame},
		{"BeforeViewSetup", func() error { return e.d.BeforeViewSetup(true) }},
		{"AfterViewSetup", func() error { return e.d.AfterViewSetup(testViews, true) }},
		{"AfterOpaquePass", func() error { return e.d.AfterOpaquePass(testViews, true) }},
		{"EndFrame", e.d.EndFrame},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			t.Fatalf("%s: %v", s.name, err)
		}
	}
}

// idleFrame runs a frame that does not render.
func (e *testEnv) idleFrame(t *testing.T) {
	t.Helper()
	if err := e.d.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame: %v", err)
	}
	if err := e.d.EndFrame(); err != nil {
		t.Fatalf("EndFrame: %v", err)
	}
}

func (e *testEnv) gpuCount(ctx *sim.Context) uint32 {
	return e.dev.Uint32s(e.d.counts.Buffer())[ctx.Current.CountOffset]
}

// dispatches returns the logged dispatches of program.
func (e *testEnv) dispatches(program gpucore.ProgramID) []trace.Command {
	var out []trace.Command
	for _, c := range e.dev.Commands() {
		if c.Op == trace.OpDispatch && c.Program == program {
			out = append(out, c)
		}
	}
	return out
}

func bound(c trace.Command, slot uint32) gpucore.BufferID {
	for _, b := range c.Bindings {
		if b.Slot == slot {
			return b.Buffer
		}
	}
	return gpucore.InvalidID
}

func spawn(ctx *sim.Context, n uint32) sim.Tick {
	return sim.Tick{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: n}}}
}

func killFive(p sim.DispatchParams) uint32 {
	if p.DestinationNumInstances < 5 {
		return 0
	}
	return p.DestinationNumInstances - 5
}

func TestNewNilDevice(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrNilDevice) {
		t.Errorf("New(nil) = %v, want ErrNilDevice", err)
	}
}

func TestNewProxyValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{})
	tests := []struct {
		name    string
		cfg     ProxyConfig
		wantErr error
	}{
		{"invalid stage", ProxyConfig{Stage: sim.NumTickStages, Contexts: []*sim.Context{ctx}}, ErrInvalidStage},
		{"no contexts", ProxyConfig{Stage: sim.AfterOpaquePass}, ErrNoContexts},
		{"nil context", ProxyConfig{Stage: sim.AfterOpaquePass, Contexts: []*sim.Context{nil}}, ErrNoContexts},
		{"valid", ProxyConfig{Stage: sim.AfterOpaquePass, Contexts: []*sim.Context{ctx}}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewProxy(tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewProxy() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewProxyInvalidProgramPanics(t *testing.T) {
	ctx, err := sim.NewContext(sim.ContextConfig{
		Name:     "broken",
		Program:  sim.NewProgram(sim.Pass{Name: "p", ThreadGroup: gpucore.Dim3{X: 0, Y: 1, Z: 1}}),
		Capacity: 8,
		Stride:   4,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("NewProxy with an invalid pass should panic")
		}
	}()
	_, _ = NewProxy(ProxyConfig{Stage: sim.AfterOpaquePass, Contexts: []*sim.Context{ctx}})
}

func TestRegisterTwicePanics(t *testing.T) {
	env := newTestEnv(t, nil)
	p := env.register(t, sim.AfterOpaquePass, env.context(t, sim.ContextConfig{}))
	defer func() {
		if recover() == nil {
			t.Error("registering a proxy twice should panic")
		}
	}()
	env.d.Register(p)
}

func TestUnregisterUnknownPanics(t *testing.T) {
	env := newTestEnv(t, nil)
	p, err := NewProxy(ProxyConfig{Stage: sim.AfterOpaquePass, Contexts: []*sim.Context{env.context(t, sim.ContextConfig{})}})
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if recover() == nil {
			t.Error("unregistering an unknown proxy should panic")
		}
	}()
	env.d.Unregister(p)
}

func TestInPlaceSimulationGrows(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{Capacity: 1000, Stride: 16}, sim.Pass{Name: "update", Kind: sim.PassInPlace})
	p := env.register(t, sim.AfterOpaquePass, ctx)

	for frame := uint32(1); frame <= 25; frame++ {
		env.dev.ResetLog()
		p.QueueTick(spawn(ctx, 50))
		env.frame(t)

		want := min(50*frame, 1000)
		if got := ctx.LiveCount(); got != want {
			t.Fatalf("frame %d: LiveCount() = %d, want %d", frame, got, want)
		}
		if ctx.Current.HasCount() {
			t.Fatalf("frame %d: in-place simulation holds count offset %d", frame, ctx.Current.CountOffset)
		}
		if ctx.Current.Capacity <= want {
			t.Fatalf("frame %d: capacity %d does not exceed %d live elements", frame, ctx.Current.Capacity, want)
		}
		dispatches := env.dispatches(env.program)
		if len(dispatches) != 1 {
			t.Fatalf("frame %d: %d dispatches, want 1", frame, len(dispatches))
		}
		if dst := bound(dispatches[0], sim.BindingDestination); dst != ctx.Current.ID {
			t.Fatalf("frame %d: dispatch writes %d, want current %d", frame, dst, ctx.Current.ID)
		}
	}
	if ctx.Current.Capacity != 1001 {
		t.Errorf("capacity = %d, want the element capacity plus one", ctx.Current.Capacity)
	}
	if got := env.d.Stats().CountSlots; got != 0 {
		t.Errorf("CountSlots = %d, want 0", got)
	}
}

func TestInPlaceGrowthPreservesData(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{Capacity: 1000, Stride: 16}, sim.Pass{Name: "update", Kind: sim.PassInPlace})
	p := env.register(t, sim.AfterOpaquePass, ctx)

	p.QueueTick(spawn(ctx, 10))
	env.frame(t)
	if err := env.dev.WriteBuffer(ctx.Current.ID, 0, []byte{7, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}
	old := ctx.Current.ID

	env.dev.ResetLog()
	p.QueueTick(spawn(ctx, 500))
	env.frame(t)

	if ctx.Current.ID == old {
		t.Fatal("current buffer did not grow")
	}
	if env.dev.Count(trace.OpCopy) != 1 {
		t.Errorf("recorded %d copies, want 1", env.dev.Count(trace.OpCopy))
	}
	if got := env.dev.Uint32s(ctx.Current.ID)[0]; got != 7 {
		t.Errorf("first word after growth = %d, want 7", got)
	}
}

func TestInPlaceFrameKeepsData(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{Stride: 4}, sim.Pass{Name: "update", Kind: sim.PassInPlace})
	p := env.register(t, sim.BeforeViewSetup, ctx)

	p.QueueTick(spawn(ctx, 3))
	env.frame(t)
	if err := env.dev.WriteBuffer(ctx.Current.ID, 0, []byte{7, 0, 0, 0, 8, 0, 0, 0, 9, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	for frame := 0; frame < 2; frame++ {
		env.dev.ResetLog()
		p.QueueTick(spawn(ctx, 0))
		env.frame(t)
		if n := len(env.dispatches(env.program)); n != 1 {
			t.Fatalf("frame %d: %d dispatches, want 1", frame, n)
		}
		got := env.dev.Uint32s(ctx.Current.ID)[:3]
		for i, want := range []uint32{7, 8, 9} {
			if got[i] != want {
				t.Fatalf("frame %d: element %d = %d, want %d", frame, i, got[i], want)
			}
		}
	}
}

func TestKillingSimulationCounts(t *testing.T) {
	env := newTestEnv(t, killFive)
	ctx := env.context(t, sim.ContextConfig{})
	p := env.register(t, sim.AfterOpaquePass, ctx)

	p.QueueTick(spawn(ctx, 50))
	env.frame(t)
	if got := ctx.LiveCount(); got != 50 {
		t.Errorf("LiveCount() = %d, want the CPU estimate 50", got)
	}
	if got := env.gpuCount(ctx); got != 45 {
		t.Errorf("GPU count = %d, want 45", got)
	}
	first := ctx.CountSlot

	// The second frame reads the first frame's slot back.
	p.QueueTick(spawn(ctx, 10))
	env.frame(t)
	if env.d.counts.InUse(first) {
		t.Errorf("slot %d of the first frame is still held", first)
	}
	if ctx.ReadbackSlot != first || ctx.ReadbackCount != 50 {
		t.Errorf("readback of slot %d against %d, want slot %d against 50", ctx.ReadbackSlot, ctx.ReadbackCount, first)
	}
	if err := env.d.FlushAndWait(t.Context()); err != nil {
		t.Fatalf("FlushAndWait: %v", err)
	}

	p.QueueTick(spawn(ctx, 0))
	env.frame(t)
	// 60 estimated, 5 found dead by the readback.
	if got := ctx.LiveCount(); got != 55 {
		t.Errorf("LiveCount() after readback = %d, want 55", got)
	}
	if got := env.d.Stats().CountSlots; got != 1 {
		t.Errorf("CountSlots = %d, want 1", got)
	}
}

// stagingFailDevice fails readback staging allocations while fail is set.
type stagingFailDevice struct {
	*trace.Device
	fail bool
}

var errStaging = errors.New("staging allocation failed")

func (d *stagingFailDevice) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferID, error) {
	if d.fail && strings.HasPrefix(desc.Label, "readback_staging") {
		return gpucore.InvalidID, errStaging
	}
	return d.Device.CreateBuffer(desc)
}

func TestFailedCountReadbackClearsSlot(t *testing.T) {
	base := trace.New(trace.Config{
		Kernels: map[string]trace.Kernel{simulateLabel: trace.ParticleKernel(nil)},
	})
	dev := &stagingFailDevice{Device: base}
	program, err := dev.CreateProgram(&gpucore.ProgramDescriptor{
		Label:       simulateLabel,
		EntryPoint:  "main",
		ThreadGroup: sim.DefaultThreadGroup,
		Bindings:    sim.ProgramBindings(),
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := New(dev)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(d.Close)
	env := &testEnv{dev: base, d: d, program: program}

	ctx := env.context(t, sim.ContextConfig{})
	p := env.register(t, sim.AfterOpaquePass, ctx)
	p.QueueTick(spawn(ctx, 50))
	env.frame(t)

	dev.fail = true
	p.QueueTick(spawn(ctx, 10))
	env.frame(t)
	if ctx.ReadbackSlot != sim.InvalidSlot {
		t.Fatalf("ReadbackSlot = %d after a failed readback, want none", ctx.ReadbackSlot)
	}
	if d.counts.HasPendingReadback() {
		t.Fatal("failed readback left pending")
	}

	dev.fail = false
	p.QueueTick(spawn(ctx, 10))
	env.frame(t)
	if ctx.ReadbackSlot == sim.InvalidSlot || ctx.ReadbackCount != 60 {
		t.Errorf("readback of slot %d against %d, want a slot against 60", ctx.ReadbackSlot, ctx.ReadbackCount)
	}
	if err := d.FlushAndWait(t.Context()); err != nil {
		t.Fatalf("FlushAndWait: %v", err)
	}
}

func TestMultiTickFrameWithReset(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{})
	p := env.register(t, sim.AfterOpaquePass, ctx)

	p.QueueTick(spawn(ctx, 40))
	env.frame(t)
	if got := env.gpuCount(ctx); got != 40 {
		t.Fatalf("GPU count = %d, want 40", got)
	}

	env.dev.ResetLog()
	p.QueueTick(spawn(ctx, 10))
	p.QueueTick(sim.Tick{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 25, Reset: true}}})
	env.frame(t)

	if got := ctx.LiveCount(); got != 25 {
		t.Errorf("LiveCount() = %d, want 25", got)
	}
	if got := env.gpuCount(ctx); got != 25 {
		t.Errorf("GPU count = %d, want 25", got)
	}
	if got := env.d.counts.Used(); got != 1 {
		t.Errorf("Used() = %d, want only the held slot", got)
	}
	dispatches := env.dispatches(env.program)
	if len(dispatches) != 2 {
		t.Fatalf("%d dispatches, want 2", len(dispatches))
	}
	if bound(dispatches[1], sim.BindingSource) != bound(dispatches[0], sim.BindingDestination) {
		t.Error("second tick does not read the first tick's output")
	}
	if got := env.d.Stats().Dispatches; got != 2 {
		t.Errorf("Stats().Dispatches = %d, want 2", got)
	}
}

func TestQueueTickConcurrent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{Capacity: 10000})
	p := env.register(t, sim.AfterOpaquePass, ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 4; j++ {
				p.QueueTick(spawn(ctx, 10))
			}
		}()
	}
	wg.Wait()
	if p.PendingTicks() != 32 {
		t.Fatalf("PendingTicks() = %d, want 32", p.PendingTicks())
	}

	env.frame(t)
	if got := ctx.LiveCount(); got != 320 {
		t.Errorf("LiveCount() = %d, want 320", got)
	}
	if got := env.gpuCount(ctx); got != 320 {
		t.Errorf("GPU count = %d, want 320", got)
	}
	if p.PendingTicks() != 0 {
		t.Errorf("PendingTicks() = %d after the frame", p.PendingTicks())
	}
}

func TestUnregisterDropsPlannedWork(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{})
	p := env.register(t, sim.AfterOpaquePass, ctx)

	p.QueueTick(spawn(ctx, 20))
	env.frame(t)

	p.QueueTick(spawn(ctx, 20))
	p.QueueTick(spawn(ctx, 20))
	if err := env.d.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := env.d.BeforeViewSetup(true); err != nil {
		t.Fatal(err)
	}
	if !env.d.lists[sim.AfterOpaquePass].HasWork() {
		t.Fatal("no work planned for AfterOpaquePass")
	}
	p.QueueTick(spawn(ctx, 20))

	env.d.Unregister(p)

	if p.Registered() || p.PendingTicks() != 0 {
		t.Errorf("Registered() = %v, PendingTicks() = %d after Unregister", p.Registered(), p.PendingTicks())
	}
	if env.d.lists[sim.AfterOpaquePass].HasWork() {
		t.Error("planned work survived Unregister")
	}
	if ctx.LiveCount() != 0 || ctx.CountSlot != sim.InvalidSlot {
		t.Errorf("context not reset: LiveCount() = %d, CountSlot = %d", ctx.LiveCount(), ctx.CountSlot)
	}
	if err := env.d.AfterViewSetup(testViews, true); err != nil {
		t.Fatal(err)
	}
	if err := env.d.AfterOpaquePass(testViews, true); err != nil {
		t.Fatal(err)
	}
	if err := env.d.EndFrame(); err != nil {
		t.Fatal(err)
	}

	stats := env.d.Stats()
	if stats.CountSlots != 0 {
		t.Errorf("CountSlots = %d, want 0", stats.CountSlots)
	}
	if stats.Buffers.LiveBuffers != 0 {
		t.Errorf("pool holds %d live buffers, want 0", stats.Buffers.LiveBuffers)
	}
	if stats.Proxies != 0 {
		t.Errorf("Proxies = %d, want 0", stats.Proxies)
	}
}

func TestProxyIndexAfterUnregister(t *testing.T) {
	env := newTestEnv(t, nil)
	var proxies []*Proxy
	for _, name := range []string{"a", "b", "c"} {
		proxies = append(proxies, env.register(t, sim.AfterViewSetup, env.context(t, sim.ContextConfig{Name: name})))
	}
	other := env.register(t, sim.BeforeViewSetup, env.context(t, sim.ContextConfig{Name: "other"}))
	for i, p := range proxies {
		if got := p.Index(); got != i {
			t.Errorf("%s: Index() = %d, want %d", p.Name(), got, i)
		}
	}
	if got := other.Index(); got != 0 {
		t.Errorf("other: Index() = %d, want 0", got)
	}

	env.d.Unregister(proxies[0])
	tests := []struct {
		p    *Proxy
		want int
	}{
		{proxies[0], -1},
		{proxies[1], 1},
		{proxies[2], 0},
		{other, 0},
	}
	for _, tt := range tests {
		if got := tt.p.Index(); got != tt.want {
			t.Errorf("%s: Index() = %d after Unregister, want %d", tt.p.Name(), got, tt.want)
		}
	}
}

func TestBufferPoolControls(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{})
	p := env.register(t, sim.AfterOpaquePass, ctx)
	p.QueueTick(spawn(ctx, 50))
	env.frame(t)

	// Released buffers return to the pool once a frame is submitted.
	env.d.Unregister(p)
	env.idleFrame(t)
	if got := env.d.Stats().Buffers.IdleBuffers; got == 0 {
		t.Fatal("unregistered simulation left no idle buffers")
	}

	live := env.dev.LiveBuffers()
	env.d.TrimBufferPool()
	if got := env.d.Stats().Buffers.IdleBuffers; got != 0 {
		t.Errorf("IdleBuffers = %d after TrimBufferPool, want 0", got)
	}
	if env.dev.LiveBuffers() >= live {
		t.Errorf("LiveBuffers() = %d after TrimBufferPool, want fewer than %d", env.dev.LiveBuffers(), live)
	}

	if err := env.d.SetBufferPoolBudget(32); err != nil {
		t.Fatalf("SetBufferPoolBudget: %v", err)
	}
	if got := env.d.Stats().Buffers.TotalBytes; got != 32<<20 {
		t.Errorf("TotalBytes = %d, want %d", got, 32<<20)
	}
	env.d.Close()
	if err := env.d.SetBufferPoolBudget(32); !errors.Is(err, ErrClosed) {
		t.Errorf("SetBufferPoolBudget() after Close = %v, want ErrClosed", err)
	}
}

func TestRequirementQueries(t *testing.T) {
	env := newTestEnv(t, nil)
	newProxy := func(req sim.Requirements) *Proxy {
		p, err := NewProxy(ProxyConfig{
			Stage:        sim.AfterOpaquePass,
			Contexts:     []*sim.Context{env.context(t, sim.ContextConfig{})},
			Requirements: req,
		})
		if err != nil {
			t.Fatal(err)
		}
		return p
	}
	depth := newProxy(sim.RequiresDepthBuffer | sim.RequiresEarlyViewData)
	field := newProxy(sim.RequiresDistanceField)
	rays := newProxy(sim.RequiresRayTracingScene)

	env.d.Register(depth)
	env.d.Register(field)
	env.d.Register(rays)

	tests := []struct {
		name string
		got  func() bool
	}{
		{"UsesDistanceFields", env.d.UsesDistanceFields},
		{"RequiresGlobalDistanceField", env.d.RequiresGlobalDistanceField},
		{"RequiresDepthBuffer", env.d.RequiresDepthBuffer},
		{"RequiresEarlyViewData", env.d.RequiresEarlyViewData},
		{"RequiresRayTracingScene", env.d.RequiresRayTracingScene},
	}
	for _, tt := range tests {
		if !tt.got() {
			t.Errorf("%s() = false with a requiring proxy registered", tt.name)
		}
	}

	env.d.Unregister(depth)
	env.d.Unregister(field)
	env.d.Unregister(rays)
	for _, tt := range tests {
		if tt.got() {
			t.Errorf("%s() = true after every proxy was unregistered", tt.name)
		}
	}
}

func TestStatsAfterFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{})
	p := env.register(t, sim.BeforeViewSetup, ctx)
	p.QueueTick(spawn(ctx, 5))
	env.frame(t)

	got := env.d.Stats()
	if got.Frame != 1 || got.Proxies != 1 || got.Dispatches != 1 || got.CountSlots != 1 || got.PendingTicks != 0 {
		t.Errorf("Stats() = %+v", got)
	}
	if env.dev.Submits() != 1 {
		t.Errorf("Submits() = %d, want 1", env.dev.Submits())
	}
}

func TestFreeIDListGrowthWithinFrame(t *testing.T) {
	env := newTestEnv(t, nil)
	early := env.context(t, sim.ContextConfig{Name: "early", Capacity: 8, PersistentIDs: true})
	pe := env.register(t, sim.BeforeViewSetup, early)
	pe.QueueTick(spawn(early, 2))

	// The second stage needs more list entries than the first chunk holds.
	late := make([]*sim.Context, 130)
	for i := range late {
		late[i] = env.context(t, sim.ContextConfig{Name: fmt.Sprintf("late%d", i), Capacity: 8, PersistentIDs: true})
		p := env.register(t, sim.AfterOpaquePass, late[i])
		p.QueueTick(spawn(late[i], 2))
	}
	env.frame(t)

	for _, ctx := range append([]*sim.Context{early}, late...) {
		if got := ctx.LiveCount(); got != 2 {
			t.Fatalf("%s: LiveCount() = %d, want 2", ctx.Name(), got)
		}
	}
	// The replaced list buffer is released once the frame was submitted.
	before := env.dev.LiveBuffers()
	env.frame(t)
	if after := env.dev.LiveBuffers(); after >= before {
		t.Errorf("LiveBuffers() = %d after the next frame, want fewer than %d", after, before)
	}
}

func TestCloseReleasesDeviceMemory(t *testing.T) {
	sorter := &fakeSorter{}
	env := newTestEnv(t, killFive, WithDebugReadback(true), WithSortManager(sorter))
	sorter.dev = env.dev
	ctx := env.context(t, sim.ContextConfig{PersistentIDs: true})
	p := env.register(t, sim.AfterViewSetup, ctx)
	for i := 0; i < 3; i++ {
		p.QueueTick(spawn(ctx, 30))
		if err := env.d.BeginFrame(); err != nil {
			t.Fatal(err)
		}
		if err := env.d.BeforeViewSetup(true); err != nil {
			t.Fatal(err)
		}
		if err := env.d.AddSortedSimulation(SortInfo{Context: ctx}); err != nil {
			t.Fatal(err)
		}
		env.d.RequestInstanceSnapshot(ctx)
		if err := env.d.AfterViewSetup(testViews, true); err != nil {
			t.Fatal(err)
		}
		if err := env.d.AfterOpaquePass(testViews, true); err != nil {
			t.Fatal(err)
		}
		if err := env.d.EndFrame(); err != nil {
			t.Fatal(err)
		}
	}

	env.d.Close()
	sorter.destroy(env.dev)
	if got := env.dev.LiveBuffers(); got != 0 {
		t.Errorf("LiveBuffers() = %d after Close, want 0", got)
	}
	if err := env.d.BeginFrame(); !errors.Is(err, ErrClosed) {
		t.Errorf("BeginFrame() after Close = %v, want ErrClosed", err)
	}
	env.d.Close()
}

type fakeLink struct {
	broadcasts [][]gpucore.BufferID
	waits      int
}

func (l *fakeLink) Broadcast(_ gpucore.Recorder, _ string, buffers []gpucore.BufferID) {
	l.broadcasts = append(l.broadcasts, append([]gpucore.BufferID(nil), buffers...))
}

func (l *fakeLink) Wait(gpucore.Recorder, string) { l.waits++ }

func TestAlternateFrameBroadcast(t *testing.T) {
	link := &fakeLink{}
	env := newTestEnv(t, nil, WithMultiGPU(mgpu.NewAFR(link)))
	ctx := env.context(t, sim.ContextConfig{})
	p := env.register(t, sim.AfterOpaquePass, ctx)

	p.QueueTick(spawn(ctx, 10))
	env.frame(t)

	if link.waits != 1 {
		t.Errorf("waits = %d, want 1", link.waits)
	}
	if len(link.broadcasts) != 1 {
		t.Fatalf("broadcasts = %d, want 1", len(link.broadcasts))
	}
	want := []gpucore.BufferID{ctx.Current.ID, env.d.counts.Buffer()}
	got := link.broadcasts[0]
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("broadcast %v, want %v", got, want)
	}
}
