// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	"testing"

	"github.com/gogpu/particles/backend/trace"
	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/slots"
	"github.com/gogpu/particles/sim"
)

// deviceBuffers backs simulation buffers with device memory.
type deviceBuffers struct {
	dev gpucore.Device
}

func (b *deviceBuffers) AllocateData(ctx *sim.Context, buf *sim.DataBuffer, elements uint32) error {
	if elements == 0 {
		b.ReleaseData(ctx, buf)
		return nil
	}
	if buf.Allocated() && buf.Capacity >= elements {
		return nil
	}
	b.destroy(buf)
	id, err := b.dev.CreateBuffer(&gpucore.BufferDescriptor{
		Label: buf.Label,
		Size:  uint64(elements) * uint64(ctx.Stride()),
		Usage: gpucore.BufferUsageStorage,
	})
	if err != nil {
		return err
	}
	buf.ID, buf.Capacity, buf.State = id, elements, gpucore.StateUndefined
	if ctx.PersistentIDs() {
		tid, err := b.dev.CreateBuffer(&gpucore.BufferDescriptor{
			Label: buf.Label + "/ids",
			Size:  uint64(elements) * 4,
			Usage: gpucore.BufferUsageStorage,
		})
		if err != nil {
			return err
		}
		buf.IDTable, buf.IDTableState = tid, gpucore.StateUndefined
	}
	return nil
}

func (b *deviceBuffers) destroy(buf *sim.DataBuffer) {
	if buf.ID != gpucore.InvalidID {
		b.dev.DestroyBuffer(buf.ID)
	}
	if buf.IDTable != gpucore.InvalidID {
		b.dev.DestroyBuffer(buf.IDTable)
	}
	buf.ID, buf.IDTable = gpucore.InvalidID, gpucore.InvalidID
}

func (b *deviceBuffers) ReleaseData(_ *sim.Context, buf *sim.DataBuffer) {
	b.destroy(buf)
	buf.ClearStorage()
}

func (b *deviceBuffers) AllocateFreeIDs(ctx *sim.Context, elements uint32) error {
	if ctx.FreeIDs != gpucore.InvalidID && ctx.FreeIDCapacity >= elements {
		return nil
	}
	if ctx.FreeIDs != gpucore.InvalidID {
		b.dev.DestroyBuffer(ctx.FreeIDs)
	}
	id, err := b.dev.CreateBuffer(&gpucore.BufferDescriptor{
		Label: ctx.Name() + "/free_ids",
		Size:  uint64(elements) * 4,
		Usage: gpucore.BufferUsageStorage,
	})
	if err != nil {
		return err
	}
	ctx.FreeIDs, ctx.FreeIDCapacity, ctx.FreeIDState = id, elements, gpucore.StateUndefined
	return nil
}

type execEnv struct {
	dev     *trace.Device
	counts  *slots.Allocator
	planner *Planner
	exec    *Executor
	program gpucore.ProgramID
}

func newExecEnv(t *testing.T, survivors trace.Survivors, hooks *sim.HookTable, cfg ExecutorConfig) *execEnv {
	t.Helper()
	dev := trace.New(trace.Config{
		Strict: true,
		Kernels: map[string]trace.Kernel{
			"simulate":         trace.ParticleKernel(survivors),
			FreeIDProgramLabel: trace.FreeIDKernel,
		},
	})
	program, err := dev.CreateProgram(&gpucore.ProgramDescriptor{
		Label:       "simulate",
		EntryPoint:  "main",
		ThreadGroup: sim.DefaultThreadGroup,
		Bindings:    sim.ProgramBindings(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.FreeIDProgram == gpucore.InvalidID {
		if cfg.FreeIDProgram, err = dev.CreateProgram(FreeIDProgram()); err != nil {
			t.Fatal(err)
		}
	}
	counts := slots.New(dev, slots.Config{})
	return &execEnv{
		dev:     dev,
		counts:  counts,
		planner: NewPlanner(counts, &deviceBuffers{dev: dev}, PlannerConfig{}),
		exec:    NewExecutor(dev, hooks, cfg),
		program: program,
	}
}

// context creates a context whose passes default to the env's program.
func (e *execEnv) context(t *testing.T, cfg sim.ContextConfig, passes ...sim.Pass) *sim.Context {
	t.Helper()
	for i := range passes {
		if passes[i].Program == gpucore.InvalidID {
			passes[i].Program = e.program
		}
	}
	cfg.Program = sim.NewProgram(passes...)
	if cfg.Stride == 0 {
		cfg.Stride = 8
	}
	ctx, err := sim.NewContext(cfg)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

// frame plans and executes ticks in one submitted recorder and releases
// the consumed count slots.
func (e *execEnv) frame(t *testing.T, contexts []*sim.Context, ticks []sim.Tick) {
	t.Helper()
	rec, err := e.dev.BeginRecording("frame")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.counts.Resize(rec, uint32(PrepareCounts(ticks))); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	var list StageList
	if _, err := e.planner.PlanProxy(&list, sim.AfterOpaquePass, contexts, ticks, false); err != nil {
		t.Fatalf("PlanProxy: %v", err)
	}
	e.exec.BeginFrame()
	if err := e.exec.Execute(rec, &list, e.counts.Buffer()); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if err := e.dev.Submit(rec); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	e.counts.ReleaseAll(&list.CountsToRelease)
}

func (e *execEnv) gpuCount(ctx *sim.Context) uint32 {
	return e.dev.Uint32s(e.counts.Buffer())[ctx.Current.CountOffset]
}

func TestExecuteKillingPass(t *testing.T) {
	env := newExecEnv(t, func(p sim.DispatchParams) uint32 {
		if p.DestinationNumInstances < 5 {
			return 0
		}
		return p.DestinationNumInstances - 5
	}, nil, ExecutorConfig{})
	ctx := env.context(t, sim.ContextConfig{Name: "fx", Capacity: 1000}, sim.Pass{Name: "update", Kind: sim.PassKilling})

	env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 50}}}})

	if ctx.DataToRender != &ctx.Current || !ctx.Current.Ready {
		t.Fatal("current buffer is not the ready data to render")
	}
	if ctx.ReadView != &ctx.Current {
		t.Error("read view does not point at the current buffer after hand-off")
	}
	if got := ctx.LiveCount(); got != 50 {
		t.Errorf("LiveCount() = %d, want the CPU estimate 50", got)
	}
	if got := env.gpuCount(ctx); got != 45 {
		t.Errorf("GPU count = %d, want 45", got)
	}
	if got := env.exec.Dispatches(); got != 1 {
		t.Errorf("Dispatches() = %d, want 1", got)
	}
	if env.dev.State(env.counts.Buffer()) != slots.DefaultState {
		t.Errorf("count buffer left in %s", env.dev.State(env.counts.Buffer()))
	}
	if env.dev.State(ctx.Current.ID) != gpucore.StateShaderRead {
		t.Errorf("current buffer left in %s", env.dev.State(ctx.Current.ID))
	}

	// Correct the estimate from the GPU count, then tick again.
	ctx.ReadbackSlot, ctx.ReadbackCount = ctx.CountSlot, ctx.NumInstances
	ApplyReadback(env.dev.Uint32s(env.counts.Buffer()), []*sim.Context{ctx})
	if ctx.NumInstances != 45 {
		t.Fatalf("NumInstances after readback = %d, want 45", ctx.NumInstances)
	}
	prevSlot := ctx.CountSlot

	env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 10}}}})
	if got := env.gpuCount(ctx); got != 50 {
		t.Errorf("GPU count = %d, want 50", got)
	}
	if env.counts.InUse(prevSlot) {
		t.Errorf("slot %d of the previous frame is still held", prevSlot)
	}
	if !env.counts.InUse(ctx.CountSlot) {
		t.Errorf("current slot %d is not held", ctx.CountSlot)
	}
}

func TestExecuteInPlaceKeepsBuffer(t *testing.T) {
	env := newExecEnv(t, nil, nil, ExecutorConfig{})
	ctx := env.context(t, sim.ContextConfig{Name: "fx", Capacity: 1000}, sim.Pass{Name: "update", Kind: sim.PassInPlace})
	ctx.NumInstances = 100

	env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 50}}}})

	id := ctx.Current.ID
	if id == gpucore.InvalidID {
		t.Fatal("current buffer not allocated")
	}
	for _, c := range env.dev.Commands() {
		if c.Op != trace.OpDispatch {
			continue
		}
		var src, dst gpucore.BufferID
		for _, b := range c.Bindings {
			switch b.Slot {
			case sim.BindingSource:
				src = b.Buffer
			case sim.BindingDestination:
				dst = b.Buffer
			}
		}
		if dst != id {
			t.Errorf("dispatch writes buffer %d, want current %d", dst, id)
		}
		if src == id {
			t.Error("in-place dispatch binds the current buffer as a separate source")
		}
	}
	if ctx.DataToRender != &ctx.Current || ctx.LiveCount() != 150 {
		t.Errorf("data to render holds %d elements, want 150 in the current buffer", ctx.LiveCount())
	}
}

func TestExecuteMultiTickHandOff(t *testing.T) {
	var views []*sim.DataBuffer
	hooks := sim.NewHookTable()
	hooks.Register(1, sim.Hooks{PreStage: func(hc *sim.HookContext) {
		views = append(views, hc.Context.ReadView)
	}})
	env := newExecEnv(t, nil, hooks, ExecutorConfig{})
	ctx := env.context(t, sim.ContextConfig{
		Name:        "fx",
		Capacity:    64,
		DataSources: []sim.DataSource{{Name: "probe", Kind: 1}},
	}, sim.Pass{Name: "update", Kind: sim.PassKilling})

	ticks := []sim.Tick{
		{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 10}}},
		{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 10}}},
	}
	env.frame(t, []*sim.Context{ctx}, ticks)

	// The second tick observes the first tick's output before the hand-off.
	if len(views) != 2 || views[0] != &ctx.Current || views[1] != &ctx.Rotation[0] {
		t.Errorf("pre-stage saw read views %v", views)
	}
	if ctx.ReadView != &ctx.Current {
		t.Error("read view does not point at the current buffer after hand-off")
	}
	if ctx.DataToRender != &ctx.Current || ctx.LiveCount() != 20 {
		t.Fatalf("data to render holds %d elements, want 20", ctx.LiveCount())
	}
	if got := env.gpuCount(ctx); got != 20 {
		t.Errorf("GPU count = %d, want 20", got)
	}
	if ctx.Original != nil {
		t.Error("Original not cleared after hand-off")
	}
	if env.counts.Used() != 1 {
		t.Errorf("Used() = %d, want only the held slot", env.counts.Used())
	}
}

func mustRecorder(t *testing.T, dev *trace.Device) gpucore.Recorder {
	t.Helper()
	rec, err := dev.BeginRecording("test")
	if err != nil {
		t.Fatal(err)
	}
	return rec
}

func TestExecuteFreeIDRebuild(t *testing.T) {
	env := newExecEnv(t, nil, nil, ExecutorConfig{})
	ctx := env.context(t, sim.ContextConfig{Name: "fx", Capacity: 8, PersistentIDs: true}, sim.Pass{Name: "update", Kind: sim.PassKilling})

	env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 3, MaxSpawnCount: 3}}}})

	if ctx.FreeIDCapacity != 4 {
		t.Fatalf("FreeIDCapacity = %d, want 4", ctx.FreeIDCapacity)
	}
	// The simulation writes no ids, so every id is free.
	sizes := env.dev.Uint32s(env.exec.listSizes)
	if sizes[0] != 4 {
		t.Errorf("free list size = %d, want 4", sizes[0])
	}
	free := env.dev.Uint32s(ctx.FreeIDs)
	for i := uint32(0); i < 4; i++ {
		if free[i] != i {
			t.Errorf("free id %d = %d, want %d", i, free[i], i)
		}
	}
	if env.dev.State(ctx.FreeIDs) != gpucore.StateShaderRead {
		t.Errorf("free ids left in %s", env.dev.State(ctx.FreeIDs))
	}
	if got := env.dev.Count(trace.OpDispatch); got != 2 {
		t.Errorf("dispatches = %d, want simulation and free-id rebuild", got)
	}
}

func TestExecuteSubmitHint(t *testing.T) {
	tests := []struct {
		hint int
		want int
	}{
		{0, 0},
		{2, 2},
		{5, 1},
	}
	for _, tt := range tests {
		env := newExecEnv(t, nil, nil, ExecutorConfig{SubmitHint: tt.hint})
		ctx := env.context(t, sim.ContextConfig{Name: "fx", Capacity: 64}, sim.Pass{Name: "relax", Kind: sim.PassKilling, Iterations: 5})
		env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 8}}}})
		if got := env.dev.Count(trace.OpSubmitHint); got != tt.want {
			t.Errorf("SubmitHint %d: %d hints, want %d", tt.hint, got, tt.want)
		}
	}
}

func TestExecuteHooks(t *testing.T) {
	calls := make(map[string]int)
	count := func(name string) func(*sim.HookContext) {
		return func(*sim.HookContext) { calls[name]++ }
	}
	hooks := sim.NewHookTable()
	hooks.Register(3, sim.Hooks{
		ResetData:         count("reset"),
		PreStage:          count("pre"),
		PostStage:         count("post"),
		PostSimulate:      count("simulate"),
		FinalizePreStage:  func(gpucore.Recorder, any) { calls["finalize pre"]++ },
		FinalizePostStage: func(gpucore.Recorder, any) { calls["finalize post"]++ },
	})
	env := newExecEnv(t, nil, hooks, ExecutorConfig{})
	ctx := env.context(t, sim.ContextConfig{
		Name:        "fx",
		Capacity:    64,
		DataSources: []sim.DataSource{{Name: "grid", Kind: 3}, {Name: "unhooked", Kind: 9}},
	}, sim.Pass{Name: "spawn", Kind: sim.PassKilling}, sim.Pass{Name: "update", Kind: sim.PassKilling})

	env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 4, Reset: true}}}})

	want := map[string]int{
		"reset":         1,
		"pre":           2,
		"post":          2,
		"simulate":      1,
		"finalize pre":  2,
		"finalize post": 2,
	}
	for name, n := range want {
		if calls[name] != n {
			t.Errorf("%s hook called %d times, want %d", name, calls[name], n)
		}
	}
}

func TestExecuteIterationSource(t *testing.T) {
	tests := []struct {
		name       string
		count      gpucore.Dim3
		wantGroups gpucore.Dim3
	}{
		{"grid", gpucore.Dim3{X: 16, Y: 16, Z: 1}, gpucore.Dim3{X: 2, Y: 2, Z: 1}},
		{"empty", gpucore.Dim3{}, gpucore.Dim3{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hooks := sim.NewHookTable()
			hooks.Register(5, sim.Hooks{ElementCount: func(any) gpucore.Dim3 { return tt.count }})
			env := newExecEnv(t, nil, hooks, ExecutorConfig{})
			ctx := env.context(t, sim.ContextConfig{
				Name:        "fx",
				Capacity:    64,
				DataSources: []sim.DataSource{{Name: "grid", Kind: 5}},
			}, sim.Pass{
				Name:            "grid update",
				Kind:            sim.PassReadOnly,
				ThreadGroup:     gpucore.Dim3{X: 8, Y: 8, Z: 1},
				Dims:            sim.DispatchTwoD,
				IterationSource: "grid",
			})

			env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx}}}})

			var dispatches []trace.Command
			for _, c := range env.dev.Commands() {
				if c.Op == trace.OpDispatch && c.Program == env.program {
					dispatches = append(dispatches, c)
				}
			}
			if tt.wantGroups.IsZero() {
				if len(dispatches) != 0 {
					t.Errorf("recorded %d dispatches for an empty source", len(dispatches))
				}
				return
			}
			if len(dispatches) != 1 {
				t.Fatalf("recorded %d dispatches, want 1", len(dispatches))
			}
			if dispatches[0].Groups != tt.wantGroups {
				t.Errorf("Groups = %s, want %s", dispatches[0].Groups, tt.wantGroups)
			}
		})
	}
}

func TestExecuteIDTableInitialized(t *testing.T) {
	env := newExecEnv(t, nil, nil, ExecutorConfig{})
	ctx := env.context(t, sim.ContextConfig{Name: "fx", Capacity: 8, PersistentIDs: true}, sim.Pass{Name: "update", Kind: sim.PassKilling})
	env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 2, MaxSpawnCount: 2}}}})

	for i, v := range env.dev.Uint32s(ctx.Current.IDTable) {
		if v != invalidIndex {
			t.Errorf("id table entry %d = %#x, want invalid", i, v)
		}
	}
}

func TestExecuteEmptyList(t *testing.T) {
	env := newExecEnv(t, nil, nil, ExecutorConfig{})
	rec := mustRecorder(t, env.dev)
	var list StageList
	if err := env.exec.Execute(rec, &list, gpucore.InvalidID); err != nil {
		t.Errorf("Execute(empty) = %v", err)
	}
	if err := env.dev.Submit(rec); err != nil {
		t.Fatal(err)
	}
	if n := len(env.dev.Commands()); n != 0 {
		t.Errorf("empty list recorded %d commands", n)
	}
}

func TestExecutorClose(t *testing.T) {
	env := newExecEnv(t, nil, nil, ExecutorConfig{})
	ctx := env.context(t, sim.ContextConfig{Name: "fx", Capacity: 8, PersistentIDs: true}, sim.Pass{Name: "update", Kind: sim.PassKilling})
	env.frame(t, []*sim.Context{ctx}, []sim.Tick{{Instances: []sim.TickInstance{{Context: ctx, SpawnCount: 2}}}})

	before := env.dev.LiveBuffers()
	env.exec.Close()
	if got := env.dev.LiveBuffers(); got != before-4 {
		t.Errorf("LiveBuffers() = %d after Close, want %d", got, before-4)
	}
}

func TestExecuteStagesShareParamBlocks(t *testing.T) {
	env := newExecEnv(t, nil, nil, ExecutorConfig{})
	a := env.context(t, sim.ContextConfig{Name: "a", Capacity: 64}, sim.Pass{Name: "update", Kind: sim.PassKilling})
	b := env.context(t, sim.ContextConfig{Name: "b", Capacity: 64}, sim.Pass{Name: "update", Kind: sim.PassKilling})
	tickA := []sim.Tick{{Instances: []sim.TickInstance{{Context: a, SpawnCount: 4}}}}
	tickB := []sim.Tick{{Instances: []sim.TickInstance{{Context: b, SpawnCount: 6}}}}

	rec := mustRecorder(t, env.dev)
	if err := env.counts.Resize(rec, uint32(PrepareCounts(tickA)+PrepareCounts(tickB))); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	var early, late StageList
	if _, err := env.planner.PlanProxy(&early, sim.BeforeViewSetup, []*sim.Context{a}, tickA, false); err != nil {
		t.Fatalf("PlanProxy: %v", err)
	}
	if _, err := env.planner.PlanProxy(&late, sim.AfterOpaquePass, []*sim.Context{b}, tickB, false); err != nil {
		t.Fatalf("PlanProxy: %v", err)
	}
	env.exec.BeginFrame()
	if err := env.exec.Execute(rec, &early, env.counts.Buffer()); err != nil {
		t.Fatalf("Execute(early): %v", err)
	}
	if err := env.exec.Execute(rec, &late, env.counts.Buffer()); err != nil {
		t.Fatalf("Execute(late): %v", err)
	}
	if err := env.dev.Submit(rec); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	type block struct {
		buf    gpucore.BufferID
		offset uint64
	}
	seen := make(map[block]bool)
	for _, c := range env.dev.Commands() {
		if c.Op != trace.OpDispatch || c.Program != env.program {
			continue
		}
		for _, bnd := range c.Bindings {
			if bnd.Slot != sim.BindingParams {
				continue
			}
			k := block{bnd.Buffer, bnd.Offset}
			if seen[k] {
				t.Errorf("parameter block %v bound by two dispatches", k)
			}
			seen[k] = true
		}
	}
	if len(seen) != 2 {
		t.Errorf("recorded %d parameter blocks, want 2", len(seen))
	}
	if got := env.gpuCount(a); got != 4 {
		t.Errorf("GPU count of a = %d, want 4", got)
	}
	if got := env.gpuCount(b); got != 6 {
		t.Errorf("GPU count of b = %d, want 6", got)
	}
}
