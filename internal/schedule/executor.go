// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/slots"
	"github.com/gogpu/particles/sim"
)

// freeIDListChunk is the growth step, in entries, of the free-id list-size
// buffer.
const freeIDListChunk = 128

// invalidIndex fills id→index tables before a rebuild.
const invalidIndex = 0xFFFFFFFF

// ExecutorConfig configures an Executor.
type ExecutorConfig struct {
	// SubmitHint asks the recorder to flush every SubmitHint dispatches.
	// Zero disables hints.
	SubmitHint int

	// FreeIDProgram rebuilds free-id lists from id→index tables. When
	// invalid, free-id rebuilds are skipped.
	FreeIDProgram gpucore.ProgramID

	// OnRenderData is called for every context whose data to render was
	// produced, right after the hand-off.
	OnRenderData func(ctx *sim.Context)
}

// Executor records planned stage lists.
//
// Executor is not safe for concurrent use.
type Executor struct {
	dev   gpucore.Device
	hooks *sim.HookTable
	cfg   ExecutorConfig

	tickCounter uint32
	dispatches  int

	params      gpucore.BufferID
	paramsCap   int
	paramsUsed  int
	retired     []gpucore.BufferID
	dummyRead   gpucore.BufferID
	dummyWrite  gpucore.BufferID
	listSizes   gpucore.BufferID
	listCap     uint32
	listState   gpucore.ResourceState
	finalizeBuf []*sim.DataSource
}

// NewExecutor creates an executor recording through dev's recorders.
// hooks may be nil when no data source has hooks.
func NewExecutor(dev gpucore.Device, hooks *sim.HookTable, cfg ExecutorConfig) *Executor {
	return &Executor{dev: dev, hooks: hooks, cfg: cfg}
}

// BeginFrame resets per-frame counters. Everything recorded since the
// previous BeginFrame must have been submitted: parameter blocks are
// reused from the start.
func (e *Executor) BeginFrame() {
	e.dispatches = 0
	e.paramsUsed = 0
	for _, id := range e.retired {
		e.dev.DestroyBuffer(id)
	}
	e.retired = e.retired[:0]
}

// Dispatches returns the number of dispatches recorded this frame.
func (e *Executor) Dispatches() int { return e.dispatches }

// Execute records every group of list in order and clears the groups.
// Count slots in list.CountsToRelease stay pending; the caller releases
// them once the frame's stages are done.
func (e *Executor) Execute(rec gpucore.Recorder, list *StageList, counts gpucore.BufferID) error {
	if !list.HasWork() {
		return nil
	}
	if err := e.prepare(list); err != nil {
		return err
	}

	for gi := range list.Groups {
		e.executeGroup(rec, &list.Groups[gi], gi == 0, gi == len(list.Groups)-1, counts)
	}

	slogger().Debug("schedule: stage executed",
		slog.Int("groups", len(list.Groups)),
		slog.Int("dispatches", e.dispatches))
	list.ClearGroups()
	return nil
}

// prepare makes room for one parameter block per dispatch and creates the
// dummy bindings. Blocks of earlier stages of the frame stay untouched; a
// buffer that is too small is retired until the next BeginFrame.
func (e *Executor) prepare(list *StageList) error {
	need := list.NumDispatches()
	for i := range list.Groups {
		need += len(list.Groups[i].FreeIDUpdates)
	}
	if e.paramsUsed+need > e.paramsCap {
		if e.params != gpucore.InvalidID {
			e.retired = append(e.retired, e.params)
		}
		e.paramsUsed = 0
		capacity := max(need, 2*e.paramsCap)
		id, err := e.dev.CreateBuffer(&gpucore.BufferDescriptor{
			Label: "dispatch_params",
			Size:  uint64(capacity) * sim.DispatchParamsAlignment,
			Usage: gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst,
		})
		if err != nil {
			e.params, e.paramsCap = gpucore.InvalidID, 0
			return fmt.Errorf("schedule: create dispatch params: %w", err)
		}
		e.params, e.paramsCap = id, capacity
	}
	if e.dummyRead == gpucore.InvalidID {
		id, err := e.dev.CreateBuffer(&gpucore.BufferDescriptor{Label: "dummy_read", Size: 16, Usage: gpucore.BufferUsageStorage})
		if err != nil {
			return fmt.Errorf("schedule: create dummy buffer: %w", err)
		}
		e.dummyRead = id
	}
	if e.dummyWrite == gpucore.InvalidID {
		id, err := e.dev.CreateBuffer(&gpucore.BufferDescriptor{Label: "dummy_write", Size: 16, Usage: gpucore.BufferUsageStorage})
		if err != nil {
			return fmt.Errorf("schedule: create dummy buffer: %w", err)
		}
		e.dummyWrite = id
	}
	return nil
}

func (e *Executor) executeGroup(rec gpucore.Recorder, g *DispatchGroup, first, last bool, counts gpucore.BufferID) {
	var before, after []gpucore.Transition
	var idInit []*sim.DataBuffer

	for i := range g.Instances {
		d := &g.Instances[i]
		dst := d.Destination
		if dst == nil || !dst.Allocated() {
			continue
		}
		before = append(before, gpucore.Transition{Buffer: dst.ID, Before: dst.State, After: gpucore.StateShaderWrite})
		after = append(after, gpucore.Transition{Buffer: dst.ID, Before: gpucore.StateShaderWrite, After: gpucore.StateShaderRead})
		dst.State = gpucore.StateShaderRead

		if d.Context().PersistentIDs() && dst.IDTable != gpucore.InvalidID {
			idInit = append(idInit, dst)
			before = append(before, gpucore.Transition{Buffer: dst.IDTable, Before: dst.IDTableState, After: gpucore.StateShaderWrite})
			after = append(after, gpucore.Transition{Buffer: dst.IDTable, Before: gpucore.StateShaderWrite, After: gpucore.StateShaderRead})
			dst.IDTableState = gpucore.StateShaderRead
		}
	}

	countBefore := gpucore.StateShaderWrite
	if first {
		countBefore = slots.DefaultState
	}
	before = append(before, gpucore.Transition{Buffer: counts, Before: countBefore, After: gpucore.StateShaderWrite})
	if last {
		after = append(after, gpucore.Transition{Buffer: counts, Before: gpucore.StateShaderWrite, After: slots.DefaultState})
	}
	for _, ctx := range g.FreeIDUpdates {
		if ctx.FreeIDs == gpucore.InvalidID {
			continue
		}
		after = append(after, gpucore.Transition{Buffer: ctx.FreeIDs, Before: ctx.FreeIDState, After: gpucore.StateShaderWrite})
		ctx.FreeIDState = gpucore.StateShaderWrite
	}

	rec.Transition(before...)

	if len(idInit) > 0 {
		barriers := make([]gpucore.Transition, 0, len(idInit))
		for _, b := range idInit {
			rec.FillBuffer(b.IDTable, 0, 0, invalidIndex)
			barriers = append(barriers, gpucore.Transition{Buffer: b.IDTable, Before: gpucore.StateShaderWrite, After: gpucore.StateShaderWrite})
		}
		rec.Transition(barriers...)
	}

	// Pre-stage hooks, then one finalize per distinct data source.
	e.finalizeBuf = e.finalizeBuf[:0]
	for i := range g.Instances {
		e.runHooks(rec, &g.Instances[i], hookPreStage)
	}
	e.finalize(rec, true)

	rec.BeginOverlap(counts)
	for i := range g.Instances {
		d := &g.Instances[i]
		e.tickCounter++
		if d.Instance.Reset && d.Flags.Has(FlagFirstStage) {
			e.runHooks(rec, d, hookResetData)
		}
		e.dispatch(rec, d, counts)
	}
	rec.EndOverlap(counts)

	e.finalizeBuf = e.finalizeBuf[:0]
	for i := range g.Instances {
		d := &g.Instances[i]
		e.runHooks(rec, d, hookPostStage)
		if d.Flags.Has(FlagLastStage) {
			e.runHooks(rec, d, hookPostSimulate)
			e.handOff(d)
		}
	}
	e.finalize(rec, false)

	rec.Transition(after...)

	if len(g.FreeIDUpdates) > 0 {
		e.updateFreeIDs(rec, g.FreeIDUpdates)
	}
}

// handOff publishes the output of a context's last dispatch of a tick.
func (e *Executor) handOff(d *DispatchInstance) {
	ctx := d.Context()
	final := d.Output()
	if final == nil {
		return
	}
	if !d.Flags.Has(FlagSetDataToRender) {
		// Intermediate tick: readers of the context see the scratch output
		// until the final tick swaps it into Current.
		ctx.ReadView = final
		return
	}

	cur := ctx.Original
	if cur == nil {
		cur = &ctx.Current
	}
	ctx.Original = nil
	if cur != final {
		cur.SwapStorage(final)
	}
	cur.Ready = true
	cur.ReadyStage = sim.FirstTickStage
	ctx.ReadView = cur
	ctx.TranslucentDataToRender = nil
	ctx.DataToRender = cur
	if e.cfg.OnRenderData != nil {
		e.cfg.OnRenderData(ctx)
	}
}

// dispatch records one pass iteration.
func (e *Executor) dispatch(rec gpucore.Recorder, d *DispatchInstance, counts gpucore.BufferID) {
	ctx := d.Context()
	pass := d.Pass()

	if src := d.Source; src != nil {
		src.NumInstances = d.SourceNumInstances
		src.CountOffset = d.SourceCountOffset
	}
	var spawned uint32
	if dst := d.Destination; dst != nil {
		dst.NumInstances = d.DestinationNumInstances
		dst.CountOffset = d.DestinationCountOffset
		if d.Flags.Has(FlagFirstStage) && d.DestinationNumInstances >= d.SourceNumInstances {
			spawned = d.DestinationNumInstances - d.SourceNumInstances
		}
		dst.NumSpawned = spawned
	}

	dims := pass.Dims
	threads := pass.ThreadShape()
	var count gpucore.Dim3
	iterationSource := false
	if pass.IterationSource != "" {
		n, ok := e.elementCount(ctx, pass.IterationSource)
		if !ok {
			slogger().Warn("schedule: iteration source has no element count",
				slog.String("context", ctx.Name()),
				slog.String("pass", pass.Name),
				slog.String("source", pass.IterationSource))
			return
		}
		count = flattenCount(n, dims, ctx.Name()+"/"+pass.Name)
		iterationSource = true
	} else {
		dims = sim.DispatchOneD
		count = gpucore.D1(d.DestinationNumInstances)
	}
	if pass.ElementCount != 0 {
		count = gpucore.D1(pass.ElementCount)
	}
	if count.Volume() == 0 {
		return
	}

	grid := ComputeGrid(count, threads, dims, e.dev.Limits().MaxThreadGroupCountPerDimension)

	params := sim.DispatchParams{
		SourceCountOffset:       d.SourceCountOffset,
		DestinationCountOffset:  d.DestinationCountOffset,
		SourceNumInstances:      d.SourceNumInstances,
		DestinationNumInstances: d.DestinationNumInstances,
		NumSpawned:              spawned,
		TickCounter:             e.tickCounter,
		Iteration:               uint32(d.Iteration),           //nolint:gosec // G115: iteration counts are small
		NumIterations:           uint32(pass.NumIterations()), //nolint:gosec // G115: iteration counts are small
		Stride:                  ctx.Stride() / 4,
		Bounds:                  grid.Bounds,
		ListIndex:               sim.InvalidSlot,
	}
	if d.Instance.Reset {
		params.SimStart = 1
	}
	if d.Source != nil && d.Source == d.Destination {
		params.Flags |= sim.ParamsInPlace
	}
	if iterationSource {
		params.SourceCountOffset = sim.InvalidSlot
		params.DestinationCountOffset = sim.InvalidSlot
	}
	if dst := d.Destination; dst != nil {
		params.Capacity = dst.Capacity
	}

	bindings := e.bindings(ctx, d.Source, d.Destination, counts)
	if !e.writeParams(&params, bindings) {
		return
	}
	rec.Dispatch(pass.Program, bindings, grid.Groups)
	e.countDispatch(rec)
}

func (e *Executor) countDispatch(rec gpucore.Recorder) {
	e.dispatches++
	if e.cfg.SubmitHint > 0 && e.dispatches%e.cfg.SubmitHint == 0 {
		rec.SubmitHint()
	}
}

func (e *Executor) elementCount(ctx *sim.Context, source string) (gpucore.Dim3, bool) {
	ds, ok := ctx.DataSource(source)
	if !ok {
		return gpucore.Dim3{}, false
	}
	h, ok := e.hooks.Lookup(ds.Kind)
	if !ok || h.ElementCount == nil {
		return gpucore.Dim3{}, false
	}
	return h.ElementCount(ds.State), true
}

// bindings builds the standard binding set; missing resources are bound
// to dummy buffers.
func (e *Executor) bindings(ctx *sim.Context, src, dst *sim.DataBuffer, counts gpucore.BufferID) []gpucore.Binding {
	b := []gpucore.Binding{
		{Slot: sim.BindingSource, Buffer: e.dummyRead},
		{Slot: sim.BindingDestination, Buffer: e.dummyWrite},
		{Slot: sim.BindingCounts, Buffer: counts},
		{Slot: sim.BindingIDTable, Buffer: e.dummyWrite},
		{Slot: sim.BindingFreeIDs, Buffer: e.dummyRead},
		{Slot: sim.BindingParams, Size: sim.DispatchParamsSize},
	}
	// In-place passes read and write the destination binding only.
	if src != nil && src != dst && src.Allocated() && src.Capacity > 0 {
		b[sim.BindingSource].Buffer = src.ID
	}
	if dst != nil && dst.Allocated() {
		b[sim.BindingDestination].Buffer = dst.ID
		if dst.IDTable != gpucore.InvalidID {
			b[sim.BindingIDTable].Buffer = dst.IDTable
		}
	}
	if ctx.PersistentIDs() && ctx.FreeIDs != gpucore.InvalidID {
		b[sim.BindingFreeIDs].Buffer = ctx.FreeIDs
	}
	return b
}

// writeParams uploads params into the next block and points the params
// binding at it.
func (e *Executor) writeParams(params *sim.DispatchParams, bindings []gpucore.Binding) bool {
	if e.paramsUsed >= e.paramsCap {
		slogger().Warn("schedule: dispatch params exhausted", slog.Int("capacity", e.paramsCap))
		return false
	}
	offset := uint64(e.paramsUsed) * sim.DispatchParamsAlignment
	if err := e.dev.WriteBuffer(e.params, offset, params.Encode()); err != nil {
		slogger().Warn("schedule: write dispatch params", slog.String("err", err.Error()))
		return false
	}
	e.paramsUsed++
	bindings[sim.BindingParams].Buffer = e.params
	bindings[sim.BindingParams].Offset = offset
	return true
}

// updateFreeIDs rebuilds the free-id list of every context from the
// id→index table of its read view.
func (e *Executor) updateFreeIDs(rec gpucore.Recorder, contexts []*sim.Context) {
	if e.cfg.FreeIDProgram == gpucore.InvalidID {
		return
	}
	if err := e.ensureListSizes(uint32(len(contexts))); err != nil { //nolint:gosec // G115: bounded by registered contexts
		slogger().Warn("schedule: free id list sizes", slog.String("err", err.Error()))
		return
	}

	rec.Transition(gpucore.Transition{Buffer: e.listSizes, Before: e.listState, After: gpucore.StateShaderWrite})
	e.listState = gpucore.StateShaderWrite
	rec.FillBuffer(e.listSizes, 0, uint64(len(contexts))*4, 0)

	for i, ctx := range contexts {
		view := ctx.ReadView
		if view == nil || view.IDTable == gpucore.InvalidID || ctx.FreeIDs == gpucore.InvalidID {
			continue
		}
		bindings := []gpucore.Binding{
			{Slot: sim.BindingSource, Buffer: view.IDTable},
			{Slot: sim.BindingDestination, Buffer: ctx.FreeIDs},
			{Slot: sim.BindingCounts, Buffer: e.listSizes},
			{Slot: sim.BindingIDTable, Buffer: e.dummyWrite},
			{Slot: sim.BindingFreeIDs, Buffer: e.dummyRead},
			{Slot: sim.BindingParams, Size: sim.DispatchParamsSize},
		}
		params := sim.DispatchParams{
			SourceCountOffset:      sim.InvalidSlot,
			DestinationCountOffset: sim.InvalidSlot,
			Capacity:               ctx.FreeIDCapacity,
			Bounds:                 gpucore.D1(ctx.FreeIDCapacity),
			ListIndex:              uint32(i), //nolint:gosec // G115: bounded by registered contexts
		}
		if !e.writeParams(&params, bindings) {
			continue
		}
		grid := ComputeGrid(gpucore.D1(ctx.FreeIDCapacity), sim.DefaultThreadGroup, sim.DispatchOneD,
			e.dev.Limits().MaxThreadGroupCountPerDimension)
		rec.Dispatch(e.cfg.FreeIDProgram, bindings, grid.Groups)
		e.countDispatch(rec)
	}
	var done []gpucore.Transition
	for _, ctx := range contexts {
		if ctx.FreeIDs == gpucore.InvalidID || ctx.FreeIDState != gpucore.StateShaderWrite {
			continue
		}
		done = append(done, gpucore.Transition{Buffer: ctx.FreeIDs, Before: gpucore.StateShaderWrite, After: gpucore.StateShaderRead})
		ctx.FreeIDState = gpucore.StateShaderRead
	}
	rec.Transition(done...)
}

func (e *Executor) ensureListSizes(n uint32) error {
	if n <= e.listCap && e.listSizes != gpucore.InvalidID {
		return nil
	}
	capacity := (n + freeIDListChunk - 1) / freeIDListChunk * freeIDListChunk
	id, err := e.dev.CreateBuffer(&gpucore.BufferDescriptor{
		Label: "free_id_list_sizes",
		Size:  uint64(capacity) * 4,
		Usage: gpucore.BufferUsageStorage | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		return err
	}
	// Earlier groups of the open frame may still bind the old buffer.
	if e.listSizes != gpucore.InvalidID {
		e.retired = append(e.retired, e.listSizes)
	}
	e.listSizes, e.listCap, e.listState = id, capacity, gpucore.StateUndefined
	return nil
}

// Close destroys the executor's internal buffers.
func (e *Executor) Close() {
	for _, id := range append(e.retired, e.params, e.dummyRead, e.dummyWrite, e.listSizes) {
		if id != gpucore.InvalidID {
			e.dev.DestroyBuffer(id)
		}
	}
	e.params, e.dummyRead, e.dummyWrite, e.listSizes = 0, 0, 0, 0
	e.paramsCap, e.listCap = 0, 0
	e.retired = nil
}
