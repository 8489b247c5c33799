// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/particles/sim"
)

// ErrCountsExhausted is returned when the count allocator has no free slot
// for a killing pass. The allocator was resized with too little headroom.
var ErrCountsExhausted = errors.New("schedule: instance count slots exhausted")

// CountAllocator hands out instance-count slots during planning.
type CountAllocator interface {
	// Acquire returns a free slot or sim.InvalidSlot.
	Acquire() uint32
}

// BufferAllocator sizes the GPU storage behind simulation buffers.
type BufferAllocator interface {
	// AllocateData makes buf hold at least elements elements of ctx's
	// stride, keeping its storage when already large enough. Zero elements
	// releases the storage.
	AllocateData(ctx *sim.Context, buf *sim.DataBuffer, elements uint32) error

	// ReleaseData releases buf's storage.
	ReleaseData(ctx *sim.Context, buf *sim.DataBuffer)

	// AllocateFreeIDs sizes ctx's free-id list.
	AllocateFreeIDs(ctx *sim.Context, elements uint32) error
}

// PlannerConfig configures a Planner.
type PlannerConfig struct {
	// FreeBufferEarly sizes buffers to the live peak only, ignoring the
	// spawn-info maximum, and drops storage entirely when the peak is zero.
	FreeBufferEarly bool

	// LowLatencyTranslucency exposes this frame's output of AfterOpaquePass
	// contexts as translucent data to render right after planning.
	// Contexts created with sim.ContextConfig.LowLatencyTranslucency opt in
	// individually.
	LowLatencyTranslucency bool
}

// Planner builds StageLists from queued ticks.
type Planner struct {
	counts  CountAllocator
	buffers BufferAllocator
	cfg     PlannerConfig
}

// NewPlanner creates a planner.
func NewPlanner(counts CountAllocator, buffers BufferAllocator, cfg PlannerConfig) *Planner {
	return &Planner{counts: counts, buffers: buffers, cfg: cfg}
}

// PrepareCounts returns the number of dispatches the ticks need, which
// bounds the count slots planning can acquire, and forgets the pending
// readback of every context that is reset, since its count is void.
func PrepareCounts(ticks []sim.Tick) int {
	total := 0
	for ti := range ticks {
		total += ticks[ti].TotalDispatches()
		for ii := range ticks[ti].Instances {
			inst := &ticks[ti].Instances[ii]
			if inst.Reset && inst.Context != nil {
				inst.Context.ReadbackSlot = sim.InvalidSlot
			}
		}
	}
	return total
}

// ApplyReadback corrects the CPU live count of every context whose count
// slot was captured by the completed readback. Elements the GPU killed
// since the capture are subtracted.
func ApplyReadback(counts []uint32, contexts []*sim.Context) {
	for _, ctx := range contexts {
		if ctx.ReadbackSlot == sim.InvalidSlot {
			continue
		}
		if int(ctx.ReadbackSlot) < len(counts) {
			dead := ctx.ReadbackCount - counts[ctx.ReadbackSlot]
			if dead <= ctx.NumInstances {
				ctx.NumInstances -= dead
			}
			slogger().Debug("schedule: readback applied",
				slog.String("context", ctx.Name()),
				slog.Uint64("dead", uint64(dead)),
				slog.Uint64("live", uint64(ctx.NumInstances)))
		}
		ctx.ReadbackSlot = sim.InvalidSlot
	}
}

// PlanProxy appends the work of one proxy's queued ticks to list.
//
// Contexts are the proxy's simulation contexts; ticks its pending ticks in
// submission order. The last tick is marked final. enqueueReadback allows
// recording a count readback for contexts ticking on the final tick; the
// return value reports whether any context requested one.
func (p *Planner) PlanProxy(list *StageList, stage sim.TickStage, contexts []*sim.Context, ticks []sim.Tick, enqueueReadback bool) (bool, error) {
	for _, ctx := range contexts {
		ctx.BeginFrame()
	}
	if len(ticks) == 0 {
		return false, nil
	}

	ticks[len(ticks)-1].Final = true
	list.Ticks = append(list.Ticks, ticks)

	requiresReadback := false
	tickStart := 0

	for ti := range ticks {
		tick := &ticks[ti]
		instStart, instCurr := tickStart, tickStart
		hasFreeIDUpdates := false

		for ii := range tick.Instances {
			inst := &tick.Instances[ii]
			ctx := inst.Context

			if inst.Reset {
				ctx.NumInstances = 0
				if ctx.CountSlot != sim.InvalidSlot {
					list.CountsToRelease = append(list.CountsToRelease, ctx.CountSlot)
					ctx.CountSlot = sim.InvalidSlot
				}
			}

			if !ctx.Program().Ready() || ctx.SkipsStage(stage) {
				continue
			}
			total := inst.TotalDispatches()
			if total == 0 {
				continue
			}

			// Dependent instances continue after the previous instance
			// instead of restarting at the tick's first group.
			if inst.StartNewGroup {
				instStart = instCurr
			}
			instCurr = instStart
			list.preallocate(instCurr + total)

			prev := ctx.NumInstances
			num := uint64(prev) + uint64(inst.SpawnCount) + uint64(inst.EventSpawnCount)
			if num > uint64(ctx.Capacity()) {
				num = uint64(ctx.Capacity())
			}
			ctx.NumInstances = uint32(num) //nolint:gosec // G115: clamped to capacity
			ctx.MaxInstances = max(ctx.MaxInstances, ctx.NumInstances)
			if !p.cfg.FreeBufferEarly || ctx.MaxInstances > 0 {
				ctx.MaxAllocate = max(ctx.MaxAllocate, ctx.MaxInstances, inst.MaxSpawnCount)
			} else {
				ctx.MaxAllocate = max(ctx.MaxAllocate, ctx.MaxInstances)
			}
			hasFreeIDUpdates = hasFreeIDUpdates || ctx.PersistentIDs()

			first := true
			passes := ctx.Program().Passes()
			for pi := range passes {
				pass := &passes[pi]
				if !pass.ShouldRun(inst) {
					continue
				}
				for it := 0; it < pass.NumIterations(); it++ {
					g := &list.Groups[instCurr]
					instCurr++
					g.Instances = append(g.Instances, DispatchInstance{
						Tick:      tick,
						Instance:  inst,
						PassIndex: pi,
						Iteration: it,
					})
					d := &g.Instances[len(g.Instances)-1]
					if first {
						d.Flags |= FlagFirstStage
						first = false
					}

					source := &ctx.Current
					if ctx.HasTicked {
						source = ctx.PrevBuffer()
					}

					switch pass.Kind {
					case sim.PassReadOnly:
						d.Source = source
						d.SourceCountOffset = ctx.CountSlot
						d.SourceNumInstances = ctx.NumInstances
						d.DestinationCountOffset = ctx.CountSlot
						d.DestinationNumInstances = ctx.NumInstances
					case sim.PassInPlace:
						d.Source = source
						d.SourceCountOffset = ctx.CountSlot
						d.SourceNumInstances = ctx.NumInstances
						d.Destination = source
						d.DestinationCountOffset = ctx.CountSlot
						d.DestinationNumInstances = ctx.NumInstances
					default:
						d.Source = source
						d.SourceCountOffset = ctx.CountSlot
						d.SourceNumInstances = ctx.NumInstances
						if pi == 0 && it == 0 {
							d.SourceNumInstances = prev
						}
						slot := p.counts.Acquire()
						if slot == sim.InvalidSlot {
							return requiresReadback, fmt.Errorf("%w: context %s pass %q", ErrCountsExhausted, ctx.Name(), pass.Name)
						}
						d.Destination = ctx.NextBuffer()
						d.DestinationCountOffset = slot
						d.DestinationNumInstances = ctx.NumInstances

						ctx.AdvanceBuffer()
						ctx.CountSlot = slot
						ctx.HasTicked = true

						if d.SourceCountOffset != sim.InvalidSlot {
							if enqueueReadback && tick.Final && ctx.ReadbackSlot == sim.InvalidSlot {
								requiresReadback = true
								ctx.ReadbackCount = d.SourceNumInstances
								ctx.ReadbackSlot = d.SourceCountOffset
							}
							list.CountsToRelease = append(list.CountsToRelease, d.SourceCountOffset)
						}
					}
				}
			}

			final := &list.Groups[instCurr-1]
			final.Instances[len(final.Instances)-1].Flags |= FlagLastStage
			ctx.FinalGroup = instCurr - 1
			ctx.FinalInstance = len(final.Instances) - 1

			tickStart = max(tickStart, instCurr)
		}

		// Free-id lists are rebuilt at the end of the tick because spawned
		// elements of the next tick read them.
		if hasFreeIDUpdates {
			final := &list.Groups[instCurr-1]
			for ii := range tick.Instances {
				ctx := tick.Instances[ii].Context
				if ctx.Program().Ready() && ctx.PersistentIDs() {
					final.FreeIDUpdates = append(final.FreeIDUpdates, ctx)
				}
			}
		}
	}

	for _, ctx := range contexts {
		if ctx.FinalGroup < 0 {
			continue
		}
		if err := p.finishContext(list, stage, ctx); err != nil {
			return requiresReadback, err
		}
	}

	slogger().Debug("schedule: proxy planned",
		slog.String("stage", stage.String()),
		slog.Int("ticks", len(ticks)),
		slog.Int("groups", len(list.Groups)))
	return requiresReadback, nil
}

// finishContext sizes a ticked context's buffers to the frame peak and
// assigns early data to render.
func (p *Planner) finishContext(list *StageList, stage sim.TickStage, ctx *sim.Context) error {
	fg := &list.Groups[ctx.FinalGroup]
	fg.Instances[ctx.FinalInstance].Flags |= FlagSetDataToRender

	// Multi-ticking temporarily moves the read view off Current; the
	// executor swaps the final output back into it.
	ctx.Original = &ctx.Current

	elements := ctx.MaxAllocate + 1
	if p.cfg.FreeBufferEarly && ctx.MaxAllocate == 0 {
		elements = 0
	}

	if ctx.PersistentIDs() {
		if err := p.buffers.AllocateFreeIDs(ctx, ctx.MaxAllocate+1); err != nil {
			return fmt.Errorf("schedule: allocate free ids for %s: %w", ctx.Name(), err)
		}
	}

	// Contexts without a killing pass this frame read and write Current.
	if !ctx.HasTicked {
		if err := p.buffers.AllocateData(ctx, &ctx.Current, elements); err != nil {
			return fmt.Errorf("schedule: allocate %s: %w", ctx.Current.Label, err)
		}
	}

	keep := min(ctx.BufferSwaps, sim.NumRotatingBuffers)
	for i := uint32(0); i < keep; i++ {
		if err := p.buffers.AllocateData(ctx, &ctx.Rotation[i], elements); err != nil {
			return fmt.Errorf("schedule: allocate %s: %w", ctx.Rotation[i].Label, err)
		}
	}
	for i := keep; i < sim.NumRotatingBuffers; i++ {
		p.buffers.ReleaseData(ctx, &ctx.Rotation[i])
	}

	switch {
	case stage == sim.BeforeViewSetup || stage == sim.AfterViewSetup:
		ctx.DataToRender = p.exposeFinal(ctx, stage)
	case p.cfg.LowLatencyTranslucency || ctx.LowLatencyTranslucency():
		ctx.TranslucentDataToRender = p.exposeFinal(ctx, stage)
	}
	return nil
}

func (p *Planner) exposeFinal(ctx *sim.Context, stage sim.TickStage) *sim.DataBuffer {
	b := &ctx.Current
	if ctx.HasTicked {
		b = ctx.PrevBuffer()
	}
	b.CountOffset = ctx.CountSlot
	b.NumInstances = ctx.NumInstances
	b.ReadyStage = stage
	return b
}
