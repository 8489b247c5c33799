package particles

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gogpu/particles/internal/backpressure"
	"github.com/gogpu/particles/internal/registry"
	"github.com/gogpu/particles/internal/schedule"
	"github.com/gogpu/particles/sim"
)

// BeginFrame opens the frame's command recorder. A frame left open by a
// missing EndFrame is submitted first.
//
// When simulations are registered, BeginFrame also counts the frame for
// backpressure and applies the policy once too many frames passed without
// BeforeViewSetup.
func (d *Dispatcher) BeginFrame() error {
	if d.closed {
		return ErrClosed
	}
	if d.phase != phaseIdle {
		slogger().Warn("particles: frame not ended", slog.Uint64("frame", d.frame))
		if err := d.endFrame(); err != nil {
			return err
		}
	}
	if err := d.openRecorder(); err != nil {
		return err
	}
	d.frame++
	d.phase = phaseBegun

	if d.proxies.Total() > 0 {
		return d.flushPendingTicks(false)
	}
	return nil
}

// BeforeViewSetup plans every queued tick and executes the BeforeViewSetup
// stage. With allow false, only completed readbacks are delivered and
// queued ticks wait for a later frame.
func (d *Dispatcher) BeforeViewSetup(allow bool) error {
	if err := d.advance(phaseBegun, phaseBeforeViewSetup); err != nil {
		return err
	}
	return d.beforeViewSetup(allow)
}

// AfterViewSetup executes the AfterViewSetup stage, runs the host sort and
// refreshes indirect-draw arguments for the visibility pass.
func (d *Dispatcher) AfterViewSetup(views []View, allow bool) error {
	if err := d.advance(phaseBeforeViewSetup, phaseAfterViewSetup); err != nil {
		return err
	}
	return d.afterViewSetup(views, allow)
}

// AfterOpaquePass executes the AfterOpaquePass stage, releases the count
// slots of the frame, records snapshot and count readbacks and refreshes
// indirect-draw arguments for translucency.
func (d *Dispatcher) AfterOpaquePass(views []View, allow bool) error {
	if err := d.advance(phaseAfterViewSetup, phaseAfterOpaquePass); err != nil {
		return err
	}
	return d.afterOpaquePass(views, allow)
}

// EndFrame submits the frame and starts the readbacks it recorded. Work
// planned for stages whose entry points were not called executes first.
func (d *Dispatcher) EndFrame() error {
	if d.closed {
		return ErrClosed
	}
	if d.phase == phaseIdle {
		return fmt.Errorf("%w: EndFrame without BeginFrame", ErrFrameOrder)
	}
	return d.endFrame()
}

// FlushPendingTicks applies the backpressure policy now, regardless of
// the frame count. It must be called inside a frame.
func (d *Dispatcher) FlushPendingTicks() error {
	if d.closed {
		return ErrClosed
	}
	if d.phase == phaseIdle {
		return fmt.Errorf("%w: FlushPendingTicks outside a frame", ErrFrameOrder)
	}
	return d.flushPendingTicks(true)
}

// FlushAndWait applies the backpressure policy now, submits everything
// recorded and blocks until every readback completed. It is the only
// blocking call of the dispatcher.
func (d *Dispatcher) FlushAndWait(ctx context.Context) error {
	if d.closed {
		return ErrClosed
	}
	inFrame := d.phase != phaseIdle
	if !inFrame {
		if err := d.openRecorder(); err != nil {
			return err
		}
	}
	if err := d.flushPendingTicks(true); err != nil {
		return err
	}
	if err := d.submit(); err != nil {
		return err
	}
	if inFrame {
		if err := d.openRecorder(); err != nil {
			return err
		}
	}
	return d.readbacks.WaitAll(ctx)
}

func (d *Dispatcher) advance(from, to phase) error {
	if d.closed {
		return ErrClosed
	}
	if d.phase != from {
		return fmt.Errorf("%w: stage entry point out of order", ErrFrameOrder)
	}
	d.phase = to
	return nil
}

func (d *Dispatcher) openRecorder() error {
	d.exec.BeginFrame()
	d.sortParamsUsed = 0
	for _, id := range d.retired {
		d.dev.DestroyBuffer(id)
	}
	d.retired = d.retired[:0]

	rec, err := d.dev.BeginRecording(fmt.Sprintf("particles_frame_%d", d.frame))
	if err != nil {
		return fmt.Errorf("particles: begin recording: %w", err)
	}
	d.rec = rec
	return nil
}

// endFrame executes the planned work of stages the host skipped and
// submits.
func (d *Dispatcher) endFrame() error {
	if d.phase < phaseAfterViewSetup {
		if err := d.afterViewSetup(nil, false); err != nil {
			return err
		}
	}
	if d.phase < phaseAfterOpaquePass {
		if err := d.afterOpaquePass(nil, false); err != nil {
			return err
		}
	}
	d.lastDispatches = d.exec.Dispatches()
	err := d.submit()
	d.phase = phaseIdle
	return err
}

// submit submits the open recorder, starts its readbacks and returns
// storage released during it to the pool.
func (d *Dispatcher) submit() error {
	if d.rec == nil {
		return nil
	}
	rec := d.rec
	d.rec = nil
	if err := d.dev.Submit(rec); err != nil {
		return fmt.Errorf("particles: submit frame %d: %w", d.frame, err)
	}
	d.readbacks.Flush()
	d.buffers.flush()
	return nil
}

// flushPendingTicks counts a frame without rendering and applies the
// backpressure policy when it triggers or force is set.
func (d *Dispatcher) flushPendingTicks(force bool) error {
	policy, trigger := d.controller.Tick(force)
	if !trigger {
		return nil
	}
	slogger().Warn("particles: backpressure policy triggered",
		slog.String("policy", policy.String()),
		slog.Int("pending_ticks", d.pendingTicks()),
		slog.Bool("forced", force))

	switch policy {
	case backpressure.DrainWithSyntheticView:
		if d.pendingTicks() == 0 {
			d.readbacks.Tick()
			return nil
		}
		views := []View{{Rect: d.viewRect, Synthetic: true}}
		if err := d.beforeViewSetup(true); err != nil {
			return err
		}
		if err := d.afterViewSetup(views, true); err != nil {
			return err
		}
		return d.afterOpaquePass(views, true)
	case backpressure.Discard:
		d.discard()
	}
	return nil
}

// discard drops planned and queued work and resets every simulation.
func (d *Dispatcher) discard() {
	d.finishDispatches()
	for stage := sim.FirstTickStage; stage < sim.NumTickStages; stage++ {
		d.proxies.Each(stage, func(_ registry.Handle, p *Proxy) {
			p.ticks.Clear()
			for _, ctx := range p.contexts {
				d.counts.Release(ctx.CountSlot)
				ctx.Reset()
			}
		})
	}
}

// finishDispatches drops the planned groups of every stage and releases
// the count slots they read.
func (d *Dispatcher) finishDispatches() {
	for i := range d.lists {
		d.counts.ReleaseAll(&d.lists[i].CountsToRelease)
		d.lists[i].ClearGroups()
	}
}

func (d *Dispatcher) beforeViewSetup(allow bool) error {
	d.readbacks.Tick()
	clear(d.sortInfos)
	d.sortInfos = d.sortInfos[:0]
	if !allow {
		return nil
	}
	d.controller.Reset()
	d.applyReadback()

	type drained struct {
		proxy *Proxy
		ticks []sim.Tick
	}
	var pending [sim.NumTickStages][]drained
	required := 0
	for stage := sim.FirstTickStage; stage < sim.NumTickStages; stage++ {
		d.proxies.Each(stage, func(_ registry.Handle, p *Proxy) {
			ticks := p.ticks.Drain()
			required += schedule.PrepareCounts(ticks)
			pending[stage] = append(pending[stage], drained{proxy: p, ticks: ticks})
		})
	}
	//nolint:gosec // G115: dispatch counts of one frame
	if err := d.counts.Resize(d.rec, uint32(required)); err != nil {
		return fmt.Errorf("particles: resize count buffer: %w", err)
	}

	enqueue := !d.counts.HasPendingReadback()
	for stage := sim.FirstTickStage; stage < sim.NumTickStages; stage++ {
		list := &d.lists[stage]
		for _, pl := range pending[stage] {
			req, err := d.planner.PlanProxy(list, stage, pl.proxy.contexts, pl.ticks, enqueue)
			if err != nil {
				slogger().Warn("particles: planning failed",
					slog.String("proxy", pl.proxy.name),
					slog.String("err", err.Error()))
				d.resetProxy(list, pl.proxy)
				continue
			}
			d.requestReadback = d.requestReadback || req
		}
	}

	if s := d.opts.strategy; s != nil {
		s.Plan(func(stage sim.TickStage) bool { return d.lists[stage].HasWork() }, d.counts.HasEntriesPendingFree())
	}
	d.planned = true
	d.executeStage(sim.BeforeViewSetup)
	d.transfer(sim.BeforeViewSetup)
	return nil
}

// Work planned this frame always executes, whatever allow says for the
// later stages, so count slots and buffers stay consistent.
func (d *Dispatcher) afterViewSetup(_ []View, allow bool) error {
	if !allow && !d.planned {
		return nil
	}
	d.executeStage(sim.AfterViewSetup)
	d.sortAndRefreshCounts(PreOpaque)
	d.transfer(sim.AfterViewSetup)
	return nil
}

func (d *Dispatcher) afterOpaquePass(views []View, allow bool) error {
	if allow && len(views) > 0 && !views[0].Synthetic && !views[0].Rect.Empty() {
		d.viewRect = views[0].Rect
	}
	if !allow && !d.planned {
		return nil
	}
	d.planned = false
	d.executeStage(sim.AfterOpaquePass)
	d.finishDispatches()
	d.processSnapshots()

	if d.requestReadback {
		d.requestReadback = false
		ok, err := d.counts.EnqueueReadback(d.rec, d.readbacks)
		if err != nil {
			slogger().Warn("particles: count readback", slog.String("err", err.Error()))
		}
		if !ok {
			// The planned slots are released this frame and may be reused.
			for _, ctx := range d.contexts() {
				ctx.ReadbackSlot = sim.InvalidSlot
			}
		}
	}
	d.sortAndRefreshCounts(PostOpaque)
	d.transfer(sim.AfterOpaquePass)
	return nil
}

// executeStage records the planned work of stage. Execution failures
// drop the stage's work for this frame.
func (d *Dispatcher) executeStage(stage sim.TickStage) {
	if s := d.opts.strategy; s != nil {
		s.Wait(d.rec, stage)
	}
	list := &d.lists[stage]
	if !list.HasWork() {
		return
	}
	if err := d.exec.Execute(d.rec, list, d.counts.Buffer()); err != nil {
		slogger().Warn("particles: stage execution failed",
			slog.String("stage", stage.String()),
			slog.String("err", err.Error()))
		list.ClearGroups()
	}
}

func (d *Dispatcher) transfer(stage sim.TickStage) {
	if s := d.opts.strategy; s != nil {
		s.Transfer(d.rec, stage, d.counts.Buffer())
	}
}

// applyReadback corrects live counts from the last completed count
// readback.
func (d *Dispatcher) applyReadback() {
	if err := d.counts.TakeReadbackError(); err != nil {
		slogger().Warn("particles: count readback failed", slog.String("err", err.Error()))
	}
	counts := d.counts.CompletedReadback()
	if counts == nil {
		return
	}
	schedule.ApplyReadback(counts, d.contexts())
	d.counts.ReleaseReadback()
}

// resetProxy drops the planned work of a proxy whose planning failed and
// resets its contexts.
func (d *Dispatcher) resetProxy(list *schedule.StageList, p *Proxy) {
	list.RemoveContexts(p.contexts...)
	for _, ctx := range p.contexts {
		d.counts.Release(ctx.CountSlot)
		ctx.Reset()
	}
}
