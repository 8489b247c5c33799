// Package mgpu synchronizes simulation output between devices that render
// alternate frames.
//
// A Strategy is injected into the dispatcher. After planning it learns
// which stages have work, waits for the other device's transfers before
// the first stage that touches shared data, collects every buffer handed
// to rendering, and publishes them after the last stage with work.
package mgpu

import (
	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/sim"
)

// Strategy hooks multi-device synchronization into the frame. Methods are
// called from the dispatcher's frame entry points, in frame order.
type Strategy interface {
	// Plan is called once per frame after every stage was planned.
	// countsPendingFree reports that released count slots will be cleared
	// this frame, which writes the shared count buffer before any stage.
	Plan(hasWork func(sim.TickStage) bool, countsPendingFree bool)

	// Wait is called before stage executes.
	Wait(rec gpucore.Recorder, stage sim.TickStage)

	// AddRenderData is called for every context whose data to render was
	// produced this frame.
	AddRenderData(ctx *sim.Context)

	// Transfer is called after stage executed and indirect-draw counts
	// were updated.
	Transfer(rec gpucore.Recorder, stage sim.TickStage, counts gpucore.BufferID)
}

// TransferLocation returns the stage after which produced buffers are
// published and the stage before which the previous frame's transfers are
// awaited. Publishing happens after the last stage with work; waiting
// before the first one, or before the first stage outright when released
// count slots are cleared this frame.
func TransferLocation(hasWork func(sim.TickStage) bool, countsPendingFree bool) (transfer, wait sim.TickStage) {
	transfer = sim.LastTickStage
	for transfer > sim.FirstTickStage && !hasWork(transfer) {
		transfer--
	}
	wait = sim.FirstTickStage
	if !countsPendingFree {
		for wait < transfer && !hasWork(wait) {
			wait++
		}
	}
	return transfer, wait
}
