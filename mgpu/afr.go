package mgpu

import (
	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/sim"
)

// BuffersEffect names the buffer set AFR publishes every frame.
const BuffersEffect = "particles_buffers"

// Link moves buffers between the devices of an alternate-frame group.
// Implementations belong to the host's multi-device layer.
type Link interface {
	// Broadcast records a copy of buffers to every other device of the
	// group, published under name.
	Broadcast(rec gpucore.Recorder, name string, buffers []gpucore.BufferID)

	// Wait records a wait for the last broadcast published under name.
	Wait(rec gpucore.Recorder, name string)
}

// AFR is the alternate-frame-rendering strategy. Every buffer handed to
// rendering, every persistent free-id list, and the count buffer are
// broadcast once per frame so the device rendering the next frame starts
// from this frame's simulation state.
type AFR struct {
	link Link

	transfer sim.TickStage
	wait     sim.TickStage
	buffers  []gpucore.BufferID
}

// NewAFR creates an AFR strategy over link.
func NewAFR(link Link) *AFR {
	return &AFR{link: link, transfer: sim.LastTickStage, wait: sim.FirstTickStage}
}

// Plan implements Strategy.
func (a *AFR) Plan(hasWork func(sim.TickStage) bool, countsPendingFree bool) {
	a.transfer, a.wait = TransferLocation(hasWork, countsPendingFree)
}

// Stages returns the transfer and wait stages of the current frame.
func (a *AFR) Stages() (transfer, wait sim.TickStage) { return a.transfer, a.wait }

// Wait implements Strategy.
func (a *AFR) Wait(rec gpucore.Recorder, stage sim.TickStage) {
	if stage == a.wait {
		a.link.Wait(rec, BuffersEffect)
	}
}

// AddRenderData implements Strategy.
func (a *AFR) AddRenderData(ctx *sim.Context) {
	if b := ctx.DataToRender; b != nil && b.Allocated() {
		a.buffers = append(a.buffers, b.ID)
	}
	if ctx.PersistentIDs() && ctx.FreeIDs != gpucore.InvalidID {
		a.buffers = append(a.buffers, ctx.FreeIDs)
	}
}

// Pending returns the buffers collected for the next broadcast.
func (a *AFR) Pending() []gpucore.BufferID { return a.buffers }

// Transfer implements Strategy.
func (a *AFR) Transfer(rec gpucore.Recorder, stage sim.TickStage, counts gpucore.BufferID) {
	if stage != a.transfer || len(a.buffers) == 0 {
		return
	}
	if counts != gpucore.InvalidID {
		a.buffers = append(a.buffers, counts)
	}
	a.link.Broadcast(rec, BuffersEffect, a.buffers)
	a.buffers = a.buffers[:0]
}
