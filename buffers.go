package particles

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/bufpool"
	"github.com/gogpu/particles/sim"
)

// dataUsage is the usage of every pooled simulation buffer. A single usage
// keeps all of them in the same pool classes.
const dataUsage = gpucore.BufferUsageStorage | gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst

// idEntrySize is the size of one id→index table or free-id list entry.
const idEntrySize = 4

type pendingRelease struct {
	id    gpucore.BufferID
	state gpucore.ResourceState
}

// poolBuffers backs simulation buffers with pooled device memory.
//
// Storage released during a frame may still be referenced by commands in
// the open recorder, so it goes back to the pool only after submit.
type poolBuffers struct {
	pool *bufpool.Pool
	rec  func() gpucore.Recorder

	pending []pendingRelease
}

func newPoolBuffers(pool *bufpool.Pool, rec func() gpucore.Recorder) *poolBuffers {
	return &poolBuffers{pool: pool, rec: rec}
}

// AllocateData implements schedule.BufferAllocator. The current buffer
// keeps its elements when it grows.
func (b *poolBuffers) AllocateData(ctx *sim.Context, buf *sim.DataBuffer, elements uint32) error {
	if elements == 0 {
		b.ReleaseData(ctx, buf)
		return nil
	}
	if buf.Allocated() && buf.Capacity >= elements {
		return nil
	}

	stride := uint64(ctx.Stride())
	data, err := b.pool.Acquire(buf.Label, uint64(elements)*stride, dataUsage)
	if err != nil {
		return err
	}
	//nolint:gosec // G115: size class of a uint32 element count
	capacity := uint32(min(data.Size/stride, uint64(ctx.Capacity())+1))

	var ids bufpool.Allocation
	if ctx.PersistentIDs() {
		ids, err = b.pool.Acquire(buf.Label+"/ids", uint64(capacity)*idEntrySize, dataUsage)
		if err != nil {
			b.release(data.ID, data.State)
			return err
		}
	}

	old := *buf
	buf.ID, buf.Capacity, buf.State = data.ID, capacity, data.State
	buf.IDTable, buf.IDTableState = ids.ID, ids.State

	if old.Allocated() && buf == &ctx.Current && old.NumInstances > 0 {
		b.preserve(&old, buf, uint64(min(old.Capacity, capacity))*stride)
	}
	b.release(old.ID, old.State)
	b.release(old.IDTable, old.IDTableState)

	slogger().Debug("particles: buffer allocated",
		slog.String("buffer", buf.Label),
		slog.Uint64("elements", uint64(capacity)),
		slog.Uint64("bytes", data.Size))
	return nil
}

// preserve copies the first size bytes of the old storage into the new.
func (b *poolBuffers) preserve(old, cur *sim.DataBuffer, size uint64) {
	rec := b.rec()
	if rec == nil || size == 0 {
		return
	}
	rec.Transition(
		gpucore.Transition{Buffer: old.ID, Before: old.State, After: gpucore.StateCopySrc},
		gpucore.Transition{Buffer: cur.ID, Before: cur.State, After: gpucore.StateCopyDst},
	)
	rec.CopyBuffer(old.ID, cur.ID, 0, 0, size)
	rec.Transition(gpucore.Transition{Buffer: cur.ID, Before: gpucore.StateCopyDst, After: gpucore.StateShaderRead})
	old.State = gpucore.StateCopySrc
	cur.State = gpucore.StateShaderRead
}

// ReleaseData implements schedule.BufferAllocator.
func (b *poolBuffers) ReleaseData(_ *sim.Context, buf *sim.DataBuffer) {
	b.release(buf.ID, buf.State)
	b.release(buf.IDTable, buf.IDTableState)
	buf.ClearStorage()
}

// AllocateFreeIDs implements schedule.BufferAllocator. The list is rebuilt
// after every tick, so its contents are not preserved.
func (b *poolBuffers) AllocateFreeIDs(ctx *sim.Context, elements uint32) error {
	if ctx.FreeIDs != gpucore.InvalidID && ctx.FreeIDCapacity >= elements {
		return nil
	}
	a, err := b.pool.Acquire(ctx.Name()+"/free_ids", uint64(elements)*idEntrySize, dataUsage)
	if err != nil {
		return fmt.Errorf("free id list of %d entries: %w", elements, err)
	}
	b.release(ctx.FreeIDs, ctx.FreeIDState)
	//nolint:gosec // G115: size class of a uint32 entry count
	ctx.FreeIDs, ctx.FreeIDCapacity, ctx.FreeIDState = a.ID, uint32(a.Size/idEntrySize), a.State
	return nil
}

// releaseContext releases every buffer a context holds.
func (b *poolBuffers) releaseContext(ctx *sim.Context) {
	b.ReleaseData(ctx, &ctx.Current)
	for i := range ctx.Rotation {
		b.ReleaseData(ctx, &ctx.Rotation[i])
	}
	b.release(ctx.FreeIDs, ctx.FreeIDState)
	ctx.FreeIDs, ctx.FreeIDCapacity, ctx.FreeIDState = gpucore.InvalidID, 0, gpucore.StateUndefined
}

func (b *poolBuffers) release(id gpucore.BufferID, state gpucore.ResourceState) {
	if id == gpucore.InvalidID {
		return
	}
	b.pending = append(b.pending, pendingRelease{id: id, state: state})
}

// flush hands deferred releases back to the pool. The recorder that
// referenced them must have been submitted.
func (b *poolBuffers) flush() {
	for _, r := range b.pending {
		if err := b.pool.Release(r.id, r.state); err != nil {
			slogger().Warn("particles: release buffer", slog.String("err", err.Error()))
		}
	}
	b.pending = b.pending[:0]
}
