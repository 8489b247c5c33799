package particles

import (
	"context"
	"encoding/binary"
	"log/slog"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/readback"
	"github.com/gogpu/particles/internal/slots"
	"github.com/gogpu/particles/sim"
)

// Snapshot is a CPU copy of one context's live elements.
type Snapshot struct {
	Context *sim.Context

	// Count is the GPU live element count.
	Count uint32

	// Stride is the size in bytes of one element.
	Stride uint32

	// Data holds Count elements of Stride bytes. It is nil for an empty
	// snapshot.
	Data []byte
}

// Empty reports whether the snapshot holds no elements.
func (s Snapshot) Empty() bool { return s.Count == 0 }

// SnapshotFuture resolves once the readback of a snapshot completed.
type SnapshotFuture struct {
	done chan struct{}
	snap Snapshot
	err  error
}

func newSnapshotFuture() *SnapshotFuture {
	return &SnapshotFuture{done: make(chan struct{})}
}

func (f *SnapshotFuture) resolve(s Snapshot, err error) {
	f.snap, f.err = s, err
	close(f.done)
}

// Done returns a channel closed on resolution.
func (f *SnapshotFuture) Done() <-chan struct{} { return f.done }

// Ready reports whether the future resolved.
func (f *SnapshotFuture) Ready() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the future resolves or ctx is done. The readback only
// completes while the dispatcher keeps running frames or in FlushAndWait.
func (f *SnapshotFuture) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-f.done:
		return f.snap, f.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

type snapshotRequest struct {
	ctx    *sim.Context
	future *SnapshotFuture
}

// RequestInstanceSnapshot asks for a copy of ctx's live elements. The
// copy is recorded after the frame's last stage. A context without valid
// data resolves with an empty snapshot.
func (d *Dispatcher) RequestInstanceSnapshot(ctx *sim.Context) *SnapshotFuture {
	f := newSnapshotFuture()
	switch {
	case d.closed:
		f.resolve(Snapshot{Context: ctx}, ErrClosed)
	case !d.opts.debugReadback:
		f.resolve(Snapshot{Context: ctx}, ErrDebugReadbackDisabled)
	default:
		d.snapshots = append(d.snapshots, snapshotRequest{ctx: ctx, future: f})
	}
	return f
}

// processSnapshots records the readbacks of every pending request.
func (d *Dispatcher) processSnapshots() {
	for _, r := range d.snapshots {
		d.recordSnapshot(r)
	}
	clear(d.snapshots)
	d.snapshots = d.snapshots[:0]
}

func (d *Dispatcher) recordSnapshot(r snapshotRequest) {
	ctx := r.ctx
	empty := Snapshot{Context: ctx, Stride: ctx.Stride()}
	buf := &ctx.Current
	counts := d.counts.Buffer()
	if !buf.Allocated() || !buf.HasCount() || counts == gpucore.InvalidID || buf.CountOffset >= d.counts.Capacity() {
		r.future.resolve(empty, nil)
		return
	}

	size := uint64(buf.Capacity) * uint64(ctx.Stride())
	rec := d.rec
	rec.Transition(
		gpucore.Transition{Buffer: buf.ID, Before: buf.State, After: gpucore.StateCopySrc},
		gpucore.Transition{Buffer: counts, Before: slots.DefaultState, After: gpucore.StateCopySrc},
	)
	reqs := []readback.Request{
		{Buffer: counts, Offset: uint64(buf.CountOffset) * slots.SlotSize, Size: slots.SlotSize},
		{Buffer: buf.ID, Size: size},
	}
	stride := ctx.Stride()
	err := d.readbacks.EnqueueCopy(rec, reqs, func(data [][]byte, err error) {
		if err != nil {
			r.future.resolve(empty, err)
			return
		}
		count := binary.LittleEndian.Uint32(data[0])
		n := min(uint64(count)*uint64(stride), uint64(len(data[1])))
		r.future.resolve(Snapshot{
			Context: ctx,
			Count:   uint32(n / uint64(stride)), //nolint:gosec // G115: bounded by count
			Stride:  stride,
			Data:    data[1][:n],
		}, nil)
	})
	rec.Transition(
		gpucore.Transition{Buffer: buf.ID, Before: gpucore.StateCopySrc, After: buf.State},
		gpucore.Transition{Buffer: counts, Before: gpucore.StateCopySrc, After: slots.DefaultState},
	)
	if err != nil {
		slogger().Warn("particles: snapshot readback", slog.String("context", ctx.Name()), slog.String("err", err.Error()))
		r.future.resolve(empty, err)
	}
}

// cancelSnapshots resolves pending requests for the given contexts as
// empty.
func (d *Dispatcher) cancelSnapshots(contexts []*sim.Context) {
	kept := d.snapshots[:0]
	for _, r := range d.snapshots {
		if containsContext(contexts, r.ctx) {
			r.future.resolve(Snapshot{Context: r.ctx, Stride: r.ctx.Stride()}, nil)
			continue
		}
		kept = append(kept, r)
	}
	clear(d.snapshots[len(kept):])
	d.snapshots = kept
}

func containsContext(contexts []*sim.Context, ctx *sim.Context) bool {
	for _, c := range contexts {
		if c == ctx {
			return true
		}
	}
	return false
}
