// Package slots implements the shared instance-count allocator.
//
// Every simulation buffer that a killing pass writes gets a 32-bit slot in
// one GPU count buffer. Compute passes atomically update the slot and
// indirect draws read it back as their instance count. Slots are owned
// exclusively: Acquire hands one out, Release schedules it for clearing,
// and the next Resize zeroes it on the GPU before it becomes reusable.
package slots

import (
	"encoding/binary"
	"fmt"

	"github.com/kelindar/bitmap"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/readback"
)

// Invalid is the slot value meaning "no slot".
const Invalid = ^uint32(0)

// DefaultState is the access state the count buffer is left in between
// uses. Indirect draws consume it in this state.
const DefaultState = gpucore.StateIndirectArgs

// SlotSize is the size in bytes of one count slot.
const SlotSize = 4

const (
	// DefaultMinSlots is the smallest count buffer ever allocated.
	DefaultMinSlots = 64

	// growChunk rounds capacity increases.
	growChunk = 64
)

// Config holds configuration for creating an Allocator.
type Config struct {
	// Label names the count buffer.
	// Defaults to "instance_counts" if empty.
	Label string

	// MinSlots is the initial capacity.
	// Defaults to DefaultMinSlots if 0.
	MinSlots uint32
}

// Allocator manages count slots in a single growable GPU buffer.
//
// Allocator is not safe for concurrent use; it belongs to the scheduler
// goroutine.
type Allocator struct {
	dev gpucore.Device
	cfg Config

	buffer   gpucore.BufferID
	capacity uint32

	used    bitmap.Bitmap
	free    []uint32
	fresh   uint32
	toClear []uint32
	retired []gpucore.BufferID

	readbackPending bool
	completed       []uint32
	readbackErr     error
}

// New creates an allocator. No GPU memory is allocated until the first
// Resize.
func New(dev gpucore.Device, cfg Config) *Allocator {
	if cfg.Label == "" {
		cfg.Label = "instance_counts"
	}
	if cfg.MinSlots == 0 {
		cfg.MinSlots = DefaultMinSlots
	}
	return &Allocator{dev: dev, cfg: cfg}
}

// Buffer returns the count buffer, or gpucore.InvalidID before the first
// Resize.
func (a *Allocator) Buffer() gpucore.BufferID { return a.buffer }

// Capacity returns the number of slots the count buffer holds.
func (a *Allocator) Capacity() uint32 { return a.capacity }

// Used returns the number of slots currently acquired.
func (a *Allocator) Used() int { return a.used.Count() }

// InUse reports whether slot is currently acquired.
func (a *Allocator) InUse(slot uint32) bool { return a.used.Contains(slot) }

// HasEntriesPendingFree reports whether released slots still await their
// GPU clear.
func (a *Allocator) HasEntriesPendingFree() bool { return len(a.toClear) > 0 }

// Acquire reserves a slot. It returns Invalid when the buffer is full;
// callers must Resize with enough headroom before planning.
func (a *Allocator) Acquire() uint32 {
	var slot uint32
	switch {
	case len(a.free) > 0:
		slot = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case a.fresh < a.capacity:
		slot = a.fresh
		a.fresh++
	default:
		return Invalid
	}
	a.used.Set(slot)
	return slot
}

// Release returns slot to the allocator. The slot is zeroed at the next
// Resize and reused after that. Releasing Invalid is a no-op; releasing a
// slot that is not held panics.
func (a *Allocator) Release(slot uint32) {
	if slot == Invalid {
		return
	}
	if !a.used.Contains(slot) {
		panic(fmt.Sprintf("slots: release of slot %d that is not acquired", slot))
	}
	a.used.Remove(slot)
	a.toClear = append(a.toClear, slot)
}

// ReleaseAll releases every slot in list and empties it.
func (a *Allocator) ReleaseAll(list *[]uint32) {
	for _, s := range *list {
		a.Release(s)
	}
	*list = (*list)[:0]
}

// Resize prepares the count buffer for a frame that will acquire at most
// required new slots. It records the clears of released slots, destroys
// buffers retired by the previous growth, and grows the buffer when fewer
// than required slots are available. The buffer is left in DefaultState.
func (a *Allocator) Resize(rec gpucore.Recorder, required uint32) error {
	for _, id := range a.retired {
		a.dev.DestroyBuffer(id)
	}
	a.retired = a.retired[:0]

	if len(a.toClear) > 0 && a.buffer != gpucore.InvalidID {
		rec.Transition(gpucore.Transition{Buffer: a.buffer, Before: DefaultState, After: gpucore.StateShaderWrite})
		for _, s := range a.toClear {
			rec.FillBuffer(a.buffer, uint64(s)*SlotSize, SlotSize, 0)
		}
		rec.Transition(gpucore.Transition{Buffer: a.buffer, Before: gpucore.StateShaderWrite, After: DefaultState})
		a.free = append(a.free, a.toClear...)
		a.toClear = a.toClear[:0]
	}

	// Released slots are not reusable until cleared, so headroom counts
	// only never-used slots plus the cleared free list.
	free := uint32(len(a.free)) //nolint:gosec // G115: bounded by capacity
	if a.buffer != gpucore.InvalidID && a.capacity-a.fresh+free >= required {
		return nil
	}
	needed := a.fresh - free + required
	if needed < a.cfg.MinSlots {
		needed = a.cfg.MinSlots
	}
	newCap := (needed + growChunk - 1) / growChunk * growChunk

	id, err := a.dev.CreateBuffer(&gpucore.BufferDescriptor{
		Label: a.cfg.Label,
		Size:  uint64(newCap) * SlotSize,
		Usage: gpucore.BufferUsageStorage | gpucore.BufferUsageIndirect |
			gpucore.BufferUsageCopySrc | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("slots: grow count buffer to %d slots: %w", newCap, err)
	}

	if a.buffer == gpucore.InvalidID {
		rec.Transition(gpucore.Transition{Buffer: id, Before: gpucore.StateUndefined, After: DefaultState})
	} else {
		rec.Transition(
			gpucore.Transition{Buffer: a.buffer, Before: DefaultState, After: gpucore.StateCopySrc},
			gpucore.Transition{Buffer: id, Before: gpucore.StateUndefined, After: gpucore.StateCopyDst},
		)
		rec.CopyBuffer(a.buffer, id, 0, 0, uint64(a.capacity)*SlotSize)
		rec.Transition(
			gpucore.Transition{Buffer: a.buffer, Before: gpucore.StateCopySrc, After: DefaultState},
			gpucore.Transition{Buffer: id, Before: gpucore.StateCopyDst, After: DefaultState},
		)
		a.retired = append(a.retired, a.buffer)
	}
	a.buffer = id
	a.capacity = newCap
	return nil
}

// EnqueueReadback records a copy of the whole count buffer into q. At most
// one readback is outstanding; it returns false if one is already pending
// or no buffer exists.
func (a *Allocator) EnqueueReadback(rec gpucore.Recorder, q *readback.Queue) (bool, error) {
	if a.HasPendingReadback() || a.buffer == gpucore.InvalidID {
		return false, nil
	}
	size := uint64(a.capacity) * SlotSize
	rec.Transition(gpucore.Transition{Buffer: a.buffer, Before: DefaultState, After: gpucore.StateCopySrc})
	err := q.EnqueueCopy(rec, []readback.Request{{Buffer: a.buffer, Size: size}}, func(data [][]byte, err error) {
		a.readbackPending = false
		if err != nil {
			a.readbackErr = err
			return
		}
		raw := data[0]
		counts := make([]uint32, len(raw)/SlotSize)
		for i := range counts {
			counts[i] = binary.LittleEndian.Uint32(raw[i*SlotSize:])
		}
		a.completed = counts
	})
	rec.Transition(gpucore.Transition{Buffer: a.buffer, Before: gpucore.StateCopySrc, After: DefaultState})
	if err != nil {
		return false, fmt.Errorf("slots: enqueue readback: %w", err)
	}
	a.readbackPending = true
	return true, nil
}

// HasPendingReadback reports whether a readback is in flight or completed
// but not yet released.
func (a *Allocator) HasPendingReadback() bool {
	return a.readbackPending || a.completed != nil
}

// CompletedReadback returns the counts captured by the last readback, or
// nil if it has not completed. The slice is valid until ReleaseReadback.
func (a *Allocator) CompletedReadback() []uint32 { return a.completed }

// ReleaseReadback discards the completed readback so a new one can be
// enqueued.
func (a *Allocator) ReleaseReadback() { a.completed = nil }

// TakeReadbackError returns and clears the error of the last failed
// readback.
func (a *Allocator) TakeReadbackError() error {
	err := a.readbackErr
	a.readbackErr = nil
	return err
}

// Close destroys the count buffer and every retired buffer.
func (a *Allocator) Close() {
	for _, id := range a.retired {
		a.dev.DestroyBuffer(id)
	}
	a.retired = nil
	if a.buffer != gpucore.InvalidID {
		a.dev.DestroyBuffer(a.buffer)
		a.buffer = gpucore.InvalidID
	}
	a.capacity, a.fresh = 0, 0
	a.free, a.toClear = nil, nil
	a.used.Clear()
}
