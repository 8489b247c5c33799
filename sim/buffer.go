package sim

import "github.com/gogpu/particles/gpucore"

// InvalidSlot marks a count slot handle that owns no slot.
const InvalidSlot = ^uint32(0)

// DataBuffer is a GPU-resident structure-of-arrays block of particle data.
//
// The storage fields (ID, IDTable, Capacity, the states and counts) move
// together in SwapStorage, so a long-lived DataBuffer keeps its identity
// while the GPU memory behind it rotates.
type DataBuffer struct {
	// Label is a debug name.
	Label string

	// ID is the particle data buffer. InvalidID when not allocated.
	ID gpucore.BufferID

	// IDTable is the id→index table, present only with persistent ids.
	IDTable gpucore.BufferID

	// Capacity is the allocated element count.
	Capacity uint32

	// NumInstances is the CPU-side element count.
	NumInstances uint32

	// NumSpawned is the number of elements spawned by the pass that
	// last wrote this buffer.
	NumSpawned uint32

	// CountOffset is the slot in the instance count buffer holding the
	// GPU-side element count, or InvalidSlot.
	CountOffset uint32

	// State and IDTableState are the current access states.
	State        gpucore.ResourceState
	IDTableState gpucore.ResourceState

	// Ready is set once the buffer holds data that render consumers may
	// read; ReadyStage is the stage that produced it.
	Ready      bool
	ReadyStage TickStage
}

// NewDataBuffer returns an unallocated buffer with no count slot.
func NewDataBuffer(label string) DataBuffer {
	return DataBuffer{Label: label, CountOffset: InvalidSlot}
}

// Allocated reports whether the buffer has GPU storage.
func (b *DataBuffer) Allocated() bool { return b.ID != gpucore.InvalidID }

// HasCount reports whether the buffer owns a valid count slot.
func (b *DataBuffer) HasCount() bool { return b.CountOffset != InvalidSlot }

// SwapStorage exchanges GPU storage and counts with other.
func (b *DataBuffer) SwapStorage(other *DataBuffer) {
	b.ID, other.ID = other.ID, b.ID
	b.IDTable, other.IDTable = other.IDTable, b.IDTable
	b.Capacity, other.Capacity = other.Capacity, b.Capacity
	b.NumInstances, other.NumInstances = other.NumInstances, b.NumInstances
	b.NumSpawned, other.NumSpawned = other.NumSpawned, b.NumSpawned
	b.CountOffset, other.CountOffset = other.CountOffset, b.CountOffset
	b.State, other.State = other.State, b.State
	b.IDTableState, other.IDTableState = other.IDTableState, b.IDTableState
}

// ClearStorage forgets the storage fields after the memory was released.
func (b *DataBuffer) ClearStorage() {
	b.ID = gpucore.InvalidID
	b.IDTable = gpucore.InvalidID
	b.Capacity = 0
	b.NumInstances = 0
	b.NumSpawned = 0
	b.CountOffset = InvalidSlot
	b.State = gpucore.StateUndefined
	b.IDTableState = gpucore.StateUndefined
	b.Ready = false
}
