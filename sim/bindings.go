package sim

import (
	"encoding/binary"

	"github.com/gogpu/particles/gpucore"
)

// Binding slots shared by every simulation program. Slots without a
// resource for a dispatch are bound to a dummy buffer.
const (
	BindingSource      = 0 // read-only particle data
	BindingDestination = 1 // written particle data
	BindingCounts      = 2 // shared instance-count buffer
	BindingIDTable     = 3 // destination id→index table
	BindingFreeIDs     = 4 // free-id list
	BindingParams      = 5 // DispatchParams uniform block
)

// ProgramBindings returns the binding layout every simulation program
// must declare.
func ProgramBindings() []gpucore.BindingType {
	return []gpucore.BindingType{
		BindingSource:      gpucore.BindingReadOnlyStorage,
		BindingDestination: gpucore.BindingStorage,
		BindingCounts:      gpucore.BindingStorage,
		BindingIDTable:     gpucore.BindingStorage,
		BindingFreeIDs:     gpucore.BindingReadOnlyStorage,
		BindingParams:      gpucore.BindingUniform,
	}
}

const (
	// DispatchParamsSize is the encoded size of DispatchParams.
	DispatchParamsSize = 64

	// DispatchParamsAlignment is the offset alignment of consecutive
	// parameter blocks in one uniform buffer.
	DispatchParamsAlignment = 256
)

// DispatchParams flags.
const (
	// ParamsInPlace marks a pass that reads and writes the destination
	// binding; the source binding holds no data.
	ParamsInPlace uint32 = 1 << iota
)

// DispatchParams is the per-dispatch uniform block. Count offsets of
// InvalidSlot mean "use the instance count field instead".
type DispatchParams struct {
	SourceCountOffset       uint32
	DestinationCountOffset  uint32
	SourceNumInstances      uint32
	DestinationNumInstances uint32
	NumSpawned              uint32
	SimStart                uint32
	TickCounter             uint32
	Iteration               uint32
	NumIterations           uint32
	Stride                  uint32
	Bounds                  gpucore.Dim3
	Capacity                uint32
	ListIndex               uint32
	Flags                   uint32
}

// Encode writes p as little-endian words.
func (p *DispatchParams) Encode() []byte {
	words := [DispatchParamsSize / 4]uint32{
		p.SourceCountOffset,
		p.DestinationCountOffset,
		p.SourceNumInstances,
		p.DestinationNumInstances,
		p.NumSpawned,
		p.SimStart,
		p.TickCounter,
		p.Iteration,
		p.NumIterations,
		p.Stride,
		p.Bounds.X,
		p.Bounds.Y,
		p.Bounds.Z,
		p.Capacity,
		p.ListIndex,
		p.Flags,
	}
	out := make([]byte, DispatchParamsSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// DecodeDispatchParams is the inverse of Encode. Short input yields zero
// fields.
func DecodeDispatchParams(b []byte) DispatchParams {
	w := func(i int) uint32 {
		if len(b) < (i+1)*4 {
			return 0
		}
		return binary.LittleEndian.Uint32(b[i*4:])
	}
	return DispatchParams{
		SourceCountOffset:       w(0),
		DestinationCountOffset:  w(1),
		SourceNumInstances:      w(2),
		DestinationNumInstances: w(3),
		NumSpawned:              w(4),
		SimStart:                w(5),
		TickCounter:             w(6),
		Iteration:               w(7),
		NumIterations:           w(8),
		Stride:                  w(9),
		Bounds:                  gpucore.Dim3{X: w(10), Y: w(11), Z: w(12)},
		Capacity:                w(13),
		ListIndex:               w(14),
		Flags:                   w(15),
	}
}
