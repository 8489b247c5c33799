// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package trace

import (
	"encoding/binary"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/sim"
)

// Params decodes the parameter block bound at sim.BindingParams.
func Params(mem Memory, bindings []gpucore.Binding) sim.DispatchParams {
	for _, b := range bindings {
		if b.Slot != sim.BindingParams {
			continue
		}
		data := mem.Bytes(b.Buffer)
		if b.Offset+sim.DispatchParamsSize > uint64(len(data)) {
			return sim.DispatchParams{}
		}
		return sim.DecodeDispatchParams(data[b.Offset : b.Offset+sim.DispatchParamsSize])
	}
	return sim.DispatchParams{}
}

func binding(mem Memory, bindings []gpucore.Binding, slot uint32) []byte {
	for _, b := range bindings {
		if b.Slot == slot {
			return mem.Bytes(b.Buffer)
		}
	}
	return nil
}

// Survivors decides how many of n elements a simulation pass keeps.
type Survivors func(p sim.DispatchParams) uint32

// ParticleKernel emulates a simulation pass. The first survivors(params)
// source elements are copied to the destination and, when the pass owns a
// destination count slot, the survivor count is stored there. In-place
// passes leave the destination data as it is.
func ParticleKernel(survivors Survivors) Kernel {
	return func(mem Memory, bindings []gpucore.Binding, _ gpucore.Dim3) {
		p := Params(mem, bindings)
		alive := p.DestinationNumInstances
		if survivors != nil {
			alive = min(survivors(p), p.DestinationNumInstances)
		}

		if p.Flags&sim.ParamsInPlace == 0 {
			src := binding(mem, bindings, sim.BindingSource)
			dst := binding(mem, bindings, sim.BindingDestination)
			n := uint64(min(alive, p.SourceNumInstances)) * uint64(p.Stride) * 4
			if n <= uint64(len(src)) && n <= uint64(len(dst)) {
				copy(dst[:n], src[:n])
			}
		}

		if p.DestinationCountOffset == sim.InvalidSlot {
			return
		}
		counts := binding(mem, bindings, sim.BindingCounts)
		off := uint64(p.DestinationCountOffset) * 4
		if off+4 <= uint64(len(counts)) {
			binary.LittleEndian.PutUint32(counts[off:], alive)
		}
	}
}

// FreeIDKernel emulates the built-in free-id rebuild program.
func FreeIDKernel(mem Memory, bindings []gpucore.Binding, _ gpucore.Dim3) {
	p := Params(mem, bindings)
	table := binding(mem, bindings, sim.BindingSource)
	free := binding(mem, bindings, sim.BindingDestination)
	sizes := binding(mem, bindings, sim.BindingCounts)
	if uint64(p.ListIndex)*4+4 > uint64(len(sizes)) {
		return
	}

	n := binary.LittleEndian.Uint32(sizes[p.ListIndex*4:])
	for id := uint32(0); id < p.Capacity && int(id)*4+4 <= len(table); id++ {
		if binary.LittleEndian.Uint32(table[id*4:]) != 0xFFFFFFFF {
			continue
		}
		if int(n)*4+4 <= len(free) {
			binary.LittleEndian.PutUint32(free[n*4:], id)
		}
		n++
	}
	binary.LittleEndian.PutUint32(sizes[p.ListIndex*4:], n)
}
