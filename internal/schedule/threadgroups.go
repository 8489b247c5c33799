// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	"fmt"
	"math"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/sim"
)

// Grid is the launch shape of one dispatch.
type Grid struct {
	// Groups is the number of thread groups per dimension.
	Groups gpucore.Dim3

	// Bounds is the element extent. Threads outside it do nothing. For
	// one-dimensional dispatches only Bounds.X is meaningful and shaders
	// linearize a split grid with the workgroup count.
	Bounds gpucore.Dim3
}

func divRoundUp(a, b uint32) uint32 { return (a + b - 1) / b }

// ComputeGrid returns the thread groups needed to cover count elements
// with the given thread-group shape. One-dimensional dispatches whose group
// count exceeds maxPerDim are folded into rows along Y. Multi-dimensional
// dispatches that exceed the limit, and zero thread shapes, panic.
func ComputeGrid(count, threads gpucore.Dim3, dims sim.DispatchDims, maxPerDim uint32) Grid {
	if threads.IsZero() {
		panic(fmt.Sprintf("schedule: thread group shape %s is invalid", threads))
	}
	if maxPerDim == 0 {
		maxPerDim = gpucore.DefaultLimits().MaxThreadGroupCountPerDimension
	}

	if dims == sim.DispatchOneD {
		total := count.X
		groups := divRoundUp(total, threads.X)
		if groups <= maxPerDim {
			return Grid{Groups: gpucore.D1(groups), Bounds: gpucore.D1(total)}
		}
		rows := divRoundUp(groups, maxPerDim)
		cols := divRoundUp(groups, rows)
		return Grid{
			Groups: gpucore.Dim3{X: cols, Y: rows, Z: 1},
			Bounds: gpucore.D1(total),
		}
	}

	g := gpucore.Dim3{
		X: divRoundUp(count.X, threads.X),
		Y: divRoundUp(count.Y, threads.Y),
		Z: divRoundUp(count.Z, threads.Z),
	}
	if g.X > maxPerDim || g.Y > maxPerDim || g.Z > maxPerDim {
		panic(fmt.Sprintf("schedule: dispatch of %s elements with threads %s needs %s groups, limit %d per dimension",
			count, threads, g, maxPerDim))
	}
	return Grid{Groups: g, Bounds: count}
}

// flattenCount converts an element count to the dispatch dimensionality,
// panicking when the total does not fit an int32.
func flattenCount(count gpucore.Dim3, dims sim.DispatchDims, label string) gpucore.Dim3 {
	if count.Volume() >= math.MaxInt32 {
		panic(fmt.Sprintf("schedule: element count %s for %s overflows int32", count, label))
	}
	if dims == sim.DispatchOneD {
		return gpucore.D1(uint32(count.Volume())) //nolint:gosec // G115: checked against MaxInt32 above
	}
	return count
}
