// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	_ "embed"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/sim"
)

//go:embed shaders/free_ids.wgsl
var freeIDShaderSource string

// FreeIDProgramLabel labels the built-in free-id rebuild program.
const FreeIDProgramLabel = "particles_free_ids"

// FreeIDProgram returns the descriptor of the built-in program that
// rebuilds free-id lists.
func FreeIDProgram() *gpucore.ProgramDescriptor {
	return &gpucore.ProgramDescriptor{
		Label:       FreeIDProgramLabel,
		Source:      freeIDShaderSource,
		EntryPoint:  "main",
		ThreadGroup: sim.DefaultThreadGroup,
		Bindings:    sim.ProgramBindings(),
	}
}
