// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	_ "embed"
	"encoding/binary"
	"fmt"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/naga"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/particles/gpucore"
)

//go:embed shaders/fill.wgsl
var fillShaderSource string

// fillParamsSize is the uniform block size of the fill program.
const fillParamsSize = 16

// fillThreadGroup is the workgroup width declared by fill.wgsl.
const fillThreadGroup = 64

// program holds the HAL objects of one compute program.
type program struct {
	label       string
	bindings    []gpucore.BindingType
	module      hal.ShaderModule
	bindLayout  hal.BindGroupLayout
	pipeLayout  hal.PipelineLayout
	pipeline    hal.ComputePipeline
	threadGroup gpucore.Dim3
}

// compileWGSL compiles WGSL source to SPIR-V words.
func compileWGSL(label, source string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("native: compile %q: %w", label, err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("native: compile %q: SPIR-V length %d not a multiple of 4", label, len(spirvBytes))
	}
	// SPIR-V is little-endian 32-bit words.
	code := make([]uint32, len(spirvBytes)/4)
	for i := range code {
		code[i] = binary.LittleEndian.Uint32(spirvBytes[i*4:])
	}
	return code, nil
}

func newProgram(dev hal.Device, desc *gpucore.ProgramDescriptor) (*program, error) {
	entry := desc.EntryPoint
	if entry == "" {
		entry = "main"
	}
	code, err := compileWGSL(desc.Label, desc.Source)
	if err != nil {
		return nil, err
	}

	p := &program{
		label:       desc.Label,
		bindings:    append([]gpucore.BindingType(nil), desc.Bindings...),
		threadGroup: desc.ThreadGroup,
	}
	p.module, err = dev.CreateShaderModule(&hal.ShaderModuleDescriptor{
		Label:  desc.Label,
		Source: hal.ShaderSource{SPIRV: code},
	})
	if err != nil {
		return nil, fmt.Errorf("native: create shader module %q: %w", desc.Label, err)
	}

	entries := make([]gputypes.BindGroupLayoutEntry, len(desc.Bindings))
	for i, b := range desc.Bindings {
		entries[i] = gputypes.BindGroupLayoutEntry{
			Binding:    uint32(i), //nolint:gosec // G115: binding index
			Visibility: gputypes.ShaderStageCompute,
			Buffer:     &gputypes.BufferBindingLayout{Type: bindingType(b)},
		}
	}
	p.bindLayout, err = dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label:   desc.Label + "_bind_layout",
		Entries: entries,
	})
	if err != nil {
		p.destroy(dev)
		return nil, fmt.Errorf("native: create bind group layout %q: %w", desc.Label, err)
	}

	p.pipeLayout, err = dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label: desc.Label + "_pipe_layout", BindGroupLayouts: []hal.BindGroupLayout{p.bindLayout},
	})
	if err != nil {
		p.destroy(dev)
		return nil, fmt.Errorf("native: create pipeline layout %q: %w", desc.Label, err)
	}

	p.pipeline, err = dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label: desc.Label + "_pipeline", Layout: p.pipeLayout,
		Compute: hal.ComputeState{Module: p.module, EntryPoint: entry},
	})
	if err != nil {
		p.destroy(dev)
		return nil, fmt.Errorf("native: create compute pipeline %q: %w", desc.Label, err)
	}
	return p, nil
}

// destroy releases the program's HAL objects, pipelines first.
func (p *program) destroy(dev hal.Device) {
	if p.pipeline != nil {
		dev.DestroyComputePipeline(p.pipeline)
	}
	if p.pipeLayout != nil {
		dev.DestroyPipelineLayout(p.pipeLayout)
	}
	if p.bindLayout != nil {
		dev.DestroyBindGroupLayout(p.bindLayout)
	}
	if p.module != nil {
		dev.DestroyShaderModule(p.module)
	}
	*p = program{}
}

func bindingType(t gpucore.BindingType) gputypes.BufferBindingType {
	switch t {
	case gpucore.BindingStorage:
		return gputypes.BufferBindingTypeStorage
	case gpucore.BindingUniform:
		return gputypes.BufferBindingTypeUniform
	default:
		return gputypes.BufferBindingTypeReadOnlyStorage
	}
}

// fillProgram returns the built-in fill program, creating it on first use.
func (d *Device) fillProgram() (*program, error) {
	if d.fill != nil {
		return d.fill, nil
	}
	p, err := newProgram(d.device, &gpucore.ProgramDescriptor{
		Label:       "native_fill",
		Source:      fillShaderSource,
		EntryPoint:  "main",
		ThreadGroup: gpucore.D1(fillThreadGroup),
		Bindings:    []gpucore.BindingType{gpucore.BindingStorage, gpucore.BindingUniform},
	})
	if err != nil {
		return nil, err
	}
	d.fill = p
	return p, nil
}

// fillParams encodes the uniform block of one fill.
func fillParams(offsetWords, count, value, row uint32) []byte {
	out := make([]byte, fillParamsSize)
	binary.LittleEndian.PutUint32(out[0:], offsetWords)
	binary.LittleEndian.PutUint32(out[4:], count)
	binary.LittleEndian.PutUint32(out[8:], value)
	binary.LittleEndian.PutUint32(out[12:], row)
	return out
}

// fillGrid splits the thread groups needed for count words into rows no
// wider than maxGroups.
func fillGrid(count, maxGroups uint32) (gpucore.Dim3, bool) {
	groups := (count + fillThreadGroup - 1) / fillThreadGroup
	if groups <= maxGroups {
		return gpucore.D1(groups), true
	}
	rows := (groups + maxGroups - 1) / maxGroups
	if rows > maxGroups {
		return gpucore.Dim3{}, false
	}
	return gpucore.Dim3{X: maxGroups, Y: rows, Z: 1}, true
}
