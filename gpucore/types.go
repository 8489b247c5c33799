// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import "fmt"

// Resource IDs
//
// These opaque IDs represent GPU resources. Each device implementation
// maintains a mapping between IDs and actual backend resources.

// BufferID is an opaque handle to a GPU buffer.
type BufferID uint64

// ProgramID is an opaque handle to a compiled compute program
// (shader module, bind group layout and pipeline).
type ProgramID uint64

// InvalidID is the zero value, representing an invalid/null resource.
const InvalidID = 0

// BufferUsage is a bitmask specifying how a buffer will be used.
type BufferUsage uint32

// Buffer usage flags.
const (
	// BufferUsageMapRead indicates the buffer can be mapped for reading.
	BufferUsageMapRead BufferUsage = 1 << 0

	// BufferUsageCopySrc indicates the buffer can be used as a copy source.
	BufferUsageCopySrc BufferUsage = 1 << 2

	// BufferUsageCopyDst indicates the buffer can be used as a copy destination.
	BufferUsageCopyDst BufferUsage = 1 << 3

	// BufferUsageUniform indicates the buffer can be used as a uniform buffer.
	BufferUsageUniform BufferUsage = 1 << 6

	// BufferUsageStorage indicates the buffer can be used as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << 7

	// BufferUsageIndirect indicates the buffer can be used for indirect dispatch/draw.
	BufferUsageIndirect BufferUsage = 1 << 8
)

// ResourceState is the access state a buffer is in from the point of view
// of the command stream. Every write must be preceded by a transition into
// StateShaderWrite and followed by a transition back to a read state.
type ResourceState uint8

// Resource states.
const (
	// StateUndefined is the state of a freshly created buffer.
	StateUndefined ResourceState = iota

	// StateShaderRead is read-only access from compute shaders.
	StateShaderRead

	// StateShaderWrite is read-write (unordered) access from compute shaders.
	StateShaderWrite

	// StateIndirectArgs is the resting state of the instance count buffer:
	// readable as indirect-draw arguments and from shaders.
	StateIndirectArgs

	// StateCopySrc is the source of a buffer copy.
	StateCopySrc

	// StateCopyDst is the destination of a buffer copy.
	StateCopyDst
)

// String returns the state name.
func (s ResourceState) String() string {
	switch s {
	case StateUndefined:
		return "Undefined"
	case StateShaderRead:
		return "ShaderRead"
	case StateShaderWrite:
		return "ShaderWrite"
	case StateIndirectArgs:
		return "IndirectArgs"
	case StateCopySrc:
		return "CopySrc"
	case StateCopyDst:
		return "CopyDst"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Transition moves a buffer from one access state to another.
// A transition with Before == After == StateShaderWrite is a write barrier
// between two unordered write scopes.
type Transition struct {
	Buffer BufferID
	Before ResourceState
	After  ResourceState
}

// Dim3 is a three-dimensional count: elements, threads or thread groups.
type Dim3 struct {
	X, Y, Z uint32
}

// D1 returns a one-dimensional Dim3.
func D1(x uint32) Dim3 { return Dim3{X: x, Y: 1, Z: 1} }

// Volume returns X*Y*Z without overflowing.
func (d Dim3) Volume() uint64 {
	return uint64(d.X) * uint64(d.Y) * uint64(d.Z)
}

// IsZero reports whether any component is zero.
func (d Dim3) IsZero() bool { return d.X == 0 || d.Y == 0 || d.Z == 0 }

// String returns "XxYxZ".
func (d Dim3) String() string { return fmt.Sprintf("%dx%dx%d", d.X, d.Y, d.Z) }

// Limits describes device limits that affect dispatch sizing.
type Limits struct {
	// MaxThreadGroupCountPerDimension is the largest thread group count
	// allowed in any single dispatch dimension.
	MaxThreadGroupCountPerDimension uint32

	// MaxBufferSize is the maximum buffer size in bytes.
	MaxBufferSize uint64
}

// DefaultLimits returns the WebGPU baseline limits.
func DefaultLimits() Limits {
	return Limits{
		MaxThreadGroupCountPerDimension: 65535,
		MaxBufferSize:                   256 << 20,
	}
}

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size is the buffer size in bytes. Devices round it up to 4.
	Size uint64

	// Usage is the set of allowed usages.
	Usage BufferUsage
}

// BindingType is the access a compute program declares for a binding slot.
type BindingType uint8

// Binding types.
const (
	// BindingReadOnlyStorage is a read-only storage buffer.
	BindingReadOnlyStorage BindingType = iota

	// BindingStorage is a read-write storage buffer.
	BindingStorage

	// BindingUniform is a uniform buffer.
	BindingUniform
)

// ProgramDescriptor describes a compute program.
type ProgramDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Source is WGSL source code.
	Source string

	// EntryPoint defaults to "main" when empty.
	EntryPoint string

	// ThreadGroup is the workgroup size declared by the shader.
	ThreadGroup Dim3

	// Bindings lists group(0) binding types in binding order.
	Bindings []BindingType
}

// Binding attaches a buffer range to a program binding slot.
// Size 0 binds the whole buffer from Offset.
type Binding struct {
	Slot   uint32
	Buffer BufferID
	Offset uint64
	Size   uint64
}
