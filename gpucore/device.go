// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package gpucore

import "errors"

// Device errors.
var (
	// ErrDeviceClosed is returned when a device is used after Close.
	ErrDeviceClosed = errors.New("gpucore: device closed")

	// ErrUnknownBuffer is returned for a BufferID the device does not own.
	ErrUnknownBuffer = errors.New("gpucore: unknown buffer")

	// ErrUnknownProgram is returned for a ProgramID the device does not own.
	ErrUnknownProgram = errors.New("gpucore: unknown program")

	// ErrRecorderSubmitted is returned when a recorder is submitted twice.
	ErrRecorderSubmitted = errors.New("gpucore: recorder already submitted")
)

// Device abstracts over GPU backends used by the scheduler.
//
// Resource lifecycle:
//   - Resources are created via Create* methods
//   - Resources must be explicitly destroyed via Destroy* methods
//   - IDs become invalid after destruction and are never reused
//
// Implementations must be safe for concurrent use: readbacks run on
// worker goroutines while the scheduler records the next frame.
type Device interface {
	// Limits returns the device limits.
	Limits() Limits

	// CreateBuffer creates a GPU buffer.
	CreateBuffer(desc *BufferDescriptor) (BufferID, error)

	// DestroyBuffer releases a GPU buffer. Unknown IDs are ignored.
	DestroyBuffer(id BufferID)

	// WriteBuffer uploads data at the given byte offset.
	WriteBuffer(id BufferID, offset uint64, data []byte) error

	// ReadBuffer copies a buffer range back to the CPU.
	// It blocks until all previously submitted work has completed.
	ReadBuffer(id BufferID, offset, size uint64) ([]byte, error)

	// CreateProgram compiles a compute program.
	CreateProgram(desc *ProgramDescriptor) (ProgramID, error)

	// DestroyProgram releases a compute program. Unknown IDs are ignored.
	DestroyProgram(id ProgramID)

	// BeginRecording starts a new command stream.
	BeginRecording(label string) (Recorder, error)

	// Submit finishes the recorder and queues its commands for execution.
	// It does not wait for completion.
	Submit(r Recorder) error

	// Close releases every resource owned by the device.
	Close()
}

// Recorder records an ordered command stream.
//
// Recording methods do not return errors; the first recording error is
// kept and reported by Device.Submit. A Recorder is NOT safe for
// concurrent use.
type Recorder interface {
	// Transition changes the access state of buffers.
	Transition(transitions ...Transition)

	// BeginOverlap declares that subsequent unordered writes to the buffers
	// may overlap until the matching EndOverlap.
	BeginOverlap(buffers ...BufferID)

	// EndOverlap closes an overlap scope opened by BeginOverlap.
	EndOverlap(buffers ...BufferID)

	// FillBuffer writes value to every 32-bit word in [offset, offset+size).
	// Size 0 fills to the end of the buffer.
	FillBuffer(id BufferID, offset, size uint64, value uint32)

	// CopyBuffer copies size bytes between buffers.
	CopyBuffer(src, dst BufferID, srcOffset, dstOffset, size uint64)

	// Dispatch records a compute dispatch of groups thread groups.
	Dispatch(program ProgramID, bindings []Binding, groups Dim3)

	// SubmitHint asks the device to flush recorded work to the GPU early.
	// Devices may ignore it.
	SubmitHint()
}
