// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package trace provides an in-memory gpucore.Device that records every
// submitted command.
//
// Buffers are plain byte slices. Fills and copies are applied at submit
// time, and dispatches run an optional CPU kernel registered for the
// program, so scheduling logic can be exercised and inspected without a
// GPU. In strict mode the device also checks that every transition starts
// from the state the buffer is actually in.
package trace

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/particles/gpucore"
)

// Trace device errors.
var (
	// ErrStateMismatch is returned by Submit in strict mode when a
	// transition's Before state does not match the tracked state.
	ErrStateMismatch = errors.New("trace: transition state mismatch")

	// ErrUnbalancedOverlap is returned by Submit when overlap scopes do not
	// nest.
	ErrUnbalancedOverlap = errors.New("trace: unbalanced overlap scope")

	// ErrOutOfBounds is returned when a command touches bytes outside a buffer.
	ErrOutOfBounds = errors.New("trace: access out of bounds")
)

// Op is a recorded command kind.
type Op uint8

// Command kinds.
const (
	OpTransition Op = iota
	OpBeginOverlap
	OpEndOverlap
	OpFill
	OpCopy
	OpDispatch
	OpSubmitHint
)

// String returns the op name.
func (o Op) String() string {
	switch o {
	case OpTransition:
		return "Transition"
	case OpBeginOverlap:
		return "BeginOverlap"
	case OpEndOverlap:
		return "EndOverlap"
	case OpFill:
		return "Fill"
	case OpCopy:
		return "Copy"
	case OpDispatch:
		return "Dispatch"
	case OpSubmitHint:
		return "SubmitHint"
	default:
		return fmt.Sprintf("Unknown(%d)", o)
	}
}

// Command is one recorded command.
type Command struct {
	Op    Op
	Label string

	Transitions []gpucore.Transition
	Buffers     []gpucore.BufferID

	Buffer    gpucore.BufferID
	Dst       gpucore.BufferID
	Offset    uint64
	DstOffset uint64
	Size      uint64
	Value     uint32

	Program  gpucore.ProgramID
	Bindings []gpucore.Binding
	Groups   gpucore.Dim3
}

// Kernel is a CPU stand-in for a compute program, run at submit time.
type Kernel func(mem Memory, bindings []gpucore.Binding, groups gpucore.Dim3)

// Memory gives kernels access to buffer contents.
type Memory interface {
	Bytes(id gpucore.BufferID) []byte
}

type buffer struct {
	desc  gpucore.BufferDescriptor
	data  []byte
	state gpucore.ResourceState
}

type program struct {
	desc   gpucore.ProgramDescriptor
	kernel Kernel
}

// Config holds configuration for creating a Device.
type Config struct {
	// Limits are reported by Device.Limits.
	// Defaults to gpucore.DefaultLimits() when zero.
	Limits gpucore.Limits

	// Strict enables transition state validation.
	Strict bool

	// Kernels attaches CPU kernels to programs by descriptor label when
	// they are created.
	Kernels map[string]Kernel
}

// Device is the in-memory device.
//
// Device is safe for concurrent use.
type Device struct {
	mu       sync.Mutex
	cfg      Config
	nextID   uint64
	buffers  map[gpucore.BufferID]*buffer
	programs map[gpucore.ProgramID]*program
	log      []Command
	submits  int
	closed   bool
}

// New creates a device.
func New(cfg Config) *Device {
	if cfg.Limits == (gpucore.Limits{}) {
		cfg.Limits = gpucore.DefaultLimits()
	}
	return &Device{
		cfg:      cfg,
		buffers:  make(map[gpucore.BufferID]*buffer),
		programs: make(map[gpucore.ProgramID]*program),
	}
}

// Limits implements gpucore.Device.
func (d *Device) Limits() gpucore.Limits { return d.cfg.Limits }

// CreateBuffer implements gpucore.Device.
func (d *Device) CreateBuffer(desc *gpucore.BufferDescriptor) (gpucore.BufferID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	size := (desc.Size + 3) &^ 3
	if size > d.cfg.Limits.MaxBufferSize {
		return gpucore.InvalidID, fmt.Errorf("trace: buffer %q size %d exceeds limit %d",
			desc.Label, size, d.cfg.Limits.MaxBufferSize)
	}
	d.nextID++
	id := gpucore.BufferID(d.nextID)
	d.buffers[id] = &buffer{desc: *desc, data: make([]byte, size)}
	return id, nil
}

// DestroyBuffer implements gpucore.Device.
func (d *Device) DestroyBuffer(id gpucore.BufferID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.buffers, id)
}

// WriteBuffer implements gpucore.Device.
func (d *Device) WriteBuffer(id gpucore.BufferID, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return fmt.Errorf("%w: %d", gpucore.ErrUnknownBuffer, id)
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("%w: write %d bytes at %d into %d", ErrOutOfBounds, len(data), offset, len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer implements gpucore.Device.
func (d *Device) ReadBuffer(id gpucore.BufferID, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", gpucore.ErrUnknownBuffer, id)
	}
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("%w: read %d bytes at %d from %d", ErrOutOfBounds, size, offset, len(b.data))
	}
	out := make([]byte, size)
	copy(out, b.data[offset:offset+size])
	return out, nil
}

// CreateProgram implements gpucore.Device.
func (d *Device) CreateProgram(desc *gpucore.ProgramDescriptor) (gpucore.ProgramID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.InvalidID, gpucore.ErrDeviceClosed
	}
	d.nextID++
	id := gpucore.ProgramID(d.nextID)
	d.programs[id] = &program{desc: *desc, kernel: d.cfg.Kernels[desc.Label]}
	return id, nil
}

// DestroyProgram implements gpucore.Device.
func (d *Device) DestroyProgram(id gpucore.ProgramID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.programs, id)
}

// SetKernel attaches a CPU kernel to a program.
func (d *Device) SetKernel(id gpucore.ProgramID, k Kernel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.programs[id]
	if !ok {
		return fmt.Errorf("%w: %d", gpucore.ErrUnknownProgram, id)
	}
	p.kernel = k
	return nil
}

// BeginRecording implements gpucore.Device.
func (d *Device) BeginRecording(label string) (gpucore.Recorder, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, gpucore.ErrDeviceClosed
	}
	return &Recorder{label: label}, nil
}

// Submit implements gpucore.Device. Commands are validated and applied in
// order; on error, commands before the failing one stay applied.
func (d *Device) Submit(r gpucore.Recorder) error {
	rec, ok := r.(*Recorder)
	if !ok {
		return fmt.Errorf("trace: foreign recorder %T", r)
	}
	if rec.submitted {
		return gpucore.ErrRecorderSubmitted
	}
	rec.submitted = true

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return gpucore.ErrDeviceClosed
	}
	d.submits++

	depth := 0
	for i := range rec.cmds {
		c := &rec.cmds[i]
		if err := d.apply(c, &depth); err != nil {
			return fmt.Errorf("trace: %s command %d (%s): %w", rec.label, i, c.Op, err)
		}
		d.log = append(d.log, *c)
	}
	if depth != 0 {
		return fmt.Errorf("%w: %d scopes left open in %s", ErrUnbalancedOverlap, depth, rec.label)
	}
	return nil
}

func (d *Device) apply(c *Command, depth *int) error {
	switch c.Op {
	case OpTransition:
		for _, t := range c.Transitions {
			b, ok := d.buffers[t.Buffer]
			if !ok {
				return fmt.Errorf("%w: %d", gpucore.ErrUnknownBuffer, t.Buffer)
			}
			if d.cfg.Strict && b.state != t.Before {
				return fmt.Errorf("%w: buffer %q is %s, transition expects %s",
					ErrStateMismatch, b.desc.Label, b.state, t.Before)
			}
			b.state = t.After
		}
	case OpBeginOverlap:
		*depth++
	case OpEndOverlap:
		*depth--
		if *depth < 0 {
			return ErrUnbalancedOverlap
		}
	case OpFill:
		b, ok := d.buffers[c.Buffer]
		if !ok {
			return fmt.Errorf("%w: %d", gpucore.ErrUnknownBuffer, c.Buffer)
		}
		size := c.Size
		if size == 0 {
			size = uint64(len(b.data)) - c.Offset
		}
		if c.Offset+size > uint64(len(b.data)) {
			return ErrOutOfBounds
		}
		for off := c.Offset; off+4 <= c.Offset+size; off += 4 {
			binary.LittleEndian.PutUint32(b.data[off:], c.Value)
		}
	case OpCopy:
		src, ok := d.buffers[c.Buffer]
		if !ok {
			return fmt.Errorf("%w: %d", gpucore.ErrUnknownBuffer, c.Buffer)
		}
		dst, ok := d.buffers[c.Dst]
		if !ok {
			return fmt.Errorf("%w: %d", gpucore.ErrUnknownBuffer, c.Dst)
		}
		if c.Offset+c.Size > uint64(len(src.data)) || c.DstOffset+c.Size > uint64(len(dst.data)) {
			return ErrOutOfBounds
		}
		copy(dst.data[c.DstOffset:c.DstOffset+c.Size], src.data[c.Offset:c.Offset+c.Size])
	case OpDispatch:
		p, ok := d.programs[c.Program]
		if !ok {
			return fmt.Errorf("%w: %d", gpucore.ErrUnknownProgram, c.Program)
		}
		for _, bnd := range c.Bindings {
			if _, ok := d.buffers[bnd.Buffer]; !ok {
				return fmt.Errorf("%w: binding %d buffer %d", gpucore.ErrUnknownBuffer, bnd.Slot, bnd.Buffer)
			}
		}
		if p.kernel != nil {
			p.kernel(memory{d}, c.Bindings, c.Groups)
		}
	}
	return nil
}

// memory exposes buffer bytes to kernels while d.mu is held by Submit.
type memory struct{ d *Device }

func (m memory) Bytes(id gpucore.BufferID) []byte {
	if b, ok := m.d.buffers[id]; ok {
		return b.data
	}
	return nil
}

// Close implements gpucore.Device.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.buffers = make(map[gpucore.BufferID]*buffer)
	d.programs = make(map[gpucore.ProgramID]*program)
}

// Commands returns a copy of every submitted command.
func (d *Device) Commands() []Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Command, len(d.log))
	copy(out, d.log)
	return out
}

// ResetLog drops the command log.
func (d *Device) ResetLog() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = nil
}

// Submits returns how many recorders were submitted.
func (d *Device) Submits() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.submits
}

// LiveBuffers returns the number of buffers not yet destroyed.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// State returns the tracked access state of a buffer.
func (d *Device) State(id gpucore.BufferID) gpucore.ResourceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.buffers[id]; ok {
		return b.state
	}
	return gpucore.StateUndefined
}

// Uint32s returns a buffer's contents as little-endian words.
func (d *Device) Uint32s(id gpucore.BufferID) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.buffers[id]
	if !ok {
		return nil
	}
	out := make([]uint32, len(b.data)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b.data[i*4:])
	}
	return out
}

// Count returns how many logged commands have the given op.
func (d *Device) Count(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for i := range d.log {
		if d.log[i].Op == op {
			n++
		}
	}
	return n
}

// Recorder records commands for a trace Device.
type Recorder struct {
	label     string
	cmds      []Command
	submitted bool
}

// Transition implements gpucore.Recorder.
func (r *Recorder) Transition(transitions ...gpucore.Transition) {
	if len(transitions) == 0 {
		return
	}
	r.cmds = append(r.cmds, Command{Op: OpTransition, Label: r.label,
		Transitions: append([]gpucore.Transition(nil), transitions...)})
}

// BeginOverlap implements gpucore.Recorder.
func (r *Recorder) BeginOverlap(buffers ...gpucore.BufferID) {
	r.cmds = append(r.cmds, Command{Op: OpBeginOverlap, Label: r.label,
		Buffers: append([]gpucore.BufferID(nil), buffers...)})
}

// EndOverlap implements gpucore.Recorder.
func (r *Recorder) EndOverlap(buffers ...gpucore.BufferID) {
	r.cmds = append(r.cmds, Command{Op: OpEndOverlap, Label: r.label,
		Buffers: append([]gpucore.BufferID(nil), buffers...)})
}

// FillBuffer implements gpucore.Recorder.
func (r *Recorder) FillBuffer(id gpucore.BufferID, offset, size uint64, value uint32) {
	r.cmds = append(r.cmds, Command{Op: OpFill, Label: r.label,
		Buffer: id, Offset: offset, Size: size, Value: value})
}

// CopyBuffer implements gpucore.Recorder.
func (r *Recorder) CopyBuffer(src, dst gpucore.BufferID, srcOffset, dstOffset, size uint64) {
	r.cmds = append(r.cmds, Command{Op: OpCopy, Label: r.label,
		Buffer: src, Dst: dst, Offset: srcOffset, DstOffset: dstOffset, Size: size})
}

// Dispatch implements gpucore.Recorder.
func (r *Recorder) Dispatch(program gpucore.ProgramID, bindings []gpucore.Binding, groups gpucore.Dim3) {
	r.cmds = append(r.cmds, Command{Op: OpDispatch, Label: r.label,
		Program: program, Bindings: append([]gpucore.Binding(nil), bindings...), Groups: groups})
}

// SubmitHint implements gpucore.Recorder.
func (r *Recorder) SubmitHint() {
	r.cmds = append(r.cmds, Command{Op: OpSubmitHint, Label: r.label})
}

// Commands returns the commands recorded so far.
func (r *Recorder) Commands() []Command { return r.cmds }

var (
	_ gpucore.Device   = (*Device)(nil)
	_ gpucore.Recorder = (*Recorder)(nil)
)
