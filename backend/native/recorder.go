// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package native

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/particles/gpucore"
)

type cmdKind uint8

const (
	cmdBarrier cmdKind = iota
	cmdFill
	cmdCopy
	cmdDispatch
	cmdSplit
)

type command struct {
	kind      cmdKind
	buffer    gpucore.BufferID
	dst       gpucore.BufferID
	offset    uint64
	dstOffset uint64
	size      uint64
	value     uint32
	program   gpucore.ProgramID
	bindings  []gpucore.Binding
	groups    gpucore.Dim3
}

// Recorder records commands for a Device. Encoding happens at Submit.
type Recorder struct {
	dev       *Device
	label     string
	cmds      []command
	overlap   int
	err       error
	submitted bool
}

var _ gpucore.Recorder = (*Recorder)(nil)

func (r *Recorder) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

// Transition ends the current compute pass so that later commands observe
// earlier writes.
func (r *Recorder) Transition(transitions ...gpucore.Transition) {
	if len(transitions) == 0 {
		return
	}
	if n := len(r.cmds); n > 0 && r.cmds[n-1].kind == cmdBarrier {
		return
	}
	r.cmds = append(r.cmds, command{kind: cmdBarrier})
}

// BeginOverlap opens an overlap scope.
func (r *Recorder) BeginOverlap(...gpucore.BufferID) { r.overlap++ }

// EndOverlap closes an overlap scope.
func (r *Recorder) EndOverlap(...gpucore.BufferID) {
	if r.overlap == 0 {
		r.fail(errors.New("EndOverlap without BeginOverlap"))
		return
	}
	r.overlap--
}

// FillBuffer records a fill. Offset and size must be multiples of 4 and
// the buffer must have storage usage.
func (r *Recorder) FillBuffer(id gpucore.BufferID, offset, size uint64, value uint32) {
	if offset%4 != 0 || size%4 != 0 {
		r.fail(fmt.Errorf("%w: fill of %d bytes at %d", ErrOutOfRange, size, offset))
		return
	}
	r.cmds = append(r.cmds, command{kind: cmdFill, buffer: id, offset: offset, size: size, value: value})
}

// CopyBuffer records a buffer-to-buffer copy. Offsets and size must be
// multiples of 4.
func (r *Recorder) CopyBuffer(src, dst gpucore.BufferID, srcOffset, dstOffset, size uint64) {
	if srcOffset%4 != 0 || dstOffset%4 != 0 || size%4 != 0 {
		r.fail(fmt.Errorf("%w: copy of %d bytes from %d to %d", ErrOutOfRange, size, srcOffset, dstOffset))
		return
	}
	if size == 0 {
		return
	}
	r.cmds = append(r.cmds, command{kind: cmdCopy, buffer: src, dst: dst, offset: srcOffset, dstOffset: dstOffset, size: size})
}

// Dispatch records a compute dispatch. Empty grids are dropped.
func (r *Recorder) Dispatch(prog gpucore.ProgramID, bindings []gpucore.Binding, groups gpucore.Dim3) {
	if groups.IsZero() {
		return
	}
	r.cmds = append(r.cmds, command{
		kind:     cmdDispatch,
		program:  prog,
		bindings: append([]gpucore.Binding(nil), bindings...),
		groups:   groups,
	})
}

// SubmitHint splits the recorded stream into a new command buffer.
func (r *Recorder) SubmitHint() {
	if n := len(r.cmds); n > 0 && r.cmds[n-1].kind != cmdSplit {
		r.cmds = append(r.cmds, command{kind: cmdSplit})
	}
}

// submission holds the HAL objects of one queued submit until the GPU
// finished it.
type submission struct {
	fence      hal.Fence
	cmdBufs    []hal.CommandBuffer
	bindGroups []hal.BindGroup
	scratch    hal.Buffer

	// Released after completion.
	buffers  []hal.Buffer
	programs []*program
}

// resolved is a command with its HAL objects looked up.
type resolved struct {
	pipeline hal.ComputePipeline
	group    hal.BindGroup
	groups   gpucore.Dim3
	src, dst hal.Buffer
}

// submit encodes rec and queues it. Must be called with d.mu held.
func (d *Device) submit(rec *Recorder) error {
	s := &submission{}
	res, err := d.resolve(rec, s)
	if err != nil {
		d.release(s)
		return fmt.Errorf("native: recorder %q: %w", rec.label, err)
	}
	passes, err := d.encode(rec, res, s)
	if err != nil {
		d.release(s)
		return fmt.Errorf("native: encode %q: %w", rec.label, err)
	}

	s.fence, err = d.device.CreateFence()
	if err != nil {
		d.release(s)
		return fmt.Errorf("native: create fence: %w", err)
	}
	if err := d.queue.Submit(s.cmdBufs, s.fence, 1); err != nil {
		d.release(s)
		return fmt.Errorf("native: submit %q: %w", rec.label, err)
	}
	d.inflight = append(d.inflight, s)
	d.stats.Submissions++
	d.stats.Passes += uint64(passes)
	d.logger().Debug("native: submitted",
		slog.String("label", rec.label),
		slog.Int("commands", len(rec.cmds)),
		slog.Int("passes", passes),
		slog.Int("command_buffers", len(s.cmdBufs)))
	return nil
}

// resolve looks up every resource rec uses and creates its bind groups.
func (d *Device) resolve(rec *Recorder, s *submission) ([]resolved, error) {
	res := make([]resolved, len(rec.cmds))
	fills := 0
	for _, c := range rec.cmds {
		if c.kind == cmdFill {
			fills++
		}
	}
	if fills > 0 {
		scratch, err := d.device.CreateBuffer(&hal.BufferDescriptor{
			Label: rec.label + "_fill_params",
			Size:  uint64(fills) * uniformAlignment,
			Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return nil, fmt.Errorf("create fill params: %w", err)
		}
		s.scratch = scratch
	}

	fill := 0
	for i, c := range rec.cmds {
		switch c.kind {
		case cmdDispatch:
			p, ok := d.programs[c.program]
			if !ok {
				return nil, fmt.Errorf("%w: %d", gpucore.ErrUnknownProgram, c.program)
			}
			group, err := d.bindGroup(p, c.bindings)
			if err != nil {
				return nil, err
			}
			s.bindGroups = append(s.bindGroups, group)
			res[i] = resolved{pipeline: p.pipeline, group: group, groups: c.groups}
		case cmdFill:
			r, err := d.resolveFill(rec.label, c, s, fill)
			if err != nil {
				return nil, err
			}
			res[i] = r
			fill++
		case cmdCopy:
			src, err := d.lookupBuffer(c.buffer)
			if err != nil {
				return nil, err
			}
			dst, err := d.lookupBuffer(c.dst)
			if err != nil {
				return nil, err
			}
			if c.offset+c.size > src.size || c.dstOffset+c.size > dst.size {
				return nil, fmt.Errorf("%w: copy of %d bytes", ErrOutOfRange, c.size)
			}
			res[i] = resolved{src: src.raw, dst: dst.raw}
		}
	}
	return res, nil
}

// uniformAlignment is the offset alignment of uniform bindings.
const uniformAlignment = 256

func (d *Device) resolveFill(label string, c command, s *submission, index int) (resolved, error) {
	b, err := d.lookupBuffer(c.buffer)
	if err != nil {
		return resolved{}, err
	}
	size := c.size
	if size == 0 {
		size = b.size - min(c.offset, b.size)
	}
	if c.offset+size > b.size {
		return resolved{}, fmt.Errorf("%w: fill of %d bytes at %d, buffer %d bytes", ErrOutOfRange, size, c.offset, b.size)
	}
	if size == 0 {
		return resolved{}, nil
	}
	p, err := d.fillProgram()
	if err != nil {
		return resolved{}, err
	}
	words := uint32(size / 4) //nolint:gosec // G115: bounded by MaxBufferSize
	grid, ok := fillGrid(words, d.limits.MaxThreadGroupCountPerDimension)
	if !ok {
		return resolved{}, fmt.Errorf("%w: fill of %d words exceeds dispatch limits", ErrOutOfRange, words)
	}

	paramOffset := uint64(index) * uniformAlignment //nolint:gosec // G115: fill index
	//nolint:gosec // G115: offsets bounded by MaxBufferSize
	d.queue.WriteBuffer(s.scratch, paramOffset, fillParams(uint32(c.offset/4), words, c.value, grid.X*fillThreadGroup))

	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:  label + "_fill",
		Layout: p.bindLayout,
		Entries: []gputypes.BindGroupEntry{
			{Binding: 0, Resource: gputypes.BufferBinding{Buffer: b.raw.NativeHandle(), Offset: 0, Size: b.size}},
			{Binding: 1, Resource: gputypes.BufferBinding{Buffer: s.scratch.NativeHandle(), Offset: paramOffset, Size: fillParamsSize}},
		},
	})
	if err != nil {
		return resolved{}, fmt.Errorf("create fill bind group: %w", err)
	}
	s.bindGroups = append(s.bindGroups, group)
	return resolved{pipeline: p.pipeline, group: group, groups: grid}, nil
}

// bindGroup creates the bind group of one dispatch. Every binding slot of
// the program must be bound.
func (d *Device) bindGroup(p *program, bindings []gpucore.Binding) (hal.BindGroup, error) {
	entries := make([]gputypes.BindGroupEntry, 0, len(bindings))
	bound := make([]bool, len(p.bindings))
	for _, bind := range bindings {
		if int(bind.Slot) >= len(p.bindings) {
			return nil, fmt.Errorf("program %q has no binding %d", p.label, bind.Slot)
		}
		b, err := d.lookupBuffer(bind.Buffer)
		if err != nil {
			return nil, fmt.Errorf("program %q binding %d: %w", p.label, bind.Slot, err)
		}
		size := bind.Size
		if size == 0 {
			size = b.size - min(bind.Offset, b.size)
		}
		if size == 0 || bind.Offset+size > b.size {
			return nil, fmt.Errorf("%w: program %q binding %d", ErrOutOfRange, p.label, bind.Slot)
		}
		bound[bind.Slot] = true
		entries = append(entries, gputypes.BindGroupEntry{
			Binding:  bind.Slot,
			Resource: gputypes.BufferBinding{Buffer: b.raw.NativeHandle(), Offset: bind.Offset, Size: size},
		})
	}
	for slot, ok := range bound {
		if !ok {
			return nil, fmt.Errorf("program %q binding %d not bound", p.label, slot)
		}
	}
	group, err := d.device.CreateBindGroup(&hal.BindGroupDescriptor{
		Label:   p.label + "_bind",
		Layout:  p.bindLayout,
		Entries: entries,
	})
	if err != nil {
		return nil, fmt.Errorf("create bind group for %q: %w", p.label, err)
	}
	return group, nil
}

// encode records res into command buffers and returns the number of
// compute passes.
func (d *Device) encode(rec *Recorder, res []resolved, s *submission) (int, error) {
	var (
		enc    hal.CommandEncoder
		pass   hal.ComputePassEncoder
		passes int
	)
	begin := func() error {
		e, err := d.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: rec.label})
		if err != nil {
			return fmt.Errorf("create command encoder: %w", err)
		}
		if err := e.BeginEncoding(rec.label); err != nil {
			return fmt.Errorf("begin encoding: %w", err)
		}
		enc = e
		return nil
	}
	endPass := func() {
		if pass != nil {
			pass.End()
			pass = nil
		}
	}
	finish := func() error {
		endPass()
		cmdBuf, err := enc.EndEncoding()
		if err != nil {
			return fmt.Errorf("end encoding: %w", err)
		}
		s.cmdBufs = append(s.cmdBufs, cmdBuf)
		enc = nil
		return nil
	}

	if err := begin(); err != nil {
		return 0, err
	}
	for i, c := range rec.cmds {
		r := res[i]
		switch c.kind {
		case cmdBarrier:
			endPass()
		case cmdDispatch, cmdFill:
			if r.pipeline == nil {
				continue
			}
			if pass == nil {
				pass = enc.BeginComputePass(&hal.ComputePassDescriptor{Label: rec.label})
				passes++
			}
			pass.SetPipeline(r.pipeline)
			pass.SetBindGroup(0, r.group, nil)
			pass.Dispatch(r.groups.X, r.groups.Y, r.groups.Z)
			if c.kind == cmdFill {
				d.stats.Fills++
			} else {
				d.stats.Dispatches++
			}
		case cmdCopy:
			endPass()
			enc.CopyBufferToBuffer(r.src, r.dst, []hal.BufferCopy{
				{SrcOffset: c.offset, DstOffset: c.dstOffset, Size: c.size},
			})
			d.stats.Copies++
		case cmdSplit:
			if err := finish(); err != nil {
				return passes, err
			}
			if err := begin(); err != nil {
				return passes, err
			}
		}
	}
	return passes, finish()
}

// retire releases completed submissions in order. With wait set it blocks
// until all of them completed. Must be called with d.mu held.
func (d *Device) retire(wait bool) error {
	for len(d.inflight) > 0 {
		s := d.inflight[0]
		timeout := d.cfg.WaitTimeout
		if !wait {
			timeout = 0
		}
		ok, err := d.device.Wait(s.fence, 1, timeout)
		if err != nil {
			return fmt.Errorf("native: wait for GPU: %w", err)
		}
		if !ok {
			if wait {
				return ErrWaitTimeout
			}
			return nil
		}
		d.release(s)
		d.inflight[0] = nil
		d.inflight = d.inflight[1:]
	}
	return nil
}

// release destroys the HAL objects of a submission.
func (d *Device) release(s *submission) {
	for _, cb := range s.cmdBufs {
		d.device.FreeCommandBuffer(cb)
	}
	for _, g := range s.bindGroups {
		d.device.DestroyBindGroup(g)
	}
	if s.scratch != nil {
		d.device.DestroyBuffer(s.scratch)
	}
	if s.fence != nil {
		d.device.DestroyFence(s.fence)
	}
	for _, b := range s.buffers {
		d.device.DestroyBuffer(b)
	}
	for _, p := range s.programs {
		p.destroy(d.device)
	}
	*s = submission{}
}
