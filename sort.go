package particles

import (
	_ "embed"
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/schedule"
	"github.com/gogpu/particles/internal/slots"
	"github.com/gogpu/particles/sim"
)

//go:embed shaders/sort_keys.wgsl
var sortKeysShaderSource string

// SortKeysProgramLabel labels the built-in sort-key program.
const SortKeysProgramLabel = "particles_sort_keys"

// EmitterKeyShift is the bit position of the per-batch element index in a
// sort key. The low bits hold the ordered sort attribute.
const EmitterKeyShift = 24

// MaxSortBatchElements is the number of simulations one sort batch can
// distinguish.
const MaxSortBatchElements = 1 << (32 - EmitterKeyShift)

// sortParamsSize is the encoded size of one sort parameter block.
const sortParamsSize = 64

// SortKeysProgram returns the descriptor of the built-in program that
// writes sort keys.
func SortKeysProgram() *gpucore.ProgramDescriptor {
	return &gpucore.ProgramDescriptor{
		Label:       SortKeysProgramLabel,
		Source:      sortKeysShaderSource,
		EntryPoint:  "main",
		ThreadGroup: sim.DefaultThreadGroup,
		Bindings:    sim.ProgramBindings(),
	}
}

// SortInfo requests that one simulation's elements take part in a sort
// batch.
type SortInfo struct {
	Context *sim.Context

	// BatchID groups simulations sorted together.
	BatchID int

	// ElementIndex orders the simulation within the batch. It becomes the
	// high bits of every key. Must be below MaxSortBatchElements.
	ElementIndex uint32

	// OutputOffset is the first key written, in elements.
	OutputOffset uint32

	// AttributeOffset is the byte offset of the float sort attribute
	// within an element.
	AttributeOffset uint32

	// Descending sorts larger attribute values first.
	Descending bool
}

// SortManager is the host's GPU sort service. Sort is called once per
// frame after the early stages executed; the manager calls
// GenerateSortKeys for every batch it sorts, recording into rec.
type SortManager interface {
	Sort(rec gpucore.Recorder, gen SortKeyGenerator)
}

// SortKeyGenerator writes the keys of one sort batch.
type SortKeyGenerator interface {
	GenerateSortKeys(rec gpucore.Recorder, batchID int, elementCount uint32, keys, values gpucore.BufferID) error
}

// IndirectDrawUpdater refreshes indirect-draw arguments from the count
// buffer. The count buffer is in slots.DefaultState and must be left so.
type IndirectDrawUpdater func(rec gpucore.Recorder, counts gpucore.BufferID, phase CountPhase)

// sortParams is the uniform block of the sort-key program.
type sortParams struct {
	CountOffset     uint32
	NumInstances    uint32
	Stride          uint32 // words
	AttributeOffset uint32 // words
	OutputOffset    uint32
	EmitterKey      uint32
	Descending      uint32
}

func (p *sortParams) encode() []byte {
	words := [...]uint32{p.CountOffset, p.NumInstances, p.Stride, p.AttributeOffset, p.OutputOffset, p.EmitterKey, p.Descending}
	out := make([]byte, sortParamsSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(out[i*4:], w)
	}
	return out
}

// AddSortedSimulation adds a simulation to a sort batch of the current
// frame. Infos are dropped at the next BeforeViewSetup.
func (d *Dispatcher) AddSortedSimulation(info SortInfo) error {
	if info.Context == nil {
		return fmt.Errorf("particles: sort info for batch %d has no context", info.BatchID)
	}
	if info.ElementIndex >= MaxSortBatchElements {
		return fmt.Errorf("particles: sort element index %d exceeds %d", info.ElementIndex, MaxSortBatchElements-1)
	}
	if info.AttributeOffset%4 != 0 || info.AttributeOffset+4 > info.Context.Stride() {
		return fmt.Errorf("particles: sort attribute offset %d invalid for stride %d",
			info.AttributeOffset, info.Context.Stride())
	}
	d.sortInfos = append(d.sortInfos, info)
	return nil
}

// GenerateSortKeys records one key-generation dispatch per simulation in
// batchID. Keys and values must be in gpucore.StateShaderWrite and hold
// elementCount entries; values receive element indices. Keys of slots past
// a simulation's live count sort last.
func (d *Dispatcher) GenerateSortKeys(rec gpucore.Recorder, batchID int, elementCount uint32, keys, values gpucore.BufferID) error {
	counts := d.counts.Buffer()
	n := 0
	for i := range d.sortInfos {
		if d.sortInfos[i].BatchID == batchID {
			n++
		}
	}
	if n == 0 || counts == gpucore.InvalidID {
		return nil
	}
	if err := d.prepareSort(n); err != nil {
		return err
	}

	rec.Transition(gpucore.Transition{Buffer: counts, Before: slots.DefaultState, After: gpucore.StateShaderWrite})
	rec.BeginOverlap(keys, values)
	for i := range d.sortInfos {
		info := &d.sortInfos[i]
		if info.BatchID != batchID {
			continue
		}
		buf := renderData(info.Context)
		if buf == nil || info.OutputOffset >= elementCount {
			slogger().Debug("particles: sort skipped",
				slog.String("context", info.Context.Name()),
				slog.Int("batch", batchID))
			continue
		}
		num := min(buf.NumInstances, elementCount-info.OutputOffset)
		if num == 0 {
			continue
		}
		params := sortParams{
			CountOffset:     buf.CountOffset,
			NumInstances:    num,
			Stride:          info.Context.Stride() / 4,
			AttributeOffset: info.AttributeOffset / 4,
			OutputOffset:    info.OutputOffset,
			EmitterKey:      info.ElementIndex << EmitterKeyShift,
		}
		if info.Descending {
			params.Descending = 1
		}
		offset := uint64(d.sortParamsUsed) * sim.DispatchParamsAlignment
		if err := d.dev.WriteBuffer(d.sortParams, offset, params.encode()); err != nil {
			rec.EndOverlap(keys, values)
			rec.Transition(gpucore.Transition{Buffer: counts, Before: gpucore.StateShaderWrite, After: slots.DefaultState})
			return fmt.Errorf("particles: write sort params: %w", err)
		}
		d.sortParamsUsed++

		bindings := []gpucore.Binding{
			{Slot: sim.BindingSource, Buffer: buf.ID},
			{Slot: sim.BindingDestination, Buffer: keys},
			{Slot: sim.BindingCounts, Buffer: counts},
			{Slot: sim.BindingIDTable, Buffer: values},
			{Slot: sim.BindingFreeIDs, Buffer: buf.ID},
			{Slot: sim.BindingParams, Buffer: d.sortParams, Offset: offset, Size: sortParamsSize},
		}
		grid := schedule.ComputeGrid(gpucore.D1(num), sim.DefaultThreadGroup, sim.DispatchOneD,
			d.dev.Limits().MaxThreadGroupCountPerDimension)
		rec.Dispatch(d.sortProgram, bindings, grid.Groups)
	}
	rec.EndOverlap(keys, values)
	rec.Transition(gpucore.Transition{Buffer: counts, Before: gpucore.StateShaderWrite, After: slots.DefaultState})
	return nil
}

// renderData returns the buffer a simulation renders from this frame, or
// nil.
func renderData(ctx *sim.Context) *sim.DataBuffer {
	buf := ctx.TranslucentDataToRender
	if buf == nil {
		buf = ctx.DataToRender
	}
	if buf == nil || !buf.Allocated() {
		return nil
	}
	return buf
}

// prepareSort creates the sort program and room for n more parameter
// blocks.
func (d *Dispatcher) prepareSort(n int) error {
	if d.sortProgram == gpucore.InvalidID {
		id, err := d.dev.CreateProgram(SortKeysProgram())
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNoSortProgram, err)
		}
		d.sortProgram = id
	}
	if d.sortParamsUsed+n <= d.sortParamsCap {
		return nil
	}
	if d.sortParams != gpucore.InvalidID {
		d.retired = append(d.retired, d.sortParams)
	}
	capacity := max(n, 2*d.sortParamsCap)
	id, err := d.dev.CreateBuffer(&gpucore.BufferDescriptor{
		Label: "sort_params",
		Size:  uint64(capacity) * sim.DispatchParamsAlignment,
		Usage: gpucore.BufferUsageUniform | gpucore.BufferUsageCopyDst,
	})
	if err != nil {
		d.sortParams, d.sortParamsCap = gpucore.InvalidID, 0
		return fmt.Errorf("particles: create sort params: %w", err)
	}
	d.sortParams, d.sortParamsCap, d.sortParamsUsed = id, capacity, 0
	return nil
}

// sortAndRefreshCounts runs the host sort and the pre-opaque indirect-draw
// update.
func (d *Dispatcher) sortAndRefreshCounts(phase CountPhase) {
	if phase == PreOpaque && d.opts.sorter != nil && len(d.sortInfos) > 0 {
		d.opts.sorter.Sort(d.rec, d)
	}
	if d.opts.indirectDraw != nil && d.counts.Buffer() != gpucore.InvalidID {
		d.opts.indirectDraw(d.rec, d.counts.Buffer(), phase)
	}
}
