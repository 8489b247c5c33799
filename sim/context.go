package sim

import (
	"errors"
	"fmt"

	"github.com/gogpu/particles/gpucore"
)

// Context errors.
var (
	// ErrZeroCapacity is returned for a context without element capacity.
	ErrZeroCapacity = errors.New("sim: context capacity must be > 0")

	// ErrZeroStride is returned for a context without element stride.
	ErrZeroStride = errors.New("sim: context stride must be > 0")

	// ErrStrideAlignment is returned when the element stride is not a
	// multiple of 4 bytes.
	ErrStrideAlignment = errors.New("sim: context stride must be 4-byte aligned")

	// ErrNilProgram is returned for a context without a program.
	ErrNilProgram = errors.New("sim: context program is nil")
)

// NumRotatingBuffers is the number of scratch buffers a context rotates
// through when a frame runs several killing passes. Together with the
// long-lived current buffer a context holds up to three buffers.
const NumRotatingBuffers = 2

// Requirements are the expensive frame resources a simulation samples.
type Requirements uint8

// Requirement flags.
const (
	RequiresDistanceField Requirements = 1 << iota
	RequiresDepthBuffer
	RequiresEarlyViewData
	RequiresRayTracingScene
)

// Has reports whether every flag in r2 is set.
func (r Requirements) Has(r2 Requirements) bool { return r&r2 == r2 }

// ContextConfig describes a simulation context.
type ContextConfig struct {
	// Name is used in logs and debug labels.
	Name string

	// Program is the simulation script.
	Program Program

	// Capacity is the maximum live element count.
	Capacity uint32

	// Stride is the number of bytes per element across all components.
	Stride uint32

	// PersistentIDs enables the free-id and id→index tables.
	PersistentIDs bool

	// LowLatencyTranslucency lets same-frame translucent consumers read the
	// buffer produced in AfterOpaquePass before the canonical hand-off.
	LowLatencyTranslucency bool

	// DataSources are the per-instance data sources, looked up by name.
	DataSources []DataSource

	// SkipStage, when non-nil, silently skips this context's dispatches for
	// the stages it returns true for.
	SkipStage func(TickStage) bool
}

// Context is the per-instance simulation state.
type Context struct {
	name                   string
	program                Program
	capacity               uint32
	stride                 uint32
	persistentIDs          bool
	lowLatencyTranslucency bool
	dataSources            []DataSource
	skipStage              func(TickStage) bool

	// Scheduler state. Mutated only by the scheduler during its frame.

	// Current is the long-lived buffer. After a frame that ran, it holds
	// the data to render.
	Current DataBuffer

	// Rotation holds the scratch buffers of multi-pass and multi-tick frames.
	Rotation [NumRotatingBuffers]DataBuffer

	// ReadView is what other simulations observe as this context's data
	// during execution. It points at Current outside of execution.
	ReadView *DataBuffer

	// Original is Current saved at planning time, restored at hand-off.
	Original *DataBuffer

	// DataToRender and TranslucentDataToRender are the buffers handed to
	// render consumers.
	DataToRender            *DataBuffer
	TranslucentDataToRender *DataBuffer

	// FreeIDs is the free-id list buffer; FreeIDCapacity its element count.
	FreeIDs        gpucore.BufferID
	FreeIDCapacity uint32
	FreeIDState    gpucore.ResourceState

	// CountSlot is the held count slot handle, or InvalidSlot.
	CountSlot uint32

	// NumInstances is the CPU estimate of the live element count.
	NumInstances uint32

	// MaxInstances is the frame peak element count; MaxAllocate is the
	// frame peak allocation request.
	MaxInstances uint32
	MaxAllocate  uint32

	// BufferSwaps counts rotations this frame.
	BufferSwaps uint32

	// HasTicked is set once a killing pass wrote a rotating buffer this frame.
	HasTicked bool

	// FinalGroup and FinalInstance locate the last dispatch of the frame,
	// or -1.
	FinalGroup    int
	FinalInstance int

	// ReadbackSlot and ReadbackCount record a pending live-count readback:
	// the slot read and the CPU count it was compared against.
	ReadbackSlot  uint32
	ReadbackCount uint32
}

// NewContext validates cfg and creates a context.
func NewContext(cfg ContextConfig) (*Context, error) {
	if cfg.Program == nil {
		return nil, ErrNilProgram
	}
	if cfg.Capacity == 0 {
		return nil, fmt.Errorf("%w: %s", ErrZeroCapacity, cfg.Name)
	}
	if cfg.Stride == 0 {
		return nil, fmt.Errorf("%w: %s", ErrZeroStride, cfg.Name)
	}
	if cfg.Stride%4 != 0 {
		return nil, fmt.Errorf("%w: %s has stride %d", ErrStrideAlignment, cfg.Name, cfg.Stride)
	}

	c := &Context{
		name:                   cfg.Name,
		program:                cfg.Program,
		capacity:               cfg.Capacity,
		stride:                 cfg.Stride,
		persistentIDs:          cfg.PersistentIDs,
		lowLatencyTranslucency: cfg.LowLatencyTranslucency,
		dataSources:            cfg.DataSources,
		skipStage:              cfg.SkipStage,
		Current:                NewDataBuffer(cfg.Name + "/current"),
		CountSlot:              InvalidSlot,
		FinalGroup:             -1,
		FinalInstance:          -1,
		ReadbackSlot:           InvalidSlot,
	}
	for i := range c.Rotation {
		c.Rotation[i] = NewDataBuffer(fmt.Sprintf("%s/rotation%d", cfg.Name, i))
	}
	c.ReadView = &c.Current
	return c, nil
}

// Name returns the context name.
func (c *Context) Name() string { return c.name }

// Program returns the simulation script.
func (c *Context) Program() Program { return c.program }

// Capacity returns the maximum live element count.
func (c *Context) Capacity() uint32 { return c.capacity }

// Stride returns the bytes per element.
func (c *Context) Stride() uint32 { return c.stride }

// PersistentIDs reports whether persistent per-element ids are required.
func (c *Context) PersistentIDs() bool { return c.persistentIDs }

// LowLatencyTranslucency reports whether translucent consumers may read
// the produced buffer before the canonical hand-off.
func (c *Context) LowLatencyTranslucency() bool { return c.lowLatencyTranslucency }

// DataSources returns the context's data sources.
func (c *Context) DataSources() []DataSource { return c.dataSources }

// DataSource returns the data source with the given name.
func (c *Context) DataSource(name string) (*DataSource, bool) {
	for i := range c.dataSources {
		if c.dataSources[i].Name == name {
			return &c.dataSources[i], true
		}
	}
	return nil, false
}

// SkipsStage reports whether dispatches in stage are to be skipped.
func (c *Context) SkipsStage(stage TickStage) bool {
	return c.skipStage != nil && c.skipStage(stage)
}

// NextBuffer returns the rotating buffer the next killing pass writes.
func (c *Context) NextBuffer() *DataBuffer {
	return &c.Rotation[c.BufferSwaps%NumRotatingBuffers]
}

// PrevBuffer returns the rotating buffer the last killing pass wrote.
// It panics if no rotation happened this frame.
func (c *Context) PrevBuffer() *DataBuffer {
	if c.BufferSwaps == 0 {
		panic(fmt.Sprintf("sim: context %s has no previous buffer this frame", c.name))
	}
	return &c.Rotation[(c.BufferSwaps+NumRotatingBuffers-1)%NumRotatingBuffers]
}

// AdvanceBuffer rotates to the next scratch buffer.
func (c *Context) AdvanceBuffer() { c.BufferSwaps++ }

// BeginFrame resets the per-frame planning state.
func (c *Context) BeginFrame() {
	c.MaxInstances = 0
	c.MaxAllocate = 0
	c.BufferSwaps = 0
	c.HasTicked = false
	c.FinalGroup = -1
	c.FinalInstance = -1
	c.Original = nil
	c.ReadView = &c.Current
}

// LiveCount returns the element count of the data to render, or zero.
func (c *Context) LiveCount() uint32 {
	if c.DataToRender == nil {
		return 0
	}
	return c.DataToRender.NumInstances
}

// Reset forgets the simulation state: zero live elements, no render data.
// The caller owns releasing CountSlot before calling Reset.
func (c *Context) Reset() {
	c.NumInstances = 0
	c.CountSlot = InvalidSlot
	c.ReadbackSlot = InvalidSlot
	c.ReadbackCount = 0
	c.Current.NumInstances = 0
	c.Current.CountOffset = InvalidSlot
	c.Current.Ready = false
	c.DataToRender = nil
	c.TranslucentDataToRender = nil
	c.BeginFrame()
}
