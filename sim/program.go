package sim

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/gogpu/particles/gpucore"
)

// Program configuration errors.
var (
	// ErrNoPasses is returned for a program without passes.
	ErrNoPasses = errors.New("sim: program has no passes")

	// ErrInvalidThreadGroup is returned when a pass declares a thread group
	// with a zero dimension.
	ErrInvalidThreadGroup = errors.New("sim: invalid thread group shape")

	// ErrInvalidDispatchDims is returned for an unknown dispatch dimensionality.
	ErrInvalidDispatchDims = errors.New("sim: invalid dispatch dimensionality")
)

// DefaultThreadGroup is the thread group used when a pass iterates over
// particles and declares none.
var DefaultThreadGroup = gpucore.Dim3{X: 64, Y: 1, Z: 1}

// PassKind describes how a pass touches particle data.
type PassKind uint8

// Pass kinds.
const (
	// PassReadOnly does not write particle data. The current buffer is
	// bound as source only.
	PassReadOnly PassKind = iota

	// PassInPlace writes particle data but never kills particles, so the
	// current buffer is both source and destination.
	PassInPlace

	// PassKilling may kill particles. It reads the previous buffer and
	// compacts survivors into a freshly rotated buffer with its own count
	// slot.
	PassKilling
)

// String returns the kind name.
func (k PassKind) String() string {
	switch k {
	case PassReadOnly:
		return "ReadOnly"
	case PassInPlace:
		return "InPlace"
	case PassKilling:
		return "Killing"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// PassCondition selects the ticks a pass runs on.
type PassCondition uint8

// Pass conditions.
const (
	// RunAlways runs the pass on every tick.
	RunAlways PassCondition = iota

	// RunOnReset runs the pass only on ticks that reset the simulation.
	RunOnReset

	// RunWhenSpawning runs the pass only on ticks that spawn particles.
	RunWhenSpawning
)

// DispatchDims is the dimensionality a pass dispatches with.
type DispatchDims uint8

// Dispatch dimensionalities.
const (
	DispatchOneD DispatchDims = iota
	DispatchTwoD
	DispatchThreeD
)

// Pass is one compute pass of a program.
type Pass struct {
	// Name is used in logs and debug labels.
	Name string

	// Kind decides source and destination buffer assignment.
	Kind PassKind

	// Program is the compiled compute program.
	Program gpucore.ProgramID

	// ThreadGroup is the program's thread group shape.
	// Defaults to DefaultThreadGroup when zero.
	ThreadGroup gpucore.Dim3

	// Dims is the dispatch dimensionality used with an iteration source.
	// Particle iteration is always one-dimensional.
	Dims DispatchDims

	// Iterations is how many times the pass runs per tick.
	// Defaults to 1 if <= 0.
	Iterations int

	// IterationSource names a data source of the context whose element
	// count drives the dispatch instead of the particle count.
	IterationSource string

	// ElementCount, when non-zero, overrides the dispatch element count.
	ElementCount uint32

	// Condition selects the ticks the pass runs on.
	Condition PassCondition
}

// NumIterations returns the effective iteration count.
func (p *Pass) NumIterations() int {
	if p.Iterations <= 0 {
		return 1
	}
	return p.Iterations
}

// ThreadShape returns the effective thread group shape.
func (p *Pass) ThreadShape() gpucore.Dim3 {
	if p.ThreadGroup == (gpucore.Dim3{}) {
		return DefaultThreadGroup
	}
	return p.ThreadGroup
}

// WritesParticles reports whether the pass writes particle data.
func (p *Pass) WritesParticles() bool { return p.Kind != PassReadOnly }

// ShouldRun reports whether the pass runs for the given tick instance.
func (p *Pass) ShouldRun(ti *TickInstance) bool {
	switch p.Condition {
	case RunOnReset:
		return ti.Reset
	case RunWhenSpawning:
		return ti.SpawnCount+ti.EventSpawnCount > 0
	default:
		return true
	}
}

// Validate checks the pass configuration.
func (p *Pass) Validate() error {
	if p.ThreadShape().IsZero() {
		return fmt.Errorf("%w: pass %q declares %s", ErrInvalidThreadGroup, p.Name, p.ThreadGroup)
	}
	if p.Dims > DispatchThreeD {
		return fmt.Errorf("%w: pass %q declares %d", ErrInvalidDispatchDims, p.Name, p.Dims)
	}
	return nil
}

// Program is a compiled simulation script: an ordered list of passes and a
// readiness flag. Programs compile asynchronously; a program that is not
// ready is skipped for the frame and retried on the next one.
type Program interface {
	Ready() bool
	Passes() []Pass
}

// ValidateProgram checks every pass of p.
func ValidateProgram(p Program) error {
	passes := p.Passes()
	if len(passes) == 0 {
		return ErrNoPasses
	}
	for i := range passes {
		if err := passes[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// StaticProgram is a Program with a fixed pass list whose readiness is
// flipped by the owner once compilation finishes.
//
// StaticProgram is safe for concurrent use.
type StaticProgram struct {
	passes []Pass
	ready  atomic.Bool
}

// NewProgram creates a program that is immediately ready.
func NewProgram(passes ...Pass) *StaticProgram {
	p := &StaticProgram{passes: passes}
	p.ready.Store(true)
	return p
}

// NewPendingProgram creates a program that is not ready until SetReady.
func NewPendingProgram(passes ...Pass) *StaticProgram {
	return &StaticProgram{passes: passes}
}

// SetReady marks the program as compiled (or not).
func (p *StaticProgram) SetReady(ready bool) { p.ready.Store(ready) }

// Ready reports whether the program can run.
func (p *StaticProgram) Ready() bool { return p.ready.Load() }

// Passes returns the pass list. The slice must not be modified.
func (p *StaticProgram) Passes() []Pass { return p.passes }
