package particles

import (
	"github.com/gogpu/particles/internal/backpressure"
	"github.com/gogpu/particles/internal/bufpool"
	"github.com/gogpu/particles/internal/readback"
	"github.com/gogpu/particles/mgpu"
	"github.com/gogpu/particles/sim"
)

// BackpressurePolicy selects what happens to queued ticks once the host
// stopped rendering for longer than the configured number of frames.
type BackpressurePolicy = backpressure.Policy

// Backpressure policies.
const (
	// Hold keeps queued ticks until rendering resumes.
	Hold = backpressure.Hold

	// DrainWithSyntheticView executes queued ticks against a synthetic
	// view built from the last real view rectangle.
	DrainWithSyntheticView = backpressure.DrainWithSyntheticView

	// Discard drops queued ticks and resets every simulation.
	Discard = backpressure.Discard
)

// BackpressureState reports whether frames are being rendered.
type BackpressureState = backpressure.State

// Backpressure states.
const (
	// Flowing means BeforeViewSetup ran within the configured number of
	// frames.
	Flowing = backpressure.Flowing

	// Stalled means the frame limit was exceeded since the last render.
	Stalled = backpressure.Stalled
)

// DefaultMaxQueuedFrames is the number of frames without BeforeViewSetup
// tolerated before the backpressure policy applies.
const DefaultMaxQueuedFrames = backpressure.DefaultMaxQueuedFrames

// Option configures a Dispatcher during creation.
//
// Example:
//
//	d, err := particles.New(dev,
//	    particles.WithBackpressure(10, particles.Discard),
//	    particles.WithDebugReadback(true),
//	)
type Option func(*options)

// options holds optional configuration for Dispatcher creation.
type options struct {
	maxQueuedFrames        int
	policy                 BackpressurePolicy
	freeBufferEarly        bool
	lowLatencyTranslucency bool
	submitHint             int
	bufferBudgetMB         int
	readbackWorkers        int
	debugReadback          bool
	hooks                  *sim.HookTable
	strategy               mgpu.Strategy
	sorter                 SortManager
	indirectDraw           IndirectDrawUpdater
}

// defaultOptions returns the default dispatcher options.
func defaultOptions() options {
	return options{
		maxQueuedFrames:        backpressure.DefaultMaxQueuedFrames,
		policy:                 DrainWithSyntheticView,
		freeBufferEarly:        true,
		lowLatencyTranslucency: true,
		bufferBudgetMB:         bufpool.DefaultMaxMemoryMB,
		readbackWorkers:        readback.DefaultWorkers,
	}
}

// WithBackpressure sets how many frames ticks may queue up without
// rendering and what happens once that is exceeded.
// maxQueuedFrames defaults to 10 if <= 0.
func WithBackpressure(maxQueuedFrames int, policy BackpressurePolicy) Option {
	return func(o *options) {
		o.maxQueuedFrames = maxQueuedFrames
		o.policy = policy
	}
}

// WithFreeBufferEarly sizes simulation buffers to the live element peak
// and releases them entirely when a simulation is empty. When disabled,
// buffers are also sized for the spawn maximum. Enabled by default.
func WithFreeBufferEarly(enabled bool) Option {
	return func(o *options) {
		o.freeBufferEarly = enabled
	}
}

// WithLowLatencyTranslucency lets translucent consumers read the output
// of AfterOpaquePass simulations in the same frame. Enabled by default.
func WithLowLatencyTranslucency(enabled bool) Option {
	return func(o *options) {
		o.lowLatencyTranslucency = enabled
	}
}

// WithSubmitHint asks the device to flush recorded work every n
// dispatches. Zero, the default, disables hints.
func WithSubmitHint(n int) Option {
	return func(o *options) {
		o.submitHint = n
	}
}

// WithBufferBudget sets the memory budget of the simulation buffer pool
// in megabytes.
func WithBufferBudget(megabytes int) Option {
	return func(o *options) {
		o.bufferBudgetMB = megabytes
	}
}

// WithReadbackWorkers bounds concurrent GPU readbacks.
func WithReadbackWorkers(n int) Option {
	return func(o *options) {
		o.readbackWorkers = n
	}
}

// WithDebugReadback enables RequestInstanceSnapshot.
func WithDebugReadback(enabled bool) Option {
	return func(o *options) {
		o.debugReadback = enabled
	}
}

// WithHooks sets the data-source hook table consulted during execution.
func WithHooks(hooks *sim.HookTable) Option {
	return func(o *options) {
		o.hooks = hooks
	}
}

// WithMultiGPU installs a multi-device synchronization strategy such as
// mgpu.NewAFR.
func WithMultiGPU(s mgpu.Strategy) Option {
	return func(o *options) {
		o.strategy = s
	}
}

// WithSortManager connects the host's GPU sort service.
func WithSortManager(m SortManager) Option {
	return func(o *options) {
		o.sorter = m
	}
}

// WithIndirectDraw installs the callback that refreshes indirect-draw
// arguments from the instance count buffer.
func WithIndirectDraw(fn IndirectDrawUpdater) Option {
	return func(o *options) {
		o.indirectDraw = fn
	}
}
