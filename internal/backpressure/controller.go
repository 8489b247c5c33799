// Package backpressure decides what happens to queued ticks when the host
// keeps submitting simulation work but stops rendering frames.
//
// The controller counts host frames since the last real render. Once the
// count exceeds the configured maximum it reports its policy and starts
// counting again. The policy is static configuration.
package backpressure

import "fmt"

// DefaultMaxQueuedFrames is the number of frames without rendering that are
// tolerated before the policy is applied.
const DefaultMaxQueuedFrames = 10

// Policy is the action taken when the controller stalls.
type Policy uint8

// Policies.
const (
	// Hold keeps ticks queued. Rendering resumes with a large catch-up.
	Hold Policy = iota

	// DrainWithSyntheticView runs every stage once with a synthetic,
	// zero-sized view so queued ticks are consumed. Passes sampling view
	// data produce incorrect results for that frame.
	DrainWithSyntheticView

	// Discard drops every queued tick and resets every simulation.
	Discard
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case Hold:
		return "Hold"
	case DrainWithSyntheticView:
		return "DrainWithSyntheticView"
	case Discard:
		return "Discard"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// State is the controller state.
type State uint8

// States.
const (
	// Flowing means frames are being rendered.
	Flowing State = iota

	// Stalled means the frame limit was exceeded since the last render.
	Stalled
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Flowing:
		return "Flowing"
	case Stalled:
		return "Stalled"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Config configures a Controller.
type Config struct {
	// MaxQueuedFrames is the number of frames without a render tolerated
	// before the policy applies.
	// Defaults to DefaultMaxQueuedFrames if <= 0.
	MaxQueuedFrames int

	// Policy is applied each time the limit is exceeded.
	Policy Policy
}

// Controller is the Flowing/Stalled state machine.
//
// Controller is not safe for concurrent use.
type Controller struct {
	maxFrames int
	policy    Policy

	frames   int
	state    State
	triggers uint64
}

// New creates a controller in the Flowing state.
func New(cfg Config) *Controller {
	maxFrames := cfg.MaxQueuedFrames
	if maxFrames <= 0 {
		maxFrames = DefaultMaxQueuedFrames
	}
	return &Controller{maxFrames: maxFrames, policy: cfg.Policy}
}

// Tick counts one host frame with queued work and reports whether the
// policy must be applied now. force applies it regardless of the count.
// Applying the policy restarts the count.
func (c *Controller) Tick(force bool) (Policy, bool) {
	c.frames++
	if !force && c.frames <= c.maxFrames {
		return c.policy, false
	}
	c.frames = 0
	c.state = Stalled
	c.triggers++
	return c.policy, true
}

// Reset records a real render: the count restarts and the controller
// flows again.
func (c *Controller) Reset() {
	c.frames = 0
	c.state = Flowing
}

// Frames returns the frames counted since the last render or trigger.
func (c *Controller) Frames() int { return c.frames }

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Policy returns the configured policy.
func (c *Controller) Policy() Policy { return c.policy }

// MaxQueuedFrames returns the effective frame limit.
func (c *Controller) MaxQueuedFrames() int { return c.maxFrames }

// Triggers returns how many times the policy was applied.
func (c *Controller) Triggers() uint64 { return c.triggers }
