package sim

import "fmt"

// TickStage identifies when in the render frame a simulation's GPU work
// runs. It is chosen once per instance and does not change while the
// instance is registered.
type TickStage uint8

// Tick stages, in frame order.
const (
	// BeforeViewSetup runs before views are initialized. Simulations in
	// this stage cannot sample any view-dependent data.
	BeforeViewSetup TickStage = iota

	// AfterViewSetup runs once views exist but before any scene pass.
	AfterViewSetup

	// AfterOpaquePass runs after the opaque pass, so depth and scene
	// textures may be sampled.
	AfterOpaquePass

	// NumTickStages is the number of tick stages.
	NumTickStages
)

// FirstTickStage and LastTickStage bound the stage range.
const (
	FirstTickStage = BeforeViewSetup
	LastTickStage  = AfterOpaquePass
)

// String returns the stage name.
func (s TickStage) String() string {
	switch s {
	case BeforeViewSetup:
		return "BeforeViewSetup"
	case AfterViewSetup:
		return "AfterViewSetup"
	case AfterOpaquePass:
		return "AfterOpaquePass"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Valid reports whether s is one of the defined stages.
func (s TickStage) Valid() bool { return s < NumTickStages }
