package particles

import (
	"fmt"
	"image"
)

// defaultViewRect is used for synthetic views before any real view was
// seen.
var defaultViewRect = image.Rect(0, 0, 64, 64)

// View is the part of a rendered view the dispatcher cares about.
type View struct {
	// Rect is the view rectangle in render-target pixels.
	Rect image.Rectangle

	// Synthetic marks views made up by the dispatcher to drain queued
	// ticks while nothing renders. Passes that sample view data produce
	// meaningless results for them.
	Synthetic bool
}

// CountPhase identifies the render event indirect-draw arguments are
// refreshed for.
type CountPhase uint8

// Count phases.
const (
	// PreOpaque runs before the visibility pass, once every early stage
	// has executed.
	PreOpaque CountPhase = iota

	// PostOpaque runs after the AfterOpaquePass stage.
	PostOpaque
)

// String returns the phase name.
func (p CountPhase) String() string {
	switch p {
	case PreOpaque:
		return "PreOpaque"
	case PostOpaque:
		return "PostOpaque"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}
