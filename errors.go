package particles

import "errors"

// Dispatcher errors.
var (
	// ErrClosed is returned when a closed dispatcher is used.
	ErrClosed = errors.New("particles: dispatcher closed")

	// ErrNilDevice is returned by New without a device.
	ErrNilDevice = errors.New("particles: nil device")

	// ErrInvalidStage is returned for a proxy with an unknown tick stage.
	ErrInvalidStage = errors.New("particles: invalid tick stage")

	// ErrNoContexts is returned for a proxy without simulation contexts.
	ErrNoContexts = errors.New("particles: proxy has no contexts")

	// ErrFrameOrder is returned when a frame entry point is called out of
	// order.
	ErrFrameOrder = errors.New("particles: frame entry point out of order")

	// ErrDebugReadbackDisabled is returned by snapshot requests when the
	// dispatcher was created without WithDebugReadback.
	ErrDebugReadbackDisabled = errors.New("particles: debug readback disabled")

	// ErrNoSortProgram is returned when sort keys are requested without a
	// sort-key program.
	ErrNoSortProgram = errors.New("particles: sort-key program unavailable")
)
