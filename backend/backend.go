package backend

import (
	"errors"

	"github.com/gogpu/particles/gpucore"
)

// Backend name constants.
const (
	// Trace is the name of the in-memory device that runs kernels on the CPU.
	Trace = "trace"
	// Native is the name of the Pure Go GPU device (gogpu/wgpu).
	Native = "native"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not registered.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNilDevice is returned when a factory reports success without a device.
	ErrNilDevice = errors.New("backend: factory returned nil device")
)

// Factory opens a device. Each call returns a new device owned by the caller.
type Factory func() (gpucore.Device, error)
