// Package backend selects the device that executes recorded GPU work.
//
// The particles dispatcher only talks to gpucore.Device. Concrete devices
// live in sub-packages and register a factory on import:
//
//	import _ "github.com/gogpu/particles/backend/trace"
//	import _ "github.com/gogpu/particles/backend/native"
//
// # Backend Selection
//
// Use Default to open the best available backend, or Open to request
// a specific backend by name:
//
//	dev, err := backend.Default()
//
//	dev, err := backend.Open(backend.Trace)
//
// # Available Backends
//
//   - "native": Pure Go WebGPU via gogpu/wgpu (Vulkan adapter required)
//   - "trace": in-memory device that records commands and runs CPU kernels
package backend
