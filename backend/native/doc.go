// Package native implements gpucore.Device on top of gogpu/wgpu/hal.
//
// Programs are WGSL compute shaders compiled to SPIR-V with naga. Each
// program gets its own bind group layout built from the binding types of
// its descriptor; bind groups are created per dispatch when a recorder is
// submitted and released once the GPU finished the submission.
//
// # Ordering
//
// wgpu inserts storage barriers between compute passes, not within one.
// The recorder therefore keeps consecutive dispatches in one pass and
// starts a new pass after every transition. Overlap scopes need nothing
// more: dispatches of one pass may already overlap. Copies are encoded
// between passes. Fills run a built-in compute program.
//
// # Submission
//
// Submit encodes and queues the recorded commands without waiting.
// ReadBuffer waits for every queued submission first. Buffers and
// programs destroyed while a submission is in flight are released when it
// completes.
//
// # Devices
//
// Open creates a device on the Vulkan backend. NewFromProvider shares a
// device owned by the host application through gpucontext; the host keeps
// ownership and Close leaves it alive.
package native
