// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package gpucore provides the device abstraction used by the particle
// dispatch scheduler.
//
// The scheduler never talks to a graphics API directly. It records work
// through two small interfaces:
//   - [Device] owns resources (buffers, compute programs) and submits work.
//   - [Recorder] records an ordered command stream: resource-state
//     transitions, overlap scopes, buffer fills and copies, and compute
//     dispatches.
//
// # Backends
//
//	               +------------------+
//	               |    scheduler     |
//	               | (plan / execute) |
//	               +--------+---------+
//	                        |
//	         +--------------+--------------+
//	         |                             |
//	+--------v--------+          +--------v--------+
//	| backend/native  |          |  backend/trace  |
//	|  (wgpu/hal)     |          |  (in-memory)    |
//	+-----------------+          +-----------------+
//
// Both register a factory with package backend, which opens them by name.
//
// Resource IDs are opaque uint64 handles; [InvalidID] is never a live
// resource.
package gpucore
