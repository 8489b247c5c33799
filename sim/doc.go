// Package sim defines the simulation-side data model of the particle
// dispatch scheduler: simulation contexts and their rotating data buffers,
// compute programs made of passes, ticks, and the capability table of
// per-instance data-source hooks.
//
// A [Context] is owned by its simulation instance. Fields documented as
// scheduler state are mutated only by the scheduler while it plans and
// executes a frame.
package sim
