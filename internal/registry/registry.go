// Package registry tracks registered simulation owners per tick stage.
//
// Owners live in a dense per-stage array iterated in registration order.
// Removal swaps the last owner into the vacated position. Callers hold
// generation-tagged handles instead of raw indices, so a handle to a
// removed owner is detected instead of silently aliasing whichever owner
// moved into its slot.
package registry

import (
	"fmt"

	"github.com/gogpu/particles/sim"
)

// Handle identifies a registered owner. The zero Handle is invalid.
type Handle struct {
	slot uint32
	gen  uint32
}

// Valid reports whether h was returned by Register. It does not check
// whether the owner is still registered.
func (h Handle) Valid() bool { return h.gen != 0 }

// String returns "slot#gen".
func (h Handle) String() string { return fmt.Sprintf("%d#%d", h.slot, h.gen) }

type entry[T any] struct {
	handle Handle
	value  T
	req    sim.Requirements
}

type slot struct {
	gen   uint32
	stage sim.TickStage
	dense int
	live  bool
}

// numRequirements is the number of requirement flags counted.
const numRequirements = 4

// Registry is a per-stage table of owners of type T.
//
// Registry is NOT safe for concurrent use.
type Registry[T any] struct {
	stages   [sim.NumTickStages][]entry[T]
	slots    []slot
	free     []uint32
	counters [numRequirements]int
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{}
}

// Register appends v to stage and increments the requirement counters.
// It panics on an invalid stage.
func (r *Registry[T]) Register(stage sim.TickStage, v T, req sim.Requirements) Handle {
	if !stage.Valid() {
		panic(fmt.Sprintf("registry: invalid tick stage %s", stage))
	}

	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		//nolint:gosec // G115: slot count is bounded by live owners
		idx = uint32(len(r.slots))
		r.slots = append(r.slots, slot{})
	}

	s := &r.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.stage = stage
	s.dense = len(r.stages[stage])
	s.live = true

	h := Handle{slot: idx, gen: s.gen}
	r.stages[stage] = append(r.stages[stage], entry[T]{handle: h, value: v, req: req})
	r.count(req, 1)
	return h
}

// Unregister swap-removes the owner of h and decrements the requirement
// counters. It panics if h is not registered.
func (r *Registry[T]) Unregister(h Handle) T {
	s := r.lookup(h)
	if s == nil {
		panic(fmt.Sprintf("registry: unregister of unknown handle %s", h))
	}

	list := r.stages[s.stage]
	removed := list[s.dense]
	last := len(list) - 1
	if s.dense != last {
		list[s.dense] = list[last]
		r.slots[list[s.dense].handle.slot].dense = s.dense
	}
	var zero entry[T]
	list[last] = zero
	r.stages[s.stage] = list[:last]

	s.live = false
	r.free = append(r.free, h.slot)
	r.count(removed.req, -1)
	return removed.value
}

// Contains reports whether h is registered.
func (r *Registry[T]) Contains(h Handle) bool { return r.lookup(h) != nil }

// Index returns the position of h within its stage, or -1.
func (r *Registry[T]) Index(h Handle) int {
	s := r.lookup(h)
	if s == nil {
		return -1
	}
	return s.dense
}

// Len returns the number of owners in stage.
func (r *Registry[T]) Len(stage sim.TickStage) int { return len(r.stages[stage]) }

// Total returns the number of owners over all stages.
func (r *Registry[T]) Total() int {
	n := 0
	for i := range r.stages {
		n += len(r.stages[i])
	}
	return n
}

// Each calls fn for every owner of stage in iteration order.
// fn must not register or unregister.
func (r *Registry[T]) Each(stage sim.TickStage, fn func(Handle, T)) {
	for i := range r.stages[stage] {
		e := &r.stages[stage][i]
		fn(e.handle, e.value)
	}
}

// Count returns how many registered owners declare req.
func (r *Registry[T]) Count(req sim.Requirements) int {
	for bit := 0; bit < numRequirements; bit++ {
		if req == sim.Requirements(1)<<bit {
			return r.counters[bit]
		}
	}
	return 0
}

func (r *Registry[T]) count(req sim.Requirements, delta int) {
	for bit := 0; bit < numRequirements; bit++ {
		if req&(sim.Requirements(1)<<bit) != 0 {
			r.counters[bit] += delta
		}
	}
}

func (r *Registry[T]) lookup(h Handle) *slot {
	if !h.Valid() || int(h.slot) >= len(r.slots) {
		return nil
	}
	s := &r.slots[h.slot]
	if !s.live || s.gen != h.gen {
		return nil
	}
	return s
}
