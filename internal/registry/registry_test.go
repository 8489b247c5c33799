package registry

import (
	"testing"

	"github.com/gogpu/particles/sim"
)

func TestRegisterAssignsDenseIndices(t *testing.T) {
	r := New[string]()
	a := r.Register(sim.AfterOpaquePass, "a", 0)
	b := r.Register(sim.AfterOpaquePass, "b", 0)
	c := r.Register(sim.BeforeViewSetup, "c", 0)

	tests := []struct {
		h     Handle
		index int
	}{
		{a, 0},
		{b, 1},
		{c, 0},
	}
	for _, tt := range tests {
		if got := r.Index(tt.h); got != tt.index {
			t.Errorf("Index(%s) = %d, want %d", tt.h, got, tt.index)
		}
	}
	if r.Len(sim.AfterOpaquePass) != 2 || r.Len(sim.BeforeViewSetup) != 1 {
		t.Errorf("Len() = %d, %d; want 2, 1", r.Len(sim.AfterOpaquePass), r.Len(sim.BeforeViewSetup))
	}
	if r.Total() != 3 {
		t.Errorf("Total() = %d, want 3", r.Total())
	}
}

func TestUnregisterSwapRemoves(t *testing.T) {
	r := New[string]()
	a := r.Register(sim.AfterViewSetup, "a", 0)
	b := r.Register(sim.AfterViewSetup, "b", 0)
	c := r.Register(sim.AfterViewSetup, "c", 0)

	if got := r.Unregister(a); got != "a" {
		t.Errorf("Unregister() = %q, want %q", got, "a")
	}

	if got := r.Index(c); got != 0 {
		t.Errorf("moved owner Index() = %d, want 0", got)
	}
	if got := r.Index(b); got != 1 {
		t.Errorf("untouched owner Index() = %d, want 1", got)
	}
	if r.Contains(a) {
		t.Error("Contains(removed) = true, want false")
	}
	var order []string
	r.Each(sim.AfterViewSetup, func(_ Handle, v string) { order = append(order, v) })
	if len(order) != 2 || order[0] != "c" || order[1] != "b" {
		t.Errorf("Each() order = %v, want [c b]", order)
	}
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	r := New[int]()
	old := r.Register(sim.BeforeViewSetup, 1, 0)
	r.Unregister(old)
	fresh := r.Register(sim.BeforeViewSetup, 2, 0)

	if fresh.slot != old.slot {
		t.Fatalf("expected slot reuse, got %d and %d", old.slot, fresh.slot)
	}
	if r.Contains(old) {
		t.Error("stale handle resolves after slot reuse")
	}
	if !r.Contains(fresh) || r.Index(fresh) != 0 {
		t.Errorf("fresh handle Contains() = %v, Index() = %d; want true, 0", r.Contains(fresh), r.Index(fresh))
	}
}

func TestUnregisterUnknownPanics(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *Registry[int]) Handle
	}{
		{"zero handle", func(*Registry[int]) Handle { return Handle{} }},
		{"double unregister", func(r *Registry[int]) Handle {
			h := r.Register(sim.BeforeViewSetup, 1, 0)
			r.Unregister(h)
			return h
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New[int]()
			h := tt.setup(r)
			defer func() {
				if recover() == nil {
					t.Error("Unregister() did not panic")
				}
			}()
			r.Unregister(h)
		})
	}
}

func TestRequirementCounters(t *testing.T) {
	r := New[int]()
	h1 := r.Register(sim.AfterOpaquePass, 1, sim.RequiresDepthBuffer|sim.RequiresDistanceField)
	r.Register(sim.AfterOpaquePass, 2, sim.RequiresDepthBuffer)
	r.Register(sim.AfterViewSetup, 3, sim.RequiresRayTracingScene)

	tests := []struct {
		req      sim.Requirements
		expected int
	}{
		{sim.RequiresDepthBuffer, 2},
		{sim.RequiresDistanceField, 1},
		{sim.RequiresEarlyViewData, 0},
		{sim.RequiresRayTracingScene, 1},
	}
	for _, tt := range tests {
		if got := r.Count(tt.req); got != tt.expected {
			t.Errorf("Count(%d) = %d, want %d", tt.req, got, tt.expected)
		}
	}

	r.Unregister(h1)
	if got := r.Count(sim.RequiresDepthBuffer); got != 1 {
		t.Errorf("Count(DepthBuffer) after unregister = %d, want 1", got)
	}
	if got := r.Count(sim.RequiresDistanceField); got != 0 {
		t.Errorf("Count(DistanceField) after unregister = %d, want 0", got)
	}
}

func TestRegisterInvalidStagePanics(t *testing.T) {
	r := New[int]()
	defer func() {
		if recover() == nil {
			t.Error("Register(invalid stage) did not panic")
		}
	}()
	r.Register(sim.NumTickStages, 1, 0)
}
