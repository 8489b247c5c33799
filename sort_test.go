package particles

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gogpu/particles/backend/trace"
	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/internal/slots"
	"github.com/gogpu/particles/sim"
)

// sortKeysKernel is the CPU version of shaders/sort_keys.wgsl.
func sortKeysKernel(mem trace.Memory, bindings []gpucore.Binding, _ gpucore.Dim3) {
	var particles, keys, counts, values, params []byte
	for _, b := range bindings {
		data := mem.Bytes(b.Buffer)
		switch b.Slot {
		case sim.BindingSource:
			particles = data
		case sim.BindingDestination:
			keys = data
		case sim.BindingCounts:
			counts = data
		case sim.BindingIDTable:
			values = data
		case sim.BindingParams:
			params = data[b.Offset : b.Offset+sortParamsSize]
		}
	}
	word := func(buf []byte, i uint32) uint32 { return binary.LittleEndian.Uint32(buf[i*4:]) }
	countOffset, num, stride := word(params, 0), word(params, 1), word(params, 2)
	attr, out, emitter, desc := word(params, 3), word(params, 4), word(params, 5), word(params, 6)

	live := num
	if countOffset != sim.InvalidSlot {
		live = min(word(counts, countOffset), num)
	}
	for i := uint32(0); i < num; i++ {
		key := uint32(0xFFFFFFFF)
		if i < live {
			bits := word(particles, i*stride+attr)
			if bits&0x80000000 != 0 {
				bits = ^bits
			} else {
				bits |= 0x80000000
			}
			low := bits >> 8
			if desc != 0 {
				low = ^low & 0xFFFFFF
			}
			key = emitter | low
		}
		binary.LittleEndian.PutUint32(keys[(out+i)*4:], key)
		binary.LittleEndian.PutUint32(values[(out+i)*4:], i)
	}
}

// fakeSorter generates the keys of batch 0 into its own buffers.
type fakeSorter struct {
	dev      *trace.Device
	elements uint32
	keys     gpucore.BufferID
	values   gpucore.BufferID
	calls    int
	err      error
}

func (s *fakeSorter) Sort(rec gpucore.Recorder, gen SortKeyGenerator) {
	s.calls++
	if s.elements == 0 {
		s.elements = 64
	}
	if s.keys == gpucore.InvalidID {
		desc := &gpucore.BufferDescriptor{Label: "sort", Size: uint64(s.elements) * 4, Usage: gpucore.BufferUsageStorage}
		s.keys, _ = s.dev.CreateBuffer(desc)
		s.values, _ = s.dev.CreateBuffer(desc)
	}
	s.err = gen.GenerateSortKeys(rec, 0, s.elements, s.keys, s.values)
}

func (s *fakeSorter) destroy(dev *trace.Device) {
	if s.keys != gpucore.InvalidID {
		dev.DestroyBuffer(s.keys)
		dev.DestroyBuffer(s.values)
	}
	s.keys, s.values = gpucore.InvalidID, gpucore.InvalidID
}

// sortFrame runs a frame that adds infos to the sort after planning.
func sortFrame(t *testing.T, env *testEnv, infos ...SortInfo) {
	t.Helper()
	if err := env.d.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := env.d.BeforeViewSetup(true); err != nil {
		t.Fatal(err)
	}
	for _, info := range infos {
		if err := env.d.AddSortedSimulation(info); err != nil {
			t.Fatalf("AddSortedSimulation: %v", err)
		}
	}
	if err := env.d.AfterViewSetup(testViews, true); err != nil {
		t.Fatal(err)
	}
	if err := env.d.AfterOpaquePass(testViews, true); err != nil {
		t.Fatal(err)
	}
	if err := env.d.EndFrame(); err != nil {
		t.Fatal(err)
	}
}

func TestGenerateSortKeys(t *testing.T) {
	sorter := &fakeSorter{elements: 16}
	env := newTestEnv(t, func(sim.DispatchParams) uint32 { return 6 }, WithSortManager(sorter))
	sorter.dev = env.dev
	t.Cleanup(func() { sorter.destroy(env.dev) })

	ctx := env.context(t, sim.ContextConfig{Stride: 8})
	p := env.register(t, sim.AfterViewSetup, ctx)
	p.QueueTick(spawn(ctx, 10))
	sortFrame(t, env, SortInfo{Context: ctx, ElementIndex: 3, AttributeOffset: 4})

	if sorter.calls != 1 || sorter.err != nil {
		t.Fatalf("Sort called %d times, last error %v", sorter.calls, sorter.err)
	}
	// Zero attributes encode to 0x800000 in the low bits.
	keys := env.dev.Uint32s(sorter.keys)
	values := env.dev.Uint32s(sorter.values)
	for i := uint32(0); i < 10; i++ {
		want := uint32(3<<EmitterKeyShift | 0x800000)
		if i >= 6 {
			want = 0xFFFFFFFF
		}
		if keys[i] != want {
			t.Errorf("key %d = %#x, want %#x", i, keys[i], want)
		}
		if values[i] != i {
			t.Errorf("value %d = %d, want %d", i, values[i], i)
		}
	}
	if keys[10] != 0 {
		t.Errorf("key 10 = %#x, written past the simulation", keys[10])
	}
	if env.dev.State(env.d.counts.Buffer()) != slots.DefaultState {
		t.Errorf("count buffer left in %s", env.dev.State(env.d.counts.Buffer()))
	}

	// Infos are per frame.
	p.QueueTick(spawn(ctx, 1))
	sortFrame(t, env)
	if sorter.calls != 1 {
		t.Errorf("Sort called without sorted simulations")
	}
}

func TestSortKeysOrderAttribute(t *testing.T) {
	sorter := &fakeSorter{elements: 8}
	env := newTestEnv(t, nil, WithSortManager(sorter))
	sorter.dev = env.dev
	t.Cleanup(func() { sorter.destroy(env.dev) })

	ctx := env.context(t, sim.ContextConfig{Stride: 4}, sim.Pass{Name: "update", Kind: sim.PassInPlace})
	p := env.register(t, sim.BeforeViewSetup, ctx)
	p.QueueTick(spawn(ctx, 3))
	env.frame(t)

	attrs := []float32{-2, 0.5, 8}
	data := make([]byte, 4*len(attrs))
	for i, f := range attrs {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(f))
	}
	if err := env.dev.WriteBuffer(ctx.Current.ID, 0, data); err != nil {
		t.Fatal(err)
	}

	for _, descending := range []bool{false, true} {
		p.QueueTick(spawn(ctx, 0))
		sortFrame(t, env, SortInfo{Context: ctx, Descending: descending})
		keys := env.dev.Uint32s(sorter.keys)
		for i := 0; i+1 < len(attrs); i++ {
			ascending := keys[i] < keys[i+1]
			if ascending == descending {
				t.Errorf("descending=%v: keys %#x, %#x out of order", descending, keys[i], keys[i+1])
			}
		}
	}
}

func TestAddSortedSimulationValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := env.context(t, sim.ContextConfig{Stride: 8})
	tests := []struct {
		name    string
		info    SortInfo
		wantErr bool
	}{
		{"valid", SortInfo{Context: ctx, AttributeOffset: 4}, false},
		{"no context", SortInfo{}, true},
		{"element index", SortInfo{Context: ctx, ElementIndex: MaxSortBatchElements}, true},
		{"unaligned attribute", SortInfo{Context: ctx, AttributeOffset: 2}, true},
		{"attribute past stride", SortInfo{Context: ctx, AttributeOffset: 8}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := env.d.AddSortedSimulation(tt.info); (err != nil) != tt.wantErr {
				t.Errorf("AddSortedSimulation() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIndirectDrawPhases(t *testing.T) {
	var phases []CountPhase
	var buffers []gpucore.BufferID
	env := newTestEnv(t, nil, WithIndirectDraw(func(_ gpucore.Recorder, counts gpucore.BufferID, phase CountPhase) {
		phases = append(phases, phase)
		buffers = append(buffers, counts)
	}))
	ctx := env.context(t, sim.ContextConfig{})
	p := env.register(t, sim.AfterOpaquePass, ctx)

	p.QueueTick(spawn(ctx, 4))
	env.frame(t)
	if len(phases) != 2 || phases[0] != PreOpaque || phases[1] != PostOpaque {
		t.Fatalf("phases = %v, want [PreOpaque PostOpaque]", phases)
	}
	for _, b := range buffers {
		if b != env.d.counts.Buffer() {
			t.Errorf("indirect draw got buffer %d, want the count buffer %d", b, env.d.counts.Buffer())
		}
	}
}

func TestCountPhaseString(t *testing.T) {
	tests := []struct {
		p    CountPhase
		want string
	}{
		{PreOpaque, "PreOpaque"},
		{PostOpaque, "PostOpaque"},
		{CountPhase(5), "Unknown(5)"},
	}
	for _, tt := range tests {
		if got := tt.p.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
