package sim

import (
	"fmt"
	"sync"

	"github.com/gogpu/particles/gpucore"
)

// DataSourceKind identifies a family of per-instance data sources (grids,
// render targets, particle readers, ...). Hooks are registered per kind in
// a HookTable and looked up by the executor.
type DataSourceKind uint16

// DataSource binds one data source to a context. State is the
// per-instance payload handed back to the hooks.
type DataSource struct {
	Name  string
	Kind  DataSourceKind
	State any
}

// HookContext describes the dispatch a hook is called for.
type HookContext struct {
	// Recorder is the command stream being recorded.
	Recorder gpucore.Recorder

	// Context is the simulation being dispatched.
	Context *Context

	// Source is the buffer being read, or nil.
	Source *DataBuffer

	// Destination is the buffer being written, or nil.
	Destination *DataBuffer

	// Pass is the pass being dispatched. Nil for ResetData and PostSimulate.
	Pass *Pass

	// PassIndex and Iteration locate the dispatch within the tick.
	PassIndex int
	Iteration int

	// SourceCount and DestinationCount are the CPU-side element counts.
	SourceCount      uint32
	DestinationCount uint32

	// Reset is set when the tick resets the simulation.
	Reset bool

	// State is the DataSource.State of the hooked source.
	State any
}

// Capability is a bitmask of the hooks a data-source kind implements.
type Capability uint8

// Capabilities.
const (
	CapResetData Capability = 1 << iota
	CapPreStage
	CapPostStage
	CapPostSimulate
	CapElementCount
	CapFinalize
)

// Hooks is the set of callbacks for one data-source kind. Nil entries are
// skipped.
type Hooks struct {
	// ResetData runs before the first pass of a resetting tick.
	ResetData func(hc *HookContext)

	// PreStage runs before every dispatch group touching the source.
	PreStage func(hc *HookContext)

	// PostStage runs after every dispatch group touching the source.
	PostStage func(hc *HookContext)

	// PostSimulate runs after the last pass of a tick.
	PostSimulate func(hc *HookContext)

	// ElementCount returns the iteration element count when the source
	// drives a pass.
	ElementCount func(state any) gpucore.Dim3

	// FinalizePreStage and FinalizePostStage run once per group for every
	// data source touched, after all PreStage or PostStage calls.
	FinalizePreStage  func(rec gpucore.Recorder, state any)
	FinalizePostStage func(rec gpucore.Recorder, state any)
}

// Capabilities returns the mask of non-nil hooks.
func (h *Hooks) Capabilities() Capability {
	var c Capability
	if h.ResetData != nil {
		c |= CapResetData
	}
	if h.PreStage != nil {
		c |= CapPreStage
	}
	if h.PostStage != nil {
		c |= CapPostStage
	}
	if h.PostSimulate != nil {
		c |= CapPostSimulate
	}
	if h.ElementCount != nil {
		c |= CapElementCount
	}
	if h.FinalizePreStage != nil || h.FinalizePostStage != nil {
		c |= CapFinalize
	}
	return c
}

// HookTable maps data-source kinds to their hooks.
//
// HookTable is safe for concurrent use.
type HookTable struct {
	mu    sync.RWMutex
	hooks map[DataSourceKind]*hookEntry
}

type hookEntry struct {
	hooks Hooks
	caps  Capability
}

// NewHookTable creates an empty table.
func NewHookTable() *HookTable {
	return &HookTable{hooks: make(map[DataSourceKind]*hookEntry)}
}

// Register installs the hooks for kind. Registering a kind twice panics.
func (t *HookTable) Register(kind DataSourceKind, hooks Hooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.hooks[kind]; ok {
		panic(fmt.Sprintf("sim: hooks for data source kind %d already registered", kind))
	}
	t.hooks[kind] = &hookEntry{hooks: hooks, caps: hooks.Capabilities()}
}

// Lookup returns the hooks for kind and whether it is present.
func (t *HookTable) Lookup(kind DataSourceKind) (*Hooks, bool) {
	if t == nil {
		return nil, false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.hooks[kind]
	if !ok {
		return nil, false
	}
	return &e.hooks, true
}

// Has reports whether kind implements every capability in caps.
func (t *HookTable) Has(kind DataSourceKind, caps Capability) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.hooks[kind]
	return ok && e.caps&caps == caps
}
