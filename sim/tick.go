package sim

// Tick is one request to advance a simulation system by one step. A system
// with several contexts (emitters) carries one TickInstance per context.
type Tick struct {
	// Instances are the per-context updates, in dependency order.
	Instances []TickInstance

	// Final is set by the scheduler on the last queued tick of a frame.
	// Only the final tick's output becomes the data to render.
	Final bool
}

// TickInstance is the update of one context within a tick.
type TickInstance struct {
	// Context is the simulation being advanced.
	Context *Context

	// Reset discards all prior state before this tick runs.
	Reset bool

	// SpawnCount and EventSpawnCount are the elements spawned this tick.
	SpawnCount      uint32
	EventSpawnCount uint32

	// MaxSpawnCount is the largest element count the spawn settings can
	// produce. It sizes allocations when buffers are not freed early.
	MaxSpawnCount uint32

	// StartNewGroup places this instance's first dispatch after every
	// dispatch planned so far for the tick, because it reads the
	// current-frame output of an earlier instance.
	StartNewGroup bool
}

// TotalDispatches returns the number of dispatches the instance needs:
// every iteration of every pass that runs for this tick.
func (ti *TickInstance) TotalDispatches() int {
	if ti.Context == nil {
		return 0
	}
	passes := ti.Context.Program().Passes()
	n := 0
	for i := range passes {
		if passes[i].ShouldRun(ti) {
			n += passes[i].NumIterations()
		}
	}
	return n
}

// TotalDispatches returns the dispatch count over all instances.
func (t *Tick) TotalDispatches() int {
	n := 0
	for i := range t.Instances {
		n += t.Instances[i].TotalDispatches()
	}
	return n
}
