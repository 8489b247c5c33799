package particles

import (
	"fmt"

	"github.com/gogpu/particles/internal/registry"
	"github.com/gogpu/particles/internal/tickqueue"
	"github.com/gogpu/particles/sim"
)

// ProxyConfig describes a simulation system to register with a
// Dispatcher.
type ProxyConfig struct {
	// Name is used in logs.
	Name string

	// Stage is the tick stage every context of the proxy runs in.
	Stage sim.TickStage

	// Contexts are the system's simulation contexts, in dependency order.
	Contexts []*sim.Context

	// Requirements are the frame resources the system samples.
	Requirements sim.Requirements
}

// Proxy is the dispatcher-side owner of one simulation system. Ticks are
// queued on the proxy and drained by the dispatcher once per frame.
type Proxy struct {
	name     string
	stage    sim.TickStage
	contexts []*sim.Context
	req      sim.Requirements

	ticks *tickqueue.Queue[sim.Tick]

	owner  *Dispatcher
	handle registry.Handle
}

// NewProxy validates cfg and creates an unregistered proxy.
//
// A context whose program declares an invalid pass is a configuration
// error and panics.
func NewProxy(cfg ProxyConfig) (*Proxy, error) {
	if !cfg.Stage.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStage, cfg.Stage)
	}
	if len(cfg.Contexts) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoContexts, cfg.Name)
	}
	for i, ctx := range cfg.Contexts {
		if ctx == nil {
			return nil, fmt.Errorf("%w: %s context %d is nil", ErrNoContexts, cfg.Name, i)
		}
		if err := sim.ValidateProgram(ctx.Program()); err != nil {
			panic(fmt.Sprintf("particles: proxy %s context %s: %v", cfg.Name, ctx.Name(), err))
		}
	}
	return &Proxy{
		name:     cfg.Name,
		stage:    cfg.Stage,
		contexts: append([]*sim.Context(nil), cfg.Contexts...),
		req:      cfg.Requirements,
		ticks:    tickqueue.New[sim.Tick](),
	}, nil
}

// Name returns the proxy name.
func (p *Proxy) Name() string { return p.name }

// Stage returns the tick stage.
func (p *Proxy) Stage() sim.TickStage { return p.stage }

// Contexts returns the simulation contexts. The slice must not be
// modified.
func (p *Proxy) Contexts() []*sim.Context { return p.contexts }

// Requirements returns the declared frame resources.
func (p *Proxy) Requirements() sim.Requirements { return p.req }

// QueueTick appends a tick. Instances must reference the proxy's contexts.
//
// QueueTick is safe for concurrent use, so simulation threads may queue
// while the dispatcher plans.
func (p *Proxy) QueueTick(t sim.Tick) {
	p.ticks.Push(t)
}

// PendingTicks returns the number of queued ticks.
func (p *Proxy) PendingTicks() int { return p.ticks.Len() }

// Registered reports whether the proxy is registered with a dispatcher.
func (p *Proxy) Registered() bool { return p.owner != nil }

// Index returns the proxy's position among the proxies of its stage, or
// -1 when it is not registered. Unregistering another proxy of the stage
// may move it.
func (p *Proxy) Index() int {
	if p.owner == nil {
		return -1
	}
	return p.owner.proxies.Index(p.handle)
}
