// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package schedule

import (
	"github.com/gogpu/particles/gpucore"
	"github.com/gogpu/particles/sim"
)

type hookKind uint8

const (
	hookResetData hookKind = iota
	hookPreStage
	hookPostStage
	hookPostSimulate
)

// runHooks calls the hook of the given kind on every data source of d's
// context. Pre- and post-stage hooks also queue the source for
// finalization.
func (e *Executor) runHooks(rec gpucore.Recorder, d *DispatchInstance, kind hookKind) {
	ctx := d.Context()
	sources := ctx.DataSources()
	for i := range sources {
		ds := &sources[i]
		h, ok := e.hooks.Lookup(ds.Kind)
		if !ok {
			continue
		}

		var fn func(*sim.HookContext)
		switch kind {
		case hookResetData:
			fn = h.ResetData
		case hookPreStage:
			fn = h.PreStage
			if h.FinalizePreStage != nil {
				e.queueFinalize(ds)
			}
		case hookPostStage:
			fn = h.PostStage
			if h.FinalizePostStage != nil {
				e.queueFinalize(ds)
			}
		case hookPostSimulate:
			fn = h.PostSimulate
		}
		if fn == nil {
			continue
		}
		fn(&sim.HookContext{
			Recorder:         rec,
			Context:          ctx,
			Source:           d.Source,
			Destination:      d.Destination,
			Pass:             d.Pass(),
			PassIndex:        d.PassIndex,
			Iteration:        d.Iteration,
			SourceCount:      d.SourceNumInstances,
			DestinationCount: d.DestinationNumInstances,
			Reset:            d.Instance.Reset,
			State:            ds.State,
		})
	}
}

func (e *Executor) queueFinalize(ds *sim.DataSource) {
	for _, q := range e.finalizeBuf {
		if q == ds {
			return
		}
	}
	e.finalizeBuf = append(e.finalizeBuf, ds)
}

// finalize runs the queued finalize hooks once per data source.
func (e *Executor) finalize(rec gpucore.Recorder, pre bool) {
	for _, ds := range e.finalizeBuf {
		h, ok := e.hooks.Lookup(ds.Kind)
		if !ok {
			continue
		}
		if pre && h.FinalizePreStage != nil {
			h.FinalizePreStage(rec, ds.State)
		}
		if !pre && h.FinalizePostStage != nil {
			h.FinalizePostStage(rec, ds.State)
		}
	}
	e.finalizeBuf = e.finalizeBuf[:0]
}
