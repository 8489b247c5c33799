// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package schedule turns queued simulation ticks into ordered dispatch
// groups and records them onto a gpucore.Recorder.
//
// Planning and execution are split. Plan runs once per frame for every
// stage, before any GPU work of that frame is recorded, and decides which
// buffers each pass reads and writes, which count slots it uses, and how
// many elements each buffer must hold. Execute later walks the groups of
// one stage, in order, when the render pipeline reaches that stage.
//
// Groups execute strictly sequentially. Instances inside one group have no
// ordering between them and may overlap on the GPU.
package schedule

import (
	"github.com/gogpu/particles/sim"
)

// InstanceFlags mark the role of a DispatchInstance within its tick.
type InstanceFlags uint8

const (
	// FlagFirstStage is set on the first dispatch of an instance's tick.
	FlagFirstStage InstanceFlags = 1 << iota

	// FlagLastStage is set on the last dispatch of an instance's tick.
	FlagLastStage

	// FlagSetDataToRender is set on the last dispatch of the frame for a
	// context. Its output becomes the context's data to render.
	FlagSetDataToRender
)

// Has reports whether every flag in f2 is set.
func (f InstanceFlags) Has(f2 InstanceFlags) bool { return f&f2 == f2 }

// DispatchInstance is one pass iteration of one tick instance.
type DispatchInstance struct {
	Tick     *sim.Tick
	Instance *sim.TickInstance

	PassIndex int
	Iteration int

	// Source equals Destination for in-place passes.
	Source             *sim.DataBuffer
	SourceCountOffset  uint32
	SourceNumInstances uint32

	// Destination is nil for read-only passes.
	Destination             *sim.DataBuffer
	DestinationCountOffset  uint32
	DestinationNumInstances uint32

	Flags InstanceFlags
}

// Context returns the simulation context the instance belongs to.
func (d *DispatchInstance) Context() *sim.Context { return d.Instance.Context }

// Pass returns the pass being dispatched.
func (d *DispatchInstance) Pass() *sim.Pass {
	return &d.Instance.Context.Program().Passes()[d.PassIndex]
}

// Output returns the buffer holding the result of the dispatch.
func (d *DispatchInstance) Output() *sim.DataBuffer {
	if d.Destination != nil {
		return d.Destination
	}
	return d.Source
}

// DispatchGroup is an unordered set of instances that run after every
// instance of the previous group.
type DispatchGroup struct {
	Instances []DispatchInstance

	// FreeIDUpdates lists contexts whose free-id list is rebuilt after the
	// group.
	FreeIDUpdates []*sim.Context
}

// StageList is the planned work of one tick stage.
type StageList struct {
	Groups []DispatchGroup

	// CountsToRelease are count slots whose last reader is in this list.
	// They are released once the stage's work is finished.
	CountsToRelease []uint32

	// Ticks keeps the planned ticks alive until execution; instances point
	// into it.
	Ticks [][]sim.Tick
}

// HasWork reports whether the list has anything to execute.
func (l *StageList) HasWork() bool { return len(l.Groups) > 0 }

// NumDispatches returns the total number of planned instances.
func (l *StageList) NumDispatches() int {
	n := 0
	for i := range l.Groups {
		n += len(l.Groups[i].Instances)
	}
	return n
}

// preallocate makes sure at least n groups exist.
func (l *StageList) preallocate(n int) {
	for len(l.Groups) < n {
		l.Groups = append(l.Groups, DispatchGroup{})
	}
}

// ClearGroups drops the planned groups and ticks but keeps the counts to
// release.
func (l *StageList) ClearGroups() {
	clear(l.Groups)
	l.Groups = l.Groups[:0]
	clear(l.Ticks)
	l.Ticks = l.Ticks[:0]
}

// Clear drops everything, including pending releases.
func (l *StageList) Clear() {
	l.ClearGroups()
	l.CountsToRelease = l.CountsToRelease[:0]
}

// GroupOf returns the index of the group holding ctx's final dispatch, or
// -1 when ctx has none in this list.
func (l *StageList) GroupOf(ctx *sim.Context) int {
	last := -1
	for gi := range l.Groups {
		for ii := range l.Groups[gi].Instances {
			if l.Groups[gi].Instances[ii].Instance.Context == ctx {
				last = gi
			}
		}
	}
	return last
}

// RemoveContexts drops every planned dispatch and free-id rebuild of the
// given contexts and compacts the groups left empty. It returns the number
// of dispatches removed.
func (l *StageList) RemoveContexts(contexts ...*sim.Context) int {
	owned := func(ctx *sim.Context) bool {
		for _, c := range contexts {
			if c == ctx {
				return true
			}
		}
		return false
	}

	removed := 0
	kept := l.Groups[:0]
	for gi := range l.Groups {
		g := l.Groups[gi]
		instances := g.Instances[:0]
		for _, d := range g.Instances {
			if owned(d.Instance.Context) {
				removed++
				continue
			}
			instances = append(instances, d)
		}
		g.Instances = instances

		updates := g.FreeIDUpdates[:0]
		for _, ctx := range g.FreeIDUpdates {
			if !owned(ctx) {
				updates = append(updates, ctx)
			}
		}
		g.FreeIDUpdates = updates

		if len(g.Instances) > 0 || len(g.FreeIDUpdates) > 0 {
			kept = append(kept, g)
		}
	}
	clear(l.Groups[len(kept):])
	l.Groups = kept

	for _, ctx := range contexts {
		ctx.FinalGroup, ctx.FinalInstance = -1, -1
	}
	for gi := range l.Groups {
		for ii := range l.Groups[gi].Instances {
			ctx := l.Groups[gi].Instances[ii].Instance.Context
			ctx.FinalGroup, ctx.FinalInstance = gi, ii
		}
	}
	return removed
}
