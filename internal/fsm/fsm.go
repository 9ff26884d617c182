// Package fsm provides a small, test-friendly transition runner. It is
// deliberately stateless: the orchestrator's state is the filesystem, so
// nothing in this package caches a job's current state across calls —
// every Fire takes the caller's freshly-observed (from, to, actor) and the
// jobmodel.Table decides authorization.
package fsm

import (
	"context"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
)

// Guard may reject a transition before any side effect runs. Action performs
// the transition's side effect (e.g. the directory rename); it only runs if
// Guard passes.
type Guard func(ctx context.Context, from, to jobmodel.State, actor jobmodel.Actor) error
type Action func(ctx context.Context, from, to jobmodel.State, actor jobmodel.Actor) error

// Runner sequences Validate -> Guard -> Action for a single transition
// attempt against a fixed authorization table and pipeline position.
type Runner struct {
	Table      *jobmodel.Table
	StageIndex int
	Guard      Guard
	Action     Action
}

// New constructs a Runner pinned to the given table and 1-indexed stage
// position.
func New(table *jobmodel.Table, stageIndex int) *Runner {
	return &Runner{Table: table, StageIndex: stageIndex}
}

// Fire validates (from, to, actor) against the table, then runs Guard and
// Action in order, stopping at the first error. It performs no I/O itself
// and holds no lock across the call — callers (the Atomic Mover) are
// responsible for making the underlying filesystem operation itself the
// serialization point.
func (r *Runner) Fire(ctx context.Context, from, to jobmodel.State, actor jobmodel.Actor) error {
	if err := r.Table.Validate(from, to, actor, r.StageIndex); err != nil {
		return err
	}
	if r.Guard != nil {
		if err := r.Guard(ctx, from, to, actor); err != nil {
			return err
		}
	}
	if r.Action != nil {
		if err := r.Action(ctx, from, to, actor); err != nil {
			return err
		}
	}
	return nil
}
