// Package mover implements the Atomic Mover: the single primitive that
// performs a job state transition as one filesystem rename, wrapping
// internal/fsm.Runner so validation, the rename, the metadata rewrite, and
// the log line all happen in one call.
package mover

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidalforge/audiopipe/internal/fsm"
	"github.com/tidalforge/audiopipe/internal/jobmodel"
	"github.com/tidalforge/audiopipe/internal/jobstore"
	xlog "github.com/tidalforge/audiopipe/internal/log"
	"github.com/tidalforge/audiopipe/internal/metrics"
	"github.com/tidalforge/audiopipe/internal/telemetry"
)

var tracer = telemetry.Tracer("audiopipe/mover")

var (
	// ErrNotFoundInState is raised when the job is not present under fromState.
	ErrNotFoundInState = errors.New("mover: job not found in source state")
	// ErrAlreadyExistsInTarget is raised when a job folder already occupies
	// the destination state, whether detected by the pre-check or by losing
	// the rename race.
	ErrAlreadyExistsInTarget = errors.New("mover: job already exists in target state")
	// ErrUnexpectedState is returned by MoveJobIdempotent when the job is in
	// neither toState nor expectedFrom.
	ErrUnexpectedState = errors.New("mover: job is in an unexpected state")
	// ErrNonAtomicFilesystem re-exports jobstore's probe error so callers of
	// this package don't need to import jobstore to recognize it.
	ErrNonAtomicFilesystem = jobstore.ErrNonAtomicFilesystem
)

// defaultLeaseTTL backstops any stage whose configured lease duration is
// zero or whose index falls outside the leaseTTLs the Mover was built with.
const defaultLeaseTTL = 30 * time.Second

// Mover performs transitions for a pipeline with a fixed number of stages.
type Mover struct {
	Table *jobmodel.Table
	Store *jobstore.Store

	// leaseTTLs is indexed by stageIndex-1; a zero or missing entry falls
	// back to defaultLeaseTTL.
	leaseTTLs []time.Duration
}

// New builds a Mover for a pipeline of stageCount stages, leasing every
// claim for defaultLeaseTTL.
func New(stageCount int, store *jobstore.Store) *Mover {
	return &Mover{Table: jobmodel.NewTable(stageCount), Store: store}
}

// NewWithLeaseTTLs builds a Mover whose claims are leased per the
// StageConfig.LeaseTTL the caller configured for each stage (1-indexed via
// leaseTTLs[stageIndex-1]).
func NewWithLeaseTTLs(stageCount int, store *jobstore.Store, leaseTTLs []time.Duration) *Mover {
	m := New(stageCount, store)
	m.leaseTTLs = leaseTTLs
	return m
}

func (m *Mover) leaseTTL(stageIndex int) time.Duration {
	if stageIndex >= 1 && stageIndex <= len(m.leaseTTLs) && m.leaseTTLs[stageIndex-1] > 0 {
		return m.leaseTTLs[stageIndex-1]
	}
	return defaultLeaseTTL
}

// MoveJob performs the full validate-then-rename transition. stageIndex is
// the 1-indexed stage the calling actor is operating at; it affects
// authorization for edges whose allowed actor is stage-specific
// (Initial→Claimed, Claimed→Running, Running→{Completed,Failed},
// Completed→Claimed) and selects the lease duration granted on a move to
// Claimed.
func (m *Mover) MoveJob(ctx context.Context, jobID string, from, to jobmodel.State, actor jobmodel.Actor, stageIndex int) error {
	ctx, span := tracer.Start(ctx, "moveJob", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.String("state.from", string(from)),
		attribute.String("state.to", string(to)),
		attribute.String("actor", string(actor)),
	))
	defer span.End()

	runner := fsm.New(m.Table, stageIndex)
	runner.Action = func(ctx context.Context, from, to jobmodel.State, actor jobmodel.Actor) error {
		return m.rename(ctx, jobID, from, to, actor, stageIndex)
	}
	err := runner.Fire(ctx, from, to, actor)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		var terr *jobmodel.TransitionError
		if errors.As(err, &terr) {
			metrics.TransitionErrorsTotal.WithLabelValues(terr.Reason).Inc()
		} else {
			metrics.TransitionErrorsTotal.WithLabelValues("filesystem").Inc()
		}
		return err
	}
	metrics.TransitionsTotal.WithLabelValues(string(to), string(actor)).Inc()
	return nil
}

// rename performs the existence pre-checks, the directory rename itself
// (the authoritative serialization point: two workers racing on the same
// rename leave exactly one winner), and the metadata/log updates that
// follow a successful move.
func (m *Mover) rename(ctx context.Context, jobID string, from, to jobmodel.State, actor jobmodel.Actor, stageIndex int) error {
	fromDir := m.Store.JobDirForState(from, jobID)
	toDir := m.Store.JobDirForState(to, jobID)

	if _, err := os.Stat(fromDir); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s/%s", ErrNotFoundInState, from, jobID)
		}
		return fmt.Errorf("mover: stat %s: %w", fromDir, err)
	}
	if _, err := os.Stat(toDir); err == nil {
		return fmt.Errorf("%w: %s/%s", ErrAlreadyExistsInTarget, to, jobID)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("mover: stat %s: %w", toDir, err)
	}

	if err := os.MkdirAll(m.Store.Layout.StateDir(to), 0o750); err != nil {
		return fmt.Errorf("mover: ensure state dir %s: %w", to, err)
	}

	if err := os.Rename(fromDir, toDir); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) {
			if errors.Is(linkErr.Err, syscall.EXDEV) {
				return fmt.Errorf("%w: %v", ErrNonAtomicFilesystem, err)
			}
			if os.IsExist(linkErr.Err) || errors.Is(linkErr.Err, syscall.ENOTEMPTY) {
				return fmt.Errorf("%w: %s/%s", ErrAlreadyExistsInTarget, to, jobID)
			}
		}
		return fmt.Errorf("mover: rename %s -> %s: %w", fromDir, toDir, err)
	}

	rec, err := m.Store.ReadMetadataAt(toDir)
	if err != nil {
		return fmt.Errorf("mover: read metadata after move: %w", err)
	}
	rec.State = to.DirName()
	rec.UpdatedAt = time.Now().UTC()

	switch to {
	case jobmodel.StateClaimed:
		// The claim is the write side of the lease: custody passes to actor
		// for leaseTTL(stageIndex), per SPEC_FULL.md §4.5.
		rec.OwnerID = string(actor)
		exp := rec.UpdatedAt.Add(m.leaseTTL(stageIndex))
		rec.LeaseExpiresAt = &exp
	case jobmodel.StateInitial, jobmodel.StateCompleted, jobmodel.StateFailed:
		// Custody is released on terminal states and on return to Initial
		// (retry or reclaim); a stale owner/lease must not survive the move.
		rec.OwnerID = ""
		rec.LeaseExpiresAt = nil
	}

	if err := m.Store.WriteMetadataAt(toDir, rec); err != nil {
		return fmt.Errorf("mover: write metadata after move: %w", err)
	}

	if err := m.Store.AppendLog(jobID, fmt.Sprintf("Transitioned to %s by %s", to, actor)); err != nil {
		return fmt.Errorf("mover: append transition log: %w", err)
	}

	xlog.WithTraceContext(ctx).Info().
		Str("job_id", jobID).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("actor", string(actor)).
		Msg("job transitioned")

	return nil
}

// MoveJobIdempotent is safe to retry: if the job already sits in toState it
// returns success without touching the filesystem again.
func (m *Mover) MoveJobIdempotent(ctx context.Context, jobID string, expectedFrom, to jobmodel.State, actor jobmodel.Actor, stageIndex int) error {
	_, state, err := m.Store.ReadMetadata(jobID)
	if err != nil {
		return err
	}
	if state == to {
		return nil
	}
	if state != expectedFrom {
		return fmt.Errorf("%w: expected %s, found %s", ErrUnexpectedState, expectedFrom, state)
	}
	return m.MoveJob(ctx, jobID, expectedFrom, to, actor, stageIndex)
}

// Reclaim: if jobID sits in Claimed or Running with an absent or expired
// lease, it is moved back to Initial under
// ActorSystem and the reclaim reason is logged. It is a no-op if the lease
// is still valid or the job is not in an intermediate state.
func (m *Mover) Reclaim(ctx context.Context, jobID string) error {
	rec, state, err := m.Store.ReadMetadata(jobID)
	if err != nil {
		return err
	}
	if state != jobmodel.StateClaimed && state != jobmodel.StateRunning {
		return nil
	}

	now := time.Now().UTC()
	var reason string
	switch {
	case rec.LeaseExpiresAt == nil:
		reason = "lease absent"
	case rec.LeaseExpiresAt.Before(now):
		reason = "lease expired"
	default:
		return nil // still validly owned
	}

	// Claimed→Initial and Running→Initial are both authorized for System
	// regardless of stage position, so the stage index passed here is
	// immaterial to the authorization decision.
	if err := m.MoveJob(ctx, jobID, state, jobmodel.StateInitial, jobmodel.ActorSystem, 1); err != nil {
		return fmt.Errorf("mover: reclaim %s: %w", jobID, err)
	}
	if err := m.Store.AppendLog(jobID, fmt.Sprintf("reclaimed: %s", reason)); err != nil {
		return fmt.Errorf("mover: append reclaim log: %w", err)
	}
	return nil
}
