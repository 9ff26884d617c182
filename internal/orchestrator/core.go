// Package orchestrator implements the public façade: Core is the single
// entry point an integration (HTTP layer, CLI, or test) calls into. It
// owns no state of its own beyond its collaborators — every operation
// reads or writes through jobstore.Store and mover.Mover, and best-effort
// refreshes internal/index so listings stay fast without the index ever
// becoming an authority.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tidalforge/audiopipe/internal/artifact"
	"github.com/tidalforge/audiopipe/internal/config"
	"github.com/tidalforge/audiopipe/internal/index"
	"github.com/tidalforge/audiopipe/internal/jobmodel"
	"github.com/tidalforge/audiopipe/internal/jobstore"
	"github.com/tidalforge/audiopipe/internal/mover"
	"github.com/tidalforge/audiopipe/internal/queue"
)

// ErrNotFailed is returned by RetryJob when the job is not currently Failed.
var ErrNotFailed = errors.New("orchestrator: job is not in Failed state")

// Core is the CoreContext: every collaborator a simpler design would keep
// as a package-level variable becomes an explicit constructor argument
// here.
type Core struct {
	Config     config.Config
	Store      *jobstore.Store
	Mover      *mover.Mover
	Dispatcher *queue.Dispatcher
	Index      *index.Index

	artifacts *artifact.Store
	now       func() time.Time
}

// New builds a Core from its collaborators. now defaults to time.Now when nil.
func New(cfg config.Config, store *jobstore.Store, m *mover.Mover, d *queue.Dispatcher, idx *index.Index, now func() time.Time) *Core {
	if now == nil {
		now = time.Now
	}
	return &Core{
		Config: cfg, Store: store, Mover: m, Dispatcher: d, Index: idx,
		artifacts: artifact.NewStore(store), now: now,
	}
}

// ArtifactStore exposes the artifact store Core was constructed with, for
// callers (such as the entrypoint, wiring Stage Worker Skeletons) that need
// the same store Core uses for GetJobArtifacts.
func (c *Core) ArtifactStore() *artifact.Store {
	return c.artifacts
}

// JobSummary is the listing projection returned by ListJobs.
type JobSummary struct {
	ID        string
	State     jobmodel.State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateJob creates a fresh job folder in NEW, a written metadata record,
// and a creation log line.
func (c *Core) CreateJob(ctx context.Context, input map[string]any) (string, error) {
	id := uuid.NewString()
	if _, err := c.Store.CreateJob(ctx, id, input); err != nil {
		return "", fmt.Errorf("orchestrator: create job: %w", err)
	}
	if err := c.Store.AppendLog(id, "job created"); err != nil {
		return "", fmt.Errorf("orchestrator: log job creation: %w", err)
	}
	c.Index.Upsert(ctx, id)
	return id, nil
}

// ListJobs enumerates jobs via the derived index, optionally filtered by
// state, sorted by createdAt descending with job ID as the tiebreaker.
func (c *Core) ListJobs(ctx context.Context, state jobmodel.State, limit, offset int) ([]JobSummary, error) {
	var dirName string
	if state != "" {
		dirName = state.DirName()
	}
	rows, err := c.Index.List(ctx, dirName, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: list jobs: %w", err)
	}
	out := make([]JobSummary, 0, len(rows))
	for _, r := range rows {
		st, ok := jobmodel.StateFromDirName(r.State)
		if !ok {
			st = jobmodel.State(r.State)
		}
		out = append(out, JobSummary{ID: r.JobID, State: st, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetJob is the authoritative filesystem read, never the index (the index
// is a listing convenience only).
func (c *Core) GetJob(ctx context.Context, jobID string) (*jobmodel.Job, error) {
	rec, _, err := c.Store.ReadMetadata(jobID)
	if err != nil {
		return nil, err
	}
	return rec.ToJob(), nil
}

// GetJobLog returns one string per log line.
func (c *Core) GetJobLog(ctx context.Context, jobID string) ([]string, error) {
	raw, err := c.Store.ReadLog(jobID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	lines := strings.Split(strings.TrimRight(raw, "\n"), "\n")
	return lines, nil
}

// GetJobArtifacts lists every artifact written so far for jobID.
func (c *Core) GetJobArtifacts(ctx context.Context, jobID string) (map[string][]string, error) {
	return c.artifacts.List(jobID)
}

// RetryJob: only a Failed job may be retried. It clears the failed
// stage's record, moves the job to Initial under ActorUser, and logs the
// supplied reason.
func (c *Core) RetryJob(ctx context.Context, jobID, reason string) error {
	rec, state, err := c.Store.ReadMetadata(jobID)
	if err != nil {
		return err
	}
	if state != jobmodel.StateFailed {
		return fmt.Errorf("%w: %s is %s", ErrNotFailed, jobID, state)
	}

	failedStage := ""
	for name, sr := range rec.Stages {
		if sr.Status == jobmodel.StageFailed {
			failedStage = name
			break
		}
	}

	if _, err := c.Store.UpdateMetadata(jobID, func(r *jobmodel.MetadataRecord) error {
		if failedStage != "" {
			delete(r.Stages, failedStage)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("orchestrator: clear failed stage record: %w", err)
	}

	if err := c.Mover.MoveJob(ctx, jobID, jobmodel.StateFailed, jobmodel.StateInitial, jobmodel.ActorUser, 1); err != nil {
		return fmt.Errorf("orchestrator: retry %s: %w", jobID, err)
	}
	if err := c.Store.AppendLog(jobID, reason); err != nil {
		return fmt.Errorf("orchestrator: log retry reason: %w", err)
	}
	c.Index.Upsert(ctx, jobID)
	return nil
}

// TransitionJob exposes the Mover directly for integrations. stageIndex is
// the 1-indexed stage position the caller is acting at; it only matters
// for edges whose authorization is stage-specific.
func (c *Core) TransitionJob(ctx context.Context, jobID string, to jobmodel.State, actor jobmodel.Actor, stageIndex int) error {
	rec, from, err := c.Store.ReadMetadata(jobID)
	if err != nil {
		return err
	}
	_ = rec
	if err := c.Mover.MoveJob(ctx, jobID, from, to, actor, stageIndex); err != nil {
		return err
	}
	c.Index.Upsert(ctx, jobID)
	return nil
}
