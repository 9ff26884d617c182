// Package worker implements the Stage Worker Skeleton: the generic
// process(stageName, jobId) loop that every concrete stage adapter fills
// in with its own doStageWork collaborator. Transient I/O failures are
// retried at this layer with github.com/cenkalti/backoff/v5; once the retry
// budget is exhausted the error is logged to the job, a Running job is
// moved to Failed without a stage record being written, and the error is
// returned to the queue layer.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tidalforge/audiopipe/internal/artifact"
	"github.com/tidalforge/audiopipe/internal/config"
	"github.com/tidalforge/audiopipe/internal/jobmodel"
	xlog "github.com/tidalforge/audiopipe/internal/log"
	"github.com/tidalforge/audiopipe/internal/metrics"
	"github.com/tidalforge/audiopipe/internal/mover"
	"github.com/tidalforge/audiopipe/internal/telemetry"
)

var tracer = telemetry.Tracer("audiopipe/worker")

// Artifact is one output file a stage wants written, the shape doStageWork
// returns on success.
type Artifact struct {
	Name string
	Data []byte
}

// Result is the classified outcome of a single doStageWork call.
type Result struct {
	OK        bool
	Provider  string
	Artifacts []Artifact

	// Reason and Message populate the stage record on failure.
	Reason  string
	Message string
}

// DoStageWork is the external collaborator boundary: the actual
// audio-processing content of a stage. It returns a classified Result for
// content-level outcomes; a non-nil error signals a transient IOError
// eligible for retry at this layer.
type DoStageWork func(ctx context.Context, jobID string, meta *jobmodel.MetadataRecord) (Result, error)

// Completer is the subset of queue.Dispatcher the skeleton calls into.
type Completer interface {
	OnCompleted(ctx context.Context, stageName, jobID string)
	OnFailed(ctx context.Context, stageName, jobID string, cause error)
}

// Skeleton runs one configured stage's process loop.
type Skeleton struct {
	StageName  string
	StageIndex int // 1-indexed position in the pipeline
	Config     config.StageConfig

	Mover      *mover.Mover
	Artifacts  *artifact.Store
	Dispatcher Completer
	Locate     func(jobID string) (*jobmodel.MetadataRecord, jobmodel.State, error)
	AppendLog  func(jobID, line string) error
	UpdateMeta func(jobID string, fn func(*jobmodel.MetadataRecord) error) (*jobmodel.MetadataRecord, error)

	DoWork DoStageWork

	// PrereqStage is the stage name that must show Complete before this
	// stage will claim a job; empty for stage 1, which is a variant that
	// claims from Initial rather than Completed.
	PrereqStage string
}

func (sk *Skeleton) actor() jobmodel.Actor { return jobmodel.StageWorker(sk.StageIndex) }

func (sk *Skeleton) sourceState() jobmodel.State {
	if sk.StageIndex == 1 {
		return jobmodel.StateInitial
	}
	return jobmodel.StateCompleted
}

// Process implements the §4.7 algorithm for one (stageName, jobID) item
// pulled off the Queue Dispatcher.
func (sk *Skeleton) Process(ctx context.Context, stageName, jobID string) error {
	ctx, span := tracer.Start(ctx, "stage.process", trace.WithAttributes(
		attribute.String("stage.name", stageName),
		attribute.String("job.id", jobID),
	))
	defer span.End()

	logger := xlog.WithComponent("worker").With().Str("stage", stageName).Str("job_id", jobID).Logger()

	meta, state, err := sk.Locate(jobID)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("worker: locate %s: %w", jobID, err)
	}

	if sk.PrereqStage != "" {
		if rec, ok := meta.Stages[sk.PrereqStage]; !ok || rec.Status != jobmodel.StageComplete {
			// Prerequisite not yet done: skip cleanly: the dispatcher will
			// see this job again once the prerequisite stage completes.
			return nil
		}
	}

	if existing, ok := meta.Stages[stageName]; ok {
		switch existing.Status {
		case jobmodel.StageComplete:
			return sk.resumeAfterWork(ctx, jobID, true, "", "")
		case jobmodel.StageFailed:
			return sk.resumeAfterWork(ctx, jobID, false, existing.Reason, existing.Message)
		}
	}

	switch state {
	case sk.sourceState():
		// The Completed->Claimed edge is keyed by the PRIOR (just-completed)
		// stage's index, not this worker's own index (jobmodel.Table grants
		// the claim to StageWorker(stageIndex+1)); Initial->Claimed has no
		// prior stage, so stage 1 passes its own index.
		claimStageIndex := sk.StageIndex - 1
		if sk.StageIndex <= 1 {
			claimStageIndex = sk.StageIndex
		}
		if err := sk.Mover.MoveJob(ctx, jobID, state, jobmodel.StateClaimed, sk.actor(), claimStageIndex); err != nil {
			if isRace(err) {
				logger.Debug().Err(err).Msg("lost claim race to another worker")
				return nil
			}
			return fmt.Errorf("worker: claim %s: %w", jobID, err)
		}
		state = jobmodel.StateClaimed
		fallthrough
	case jobmodel.StateClaimed:
		if err := sk.Mover.MoveJob(ctx, jobID, jobmodel.StateClaimed, jobmodel.StateRunning, sk.actor(), sk.StageIndex); err != nil {
			if isRace(err) {
				return nil
			}
			return fmt.Errorf("worker: begin %s: %w", jobID, err)
		}
	case jobmodel.StateRunning:
		// A Running job under a still-valid lease is held by another worker.
		if meta.ToJob().LeaseValid(time.Now()) {
			logger.Debug().Msg("job is running under another worker's valid lease")
			return nil
		}
		// Re-entry after a crash mid-work, once the lease has lapsed:
		// proceed straight to doStageWork.
	default:
		// Already past this stage, or not yet eligible; skip cleanly.
		return nil
	}

	meta, _, err = sk.Locate(jobID)
	if err != nil {
		return fmt.Errorf("worker: reload metadata for %s: %w", jobID, err)
	}

	result, err := sk.runWithRetry(ctx, jobID, meta)
	if err != nil {
		_ = sk.AppendLog(jobID, fmt.Sprintf("[STAGE] ERROR: %v", err))
		if _, curState, lerr := sk.Locate(jobID); lerr == nil && curState == jobmodel.StateRunning {
			_ = sk.Mover.MoveJob(ctx, jobID, jobmodel.StateRunning, jobmodel.StateFailed, sk.actor(), sk.StageIndex)
		}
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return sk.finish(ctx, jobID, result)
}

// runWithRetry wraps DoWork in backoff.Retry so transient errors are retried
// up to the stage's configured RetryCount before the skeleton gives up and
// lets the caller's unexpected-exception path run.
func (sk *Skeleton) runWithRetry(ctx context.Context, jobID string, meta *jobmodel.MetadataRecord) (Result, error) {
	start := time.Now()
	bo := backoff.NewConstantBackOff(sk.Config.Backoff)
	maxTries := uint(sk.Config.RetryCount) + 1
	if maxTries < 1 {
		maxTries = 1
	}

	result, err := backoff.Retry(ctx, func() (Result, error) {
		r, werr := sk.DoWork(ctx, jobID, meta)
		if werr != nil {
			return Result{}, werr
		}
		return r, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTries))

	outcome := "ok"
	if err != nil || !result.OK {
		outcome = "failed"
	}
	metrics.StageDurationSeconds.WithLabelValues(sk.StageName, outcome).Observe(time.Since(start).Seconds())

	return result, err
}

// finish records the stage outcome, moves the job to Completed or Failed,
// and fires the dispatcher's hook.
func (sk *Skeleton) finish(ctx context.Context, jobID string, result Result) error {
	now := time.Now().UTC()
	if result.OK {
		for _, a := range result.Artifacts {
			if _, err := sk.Artifacts.Write(jobID, sk.StageName, a.Name, a.Data); err != nil {
				return fmt.Errorf("worker: write artifact %s/%s: %w", sk.StageName, a.Name, err)
			}
		}
		if _, err := sk.UpdateMeta(jobID, func(rec *jobmodel.MetadataRecord) error {
			if rec.Stages == nil {
				rec.Stages = map[string]jobmodel.StageRecord{}
			}
			rec.Stages[sk.StageName] = jobmodel.StageRecord{
				Status: jobmodel.StageComplete, Provider: result.Provider, FinishedAt: &now,
			}
			return nil
		}); err != nil {
			return fmt.Errorf("worker: record completion: %w", err)
		}
		if err := sk.Mover.MoveJob(ctx, jobID, jobmodel.StateRunning, jobmodel.StateCompleted, sk.actor(), sk.StageIndex); err != nil {
			return fmt.Errorf("worker: complete %s: %w", jobID, err)
		}
		sk.Dispatcher.OnCompleted(ctx, sk.StageName, jobID)
		return nil
	}

	if _, err := sk.UpdateMeta(jobID, func(rec *jobmodel.MetadataRecord) error {
		if rec.Stages == nil {
			rec.Stages = map[string]jobmodel.StageRecord{}
		}
		rec.Stages[sk.StageName] = jobmodel.StageRecord{
			Status: jobmodel.StageFailed, Reason: result.Reason, Message: result.Message, FinishedAt: &now,
		}
		return nil
	}); err != nil {
		return fmt.Errorf("worker: record failure: %w", err)
	}
	if err := sk.Mover.MoveJob(ctx, jobID, jobmodel.StateRunning, jobmodel.StateFailed, sk.actor(), sk.StageIndex); err != nil {
		return fmt.Errorf("worker: fail %s: %w", jobID, err)
	}
	sk.Dispatcher.OnFailed(ctx, sk.StageName, jobID, fmt.Errorf("%s: %s", result.Reason, result.Message))
	return nil
}

// resumeAfterWork handles re-entry when the stage record already shows a
// terminal status but the directory move that should have followed it
// never completed (a crash between the metadata write and the rename).
// It is the idempotence guarantee: never repeat the work, only finish the
// interrupted transition.
func (sk *Skeleton) resumeAfterWork(ctx context.Context, jobID string, ok bool, reason, message string) error {
	_, state, err := sk.Locate(jobID)
	if err != nil {
		return err
	}
	if state != jobmodel.StateRunning {
		return nil
	}
	if ok {
		if err := sk.Mover.MoveJob(ctx, jobID, jobmodel.StateRunning, jobmodel.StateCompleted, sk.actor(), sk.StageIndex); err != nil && !isRace(err) {
			return err
		}
		sk.Dispatcher.OnCompleted(ctx, sk.StageName, jobID)
		return nil
	}
	if err := sk.Mover.MoveJob(ctx, jobID, jobmodel.StateRunning, jobmodel.StateFailed, sk.actor(), sk.StageIndex); err != nil && !isRace(err) {
		return err
	}
	sk.Dispatcher.OnFailed(ctx, sk.StageName, jobID, fmt.Errorf("%s: %s", reason, message))
	return nil
}

func isRace(err error) bool {
	return errors.Is(err, mover.ErrAlreadyExistsInTarget) || errors.Is(err, mover.ErrNotFoundInState)
}
