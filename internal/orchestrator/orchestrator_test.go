package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tidalforge/audiopipe/internal/config"
	"github.com/tidalforge/audiopipe/internal/index"
	"github.com/tidalforge/audiopipe/internal/jobmodel"
	"github.com/tidalforge/audiopipe/internal/jobstore"
	"github.com/tidalforge/audiopipe/internal/mover"
	"github.com/tidalforge/audiopipe/internal/queue"
	"github.com/tidalforge/audiopipe/internal/worker"
)

func newTestCore(t *testing.T, stages []config.StageConfig) *Core {
	t.Helper()
	layout := jobstore.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	store := jobstore.NewStore(layout)
	cfg := config.Default()
	cfg.Stages = stages
	m := mover.New(len(stages), store)
	bus := queue.NewMemoryBus()
	d := queue.New(cfg, bus)
	idx, err := index.Open(filepath.Join(t.TempDir(), "index.sqlite"), store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return New(cfg, store, m, d, idx, nil)
}

func singleStage() []config.StageConfig {
	return []config.StageConfig{{Name: "stage1", Queue: "stage1", Concurrency: 1, LeaseTTL: 30 * time.Second, RetryCount: 1, Backoff: time.Millisecond}}
}

// S1 — Happy path, single stage.
func TestS1_HappyPathSingleStage(t *testing.T) {
	c := newTestCore(t, singleStage())
	ctx := context.Background()

	id, err := c.CreateJob(ctx, map[string]any{"ref": "demo"})
	require.NoError(t, err)

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StateInitial, job.State)

	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateClaimed, jobmodel.ActorSystem, 1))
	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateRunning, jobmodel.StageWorker(1), 1))

	_, err = c.artifacts.Write(id, "download", "audio.out", []byte("data"))
	require.NoError(t, err)

	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateCompleted, jobmodel.StageWorker(1), 1))

	job, err = c.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StateCompleted, job.State)

	artifacts, err := c.GetJobArtifacts(ctx, id)
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"download": {"audio.out"}}, artifacts)
}

// S2 — Illegal transition.
func TestS2_IllegalTransition(t *testing.T) {
	c := newTestCore(t, singleStage())
	ctx := context.Background()
	id, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)

	err = c.TransitionJob(ctx, id, jobmodel.StateRunning, jobmodel.ActorSystem, 1)
	require.Error(t, err)
	var terr *jobmodel.TransitionError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, "unknown transition", terr.Reason)

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StateInitial, job.State)
}

// S3 — Unauthorized actor.
func TestS3_UnauthorizedActor(t *testing.T) {
	c := newTestCore(t, singleStage())
	ctx := context.Background()
	id, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateClaimed, jobmodel.ActorSystem, 1))

	err = c.TransitionJob(ctx, id, jobmodel.StateRunning, jobmodel.ActorSystem, 1)
	require.Error(t, err)
	var terr *jobmodel.TransitionError
	require.True(t, errors.As(err, &terr))
	require.Equal(t, "actor not authorized", terr.Reason)

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StateClaimed, job.State)
}

// S4 — Retry flow.
func TestS4_RetryFlow(t *testing.T) {
	c := newTestCore(t, singleStage())
	ctx := context.Background()
	id, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateClaimed, jobmodel.ActorSystem, 1))
	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateRunning, jobmodel.StageWorker(1), 1))
	_, err = c.Store.UpdateMetadata(id, func(rec *jobmodel.MetadataRecord) error {
		rec.Stages["stage1"] = jobmodel.StageRecord{Status: jobmodel.StageFailed, Reason: "X"}
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateFailed, jobmodel.StageWorker(1), 1))

	require.NoError(t, c.RetryJob(ctx, id, "user retry"))

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StateInitial, job.State)
	_, hasStage1 := job.Stages["stage1"]
	require.False(t, hasStage1)

	lines, err := c.GetJobLog(ctx, id)
	require.NoError(t, err)
	found := false
	for _, l := range lines {
		if l[len(l)-len("user retry"):] == "user retry" {
			found = true
		}
	}
	require.True(t, found)

	err = c.RetryJob(ctx, id, "again")
	require.ErrorIs(t, err, ErrNotFailed)
}

// S5 — Lease reclaim.
func TestS5_LeaseReclaim(t *testing.T) {
	c := newTestCore(t, singleStage())
	ctx := context.Background()
	id, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateClaimed, jobmodel.ActorSystem, 1))

	past := time.Now().Add(-time.Minute)
	_, err = c.Store.UpdateMetadata(id, func(rec *jobmodel.MetadataRecord) error {
		rec.LeaseExpiresAt = &past
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, c.Mover.Reclaim(ctx, id))

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StateInitial, job.State)

	lines, err := c.GetJobLog(ctx, id)
	require.NoError(t, err)
	require.Condition(t, func() bool {
		for _, l := range lines {
			if containsAll(l, "reclaimed", "lease expired") {
				return true
			}
		}
		return false
	})

	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateClaimed, jobmodel.ActorSystem, 1))
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	return len(sub) == 0 || (len(s) >= len(sub) && indexOf(s, sub) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

// S6 — Multi-stage auto-chaining.
func TestS6_MultiStageAutoChaining(t *testing.T) {
	stages := []config.StageConfig{
		{Name: "stage1", Queue: "stage1", Concurrency: 1, LeaseTTL: time.Second, RetryCount: 1, Backoff: time.Millisecond},
		{Name: "stage2", Queue: "stage2", Concurrency: 1, LeaseTTL: time.Second, RetryCount: 1, Backoff: time.Millisecond},
	}
	c := newTestCore(t, stages)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	echo := func(stageIdx int) worker.DoStageWork {
		return func(ctx context.Context, jobID string, meta *jobmodel.MetadataRecord) (worker.Result, error) {
			return worker.Result{OK: true}, nil
		}
	}

	sk1 := &worker.Skeleton{
		StageName: "stage1", StageIndex: 1, Config: stages[0],
		Mover: c.Mover, Artifacts: c.artifacts, Dispatcher: c.Dispatcher,
		Locate: c.Store.ReadMetadata, AppendLog: c.Store.AppendLog, UpdateMeta: c.Store.UpdateMetadata,
		DoWork: echo(1),
	}
	sk2 := &worker.Skeleton{
		StageName: "stage2", StageIndex: 2, Config: stages[1],
		Mover: c.Mover, Artifacts: c.artifacts, Dispatcher: c.Dispatcher,
		Locate: c.Store.ReadMetadata, AppendLog: c.Store.AppendLog, UpdateMeta: c.Store.UpdateMetadata,
		DoWork: echo(2), PrereqStage: "stage1",
	}

	require.NoError(t, c.Dispatcher.Subscribe(ctx, "stage1", sk1.Process))
	require.NoError(t, c.Dispatcher.Subscribe(ctx, "stage2", sk2.Process))

	id, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.TransitionJob(ctx, id, jobmodel.StateClaimed, jobmodel.ActorSystem, 1))
	require.NoError(t, c.Dispatcher.Enqueue(ctx, "stage1", id))

	deadline := time.Now().Add(2 * time.Second)
	var job *jobmodel.Job
	for time.Now().Before(deadline) {
		job, err = c.GetJob(ctx, id)
		require.NoError(t, err)
		if job.State == jobmodel.StateCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Equal(t, jobmodel.StateCompleted, job.State)
	require.Equal(t, jobmodel.StageComplete, job.Stages["stage1"].Status)
	require.Equal(t, jobmodel.StageComplete, job.Stages["stage2"].Status)

	lines, err := c.GetJobLog(ctx, id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(lines), 6)
}

// S7 — Cold start.
func TestS7_ColdStart(t *testing.T) {
	c := newTestCore(t, singleStage())
	ctx := context.Background()

	idNew, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	idRunning, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.TransitionJob(ctx, idRunning, jobmodel.StateClaimed, jobmodel.ActorSystem, 1))
	require.NoError(t, c.TransitionJob(ctx, idRunning, jobmodel.StateRunning, jobmodel.StageWorker(1), 1))
	time.Sleep(2 * time.Millisecond)

	idDone, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, c.TransitionJob(ctx, idDone, jobmodel.StateClaimed, jobmodel.ActorSystem, 1))
	require.NoError(t, c.TransitionJob(ctx, idDone, jobmodel.StateRunning, jobmodel.StageWorker(1), 1))
	require.NoError(t, c.TransitionJob(ctx, idDone, jobmodel.StateCompleted, jobmodel.StageWorker(1), 1))

	// Simulate deleting the derived index and restarting: rebuild from disk.
	require.NoError(t, c.Index.Rebuild(ctx))

	jobs, err := c.ListJobs(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	ids := map[string]bool{idNew: true, idRunning: true, idDone: true}
	for _, j := range jobs {
		require.True(t, ids[j.ID])
	}
	for i := 1; i < len(jobs); i++ {
		require.True(t, !jobs[i-1].CreatedAt.Before(jobs[i].CreatedAt))
	}
}

// S8 — Concurrent claim.
func TestS8_ConcurrentClaim(t *testing.T) {
	c := newTestCore(t, singleStage())
	ctx := context.Background()
	id, err := c.CreateJob(ctx, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = c.TransitionJob(ctx, id, jobmodel.StateClaimed, jobmodel.ActorSystem, 1)
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
		} else {
			require.True(t, errors.Is(err, mover.ErrAlreadyExistsInTarget) || errors.Is(err, mover.ErrNotFoundInState))
		}
	}
	require.Equal(t, 1, successes)

	job, err := c.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobmodel.StateClaimed, job.State)
}
