package index

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
	"github.com/tidalforge/audiopipe/internal/jobstore"
	"github.com/tidalforge/audiopipe/internal/mover"
)

func newTestIndex(t *testing.T) (*Index, *jobstore.Store) {
	t.Helper()
	layout := jobstore.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	store := jobstore.NewStore(layout)

	dbPath := filepath.Join(t.TempDir(), "index.sqlite")
	idx, err := Open(dbPath, store)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx, store
}

func TestIndex_RebuildFromEmptyFilesystem(t *testing.T) {
	idx, _ := newTestIndex(t)
	require.NoError(t, idx.Rebuild(context.Background()))

	rows, err := idx.List(context.Background(), "", 0, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestIndex_RebuildReflectsFilesystemAcrossStates(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()
	m := mover.New(1, store)

	_, err := store.CreateJob(ctx, "job-new", nil)
	require.NoError(t, err)
	_, err = store.CreateJob(ctx, "job-running", nil)
	require.NoError(t, err)
	require.NoError(t, m.MoveJob(ctx, "job-running", jobmodel.StateInitial, jobmodel.StateClaimed, jobmodel.StageWorker(1), 1))
	require.NoError(t, m.MoveJob(ctx, "job-running", jobmodel.StateClaimed, jobmodel.StateRunning, jobmodel.StageWorker(1), 1))

	require.NoError(t, idx.Rebuild(ctx))

	rows, err := idx.List(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	running, err := idx.List(ctx, jobmodel.StateRunning.DirName(), 0, 0)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "job-running", running[0].JobID)
}

func TestIndex_RebuildIsIdempotentUpToOrdering(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()

	_, err := store.CreateJob(ctx, "job-a", nil)
	require.NoError(t, err)
	_, err = store.CreateJob(ctx, "job-b", nil)
	require.NoError(t, err)

	require.NoError(t, idx.Rebuild(ctx))
	first, err := idx.List(ctx, "", 0, 0)
	require.NoError(t, err)

	require.NoError(t, idx.Rebuild(ctx))
	second, err := idx.List(ctx, "", 0, 0)
	require.NoError(t, err)

	require.ElementsMatch(t, idsOf(first), idsOf(second))
}

func TestIndex_UpsertAndDelete(t *testing.T) {
	idx, store := newTestIndex(t)
	ctx := context.Background()
	_, err := store.CreateJob(ctx, "job-1", nil)
	require.NoError(t, err)

	idx.Upsert(ctx, "job-1")
	rows, err := idx.List(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	idx.Delete(ctx, "job-1")
	rows, err = idx.List(ctx, "", 0, 0)
	require.NoError(t, err)
	require.Empty(t, rows)
}

func idsOf(rows []Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.JobID
	}
	return out
}
