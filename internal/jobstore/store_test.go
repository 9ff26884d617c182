package jobstore

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	l := NewLayout(t.TempDir())
	require.NoError(t, l.EnsureDirs())
	return NewStore(l)
}

func TestStore_CreateJobThenLocate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job, err := s.CreateJob(ctx, "job-1", map[string]any{"source": "upload://a.wav"})
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StateInitial, job.State)

	dir, state, err := s.Locate("job-1")
	require.NoError(t, err)
	assert.Equal(t, jobmodel.StateInitial, state)
	assert.DirExists(t, dir)
}

func TestStore_CreateJobRejectsDuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateJob(ctx, "job-1", nil)
	require.NoError(t, err)

	_, err = s.CreateJob(ctx, "job-1", nil)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestStore_LocateUnknownJobReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, err := s.Locate("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_UpdateMetadataPreservesUnknownFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, "job-1", nil)
	require.NoError(t, err)

	dir, _, err := s.Locate("job-1")
	require.NoError(t, err)

	raw, err := os.ReadFile(s.Layout.MetadataPath(dir))
	require.NoError(t, err)
	injected := strings.TrimSuffix(string(raw), "}") + `,"externalTicket":"JIRA-42"}`
	require.NoError(t, os.WriteFile(s.Layout.MetadataPath(dir), []byte(injected), 0o640))

	_, err = s.UpdateMetadata("job-1", func(rec *jobmodel.MetadataRecord) error {
		rec.OwnerID = "worker-7"
		return nil
	})
	require.NoError(t, err)

	rec, _, err := s.ReadMetadata("job-1")
	require.NoError(t, err)
	assert.Equal(t, "worker-7", rec.OwnerID)
	require.Contains(t, rec.Extra, "externalTicket")
	assert.JSONEq(t, `"JIRA-42"`, string(rec.Extra["externalTicket"]))
}

func TestStore_UpdateMetadataPropagatesFnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, "job-1", nil)
	require.NoError(t, err)

	sentinel := errors.New("boom")
	_, err = s.UpdateMetadata("job-1", func(rec *jobmodel.MetadataRecord) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestStore_AppendLogAndReadLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, "job-1", nil)
	require.NoError(t, err)

	require.NoError(t, s.AppendLog("job-1", "download started"))
	require.NoError(t, s.AppendLog("job-1", "download finished"))

	contents, err := s.ReadLog("job-1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(contents), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "download started")
	assert.Contains(t, lines[1], "download finished")
}

func TestStore_ListByStateAndEnumerate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.CreateJob(ctx, "job-1", nil)
	require.NoError(t, err)
	_, err = s.CreateJob(ctx, "job-2", nil)
	require.NoError(t, err)

	ids, err := s.ListByState(jobmodel.StateInitial)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, ids)

	byState, err := s.Enumerate()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"job-1", "job-2"}, byState[jobmodel.StateInitial])
	assert.Empty(t, byState[jobmodel.StateRunning])
}
