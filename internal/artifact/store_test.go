package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidalforge/audiopipe/internal/jobstore"
)

func newTestStore(t *testing.T) (*Store, *jobstore.Store) {
	t.Helper()
	layout := jobstore.NewLayout(t.TempDir())
	require.NoError(t, layout.EnsureDirs())
	js := jobstore.NewStore(layout)
	return NewStore(js), js
}

func TestStore_WriteThenList(t *testing.T) {
	s, js := newTestStore(t)
	_, err := js.CreateJob(context.Background(), "job-1", nil)
	require.NoError(t, err)

	path, err := s.Write("job-1", "download", "audio.out", []byte("hello"))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	require.Equal(t, "download", filepath.Base(filepath.Dir(path)))

	list, err := s.List("job-1")
	require.NoError(t, err)
	require.Equal(t, map[string][]string{"download": {"audio.out"}}, list)
}

func TestStore_WriteRejectsDuplicateName(t *testing.T) {
	s, js := newTestStore(t)
	_, err := js.CreateJob(context.Background(), "job-1", nil)
	require.NoError(t, err)

	_, err = s.Write("job-1", "download", "audio.out", []byte("v1"))
	require.NoError(t, err)

	_, err = s.Write("job-1", "download", "audio.out", []byte("v2"))
	require.ErrorIs(t, err, ErrAlreadyExists)

	dir, _, err := js.Locate("job-1")
	require.NoError(t, err)
	data, err := os.ReadFile(filepath.Join(dir, "download", "audio.out"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestStore_WriteFailsWhenJobNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Write("missing", "download", "audio.out", []byte("x"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_List_ExcludesLogDir(t *testing.T) {
	s, js := newTestStore(t)
	_, err := js.CreateJob(context.Background(), "job-1", nil)
	require.NoError(t, err)
	require.NoError(t, js.AppendLog("job-1", "hello"))

	_, err = s.Write("job-1", "download", "audio.out", []byte("data"))
	require.NoError(t, err)

	list, err := s.List("job-1")
	require.NoError(t, err)
	_, hasLog := list["log"]
	require.False(t, hasLog)
}
