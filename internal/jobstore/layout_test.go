package jobstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
)

func TestLayout_EnsureDirsCreatesFullTree(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)
	require.NoError(t, l.EnsureDirs())

	for _, s := range jobmodel.AllStates() {
		assert.DirExists(t, l.StateDir(s))
	}
	assert.DirExists(t, l.UploadsDir())
	assert.DirExists(t, l.PackagedDir())
}

func TestLayout_ProbeAtomicRenameSucceedsOnSameFilesystem(t *testing.T) {
	root := t.TempDir()
	l := NewLayout(root)
	require.NoError(t, l.EnsureDirs())
	require.NoError(t, l.ProbeAtomicRename())

	// The probe must clean up after itself.
	_, err := os.Stat(filepath.Join(l.StateDir(jobmodel.StateInitial), sentinelName))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(l.StateDir(jobmodel.StateClaimed), sentinelName))
	assert.True(t, os.IsNotExist(err))
}

func TestLayout_JobDirUsesStateSubdirectory(t *testing.T) {
	l := NewLayout("/srv/audiopipe")
	got := l.JobDir(jobmodel.StateRunning, "abc123")
	assert.Equal(t, "/srv/audiopipe/jobs/RUNNING/abc123", got)
}
