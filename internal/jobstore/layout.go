// Package jobstore implements the directory-backed storage layout and the
// metadata store: it is the only component that knows the on-disk shape of
// storageRoot, and the only component that reads or writes a job's
// metadata and log files.
package jobstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
)

// ErrNonAtomicFilesystem is returned at startup when storageRoot spans
// filesystems such that a cross-directory rename cannot be atomic. The core
// refuses to run rather than silently fall back to copy+delete.
var ErrNonAtomicFilesystem = errors.New("jobstore: rename is not atomic on this filesystem")

const (
	jobsSubdir              = "jobs"
	uploadsSubdir           = "uploads"
	artifactsPackagedSubdir = "artifactsPackaged"
	metadataFileName        = "metadata"
	logDirName              = "log"
	logFileName             = "job.log"
	sentinelName            = ".atomic-probe"
)

// Layout resolves every path under a single storageRoot.
type Layout struct {
	Root string
}

// NewLayout constructs a Layout rooted at root. root is not created here;
// call EnsureDirs to create the full tree.
func NewLayout(root string) *Layout {
	return &Layout{Root: root}
}

// JobsDir returns storageRoot/jobs.
func (l *Layout) JobsDir() string {
	return filepath.Join(l.Root, jobsSubdir)
}

// StateDir returns the directory holding every job currently in state s.
func (l *Layout) StateDir(s jobmodel.State) string {
	return filepath.Join(l.JobsDir(), s.DirName())
}

// JobDir returns the folder for jobID, assuming it is in state s. Callers
// must not cache this path across a mover invocation: a job's directory is
// only stable between transitions.
func (l *Layout) JobDir(s jobmodel.State, jobID string) string {
	return filepath.Join(l.StateDir(s), jobID)
}

// MetadataPath returns the metadata file path for a job directory.
func (l *Layout) MetadataPath(jobDir string) string {
	return filepath.Join(jobDir, metadataFileName)
}

// LogDir returns the append-only log directory for a job directory.
func (l *Layout) LogDir(jobDir string) string {
	return filepath.Join(jobDir, logDirName)
}

// LogPath returns the job.log file path for a job directory.
func (l *Layout) LogPath(jobDir string) string {
	return filepath.Join(l.LogDir(jobDir), logFileName)
}

// UploadsDir returns storageRoot/uploads, opaque ingest input storage.
func (l *Layout) UploadsDir() string {
	return filepath.Join(l.Root, uploadsSubdir)
}

// PackagedDir returns storageRoot/artifactsPackaged, final opaque packages.
func (l *Layout) PackagedDir() string {
	return filepath.Join(l.Root, artifactsPackagedSubdir)
}

// EnsureDirs create-if-missing's every state directory plus uploads/ and
// artifactsPackaged/, so every state directory exists unconditionally at
// startup.
func (l *Layout) EnsureDirs() error {
	dirs := []string{l.JobsDir(), l.UploadsDir(), l.PackagedDir()}
	for _, s := range jobmodel.AllStates() {
		dirs = append(dirs, l.StateDir(s))
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o750); err != nil {
			return fmt.Errorf("jobstore: ensure dir %s: %w", d, err)
		}
	}
	return nil
}

// ProbeAtomicRename verifies that a cross-directory rename between two of
// the state directories is atomic on this filesystem, by actually renaming
// a sentinel file between NEW/ and CLAIMED/. The core refuses to run rather
// than guess when this probe fails.
func (l *Layout) ProbeAtomicRename() error {
	from := l.StateDir(jobmodel.StateInitial)
	to := l.StateDir(jobmodel.StateClaimed)

	sentinelFrom := filepath.Join(from, sentinelName)
	sentinelTo := filepath.Join(to, sentinelName)

	if err := os.WriteFile(sentinelFrom, []byte("atomic-rename-probe"), 0o640); err != nil {
		return fmt.Errorf("jobstore: write rename probe sentinel: %w", err)
	}
	defer func() {
		_ = os.Remove(sentinelFrom)
		_ = os.Remove(sentinelTo)
	}()

	err := os.Rename(sentinelFrom, sentinelTo)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("%w: %v", ErrNonAtomicFilesystem, err)
	}
	return fmt.Errorf("jobstore: rename probe failed: %w", err)
}
