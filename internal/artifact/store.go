// Package artifact implements the Artifact Store: immutable per-stage
// output files written under a job's folder, using the same durable-write
// primitive as the metadata store, generalized to arbitrary stage-named
// subdirectories and to the create-only (never overwrite) semantics
// artifacts require.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/renameio/v2"

	"github.com/tidalforge/audiopipe/internal/jobstore"
	"github.com/tidalforge/audiopipe/internal/metrics"
)

// ErrAlreadyExists is returned when (stage, fileName) has already been
// written for this job; callers must choose a new name on re-execution.
var ErrAlreadyExists = errors.New("artifact: file already exists for this (stage, name)")

// ErrNotFound is returned when the job's folder cannot be located —
// typically because a concurrent move relocated it between the caller's
// locate and the write.
var ErrNotFound = jobstore.ErrNotFound

// Store writes and lists per-stage artifacts under a job's current folder.
type Store struct {
	jobstore *jobstore.Store
}

// NewStore wraps a jobstore.Store as an artifact store.
func NewStore(js *jobstore.Store) *Store {
	return &Store{jobstore: js}
}

// Write creates stageName/fileName under jobID's current folder and writes
// data to it durably (fsync before the file becomes visible at its final
// name), refusing to overwrite an existing file of the same name. It
// returns the absolute path written.
func (s *Store) Write(jobID, stageName, fileName string, data []byte) (string, error) {
	dir, _, err := s.jobstore.Locate(jobID)
	if err != nil {
		return "", err
	}

	stageDir := filepath.Join(dir, stageName)
	if err := os.MkdirAll(stageDir, 0o750); err != nil {
		return "", fmt.Errorf("artifact: ensure stage dir %s: %w", stageDir, err)
	}

	path := filepath.Join(stageDir, fileName)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrAlreadyExists, stageName, fileName)
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("artifact: stat %s: %w", path, err)
	}

	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return "", fmt.Errorf("artifact: create pending file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return "", fmt.Errorf("artifact: write %s: %w", path, err)
	}

	// renameio replaces unconditionally; re-check existence immediately
	// before the swap to close the race where a concurrent writer created
	// the same (stage, fileName) after our stat but before our rename.
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrAlreadyExists, stageName, fileName)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("artifact: replace %s: %w", path, err)
	}

	metrics.ArtifactsWrittenTotal.WithLabelValues(stageName).Inc()
	return path, nil
}

// List enumerates every artifact currently present under jobID's folder,
// keyed by stage name.
func (s *Store) List(jobID string) (map[string][]string, error) {
	dir, _, err := s.jobstore.Locate(jobID)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("artifact: read job dir %s: %w", dir, err)
	}

	out := map[string][]string{}
	for _, e := range entries {
		if !e.IsDir() || isReservedDir(e.Name()) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("artifact: read stage dir %s: %w", e.Name(), err)
		}
		names := make([]string, 0, len(files))
		for _, f := range files {
			if !f.IsDir() {
				names = append(names, f.Name())
			}
		}
		sort.Strings(names)
		out[e.Name()] = names
	}
	return out, nil
}

func isReservedDir(name string) bool {
	return name == "log"
}
