package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
	xlog "github.com/tidalforge/audiopipe/internal/log"
)

// ErrNotFound is returned when a job ID has no directory under any state.
var ErrNotFound = errors.New("jobstore: job not found")

// ErrAlreadyExists is returned by CreateJob when the ID is already taken in
// any state directory.
var ErrAlreadyExists = errors.New("jobstore: job already exists")

// Store is the metadata store: the only component that reads or writes a
// job's metadata file and append-only log. It never caches a job's
// directory across calls; every operation re-derives it by scanning the
// state directories, since a job's directory is only stable between
// atomic moves.
type Store struct {
	Layout *Layout
}

// NewStore wraps layout as a metadata store.
func NewStore(layout *Layout) *Store {
	return &Store{Layout: layout}
}

// locate scans every state directory for jobID and returns its current
// directory and state. This is intentionally a fresh filesystem read every
// time: no Store method may assume a previous locate() result still holds.
func (s *Store) locate(jobID string) (dir string, state jobmodel.State, err error) {
	for _, st := range jobmodel.AllStates() {
		candidate := s.Layout.JobDir(st, jobID)
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate, st, nil
		} else if !os.IsNotExist(statErr) {
			return "", "", fmt.Errorf("jobstore: stat %s: %w", candidate, statErr)
		}
	}
	return "", "", ErrNotFound
}

// Locate exposes locate for callers (the mover) that need the job's current
// directory and state without reading its metadata.
func (s *Store) Locate(jobID string) (dir string, state jobmodel.State, err error) {
	return s.locate(jobID)
}

// CreateJob creates a new job directory under the Initial state and writes
// its first metadata record. id must be unique across every state.
func (s *Store) CreateJob(ctx context.Context, id string, input map[string]any) (*jobmodel.Job, error) {
	if _, _, err := s.locate(id); err == nil {
		return nil, ErrAlreadyExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	job := &jobmodel.Job{
		ID:        id,
		CreatedAt: now,
		UpdatedAt: now,
		State:     jobmodel.StateInitial,
		Stages:    map[string]jobmodel.StageRecord{},
		Input:     input,
	}

	dir := s.Layout.JobDir(jobmodel.StateInitial, id)
	if err := os.MkdirAll(s.Layout.LogDir(dir), 0o750); err != nil {
		return nil, fmt.Errorf("jobstore: create job dir %s: %w", dir, err)
	}

	if err := s.writeMetadataAt(dir, jobmodel.FromJob(job, nil)); err != nil {
		return nil, err
	}

	xlog.WithComponent("jobstore").Info().Str("job_id", id).Msg("job created")
	return job, nil
}

// ReadMetadata loads jobID's current metadata record along with its state.
func (s *Store) ReadMetadata(jobID string) (*jobmodel.MetadataRecord, jobmodel.State, error) {
	dir, state, err := s.locate(jobID)
	if err != nil {
		return nil, "", err
	}
	rec, err := s.readMetadataAt(dir)
	if err != nil {
		return nil, "", err
	}
	return rec, state, nil
}

// ReadMetadataAt loads the metadata record at a known job directory. It is
// exported for the mover, which knows the directory directly right after a
// rename and would otherwise force a redundant locate() scan.
func (s *Store) ReadMetadataAt(dir string) (*jobmodel.MetadataRecord, error) {
	return s.readMetadataAt(dir)
}

func (s *Store) readMetadataAt(dir string) (*jobmodel.MetadataRecord, error) {
	raw, err := os.ReadFile(s.Layout.MetadataPath(dir))
	if err != nil {
		return nil, fmt.Errorf("jobstore: read metadata %s: %w", dir, err)
	}
	var rec jobmodel.MetadataRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("jobstore: decode metadata %s: %w", dir, err)
	}
	return &rec, nil
}

// writeMetadataAt durably and atomically replaces the metadata file in dir:
// write to a pending file, fsync, then atomically rename over the
// destination.
func (s *Store) writeMetadataAt(dir string, rec *jobmodel.MetadataRecord) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("jobstore: encode metadata: %w", err)
	}

	path := s.Layout.MetadataPath(dir)
	pending, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o640))
	if err != nil {
		return fmt.Errorf("jobstore: create pending metadata file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(raw); err != nil {
		return fmt.Errorf("jobstore: write metadata: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("jobstore: replace metadata %s: %w", path, err)
	}
	return nil
}

// UpdateMetadata performs a read-modify-write cycle on jobID's metadata: it
// locates the job fresh, reads the current record, applies fn, and writes
// the result back to the same directory. fn may mutate fields but must not
// change State (state changes go through the mover, which renames the
// directory itself). Unknown fields round-trip through MetadataRecord.Extra
// untouched, so a read-modify-write cycle never drops foreign data.
func (s *Store) UpdateMetadata(jobID string, fn func(*jobmodel.MetadataRecord) error) (*jobmodel.MetadataRecord, error) {
	dir, _, err := s.locate(jobID)
	if err != nil {
		return nil, err
	}
	rec, err := s.readMetadataAt(dir)
	if err != nil {
		return nil, err
	}
	if err := fn(rec); err != nil {
		return nil, err
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.writeMetadataAt(dir, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// WriteMetadataAt is exported for the mover: after it renames a job's
// directory to its new state, it must rewrite State/UpdatedAt (and, for
// claims, OwnerID/LeaseExpiresAt) in the metadata that now lives at the new
// path.
func (s *Store) WriteMetadataAt(dir string, rec *jobmodel.MetadataRecord) error {
	return s.writeMetadataAt(dir, rec)
}

// ListByState returns every job ID currently in the given state, in
// directory order.
func (s *Store) ListByState(state jobmodel.State) ([]string, error) {
	entries, err := os.ReadDir(s.Layout.StateDir(state))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobstore: list %s: %w", state, err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Enumerate returns every job ID grouped by state, the basis for the index
// rebuilder's full filesystem scan.
func (s *Store) Enumerate() (map[jobmodel.State][]string, error) {
	out := make(map[jobmodel.State][]string, len(jobmodel.AllStates()))
	for _, st := range jobmodel.AllStates() {
		ids, err := s.ListByState(st)
		if err != nil {
			return nil, err
		}
		out[st] = ids
	}
	return out, nil
}

// JobDirForState exposes Layout.JobDir for callers outside this package that
// already know a job's state (e.g. the mover, right after a rename).
func (s *Store) JobDirForState(state jobmodel.State, jobID string) string {
	return s.Layout.JobDir(state, jobID)
}

