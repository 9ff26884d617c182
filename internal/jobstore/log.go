package jobstore

import (
	"fmt"
	"os"
	"time"
)

// AppendLog appends a single line to jobID's job.log, prefixed with an RFC
// 3339 timestamp. It re-locates the job immediately before opening the file
// so a log write racing a state transition always lands in the directory
// the job actually occupies at that instant, per SPEC_FULL.md §4.2.
func (s *Store) AppendLog(jobID, line string) error {
	dir, _, err := s.locate(jobID)
	if err != nil {
		return err
	}
	return s.appendLogAt(dir, line)
}

func (s *Store) appendLogAt(dir, line string) error {
	if err := os.MkdirAll(s.Layout.LogDir(dir), 0o750); err != nil {
		return fmt.Errorf("jobstore: ensure log dir %s: %w", dir, err)
	}

	f, err := os.OpenFile(s.Layout.LogPath(dir), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("jobstore: open log %s: %w", dir, err)
	}
	defer func() { _ = f.Close() }()

	stamp := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := fmt.Fprintf(f, "[%s] %s\n", stamp, line); err != nil {
		return fmt.Errorf("jobstore: append log %s: %w", dir, err)
	}
	return nil
}

// ReadLog returns the full contents of jobID's job.log, or an empty string
// if no log has been written yet.
func (s *Store) ReadLog(jobID string) (string, error) {
	dir, _, err := s.locate(jobID)
	if err != nil {
		return "", err
	}
	raw, err := os.ReadFile(s.Layout.LogPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("jobstore: read log %s: %w", dir, err)
	}
	return string(raw), nil
}
