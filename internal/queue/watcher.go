package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/tidalforge/audiopipe/internal/config"
	"github.com/tidalforge/audiopipe/internal/jobmodel"
	"github.com/tidalforge/audiopipe/internal/jobstore"
	xlog "github.com/tidalforge/audiopipe/internal/log"
)

// Watcher is a best-effort supplementary trigger on top of the explicit
// onCompleted hook: it watches the DONE/ state directory for jobs that
// arrive by any means — including an out-of-band administrative tool, not
// just a stage worker — and applies the cold-start rule ("stage K done,
// K+1 not started") to enqueue them on the right next stage. Missing an
// event here is never fatal: the same rule runs again at startup via the
// entrypoint's cold-start sweep.
type Watcher struct {
	Store      *jobstore.Store
	Dispatcher *Dispatcher
	Config     config.Config
}

// NewWatcher builds a Watcher over the DONE/ directory.
func NewWatcher(store *jobstore.Store, dispatcher *Dispatcher, cfg config.Config) *Watcher {
	return &Watcher{Store: store, Dispatcher: dispatcher, Config: cfg}
}

// Run watches storageRoot/jobs/DONE until ctx is canceled. It never returns
// a fatal error on a missed or spurious event — only construction failures
// (inability to create the underlying inotify/kqueue handle) are returned.
func (w *Watcher) Run(ctx context.Context) error {
	logger := xlog.WithComponent("queue.watcher")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = watcher.Close() }()

	doneDir := w.Store.Layout.StateDir(jobmodel.StateCompleted)
	if err := os.MkdirAll(doneDir, 0o750); err != nil {
		return err
	}
	if err := watcher.Add(doneDir); err != nil {
		return err
	}

	logger.Info().Str("dir", doneDir).Msg("watching DONE directory for completed jobs")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			jobID := filepath.Base(event.Name)
			w.handleCompletedArrival(ctx, jobID)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (w *Watcher) handleCompletedArrival(ctx context.Context, jobID string) {
	rec, state, err := w.Store.ReadMetadata(jobID)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			return
		}
		xlog.WithComponent("queue.watcher").Warn().Err(err).Str("job_id", jobID).Msg("failed to read metadata after DONE arrival")
		return
	}
	if state != jobmodel.StateCompleted {
		return
	}

	next := NextUnstartedStage(w.Config, rec.Stages)
	if next == "" {
		return
	}
	if err := w.Dispatcher.Enqueue(ctx, next, jobID); err != nil {
		xlog.WithComponent("queue.watcher").Warn().Err(err).Str("job_id", jobID).Str("stage", next).Msg("watcher enqueue failed")
	}
}

// NextUnstartedStage implements the cold-start rule: given the fixed
// pipeline order in cfg and a job's per-stage records, it returns the name
// of the earliest stage that has not reached Complete, or "" if every
// configured stage is already Complete.
func NextUnstartedStage(cfg config.Config, stages map[string]jobmodel.StageRecord) string {
	for _, sc := range cfg.Stages {
		rec, seen := stages[sc.Name]
		if !seen || rec.Status != jobmodel.StageComplete {
			return sc.Name
		}
	}
	return ""
}
