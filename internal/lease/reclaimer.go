// Package lease implements the Reclaimer: a periodic scan of the Claimed
// and Running directories that returns lease-expired jobs to Initial. It
// follows a ticker loop, config-driven interval, structured start/stop
// logging, and one metric per outcome, targeting filesystem state
// directories rather than a database-backed session store.
package lease

import (
	"context"
	"time"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
	"github.com/tidalforge/audiopipe/internal/jobstore"
	xlog "github.com/tidalforge/audiopipe/internal/log"
	"github.com/tidalforge/audiopipe/internal/metrics"
	"github.com/tidalforge/audiopipe/internal/mover"
)

const defaultInterval = 10 * time.Second

// Mover is the subset of *mover.Mover the Reclaimer needs; expressed as an
// interface so tests can substitute a spy.
type Mover interface {
	Reclaim(ctx context.Context, jobID string) error
}

// Reclaimer periodically scans Claimed/ and Running/ and invokes
// Mover.Reclaim on every job found there. Reclaim itself is the no-op guard
// for still-valid leases, so it is safe to run this scan concurrently with
// stage workers; this loop just supplies the cadence.
type Reclaimer struct {
	Store    *jobstore.Store
	Mover    Mover
	Interval time.Duration
}

// New builds a Reclaimer with the given scan interval (defaulted to 10s).
func New(store *jobstore.Store, m Mover, interval time.Duration) *Reclaimer {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Reclaimer{Store: store, Mover: m, Interval: interval}
}

// Run blocks, scanning on every tick until ctx is canceled.
func (r *Reclaimer) Run(ctx context.Context) error {
	logger := xlog.WithComponent("lease")
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	logger.Info().Dur("interval", r.Interval).Msg("reclaimer started")

	for {
		select {
		case <-ticker.C:
			r.ScanOnce(ctx)
		case <-ctx.Done():
			logger.Info().Msg("reclaimer stopped")
			return ctx.Err()
		}
	}
}

// ScanOnce performs a single scan of Claimed/ and Running/, attempting to
// reclaim every job found. It is exported so tests and a cold-start routine
// can trigger a scan without waiting for the ticker.
func (r *Reclaimer) ScanOnce(ctx context.Context) {
	logger := xlog.WithComponent("lease")
	reclaimed := 0

	for _, state := range []jobmodel.State{jobmodel.StateClaimed, jobmodel.StateRunning} {
		ids, err := r.Store.ListByState(state)
		if err != nil {
			logger.Error().Err(err).Str("state", string(state)).Msg("failed to list jobs for reclaim scan")
			continue
		}
		for _, id := range ids {
			if err := r.Mover.Reclaim(ctx, id); err != nil {
				logger.Error().Err(err).Str("job_id", id).Msg("reclaim attempt failed")
				continue
			}
			_, newState, err := r.Store.ReadMetadata(id)
			if err == nil && newState == jobmodel.StateInitial {
				reclaimed++
				metrics.ReclaimsTotal.WithLabelValues(string(state)).Inc()
				logger.Info().Str("job_id", id).Str("from_state", string(state)).Msg("job reclaimed")
			}
		}
	}

	if reclaimed > 0 {
		logger.Info().Int("reclaimed", reclaimed).Msg("reclaim scan complete")
	}
}
