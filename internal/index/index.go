// Package index implements the Index Rebuilder: a derived, never-
// authoritative query mirror of job state, built on
// internal/persistence/sqlite.Open (WAL + busy_timeout pragmas, pure-Go
// modernc.org/sqlite driver) with a migrate-then-write shape.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidalforge/audiopipe/internal/jobmodel"
	"github.com/tidalforge/audiopipe/internal/jobstore"
	xlog "github.com/tidalforge/audiopipe/internal/log"
	"github.com/tidalforge/audiopipe/internal/metrics"
	"github.com/tidalforge/audiopipe/internal/persistence/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_index (
	job_id           TEXT PRIMARY KEY,
	state            TEXT NOT NULL,
	owner_id         TEXT,
	lease_expires_at TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	metadata_json    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS job_index_state ON job_index(state);
CREATE INDEX IF NOT EXISTS job_index_created_at ON job_index(created_at);
`

// Index is the derived query mirror. It is never consulted for
// authorization or correctness decisions — only for fast listing.
type Index struct {
	db    *sql.DB
	store *jobstore.Store
}

// Open opens (creating if necessary) the sqlite-backed index at path and
// ensures its schema exists.
func Open(path string, store *jobstore.Store) (*Index, error) {
	db, err := sqlite.Open(path, sqlite.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("index: migrate schema: %w", err)
	}
	return &Index{db: db, store: store}, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error {
	return i.db.Close()
}

// Rebuild truncates the index, enumerates every job via the metadata
// store, and inserts one row per job. Because this is a pure function of
// filesystem state, deleting the index and rebuilding reproduces it
// byte-for-byte up to ordering.
func (i *Index) Rebuild(ctx context.Context) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.IndexRebuildsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("index: begin rebuild tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM job_index"); err != nil {
		metrics.IndexRebuildsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("index: truncate: %w", err)
	}

	byState, err := i.store.Enumerate()
	if err != nil {
		metrics.IndexRebuildsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("index: enumerate jobs: %w", err)
	}

	inserted := 0
	for state, ids := range byState {
		for _, id := range ids {
			rec, err := i.readRecord(id, state)
			if err != nil {
				xlog.WithComponent("index").Warn().Err(err).Str("job_id", id).Msg("skipping unreadable job during rebuild")
				continue
			}
			if err := i.insertTx(ctx, tx, rec); err != nil {
				metrics.IndexRebuildsTotal.WithLabelValues("error").Inc()
				return err
			}
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		metrics.IndexRebuildsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("index: commit rebuild: %w", err)
	}

	metrics.IndexRebuildsTotal.WithLabelValues("ok").Inc()
	xlog.WithComponent("index").Info().Int("jobs", inserted).Msg("index rebuild complete")
	return nil
}

func (i *Index) readRecord(jobID string, state jobmodel.State) (*jobmodel.MetadataRecord, error) {
	rec, _, err := i.store.ReadMetadata(jobID)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (i *Index) insertTx(ctx context.Context, tx *sql.Tx, rec *jobmodel.MetadataRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("index: marshal metadata for %s: %w", rec.ID, err)
	}

	var leaseExpiresAt any
	if rec.LeaseExpiresAt != nil {
		leaseExpiresAt = rec.LeaseExpiresAt.Format(time.RFC3339Nano)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO job_index (job_id, state, owner_id, lease_expires_at, created_at, updated_at, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state=excluded.state, owner_id=excluded.owner_id,
			lease_expires_at=excluded.lease_expires_at,
			updated_at=excluded.updated_at, metadata_json=excluded.metadata_json
	`, rec.ID, rec.State, rec.OwnerID, leaseExpiresAt,
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano), string(raw))
	if err != nil {
		return fmt.Errorf("index: insert %s: %w", rec.ID, err)
	}
	return nil
}

// Upsert is the best-effort post-mutation updater: callers invoke it after
// a transition or metadata write so the index stays fresh without waiting
// for the next full Rebuild. Failure here is
// logged, never propagated — a stale or missing index is always repairable
// by Rebuild.
func (i *Index) Upsert(ctx context.Context, jobID string) {
	rec, _, err := i.store.ReadMetadata(jobID)
	if err != nil {
		xlog.WithComponent("index").Warn().Err(err).Str("job_id", jobID).Msg("best-effort index upsert failed: read metadata")
		return
	}
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		xlog.WithComponent("index").Warn().Err(err).Msg("best-effort index upsert failed: begin tx")
		return
	}
	defer func() { _ = tx.Rollback() }()

	if err := i.insertTx(ctx, tx, rec); err != nil {
		xlog.WithComponent("index").Warn().Err(err).Str("job_id", jobID).Msg("best-effort index upsert failed: insert")
		return
	}
	if err := tx.Commit(); err != nil {
		xlog.WithComponent("index").Warn().Err(err).Msg("best-effort index upsert failed: commit")
	}
}

// Delete removes jobID from the index, best-effort, for administrative
// job deletion.
func (i *Index) Delete(ctx context.Context, jobID string) {
	if _, err := i.db.ExecContext(ctx, "DELETE FROM job_index WHERE job_id = ?", jobID); err != nil {
		xlog.WithComponent("index").Warn().Err(err).Str("job_id", jobID).Msg("best-effort index delete failed")
	}
}

// Row is a single query-index row, returned to callers that want a fast
// listing without touching the filesystem.
type Row struct {
	JobID          string
	State          string
	OwnerID        string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	MetadataJSON   string
}

// List returns every row in the index, optionally filtered by state,
// ordered by created_at descending (ties broken lexicographically by
// job_id).
func (i *Index) List(ctx context.Context, state string, limit, offset int) ([]Row, error) {
	query := "SELECT job_id, state, owner_id, lease_expires_at, created_at, updated_at, metadata_json FROM job_index"
	args := []any{}
	if state != "" {
		query += " WHERE state = ?"
		args = append(args, state)
	}
	query += " ORDER BY created_at DESC, job_id ASC"
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, offset)
	}

	rows, err := i.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("index: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		var ownerID sql.NullString
		var leaseExpiresAt sql.NullString
		var createdAt, updatedAt string
		if err := rows.Scan(&r.JobID, &r.State, &ownerID, &leaseExpiresAt, &createdAt, &updatedAt, &r.MetadataJSON); err != nil {
			return nil, fmt.Errorf("index: scan row: %w", err)
		}
		r.OwnerID = ownerID.String
		if leaseExpiresAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, leaseExpiresAt.String)
			if err == nil {
				r.LeaseExpiresAt = &t
			}
		}
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
