// Package postgres provides the Postgres-backed run ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/catalog-harvester/internal/store"
)

// Schema creates the ledger tables when they are missing.
const Schema = `
CREATE TABLE IF NOT EXISTS harvest_runs (
	id             UUID PRIMARY KEY,
	worker         INTEGER NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ,
	status         TEXT NOT NULL,
	error_message  TEXT,
	subitems_done  BIGINT NOT NULL DEFAULT 0,
	bytes_total    BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS harvest_subitems (
	run_id       UUID NOT NULL REFERENCES harvest_runs (id),
	url          TEXT NOT NULL,
	status       TEXT NOT NULL,
	attempts     INTEGER NOT NULL,
	bytes        BIGINT NOT NULL,
	duration_ms  BIGINT NOT NULL,
	finished_at  TIMESTAMPTZ NOT NULL,
	note         TEXT,
	PRIMARY KEY (run_id, url)
);`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses; pgxmock satisfies it too.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// ProgressStore implements store.ProgressRepository using Postgres.
type ProgressStore struct {
	pool pool
}

var _ store.ProgressRepository = (*ProgressStore)(nil)

// NewProgressStore connects to Postgres using cfg.
func NewProgressStore(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &ProgressStore{pool: p}, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewProgressStoreWithPool(p pool) (*ProgressStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &ProgressStore{pool: p}, nil
}

// Close closes the underlying connection pool.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *ProgressStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the ledger tables if needed.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	return nil
}

// UpsertRunStart inserts a run as running, or revives it if it already exists.
func (s *ProgressStore) UpsertRunStart(ctx context.Context, runID uuid.UUID, worker int, startedAt time.Time) error {
	query := `
		INSERT INTO harvest_runs (id, worker, started_at, status)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status
		WHERE harvest_runs.status <> EXCLUDED.status;
	`
	if _, err := s.pool.Exec(ctx, query, runID, worker, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to upsert run start: %w", err)
	}
	return nil
}

// CompleteRun marks a run finished with a status and optional error message.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	query := `
		UPDATE harvest_runs
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, runID)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordSubItem stores one sub-item outcome and, for completed sub-items,
// adds to the run totals in the same transaction.
func (s *ProgressStore) RecordSubItem(ctx context.Context, rec store.SubItemRecord) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	insert := `
		INSERT INTO harvest_subitems (run_id, url, status, attempts, bytes, duration_ms, finished_at, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, url) DO UPDATE
		SET status = EXCLUDED.status, attempts = EXCLUDED.attempts, bytes = EXCLUDED.bytes,
			duration_ms = EXCLUDED.duration_ms, finished_at = EXCLUDED.finished_at, note = EXCLUDED.note;
	`
	if _, err = tx.Exec(ctx, insert,
		rec.RunID, rec.URL, rec.Status, rec.Attempts, rec.Bytes,
		rec.Duration.Milliseconds(), rec.FinishedAt, rec.Note,
	); err != nil {
		return fmt.Errorf("failed to insert sub-item: %w", err)
	}

	if rec.Status == store.SubItemDone {
		update := `
			UPDATE harvest_runs
			SET subitems_done = subitems_done + 1, bytes_total = bytes_total + $1
			WHERE id = $2;
		`
		if _, err = tx.Exec(ctx, update, rec.Bytes, rec.RunID); err != nil {
			return fmt.Errorf("failed to update run totals: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit sub-item: %w", err)
	}
	return nil
}

const runColumns = `id, worker, started_at, finished_at, status, error_message, subitems_done, bytes_total`

func scanRun(row pgx.Row) (store.Run, error) {
	var run store.Run
	err := row.Scan(
		&run.ID,
		&run.Worker,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.ErrorMessage,
		&run.SubItemsDone,
		&run.BytesTotal,
	)
	return run, err
}

// GetRun retrieves a single run by its ID.
func (s *ProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM harvest_runs WHERE id = $1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with optional status filtering.
func (s *ProgressStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.Run, error) {
	query := `SELECT ` + runColumns + `
		FROM harvest_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// ListRunSubItems retrieves the sub-item outcomes recorded for a run.
func (s *ProgressStore) ListRunSubItems(
	ctx context.Context,
	runID uuid.UUID,
	limit,
	offset int,
) ([]store.SubItemRecord, error) {
	query := `
		SELECT run_id, url, status, attempts, bytes, duration_ms, finished_at, note
		FROM harvest_subitems
		WHERE run_id = $1
		ORDER BY finished_at ASC
		LIMIT $2 OFFSET $3;
	`
	rows, err := s.pool.Query(ctx, query, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list run sub-items: %w", err)
	}
	defer rows.Close()

	var out []store.SubItemRecord
	for rows.Next() {
		var (
			rec        store.SubItemRecord
			durationMS int64
		)
		if err := rows.Scan(
			&rec.RunID,
			&rec.URL,
			&rec.Status,
			&rec.Attempts,
			&rec.Bytes,
			&durationMS,
			&rec.FinishedAt,
			&rec.Note,
		); err != nil {
			return nil, fmt.Errorf("failed to scan sub-item row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sub-items: %w", err)
	}
	return out, nil
}
