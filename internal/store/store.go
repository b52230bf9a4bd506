// Package store keeps a history of scrape runs in PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RunRecord is the persisted summary of one scrape run.
type RunRecord struct {
	ID           uuid.UUID `json:"id"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	PagesTarget  int       `json:"pages_target"`
	PagesVisited int       `json:"pages_visited"`
	RecordCount  int       `json:"record_count"`
	StopReason   string    `json:"stop_reason,omitempty"`
	Refreshed    bool      `json:"refreshed"`
	Error        string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

const (
	sqlCreateRuns = `
        CREATE TABLE IF NOT EXISTS scrape_runs (
            id            UUID PRIMARY KEY,
            source        TEXT NOT NULL,
            status        TEXT NOT NULL,
            pages_target  INTEGER NOT NULL,
            pages_visited INTEGER NOT NULL,
            record_count  INTEGER NOT NULL,
            stop_reason   TEXT NOT NULL DEFAULT '',
            refreshed     BOOLEAN NOT NULL DEFAULT FALSE,
            error         TEXT NOT NULL DEFAULT '',
            started_at    TIMESTAMPTZ NOT NULL,
            finished_at   TIMESTAMPTZ NOT NULL
        );
    `
	sqlUpsertRun = `
        INSERT INTO scrape_runs (id, source, status, pages_target, pages_visited, record_count, stop_reason, refreshed, error, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            pages_visited = EXCLUDED.pages_visited,
            record_count = EXCLUDED.record_count,
            stop_reason = EXCLUDED.stop_reason,
            refreshed = EXCLUDED.refreshed,
            error = EXCLUDED.error,
            finished_at = EXCLUDED.finished_at;
    `
	sqlRecentRuns = `
        SELECT id, source, status, pages_target, pages_visited, record_count, stop_reason, refreshed, error, started_at, finished_at
        FROM scrape_runs
        ORDER BY started_at DESC
        LIMIT $1;
    `
)

// Store is the PostgreSQL run history.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Connect opens a pool for url, verifies it and creates the schema. The
// returned close function releases the pool.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, func(), error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create database pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// EnsureSchema creates the run table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, sqlCreateRuns); err != nil {
		return fmt.Errorf("failed to create scrape_runs table: %w", err)
	}
	return nil
}

// RecordRun inserts or updates the summary of a run.
func (s *Store) RecordRun(ctx context.Context, r RunRecord) error {
	_, err := s.pool.Exec(ctx, sqlUpsertRun,
		r.ID, r.Source, r.Status, r.PagesTarget, r.PagesVisited, r.RecordCount,
		r.StopReason, r.Refreshed, r.Error,
		r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", r.ID, err)
	}
	s.log.Debug("Recorded run.", zap.Stringer("run_id", r.ID), zap.String("status", r.Status))
	return nil
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	rows, err := s.pool.Query(ctx, sqlRecentRuns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(
			&r.ID, &r.Source, &r.Status, &r.PagesTarget, &r.PagesVisited, &r.RecordCount,
			&r.StopReason, &r.Refreshed, &r.Error, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return runs, nil
}
