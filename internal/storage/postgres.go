package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/docscraper/internal/domain"
)

// ErrRunNotFound is returned when a run id has no ledger entry.
var ErrRunNotFound = errors.New("run not found")

const schema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	run_id      TEXT PRIMARY KEY,
	mode        TEXT NOT NULL,
	base_url    TEXT NOT NULL,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	skipped     INTEGER NOT NULL DEFAULT 0,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS crawled_pages (
	url         TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	path        TEXT,
	status      TEXT NOT NULL,
	fail_reason TEXT,
	crawled_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// PostgresStore is the run ledger: one row per run and one per URL.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// EnsureSchema creates the ledger tables if they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create ledger schema: %w", err)
	}
	return nil
}

// RecordPage upserts the outcome of one URL.
func (s *PostgresStore) RecordPage(ctx context.Context, rec domain.PageRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO crawled_pages (url, run_id, path, status, fail_reason, crawled_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (url) DO UPDATE SET
		   run_id = EXCLUDED.run_id, path = EXCLUDED.path, status = EXCLUDED.status,
		   fail_reason = EXCLUDED.fail_reason, crawled_at = EXCLUDED.crawled_at, updated_at = NOW()`,
		rec.URL, rec.RunID, rec.Path, string(rec.Status), rec.FailReason, rec.CrawledAt,
	)
	if err != nil {
		return fmt.Errorf("record page %s: %w", rec.URL, err)
	}
	return nil
}

// RecordRun upserts the totals of a run.
func (s *PostgresStore) RecordRun(ctx context.Context, rec domain.RunRecord) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO crawl_runs (run_id, mode, base_url, succeeded, failed, skipped, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id) DO UPDATE SET
		   succeeded = EXCLUDED.succeeded, failed = EXCLUDED.failed, skipped = EXCLUDED.skipped,
		   finished_at = EXCLUDED.finished_at`,
		rec.RunID, string(rec.Mode), rec.BaseURL, rec.Succeeded, rec.Failed, rec.Skipped,
		rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}
	return nil
}

// GetRun loads a run's totals.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*domain.RunRecord, error) {
	var (
		rec  domain.RunRecord
		mode string
	)
	err := s.db.QueryRow(ctx,
		`SELECT run_id, mode, base_url, succeeded, failed, skipped, started_at, finished_at
		 FROM crawl_runs WHERE run_id = $1`, runID,
	).Scan(&rec.RunID, &mode, &rec.BaseURL, &rec.Succeeded, &rec.Failed, &rec.Skipped, &rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	rec.Mode = domain.Mode(mode)
	return &rec, nil
}
