package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/docsift/docsift/internal/store"
)

// RunStoreConfig names the tables the run store writes to.
type RunStoreConfig struct {
	// RunsTable defaults to "crawl_runs".
	RunsTable string
	// PageStatsTable defaults to "crawl_run_pages".
	PageStatsTable string
}

// RunStore persists crawl run lifecycle rows and per-site page stats.
//
// Expected schema:
//
//	CREATE TABLE crawl_runs (
//	    job_id UUID PRIMARY KEY,
//	    source_id TEXT NOT NULL,
//	    seed_url TEXT NOT NULL,
//	    status TEXT NOT NULL,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    finished_at TIMESTAMPTZ,
//	    error_message TEXT,
//	    pages_total INT NOT NULL DEFAULT 0,
//	    pages_processed INT NOT NULL DEFAULT 0,
//	    pages_succeeded INT NOT NULL DEFAULT 0,
//	    pages_failed INT NOT NULL DEFAULT 0
//	);
//	CREATE TABLE crawl_run_pages (
//	    job_id UUID NOT NULL,
//	    site TEXT NOT NULL,
//	    last_update TIMESTAMPTZ NOT NULL,
//	    pages BIGINT NOT NULL DEFAULT 0,
//	    bytes_total BIGINT NOT NULL DEFAULT 0,
//	    status_2xx BIGINT NOT NULL DEFAULT 0,
//	    status_3xx BIGINT NOT NULL DEFAULT 0,
//	    status_4xx BIGINT NOT NULL DEFAULT 0,
//	    status_5xx BIGINT NOT NULL DEFAULT 0,
//	    PRIMARY KEY (job_id, site)
//	);
type RunStore struct {
	pool       pgxPool
	runsTable  string
	statsTable string
}

// NewRunStore wraps an existing pool. The pool's lifecycle belongs to the
// caller.
func NewRunStore(pool pgxPool, cfg RunStoreConfig) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if cfg.RunsTable == "" {
		cfg.RunsTable = "crawl_runs"
	}
	if cfg.PageStatsTable == "" {
		cfg.PageStatsTable = "crawl_run_pages"
	}
	for _, table := range []string{cfg.RunsTable, cfg.PageStatsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RunStore{
		pool:       pool,
		runsTable:  cfg.RunsTable,
		statsTable: cfg.PageStatsTable,
	}, nil
}

// StartRun inserts the run in running status; repeats are no-ops.
func (s *RunStore) StartRun(ctx context.Context, jobID, sourceID, seedURL string, startedAt time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, source_id, seed_url, status, started_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO NOTHING`, s.runsTable)
	if _, err := s.pool.Exec(ctx, query, jobID, sourceID, seedURL, store.RunRunning, startedAt); err != nil {
		return fmt.Errorf("start run: %w", err)
	}
	return nil
}

// FinishRun marks the run terminal with status, error text, and page counts.
func (s *RunStore) FinishRun(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg string,
	counts store.RunCounts,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $2, status = $3, error_message = NULLIF($4, ''),
	pages_total = $5, pages_processed = $6, pages_succeeded = $7, pages_failed = $8
WHERE job_id = $1`, s.runsTable)
	_, err := s.pool.Exec(ctx, query,
		jobID, finishedAt, status, errMsg,
		counts.Total, counts.Processed, counts.Succeeded, counts.Failed,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// UpsertPageStats applies page/byte deltas for one (job, site, class) in a
// single statement so concurrent sinks cannot race the insert.
func (s *RunStore) UpsertPageStats(
	ctx context.Context,
	jobID, site string,
	statusClass string,
	deltaPages, deltaBytes int64,
	at time.Time,
) error {
	var d2, d3, d4, d5 int64
	switch statusClass {
	case "2xx":
		d2 = deltaPages
	case "3xx":
		d3 = deltaPages
	case "4xx":
		d4 = deltaPages
	case "5xx":
		d5 = deltaPages
	default:
		return fmt.Errorf("unknown status class %q", statusClass)
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (job_id, site, last_update, pages, bytes_total, status_2xx, status_3xx, status_4xx, status_5xx)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (job_id, site) DO UPDATE SET
	pages = %[1]s.pages + EXCLUDED.pages,
	bytes_total = %[1]s.bytes_total + EXCLUDED.bytes_total,
	status_2xx = %[1]s.status_2xx + EXCLUDED.status_2xx,
	status_3xx = %[1]s.status_3xx + EXCLUDED.status_3xx,
	status_4xx = %[1]s.status_4xx + EXCLUDED.status_4xx,
	status_5xx = %[1]s.status_5xx + EXCLUDED.status_5xx,
	last_update = EXCLUDED.last_update`, s.statsTable)
	_, err := s.pool.Exec(ctx, query, jobID, site, at, deltaPages, deltaBytes, d2, d3, d4, d5)
	if err != nil {
		return fmt.Errorf("upsert page stats: %w", err)
	}
	return nil
}

// GetRun loads a single run or returns store.ErrNotFound.
func (s *RunStore) GetRun(ctx context.Context, jobID string) (store.JobRun, error) {
	query := fmt.Sprintf(`
SELECT job_id, source_id, seed_url, status, started_at, finished_at, error_message,
	pages_total, pages_processed, pages_succeeded, pages_failed
FROM %s WHERE job_id = $1`, s.runsTable)
	var run store.JobRun
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&run.JobID,
		&run.SourceID,
		&run.SeedURL,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ErrorMessage,
		&run.Counts.Total,
		&run.Counts.Processed,
		&run.Counts.Succeeded,
		&run.Counts.Failed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest-first filtered by optional status.
func (s *RunStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.JobRun, error) {
	query := fmt.Sprintf(`
SELECT job_id, source_id, seed_url, status, started_at, finished_at, error_message,
	pages_total, pages_processed, pages_succeeded, pages_failed
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.runsTable)
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		var run store.JobRun
		if err := rows.Scan(
			&run.JobID,
			&run.SourceID,
			&run.SeedURL,
			&run.Status,
			&run.StartedAt,
			&run.FinishedAt,
			&run.ErrorMessage,
			&run.Counts.Total,
			&run.Counts.Processed,
			&run.Counts.Succeeded,
			&run.Counts.Failed,
		); err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run rows: %w", err)
	}
	return runs, nil
}

// ListRunSites returns aggregated per-site stats for one run.
func (s *RunStore) ListRunSites(ctx context.Context, jobID string, limit, offset int) ([]store.PageStats, error) {
	query := fmt.Sprintf(`
SELECT job_id, site, last_update, pages, bytes_total, status_2xx, status_3xx, status_4xx, status_5xx
FROM %s
WHERE job_id = $1
ORDER BY last_update DESC
LIMIT $2 OFFSET $3`, s.statsTable)
	rows, err := s.pool.Query(ctx, query, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list run sites: %w", err)
	}
	defer rows.Close()

	var stats []store.PageStats
	for rows.Next() {
		var stat store.PageStats
		if err := rows.Scan(
			&stat.JobID,
			&stat.Site,
			&stat.LastUpdate,
			&stat.Pages,
			&stat.BytesTotal,
			&stat.Status2xx,
			&stat.Status3xx,
			&stat.Status4xx,
			&stat.Status5xx,
		); err != nil {
			return nil, fmt.Errorf("scan page stats row: %w", err)
		}
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page stats rows: %w", err)
	}
	return stats, nil
}
