package store

import (
	"context"
	"time"
)

// RunStatus mirrors the crawl run status column.
type RunStatus string

// Crawl run statuses persisted in the runs table.
const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunError     RunStatus = "error"
	RunCancelled RunStatus = "cancelled"
)

// RunCounts carries the page tallies written when a run finishes.
type RunCounts struct {
	Total     int
	Processed int
	Succeeded int
	Failed    int
}

// JobRun models one crawl run row for the read-only progress API.
type JobRun struct {
	// JobID is the crawl identifier shared with workers and the queue.
	JobID string
	// SourceID names the documentation source the run crawled.
	SourceID string
	// SeedURL is the URL the crawl started from.
	SeedURL string
	// Status is running until the run finishes.
	Status RunStatus
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run reaches a terminal status.
	FinishedAt *time.Time
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// Counts holds the final page tallies; zero while running.
	Counts RunCounts
}

// PageStats aggregates fetch outcomes per (run, site).
type PageStats struct {
	JobID string
	// Site is the lowercase host label (e.g. docs.example.com).
	Site string
	// LastUpdate is the timestamp of the most recent delta.
	LastUpdate time.Time
	// Pages counts fetch completions for the site.
	Pages int64
	// BytesTotal accumulates response bytes.
	BytesTotal int64
	// Status2xx-5xx hold per-class fetch counts for diagnostics.
	Status2xx int64
	Status3xx int64
	Status4xx int64
	Status5xx int64
}

// JobRunStore persists run lifecycle rows and per-site page stats.
type JobRunStore interface {
	// StartRun inserts the run in running status; repeat calls for the same
	// job are no-ops.
	StartRun(ctx context.Context, jobID, sourceID, seedURL string, startedAt time.Time) error
	// FinishRun marks the run terminal with its status, optional error text,
	// and final page counts.
	FinishRun(ctx context.Context, jobID string, finishedAt time.Time, status RunStatus, errMsg string, counts RunCounts) error
	// UpsertPageStats applies page/byte deltas for one (job, site, class).
	UpsertPageStats(ctx context.Context, jobID, site string, statusClass string, deltaPages, deltaBytes int64, at time.Time) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, jobID string) (JobRun, error)
	// ListRuns returns runs newest-first filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]JobRun, error)
	// ListRunSites returns aggregated per-site stats for one run.
	ListRunSites(ctx context.Context, jobID string, limit, offset int) ([]PageStats, error)
}
