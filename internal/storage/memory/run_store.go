package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docsift/docsift/internal/store"
)

// RunStore is an in-memory store.JobRunStore. Write semantics mirror the
// Postgres store: StartRun is idempotent, FinishRun on an unknown job is a
// silent no-op (SQL UPDATE matching zero rows).
type RunStore struct {
	mu    sync.RWMutex
	runs  map[string]store.JobRun
	sites map[string]map[string]store.PageStats
}

// NewRunStore creates an empty in-memory run store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:  make(map[string]store.JobRun),
		sites: make(map[string]map[string]store.PageStats),
	}
}

// StartRun records the run in running status; repeats are no-ops.
func (s *RunStore) StartRun(_ context.Context, jobID, sourceID, seedURL string, startedAt time.Time) error {
	if jobID == "" {
		return errRequired("job id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[jobID]; ok {
		return nil
	}
	s.runs[jobID] = store.JobRun{
		JobID:     jobID,
		SourceID:  sourceID,
		SeedURL:   seedURL,
		Status:    store.RunRunning,
		StartedAt: startedAt,
	}
	return nil
}

// FinishRun marks the run terminal with status, error text, and counts.
func (s *RunStore) FinishRun(
	_ context.Context,
	jobID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg string,
	counts store.RunCounts,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return nil
	}
	run.Status = status
	run.FinishedAt = &finishedAt
	if errMsg != "" {
		run.ErrorMessage = &errMsg
	}
	run.Counts = counts
	s.runs[jobID] = run
	return nil
}

// UpsertPageStats accumulates page/byte deltas for one (job, site, class).
func (s *RunStore) UpsertPageStats(
	_ context.Context,
	jobID, site string,
	statusClass string,
	deltaPages, deltaBytes int64,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	perSite, ok := s.sites[jobID]
	if !ok {
		perSite = make(map[string]store.PageStats)
		s.sites[jobID] = perSite
	}
	stat := perSite[site]
	stat.JobID = jobID
	stat.Site = site
	stat.LastUpdate = at
	stat.Pages += deltaPages
	stat.BytesTotal += deltaBytes
	switch statusClass {
	case "2xx":
		stat.Status2xx += deltaPages
	case "3xx":
		stat.Status3xx += deltaPages
	case "4xx":
		stat.Status4xx += deltaPages
	case "5xx":
		stat.Status5xx += deltaPages
	default:
		return fmt.Errorf("unknown status class %q", statusClass)
	}
	perSite[site] = stat
	return nil
}

// GetRun loads a single run or returns store.ErrNotFound.
func (s *RunStore) GetRun(_ context.Context, jobID string) (store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[jobID]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListRuns returns runs newest-first filtered by optional status.
func (s *RunStore) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.JobRun, error) {
	s.mu.RLock()
	matched := make([]store.JobRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status == nil || run.Status == *status {
			matched = append(matched, run)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].StartedAt.After(matched[j].StartedAt)
	})
	return page(matched, limit, offset), nil
}

// ListRunSites returns aggregated per-site stats for one run.
func (s *RunStore) ListRunSites(_ context.Context, jobID string, limit, offset int) ([]store.PageStats, error) {
	s.mu.RLock()
	perSite := s.sites[jobID]
	stats := make([]store.PageStats, 0, len(perSite))
	for _, stat := range perSite {
		stats = append(stats, stat)
	}
	s.mu.RUnlock()

	sort.SliceStable(stats, func(i, j int) bool {
		return stats[i].LastUpdate.After(stats[j].LastUpdate)
	})
	return page(stats, limit, offset), nil
}
