package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docsift/docsift/internal/store"
)

func TestRunStoreLifecycle(t *testing.T) {
	t.Parallel()

	rs := NewRunStore()
	ctx := context.Background()
	started := time.Now().UTC()

	require.NoError(t, rs.StartRun(ctx, "job-1", "go-docs", "https://docs.example.com/", started))
	// Idempotent restart keeps the original row.
	require.NoError(t, rs.StartRun(ctx, "job-1", "other", "https://other/", started.Add(time.Hour)))

	run, err := rs.GetRun(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, store.RunRunning, run.Status)
	require.Equal(t, "go-docs", run.SourceID)
	require.Nil(t, run.FinishedAt)

	finished := started.Add(time.Minute)
	counts := store.RunCounts{Total: 4, Processed: 4, Succeeded: 3, Failed: 1}
	require.NoError(t, rs.FinishRun(ctx, "job-1", finished, store.RunSuccess, "", counts))

	run, err = rs.GetRun(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Nil(t, run.ErrorMessage)
	require.Equal(t, counts, run.Counts)
}

func TestRunStoreFinishUnknownJobIsNoOp(t *testing.T) {
	t.Parallel()

	rs := NewRunStore()
	require.NoError(t, rs.FinishRun(context.Background(), "ghost", time.Now(), store.RunError, "boom", store.RunCounts{}))
	_, err := rs.GetRun(context.Background(), "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRunStorePageStatsAccumulate(t *testing.T) {
	t.Parallel()

	rs := NewRunStore()
	ctx := context.Background()
	t0 := time.Now().UTC()

	require.NoError(t, rs.UpsertPageStats(ctx, "job-1", "docs.example.com", "2xx", 2, 4096, t0))
	require.NoError(t, rs.UpsertPageStats(ctx, "job-1", "docs.example.com", "4xx", 1, 512, t0.Add(time.Second)))
	require.Error(t, rs.UpsertPageStats(ctx, "job-1", "docs.example.com", "teapot", 1, 1, t0))

	stats, err := rs.ListRunSites(ctx, "job-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	require.Equal(t, int64(3), stats[0].Pages)
	require.Equal(t, int64(4608), stats[0].BytesTotal)
	require.Equal(t, int64(2), stats[0].Status2xx)
	require.Equal(t, int64(1), stats[0].Status4xx)
	require.Equal(t, t0.Add(time.Second), stats[0].LastUpdate)
}

func TestRunStoreListFiltersByStatus(t *testing.T) {
	t.Parallel()

	rs := NewRunStore()
	ctx := context.Background()
	base := time.Now().UTC()

	require.NoError(t, rs.StartRun(ctx, "job-1", "go-docs", "https://a/", base))
	require.NoError(t, rs.StartRun(ctx, "job-2", "go-docs", "https://b/", base.Add(time.Second)))
	require.NoError(t, rs.FinishRun(ctx, "job-1", base.Add(time.Minute), store.RunError, "boom", store.RunCounts{}))

	running := store.RunRunning
	got, err := rs.ListRuns(ctx, &running, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "job-2", got[0].JobID)

	all, err := rs.ListRuns(ctx, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "job-2", all[0].JobID)

	failed, err := rs.GetRun(ctx, "job-1")
	require.NoError(t, err)
	require.NotNil(t, failed.ErrorMessage)
	require.Equal(t, "boom", *failed.ErrorMessage)
}
