package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/clock/system"
	"github.com/docsift/docsift/internal/crawler"
	"github.com/docsift/docsift/internal/progress"
)

// stubRunner blocks until released so tests control when jobs finish.
type stubRunner struct {
	mu      sync.Mutex
	started chan string
	release chan struct{}
	summary crawler.CrawlSummary
	err     error
	panics  bool
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		started: make(chan string, 16),
		release: make(chan struct{}),
		summary: crawler.CrawlSummary{Strategy: crawler.StrategySinglePage, Discovered: 1, Processed: 1, Succeeded: 1},
	}
}

func (r *stubRunner) Run(ctx context.Context, spec crawler.CrawlSpec) (crawler.CrawlSummary, error) {
	r.started <- spec.JobID
	select {
	case <-r.release:
	case <-ctx.Done():
		return crawler.CrawlSummary{}, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panics {
		panic("boom")
	}
	return r.summary, r.err
}

func (r *stubRunner) failWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("job-%03d", g.n), nil
}

func newTestOrchestrator(t *testing.T, runner Runner, cfg Config) *Orchestrator {
	t.Helper()
	o, err := New(runner, &seqIDs{}, system.New(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(o.Wait)
	return o
}

func TestStartCrawlReturnsImmediately(t *testing.T) {
	t.Parallel()
	runner := newStubRunner()
	o := newTestOrchestrator(t, runner, Config{})

	id, err := o.StartCrawl(context.Background(), "https://docs.example.com/guide", Options{})
	require.NoError(t, err)
	require.Equal(t, "job-001", id)

	job, err := o.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusDiscovering, job.Status)
	require.Equal(t, "docs.example.com", job.SourceID)
	require.Equal(t, "https://docs.example.com/guide", job.SeedURL)
	require.False(t, job.CreatedAt.IsZero())

	<-runner.started
	close(runner.release)

	require.Eventually(t, func() bool {
		job, err := o.Status(id)
		return err == nil && job.Status == StatusCompleted
	}, time.Second, 5*time.Millisecond)

	job, err = o.Status(id)
	require.NoError(t, err)
	require.Equal(t, 1, job.SuccessfulPages)
	require.Equal(t, string(crawler.StrategySinglePage), job.Strategy)
	require.False(t, job.CompletedAt.IsZero())
}

func TestStartCrawlRejectsBadURL(t *testing.T) {
	t.Parallel()
	o := newTestOrchestrator(t, newStubRunner(), Config{})

	_, err := o.StartCrawl(context.Background(), "not a url", Options{})
	require.Error(t, err)

	_, err = o.StartCrawl(context.Background(), "https://docs.example.com", Options{StrategyOverride: "bogus"})
	require.Error(t, err)
}

func TestStartCrawlEnforcesMaxConcurrent(t *testing.T) {
	t.Parallel()
	runner := newStubRunner()
	o := newTestOrchestrator(t, runner, Config{MaxConcurrent: 2})

	_, err := o.StartCrawl(context.Background(), "https://a.example.com", Options{})
	require.NoError(t, err)
	_, err = o.StartCrawl(context.Background(), "https://b.example.com", Options{})
	require.NoError(t, err)

	_, err = o.StartCrawl(context.Background(), "https://c.example.com", Options{})
	require.ErrorIs(t, err, ErrTooManyJobs)

	close(runner.release)
	require.Eventually(t, func() bool {
		return len(o.ActiveJobs()) == 0
	}, time.Second, 5*time.Millisecond)

	// Capacity frees up once jobs turn terminal.
	_, err = o.StartCrawl(context.Background(), "https://c.example.com", Options{})
	require.NoError(t, err)
}

func TestFailedRunMarksJobFailed(t *testing.T) {
	t.Parallel()
	runner := newStubRunner()
	runner.failWith(errors.New("no pages ingested"))
	o := newTestOrchestrator(t, runner, Config{})

	id, err := o.StartCrawl(context.Background(), "https://docs.example.com", Options{})
	require.NoError(t, err)
	<-runner.started
	close(runner.release)

	require.Eventually(t, func() bool {
		job, err := o.Status(id)
		return err == nil && job.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	job, err := o.Status(id)
	require.NoError(t, err)
	require.Contains(t, job.Error, "no pages ingested")
}

func TestWorkerPanicFailsOnlyItsJob(t *testing.T) {
	t.Parallel()
	panicking := newStubRunner()
	panicking.panics = true
	o := newTestOrchestrator(t, panicking, Config{})

	id, err := o.StartCrawl(context.Background(), "https://docs.example.com", Options{})
	require.NoError(t, err)
	<-panicking.started
	close(panicking.release)

	require.Eventually(t, func() bool {
		job, err := o.Status(id)
		return err == nil && job.Status == StatusFailed
	}, time.Second, 5*time.Millisecond)

	job, err := o.Status(id)
	require.NoError(t, err)
	require.Contains(t, job.Error, "crawl worker crashed")

	// The orchestrator still admits new jobs.
	_, err = o.StartCrawl(context.Background(), "https://other.example.com", Options{})
	require.NoError(t, err)
}

func TestCancelStopsJob(t *testing.T) {
	t.Parallel()
	runner := newStubRunner()
	o := newTestOrchestrator(t, runner, Config{})

	id, err := o.StartCrawl(context.Background(), "https://docs.example.com", Options{})
	require.NoError(t, err)
	<-runner.started

	require.NoError(t, o.Cancel(id))
	require.Eventually(t, func() bool {
		job, err := o.Status(id)
		return err == nil && job.Status == StatusCancelled
	}, time.Second, 5*time.Millisecond)

	// Terminal jobs cannot be cancelled again.
	require.Error(t, o.Cancel(id))
	require.ErrorIs(t, o.Cancel("missing"), ErrJobNotFound)
}

func TestTerminalHistoryPruned(t *testing.T) {
	t.Parallel()
	runner := newStubRunner()
	close(runner.release)
	o := newTestOrchestrator(t, runner, Config{MaxConcurrent: 1, MaxTerminal: 3})

	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("https://docs.example.com/v%d", i)
		_, err := o.StartCrawl(context.Background(), url, Options{})
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			return len(o.ActiveJobs()) == 0
		}, time.Second, 5*time.Millisecond)
	}

	jobs := o.ListJobs()
	require.Len(t, jobs, 3)
	for _, job := range jobs {
		require.True(t, job.Status.Terminal())
	}
	// Oldest jobs were the ones pruned.
	_, err := o.Status("job-001")
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = o.Status("job-005")
	require.NoError(t, err)
}

func TestFoldingSinkAppliesEvents(t *testing.T) {
	t.Parallel()
	runner := newStubRunner()
	o := newTestOrchestrator(t, runner, Config{})

	id, err := o.StartCrawl(context.Background(), "https://docs.example.com", Options{})
	require.NoError(t, err)
	<-runner.started

	sink := o.Sink()
	now := time.Now().UTC()
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: id, TS: now, Stage: progress.StageDiscoverStart, URL: "https://docs.example.com", Note: "link_follow"},
		{JobID: id, TS: now, Stage: progress.StageDiscoverDone, Counts: progress.Counts{Total: 4}},
		{JobID: id, TS: now, Stage: progress.StagePageStart, URL: "https://docs.example.com/a"},
		{JobID: id, TS: now, Stage: progress.StageChunksEmitted, URL: "https://docs.example.com/a", Chunks: 3},
		{JobID: id, TS: now, Stage: progress.StageSecurityFinding, URL: "https://docs.example.com/a", Severity: "high", Note: "instruction_override"},
		{JobID: "unknown", TS: now, Stage: progress.StageDiscoverDone},
	}))

	job, err := o.Status(id)
	require.NoError(t, err)
	require.Equal(t, StatusCrawling, job.Status)
	require.Equal(t, "link_follow", job.Strategy)
	require.Equal(t, 4, job.TotalPages)
	require.Equal(t, 1, job.SuccessfulPages)
	require.Equal(t, 1, job.ProcessedPages)
	require.Equal(t, "https://docs.example.com/a", job.CurrentURL)

	var lines []string
	for _, entry := range job.ProgressLog {
		lines = append(lines, entry.Line)
	}
	require.Contains(t, lines, "discovered 4 pages")
	require.Contains(t, lines, "security finding (high) on https://docs.example.com/a: instruction_override")

	close(runner.release)
	require.Eventually(t, func() bool {
		job, err := o.Status(id)
		return err == nil && job.Status.Terminal()
	}, time.Second, 5*time.Millisecond)

	// Events flushed after finalization no longer mutate the record.
	before, err := o.Status(id)
	require.NoError(t, err)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{JobID: id, TS: now, Stage: progress.StageChunksEmitted, URL: "https://late.example.com", Chunks: 1},
	}))
	after, err := o.Status(id)
	require.NoError(t, err)
	require.Equal(t, before.SuccessfulPages, after.SuccessfulPages)
}

func TestSubscribeDeliversSnapshotsAndCloses(t *testing.T) {
	t.Parallel()
	runner := newStubRunner()
	o := newTestOrchestrator(t, runner, Config{})

	id, err := o.StartCrawl(context.Background(), "https://docs.example.com", Options{})
	require.NoError(t, err)
	<-runner.started

	updates, stop, err := o.Subscribe(id)
	require.NoError(t, err)
	defer stop()

	first := <-updates
	require.Equal(t, id, first.ID)
	require.Equal(t, StatusDiscovering, first.Status)

	require.NoError(t, o.Sink().Consume(context.Background(), []progress.Event{
		{JobID: id, TS: time.Now().UTC(), Stage: progress.StageDiscoverDone, Counts: progress.Counts{Total: 2}},
	}))
	next := <-updates
	require.Equal(t, StatusCrawling, next.Status)
	require.Equal(t, 2, next.TotalPages)

	close(runner.release)
	var last BackgroundJob
	for snap := range updates {
		last = snap
	}
	require.True(t, last.Status.Terminal())

	_, _, err = o.Subscribe("missing")
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestProgressDisplayRendersBarsAndGlyphs(t *testing.T) {
	t.Parallel()
	runner := newStubRunner()
	o := newTestOrchestrator(t, runner, Config{})

	require.Equal(t, "no crawl jobs\n", o.ProgressDisplay())

	id, err := o.StartCrawl(context.Background(), "https://docs.example.com", Options{DisplayName: "Example Docs"})
	require.NoError(t, err)
	<-runner.started

	// No total yet: glyph form.
	out := o.ProgressDisplay()
	require.Contains(t, out, "Example Docs")
	require.Contains(t, out, string(StatusDiscovering))

	require.NoError(t, o.Sink().Consume(context.Background(), []progress.Event{
		{JobID: id, TS: time.Now().UTC(), Stage: progress.StageDiscoverDone, Counts: progress.Counts{Total: 4}},
		{JobID: id, TS: time.Now().UTC(), Stage: progress.StageJobHeartbeat, Counts: progress.Counts{Total: 4, Processed: 2, Succeeded: 2}},
	}))

	out = o.ProgressDisplay()
	require.Contains(t, out, " 50%")
	require.Contains(t, out, "2/4 pages")

	close(runner.release)
	o.Wait()
}
