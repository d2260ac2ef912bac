// Package worker executes one crawl job end to end: seed fetch, strategy
// discovery, the per-page ingestion pipeline, and terminal accounting.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/chunk"
	"github.com/docsift/docsift/internal/crawler"
	"github.com/docsift/docsift/internal/extract"
	"github.com/docsift/docsift/internal/inspect"
	"github.com/docsift/docsift/internal/progress"
	"github.com/docsift/docsift/internal/queue"
	"github.com/docsift/docsift/internal/ratelimit"
	"github.com/docsift/docsift/internal/store"
	"github.com/docsift/docsift/internal/telemetry"
)

// pollInterval is how long an idle page worker sleeps before re-checking
// the queue for redelivered work.
const pollInterval = 50 * time.Millisecond

// Config controls Engine behavior.
type Config struct {
	// Concurrency is the number of page workers per crawl (default 3).
	Concurrency int
	// Politeness is the pause between consecutive fetches by one worker.
	Politeness time.Duration
	// AcquireTimeout bounds the wait for a rate limit token (default 30s).
	AcquireTimeout time.Duration
	// BlobPrefix prefixes archived page snapshots in the blob store.
	BlobPrefix string
	// ContentType is stamped on archived snapshots.
	ContentType string
	// Topic receives one ingestion event per stored document; empty
	// disables publishing.
	Topic string
	// Escalate allows re-fetching script-dependent pages through the
	// browser pool.
	Escalate bool
	// HeartbeatEvery is the progress heartbeat period (default 5s).
	HeartbeatEvery time.Duration
}

// Deps collects the collaborators an Engine needs. Renderer, Detector,
// Publisher, Emitter, Policy, and Logger are optional.
type Deps struct {
	Fetcher   crawler.Fetcher
	Renderer  crawler.Renderer
	Detector  crawler.RenderDetector
	Limiter   *ratelimit.Limiter
	Validator *inspect.Validator
	Extractor *extract.Extractor
	Chunker   *chunk.Chunker
	Blobs     crawler.BlobStore
	Documents store.DocumentStore
	Publisher crawler.Publisher
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Emitter   progress.Emitter
	Policy    crawler.RetryPolicy
	Logger    *zap.Logger
}

// Engine runs crawl jobs. One Engine serves the whole process; each Run
// owns a private page queue, so concurrent jobs never share dedup state.
type Engine struct {
	fetch     crawler.Fetcher
	renderer  crawler.Renderer
	detector  crawler.RenderDetector
	limiter   *ratelimit.Limiter
	validator *inspect.Validator
	extractor *extract.Extractor
	chunker   *chunk.Chunker
	blobs     crawler.BlobStore
	docs      store.DocumentStore
	publisher crawler.Publisher
	hasher    crawler.Hasher
	clock     crawler.Clock
	ids       crawler.IDGenerator
	emitter   progress.Emitter
	policy    crawler.RetryPolicy
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Engine, filling optional dependencies and config
// defaults.
func New(deps Deps, cfg Config) (*Engine, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Validator == nil:
		return nil, errors.New("validator is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Chunker == nil:
		return nil, errors.New("chunker is required")
	case deps.Blobs == nil:
		return nil, errors.New("blob store is required")
	case deps.Documents == nil:
		return nil, errors.New("document store is required")
	case deps.Hasher == nil:
		return nil, errors.New("hasher is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.NopEmitter{}
	}
	if deps.Policy == nil {
		deps.Policy = crawler.NewFixedBackoffPolicy()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 30 * time.Second
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = 5 * time.Second
	}

	e := &Engine{
		renderer:  deps.Renderer,
		detector:  deps.Detector,
		limiter:   deps.Limiter,
		validator: deps.Validator,
		extractor: deps.Extractor,
		chunker:   deps.Chunker,
		blobs:     deps.Blobs,
		docs:      deps.Documents,
		publisher: deps.Publisher,
		hasher:    deps.Hasher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		emitter:   deps.Emitter,
		policy:    deps.Policy,
		cfg:       cfg,
		logger:    deps.Logger,
	}
	// Every outbound fetch, discovery included, goes through the shared
	// token bucket.
	e.fetch = &throttledFetcher{
		limiter: deps.Limiter,
		timeout: cfg.AcquireTimeout,
		clock:   deps.Clock,
		inner:   deps.Fetcher,
	}
	return e, nil
}

// Run executes one crawl to its terminal state and reports the outcome.
// Cancelling ctx stops the crawl; queued pages are marked cancelled and the
// returned error is the context error.
func (e *Engine) Run(ctx context.Context, spec crawler.CrawlSpec) (crawler.CrawlSummary, error) {
	started := e.clock.Now()
	counts := &counters{}
	var summary crawler.CrawlSummary

	e.emit(progress.Event{
		JobID:    spec.JobID,
		SourceID: spec.SourceID,
		TS:       started,
		Stage:    progress.StageJobStart,
		URL:      spec.SeedURL,
	})
	e.logger.Info("crawl started",
		zap.String("job_id", spec.JobID),
		zap.String("source_id", spec.SourceID),
		zap.String("seed", spec.SeedURL),
	)

	cause := e.crawl(ctx, spec, &summary, counts)

	snapshot := counts.snapshot()
	summary.Processed = snapshot.Processed
	summary.Succeeded = snapshot.Succeeded
	summary.Failed = snapshot.Failed
	summary.Duration = e.clock.Since(started)

	terminal := progress.Event{
		JobID:    spec.JobID,
		SourceID: spec.SourceID,
		TS:       e.clock.Now(),
		Dur:      summary.Duration,
		Counts:   snapshot,
	}
	switch {
	case ctx.Err() != nil:
		terminal.Stage = progress.StageJobCancelled
		terminal.Note = "crawl cancelled"
		if cause == nil {
			cause = ctx.Err()
		}
	case cause != nil:
		terminal.Stage = progress.StageJobError
		terminal.Note = cause.Error()
	default:
		terminal.Stage = progress.StageJobDone
	}
	e.emit(terminal)
	e.logger.Info("crawl finished",
		zap.String("job_id", spec.JobID),
		zap.String("stage", string(terminal.Stage)),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, cause
}

// crawl runs discovery and the page workers. A nil return with a cancelled
// ctx means the run was interrupted, not completed.
func (e *Engine) crawl(ctx context.Context, spec crawler.CrawlSpec, summary *crawler.CrawlSummary, counts *counters) error {
	seed, err := e.fetchPage(ctx, spec.SeedURL)
	if err != nil {
		return fmt.Errorf("fetch seed: %w", err)
	}
	if statusErr := crawler.ErrorFromStatus(seed.FinalURL, seed.StatusCode); statusErr != nil {
		return fmt.Errorf("fetch seed: %w", statusErr)
	}

	strategy, err := e.strategyFor(ctx, spec, seed.Body)
	if err != nil {
		return err
	}
	summary.Strategy = strategy.Name()

	e.emit(progress.Event{
		JobID:    spec.JobID,
		SourceID: spec.SourceID,
		TS:       e.clock.Now(),
		Stage:    progress.StageDiscoverStart,
		URL:      spec.SeedURL,
		Note:     string(strategy.Name()),
	})
	urls, err := strategy.DiscoverURLs(ctx, seed.FinalURL, seed.Body, spec.Bounds(e.cfg.Politeness))
	if err != nil {
		return fmt.Errorf("discover urls: %w", err)
	}

	q := queue.New(e.policy, e.logger)
	defer q.Close()
	inserted := q.EnqueueBatch(spec.SourceID, urls)
	counts.setTotal(inserted)
	summary.Discovered = inserted
	e.emit(progress.Event{
		JobID:    spec.JobID,
		SourceID: spec.SourceID,
		TS:       e.clock.Now(),
		Stage:    progress.StageDiscoverDone,
		URL:      spec.SeedURL,
		Note:     string(strategy.Name()),
		Counts:   counts.snapshot(),
	})
	if inserted == 0 {
		return errors.New("no pages discovered")
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go e.heartbeat(hbCtx, spec, counts)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.pageWorker(ctx, spec, q, counts)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		if n := q.Cancel(spec.SourceID); n > 0 {
			e.logger.Info("cancelled queued pages",
				zap.String("job_id", spec.JobID), zap.Int("count", n))
		}
		return nil
	}
	if counts.snapshot().Succeeded == 0 {
		return errors.New("no pages ingested")
	}
	return nil
}

// pageWorker drains the queue until the crawl's work is done or ctx ends.
// Idle workers poll: redelivery of backed-off retries makes the queue
// non-empty again without any signal.
func (e *Engine) pageWorker(ctx context.Context, spec crawler.CrawlSpec, q *queue.Queue, counts *counters) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, ok := q.Dequeue()
		if !ok {
			if q.Drained(spec.SourceID) {
				return
			}
			crawler.Pause(ctx, pollInterval)
			continue
		}

		err := e.processPage(ctx, spec, job)
		if err == nil {
			q.Complete(job.ID)
			counts.succeed()
			crawler.Pause(ctx, e.cfg.Politeness)
			continue
		}

		e.emit(progress.Event{
			JobID:    spec.JobID,
			SourceID: spec.SourceID,
			TS:       e.clock.Now(),
			Stage:    progress.StagePageError,
			URL:      job.URL,
			Depth:    job.Depth,
			Note:     err.Error(),
		})
		if retrying := q.Fail(job.ID, err); retrying {
			e.logger.Debug("page retry scheduled",
				zap.String("url", job.URL), zap.Int("attempts", job.Attempts+1))
		} else {
			counts.fail()
		}
		crawler.Pause(ctx, e.cfg.Politeness)
	}
}

// processPage runs the ingestion pipeline for one page. Errors come back
// classified so the queue can decide between retry and permanent failure.
func (e *Engine) processPage(ctx context.Context, spec crawler.CrawlSpec, job queue.Job) error {
	e.emit(progress.Event{
		JobID:    spec.JobID,
		SourceID: spec.SourceID,
		TS:       e.clock.Now(),
		Stage:    progress.StagePageStart,
		URL:      job.URL,
		Depth:    job.Depth,
	})

	page, err := e.fetchPage(ctx, job.URL)
	if err != nil {
		return err
	}

	e.emit(progress.Event{
		JobID:       spec.JobID,
		SourceID:    spec.SourceID,
		TS:          e.clock.Now(),
		Stage:       progress.StagePageDone,
		URL:         page.FinalURL,
		Depth:       job.Depth,
		Bytes:       int64(page.ContentLength()),
		StatusClass: progress.ClassifyStatus(page.StatusCode),
		Dur:         page.Duration,
	})
	if statusErr := crawler.ErrorFromStatus(page.FinalURL, page.StatusCode); statusErr != nil {
		return statusErr
	}
	return e.ingest(ctx, spec, job, page)
}

// ingest screens, extracts, chunks, archives, stores, and publishes one
// successfully fetched page.
func (e *Engine) ingest(ctx context.Context, spec crawler.CrawlSpec, job queue.Job, page crawler.Page) error {
	pageURL := page.FinalURL

	hidden, err := e.validator.ScreenHTML(pageURL, page.Body)
	if err != nil {
		return crawler.Structural(pageURL, fmt.Errorf("screen html: %w", err))
	}
	if len(hidden.Findings) > 0 {
		telemetry.ObserveHiddenContent()
		e.emitFindings(spec, job, pageURL, hidden.Findings)
	}

	content, err := e.extractor.Extract(hidden.Cleaned, pageURL)
	if err != nil {
		return crawler.Structural(pageURL, fmt.Errorf("extract content: %w", err))
	}

	injection := e.validator.ScreenText(pageURL, content.Content)
	if len(injection.Findings) > 0 {
		e.emitFindings(spec, job, pageURL, injection.Findings)
	}
	security := hidden.Status.Escalate(injection.Status)

	quality := e.validator.Quality(injection.Sanitized, len(page.Body))
	if !quality.Passed {
		reason := "unspecified"
		if len(quality.Reasons) > 0 {
			reason = quality.Reasons[0]
		}
		telemetry.ObserveQualityReject(reason)
		return crawler.Structural(pageURL, fmt.Errorf("quality rejected: %s", strings.Join(quality.Reasons, "; ")))
	}

	chunks := e.chunker.Split(injection.Sanitized)
	for i := range chunks {
		chunks[i].QualityScore = quality.Score
		chunks[i].SecurityStatus = string(security)
	}

	hash, err := e.hasher.Hash(page.Body)
	if err != nil {
		return crawler.Transient(pageURL, fmt.Errorf("hash body: %w", err))
	}
	// The archive keeps the page as fetched; hidden-content stripping only
	// affects what gets extracted and stored as searchable text.
	blobURI, err := e.blobs.PutObject(ctx, e.blobPath(spec.JobID, hash), e.cfg.ContentType, bytes.NewReader(page.Body))
	if err != nil {
		return crawler.Transient(pageURL, fmt.Errorf("archive page: %w", err))
	}

	docID, err := e.ids.NewID()
	if err != nil {
		return crawler.Transient(pageURL, fmt.Errorf("new document id: %w", err))
	}
	doc := store.Document{
		ID:             docID,
		JobID:          spec.JobID,
		SourceID:       spec.SourceID,
		URL:            pageURL,
		Title:          content.Title,
		Description:    content.Description,
		ContentHash:    hash,
		BlobURI:        blobURI,
		QualityScore:   quality.Score,
		SecurityStatus: string(security),
		ChunkCount:     len(chunks),
		FetchedAt:      e.clock.Now(),
	}
	if err := e.docs.SaveDocument(ctx, doc, chunks); err != nil {
		return crawler.Transient(pageURL, fmt.Errorf("save document: %w", err))
	}

	if err := e.publishIngest(ctx, doc); err != nil {
		return err
	}

	contentBytes := 0
	for _, ch := range chunks {
		contentBytes += len(ch.Content)
	}
	e.emit(progress.Event{
		JobID:    spec.JobID,
		SourceID: spec.SourceID,
		TS:       e.clock.Now(),
		Stage:    progress.StageChunksEmitted,
		URL:      pageURL,
		Depth:    job.Depth,
		Chunks:   len(chunks),
		Bytes:    int64(contentBytes),
	})
	return nil
}

// publishIngest notifies downstream indexers of one stored document.
func (e *Engine) publishIngest(ctx context.Context, doc store.Document) error {
	if e.publisher == nil || e.cfg.Topic == "" {
		return nil
	}
	payload := map[string]any{
		"job_id":          doc.JobID,
		"source_id":       doc.SourceID,
		"url":             doc.URL,
		"title":           doc.Title,
		"blob_uri":        doc.BlobURI,
		"content_hash":    doc.ContentHash,
		"chunk_count":     doc.ChunkCount,
		"quality_score":   doc.QualityScore,
		"security_status": doc.SecurityStatus,
		"fetched_at":      doc.FetchedAt.Format(time.RFC3339),
	}
	if _, err := e.publisher.Publish(ctx, e.cfg.Topic, payload); err != nil {
		return crawler.Transient(doc.URL, fmt.Errorf("publish ingest event: %w", err))
	}
	return nil
}

func (e *Engine) strategyFor(ctx context.Context, spec crawler.CrawlSpec, seedHTML []byte) (crawler.Strategy, error) {
	if spec.StrategyOverride != "" {
		return crawler.ForKind(spec.StrategyOverride, e.fetch, e.logger)
	}
	return crawler.Detect(ctx, e.fetch, spec.SeedURL, seedHTML, e.logger), nil
}

func (e *Engine) heartbeat(ctx context.Context, spec crawler.CrawlSpec, counts *counters) {
	ticker := time.NewTicker(e.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.emit(progress.Event{
				JobID:    spec.JobID,
				SourceID: spec.SourceID,
				TS:       e.clock.Now(),
				Stage:    progress.StageJobHeartbeat,
				Counts:   counts.snapshot(),
			})
		}
	}
}

func (e *Engine) emitFindings(spec crawler.CrawlSpec, job queue.Job, url string, findings []inspect.Finding) {
	for _, f := range findings {
		e.emit(progress.Event{
			JobID:    spec.JobID,
			SourceID: spec.SourceID,
			TS:       e.clock.Now(),
			Stage:    progress.StageSecurityFinding,
			URL:      url,
			Depth:    job.Depth,
			Severity: string(f.Severity),
			Note:     f.Category,
		})
	}
}

func (e *Engine) emit(evt progress.Event) {
	e.emitter.Emit(evt)
}

func (e *Engine) blobPath(jobID, hash string) string {
	prefix := strings.Trim(e.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", jobID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, jobID, hash)
}

// counters tracks page tallies for one run. Total is fixed at discovery;
// the rest advance as pages reach terminal outcomes.
type counters struct {
	mu        sync.Mutex
	total     int
	processed int
	succeeded int
	failed    int
}

func (c *counters) setTotal(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = n
}

func (c *counters) succeed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.succeeded++
}

func (c *counters) fail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processed++
	c.failed++
}

func (c *counters) snapshot() progress.Counts {
	c.mu.Lock()
	defer c.mu.Unlock()
	return progress.Counts{
		Total:     c.total,
		Processed: c.processed,
		Succeeded: c.succeeded,
		Failed:    c.failed,
	}
}
