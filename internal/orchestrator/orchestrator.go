// Package orchestrator coordinates background crawl jobs: admission,
// job records, live progress folding, subscriber fan-out, cancellation,
// and bounded history.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/crawler"
	"github.com/docsift/docsift/internal/telemetry"
)

// ErrTooManyJobs rejects StartCrawl while MaxConcurrent jobs are active.
var ErrTooManyJobs = errors.New("too many active jobs")

// ErrJobNotFound reports an unknown or already pruned job ID.
var ErrJobNotFound = errors.New("job not found")

// Status is the background job lifecycle state.
type Status string

// Lifecycle: pending -> discovering -> crawling -> terminal. Terminal
// states are absorbing; cancellation is the only externally triggered
// transition.
const (
	StatusPending     Status = "pending"
	StatusDiscovering Status = "discovering"
	StatusCrawling    Status = "crawling"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// LogEntry is one line of a job's progress narrative.
type LogEntry struct {
	TS   time.Time `json:"ts"`
	Line string    `json:"line"`
}

// BackgroundJob is the orchestrator's full record of one crawl.
type BackgroundJob struct {
	ID              string     `json:"id"`
	SourceID        string     `json:"source_id"`
	SeedURL         string     `json:"seed_url"`
	DisplayName     string     `json:"display_name"`
	Status          Status     `json:"status"`
	Strategy        string     `json:"strategy,omitempty"`
	TotalPages      int        `json:"total_pages"`
	ProcessedPages  int        `json:"processed_pages"`
	SuccessfulPages int        `json:"successful_pages"`
	FailedPages     int        `json:"failed_pages"`
	CurrentURL      string     `json:"current_url,omitempty"`
	ProgressLog     []LogEntry `json:"progress_log,omitempty"`
	Error           string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       time.Time  `json:"started_at,omitzero"`
	CompletedAt     time.Time  `json:"completed_at,omitzero"`
}

// Options shape one StartCrawl call. Zero values inherit configured
// defaults.
type Options struct {
	DisplayName string
	SourceID    string
	MaxPages    int
	MaxDepth    int
	// StrategyOverride skips detection and forces a discovery strategy.
	StrategyOverride crawler.StrategyKind
}

// Runner executes one crawl end to end. *worker.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, spec crawler.CrawlSpec) (crawler.CrawlSummary, error)
}

// Config bounds the orchestrator.
type Config struct {
	// MaxConcurrent caps active (pending/discovering/crawling) jobs.
	MaxConcurrent int
	// MaxTerminal caps retained terminal jobs; older ones are pruned.
	MaxTerminal int
	// MaxLogLines caps each job's progress log; oldest lines drop first.
	MaxLogLines int
}

const (
	defaultMaxConcurrent = 3
	defaultMaxTerminal   = 10
	defaultMaxLogLines   = 500

	subscriberBuffer = 16
	// subscriberMaxDrops is how many consecutive undelivered snapshots a
	// subscriber survives before it is treated as dead and removed.
	subscriberMaxDrops = 32
)

type subscriber struct {
	ch    chan BackgroundJob
	drops int
}

// Orchestrator owns the job table. All mutation goes through one mutex;
// crawl work runs in per-job goroutines that report back through the
// progress hub's folding sink and the Run return value.
type Orchestrator struct {
	runner Runner
	ids    crawler.IDGenerator
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	jobs    map[string]*BackgroundJob
	cancels map[string]context.CancelFunc
	subs    map[string][]*subscriber
	wg      sync.WaitGroup
}

// New builds an Orchestrator, filling config defaults.
func New(runner Runner, ids crawler.IDGenerator, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if ids == nil {
		return nil, errors.New("id generator is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = defaultMaxConcurrent
	}
	if cfg.MaxTerminal <= 0 {
		cfg.MaxTerminal = defaultMaxTerminal
	}
	if cfg.MaxLogLines <= 0 {
		cfg.MaxLogLines = defaultMaxLogLines
	}
	return &Orchestrator{
		runner:  runner,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		jobs:    make(map[string]*BackgroundJob),
		cancels: make(map[string]context.CancelFunc),
		subs:    make(map[string][]*subscriber),
	}, nil
}

// StartCrawl admits one crawl and returns its job ID without waiting for
// any crawl work. The job runs on its own context, detached from the
// caller's request lifetime; Cancel is the way to stop it.
func (o *Orchestrator) StartCrawl(ctx context.Context, seedURL string, opts Options) (string, error) {
	normalized, err := crawler.NormalizeURL(seedURL)
	if err != nil {
		return "", fmt.Errorf("start crawl: %w", err)
	}
	sourceID := opts.SourceID
	if sourceID == "" {
		sourceID = sourceIDFor(normalized)
	}
	displayName := opts.DisplayName
	if displayName == "" {
		displayName = sourceID
	}
	if opts.StrategyOverride != "" {
		if _, err := crawler.ForKind(opts.StrategyOverride, nil, nil); err != nil {
			return "", fmt.Errorf("start crawl: %w", err)
		}
	}

	jobID, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("start crawl: new job id: %w", err)
	}

	o.mu.Lock()
	if o.activeLocked() >= o.cfg.MaxConcurrent {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: limit %d", ErrTooManyJobs, o.cfg.MaxConcurrent)
	}

	now := o.clock.Now()
	job := &BackgroundJob{
		ID:          jobID,
		SourceID:    sourceID,
		SeedURL:     normalized,
		DisplayName: displayName,
		Status:      StatusPending,
		CreatedAt:   now,
	}
	o.jobs[jobID] = job
	o.appendLogLocked(job, "job created for "+normalized)
	job.Status = StatusDiscovering
	job.StartedAt = now
	o.appendLogLocked(job, "discovery started")

	jobCtx, cancel := context.WithCancel(context.Background())
	o.cancels[jobID] = cancel
	telemetry.SetActiveJobs(o.activeLocked())
	o.notifyLocked(job)
	o.mu.Unlock()

	spec := crawler.CrawlSpec{
		JobID:            jobID,
		SourceID:         sourceID,
		SeedURL:          normalized,
		DisplayName:      displayName,
		MaxPages:         opts.MaxPages,
		MaxDepth:         opts.MaxDepth,
		StrategyOverride: opts.StrategyOverride,
	}

	o.wg.Add(1)
	go o.runJob(jobCtx, cancel, spec)

	o.logger.Info("crawl job admitted",
		zap.String("job_id", jobID),
		zap.String("source_id", sourceID),
		zap.String("seed", normalized),
	)
	return jobID, nil
}

// runJob drives one crawl to a terminal state. A panic in the runner
// fails only this job.
func (o *Orchestrator) runJob(ctx context.Context, cancel context.CancelFunc, spec crawler.CrawlSpec) {
	defer o.wg.Done()
	defer cancel()

	var summary crawler.CrawlSummary
	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("crawl worker crashed: %v", r)
				o.logger.Error("crawl worker panic",
					zap.String("job_id", spec.JobID), zap.Any("panic", r))
			}
		}()
		summary, runErr = o.runner.Run(ctx, spec)
	}()

	status := StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = StatusCancelled
	case runErr != nil:
		status = StatusFailed
	}
	o.finalize(spec.JobID, status, summary, runErr)
}

// finalize records the terminal state, prunes history, and closes the
// job's subscribers.
func (o *Orchestrator) finalize(jobID string, status Status, summary crawler.CrawlSummary, runErr error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return
	}
	delete(o.cancels, jobID)
	if !job.Status.Terminal() {
		job.Status = status
		job.CompletedAt = o.clock.Now()
		if summary.Strategy != "" {
			job.Strategy = string(summary.Strategy)
		}
		if summary.Discovered > 0 {
			job.TotalPages = summary.Discovered
		}
		job.ProcessedPages = summary.Processed
		job.SuccessfulPages = summary.Succeeded
		job.FailedPages = summary.Failed
		job.CurrentURL = ""
		if runErr != nil {
			job.Error = runErr.Error()
		}
		o.appendLogLocked(job, fmt.Sprintf("job %s: %d/%d pages ingested, %d failed, took %s",
			status, summary.Succeeded, job.TotalPages, summary.Failed, summary.Duration.Round(time.Millisecond)))
	}
	telemetry.SetActiveJobs(o.activeLocked())
	o.notifyLocked(job)
	o.closeSubsLocked(jobID)
	o.pruneLocked()
}

// Cancel stops one active job. The worker's context is cancelled; the
// job turns cancelled when the worker unwinds.
func (o *Orchestrator) Cancel(jobID string) error {
	o.mu.Lock()
	job, ok := o.jobs[jobID]
	if !ok {
		o.mu.Unlock()
		return ErrJobNotFound
	}
	if job.Status.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("job %s already %s", jobID, job.Status)
	}
	cancel := o.cancels[jobID]
	o.appendLogLocked(job, "cancellation requested")
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// Status returns a point-in-time copy of one job.
func (o *Orchestrator) Status(jobID string) (BackgroundJob, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	job, ok := o.jobs[jobID]
	if !ok {
		return BackgroundJob{}, ErrJobNotFound
	}
	return snapshot(job), nil
}

// ListJobs returns copies of every retained job, newest first.
func (o *Orchestrator) ListJobs() []BackgroundJob {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]BackgroundJob, 0, len(o.jobs))
	for _, job := range o.jobs {
		out = append(out, snapshot(job))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ActiveJobs returns copies of the non-terminal jobs, newest first.
func (o *Orchestrator) ActiveJobs() []BackgroundJob {
	all := o.ListJobs()
	active := all[:0]
	for _, job := range all {
		if !job.Status.Terminal() {
			active = append(active, job)
		}
	}
	return active
}

// Subscribe registers for live snapshots of one job. The returned stop
// function unregisters; the channel closes when the job turns terminal.
// A subscriber that stops draining is dropped.
func (o *Orchestrator) Subscribe(jobID string) (<-chan BackgroundJob, func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	job, ok := o.jobs[jobID]
	if !ok {
		return nil, nil, ErrJobNotFound
	}
	sub := &subscriber{ch: make(chan BackgroundJob, subscriberBuffer)}
	sub.ch <- snapshot(job)
	if job.Status.Terminal() {
		close(sub.ch)
		return sub.ch, func() {}, nil
	}

	o.subs[jobID] = append(o.subs[jobID], sub)
	stop := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		o.removeSubLocked(jobID, sub)
	}
	return sub.ch, stop, nil
}

// Wait blocks until every spawned job goroutine has finished. Intended
// for shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func (o *Orchestrator) activeLocked() int {
	n := 0
	for _, job := range o.jobs {
		if !job.Status.Terminal() {
			n++
		}
	}
	return n
}

func (o *Orchestrator) appendLogLocked(job *BackgroundJob, line string) {
	job.ProgressLog = append(job.ProgressLog, LogEntry{TS: o.clock.Now(), Line: line})
	if over := len(job.ProgressLog) - o.cfg.MaxLogLines; over > 0 {
		job.ProgressLog = append(job.ProgressLog[:0], job.ProgressLog[over:]...)
	}
}

func (o *Orchestrator) notifyLocked(job *BackgroundJob) {
	subs := o.subs[job.ID]
	if len(subs) == 0 {
		return
	}
	snap := snapshot(job)
	keep := subs[:0]
	for _, sub := range subs {
		select {
		case sub.ch <- snap:
			sub.drops = 0
			keep = append(keep, sub)
		default:
			sub.drops++
			if sub.drops >= subscriberMaxDrops {
				close(sub.ch)
				continue
			}
			keep = append(keep, sub)
		}
	}
	o.subs[job.ID] = keep
}

func (o *Orchestrator) closeSubsLocked(jobID string) {
	for _, sub := range o.subs[jobID] {
		close(sub.ch)
	}
	delete(o.subs, jobID)
}

func (o *Orchestrator) removeSubLocked(jobID string, target *subscriber) {
	subs := o.subs[jobID]
	for i, sub := range subs {
		if sub == target {
			o.subs[jobID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// pruneLocked drops the oldest terminal jobs beyond the retention cap.
func (o *Orchestrator) pruneLocked() {
	var terminal []*BackgroundJob
	for _, job := range o.jobs {
		if job.Status.Terminal() {
			terminal = append(terminal, job)
		}
	}
	over := len(terminal) - o.cfg.MaxTerminal
	if over <= 0 {
		return
	}
	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CompletedAt.Before(terminal[j].CompletedAt)
	})
	for _, job := range terminal[:over] {
		delete(o.jobs, job.ID)
		o.logger.Debug("pruned terminal job",
			zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
	}
}

func snapshot(job *BackgroundJob) BackgroundJob {
	cp := *job
	cp.ProgressLog = append([]LogEntry(nil), job.ProgressLog...)
	return cp
}

func sourceIDFor(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil || u.Host == "" {
		return normalized
	}
	return u.Host
}
