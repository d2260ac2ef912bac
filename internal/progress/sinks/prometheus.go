package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/docsift/docsift/internal/progress"
	"github.com/docsift/docsift/internal/telemetry"
)

// PrometheusSink exports crawl progress metrics. It owns the collectors
// derived from progress events: job lifecycle, per-site page outcomes, chunk
// production, and security findings. Point-of-use metrics such as browser
// pool occupancy and rate limit delays live in internal/telemetry and are
// recorded directly by the components that observe them.
type PrometheusSink struct {
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsActive   prometheus.Gauge
	jobRuntime   *prometheus.HistogramVec

	pages        *prometheus.CounterVec
	pageErrors   *prometheus.CounterVec
	pageBytes    *prometheus.CounterVec
	pageDuration *prometheus.HistogramVec

	chunks     *prometheus.CounterVec
	chunkBytes *prometheus.CounterVec

	securityFindings *prometheus.CounterVec

	tracker *jobTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
// A nil registry falls back to the default registerer. Registration is
// idempotent: a collector the registry already holds is reused, so building
// the sink twice in one process is safe.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{tracker: newJobTracker()}

	var err error
	s.jobsStarted, err = register(reg, err, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docsift_crawl_jobs_started_total",
		Help: "Total crawl jobs that have started.",
	}))
	s.jobsFinished, err = register(reg, err, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsift_crawl_jobs_finished_total",
		Help: "Total crawl jobs finished partitioned by terminal status.",
	}, []string{"status"}))
	s.jobsActive, err = register(reg, err, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "docsift_crawl_jobs_active",
		Help: "Crawl jobs currently running.",
	}))
	s.jobRuntime, err = register(reg, err, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docsift_crawl_job_runtime_seconds",
		Help:    "Wall time per finished crawl job.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"status"}))
	s.pages, err = register(reg, err, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsift_pages_total",
		Help: "Pages fetched partitioned by site and HTTP status class.",
	}, []string{"site", "status_class"}))
	s.pageErrors, err = register(reg, err, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsift_page_errors_total",
		Help: "Pages that failed before producing an HTTP status, per site.",
	}, []string{"site"}))
	s.pageBytes, err = register(reg, err, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsift_page_bytes_total",
		Help: "HTML bytes fetched per site.",
	}, []string{"site"}))
	s.pageDuration, err = register(reg, err, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "docsift_page_duration_seconds",
		Help:    "Per-page pipeline duration partitioned by site and status class.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"site", "status_class"}))
	s.chunks, err = register(reg, err, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsift_chunks_emitted_total",
		Help: "Content chunks emitted for indexing, per site.",
	}, []string{"site"}))
	s.chunkBytes, err = register(reg, err, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsift_chunk_bytes_total",
		Help: "Chunk content bytes emitted, per site.",
	}, []string{"site"}))
	s.securityFindings, err = register(reg, err, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docsift_security_findings_total",
		Help: "Suspicious or dangerous content findings partitioned by severity.",
	}, []string{"severity"}))
	if err != nil {
		return nil, fmt.Errorf("register progress collector: %w", err)
	}
	return s, nil
}

// register registers c, reusing the registry's existing collector on a
// duplicate. The prior error threads through so the constructor can check
// once at the end.
func register[C prometheus.Collector](reg prometheus.Registerer, prev error, c C) (C, error) {
	if prev != nil {
		var zero C
		return zero, prev
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, err
	}
	return c, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart, progress.StageJobDone, progress.StageJobError, progress.StageJobCancelled:
		s.handleJobEvent(evt)
	case progress.StagePageDone:
		s.handlePageDone(evt)
	case progress.StagePageError:
		s.pageErrors.WithLabelValues(telemetry.SanitizeSite(evt.URL)).Inc()
	case progress.StageChunksEmitted:
		s.handleChunksEmitted(evt)
	case progress.StageSecurityFinding:
		s.handleSecurityFinding(evt)
	}
}

func (s *PrometheusSink) handleJobEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsActive.Inc()
		}
		return
	case progress.StageJobDone:
		s.observeFinished(evt, "success")
	case progress.StageJobError:
		s.observeFinished(evt, "error")
	case progress.StageJobCancelled:
		s.observeFinished(evt, "cancelled")
	}
	if s.tracker.complete(evt.JobID) {
		s.jobsActive.Dec()
	}
}

func (s *PrometheusSink) observeFinished(evt progress.Event, status string) {
	s.jobsFinished.WithLabelValues(status).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handlePageDone(evt progress.Event) {
	site := telemetry.SanitizeSite(evt.URL)
	statusClass := string(evt.StatusClass)
	if statusClass == "" {
		statusClass = string(progress.StatusOther)
	}
	s.pages.WithLabelValues(site, statusClass).Inc()
	if evt.Bytes > 0 {
		s.pageBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.pageDuration.WithLabelValues(site, statusClass).Observe(evt.Dur.Seconds())
	}
}

func (s *PrometheusSink) handleChunksEmitted(evt progress.Event) {
	if evt.Chunks <= 0 {
		return
	}
	site := telemetry.SanitizeSite(evt.URL)
	s.chunks.WithLabelValues(site).Add(float64(evt.Chunks))
	if evt.Bytes > 0 {
		s.chunkBytes.WithLabelValues(site).Add(float64(evt.Bytes))
	}
}

func (s *PrometheusSink) handleSecurityFinding(evt progress.Event) {
	severity := evt.Severity
	if severity == "" {
		severity = "unknown"
	}
	s.securityFindings.WithLabelValues(severity).Inc()
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

// jobTracker deduplicates job lifecycle events so replayed or repeated
// terminal events cannot drive the active gauge negative.
type jobTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newJobTracker() *jobTracker {
	return &jobTracker{running: make(map[string]struct{})}
}

func (t *jobTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *jobTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
