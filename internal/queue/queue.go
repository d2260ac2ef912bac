// Package queue implements the in-memory page work queue used inside a
// crawl: deduplicated enqueue, strict FIFO dispatch, and timer-driven
// redelivery of transiently failed jobs.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/crawler"
)

// ErrDuplicateURL reports that this queue instance has already accepted
// the URL. The seen set is never pruned, so a URL is worked at most once
// per queue lifetime even across cancels.
var ErrDuplicateURL = errors.New("url already enqueued")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// JobStatus tracks one page job through the queue.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusComplete   JobStatus = "complete"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
)

// Job is one page fetch owned by the queue.
type Job struct {
	ID          string
	SourceID    string
	URL         string
	Depth       int
	Status      JobStatus
	Priority    int
	Attempts    int
	Error       string
	EnqueuedAt  time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// Options shape a single Enqueue. Priority is stored on the job but does
// not influence dispatch; Dequeue is strict FIFO over enqueue order.
type Options struct {
	Priority int
	Depth    int
}

// StatusCounts is a point-in-time census of queue occupancy plus
// cumulative terminal outcomes.
type StatusCounts struct {
	Pending    int
	Processing int
	Delayed    int
	Completed  int
	Failed     int
	Cancelled  int
}

type delayedJob struct {
	job *Job
	due time.Time
}

type tally struct {
	completed int
	failed    int
	cancelled int
}

// Queue serializes every operation through one mutex so callers never
// observe a partially applied mutation.
type Queue struct {
	policy crawler.RetryPolicy
	logger *zap.Logger

	mu       sync.Mutex
	seen     map[string]struct{}
	pending  []*Job
	inflight map[string]*Job
	delayed  []delayedJob
	tallies  map[string]*tally
	timer    *time.Timer
	closed   bool
}

// New builds a queue. A nil policy gets the fixed three-strike backoff
// schedule.
func New(policy crawler.RetryPolicy, logger *zap.Logger) *Queue {
	if policy == nil {
		policy = crawler.NewFixedBackoffPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		policy:   policy,
		logger:   logger,
		seen:     make(map[string]struct{}),
		inflight: make(map[string]*Job),
		tallies:  make(map[string]*tally),
	}
}

// Enqueue adds one pending job. The URL is normalized before the dedup
// check, so query-variant duplicates collapse to one job.
func (q *Queue) Enqueue(sourceID, rawURL string, opts Options) (Job, error) {
	normalized, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", rawURL, err)
	}
	key, err := crawler.NormalizeForDedup(normalized)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", rawURL, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Job{}, ErrClosed
	}
	q.promoteDueLocked(time.Now())

	if _, dup := q.seen[key]; dup {
		return Job{}, ErrDuplicateURL
	}
	q.seen[key] = struct{}{}

	job := &Job{
		ID:         uuid.NewString(),
		SourceID:   sourceID,
		URL:        normalized,
		Depth:      opts.Depth,
		Status:     StatusPending,
		Priority:   opts.Priority,
		EnqueuedAt: time.Now(),
	}
	q.pending = append(q.pending, job)
	return *job, nil
}

// EnqueueBatch inserts every URL that is not a duplicate and returns the
// inserted count. Unparsable URLs are skipped.
func (q *Queue) EnqueueBatch(sourceID string, urls []string) int {
	inserted := 0
	for _, u := range urls {
		if _, err := q.Enqueue(sourceID, u, Options{}); err == nil {
			inserted++
		}
	}
	return inserted
}

// Dequeue hands out the head pending job, marking it processing. It
// never blocks; callers poll while delayed or in-flight work remains.
func (q *Queue) Dequeue() (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDueLocked(time.Now())

	if len(q.pending) == 0 {
		return Job{}, false
	}
	job := q.pending[0]
	q.pending = q.pending[1:]
	job.Status = StatusProcessing
	job.StartedAt = time.Now()
	q.inflight[job.ID] = job
	return *job, true
}

// Complete marks an in-flight job done. Unknown IDs are ignored; the job
// may have been cancelled while being worked.
func (q *Queue) Complete(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDueLocked(time.Now())

	job, ok := q.inflight[jobID]
	if !ok {
		return
	}
	delete(q.inflight, jobID)
	job.Status = StatusComplete
	job.CompletedAt = time.Now()
	q.tallyFor(job.SourceID).completed++
}

// Fail records a failed attempt. Retryable failures re-enter the queue
// after the backoff for this attempt and stay invisible to Dequeue until
// due; the rest fail permanently. Returns true when a retry was
// scheduled.
func (q *Queue) Fail(jobID string, cause error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDueLocked(time.Now())

	job, ok := q.inflight[jobID]
	if !ok {
		return false
	}
	delete(q.inflight, jobID)
	job.Attempts++
	if cause != nil {
		job.Error = cause.Error()
	}

	if q.policy.ShouldRetry(cause, job.Attempts) {
		job.Status = StatusPending
		q.delayed = append(q.delayed, delayedJob{
			job: job,
			due: time.Now().Add(q.policy.Backoff(job.Attempts)),
		})
		q.armTimerLocked()
		return true
	}

	job.Status = StatusFailed
	job.CompletedAt = time.Now()
	q.tallyFor(job.SourceID).failed++
	q.logger.Warn("page job failed permanently",
		zap.String("url", job.URL),
		zap.String("source_id", job.SourceID),
		zap.Int("attempts", job.Attempts),
		zap.String("error", job.Error),
	)
	return false
}

// Cancel removes every pending, delayed, and in-flight job for the
// source and returns how many were removed. Their URLs stay in the seen
// set.
func (q *Queue) Cancel(sourceID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDueLocked(time.Now())

	removed := 0
	keepPending := q.pending[:0]
	for _, job := range q.pending {
		if job.SourceID != sourceID {
			keepPending = append(keepPending, job)
			continue
		}
		job.Status = StatusCancelled
		q.tallyFor(job.SourceID).cancelled++
		removed++
	}
	q.pending = keepPending

	keepDelayed := q.delayed[:0]
	for _, d := range q.delayed {
		if d.job.SourceID != sourceID {
			keepDelayed = append(keepDelayed, d)
			continue
		}
		d.job.Status = StatusCancelled
		q.tallyFor(d.job.SourceID).cancelled++
		removed++
	}
	q.delayed = keepDelayed

	for id, job := range q.inflight {
		if job.SourceID != sourceID {
			continue
		}
		delete(q.inflight, id)
		job.Status = StatusCancelled
		q.tallyFor(job.SourceID).cancelled++
		removed++
	}

	q.armTimerLocked()
	return removed
}

// Status counts queue occupancy, filtered to one source when sourceID is
// non-empty.
func (q *Queue) Status(sourceID string) StatusCounts {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.promoteDueLocked(time.Now())

	var counts StatusCounts
	for _, job := range q.pending {
		if matches(job.SourceID, sourceID) {
			counts.Pending++
		}
	}
	for _, d := range q.delayed {
		if matches(d.job.SourceID, sourceID) {
			counts.Delayed++
		}
	}
	for _, job := range q.inflight {
		if matches(job.SourceID, sourceID) {
			counts.Processing++
		}
	}
	for src, t := range q.tallies {
		if !matches(src, sourceID) {
			continue
		}
		counts.Completed += t.completed
		counts.Failed += t.failed
		counts.Cancelled += t.cancelled
	}
	return counts
}

// Drained reports whether no pending, delayed, or in-flight work remains
// for the source.
func (q *Queue) Drained(sourceID string) bool {
	counts := q.Status(sourceID)
	return counts.Pending == 0 && counts.Delayed == 0 && counts.Processing == 0
}

// Close stops the redelivery timer. Queued jobs become unreachable;
// Enqueue fails afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
	}
}

func (q *Queue) tallyFor(sourceID string) *tally {
	t, ok := q.tallies[sourceID]
	if !ok {
		t = &tally{}
		q.tallies[sourceID] = t
	}
	return t
}

func (q *Queue) promoteDueLocked(now time.Time) {
	if len(q.delayed) == 0 {
		return
	}
	keep := q.delayed[:0]
	for _, d := range q.delayed {
		if d.due.After(now) {
			keep = append(keep, d)
			continue
		}
		q.pending = append(q.pending, d.job)
	}
	q.delayed = keep
}

func (q *Queue) armTimerLocked() {
	if q.closed {
		return
	}
	var earliest time.Time
	for _, d := range q.delayed {
		if earliest.IsZero() || d.due.Before(earliest) {
			earliest = d.due
		}
	}
	if earliest.IsZero() {
		if q.timer != nil {
			q.timer.Stop()
		}
		return
	}

	wait := time.Until(earliest)
	if wait < 0 {
		wait = 0
	}
	if q.timer == nil {
		q.timer = time.AfterFunc(wait, q.redeliver)
		return
	}
	q.timer.Stop()
	q.timer.Reset(wait)
}

func (q *Queue) redeliver() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.promoteDueLocked(time.Now())
	q.armTimerLocked()
}

func matches(sourceID, filter string) bool {
	return filter == "" || sourceID == filter
}
