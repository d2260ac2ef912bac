package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/docsift/docsift/internal/progress"
)

// Sink returns the folding sink that applies worker progress events to
// the job table. Register it with the progress hub alongside the other
// sinks.
func (o *Orchestrator) Sink() progress.Sink {
	return foldingSink{o: o}
}

type foldingSink struct {
	o *Orchestrator
}

// Consume implements progress.Sink. Events for unknown or already
// terminal jobs are dropped: the run goroutine finalizes jobs
// synchronously, so stragglers flushed after that are stale.
func (s foldingSink) Consume(_ context.Context, batch []progress.Event) error {
	s.o.mu.Lock()
	defer s.o.mu.Unlock()
	for _, evt := range batch {
		s.o.foldLocked(evt)
	}
	return nil
}

// Close implements progress.Sink.
func (foldingSink) Close(context.Context) error { return nil }

// foldLocked applies one event to its job record and notifies
// subscribers when the record changed.
func (o *Orchestrator) foldLocked(evt progress.Event) {
	job, ok := o.jobs[evt.JobID]
	if !ok || job.Status.Terminal() {
		return
	}

	switch evt.Stage {
	case progress.StageJobStart:
		// Admission already moved the job to discovering.

	case progress.StageDiscoverStart:
		job.Status = StatusDiscovering
		if evt.Note != "" {
			job.Strategy = evt.Note
			o.appendLogLocked(job, "strategy detected: "+evt.Note)
		}

	case progress.StageDiscoverDone:
		job.Status = StatusCrawling
		job.TotalPages = evt.Counts.Total
		o.appendLogLocked(job, fmt.Sprintf("discovered %d pages", evt.Counts.Total))

	case progress.StagePageStart:
		job.CurrentURL = evt.URL

	case progress.StagePageDone:
		job.CurrentURL = evt.URL

	case progress.StagePageError:
		o.appendLogLocked(job, fmt.Sprintf("page error: %s: %s", evt.URL, evt.Note))

	case progress.StageSecurityFinding:
		o.appendLogLocked(job, fmt.Sprintf("security finding (%s) on %s: %s",
			evt.Severity, evt.URL, evt.Note))

	case progress.StageChunksEmitted:
		job.SuccessfulPages++
		job.ProcessedPages++
		o.appendLogLocked(job, fmt.Sprintf("ingested %s (%d chunks)", evt.URL, evt.Chunks))

	case progress.StageJobHeartbeat:
		applyCounts(job, evt.Counts)

	case progress.StageJobDone, progress.StageJobError, progress.StageJobCancelled:
		// Terminal accounting happens in the run goroutine with the
		// authoritative summary; the event alone does not flip status.
		applyCounts(job, evt.Counts)
		if evt.Dur > 0 {
			o.appendLogLocked(job, "worker reported "+string(evt.Stage)+
				" after "+evt.Dur.Round(time.Millisecond).String())
		}

	default:
		return
	}
	o.notifyLocked(job)
}

// applyCounts adopts an authoritative tally snapshot. Counter snapshots
// supersede the incremental per-page folds, which can lag under retries.
func applyCounts(job *BackgroundJob, c progress.Counts) {
	if c.Total > 0 {
		job.TotalPages = c.Total
	}
	job.ProcessedPages = c.Processed
	job.SuccessfulPages = c.Succeeded
	job.FailedPages = c.Failed
}
