package sinks

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/progress"
	"github.com/docsift/docsift/internal/store"
	"github.com/docsift/docsift/internal/telemetry"
)

// StoreSink persists run lifecycles and per-site page counters through a
// store.JobRunStore. Page deltas are collapsed per (job, site, status class)
// within each batch to reduce write amplification.
type StoreSink struct {
	runs   store.JobRunStore
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink backed by the provided run store.
func NewStoreSink(runs store.JobRunStore, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{runs: runs, logger: logger}
}

// Consume writes run transitions in event order, then flushes the collapsed
// page deltas. Store errors are returned verbatim so the hub can log them.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Event) error {
	if s == nil || s.runs == nil {
		return nil
	}
	deltas := make(map[statsKey]*statsDelta)

	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageJobStart:
			if err := s.runs.StartRun(ctx, evt.JobID, evt.SourceID, evt.URL, evt.TS); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageJobDone, progress.StageJobError, progress.StageJobCancelled:
			if err := s.finishRun(ctx, evt); err != nil {
				return err
			}
		case progress.StagePageDone:
			recordPageDelta(deltas, evt)
		}
	}

	for key, delta := range deltas {
		if delta.pages == 0 && delta.bytes == 0 {
			continue
		}
		err := s.runs.UpsertPageStats(ctx, key.jobID, key.site, key.statusClass, delta.pages, delta.bytes, delta.at)
		if err != nil {
			return fmt.Errorf("upsert page stats: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) finishRun(ctx context.Context, evt progress.Event) error {
	var (
		status store.RunStatus
		errMsg string
	)
	switch evt.Stage {
	case progress.StageJobDone:
		status = store.RunSuccess
	case progress.StageJobError:
		status = store.RunError
		errMsg = evt.Note
	case progress.StageJobCancelled:
		status = store.RunCancelled
		errMsg = evt.Note
	}
	counts := store.RunCounts{
		Total:     evt.Counts.Total,
		Processed: evt.Counts.Processed,
		Succeeded: evt.Counts.Succeeded,
		Failed:    evt.Counts.Failed,
	}
	if err := s.runs.FinishRun(ctx, evt.JobID, evt.TS, status, errMsg, counts); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

func recordPageDelta(deltas map[statsKey]*statsDelta, evt progress.Event) {
	if evt.URL == "" {
		return
	}
	statusClass := evt.StatusClass
	if statusClass == "" {
		statusClass = progress.StatusOther
	}
	key := statsKey{
		jobID:       evt.JobID,
		site:        telemetry.SanitizeSite(evt.URL),
		statusClass: string(statusClass),
	}
	delta := deltas[key]
	if delta == nil {
		delta = &statsDelta{}
		deltas[key] = delta
	}
	delta.pages++
	delta.bytes += evt.Bytes
	if evt.TS.After(delta.at) {
		delta.at = evt.TS
	}
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type statsKey struct {
	jobID       string
	site        string
	statusClass string
}

type statsDelta struct {
	pages int64
	bytes int64
	at    time.Time
}
