package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/progress"
)

// LogSink writes one structured log line per event. Useful during
// development and in one-shot runs where no durable store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Page errors and security findings
// log at warn so they stand out in aggregated output.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.Int("depth", evt.Depth))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Bytes > 0 {
			fields = append(fields, zap.Int64("bytes", evt.Bytes))
		}
		if evt.Severity != "" {
			fields = append(fields, zap.String("severity", evt.Severity))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Counts != (progress.Counts{}) {
			fields = append(fields,
				zap.Int("pages_total", evt.Counts.Total),
				zap.Int("pages_processed", evt.Counts.Processed),
			)
		}
		switch evt.Stage {
		case progress.StagePageError, progress.StageSecurityFinding, progress.StageJobError:
			s.logger.Warn("progress event", fields...)
		default:
			s.logger.Info("progress event", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
