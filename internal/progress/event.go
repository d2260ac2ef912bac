package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageJobStart        Stage = "job_start"
	StageDiscoverStart   Stage = "discover_start"
	StageDiscoverDone    Stage = "discover_done"
	StagePageStart       Stage = "page_start"
	StagePageDone        Stage = "page_done"
	StagePageError       Stage = "page_error"
	StageSecurityFinding Stage = "security_finding"
	StageChunksEmitted   Stage = "chunks_emitted"
	StageJobHeartbeat    Stage = "job_heartbeat"
	StageJobDone         Stage = "job_done"
	StageJobError        Stage = "job_error"
	StageJobCancelled    Stage = "job_cancelled"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Counts carries job-level page tallies so consumers can render progress
// without keeping their own running totals.
type Counts struct {
	// Total is the number of pages discovered for the job so far.
	Total int
	// Processed counts pages that reached a terminal outcome.
	Processed int
	// Succeeded counts pages that produced a stored document.
	Succeeded int
	// Failed counts pages that exhausted retries or were rejected.
	Failed int
}

// Event captures a single milestone of crawl progress.
type Event struct {
	// JobID identifies the owning crawl job.
	JobID string
	// SourceID names the documentation source being crawled. It rides on
	// every event so sinks can attribute runs without a lookup.
	SourceID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or page milestone occurred.
	Stage Stage
	// URL is the page URL for page-scoped stages; it must not carry credentials.
	URL string
	// Depth is the link distance from the seed for page-scoped stages.
	Depth int
	// Bytes carries the response size for page completions.
	Bytes int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Severity carries the finding severity (low, medium, high) on
	// security_finding events.
	Severity string
	// Chunks is the per-page chunk count on chunks_emitted events.
	Chunks int
	// Dur captures execution latency for pages and job completions.
	Dur time.Duration
	// Note lets emitters attach low-volume context (e.g. error text).
	Note string
	// Counts snapshots job-level page tallies at emission time.
	Counts Counts
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart, StageDiscoverStart, StageDiscoverDone,
		StageChunksEmitted, StageJobHeartbeat, StageJobDone,
		StageJobError, StageJobCancelled:
	case StagePageStart, StagePageError:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
	case StagePageDone:
		if e.URL == "" {
			return errors.New("page_done requires url")
		}
		if e.StatusClass == "" {
			return errors.New("page_done requires status class")
		}
	case StageSecurityFinding:
		if e.URL == "" {
			return errors.New("security_finding requires url")
		}
		if e.Severity == "" {
			return errors.New("security_finding requires severity")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event ends its job's lifecycle.
func (e Event) Terminal() bool {
	switch e.Stage {
	case StageJobDone, StageJobError, StageJobCancelled:
		return true
	default:
		return false
	}
}

// ClassifyStatus groups HTTP status codes for page events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
