// Package inspect screens fetched content before it is chunked and stored:
// hidden-markup detection on raw HTML, prompt-injection scanning on extracted
// text, and documentation quality scoring.
package inspect

import "strings"

// SecurityStatus classifies a page after screening.
type SecurityStatus string

const (
	StatusClean      SecurityStatus = "clean"
	StatusSuspicious SecurityStatus = "suspicious"
	StatusDangerous  SecurityStatus = "dangerous"
)

var statusRank = map[SecurityStatus]int{
	StatusClean:      0,
	StatusSuspicious: 1,
	StatusDangerous:  2,
}

// Escalate returns the more severe of the two statuses.
func (s SecurityStatus) Escalate(other SecurityStatus) SecurityStatus {
	if statusRank[other] > statusRank[s] {
		return other
	}
	return s
}

// Severity ranks an individual finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding records one screening hit.
type Finding struct {
	Category string
	Severity Severity
	Match    string
	Detail   string
}

// snippet trims a match to a loggable single line.
func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	const max = 80
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
