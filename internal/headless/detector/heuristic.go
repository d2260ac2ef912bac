// Package detector decides when a plain HTTP fetch needs to be redone
// through the headless renderer.
package detector

import (
	"bytes"
	"context"
	"strings"

	"github.com/docsift/docsift/internal/crawler"
)

// Heuristic implements a handful of rule-based escalations.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. Bodies shorter than threshold bytes
// are inspected for script density.
func NewHeuristic(threshold int) *Heuristic {
	if threshold == 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("id=\"___gatsby\""),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// NeedsRender reports whether the fetched page should be re-rendered in a
// browser. Pages that already failed or were rendered never escalate.
func (h *Heuristic) NeedsRender(_ context.Context, page crawler.Page) bool {
	if page.StatusCode != 200 || page.UsedBrowser {
		return false
	}
	body := page.Body
	if len(body) == 0 {
		return true
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Treat the rest of the document as part of the malformed script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		var nextSearch int
		if relativeEnd == -1 {
			// Script tag never closes; count the rest.
			nextSearch = total
		} else {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}

		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	if scriptCoverage == 0 {
		return false
	}
	return scriptCoverage*100/total >= 25
}
