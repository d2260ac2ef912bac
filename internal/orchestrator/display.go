package orchestrator

import (
	"fmt"
	"strings"
)

const progressBarWidth = 20

// statusGlyphs mark jobs whose page total is not yet known.
var statusGlyphs = map[Status]string{
	StatusPending:     "…",
	StatusDiscovering: "?",
	StatusCrawling:    "~",
	StatusCompleted:   "✓",
	StatusFailed:      "✗",
	StatusCancelled:   "-",
}

// ProgressDisplay renders a terminal-friendly view of every retained
// job, newest first. Jobs with a known page total get a percentage bar,
// the rest a status glyph.
func (o *Orchestrator) ProgressDisplay() string {
	jobs := o.ListJobs()
	if len(jobs) == 0 {
		return "no crawl jobs\n"
	}

	var b strings.Builder
	for _, job := range jobs {
		b.WriteString(renderJobLine(job))
		b.WriteByte('\n')
	}
	return b.String()
}

func renderJobLine(job BackgroundJob) string {
	name := job.DisplayName
	if name == "" {
		name = job.SeedURL
	}

	if job.TotalPages > 0 {
		pct := job.ProcessedPages * 100 / job.TotalPages
		if pct > 100 {
			pct = 100
		}
		filled := pct * progressBarWidth / 100
		bar := strings.Repeat("#", filled) + strings.Repeat(".", progressBarWidth-filled)
		line := fmt.Sprintf("[%s] %3d%%  %s (%s, %d/%d pages", bar, pct, name, job.Status, job.ProcessedPages, job.TotalPages)
		if job.FailedPages > 0 {
			line += fmt.Sprintf(", %d failed", job.FailedPages)
		}
		return line + ")"
	}

	glyph, ok := statusGlyphs[job.Status]
	if !ok {
		glyph = "?"
	}
	line := fmt.Sprintf("[%s] %s (%s", glyph, name, job.Status)
	if job.Error != "" {
		line += ": " + job.Error
	}
	return line + ")"
}
