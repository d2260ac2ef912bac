package inspect

import (
	"fmt"
	"math"
	"regexp"
	"strings"
)

// QualityConfig tunes the acceptance thresholds.
type QualityConfig struct {
	MinLength      int
	MinDensity     float64
	MaxBoilerplate float64
}

// DefaultQualityConfig returns the standard documentation thresholds.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{MinLength: 100, MinDensity: 0.1, MaxBoilerplate: 0.7}
}

// QualityReport holds the accept/reject decision with every failing reason,
// plus the composite score for accepted content.
type QualityReport struct {
	Passed  bool
	Reasons []string
	Score   float64
	Signals int
	Density float64
}

const (
	signalCategories = 5
	minSignals       = 2
	// Error and login pages are short; longer content containing those
	// phrases is documentation about them.
	shortPageBytes = 512
)

var (
	codeKeywordRe  = regexp.MustCompile(`(?i)\b(?:func|function|class|def|struct|interface|return|import|package|method|impl)\b`)
	paramKeywordRe = regexp.MustCompile(`(?i)\b(?:parameters?|params?|arguments?|returns?|examples?|usage|options?|defaults?|configuration)\b`)
	inlineCodeRe   = regexp.MustCompile("`[^`\n]+`")
	headingRe      = regexp.MustCompile(`(?m)^#{1,6}\s`)
	admonitionRe   = regexp.MustCompile(`(?im)^\s*>?\s*(?:\*\*)?(?:note|warning|tip|caution|important|danger)(?:\*\*)?\s*:`)
	sentenceEndRe  = regexp.MustCompile(`[.!?]\s+|\n+`)
)

var errorPagePhrases = []string{
	"404 not found", "page not found", "403 forbidden",
	"500 internal server error", "access denied",
	"this page could not be found", "the page you requested",
}

var loginKeywords = []string{
	"sign in", "log in", "login", "password", "username",
	"forgot password", "create an account", "remember me",
}

var boilerplatePhrases = []string{
	"all rights reserved", "cookie", "privacy policy", "terms of service",
	"terms of use", "subscribe to", "newsletter", "follow us", "sign up for",
	"copyright", "skip to content", "table of contents",
}

// ValidateQuality decides whether extracted content is worth ingesting.
// rawHTMLLen is the size of the original markup, used for the text density
// check. Every failing criterion is reported, not just the first.
func ValidateQuality(content string, rawHTMLLen int, cfg QualityConfig) QualityReport {
	trimmed := strings.TrimSpace(content)

	report := QualityReport{
		Density: textDensity(len(trimmed), rawHTMLLen),
		Signals: countSignals(trimmed),
	}

	var reasons []string
	if len(trimmed) < cfg.MinLength {
		reasons = append(reasons, fmt.Sprintf("content shorter than %d chars", cfg.MinLength))
	}
	if isErrorPage(trimmed) {
		reasons = append(reasons, "looks like an error page")
	}
	if isLoginWall(trimmed) {
		reasons = append(reasons, "looks like a login page")
	}
	if report.Density < cfg.MinDensity {
		reasons = append(reasons, fmt.Sprintf("text density %.2f below %.2f", report.Density, cfg.MinDensity))
	}
	if ratio := boilerplateRatio(trimmed); ratio > cfg.MaxBoilerplate {
		reasons = append(reasons, fmt.Sprintf("boilerplate ratio %.2f above %.2f", ratio, cfg.MaxBoilerplate))
	}
	if report.Signals < minSignals {
		reasons = append(reasons, fmt.Sprintf("only %d of %d documentation signals", report.Signals, signalCategories))
	}

	if len(reasons) > 0 {
		report.Reasons = reasons
		return report
	}

	report.Passed = true
	report.Score = qualityScore(len(trimmed), report.Signals, report.Density)
	return report
}

// qualityScore composes 0.5 base, up to 0.2 for length, up to 0.2 for
// documentation signals, and up to 0.1 for density, rounded to 2 decimals.
func qualityScore(length, signals int, density float64) float64 {
	s := 0.5
	s += 0.2 * math.Min(1, float64(length)/2000)
	s += 0.04 * float64(signals)
	s += 0.1 * math.Min(1, density/0.5)
	return math.Round(s*100) / 100
}

func textDensity(textLen, rawHTMLLen int) float64 {
	if rawHTMLLen <= 0 {
		return 1
	}
	return math.Min(1, float64(textLen)/float64(rawHTMLLen))
}

func countSignals(content string) int {
	n := 0
	if codeKeywordRe.MatchString(content) {
		n++
	}
	if paramKeywordRe.MatchString(content) {
		n++
	}
	if strings.Contains(content, "```") || inlineCodeRe.MatchString(content) {
		n++
	}
	if headingRe.MatchString(content) {
		n++
	}
	if admonitionRe.MatchString(content) {
		n++
	}
	return n
}

func isErrorPage(content string) bool {
	if len(content) > shortPageBytes {
		return false
	}
	lower := strings.ToLower(content)
	for _, phrase := range errorPagePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

func isLoginWall(content string) bool {
	if len(content) > shortPageBytes {
		return false
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, kw := range loginKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	return hits >= 2
}

func boilerplateRatio(content string) float64 {
	var total, boilerplate int
	for _, raw := range sentenceEndRe.Split(content, -1) {
		s := strings.TrimSpace(raw)
		if s == "" {
			continue
		}
		total++
		if isBoilerplateSentence(s) {
			boilerplate++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(boilerplate) / float64(total)
}

func isBoilerplateSentence(s string) bool {
	lower := strings.ToLower(s)
	for _, phrase := range boilerplatePhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return len(strings.Fields(s)) < 3
}
