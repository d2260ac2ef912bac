package inspect

import (
	"fmt"
	"regexp"
)

// InjectionReport is the outcome of prompt-injection scanning. High-severity
// matches are replaced in Sanitized with [REDACTED:<category>]; lower
// severities are recorded for audit without altering the text.
type InjectionReport struct {
	Sanitized string
	Findings  []Finding
	Status    SecurityStatus
}

type injectionPattern struct {
	category string
	severity Severity
	re       *regexp.Regexp
}

// Ranked pattern library. High severities are listed first so their
// redactions are applied before lower-ranked patterns scan the text.
var injectionPatterns = []injectionPattern{
	{
		category: "instruction_override",
		severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)\bignore\s+(?:all\s+)?(?:previous|prior|above|earlier)\s+(?:instructions?|prompts?|directives?|rules)\b`),
	},
	{
		category: "instruction_override",
		severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)\bdisregard\s+(?:all\s+)?(?:previous|prior|earlier)\s+(?:instructions?|prompts?|context)\b`),
	},
	{
		category: "system_prompt_extraction",
		severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)\b(?:reveal|show|print|repeat|output|display)\s+(?:your\s+|the\s+)?(?:system\s+prompt|initial\s+instructions?|hidden\s+instructions?)\b`),
	},
	{
		category: "role_manipulation",
		severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an)\s+\w+`),
	},
	{
		category: "role_manipulation",
		severity: SeverityHigh,
		re:       regexp.MustCompile(`(?i)\bsystem\s*:\s*(?:you\s+are|ignore|do\s+not|new\s+instructions?)\b`),
	},
	{
		category: "delimiter_spoofing",
		severity: SeverityHigh,
		re:       regexp.MustCompile(`<\|im_(?:start|end)\|>|<\|endoftext\|>|\[/?INST\]|<</?SYS>>`),
	},
	{
		category: "instruction_override",
		severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)\bforget\s+(?:everything|all\s+previous)\b`),
	},
	{
		category: "instruction_override",
		severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)\bnew\s+instructions?\s*:`),
	},
	{
		category: "role_manipulation",
		severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)\bpretend\s+(?:to\s+be|you\s+are)\b`),
	},
	{
		category: "role_manipulation",
		severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)\bact\s+as\s+(?:if\s+you|a\s+(?:different|new))\b`),
	},
	{
		category: "system_prompt_extraction",
		severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)\bwhat\s+(?:is|are)\s+your\s+(?:system\s+prompt|initial\s+)?instructions\b`),
	},
	{
		category: "jailbreak",
		severity: SeverityMedium,
		re:       regexp.MustCompile(`(?i)\bjailbreak(?:ing|s)?\b|\bdo\s+anything\s+now\b|\bDAN\s+mode\b`),
	},
	{
		category: "encoded_payload",
		severity: SeverityMedium,
		re:       regexp.MustCompile(`[A-Za-z0-9+/]{120,}={0,2}`),
	},
	{
		category: "encoded_payload",
		severity: SeverityLow,
		re:       regexp.MustCompile(`\b(?:0x)?[0-9a-fA-F]{96,}\b`),
	},
	{
		category: "encoded_payload",
		severity: SeverityLow,
		re:       regexp.MustCompile(`(?:&#x?[0-9a-fA-F]{2,6};){10,}`),
	},
	{
		category: "chat_transcript",
		severity: SeverityLow,
		re:       regexp.MustCompile(`(?im)^\s*(?:human|assistant)\s*:\s`),
	},
}

// ScanInjection runs the pattern library over content. High hits mark the
// text dangerous and redact only the matched spans, keeping surrounding
// legitimate content; medium and low hits mark it suspicious unchanged.
func ScanInjection(content string) InjectionReport {
	report := InjectionReport{Sanitized: content, Status: StatusClean}

	for _, p := range injectionPatterns {
		matches := p.re.FindAllString(report.Sanitized, -1)
		if len(matches) == 0 {
			continue
		}
		for _, m := range matches {
			report.Findings = append(report.Findings, Finding{
				Category: p.category,
				Severity: p.severity,
				Match:    snippet(m),
			})
		}
		if p.severity == SeverityHigh {
			report.Status = StatusDangerous
			report.Sanitized = p.re.ReplaceAllString(report.Sanitized, fmt.Sprintf("[REDACTED:%s]", p.category))
		} else {
			report.Status = report.Status.Escalate(StatusSuspicious)
		}
	}

	return report
}
