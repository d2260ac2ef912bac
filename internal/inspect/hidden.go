package inspect

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// HiddenReport is the outcome of hidden-content detection. Cleaned holds the
// markup with concealed subtrees removed; when nothing was found it is the
// input unchanged.
type HiddenReport struct {
	Cleaned  []byte
	Findings []Finding
	Status   SecurityStatus
}

var (
	cssLengthRe  = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)([a-z%]*)$`)
	zeroAlphaRe  = regexp.MustCompile(`^(?:rgba|hsla)\([^)]*,0(?:\.0+)?\)$`)
	whiteColorRe = regexp.MustCompile(`^(?:#fff|#ffffff|white|rgb\(255,255,255\))$`)
	styleRuleRe  = regexp.MustCompile(`(?s)([^{}]+)\{([^}]*)\}`)
	classOrIDRe  = regexp.MustCompile(`^[.#][A-Za-z_][\w-]*$`)
)

// DetectHiddenContent scans raw markup for CSS concealment (display:none,
// visibility:hidden, zero opacity or size, off-screen offsets, invisible text
// color) plus the HTML hidden attribute, strips every concealed subtree, and
// reports what was removed. Any hit marks the page suspicious: text invisible
// to a reviewer must not reach the ingestion output.
func DetectHiddenContent(rawHTML []byte) (HiddenReport, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawHTML))
	if err != nil {
		return HiddenReport{}, fmt.Errorf("parse html: %w", err)
	}

	var findings []Finding
	flag := func(node *goquery.Selection, detail string) {
		// Skip nodes already detached inside a removed ancestor.
		if node.Closest("html").Length() == 0 {
			return
		}
		findings = append(findings, Finding{
			Category: "hidden_content",
			Severity: SeverityMedium,
			Match:    snippet(node.Text()),
			Detail:   detail,
		})
		node.Remove()
	}

	// Concealing class/id rules declared in <style> blocks.
	var selectors []string
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		selectors = append(selectors, concealingSelectors(s.Text())...)
	})
	for _, sel := range selectors {
		sel := sel
		doc.Find(sel).Each(func(_ int, node *goquery.Selection) {
			flag(node, "stylesheet rule "+sel)
		})
	}

	doc.Find("[style]").Each(func(_ int, node *goquery.Selection) {
		if reason, ok := concealingStyle(node.AttrOr("style", "")); ok {
			flag(node, reason)
		}
	})

	doc.Find("[hidden]").Each(func(_ int, node *goquery.Selection) {
		flag(node, "hidden attribute")
	})

	report := HiddenReport{Cleaned: rawHTML, Status: StatusClean}
	if len(findings) == 0 {
		return report, nil
	}

	cleaned, err := doc.Html()
	if err != nil {
		return HiddenReport{}, fmt.Errorf("render cleaned html: %w", err)
	}
	report.Cleaned = []byte(cleaned)
	report.Findings = findings
	report.Status = StatusSuspicious
	return report, nil
}

// Properties checked for concealment, in reporting order.
var concealProps = []string{
	"display", "visibility", "opacity", "width", "height", "max-width",
	"max-height", "font-size", "left", "top", "text-indent", "margin-left",
	"margin-top", "color",
}

// concealingStyle reports whether an inline style hides its element and why.
func concealingStyle(style string) (string, bool) {
	decls := parseDecls(style)
	for _, prop := range concealProps {
		value, ok := decls[prop]
		if !ok {
			continue
		}
		if reason, ok := concealingDecl(prop, value); ok {
			return reason, true
		}
	}
	if isWhite(decls["color"]) && (isWhite(decls["background-color"]) || isWhite(decls["background"])) {
		return "white-on-white text", true
	}
	return "", false
}

func concealingDecl(prop, value string) (string, bool) {
	switch prop {
	case "display":
		if value == "none" {
			return "display:none", true
		}
	case "visibility":
		if value == "hidden" {
			return "visibility:hidden", true
		}
	case "opacity":
		if f, err := strconv.ParseFloat(value, 64); err == nil && f <= 0.01 {
			return "opacity:" + value, true
		}
	case "width", "height", "max-width", "max-height":
		if n, unit, ok := cssLength(value); ok && n >= 0 && n <= 1 && (unit == "" || unit == "px" || unit == "pt") {
			return prop + ":" + value, true
		}
	case "font-size":
		if n, unit, ok := cssLength(value); ok && n >= 0 && n <= 1 && (unit == "" || unit == "px") {
			return "font-size:" + value, true
		}
	case "left", "top", "text-indent", "margin-left", "margin-top":
		if n, unit, ok := cssLength(value); ok && offscreen(n, unit) {
			return prop + ":" + value, true
		}
	case "color":
		if value == "transparent" || zeroAlphaRe.MatchString(stripSpaces(value)) {
			return "color:" + value, true
		}
	}
	return "", false
}

func offscreen(n float64, unit string) bool {
	switch unit {
	case "", "px", "pt":
		return n <= -500
	case "em", "rem":
		return n <= -10
	case "%":
		return n <= -100
	default:
		return false
	}
}

func cssLength(value string) (float64, string, bool) {
	m := cssLengthRe.FindStringSubmatch(stripSpaces(value))
	if m == nil {
		return 0, "", false
	}
	n, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", false
	}
	return n, m[2], true
}

func isWhite(value string) bool {
	return whiteColorRe.MatchString(stripSpaces(value))
}

func stripSpaces(s string) string {
	return strings.ReplaceAll(s, " ", "")
}

func parseDecls(style string) map[string]string {
	decls := make(map[string]string)
	for _, part := range strings.Split(style, ";") {
		prop, value, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		decls[strings.ToLower(strings.TrimSpace(prop))] = strings.ToLower(strings.TrimSpace(value))
	}
	return decls
}

// concealingSelectors extracts simple .class/#id selectors whose rule body
// hides matching elements. Bare tag selectors are ignored: removing every
// <div> on a false positive is worse than missing a stylesheet trick.
func concealingSelectors(css string) []string {
	var out []string
	for _, m := range styleRuleRe.FindAllStringSubmatch(css, -1) {
		if _, ok := concealingStyle(m[2]); !ok {
			continue
		}
		for _, sel := range strings.Split(m[1], ",") {
			sel = strings.TrimSpace(sel)
			if classOrIDRe.MatchString(sel) {
				out = append(out, sel)
			}
		}
	}
	return out
}
