// Package extract turns fetched HTML into structured documentation content.
package extract

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/PuerkitoBio/goquery"
)

// Code fragments shorter than this are noise (prompts, single tokens).
const minCodeBlockChars = 10

var excessiveBlankLines = regexp.MustCompile(`\n{3,}`)

// Boilerplate regions removed before the main content is isolated.
var boilerplateSelectors = []string{
	"script", "style", "noscript", "iframe", "nav", "footer", "header", "aside",
	".sidebar", "#sidebar", ".nav", ".navbar", ".navigation", ".menu", ".toc",
	".footer", ".header", ".ad", ".ads", ".advertisement", ".cookie-banner",
	".cookie-consent", ".breadcrumb", ".breadcrumbs",
}

// Candidate main-content containers, most specific first.
var contentSelectors = []string{
	"main",
	"article",
	`[role="main"]`,
	".main-content",
	"#main-content",
	".markdown-body",
	".documentation",
	".docs-content",
	".post-content",
	".article-content",
	".content",
	"#content",
}

// Result is the structured output for one page.
type Result struct {
	Title       string
	Description string
	Content     string
	Links       []string
	CodeBlocks  []CodeBlock
	WordCount   int
}

// CodeBlock is one extracted code fragment.
type CodeBlock struct {
	Language string
	Code     string
}

// Extractor converts raw HTML into markdown content plus page metadata.
// It holds a reusable converter and is safe for concurrent use.
type Extractor struct {
	converter *md.Converter
}

// New creates an Extractor with GitHub-flavored markdown output.
func New() *Extractor {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Extractor{converter: conv}
}

// Extract parses rawHTML and returns title, description, markdown content,
// same-host links resolved against baseURL, and code blocks.
func (e *Extractor) Extract(rawHTML []byte, baseURL string) (Result, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(rawHTML))
	if err != nil {
		return Result{}, fmt.Errorf("parse html: %w", err)
	}

	res := Result{
		Title:       extractTitle(doc),
		Description: extractDescription(doc),
		Links:       extractLinks(doc, baseURL),
	}

	doc.Find(strings.Join(boilerplateSelectors, ", ")).Remove()
	content := mainContent(doc)

	res.CodeBlocks = collectCodeBlocks(content)

	rendered, err := goquery.OuterHtml(content)
	if err != nil {
		return Result{}, fmt.Errorf("render content: %w", err)
	}
	markdown, err := e.converter.ConvertString(rendered)
	if err != nil {
		return Result{}, fmt.Errorf("convert to markdown: %w", err)
	}
	res.Content = cleanMarkdown(markdown)
	res.WordCount = len(strings.Fields(res.Content))

	return res, nil
}

// extractTitle walks the fallback chain: first heading, document title,
// Open Graph title.
func extractTitle(doc *goquery.Document) string {
	if t := strings.TrimSpace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	if t := strings.TrimSpace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	return strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
}

func extractDescription(doc *goquery.Document) string {
	if d := strings.TrimSpace(doc.Find(`meta[name="description"]`).AttrOr("content", "")); d != "" {
		return d
	}
	return strings.TrimSpace(doc.Find(`meta[property="og:description"]`).AttrOr("content", ""))
}

// mainContent narrows the document to the first matching content container,
// falling back to body.
func mainContent(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		if s := doc.Find(sel).First(); s.Length() > 0 && strings.TrimSpace(s.Text()) != "" {
			return s
		}
	}
	if body := doc.Find("body"); body.Length() > 0 {
		return body
	}
	return doc.Selection
}

func collectCodeBlocks(sel *goquery.Selection) []CodeBlock {
	var blocks []CodeBlock

	sel.Find("pre").Each(func(_ int, pre *goquery.Selection) {
		text := pre.Text()
		lang := languageFromClass(pre.AttrOr("class", ""))
		if code := pre.Find("code").First(); code.Length() > 0 {
			text = code.Text()
			if l := languageFromClass(code.AttrOr("class", "")); l != "" {
				lang = l
			}
		}
		text = strings.Trim(text, "\n")
		if len(strings.TrimSpace(text)) < minCodeBlockChars {
			return
		}
		blocks = append(blocks, CodeBlock{Language: lang, Code: text})
	})

	// Inline <code> outside <pre> still carries signatures worth keeping.
	sel.Find("code").Each(func(_ int, code *goquery.Selection) {
		if code.ParentsFiltered("pre").Length() > 0 {
			return
		}
		text := strings.TrimSpace(code.Text())
		if len(text) < minCodeBlockChars {
			return
		}
		blocks = append(blocks, CodeBlock{Language: languageFromClass(code.AttrOr("class", "")), Code: text})
	})

	return blocks
}

// languageFromClass reads a language tag out of common highlighter class
// conventions (language-go, lang-go, highlight-source-go, or a bare name).
func languageFromClass(class string) string {
	for _, token := range strings.Fields(strings.ToLower(class)) {
		switch {
		case strings.HasPrefix(token, "language-"):
			return strings.TrimPrefix(token, "language-")
		case strings.HasPrefix(token, "lang-"):
			return strings.TrimPrefix(token, "lang-")
		case strings.HasPrefix(token, "highlight-source-"):
			return strings.TrimPrefix(token, "highlight-source-")
		case knownLanguages[token]:
			return token
		}
	}
	return ""
}

var knownLanguages = map[string]bool{
	"bash": true, "c": true, "cpp": true, "csharp": true, "css": true,
	"go": true, "golang": true, "haskell": true, "html": true, "java": true,
	"javascript": true, "js": true, "json": true, "kotlin": true, "perl": true,
	"php": true, "python": true, "ruby": true, "rust": true, "scala": true,
	"sh": true, "shell": true, "sql": true, "swift": true, "toml": true,
	"ts": true, "typescript": true, "xml": true, "yaml": true,
}

func cleanMarkdown(content string) string {
	content = excessiveBlankLines.ReplaceAllString(content, "\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
