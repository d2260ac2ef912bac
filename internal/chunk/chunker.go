// Package chunk splits validated documentation text into retrieval-sized
// pieces. Chunks are contiguous ranges of the input, so concatenating their
// Content fields reproduces the original text exactly; the overlap carried
// for retrieval context lives in a separate field.
package chunk

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Config bounds chunk sizes in characters.
type Config struct {
	// MinSize is the floor below which a chunk merges into its successor.
	MinSize int
	// TargetSize is the preferred chunk size.
	TargetSize int
	// MaxSize is the ceiling, exceeded only by an atomic code fence.
	MaxSize int
	// Overlap is how many trailing characters of the predecessor each chunk
	// carries as context.
	Overlap int
}

// DefaultConfig returns the standard chunk sizing.
func DefaultConfig() Config {
	return Config{MinSize: 200, TargetSize: 1500, MaxSize: 3000, Overlap: 100}
}

// Validate checks the size ordering.
func (c Config) Validate() error {
	if c.MinSize <= 0 {
		return fmt.Errorf("MinSize must be positive, got %d", c.MinSize)
	}
	if c.MinSize >= c.TargetSize {
		return fmt.Errorf("MinSize (%d) must be less than TargetSize (%d)", c.MinSize, c.TargetSize)
	}
	if c.TargetSize > c.MaxSize {
		return fmt.Errorf("TargetSize (%d) must not exceed MaxSize (%d)", c.TargetSize, c.MaxSize)
	}
	if c.Overlap < 0 {
		return fmt.Errorf("Overlap must not be negative, got %d", c.Overlap)
	}
	return nil
}

// Chunk is one bounded piece of a document with retrieval metadata.
type Chunk struct {
	Content        string
	Overlap        string
	Position       int
	TotalChunks    int
	CharCount      int
	WordCount      int
	HasCode        bool
	HasHeading     bool
	QualityScore   float64
	SecurityStatus string
}

// Chunker splits text using structural boundaries first, then sentences.
type Chunker struct {
	cfg Config
}

// New creates a Chunker, filling a zero config with defaults.
func New(cfg Config) (*Chunker, error) {
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{cfg: cfg}, nil
}

// span is a half-open [start, end) byte range into the input.
type span struct {
	start, end int
}

var inlineCodeRe = regexp.MustCompile("`[^`\n]+`")

// Split chunks content. Fenced code blocks are atomic: no chunk boundary
// ever falls inside one, even when that forces a chunk past MaxSize.
func (c *Chunker) Split(content string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	fences := fenceSpans(content)
	cuts, headings := cutPoints(content, fences)
	spans := c.assemble(content, cuts, fences)
	spans = c.mergeSmall(spans)
	return c.finalize(content, spans, headings, fences)
}

// assemble walks the cut candidates greedily: fill up to TargetSize, accept a
// single structural unit up to MaxSize, and resplit anything bigger unless it
// is a fence.
func (c *Chunker) assemble(content string, cuts []int, fences []span) []span {
	n := len(content)
	var spans []span
	start := 0
	ci := 0

	for start < n {
		if n-start <= c.cfg.TargetSize {
			spans = append(spans, span{start, n})
			break
		}
		for ci < len(cuts) && cuts[ci] <= start {
			ci++
		}

		// Furthest structural cut within the target.
		end := -1
		for j := ci; j < len(cuts) && cuts[j]-start <= c.cfg.TargetSize; j++ {
			end = cuts[j]
		}
		if end != -1 {
			spans = append(spans, span{start, end})
			start = end
			continue
		}

		// The next structural unit alone exceeds the target.
		unitEnd := n
		if ci < len(cuts) {
			unitEnd = cuts[ci]
		}
		switch {
		case unitEnd-start <= c.cfg.MaxSize:
			spans = append(spans, span{start, unitEnd})
		case fenceStartingAt(start, fences) != nil:
			// An atomic fence longer than MaxSize is emitted whole.
			spans = append(spans, span{start, unitEnd})
		default:
			spans = append(spans, c.resplitProse(content, start, unitEnd)...)
		}
		start = unitEnd
	}

	return spans
}

// resplitProse cuts an oversized fence-free range at sentence boundaries,
// aiming for TargetSize and hard-cutting at MaxSize as a last resort.
func (c *Chunker) resplitProse(content string, start, end int) []span {
	ends := sentenceEnds(content, start, end)
	var spans []span

	for start < end {
		if end-start <= c.cfg.MaxSize {
			spans = append(spans, span{start, end})
			break
		}

		cut := -1
		withinTarget := -1
		for _, e := range ends {
			if e <= start {
				continue
			}
			if e-start > c.cfg.MaxSize {
				break
			}
			cut = e
			if e-start <= c.cfg.TargetSize {
				withinTarget = e
			}
		}
		if withinTarget != -1 {
			cut = withinTarget
		}
		if cut == -1 {
			cut = runeAlignedCut(content, start+c.cfg.MaxSize)
			if cut <= start {
				cut = start + c.cfg.MaxSize
			}
			if cut > end {
				cut = end
			}
		}
		spans = append(spans, span{start, cut})
		start = cut
	}

	return spans
}

// mergeSmall folds each below-minimum chunk into the one that follows it,
// unless the merge would break MaxSize. A small final chunk has no follower
// and stays as-is.
func (c *Chunker) mergeSmall(spans []span) []span {
	if len(spans) <= 1 {
		return spans
	}
	var out []span
	for i := 0; i < len(spans); i++ {
		s := spans[i]
		if s.end-s.start < c.cfg.MinSize && i < len(spans)-1 {
			next := spans[i+1]
			if next.end-s.start <= c.cfg.MaxSize {
				spans[i+1] = span{s.start, next.end}
				continue
			}
		}
		out = append(out, s)
	}
	return out
}

func (c *Chunker) finalize(content string, spans []span, headings map[int]bool, fences []span) []Chunk {
	chunks := make([]Chunk, len(spans))
	for i, s := range spans {
		text := content[s.start:s.end]
		ch := Chunk{
			Content:     text,
			Position:    i,
			TotalChunks: len(spans),
			CharCount:   len(text),
			WordCount:   len(strings.Fields(text)),
			HasCode:     overlapsFence(s, fences) || inlineCodeRe.MatchString(text),
			HasHeading:  containsHeading(s, headings),
		}
		if i > 0 && c.cfg.Overlap > 0 {
			prev := spans[i-1]
			ch.Overlap = tail(content[prev.start:prev.end], c.cfg.Overlap)
		}
		chunks[i] = ch
	}
	return chunks
}

// fenceSpans returns the byte ranges of fenced code blocks, delimiter lines
// included. An unterminated fence is protected through the end of input.
func fenceSpans(content string) []span {
	var spans []span
	inFence := false
	fenceStart := 0
	offset := 0

	for offset <= len(content) {
		line, next := nextLine(content, offset)
		if isFenceLine(line) {
			if !inFence {
				inFence = true
				fenceStart = offset
			} else {
				inFence = false
				end := next
				if end > len(content) {
					end = len(content)
				}
				spans = append(spans, span{fenceStart, end})
			}
		}
		if next > len(content) {
			break
		}
		offset = next
	}

	if inFence {
		spans = append(spans, span{fenceStart, len(content)})
	}
	return spans
}

// cutPoints collects legal chunk boundaries: heading line starts, paragraph
// starts after blank lines, and fence edges. Returns them sorted along with
// the heading positions for metadata.
func cutPoints(content string, fences []span) ([]int, map[int]bool) {
	headings := make(map[int]bool)
	cutSet := make(map[int]bool)

	for _, f := range fences {
		cutSet[f.start] = true
		cutSet[f.end] = true
	}

	offset := 0
	prevBlank := false
	for offset <= len(content) {
		line, next := nextLine(content, offset)
		if insideFence(offset, fences) {
			prevBlank = false
		} else {
			trimmed := strings.TrimSpace(line)
			switch {
			case trimmed == "":
				prevBlank = true
			default:
				if prevBlank {
					cutSet[offset] = true
				}
				if strings.HasPrefix(trimmed, "#") {
					cutSet[offset] = true
					headings[offset] = true
				}
				prevBlank = false
			}
		}
		if next > len(content) {
			break
		}
		offset = next
	}

	cuts := make([]int, 0, len(cutSet))
	for cut := range cutSet {
		if cut > 0 && cut < len(content) {
			cuts = append(cuts, cut)
		}
	}
	sort.Ints(cuts)
	return cuts, headings
}

// nextLine returns the line starting at offset (without its newline) and the
// offset of the following line. next exceeds len(content) on the last line.
func nextLine(content string, offset int) (string, int) {
	if nl := strings.IndexByte(content[offset:], '\n'); nl >= 0 {
		return content[offset : offset+nl], offset + nl + 1
	}
	return content[offset:], len(content) + 1
}

func isFenceLine(line string) bool {
	trimmed := strings.TrimSpace(line)
	return strings.HasPrefix(trimmed, "```") || strings.HasPrefix(trimmed, "~~~")
}

// sentenceEnds returns cut positions after sentence terminators and line
// breaks within [start, end).
func sentenceEnds(content string, start, end int) []int {
	var ends []int
	for i := start; i < end-1; i++ {
		switch content[i] {
		case '.', '!', '?':
			if content[i+1] == ' ' || content[i+1] == '\n' {
				ends = append(ends, i+2)
			}
		case '\n':
			ends = append(ends, i+1)
		}
	}
	return ends
}

func insideFence(pos int, fences []span) bool {
	for _, f := range fences {
		if pos >= f.start && pos < f.end {
			return true
		}
	}
	return false
}

func fenceStartingAt(pos int, fences []span) *span {
	for i := range fences {
		if fences[i].start == pos {
			return &fences[i]
		}
	}
	return nil
}

func overlapsFence(s span, fences []span) bool {
	for _, f := range fences {
		if s.start < f.end && f.start < s.end {
			return true
		}
	}
	return false
}

func containsHeading(s span, headings map[int]bool) bool {
	for pos := range headings {
		if pos >= s.start && pos < s.end {
			return true
		}
	}
	return false
}

// tail returns the last n bytes of s aligned to a rune boundary.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := len(s) - n
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}

func runeAlignedCut(content string, pos int) int {
	if pos >= len(content) {
		return len(content)
	}
	for pos > 0 && !utf8.RuneStart(content[pos]) {
		pos--
	}
	return pos
}
