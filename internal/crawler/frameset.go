package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Frameset handles legacy framed documentation (classic Javadoc): the
// frame sources are the real content pages.
type Frameset struct {
	logger *zap.Logger
}

// NewFrameset constructs the frameset strategy.
func NewFrameset(logger *zap.Logger) *Frameset {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Frameset{logger: logger}
}

// Name implements Strategy.
func (f *Frameset) Name() StrategyKind { return StrategyFrameset }

// DiscoverURLs returns the seed plus every same-host frame and iframe
// source, resolved against the seed.
func (f *Frameset) DiscoverURLs(_ context.Context, seedURL string, seedHTML []byte, opts Options) ([]string, error) {
	opts = opts.withDefaults()

	seed, err := NormalizeURL(seedURL)
	if err != nil {
		return nil, Structural(seedURL, err)
	}
	base, err := url.Parse(seed)
	if err != nil {
		return nil, Structural(seedURL, err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(seedHTML))
	if err != nil {
		return nil, Structural(seedURL, fmt.Errorf("parse frameset: %w", err))
	}

	result := []string{seed}
	seen := map[string]struct{}{seed: {}}

	doc.Find("frame[src], iframe[src]").Each(func(_ int, sel *goquery.Selection) {
		if len(result) >= opts.MaxPages {
			return
		}
		src, _ := sel.Attr("src")
		ref, err := url.Parse(src)
		if err != nil || src == "" {
			return
		}
		resolved, err := NormalizeURL(base.ResolveReference(ref).String())
		if err != nil {
			return
		}
		if !SameHost(seed, resolved) || !IsDocURL(resolved) {
			return
		}
		if _, dup := seen[resolved]; dup {
			return
		}
		seen[resolved] = struct{}{}
		result = append(result, resolved)
	})

	f.logger.Debug("frameset discovery complete",
		zap.String("seed", seed),
		zap.Int("frames", len(result)-1),
	)
	return result, nil
}
