package crawler

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
)

// maxChildSitemaps bounds how many child sitemaps of an index are fetched.
const maxChildSitemaps = 5

// Sitemap discovers URLs from the site's root sitemap.xml, following one
// level of sitemap-index indirection.
type Sitemap struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// NewSitemap constructs the sitemap strategy around an HTTP fetcher.
func NewSitemap(fetcher Fetcher, logger *zap.Logger) *Sitemap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sitemap{fetcher: fetcher, logger: logger}
}

// Name implements Strategy.
func (s *Sitemap) Name() StrategyKind { return StrategySitemap }

// DiscoverURLs fetches and parses the host's sitemap, returning same-host
// documentation URLs capped at MaxPages. The seed leads the result even
// when the sitemap omits it.
func (s *Sitemap) DiscoverURLs(ctx context.Context, seedURL string, _ []byte, opts Options) ([]string, error) {
	opts = opts.withDefaults()

	seed, err := NormalizeURL(seedURL)
	if err != nil {
		return nil, Structural(seedURL, err)
	}
	target, err := SitemapURL(seed)
	if err != nil {
		return nil, Structural(seedURL, err)
	}

	page, err := s.fetcher.Fetch(ctx, target)
	if err != nil {
		return nil, Transient(target, err)
	}
	if statusErr := ErrorFromStatus(target, page.StatusCode); statusErr != nil {
		return nil, statusErr
	}

	locs, children, err := parseSitemap(page.Body)
	if err != nil {
		return nil, Structural(target, err)
	}

	if len(children) > maxChildSitemaps {
		children = children[:maxChildSitemaps]
	}
	for _, child := range children {
		if len(locs) >= opts.MaxPages {
			break
		}
		Pause(ctx, opts.Politeness)
		childLocs, err := s.fetchChild(ctx, child)
		if err != nil {
			s.logger.Warn("child sitemap skipped", zap.String("url", child), zap.Error(err))
			continue
		}
		locs = append(locs, childLocs...)
	}

	result := []string{seed}
	seen := map[string]struct{}{seed: {}}
	for _, loc := range locs {
		if len(result) >= opts.MaxPages {
			break
		}
		normalized, err := NormalizeURL(loc)
		if err != nil {
			continue
		}
		if !SameHost(seed, normalized) || !IsDocURL(normalized) {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}

	s.logger.Debug("sitemap discovery complete",
		zap.String("seed", seed),
		zap.Int("urls", len(result)),
		zap.Int("child_sitemaps", len(children)),
	)
	return result, nil
}

func (s *Sitemap) fetchChild(ctx context.Context, childURL string) ([]string, error) {
	page, err := s.fetcher.Fetch(ctx, childURL)
	if err != nil {
		return nil, err
	}
	if statusErr := ErrorFromStatus(childURL, page.StatusCode); statusErr != nil {
		return nil, statusErr
	}
	locs, _, err := parseSitemap(page.Body)
	return locs, err
}

// parseSitemap reads one sitemap document: a urlset yields page locations,
// a sitemapindex yields child sitemap locations.
func parseSitemap(body []byte) (locs []string, children []string, err error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("parse sitemap: %w", err)
	}
	if xmlquery.FindOne(doc, "//sitemapindex") != nil {
		for _, node := range xmlquery.Find(doc, "//sitemap/loc") {
			if loc := strings.TrimSpace(node.InnerText()); loc != "" {
				children = append(children, loc)
			}
		}
		return nil, children, nil
	}
	for _, node := range xmlquery.Find(doc, "//url/loc") {
		if loc := strings.TrimSpace(node.InnerText()); loc != "" {
			locs = append(locs, loc)
		}
	}
	return locs, nil, nil
}

// SitemapURL returns the root sitemap location for the URL's host.
func SitemapURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q lacks scheme or host", rawURL)
	}
	sitemap := url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/sitemap.xml"}
	return sitemap.String(), nil
}

// looksLikeXML keeps HTML error pages served with a 200 from being
// mistaken for a sitemap.
func looksLikeXML(body []byte) bool {
	head := body
	if len(head) > 512 {
		head = head[:512]
	}
	trimmed := bytes.TrimSpace(head)
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return true
	}
	lower := bytes.ToLower(trimmed)
	return bytes.Contains(lower, []byte("<urlset")) || bytes.Contains(lower, []byte("<sitemapindex"))
}
