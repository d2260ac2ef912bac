package crawler

import (
	"context"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/extract"
)

// LinkFollow walks same-host documentation links breadth first from the
// seed page, fetching frontier pages directly over HTTP.
type LinkFollow struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// NewLinkFollow constructs the breadth-first strategy around an HTTP
// fetcher.
func NewLinkFollow(fetcher Fetcher, logger *zap.Logger) *LinkFollow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkFollow{fetcher: fetcher, logger: logger}
}

// Name implements Strategy.
func (l *LinkFollow) Name() StrategyKind { return StrategyLinkFollow }

type frontierEntry struct {
	url   string
	depth int
}

// DiscoverURLs returns the visited set, seed first, in BFS order. The seed
// page is already fetched, so its links form depth 1; each frontier page
// is fetched, its links join the frontier at depth+1. Traversal stops per
// branch at MaxDepth and globally at MaxPages. Fetch failures skip the
// page and never abort discovery.
func (l *LinkFollow) DiscoverURLs(ctx context.Context, seedURL string, seedHTML []byte, opts Options) ([]string, error) {
	opts = opts.withDefaults()

	seed, err := NormalizeURL(seedURL)
	if err != nil {
		return nil, Structural(seedURL, err)
	}
	seedKey, err := NormalizeForDedup(seed)
	if err != nil {
		return nil, Structural(seedURL, err)
	}

	visited := map[string]struct{}{seedKey: {}}
	result := []string{seed}
	var frontier []frontierEntry

	absorb := func(links []string, depth int) {
		for _, link := range links {
			if len(result) >= opts.MaxPages {
				return
			}
			normalized, err := NormalizeURL(link)
			if err != nil {
				continue
			}
			if !SameHost(seed, normalized) || !IsDocURL(normalized) {
				continue
			}
			key, err := NormalizeForDedup(normalized)
			if err != nil {
				continue
			}
			if _, dup := visited[key]; dup {
				continue
			}
			visited[key] = struct{}{}
			result = append(result, normalized)
			if depth < opts.MaxDepth {
				frontier = append(frontier, frontierEntry{url: normalized, depth: depth})
			}
		}
	}

	seedLinks, err := extract.Links(seedHTML, seed)
	if err != nil {
		return nil, Structural(seed, err)
	}
	absorb(seedLinks, 1)

	for len(frontier) > 0 && len(result) < opts.MaxPages {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		entry := frontier[0]
		frontier = frontier[1:]

		Pause(ctx, opts.Politeness)
		page, err := l.fetcher.Fetch(ctx, entry.url)
		if err != nil {
			l.logger.Warn("frontier fetch skipped",
				zap.String("url", entry.url),
				zap.Int("depth", entry.depth),
				zap.Error(err),
			)
			continue
		}
		if page.StatusCode < 200 || page.StatusCode >= 300 {
			l.logger.Debug("frontier page skipped",
				zap.String("url", entry.url),
				zap.Int("status_code", page.StatusCode),
			)
			continue
		}

		links, err := extract.Links(page.Body, entry.url)
		if err != nil {
			l.logger.Debug("frontier parse failed", zap.String("url", entry.url), zap.Error(err))
			continue
		}
		absorb(links, entry.depth+1)
	}

	l.logger.Debug("link-follow discovery complete",
		zap.String("seed", seed),
		zap.Int("urls", len(result)),
	)
	return result, nil
}
