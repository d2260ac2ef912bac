package crawler

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// StrategyKind names a discovery strategy.
type StrategyKind string

// Discovery strategy variants, one per documentation site shape.
const (
	StrategySinglePage StrategyKind = "single_page"
	StrategyFrameset   StrategyKind = "frameset"
	StrategySitemap    StrategyKind = "sitemap"
	StrategyLinkFollow StrategyKind = "link_follow"
)

// Strategy discovers the URL set for one documentation site. Detect picks
// the variant once per crawl; the chosen strategy is then used for the
// whole run.
type Strategy interface {
	Name() StrategyKind
	DiscoverURLs(ctx context.Context, seedURL string, seedHTML []byte, opts Options) ([]string, error)
}

// ForKind returns the strategy for an explicit override kind.
func ForKind(kind StrategyKind, fetcher Fetcher, logger *zap.Logger) (Strategy, error) {
	switch kind {
	case StrategySinglePage:
		return SinglePage{}, nil
	case StrategyFrameset:
		return NewFrameset(logger), nil
	case StrategySitemap:
		return NewSitemap(fetcher, logger), nil
	case StrategyLinkFollow:
		return NewLinkFollow(fetcher, logger), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", kind)
	}
}

// SinglePage covers sites with no discoverable structure: the seed is the
// entire crawl.
type SinglePage struct{}

// Name implements Strategy.
func (SinglePage) Name() StrategyKind { return StrategySinglePage }

// DiscoverURLs returns the normalized seed alone.
func (SinglePage) DiscoverURLs(_ context.Context, seedURL string, _ []byte, _ Options) ([]string, error) {
	normalized, err := NormalizeURL(seedURL)
	if err != nil {
		return nil, Structural(seedURL, err)
	}
	return []string{normalized}, nil
}
