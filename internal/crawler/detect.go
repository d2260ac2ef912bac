package crawler

import (
	"bytes"
	"context"
	"net/http"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// apiReferenceSelectors match generated API documentation (Javadoc and
// friends): member summary tables, package indexes, API navigation.
var apiReferenceSelectors = []string{
	".memberSummary",
	".member-summary",
	".method-summary",
	"table.summary-table",
	"div.summary-table",
	"a[href*='package-summary.html']",
	"a[href*='allclasses']",
	"nav.api-nav",
}

// Detect classifies an already-fetched seed page and returns the strategy
// that will drive the crawl. Frameset markup wins first (classic framed
// Javadoc), then a reachable root sitemap, then API-reference structure,
// else the seed stands alone.
func Detect(ctx context.Context, fetcher Fetcher, seedURL string, seedHTML []byte, logger *zap.Logger) Strategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch {
	case hasFrameset(seedHTML):
		logger.Info("strategy detected", zap.String("strategy", string(StrategyFrameset)), zap.String("seed", seedURL))
		return NewFrameset(logger)
	case sitemapReachable(ctx, fetcher, seedURL):
		logger.Info("strategy detected", zap.String("strategy", string(StrategySitemap)), zap.String("seed", seedURL))
		return NewSitemap(fetcher, logger)
	case looksLikeAPIReference(seedHTML):
		logger.Info("strategy detected", zap.String("strategy", string(StrategyLinkFollow)), zap.String("seed", seedURL))
		return NewLinkFollow(fetcher, logger)
	default:
		logger.Info("strategy detected", zap.String("strategy", string(StrategySinglePage)), zap.String("seed", seedURL))
		return SinglePage{}
	}
}

func hasFrameset(html []byte) bool {
	return bytes.Contains(bytes.ToLower(html), []byte("<frameset"))
}

func sitemapReachable(ctx context.Context, fetcher Fetcher, seedURL string) bool {
	if fetcher == nil {
		return false
	}
	target, err := SitemapURL(seedURL)
	if err != nil {
		return false
	}
	page, err := fetcher.Fetch(ctx, target)
	if err != nil {
		return false
	}
	return page.StatusCode == http.StatusOK && looksLikeXML(page.Body)
}

func looksLikeAPIReference(html []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return false
	}
	for _, sel := range apiReferenceSelectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}
