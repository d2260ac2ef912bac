package crawler

import (
	"net/http"
	"time"
)

// Discovery bounds applied when a crawl request leaves them unset.
const (
	DefaultMaxPages   = 100
	DefaultMaxDepth   = 3
	DefaultPoliteness = 200 * time.Millisecond
)

// Page is one fetched document, whether it came over plain HTTP or through
// a rendered browser session.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Headers     http.Header
	Body        []byte
	Duration    time.Duration
	UsedBrowser bool
}

// ContentLength reports the body size in bytes.
func (p Page) ContentLength() int { return len(p.Body) }

// CrawlSpec is everything a worker needs to run one crawl end to end.
type CrawlSpec struct {
	JobID       string
	SourceID    string
	SeedURL     string
	DisplayName string
	MaxPages    int
	MaxDepth    int
	// StrategyOverride skips detection and forces a discovery strategy.
	StrategyOverride StrategyKind
}

// Bounds returns the discovery options for this spec, defaults filled.
func (s CrawlSpec) Bounds(politeness time.Duration) Options {
	return Options{
		MaxPages:   s.MaxPages,
		MaxDepth:   s.MaxDepth,
		Politeness: politeness,
	}.withDefaults()
}

// CrawlSummary is the terminal accounting for one crawl.
type CrawlSummary struct {
	Strategy   StrategyKind
	Discovered int
	Processed  int
	Succeeded  int
	Failed     int
	Duration   time.Duration
}

// Options bounds a discovery run.
type Options struct {
	MaxPages   int
	MaxDepth   int
	Politeness time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPages <= 0 {
		o.MaxPages = DefaultMaxPages
	}
	if o.MaxDepth <= 0 {
		o.MaxDepth = DefaultMaxDepth
	}
	if o.Politeness <= 0 {
		o.Politeness = DefaultPoliteness
	}
	return o
}
