// Package collyfetcher fetches pages over plain HTTP using a colly
// collector. It is the first rung of the fetch ladder; the headless
// fetcher takes over only when a page needs JavaScript rendering.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/crawler"
)

// ErrRobotsDisallowed marks URLs the site's robots.txt forbids.
var ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	Timeout       time.Duration
	MaxBodyBytes  int
	RespectRobots bool
}

// Fetcher implements crawler.Fetcher on a shared colly collector. Every
// Fetch clones the collector so response hooks never leak between
// requests; the underlying pooled transport is shared by the clones.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	robots *Robots
	logger *zap.Logger
}

// New builds a Fetcher. When cfg.RespectRobots is set, each fetch first
// consults a cached per-host robots.txt verdict.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	// Error statuses must surface as pages so callers can classify them,
	// and retried URLs must stay visitable. Robots enforcement lives in
	// the gate below, not in colly.
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(newHTTPTransport())

	f := &Fetcher{cfg: cfg, base: c, logger: logger}
	if cfg.RespectRobots {
		f.robots = NewRobots(cfg.UserAgent, cfg.Timeout, logger)
	}
	return f
}

// Fetch executes a single GET and returns the completed page. Non-2xx
// statuses come back as pages, not errors; robots denials are structural.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (crawler.Page, error) {
	if f.robots != nil && !f.robots.Allowed(ctx, rawURL) {
		return crawler.Page{}, crawler.Structural(rawURL, ErrRobotsDisallowed)
	}

	var (
		page     crawler.Page
		fetchErr error
	)
	start := time.Now()

	collector := f.base.Clone()
	collector.OnResponse(func(r *colly.Response) {
		page = crawler.Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	if err := f.visit(ctx, collector, rawURL); err != nil {
		return crawler.Page{}, err
	}
	if fetchErr != nil {
		return crawler.Page{}, fmt.Errorf("fetch %s: %w", rawURL, fetchErr)
	}
	return page, nil
}

func (f *Fetcher) visit(ctx context.Context, collector *colly.Collector, rawURL string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("fetch %s canceled: %w", rawURL, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit %s: %w", rawURL, err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
