package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/browser"
	"github.com/docsift/docsift/internal/crawler"
	"github.com/docsift/docsift/internal/ratelimit"
	"github.com/docsift/docsift/internal/telemetry"
)

// throttledFetcher routes every fetch through the shared token bucket and
// records the wait it imposed. A nil limiter passes fetches straight through.
type throttledFetcher struct {
	limiter *ratelimit.Limiter
	timeout time.Duration
	clock   crawler.Clock
	inner   crawler.Fetcher
}

func (t *throttledFetcher) Fetch(ctx context.Context, rawURL string) (crawler.Page, error) {
	if err := acquireToken(ctx, t.limiter, t.timeout, t.clock, rawURL); err != nil {
		return crawler.Page{}, err
	}
	return t.inner.Fetch(ctx, rawURL)
}

// acquireToken blocks for a rate limit token and feeds the observed delay to
// telemetry. Timeouts come back transient so the queue retries the page.
func acquireToken(ctx context.Context, limiter *ratelimit.Limiter, timeout time.Duration, clock crawler.Clock, rawURL string) error {
	if limiter == nil {
		return nil
	}
	start := clock.Now()
	if err := limiter.AcquireTimeout(ctx, timeout); err != nil {
		if errors.Is(err, ratelimit.ErrAcquireTimeout) {
			return crawler.Transient(rawURL, err)
		}
		return err
	}
	if wait := clock.Since(start); wait > 0 {
		telemetry.ObserveRateLimitDelay(rawURL, wait)
	}
	return nil
}

// fetchPage retrieves one page, HTTP first. When the static HTML looks
// script-dependent and a renderer is wired, the page is re-fetched through
// the browser pool under its own rate limit token. A failed escalation keeps
// the plain page rather than failing the job; an exhausted pool is normal
// backpressure here.
func (e *Engine) fetchPage(ctx context.Context, rawURL string) (crawler.Page, error) {
	page, err := e.fetch.Fetch(ctx, rawURL)
	if err != nil {
		return crawler.Page{}, err
	}
	if !e.shouldEscalate(ctx, page) {
		return page, nil
	}

	if err := acquireToken(ctx, e.limiter, e.cfg.AcquireTimeout, e.clock, rawURL); err != nil {
		e.logger.Debug("escalation skipped: no rate limit token", zap.String("url", rawURL))
		return page, nil
	}
	rendered, err := e.renderer.Render(ctx, rawURL)
	if err != nil {
		level := e.logger.Warn
		if errors.Is(err, browser.ErrPoolExhausted) {
			level = e.logger.Debug
		}
		level("escalation failed, keeping plain page",
			zap.String("url", rawURL), zap.Error(err))
		return page, nil
	}
	return rendered, nil
}

func (e *Engine) shouldEscalate(ctx context.Context, page crawler.Page) bool {
	if !e.cfg.Escalate || e.renderer == nil || e.detector == nil {
		return false
	}
	return e.detector.NeedsRender(ctx, page)
}
