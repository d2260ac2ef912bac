// Package headless renders JavaScript-heavy pages through the shared
// browser pool.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/browser"
	"github.com/docsift/docsift/internal/crawler"
)

// Config controls per-page rendering. Pool sizing lives on the pool.
type Config struct {
	UserAgent   string
	PageTimeout time.Duration
	SettleDelay time.Duration
}

// Renderer implements crawler.Renderer on top of the browser pool. Each
// render checks out one instance, opens a fresh page under it, and waits
// for the DOM to settle before capturing the outer HTML.
type Renderer struct {
	cfg    Config
	pool   *browser.Pool
	logger *zap.Logger
}

// New builds a Renderer around an already started pool.
func New(pool *browser.Pool, cfg Config, logger *zap.Logger) *Renderer {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 500 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{cfg: cfg, pool: pool, logger: logger}
}

// Render navigates the page and returns the rendered DOM. The HTTP status
// comes from the document's network response; a navigation that produced
// none falls back to 200. Pool exhaustion surfaces unwrapped-checkable as
// browser.ErrPoolExhausted.
func (r *Renderer) Render(ctx context.Context, rawURL string) (crawler.Page, error) {
	meta := newResponseMeta()
	var (
		html     string
		finalURL string
	)

	start := time.Now()
	err := r.pool.WithPage(ctx, r.cfg.PageTimeout, func(pageCtx context.Context) error {
		chromedp.ListenTarget(pageCtx, meta.captureEvent)
		return chromedp.Run(pageCtx,
			r.pageSetup(),
			chromedp.Navigate(rawURL),
			chromedp.WaitReady("body", chromedp.ByQuery),
			chromedp.Sleep(r.cfg.SettleDelay),
			chromedp.Location(&finalURL),
			chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		)
	})
	if err != nil {
		return crawler.Page{}, fmt.Errorf("render %s: %w", rawURL, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	if headers == nil {
		headers = http.Header{}
	}

	return crawler.Page{
		URL:         rawURL,
		FinalURL:    responseURL,
		StatusCode:  status,
		Headers:     headers,
		Body:        []byte(html),
		Duration:    time.Since(start),
		UsedBrowser: true,
	}, nil
}

func (r *Renderer) pageSetup() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

// responseMeta collects the document response observed during navigation.
// Only the main document counts; subresource responses are ignored.
type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{headers: http.Header{}}
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}
