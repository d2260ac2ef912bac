package headless

import (
	"context"
	"errors"

	"github.com/docsift/docsift/internal/crawler"
)

// ErrNotConfigured reports that the deployment runs without a browser
// pool. Callers keep the plain HTTP page when they see it.
var ErrNotConfigured = errors.New("headless rendering not configured")

// Noop satisfies crawler.Renderer for builds with the browser disabled.
type Noop struct{}

// NewNoop creates a new Noop renderer.
func NewNoop() *Noop {
	return &Noop{}
}

// Render always fails with ErrNotConfigured.
func (Noop) Render(context.Context, string) (crawler.Page, error) {
	return crawler.Page{}, ErrNotConfigured
}
