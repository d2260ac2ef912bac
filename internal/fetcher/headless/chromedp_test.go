package headless

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDefaultsSettleDelay(t *testing.T) {
	t.Parallel()

	r := New(nil, Config{}, zap.NewNop())
	require.Equal(t, 500*time.Millisecond, r.cfg.SettleDelay)

	r = New(nil, Config{SettleDelay: 50 * time.Millisecond}, zap.NewNop())
	require.Equal(t, 50*time.Millisecond, r.cfg.SettleDelay)
}

func TestResponseMetaCapturesDocumentResponse(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status:  204,
			URL:     "https://example.com/rendered",
			Headers: network.Headers{"X-Request-ID": "abc"},
		},
	})

	status, headers, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, 204, status)
	require.Equal(t, "abc", headers.Get("X-Request-ID"))
	require.Equal(t, "https://example.com/rendered", url)
}

func TestResponseMetaIgnoresSubresources(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeXHR,
		Response: &network.Response{
			Status: 500,
			URL:    "https://example.com/api/data",
		},
	})

	status, _, url := meta.snapshotWithFallbacks("https://req", "https://final")
	require.Equal(t, http.StatusOK, status, "no document response falls back to 200")
	require.Equal(t, "https://final", url)
}

func TestResponseMetaFallsBackToRequestURL(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	status, _, url := meta.snapshotWithFallbacks("https://req", "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "https://req", url)
}

func TestCloneHeaderCopies(t *testing.T) {
	t.Parallel()

	src := http.Header{"X-Test": {"a", "b"}}
	cloned := cloneHeader(src)
	cloned.Add("X-Test", "c")
	require.Len(t, src["X-Test"], 2, "source header must not be mutated")
	require.Nil(t, cloneHeader(nil))
}

func TestNoopRendererError(t *testing.T) {
	t.Parallel()

	_, err := NewNoop().Render(context.Background(), "https://example.com")
	require.ErrorIs(t, err, ErrNotConfigured)
}
