package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/crawler"
)

func TestFetchReturnsPage(t *testing.T) {
	t.Parallel()

	var gotAgent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte("<html><body>hello</body></html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "docsift-test/1.0", Timeout: 5 * time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL+"/guide")
	require.NoError(t, err)

	require.Equal(t, srv.URL+"/guide", page.URL)
	require.Equal(t, srv.URL+"/guide", page.FinalURL)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "<html><body>hello</body></html>", string(page.Body))
	require.Contains(t, page.Headers.Get("Content-Type"), "text/html")
	require.Greater(t, page.Duration, time.Duration(0))
	require.False(t, page.UsedBrowser)
	require.Equal(t, "docsift-test/1.0", gotAgent.Load())
}

func TestFetchFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusFound)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("arrived"))
	})

	f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL+"/old")
	require.NoError(t, err)

	require.Equal(t, srv.URL+"/old", page.URL)
	require.Equal(t, srv.URL+"/new", page.FinalURL)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "arrived", string(page.Body))
}

func TestFetchReturnsErrorStatusAsPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not here", http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.NoError(t, err, "error statuses are classified by callers, not the fetcher")
	require.Equal(t, http.StatusNotFound, page.StatusCode)
	require.Contains(t, string(page.Body), "not here")
}

func TestFetchTransportErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := srv.URL
	srv.Close()

	f := New(Config{Timeout: 2 * time.Second}, zap.NewNop())
	_, err := f.Fetch(context.Background(), target+"/gone")
	require.Error(t, err)
	require.Equal(t, crawler.KindTransient, crawler.KindOf(err))
}

func TestFetchHonorsContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 10 * time.Second}, zap.NewNop())
	_, err := f.Fetch(ctx, srv.URL+"/slow")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchRespectsRobots(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/private/doc", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("secret"))
	})
	mux.HandleFunc("/public", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})

	f := New(Config{RespectRobots: true, Timeout: 5 * time.Second}, zap.NewNop())

	_, err := f.Fetch(context.Background(), srv.URL+"/private/doc")
	require.ErrorIs(t, err, ErrRobotsDisallowed)
	require.Equal(t, crawler.KindStructural, crawler.KindOf(err))

	page, err := f.Fetch(context.Background(), srv.URL+"/public")
	require.NoError(t, err)
	require.Equal(t, "ok", string(page.Body))
}

func TestFetchSkipsRobotsWhenDisabled(t *testing.T) {
	t.Parallel()

	var robotsHits atomic.Int64
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, _ *http.Request) {
		robotsHits.Add(1)
		w.Write([]byte("User-agent: *\nDisallow: /\n"))
	})
	mux.HandleFunc("/private/doc", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("secret"))
	})

	f := New(Config{RespectRobots: false, Timeout: 5 * time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL+"/private/doc")
	require.NoError(t, err)
	require.Equal(t, "secret", string(page.Body))
	require.Equal(t, int64(0), robotsHits.Load())
}

func TestFetchTruncatesOversizedBodies(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(strings.Repeat("x", 10*1024)))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{MaxBodyBytes: 1024, Timeout: 5 * time.Second}, zap.NewNop())
	page, err := f.Fetch(context.Background(), srv.URL+"/big")
	require.NoError(t, err)
	require.LessOrEqual(t, len(page.Body), 1024)
}

func TestFetchRetrySameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ready"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: 5 * time.Second}, zap.NewNop())

	page, err := f.Fetch(context.Background(), srv.URL+"/doc")
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, page.StatusCode)

	page, err = f.Fetch(context.Background(), srv.URL+"/doc")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.Equal(t, "ready", string(page.Body))
}
