package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/config"
	"github.com/docsift/docsift/internal/orchestrator"
	"github.com/docsift/docsift/internal/store"
)

type fakeCrawls struct {
	jobs      map[string]orchestrator.BackgroundJob
	startErr  error
	cancelErr error
	started   []string
}

func newFakeCrawls() *fakeCrawls {
	return &fakeCrawls{jobs: make(map[string]orchestrator.BackgroundJob)}
}

func (f *fakeCrawls) StartCrawl(_ context.Context, seedURL string, _ orchestrator.Options) (string, error) {
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, seedURL)
	return "job-001", nil
}

func (f *fakeCrawls) Status(jobID string) (orchestrator.BackgroundJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return orchestrator.BackgroundJob{}, orchestrator.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeCrawls) ListJobs() []orchestrator.BackgroundJob {
	out := make([]orchestrator.BackgroundJob, 0, len(f.jobs))
	for _, job := range f.jobs {
		out = append(out, job)
	}
	return out
}

func (f *fakeCrawls) ActiveJobs() []orchestrator.BackgroundJob {
	var out []orchestrator.BackgroundJob
	for _, job := range f.jobs {
		if !job.Status.Terminal() {
			out = append(out, job)
		}
	}
	return out
}

func (f *fakeCrawls) Cancel(jobID string) error {
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.jobs[jobID]; !ok {
		return orchestrator.ErrJobNotFound
	}
	return nil
}

func newTestServer(t *testing.T, crawls Crawls, runs store.JobRunStore, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Config{}
	cfg.Server.TimeoutSeconds = 5
	if mutate != nil {
		mutate(&cfg)
	}
	return NewServer(crawls, runs, cfg, zap.NewNop())
}

func doRequest(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeCrawls(), nil, nil)
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", decodeBody(t, rec)["status"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestReadyzWithoutOrchestrator(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil, nil)
	rec := doRequest(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartCrawlAccepted(t *testing.T) {
	t.Parallel()

	crawls := newFakeCrawls()
	s := newTestServer(t, crawls, nil, nil)

	body := []byte(`{"url":"https://docs.example.com","max_pages":50}`)
	rec := doRequest(t, s, http.MethodPost, "/v1/crawls", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "job-001", decodeBody(t, rec)["job_id"])
	require.Equal(t, []string{"https://docs.example.com"}, crawls.started)
}

func TestStartCrawlRejectsBadInput(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeCrawls(), nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/v1/crawls", []byte(`{not json`))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/v1/crawls", []byte(`{"url":""}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartCrawlSaturated(t *testing.T) {
	t.Parallel()

	crawls := newFakeCrawls()
	crawls.startErr = orchestrator.ErrTooManyJobs
	s := newTestServer(t, crawls, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/v1/crawls", []byte(`{"url":"https://docs.example.com"}`))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestGetCrawl(t *testing.T) {
	t.Parallel()

	crawls := newFakeCrawls()
	crawls.jobs["job-001"] = orchestrator.BackgroundJob{
		ID:          "job-001",
		Status:      orchestrator.StatusCrawling,
		ProgressLog: []orchestrator.LogEntry{{Line: "started"}},
	}
	s := newTestServer(t, crawls, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/v1/crawls/job-001", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job, ok := decodeBody(t, rec)["job"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "job-001", job["id"])
	// The log is reserved for the events endpoint.
	require.Nil(t, job["progress_log"])

	rec = doRequest(t, s, http.MethodGet, "/v1/crawls/missing", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCrawlEvents(t *testing.T) {
	t.Parallel()

	crawls := newFakeCrawls()
	crawls.jobs["job-001"] = orchestrator.BackgroundJob{
		ID:          "job-001",
		Status:      orchestrator.StatusCompleted,
		ProgressLog: []orchestrator.LogEntry{{Line: "page fetched"}},
	}
	s := newTestServer(t, crawls, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/v1/crawls/job-001/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "job-001", body["job_id"])
	events, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, events, 1)
}

func TestListCrawlsActiveFilter(t *testing.T) {
	t.Parallel()

	crawls := newFakeCrawls()
	crawls.jobs["job-001"] = orchestrator.BackgroundJob{ID: "job-001", Status: orchestrator.StatusCrawling}
	crawls.jobs["job-002"] = orchestrator.BackgroundJob{ID: "job-002", Status: orchestrator.StatusCompleted}
	s := newTestServer(t, crawls, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/v1/crawls", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs := decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 2)

	rec = doRequest(t, s, http.MethodGet, "/v1/crawls?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	jobs = decodeBody(t, rec)["jobs"].([]any)
	require.Len(t, jobs, 1)
}

func TestCancelCrawl(t *testing.T) {
	t.Parallel()

	crawls := newFakeCrawls()
	crawls.jobs["job-001"] = orchestrator.BackgroundJob{ID: "job-001", Status: orchestrator.StatusCrawling}
	s := newTestServer(t, crawls, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/v1/crawls/job-001/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "cancelled", decodeBody(t, rec)["status"])

	rec = doRequest(t, s, http.MethodPost, "/v1/crawls/missing/cancel", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelCrawlAlreadyFinished(t *testing.T) {
	t.Parallel()

	crawls := newFakeCrawls()
	crawls.jobs["job-001"] = orchestrator.BackgroundJob{ID: "job-001", Status: orchestrator.StatusCompleted}
	crawls.cancelErr = errors.New("job already finished")
	s := newTestServer(t, crawls, nil, nil)

	rec := doRequest(t, s, http.MethodPost, "/v1/crawls/job-001/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newFakeCrawls(), nil, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	})

	// Probes never require a key; /v1 does.
	rec := doRequest(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/crawls", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/crawls", nil)
	req.Header.Set("X-API-Key", "secret")
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	rec = doRequest(t, s, http.MethodGet, "/v1/crawls?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, &panickyCrawls{}, nil, nil)

	rec := doRequest(t, s, http.MethodGet, "/v1/crawls", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

type panickyCrawls struct{ fakeCrawls }

func (p *panickyCrawls) ListJobs() []orchestrator.BackgroundJob {
	panic("boom")
}
