// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// the ingestion service. It carries the point-of-use metrics recorded
// directly by pipeline components; metrics derived from progress events are
// owned by the progress sinks.
package telemetry

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	hiddenContentFindingsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docsift_hidden_content_findings_total",
			Help: "Pages on which concealed markup was detected and stripped.",
		},
	)

	qualityRejectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docsift_quality_rejects_total",
			Help: "Pages rejected by quality validation, labeled by first failing reason.",
		},
		[]string{"reason"},
	)

	browserPagesInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsift_browser_pages_in_use",
			Help: "Browser pool instances currently checked out.",
		},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docsift_active_jobs",
			Help: "Crawl jobs currently pending, discovering, or crawling.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docsift_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations, labeled by site.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"site"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := chi.RouteContext(r.Context()).RoutePattern()
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// SanitizeSite extracts a lowercase hostname suitable as a metric label.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveHiddenContent records a page with concealed markup.
func ObserveHiddenContent() {
	hiddenContentFindingsTotal.Inc()
}

// ObserveQualityReject records a page rejected by quality validation.
func ObserveQualityReject(reason string) {
	qualityRejectsTotal.WithLabelValues(reason).Inc()
}

// SetBrowserPagesInUse reports the number of checked-out pool instances.
func SetBrowserPagesInUse(n int) {
	browserPagesInUse.Set(float64(n))
}

// SetActiveJobs reports the number of non-terminal crawl jobs.
func SetActiveJobs(n int) {
	activeJobs.Set(float64(n))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(site string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(SanitizeSite(site)).Observe(duration.Seconds())
}

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
