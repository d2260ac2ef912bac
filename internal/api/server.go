package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/config"
	"github.com/docsift/docsift/internal/crawler"
	"github.com/docsift/docsift/internal/orchestrator"
	"github.com/docsift/docsift/internal/store"
	"github.com/docsift/docsift/internal/telemetry"
)

// Crawls is the orchestrator surface the server needs.
// *orchestrator.Orchestrator satisfies it.
type Crawls interface {
	StartCrawl(ctx context.Context, seedURL string, opts orchestrator.Options) (string, error)
	Status(jobID string) (orchestrator.BackgroundJob, error)
	ListJobs() []orchestrator.BackgroundJob
	ActiveJobs() []orchestrator.BackgroundJob
	Cancel(jobID string) error
}

// Server wires HTTP handlers to the orchestrator and run store.
type Server struct {
	router chi.Router
	crawls Crawls
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The runs
// store may be nil; the run-history endpoints then answer 503.
func NewServer(crawls Crawls, runs store.JobRunStore, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		crawls: crawls,
		cfg:    cfg,
		logger: logger,
	}

	timeout := time.Duration(cfg.Server.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(timeout))

	// Probes and metrics stay reachable without a key.
	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	runsHandler := NewRunsHandler(runs, logger)
	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/", s.listCrawls)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getCrawl)
				r.Post("/cancel", s.cancelCrawl)
				r.Get("/events", s.getCrawlEvents)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runsHandler.ListRuns)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", runsHandler.GetRun)
				r.Get("/sites", runsHandler.ListRunSites)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.crawls == nil {
		writeError(w, http.StatusServiceUnavailable, "orchestrator not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startCrawlRequest struct {
	URL         string `json:"url"`
	DisplayName string `json:"display_name"`
	SourceID    string `json:"source_id"`
	MaxPages    int    `json:"max_pages"`
	MaxDepth    int    `json:"max_depth"`
	Strategy    string `json:"strategy"`
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req startCrawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}

	jobID, err := s.crawls.StartCrawl(r.Context(), req.URL, orchestrator.Options{
		DisplayName:      req.DisplayName,
		SourceID:         req.SourceID,
		MaxPages:         req.MaxPages,
		MaxDepth:         req.MaxDepth,
		StrategyOverride: crawler.StrategyKind(req.Strategy),
	})
	if err != nil {
		if errors.Is(err, orchestrator.ErrTooManyJobs) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	jobs := s.crawls.ListJobs()
	if r.URL.Query().Get("active") == "true" {
		jobs = s.crawls.ActiveJobs()
	}
	// The progress log is served by the events endpoint; lists stay lean.
	for i := range jobs {
		jobs[i].ProgressLog = nil
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getCrawl(w http.ResponseWriter, r *http.Request) {
	job, err := s.crawls.Status(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	job.ProgressLog = nil
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) getCrawlEvents(w http.ResponseWriter, r *http.Request) {
	job, err := s.crawls.Status(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": job.ID,
		"events": job.ProgressLog,
	})
}

func (s *Server) cancelCrawl(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.crawls.Cancel(jobID); err != nil {
		if errors.Is(err, orchestrator.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(orchestrator.StatusCancelled),
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Debug("write JSON response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
