// Package app assembles the long-lived services of the crawler process:
// stores, fetchers, the progress hub, the orchestrator, and the HTTP API.
// Build wires everything from configuration; Run serves HTTP until the
// process is signalled; Close releases resources in dependency order.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsubapi "cloud.google.com/go/pubsub/v2"
	gcsapi "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/docsift/docsift/internal/api"
	"github.com/docsift/docsift/internal/browser"
	"github.com/docsift/docsift/internal/chunk"
	"github.com/docsift/docsift/internal/clock/system"
	"github.com/docsift/docsift/internal/config"
	"github.com/docsift/docsift/internal/crawler"
	"github.com/docsift/docsift/internal/database"
	"github.com/docsift/docsift/internal/extract"
	collyfetcher "github.com/docsift/docsift/internal/fetcher/colly"
	"github.com/docsift/docsift/internal/fetcher/headless"
	"github.com/docsift/docsift/internal/hash/sha256"
	"github.com/docsift/docsift/internal/headless/detector"
	"github.com/docsift/docsift/internal/id/uuid"
	"github.com/docsift/docsift/internal/inspect"
	"github.com/docsift/docsift/internal/logging"
	"github.com/docsift/docsift/internal/orchestrator"
	"github.com/docsift/docsift/internal/progress"
	"github.com/docsift/docsift/internal/progress/sinks"
	publishermem "github.com/docsift/docsift/internal/publisher/memory"
	publisherps "github.com/docsift/docsift/internal/publisher/pubsub"
	"github.com/docsift/docsift/internal/ratelimit"
	"github.com/docsift/docsift/internal/storage/gcs"
	"github.com/docsift/docsift/internal/storage/local"
	storagemem "github.com/docsift/docsift/internal/storage/memory"
	"github.com/docsift/docsift/internal/storage/postgres"
	"github.com/docsift/docsift/internal/store"
	"github.com/docsift/docsift/internal/telemetry"
	"github.com/docsift/docsift/internal/worker"
)

// App owns every long-lived service. Close releases them in reverse
// dependency order.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	tracer       *sdktrace.TracerProvider
	gcsClient    *gcsapi.Client
	db           *database.Provider
	pubsubClient *pubsubapi.Client
	pubsubPub    *publisherps.Publisher

	blobs crawler.BlobStore
	docs  store.DocumentStore
	runs  store.JobRunStore

	hub  *progress.Hub
	pool *browser.Pool

	engine *worker.Engine
	orch   *orchestrator.Orchestrator
	server *api.Server
}

// engineRunner breaks the construction cycle between the orchestrator
// (which needs a runner), the hub (which carries the orchestrator's sink),
// and the engine (which emits into the hub). It is bound before Build
// returns, so StartCrawl never observes a nil engine.
type engineRunner struct {
	engine *worker.Engine
}

func (r *engineRunner) Run(ctx context.Context, spec crawler.CrawlSpec) (crawler.CrawlSummary, error) {
	return r.engine.Run(ctx, spec)
}

// Build constructs the full service graph from configuration. It fails
// fast: any backend that is configured but unreachable aborts startup.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close(context.Background())
		}
	}()

	if cfg.Telemetry.TracingEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		a.tracer = tp
	}

	if err := a.buildStores(ctx); err != nil {
		return nil, err
	}

	publisher, err := a.buildPublisher(ctx)
	if err != nil {
		return nil, err
	}

	clk := system.New()
	ids := uuid.New()

	runner := &engineRunner{}
	a.orch, err = orchestrator.New(runner, ids, clk, orchestrator.Config{
		MaxConcurrent: cfg.Orchestrator.MaxConcurrent,
		MaxTerminal:   cfg.Orchestrator.MaxTerminal,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	var emitter progress.Emitter
	if cfg.Progress.Enabled {
		a.hub, err = a.buildHub()
		if err != nil {
			return nil, err
		}
		emitter = a.hub
	}

	limiter := ratelimit.New(ratelimit.Config{
		Rate:  cfg.RateLimit.Rate,
		Burst: cfg.RateLimit.Burst,
	})

	renderer, err := a.buildRenderer()
	if err != nil {
		return nil, err
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		Timeout:       cfg.RequestTimeout(),
		MaxBodyBytes:  int(cfg.Crawler.MaxPageBytes),
		RespectRobots: cfg.Crawler.RespectRobots,
	}, logger)

	chunker, err := chunk.New(chunk.Config{
		MinSize:    cfg.Chunker.MinSize,
		TargetSize: cfg.Chunker.TargetSize,
		MaxSize:    cfg.Chunker.MaxSize,
		Overlap:    cfg.Chunker.Overlap,
	})
	if err != nil {
		return nil, fmt.Errorf("build chunker: %w", err)
	}

	validator := inspect.NewValidator(inspect.QualityConfig{
		MinLength:      cfg.Validator.MinLength,
		MinDensity:     cfg.Validator.MinDensity,
		MaxBoilerplate: cfg.Validator.MaxBoilerplate,
	}, logger)

	a.engine, err = worker.New(worker.Deps{
		Fetcher:   fetcher,
		Renderer:  renderer,
		Detector:  detector.NewHeuristic(0),
		Limiter:   limiter,
		Validator: validator,
		Extractor: extract.New(),
		Chunker:   chunker,
		Blobs:     a.blobs,
		Documents: a.docs,
		Publisher: publisher,
		Hasher:    sha256.New(),
		Clock:     clk,
		IDs:       ids,
		Emitter:   emitter,
		Logger:    logger,
	}, worker.Config{
		Concurrency:    cfg.Crawler.Concurrency,
		Politeness:     cfg.Politeness(),
		AcquireTimeout: cfg.AcquireTimeout(),
		BlobPrefix:     cfg.Storage.Prefix,
		ContentType:    cfg.Storage.ContentType,
		Topic:          cfg.PubSub.TopicName,
		Escalate:       cfg.Browser.Enabled && cfg.Browser.Escalate,
	})
	if err != nil {
		return nil, fmt.Errorf("build worker engine: %w", err)
	}
	runner.engine = a.engine

	a.server = api.NewServer(a.orch, a.runs, cfg, logger)

	ok = true
	return a, nil
}

func (a *App) buildStores(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Storage.Backend {
	case "gcs":
		bs, client, err := gcs.Connect(ctx, gcs.Config{Bucket: cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("build gcs blob store: %w", err)
		}
		a.blobs = bs
		a.gcsClient = client
		a.logger.Info("snapshot store ready", zap.String("backend", "gcs"), zap.String("bucket", cfg.Storage.Bucket))
	case "local":
		bs, err := local.New(local.Config{BaseDir: cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("build local blob store: %w", err)
		}
		a.blobs = bs
		a.logger.Info("snapshot store ready", zap.String("backend", "local"), zap.String("base_dir", cfg.Storage.Local.BaseDir))
	default:
		a.blobs = storagemem.NewBlobStore()
		a.logger.Info("snapshot store ready", zap.String("backend", "memory"))
	}

	if cfg.Database.DSN == "" {
		a.docs = storagemem.NewDocumentStore()
		a.runs = storagemem.NewRunStore()
		a.logger.Info("document and run stores ready", zap.String("backend", "memory"))
		return nil
	}

	db, err := database.New(ctx, database.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime(),
	})
	if err != nil {
		return fmt.Errorf("build database pool: %w", err)
	}
	a.db = db
	if err := db.Ping(ctx); err != nil {
		return err
	}

	docs, err := postgres.NewDocumentStore(db.Pool(), postgres.DocumentStoreConfig{
		DocumentsTable: cfg.Database.DocumentsTable,
		ChunksTable:    cfg.Database.ChunksTable,
	})
	if err != nil {
		return fmt.Errorf("build document store: %w", err)
	}
	runs, err := postgres.NewRunStore(db.Pool(), postgres.RunStoreConfig{
		RunsTable:      cfg.Database.RunsTable,
		PageStatsTable: cfg.Database.PageStatsTable,
	})
	if err != nil {
		return fmt.Errorf("build run store: %w", err)
	}
	a.docs = docs
	a.runs = runs
	a.logger.Info("document and run stores ready", zap.String("backend", "postgres"))
	return nil
}

func (a *App) buildPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("publisher ready", zap.String("backend", "memory"))
		return publishermem.New(), nil
	}
	client, err := pubsubapi.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("build pubsub client: %w", err)
	}
	a.pubsubClient = client
	pub, err := publisherps.New(client)
	if err != nil {
		return nil, fmt.Errorf("build publisher: %w", err)
	}
	a.pubsubPub = pub
	a.logger.Info("publisher ready",
		zap.String("backend", "pubsub"),
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) buildHub() (*progress.Hub, error) {
	var hubSinks []progress.Sink
	if a.cfg.Progress.LogEnabled {
		hubSinks = append(hubSinks, sinks.NewLogSink(a.logger))
	}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return nil, fmt.Errorf("build prometheus sink: %w", err)
	}
	hubSinks = append(hubSinks,
		promSink,
		sinks.NewStoreSink(a.runs, a.logger),
		a.orch.Sink(),
	)
	return progress.NewHub(progress.Config{
		BufferSize:  a.cfg.Progress.BufferSize,
		BatchSize:   a.cfg.Progress.Batch.MaxEvents,
		BatchWait:   a.cfg.BatchMaxWait(),
		SinkTimeout: a.cfg.SinkTimeout(),
		Logger:      a.logger,
	}, hubSinks...), nil
}

func (a *App) buildRenderer() (crawler.Renderer, error) {
	if !a.cfg.Browser.Enabled {
		return headless.NewNoop(), nil
	}
	pool, err := browser.New(browser.Config{
		PoolSize:    a.cfg.Browser.PoolSize,
		UserAgent:   a.cfg.Crawler.UserAgent,
		PageTimeout: a.cfg.PageTimeout(),
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build browser pool: %w", err)
	}
	a.pool = pool
	return headless.New(pool, headless.Config{
		UserAgent:   a.cfg.Crawler.UserAgent,
		PageTimeout: a.cfg.PageTimeout(),
	}, a.logger), nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator exposes crawl job control to the CLI.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Handler returns the HTTP API handler, mainly for tests.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Run serves the HTTP API until ctx is cancelled or the process receives
// SIGINT/SIGTERM, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutdown signal received")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown failed", zap.Error(err))
	}

	// Give in-flight crawls a chance to finish their current pages; anything
	// still running is cancelled when Close tears the hub down.
	a.orch.Wait()
	return nil
}

// Close releases resources in reverse dependency order: the browser pool
// first (no new renders), then the hub (drain buffered progress), then the
// clients and stores behind it.
func (a *App) Close(ctx context.Context) {
	if a.pool != nil {
		a.pool.Close()
	}
	if a.hub != nil {
		drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := a.hub.Close(drainCtx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		cancel()
	}
	if a.pubsubPub != nil {
		a.pubsubPub.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
