// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Crawler      CrawlerConfig      `mapstructure:"crawler"`
	RateLimit    RateLimitConfig    `mapstructure:"rate_limit"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Validator    ValidatorConfig    `mapstructure:"validator"`
	Chunker      ChunkerConfig      `mapstructure:"chunker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Database     DatabaseConfig     `mapstructure:"database"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Progress     ProgressConfig     `mapstructure:"progress"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlerConfig governs discovery and the per-job page pipeline.
type CrawlerConfig struct {
	UserAgent             string `mapstructure:"user_agent"`
	Concurrency           int    `mapstructure:"concurrency"`
	MaxPagesDefault       int    `mapstructure:"max_pages_default"`
	MaxDepthDefault       int    `mapstructure:"max_depth_default"`
	PolitenessMs          int    `mapstructure:"politeness_ms"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
	RespectRobots         bool   `mapstructure:"respect_robots"`
	MaxPageBytes          int64  `mapstructure:"max_page_bytes"`
}

// RateLimitConfig shapes the global token bucket shared by all fetches.
type RateLimitConfig struct {
	Rate                  float64 `mapstructure:"rate"`
	Burst                 int     `mapstructure:"burst"`
	AcquireTimeoutSeconds int     `mapstructure:"acquire_timeout_seconds"`
}

// BrowserConfig configures the headless browser pool.
type BrowserConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	PoolSize           int  `mapstructure:"pool_size"`
	PageTimeoutSeconds int  `mapstructure:"page_timeout_seconds"`
	Escalate           bool `mapstructure:"escalate"`
}

// ValidatorConfig tunes content quality thresholds.
type ValidatorConfig struct {
	MinLength      int     `mapstructure:"min_length"`
	MinDensity     float64 `mapstructure:"min_density"`
	MaxBoilerplate float64 `mapstructure:"max_boilerplate"`
}

// ChunkerConfig bounds emitted chunk sizes (characters).
type ChunkerConfig struct {
	MinSize    int `mapstructure:"min_size"`
	TargetSize int `mapstructure:"target_size"`
	MaxSize    int `mapstructure:"max_size"`
	Overlap    int `mapstructure:"overlap"`
}

// OrchestratorConfig bounds concurrent jobs and retained history.
type OrchestratorConfig struct {
	MaxConcurrent int `mapstructure:"max_concurrent"`
	MaxTerminal   int `mapstructure:"max_terminal"`
}

// StorageConfig selects and parameterizes the snapshot blob store.
type StorageConfig struct {
	Backend     string             `mapstructure:"backend"`
	Bucket      string             `mapstructure:"bucket"`
	Prefix      string             `mapstructure:"prefix"`
	ContentType string             `mapstructure:"content_type"`
	Local       LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig parameterizes the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls access to Postgres document/run stores.
type DatabaseConfig struct {
	DSN                    string `mapstructure:"dsn"`
	DocumentsTable         string `mapstructure:"documents_table"`
	ChunksTable            string `mapstructure:"chunks_table"`
	RunsTable              string `mapstructure:"runs_table"`
	PageStatsTable         string `mapstructure:"page_stats_table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds metadata for ingestion event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool                `mapstructure:"enabled"`
	LogEnabled    bool                `mapstructure:"log_enabled"`
	BufferSize    int                 `mapstructure:"buffer_size"`
	SinkTimeoutMs int                 `mapstructure:"sink_timeout_ms"`
	Batch         ProgressBatchConfig `mapstructure:"batch"`
}

// ProgressBatchConfig bounds hub flush batches.
type ProgressBatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DOCSIFT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 60)
	v.SetDefault("crawler.user_agent", "docsift-bot/1.0 (+https://github.com/docsift/docsift)")
	v.SetDefault("crawler.concurrency", 3)
	v.SetDefault("crawler.max_pages_default", 100)
	v.SetDefault("crawler.max_depth_default", 3)
	v.SetDefault("crawler.politeness_ms", 200)
	v.SetDefault("crawler.request_timeout_seconds", 15)
	v.SetDefault("crawler.respect_robots", true)
	v.SetDefault("crawler.max_page_bytes", 5*1024*1024)
	v.SetDefault("rate_limit.rate", 2.0)
	v.SetDefault("rate_limit.burst", 5)
	v.SetDefault("rate_limit.acquire_timeout_seconds", 30)
	v.SetDefault("browser.enabled", true)
	v.SetDefault("browser.pool_size", 3)
	v.SetDefault("browser.page_timeout_seconds", 30)
	v.SetDefault("browser.escalate", true)
	v.SetDefault("validator.min_length", 100)
	v.SetDefault("validator.min_density", 0.1)
	v.SetDefault("validator.max_boilerplate", 0.7)
	v.SetDefault("chunker.min_size", 200)
	v.SetDefault("chunker.target_size", 1500)
	v.SetDefault("chunker.max_size", 3000)
	v.SetDefault("chunker.overlap", 100)
	v.SetDefault("orchestrator.max_concurrent", 3)
	v.SetDefault("orchestrator.max_terminal", 10)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "snapshots")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.local.base_dir", "data/snapshots")
	v.SetDefault("database.documents_table", "documents")
	v.SetDefault("database.chunks_table", "document_chunks")
	v.SetDefault("database.runs_table", "crawl_runs")
	v.SetDefault("database.page_stats_table", "crawl_run_pages")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.topic_name", "documents.ingested")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.log_enabled", false)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.sink_timeout_ms", 10000)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "docsift")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.Concurrency <= 0 {
		return fmt.Errorf("crawler.concurrency must be > 0")
	}
	if c.Crawler.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("crawler.request_timeout_seconds must be > 0")
	}
	if c.Crawler.MaxPageBytes <= 0 {
		return fmt.Errorf("crawler.max_page_bytes must be > 0")
	}
	if c.RateLimit.Rate <= 0 {
		return fmt.Errorf("rate_limit.rate must be > 0")
	}
	if c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate_limit.burst must be > 0")
	}
	if c.Browser.Enabled && c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0 when the browser pool is enabled")
	}
	if c.Chunker.MinSize <= 0 || c.Chunker.MinSize >= c.Chunker.MaxSize {
		return fmt.Errorf("chunker.min_size must be > 0 and < chunker.max_size")
	}
	if c.Chunker.TargetSize < c.Chunker.MinSize || c.Chunker.TargetSize > c.Chunker.MaxSize {
		return fmt.Errorf("chunker.target_size must lie within [min_size, max_size]")
	}
	if c.Chunker.Overlap < 0 {
		return fmt.Errorf("chunker.overlap must be >= 0")
	}
	if c.Validator.MinDensity < 0 || c.Validator.MinDensity > 1 {
		return fmt.Errorf("validator.min_density must lie within [0, 1]")
	}
	if c.Validator.MaxBoilerplate < 0 || c.Validator.MaxBoilerplate > 1 {
		return fmt.Errorf("validator.max_boilerplate must lie within [0, 1]")
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		return fmt.Errorf("orchestrator.max_concurrent must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "local", "gcs":
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.Storage.Backend == "gcs" && c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket must be set for the gcs backend")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// RequestTimeout returns the per-request HTTP fetch timeout.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Crawler.RequestTimeoutSeconds) * time.Second
}

// Politeness returns the pause enforced between consecutive frontier fetches.
func (c Config) Politeness() time.Duration {
	return time.Duration(c.Crawler.PolitenessMs) * time.Millisecond
}

// AcquireTimeout returns how long a worker waits on the rate limiter.
func (c Config) AcquireTimeout() time.Duration {
	return time.Duration(c.RateLimit.AcquireTimeoutSeconds) * time.Second
}

// PageTimeout returns the browser page navigation/render budget.
func (c Config) PageTimeout() time.Duration {
	return time.Duration(c.Browser.PageTimeoutSeconds) * time.Second
}

// MaxConnLifetime returns the Postgres connection lifetime.
func (c Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.Database.MaxConnLifetimeMinutes) * time.Minute
}

// SinkTimeout returns the per-sink flush budget for the progress hub.
func (c Config) SinkTimeout() time.Duration {
	return time.Duration(c.Progress.SinkTimeoutMs) * time.Millisecond
}

// BatchMaxWait returns the maximum hub batching delay.
func (c Config) BatchMaxWait() time.Duration {
	return time.Duration(c.Progress.Batch.MaxWaitMs) * time.Millisecond
}

// ServerTimeout returns the API request timeout.
func (c Config) ServerTimeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}
