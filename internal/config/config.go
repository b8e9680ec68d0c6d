// Package config loads and validates monitor configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/webpage-change-monitor/internal/extractor"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/telemetry"
)

// ErrUnknownValue is returned when an enumerated setting holds an unsupported value.
var ErrUnknownValue = errors.New("unknown configuration value")

// StorageBackend selects where resources, targets and snapshots live.
type StorageBackend string

// Storage backends.
const (
	StorageMemory   StorageBackend = "memory"
	StorageSQLite   StorageBackend = "sqlite"
	StoragePostgres StorageBackend = "postgres"
)

// ArchiveBackend selects where raw pages are archived.
type ArchiveBackend string

// Archive backends.
const (
	ArchiveNone   ArchiveBackend = "none"
	ArchiveMemory ArchiveBackend = "memory"
	ArchiveLocal  ArchiveBackend = "local"
	ArchiveGCS    ArchiveBackend = "gcs"
)

// NotifierBackend selects how change events are delivered.
type NotifierBackend string

// Notifier backends.
const (
	NotifierNone   NotifierBackend = "none"
	NotifierLog    NotifierBackend = "log"
	NotifierPubSub NotifierBackend = "pubsub"
)

// FetchMode selects the page fetcher.
type FetchMode string

// Fetch modes.
const (
	FetchPlain    FetchMode = "plain"
	FetchHeadless FetchMode = "headless"
	// FetchAuto fetches plainly and re-renders pages that look like unrendered single-page apps.
	FetchAuto FetchMode = "auto"
)

// ParseStorageBackend converts a configuration string into a StorageBackend.
func ParseStorageBackend(raw string) (StorageBackend, error) {
	switch b := StorageBackend(normalize(raw)); b {
	case StorageMemory, StorageSQLite, StoragePostgres:
		return b, nil
	default:
		return "", fmt.Errorf("%w: storage.backend %q", ErrUnknownValue, raw)
	}
}

// ParseArchiveBackend converts a configuration string into an ArchiveBackend.
func ParseArchiveBackend(raw string) (ArchiveBackend, error) {
	switch b := ArchiveBackend(normalize(raw)); b {
	case "":
		return ArchiveNone, nil
	case ArchiveNone, ArchiveMemory, ArchiveLocal, ArchiveGCS:
		return b, nil
	default:
		return "", fmt.Errorf("%w: archive.backend %q", ErrUnknownValue, raw)
	}
}

// ParseNotifierBackend converts a configuration string into a NotifierBackend.
func ParseNotifierBackend(raw string) (NotifierBackend, error) {
	switch b := NotifierBackend(normalize(raw)); b {
	case "":
		return NotifierLog, nil
	case NotifierNone, NotifierLog, NotifierPubSub:
		return b, nil
	default:
		return "", fmt.Errorf("%w: notifier.backend %q", ErrUnknownValue, raw)
	}
}

// ParseFetchMode converts a configuration string into a FetchMode.
func ParseFetchMode(raw string) (FetchMode, error) {
	switch m := FetchMode(normalize(raw)); m {
	case "":
		return FetchPlain, nil
	case FetchPlain, FetchHeadless, FetchAuto:
		return m, nil
	default:
		return "", fmt.Errorf("%w: fetch.mode %q", ErrUnknownValue, raw)
	}
}

func normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MonitorConfig is the engine configuration surface.
type MonitorConfig struct {
	DefaultResourcePageSize       int              `mapstructure:"default_resource_page_size"`
	DefaultTargetPageSize         int              `mapstructure:"default_target_page_size"`
	DefaultTargetSnapshotPageSize int              `mapstructure:"default_target_snapshot_page_size"`
	NotificationsEnabled          bool             `mapstructure:"notifications_enabled"`
	AmbiguityPolicy               string           `mapstructure:"ambiguity_policy"`
	Comparison                    ComparisonConfig `mapstructure:"comparison"`
	Retry                         RetryConfig      `mapstructure:"retry"`
	Retention                     RetentionConfig  `mapstructure:"retention"`
}

// ComparisonConfig toggles value normalization before comparison.
type ComparisonConfig struct {
	TrimSpace     bool `mapstructure:"trim_space"`
	CollapseSpace bool `mapstructure:"collapse_space"`
	IgnoreCase    bool `mapstructure:"ignore_case"`
}

// RetryConfig bounds the attempts of one firing.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// RetentionConfig prunes snapshot history.
type RetentionConfig struct {
	MaxSnapshotsPerTarget int `mapstructure:"max_snapshots_per_target"`
}

// FetchConfig configures page retrieval.
type FetchConfig struct {
	Mode          FetchMode         `mapstructure:"mode"`
	UserAgent     string            `mapstructure:"user_agent"`
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxBodyBytes  int               `mapstructure:"max_body_bytes"`
	RespectRobots bool              `mapstructure:"respect_robots"`
	Headers       map[string]string `mapstructure:"headers"`
	RateLimit     RateLimitConfig   `mapstructure:"rate_limit"`
	Headless      HeadlessConfig    `mapstructure:"headless"`
}

// RateLimitConfig is the per-host token bucket.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	MaxParallel      int           `mapstructure:"max_parallel"`
	NavTimeout       time.Duration `mapstructure:"nav_timeout"`
	PromoteThreshold int           `mapstructure:"promote_threshold"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend  StorageBackend `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig controls the pgx pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Schema          string        `mapstructure:"schema"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// ArchiveConfig configures raw page archiving.
type ArchiveConfig struct {
	Backend     ArchiveBackend     `mapstructure:"backend"`
	Prefix      string             `mapstructure:"prefix"`
	ContentType string             `mapstructure:"content_type"`
	Local       LocalArchiveConfig `mapstructure:"local"`
	GCS         GCSArchiveConfig   `mapstructure:"gcs"`
}

// LocalArchiveConfig is the filesystem archive root.
type LocalArchiveConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSArchiveConfig names the archive bucket.
type GCSArchiveConfig struct {
	Bucket       string `mapstructure:"bucket"`
	VerifyBucket bool   `mapstructure:"verify_bucket"`
}

// NotifierConfig selects how change events are delivered.
type NotifierConfig struct {
	Backend NotifierBackend `mapstructure:"backend"`
	PubSub  PubSubConfig    `mapstructure:"pubsub"`
}

// PubSubConfig holds the topic change events are published to.
type PubSubConfig struct {
	ProjectID   string `mapstructure:"project_id"`
	TopicID     string `mapstructure:"topic_id"`
	VerifyTopic bool   `mapstructure:"verify_topic"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`

	// Exporter is one of otlp, stdout or none.
	Exporter string     `mapstructure:"exporter"`
	OTLP     OTLPConfig `mapstructure:"otlp"`
}

// OTLPConfig points the otlp exporter at a gRPC collector.
type OTLPConfig struct {
	Endpoint string            `mapstructure:"endpoint"`
	Insecure bool              `mapstructure:"insecure"`
	Headers  map[string]string `mapstructure:"headers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MONITOR")
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
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("monitor.default_resource_page_size", 10)
	v.SetDefault("monitor.default_target_page_size", 10)
	v.SetDefault("monitor.default_target_snapshot_page_size", 20)
	v.SetDefault("monitor.notifications_enabled", true)
	v.SetDefault("monitor.ambiguity_policy", "first")
	v.SetDefault("monitor.retry.max_attempts", 3)
	v.SetDefault("monitor.retry.backoff_base", "500ms")
	v.SetDefault("monitor.retry.backoff_max", "5s")
	v.SetDefault("monitor.retention.max_snapshots_per_target", 0)
	v.SetDefault("fetch.mode", "plain")
	v.SetDefault("fetch.user_agent", "webpage-change-monitor/1.0")
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.max_body_bytes", 5<<20)
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.rate_limit.rps", 1.0)
	v.SetDefault("fetch.rate_limit.burst", 1)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.nav_timeout", "30s")
	v.SetDefault("fetch.headless.promote_threshold", 2048)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.sqlite.path", "monitor.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.schema", "monitor")
	v.SetDefault("storage.postgres.max_conns", 0)
	v.SetDefault("storage.postgres.migrate", true)
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.local.base_dir", "archive")
	v.SetDefault("archive.gcs.bucket", "")
	v.SetDefault("archive.gcs.verify_bucket", true)
	v.SetDefault("notifier.backend", "log")
	v.SetDefault("notifier.pubsub.project_id", "")
	v.SetDefault("notifier.pubsub.topic_id", "")
	v.SetDefault("notifier.pubsub.verify_topic", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "changemonitor")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.exporter", "otlp")
	v.SetDefault("tracing.otlp.endpoint", "localhost:4317")
	v.SetDefault("tracing.otlp.insecure", false)
}

// Validate enforces required values and reasonable limits. Enumerated values
// are normalized in place.
func (c *Config) Validate() error {
	var err error
	if c.Storage.Backend, err = ParseStorageBackend(string(c.Storage.Backend)); err != nil {
		return err
	}
	if c.Archive.Backend, err = ParseArchiveBackend(string(c.Archive.Backend)); err != nil {
		return err
	}
	if c.Notifier.Backend, err = ParseNotifierBackend(string(c.Notifier.Backend)); err != nil {
		return err
	}
	if c.Fetch.Mode, err = ParseFetchMode(string(c.Fetch.Mode)); err != nil {
		return err
	}
	if _, err := extractor.ParseAmbiguityPolicy(c.Monitor.AmbiguityPolicy); err != nil {
		return fmt.Errorf("%w: monitor.ambiguity_policy %q", ErrUnknownValue, c.Monitor.AmbiguityPolicy)
	}

	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Monitor.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("monitor.retry.max_attempts must be > 0")
	}
	if c.Monitor.Retry.BackoffBase < 0 || c.Monitor.Retry.BackoffMax < 0 {
		return fmt.Errorf("monitor.retry backoff durations must not be negative")
	}
	if c.Monitor.Retention.MaxSnapshotsPerTarget < 0 {
		return fmt.Errorf("monitor.retention.max_snapshots_per_target must not be negative")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	exporter, err := telemetry.ParseExporterKind(c.Tracing.Exporter)
	if err != nil {
		return fmt.Errorf("%w: tracing.exporter %q", ErrUnknownValue, c.Tracing.Exporter)
	}
	c.Tracing.Exporter = string(exporter)
	if c.Tracing.Enabled && exporter == telemetry.ExporterOTLP && c.Tracing.OTLP.Endpoint == "" {
		return fmt.Errorf("tracing.otlp.endpoint is required for the otlp exporter")
	}
	if c.Fetch.Mode != FetchPlain && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when fetch.mode is %s", c.Fetch.Mode)
	}

	switch c.Storage.Backend {
	case StorageSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for the sqlite backend")
		}
	case StoragePostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres backend")
		}
	}
	switch c.Archive.Backend {
	case ArchiveLocal:
		if c.Archive.Local.BaseDir == "" {
			return fmt.Errorf("archive.local.base_dir is required for the local archive")
		}
	case ArchiveGCS:
		if c.Archive.GCS.Bucket == "" {
			return fmt.Errorf("archive.gcs.bucket is required for the gcs archive")
		}
	}
	if c.Notifier.Backend == NotifierPubSub && (c.Notifier.PubSub.ProjectID == "" || c.Notifier.PubSub.TopicID == "") {
		return fmt.Errorf("notifier.pubsub.project_id and topic_id are required for the pubsub notifier")
	}
	return nil
}

// MonitorOptions returns the engine options.
func (c Config) MonitorOptions() monitor.ChangeMonitorOptions {
	return monitor.ChangeMonitorOptions{
		DefaultResourcePageSize:       c.Monitor.DefaultResourcePageSize,
		DefaultTargetPageSize:         c.Monitor.DefaultTargetPageSize,
		DefaultTargetSnapshotPageSize: c.Monitor.DefaultTargetSnapshotPageSize,
		AreNotificationsEnabled:       c.Monitor.NotificationsEnabled,
		JobRetry: monitor.JobRetryOptions{
			MaxAttempts: c.Monitor.Retry.MaxAttempts,
			BackoffBase: c.Monitor.Retry.BackoffBase,
			BackoffMax:  c.Monitor.Retry.BackoffMax,
		},
	}
}

// FetchHeaders returns the configured extra request headers.
func (c Config) FetchHeaders() http.Header {
	h := make(http.Header, len(c.Fetch.Headers))
	for k, v := range c.Fetch.Headers {
		h.Set(k, v)
	}
	return h
}
