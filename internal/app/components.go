package app

import (
	"context"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/archive"
	"github.com/JakeFAU/webpage-change-monitor/internal/comparator"
	"github.com/JakeFAU/webpage-change-monitor/internal/config"
	"github.com/JakeFAU/webpage-change-monitor/internal/extractor"
	"github.com/JakeFAU/webpage-change-monitor/internal/fetcher"
	collyfetcher "github.com/JakeFAU/webpage-change-monitor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/webpage-change-monitor/internal/fetcher/headless"
	"github.com/JakeFAU/webpage-change-monitor/internal/hash/sha256"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	lognotifier "github.com/JakeFAU/webpage-change-monitor/internal/notifier/logger"
	pubsubnotifier "github.com/JakeFAU/webpage-change-monitor/internal/notifier/pubsub"
	"github.com/JakeFAU/webpage-change-monitor/internal/policy/ratelimit"
	gcsstorage "github.com/JakeFAU/webpage-change-monitor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/webpage-change-monitor/internal/storage/local"
	memorystorage "github.com/JakeFAU/webpage-change-monitor/internal/storage/memory"
	pgstore "github.com/JakeFAU/webpage-change-monitor/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/webpage-change-monitor/internal/storage/sqlite"
	"github.com/JakeFAU/webpage-change-monitor/internal/telemetry"
)

// Fetcher is a monitor.Fetcher together with the cleanup of its resources.
type Fetcher struct {
	monitor.Fetcher
	headless *headlessfetcher.Fetcher
}

// Close releases the headless browser, if one was started.
func (f *Fetcher) Close() {
	if f.headless != nil {
		f.headless.Close()
	}
}

// NewFetcher builds the fetcher selected by fetch.mode. Every mode shares one
// per-host rate limiter.
func NewFetcher(cfg config.Config, logger *zap.Logger) (*Fetcher, error) {
	limiter := ratelimit.New(ratelimit.Config{RPS: cfg.Fetch.RateLimit.RPS, Burst: cfg.Fetch.RateLimit.Burst})
	headers := cfg.FetchHeaders()

	plain := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetch.UserAgent,
		RespectRobots: cfg.Fetch.RespectRobots,
		Timeout:       cfg.Fetch.Timeout,
		MaxBodyBytes:  cfg.Fetch.MaxBodyBytes,
		Headers:       headers,
	}, limiter)
	if cfg.Fetch.Mode == config.FetchPlain {
		logger.Info("using colly fetcher", zap.String("user_agent", cfg.Fetch.UserAgent))
		return &Fetcher{Fetcher: plain}, nil
	}

	headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.Fetch.Headless.MaxParallel,
		UserAgent:         cfg.Fetch.UserAgent,
		NavigationTimeout: cfg.Fetch.Headless.NavTimeout,
		MaxBodyBytes:      cfg.Fetch.MaxBodyBytes,
		Headers:           headers,
	}, limiter)
	if err != nil {
		return nil, fmt.Errorf("headless fetcher init failed: %w", err)
	}
	logger.Info("using headless fetcher",
		zap.String("mode", string(cfg.Fetch.Mode)),
		zap.Int("max_parallel", cfg.Fetch.Headless.MaxParallel),
	)
	if cfg.Fetch.Mode == config.FetchHeadless {
		return &Fetcher{Fetcher: headless, headless: headless}, nil
	}
	auto := fetcher.NewAuto(plain, headless, cfg.Fetch.Headless.PromoteThreshold, logger.Named("fetcher"))
	return &Fetcher{Fetcher: auto, headless: headless}, nil
}

// NewExtractor builds the selector extractor from monitor.ambiguity_policy.
func NewExtractor(cfg config.Config) (*extractor.Extractor, error) {
	policy, err := extractor.ParseAmbiguityPolicy(cfg.Monitor.AmbiguityPolicy)
	if err != nil {
		return nil, fmt.Errorf("extractor init failed: %w", err)
	}
	return extractor.New(extractor.Options{Ambiguity: policy}), nil
}

// NewComparator builds the snapshot comparator from monitor.comparison.
func NewComparator(cfg config.Config) *comparator.Comparator {
	return comparator.New(comparator.Options{
		TrimSpace:     cfg.Monitor.Comparison.TrimSpace,
		CollapseSpace: cfg.Monitor.Comparison.CollapseSpace,
		IgnoreCase:    cfg.Monitor.Comparison.IgnoreCase,
	})
}

func setupStore(ctx context.Context, app *App) error {
	switch app.cfg.Storage.Backend {
	case config.StoragePostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             app.cfg.Storage.Postgres.DSN,
			Schema:          app.cfg.Storage.Postgres.Schema,
			MaxConns:        app.cfg.Storage.Postgres.MaxConns,
			MinConns:        app.cfg.Storage.Postgres.MinConns,
			MaxConnLifetime: app.cfg.Storage.Postgres.MaxConnLifetime,
			Migrate:         app.cfg.Storage.Postgres.Migrate,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		app.store = store
		app.ready = store.Ping
		app.logger.Info("using postgres store", zap.String("schema", app.cfg.Storage.Postgres.Schema))
	case config.StorageSQLite:
		store, err := sqlitestore.New(ctx, app.cfg.Storage.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		app.store = store
		app.ready = store.Ping
		app.logger.Info("using sqlite store", zap.String("path", app.cfg.Storage.SQLite.Path))
	default:
		app.store = memorystorage.NewStore()
		app.logger.Warn("using in-memory store, targets and snapshots are lost on restart")
	}
	return nil
}

func setupArchive(ctx context.Context, app *App) (*archive.Archiver, error) {
	var blobs monitor.BlobStore
	switch app.cfg.Archive.Backend {
	case config.ArchiveGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{
			Bucket:       app.cfg.Archive.GCS.Bucket,
			VerifyBucket: app.cfg.Archive.GCS.VerifyBucket,
		}, app.logger.Named("gcs"))
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcs = store
		blobs = store
		app.logger.Info("archiving pages to GCS", zap.String("bucket", app.cfg.Archive.GCS.Bucket))
	case config.ArchiveLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: app.cfg.Archive.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = store
		app.logger.Info("archiving pages locally", zap.String("path", app.cfg.Archive.Local.BaseDir))
	case config.ArchiveMemory:
		blobs = memorystorage.NewBlobStore()
		app.logger.Info("archiving pages in memory")
	default:
		app.logger.Info("page archiving disabled")
		return nil, nil
	}
	return archive.New(blobs, sha256.New(), archive.Config{
		Prefix:      app.cfg.Archive.Prefix,
		ContentType: app.cfg.Archive.ContentType,
	}), nil
}

func setupNotifier(ctx context.Context, app *App) (monitor.Notifier, error) {
	switch app.cfg.Notifier.Backend {
	case config.NotifierPubSub:
		n, err := pubsubnotifier.Open(ctx, pubsubnotifier.Config{
			ProjectID:   app.cfg.Notifier.PubSub.ProjectID,
			TopicID:     app.cfg.Notifier.PubSub.TopicID,
			VerifyTopic: app.cfg.Notifier.PubSub.VerifyTopic,
		}, app.logger.Named("pubsub"))
		if err != nil {
			return nil, fmt.Errorf("pubsub notifier init failed: %w", err)
		}
		app.pubsub = n
		app.logger.Info("Pub/Sub notifier initialized",
			zap.String("project", app.cfg.Notifier.PubSub.ProjectID),
			zap.String("topic", app.cfg.Notifier.PubSub.TopicID),
		)
		return n, nil
	case config.NotifierNone:
		app.logger.Info("notifications disabled")
		return nil, nil
	default:
		return lognotifier.New(app.logger.Named("notifier")), nil
	}
}

func setupTracing(ctx context.Context, app *App) error {
	kind, err := telemetry.ParseExporterKind(app.cfg.Tracing.Exporter)
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	exp, err := telemetry.NewExporter(ctx, telemetry.ExporterConfig{
		Kind:     kind,
		Endpoint: app.cfg.Tracing.OTLP.Endpoint,
		Insecure: app.cfg.Tracing.OTLP.Insecure,
		Headers:  app.cfg.Tracing.OTLP.Headers,
	})
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	var opts []sdktrace.TracerProviderOption
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: app.cfg.Tracing.ServiceName,
		SampleRatio: app.cfg.Tracing.SampleRatio,
	}, opts...)
	if err != nil {
		if exp != nil {
			_ = exp.Shutdown(ctx)
		}
		return fmt.Errorf("tracing init failed: %w", err)
	}
	app.logger.Info("tracing initialized",
		zap.String("exporter", string(kind)),
		zap.Float64("sample_ratio", app.cfg.Tracing.SampleRatio),
	)
	return nil
}
