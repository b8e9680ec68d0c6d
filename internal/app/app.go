// Package app assembles the change monitor from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/api"
	"github.com/JakeFAU/webpage-change-monitor/internal/catalog"
	"github.com/JakeFAU/webpage-change-monitor/internal/clock/system"
	"github.com/JakeFAU/webpage-change-monitor/internal/config"
	"github.com/JakeFAU/webpage-change-monitor/internal/id/uuid"
	"github.com/JakeFAU/webpage-change-monitor/internal/job"
	"github.com/JakeFAU/webpage-change-monitor/internal/metrics"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	pubsubnotifier "github.com/JakeFAU/webpage-change-monitor/internal/notifier/pubsub"
	"github.com/JakeFAU/webpage-change-monitor/internal/scheduler"
	gcsstorage "github.com/JakeFAU/webpage-change-monitor/internal/storage/gcs"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store   monitor.Store
	ready   api.ReadinessCheck
	fetcher *Fetcher
	gcs     *gcsstorage.BlobStore
	pubsub  *pubsubnotifier.Notifier
	tracer  *sdktrace.TracerProvider

	catalog   *catalog.Service
	scheduler *scheduler.Scheduler
	outcomes  *job.Recorder
	apiServer *api.Server
}

// Build creates the application's dependencies. Anything opened before a
// failure is closed again.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("storage", string(cfg.Storage.Backend)),
		zap.String("archive", string(cfg.Archive.Backend)),
		zap.String("notifier", string(cfg.Notifier.Backend)),
		zap.String("fetch_mode", string(cfg.Fetch.Mode)),
	)

	if cfg.Tracing.Enabled {
		if err = setupTracing(ctx, app); err != nil {
			return nil, err
		}
	}
	if err = setupStore(ctx, app); err != nil {
		return nil, err
	}
	archiver, err := setupArchive(ctx, app)
	if err != nil {
		return nil, err
	}
	notifier, err := setupNotifier(ctx, app)
	if err != nil {
		return nil, err
	}
	app.fetcher, err = NewFetcher(cfg, logger)
	if err != nil {
		return nil, err
	}
	extract, err := NewExtractor(cfg)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	opts := cfg.MonitorOptions()

	app.catalog = catalog.New(app.store, clock, ids, opts, logger.Named("catalog"))
	app.outcomes = job.NewRecorder()

	deps := job.Deps{
		Targets:    app.catalog,
		Snapshots:  app.store,
		Fetcher:    app.fetcher,
		Extractor:  extract,
		Comparator: NewComparator(cfg),
		Clock:      clock,
		IDs:        ids,
		Outcomes:   app.outcomes,
	}
	if notifier != nil {
		deps.Notifier = notifier
	}
	if archiver != nil {
		deps.Archiver = archiver
	}
	runner := job.New(deps, job.Config{
		Retry:                 opts.JobRetry,
		FetchTimeout:          cfg.Fetch.Timeout,
		NotificationsEnabled:  opts.AreNotificationsEnabled,
		MaxSnapshotsPerTarget: cfg.Monitor.Retention.MaxSnapshotsPerTarget,
	}, logger.Named("job"))

	app.scheduler = scheduler.New(runner, clock, logger.Named("scheduler"))
	// Sync subscribes the scheduler again; the catalog keeps one registration.
	app.catalog.Subscribe(app.scheduler)
	app.catalog.Subscribe(app.outcomes)

	app.apiServer = api.NewServer(api.Deps{
		Catalog:  app.catalog,
		Trigger:  app.scheduler,
		Outcomes: app.outcomes,
		Ready:    app.ready,
	}, cfg, logger.Named("api"))

	return app, nil
}

// Handler returns the HTTP handler of the REST API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Scheduler returns the target scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Catalog returns the target catalog.
func (a *App) Catalog() *catalog.Service {
	return a.catalog
}

// Run registers every active target, starts the scheduler and the HTTP server,
// and blocks until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	n, err := a.scheduler.Sync(ctx, a.catalog)
	if err != nil {
		return fmt.Errorf("sync scheduler: %w", err)
	}
	a.logger.Info("scheduler synced", zap.Int("targets", n))

	schedDone := make(chan error, 1)
	go func() {
		a.logger.Info("scheduler started")
		schedDone <- a.scheduler.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-schedDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Warn("scheduler stopped with error", zap.Error(err))
		}
	case <-shutdownCtx.Done():
		a.logger.Warn("in-flight jobs did not finish before the shutdown timeout")
	}

	return a.Close()
}

// Close gracefully shuts down the application.
func (a *App) Close() error {
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.fetcher != nil {
		a.fetcher.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub notifier close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
	if a.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}
}
