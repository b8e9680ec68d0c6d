// Package job runs the per-firing pipeline of a monitored target:
// fetch, extract, compare, persist and notify.
package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/comparator"
	"github.com/JakeFAU/webpage-change-monitor/internal/metrics"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

const tracerName = "github.com/JakeFAU/webpage-change-monitor/internal/job"

// Comparator judges a new value against the previous snapshot.
type Comparator interface {
	Compare(newValue string, previous *monitor.Snapshot, target monitor.Target) comparator.Result
}

// Archiver stores the raw page a snapshot was taken from.
type Archiver interface {
	Archive(ctx context.Context, targetID string, body []byte, contentType string) (hash string, uri string, err error)
}

// Config controls Job behavior.
type Config struct {
	Retry                monitor.JobRetryOptions
	FetchTimeout         time.Duration
	NotificationsEnabled bool
	// MaxSnapshotsPerTarget prunes older snapshots after each insert. Zero keeps everything.
	MaxSnapshotsPerTarget int
}

// Deps are the collaborators of a Job. Archiver, Notifier, Outcomes and
// Tracer are optional; a nil Tracer uses the global provider.
type Deps struct {
	Targets    monitor.TargetRepository
	Snapshots  monitor.SnapshotStore
	Fetcher    monitor.Fetcher
	Extractor  monitor.Extractor
	Comparator Comparator
	Notifier   monitor.Notifier
	Archiver   Archiver
	Clock      monitor.Clock
	IDs        monitor.IDGenerator
	Outcomes   *Recorder
	Tracer     trace.Tracer
}

// Job executes one firing for a target.
type Job struct {
	deps   Deps
	cfg    Config
	retry  *RetryPolicy
	tracer trace.Tracer
	logger *zap.Logger
}

// New constructs a Job.
func New(deps Deps, cfg Config, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Job{
		deps:   deps,
		cfg:    cfg,
		retry:  NewRetryPolicy(cfg.Retry),
		tracer: tracer,
		logger: logger,
	}
}

// Run executes the pipeline for targetID and returns its outcome. At most one
// snapshot is written per call.
func (j *Job) Run(ctx context.Context, targetID string) monitor.Outcome {
	ctx, span := j.tracer.Start(ctx, "monitor.job",
		trace.WithAttributes(attribute.String("monitor.target_id", targetID)))
	defer span.End()

	out := monitor.Outcome{TargetID: targetID, StartedAt: j.deps.Clock.Now()}
	out = j.run(ctx, out)
	out.FinishedAt = j.deps.Clock.Now()

	span.SetAttributes(
		attribute.String("monitor.outcome", string(out.Status)),
		attribute.Int("monitor.attempts", out.Attempts),
		attribute.Bool("monitor.notified", out.Notified),
	)
	if out.Status == monitor.OutcomeFailed && out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, out.Err.Error())
	}

	if j.deps.Outcomes != nil {
		j.deps.Outcomes.Record(out)
	}
	metrics.ObserveJob(string(out.Status))
	return out
}

func (j *Job) run(ctx context.Context, out monitor.Outcome) monitor.Outcome {
	log := j.logger.With(zap.String("target_id", out.TargetID))

	target, err := j.deps.Targets.GetTarget(ctx, out.TargetID)
	if err != nil {
		if errors.Is(err, monitor.ErrNotFound) {
			log.Info("target no longer exists, skipping firing")
			out.Status = monitor.OutcomeSkipped
			out.Err = err
			return out
		}
		return j.fail(log, out, &monitor.PersistenceError{Op: "get target", Err: err})
	}
	log = log.With(zap.String("url", target.URL))

	page, value, attempts, err := j.fetchAndExtract(ctx, log, target)
	out.Attempts = attempts
	if err != nil {
		return j.fail(log, out, &monitor.JobFailedError{TargetID: target.ID, Attempts: attempts, Cause: err})
	}

	previous, found, err := j.deps.Snapshots.LatestSnapshot(ctx, target.ID)
	if err != nil {
		return j.fail(log, out, &monitor.PersistenceError{Op: "latest snapshot", Err: err})
	}
	var prev *monitor.Snapshot
	if found {
		prev = &previous
	}

	res := j.deps.Comparator.Compare(value, prev, target)
	snap, err := j.buildSnapshot(target.ID, value, res)
	if err != nil {
		return j.fail(log, out, err)
	}
	j.archive(ctx, log, &snap, page)

	if err := j.deps.Snapshots.InsertSnapshot(ctx, snap); err != nil {
		return j.fail(log, out, &monitor.PersistenceError{Op: "insert snapshot", Err: err})
	}
	out.Status = monitor.OutcomeSucceeded
	out.Snapshot = &snap
	if snap.IsChangeDetected {
		metrics.ObserveChangeDetected()
	}
	log.Info("snapshot recorded",
		zap.String("snapshot_id", snap.ID),
		zap.Bool("change_detected", snap.IsChangeDetected),
		zap.Bool("expected_value", snap.IsExpectedValue),
		zap.Int("attempts", attempts),
	)

	j.prune(ctx, log, target.ID)
	out.Notified = j.notify(ctx, log, target, snap, res, prev)
	return out
}

func (j *Job) fetchAndExtract(
	ctx context.Context,
	log *zap.Logger,
	target monitor.Target,
) (monitor.FetchResult, string, int, error) {
	var lastErr error
	attempt := 0
	for attempt < j.retry.MaxAttempts() {
		attempt++
		page, err := j.deps.Fetcher.Fetch(ctx, target.URL, j.cfg.FetchTimeout)
		if err == nil {
			var value string
			value, err = j.deps.Extractor.Extract(page.Body, page.ContentType, target.HTMLTag, target.SelectorType, target.SelectorValue)
			if err == nil {
				return page, value, attempt, nil
			}
		}
		lastErr = err
		log.Warn("attempt failed", zap.Int("attempt", attempt), zap.Error(err))

		if !j.retry.ShouldRetry(err, attempt) {
			break
		}
		if err := sleepWithContext(ctx, j.retry.Backoff(attempt)); err != nil {
			lastErr = errors.Join(lastErr, fmt.Errorf("retry backoff: %w", err))
			break
		}
	}
	return monitor.FetchResult{}, "", attempt, lastErr
}

func (j *Job) buildSnapshot(targetID, value string, res comparator.Result) (monitor.Snapshot, error) {
	id, err := j.deps.IDs.NewID()
	if err != nil {
		return monitor.Snapshot{}, fmt.Errorf("snapshot id: %w", err)
	}
	now := j.deps.Clock.Now()
	return monitor.Snapshot{
		ID:               id,
		TargetID:         targetID,
		Value:            value,
		IsExpectedValue:  res.IsExpectedValue,
		IsChangeDetected: res.IsChangeDetected,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (j *Job) archive(ctx context.Context, log *zap.Logger, snap *monitor.Snapshot, page monitor.FetchResult) {
	if j.deps.Archiver == nil {
		return
	}
	hash, uri, err := j.deps.Archiver.Archive(ctx, snap.TargetID, page.Body, page.ContentType)
	if err != nil {
		log.Warn("archive page failed", zap.Error(err))
		return
	}
	snap.ContentHash = hash
	snap.ArchiveURI = uri
}

func (j *Job) prune(ctx context.Context, log *zap.Logger, targetID string) {
	if j.cfg.MaxSnapshotsPerTarget <= 0 {
		return
	}
	removed, err := j.deps.Snapshots.PruneSnapshots(ctx, targetID, j.cfg.MaxSnapshotsPerTarget)
	if err != nil {
		log.Warn("prune snapshots failed", zap.Error(err))
		return
	}
	if removed > 0 {
		log.Debug("pruned snapshots", zap.Int("removed", removed))
	}
}

func (j *Job) notify(
	ctx context.Context,
	log *zap.Logger,
	target monitor.Target,
	snap monitor.Snapshot,
	res comparator.Result,
	prev *monitor.Snapshot,
) bool {
	if !j.cfg.NotificationsEnabled || j.deps.Notifier == nil {
		return false
	}
	if !comparator.ShouldNotify(res, prev, target) {
		return false
	}
	if err := j.deps.Notifier.Notify(ctx, target, snap); err != nil {
		metrics.ObserveNotification("error")
		notifyErr := &monitor.NotifierError{TargetID: target.ID, Err: err}
		log.Error("notifier failed", zap.Error(notifyErr))
		return false
	}
	metrics.ObserveNotification("ok")
	return true
}

func (j *Job) fail(log *zap.Logger, out monitor.Outcome, err error) monitor.Outcome {
	out.Status = monitor.OutcomeFailed
	out.Err = err
	log.Error("monitor job failed", zap.Int("attempts", out.Attempts), zap.Error(err))
	return out
}
