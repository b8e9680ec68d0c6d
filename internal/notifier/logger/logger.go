// Package logger reports changes through the structured application log.
package logger

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
	"github.com/JakeFAU/webpage-change-monitor/internal/notifier"
)

// Notifier logs each change event at info level.
type Notifier struct {
	logger *zap.Logger
}

// New returns a logging Notifier.
func New(logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{logger: logger}
}

// Notify implements monitor.Notifier. It never fails.
func (n *Notifier) Notify(_ context.Context, target monitor.Target, snap monitor.Snapshot) error {
	ev := notifier.NewEvent(target, snap)
	fields := []zap.Field{
		zap.String("target_id", ev.TargetID),
		zap.String("resource_id", ev.ResourceID),
		zap.String("display_name", ev.DisplayName),
		zap.String("url", ev.URL),
		zap.String("change_type", ev.ChangeType),
		zap.String("snapshot_id", ev.SnapshotID),
		zap.String("value", ev.Value),
		zap.Bool("change_detected", ev.IsChangeDetected),
		zap.Bool("expected_value_matched", ev.IsExpectedValue),
	}
	if ev.ExpectedValue != nil {
		fields = append(fields, zap.String("expected_value", *ev.ExpectedValue))
	}
	if ev.ArchiveURI != "" {
		fields = append(fields, zap.String("archive_uri", ev.ArchiveURI))
	}
	n.logger.Info("target change", fields...)
	return nil
}
