// Package notifier defines the change event delivered to notifiers and
// helpers shared by the notifier backends.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// Event is the payload a notifier publishes for a snapshot worth reporting.
type Event struct {
	TargetID         string    `json:"targetId"`
	ResourceID       string    `json:"resourceId"`
	DisplayName      string    `json:"displayName"`
	URL              string    `json:"url"`
	ChangeType       string    `json:"changeType"`
	ExpectedValue    *string   `json:"expectedValue,omitempty"`
	SnapshotID       string    `json:"snapshotId"`
	Value            string    `json:"value"`
	IsExpectedValue  bool      `json:"isExpectedValue"`
	IsChangeDetected bool      `json:"isChangeDetected"`
	ArchiveURI       string    `json:"archiveUri,omitempty"`
	DetectedAt       time.Time `json:"detectedAt"`
}

// NewEvent builds the event for a target and its new snapshot.
func NewEvent(target monitor.Target, snap monitor.Snapshot) Event {
	ev := Event{
		TargetID:         target.ID,
		ResourceID:       target.ResourceID,
		DisplayName:      target.DisplayName,
		URL:              target.URL,
		SnapshotID:       snap.ID,
		Value:            snap.Value,
		IsExpectedValue:  snap.IsExpectedValue,
		IsChangeDetected: snap.IsChangeDetected,
		ArchiveURI:       snap.ArchiveURI,
		DetectedAt:       snap.CreatedAt,
	}
	if target.Change != nil {
		ev.ChangeType = string(target.Change.Kind())
		if expected, ok := monitor.ExpectedValue(target.Change); ok {
			ev.ExpectedValue = &expected
		}
	}
	return ev
}

// Multi fans a notification out to several notifiers. Every notifier is
// called; the failures are joined.
type Multi []monitor.Notifier

// Notify implements monitor.Notifier.
func (m Multi) Notify(ctx context.Context, target monitor.Target, snap monitor.Snapshot) error {
	var errs []error
	for i, n := range m {
		if err := n.Notify(ctx, target, snap); err != nil {
			errs = append(errs, fmt.Errorf("notifier %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
