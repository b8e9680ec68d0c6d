// Package monitor defines the domain types and contracts shared by the change-monitoring engine.
package monitor

import (
	"fmt"
	"strings"
	"time"
)

// ChangeKind names the variant carried by a ChangeType.
type ChangeKind string

// Change kinds as persisted and exchanged over the API.
const (
	ChangeKindValueCheck      ChangeKind = "ValueCheck"
	ChangeKindChangeDetection ChangeKind = "ChangeDetection"
)

// ChangeType is a sealed variant: either ValueCheck (with an expected value) or ChangeDetection.
type ChangeType interface {
	Kind() ChangeKind
	isChangeType()
}

// ValueCheck targets are compared against a fixed expected value.
type ValueCheck struct {
	Expected string
}

// Kind implements ChangeType.
func (ValueCheck) Kind() ChangeKind { return ChangeKindValueCheck }

func (ValueCheck) isChangeType() {}

// ChangeDetection targets are only watched for any change between snapshots.
type ChangeDetection struct{}

// Kind implements ChangeType.
func (ChangeDetection) Kind() ChangeKind { return ChangeKindChangeDetection }

func (ChangeDetection) isChangeType() {}

// ParseChangeType builds the variant from its flattened (kind, expected) form.
// An expected value on a ChangeDetection target is rejected.
func ParseChangeType(kind string, expected *string) (ChangeType, error) {
	switch ChangeKind(strings.TrimSpace(kind)) {
	case ChangeKindValueCheck:
		if expected == nil || strings.TrimSpace(*expected) == "" {
			return nil, fmt.Errorf("%w: expectedValue is required for ValueCheck", ErrInvalidTarget)
		}
		return ValueCheck{Expected: *expected}, nil
	case ChangeKindChangeDetection:
		if expected != nil {
			return nil, fmt.Errorf("%w: expectedValue is only allowed for ValueCheck", ErrInvalidTarget)
		}
		return ChangeDetection{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown changeType %q", ErrInvalidTarget, kind)
	}
}

// ExpectedValue returns the expected value of a ValueCheck change type.
func ExpectedValue(ct ChangeType) (string, bool) {
	if vc, ok := ct.(ValueCheck); ok {
		return vc.Expected, true
	}
	return "", false
}

// SelectorType picks the extraction strategy for a target.
type SelectorType string

// Supported selector strategies.
const (
	SelectorCSS       SelectorType = "CssSelector"
	SelectorXPath     SelectorType = "XPath"
	SelectorAttribute SelectorType = "Attribute"
	SelectorID        SelectorType = "Id"
	SelectorClass     SelectorType = "Class"
)

// ParseSelectorType rejects unknown selector strategies.
func ParseSelectorType(raw string) (SelectorType, error) {
	switch st := SelectorType(strings.TrimSpace(raw)); st {
	case SelectorCSS, SelectorXPath, SelectorAttribute, SelectorID, SelectorClass:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown selectorType %q", ErrInvalidTarget, raw)
	}
}

// Resource groups targets, e.g. one monitored site or project.
type Resource struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Target is one monitored page configuration.
type Target struct {
	ID            string
	ResourceID    string
	DisplayName   string
	Description   string
	URL           string
	CronSchedule  string
	Change        ChangeType
	HTMLTag       string
	SelectorType  SelectorType
	SelectorValue string
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot is one extraction result for a target.
type Snapshot struct {
	ID               string    `json:"id"`
	TargetID         string    `json:"targetId"`
	Value            string    `json:"value"`
	IsExpectedValue  bool      `json:"isExpectedValue"`
	IsChangeDetected bool      `json:"isChangeDetected"`
	ContentHash      string    `json:"contentHash,omitempty"`
	ArchiveURI       string    `json:"archiveUri,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// SortDirection orders paginated queries.
type SortDirection string

// Sort directions accepted by list queries.
const (
	SortAscending  SortDirection = "Ascending"
	SortDescending SortDirection = "Descending"
)

// Sort keys accepted by list queries. Unknown keys sort by creation time.
const (
	SortByCreatedAt   = "createdAt"
	SortByUpdatedAt   = "updatedAt"
	SortByName        = "name"
	SortByDisplayName = "displayName"
)

// PageRequest describes a 1-based page of a list query.
type PageRequest struct {
	Page          int
	Count         int
	SortDirection SortDirection
	SortBy        string
}

// Offset returns the zero-based row offset of the page.
func (p PageRequest) Offset() int {
	if p.Page <= 1 {
		return 0
	}
	return (p.Page - 1) * p.Count
}

// Normalize fills page defaults and clamps invalid values.
func (p PageRequest) Normalize(defaultCount int) PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Count <= 0 {
		p.Count = defaultCount
	}
	if p.Count <= 0 {
		p.Count = 10
	}
	if p.SortDirection != SortAscending {
		p.SortDirection = SortDescending
	}
	if p.SortBy == "" {
		p.SortBy = SortByCreatedAt
	}
	return p
}

// FetchResult is returned by a Fetcher for a successful retrieval.
type FetchResult struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}

// JobRetryOptions bounds the retries of one firing.
type JobRetryOptions struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// ChangeMonitorOptions is the configuration surface consumed by the engine.
type ChangeMonitorOptions struct {
	DefaultResourcePageSize       int
	DefaultTargetPageSize         int
	DefaultTargetSnapshotPageSize int
	AreNotificationsEnabled       bool
	JobRetry                      JobRetryOptions
}

// OutcomeStatus is the terminal state of one firing.
type OutcomeStatus string

// Outcome statuses.
const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeSkipped   OutcomeStatus = "skipped"
)

// Outcome summarizes one Monitor Job run.
type Outcome struct {
	TargetID   string        `json:"targetId"`
	Status     OutcomeStatus `json:"status"`
	Attempts   int           `json:"attempts"`
	Snapshot   *Snapshot     `json:"snapshot,omitempty"`
	Notified   bool          `json:"notified"`
	Err        error         `json:"-"`
	StartedAt  time.Time     `json:"startedAt"`
	FinishedAt time.Time     `json:"finishedAt"`
}

// Error returns the failure text, if any.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
