package monitor

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("already exists")
	ErrInvalidTarget   = errors.New("invalid target")
	ErrInvalidResource = errors.New("invalid resource")
	ErrInvalidSchedule = errors.New("invalid schedule")
)

// InvalidScheduleError reports a cron expression rejected at registration.
type InvalidScheduleError struct {
	Expr string
	Err  error
}

func (e *InvalidScheduleError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %v", e.Expr, e.Err)
}

// Unwrap lets errors.Is match both ErrInvalidSchedule and the parser error.
func (e *InvalidScheduleError) Unwrap() []error {
	return []error{ErrInvalidSchedule, e.Err}
}

// FetchErrorKind classifies fetch failures.
type FetchErrorKind string

// Fetch failure kinds.
const (
	FetchTimeout          FetchErrorKind = "timeout"
	FetchConnectionFailed FetchErrorKind = "connection_failed"
	FetchHTTPStatus       FetchErrorKind = "http_status"
	FetchTooLarge         FetchErrorKind = "too_large"
)

// FetchError is returned by fetchers for a failed single attempt.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchHTTPStatus:
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	case FetchTooLarge:
		return fmt.Sprintf("fetch %s: response too large: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt could plausibly succeed.
func (e *FetchError) Retryable() bool {
	switch e.Kind {
	case FetchTooLarge:
		return false
	case FetchHTTPStatus:
		return e.StatusCode >= 500 || e.StatusCode == 408 || e.StatusCode == 429
	default:
		return true
	}
}

// ExtractionErrorKind classifies extraction failures.
type ExtractionErrorKind string

// Extraction failure kinds.
const (
	ExtractionParseFailed    ExtractionErrorKind = "parse_failed"
	ExtractionNoMatch        ExtractionErrorKind = "no_match"
	ExtractionAmbiguousMatch ExtractionErrorKind = "ambiguous_match"
)

// ExtractionError is returned when a value cannot be extracted from a page.
type ExtractionError struct {
	Kind     ExtractionErrorKind
	Selector string
	Err      error
}

func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extract %q: %s: %v", e.Selector, e.Kind, e.Err)
	}
	return fmt.Sprintf("extract %q: %s", e.Selector, e.Kind)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// PersistenceError wraps a snapshot store failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NotifierError wraps a notifier failure. It never fails a job.
type NotifierError struct {
	TargetID string
	Err      error
}

func (e *NotifierError) Error() string {
	return fmt.Sprintf("notify target %s: %v", e.TargetID, e.Err)
}

func (e *NotifierError) Unwrap() error { return e.Err }

// JobFailedError is the outcome error of a firing that wrote no snapshot.
type JobFailedError struct {
	TargetID string
	Attempts int
	Cause    error
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job for target %s failed after %d attempt(s): %v", e.TargetID, e.Attempts, e.Cause)
}

func (e *JobFailedError) Unwrap() error { return e.Cause }
