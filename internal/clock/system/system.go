// Package system provides the wall clock used for snapshot and catalog timestamps.
package system

import "time"

// Clock implements monitor.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds, the precision
// Postgres and SQLite keep, so stored and in-memory timestamps compare equal.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
