// Package comparator decides whether a freshly extracted value is a change and whether it matches expectations.
package comparator

import (
	"strings"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// Options toggles value normalization before comparison. The zero value compares exactly.
type Options struct {
	TrimSpace     bool
	CollapseSpace bool
	IgnoreCase    bool
}

// Result is the verdict for one snapshot.
type Result struct {
	IsChangeDetected bool
	IsExpectedValue  bool
}

// Comparator compares snapshot values.
type Comparator struct {
	opts Options
}

// New builds a Comparator.
func New(opts Options) *Comparator {
	return &Comparator{opts: opts}
}

// Compare evaluates newValue against the previous snapshot (nil when none exists) and the target's change type.
func (c *Comparator) Compare(newValue string, previous *monitor.Snapshot, target monitor.Target) Result {
	var res Result
	if previous != nil {
		res.IsChangeDetected = c.normalize(previous.Value) != c.normalize(newValue)
	}
	if expected, ok := monitor.ExpectedValue(target.Change); ok {
		res.IsExpectedValue = c.normalize(newValue) == c.normalize(expected)
	}
	return res
}

// ShouldNotify reports whether a result is worth a notification: a detected change, or a
// ValueCheck target whose expectation flipped relative to the previous snapshot.
func ShouldNotify(res Result, previous *monitor.Snapshot, target monitor.Target) bool {
	if res.IsChangeDetected {
		return true
	}
	if previous == nil {
		return false
	}
	if _, ok := monitor.ExpectedValue(target.Change); !ok {
		return false
	}
	return previous.IsExpectedValue != res.IsExpectedValue
}

func (c *Comparator) normalize(v string) string {
	if c.opts.CollapseSpace {
		v = strings.Join(strings.Fields(v), " ")
	} else if c.opts.TrimSpace {
		v = strings.TrimSpace(v)
	}
	if c.opts.IgnoreCase {
		v = strings.ToLower(v)
	}
	return v
}
