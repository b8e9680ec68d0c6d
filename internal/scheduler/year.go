package scheduler

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Quartz year bounds.
const (
	minYear = 1970
	maxYear = 2099
)

var errYearField = errors.New("year field must be *, a year, a range such as 2025-2027, or a comma list of those")

// splitYear separates the trailing year of a seven-field Quartz expression.
func splitYear(expr string) (string, string) {
	fields := strings.Fields(expr)
	want := 7
	if len(fields) > 0 && (strings.HasPrefix(fields[0], "TZ=") || strings.HasPrefix(fields[0], "CRON_TZ=")) {
		want++
	}
	if len(fields) != want {
		return expr, ""
	}
	return strings.Join(fields[:want-1], " "), fields[want-1]
}

type yearRange struct{ lo, hi int }

func parseYears(field string) ([]yearRange, error) {
	var out []yearRange
	for _, part := range strings.Split(field, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		from, err := parseYear(lo)
		if err != nil {
			return nil, err
		}
		to := from
		if isRange {
			if to, err = parseYear(hi); err != nil {
				return nil, err
			}
		}
		if to < from {
			return nil, fmt.Errorf("%w: %q runs backwards", errYearField, part)
		}
		out = append(out, yearRange{lo: from, hi: to})
	}
	return out, nil
}

func parseYear(s string) (int, error) {
	y, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", errYearField, s)
	}
	if y < minYear || y > maxYear {
		return 0, fmt.Errorf("year %d outside %d-%d", y, minYear, maxYear)
	}
	return y, nil
}

// yearSchedule limits an inner schedule to the listed years.
type yearSchedule struct {
	inner cron.Schedule
	years []yearRange
}

func (s *yearSchedule) Next(t time.Time) time.Time {
	for {
		next := s.inner.Next(t)
		if next.IsZero() || s.allows(next.Year()) {
			return next
		}
		y, ok := s.after(next.Year())
		if !ok {
			return time.Time{}
		}
		t = time.Date(y, time.January, 1, 0, 0, 0, 0, next.Location()).Add(-time.Second)
	}
}

func (s *yearSchedule) allows(y int) bool {
	for _, r := range s.years {
		if y >= r.lo && y <= r.hi {
			return true
		}
	}
	return false
}

// after returns the first allowed year later than y.
func (s *yearSchedule) after(y int) (int, bool) {
	best, found := 0, false
	for _, r := range s.years {
		c := max(r.lo, y+1)
		if c > r.hi {
			continue
		}
		if !found || c < best {
			best, found = c, true
		}
	}
	return best, found
}
