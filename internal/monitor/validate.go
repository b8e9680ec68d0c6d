package monitor

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"
)

// Field limits inherited from the public target contract.
const (
	MaxDisplayNameLen   = 20
	MaxDescriptionLen   = 50
	MaxHTMLTagLen       = 20
	MaxSelectorValueLen = 50
	MaxExpectedValueLen = 100
)

// Validate checks the structural invariants of a target. Cron syntax is checked by the scheduler.
func (t Target) Validate() error {
	if strings.TrimSpace(t.ResourceID) == "" {
		return fmt.Errorf("%w: resourceId is required", ErrInvalidTarget)
	}
	if err := checkLen("displayName", t.DisplayName, 1, MaxDisplayNameLen); err != nil {
		return err
	}
	if t.Description != "" {
		if err := checkLen("description", t.Description, 1, MaxDescriptionLen); err != nil {
			return err
		}
	}
	if err := validateURL(t.URL); err != nil {
		return err
	}
	if strings.TrimSpace(t.CronSchedule) == "" {
		return fmt.Errorf("%w: cronSchedule is required", ErrInvalidTarget)
	}
	if err := checkLen("htmlTag", t.HTMLTag, 1, MaxHTMLTagLen); err != nil {
		return err
	}
	if _, err := ParseSelectorType(string(t.SelectorType)); err != nil {
		return err
	}
	if err := checkLen("selectorValue", t.SelectorValue, 1, MaxSelectorValueLen); err != nil {
		return err
	}
	switch ct := t.Change.(type) {
	case ValueCheck:
		if err := checkLen("expectedValue", ct.Expected, 1, MaxExpectedValueLen); err != nil {
			return err
		}
	case ChangeDetection:
	default:
		return fmt.Errorf("%w: changeType is required", ErrInvalidTarget)
	}
	return nil
}

func checkLen(field, value string, minLen, maxLen int) error {
	n := utf8.RuneCountInString(strings.TrimSpace(value))
	if n < minLen {
		return fmt.Errorf("%w: %s is required", ErrInvalidTarget, field)
	}
	if n > maxLen {
		return fmt.Errorf("%w: %s must be at most %d characters", ErrInvalidTarget, field, maxLen)
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidTarget, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: url must be absolute http(s)", ErrInvalidTarget)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: url host is required", ErrInvalidTarget)
	}
	return nil
}
