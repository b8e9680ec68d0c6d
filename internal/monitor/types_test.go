package monitor

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestParseChangeType(t *testing.T) {
	t.Parallel()

	ct, err := ParseChangeType("ValueCheck", strPtr("42"))
	require.NoError(t, err)
	expected, ok := ExpectedValue(ct)
	require.True(t, ok)
	require.Equal(t, "42", expected)

	ct, err = ParseChangeType("ChangeDetection", nil)
	require.NoError(t, err)
	require.Equal(t, ChangeKindChangeDetection, ct.Kind())
	_, ok = ExpectedValue(ct)
	require.False(t, ok)

	_, err = ParseChangeType("ChangeDetection", strPtr("42"))
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = ParseChangeType("ValueCheck", nil)
	require.ErrorIs(t, err, ErrInvalidTarget)

	_, err = ParseChangeType("Whatever", nil)
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestParseSelectorType(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"CssSelector", "XPath", "Attribute", "Id", "Class"} {
		st, err := ParseSelectorType(raw)
		require.NoError(t, err)
		require.Equal(t, SelectorType(raw), st)
	}
	_, err := ParseSelectorType("Regex")
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func validTarget() Target {
	return Target{
		ResourceID:    "res-1",
		DisplayName:   "Price",
		URL:           "https://shop.example.com/item",
		CronSchedule:  "*/5 * * * *",
		Change:        ChangeDetection{},
		HTMLTag:       "span",
		SelectorType:  SelectorCSS,
		SelectorValue: "#price",
	}
}

func TestTargetValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validTarget().Validate())

	tests := []struct {
		name   string
		mutate func(*Target)
		want   string
	}{
		{"missing resource", func(t *Target) { t.ResourceID = "" }, "resourceId"},
		{"long display name", func(t *Target) { t.DisplayName = strings.Repeat("x", 21) }, "displayName"},
		{"relative url", func(t *Target) { t.URL = "/item" }, "url"},
		{"ftp url", func(t *Target) { t.URL = "ftp://example.com" }, "url"},
		{"missing cron", func(t *Target) { t.CronSchedule = " " }, "cronSchedule"},
		{"missing tag", func(t *Target) { t.HTMLTag = "" }, "htmlTag"},
		{"missing selector", func(t *Target) { t.SelectorValue = "" }, "selectorValue"},
		{"bad selector type", func(t *Target) { t.SelectorType = "Regex" }, "selectorType"},
		{"nil change type", func(t *Target) { t.Change = nil }, "changeType"},
		{"long expected", func(t *Target) { t.Change = ValueCheck{Expected: strings.Repeat("9", 101)} }, "expectedValue"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			target := validTarget()
			tt.mutate(&target)
			err := target.Validate()
			require.ErrorIs(t, err, ErrInvalidTarget)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPageRequestNormalize(t *testing.T) {
	t.Parallel()

	p := PageRequest{}.Normalize(25)
	require.Equal(t, 1, p.Page)
	require.Equal(t, 25, p.Count)
	require.Equal(t, SortDescending, p.SortDirection)
	require.Equal(t, SortByCreatedAt, p.SortBy)
	require.Equal(t, 0, p.Offset())

	p = PageRequest{Page: 3, Count: 10, SortDirection: SortAscending}.Normalize(25)
	require.Equal(t, 20, p.Offset())
	require.Equal(t, SortAscending, p.SortDirection)
}

func TestErrorTaxonomyUnwraps(t *testing.T) {
	t.Parallel()

	parseErr := errors.New("expected 5 fields")
	var err error = &InvalidScheduleError{Expr: "bad", Err: parseErr}
	require.ErrorIs(t, err, ErrInvalidSchedule)
	require.ErrorIs(t, err, parseErr)

	fetchErr := &FetchError{Kind: FetchHTTPStatus, URL: "https://x", StatusCode: 503}
	jobErr := fmt.Errorf("run: %w", &JobFailedError{TargetID: "t1", Attempts: 3, Cause: fetchErr})
	var gotFetch *FetchError
	require.ErrorAs(t, jobErr, &gotFetch)
	require.Equal(t, 503, gotFetch.StatusCode)
	require.True(t, gotFetch.Retryable())
	require.False(t, (&FetchError{Kind: FetchHTTPStatus, StatusCode: 404}).Retryable())
	require.True(t, (&FetchError{Kind: FetchHTTPStatus, StatusCode: 429}).Retryable())
	require.False(t, (&FetchError{Kind: FetchTooLarge}).Retryable())
}
