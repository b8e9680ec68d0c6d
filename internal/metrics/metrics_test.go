package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	first := jobRunsTotal
	Init()
	if jobRunsTotal != first {
		t.Fatal("Init() replaced collectors on second call")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	before := testutil.ToFloat64(jobRunsTotal.WithLabelValues("failed"))
	ObserveJob("failed")
	if got := testutil.ToFloat64(jobRunsTotal.WithLabelValues("failed")); got != before+1 {
		t.Errorf("expected monitor_job_runs_total{outcome=failed} to be %f, got %f", before+1, got)
	}

	skipped := testutil.ToFloat64(firingsSkippedTotal)
	ObserveSkippedFiring()
	if got := testutil.ToFloat64(firingsSkippedTotal); got != skipped+1 {
		t.Errorf("expected skipped firings to increase, got %f", got)
	}

	SetRegisteredTargets(7)
	if got := testutil.ToFloat64(registeredTargets); got != 7 {
		t.Errorf("expected registered targets gauge 7, got %f", got)
	}

	ObserveFetch("https://shop.example.com/item", "ok", 150*time.Millisecond, 2048)
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("shop.example.com")); got < 2048 {
		t.Errorf("expected fetched bytes to be recorded, got %f", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
