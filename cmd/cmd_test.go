package cmd

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestCronNextPrintsFireTimes(t *testing.T) {
	out, err := execute(t, "cron-next", "*/15 * * * *", "-n", "3", "--from", "2024-05-01T12:07:00Z")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, []string{
		"2024-05-01T12:15:00Z",
		"2024-05-01T12:30:00Z",
		"2024-05-01T12:45:00Z",
	}, lines)
}

func TestCronNextRejectsBadExpression(t *testing.T) {
	_, err := execute(t, "cron-next", "61 * * * *")
	require.ErrorContains(t, err, "invalid cron expression")
}

func TestCronNextRejectsBadFrom(t *testing.T) {
	_, err := execute(t, "cron-next", "@hourly", "--from", "yesterday")
	require.ErrorContains(t, err, "parse --from")
}

func TestCheckPrintsSelectedValue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><span id="price"> 42 </span><a href="/next" rel="next">more</a></body></html>`)
	}))
	defer srv.Close()

	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("fetch:\n  respect_robots: false\n  rate_limit:\n    rps: 0\n"), 0o600))

	out, err := execute(t, "check", srv.URL, "--config", cfgPath, "--tag", "span", "--selector", "#price")
	require.NoError(t, err)
	require.Equal(t, "42", strings.TrimSpace(out))

	out, err = execute(t, "check", srv.URL, "--config", cfgPath,
		"--tag", "a", "--selector-type", "Attribute", "--selector", "a[rel=next]@href")
	require.NoError(t, err)
	require.Equal(t, "/next", strings.TrimSpace(out))
}

func TestCheckRejectsUnknownSelectorType(t *testing.T) {
	_, err := execute(t, "check", "https://example.com", "--selector-type", "Regex", "--selector", "x")
	require.ErrorContains(t, err, "unknown selectorType")
}

func TestCheckRequiresSelector(t *testing.T) {
	_, err := execute(t, "check", "https://example.com")
	require.ErrorContains(t, err, "selector")
}
