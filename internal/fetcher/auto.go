// Package fetcher composes the plain HTTP and headless fetchers.
package fetcher

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

const defaultPromoteThreshold = 2048

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte(`id="root"`),
	[]byte(`id="app"`),
	[]byte("data-reactroot"),
	[]byte("ng-version"),
}

// Auto fetches with the plain fetcher first and re-fetches through the headless one
// when the page looks like an unrendered single-page app.
type Auto struct {
	plain     monitor.Fetcher
	headless  monitor.Fetcher
	threshold int
	logger    *zap.Logger
}

// NewAuto builds an Auto fetcher. A zero threshold uses 2 KiB.
func NewAuto(plain, headless monitor.Fetcher, threshold int, logger *zap.Logger) *Auto {
	if threshold <= 0 {
		threshold = defaultPromoteThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Auto{plain: plain, headless: headless, threshold: threshold, logger: logger}
}

// Fetch implements monitor.Fetcher.
func (a *Auto) Fetch(ctx context.Context, url string, timeout time.Duration) (monitor.FetchResult, error) {
	res, err := a.plain.Fetch(ctx, url, timeout)
	if err != nil {
		return monitor.FetchResult{}, err //nolint:wrapcheck // fetch errors are typed and already carry the URL
	}
	if a.headless == nil || !ShouldRender(res, a.threshold) {
		return res, nil
	}

	rendered, err := a.headless.Fetch(ctx, url, timeout)
	if err != nil {
		a.logger.Warn("headless render failed, using plain response", zap.String("url", url), zap.Error(err))
		return res, nil
	}
	a.logger.Debug("page rendered headless", zap.String("url", url))
	return rendered, nil
}

// ShouldRender reports whether a plain response most likely needs JavaScript to show its content.
func ShouldRender(res monitor.FetchResult, threshold int) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	if len(res.Body) == 0 {
		return true
	}
	if len(res.Body) < threshold && scriptHeavy(res.Body) {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(res.Body, marker) {
			return true
		}
	}
	return false
}

// scriptHeavy reports whether at least a quarter of the document is inside script elements.
func scriptHeavy(body []byte) bool {
	lower := bytes.ToLower(body)
	total := len(lower)
	openTag := []byte("<script")
	closeTag := []byte("</script>")

	covered := 0
	pos := 0
	for pos < total {
		i := bytes.Index(lower[pos:], openTag)
		if i < 0 {
			break
		}
		start := pos + i
		j := bytes.Index(lower[start:], closeTag)
		if j < 0 {
			// Unclosed script runs to the end of the document.
			covered += total - start
			break
		}
		end := start + j + len(closeTag)
		covered += end - start
		pos = end
	}
	return covered > 0 && covered*100/total >= 25
}
