// Package headless contains fetchers that execute JavaScript via browsers.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/webpage-change-monitor/internal/metrics"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// MaxBodyBytes caps the size of the rendered document.
	MaxBodyBytes int
	Headers      http.Header
}

// Waiter delays a navigation until the host's rate limit allows it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements monitor.Fetcher using chromedp and headless Chrome.
// It is meant for targets whose monitored value only exists after scripts run.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	rate        Waiter
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless fetcher backed by chromedp. rate may be nil.
func NewChromedp(cfg Config, rate Waiter) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}

	return &Fetcher{
		cfg:         cfg,
		limiter:     limiter,
		rate:        rate,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Fetch navigates with a headless browser and returns the fully rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (monitor.FetchResult, error) {
	if err := f.acquire(ctx); err != nil {
		return monitor.FetchResult{}, err
	}
	defer f.release()
	if f.rate != nil {
		if err := f.rate.Wait(ctx, rawURL); err != nil {
			return monitor.FetchResult{}, fmt.Errorf("headless fetch canceled: %w", err)
		}
	}
	if timeout <= 0 {
		timeout = f.navTimeout()
	}

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, timeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(taskCtx, meta.captureEvent)

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, rawURL)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return monitor.FetchResult{}, fmt.Errorf("headless fetch canceled: %w", ctx.Err())
		}
		fetchErr := &monitor.FetchError{Kind: monitor.FetchConnectionFailed, URL: rawURL, Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			fetchErr.Kind = monitor.FetchTimeout
		}
		metrics.ObserveFetch(rawURL, string(fetchErr.Kind), duration, 0)
		return monitor.FetchResult{}, fetchErr
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(rawURL, finalURL)
	res := monitor.FetchResult{
		URL:         responseURL,
		StatusCode:  status,
		ContentType: headers.Get("Content-Type"),
		Body:        []byte(html),
		Duration:    duration,
	}
	if err := f.check(rawURL, res); err != nil {
		metrics.ObserveFetch(rawURL, string(err.Kind), duration, 0)
		return monitor.FetchResult{}, err
	}
	metrics.ObserveFetch(rawURL, "ok", duration, len(res.Body))
	return res, nil
}

// check applies the status and size rules shared with the plain HTTP fetcher.
func (f *Fetcher) check(rawURL string, res monitor.FetchResult) *monitor.FetchError {
	if res.StatusCode >= http.StatusBadRequest {
		return &monitor.FetchError{Kind: monitor.FetchHTTPStatus, URL: rawURL, StatusCode: res.StatusCode}
	}
	if len(res.Body) > f.cfg.MaxBodyBytes {
		return &monitor.FetchError{
			Kind: monitor.FetchTooLarge,
			URL:  rawURL,
			Err:  fmt.Errorf("rendered document exceeds %d bytes", f.cfg.MaxBodyBytes),
		}
	}
	return nil
}

func (f *Fetcher) runHeadless(ctx context.Context, rawURL string) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(f.cfg.Headers),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(500 * time.Millisecond),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.limiter == nil {
		return
	}
	select {
	case <-f.limiter:
	default:
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}

	if status == 0 {
		status = http.StatusOK
	}
	return status, headers, url
}

func (f *Fetcher) navTimeout() time.Duration {
	if f.cfg.NavigationTimeout > 0 {
		return f.cfg.NavigationTimeout
	}
	return 45 * time.Second
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
