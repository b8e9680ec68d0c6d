// Package collyfetcher implements monitor.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/webpage-change-monitor/internal/metrics"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 5 << 20
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	// Timeout applies when a caller passes a zero timeout.
	Timeout time.Duration
	// MaxBodyBytes is the response size ceiling. Larger bodies fail with FetchTooLarge.
	MaxBodyBytes int
	Headers      http.Header
}

// Waiter delays a request until the host's rate limit allows it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements monitor.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponseHeaders(colly.ResponseHeadersCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchState is filled in by the collector callbacks of one fetch.
type fetchState struct {
	result   monitor.FetchResult
	got      bool
	tooLarge int64
	err      error
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBytes
	}

	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodyBytes+1),
	)
	c.IgnoreRobotsTxt = !cfg.RespectRobots
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(newHTTPTransport())
	// Per-fetch deadlines come from the request context.
	c.SetRequestTimeout(0)

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET using Colly.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, timeout time.Duration) (monitor.FetchResult, error) {
	if timeout <= 0 {
		timeout = f.cfg.Timeout
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return monitor.FetchResult{}, fmt.Errorf("colly fetch canceled: %w", err)
		}
	}

	fetchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	state := &fetchState{}
	collector := f.baseCollector.Clone()
	collector.Context = fetchCtx
	f.configureCollectorHooks(collector, start, state)

	visitErr := collector.Visit(rawURL)
	res, err := f.classify(ctx, rawURL, state, visitErr)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveFetch(rawURL, resultLabel(err), duration, 0)
		return monitor.FetchResult{}, err
	}
	metrics.ObserveFetch(rawURL, "ok", duration, len(res.Body))
	return res, nil
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, state *fetchState) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range f.cfg.Headers {
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})

	hooks.OnResponseHeaders(func(r *colly.Response) {
		if r.Headers == nil {
			return
		}
		if n, err := strconv.ParseInt(r.Headers.Get("Content-Length"), 10, 64); err == nil && n > int64(f.cfg.MaxBodyBytes) {
			state.tooLarge = n
			r.Request.Abort()
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		state.got = true
		state.result = monitor.FetchResult{
			URL:         r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: contentType,
			Body:        append([]byte(nil), r.Body...),
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		state.err = err
	})
}

func (f *Fetcher) classify(ctx context.Context, rawURL string, state *fetchState, visitErr error) (monitor.FetchResult, error) {
	if state.tooLarge > 0 {
		return monitor.FetchResult{}, &monitor.FetchError{
			Kind: monitor.FetchTooLarge,
			URL:  rawURL,
			Err:  fmt.Errorf("content length %d exceeds %d bytes", state.tooLarge, f.cfg.MaxBodyBytes),
		}
	}
	if ctx.Err() != nil {
		return monitor.FetchResult{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	}

	err := visitErr
	if err == nil {
		err = state.err
	}
	if err != nil {
		return monitor.FetchResult{}, classifyTransportError(rawURL, err)
	}
	if !state.got {
		return monitor.FetchResult{}, &monitor.FetchError{
			Kind: monitor.FetchConnectionFailed,
			URL:  rawURL,
			Err:  errors.New("no response received"),
		}
	}

	res := state.result
	if res.StatusCode >= http.StatusBadRequest {
		return monitor.FetchResult{}, &monitor.FetchError{
			Kind:       monitor.FetchHTTPStatus,
			URL:        rawURL,
			StatusCode: res.StatusCode,
		}
	}
	if len(res.Body) > f.cfg.MaxBodyBytes {
		return monitor.FetchResult{}, &monitor.FetchError{
			Kind: monitor.FetchTooLarge,
			URL:  rawURL,
			Err:  fmt.Errorf("body exceeds %d bytes", f.cfg.MaxBodyBytes),
		}
	}
	return res, nil
}

func classifyTransportError(rawURL string, err error) error {
	if errors.Is(err, colly.ErrRobotsTxtBlocked) {
		return &monitor.FetchError{Kind: monitor.FetchHTTPStatus, URL: rawURL, StatusCode: http.StatusForbidden, Err: err}
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &monitor.FetchError{Kind: monitor.FetchTimeout, URL: rawURL, Err: err}
	}
	return &monitor.FetchError{Kind: monitor.FetchConnectionFailed, URL: rawURL, Err: err}
}

func resultLabel(err error) string {
	var fetchErr *monitor.FetchError
	if errors.As(err, &fetchErr) {
		return string(fetchErr.Kind)
	}
	return "canceled"
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
