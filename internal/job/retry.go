package job

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"time"

	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

// RetryPolicy decides whether a failed attempt is retried and how long to wait.
type RetryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewRetryPolicy builds a policy from the configured options, falling back to
// three attempts and a 5s cap. A zero base delay retries immediately.
func NewRetryPolicy(opts monitor.JobRetryOptions) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BackoffBase,
		maxDelay:    opts.BackoffMax,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay < 0 {
		p.baseDelay = 0
	}
	if p.maxDelay <= 0 {
		p.maxDelay = 5 * time.Second
	}
	return p
}

// MaxAttempts is the number of attempts a firing may make.
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// ShouldRetry decides whether the error of attempt (1-based) is worth another attempt.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.maxAttempts {
		return false
	}
	// A fetch timeout is the fetcher's own deadline and stays retryable.
	var fetchErr *monitor.FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Retryable()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// Backoff returns the wait before the attempt following attempt (1-based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	if p.baseDelay == 0 {
		return 0
	}
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
