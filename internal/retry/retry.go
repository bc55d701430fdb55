// Package retry wraps fallible operations with bounded retry and exponential
// backoff. Collaborator clients (article fetcher, GitHub publisher, platform
// token issuer) decide per call which failures are worth retrying.
package retry

import (
	"context"
	"time"
)

// Options controls the retry loop.
type Options struct {
	// MaxRetries is the number of retries after the first attempt, so the
	// loop runs at most MaxRetries+1 times. Negative values mean no retries.
	MaxRetries int
	// BaseDelay is the wait before the first retry; each subsequent wait
	// doubles (BaseDelay * 2^attempt, attempt 0-based).
	BaseDelay time.Duration
	// ShouldRetry classifies an error as transient. nil retries everything.
	ShouldRetry func(error) bool
}

// Do runs op until it succeeds, retries are exhausted, ShouldRetry rejects
// the error, or ctx is done. The last error is returned unchanged; callers
// keep their own error taxonomy.
func Do(ctx context.Context, op func(ctx context.Context) error, opts Options) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt >= opts.MaxRetries {
			return lastErr
		}
		if opts.ShouldRetry != nil && !opts.ShouldRetry(lastErr) {
			return lastErr
		}
		delay := opts.BaseDelay << uint(attempt)
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
}
