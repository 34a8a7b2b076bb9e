package reliability

import (
	"context"
	"net/http"
	"time"
)

// IsRetryableHTTPStatus reports whether a remote actor or model status is worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	// Retryable decides whether an error is worth another attempt. Nil retries every error.
	Retryable func(error) bool
	// OnRetry, if set, observes each failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Do runs op until it succeeds, returns a non-retryable error, or runs out of attempts.
// It waits ExponentialBackoff between attempts and stops early when ctx ends.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ExponentialBackoff(attempt-1, p.Base, p.Cap)):
			}
		}
		err = op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt+1 < attempts && p.OnRetry != nil {
			p.OnRetry(attempt+1, err)
		}
	}
	return err
}
