package engine

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls exponential backoff retry of failed external calls.
// The zero value disables retries.
type RetryPolicy struct {
	MaxRetries int           // max retry attempts (0 = no retry)
	BaseDelay  time.Duration // initial backoff delay
	MaxDelay   time.Duration // maximum backoff delay
}

// do runs fn, retrying on error with exponential backoff + jitter.
// Returns nil on the first success, otherwise the last error. Waiting
// between attempts stops early when ctx is done.
func (p RetryPolicy) do(ctx context.Context, fn func() error) (attempts int, err error) {
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return attempt + 1, nil
		}
		if attempt == p.MaxRetries {
			break
		}

		timer := time.NewTimer(backoffWithJitter(p.BaseDelay, p.MaxDelay, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt + 1, err
		case <-timer.C:
		}
	}
	return p.MaxRetries + 1, err
}

// backoffWithJitter computes delay = min(base * 2^attempt, max) + jitter(±25%).
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	delay := base << uint(attempt)
	if max > 0 && (delay > max || delay <= 0) {
		delay = max
	}

	quarter := delay / 4
	if quarter > 0 {
		jitter := time.Duration(rand.Int64N(int64(quarter*2))) - quarter
		delay += jitter
	}
	return delay
}
