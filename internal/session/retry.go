package session

import (
	"context"
	"time"

	"github.com/soyeahso/tokengate/internal/domain"
	"github.com/soyeahso/tokengate/internal/provider"
)

// retryPolicy bounds automatic retries of provider-call initiation.
// Only transient errors with zero chunks emitted are retried; once output
// has started streaming a failure is never retried.
type retryPolicy struct {
	attempts  int
	baseDelay time.Duration
}

func newRetryPolicy(attempts int, baseDelay time.Duration) retryPolicy {
	if attempts < 1 {
		attempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 250 * time.Millisecond
	}
	return retryPolicy{attempts: attempts, baseDelay: baseDelay}
}

// retryable reports whether err is classified transient.
func retryable(err error) bool {
	return provider.Classify(err) == domain.FaultProviderTransient
}

// wait sleeps the exponential backoff delay for the given zero-based
// attempt, or returns early when ctx is cancelled.
func (p retryPolicy) wait(ctx context.Context, attempt int) error {
	delay := p.baseDelay << attempt
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
