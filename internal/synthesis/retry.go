package synthesis

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy decides, per failed attempt, whether a chunk is retried and
// after what delay. It is deliberately decoupled from the transport so it can
// be exercised without an engine.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// schedule returns a fresh jittered exponential delay sequence for one chunk.
func (p RetryPolicy) schedule() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	return b
}

// Next reports whether the given 0-based attempt that failed with err should
// be retried, and the delay to wait first. Only transient engine errors are
// ever retried.
func (p RetryPolicy) Next(attempt int, err error, delays *backoff.ExponentialBackOff) (time.Duration, bool) {
	if attempt >= p.MaxRetries {
		return 0, false
	}
	if !Retryable(err) {
		return 0, false
	}
	return delays.NextBackOff(), true
}
