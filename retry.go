package traceagent

import (
	"context"
	"time"
)

// retryPolicy retries an operation a bounded number of times with a
// constant backoff. The sleep function is injectable so tests run
// without real waiting.
type retryPolicy struct {
	attempts int
	backoff  time.Duration
	sleep    func(time.Duration)
}

func newRetryPolicy(attempts int, backoff time.Duration) retryPolicy {
	if attempts <= 0 {
		attempts = 1
	}
	if backoff < 0 {
		backoff = 0
	}
	return retryPolicy{attempts: attempts, backoff: backoff, sleep: time.Sleep}
}

// do runs op until it succeeds, reports a non-retryable failure, or the
// attempt budget is exhausted. Context cancellation stops further
// attempts but never interrupts an in-flight one.
func (p retryPolicy) do(ctx context.Context, op func() (retryable bool, err error)) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		retryable, err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || attempt == p.attempts {
			return lastErr
		}
		if ctx != nil && ctx.Err() != nil {
			return lastErr
		}
		if p.backoff > 0 {
			sleep(p.backoff)
		}
	}
	return lastErr
}
