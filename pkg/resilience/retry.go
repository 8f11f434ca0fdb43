package resilience

import "time"

// RetryPolicy retries transient failures with a fixed backoff. It is
// deliberately simple: the callers that use it (store writes, webhook
// deliveries) run on background workers where a short sleep is cheap.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries <= 0 {
		maxRetries = 2
	}
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

// Do runs fn up to MaxRetries+1 times, returning the last error.
func (r RetryPolicy) Do(fn func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == r.MaxRetries {
			return err
		}
		time.Sleep(r.Backoff)
	}
}
