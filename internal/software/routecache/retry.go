package routecache

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds route fetches: one attempt plus up to MaxRetries retries,
// waiting Step, 2*Step, 3*Step, ... before each retry.
type RetryPolicy struct {
	MaxRetries int
	Step       time.Duration
}

// DefaultRetryPolicy retries three times after 1s, 2s and 3s.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Step: time.Second}

func (policy RetryPolicy) normalized() RetryPolicy {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = DefaultRetryPolicy.MaxRetries
	}
	if policy.Step <= 0 {
		policy.Step = DefaultRetryPolicy.Step
	}
	return policy
}

// BackOff renders the policy for backoff.Retry.
func (policy RetryPolicy) BackOff() backoff.BackOff {
	policy = policy.normalized()
	return backoff.WithMaxRetries(&linearBackOff{step: policy.Step}, uint64(policy.MaxRetries))
}

type linearBackOff struct {
	step time.Duration
	n    int64
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }
