package stream

import (
	"math/rand"
	"time"

	"papergraph/pkg/fault"
)

// MaxAttempts is the default delivery budget per job; the final
// transient failure dead-letters instead of rescheduling.
const MaxAttempts = 5

const (
	baseBackoff = time.Minute
	maxBackoff  = 30 * time.Minute
)

// RetryPolicy sizes the delivery budget and the backoff curve.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// DefaultRetryPolicy returns the standard budget: 5 attempts, backoff
// from one minute capped at thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: MaxAttempts, Base: baseBackoff, Cap: maxBackoff}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = def.Base
	}
	if p.Cap <= 0 {
		p.Cap = def.Cap
	}
	return p
}

// Backoff returns the delay before redelivering a job that has already
// been attempted attempt times. Exponential with a cap, plus up to 25%
// jitter to spread thundering herds.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := p.Base << uint(attempt)
	if backoff <= 0 || backoff > p.Cap {
		backoff = p.Cap
	}
	return backoff + time.Duration(rand.Int63n(int64(backoff)/4+1))
}

// Delay picks the redelivery delay for a failed job, honoring an
// advisory retry-after when it exceeds the computed backoff.
func (p RetryPolicy) Delay(err error, attempt int) time.Duration {
	backoff := p.Backoff(attempt)
	if fe := fault.As(err); fe.RetryAfter > backoff {
		return fe.RetryAfter
	}
	return backoff
}

// RetryBackoff is Backoff under the default policy.
func RetryBackoff(attempt int) time.Duration {
	return DefaultRetryPolicy().Backoff(attempt)
}

// RetryDelay is Delay under the default policy.
func RetryDelay(err error, attempt int) time.Duration {
	return DefaultRetryPolicy().Delay(err, attempt)
}
