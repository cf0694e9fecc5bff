package transport

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is an exponential backoff for peer requests. MaxAttempts zero
// retries until the context ends.
type RetryPolicy struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	MaxAttempts    int
}

func defaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     200 * time.Millisecond,
		BackoffFactor:  2.0,
	}
}

func normalizeRetryPolicy(policy RetryPolicy) RetryPolicy {
	def := defaultRetryPolicy()
	if policy.InitialBackoff <= 0 {
		policy.InitialBackoff = def.InitialBackoff
	}
	if policy.MaxBackoff <= 0 {
		policy.MaxBackoff = def.MaxBackoff
	}
	if policy.MaxBackoff < policy.InitialBackoff {
		policy.MaxBackoff = policy.InitialBackoff
	}
	if policy.BackoffFactor < 1 {
		policy.BackoffFactor = def.BackoffFactor
	}
	if policy.MaxAttempts < 0 {
		policy.MaxAttempts = 0
	}
	return policy
}

// retry calls fn until it succeeds, returns a permanentError, runs out of
// attempts or ctx ends. The last error from fn is returned.
func (p RetryPolicy) retry(ctx context.Context, fn func(ctx context.Context) error) error {
	p = normalizeRetryPolicy(p)
	backoff := p.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		next := time.Duration(float64(backoff) * p.BackoffFactor)
		if next > p.MaxBackoff {
			next = p.MaxBackoff
		}
		backoff = next
	}
}
