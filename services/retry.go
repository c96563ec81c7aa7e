package services

import (
	"context"
	"errors"
	"time"

	"github.com/sethvargo/go-retry"

	kgerrors "go.verikey.dev/keygate/errors"
	"go.verikey.dev/keygate/internal/metrics"
)

// RetryPolicy is the single retry configuration applied to every store
// call in the service layer. Only store_unavailable and store_timeout
// errors are retried; conflicts and key rejections are final and must
// never be reattempted.
type RetryPolicy struct {
	MaxAttempts int           // total attempts, including the first
	BaseDelay   time.Duration // fibonacci backoff base
}

// DefaultRetryPolicy fills in any zero-valued policy field.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

// withDefaults floors unset fields. BaseDelay in particular must stay
// positive: the fibonacci backoff rejects a non-positive base.
func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryPolicy.BaseDelay
	}
	return p
}

// Do runs fn with fibonacci backoff according to the policy. The returned
// error always carries its taxonomy classification: a caller deadline
// expiring mid-loop surfaces as store_timeout, never as a generic store
// failure.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	if p.MaxAttempts == 1 {
		return classifyStoreError(fn(ctx))
	}

	backoff := retry.WithMaxRetries(uint64(p.MaxAttempts-1), retry.NewFibonacci(p.BaseDelay))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && kgerrors.IsRetryable(err) {
			metrics.ObserveStoreRetry()
			return retry.RetryableError(err)
		}
		return err
	})
	return classifyStoreError(err)
}

// classifyStoreError maps a raw context deadline into the store_timeout
// class. go-retry returns ctx.Err() when the deadline expires between
// attempts, bypassing the repositories' own error mapping; without this
// the timeout would be misreported as store_unavailable.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := kgerrors.AsVerifyError(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return kgerrors.NewStoreTimeout(err)
	}
	return err
}
