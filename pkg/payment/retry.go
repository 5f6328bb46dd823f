package payment

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stripe/stripe-go/v76"
)

// RetryPolicy bounds retries of transient gateway failures.
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy retries three times starting at 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, p.MaxRetries), ctx)
}

// retry runs fn until it succeeds, fails permanently or the policy is
// exhausted. The returned error is always classified as *Error.
func retry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		classified := classify(op, err)
		if !classified.Transient {
			return backoff.Permanent(classified)
		}
		return classified
	}, policy.backOff(ctx))
	if err == nil {
		return nil
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	return classify(op, err)
}

// classify maps a raw client error onto *Error. Validation and other 4xx
// responses are permanent; 429, 5xx and network failures are transient.
func classify(op string, err error) *Error {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Op: op, Err: err}
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		transient := code == http.StatusTooManyRequests || code >= http.StatusInternalServerError || code == 0
		return &Error{Op: op, StatusCode: code, Transient: transient, Err: err}
	}
	return &Error{Op: op, Transient: true, Err: err}
}
