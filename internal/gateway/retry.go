package gateway

import (
	"context"
	"errors"
	"time"

	"coursepay/internal/apperr"
	"coursepay/internal/infrastructure/observability"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// Policy bounds every provider call: each attempt gets Timeout, and at most
// MaxAttempts attempts are made with exponential backoff in between.
type Policy struct {
	MaxAttempts     int
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:     3,
		Timeout:         10 * time.Second,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	return p
}

// call runs fn under the policy. Errors the classifier calls permanent stop
// the loop at once. Whatever error is left at the end is reported as
// GatewayUnavailable unless fn already returned a taxonomy error.
func call[T any](ctx context.Context, p Policy, provider, op string, logger *zap.Logger,
	retryable func(error) bool, fn func(ctx context.Context) (T, error)) (T, error) {
	p = p.withDefaults()
	start := time.Now()
	defer func() {
		observability.GatewayLatency.WithLabelValues(provider, op).Observe(time.Since(start).Seconds())
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	res, err := backoff.Retry(ctx, func() (T, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, p.Timeout)
		defer cancel()

		v, err := fn(attemptCtx)
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("payment provider call failed, retrying",
				zap.String("provider", provider), zap.String("op", op),
				zap.Duration("backoff", next), zap.Error(err))
		}),
	)
	if err == nil {
		return res, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	observability.GatewayErrorsTotal.WithLabelValues(provider, op).Inc()

	var typed *apperr.Error
	if errors.As(err, &typed) {
		return res, err
	}
	return res, apperr.Wrap(apperr.KindGatewayUnavailable, provider+" "+op, err)
}
