package executor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/lockplane/consolidate/internal/failure"
	"github.com/lockplane/consolidate/internal/planner"
)

// RetryPolicy bounds the exponential backoff applied to retryable errors.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	// Disabled turns retries off entirely.
	Disabled bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 30 * time.Second
	}
	if p.MaxElapsed <= 0 {
		p.MaxElapsed = 5 * time.Minute
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if p.Disabled {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.InitialInterval
	bo.MaxInterval = p.MaxInterval
	bo.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(bo, ctx)
}

// retry runs op until it succeeds, fails with a non-retryable error, or the
// policy gives up. Failed checks are never retried in place: the operator
// re-runs the bundle once the data settles.
func (e *Engine) retry(ctx context.Context, b *planner.Bundle, op func() error) error {
	return backoff.RetryNotify(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var fe *failure.Error
		if errors.As(err, &fe) && fe.Check != "" {
			return backoff.Permanent(err)
		}
		if !failure.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, e.opts.Retry.backOff(ctx), func(err error, wait time.Duration) {
		e.opts.Metrics.RecordRetry(string(b.Kind))
		e.logger(b).WithError(err).WithFields(logrus.Fields{"wait": wait}).Warn("retryable error; retrying")
	})
}
