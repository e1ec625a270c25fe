package executor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/failure"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/state"
)

func count(ctx context.Context, sess database.Session, query string) (int64, error) {
	var n int64
	if err := sess.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count query failed: %w", err)
	}
	return n, nil
}

// checkPreconditions evaluates every precondition of b. Conditions that
// can become true by waiting (zero rows, bake-in) are retryable; ordering
// defects are fatal.
func (e *Engine) checkPreconditions(ctx context.Context, sess database.Session, h *state.History, b *planner.Bundle) error {
	for _, c := range b.Preconditions {
		if err := e.evaluate(ctx, sess, h, b, c); err != nil {
			e.opts.Metrics.RecordCheckFailure("pre", c.Name)
			return err
		}
	}
	return nil
}

// checkPostconditions evaluates post after the bundle ran. Any failure is
// retryable: the bundle's statements are guarded and may run again.
func (e *Engine) checkPostconditions(ctx context.Context, sess database.Session, b *planner.Bundle, post []planner.Check) error {
	for _, c := range post {
		if c.Kind != planner.CheckZeroRows {
			return failure.Fatalf(b.ID, "unsupported postcondition kind %s", c.Kind)
		}
		n, err := count(ctx, sess, c.Query)
		if err != nil {
			return err
		}
		if n != 0 {
			e.opts.Metrics.RecordCheckFailure("post", c.Name)
			return failure.CheckFailed(failure.ClassRetryable, b.ID, c.Name, fmt.Errorf("%d row(s) remain", n))
		}
	}
	return nil
}

func (e *Engine) evaluate(ctx context.Context, sess database.Session, h *state.History, b *planner.Bundle, c planner.Check) error {
	switch c.Kind {
	case planner.CheckZeroRows:
		n, err := count(ctx, sess, c.Query)
		if err != nil {
			return err
		}
		if n != 0 {
			return failure.CheckFailed(failure.ClassRetryable, b.ID, c.Name, fmt.Errorf("%d row(s) remain", n))
		}
	case planner.CheckTypeExists, planner.CheckConstraintExists:
		n, err := count(ctx, sess, c.Query)
		if err != nil {
			return err
		}
		if n == 0 {
			return failure.CheckFailed(failure.ClassFatal, b.ID, c.Name, fmt.Errorf("not found in the target database"))
		}
	case planner.CheckBundleCommitted:
		if !h.Committed(c.Target) {
			return failure.CheckFailed(failure.ClassFatal, b.ID, c.Name, fmt.Errorf("%s is not committed", c.Target))
		}
	case planner.CheckVerified:
		if !h.Verified(c.Target) {
			return failure.CheckFailed(failure.ClassFatal, b.ID, c.Name,
				fmt.Errorf("no verification recorded since the last backfill; run `consolidate verify`"))
		}
	case planner.CheckBakeIn:
		at, ok := h.CommittedAt(c.Target)
		if !ok {
			return failure.CheckFailed(failure.ClassFatal, b.ID, c.Name, fmt.Errorf("%s is not committed", c.Target))
		}
		if !h.BakedIn(c.Target, c.Duration.Std(), e.opts.Now()) {
			return failure.CheckFailed(failure.ClassRetryable, b.ID, c.Name,
				fmt.Errorf("bake-in ends at %s", at.Add(c.Duration.Std()).Format("2006-01-02 15:04 MST")))
		}
	case planner.CheckObserve:
	default:
		return failure.Fatalf(b.ID, "unknown check kind %q", c.Kind)
	}
	return nil
}

// observe counts b's observations. They only inform; errors are logged.
func (e *Engine) observe(ctx context.Context, sess database.Session, b *planner.Bundle) []Observation {
	var out []Observation
	for _, c := range b.Observations {
		n, err := count(ctx, sess, c.Query)
		if err != nil {
			e.logger(b).WithError(err).WithField("observation", c.Name).Warn("observation failed")
			continue
		}
		e.opts.Metrics.RecordObservation(c.Name, n)
		if n > 0 {
			e.logger(b).WithFields(logrus.Fields{"observation": c.Name, "rows": n}).
				Warn("rows resolved by fallback policy")
		}
		out = append(out, Observation{Name: c.Name, Rows: n})
	}
	return out
}
