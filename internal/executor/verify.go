package executor

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/lockplane/consolidate/internal/failure"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/state"
)

// CheckResult is the count of one verification query.
type CheckResult struct {
	Name string
	Rows int64
}

// Verification is the outcome of Verify.
type Verification struct {
	// Target is the cutover bundle the verification unlocks.
	Target string
	Checks []CheckResult
	Passed bool
	Run    state.Run
}

// Verify counts the cutover anti-joins and records the outcome as a verify
// run. A passing verification recorded after the last data-phase run is what
// lets cutover proceed.
func (e *Engine) Verify(ctx context.Context) (*Verification, error) {
	cutovers := e.plan.OfKind(planner.KindCutover)
	if len(cutovers) == 0 {
		return nil, fmt.Errorf("plan %s has no cutover bundle", e.plan.Name)
	}
	target := cutovers[0]

	h, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	for _, dep := range planner.Prerequisites(e.plan, target) {
		if !h.Committed(dep.ID) {
			return nil, failure.Fatalf(target.ID, "cannot verify before %s is committed", dep.ID)
		}
	}

	var checks []planner.Check
	seen := map[string]bool{}
	for _, b := range cutovers {
		for _, c := range b.Preconditions {
			if c.Kind == planner.CheckZeroRows && !seen[c.Name] {
				seen[c.Name] = true
				checks = append(checks, c)
			}
		}
	}

	results := make([]CheckResult, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, c := range checks {
		g.Go(func() error {
			n, err := count(gctx, e.db, c.Query)
			if err != nil {
				return fmt.Errorf("%s: %w", c.Name, err)
			}
			results[i] = CheckResult{Name: c.Name, Rows: n}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	v := &Verification{Target: target.ID, Checks: results, Passed: true}
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = fmt.Sprintf("%s=%d", r.Name, r.Rows)
		if r.Rows != 0 {
			v.Passed = false
			e.opts.Metrics.RecordCheckFailure("verify", r.Name)
		}
	}
	status := state.StatusCompleted
	if !v.Passed {
		status = state.StatusFailed
	}
	v.Run, err = e.store(e.db).Record(ctx, state.Run{
		Plan:      e.plan.Name,
		BundleID:  target.ID,
		Kind:      string(target.Kind),
		Direction: state.DirectionVerify,
	}, status, strings.Join(parts, "; "))
	if err != nil {
		return nil, err
	}
	e.logger(target).WithField("passed", v.Passed).Info("verification recorded")
	return v, nil
}
