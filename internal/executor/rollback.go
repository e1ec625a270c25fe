package executor

import (
	"context"
	"fmt"

	"github.com/lockplane/consolidate/internal/failure"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/state"
)

// Rollback runs the reverse of a committed bundle. Bundles with committed
// dependents must be rolled back after them; irreversible bundles cannot be
// rolled back at all.
func (e *Engine) Rollback(ctx context.Context, bundleID string) (*Result, error) {
	b, ok := e.plan.Find(bundleID)
	if !ok {
		return nil, fmt.Errorf("bundle %s is not in plan %s", bundleID, e.plan.Name)
	}
	h, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	if id, blocked := h.AwaitingAck(); blocked {
		return nil, fmt.Errorf("%w: cleanup %s failed part way; inspect and run `consolidate ack %s`", planner.ErrBlocked, id, id)
	}
	if !h.Committed(b.ID) {
		return nil, fmt.Errorf("bundle %s is not committed", b.ID)
	}
	if !b.Reverse.IsReversible() {
		return nil, failure.Wrap(failure.ClassIrreversible, b.ID, fmt.Errorf("cannot be rolled back: %s", b.Reverse.Describe()))
	}
	for _, dep := range planner.Dependents(e.plan, b.ID) {
		if h.Committed(dep.ID) {
			return nil, fmt.Errorf("bundle %s is still committed and depends on %s; roll it back first", dep.ID, b.ID)
		}
	}

	conn, err := e.session(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	res := &Result{Bundle: b}
	run := state.Run{
		Plan:       e.plan.Name,
		BundleID:   b.ID,
		Kind:       string(b.Kind),
		Direction:  state.DirectionReverse,
		Reversible: true,
		Checksum:   b.Checksum,
	}
	if err := e.execute(ctx, conn, b, run, b.Reverse.Reversible.Statements, "", nil, res); err != nil {
		return res, err
	}
	return res, nil
}
