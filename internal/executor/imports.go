package executor

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/planner"
)

// ApplyImports applies every uncommitted activity import, up to parallelism
// at a time. Imports are independent of the main chain, so they may run
// before, during or after the backfill. Their uncommitted prerequisites
// (the activity tables) are applied first. SQLite runs one at a time.
func (e *Engine) ApplyImports(ctx context.Context, parallelism int) ([]*Result, error) {
	h, err := e.History(ctx)
	if err != nil {
		return nil, err
	}

	var (
		results []*Result
		imports []*planner.Bundle
	)
	prepared := map[string]bool{}
	for _, b := range e.plan.OfKind(planner.KindConsolidate) {
		if h.Committed(b.ID) {
			continue
		}
		for _, dep := range planner.Prerequisites(e.plan, b) {
			if prepared[dep.ID] || h.Committed(dep.ID) {
				continue
			}
			res, err := e.Apply(ctx, dep.ID)
			if res != nil {
				results = append(results, res)
			}
			if err != nil {
				return results, err
			}
			prepared[dep.ID] = true
		}
		imports = append(imports, b)
	}

	if parallelism < 1 || e.d.Name() == database.DialectSQLite {
		parallelism = 1
	}
	out := make([]*Result, len(imports))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for i, b := range imports {
		g.Go(func() error {
			res, err := e.Apply(gctx, b.ID)
			out[i] = res
			return err
		})
	}
	err = g.Wait()
	for _, res := range out {
		if res != nil {
			results = append(results, res)
		}
	}
	return results, err
}
