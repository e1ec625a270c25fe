package planner

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lockplane/consolidate/internal/parser"
)

// Validate checks the ordering and isolation rules every plan must satisfy
// before it is sealed. PostgreSQL plans are additionally parsed so the
// rules are checked against the SQL itself, not just the bundle metadata.
func Validate(plan *Plan) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	index := make(map[string]int, len(plan.Bundles))
	introducedBy := map[CatalogValue]string{}
	for i, b := range plan.Bundles {
		if b.ID == "" {
			fail("bundle %d has no id", i)
			continue
		}
		if _, dup := index[b.ID]; dup {
			fail("duplicate bundle id %s", b.ID)
		}
		if i > 0 && b.ID <= plan.Bundles[i-1].ID {
			fail("bundle %s does not sort after %s", b.ID, plan.Bundles[i-1].ID)
		}
		index[b.ID] = i
		for _, v := range b.Introduces {
			introducedBy[v] = b.ID
		}
	}

	for _, b := range plan.Bundles {
		for _, dep := range b.DependsOn {
			j, ok := index[dep]
			if !ok || j >= index[b.ID] {
				fail("%s depends on %s, which does not precede it", b.ID, dep)
			}
		}

		switch {
		case b.Reverse.Reversible == nil && b.Reverse.Irreversible == nil:
			fail("%s has no reverse", b.ID)
		case b.Kind == KindCleanup && b.Reverse.IsReversible():
			fail("%s is a cleanup bundle and must be irreversible", b.ID)
		case b.Kind != KindCleanup && !b.Reverse.IsReversible():
			fail("%s is irreversible but only cleanup bundles may be", b.ID)
		}

		if len(b.Introduces) > 0 {
			if b.Atomic {
				fail("%s adds catalog values and must run in autocommit", b.ID)
			}
			if b.Program != "" {
				fail("%s adds catalog values and may not run a program", b.ID)
			}
			for _, v := range b.Uses {
				if introducedBy[v] == b.ID {
					fail("%s uses %s in the unit that adds it", b.ID, v)
				}
			}
		}

		deps := transitiveDeps(plan, b)
		for _, v := range b.Uses {
			owner, ok := introducedBy[v]
			if !ok || owner == b.ID {
				continue
			}
			if !deps[owner] {
				fail("%s uses %s without depending on %s", b.ID, v, owner)
			}
		}
	}

	if plan.Dialect == "postgres" {
		errs = append(errs, validateSQL(plan, introducedBy)...)
	}
	return errors.Join(errs...)
}

// validateSQL parses every forward statement and checks it against the
// bundle it sits in.
func validateSQL(plan *Plan, introducedBy map[CatalogValue]string) []error {
	var errs []error
	for _, b := range plan.Bundles {
		deps := transitiveDeps(plan, b)
		for _, stmt := range b.Forward {
			a, err := parser.Analyze(stmt.SQL)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.ID, err))
				continue
			}
			if a.TransactionCtl {
				errs = append(errs, fmt.Errorf("%s: transaction control is managed by the executor", b.ID))
			}
			if a.Concurrent && b.Atomic {
				errs = append(errs, fmt.Errorf("%s: CONCURRENTLY cannot run inside an atomic bundle", b.ID))
			}
			if a.IsDestructive() && b.Kind != KindCleanup && b.Kind != KindCutover {
				errs = append(errs, fmt.Errorf("%s: %s %s may only be dropped by cleanup", b.ID, a.Drops[0].Object, a.Drops[0].Name))
			}
			if len(b.Introduces) > 0 {
				if len(a.EnumAdditions) == 0 && !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt.SQL)), "CREATE TYPE") {
					errs = append(errs, fmt.Errorf("%s: only enum changes may share a unit with ALTER TYPE ... ADD VALUE", b.ID))
				}
				continue
			}
			if len(a.EnumAdditions) > 0 {
				errs = append(errs, fmt.Errorf("%s: ALTER TYPE %s ADD VALUE outside a catalog bundle", b.ID, a.EnumAdditions[0].Type))
			}
			for v, owner := range introducedBy {
				if a.ContainsLiteral(v.Value) && !deps[owner] {
					errs = append(errs, fmt.Errorf("%s references %s before %s commits", b.ID, v, owner))
				}
			}
		}
	}
	return errs
}

// transitiveDeps returns every bundle id b depends on, directly or not.
func transitiveDeps(plan *Plan, b *Bundle) map[string]bool {
	seen := map[string]bool{}
	stack := append([]string(nil), b.DependsOn...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		if dep, ok := plan.Find(id); ok {
			stack = append(stack, dep.DependsOn...)
		}
	}
	return seen
}

// Dependents returns the bundles that depend on id, directly or not, in plan order.
func Dependents(plan *Plan, id string) []*Bundle {
	var out []*Bundle
	for _, b := range plan.Bundles {
		if transitiveDeps(plan, b)[id] {
			out = append(out, b)
		}
	}
	return out
}

// Prerequisites returns every bundle b depends on, directly or not, in plan order.
func Prerequisites(plan *Plan, b *Bundle) []*Bundle {
	deps := transitiveDeps(plan, b)
	var out []*Bundle
	for _, x := range plan.Bundles {
		if deps[x.ID] {
			out = append(out, x)
		}
	}
	return out
}
