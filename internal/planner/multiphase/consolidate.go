// Package multiphase generates the bundle sequence that consolidates a legacy
// group/member pair into a canonical parent/child pair:
//
//   - Expand: enum values (one autocommit bundle per type), nullable columns
//     and tables, consolidated activity tables
//   - Backfill: member links, child rows, column backfills, stage mapping,
//     orphan repair, a final sweep
//   - Cutover: alternate key and NOT NULL promotion, legacy foreign key drop
//   - Contract: destructive cleanup, irreversible
//
// Activity imports hang off the activity tables only and may run at any
// point after them.
package multiphase

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/stagemap"
)

// Program names understood by the executor.
const (
	ProgramOrphanRepair   = "orphan_repair"
	ProgramActivityImport = "activity_import"
)

// builder accumulates bundles and assigns sortable ids.
type builder struct {
	doc    *mapping.Document
	d      dialect.Dialect
	epoch  time.Time
	stages *stagemap.Mapping
	plan   *planner.Plan

	// last is the most recent bundle on the main chain.
	last string
}

// Generate builds and seals the consolidation plan for doc.
func Generate(doc *mapping.Document, d dialect.Dialect) (*planner.Plan, error) {
	if doc == nil {
		return nil, fmt.Errorf("mapping document is required")
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping: %w", err)
	}
	epoch, err := doc.EpochTime()
	if err != nil {
		return nil, fmt.Errorf("invalid epoch: %w", err)
	}
	stages, err := doc.StageMapping()
	if err != nil {
		return nil, err
	}

	b := &builder{
		doc:    doc,
		d:      d,
		epoch:  epoch.UTC(),
		stages: stages,
		plan:   &planner.Plan{Name: doc.Name, Dialect: string(d.Name())},
	}

	b.expand()
	b.activity()
	b.backfill()
	if err := b.cutover(); err != nil {
		return nil, err
	}
	if err := b.cleanup(); err != nil {
		return nil, err
	}

	if err := planner.Validate(b.plan); err != nil {
		return nil, err
	}
	if err := planner.Seal(b.plan); err != nil {
		return nil, err
	}
	return b.plan, nil
}

// add appends bundle, assigning its id. When chained, the bundle depends on
// the previous main-chain bundle and becomes the new chain tail.
func (b *builder) add(slug string, bundle *planner.Bundle, chained bool) *planner.Bundle {
	i := len(b.plan.Bundles)
	bundle.ID = fmt.Sprintf("%s_%s_%s",
		b.epoch.Add(time.Duration(i)*time.Second).Format("20060102150405"), b.doc.Name, slug)
	if chained {
		if b.last != "" {
			bundle.DependsOn = append([]string{b.last}, bundle.DependsOn...)
		}
		b.last = bundle.ID
	}
	b.plan.Bundles = append(b.plan.Bundles, bundle)
	return bundle
}

func (b *builder) warn(format string, args ...any) {
	b.plan.Warnings = append(b.plan.Warnings, fmt.Sprintf(format, args...))
}

// q quotes an identifier.
func (b *builder) q(name string) string { return b.d.QuoteIdent(name) }

// col renders alias.column.
func (b *builder) col(alias, name string) string {
	return alias + "." + b.q(name)
}

// enumUses returns the catalog values a cast to typ may write.
func (b *builder) enumUses(typ string, values []string) []planner.CatalogValue {
	for _, ev := range b.doc.Catalog.EnumValues {
		if !sameIdent(ev.Type, typ) {
			continue
		}
		out := make([]planner.CatalogValue, 0, len(values))
		for _, v := range values {
			out = append(out, planner.CatalogValue{Type: ev.Type, Value: v})
		}
		return out
	}
	return nil
}

func sameIdent(a, b string) bool {
	norm := func(s string) string {
		return strings.ToLower(strings.ReplaceAll(s, `"`, ""))
	}
	return a != "" && norm(a) == norm(b)
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// slug turns a type or table name into an id fragment.
func slug(s string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(s), "_"), "_")
}

func zeroRows(name, query string) planner.Check {
	return planner.Check{Kind: planner.CheckZeroRows, Name: name, Query: query}
}
