package multiphase

import (
	"fmt"
	"strings"

	"github.com/lockplane/consolidate/internal/activity"
	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/planner"
)

// expand emits the additive catalog bundles. Enum values get one autocommit
// bundle per type: a value added by ALTER TYPE cannot be referenced before
// its own commit, so nothing else may share the unit.
func (b *builder) expand() {
	for _, ev := range b.doc.Catalog.EnumValues {
		bundle := &planner.Bundle{
			Kind:        planner.KindCatalogExpand,
			Description: fmt.Sprintf("Add values %s to %s", strings.Join(ev.Values, ", "), ev.Type),
			Atomic:      false,
			Reverse:     planner.Undo("enum values cannot be removed in place; unused values are harmless"),
		}
		if ev.Create {
			bundle.Forward = append(bundle.Forward, b.d.CreateEnumType(ev.Type, ev.Values))
		} else {
			bundle.Preconditions = append(bundle.Preconditions, planner.Check{
				Kind:  planner.CheckTypeExists,
				Name:  fmt.Sprintf("type %s exists", ev.Type),
				Query: b.d.TypeExistsQuery(ev.Type),
			})
		}
		for _, v := range ev.Values {
			bundle.Forward = append(bundle.Forward, b.d.AddEnumValue(ev.Type, v))
			bundle.Introduces = append(bundle.Introduces, planner.CatalogValue{Type: ev.Type, Value: v})
		}
		b.add("enum_"+slug(ev.Type), bundle, true)
	}

	cat := b.doc.Catalog
	if len(cat.Columns) == 0 && len(cat.Tables) == 0 {
		return
	}

	bundle := &planner.Bundle{
		Kind:        planner.KindCatalogExpand,
		Description: "Add nullable columns and new tables",
		Atomic:      true,
	}
	var undo []planner.Statement
	for _, t := range cat.Tables {
		cols := make([]dialect.Column, len(t.Columns))
		for i, c := range t.Columns {
			cols[i] = dialect.Column{Name: c.Name, Type: c.Type, Nullable: c.Nullable, PrimaryKey: c.PrimaryKey}
		}
		bundle.Forward = append(bundle.Forward, b.d.CreateTable(t.Name, cols))
		undo = append([]planner.Statement{b.d.DropTable(t.Name)}, undo...)
	}
	for _, c := range cat.Columns {
		bundle.Forward = append(bundle.Forward, b.d.AddColumn(c.Table, c.Name, c.Type))
		undo = append([]planner.Statement{b.d.DropColumn(c.Table, c.Name)}, undo...)
	}
	bundle.Reverse = planner.Undo("drops the added columns and tables", undo...)
	b.add("catalog", bundle, true)
}

// activity emits the consolidated tables and one import bundle per source.
// Imports depend only on the tables, never on the main chain.
func (b *builder) activity() {
	a := b.doc.Activity
	if len(a.Sources) == 0 {
		return
	}

	tables := &planner.Bundle{
		Kind:        planner.KindCatalogExpand,
		Description: "Create consolidated activity tables",
		Atomic:      true,
	}
	var undo []planner.Statement
	for _, target := range []string{mapping.TargetLedger, mapping.TargetTimeline} {
		if !a.Uses(target) {
			continue
		}
		table := a.Ledger()
		if target == mapping.TargetTimeline {
			table = a.Timeline()
		}
		tables.Forward = append(tables.Forward, activity.CreateStatements(b.d, table, target)...)
		undo = append(undo, b.d.DropTable(table))
	}
	tables.Reverse = planner.Undo("drops the consolidated tables and everything imported into them", undo...)
	b.add("activity_tables", tables, false)

	for _, src := range a.Sources {
		dest := activity.TableFor(a, src)
		b.add("import_"+slug(src.Name), &planner.Bundle{
			Kind:        planner.KindConsolidate,
			Description: fmt.Sprintf("Import %s into %s", src.Table, dest),
			Program:     ProgramActivityImport,
			Source:      src.Name,
			DependsOn:   []string{tables.ID},
			Reverse:     planner.Undo("consolidated history is append-only; imported rows are kept"),
			Postconditions: []planner.Check{
				zeroRows(src.Table+" rows not imported", activity.UnimportedQuery(b.d, src, dest)),
			},
		}, false)
	}
}
