package multiphase

import (
	"fmt"
	"time"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/planner"
)

// cutoverChecks must all hold before either cutover bundle runs. They are
// anti-join counts over live data, so a single unconverted row blocks.
func (b *builder) cutoverChecks() []planner.Check {
	return []planner.Check{
		zeroRows("members unlinked", b.membersUnlinkedQuery()),
		zeroRows("members without child", b.membersWithoutChildQuery()),
		zeroRows("children without parent", b.childrenWithoutParentQuery()),
	}
}

// cutover emits two bundles: the online preparation (alternate key index,
// validated NOT NULL check) in autocommit, then the short catalog swap in
// one transaction.
func (b *builder) cutover() error {
	m, g, c := b.doc.Legacy.Member, b.doc.Legacy.Group, b.doc.Canonical.Child
	index := fmt.Sprintf("%s_%s_key", c.Table, c.LegacyRef)

	var forward, undo []planner.Statement
	forward = append(forward, b.d.CreateUniqueIndex(index, c.Table, c.LegacyRef)...)
	forward = append(forward, b.d.PrepareNotNull(c.Table, c.ParentRef)...)
	undo = append(undo, b.d.UnprepareNotNull(c.Table, c.ParentRef)...)
	undo = append(undo, b.d.DropIndex(index))

	prepare := b.add("cutover_keys", &planner.Bundle{
		Kind:        planner.KindCutover,
		Description: fmt.Sprintf("Enforce one %s per %s and validate %s.%s", c.Table, m.Table, c.Table, c.ParentRef),
		Atomic:      false,
		Forward:     forward,
		Reverse:     planner.Undo("drops the alternate key and the NOT NULL check", undo...),
	}, true)
	prepare.Preconditions = append(b.cutoverChecks(), planner.Check{
		Kind:   planner.CheckVerified,
		Name:   "backfill verified",
		Target: prepare.ID,
	})
	if q := b.d.InvalidIndexQuery(index); q != "" {
		prepare.Postconditions = append(prepare.Postconditions, zeroRows("alternate key index invalid", q))
	}

	forward = append([]planner.Statement(nil), b.d.SetNotNull(c.Table, c.ParentRef)...)
	undo = append([]planner.Statement(nil), b.d.DropNotNull(c.Table, c.ParentRef)...)
	var preconditions []planner.Check
	if m.LegacyFK != "" {
		if b.d.Name() == database.DialectSQLite {
			b.warn("SQLite cannot drop foreign key %s; it stays until %s is dropped", m.LegacyFK, m.Table)
		}
		if q := b.d.ConstraintExistsQuery(m.Table, m.LegacyFK); q != "" {
			preconditions = append(preconditions, planner.Check{
				Kind:  planner.CheckConstraintExists,
				Name:  fmt.Sprintf("constraint %s exists", m.LegacyFK),
				Query: q,
			})
		}
		forward = append(forward, b.d.DropConstraint(m.Table, m.LegacyFK)...)
		undo = append(undo, b.d.AddForeignKey(m.Table, m.LegacyFK, m.GroupRef, g.Table, g.Key)...)
	} else {
		b.warn("no legacy foreign key configured; cutover only tightens %s.%s", c.Table, c.ParentRef)
	}

	preconditions = append(preconditions, b.cutoverChecks()...)
	preconditions = append(preconditions, planner.Check{
		Kind:   planner.CheckVerified,
		Name:   "backfill verified",
		Target: prepare.ID,
	})

	b.add("cutover_constraints", &planner.Bundle{
		Kind:          planner.KindCutover,
		Description:   fmt.Sprintf("Require %s.%s and drop the legacy foreign key", c.Table, c.ParentRef),
		Atomic:        true,
		Forward:       forward,
		Preconditions: preconditions,
		Reverse:       planner.Undo("relaxes NOT NULL and restores the legacy foreign key", undo...),
	}, true)
	return nil
}

// cleanup emits the single destructive bundle. Its statements run in
// autocommit; a failure part way leaves the plan blocked until acknowledged.
func (b *builder) cleanup() error {
	cl := b.doc.Cleanup
	if cl.IsEmpty() {
		return nil
	}
	bakeIn, err := b.doc.BakeIn()
	if err != nil {
		return fmt.Errorf("invalid bake_in: %w", err)
	}

	bundle := &planner.Bundle{
		Kind:        planner.KindCleanup,
		Description: "Drop legacy columns, tables and types",
		Atomic:      false,
		Reverse:     planner.CannotUndo("requires a full backup restore"),
		Preconditions: []planner.Check{{
			Kind:     planner.CheckBakeIn,
			Name:     fmt.Sprintf("cutover live for %s", bakeIn),
			Target:   b.last,
			Duration: planner.Duration(bakeIn),
		}},
	}

	archived := map[string]bool{}
	archive := func(table string) {
		if !archived[table] {
			archived[table] = true
			bundle.Archive = append(bundle.Archive, table)
		}
	}
	for _, col := range cl.DropColumns {
		bundle.Forward = append(bundle.Forward, b.d.DropColumn(col.Table, col.Name))
		archive(col.Table)
	}
	for _, t := range cl.DropTables {
		bundle.Forward = append(bundle.Forward, b.d.DropTable(t))
		archive(t)
	}
	for _, typ := range cl.DropEnumTypes {
		bundle.Forward = append(bundle.Forward, b.d.DropEnumType(typ))
	}

	b.add("cleanup", bundle, true)
	if bakeIn < time.Hour {
		b.warn("bake-in of %s leaves little time to notice a bad cutover", bakeIn)
	}
	return nil
}
