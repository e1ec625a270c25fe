package multiphase

import (
	"fmt"
	"strings"

	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/planner"
)

// backfill emits the data bundles. Every statement is guarded so a second
// execution changes nothing: links and columns only fill NULLs (first
// writer wins) and rows are only inserted behind an anti-join. A bridge key
// naming a parent that does not exist counts as unset.
func (b *builder) backfill() {
	b.add("link_members", b.linkMembers(), true)
	b.add("backfill_children", b.childRows(), true)

	if len(b.doc.ColumnBackfills) > 0 {
		b.add("backfill_columns", b.columnBackfills(), true)
	}
	if b.stages != nil {
		b.add("map_stages", b.stageMap(), true)
	}

	b.add("repair_orphans", &planner.Bundle{
		Kind:        planner.KindOrphanRepair,
		Description: fmt.Sprintf("Synthesize %s rows for %s groups without one", b.doc.Canonical.Parent.Table, b.doc.Legacy.Group.Table),
		Program:     ProgramOrphanRepair,
		Uses:        b.orphanUses(),
		Reverse:     planner.Undo("synthesized parents are valid canonical rows and are kept"),
		Postconditions: []planner.Check{
			zeroRows("orphan groups", b.orphanGroupsQuery()),
		},
	}, true)

	sweep := b.childRows()
	sweep.Description = "Link and backfill members repaired by orphan repair or written since the first pass"
	sweep.Forward = append([]planner.Statement{b.linkMembers().Forward[0]}, sweep.Forward...)
	sweep.Postconditions = append(sweep.Postconditions, zeroRows("members unlinked", b.membersUnlinkedQuery()))
	b.add("sweep", sweep, true)
}

func (b *builder) linkMembers() *planner.Bundle {
	m, g := b.doc.Legacy.Member, b.doc.Legacy.Group
	sql := fmt.Sprintf(
		"UPDATE %s AS m SET %s = g.%s FROM %s AS g WHERE %s = g.%s AND %s AND %s",
		b.q(m.Table), b.q(m.CanonicalRef), b.q(g.CanonicalRef), b.q(g.Table),
		b.col("m", m.GroupRef), b.q(g.Key), b.unresolved("m", m.CanonicalRef), b.resolves("g", g.CanonicalRef))

	return &planner.Bundle{
		Kind:        planner.KindBackfill,
		Description: fmt.Sprintf("Link %s rows to %s through their group", m.Table, b.doc.Canonical.Parent.Table),
		Atomic:      true,
		Forward:     []planner.Statement{{SQL: sql}},
		Reverse:     planner.Undo("links only filled NULL or dangling keys; leaving them set is harmless"),
		Postconditions: []planner.Check{
			zeroRows("members linkable but unlinked", fmt.Sprintf(
				"SELECT COUNT(*) FROM %s AS m JOIN %s AS g ON g.%s = %s WHERE %s AND %s",
				b.q(m.Table), b.q(g.Table), b.q(g.Key), b.col("m", m.GroupRef),
				b.unresolved("m", m.CanonicalRef), b.resolves("g", g.CanonicalRef))),
		},
	}
}

// childRows inserts one canonical child per linked member that has none.
func (b *builder) childRows() *planner.Bundle {
	m, c := b.doc.Legacy.Member, b.doc.Canonical.Child

	var cols, exprs []string
	if c.IDStrategy != mapping.IDStrategyDatabase {
		cols = append(cols, b.q(c.Key))
		exprs = append(exprs, b.d.NewID())
	}
	cols = append(cols, b.q(c.ParentRef), b.q(c.LegacyRef))
	exprs = append(exprs, b.col("m", m.CanonicalRef), b.col("m", m.Key))
	for _, ce := range c.Columns {
		cols = append(cols, b.q(ce.Name))
		exprs = append(exprs, ce.From)
	}
	var uses []planner.CatalogValue
	if c.Stage != nil {
		cols = append(cols, b.q(c.Stage.Column))
		exprs = append(exprs, b.stageExpr())
		uses = b.enumUses(c.Stage.Cast, b.stages.Canonical())
	}

	sql := fmt.Sprintf(
		"INSERT INTO %s (%s)\nSELECT %s\nFROM %s\nWHERE %s\n  AND NOT EXISTS (SELECT 1 FROM %s AS c WHERE %s = %s)\nON CONFLICT DO NOTHING",
		b.q(c.Table), strings.Join(cols, ", "), strings.Join(exprs, ", "), b.memberFrom(),
		b.resolves("m", m.CanonicalRef), b.q(c.Table), b.col("c", c.LegacyRef), b.col("m", m.Key))

	return &planner.Bundle{
		Kind:        planner.KindBackfill,
		Description: fmt.Sprintf("Create %s rows for linked %s rows", c.Table, m.Table),
		Atomic:      true,
		Forward:     []planner.Statement{{SQL: sql}},
		Uses:        uses,
		Reverse:     planner.Undo("child rows may already be written by live traffic and are kept"),
		Postconditions: []planner.Check{
			zeroRows("members without child", b.membersWithoutChildQuery()),
		},
	}
}

func (b *builder) columnBackfills() *planner.Bundle {
	m, g := b.doc.Legacy.Member, b.doc.Legacy.Group
	p, c := b.doc.Canonical.Parent, b.doc.Canonical.Child

	bundle := &planner.Bundle{
		Kind:        planner.KindBackfill,
		Description: "Fill canonical columns from legacy data",
		Atomic:      true,
		Reverse:     planner.Undo("backfills only filled NULLs; values are kept"),
	}
	for _, cb := range b.doc.ColumnBackfills {
		var sql string
		if cb.Target == mapping.TargetParent {
			sql = fmt.Sprintf("UPDATE %s AS p SET %s = %s FROM %s AS g WHERE g.%s = %s AND %s IS NULL",
				b.q(p.Table), b.q(cb.Column), cb.From, b.q(g.Table), b.q(g.CanonicalRef), b.col("p", p.Key), b.col("p", cb.Column))
		} else {
			sql = fmt.Sprintf("UPDATE %s AS c SET %s = %s FROM %s AS m JOIN %s AS g ON g.%s = %s WHERE %s = %s AND %s IS NULL",
				b.q(c.Table), b.q(cb.Column), cb.From, b.q(m.Table), b.q(g.Table), b.q(g.Key), b.col("m", m.GroupRef),
				b.col("c", c.LegacyRef), b.col("m", m.Key), b.col("c", cb.Column))
		}
		bundle.Forward = append(bundle.Forward, planner.Statement{SQL: sql})
	}
	return bundle
}

func (b *builder) stageMap() *planner.Bundle {
	m, c := b.doc.Legacy.Member, b.doc.Canonical.Child
	s := c.Stage

	sql := fmt.Sprintf("UPDATE %s AS c SET %s = %s FROM %s WHERE %s = %s AND %s IS NULL",
		b.q(c.Table), b.q(s.Column), b.stageExpr(), b.memberFrom(),
		b.col("c", c.LegacyRef), b.col("m", m.Key), b.col("c", s.Column))

	b.warn("legacy %s values outside the mapping become %s", s.From, b.stages.Default())

	return &planner.Bundle{
		Kind:        planner.KindStageMap,
		Description: fmt.Sprintf("Map %s onto %s.%s", s.From, c.Table, s.Column),
		Atomic:      true,
		Forward:     []planner.Statement{{SQL: sql}},
		Uses:        b.enumUses(s.Cast, b.stages.Canonical()),
		Reverse:     planner.Undo("stages only filled NULLs; values are kept"),
		Postconditions: []planner.Check{
			zeroRows("children without stage", fmt.Sprintf(
				"SELECT COUNT(*) FROM %s AS c WHERE %s IS NULL AND EXISTS (SELECT 1 FROM %s AS m WHERE %s = %s)",
				b.q(c.Table), b.col("c", s.Column), b.q(m.Table), b.col("m", m.Key), b.col("c", c.LegacyRef))),
		},
		Observations: []planner.Check{{
			Kind: planner.CheckObserve,
			Name: "unmapped legacy stages",
			Query: fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s",
				b.memberFrom(), b.stages.UnmappedPredicate(b.d, s.From)),
		}},
	}
}

func (b *builder) stageExpr() string {
	s := b.doc.Canonical.Child.Stage
	return b.d.Cast(b.stages.CaseExpr(b.d, s.From), s.Cast)
}

// memberFrom is the FROM clause giving "from" expressions access to m and g.
func (b *builder) memberFrom() string {
	m, g := b.doc.Legacy.Member, b.doc.Legacy.Group
	return fmt.Sprintf("%s AS m LEFT JOIN %s AS g ON g.%s = %s",
		b.q(m.Table), b.q(g.Table), b.q(g.Key), b.col("m", m.GroupRef))
}

func (b *builder) orphanUses() []planner.CatalogValue {
	st := b.doc.OrphanRepair.Status
	if st == nil {
		return nil
	}
	return b.enumUses(st.Cast, []string{st.Value})
}

// orphanGroupsQuery counts groups with members whose bridge key is NULL or
// points at a parent that does not exist.
func (b *builder) orphanGroupsQuery() string {
	m, g := b.doc.Legacy.Member, b.doc.Legacy.Group
	return fmt.Sprintf("SELECT COUNT(*) FROM %s AS g WHERE %s AND EXISTS (SELECT 1 FROM %s AS m WHERE %s = %s)",
		b.q(g.Table), b.unresolved("g", g.CanonicalRef), b.q(m.Table), b.col("m", m.GroupRef), b.col("g", g.Key))
}

func (b *builder) membersUnlinkedQuery() string {
	m := b.doc.Legacy.Member
	return fmt.Sprintf("SELECT COUNT(*) FROM %s AS m WHERE %s", b.q(m.Table), b.unresolved("m", m.CanonicalRef))
}

func (b *builder) membersWithoutChildQuery() string {
	m, c := b.doc.Legacy.Member, b.doc.Canonical.Child
	return fmt.Sprintf("SELECT COUNT(*) FROM %s AS m WHERE %s AND NOT EXISTS (SELECT 1 FROM %s AS c WHERE %s = %s)",
		b.q(m.Table), b.resolves("m", m.CanonicalRef), b.q(c.Table), b.col("c", c.LegacyRef), b.col("m", m.Key))
}

// resolves renders a condition true when alias.ref names an existing parent.
func (b *builder) resolves(alias, ref string) string {
	p := b.doc.Canonical.Parent
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS rp WHERE %s = %s)", b.q(p.Table), b.col("rp", p.Key), b.col(alias, ref))
}

// unresolved is the negation of resolves, NULL included.
func (b *builder) unresolved(alias, ref string) string {
	return fmt.Sprintf("(%s IS NULL OR NOT %s)", b.col(alias, ref), b.resolves(alias, ref))
}

func (b *builder) childrenWithoutParentQuery() string {
	p, c := b.doc.Canonical.Parent, b.doc.Canonical.Child
	return fmt.Sprintf("SELECT COUNT(*) FROM %s AS c WHERE %s IS NULL OR NOT EXISTS (SELECT 1 FROM %s AS p WHERE %s = %s)",
		b.q(c.Table), b.col("c", c.ParentRef), b.q(p.Table), b.col("p", p.Key), b.col("c", c.ParentRef))
}
