package multiphase

import (
	"strings"
	"testing"

	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/planner"
)

func buyersDoc() *mapping.Document {
	return &mapping.Document{
		Name:  "plan_buyers",
		Epoch: "2025-03-01T09:00:00Z",
		Catalog: mapping.Catalog{
			EnumValues: []mapping.EnumValues{
				{Type: "BuyerStage", Values: []string{"ASSIGNED", "AWAITING_PICK", "MATCHED"}, Create: true},
			},
			Columns: []mapping.CatalogColumn{{Table: "waitlist_buyers", Name: "plan_id", Type: "text"}},
			Tables: []mapping.CatalogTable{{
				Name: "plan_buyers",
				Columns: []mapping.TableColumn{
					{Name: "id", Type: "text", PrimaryKey: true},
					{Name: "plan_id", Type: "text", Nullable: true},
					{Name: "legacy_buyer_id", Type: "text", Nullable: true},
					{Name: "stage", Type: `"BuyerStage"`, Nullable: true},
				},
			}},
		},
		Legacy: mapping.Legacy{
			Group:  mapping.Group{Table: "litter_waitlists", Key: "id", CanonicalRef: "plan_id"},
			Member: mapping.Member{Table: "waitlist_buyers", Key: "id", GroupRef: "waitlist_id", CanonicalRef: "plan_id", LegacyFK: "waitlist_buyers_waitlist_id_fkey"},
		},
		Canonical: mapping.Canonical{
			Parent: mapping.Parent{Table: "breeding_plans", Key: "id", IDStrategy: mapping.IDStrategyUUID},
			Child: mapping.Child{
				Table: "plan_buyers", Key: "id", IDStrategy: mapping.IDStrategyUUID,
				ParentRef: "plan_id", LegacyRef: "legacy_buyer_id",
				Columns: []mapping.ColumnExpr{{Name: "contact_id", From: "m.contact_id"}},
				Stage: &mapping.Stage{
					Column: "stage", From: "m.status", Cast: `"BuyerStage"`,
					Mapping: map[string]string{"PENDING": "ASSIGNED", "AWAITING_PICK": "AWAITING_PICK", "PICKED": "MATCHED"},
					Default: "ASSIGNED",
				},
			},
		},
		ColumnBackfills: []mapping.ColumnBackfill{{Target: mapping.TargetParent, Column: "species", From: "g.species"}},
		OrphanRepair: mapping.OrphanRepair{
			ParentColumns: []mapping.ColumnExpr{{Name: "species", From: "g.species"}},
			Status:        &mapping.StatusValue{Column: "status", Value: "COMPLETE"},
		},
		Cleanup: mapping.Cleanup{
			DropColumns: []mapping.ColumnRef{{Table: "contacts", Name: "waitlist_buyer_id"}},
			DropTables:  []string{"waitlist_buyers", "litter_waitlists"},
		},
		Activity: mapping.Activity{
			Sources: []mapping.ActivitySource{
				{Name: "buyer_changes", Table: "waitlist_buyer_audit", Key: "id", Target: mapping.TargetLedger, EntityType: "=plan_buyer", EntityID: "buyer_id"},
				{Name: "waitlist_notes", Table: "waitlist_notes", Key: "id", Target: mapping.TargetTimeline, EntityType: "=breeding_plan", EntityID: "plan_id"},
			},
		},
	}
}

func slugs(plan *planner.Plan) []string {
	out := make([]string, len(plan.Bundles))
	for i, b := range plan.Bundles {
		out[i] = strings.TrimPrefix(b.ID[15:], plan.Name+"_")
	}
	return out
}

func bundle(t *testing.T, plan *planner.Plan, slug string) *planner.Bundle {
	t.Helper()
	for _, b := range plan.Bundles {
		if strings.HasSuffix(b.ID, "_"+slug) {
			return b
		}
	}
	t.Fatalf("no bundle %s in plan", slug)
	return nil
}

func TestGenerate_Order(t *testing.T) {
	plan, err := Generate(buyersDoc(), dialect.Postgres{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	want := []string{
		"enum_buyerstage", "catalog", "activity_tables", "import_buyer_changes", "import_waitlist_notes",
		"link_members", "backfill_children", "backfill_columns", "map_stages", "repair_orphans", "sweep",
		"cutover_keys", "cutover_constraints", "cleanup",
	}
	got := slugs(plan)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("bundle order =\n%v\nwant\n%v", got, want)
	}

	if plan.Bundles[0].ID != "20250301090000_plan_buyers_enum_buyerstage" {
		t.Errorf("first id = %s", plan.Bundles[0].ID)
	}
	for i := 1; i < len(plan.Bundles); i++ {
		if plan.Bundles[i].ID <= plan.Bundles[i-1].ID {
			t.Errorf("ids not increasing at %d: %s <= %s", i, plan.Bundles[i].ID, plan.Bundles[i-1].ID)
		}
	}
	for _, b := range plan.Bundles {
		if b.Checksum == "" {
			t.Errorf("%s has no checksum", b.ID)
		}
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	first, err := Generate(buyersDoc(), dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Generate(buyersDoc(), dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}
	if first.SourceHash != second.SourceHash {
		t.Error("re-planning the same document must produce the same plan hash")
	}
}

func TestGenerate_EnumBundleIsolated(t *testing.T) {
	plan, err := Generate(buyersDoc(), dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}

	enum := plan.Bundles[0]
	if enum.Atomic {
		t.Error("enum bundle must run in autocommit")
	}
	if len(enum.Introduces) != 3 {
		t.Errorf("expected 3 introduced values, got %d", len(enum.Introduces))
	}
	if !strings.HasPrefix(enum.Forward[0].SQL, `CREATE TYPE "BuyerStage" AS ENUM`) || enum.Forward[0].Unless == "" {
		t.Errorf("expected guarded CREATE TYPE, got %+v", enum.Forward[0])
	}
	for _, stmt := range enum.Forward[1:] {
		if !strings.HasPrefix(stmt.SQL, `ALTER TYPE "BuyerStage" ADD VALUE IF NOT EXISTS`) {
			t.Errorf("unexpected statement in enum bundle: %s", stmt.SQL)
		}
	}

	children := bundle(t, plan, "backfill_children")
	if len(children.Uses) == 0 {
		t.Fatal("child backfill should record the stage values it writes")
	}
	stages := bundle(t, plan, "map_stages")
	if stages.Uses[0].Type != "BuyerStage" {
		t.Errorf("stage map uses %v", stages.Uses)
	}
}

func TestGenerate_BackfillGuards(t *testing.T) {
	plan, err := Generate(buyersDoc(), dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}

	link := bundle(t, plan, "link_members").Forward[0].SQL
	if !strings.Contains(link, `m."plan_id" IS NULL`) {
		t.Errorf("member link must only fill NULL bridge keys: %s", link)
	}

	children := bundle(t, plan, "backfill_children")
	sql := children.Forward[0].SQL
	for _, want := range []string{
		`NOT EXISTS (SELECT 1 FROM "plan_buyers" AS c WHERE c."legacy_buyer_id" = m."id")`,
		"ON CONFLICT DO NOTHING",
		"gen_random_uuid()::text",
		`CAST(CASE m.status WHEN 'AWAITING_PICK' THEN 'AWAITING_PICK' WHEN 'PENDING' THEN 'ASSIGNED' WHEN 'PICKED' THEN 'MATCHED' ELSE 'ASSIGNED' END AS "BuyerStage")`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("child backfill missing %q:\n%s", want, sql)
		}
	}
	if !children.Atomic || !children.Reverse.IsNoop() {
		t.Error("child backfill should be atomic with a no-op reverse")
	}

	cols := bundle(t, plan, "backfill_columns").Forward[0].SQL
	if !strings.Contains(cols, `p."species" IS NULL`) {
		t.Errorf("column backfill must be first-writer-wins: %s", cols)
	}

	sweep := bundle(t, plan, "sweep")
	if len(sweep.Forward) != 2 {
		t.Errorf("sweep should link then backfill, got %d statements", len(sweep.Forward))
	}

	stages := bundle(t, plan, "map_stages")
	if len(stages.Observations) != 1 || !strings.Contains(stages.Observations[0].Query, "NOT IN ('AWAITING_PICK', 'PENDING', 'PICKED')") {
		t.Errorf("stage map should observe unmapped values: %+v", stages.Observations)
	}

	repair := bundle(t, plan, "repair_orphans")
	if repair.Program != ProgramOrphanRepair || repair.Atomic {
		t.Errorf("orphan repair should be a non-atomic program bundle: %+v", repair)
	}
}

func TestGenerate_DatabaseIDStrategy(t *testing.T) {
	doc := buyersDoc()
	doc.Canonical.Child.IDStrategy = mapping.IDStrategyDatabase
	plan, err := Generate(doc, dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}
	sql := bundle(t, plan, "backfill_children").Forward[0].SQL
	if strings.Contains(sql, "gen_random_uuid") || strings.HasPrefix(sql, `INSERT INTO "plan_buyers" ("id"`) {
		t.Errorf("database id strategy must leave the key to the database:\n%s", sql)
	}
}

func TestGenerate_Cutover(t *testing.T) {
	plan, err := Generate(buyersDoc(), dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}

	keys := bundle(t, plan, "cutover_keys")
	if keys.Atomic {
		t.Error("cutover keys build indexes concurrently and must not be atomic")
	}
	guard := keys.Forward[0]
	if !strings.HasPrefix(guard.SQL, "DROP INDEX CONCURRENTLY IF EXISTS") || !strings.Contains(guard.Unless, "i.indisvalid") {
		t.Errorf("expected a guarded drop of an invalid index first, got %+v", guard)
	}
	if !strings.Contains(keys.Forward[1].SQL, "CREATE UNIQUE INDEX CONCURRENTLY") {
		t.Errorf("expected concurrent unique index, got %s", keys.Forward[1].SQL)
	}
	if !strings.HasSuffix(keys.Forward[2].SQL, "NOT VALID") || !strings.Contains(keys.Forward[3].SQL, "VALIDATE CONSTRAINT") {
		t.Errorf("expected NOT VALID check then VALIDATE, got %v", keys.Forward[2:])
	}
	if len(keys.Postconditions) != 1 || keys.Postconditions[0].Kind != planner.CheckZeroRows ||
		!strings.Contains(keys.Postconditions[0].Query, "NOT i.indisvalid") {
		t.Errorf("expected an invalid index postcondition, got %+v", keys.Postconditions)
	}

	constraints := bundle(t, plan, "cutover_constraints")
	if !constraints.Atomic {
		t.Error("cutover constraints should be atomic")
	}
	var verified, fk, zero int
	for _, c := range constraints.Preconditions {
		switch c.Kind {
		case planner.CheckVerified:
			verified++
			if c.Target != keys.ID {
				t.Errorf("verification gate targets %s, want %s", c.Target, keys.ID)
			}
		case planner.CheckConstraintExists:
			fk++
		case planner.CheckZeroRows:
			zero++
		}
	}
	if verified != 1 || fk != 1 || zero != 3 {
		t.Errorf("preconditions: verified=%d constraint=%d zero_rows=%d", verified, fk, zero)
	}

	last := constraints.Forward[len(constraints.Forward)-1].SQL
	if last != `ALTER TABLE "waitlist_buyers" DROP CONSTRAINT "waitlist_buyers_waitlist_id_fkey"` {
		t.Errorf("last cutover statement = %s", last)
	}
	if !constraints.Reverse.IsReversible() || constraints.Reverse.IsNoop() {
		t.Error("cutover must have a concrete reverse")
	}
}

func TestGenerate_Cleanup(t *testing.T) {
	plan, err := Generate(buyersDoc(), dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}

	cleanup := bundle(t, plan, "cleanup")
	if cleanup.Reverse.IsReversible() {
		t.Fatal("cleanup must be irreversible")
	}
	if cleanup.Reverse.Irreversible.Reason != "requires a full backup restore" {
		t.Errorf("reason = %q", cleanup.Reverse.Irreversible.Reason)
	}
	if cleanup.Atomic {
		t.Error("cleanup runs in autocommit")
	}

	pre := cleanup.Preconditions[0]
	if pre.Kind != planner.CheckBakeIn || pre.Target != bundle(t, plan, "cutover_constraints").ID {
		t.Errorf("cleanup precondition = %+v", pre)
	}
	if want := "contacts,waitlist_buyers,litter_waitlists"; strings.Join(cleanup.Archive, ",") != want {
		t.Errorf("Archive = %v, want %s", cleanup.Archive, want)
	}
}

func TestGenerate_NoCleanup(t *testing.T) {
	doc := buyersDoc()
	doc.Cleanup = mapping.Cleanup{}
	plan, err := Generate(doc, dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.OfKind(planner.KindCleanup)) != 0 {
		t.Error("expected no cleanup bundle")
	}
}

func TestGenerate_ActivityIndependent(t *testing.T) {
	plan, err := Generate(buyersDoc(), dialect.Postgres{})
	if err != nil {
		t.Fatal(err)
	}

	tables := bundle(t, plan, "activity_tables")
	if len(tables.DependsOn) != 0 {
		t.Errorf("activity tables should not wait for the main chain: %v", tables.DependsOn)
	}
	for _, b := range plan.OfKind(planner.KindConsolidate) {
		if len(b.DependsOn) != 1 || b.DependsOn[0] != tables.ID {
			t.Errorf("%s depends on %v, want only the activity tables", b.ID, b.DependsOn)
		}
		if b.Program != ProgramActivityImport || b.Source == "" {
			t.Errorf("%s should run the activity import program", b.ID)
		}
	}

	link := bundle(t, plan, "link_members")
	for _, dep := range link.DependsOn {
		if strings.Contains(dep, "activity") || strings.Contains(dep, "import") {
			t.Errorf("main chain must not depend on activity bundles: %s", dep)
		}
	}
}

func TestGenerate_SQLite(t *testing.T) {
	doc := buyersDoc()
	doc.Catalog.Tables[0].Columns[3].Type = "TEXT"
	doc.Canonical.Child.Stage.Cast = ""
	plan, err := Generate(doc, dialect.SQLite{})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	for _, b := range plan.Bundles {
		for _, stmt := range b.Forward {
			if strings.Contains(stmt.SQL, "CONCURRENTLY") {
				t.Errorf("%s: SQLite has no concurrent index builds: %s", b.ID, stmt.SQL)
			}
		}
	}

	constraints := bundle(t, plan, "cutover_constraints")
	if len(constraints.Forward) != 2 || !strings.HasPrefix(constraints.Forward[0].SQL, "CREATE TRIGGER IF NOT EXISTS") {
		t.Errorf("SQLite enforces NOT NULL with triggers, got %v", constraints.Forward)
	}

	var warned bool
	for _, w := range plan.Warnings {
		if strings.Contains(w, "cannot drop foreign key") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected a warning about the legacy foreign key, got %v", plan.Warnings)
	}

	catalog := bundle(t, plan, "catalog")
	for _, stmt := range catalog.Forward {
		if strings.HasPrefix(stmt.SQL, "ALTER TABLE") && stmt.Unless == "" {
			t.Errorf("SQLite ADD COLUMN must be guarded: %s", stmt.SQL)
		}
	}
}

func TestGenerate_InvalidDocument(t *testing.T) {
	doc := buyersDoc()
	doc.Epoch = "soon"
	if _, err := Generate(doc, dialect.Postgres{}); err == nil {
		t.Error("expected error for invalid epoch")
	}
	if _, err := Generate(nil, dialect.Postgres{}); err == nil {
		t.Error("expected error for nil document")
	}
}
