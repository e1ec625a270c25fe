package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/planner/multiphase"
)

func templatePlan(t *testing.T, d dialect.Dialect) *planner.Plan {
	t.Helper()
	doc, err := mapping.Parse(mappingTemplate)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	plan, err := multiphase.Generate(doc, d)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return plan
}

func TestUpAndDownSQL(t *testing.T) {
	cleanup := &planner.Bundle{
		ID:          "20250301090013_plan_buyers_cleanup",
		Description: "Drop legacy tables",
		Forward: []planner.Statement{
			{SQL: `DROP TABLE IF EXISTS "waitlist_buyers"`},
			{SQL: `DROP TYPE "WaitlistStatus";`, Unless: "SELECT COUNT(*) FROM pg_depend"},
		},
		Reverse: planner.CannotUndo("requires a full backup restore"),
	}

	up := upSQL(cleanup)
	for _, want := range []string{
		"-- autocommit",
		`DROP TABLE IF EXISTS "waitlist_buyers";`,
		"-- skip when non-zero: SELECT COUNT(*) FROM pg_depend",
		`DROP TYPE "WaitlistStatus";`,
	} {
		if !strings.Contains(up, want) {
			t.Errorf("up SQL missing %q:\n%s", want, up)
		}
	}
	if strings.Contains(up, ";;") {
		t.Errorf("doubled terminator:\n%s", up)
	}

	down := downSQL(cleanup)
	if !strings.Contains(down, "irreversible: requires a full backup restore") {
		t.Errorf("down SQL should explain irreversibility:\n%s", down)
	}

	link := &planner.Bundle{
		ID:      "20250301090005_plan_buyers_link_members",
		Atomic:  true,
		Reverse: planner.Undo("", planner.Statement{SQL: `UPDATE "waitlist_buyers" SET "plan_id" = NULL`}),
	}
	if down := downSQL(link); !strings.Contains(down, `UPDATE "waitlist_buyers" SET "plan_id" = NULL;`) {
		t.Errorf("down SQL missing reverse statement:\n%s", down)
	}
}

func TestWriteSQLFiles(t *testing.T) {
	plan := templatePlan(t, dialect.Postgres{})
	dir := filepath.Join(t.TempDir(), "sql")

	if err := writeSQLFiles(dir, plan); err != nil {
		t.Fatalf("writeSQLFiles() error = %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2*len(plan.Bundles) {
		t.Errorf("wrote %d files, want %d", len(entries), 2*len(plan.Bundles))
	}

	last := plan.Bundles[len(plan.Bundles)-1]
	data, err := os.ReadFile(filepath.Join(dir, last.ID+".down.sql"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "irreversible") {
		t.Errorf("cleanup reverse file should be marked irreversible:\n%s", data)
	}
}

func TestPrintPlanAnnotatesLocks(t *testing.T) {
	plan := templatePlan(t, dialect.Postgres{})

	var out bytes.Buffer
	printPlan(&out, plan)
	text := out.String()

	if !strings.Contains(text, "Plan plan_buyers") {
		t.Errorf("missing plan header:\n%s", text)
	}
	if !strings.Contains(text, "lock: ") {
		t.Errorf("PostgreSQL plans should show lock modes:\n%s", text)
	}
	if !strings.Contains(text, "irreversible") {
		t.Errorf("cleanup should be marked irreversible:\n%s", text)
	}
}

func TestPrintPlanSQLiteHasNoLocks(t *testing.T) {
	plan := templatePlan(t, dialect.SQLite{})

	var out bytes.Buffer
	printPlan(&out, plan)
	if strings.Contains(out.String(), "lock: ") {
		t.Errorf("SQLite plans should not show PostgreSQL lock modes")
	}
}
