package orphan

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/testutil"
)

func loadDoc(t *testing.T) *mapping.Document {
	t.Helper()
	doc, err := mapping.Load(filepath.Join("..", "mapping", "testdata", "buyers.yaml"))
	require.NoError(t, err)
	return doc
}

func setup(t *testing.T, keyType string) *sql.DB {
	t.Helper()
	db := testutil.SQLite(t)
	parentKey := "id TEXT PRIMARY KEY"
	if keyType == "INTEGER" {
		parentKey = "id INTEGER PRIMARY KEY"
	}
	testutil.Exec(t, db,
		fmt.Sprintf(`CREATE TABLE breeding_plans (%s, species TEXT, name TEXT, status TEXT)`, parentKey),
		fmt.Sprintf(`CREATE TABLE litter_waitlists (id TEXT PRIMARY KEY, species TEXT, name TEXT, plan_id %s)`, keyType),
		fmt.Sprintf(`CREATE TABLE waitlist_buyers (id TEXT PRIMARY KEY, waitlist_id TEXT, status TEXT, plan_id %s)`, keyType),
		`INSERT INTO litter_waitlists (id, species, name) VALUES
			('w2', 'dog', 'Spring'),
			('w3', 'cat', 'Empty'),
			('w4', 'dog', 'Autumn')`,
		`INSERT INTO waitlist_buyers (id, waitlist_id, status) VALUES
			('m1', 'w2', 'PENDING'),
			('m2', 'w2', 'PICKED'),
			('m3', 'w4', 'PENDING'),
			('m4', NULL, 'PENDING')`,
	)
	return db
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("plan-%d", n)
	}
}

func TestRepairCreatesOneParentPerGroup(t *testing.T) {
	ctx := context.Background()
	db := setup(t, "TEXT")
	testutil.Exec(t, db,
		`INSERT INTO breeding_plans (id, species, name, status) VALUES ('p0', 'dog', 'Linked', 'ACTIVE')`,
		`INSERT INTO litter_waitlists (id, species, name, plan_id) VALUES ('w1', 'dog', 'Linked', 'p0')`,
		`INSERT INTO waitlist_buyers (id, waitlist_id, status, plan_id) VALUES ('m0', 'w1', 'PENDING', 'p0')`,
	)

	r := New(loadDoc(t), testutil.SQLiteDialect, nil, nil)
	r.newID = sequentialIDs()

	stats, err := r.Repair(ctx, db)
	require.NoError(t, err)
	require.Equal(t, Stats{Scanned: 2, Repaired: 2, Linked: 3}, stats)

	require.EqualValues(t, 3, testutil.Count(t, db, `SELECT COUNT(*) FROM breeding_plans`))
	require.EqualValues(t, 2, testutil.Count(t, db, `SELECT COUNT(*) FROM breeding_plans WHERE status = 'COMPLETE'`))
	require.EqualValues(t, 1, testutil.Count(t, db,
		`SELECT COUNT(*) FROM breeding_plans p JOIN litter_waitlists g ON g.plan_id = p.id WHERE g.id = 'w2' AND p.species = 'dog' AND p.name = 'Spring'`))
	require.EqualValues(t, 1, testutil.Count(t, db, `SELECT COUNT(DISTINCT plan_id) FROM waitlist_buyers WHERE waitlist_id = 'w2'`))
	require.EqualValues(t, 0, testutil.Count(t, db,
		`SELECT COUNT(*) FROM waitlist_buyers m JOIN litter_waitlists g ON g.id = m.waitlist_id WHERE m.plan_id IS NOT g.plan_id`))

	// Groups without members and members without a group stay unlinked.
	require.EqualValues(t, 1, testutil.Count(t, db, `SELECT COUNT(*) FROM litter_waitlists WHERE id = 'w3' AND plan_id IS NULL`))
	require.EqualValues(t, 1, testutil.Count(t, db, `SELECT COUNT(*) FROM waitlist_buyers WHERE id = 'm4' AND plan_id IS NULL`))

	stats, err = r.Repair(ctx, db)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
	require.EqualValues(t, 3, testutil.Count(t, db, `SELECT COUNT(*) FROM breeding_plans`))
}

func TestRepairBatches(t *testing.T) {
	ctx := context.Background()
	db := setup(t, "TEXT")
	doc := loadDoc(t)
	doc.OrphanRepair.BatchSize = 1

	r := New(doc, testutil.SQLiteDialect, nil, nil)
	r.newID = sequentialIDs()

	n, err := r.Run(ctx, db, &planner.Bundle{ID: "repair"})
	require.NoError(t, err)
	require.EqualValues(t, 5, n, "two parents plus three members")
}

func TestRepairDatabaseIDs(t *testing.T) {
	ctx := context.Background()
	db := setup(t, "INTEGER")
	doc := loadDoc(t)
	doc.Canonical.Parent.IDStrategy = mapping.IDStrategyDatabase

	r := New(doc, testutil.SQLiteDialect, nil, nil)
	r.newID = func() string {
		t.Fatal("database id strategy should not generate ids")
		return ""
	}

	stats, err := r.Repair(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Repaired)
	require.EqualValues(t, 0, testutil.Count(t, db,
		`SELECT COUNT(*) FROM litter_waitlists g WHERE g.id IN ('w2', 'w4') AND NOT EXISTS (SELECT 1 FROM breeding_plans p WHERE p.id = g.plan_id)`))
}

func TestRepairSkipsGroupLinkedConcurrently(t *testing.T) {
	ctx := context.Background()
	db := setup(t, "TEXT")

	r := New(loadDoc(t), testutil.SQLiteDialect, nil, nil)
	r.newID = sequentialIDs()

	// Link w2 between the scan and the repair.
	testutil.Exec(t, db,
		`INSERT INTO breeding_plans (id, status) VALUES ('elsewhere', 'ACTIVE')`,
		`UPDATE litter_waitlists SET plan_id = 'elsewhere' WHERE id = 'w2'`,
	)
	linked, ok, err := r.repairGroup(ctx, db, "w2")
	require.NoError(t, err)
	require.False(t, ok)
	require.Zero(t, linked)
	require.EqualValues(t, 1, testutil.Count(t, db, `SELECT COUNT(*) FROM breeding_plans`))
}

func TestRepairReplacesDanglingParent(t *testing.T) {
	ctx := context.Background()
	db := setup(t, "TEXT")
	testutil.Exec(t, db,
		`INSERT INTO breeding_plans (id, status) VALUES ('p0', 'ACTIVE')`,
		`UPDATE litter_waitlists SET plan_id = 'gone' WHERE id IN ('w2', 'w4')`,
		`UPDATE waitlist_buyers SET plan_id = 'gone' WHERE id = 'm1'`,
		`UPDATE waitlist_buyers SET plan_id = 'p0' WHERE id = 'm3'`,
	)

	r := New(loadDoc(t), testutil.SQLiteDialect, nil, nil)
	r.newID = sequentialIDs()

	stats, err := r.Repair(ctx, db)
	require.NoError(t, err)
	require.Equal(t, 2, stats.Repaired)
	require.EqualValues(t, 2, stats.Linked, "m1 and m2 of w2; m3 already resolves")

	require.EqualValues(t, 0, testutil.Count(t, db,
		`SELECT COUNT(*) FROM litter_waitlists g WHERE g.id IN ('w2', 'w4') AND NOT EXISTS (SELECT 1 FROM breeding_plans p WHERE p.id = g.plan_id)`))
	require.EqualValues(t, 2, testutil.Count(t, db,
		`SELECT COUNT(*) FROM waitlist_buyers m JOIN litter_waitlists g ON g.id = m.waitlist_id WHERE g.id = 'w2' AND m.plan_id = g.plan_id`))
	require.EqualValues(t, 1, testutil.Count(t, db, `SELECT COUNT(*) FROM waitlist_buyers WHERE id = 'm3' AND plan_id = 'p0'`))

	stats, err = r.Repair(ctx, db)
	require.NoError(t, err)
	require.Equal(t, Stats{}, stats)
}
