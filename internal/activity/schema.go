package activity

import (
	"fmt"

	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/planner"
)

// Provenance columns shared by both consolidated tables.
const (
	ColSourceTable = "source_table"
	ColSourceRowID = "source_row_id"
)

// ledgerFields are the projected columns of the field-change ledger, in insert order.
var ledgerFields = []string{
	"entity_type", "entity_id", "field", "old_value", "new_value", "actor", "kind", "metadata", "occurred_at",
}

// timelineFields are the projected columns of the narrative timeline, in insert order.
var timelineFields = []string{
	"entity_type", "entity_id", "kind", "category", "title", "description", "actor", "metadata", "occurred_at",
}

// Fields returns the projected columns for target.
func Fields(target string) []string {
	if target == mapping.TargetLedger {
		return ledgerFields
	}
	return timelineFields
}

// Columns returns the table definition for the ledger or the timeline.
func Columns(d dialect.Dialect, target string) []dialect.Column {
	cols := []dialect.Column{d.AutoIncrementKey("id")}
	for _, f := range Fields(target) {
		col := dialect.Column{Name: f, Type: "TEXT", Nullable: true}
		switch f {
		case "entity_type":
			col.Nullable = false
		case "metadata":
			col.Type = d.JSONType()
		case "occurred_at":
			col.Type = d.TimestampType()
		}
		cols = append(cols, col)
	}
	return append(cols,
		dialect.Column{Name: ColSourceTable, Type: "TEXT"},
		dialect.Column{Name: ColSourceRowID, Type: "TEXT"},
		dialect.Column{Name: "imported_at", Type: d.TimestampType()},
	)
}

// CreateStatements creates one consolidated table with its provenance key
// and its read index, and rejects updates and deletes on it. The table is
// new, so the indexes are built in place.
func CreateStatements(d dialect.Dialect, table, target string) []planner.Statement {
	q := d.QuoteIdent
	stmts := []planner.Statement{
		d.CreateTable(table, Columns(d, target)),
		{SQL: fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
			q(table+"_provenance_key"), q(table), q(ColSourceTable), q(ColSourceRowID))},
		{SQL: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s, %s)",
			q(table+"_entity_idx"), q(table), q("entity_type"), q("entity_id"), q("occurred_at"))},
	}
	return append(stmts, d.AppendOnly(table)...)
}

// UnimportedQuery counts source rows with no consolidated row carrying their provenance.
func UnimportedQuery(d dialect.Dialect, src mapping.ActivitySource, table string) string {
	q := d.QuoteIdent
	return fmt.Sprintf(
		"SELECT COUNT(*) FROM %s AS s WHERE NOT EXISTS (SELECT 1 FROM %s AS a WHERE a.%s = %s AND a.%s = CAST(s.%s AS TEXT))",
		q(src.Table), q(table), q(ColSourceTable), d.QuoteLiteral(src.Table), q(ColSourceRowID), q(src.Key))
}

// TableFor returns the destination table of src.
func TableFor(a mapping.Activity, src mapping.ActivitySource) string {
	if src.Target == mapping.TargetLedger {
		return a.Ledger()
	}
	return a.Timeline()
}
