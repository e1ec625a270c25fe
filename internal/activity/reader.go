package activity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/mapping"
)

// Record is one consolidated history entry from either table.
type Record struct {
	Target      string  `json:"target"`
	EntityType  string  `json:"entity_type"`
	EntityID    *string `json:"entity_id"`
	Kind        *string `json:"kind"`
	Field       *string `json:"field,omitempty"`
	OldValue    *string `json:"old_value,omitempty"`
	NewValue    *string `json:"new_value,omitempty"`
	Category    *string `json:"category,omitempty"`
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Actor       *string `json:"actor"`
	Metadata    *string `json:"metadata,omitempty"`
	OccurredAt  *string `json:"occurred_at"`
	SourceTable string  `json:"source_table"`
	SourceRowID string  `json:"source_row_id"`
}

// recordColumns is the column order of the merged read.
var recordColumns = []string{
	"entity_type", "entity_id", "kind", "field", "old_value", "new_value",
	"category", "title", "description", "actor", "metadata", "occurred_at",
	ColSourceTable, ColSourceRowID,
}

// Reader reads entity history across the ledger and the timeline.
type Reader struct {
	sess     database.Session
	d        dialect.Dialect
	activity mapping.Activity
}

func NewReader(sess database.Session, d dialect.Dialect, a mapping.Activity) *Reader {
	return &Reader{sess: sess, d: d, activity: a}
}

// History returns every entry for one entity from the tables any source
// writes to, ordered by occurrence with provenance as the tie-breaker.
func (r *Reader) History(ctx context.Context, entityType, entityID string) ([]Record, error) {
	var selects []string
	var args []any
	for _, target := range []string{mapping.TargetLedger, mapping.TargetTimeline} {
		if !r.activity.Uses(target) {
			continue
		}
		selects = append(selects, r.selectFrom(target, len(args)))
		args = append(args, entityType, entityID)
	}
	if len(selects) == 0 {
		return nil, nil
	}
	q := r.d.QuoteIdent
	query := fmt.Sprintf("%s ORDER BY %s, %s, %s",
		strings.Join(selects, " UNION ALL "), q("occurred_at"), q(ColSourceTable), q(ColSourceRowID))

	rows, err := r.sess.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read activity: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			rec    Record
			fields [11]sql.NullString
		)
		dest := []any{&rec.Target, &rec.EntityType}
		for i := range fields {
			dest = append(dest, &fields[i])
		}
		dest = append(dest, &rec.SourceTable, &rec.SourceRowID)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		ptrs := []**string{
			&rec.EntityID, &rec.Kind, &rec.Field, &rec.OldValue, &rec.NewValue,
			&rec.Category, &rec.Title, &rec.Description, &rec.Actor, &rec.Metadata, &rec.OccurredAt,
		}
		for i, p := range ptrs {
			*p = nullable(fields[i])
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// selectFrom selects recordColumns from one table, with NULL for the
// columns it lacks. offset is the number of placeholders already used.
func (r *Reader) selectFrom(target string, offset int) string {
	q := r.d.QuoteIdent
	have := map[string]bool{ColSourceTable: true, ColSourceRowID: true}
	for _, f := range Fields(target) {
		have[f] = true
	}
	cols := []string{fmt.Sprintf("%s AS %s", r.d.QuoteLiteral(target), q("target"))}
	for _, c := range recordColumns {
		switch {
		case !have[c]:
			cols = append(cols, fmt.Sprintf("NULL AS %s", q(c)))
		case c == "metadata":
			cols = append(cols, fmt.Sprintf("CAST(%s AS TEXT) AS %s", q(c), q(c)))
		default:
			cols = append(cols, q(c))
		}
	}
	table := r.activity.Timeline()
	if target == mapping.TargetLedger {
		table = r.activity.Ledger()
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s AND %s = %s",
		strings.Join(cols, ", "), q(table),
		q("entity_type"), r.d.Placeholder(offset+1), q("entity_id"), r.d.Placeholder(offset+2))
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
