package activity

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/logging"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/metrics"
	"github.com/lockplane/consolidate/internal/planner"
)

// DefaultBatchSize is the number of source rows read per transaction.
const DefaultBatchSize = 1000

// Importer copies source rows into the consolidated tables. It is the
// activity_import program.
type Importer struct {
	activity  mapping.Activity
	d         dialect.Dialect
	batchSize int
	log       *logrus.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// ImporterOptions configure an Importer. Zero values select defaults.
type ImporterOptions struct {
	BatchSize int
	Log       *logrus.Logger
	Metrics   *metrics.Metrics
}

// NewImporter returns an importer for the sources of a.
func NewImporter(a mapping.Activity, d dialect.Dialect, opts ImporterOptions) *Importer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	return &Importer{activity: a, d: d, batchSize: opts.BatchSize, log: opts.Log, metrics: opts.Metrics, now: time.Now}
}

// Run imports the source named by b.Source.
func (im *Importer) Run(ctx context.Context, conn database.Beginner, b *planner.Bundle) (int64, error) {
	for _, src := range im.activity.Sources {
		if src.Name == b.Source {
			return im.Import(ctx, conn, src)
		}
	}
	return 0, fmt.Errorf("activity source %q is not in the mapping", b.Source)
}

// Import copies every not yet imported row of src, one keyset batch per
// transaction, and returns the number of rows inserted. Rows already
// carrying their provenance key are skipped, so a second run inserts nothing.
func (im *Importer) Import(ctx context.Context, conn database.Beginner, src mapping.ActivitySource) (int64, error) {
	table := TableFor(im.activity, src)
	log := im.log.WithFields(logrus.Fields{logging.FieldSource: src.Name, "table": table})

	var (
		total  int64
		cursor any
	)
	for {
		rows, last, err := im.batch(ctx, conn, src, table, cursor)
		if err != nil {
			return total, err
		}
		if len(rows) == 0 {
			break
		}
		n, err := im.insert(ctx, conn, src, table, rows)
		if err != nil {
			return total, err
		}
		total += n
		im.metrics.RecordImported(src.Name, n)
		log.WithFields(logrus.Fields{"batch": len(rows), "inserted": n}).Debug("batch imported")
		cursor = last
	}
	log.WithField("inserted", total).Info("source imported")
	return total, nil
}

// batch reads up to batchSize unimported rows after cursor in key order.
func (im *Importer) batch(ctx context.Context, sess database.Session, src mapping.ActivitySource, table string, cursor any) ([]Row, any, error) {
	q := im.d.QuoteIdent
	where := []string{fmt.Sprintf("NOT EXISTS (SELECT 1 FROM %s AS a WHERE a.%s = %s AND a.%s = CAST(s.%s AS TEXT))",
		q(table), q(ColSourceTable), im.d.QuoteLiteral(src.Table), q(ColSourceRowID), q(src.Key))}
	var args []any
	if cursor != nil {
		where = append(where, fmt.Sprintf("s.%s > %s", q(src.Key), im.d.Placeholder(1)))
		args = append(args, cursor)
	}
	query := fmt.Sprintf("SELECT s.* FROM %s AS s WHERE %s ORDER BY s.%s LIMIT %d",
		q(src.Table), strings.Join(where, " AND "), q(src.Key), im.batchSize)

	rows, err := sess.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", src.Table, err)
	}
	defer func() { _ = rows.Close() }()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var (
		out  []Row
		last any
	)
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(Row, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				values[i] = string(b)
			}
			row[c] = values[i]
		}
		if _, ok := row[src.Key]; !ok {
			return nil, nil, fmt.Errorf("%s has no column %q", src.Table, src.Key)
		}
		last = row[src.Key]
		out = append(out, row)
	}
	return out, last, rows.Err()
}

// insert writes one batch in a single transaction.
func (im *Importer) insert(ctx context.Context, conn database.Beginner, src mapping.ActivitySource, table string, rows []Row) (int64, error) {
	fields := Fields(src.Target)
	cols := append(append([]string(nil), fields...), ColSourceTable, ColSourceRowID, "imported_at")
	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = im.d.QuoteIdent(c)
		marks[i] = im.d.Placeholder(i + 1)
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s, %s) DO NOTHING",
		im.d.QuoteIdent(table), strings.Join(quoted, ", "), strings.Join(marks, ", "),
		im.d.QuoteIdent(ColSourceTable), im.d.QuoteIdent(ColSourceRowID))

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	importedAt := im.d.TimeValue(im.now())
	var inserted int64
	for _, row := range rows {
		projected := Project(src, row)
		args := make([]any, 0, len(cols))
		for _, f := range fields {
			v := projected[f]
			if t, ok := v.(time.Time); ok {
				v = im.d.TimeValue(t)
			}
			args = append(args, v)
		}
		args = append(args, src.Table, RowID(row[src.Key]), importedAt)

		res, err := tx.ExecContext(ctx, stmt, args...)
		if err != nil {
			return 0, fmt.Errorf("failed to import %s row %s: %w", src.Table, RowID(row[src.Key]), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}
