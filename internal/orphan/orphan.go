// Package orphan synthesizes canonical parents for legacy groups that never
// got one, then links the group's members to it. A group whose bridge key
// names a parent that no longer exists is an orphan too.
//
// Each group is repaired in its own transaction: the parent insert, the
// group link and the member links commit together or not at all. A repaired
// group no longer matches the scan, so an interrupted run resumes with the
// groups it had not reached.
package orphan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/logging"
	"github.com/lockplane/consolidate/internal/mapping"
	"github.com/lockplane/consolidate/internal/metrics"
	"github.com/lockplane/consolidate/internal/planner"
)

// Repairer is the orphan_repair program.
type Repairer struct {
	doc     *mapping.Document
	d       dialect.Dialect
	log     *logrus.Logger
	metrics *metrics.Metrics
	newID   func() string
}

// New returns a repairer for doc. log and m may be nil.
func New(doc *mapping.Document, d dialect.Dialect, log *logrus.Logger, m *metrics.Metrics) *Repairer {
	if log == nil {
		log = logging.Discard()
	}
	return &Repairer{doc: doc, d: d, log: log, metrics: m, newID: uuid.NewString}
}

// Stats summarizes one run.
type Stats struct {
	Scanned  int
	Repaired int
	Linked   int64
	// Skipped counts groups linked concurrently between scan and repair.
	Skipped int
}

// Run satisfies the executor's program interface. It returns the number of
// parents created plus members linked.
func (r *Repairer) Run(ctx context.Context, conn database.Beginner, b *planner.Bundle) (int64, error) {
	stats, err := r.Repair(ctx, conn)
	r.log.WithFields(logrus.Fields{
		logging.FieldBundle: b.ID,
		"scanned":           stats.Scanned,
		"repaired":          stats.Repaired,
		"linked":            stats.Linked,
		"skipped":           stats.Skipped,
	}).Info("orphan repair finished")
	return int64(stats.Repaired) + stats.Linked, err
}

// Repair scans orphan groups in key order, one batch at a time.
func (r *Repairer) Repair(ctx context.Context, conn database.Beginner) (Stats, error) {
	var (
		stats  Stats
		cursor any
	)
	for {
		keys, err := r.scan(ctx, conn, cursor)
		if err != nil {
			return stats, err
		}
		if len(keys) == 0 {
			return stats, nil
		}
		for _, key := range keys {
			stats.Scanned++
			linked, ok, err := r.repairGroup(ctx, conn, key)
			if err != nil {
				return stats, fmt.Errorf("group %v: %w", key, err)
			}
			if !ok {
				stats.Skipped++
				continue
			}
			stats.Repaired++
			stats.Linked += linked
			r.metrics.RecordOrphanRepaired()
		}
		cursor = keys[len(keys)-1]
	}
}

// scan returns the next batch of group keys after cursor whose canonical
// reference does not resolve and that have at least one member.
func (r *Repairer) scan(ctx context.Context, sess database.Session, cursor any) ([]any, error) {
	g, m := r.doc.Legacy.Group, r.doc.Legacy.Member
	q := r.d.QuoteIdent

	where := []string{
		r.unresolved("g", g.CanonicalRef),
		fmt.Sprintf("EXISTS (SELECT 1 FROM %s AS m WHERE m.%s = g.%s)", q(m.Table), q(m.GroupRef), q(g.Key)),
	}
	var args []any
	if cursor != nil {
		where = append(where, fmt.Sprintf("g.%s > %s", q(g.Key), r.d.Placeholder(1)))
		args = append(args, cursor)
	}
	query := fmt.Sprintf("SELECT g.%s FROM %s AS g WHERE %s ORDER BY g.%s LIMIT %d",
		q(g.Key), q(g.Table), strings.Join(where, " AND "), q(g.Key), r.doc.OrphanBatchSize())

	rows, err := sess.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan orphan groups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []any
	for rows.Next() {
		var key any
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		if b, ok := key.([]byte); ok {
			key = string(b)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// repairGroup creates the parent and links the group and its members. ok is
// false when the group was linked by someone else first.
func (r *Repairer) repairGroup(ctx context.Context, conn database.Beginner, key any) (linked int64, ok bool, err error) {
	g, m, p := r.doc.Legacy.Group, r.doc.Legacy.Member, r.doc.Canonical.Parent
	q, ph := r.d.QuoteIdent, r.d.Placeholder

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()

	insert, args := r.parentInsert(key)
	var parentKey any
	if err := tx.QueryRowContext(ctx, insert, args...).Scan(&parentKey); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The group matched nothing, so it no longer needs a parent.
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to create %s: %w", p.Table, err)
	}
	if b, isBytes := parentKey.([]byte); isBytes {
		parentKey = string(b)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s AS g SET %s = %s WHERE g.%s = %s AND %s",
		q(g.Table), q(g.CanonicalRef), ph(1), q(g.Key), ph(2), r.unresolved("g", g.CanonicalRef)), parentKey, key)
	if err != nil {
		return 0, false, fmt.Errorf("failed to link %s: %w", g.Table, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, false, err
	}

	res, err = tx.ExecContext(ctx, fmt.Sprintf("UPDATE %s AS m SET %s = %s WHERE m.%s = %s AND %s",
		q(m.Table), q(m.CanonicalRef), ph(1), q(m.GroupRef), ph(2), r.unresolved("m", m.CanonicalRef)), parentKey, key)
	if err != nil {
		return 0, false, fmt.Errorf("failed to link %s: %w", m.Table, err)
	}
	if linked, err = res.RowsAffected(); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return linked, true, nil
}

// parentInsert builds the INSERT … SELECT that synthesizes one parent from
// the group row. The WHERE re-checks the group is still unresolved, so a
// group linked since the scan inserts nothing.
func (r *Repairer) parentInsert(key any) (string, []any) {
	g, p := r.doc.Legacy.Group, r.doc.Canonical.Parent
	or := r.doc.OrphanRepair
	q := r.d.QuoteIdent

	var (
		cols, exprs []string
		args        []any
	)
	if p.IDStrategy != mapping.IDStrategyDatabase {
		args = append(args, r.newID())
		cols = append(cols, q(p.Key))
		exprs = append(exprs, r.d.Placeholder(len(args)))
	}
	for _, pc := range or.ParentColumns {
		cols = append(cols, q(pc.Name))
		exprs = append(exprs, pc.From)
	}
	if or.Status != nil {
		cols = append(cols, q(or.Status.Column))
		exprs = append(exprs, r.d.Cast(r.d.QuoteLiteral(or.Status.Value), or.Status.Cast))
	}
	args = append(args, key)

	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s AS g WHERE g.%s = %s AND %s RETURNING %s",
		q(p.Table), strings.Join(cols, ", "), strings.Join(exprs, ", "), q(g.Table),
		q(g.Key), r.d.Placeholder(len(args)), r.unresolved("g", g.CanonicalRef), q(p.Key)), args
}

// unresolved renders a condition true when alias.ref is NULL or names no parent.
func (r *Repairer) unresolved(alias, ref string) string {
	p := r.doc.Canonical.Parent
	q := r.d.QuoteIdent
	return fmt.Sprintf("(%s.%s IS NULL OR NOT EXISTS (SELECT 1 FROM %s AS rp WHERE rp.%s = %s.%s))",
		alias, q(ref), q(p.Table), q(p.Key), alias, q(ref))
}
