// Package state records every bundle execution in a table inside the
// database being consolidated.
//
// Runs are inserted as running and finished exactly once; a finished run is
// never modified. A retry is a new run of the same bundle.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
)

// DefaultTable is the history table name used when none is configured.
const DefaultTable = "consolidation_runs"

// Direction is what a run did to its bundle.
type Direction string

const (
	DirectionForward     Direction = "forward"
	DirectionReverse     Direction = "reverse"
	DirectionVerify      Direction = "verify"
	DirectionAcknowledge Direction = "acknowledge"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrRunInProgress is returned by Begin when the bundle already has a running run.
var ErrRunInProgress = errors.New("bundle already has a running run")

// Run is one execution record.
type Run struct {
	ID           string
	Plan         string
	BundleID     string
	Kind         string
	Direction    Direction
	Status       Status
	Reversible   bool
	Checksum     string
	RowsAffected int64
	Detail       string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Finished reports whether the run has left the running state.
func (r Run) Finished() bool { return r.Status != StatusRunning }

// Store reads and writes the history table.
type Store struct {
	sess  database.Session
	d     dialect.Dialect
	table string
	now   func() time.Time
}

// New returns a store over sess. An empty table selects DefaultTable.
func New(sess database.Session, d dialect.Dialect, table string) *Store {
	if table == "" {
		table = DefaultTable
	}
	return &Store{sess: sess, d: d, table: table, now: time.Now}
}

// With returns a copy of the store issuing statements through sess, typically a transaction.
func (s *Store) With(sess database.Session) *Store {
	clone := *s
	clone.sess = sess
	return &clone
}

// Table returns the history table name.
func (s *Store) Table() string { return s.table }

// Ensure creates the history table and its indexes if missing.
func (s *Store) Ensure(ctx context.Context) error {
	q := s.d.QuoteIdent
	cols := []dialect.Column{
		{Name: "run_id", Type: "TEXT", PrimaryKey: true},
		{Name: "plan_name", Type: "TEXT"},
		{Name: "bundle_id", Type: "TEXT"},
		{Name: "kind", Type: "TEXT"},
		{Name: "direction", Type: "TEXT"},
		{Name: "status", Type: "TEXT"},
		{Name: "reversible", Type: "INTEGER"},
		{Name: "checksum", Type: "TEXT", Nullable: true},
		{Name: "rows_affected", Type: "BIGINT", Nullable: true},
		{Name: "detail", Type: "TEXT", Nullable: true},
		{Name: "started_at", Type: "TEXT"},
		{Name: "finished_at", Type: "TEXT", Nullable: true},
	}
	stmts := []string{
		s.d.CreateTable(s.table, cols).SQL,
		// One running forward or reverse run per bundle.
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s, %s) WHERE %s = 'running' AND %s IN ('forward', 'reverse')",
			q(s.table+"_running_key"), q(s.table), q("plan_name"), q("bundle_id"), q("status"), q("direction")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s, %s)",
			q(s.table+"_plan_idx"), q(s.table), q("plan_name"), q("started_at")),
	}
	for _, stmt := range stmts {
		if _, err := s.sess.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create history table %s: %w", s.table, err)
		}
	}
	return nil
}

// Begin inserts a running run and returns it with its id and start time set.
func (s *Store) Begin(ctx context.Context, r Run) (Run, error) {
	r.ID = uuid.NewString()
	r.Status = StatusRunning
	r.StartedAt = s.now().UTC()
	r.FinishedAt = time.Time{}

	query := fmt.Sprintf(
		"INSERT INTO %s (run_id, plan_name, bundle_id, kind, direction, status, reversible, checksum, started_at) VALUES (%s)",
		s.d.QuoteIdent(s.table), s.placeholders(9))
	_, err := s.sess.ExecContext(ctx, query,
		r.ID, r.Plan, r.BundleID, r.Kind, string(r.Direction), string(r.Status),
		boolInt(r.Reversible), r.Checksum, dialect.FixedTimestamp(r.StartedAt))
	if err != nil {
		if s.hasRunning(ctx, r.Plan, r.BundleID) && (r.Direction == DirectionForward || r.Direction == DirectionReverse) {
			return Run{}, fmt.Errorf("%w: %s", ErrRunInProgress, r.BundleID)
		}
		return Run{}, fmt.Errorf("failed to record run of %s: %w", r.BundleID, err)
	}
	return r, nil
}

// Finish moves a running run to status. It fails if the run is not running,
// so a finished run can never be rewritten.
func (s *Store) Finish(ctx context.Context, run *Run, status Status, rows int64, detail string) error {
	if status == StatusRunning {
		return fmt.Errorf("cannot finish run %s as running", run.ID)
	}
	finished := s.now().UTC()
	query := fmt.Sprintf(
		"UPDATE %s SET status = %s, rows_affected = %s, detail = %s, finished_at = %s WHERE run_id = %s AND status = 'running'",
		s.d.QuoteIdent(s.table), s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3), s.d.Placeholder(4), s.d.Placeholder(5))
	res, err := s.sess.ExecContext(ctx, query, string(status), rows, detail, dialect.FixedTimestamp(finished), run.ID)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", run.ID, err)
	}
	if n != 1 {
		return fmt.Errorf("run %s is not running", run.ID)
	}
	run.Status = status
	run.RowsAffected = rows
	run.Detail = detail
	run.FinishedAt = finished
	return nil
}

// Record inserts an already finished run.
func (s *Store) Record(ctx context.Context, r Run, status Status, detail string) (Run, error) {
	r, err := s.Begin(ctx, r)
	if err != nil {
		return Run{}, err
	}
	if err := s.Finish(ctx, &r, status, 0, detail); err != nil {
		return Run{}, err
	}
	return r, nil
}

// Acknowledge records that an operator inspected bundleID after a failure.
// Runs of the bundle still marked running belong to a dead process and are
// finished as failed.
func (s *Store) Acknowledge(ctx context.Context, plan, bundleID, kind, note string) (Run, error) {
	query := fmt.Sprintf(
		"UPDATE %s SET status = 'failed', detail = %s, finished_at = %s WHERE plan_name = %s AND bundle_id = %s AND status = 'running'",
		s.d.QuoteIdent(s.table), s.d.Placeholder(1), s.d.Placeholder(2), s.d.Placeholder(3), s.d.Placeholder(4))
	if _, err := s.sess.ExecContext(ctx, query, "abandoned; acknowledged by operator",
		dialect.FixedTimestamp(s.now().UTC()), plan, bundleID); err != nil {
		return Run{}, fmt.Errorf("failed to close abandoned runs of %s: %w", bundleID, err)
	}
	return s.Record(ctx, Run{
		Plan:      plan,
		BundleID:  bundleID,
		Kind:      kind,
		Direction: DirectionAcknowledge,
	}, StatusCompleted, note)
}

// Runs returns every run of plan in start order.
func (s *Store) Runs(ctx context.Context, plan string) ([]Run, error) {
	query := fmt.Sprintf(
		"SELECT run_id, plan_name, bundle_id, kind, direction, status, reversible, checksum, rows_affected, detail, started_at, finished_at FROM %s WHERE plan_name = %s ORDER BY started_at, run_id",
		s.d.QuoteIdent(s.table), s.d.Placeholder(1))
	rows, err := s.sess.QueryContext(ctx, query, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			direction, status string
			reversible        int64
			checksum, detail  sql.NullString
			affected          sql.NullInt64
			started           string
			finished          sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Plan, &r.BundleID, &r.Kind, &direction, &status, &reversible,
			&checksum, &affected, &detail, &started, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Direction = Direction(direction)
		r.Status = Status(status)
		r.Reversible = reversible != 0
		r.Checksum = checksum.String
		r.RowsAffected = affected.Int64
		r.Detail = detail.String
		if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
			return nil, fmt.Errorf("run %s has invalid started_at %q: %w", r.ID, started, err)
		}
		if finished.Valid && finished.String != "" {
			if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished.String); err != nil {
				return nil, fmt.Errorf("run %s has invalid finished_at %q: %w", r.ID, finished.String, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Load reads the plan's runs into a History.
func (s *Store) Load(ctx context.Context, plan string) (*History, error) {
	runs, err := s.Runs(ctx, plan)
	if err != nil {
		return nil, err
	}
	return NewHistory(runs), nil
}

func (s *Store) hasRunning(ctx context.Context, plan, bundleID string) bool {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE plan_name = %s AND bundle_id = %s AND status = 'running' AND direction IN ('forward', 'reverse')",
		s.d.QuoteIdent(s.table), s.d.Placeholder(1), s.d.Placeholder(2))
	var n int64
	if err := s.sess.QueryRowContext(ctx, query, plan, bundleID).Scan(&n); err != nil {
		return false
	}
	return n > 0
}

func (s *Store) placeholders(n int) string {
	out := make([]byte, 0, n*4)
	for i := 1; i <= n; i++ {
		if i > 1 {
			out = append(out, ", "...)
		}
		out = append(out, s.d.Placeholder(i)...)
	}
	return string(out)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
