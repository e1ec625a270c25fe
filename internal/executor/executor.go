// Package executor applies plan bundles to a live database, one bundle per
// run, and records every run in the history ledger.
package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lockplane/consolidate/internal/archive"
	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/failure"
	"github.com/lockplane/consolidate/internal/logging"
	"github.com/lockplane/consolidate/internal/metrics"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/state"
)

var (
	// ErrAlreadyCommitted is returned when applying a committed bundle without Rerun.
	ErrAlreadyCommitted = errors.New("bundle is already committed")
	// ErrVerificationGate is returned when a cutover bundle would follow a
	// data-phase bundle in the same invocation.
	ErrVerificationGate = errors.New("cutover must follow a verification in a separate deployment")
	// ErrNotConfirmed is returned when the operator declines a cleanup bundle.
	ErrNotConfirmed = errors.New("cleanup was not confirmed")
)

// Program generates and runs statements in Go for bundles whose work cannot
// be expressed as a fixed statement list.
type Program interface {
	Run(ctx context.Context, conn database.Beginner, b *planner.Bundle) (int64, error)
}

// ProgramFunc adapts a function to Program.
type ProgramFunc func(ctx context.Context, conn database.Beginner, b *planner.Bundle) (int64, error)

func (f ProgramFunc) Run(ctx context.Context, conn database.Beginner, b *planner.Bundle) (int64, error) {
	return f(ctx, conn, b)
}

// ConfirmFunc asks an operator to approve a cleanup bundle.
type ConfirmFunc func(ctx context.Context, b *planner.Bundle) (bool, error)

// Options configure an Engine.
type Options struct {
	HistoryTable     string
	LockTimeout      time.Duration
	StatementTimeout time.Duration
	Retry            RetryPolicy
	Programs         map[string]Program
	Confirm          ConfirmFunc
	// Archive receives a copy of every table a cleanup bundle drops. Nil
	// skips the export with a warning.
	Archive archive.Sink
	// Rerun allows applying a committed bundle again.
	Rerun   bool
	Log     *logrus.Logger
	Metrics *metrics.Metrics
	// Now is the clock used for bake-in checks.
	Now func() time.Time
}

// Engine runs the bundles of one plan.
type Engine struct {
	db   *sql.DB
	d    dialect.Dialect
	plan *planner.Plan
	opts Options

	// ranDataPhase is set once this engine commits a data-phase bundle.
	ranDataPhase bool
}

// Result describes one finished run.
type Result struct {
	Bundle       *planner.Bundle
	Run          state.Run
	Skipped      int
	Observations []Observation
	Archived     []archive.Export
}

// Observation is the count of a data-quality observation.
type Observation struct {
	Name string
	Rows int64
}

// New returns an engine applying plan to db.
func New(db *sql.DB, d dialect.Dialect, plan *planner.Plan, opts Options) *Engine {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryTable == "" {
		opts.HistoryTable = state.DefaultTable
	}
	opts.Retry = opts.Retry.withDefaults()
	return &Engine{db: db, d: d, plan: plan, opts: opts}
}

// Plan returns the plan the engine applies.
func (e *Engine) Plan() *planner.Plan { return e.plan }

func (e *Engine) store(sess database.Session) *state.Store {
	return state.New(sess, e.d, e.opts.HistoryTable)
}

// Ensure creates the history table.
func (e *Engine) Ensure(ctx context.Context) error {
	return e.store(e.db).Ensure(ctx)
}

// History loads the plan's run history.
func (e *Engine) History(ctx context.Context) (*state.History, error) {
	return e.store(e.db).Load(ctx, e.plan.Name)
}

func (e *Engine) logger(b *planner.Bundle) *logrus.Entry {
	return e.opts.Log.WithFields(logrus.Fields{
		logging.FieldPlan:   e.plan.Name,
		logging.FieldBundle: b.ID,
		logging.FieldKind:   string(b.Kind),
	})
}

// session opens a dedicated connection with the dialect's session settings
// applied. Settings stay on that connection only.
func (e *Engine) session(ctx context.Context) (*sql.Conn, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, failure.Wrap(failure.ClassRetryable, "connect", err)
	}
	for _, stmt := range e.d.SessionSettings(e.opts.LockTimeout, e.opts.StatementTimeout) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", stmt, err)
		}
	}
	return conn, nil
}

// ApplyNext applies the next runnable bundle. It returns nil when every
// bundle is committed.
func (e *Engine) ApplyNext(ctx context.Context) (*Result, error) {
	h, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	b, err := planner.Next(e.plan, h)
	if err != nil || b == nil {
		return nil, err
	}
	return e.Apply(ctx, b.ID)
}

// ApplyAll applies bundles until the plan is complete or a bundle cannot
// run. It stops without error at the verification gate and before any
// cleanup bundle, which waits out its bake-in and is applied on its own.
// Callers inspect the returned bundle to explain what to do next.
func (e *Engine) ApplyAll(ctx context.Context) ([]*Result, *planner.Bundle, error) {
	var results []*Result
	for {
		h, err := e.History(ctx)
		if err != nil {
			return results, nil, err
		}
		b, err := planner.Next(e.plan, h)
		if err != nil {
			return results, nil, err
		}
		if b == nil {
			return results, nil, nil
		}
		if b.Kind == planner.KindCutover && e.ranDataPhase || b.Kind == planner.KindCleanup {
			return results, b, nil
		}
		res, err := e.Apply(ctx, b.ID)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, b, err
		}
	}
}

// Apply runs one bundle forward.
func (e *Engine) Apply(ctx context.Context, bundleID string) (*Result, error) {
	b, ok := e.plan.Find(bundleID)
	if !ok {
		return nil, fmt.Errorf("bundle %s is not in plan %s", bundleID, e.plan.Name)
	}
	log := e.logger(b)

	h, err := e.History(ctx)
	if err != nil {
		return nil, err
	}
	if id, blocked := h.AwaitingAck(); blocked {
		return nil, fmt.Errorf("%w: cleanup %s failed part way; inspect and run `consolidate ack %s`", planner.ErrBlocked, id, id)
	}
	if h.Committed(b.ID) && !e.opts.Rerun {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyCommitted, b.ID)
	}
	if b.Kind == planner.KindCutover && e.ranDataPhase {
		return nil, fmt.Errorf("%w: run `consolidate verify` and apply %s in a later invocation", ErrVerificationGate, b.ID)
	}
	for _, dep := range b.DependsOn {
		if !h.Committed(dep) {
			return nil, failure.Fatalf(b.ID, "depends on %s, which is not committed", dep)
		}
	}

	conn, err := e.session(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	if err := e.checkPreconditions(ctx, conn, h, b); err != nil {
		log.WithError(err).Warn("precondition failed")
		return nil, err
	}
	res := &Result{Bundle: b}
	res.Observations = e.observe(ctx, conn, b)

	if b.Kind == planner.KindCleanup {
		if err := e.confirm(ctx, b); err != nil {
			return nil, err
		}
		exports, err := e.archive(ctx, conn, b)
		res.Archived = exports
		if err != nil {
			return res, failure.Wrap(failure.ClassRetryable, b.ID, err)
		}
	}

	run := state.Run{
		Plan:       e.plan.Name,
		BundleID:   b.ID,
		Kind:       string(b.Kind),
		Direction:  state.DirectionForward,
		Reversible: b.Reverse.IsReversible(),
		Checksum:   b.Checksum,
	}
	err = e.execute(ctx, conn, b, run, b.Forward, b.Program, b.Postconditions, res)
	if err == nil && b.Kind.IsDataPhase() {
		e.ranDataPhase = true
	}
	if err != nil && b.Kind == planner.KindCleanup {
		err = failure.Wrap(failure.ClassIrreversible, b.ID, err)
	}
	return res, err
}

// execute records a run around the statements and program of b.
func (e *Engine) execute(ctx context.Context, conn *sql.Conn, b *planner.Bundle, run state.Run,
	stmts []planner.Statement, program string, post []planner.Check, res *Result) error {
	log := e.logger(b)
	store := e.store(conn)
	start := time.Now()

	run, err := store.Begin(ctx, run)
	if err != nil {
		return err
	}
	log = log.WithField(logging.FieldRunID, run.ID)
	log.WithField("direction", run.Direction).Info("bundle started")

	var rows int64
	var skipped int
	if b.Atomic {
		rows, skipped, err = e.runAtomic(ctx, conn, store, b, &run, stmts, post)
	} else {
		rows, skipped, err = e.runAutocommit(ctx, conn, b, stmts, program, post)
		if err == nil {
			err = store.Finish(ctx, &run, state.StatusCompleted, rows, fmt.Sprintf("%d statement(s) skipped", skipped))
		}
	}
	res.Skipped = skipped

	if err != nil {
		if !run.Finished() {
			// The failure is recorded on the session connection, outside
			// any rolled-back transaction.
			if ferr := store.Finish(context.WithoutCancel(ctx), &run, state.StatusFailed, rows, err.Error()); ferr != nil {
				log.WithError(ferr).Error("failed to record run failure")
			}
		}
		res.Run = run
		e.opts.Metrics.RecordRun(string(b.Kind), string(run.Direction), string(state.StatusFailed), time.Since(start), rows)
		log.WithError(err).WithField("class", failure.Classify(err)).Error("bundle failed")
		return err
	}

	res.Run = run
	e.opts.Metrics.RecordRun(string(b.Kind), string(run.Direction), string(run.Status), time.Since(start), rows)
	log.WithFields(logrus.Fields{"rows": rows, "skipped": skipped}).Info("bundle committed")
	return nil
}

// runAtomic executes stmts, verifies post and finishes the run inside one
// transaction. Retryable failures retry the whole transaction.
func (e *Engine) runAtomic(ctx context.Context, conn *sql.Conn, store *state.Store, b *planner.Bundle,
	run *state.Run, stmts []planner.Statement, post []planner.Check) (int64, int, error) {
	var rows int64
	var skipped int
	err := e.retry(ctx, b, func() error {
		rows, skipped = 0, 0
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for i, stmt := range stmts {
			n, skip, err := e.exec(ctx, tx, stmt)
			if err != nil {
				return fmt.Errorf("statement %d: %w", i+1, err)
			}
			rows += n
			if skip {
				skipped++
			}
		}
		if err := e.checkPostconditions(ctx, tx, b, post); err != nil {
			return err
		}
		finished := *run
		if err := store.With(tx).Finish(ctx, &finished, state.StatusCompleted, rows, fmt.Sprintf("%d statement(s) skipped", skipped)); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		*run = finished
		return nil
	})
	return rows, skipped, err
}

// runAutocommit executes each statement on its own, retrying each, then the
// program, then verifies post.
func (e *Engine) runAutocommit(ctx context.Context, conn *sql.Conn, b *planner.Bundle,
	stmts []planner.Statement, program string, post []planner.Check) (int64, int, error) {
	var rows int64
	var skipped int
	for i, stmt := range stmts {
		var n int64
		var skip bool
		err := e.retry(ctx, b, func() error {
			var err error
			n, skip, err = e.exec(ctx, conn, stmt)
			return err
		})
		if err != nil {
			return rows, skipped, fmt.Errorf("statement %d: %w", i+1, err)
		}
		rows += n
		if skip {
			skipped++
		}
	}

	if program != "" {
		p, ok := e.opts.Programs[program]
		if !ok {
			return rows, skipped, failure.Fatalf(b.ID, "no program registered for %q", program)
		}
		var n int64
		err := e.retry(ctx, b, func() error {
			var err error
			n, err = p.Run(ctx, conn, b)
			return err
		})
		if err != nil {
			return rows, skipped, fmt.Errorf("program %s: %w", program, err)
		}
		rows += n
	}

	return rows, skipped, e.checkPostconditions(ctx, conn, b, post)
}

// exec runs one statement unless its guard query reports it already applied.
func (e *Engine) exec(ctx context.Context, sess database.Session, stmt planner.Statement) (int64, bool, error) {
	if stmt.Unless != "" {
		n, err := count(ctx, sess, stmt.Unless)
		if err != nil {
			return 0, false, err
		}
		if n > 0 {
			return 0, true, nil
		}
	}
	res, err := sess.ExecContext(ctx, stmt.SQL)
	if err != nil {
		return 0, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		// Some drivers report no count for DDL.
		return 0, false, nil
	}
	return n, false, nil
}

func (e *Engine) confirm(ctx context.Context, b *planner.Bundle) error {
	if e.opts.Confirm == nil {
		return fmt.Errorf("%w: %s is irreversible (%s) and needs --confirm %s", ErrNotConfirmed, b.ID, b.Reverse.Describe(), b.ID)
	}
	ok, err := e.opts.Confirm(ctx, b)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotConfirmed, b.ID)
	}
	return nil
}

func (e *Engine) archive(ctx context.Context, conn *sql.Conn, b *planner.Bundle) ([]archive.Export, error) {
	if len(b.Archive) == 0 {
		return nil, nil
	}
	log := e.logger(b)
	if e.opts.Archive == nil {
		log.WithField("tables", b.Archive).Warn("no archive configured; dropping without an export")
		return nil, nil
	}
	exports, err := archive.ExportTables(ctx, conn, e.d, e.opts.Archive, e.plan.Name, b.ID, b.Archive)
	for _, exp := range exports {
		log.WithFields(logrus.Fields{"table": exp.Table, "rows": exp.Rows, "location": exp.Location}).Info("table archived")
	}
	return exports, err
}

// Acknowledge records that an operator inspected a failed cleanup bundle.
func (e *Engine) Acknowledge(ctx context.Context, bundleID, note string) error {
	b, ok := e.plan.Find(bundleID)
	if !ok {
		return fmt.Errorf("bundle %s is not in plan %s", bundleID, e.plan.Name)
	}
	h, err := e.History(ctx)
	if err != nil {
		return err
	}
	if id, blocked := h.AwaitingAck(); !blocked || id != b.ID {
		return fmt.Errorf("bundle %s is not awaiting acknowledgement", b.ID)
	}
	_, err = e.store(e.db).Acknowledge(ctx, e.plan.Name, b.ID, string(b.Kind), note)
	if err == nil {
		e.logger(b).WithField("note", note).Warn("failed cleanup acknowledged")
	}
	return err
}
