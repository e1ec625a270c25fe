// Package failure classifies errors raised while consolidating a live schema.
//
// Every error the engine surfaces falls into one of four classes. The class
// decides what the operator (and the retry loop) may do next:
//
//   - Fatal: a deployment-ordering defect. Never retried; the release aborts.
//   - Retryable: timeouts and lock contention. The same bundle may run again.
//   - DataQuality: legacy data the mapping cannot express. Resolved by the
//     documented default/null policy, never surfaced as a hard failure.
//   - Irreversible: a destructive bundle failed part way. Requires manual
//     inspection before anything else runs.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Class is the recovery class of an error.
type Class string

const (
	ClassFatal        Class = "fatal"
	ClassRetryable    Class = "retryable"
	ClassDataQuality  Class = "data_quality"
	ClassIrreversible Class = "irreversible"
)

// Error carries a class alongside the operation and check that produced it.
type Error struct {
	Class Class
	// Op is the bundle id or engine operation that failed.
	Op string
	// Check names the precondition or postcondition that did not hold, if any.
	Check string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Check != "" {
		fmt.Fprintf(&b, " (check %s)", e.Check)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Fatalf builds a fatal ordering error.
func Fatalf(op, format string, args ...any) *Error {
	return &Error{Class: ClassFatal, Op: op, Err: fmt.Errorf(format, args...)}
}

// Retryablef builds a retryable error.
func Retryablef(op, format string, args ...any) *Error {
	return &Error{Class: ClassRetryable, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap attaches a class to err. A nil err yields nil.
func Wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

// CheckFailed reports a precondition or postcondition that did not hold.
func CheckFailed(class Class, op, check string, err error) *Error {
	return &Error{Class: class, Op: op, Check: check, Err: err}
}

// PostgreSQL SQLSTATE codes the engine cares about.
// See https://www.postgresql.org/docs/current/errcodes-appendix.html
var sqlStateClasses = map[string]Class{
	"57014": ClassRetryable, // query_canceled (statement_timeout)
	"55P03": ClassRetryable, // lock_not_available (lock_timeout)
	"40001": ClassRetryable, // serialization_failure
	"40P01": ClassRetryable, // deadlock_detected
	"53300": ClassRetryable, // too_many_connections
	"57P01": ClassRetryable, // admin_shutdown

	"55P04": ClassFatal, // unsafe_new_enum_value_usage
	"22P02": ClassFatal, // invalid_text_representation (enum value not committed yet)
	"42704": ClassFatal, // undefined_object (constraint or type missing)
	"42P01": ClassFatal, // undefined_table
	"42703": ClassFatal, // undefined_column
	"23502": ClassFatal, // not_null_violation
	"23503": ClassFatal, // foreign_key_violation
	"23505": ClassFatal, // unique_violation
}

// Classify returns the recovery class of err. Unknown errors are fatal.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Class
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassRetryable
	}
	if errors.Is(err, context.Canceled) {
		return ClassFatal
	}

	if code := SQLState(err); code != "" {
		if class, ok := sqlStateClasses[code]; ok {
			return class
		}
		// Whole connection-exception class 08xxx is transient.
		if strings.HasPrefix(code, "08") {
			return ClassRetryable
		}
		return ClassFatal
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "database table is locked"):
		return ClassRetryable
	case strings.Contains(msg, "connection reset by peer"),
		strings.Contains(msg, "broken pipe"):
		return ClassRetryable
	}

	return ClassFatal
}

// IsRetryable reports whether err may be retried by re-running the same statement.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}

// SQLState extracts a PostgreSQL SQLSTATE from either lib/pq or pgx errors.
func SQLState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
