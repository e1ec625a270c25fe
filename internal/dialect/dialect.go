// Package dialect renders the SQL the planner emits for each supported database.
//
// Every additive statement is idempotent: either through IF [NOT] EXISTS or,
// where the dialect has no such clause, through a count query placed in
// planner.Statement.Unless.
package dialect

import (
	"fmt"
	"strings"
	"time"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/planner"
)

// Column is a column definition for CREATE TABLE.
type Column struct {
	Name       string
	Type       string
	Nullable   bool
	PrimaryKey bool
}

// Dialect renders statements and catalog queries.
type Dialect interface {
	Name() database.Dialect

	Placeholder(n int) string
	QuoteIdent(name string) string
	QuoteLiteral(value string) string
	// Cast renders expr as typ. typ is raw SQL.
	Cast(expr, typ string) string
	// NewID is an expression yielding a fresh text identifier.
	NewID() string
	// Now is an expression yielding the current timestamp as stored by TimestampType.
	Now() string
	TimestampType() string
	JSONType() string
	// AutoIncrementKey is an auto-numbered primary key column.
	AutoIncrementKey(name string) Column
	// TimeValue converts t into the value stored in a TimestampType column.
	TimeValue(t time.Time) any

	SessionSettings(lockTimeout, statementTimeout time.Duration) []string

	CreateEnumType(typ string, values []string) planner.Statement
	DropEnumType(typ string) planner.Statement
	AddEnumValue(typ, value string) planner.Statement
	TypeExistsQuery(typ string) string

	CreateTable(name string, cols []Column) planner.Statement
	DropTable(name string) planner.Statement
	AddColumn(table, column, typ string) planner.Statement
	DropColumn(table, column string) planner.Statement

	// CreateUniqueIndex builds an index without blocking writes where
	// possible. A half-built index left by an earlier attempt is replaced.
	CreateUniqueIndex(name, table string, columns ...string) []planner.Statement
	DropIndex(name string) planner.Statement
	// InvalidIndexQuery counts unusable indexes named name, or is "" when the
	// dialect cannot leave one behind.
	InvalidIndexQuery(name string) string

	// PrepareNotNull does the slow, online part of promoting a column to
	// required. SetNotNull and DropNotNull complete and undo it.
	PrepareNotNull(table, column string) []planner.Statement
	SetNotNull(table, column string) []planner.Statement
	DropNotNull(table, column string) []planner.Statement
	UnprepareNotNull(table, column string) []planner.Statement

	// AppendOnly makes UPDATE and DELETE on table fail.
	AppendOnly(table string) []planner.Statement

	AddForeignKey(table, name, column, refTable, refColumn string) []planner.Statement
	DropConstraint(table, name string) []planner.Statement
	// ConstraintExistsQuery returns "" when the dialect has no named constraints.
	ConstraintExistsQuery(table, name string) string
}

// For returns the dialect implementation for d.
func For(d database.Dialect) (Dialect, error) {
	switch d {
	case database.DialectPostgres:
		return Postgres{}, nil
	case database.DialectSQLite:
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported dialect %q", d)
	}
}

// quoteIdent double-quotes an identifier. Dotted names are quoted per part.
func quoteIdent(name string) string {
	if strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) && len(name) > 1 {
		return name
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

func quoteIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

// Unquote strips surrounding double quotes.
func Unquote(name string) string { return unquote(name) }

func unquote(name string) string {
	if len(name) > 1 && strings.HasPrefix(name, `"`) && strings.HasSuffix(name, `"`) {
		return strings.ReplaceAll(name[1:len(name)-1], `""`, `"`)
	}
	return name
}

// NotNullCheckName is the name of the helper constraint (or trigger prefix)
// used while promoting table.column to required.
func NotNullCheckName(table, column string) string {
	return fmt.Sprintf("%s_%s_not_null", unquote(table), unquote(column))
}

// FixedTimestamp formats t as fixed-width RFC 3339 UTC so text comparison
// matches chronological order.
func FixedTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000000000Z")
}
