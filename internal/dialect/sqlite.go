package dialect

import (
	"fmt"
	"strings"
	"time"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/planner"
)

// SQLite renders SQLite (and libSQL) statements.
//
// SQLite has no enum types, no ALTER COLUMN and no named foreign keys, so:
// enumerated types are lookup tables with a single "value" column; NOT NULL
// promotion is enforced by BEFORE INSERT/UPDATE triggers; dropping a foreign
// key is a no-op.
type SQLite struct{}

var _ Dialect = SQLite{}

func (SQLite) Name() database.Dialect { return database.DialectSQLite }

func (SQLite) Placeholder(int) string { return "?" }

func (SQLite) QuoteIdent(name string) string { return quoteIdent(name) }

func (SQLite) QuoteLiteral(value string) string { return quoteLiteral(value) }

// Cast is the identity: SQLite would coerce to NUMERIC for unknown type names.
func (SQLite) Cast(expr, _ string) string { return expr }

func (SQLite) NewID() string { return "lower(hex(randomblob(16)))" }

func (SQLite) Now() string { return "strftime('%Y-%m-%dT%H:%M:%fZ', 'now')" }

func (SQLite) TimestampType() string { return "TEXT" }

func (SQLite) JSONType() string { return "TEXT" }

// AutoIncrementKey relies on INTEGER PRIMARY KEY aliasing the rowid.
func (SQLite) AutoIncrementKey(name string) Column {
	return Column{Name: name, Type: "INTEGER", PrimaryKey: true}
}

func (SQLite) TimeValue(t time.Time) any { return FixedTimestamp(t) }

func (SQLite) SessionSettings(lockTimeout, _ time.Duration) []string {
	if lockTimeout <= 0 {
		return nil
	}
	return []string{fmt.Sprintf("PRAGMA busy_timeout = %d", lockTimeout.Milliseconds())}
}

func (SQLite) CreateEnumType(typ string, _ []string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\"value\" TEXT PRIMARY KEY)", quoteIdent(typ))}
}

func (SQLite) DropEnumType(typ string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(typ))}
}

func (SQLite) AddEnumValue(typ, value string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("INSERT INTO %s (\"value\") VALUES (%s) ON CONFLICT DO NOTHING", quoteIdent(typ), quoteLiteral(value))}
}

func (SQLite) TypeExistsQuery(typ string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = %s", quoteLiteral(unquote(typ)))
}

func (SQLite) CreateTable(name string, cols []Column) planner.Statement {
	return planner.Statement{SQL: createTableSQL(name, cols, quoteIdent)}
}

func (SQLite) DropTable(name string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name))}
}

func (SQLite) AddColumn(table, column, typ string) planner.Statement {
	return planner.Statement{
		SQL:    fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quoteIdent(table), quoteIdent(column), typ),
		Unless: fmt.Sprintf("SELECT COUNT(*) FROM pragma_table_info(%s) WHERE name = %s", quoteLiteral(unquote(table)), quoteLiteral(unquote(column))),
	}
}

func (SQLite) DropColumn(table, column string) planner.Statement {
	return planner.Statement{
		SQL:    fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(table), quoteIdent(column)),
		Unless: fmt.Sprintf("SELECT COUNT(*) = 0 FROM pragma_table_info(%s) WHERE name = %s", quoteLiteral(unquote(table)), quoteLiteral(unquote(column))),
	}
}

func (SQLite) CreateUniqueIndex(name, table string, columns ...string) []planner.Statement {
	return []planner.Statement{{SQL: fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)", quoteIdent(name), quoteIdent(table), quoteIdents(columns))}}
}

// InvalidIndexQuery is empty: SQLite builds indexes inside a transaction.
func (SQLite) InvalidIndexQuery(string) string { return "" }

func (SQLite) DropIndex(name string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("DROP INDEX IF EXISTS %s", quoteIdent(name))}
}

func (SQLite) PrepareNotNull(string, string) []planner.Statement { return nil }

func (SQLite) SetNotNull(table, column string) []planner.Statement {
	name := NotNullCheckName(table, column)
	msg := quoteLiteral(fmt.Sprintf("%s.%s may not be NULL", unquote(table), unquote(column)))
	var out []planner.Statement
	for _, event := range []string{"INSERT", "UPDATE"} {
		out = append(out, planner.Statement{SQL: fmt.Sprintf(
			"CREATE TRIGGER IF NOT EXISTS %s BEFORE %s ON %s FOR EACH ROW WHEN NEW.%s IS NULL BEGIN SELECT RAISE(ABORT, %s); END",
			quoteIdent(name+"_"+strings.ToLower(event)), event, quoteIdent(table), quoteIdent(column), msg)})
	}
	return out
}

func (SQLite) DropNotNull(table, column string) []planner.Statement {
	name := NotNullCheckName(table, column)
	return []planner.Statement{
		{SQL: fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteIdent(name+"_insert"))},
		{SQL: fmt.Sprintf("DROP TRIGGER IF EXISTS %s", quoteIdent(name+"_update"))},
	}
}

func (SQLite) UnprepareNotNull(string, string) []planner.Statement { return nil }

func (SQLite) AppendOnly(table string) []planner.Statement {
	msg := quoteLiteral(unquote(table) + " is append-only")
	var out []planner.Statement
	for _, event := range []string{"UPDATE", "DELETE"} {
		out = append(out, planner.Statement{SQL: fmt.Sprintf(
			"CREATE TRIGGER IF NOT EXISTS %s BEFORE %s ON %s BEGIN SELECT RAISE(ABORT, %s); END",
			quoteIdent(unquote(table)+"_append_only_"+strings.ToLower(event)), event, quoteIdent(table), msg)})
	}
	return out
}

// AddForeignKey is unsupported after table creation in SQLite.
func (SQLite) AddForeignKey(string, string, string, string, string) []planner.Statement { return nil }

func (SQLite) DropConstraint(string, string) []planner.Statement { return nil }

func (SQLite) ConstraintExistsQuery(string, string) string { return "" }
