package dialect

import (
	"fmt"
	"strings"
	"time"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/locks"
	"github.com/lockplane/consolidate/internal/planner"
)

// Postgres renders PostgreSQL statements. Index builds and constraint
// validation are rewritten into their non-blocking forms.
type Postgres struct{}

var _ Dialect = Postgres{}

func (Postgres) Name() database.Dialect { return database.DialectPostgres }

func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (Postgres) QuoteIdent(name string) string { return quoteIdent(name) }

func (Postgres) QuoteLiteral(value string) string { return quoteLiteral(value) }

func (Postgres) Cast(expr, typ string) string {
	if typ == "" {
		return expr
	}
	return fmt.Sprintf("CAST(%s AS %s)", expr, typ)
}

func (Postgres) NewID() string { return "gen_random_uuid()::text" }

func (Postgres) Now() string { return "now()" }

func (Postgres) TimestampType() string { return "timestamptz" }

func (Postgres) JSONType() string { return "jsonb" }

func (Postgres) AutoIncrementKey(name string) Column {
	return Column{Name: name, Type: "bigint GENERATED BY DEFAULT AS IDENTITY", PrimaryKey: true}
}

func (Postgres) TimeValue(t time.Time) any { return t.UTC() }

func (Postgres) SessionSettings(lockTimeout, statementTimeout time.Duration) []string {
	var out []string
	if lockTimeout > 0 {
		out = append(out, fmt.Sprintf("SET lock_timeout = '%dms'", lockTimeout.Milliseconds()))
	}
	if statementTimeout > 0 {
		out = append(out, fmt.Sprintf("SET statement_timeout = '%dms'", statementTimeout.Milliseconds()))
	}
	return out
}

func (p Postgres) CreateEnumType(typ string, values []string) planner.Statement {
	literals := make([]string, len(values))
	for i, v := range values {
		literals[i] = quoteLiteral(v)
	}
	return planner.Statement{
		SQL:    fmt.Sprintf("CREATE TYPE %s AS ENUM (%s)", quoteIdent(typ), strings.Join(literals, ", ")),
		Unless: p.TypeExistsQuery(typ),
	}
}

func (Postgres) DropEnumType(typ string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("DROP TYPE IF EXISTS %s", quoteIdent(typ))}
}

func (Postgres) AddEnumValue(typ, value string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("ALTER TYPE %s ADD VALUE IF NOT EXISTS %s", quoteIdent(typ), quoteLiteral(value))}
}

func (Postgres) TypeExistsQuery(typ string) string {
	parts := strings.Split(unquote(typ), ".")
	name := unquote(parts[len(parts)-1])
	if len(parts) == 1 {
		return fmt.Sprintf("SELECT COUNT(*) FROM pg_type WHERE typname = %s", quoteLiteral(name))
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM pg_type WHERE typname = %s AND typnamespace = to_regnamespace(%s)",
		quoteLiteral(name), quoteLiteral(unquote(parts[0])))
}

func (Postgres) CreateTable(name string, cols []Column) planner.Statement {
	return planner.Statement{SQL: createTableSQL(name, cols, quoteIdent)}
}

func (Postgres) DropTable(name string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(name))}
}

func (Postgres) AddColumn(table, column, typ string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s", quoteIdent(table), quoteIdent(column), typ)}
}

func (Postgres) DropColumn(table, column string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s", quoteIdent(table), quoteIdent(column))}
}

// CreateUniqueIndex drops an index an interrupted CONCURRENTLY build left
// invalid, then builds it. IF NOT EXISTS alone would keep the invalid one.
func (Postgres) CreateUniqueIndex(name, table string, columns ...string) []planner.Statement {
	sql := fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)", quoteIdent(name), quoteIdent(table), quoteIdents(columns))
	if rewrite := locks.GenerateSaferRewrite(sql); rewrite != nil && len(rewrite.SQL) == 1 {
		sql = rewrite.SQL[0]
	}
	return []planner.Statement{
		{
			SQL:    fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", quoteIdent(name)),
			Unless: indexQuery(name, true),
		},
		{SQL: sql},
	}
}

func (Postgres) InvalidIndexQuery(name string) string { return indexQuery(name, false) }

// indexQuery counts visible indexes named name whose validity is valid.
func indexQuery(name string, valid bool) string {
	cond := "i.indisvalid"
	if !valid {
		cond = "NOT i.indisvalid"
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM pg_index i JOIN pg_class c ON c.oid = i.indexrelid WHERE c.relname = %s AND pg_table_is_visible(c.oid) AND %s",
		quoteLiteral(unquote(name)), cond)
}

func (Postgres) DropIndex(name string) planner.Statement {
	return planner.Statement{SQL: fmt.Sprintf("DROP INDEX CONCURRENTLY IF EXISTS %s", quoteIdent(name))}
}

// PrepareNotNull adds a NOT VALID check constraint and validates it, so the
// later SET NOT NULL can skip the full table scan.
func (p Postgres) PrepareNotNull(table, column string) []planner.Statement {
	name := NotNullCheckName(table, column)
	add := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s CHECK (%s IS NOT NULL)", quoteIdent(table), quoteIdent(name), quoteIdent(column))
	stmts := safeConstraint(add)
	stmts[0].Unless = p.ConstraintExistsQuery(table, name)
	return stmts
}

func (Postgres) SetNotNull(table, column string) []planner.Statement {
	return []planner.Statement{
		{SQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET NOT NULL", quoteIdent(table), quoteIdent(column))},
		{SQL: fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", quoteIdent(table), quoteIdent(NotNullCheckName(table, column)))},
	}
}

func (Postgres) DropNotNull(table, column string) []planner.Statement {
	return []planner.Statement{
		{SQL: fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", quoteIdent(table), quoteIdent(column))},
	}
}

func (Postgres) UnprepareNotNull(table, column string) []planner.Statement {
	return []planner.Statement{
		{SQL: fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", quoteIdent(table), quoteIdent(NotNullCheckName(table, column)))},
	}
}

// appendOnlyFunc is the trigger function shared by every append-only table.
const appendOnlyFunc = "consolidate_append_only"

func (Postgres) AppendOnly(table string) []planner.Statement {
	trigger := unquote(table) + "_append_only"
	return []planner.Statement{
		{SQL: fmt.Sprintf("CREATE OR REPLACE FUNCTION %s() RETURNS trigger LANGUAGE plpgsql AS $$ BEGIN RAISE EXCEPTION '%% is append-only', TG_TABLE_NAME; END $$",
			quoteIdent(appendOnlyFunc))},
		{
			SQL: fmt.Sprintf("CREATE TRIGGER %s BEFORE UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION %s()",
				quoteIdent(trigger), quoteIdent(table), quoteIdent(appendOnlyFunc)),
			Unless: fmt.Sprintf("SELECT COUNT(*) FROM pg_trigger WHERE tgrelid = to_regclass(%s) AND tgname = %s",
				quoteLiteral(quoteIdent(table)), quoteLiteral(trigger)),
		},
	}
}

func (p Postgres) AddForeignKey(table, name, column, refTable, refColumn string) []planner.Statement {
	add := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s FOREIGN KEY (%s) REFERENCES %s (%s)",
		quoteIdent(table), quoteIdent(name), quoteIdent(column), quoteIdent(refTable), quoteIdent(refColumn))
	stmts := safeConstraint(add)
	stmts[0].Unless = p.ConstraintExistsQuery(table, name)
	return stmts
}

func (Postgres) DropConstraint(table, name string) []planner.Statement {
	return []planner.Statement{
		{SQL: fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT %s", quoteIdent(table), quoteIdent(name))},
	}
}

func (Postgres) ConstraintExistsQuery(table, name string) string {
	return fmt.Sprintf("SELECT COUNT(*) FROM pg_constraint WHERE conname = %s AND conrelid = to_regclass(%s)",
		quoteLiteral(unquote(name)), quoteLiteral(quoteIdent(table)))
}

// safeConstraint splits ADD CONSTRAINT into NOT VALID plus VALIDATE.
func safeConstraint(add string) []planner.Statement {
	rewrite := locks.GenerateSaferRewrite(add)
	if rewrite == nil {
		return []planner.Statement{{SQL: add}}
	}
	stmts := make([]planner.Statement, len(rewrite.SQL))
	for i, sql := range rewrite.SQL {
		stmts[i] = planner.Statement{SQL: sql}
	}
	return stmts
}

func createTableSQL(name string, cols []Column, quote func(string) string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE TABLE IF NOT EXISTS %s (\n", quote(name))

	var pk []string
	for _, c := range cols {
		if c.PrimaryKey {
			pk = append(pk, quote(c.Name))
		}
	}

	for i, col := range cols {
		sb.WriteString("  ")
		sb.WriteString(quote(col.Name))
		sb.WriteString(" ")
		sb.WriteString(col.Type)
		if !col.Nullable && !col.PrimaryKey {
			sb.WriteString(" NOT NULL")
		}
		if col.PrimaryKey && len(pk) == 1 {
			sb.WriteString(" PRIMARY KEY")
		}
		if i < len(cols)-1 || len(pk) > 1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}
	if len(pk) > 1 {
		fmt.Fprintf(&sb, "  PRIMARY KEY (%s)\n", strings.Join(pk, ", "))
	}
	sb.WriteString(")")
	return sb.String()
}
