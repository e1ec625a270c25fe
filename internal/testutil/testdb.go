// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
)

// SQLite opens a fresh file-backed SQLite database under t.TempDir with
// foreign keys and a busy timeout enabled. It is closed when the test ends.
func SQLite(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", database.SQLiteDSN(path))
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.PingContext(context.Background()); err != nil {
		t.Fatalf("failed to ping sqlite: %v", err)
	}
	return db
}

// Postgres opens POSTGRES_TEST_URL, skipping the test when it is unset or
// unreachable unless REQUIRE_TEST_DB=true.
func Postgres(t testing.TB) *sql.DB {
	t.Helper()

	requireDB := os.Getenv("REQUIRE_TEST_DB") == "true"
	connStr := os.Getenv("POSTGRES_TEST_URL")
	if connStr == "" {
		if requireDB {
			t.Fatal("PostgreSQL required but POSTGRES_TEST_URL is not set")
		}
		t.Skip("POSTGRES_TEST_URL not set")
	}

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.PingContext(context.Background()); err != nil {
		if requireDB {
			t.Fatalf("PostgreSQL required but unreachable: %v", err)
		}
		t.Skipf("PostgreSQL not reachable: %v", err)
	}
	return db
}

// PostgresSchema creates a throwaway schema on the test server and returns
// a pool whose search_path points at it, plus the schema name. The schema
// and everything in it are dropped when the test ends.
func PostgresSchema(t testing.TB) (*sql.DB, string) {
	t.Helper()

	admin := Postgres(t)
	schema := "consolidate_test_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	Exec(t, admin, fmt.Sprintf(`CREATE SCHEMA %q`, schema))
	t.Cleanup(func() {
		_, _ = admin.ExecContext(context.Background(), fmt.Sprintf(`DROP SCHEMA %q CASCADE`, schema))
	})

	db, err := sql.Open("postgres", withSearchPath(os.Getenv("POSTGRES_TEST_URL"), schema))
	if err != nil {
		t.Fatalf("failed to open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, schema
}

// withSearchPath adds a search_path run-time parameter to a URL or
// key=value connection string.
func withSearchPath(connStr, schema string) string {
	u, err := url.Parse(connStr)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return connStr + " search_path=" + schema
	}
	q := u.Query()
	q.Set("search_path", schema)
	u.RawQuery = q.Encode()
	return u.String()
}

// Exec runs each statement against db, failing the test on the first error.
func Exec(t testing.TB, db database.Session, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := db.ExecContext(context.Background(), stmt); err != nil {
			t.Fatalf("failed to exec %q: %v", stmt, err)
		}
	}
}

// Count runs a single-column count query.
func Count(t testing.TB, db database.Session, query string, args ...any) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRowContext(context.Background(), query, args...).Scan(&n); err != nil {
		t.Fatalf("failed to count %q: %v", query, err)
	}
	return n
}

// SQLiteDialect is the dialect matching SQLite.
var SQLiteDialect dialect.Dialect = dialect.SQLite{}
