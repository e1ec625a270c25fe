package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Dialect identifies the SQL dialect spoken by a connection.
type Dialect string

const (
	DialectUnknown  Dialect = ""
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Session is the subset of *sql.DB, *sql.Conn and *sql.Tx the engine needs
// to issue statements.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Beginner is a Session that can also open transactions (*sql.DB, *sql.Conn).
type Beginner interface {
	Session
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// ConnectionConfig describes how to reach the database being consolidated.
type ConnectionConfig struct {
	URL string
	// Driver overrides detection: "postgres" (lib/pq), "pgx", "sqlite" or "libsql".
	Driver string
}

// DetectDialect guesses the dialect from a connection string.
func DetectDialect(connStr string) Dialect {
	lower := strings.ToLower(strings.TrimSpace(connStr))
	switch {
	case strings.HasPrefix(lower, "postgres://"),
		strings.HasPrefix(lower, "postgresql://"),
		strings.HasPrefix(lower, "pgx://"):
		return DialectPostgres
	case strings.HasPrefix(lower, "libsql://"), IsSQLiteFilePath(lower):
		return DialectSQLite
	case strings.Contains(lower, "host=") || strings.Contains(lower, "dbname="):
		// key=value DSN
		return DialectPostgres
	default:
		return DialectUnknown
	}
}

// DriverName returns the database/sql driver name registered for cfg.
func DriverName(cfg ConnectionConfig) (string, error) {
	switch strings.ToLower(cfg.Driver) {
	case "pgx":
		return "pgx", nil
	case "postgres", "postgresql", "pq":
		return "postgres", nil
	case "sqlite", "sqlite3":
		return "sqlite", nil
	case "libsql":
		return "libsql", nil
	case "":
	default:
		return "", fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	lower := strings.ToLower(cfg.URL)
	switch {
	case strings.HasPrefix(lower, "pgx://"):
		return "pgx", nil
	case strings.HasPrefix(lower, "libsql://"):
		return "libsql", nil
	}

	switch DetectDialect(cfg.URL) {
	case DialectPostgres:
		return "postgres", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("cannot detect database type from connection string %q", redact(cfg.URL))
	}
}

// Open opens and pings the database described by cfg.
func Open(ctx context.Context, cfg ConnectionConfig) (*sql.DB, Dialect, error) {
	driverName, err := DriverName(cfg)
	if err != nil {
		return nil, DialectUnknown, err
	}

	dialect := DialectPostgres
	if driverName == "sqlite" || driverName == "libsql" {
		dialect = DialectSQLite
	}

	dsn := cfg.URL
	switch driverName {
	case "pgx":
		// pgx understands postgres:// only
		if strings.HasPrefix(strings.ToLower(dsn), "pgx://") {
			dsn = "postgres://" + dsn[len("pgx://"):]
		}
	case "sqlite":
		dsn = SQLiteDSN(dsn)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, DialectUnknown, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, DialectUnknown, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, dialect, nil
}

// redact hides the password of a URL-style connection string.
func redact(connStr string) string {
	at := strings.Index(connStr, "@")
	scheme := strings.Index(connStr, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return connStr
	}
	userinfo := connStr[scheme+3 : at]
	if colon := strings.Index(userinfo, ":"); colon >= 0 {
		return connStr[:scheme+3] + userinfo[:colon] + ":***" + connStr[at:]
	}
	return connStr
}
