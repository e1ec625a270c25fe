package database

import (
	"strings"
)

// IsSQLiteFilePath checks if a string looks like a SQLite file path
func IsSQLiteFilePath(s string) bool {
	s = strings.ToLower(s)

	if s == ":memory:" {
		return true
	}
	if strings.HasPrefix(s, "libsql://") {
		return false
	}

	if strings.HasPrefix(s, "sqlite://") || strings.HasPrefix(s, "file:") {
		return true
	}

	// Strip query parameters before checking the extension
	if idx := strings.Index(s, "?"); idx >= 0 {
		s = s[:idx]
	}
	return strings.HasSuffix(s, ".db") ||
		strings.HasSuffix(s, ".sqlite") ||
		strings.HasSuffix(s, ".sqlite3")
}

// ExtractSQLiteFilePath extracts the actual file path from a SQLite connection string
func ExtractSQLiteFilePath(connStr string) string {
	for _, prefix := range []string{"sqlite://", "file:"} {
		if strings.HasPrefix(connStr, prefix) {
			path := strings.TrimPrefix(connStr, prefix)
			if idx := strings.Index(path, "?"); idx >= 0 {
				path = path[:idx]
			}
			return path
		}
	}
	if idx := strings.Index(connStr, "?"); idx >= 0 {
		return connStr[:idx]
	}
	return connStr
}

// SQLiteDSN turns any accepted SQLite connection string into a modernc.org/sqlite
// DSN with a busy timeout and foreign keys enabled, unless the caller already
// set pragmas.
func SQLiteDSN(connStr string) string {
	if strings.Contains(connStr, "_pragma=") {
		if strings.HasPrefix(connStr, "sqlite://") {
			return "file:" + strings.TrimPrefix(connStr, "sqlite://")
		}
		return connStr
	}

	query := ""
	if idx := strings.Index(connStr, "?"); idx >= 0 {
		query = connStr[idx+1:]
	}
	dsn := "file:" + ExtractSQLiteFilePath(connStr) + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	if query != "" {
		dsn += "&" + query
	}
	return dsn
}
