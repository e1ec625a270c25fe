package locks

import (
	"strings"
)

// DetectLockMode returns the strongest table lock a statement acquires
func DetectLockMode(sql string) LockMode {
	sqlUpper := strings.ToUpper(strings.TrimSpace(sql))
	if sqlUpper == "" {
		return LockNone
	}

	// CREATE INDEX patterns
	if strings.HasPrefix(sqlUpper, "CREATE INDEX") || strings.HasPrefix(sqlUpper, "CREATE UNIQUE INDEX") {
		if strings.Contains(sqlUpper, "CONCURRENTLY") {
			return LockShareUpdateExclusive
		}
		return LockShare
	}

	if strings.HasPrefix(sqlUpper, "DROP INDEX") {
		if strings.Contains(sqlUpper, "CONCURRENTLY") {
			return LockShareUpdateExclusive
		}
		return LockAccessExclusive
	}

	// Enum changes lock the type, not a table
	if strings.HasPrefix(sqlUpper, "ALTER TYPE") || strings.HasPrefix(sqlUpper, "CREATE TYPE") {
		return LockNone
	}

	if strings.HasPrefix(sqlUpper, "CREATE TRIGGER") || strings.HasPrefix(sqlUpper, "DROP TRIGGER") {
		return LockShareRowExclusive
	}

	if strings.HasPrefix(sqlUpper, "ALTER TABLE") {
		if strings.Contains(sqlUpper, "VALIDATE CONSTRAINT") {
			return LockShareUpdateExclusive
		}
		if strings.Contains(sqlUpper, "FOREIGN KEY") && strings.Contains(sqlUpper, "NOT VALID") {
			return LockShareRowExclusive
		}
		// Most ALTER TABLE operations take ACCESS EXCLUSIVE, if only briefly
		return LockAccessExclusive
	}

	if strings.HasPrefix(sqlUpper, "DROP TABLE") ||
		strings.HasPrefix(sqlUpper, "DROP TYPE") ||
		strings.HasPrefix(sqlUpper, "TRUNCATE") {
		return LockAccessExclusive
	}

	// CREATE TABLE - the table doesn't exist yet
	if strings.HasPrefix(sqlUpper, "CREATE TABLE") {
		return LockNone
	}

	if strings.HasPrefix(sqlUpper, "INSERT") ||
		strings.HasPrefix(sqlUpper, "UPDATE") ||
		strings.HasPrefix(sqlUpper, "DELETE") {
		return LockRowExclusive
	}

	if strings.HasPrefix(sqlUpper, "SELECT") || strings.HasPrefix(sqlUpper, "WITH") {
		return LockAccessShare
	}

	// Default: assume high lock for safety
	return LockAccessExclusive
}

// AnalyzeLockImpact returns detailed lock impact information for a statement
func AnalyzeLockImpact(description, sql string) *LockImpact {
	mode := DetectLockMode(sql)
	return &LockImpact{
		Operation:    description,
		LockMode:     mode,
		BlocksReads:  mode.BlocksReads(),
		BlocksWrites: mode.BlocksWrites(),
		Impact:       mode.ImpactLevel(),
		Explanation:  explainLockMode(sql, mode),
	}
}

// explainLockMode provides a human-readable explanation of why this lock is needed
func explainLockMode(sql string, mode LockMode) string {
	sqlUpper := strings.ToUpper(strings.TrimSpace(sql))

	switch mode {
	case LockNone:
		if strings.HasPrefix(sqlUpper, "ALTER TYPE") {
			return "Adds an enum value; commits before anything may use it"
		}
		return "Creates a new object; no existing table is locked"

	case LockAccessExclusive:
		switch {
		case strings.Contains(sqlUpper, "SET NOT NULL"):
			return "SET NOT NULL is brief when a validated CHECK (col IS NOT NULL) exists"
		case strings.Contains(sqlUpper, "ADD COLUMN"):
			return "Nullable ADD COLUMN without default is a catalog-only change"
		case strings.Contains(sqlUpper, "DROP COLUMN"):
			return "DROP COLUMN requires exclusive access to modify table structure"
		case strings.Contains(sqlUpper, "ADD CONSTRAINT") && strings.Contains(sqlUpper, "NOT VALID"):
			return "NOT VALID skips the scan of existing rows; the lock is brief"
		case strings.Contains(sqlUpper, "ADD CONSTRAINT"):
			return "ADD CONSTRAINT scans all existing rows to validate the constraint"
		case strings.HasPrefix(sqlUpper, "DROP TABLE"):
			return "DROP TABLE requires exclusive access to remove the table"
		case strings.HasPrefix(sqlUpper, "DROP TYPE"):
			return "DROP TYPE requires exclusive access to every dependent table"
		}
		return "This operation requires exclusive table access"

	case LockShare:
		return "CREATE INDEX requires SHARE lock, blocking writes during index build"

	case LockShareRowExclusive:
		return "Blocks concurrent writes for the duration of the statement"

	case LockShareUpdateExclusive:
		return "Allows concurrent reads and writes"

	case LockRowExclusive:
		return "Normal DML operation (INSERT/UPDATE/DELETE)"

	case LockAccessShare:
		return "Read-only operation"

	default:
		return "Standard locking for this operation type"
	}
}

// IsConcurrent returns true if the statement builds or drops an index concurrently.
// Such statements cannot run inside a transaction block.
func IsConcurrent(sql string) bool {
	sqlUpper := strings.ToUpper(strings.TrimSpace(sql))
	return (strings.HasPrefix(sqlUpper, "CREATE INDEX") ||
		strings.HasPrefix(sqlUpper, "CREATE UNIQUE INDEX") ||
		strings.HasPrefix(sqlUpper, "DROP INDEX")) &&
		strings.Contains(sqlUpper, "CONCURRENTLY")
}
