package locks

import (
	"fmt"
	"regexp"
	"strings"
)

// SaferRewrite represents a lock-safe alternative to a DDL statement
type SaferRewrite struct {
	// Description of what the rewrite does
	Description string

	// Rewritten SQL (may be multiple statements)
	SQL []string

	// Lock mode of the rewritten operation
	LockMode LockMode

	// Tradeoffs of using this rewrite
	Tradeoffs []string
}

// identifier matches a bare or double-quoted identifier
const identifier = `("(?:[^"]|"")+"|[a-zA-Z_][a-zA-Z0-9_]*)`

var (
	createUniqueIndexRe = regexp.MustCompile(`(?i)^(CREATE\s+UNIQUE\s+INDEX)`)
	createIndexRe       = regexp.MustCompile(`(?i)^(CREATE\s+INDEX)`)
	alterTableRe        = regexp.MustCompile(`(?i)ALTER\s+TABLE\s+(?:ONLY\s+)?` + identifier)
	addConstraintRe     = regexp.MustCompile(`(?i)ADD\s+CONSTRAINT\s+` + identifier + `\s+`)
)

// GenerateSaferRewrite returns a lock-safe rewrite of sql, or nil if the
// statement is already safe or has no safer form
func GenerateSaferRewrite(sql string) *SaferRewrite {
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return nil
	}
	sqlUpper := strings.ToUpper(sql)

	// Pattern 1: CREATE INDEX → CREATE INDEX CONCURRENTLY
	if rewrite := rewriteCreateIndex(sql, sqlUpper); rewrite != nil {
		return rewrite
	}

	// Pattern 2: ADD CONSTRAINT → ADD CONSTRAINT NOT VALID + VALIDATE
	return rewriteAddConstraint(sql, sqlUpper)
}

// rewriteCreateIndex converts CREATE INDEX to CREATE INDEX CONCURRENTLY
func rewriteCreateIndex(sql, sqlUpper string) *SaferRewrite {
	if strings.Contains(sqlUpper, "CONCURRENTLY") {
		return nil
	}

	var rewritten string
	switch {
	case createUniqueIndexRe.MatchString(sql):
		rewritten = createUniqueIndexRe.ReplaceAllString(sql, "$1 CONCURRENTLY")
	case createIndexRe.MatchString(sql):
		rewritten = createIndexRe.ReplaceAllString(sql, "$1 CONCURRENTLY")
	default:
		return nil
	}

	return &SaferRewrite{
		Description: "Use CREATE INDEX CONCURRENTLY to avoid blocking writes",
		SQL:         []string{rewritten},
		LockMode:    LockShareUpdateExclusive,
		Tradeoffs: []string{
			"Cannot run inside a transaction",
			"May leave an invalid index if interrupted",
		},
	}
}

// rewriteAddConstraint converts ADD CONSTRAINT to NOT VALID + VALIDATE
func rewriteAddConstraint(sql, sqlUpper string) *SaferRewrite {
	if !strings.Contains(sqlUpper, "ALTER TABLE") || !strings.Contains(sqlUpper, "ADD CONSTRAINT") {
		return nil
	}
	if strings.Contains(sqlUpper, "NOT VALID") {
		return nil
	}
	// UNIQUE and PRIMARY KEY constraints cannot be NOT VALID
	if strings.Contains(sqlUpper, " UNIQUE") || strings.Contains(sqlUpper, "PRIMARY KEY") {
		return nil
	}

	table := extractTableName(sql)
	constraint := extractConstraintName(sql)
	if table == "" || constraint == "" {
		return nil
	}

	phase1 := strings.TrimSuffix(sql, ";") + " NOT VALID"
	phase2 := fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s", table, constraint)

	return &SaferRewrite{
		Description: "Add constraint in two steps: NOT VALID + VALIDATE to avoid a long exclusive lock",
		SQL:         []string{phase1, phase2},
		LockMode:    LockShareUpdateExclusive,
		Tradeoffs: []string{
			"New rows are checked immediately, existing rows during VALIDATE",
			"VALIDATE holds SHARE UPDATE EXCLUSIVE, allowing reads and writes",
		},
	}
}

// extractTableName returns the (possibly quoted) table of an ALTER TABLE statement
func extractTableName(sql string) string {
	if m := alterTableRe.FindStringSubmatch(sql); len(m) > 1 {
		return m[1]
	}
	return ""
}

// extractConstraintName returns the (possibly quoted) name after ADD CONSTRAINT
func extractConstraintName(sql string) string {
	m := addConstraintRe.FindStringSubmatch(sql)
	if len(m) < 2 {
		return ""
	}
	switch strings.ToUpper(m[1]) {
	case "CHECK", "UNIQUE", "FOREIGN", "PRIMARY":
		return ""
	}
	return m[1]
}
