package locks

import (
	"testing"
)

func TestDetectLockMode(t *testing.T) {
	tests := []struct {
		name         string
		sql          string
		expectedLock LockMode
	}{
		// CREATE INDEX patterns
		{
			name:         "CREATE UNIQUE INDEX (non-concurrent)",
			sql:          `CREATE UNIQUE INDEX IF NOT EXISTS "child_legacy_key" ON "child" ("legacy_id")`,
			expectedLock: LockShare,
		},
		{
			name:         "CREATE UNIQUE INDEX CONCURRENTLY",
			sql:          `CREATE UNIQUE INDEX CONCURRENTLY IF NOT EXISTS "child_legacy_key" ON "child" ("legacy_id")`,
			expectedLock: LockShareUpdateExclusive,
		},
		{
			name:         "DROP INDEX CONCURRENTLY",
			sql:          `DROP INDEX CONCURRENTLY IF EXISTS "child_legacy_key"`,
			expectedLock: LockShareUpdateExclusive,
		},

		// Catalog
		{
			name:         "ALTER TYPE ADD VALUE",
			sql:          `ALTER TYPE "Stage" ADD VALUE IF NOT EXISTS 'AWAITING_PICK'`,
			expectedLock: LockNone,
		},
		{
			name:         "CREATE TABLE",
			sql:          `CREATE TABLE IF NOT EXISTS "activity_ledger" (id bigint)`,
			expectedLock: LockNone,
		},

		// ALTER TABLE patterns
		{
			name:         "ADD COLUMN",
			sql:          `ALTER TABLE "Buyer" ADD COLUMN IF NOT EXISTS "planId" text`,
			expectedLock: LockAccessExclusive,
		},
		{
			name:         "VALIDATE CONSTRAINT",
			sql:          `ALTER TABLE "Buyer" VALIDATE CONSTRAINT "Buyer_planId_not_null"`,
			expectedLock: LockShareUpdateExclusive,
		},
		{
			name:         "ADD FOREIGN KEY NOT VALID",
			sql:          `ALTER TABLE "Buyer" ADD CONSTRAINT "fk" FOREIGN KEY ("groupId") REFERENCES "Group" ("id") NOT VALID`,
			expectedLock: LockShareRowExclusive,
		},
		{
			name:         "CREATE TRIGGER",
			sql:          `CREATE TRIGGER IF NOT EXISTS "t" BEFORE INSERT ON "c" FOR EACH ROW BEGIN SELECT 1; END`,
			expectedLock: LockShareRowExclusive,
		},

		// Destructive
		{
			name:         "DROP TABLE",
			sql:          `DROP TABLE IF EXISTS "PlanBuyer"`,
			expectedLock: LockAccessExclusive,
		},
		{
			name:         "DROP TYPE",
			sql:          `DROP TYPE IF EXISTS "LegacyStage"`,
			expectedLock: LockAccessExclusive,
		},

		// DML
		{
			name:         "INSERT SELECT",
			sql:          `INSERT INTO "child" ("id") SELECT 1 WHERE true`,
			expectedLock: LockRowExclusive,
		},
		{
			name:         "UPDATE FROM",
			sql:          `UPDATE "Buyer" AS m SET "planId" = g."planId" FROM "Group" AS g WHERE m."groupId" = g."id"`,
			expectedLock: LockRowExclusive,
		},
		{
			name:         "SELECT",
			sql:          "SELECT COUNT(*) FROM child",
			expectedLock: LockAccessShare,
		},
		{
			name:         "empty",
			sql:          "   ",
			expectedLock: LockNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLockMode(tt.sql); got != tt.expectedLock {
				t.Errorf("DetectLockMode() = %v, want %v", got, tt.expectedLock)
			}
		})
	}
}

func TestAnalyzeLockImpact(t *testing.T) {
	impact := AnalyzeLockImpact("promote planId", `ALTER TABLE "Buyer" ALTER COLUMN "planId" SET NOT NULL`)

	if impact.LockMode != LockAccessExclusive {
		t.Errorf("LockMode = %v, want ACCESS EXCLUSIVE", impact.LockMode)
	}
	if !impact.BlocksReads || !impact.BlocksWrites {
		t.Error("ACCESS EXCLUSIVE should block reads and writes")
	}
	if !impact.IsHighImpact() {
		t.Error("expected high impact")
	}
	if impact.Explanation == "" {
		t.Error("expected an explanation")
	}
}

func TestIsConcurrent(t *testing.T) {
	tests := []struct {
		sql  string
		want bool
	}{
		{`CREATE UNIQUE INDEX CONCURRENTLY "i" ON "t" ("c")`, true},
		{`DROP INDEX CONCURRENTLY IF EXISTS "i"`, true},
		{`CREATE UNIQUE INDEX "i" ON "t" ("c")`, false},
		{`UPDATE t SET note = 'CONCURRENTLY'`, false},
	}

	for _, tt := range tests {
		if got := IsConcurrent(tt.sql); got != tt.want {
			t.Errorf("IsConcurrent(%q) = %v, want %v", tt.sql, got, tt.want)
		}
	}
}
