package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"statement timeout (pq)", &pq.Error{Code: "57014"}, ClassRetryable},
		{"lock timeout (pgx)", &pgconn.PgError{Code: "55P03"}, ClassRetryable},
		{"deadlock wrapped", fmt.Errorf("backfill: %w", &pq.Error{Code: "40P01"}), ClassRetryable},
		{"connection exception", &pgconn.PgError{Code: "08006"}, ClassRetryable},
		{"unsafe enum usage", &pq.Error{Code: "55P04"}, ClassFatal},
		{"missing constraint", &pgconn.PgError{Code: "42704"}, ClassFatal},
		{"unknown sqlstate", &pq.Error{Code: "XX000"}, ClassFatal},
		{"sqlite busy", errors.New("database is locked (5) (SQLITE_BUSY)"), ClassRetryable},
		{"deadline", context.DeadlineExceeded, ClassRetryable},
		{"canceled", context.Canceled, ClassFatal},
		{"explicit data quality", Wrap(ClassDataQuality, "stage_map", errors.New("unmapped")), ClassDataQuality},
		{"plain error", errors.New("boom"), ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifyNil(t *testing.T) {
	if got := Classify(nil); got != "" {
		t.Errorf("Classify(nil) = %q, want empty", got)
	}
	if Wrap(ClassFatal, "op", nil) != nil {
		t.Error("Wrap(nil) should return nil")
	}
}

func TestErrorMessage(t *testing.T) {
	err := CheckFailed(ClassRetryable, "20260101000000_plans_backfill", "members_unlinked", errors.New("3 rows remain"))

	msg := err.Error()
	for _, want := range []string{"retryable", "20260101000000_plans_backfill", "members_unlinked", "3 rows remain"} {
		if !strings.Contains(msg, want) {
			t.Errorf("expected %q in %q", want, msg)
		}
	}

	wrapped := fmt.Errorf("apply: %w", err)
	if !IsRetryable(wrapped) {
		t.Error("expected wrapped check failure to stay retryable")
	}
}

func TestSQLState(t *testing.T) {
	if got := SQLState(&pq.Error{Code: "42P01"}); got != "42P01" {
		t.Errorf("SQLState(pq) = %q", got)
	}
	if got := SQLState(&pgconn.PgError{Code: "23505"}); got != "23505" {
		t.Errorf("SQLState(pgx) = %q", got)
	}
	if got := SQLState(errors.New("x")); got != "" {
		t.Errorf("SQLState(plain) = %q", got)
	}
}
