package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordRun(t *testing.T) {
	m := New()
	m.RecordRun("backfill", "forward", "completed", time.Second, 12)
	m.RecordRun("backfill", "forward", "completed", time.Second, 3)
	m.RecordRun("backfill", "forward", "failed", time.Second, 0)

	if got := testutil.ToFloat64(m.bundleRuns.WithLabelValues("backfill", "forward", "completed")); got != 2 {
		t.Errorf("completed runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.rowsAffected.WithLabelValues("backfill")); got != 15 {
		t.Errorf("rows = %v, want 15", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordRun("cutover", "forward", "completed", 0, 1)
	m.RecordRetry("cutover")
	m.RecordCheckFailure("pre", "x")
	m.RecordObservation("x", 1)
	m.RecordImported("src", 1)
	m.RecordOrphanRepaired()
	if err := m.Push(context.Background(), "http://example.invalid", "job"); err != nil {
		t.Errorf("Push on nil metrics: %v", err)
	}
}

func TestPush(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := New()
	m.RecordOrphanRepaired()
	if err := m.Push(context.Background(), srv.URL, "consolidate_test"); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if gotPath != "/metrics/job/consolidate_test" {
		t.Errorf("pushed to %q", gotPath)
	}
	if err := m.Push(context.Background(), "", ""); err != nil {
		t.Errorf("Push with empty url: %v", err)
	}
}
