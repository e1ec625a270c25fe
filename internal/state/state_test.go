package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/testutil"
)

// clock returns a store clock advancing one second per call.
func clock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newStore(t *testing.T) *Store {
	t.Helper()
	db := testutil.SQLite(t)
	s := New(db, testutil.SQLiteDialect, "")
	s.now = clock(time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, s.Ensure(context.Background()))
	return s
}

func TestEnsureIsIdempotent(t *testing.T) {
	s := newStore(t)
	require.NoError(t, s.Ensure(context.Background()))
	require.Equal(t, DefaultTable, s.Table())
}

func TestBeginFinish(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	run, err := s.Begin(ctx, Run{Plan: "p", BundleID: "b1", Kind: "backfill", Direction: DirectionForward, Reversible: true, Checksum: "abc"})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	require.Equal(t, StatusRunning, run.Status)

	require.NoError(t, s.Finish(ctx, &run, StatusCompleted, 42, "ok"))
	require.True(t, run.Finished())

	// A finished run is never rewritten.
	require.Error(t, s.Finish(ctx, &run, StatusFailed, 0, "again"))

	runs, err := s.Runs(ctx, "p")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	got := runs[0]
	require.Equal(t, run.ID, got.ID)
	require.Equal(t, StatusCompleted, got.Status)
	require.Equal(t, int64(42), got.RowsAffected)
	require.Equal(t, "abc", got.Checksum)
	require.True(t, got.Reversible)
	require.True(t, got.FinishedAt.After(got.StartedAt))
}

func TestBeginRejectsConcurrentRun(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Begin(ctx, Run{Plan: "p", BundleID: "b1", Kind: "backfill", Direction: DirectionForward})
	require.NoError(t, err)

	_, err = s.Begin(ctx, Run{Plan: "p", BundleID: "b1", Kind: "backfill", Direction: DirectionForward})
	require.ErrorIs(t, err, ErrRunInProgress)

	// Verification runs are not exclusive.
	_, err = s.Record(ctx, Run{Plan: "p", BundleID: "b1", Kind: "cutover", Direction: DirectionVerify}, StatusCompleted, "")
	require.NoError(t, err)
}

func TestAcknowledgeClosesAbandonedRuns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Begin(ctx, Run{Plan: "p", BundleID: "cleanup", Kind: string(planner.KindCleanup), Direction: DirectionForward})
	require.NoError(t, err)

	h, err := s.Load(ctx, "p")
	require.NoError(t, err)
	id, ok := h.AwaitingAck()
	require.True(t, ok)
	require.Equal(t, "cleanup", id)

	_, err = s.Acknowledge(ctx, "p", "cleanup", string(planner.KindCleanup), "restored from backup")
	require.NoError(t, err)

	h, err = s.Load(ctx, "p")
	require.NoError(t, err)
	_, ok = h.AwaitingAck()
	require.False(t, ok)

	runs := h.Runs()
	require.Len(t, runs, 2)
	require.Equal(t, StatusFailed, runs[0].Status)
	require.Equal(t, DirectionAcknowledge, runs[1].Direction)
}

func TestHistoryCommitted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	fwd := Run{Plan: "p", BundleID: "b1", Kind: "backfill", Direction: DirectionForward, Checksum: "v1"}
	_, err := s.Record(ctx, fwd, StatusFailed, "boom")
	require.NoError(t, err)

	h, err := s.Load(ctx, "p")
	require.NoError(t, err)
	require.False(t, h.Committed("b1"), "failed runs do not commit")

	_, err = s.Record(ctx, fwd, StatusCompleted, "")
	require.NoError(t, err)
	h, err = s.Load(ctx, "p")
	require.NoError(t, err)
	require.True(t, h.Committed("b1"))
	require.Equal(t, map[string]string{"b1": "v1"}, h.Checksums())

	rev := fwd
	rev.Direction = DirectionReverse
	_, err = s.Record(ctx, rev, StatusCompleted, "")
	require.NoError(t, err)
	h, err = s.Load(ctx, "p")
	require.NoError(t, err)
	require.False(t, h.Committed("b1"), "a completed reverse uncommits")
	require.Empty(t, h.Checksums())
}

func TestHistoryVerified(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return base.Add(time.Duration(s) * time.Second) }

	runs := []Run{
		{BundleID: "fill", Kind: "backfill", Direction: DirectionForward, Status: StatusCompleted, StartedAt: at(0), FinishedAt: at(1)},
		{BundleID: "keys", Kind: "cutover", Direction: DirectionVerify, Status: StatusCompleted, StartedAt: at(2), FinishedAt: at(3)},
	}
	require.True(t, NewHistory(runs).Verified("keys"))

	// A later data phase invalidates the verification.
	runs = append(runs, Run{BundleID: "stages", Kind: "stage_map", Direction: DirectionForward, Status: StatusCompleted, StartedAt: at(4), FinishedAt: at(5)})
	require.False(t, NewHistory(runs).Verified("keys"))

	// So does nothing that is not a data phase.
	runs = append(runs,
		Run{BundleID: "keys", Kind: "cutover", Direction: DirectionVerify, Status: StatusCompleted, StartedAt: at(6), FinishedAt: at(7)},
		Run{BundleID: "act", Kind: "consolidate", Direction: DirectionForward, Status: StatusCompleted, StartedAt: at(8), FinishedAt: at(9)},
	)
	require.True(t, NewHistory(runs).Verified("keys"))

	failed := []Run{{BundleID: "keys", Kind: "cutover", Direction: DirectionVerify, Status: StatusFailed, StartedAt: at(0), FinishedAt: at(1)}}
	require.False(t, NewHistory(failed).Verified("keys"))
}

func TestHistoryBakedIn(t *testing.T) {
	committed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewHistory([]Run{{
		BundleID: "constraints", Kind: "cutover", Direction: DirectionForward, Status: StatusCompleted,
		StartedAt: committed.Add(-time.Second), FinishedAt: committed,
	}})

	require.False(t, h.BakedIn("constraints", 24*time.Hour, committed.Add(23*time.Hour)))
	require.True(t, h.BakedIn("constraints", 24*time.Hour, committed.Add(24*time.Hour)))
	require.False(t, h.BakedIn("missing", 0, committed))
}

func TestHistoryAwaitingAckClearsOnSuccess(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewHistory([]Run{
		{ID: "1", BundleID: "cleanup", Kind: "cleanup", Direction: DirectionForward, Status: StatusFailed, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{ID: "2", BundleID: "cleanup", Kind: "cleanup", Direction: DirectionAcknowledge, Status: StatusCompleted, StartedAt: base.Add(2 * time.Second), FinishedAt: base.Add(2 * time.Second)},
		{ID: "3", BundleID: "cleanup", Kind: "cleanup", Direction: DirectionForward, Status: StatusCompleted, StartedAt: base.Add(3 * time.Second), FinishedAt: base.Add(4 * time.Second)},
	})
	_, ok := h.AwaitingAck()
	require.False(t, ok)
	require.True(t, h.Committed("cleanup"))

	last, ok := h.LastRun("cleanup")
	require.True(t, ok)
	require.Equal(t, "3", last.ID)
}

func TestHistoryAwaitingAckSeesAbandonedRun(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	h := NewHistory([]Run{
		{ID: "1", BundleID: "cleanup", Kind: "cleanup", Direction: DirectionForward, Status: StatusFailed, StartedAt: base, FinishedAt: base.Add(time.Second)},
		{ID: "2", BundleID: "cleanup", Kind: "cleanup", Direction: DirectionAcknowledge, Status: StatusCompleted, StartedAt: base.Add(2 * time.Second), FinishedAt: base.Add(2 * time.Second)},
		{ID: "3", BundleID: "cleanup", Kind: "cleanup", Direction: DirectionForward, Status: StatusRunning, StartedAt: base.Add(3 * time.Second)},
	})
	id, ok := h.AwaitingAck()
	require.True(t, ok)
	require.Equal(t, "cleanup", id)
}
