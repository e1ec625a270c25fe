package state

import (
	"time"

	"github.com/lockplane/consolidate/internal/planner"
)

// History answers questions about a plan's runs. It implements planner.History.
type History struct {
	runs []Run
}

var _ planner.History = (*History)(nil)

// NewHistory wraps runs, which must be in start order.
func NewHistory(runs []Run) *History {
	return &History{runs: runs}
}

// Runs returns every run in start order.
func (h *History) Runs() []Run { return h.runs }

// latest returns the most recently finished run of bundleID matching keep.
func (h *History) latest(bundleID string, keep func(Run) bool) (Run, bool) {
	var (
		best  Run
		found bool
	)
	for _, r := range h.runs {
		if r.BundleID != bundleID || !keep(r) {
			continue
		}
		if !found || !r.FinishedAt.Before(best.FinishedAt) {
			best, found = r, true
		}
	}
	return best, found
}

func completedChange(r Run) bool {
	return r.Status == StatusCompleted && (r.Direction == DirectionForward || r.Direction == DirectionReverse)
}

// Committed reports whether the latest completed forward or reverse run of
// the bundle is a forward run.
func (h *History) Committed(bundleID string) bool {
	r, ok := h.latest(bundleID, completedChange)
	return ok && r.Direction == DirectionForward
}

// CommittedAt returns when the bundle's current forward run finished.
func (h *History) CommittedAt(bundleID string) (time.Time, bool) {
	r, ok := h.latest(bundleID, completedChange)
	if !ok || r.Direction != DirectionForward {
		return time.Time{}, false
	}
	return r.FinishedAt, true
}

// Checksums returns the checksum recorded by the committing run of every
// committed bundle.
func (h *History) Checksums() map[string]string {
	out := map[string]string{}
	seen := map[string]bool{}
	for _, r := range h.runs {
		if seen[r.BundleID] {
			continue
		}
		seen[r.BundleID] = true
		if c, ok := h.latest(r.BundleID, completedChange); ok && c.Direction == DirectionForward {
			out[r.BundleID] = c.Checksum
		}
	}
	return out
}

// AwaitingAck returns a cleanup bundle whose latest forward run did not
// complete and that no operator has acknowledged since. A run left running
// by a dead process counts as not completed.
func (h *History) AwaitingAck() (string, bool) {
	latest := map[string]Run{}
	var order []string
	for _, r := range h.runs {
		if r.Kind != string(planner.KindCleanup) || r.Direction != DirectionForward {
			continue
		}
		if _, ok := latest[r.BundleID]; !ok {
			order = append(order, r.BundleID)
		}
		latest[r.BundleID] = r
	}
	for _, id := range order {
		r := latest[id]
		if r.Status == StatusCompleted || h.acknowledgedSince(id, r.StartedAt) {
			continue
		}
		return id, true
	}
	return "", false
}

func (h *History) acknowledgedSince(bundleID string, since time.Time) bool {
	for _, r := range h.runs {
		if r.BundleID == bundleID && r.Direction == DirectionAcknowledge &&
			r.Status == StatusCompleted && !r.StartedAt.Before(since) {
			return true
		}
	}
	return false
}

// LastDataChange returns when the most recent completed data-phase forward
// run finished.
func (h *History) LastDataChange() (time.Time, bool) {
	var (
		last  time.Time
		found bool
	)
	for _, r := range h.runs {
		if r.Status != StatusCompleted || r.Direction != DirectionForward || !planner.Kind(r.Kind).IsDataPhase() {
			continue
		}
		if !found || r.FinishedAt.After(last) {
			last, found = r.FinishedAt, true
		}
	}
	return last, found
}

// Verified reports whether a completed verification run for target started
// after the last data-phase run finished.
func (h *History) Verified(target string) bool {
	lastData, hasData := h.LastDataChange()
	for _, r := range h.runs {
		if r.BundleID != target || r.Direction != DirectionVerify || r.Status != StatusCompleted {
			continue
		}
		if !hasData || !r.StartedAt.Before(lastData) {
			return true
		}
	}
	return false
}

// BakedIn reports whether target has been committed for at least d at now.
func (h *History) BakedIn(target string, d time.Duration, now time.Time) bool {
	at, ok := h.CommittedAt(target)
	return ok && !now.Before(at.Add(d))
}

// LastRun returns the most recently started run of bundleID in any direction.
func (h *History) LastRun(bundleID string) (Run, bool) {
	for i := len(h.runs) - 1; i >= 0; i-- {
		if h.runs[i].BundleID == bundleID {
			return h.runs[i], true
		}
	}
	return Run{}, false
}
