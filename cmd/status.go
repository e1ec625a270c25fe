package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which bundles are committed and what runs next",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	e, err := s.engine(ctx, s.options())
	if err != nil {
		return err
	}
	h, err := e.History(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = headColor.Fprintf(out, "Plan %s", s.plan.Name)
	_, _ = dimColor.Fprintf(out, "  (%s)\n\n", s.env.Name)
	for _, b := range s.plan.Bundles {
		printBundleStatus(out, h, b)
	}
	_, _ = fmt.Fprintln(out)

	for _, d := range planner.DetectDrift(s.plan, h.Checksums()) {
		_, _ = warnColor.Fprintf(out, "⚠ %s changed after it was committed (recorded %s, now %s)\n",
			d.BundleID, shortHash(d.Recorded), shortHash(d.Current))
	}

	next, err := planner.Next(s.plan, h)
	switch {
	case err != nil:
		_, _ = errorColor.Fprintf(out, "Blocked: %v\n", err)
	case next == nil:
		_, _ = successColor.Fprintln(out, "Plan complete.")
	default:
		_, _ = fmt.Fprintf(out, "Next: %s\n", next.ID)
	}
	return nil
}

func printBundleStatus(w io.Writer, h *state.History, b *planner.Bundle) {
	last, ran := h.LastRun(b.ID)
	switch {
	case h.Committed(b.ID):
		at, _ := h.CommittedAt(b.ID)
		_, _ = successColor.Fprintf(w, "  ✓ %s", b.ID)
		_, _ = dimColor.Fprintf(w, "  committed %s\n", at.Local().Format("2006-01-02 15:04"))
	case ran && last.Status == state.StatusFailed:
		_, _ = errorColor.Fprintf(w, "  ✗ %s", b.ID)
		_, _ = dimColor.Fprintf(w, "  %s failed: %s\n", last.Direction, last.Detail)
	case ran && last.Direction == state.DirectionReverse:
		_, _ = warnColor.Fprintf(w, "  ↺ %s", b.ID)
		_, _ = dimColor.Fprintln(w, "  rolled back")
	default:
		_, _ = fmt.Fprintf(w, "  · %s\n", b.ID)
	}
}
