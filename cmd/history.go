package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lockplane/consolidate/internal/state"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List every recorded run of the plan",
	RunE:  runHistory,
}

var historyBundle string

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historyBundle, "bundle", "", "Only show runs of this bundle")
}

func runHistory(cmd *cobra.Command, args []string) error {
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

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STARTED\tBUNDLE\tDIRECTION\tSTATUS\tROWS\tDETAIL")
	for _, r := range h.Runs() {
		if historyBundle != "" && r.BundleID != historyBundle {
			continue
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.BundleID, r.Direction, statusLabel(r), r.RowsAffected, r.Detail)
	}
	return tw.Flush()
}

func statusLabel(r state.Run) string {
	switch r.Status {
	case state.StatusCompleted:
		return successColor.Sprint(r.Status)
	case state.StatusFailed:
		return errorColor.Sprint(r.Status)
	default:
		return warnColor.Sprint(r.Status)
	}
}
