package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lockplane/consolidate/internal/activity"
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Import legacy audit sources and read consolidated history",
}

var activityImportCmd = &cobra.Command{
	Use:   "import",
	Short: "Run every pending activity import",
	Long: `Import legacy audit and note tables into the activity ledger and timeline.

Imports do not depend on the backfill and may run at any point. Rows already
imported are skipped by provenance, so an import can be interrupted and run
again.`,
	RunE: runActivityImport,
}

var activityShowCmd = &cobra.Command{
	Use:     "show <entity-type> <entity-id>",
	Short:   "Print the consolidated history of one entity",
	Example: `  consolidate activity show breeding_plan 6f1c2a`,
	Args:    cobra.ExactArgs(2),
	RunE:    runActivityShow,
}

var (
	activityParallelism int
	activityJSON        bool
)

func init() {
	rootCmd.AddCommand(activityCmd)
	activityCmd.AddCommand(activityImportCmd)
	activityCmd.AddCommand(activityShowCmd)

	activityImportCmd.Flags().IntVar(&activityParallelism, "parallelism", 0, "Sources imported at once (default: activity.parallelism)")
	activityShowCmd.Flags().BoolVar(&activityJSON, "json", false, "Print records as JSON")
}

func runActivityImport(cmd *cobra.Command, args []string) error {
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
	parallelism := activityParallelism
	if parallelism == 0 {
		parallelism = s.cfg.Activity.Parallelism
	}

	results, err := e.ApplyImports(ctx, parallelism)
	out := cmd.OutOrStdout()
	for _, res := range results {
		printResult(out, res)
	}
	if err == nil && len(results) == 0 {
		_, _ = successColor.Fprintln(out, "Every activity source is imported.")
	}
	return err
}

func runActivityShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	records, err := activity.NewReader(s.db, s.d, s.doc.Activity).History(ctx, args[0], args[1])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if activityJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}
	if len(records) == 0 {
		_, _ = dimColor.Fprintf(out, "No history for %s %s.\n", args[0], args[1])
		return nil
	}
	for _, r := range records {
		_, _ = dimColor.Fprintf(out, "%s  ", deref(r.OccurredAt))
		_, _ = fmt.Fprintf(out, "%s", describeRecord(r))
		if r.Actor != nil {
			_, _ = dimColor.Fprintf(out, "  by %s", *r.Actor)
		}
		_, _ = fmt.Fprintln(out)
	}
	return nil
}

func describeRecord(r activity.Record) string {
	if r.Field != nil {
		return fmt.Sprintf("%s: %s → %s", *r.Field, orNull(r.OldValue), orNull(r.NewValue))
	}
	if r.Title != nil {
		return *r.Title
	}
	return deref(r.Kind)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orNull(s *string) string {
	if s == nil {
		return "null"
	}
	return *s
}
