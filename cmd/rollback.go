package cmd

import (
	"github.com/spf13/cobra"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <bundle-id>",
	Short: "Run the reverse of a committed bundle",
	Long: `Run the reverse statements of a committed bundle.

Bundles that other committed bundles depend on must be rolled back after
them. Cleanup bundles are irreversible and can only be recovered from a
backup.`,
	Example: `  consolidate rollback 20250301090011_plan_buyers_cutover_keys`,
	Args:    cobra.ExactArgs(1),
	RunE:    runRollback,
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
}

func runRollback(cmd *cobra.Command, args []string) error {
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
	res, err := e.Rollback(ctx, args[0])
	if res != nil {
		out := cmd.OutOrStdout()
		_, _ = successColor.Fprintf(out, "↺ %s", res.Bundle.ID)
		_, _ = dimColor.Fprintf(out, "  rolled back, %d statement(s) skipped\n", res.Skipped)
	}
	return err
}
