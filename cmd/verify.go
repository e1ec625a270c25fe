package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lockplane/consolidate/internal/failure"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Count unconverted rows and record whether cutover may proceed",
	Long: `Run the cutover preconditions (every member linked, every member has a
canonical row, every canonical row has a parent) and record the outcome.

Cutover only runs after a passing verification recorded later than the last
backfill, stage mapping or orphan repair run.`,
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
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
	v, err := e.Verify(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, c := range v.Checks {
		if c.Rows == 0 {
			_, _ = successColor.Fprintf(out, "✓ %s\n", c.Name)
		} else {
			_, _ = errorColor.Fprintf(out, "✗ %s: %d row(s)\n", c.Name, c.Rows)
		}
	}
	if !v.Passed {
		return failure.CheckFailed(failure.ClassDataQuality, v.Target, "verify",
			fmt.Errorf("unconverted rows remain; re-run the backfill phases and verify again"))
	}
	_, _ = successColor.Fprintf(out, "\nVerified. %s may now be applied.\n", v.Target)
	return nil
}
