package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/lockplane/consolidate/internal/archive"
	"github.com/lockplane/consolidate/internal/confirm"
	"github.com/lockplane/consolidate/internal/executor"
	"github.com/lockplane/consolidate/internal/planner"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the next bundle of the plan",
	Long: `Apply bundles of the plan to the selected environment.

By default the next runnable bundle is applied. --all keeps going until the
plan is complete or a gate is reached: cutover always needs a separate
invocation after 'consolidate verify', and --all never runs cleanup.

Cleanup bundles are irreversible. They ask for the bundle id interactively,
or accept it up front with --confirm.`,
	Example: `  # Apply the next bundle
  consolidate apply

  # Apply everything up to the verification gate
  consolidate apply --all

  # Show what the next bundle would do
  consolidate apply --dry-run

  # Run the cleanup bundle in CI
  consolidate apply --bundle 20250301090013_plan_buyers_cleanup --confirm 20250301090013_plan_buyers_cleanup`,
	RunE: runApply,
}

var (
	applyNext    bool
	applyAll     bool
	applyBundle  string
	applyDryRun  bool
	applyConfirm []string
	applyRerun   bool
)

func init() {
	rootCmd.AddCommand(applyCmd)

	applyCmd.Flags().BoolVar(&applyNext, "next", false, "Apply the next runnable bundle (default)")
	applyCmd.Flags().BoolVar(&applyAll, "all", false, "Apply bundles until the plan is complete or a gate is reached")
	applyCmd.Flags().StringVar(&applyBundle, "bundle", "", "Apply a specific bundle by id")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Print the bundle without running it")
	applyCmd.Flags().StringSliceVar(&applyConfirm, "confirm", nil, "Confirm irreversible bundles by id without prompting")
	applyCmd.Flags().BoolVar(&applyRerun, "rerun", false, "Allow re-applying a committed bundle")
}

func runApply(cmd *cobra.Command, args []string) error {
	selected := 0
	for _, set := range []bool{applyNext, applyAll, applyBundle != ""} {
		if set {
			selected++
		}
	}
	if selected > 1 {
		return fmt.Errorf("--next, --all and --bundle are mutually exclusive")
	}

	ctx := cmd.Context()
	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	opts := s.options()
	opts.Rerun = applyRerun
	opts.Confirm = confirmFunc(cmd.InOrStdin(), cmd.OutOrStdout())
	if url := s.cfg.ArchiveURL(); url != "" {
		sink, err := archive.Open(ctx, url)
		if err != nil {
			return err
		}
		opts.Archive = sink
	}
	e, err := s.engine(ctx, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if applyDryRun {
		return dryRun(cmd, e)
	}

	switch {
	case applyAll:
		results, stopped, err := e.ApplyAll(ctx)
		for _, res := range results {
			printResult(out, res)
		}
		if err != nil {
			return err
		}
		if stopped != nil {
			if stopped.Kind == planner.KindCleanup {
				_, _ = warnColor.Fprintf(out, "\nStopped before %s: after the bake-in, apply it with --bundle %s.\n", stopped.ID, stopped.ID)
				return nil
			}
			_, _ = warnColor.Fprintf(out, "\nStopped before %s: run `consolidate verify`, deploy, then apply again.\n", stopped.ID)
			return nil
		}
		_, _ = successColor.Fprintln(out, "\nPlan complete.")
		return nil

	case applyBundle != "":
		res, err := e.Apply(ctx, applyBundle)
		if res != nil {
			printResult(out, res)
		}
		return explainGate(err)

	default:
		res, err := e.ApplyNext(ctx)
		if err != nil {
			return explainGate(err)
		}
		if res == nil {
			_, _ = successColor.Fprintln(out, "Nothing to apply: every bundle is committed.")
			return nil
		}
		printResult(out, res)
		return nil
	}
}

func explainGate(err error) error {
	if errors.Is(err, executor.ErrVerificationGate) {
		return fmt.Errorf("%w: run `consolidate verify` and apply the cutover in a new invocation", err)
	}
	return err
}

// confirmFunc approves bundles named with --confirm. Without the flag it
// prompts on a terminal and declines otherwise.
func confirmFunc(in io.Reader, out io.Writer) executor.ConfirmFunc {
	if len(applyConfirm) > 0 {
		return confirm.Approved(applyConfirm...)
	}
	if f, ok := in.(*os.File); ok && isTerminal(f) {
		return confirm.Interactive(in, out)
	}
	return confirm.Approved()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// dryRun prints the bundle the invocation would apply.
func dryRun(cmd *cobra.Command, e *executor.Engine) error {
	plan := e.Plan()
	var b *planner.Bundle
	if applyBundle != "" {
		found, ok := plan.Find(applyBundle)
		if !ok {
			return fmt.Errorf("bundle %s is not in plan %s", applyBundle, plan.Name)
		}
		b = found
	} else {
		h, err := e.History(cmd.Context())
		if err != nil {
			return err
		}
		if b, err = planner.Next(plan, h); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if b == nil {
		_, _ = successColor.Fprintln(out, "Nothing to apply: every bundle is committed.")
		return nil
	}
	_, _ = dimColor.Fprintln(out, "Dry run, nothing was executed.")
	printBundleHeader(out, b)
	printStatements(out, plan, b)
	if b.Program != "" {
		_, _ = fmt.Fprintf(out, "  program: %s\n", b.Program)
	}
	printChecks(out, "preconditions", b.Preconditions)
	printChecks(out, "postconditions", b.Postconditions)
	printReverse(out, b)
	return nil
}
