package cmd

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/lockplane/consolidate/internal/executor"
	"github.com/lockplane/consolidate/internal/failure"
	"github.com/lockplane/consolidate/internal/planner"
)

// Exit codes
const (
	exitError      = 1
	exitBlocked    = 2
	exitCheck      = 3
	exitIrreversal = 4
)

var rootCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Staged, reversible consolidation of legacy tables into a canonical model",
	Long: `consolidate moves a live database from a legacy shape to a canonical one in
separately deployable phases: catalog expansion, idempotent backfill, stage
mapping, orphan repair, referential cutover and a guarded destructive cleanup.

Every phase is recorded in a history table inside the database, so the next
phase can always be derived from the database itself.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagEnvironment string
	flagDatabaseURL string
	flagDriver      string
	flagMapping     string
	flagLogLevel    string
	flagLogFormat   string
)

func init() {
	rootCmd.Version = getVersion()

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&flagEnvironment, "environment", "e", "", "Environment from consolidate.toml (default: default_environment)")
	flags.StringVar(&flagDatabaseURL, "database-url", "", "Database connection string (overrides the environment)")
	flags.StringVar(&flagDriver, "driver", "", "Database driver: postgres, pgx, sqlite or libsql (default: detected)")
	flags.StringVar(&flagMapping, "mapping", "", "Mapping document (default: mapping from consolidate.toml)")
	flags.StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&flagLogFormat, "log-format", "", "Log format: text or json")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		_, _ = errorColor.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the process exit status, so deployment
// pipelines can tell a blocked plan from a failed check.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, planner.ErrBlocked), errors.Is(err, executor.ErrVerificationGate):
		return exitBlocked
	}
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Check != "" {
		return exitCheck
	}
	if failure.Classify(err) == failure.ClassIrreversible {
		return exitIrreversal
	}
	return exitError
}
