package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lockplane/consolidate/internal/config"
	"github.com/lockplane/consolidate/internal/database"
	"github.com/lockplane/consolidate/internal/dialect"
	"github.com/lockplane/consolidate/internal/locks"
	"github.com/lockplane/consolidate/internal/planner"
	"github.com/lockplane/consolidate/internal/planner/multiphase"
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Generate the phased plan for a mapping document",
	Long: `Generate the ordered bundle plan for a mapping document without touching
the database.

Each bundle is printed with its statements, the lock each statement takes on
PostgreSQL, its checks and how it is undone. Cleanup bundles are marked
irreversible.`,
	Example: `  # Show the plan for the configured mapping
  consolidate plan

  # Write forward and reverse SQL files for review
  consolidate plan --sql-dir migrations/

  # Plan for SQLite and print JSON
  consolidate plan --dialect sqlite --json`,
	RunE: runPlan,
}

var (
	planDialect string
	planJSON    bool
	planSQLDir  string
)

func init() {
	rootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVar(&planDialect, "dialect", "", "SQL dialect: postgres or sqlite (default: detected from the environment)")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
	planCmd.Flags().StringVar(&planSQLDir, "sql-dir", "", "Write <bundle>.up.sql and <bundle>.down.sql files to this directory")
}

func runPlan(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	doc, err := loadDocument(cfg)
	if err != nil {
		return err
	}
	d, err := planningDialect(cfg)
	if err != nil {
		return err
	}
	plan, err := multiphase.Generate(doc, d)
	if err != nil {
		return fmt.Errorf("failed to plan %s: %w", doc.Name, err)
	}

	if planSQLDir != "" {
		if err := writeSQLFiles(planSQLDir, plan); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if planJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	printPlan(out, plan)
	if planSQLDir != "" {
		_, _ = successColor.Fprintf(out, "\nWrote %d bundle(s) to %s\n", len(plan.Bundles), planSQLDir)
	}
	return nil
}

// planningDialect picks the dialect from --dialect, then --database-url,
// then the selected environment.
func planningDialect(cfg *config.Config) (dialect.Dialect, error) {
	name := database.Dialect(strings.ToLower(planDialect))
	if name == database.DialectUnknown {
		url := flagDatabaseURL
		if url == "" {
			env, err := config.ResolveEnvironment(cfg, flagEnvironment)
			if err != nil {
				return nil, err
			}
			url = env.DatabaseURL
		}
		name = database.DetectDialect(url)
		if name == database.DialectUnknown {
			name = database.DialectPostgres
		}
	}
	return dialect.For(name)
}

func printPlan(w io.Writer, plan *planner.Plan) {
	_, _ = headColor.Fprintf(w, "Plan %s", plan.Name)
	_, _ = dimColor.Fprintf(w, "  (%s, %d bundles, %s)\n\n", plan.Dialect, len(plan.Bundles), shortHash(plan.SourceHash))

	for _, b := range plan.Bundles {
		printBundleHeader(w, b)
		printStatements(w, plan, b)
		if b.Program != "" {
			_, _ = fmt.Fprintf(w, "  program: %s\n", b.Program)
		}
		printChecks(w, "preconditions", b.Preconditions)
		printChecks(w, "postconditions", b.Postconditions)
		printChecks(w, "observations", b.Observations)
		if len(b.Archive) > 0 {
			_, _ = fmt.Fprintf(w, "  archives: %s\n", strings.Join(b.Archive, ", "))
		}
		printReverse(w, b)
		_, _ = fmt.Fprintln(w)
	}

	for _, warning := range plan.Warnings {
		_, _ = warnColor.Fprintf(w, "⚠ %s\n", warning)
	}
}

// printStatements lists forward statements. On PostgreSQL each statement is
// annotated with its lock and, for blocking DDL, a safer rewrite.
func printStatements(w io.Writer, plan *planner.Plan, b *planner.Bundle) {
	postgres := plan.Dialect == string(database.DialectPostgres)
	for _, stmt := range b.Forward {
		_, _ = fmt.Fprintln(w, indent(stmt.SQL, "    "))
		if stmt.Unless != "" {
			_, _ = dimColor.Fprintf(w, "      skipped when: %s\n", stmt.Unless)
		}
		if !postgres {
			continue
		}
		impact := locks.AnalyzeLockImpact(b.Description, stmt.SQL)
		c := dimColor
		if impact.IsHighImpact() {
			c = warnColor
		}
		_, _ = c.Fprintf(w, "      lock: %s (%s impact)\n", impact.LockMode, impact.Impact)
		if !impact.IsHighImpact() {
			continue
		}
		if rewrite := locks.GenerateSaferRewrite(stmt.SQL); rewrite != nil {
			_, _ = warnColor.Fprintf(w, "      safer: %s\n", rewrite.Description)
		}
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

// writeSQLFiles writes one forward and one reverse file per bundle.
func writeSQLFiles(dir string, plan *planner.Plan) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	for _, b := range plan.Bundles {
		up := filepath.Join(dir, b.ID+".up.sql")
		if err := os.WriteFile(up, []byte(upSQL(b)), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", up, err)
		}
		down := filepath.Join(dir, b.ID+".down.sql")
		if err := os.WriteFile(down, []byte(downSQL(b)), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", down, err)
		}
	}
	return nil
}

func upSQL(b *planner.Bundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "-- %s\n-- %s\n", b.ID, b.Description)
	if b.Atomic {
		sb.WriteString("-- atomic: run in a single transaction\n")
	} else {
		sb.WriteString("-- autocommit: run each statement on its own\n")
	}
	if b.Program != "" {
		fmt.Fprintf(&sb, "-- rows are written by the %s program\n", b.Program)
	}
	writeStatements(&sb, b.Forward)
	return sb.String()
}

func downSQL(b *planner.Bundle) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "-- reverse of %s\n", b.ID)
	if !b.Reverse.IsReversible() {
		fmt.Fprintf(&sb, "-- %s\n", b.Reverse.Describe())
		return sb.String()
	}
	if b.Reverse.Reversible.Note != "" {
		fmt.Fprintf(&sb, "-- %s\n", b.Reverse.Reversible.Note)
	}
	writeStatements(&sb, b.Reverse.Reversible.Statements)
	return sb.String()
}

func writeStatements(sb *strings.Builder, stmts []planner.Statement) {
	for _, stmt := range stmts {
		sb.WriteString("\n")
		if stmt.Unless != "" {
			fmt.Fprintf(sb, "-- skip when non-zero: %s\n", stmt.Unless)
		}
		sb.WriteString(strings.TrimRight(stmt.SQL, ";\n"))
		sb.WriteString(";\n")
	}
}
